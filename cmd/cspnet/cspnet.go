package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/ghjm/cspnet/internal/version"
	"github.com/ghjm/cspnet/pkg/capture"
	"github.com/ghjm/cspnet/pkg/config"
	"github.com/ghjm/cspnet/pkg/node"
	"github.com/ghjm/cspnet/pkg/perf"
	"github.com/ghjm/cspnet/pkg/proto"
	"github.com/ghjm/cspnet/pkg/x/exit_handler"
	"github.com/ghjm/cspnet/pkg/x/logsetup"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func errExit(err error) {
	fmt.Printf("Error: %s\n", err)
	exit_handler.Exit(1)
}

func errExitf(format string, args ...any) {
	errExit(fmt.Errorf(format, args...))
}

var rootCmd = &cobra.Command{
	Use:     "cspnet",
	Short:   "Small-satellite network protocol node and tools",
	Version: version.Version(),
}

var configFile string
var identity string
var logLevel string

// startNode loads the configuration and starts the node with the selected identity
func startNode(ctx context.Context, hooks node.Hooks, mods ...func(*node.Config)) *node.Node {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		errExit(err)
	}
	nc, err := cfg.GetNode(identity)
	if err != nil {
		errExit(err)
	}
	lc, err := logsetup.Setup(nc.Log, logLevel)
	if err != nil {
		errExit(err)
	}
	exit_handler.AddExitFunc(func() { _ = lc.Close() })
	n, err := node.NewFromConfig(ctx, cfg, identity, hooks, mods...)
	if err != nil {
		errExit(err)
	}
	exit_handler.AddExitFunc(func() { _ = n.Close() })
	return n
}

var nodeCmd = &cobra.Command{
	Use:   "node",
	Short: "Run a node",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		n := startNode(ctx, node.Hooks{
			Reboot:   exit_handler.Restart,
			Shutdown: func() { exit_handler.Exit(0) },
		})
		log.Infof("node %s running with %d interfaces", n.Address(), len(n.Interfaces()))
		<-ctx.Done()
	},
}

var timeout time.Duration
var optionStr string
var waitLinks time.Duration

func parseTarget(s string) (proto.Address, proto.Flags) {
	a, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		errExitf("invalid address %s", s)
	}
	flags, err := proto.ParseFlags(optionStr)
	if err != nil {
		errExit(err)
	}
	return proto.Address(a), flags
}

// clientNode starts a node for a one-shot query and waits for one of its links to come up
func clientNode() *node.Node {
	n := startNode(context.Background(), node.Hooks{})
	deadline := time.Now().Add(waitLinks)
	for time.Now().Before(deadline) {
		for _, i := range n.Interfaces() {
			if i.Up() {
				return n
			}
		}
		time.Sleep(50 * time.Millisecond)
	}
	log.Warnf("no interface came up within %s", waitLinks)
	return n
}

var pingCount int
var pingSize int
var pingCmd = &cobra.Command{
	Use:   "ping <address>",
	Short: "Ping a node",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		dst, flags := parseTarget(args[0])
		n := clientNode()
		failures := 0
		for i := 0; i < pingCount; i++ {
			if i > 0 {
				time.Sleep(time.Second)
			}
			rtt, err := n.Ping(dst, timeout, pingSize, flags)
			if err != nil {
				failures++
				fmt.Printf("Ping %s: %s\n", dst, err)
				continue
			}
			fmt.Printf("Reply from %s: size=%d time=%s\n", dst, pingSize, rtt)
		}
		if failures == pingCount {
			exit_handler.Exit(1)
		}
		exit_handler.Exit(0)
	},
}

var identCmd = &cobra.Command{
	Use:   "ident <address>",
	Short: "Request the identification of a node",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		dst, flags := parseTarget(args[0])
		id, err := clientNode().RemoteIdent(dst, timeout, flags)
		if err != nil {
			errExit(err)
		}
		fmt.Printf("Hostname: %s\nModel:    %s\nRevision: %s\nBuilt:    %s %s\n",
			id.Hostname, id.Model, id.Revision, id.Date, id.Time)
		exit_handler.Exit(0)
	},
}

var uptimeCmd = &cobra.Command{
	Use:   "uptime <address>",
	Short: "Request the uptime of a node",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		dst, flags := parseTarget(args[0])
		up, err := clientNode().RemoteUptime(dst, timeout, flags)
		if err != nil {
			errExit(err)
		}
		fmt.Printf("Uptime of %s: %s\n", dst, up)
		exit_handler.Exit(0)
	},
}

var memfreeCmd = &cobra.Command{
	Use:   "memfree <address>",
	Short: "Request the free memory of a node",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		dst, flags := parseTarget(args[0])
		free, err := clientNode().MemFree(dst, timeout, flags)
		if err != nil {
			errExit(err)
		}
		fmt.Printf("Free memory on %s: %d bytes\n", dst, free)
		exit_handler.Exit(0)
	},
}

var buffreeCmd = &cobra.Command{
	Use:   "buffree <address>",
	Short: "Request the number of free packet buffers of a node",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		dst, flags := parseTarget(args[0])
		free, err := clientNode().BufFree(dst, timeout, flags)
		if err != nil {
			errExit(err)
		}
		fmt.Printf("Free buffers on %s: %d\n", dst, free)
		exit_handler.Exit(0)
	},
}

var shutdown bool
var rebootCmd = &cobra.Command{
	Use:   "reboot <address>",
	Short: "Reboot or shut down a node",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		dst, flags := parseTarget(args[0])
		n := clientNode()
		var err error
		if shutdown {
			err = n.Shutdown(dst, flags)
		} else {
			err = n.Reboot(dst, flags)
		}
		if err != nil {
			errExit(err)
		}
		exit_handler.Exit(0)
	},
}

var routesCmd = &cobra.Command{
	Use:   "routes",
	Short: "Show the interfaces and routing table of a configured node",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		n := startNode(context.Background(), node.Hooks{})
		fmt.Printf("Interfaces:\n")
		for _, i := range n.Interfaces() {
			fmt.Printf("  %-10s MTU %-5d up=%t\n", i.Name(), i.MTU(), i.Up())
		}
		fmt.Printf("Routes:\n%s", n.Routes())
		exit_handler.Exit(0)
	},
}

var captureFile string
var captureSnapLen int
var captureCmd = &cobra.Command{
	Use:   "capture",
	Short: "Run a node and write every packet it handles to a pcap file",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		n := startNode(ctx, node.Hooks{}, func(c *node.Config) {
			c.PromiscuousQueueLength = 64
		})
		f, err := os.Create(captureFile)
		if err != nil {
			errExit(err)
		}
		exit_handler.AddExitFunc(func() { _ = f.Close() })
		w, err := capture.NewWriter(f, n.Layout(), captureSnapLen)
		if err != nil {
			errExit(err)
		}
		log.Infof("capturing to %s", captureFile)
		count, err := w.Run(ctx, n.PromiscuousRead)
		if err != nil {
			log.Infof("capture stopped after %d packets: %s", count, err)
		}
		exit_handler.Exit(0)
	},
}

var perfServer bool
var perfClient string
var perfPort uint
var perfBandwidth int
var perfRuntime time.Duration
var perfSize int
var perfCmd = &cobra.Command{
	Use:   "perf",
	Short: "Measure throughput and loss to another node",
	Long: "Run a throughput server with --server, or stream test packets to a server with --client <address> " +
		"and report what arrived.",
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		if perfServer == (perfClient != "") {
			errExitf("exactly one of --server or --client must be given")
		}
		if perfPort > uint(proto.PortAny) {
			errExitf("invalid port %d", perfPort)
		}
		cfg := perf.Config{
			Port:      proto.Port(perfPort),
			Bandwidth: perfBandwidth,
			DataSize:  perfSize,
			Runtime:   perfRuntime,
			Timeout:   timeout,
		}
		if perfServer {
			var err error
			cfg.Flags, err = proto.ParseFlags(optionStr)
			if err != nil {
				errExit(err)
			}
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			n := startNode(ctx, node.Hooks{})
			srv, err := perf.NewServer(n, cfg)
			if err != nil {
				errExit(err)
			}
			err = srv.Serve(ctx, nil)
			if err != nil {
				errExit(err)
			}
			exit_handler.Exit(0)
		}
		cfg.Server, cfg.Flags = parseTarget(perfClient)
		n := clientNode()
		ctx, cancel := context.WithCancel(context.Background())
		exit_handler.AddExitFunc(cancel)
		res, err := perf.Run(ctx, n, cfg)
		if err != nil {
			errExit(err)
		}
		fmt.Println(res)
		exit_handler.Exit(0)
	},
}

func main() {
	exit_handler.HandleSignals()
	cmds := []*cobra.Command{nodeCmd, captureCmd, pingCmd, identCmd, uptimeCmd, memfreeCmd, buffreeCmd, rebootCmd,
		routesCmd, perfCmd}
	for _, c := range cmds {
		c.Flags().StringVar(&configFile, "config", "", "Config file name (required)")
		_ = c.MarkFlagRequired("config")
		c.Flags().StringVar(&identity, "id", "", "Node ID (required)")
		_ = c.MarkFlagRequired("id")
		c.Flags().StringVar(&logLevel, "log-level", "", "Set log level (error/warning/info/debug)")
	}
	for _, c := range []*cobra.Command{pingCmd, identCmd, uptimeCmd, memfreeCmd, buffreeCmd, rebootCmd, perfCmd} {
		c.Flags().DurationVar(&timeout, "timeout", time.Second, "Reply timeout")
		c.Flags().StringVar(&optionStr, "options", "", "Packet options: c(rc32) h(mac) x(tea)")
		c.Flags().DurationVar(&waitLinks, "wait-links", 5*time.Second, "Time to wait for an interface to come up")
	}
	pingCmd.Flags().IntVar(&pingCount, "count", 4, "Number of pings to send")
	pingCmd.Flags().IntVar(&pingSize, "size", 8, "Ping payload size")
	captureCmd.Flags().StringVar(&captureFile, "file", "cspnet.pcap", "Capture file name")
	captureCmd.Flags().IntVar(&captureSnapLen, "snaplen", 65535, "Maximum bytes captured per packet")
	rebootCmd.Flags().BoolVar(&shutdown, "shutdown", false, "Shut down instead of rebooting")
	perfCmd.Flags().BoolVar(&perfServer, "server", false, "Run in server mode")
	perfCmd.Flags().StringVar(&perfClient, "client", "", "Run in client mode, sending to this address")
	perfCmd.Flags().UintVar(&perfPort, "port", uint(perf.DefaultPort), "Server port")
	perfCmd.Flags().IntVar(&perfBandwidth, "bandwidth", 0, "Transmit bandwidth in bits per second (0 for unlimited)")
	perfCmd.Flags().DurationVar(&perfRuntime, "time", perf.DefaultRuntime, "Time to send for")
	perfCmd.Flags().IntVar(&perfSize, "size", perf.DefaultDataSize, "Payload data size")

	rootCmd.AddCommand(cmds...)

	err := rootCmd.Execute()
	if err != nil {
		fmt.Println(err)
		exit_handler.Exit(1)
	}
	exit_handler.RunExitFuncs()
}
