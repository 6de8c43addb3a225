package node

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ghjm/cspnet/pkg/ifaces"
	"github.com/ghjm/cspnet/pkg/packet"
	"github.com/ghjm/cspnet/pkg/proto"
	"github.com/ghjm/cspnet/pkg/rtable"
	"github.com/ghjm/golib/pkg/syncro"
	log "github.com/sirupsen/logrus"
	"golang.org/x/exp/slices"
)

// Config gives the settings of a node.  Zero values select defaults.
type Config struct {
	Address  proto.Address
	Layout   proto.Layout
	HopLimit uint8

	// Identification returned by the service handler
	Hostname string
	Model    string
	Revision string

	BufferCount int
	BufferSize  int

	MaxConnections    int
	ConnQueueLength   int
	IdleTimeout       time.Duration
	RouterQueueLength int

	HMACKey []byte
	XTEAKey []byte

	// RebootHook and ShutdownHook are called by the service handler on an authenticated request
	RebootHook   func()
	ShutdownHook func()

	// PromiscuousQueueLength enables the promiscuous tap when non-zero
	PromiscuousQueueLength int

	// DisableService skips starting the system service handler
	DisableService bool
}

const (
	DefaultBufferCount       = 64
	DefaultBufferSize        = 256
	DefaultMaxConnections    = 32
	DefaultConnQueueLength   = 16
	DefaultIdleTimeout       = 10 * time.Second
	DefaultRouterQueueLength = 64
)

var ErrInvalidConfig = fmt.Errorf("invalid node configuration")

// Node is a protocol engine instance: one address on the network, with its buffer pool, interfaces,
// routing table, sockets and connections, driven by a single router goroutine.
type Node struct {
	ctx      context.Context
	cancel   context.CancelFunc
	cfg      Config
	layout   proto.Layout
	pool     *packet.Pool
	security *packet.Security
	routes   *rtable.Table
	ifs      syncro.Map[string, ifaces.Interface]
	queue    *qfifo
	frameBuf []byte
	started  time.Time
	promisc  *promiscTap
	wg       sync.WaitGroup

	// lock protects the socket and connection tables
	lock          sync.Mutex
	sockets       map[proto.Port]*Socket
	conns         map[connKey]*Conn
	nextEphemeral proto.Port

	statsLock sync.Mutex
	stats     Stats
}

// Stats holds node-wide counters
type Stats struct {
	RxPackets  uint64
	TxPackets  uint64
	Forwarded  uint64
	Delivered  uint64
	Drops      uint64
	DropReason map[string]uint64
	// TapDrops counts packets the promiscuous tap could not queue
	TapDrops uint64
}

// New creates a node and starts its router and service handler.  The node runs until ctx is cancelled or
// Close is called.
func New(ctx context.Context, cfg Config) (*Node, error) {
	if cfg.Layout == (proto.Layout{}) {
		cfg.Layout = proto.DefaultLayout
	}
	err := cfg.Layout.Validate()
	if err != nil {
		return nil, err
	}
	if !cfg.Layout.ValidAddress(cfg.Address) || cfg.Address == cfg.Layout.Broadcast() {
		return nil, fmt.Errorf("%w: address %s out of range", ErrInvalidConfig, cfg.Address)
	}
	setDefault := func(v *int, def int) {
		if *v == 0 {
			*v = def
		}
	}
	setDefault(&cfg.BufferCount, DefaultBufferCount)
	setDefault(&cfg.BufferSize, DefaultBufferSize)
	setDefault(&cfg.MaxConnections, DefaultMaxConnections)
	setDefault(&cfg.ConnQueueLength, DefaultConnQueueLength)
	setDefault(&cfg.RouterQueueLength, DefaultRouterQueueLength)
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.HopLimit == 0 {
		cfg.HopLimit = proto.DefaultHopLimit
	}
	if cfg.MaxConnections < 0 || cfg.ConnQueueLength < 0 || cfg.RouterQueueLength < 0 {
		return nil, fmt.Errorf("%w: negative table size", ErrInvalidConfig)
	}
	n := &Node{
		cfg:           cfg,
		layout:        cfg.Layout,
		routes:        rtable.New(cfg.Layout),
		queue:         newQfifo(cfg.RouterQueueLength),
		frameBuf:      make([]byte, cfg.Layout.HeaderLen()+cfg.BufferSize+packet.TrailerRoom),
		started:       time.Now(),
		sockets:       make(map[proto.Port]*Socket),
		conns:         make(map[connKey]*Conn),
		nextEphemeral: cfg.Layout.MaxBindPort() + 1,
		stats:         Stats{DropReason: make(map[string]uint64)},
	}
	n.pool, err = packet.NewPool(cfg.BufferCount, cfg.BufferSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	n.security, err = packet.NewSecurity(cfg.Layout, cfg.HMACKey, cfg.XTEAKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if cfg.PromiscuousQueueLength > 0 {
		n.promisc = newPromiscTap(cfg.PromiscuousQueueLength)
	}
	n.ctx, n.cancel = context.WithCancel(ctx)
	n.wg.Add(1)
	go n.run()
	if !cfg.DisableService {
		err = n.startService()
		if err != nil {
			n.cancel()
			n.wg.Wait()
			return nil, err
		}
	}
	log.Infof("node %s started", n.cfg.Address)
	return n, nil
}

// Address returns the node's address
func (n *Node) Address() proto.Address {
	return n.cfg.Address
}

// Layout returns the header layout in use
func (n *Node) Layout() proto.Layout {
	return n.layout
}

// Pool returns the node's packet buffer pool, from which packets to send are allocated
func (n *Node) Pool() *packet.Pool {
	return n.pool
}

// Routes returns the node's routing table
func (n *Node) Routes() *rtable.Table {
	return n.routes
}

// Context returns a context that is cancelled when the node shuts down
func (n *Node) Context() context.Context {
	return n.ctx
}

// Uptime returns the time since the node started
func (n *Node) Uptime() time.Duration {
	return time.Since(n.started)
}

// AddInterface attaches an interface to the node, directing its inbound frames to the router.
func (n *Node) AddInterface(iface ifaces.Interface) error {
	var err error
	n.ifs.WorkWith(func(m *map[string]ifaces.Interface) {
		if _, ok := (*m)[iface.Name()]; ok {
			err = fmt.Errorf("%w: duplicate interface name %s", ErrInvalidConfig, iface.Name())
			return
		}
		(*m)[iface.Name()] = iface
	})
	if err != nil {
		return err
	}
	iface.SetReceiveFunc(n.receiveFrame)
	log.Infof("node %s: added interface %s (MTU %d)", n.cfg.Address, iface.Name(), iface.MTU())
	return nil
}

// RemoveInterface detaches and closes an interface, removing the routes through it.
func (n *Node) RemoveInterface(name string) error {
	iface, ok := n.ifs.Get(name)
	if !ok {
		return fmt.Errorf("unknown interface %s", name)
	}
	n.ifs.Delete(name)
	n.routes.DeleteIface(iface)
	iface.SetReceiveFunc(nil)
	return iface.Close()
}

// Interface returns the named interface
func (n *Node) Interface(name string) (ifaces.Interface, bool) {
	return n.ifs.Get(name)
}

// Interfaces returns the node's interfaces, sorted by name
func (n *Node) Interfaces() []ifaces.Interface {
	var names []string
	var result []ifaces.Interface
	n.ifs.WorkWithReadOnly(func(m map[string]ifaces.Interface) {
		for k := range m {
			names = append(names, k)
		}
		slices.Sort(names)
		for _, k := range names {
			result = append(result, m[k])
		}
	})
	return result
}

// Stats returns a snapshot of the node counters
func (n *Node) Stats() Stats {
	n.statsLock.Lock()
	defer n.statsLock.Unlock()
	s := n.stats
	s.DropReason = make(map[string]uint64, len(n.stats.DropReason))
	for k, v := range n.stats.DropReason {
		s.DropReason[k] = v
	}
	return s
}

func (n *Node) countStat(f func(s *Stats)) {
	n.statsLock.Lock()
	defer n.statsLock.Unlock()
	f(&n.stats)
}

// drop discards a packet the router could not deliver, counting it by reason.
func (n *Node) drop(p *packet.Packet, err error) {
	reason := dropReason(err)
	n.countStat(func(s *Stats) {
		s.Drops++
		s.DropReason[reason]++
	})
	if p != nil {
		log.Debugf("node %s: dropped %s: %s", n.cfg.Address, p, err)
		p.Release()
	} else {
		log.Debugf("node %s: dropped frame: %s", n.cfg.Address, err)
	}
}

var dropReasons = []error{
	proto.ErrMalformed,
	proto.ErrIntegrity,
	proto.ErrNoRoute,
	proto.ErrUnreachablePort,
	proto.ErrLoopSuspected,
	proto.ErrPacketTooLarge,
	proto.ErrInterfaceDown,
	proto.ErrInterfaceError,
	proto.ErrPoolExhausted,
	proto.ErrQueueFull,
	proto.ErrConnectionLimit,
	proto.ErrConnectionClosed,
	proto.ErrNotSupported,
}

func dropReason(err error) string {
	for _, e := range dropReasons {
		if errors.Is(err, e) {
			return e.Error()
		}
	}
	return "other"
}

// Close shuts the node down: it stops the router and service handler, closes all sockets, connections and
// interfaces, and waits for its goroutines to exit.
func (n *Node) Close() error {
	n.cancel()
	n.wg.Wait()
	n.lock.Lock()
	socks := make([]*Socket, 0, len(n.sockets))
	for _, s := range n.sockets {
		socks = append(socks, s)
	}
	conns := make([]*Conn, 0, len(n.conns))
	for _, c := range n.conns {
		conns = append(conns, c)
	}
	n.lock.Unlock()
	for _, s := range socks {
		_ = s.Close()
	}
	for _, c := range conns {
		_ = c.Close()
	}
	for _, i := range n.Interfaces() {
		i.SetReceiveFunc(nil)
		_ = i.Close()
	}
	if n.promisc != nil {
		n.promisc.close()
	}
	return nil
}
