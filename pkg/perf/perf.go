// Package perf measures throughput and loss between two nodes.  A client streams sequence-numbered packets
// over a connection, at a limited bandwidth, for a fixed time, and then asks the server for a report of what
// arrived.
package perf

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/ghjm/cspnet/pkg/node"
	"github.com/ghjm/cspnet/pkg/proto"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const (
	// DefaultPort is the port a perf server listens on
	DefaultPort proto.Port = 15
	// DefaultDataSize is the payload size of each test packet
	DefaultDataSize = 100
	// DefaultRuntime is how long a client sends
	DefaultRuntime = 10 * time.Second
	// DefaultTimeout is how long to wait for a report, and how long a server waits between packets
	DefaultTimeout = 5 * time.Second

	// headerLen is the sequence number and send timestamp at the start of each test packet
	headerLen = 12
	reportLen = 28
	// reportSeq marks a request for the server's report
	reportSeq = 0xFFFFFFFF
)

var ErrInvalidConfig = fmt.Errorf("invalid perf configuration")

// Config controls a perf client or server.  Zero values select the defaults.
type Config struct {
	Server   proto.Address
	Port     proto.Port
	Priority proto.Priority
	Flags    proto.Flags
	// Bandwidth limits the client's send rate, in bits per second.  Zero means unlimited.
	Bandwidth int
	DataSize  int
	Runtime   time.Duration
	Timeout   time.Duration
}

func (c *Config) setDefaults() {
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.DataSize == 0 {
		c.DataSize = DefaultDataSize
	}
	if c.Runtime == 0 {
		c.Runtime = DefaultRuntime
	}
	if c.Timeout == 0 {
		c.Timeout = DefaultTimeout
	}
}

// Report is the server's account of one test stream
type Report struct {
	Packets    uint32
	Bytes      uint64
	Lost       uint32
	OutOfOrder uint32
	// Duration is the time from the first to the last packet received
	Duration time.Duration
}

func (r Report) marshal() []byte {
	b := make([]byte, reportLen)
	binary.BigEndian.PutUint32(b[0:], r.Packets)
	binary.BigEndian.PutUint64(b[4:], r.Bytes)
	binary.BigEndian.PutUint32(b[12:], r.Lost)
	binary.BigEndian.PutUint32(b[16:], r.OutOfOrder)
	// #nosec G115
	binary.BigEndian.PutUint64(b[20:], uint64(r.Duration))
	return b
}

func unmarshalReport(b []byte) (Report, error) {
	if len(b) < reportLen {
		return Report{}, fmt.Errorf("%w: %d byte report", proto.ErrMalformed, len(b))
	}
	return Report{
		Packets:    binary.BigEndian.Uint32(b[0:]),
		Bytes:      binary.BigEndian.Uint64(b[4:]),
		Lost:       binary.BigEndian.Uint32(b[12:]),
		OutOfOrder: binary.BigEndian.Uint32(b[16:]),
		// #nosec G115
		Duration: time.Duration(binary.BigEndian.Uint64(b[20:])),
	}, nil
}

// Result is the outcome of a client run
type Result struct {
	SentPackets uint32
	SentBytes   uint64
	Elapsed     time.Duration
	Server      Report
}

// Throughput returns the payload rate the server received, in bits per second
func (r Result) Throughput() float64 {
	if r.Elapsed <= 0 {
		return 0
	}
	return float64(r.Server.Bytes*8) / r.Elapsed.Seconds()
}

func (r Result) String() string {
	return fmt.Sprintf("sent %d packets (%d bytes) in %s; received %d packets (%d bytes), lost %d, "+
		"out of order %d; %.1f kbit/s", r.SentPackets, r.SentBytes, r.Elapsed.Round(time.Millisecond),
		r.Server.Packets, r.Server.Bytes, r.Server.Lost, r.Server.OutOfOrder, r.Throughput()/1000)
}

// Server receives test streams on one port
type Server struct {
	sock    *node.Socket
	timeout time.Duration
}

// NewServer binds cfg.Port on n and listens for test streams.  Socket options are required to match
// cfg.Flags.
func NewServer(n *node.Node, cfg Config) (*Server, error) {
	cfg.setDefaults()
	sock, err := n.Bind(cfg.Port, node.SocketOptions{
		RequireCRC32: cfg.Flags.Has(proto.FlagCRC32),
		RequireHMAC:  cfg.Flags.Has(proto.FlagHMAC),
		RequireXTEA:  cfg.Flags.Has(proto.FlagXTEA),
	})
	if err != nil {
		return nil, err
	}
	err = sock.Listen(node.DefaultBacklog)
	if err != nil {
		_ = sock.Close()
		return nil, err
	}
	log.Infof("perf server listening on port %s", cfg.Port)
	return &Server{sock: sock, timeout: cfg.Timeout}, nil
}

// Serve handles test streams one at a time until ctx is cancelled, then closes the server.  Each finished
// stream's report is logged and passed to onReport, if it is not nil.
func (s *Server) Serve(ctx context.Context, onReport func(Report)) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		_ = s.sock.Close()
	}()
	for {
		conn, err := s.sock.Accept(proto.MaxTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if conn == nil {
			continue
		}
		r, err := serveConn(conn, s.timeout)
		if err != nil {
			log.Warnf("perf stream from %s: %s", conn.Dst(), err)
			continue
		}
		log.Infof("perf stream from %s: %d packets, %d bytes, %d lost, %d out of order in %s",
			conn.Dst(), r.Packets, r.Bytes, r.Lost, r.OutOfOrder, r.Duration)
		if onReport != nil {
			onReport(r)
		}
	}
}

// stream accumulates the report of one test stream
type stream struct {
	Report
	expected uint32
	first    time.Time
}

// record accounts for a received packet.  A gap in the sequence counts as loss until the missing packets
// arrive late.
func (s *stream) record(seq uint32, size int, now time.Time) {
	if s.Packets == 0 {
		s.first = now
	}
	s.Packets++
	s.Bytes += uint64(size)
	s.Duration = now.Sub(s.first)
	if seq < s.expected {
		s.OutOfOrder++
		if s.Lost > 0 {
			s.Lost--
		}
		return
	}
	s.Lost += seq - s.expected
	s.expected = seq + 1
}

// serveConn reads one test stream until the client asks for its report.  The connection is closed.
func serveConn(conn *node.Conn, timeout time.Duration) (Report, error) {
	defer func() {
		_ = conn.Close()
	}()
	var st stream
	for {
		p, err := conn.Read(timeout)
		if err != nil {
			return st.Report, err
		}
		if p == nil {
			return st.Report, fmt.Errorf("%w: client went quiet", proto.ErrTransactionTimeout)
		}
		data := p.Data()
		if len(data) < headerLen {
			p.Release()
			continue
		}
		seq := binary.BigEndian.Uint32(data)
		if seq == reportSeq {
			err = p.SetData(st.marshal())
			if err != nil {
				p.Release()
				return st.Report, err
			}
			return st.Report, conn.Send(p)
		}
		st.record(seq, len(data), time.Now())
		p.Release()
	}
}

// Run sends a test stream to cfg.Server for cfg.Runtime, or until ctx is cancelled, and returns the result
// including the server's report.
func Run(ctx context.Context, n *node.Node, cfg Config) (Result, error) {
	cfg.setDefaults()
	if cfg.DataSize < headerLen || cfg.DataSize > n.Pool().Size() {
		return Result{}, fmt.Errorf("%w: data size must be %d-%d bytes", ErrInvalidConfig, headerLen, n.Pool().Size())
	}
	if cfg.Bandwidth < 0 {
		return Result{}, fmt.Errorf("%w: negative bandwidth", ErrInvalidConfig)
	}
	conn, err := n.Connect(cfg.Priority, cfg.Server, cfg.Port, cfg.Timeout, cfg.Flags)
	if err != nil {
		return Result{}, err
	}
	defer func() {
		_ = conn.Close()
	}()
	limiter := rate.NewLimiter(rate.Inf, cfg.DataSize)
	if cfg.Bandwidth > 0 {
		limiter = rate.NewLimiter(rate.Limit(float64(cfg.Bandwidth)/8), cfg.DataSize)
	}
	runCtx, cancel := context.WithTimeout(ctx, cfg.Runtime)
	defer cancel()
	var res Result
	start := time.Now()
	buf := make([]byte, cfg.DataSize)
	for seq := uint32(0); seq < reportSeq; seq++ {
		err = limiter.WaitN(runCtx, cfg.DataSize)
		if err != nil {
			// The run time is up
			break
		}
		binary.BigEndian.PutUint32(buf, seq)
		// #nosec G115
		binary.BigEndian.PutUint64(buf[4:], uint64(time.Now().UnixNano()))
		err = send(n, conn, buf)
		if err != nil {
			return res, err
		}
		res.SentPackets++
		res.SentBytes += uint64(cfg.DataSize)
	}
	res.Elapsed = time.Since(start)
	if ctx.Err() != nil {
		return res, ctx.Err()
	}
	req := make([]byte, headerLen)
	binary.BigEndian.PutUint32(req, reportSeq)
	err = send(n, conn, req)
	if err != nil {
		return res, err
	}
	p, err := conn.Read(cfg.Timeout)
	if err != nil {
		return res, err
	}
	if p == nil {
		return res, fmt.Errorf("%w: no report from %s", proto.ErrTransactionTimeout, cfg.Server)
	}
	defer p.Release()
	res.Server, err = unmarshalReport(p.Data())
	return res, err
}

func send(n *node.Node, conn *node.Conn, data []byte) error {
	p, err := n.Pool().Get(len(data))
	if err != nil {
		return err
	}
	err = p.SetData(data)
	if err != nil {
		p.Release()
		return err
	}
	return conn.Send(p)
}
