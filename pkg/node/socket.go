package node

import (
	"fmt"
	"sync"
	"time"

	"github.com/ghjm/cspnet/pkg/packet"
	"github.com/ghjm/cspnet/pkg/proto"
	log "github.com/sirupsen/logrus"
)

// SocketOptions configures a bound socket
type SocketOptions struct {
	// Inbound packets lacking a required option are dropped.  Connections accepted on the socket apply the
	// same options to the packets they send.
	RequireCRC32 bool
	RequireHMAC  bool
	RequireXTEA  bool
	// ConnLess sockets receive packets directly with RecvFrom instead of accepting connections
	ConnLess bool
}

// Socket is a bound port.  Once listening, it accepts connections created by the router for inbound
// packets, or for a connectionless socket, queues the packets themselves.
type Socket struct {
	n        *Node
	port     proto.Port
	required proto.Flags
	connLess bool
	service  bool

	lock    sync.Mutex
	open    bool
	backlog chan *Conn
	packets chan *packet.Packet
	done    chan struct{}
}

// DefaultBacklog is the backlog of a connectionless socket's packet queue
const DefaultBacklog = 16

// Bind binds a socket to a local port.  Ports above the layout's bindable range are reserved for outgoing
// connections; proto.PortAny binds a socket receiving connections for every unbound port.
func (n *Node) Bind(port proto.Port, opts SocketOptions) (*Socket, error) {
	return n.bind(port, opts, false)
}

func (n *Node) bind(port proto.Port, opts SocketOptions, service bool) (*Socket, error) {
	if port != proto.PortAny && port > n.layout.MaxBindPort() {
		return nil, fmt.Errorf("%w: %s", proto.ErrInvalidPort, port)
	}
	s := &Socket{
		n:        n,
		port:     port,
		connLess: opts.ConnLess,
		service:  service,
		open:     true,
		done:     make(chan struct{}),
	}
	if opts.RequireCRC32 {
		s.required |= proto.FlagCRC32
	}
	if opts.RequireHMAC {
		s.required |= proto.FlagHMAC
	}
	if opts.RequireXTEA {
		s.required |= proto.FlagXTEA
	}
	n.lock.Lock()
	defer n.lock.Unlock()
	if n.ctx.Err() != nil {
		return nil, proto.ErrConnectionClosed
	}
	if _, ok := n.sockets[port]; ok {
		return nil, fmt.Errorf("%w: %s", proto.ErrPortInUse, port)
	}
	n.sockets[port] = s
	return s, nil
}

// Port returns the bound port
func (s *Socket) Port() proto.Port {
	return s.port
}

// Listen starts accepting traffic on the socket, with room for backlog pending connections (or packets,
// for a connectionless socket).  Connections arriving with the backlog full are rejected.
func (s *Socket) Listen(backlog int) error {
	if backlog <= 0 {
		backlog = DefaultBacklog
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	if !s.open {
		return proto.ErrConnectionClosed
	}
	if s.backlog != nil || s.packets != nil {
		return nil
	}
	if s.connLess {
		s.packets = make(chan *packet.Packet, backlog)
	} else {
		s.backlog = make(chan *Conn, backlog)
	}
	return nil
}

func (s *Socket) listening() bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.open && (s.backlog != nil || s.packets != nil)
}

// checkRequired rejects packets lacking an option the socket requires
func (s *Socket) checkRequired(f proto.Flags) error {
	if !f.Has(s.required) {
		return fmt.Errorf("%w: port %s requires %s", proto.ErrIntegrity, s.port, s.required)
	}
	return nil
}

func (s *Socket) replyFlags() proto.Flags {
	return s.required
}

// offer places a new connection in the backlog.  Called only by the router.
func (s *Socket) offer(c *Conn) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if !s.open {
		return proto.ErrConnectionClosed
	}
	select {
	case s.backlog <- c:
		return nil
	default:
		return fmt.Errorf("%w: backlog of port %s", proto.ErrQueueFull, s.port)
	}
}

// deliverPacket queues a packet on a connectionless socket.  On error the packet is not consumed.
func (s *Socket) deliverPacket(p *packet.Packet) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if !s.open {
		return proto.ErrConnectionClosed
	}
	select {
	case s.packets <- p:
		return nil
	default:
		return fmt.Errorf("%w: port %s", proto.ErrQueueFull, s.port)
	}
}

// Accept returns the next pending connection, waiting up to timeout.  It returns nil with no error if the
// timeout expires, and proto.ErrConnectionClosed once the socket is closed.
func (s *Socket) Accept(timeout time.Duration) (*Conn, error) {
	s.lock.Lock()
	backlog := s.backlog
	s.lock.Unlock()
	if backlog == nil {
		return nil, fmt.Errorf("socket on port %s is not listening for connections", s.port)
	}
	select {
	case c := <-backlog:
		return c, nil
	case <-s.done:
		return nil, proto.ErrConnectionClosed
	default:
	}
	if timeout == proto.NonBlocking {
		return nil, nil
	}
	tc, stop := proto.TimeoutChan(timeout)
	defer stop()
	select {
	case c := <-backlog:
		return c, nil
	case <-s.done:
		return nil, proto.ErrConnectionClosed
	case <-s.n.ctx.Done():
		return nil, proto.ErrConnectionClosed
	case <-tc:
		return nil, nil
	}
}

// RecvFrom returns the next packet queued on a connectionless socket, waiting up to timeout.  It returns nil
// with no error if the timeout expires.  The caller owns the returned packet.
func (s *Socket) RecvFrom(timeout time.Duration) (*packet.Packet, error) {
	s.lock.Lock()
	packets := s.packets
	s.lock.Unlock()
	if packets == nil {
		return nil, fmt.Errorf("socket on port %s is not a listening connectionless socket", s.port)
	}
	select {
	case p := <-packets:
		return p, nil
	case <-s.done:
		return nil, proto.ErrConnectionClosed
	default:
	}
	if timeout == proto.NonBlocking {
		return nil, nil
	}
	tc, stop := proto.TimeoutChan(timeout)
	defer stop()
	select {
	case p := <-packets:
		return p, nil
	case <-s.done:
		return nil, proto.ErrConnectionClosed
	case <-s.n.ctx.Done():
		return nil, proto.ErrConnectionClosed
	case <-tc:
		return nil, nil
	}
}

// Close unbinds the socket, closing connections still waiting in the backlog.  Connections already accepted
// are unaffected.
func (s *Socket) Close() error {
	s.lock.Lock()
	if !s.open {
		s.lock.Unlock()
		return nil
	}
	s.open = false
	close(s.done)
	s.lock.Unlock()
	s.n.lock.Lock()
	if s.n.sockets[s.port] == s {
		delete(s.n.sockets, s.port)
	}
	s.n.lock.Unlock()
	for {
		select {
		case c := <-s.backlog:
			_ = c.Close()
		case p := <-s.packets:
			p.Release()
		default:
			return nil
		}
	}
}

// Connect opens a connection to a remote port from a free ephemeral local port.  No packets are exchanged
// until the first Send.  The timeout is accepted for symmetry with reliable transports and is unused.
func (n *Node) Connect(pri proto.Priority, dst proto.Address, dport proto.Port, _ time.Duration,
	flags proto.Flags) (*Conn, error) {
	if flags.Has(proto.FlagRDP) {
		return nil, fmt.Errorf("%w: reliable datagram connections", proto.ErrNotSupported)
	}
	if pri > proto.MaxPriority {
		return nil, fmt.Errorf("%w: priority %d", proto.ErrMalformed, pri)
	}
	if !n.layout.ValidAddress(dst) || !n.layout.ValidPort(dport) {
		return nil, fmt.Errorf("%w: %s:%s", proto.ErrInvalidPort, dst, dport)
	}
	n.lock.Lock()
	defer n.lock.Unlock()
	if n.ctx.Err() != nil {
		return nil, proto.ErrConnectionClosed
	}
	if len(n.conns) >= n.cfg.MaxConnections {
		return nil, proto.ErrConnectionLimit
	}
	sport, ok := n.allocEphemeral()
	if !ok {
		return nil, fmt.Errorf("%w: no free source port", proto.ErrConnectionLimit)
	}
	c := n.newConn(connKey{remote: dst, rport: dport, lport: sport}, pri, flags, true)
	n.conns[c.key] = c
	log.Debugf("node %s: connected %s", n.cfg.Address, c)
	return c, nil
}

// allocEphemeral finds a source port not used by any outgoing connection.  n.lock must be held.
func (n *Node) allocEphemeral() (proto.Port, bool) {
	first := n.layout.MaxBindPort() + 1
	last := n.layout.MaxPort()
	used := make(map[proto.Port]bool)
	for k, c := range n.conns {
		if c.outgoing {
			used[k.lport] = true
		}
	}
	for i := 0; i <= int(last-first); i++ {
		p := n.nextEphemeral
		if p < first || p > last {
			p = first
		}
		n.nextEphemeral = p + 1
		if !used[p] {
			return p, true
		}
	}
	return 0, false
}

// sendPacket applies the packet options and submits a fully addressed packet to the router.  The packet is
// consumed.
func (n *Node) sendPacket(p *packet.Packet) error {
	p.Header.Hops = n.cfg.HopLimit
	err := n.layout.CheckHeader(p.Header)
	if err == nil && p.Header.Flags.Has(proto.FlagRDP) {
		err = fmt.Errorf("%w: reliable datagram packets", proto.ErrNotSupported)
	}
	if err == nil {
		err = n.security.Apply(p)
	}
	if err != nil {
		p.Release()
		return err
	}
	return n.submit(p)
}

// SendTo sends a single connectionless packet.  The packet is consumed.
func (n *Node) SendTo(pri proto.Priority, dst proto.Address, dport proto.Port, sport proto.Port,
	p *packet.Packet, flags proto.Flags) error {
	p.Header = proto.Header{
		Priority: pri,
		Src:      n.cfg.Address,
		Dst:      dst,
		DPort:    dport,
		SPort:    sport,
		Flags:    flags,
	}
	return n.sendPacket(p)
}

// SendReply sends reply back to the sender of request, from the port request was addressed to.  The reply
// packet is consumed; the request is not.
func (n *Node) SendReply(request *packet.Packet, reply *packet.Packet, flags proto.Flags) error {
	h := request.Header.Reply()
	h.Flags = flags
	reply.Header = h
	return n.sendPacket(reply)
}
