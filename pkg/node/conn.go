package node

import (
	"fmt"
	"sync"
	"time"

	"github.com/ghjm/cspnet/pkg/packet"
	"github.com/ghjm/cspnet/pkg/proto"
)

// ConnState is the state of a connection
type ConnState int

const (
	StateClosed ConnState = iota
	StateOpen
)

func (s ConnState) String() string {
	if s == StateOpen {
		return "open"
	}
	return "closed"
}

// connKey identifies a connection by its remote endpoint and local port
type connKey struct {
	remote proto.Address
	rport  proto.Port
	lport  proto.Port
}

// Conn is a connection between a local port and a remote address and port.  Inbound packets are queued
// by the router in arrival order until read.
type Conn struct {
	n        *Node
	key      connKey
	priority proto.Priority
	flags    proto.Flags
	outgoing bool
	queue    chan *packet.Packet
	done     chan struct{}

	lock   sync.Mutex
	state  ConnState
	active time.Time
}

// newConn creates an open connection.  The caller adds it to the connection table.
func (n *Node) newConn(key connKey, pri proto.Priority, flags proto.Flags, outgoing bool) *Conn {
	return &Conn{
		n:        n,
		key:      key,
		priority: pri,
		flags:    flags,
		outgoing: outgoing,
		queue:    make(chan *packet.Packet, n.cfg.ConnQueueLength),
		done:     make(chan struct{}),
		state:    StateOpen,
		active:   time.Now(),
	}
}

func (c *Conn) String() string {
	return fmt.Sprintf("%s:%s <-> %s:%s", c.n.cfg.Address, c.key.lport, c.key.remote, c.key.rport)
}

// Src returns the local address
func (c *Conn) Src() proto.Address {
	return c.n.cfg.Address
}

// Dst returns the remote address
func (c *Conn) Dst() proto.Address {
	return c.key.remote
}

// SPort returns the local port
func (c *Conn) SPort() proto.Port {
	return c.key.lport
}

// DPort returns the remote port
func (c *Conn) DPort() proto.Port {
	return c.key.rport
}

// Flags returns the options applied to packets sent on the connection
func (c *Conn) Flags() proto.Flags {
	return c.flags
}

// State returns the connection state
func (c *Conn) State() ConnState {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.state
}

func (c *Conn) touch() {
	c.lock.Lock()
	c.active = time.Now()
	c.lock.Unlock()
}

func (c *Conn) lastActive() time.Time {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.active
}

// deliver queues an inbound packet.  Called only by the router.  On error the packet is not consumed.
func (c *Conn) deliver(p *packet.Packet) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.state != StateOpen {
		return proto.ErrConnectionClosed
	}
	for _, f := range []proto.Flags{proto.FlagCRC32, proto.FlagHMAC, proto.FlagXTEA} {
		if c.flags.Has(f) && !p.Header.Flags.Has(f) {
			return fmt.Errorf("%w: connection requires %s", proto.ErrIntegrity, f)
		}
	}
	select {
	case c.queue <- p:
	default:
		return fmt.Errorf("%w: connection %s", proto.ErrQueueFull, c)
	}
	c.active = time.Now()
	return nil
}

// Read returns the next inbound packet, waiting up to timeout.  It returns nil with no error if the timeout
// expires, and proto.ErrConnectionClosed once the connection is closed.  The caller owns the returned
// packet and must release it.
func (c *Conn) Read(timeout time.Duration) (*packet.Packet, error) {
	select {
	case p := <-c.queue:
		c.touch()
		return p, nil
	case <-c.done:
		return nil, proto.ErrConnectionClosed
	default:
	}
	if timeout == proto.NonBlocking {
		return nil, nil
	}
	tc, stop := proto.TimeoutChan(timeout)
	defer stop()
	select {
	case p := <-c.queue:
		c.touch()
		return p, nil
	case <-c.done:
		return nil, proto.ErrConnectionClosed
	case <-c.n.ctx.Done():
		return nil, proto.ErrConnectionClosed
	case <-tc:
		return nil, nil
	}
}

// Send addresses a packet to the remote end of the connection and submits it to the router.  The packet is
// consumed, whether or not the send succeeds.
func (c *Conn) Send(p *packet.Packet) error {
	if c.State() != StateOpen {
		p.Release()
		return proto.ErrConnectionClosed
	}
	p.Header = proto.Header{
		Priority: c.priority,
		Src:      c.n.cfg.Address,
		Dst:      c.key.remote,
		DPort:    c.key.rport,
		SPort:    c.key.lport,
		Flags:    c.flags,
	}
	c.touch()
	return c.n.sendPacket(p)
}

// Close closes the connection, releasing any unread packets and waking blocked readers.
func (c *Conn) Close() error {
	c.lock.Lock()
	if c.state == StateClosed {
		c.lock.Unlock()
		return nil
	}
	c.state = StateClosed
	close(c.done)
	c.lock.Unlock()
	c.n.lock.Lock()
	if c.n.conns[c.key] == c {
		delete(c.n.conns, c.key)
	}
	c.n.lock.Unlock()
	for {
		select {
		case p := <-c.queue:
			p.Release()
		default:
			return nil
		}
	}
}
