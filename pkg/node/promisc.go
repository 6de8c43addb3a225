package node

import (
	"sync"
	"time"

	"github.com/ghjm/cspnet/pkg/packet"
	"github.com/ghjm/cspnet/pkg/proto"
)

// promiscTap receives a copy of every packet the router handles, for monitoring tools.  When the reader
// falls behind or the pool is exhausted, the newest packets are dropped.
type promiscTap struct {
	lock    sync.Mutex
	closed  bool
	packets chan *packet.Packet
	done    chan struct{}
}

func newPromiscTap(length int) *promiscTap {
	return &promiscTap{
		packets: make(chan *packet.Packet, length),
		done:    make(chan struct{}),
	}
}

// tap queues a copy of p, as it appears on the wire.  The router keeps sole ownership of p.
func (t *promiscTap) tap(p *packet.Packet) error {
	t.lock.Lock()
	defer t.lock.Unlock()
	if t.closed {
		return nil
	}
	c, err := p.Copy()
	if err != nil {
		return err
	}
	select {
	case t.packets <- c:
		return nil
	default:
		c.Release()
		return proto.ErrQueueFull
	}
}

func (t *promiscTap) read(timeout time.Duration) (*packet.Packet, error) {
	select {
	case p := <-t.packets:
		return p, nil
	case <-t.done:
		return nil, proto.ErrConnectionClosed
	default:
	}
	if timeout == proto.NonBlocking {
		return nil, nil
	}
	tc, stop := proto.TimeoutChan(timeout)
	defer stop()
	select {
	case p := <-t.packets:
		return p, nil
	case <-t.done:
		return nil, proto.ErrConnectionClosed
	case <-tc:
		return nil, nil
	}
}

func (t *promiscTap) close() {
	t.lock.Lock()
	defer t.lock.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	close(t.done)
	for {
		select {
		case p := <-t.packets:
			p.Release()
		default:
			return
		}
	}
}

// PromiscuousRead returns a copy of the next packet seen by the router, waiting up to timeout.  The copy is
// taken before option trailers are verified, so its payload is the payload as sent on the wire.  The caller
// owns the copy and must release it.  Fails with proto.ErrNotSupported unless the node was configured with
// a promiscuous queue.
func (n *Node) PromiscuousRead(timeout time.Duration) (*packet.Packet, error) {
	if n.promisc == nil {
		return nil, proto.ErrNotSupported
	}
	return n.promisc.read(timeout)
}
