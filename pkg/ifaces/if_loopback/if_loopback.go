package if_loopback

import (
	"context"

	"github.com/ghjm/cspnet/pkg/ifaces"
	"github.com/ghjm/cspnet/pkg/proto"
)

// DefaultMTU is the payload limit of a loopback interface
const DefaultMTU = 1024

const queueLen = 32

// Loopback is an interface that delivers every frame it sends back to its own receive hook.
type Loopback struct {
	ifaces.Base
	ctx    context.Context
	cancel context.CancelFunc
	queue  chan []byte
	done   chan struct{}
}

// New creates a loopback interface.  Delivery happens asynchronously on a goroutine that runs until the
// interface is closed or ctx is cancelled.
func New(ctx context.Context, name string, mtu int) *Loopback {
	if mtu <= 0 {
		mtu = DefaultMTU
	}
	l := &Loopback{
		queue: make(chan []byte, queueLen),
		done:  make(chan struct{}),
	}
	l.ctx, l.cancel = context.WithCancel(ctx)
	l.Init(l, name, mtu)
	l.SetUp(true)
	go l.run()
	return l
}

func (l *Loopback) run() {
	defer close(l.done)
	for {
		select {
		case <-l.ctx.Done():
			l.SetUp(false)
			return
		case frame := <-l.queue:
			l.Deliver(frame)
		}
	}
}

func (l *Loopback) SendFrame(frame []byte, _ proto.Address) error {
	err := l.CheckSend(frame)
	if err != nil {
		return err
	}
	f := make([]byte, len(frame))
	copy(f, frame)
	select {
	case l.queue <- f:
	default:
		l.CountDrop()
		return l.SendError(proto.ErrQueueFull)
	}
	l.CountTx(len(frame))
	return nil
}

// Close stops the interface and waits for its delivery goroutine to exit.
func (l *Loopback) Close() error {
	l.cancel()
	<-l.done
	return nil
}
