package if_pair

import (
	"context"
	"os"
	"time"

	"github.com/ghjm/cspnet/pkg/ifaces"
	"github.com/ghjm/golib/pkg/syncro"
)

// implements ifaces.MessageConn
type pairConn struct {
	ctx      context.Context
	cancel   context.CancelFunc
	readChan chan []byte
	sendChan chan []byte
	deadline syncro.Var[time.Time]
}

const queueLen = 64

func (c *pairConn) WriteMessage(data []byte) error {
	msg := make([]byte, len(data))
	copy(msg, data)
	select {
	case c.sendChan <- msg:
		return nil
	case <-c.ctx.Done():
		return os.ErrClosed
	default:
	}
	var expired <-chan time.Time
	if d := c.deadline.Get(); !d.IsZero() {
		t := time.NewTimer(time.Until(d))
		defer t.Stop()
		expired = t.C
	}
	select {
	case c.sendChan <- msg:
	case <-c.ctx.Done():
		return os.ErrClosed
	case <-expired:
		return os.ErrDeadlineExceeded
	}
	return nil
}

func (c *pairConn) SetWriteDeadline(t time.Time) error {
	c.deadline.Set(t)
	return nil
}

func (c *pairConn) ReadMessage() ([]byte, error) {
	select {
	case data := <-c.readChan:
		return data, nil
	case <-c.ctx.Done():
		return nil, os.ErrClosed
	}
}

func (c *pairConn) Close() error {
	c.cancel()
	return nil
}

// New returns two in-process interfaces joined back to back, for tests and for linking nodes that share a
// process.  Each filter selects the frames its side accepts.
func New(ctx context.Context, name1 string, filter1 ifaces.Filter, name2 string, filter2 ifaces.Filter,
	mtu int) (*ifaces.ConnLink, *ifaces.ConnLink) {
	pairCtx, pairCancel := context.WithCancel(ctx)
	oneToTwo := make(chan []byte, queueLen)
	twoToOne := make(chan []byte, queueLen)
	c1 := &pairConn{
		ctx:      pairCtx,
		cancel:   pairCancel,
		readChan: twoToOne,
		sendChan: oneToTwo,
	}
	c2 := &pairConn{
		ctx:      pairCtx,
		cancel:   pairCancel,
		readChan: oneToTwo,
		sendChan: twoToOne,
	}
	l1 := ifaces.NewConnLink(ctx, name1, mtu, filter1)
	l2 := ifaces.NewConnLink(ctx, name2, mtu, filter2)
	if l1.Attach(c1) {
		go l1.Serve(pairCtx, c1)
	}
	if l2.Attach(c2) {
		go l2.Serve(pairCtx, c2)
	}
	return l1, l2
}
