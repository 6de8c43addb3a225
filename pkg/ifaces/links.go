package ifaces

import (
	"context"
	"errors"
	"net"
	"os"
	"sync"
	"time"

	"github.com/ghjm/cspnet/pkg/proto"
	log "github.com/sirupsen/logrus"
)

// MessageConn is a connection that carries whole messages.  ReadMessage always returns the entire message
// that was given to WriteMessage on the other side, never a fragment of it.
type MessageConn interface {
	WriteMessage([]byte) error
	ReadMessage() ([]byte, error)
	SetWriteDeadline(time.Time) error
	Close() error
}

// ConnFunc produces a connection, by dialing or accepting
type ConnFunc func() (MessageConn, error)

// ConnRunner runs a link protocol over a connection until the connection fails or the context is cancelled
type ConnRunner func(context.Context, MessageConn)

const maxRedial = time.Minute

// RunDialer repeatedly dials and runs connections, backing off exponentially while dialing fails.
func RunDialer(ctx context.Context, runner ConnRunner, dialer ConnFunc) {
	var nextTimeout time.Duration
	for {
		t := time.NewTimer(nextTimeout)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
		if nextTimeout == 0 {
			nextTimeout = time.Second
		} else {
			nextTimeout *= 2
			if nextTimeout > maxRedial {
				nextTimeout = maxRedial
			}
		}
		conn, err := dialer()
		if err != nil {
			if ctx.Err() == nil {
				log.Warnf("dialer error: %s", err)
			}
			continue
		}
		nextTimeout = 0
		runner(ctx, conn)
	}
}

const maxAcceptDelay = time.Second

// RunListener accepts connections and runs each one in its own goroutine, until the listener is closed or
// the context is cancelled.  Other accept errors are retried with a growing delay.
func RunListener(ctx context.Context, runner ConnRunner, acceptor ConnFunc) {
	var tempDelay time.Duration
	for {
		conn, err := acceptor()
		if ctx.Err() != nil {
			if conn != nil {
				_ = conn.Close()
			}
			return
		}
		if errors.Is(err, net.ErrClosed) {
			return
		}
		if err != nil {
			if tempDelay == 0 {
				tempDelay = 5 * time.Millisecond
			} else {
				tempDelay *= 2
			}
			if tempDelay > maxAcceptDelay {
				tempDelay = maxAcceptDelay
			}
			log.Warnf("accept error: %s; retrying in %v", err, tempDelay)
			t := time.NewTimer(tempDelay)
			select {
			case <-ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
			continue
		}
		tempDelay = 0
		go runner(ctx, conn)
	}
}

// ConnLink is an interface built from any number of message connections, such as the peers of a TCP hub.
// Frames are enveloped and sent to every connection; each receiver filters out frames not meant for it.
type ConnLink struct {
	Base
	ctx          context.Context
	cancel       context.CancelFunc
	filter       Filter
	lock         sync.Mutex
	conns        map[MessageConn]struct{}
	writeLock    sync.Mutex
	writeTimeout time.Duration
}

// DefaultWriteTimeout bounds how long SendFrame waits on any one connection.  A connection whose write
// times out is closed.
const DefaultWriteTimeout = time.Second

// NewConnLink creates a link with no connections.  Connections are added by running RunConn on them.
func NewConnLink(ctx context.Context, name string, mtu int, filter Filter) *ConnLink {
	l := &ConnLink{
		filter:       filter,
		conns:        make(map[MessageConn]struct{}),
		writeTimeout: DefaultWriteTimeout,
	}
	l.ctx, l.cancel = context.WithCancel(ctx)
	l.Init(l, name, mtu)
	return l
}

// SetWriteTimeout changes the per-connection write timeout.  Zero restores the default.
func (l *ConnLink) SetWriteTimeout(d time.Duration) {
	if d <= 0 {
		d = DefaultWriteTimeout
	}
	l.writeLock.Lock()
	defer l.writeLock.Unlock()
	l.writeTimeout = d
}

// Context returns a context that is cancelled when the link closes
func (l *ConnLink) Context() context.Context {
	return l.ctx
}

// RunConn attaches a connection to the link and receives from it until it fails.
func (l *ConnLink) RunConn(ctx context.Context, conn MessageConn) {
	if !l.Attach(conn) {
		return
	}
	l.Serve(ctx, conn)
}

// Attach adds a connection to the set frames are sent to, marking the link up.  It returns false, having
// closed the connection, if the link is already closed.
func (l *ConnLink) Attach(conn MessageConn) bool {
	l.lock.Lock()
	defer l.lock.Unlock()
	if l.ctx.Err() != nil {
		_ = conn.Close()
		return false
	}
	l.conns[conn] = struct{}{}
	l.SetUp(true)
	log.Debugf("%s: connection up", l.Name())
	return true
}

// Serve receives from an attached connection until it fails, then detaches it.
func (l *ConnLink) Serve(ctx context.Context, conn MessageConn) {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
		case <-l.ctx.Done():
		case <-done:
		}
		_ = conn.Close()
	}()
	defer func() {
		close(done)
		l.lock.Lock()
		delete(l.conns, conn)
		l.SetUp(len(l.conns) > 0)
		l.lock.Unlock()
		log.Debugf("%s: connection down", l.Name())
	}()

	for {
		msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil && l.ctx.Err() == nil {
				log.Warnf("%s: read error: %s", l.Name(), err)
			}
			return
		}
		via, from, frame, err := Unwrap(msg)
		if err != nil {
			l.CountRxError()
			continue
		}
		if !l.filter.Accept(via, from) {
			continue
		}
		l.Deliver(frame)
	}
}

func (l *ConnLink) SendFrame(frame []byte, via proto.Address) error {
	err := l.CheckSend(frame)
	if err != nil {
		return err
	}
	l.lock.Lock()
	conns := make([]MessageConn, 0, len(l.conns))
	for c := range l.conns {
		conns = append(conns, c)
	}
	l.lock.Unlock()
	if len(conns) == 0 {
		l.CountTxError()
		return proto.ErrInterfaceDown
	}
	msg := Wrap(via, l.filter.Local, frame)
	l.writeLock.Lock()
	defer l.writeLock.Unlock()
	var lastErr error
	sent := false
	for _, c := range conns {
		err = c.SetWriteDeadline(time.Now().Add(l.writeTimeout))
		if err == nil {
			err = c.WriteMessage(msg)
		}
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				log.Warnf("%s: peer stopped reading, dropping connection", l.Name())
			}
			lastErr = err
			_ = c.Close()
			continue
		}
		sent = true
	}
	if !sent {
		return l.SendError(lastErr)
	}
	l.CountTx(len(frame))
	return nil
}

func (l *ConnLink) Close() error {
	l.lock.Lock()
	l.cancel()
	for c := range l.conns {
		_ = c.Close()
	}
	l.SetUp(false)
	l.lock.Unlock()
	return nil
}
