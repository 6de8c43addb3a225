// Package if_kiss carries frames over a byte stream, typically a serial line to a radio or another board,
// using KISS framing.
package if_kiss

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/ghjm/cspnet/pkg/config"
	"github.com/ghjm/cspnet/pkg/ifaces"
	"github.com/ghjm/cspnet/pkg/proto"
	"github.com/ghjm/cspnet/pkg/x/termios"
	log "github.com/sirupsen/logrus"
)

const (
	// DefaultMTU is the payload limit of a KISS link
	DefaultMTU = 256
	// DefaultBaud is the default serial line speed
	DefaultBaud = 500000
)

// KISS is a KISS-framed interface over a byte stream
type KISS struct {
	ifaces.Base
	rwc          io.ReadWriteCloser
	writeLock    sync.Mutex
	writeTimeout time.Duration
	done         chan struct{}
	once         sync.Once
}

// writeDeadliner is implemented by streams, such as pollable serial devices and sockets, whose writes can be
// given a deadline
type writeDeadliner interface {
	SetWriteDeadline(time.Time) error
}

// New starts a KISS interface over rwc.  The interface owns rwc and closes it when the interface is closed
// or ctx is cancelled.
func New(ctx context.Context, name string, mtu int, rwc io.ReadWriteCloser) *KISS {
	if mtu <= 0 {
		mtu = DefaultMTU
	}
	k := &KISS{
		rwc:          rwc,
		writeTimeout: ifaces.DefaultWriteTimeout,
		done:         make(chan struct{}),
	}
	k.Init(k, name, mtu)
	k.SetUp(true)
	go func() {
		select {
		case <-ctx.Done():
			_ = k.Close()
		case <-k.done:
		}
	}()
	go k.receive()
	return k
}

func (k *KISS) receive() {
	defer k.SetUp(false)
	dec := NewDecoder(k.MTU() + ifaces.MaxHeaderLen)
	buf := make([]byte, 512)
	for {
		n, err := k.rwc.Read(buf)
		if n > 0 {
			dec.Feed(buf[:n], k.Deliver, k.CountRxError)
		}
		if err != nil {
			select {
			case <-k.done:
			default:
				if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
					log.Warnf("%s: read error: %s", k.Name(), err)
				}
			}
			return
		}
	}
}

func (k *KISS) SendFrame(frame []byte, _ proto.Address) error {
	err := k.CheckSend(frame)
	if err != nil {
		return err
	}
	k.writeLock.Lock()
	defer k.writeLock.Unlock()
	if wd, ok := k.rwc.(writeDeadliner); ok {
		_ = wd.SetWriteDeadline(time.Now().Add(k.writeTimeout))
	}
	_, err = k.rwc.Write(Encode(frame))
	if err != nil {
		return k.SendError(err)
	}
	k.CountTx(len(frame))
	return nil
}

// SetWriteTimeout bounds each frame write, when the stream supports write deadlines.  Zero restores the
// default.
func (k *KISS) SetWriteTimeout(d time.Duration) {
	if d <= 0 {
		d = ifaces.DefaultWriteTimeout
	}
	k.writeLock.Lock()
	defer k.writeLock.Unlock()
	k.writeTimeout = d
}

func (k *KISS) Close() error {
	k.SetUp(false)
	var err error
	k.once.Do(func() {
		close(k.done)
		err = k.rwc.Close()
	})
	return err
}

// NewFromConfig opens the serial device named by the device parameter at the given baud rate.
func NewFromConfig(ctx context.Context, name string, params config.Params) (ifaces.Interface, error) {
	dev, ok := params["device"]
	if !ok {
		return nil, fmt.Errorf("kiss interface requires device")
	}
	baud, err := params.GetInt("baud", DefaultBaud)
	if err != nil {
		return nil, err
	}
	var mtu int
	mtu, err = params.GetInt("mtu", DefaultMTU)
	if err != nil {
		return nil, err
	}
	writeTimeout, err := params.GetDuration("write_timeout", ifaces.DefaultWriteTimeout)
	if err != nil {
		return nil, err
	}
	f, err := termios.OpenSerial(dev, baud)
	if err != nil {
		return nil, err
	}
	k := New(ctx, name, mtu, f)
	k.SetWriteTimeout(writeTimeout)
	return k, nil
}
