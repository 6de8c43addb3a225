// Package iftest provides helpers for exercising interfaces without a node attached.
package iftest

import (
	"testing"
	"time"

	"github.com/ghjm/cspnet/pkg/ifaces"
)

// Frame is a frame captured by a Collector
type Frame struct {
	Iface string
	Data  []byte
}

// Collector is a receive hook that queues copies of inbound frames on a channel.
type Collector struct {
	frames chan Frame
}

// NewCollector returns a collector and installs it as the receive hook of each given interface.
func NewCollector(ifs ...ifaces.Interface) *Collector {
	c := &Collector{
		frames: make(chan Frame, 256),
	}
	for _, i := range ifs {
		i.SetReceiveFunc(c.Receive)
	}
	return c
}

// Receive is the ifaces.ReceiveFunc of the collector
func (c *Collector) Receive(iface ifaces.Interface, frame []byte) {
	f := Frame{
		Iface: iface.Name(),
		Data:  make([]byte, len(frame)),
	}
	copy(f.Data, frame)
	select {
	case c.frames <- f:
	default:
	}
}

// Frames returns the channel of collected frames
func (c *Collector) Frames() <-chan Frame {
	return c.frames
}

// Expect waits for the next frame, failing the test if none arrives within the timeout.
func (c *Collector) Expect(t *testing.T, timeout time.Duration) Frame {
	t.Helper()
	select {
	case f := <-c.frames:
		return f
	case <-time.After(timeout):
		t.Fatalf("no frame received within %s", timeout)
	}
	return Frame{}
}

// ExpectNone fails the test if a frame arrives within the timeout.
func (c *Collector) ExpectNone(t *testing.T, timeout time.Duration) {
	t.Helper()
	select {
	case f := <-c.frames:
		t.Fatalf("unexpected frame on %s: %x", f.Iface, f.Data)
	case <-time.After(timeout):
	}
}
