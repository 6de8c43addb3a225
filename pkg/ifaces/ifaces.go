package ifaces

import (
	"fmt"
	"sync"

	"github.com/ghjm/cspnet/pkg/proto"
	"github.com/ghjm/golib/pkg/syncro"
)

// Interface is a link that carries encoded frames to and from neighbouring nodes.  Implementations must not
// retain the frame passed to SendFrame after it returns, and must deliver inbound frames through the
// receive hook rather than waiting to be read.
type Interface interface {
	// Name returns the interface name, unique within a node
	Name() string
	// MTU returns the largest packet payload, in bytes, the link can carry
	MTU() int
	// Up returns true if the link is currently able to send
	Up() bool
	// SendFrame transmits a frame to the link-level next hop
	SendFrame(frame []byte, via proto.Address) error
	// SetReceiveFunc installs the hook inbound frames are delivered to
	SetReceiveFunc(ReceiveFunc)
	// Counters returns a snapshot of the link statistics
	Counters() Counters
	// Close shuts down the link
	Close() error
}

// ReceiveFunc is called by an interface for each inbound frame.  The frame is only valid for the duration of
// the call, and the function must not block.
type ReceiveFunc func(iface Interface, frame []byte)

// Counters holds per-interface statistics
type Counters struct {
	TxFrames uint64
	RxFrames uint64
	TxBytes  uint64
	RxBytes  uint64
	TxErrors uint64
	RxErrors uint64
	Drops    uint64
}

// MaxHeaderLen is the largest frame header any layout can produce, for sizing receive buffers.
const MaxHeaderLen = 8

var ErrClosed = fmt.Errorf("interface closed")

// Base implements the bookkeeping shared by all interfaces: name, MTU, link status, counters and the receive
// hook.  Implementations embed it and call Init before use.
type Base struct {
	self     Interface
	name     string
	mtu      int
	up       syncro.Var[bool]
	recv     syncro.Var[ReceiveFunc]
	lock     sync.Mutex
	counters Counters
}

// Init sets up the base.  self is the embedding interface, which is what the receive hook is given.
func (b *Base) Init(self Interface, name string, mtu int) {
	b.self = self
	b.name = name
	b.mtu = mtu
}

func (b *Base) Name() string {
	return b.name
}

func (b *Base) MTU() int {
	return b.mtu
}

func (b *Base) Up() bool {
	return b.up.Get()
}

// SetUp changes the link status
func (b *Base) SetUp(up bool) {
	b.up.Set(up)
}

func (b *Base) SetReceiveFunc(f ReceiveFunc) {
	b.recv.Set(f)
}

func (b *Base) Counters() Counters {
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.counters
}

// Deliver hands an inbound frame to the receive hook.  Frames arriving while no hook is installed are dropped.
func (b *Base) Deliver(frame []byte) {
	f := b.recv.Get()
	b.lock.Lock()
	if f == nil {
		b.counters.Drops++
		b.lock.Unlock()
		return
	}
	b.counters.RxFrames++
	b.counters.RxBytes += uint64(len(frame))
	b.lock.Unlock()
	f(b.self, frame)
}

// CountTx records a successfully sent frame
func (b *Base) CountTx(n int) {
	b.lock.Lock()
	defer b.lock.Unlock()
	b.counters.TxFrames++
	b.counters.TxBytes += uint64(n)
}

// CountTxError records a failed send
func (b *Base) CountTxError() {
	b.lock.Lock()
	defer b.lock.Unlock()
	b.counters.TxErrors++
}

// CountRxError records a malformed or failed receive
func (b *Base) CountRxError() {
	b.lock.Lock()
	defer b.lock.Unlock()
	b.counters.RxErrors++
}

// CountDrop records a frame discarded by the link
func (b *Base) CountDrop() {
	b.lock.Lock()
	defer b.lock.Unlock()
	b.counters.Drops++
}

// CheckSend validates a frame against the link status and MTU before transmission.
func (b *Base) CheckSend(frame []byte) error {
	if !b.Up() {
		b.CountTxError()
		return proto.ErrInterfaceDown
	}
	if len(frame) > b.mtu+MaxHeaderLen {
		b.CountTxError()
		return fmt.Errorf("%w: %d byte frame on %s", proto.ErrPacketTooLarge, len(frame), b.name)
	}
	return nil
}

// SendError counts a transmit failure and wraps it as proto.ErrInterfaceError.
func (b *Base) SendError(err error) error {
	b.CountTxError()
	return fmt.Errorf("%w: %s: %w", proto.ErrInterfaceError, b.name, err)
}
