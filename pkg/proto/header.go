package proto

import (
	"fmt"
)

// Header is the addressing and option information carried by every packet.
type Header struct {
	Priority Priority
	Src      Address
	Dst      Address
	DPort    Port
	SPort    Port
	Flags    Flags
	Hops     uint8
}

func (h Header) String() string {
	return fmt.Sprintf("%s:%s -> %s:%s pri %s flags %s hops %d",
		h.Src, h.SPort, h.Dst, h.DPort, h.Priority, h.Flags, h.Hops)
}

// Reply returns the header of a reply to a packet with this header: addresses and ports are swapped,
// priority is kept, and the hop count is reset.
func (h Header) Reply() Header {
	return Header{
		Priority: h.Priority,
		Src:      h.Dst,
		Dst:      h.Src,
		DPort:    h.SPort,
		SPort:    h.DPort,
		Hops:     DefaultHopLimit,
	}
}

// Layout gives the bit widths of the address and port fields of the packet identifier.  Deployments
// choose these to match their interconnect; the identifier is always ordered, from the most significant
// bit, as priority(2) src dst dport sport flags(8), encoded big-endian, followed by a one-byte hop count.
type Layout struct {
	AddrBits uint `yaml:"address_bits"`
	PortBits uint `yaml:"port_bits"`
}

// DefaultLayout produces the classic 32-bit identifier: 5-bit addresses and 6-bit ports.
var DefaultLayout = Layout{AddrBits: 5, PortBits: 6}

const (
	priorityBits = 2
	flagBits     = 8
	hopBytes     = 1
)

var ErrInvalidLayout = fmt.Errorf("invalid header layout")

// Validate checks that the layout can be encoded.
func (l Layout) Validate() error {
	if l.AddrBits < 1 || l.AddrBits > 14 {
		return fmt.Errorf("%w: address bits must be 1-14, not %d", ErrInvalidLayout, l.AddrBits)
	}
	if l.PortBits < 1 || l.PortBits > 7 {
		return fmt.Errorf("%w: port bits must be 1-7, not %d", ErrInvalidLayout, l.PortBits)
	}
	if l.MaxPort() < ReservedPorts {
		return fmt.Errorf("%w: port range too small for reserved ports", ErrInvalidLayout)
	}
	return nil
}

// Broadcast returns the broadcast address, which is also the largest address.
func (l Layout) Broadcast() Address {
	return Address(1<<l.AddrBits - 1)
}

// MaxPort returns the largest port number.
func (l Layout) MaxPort() Port {
	return Port(1<<l.PortBits - 1)
}

// MaxBindPort returns the largest port number an application may bind.  Ports above this are
// used as source ports of outgoing connections.
func (l Layout) MaxBindPort() Port {
	return l.MaxPort() / 2
}

func (l Layout) idBits() uint {
	return priorityBits + 2*l.AddrBits + 2*l.PortBits + flagBits
}

// IDLen returns the length in bytes of the encoded identifier.
func (l Layout) IDLen() int {
	return int((l.idBits() + 7) / 8)
}

// HeaderLen returns the length in bytes of the encoded header, including the hop count.
func (l Layout) HeaderLen() int {
	return l.IDLen() + hopBytes
}

// ValidAddress returns true if the address fits the layout.
func (l Layout) ValidAddress(a Address) bool {
	return a <= l.Broadcast()
}

// ValidPort returns true if the port fits the layout.
func (l Layout) ValidPort(p Port) bool {
	return p <= l.MaxPort()
}

// CheckHeader validates the ranges of all header fields.
func (l Layout) CheckHeader(h Header) error {
	switch {
	case h.Priority > MaxPriority:
		return fmt.Errorf("%w: priority %d", ErrMalformed, h.Priority)
	case !l.ValidAddress(h.Src):
		return fmt.Errorf("%w: source address %d out of range", ErrMalformed, h.Src)
	case !l.ValidAddress(h.Dst):
		return fmt.Errorf("%w: destination address %d out of range", ErrMalformed, h.Dst)
	case !l.ValidPort(h.SPort):
		return fmt.Errorf("%w: source port %d out of range", ErrMalformed, h.SPort)
	case !l.ValidPort(h.DPort):
		return fmt.Errorf("%w: destination port %d out of range", ErrMalformed, h.DPort)
	}
	return nil
}

// ID packs the header fields, except the hop count, into an identifier.
func (l Layout) ID(h Header) uint64 {
	a, p := l.AddrBits, l.PortBits
	id := uint64(h.Priority) << (2*a + 2*p + flagBits)
	id |= uint64(h.Src) << (a + 2*p + flagBits)
	id |= uint64(h.Dst) << (2*p + flagBits)
	id |= uint64(h.DPort) << (p + flagBits)
	id |= uint64(h.SPort) << flagBits
	id |= uint64(h.Flags)
	return id
}

// FromID unpacks an identifier.  The returned header has a zero hop count.
func (l Layout) FromID(id uint64) Header {
	a, p := l.AddrBits, l.PortBits
	amask := uint64(1)<<a - 1
	pmask := uint64(1)<<p - 1
	return Header{
		Priority: Priority((id >> (2*a + 2*p + flagBits)) & 0x3),
		Src:      Address((id >> (a + 2*p + flagBits)) & amask),
		Dst:      Address((id >> (2*p + flagBits)) & amask),
		DPort:    Port((id >> (p + flagBits)) & pmask),
		SPort:    Port((id >> flagBits) & pmask),
		Flags:    Flags(id & 0xFF),
	}
}

// PutID writes the encoded identifier of h into buf, which must be at least IDLen bytes long.
func (l Layout) PutID(buf []byte, h Header) {
	id := l.ID(h)
	n := l.IDLen()
	for i := n - 1; i >= 0; i-- {
		buf[i] = byte(id)
		id >>= 8
	}
}

// Encode writes the header into buf and returns the number of bytes written.
func (l Layout) Encode(buf []byte, h Header) (int, error) {
	err := l.CheckHeader(h)
	if err != nil {
		return 0, err
	}
	n := l.HeaderLen()
	if len(buf) < n {
		return 0, fmt.Errorf("buffer too small for header")
	}
	l.PutID(buf, h)
	buf[n-1] = h.Hops
	return n, nil
}

// Decode reads a header from the start of buf.  It returns the header and the number of bytes consumed.
func (l Layout) Decode(buf []byte) (Header, int, error) {
	n := l.HeaderLen()
	if len(buf) < n {
		return Header{}, 0, fmt.Errorf("%w: frame of %d bytes is shorter than header", ErrMalformed, len(buf))
	}
	var id uint64
	for i := 0; i < l.IDLen(); i++ {
		id = id<<8 | uint64(buf[i])
	}
	if id>>l.idBits() != 0 {
		return Header{}, 0, fmt.Errorf("%w: padding bits set in identifier", ErrMalformed)
	}
	h := l.FromID(id)
	h.Hops = buf[n-1]
	return h, n, nil
}
