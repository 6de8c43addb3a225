package packet

import (
	"fmt"

	"github.com/ghjm/cspnet/pkg/proto"
)

// TrailerRoom is the spare capacity every packet buffer carries beyond its data size, so that option
// trailers (nonce, HMAC, CRC) can be appended without copying.
const TrailerRoom = 12

// Packet is a pool-managed packet: a header plus a payload of bounded length.  A packet has exactly one
// owner at a time unless it has been explicitly retained; the owner must Release it when done.
type Packet struct {
	Header proto.Header
	data   []byte
	length int
	pool   *Pool
	index  int
	refs   int32
}

var ErrDataTooLarge = fmt.Errorf("data exceeds packet capacity")

// Data returns the payload.  The returned slice aliases the packet buffer.
func (p *Packet) Data() []byte {
	return p.data[:p.length]
}

// Length returns the payload length.
func (p *Packet) Length() int {
	return p.length
}

// Size returns the largest payload an application may place in the packet.
func (p *Packet) Size() int {
	return len(p.data) - TrailerRoom
}

// SetData copies b into the payload.
func (p *Packet) SetData(b []byte) error {
	if len(b) > p.Size() {
		return ErrDataTooLarge
	}
	p.length = copy(p.data, b)
	return nil
}

// SetLength sets the payload length, exposing or hiding bytes of the underlying buffer.
func (p *Packet) SetLength(n int) error {
	if n < 0 || n > p.Size() {
		return ErrDataTooLarge
	}
	p.length = n
	return nil
}

// appendTrailer appends option trailer bytes, which may use the trailer room.
func (p *Packet) appendTrailer(b []byte) error {
	if p.length+len(b) > len(p.data) {
		return ErrDataTooLarge
	}
	p.length += copy(p.data[p.length:], b)
	return nil
}

// trimTrailer removes n bytes from the end of the payload and returns them.
func (p *Packet) trimTrailer(n int) ([]byte, error) {
	if n > p.length {
		return nil, fmt.Errorf("%w: payload shorter than trailer", proto.ErrIntegrity)
	}
	p.length -= n
	return p.data[p.length : p.length+n], nil
}

// Retain adds a reference to the packet, for handing it to an additional consumer.
func (p *Packet) Retain() {
	p.pool.Retain(p)
}

// Release drops a reference to the packet, returning it to its pool when none remain.
func (p *Packet) Release() {
	p.pool.Release(p)
}

// Refs returns the current reference count.
func (p *Packet) Refs() int {
	p.pool.lock.Lock()
	defer p.pool.lock.Unlock()
	return int(p.refs)
}

// Copy allocates a new packet from the same pool holding a copy of this packet's header and payload,
// including any option trailers still attached.
func (p *Packet) Copy() (*Packet, error) {
	np, err := p.pool.Get(0)
	if err != nil {
		return nil, err
	}
	np.Header = p.Header
	np.length = copy(np.data, p.data[:p.length])
	return np, nil
}

func (p *Packet) String() string {
	return fmt.Sprintf("[%s] %d bytes", p.Header, p.length)
}

// Append adds b to the end of the payload.
func (p *Packet) Append(b []byte) error {
	if p.length+len(b) > p.Size() {
		return ErrDataTooLarge
	}
	p.length += copy(p.data[p.length:], b)
	return nil
}

// SetReceived copies a received payload, which may still carry option trailers, into the packet.
func (p *Packet) SetReceived(b []byte) error {
	if len(b) > len(p.data) {
		return ErrDataTooLarge
	}
	p.length = copy(p.data, b)
	return nil
}
