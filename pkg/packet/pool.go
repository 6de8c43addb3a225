package packet

import (
	"fmt"
	"sync"

	"github.com/ghjm/cspnet/pkg/proto"
	log "github.com/sirupsen/logrus"
)

// Pool is a fixed-capacity pool of fixed-size packets.  It never allocates beyond the capacity given at
// construction, so it gives a hard ceiling on the memory used for packets.
type Pool struct {
	lock        sync.Mutex
	size        int
	packets     []*Packet
	free        []int
	doubleFrees uint64
	exhausted   uint64
}

// PoolStats is a snapshot of pool accounting
type PoolStats struct {
	Capacity    int
	Free        int
	InUse       int
	Exhausted   uint64
	DoubleFrees uint64
}

var ErrInvalidPool = fmt.Errorf("invalid pool configuration")

// NewPool creates a pool of count packets, each able to hold size bytes of payload.
func NewPool(count int, size int) (*Pool, error) {
	if count <= 0 || size <= 0 {
		return nil, fmt.Errorf("%w: %d buffers of %d bytes", ErrInvalidPool, count, size)
	}
	pl := &Pool{
		size:    size,
		packets: make([]*Packet, count),
		free:    make([]int, count),
	}
	backing := make([]byte, count*(size+TrailerRoom))
	for i := 0; i < count; i++ {
		start := i * (size + TrailerRoom)
		pl.packets[i] = &Packet{
			data:  backing[start : start+size+TrailerRoom : start+size+TrailerRoom],
			pool:  pl,
			index: i,
		}
		// Hand out low indexes first
		pl.free[i] = count - 1 - i
	}
	return pl, nil
}

// Get allocates a packet able to hold size bytes.  The packet has a reference count of 1 and an empty
// payload.  Fails with proto.ErrPoolExhausted if size is larger than the pool's packet size or if no free
// packet remains.
func (pl *Pool) Get(size int) (*Packet, error) {
	if size > pl.size || size < 0 {
		return nil, fmt.Errorf("%w: %d bytes requested, pool packets hold %d", proto.ErrPoolExhausted, size, pl.size)
	}
	pl.lock.Lock()
	defer pl.lock.Unlock()
	if len(pl.free) == 0 {
		pl.exhausted++
		return nil, proto.ErrPoolExhausted
	}
	idx := pl.free[len(pl.free)-1]
	pl.free = pl.free[:len(pl.free)-1]
	p := pl.packets[idx]
	p.refs = 1
	p.length = 0
	p.Header = proto.Header{}
	return p, nil
}

// Retain increments the reference count of p.
func (pl *Pool) Retain(p *Packet) {
	pl.lock.Lock()
	defer pl.lock.Unlock()
	if p.refs <= 0 {
		pl.doubleFrees++
		log.Errorf("retain of free packet buffer %d", p.index)
		return
	}
	p.refs++
}

// Release decrements the reference count of p, returning it to the free list at zero.  Releasing a packet
// that is already free is logged and ignored.
func (pl *Pool) Release(p *Packet) {
	if p == nil {
		return
	}
	pl.lock.Lock()
	defer pl.lock.Unlock()
	if p.pool != pl {
		log.Errorf("release of packet buffer to the wrong pool")
		return
	}
	if p.refs <= 0 {
		pl.doubleFrees++
		log.Errorf("double release of packet buffer %d", p.index)
		return
	}
	p.refs--
	if p.refs == 0 {
		pl.free = append(pl.free, p.index)
	}
}

// Size returns the payload size of the pool's packets.
func (pl *Pool) Size() int {
	return pl.size
}

// Capacity returns the total number of packets in the pool.
func (pl *Pool) Capacity() int {
	return len(pl.packets)
}

// Free returns the number of packets currently available.
func (pl *Pool) Free() int {
	pl.lock.Lock()
	defer pl.lock.Unlock()
	return len(pl.free)
}

// Stats returns a snapshot of the pool accounting.
func (pl *Pool) Stats() PoolStats {
	pl.lock.Lock()
	defer pl.lock.Unlock()
	return PoolStats{
		Capacity:    len(pl.packets),
		Free:        len(pl.free),
		InUse:       len(pl.packets) - len(pl.free),
		Exhausted:   pl.exhausted,
		DoubleFrees: pl.doubleFrees,
	}
}
