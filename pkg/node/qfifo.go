package node

import (
	"sync"

	"github.com/ghjm/cspnet/pkg/ifaces"
	"github.com/ghjm/cspnet/pkg/packet"
	"github.com/ghjm/cspnet/pkg/proto"
	priorityQueue "github.com/jupp0r/go-priority-queue"
)

// qItem is a unit of work for the router: an inbound packet and the interface it arrived on, or an
// outbound packet and the channel its submitter waits on for the send result.
type qItem struct {
	p      *packet.Packet
	iface  ifaces.Interface
	result chan error
}

// qfifo is the router input queue.  Items come out in priority order, and in arrival order within a
// priority.  Its length is bounded so a flood of inbound frames cannot exhaust memory.
type qfifo struct {
	lock   sync.Mutex
	pq     priorityQueue.PriorityQueue
	seq    uint64
	count  int
	max    int
	notify chan struct{}
	closed bool
}

// seqBits leaves the top bits of the queue key for the priority.  Keys stay exact in a float64 as long as
// they fit in its 53-bit mantissa.
const seqBits = 48

func newQfifo(max int) *qfifo {
	return &qfifo{
		pq:     priorityQueue.New(),
		max:    max,
		notify: make(chan struct{}, 1),
	}
}

// push adds an item, failing with proto.ErrQueueFull if the queue is at capacity.  It never blocks.
func (q *qfifo) push(it *qItem) error {
	q.lock.Lock()
	if q.closed {
		q.lock.Unlock()
		return proto.ErrConnectionClosed
	}
	if q.count >= q.max {
		q.lock.Unlock()
		return proto.ErrQueueFull
	}
	q.seq = (q.seq + 1) & (1<<seqBits - 1)
	key := float64(uint64(it.p.Header.Priority)<<seqBits | q.seq)
	q.pq.Insert(it, key)
	q.count++
	q.lock.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

// pop removes and returns the most urgent item, or nil if the queue is empty.
func (q *qfifo) pop() *qItem {
	q.lock.Lock()
	defer q.lock.Unlock()
	if q.count == 0 {
		return nil
	}
	v, err := q.pq.Pop()
	if err != nil {
		return nil
	}
	q.count--
	return v.(*qItem)
}

// close makes later pushes fail with proto.ErrConnectionClosed and returns the items still queued, in
// priority order.
func (q *qfifo) close() []*qItem {
	q.lock.Lock()
	defer q.lock.Unlock()
	q.closed = true
	var items []*qItem
	for ; q.count > 0; q.count-- {
		v, err := q.pq.Pop()
		if err != nil {
			break
		}
		items = append(items, v.(*qItem))
	}
	q.count = 0
	return items
}

// notifyChan receives a value whenever items may have been added
func (q *qfifo) notifyChan() <-chan struct{} {
	return q.notify
}

func (q *qfifo) len() int {
	q.lock.Lock()
	defer q.lock.Unlock()
	return q.count
}
