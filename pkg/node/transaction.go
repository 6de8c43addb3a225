package node

import (
	"fmt"
	"time"

	"github.com/ghjm/cspnet/pkg/proto"
)

// Transaction performs a single request/reply exchange: it connects to dst:dport, sends out as one packet,
// waits up to timeout for one reply and closes the connection.  The reply payload is copied into in and
// the number of bytes copied is returned.  If in is empty, no reply is expected and Transaction returns
// once the request is sent.  A missing reply fails with proto.ErrTransactionTimeout.
func (n *Node) Transaction(pri proto.Priority, dst proto.Address, dport proto.Port, timeout time.Duration,
	out []byte, in []byte, flags proto.Flags) (int, error) {
	conn, err := n.Connect(pri, dst, dport, timeout, flags)
	if err != nil {
		return 0, err
	}
	defer func() {
		_ = conn.Close()
	}()
	p, err := n.pool.Get(len(out))
	if err != nil {
		return 0, err
	}
	err = p.SetData(out)
	if err != nil {
		p.Release()
		return 0, err
	}
	err = conn.Send(p)
	if err != nil {
		return 0, err
	}
	if len(in) == 0 {
		return 0, nil
	}
	reply, err := conn.Read(timeout)
	if err != nil {
		return 0, err
	}
	if reply == nil {
		return 0, fmt.Errorf("%w: %s:%s", proto.ErrTransactionTimeout, dst, dport)
	}
	defer reply.Release()
	return copy(in, reply.Data()), nil
}
