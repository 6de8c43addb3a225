package node

import (
	"errors"
	"fmt"
	"time"

	"github.com/ghjm/cspnet/pkg/ifaces"
	"github.com/ghjm/cspnet/pkg/packet"
	"github.com/ghjm/cspnet/pkg/proto"
	log "github.com/sirupsen/logrus"
)

const minSweepInterval = 100 * time.Millisecond

// run is the router goroutine.  It is the only path by which packets enter the node and the only caller of
// Interface.SendFrame.
func (n *Node) run() {
	defer n.wg.Done()
	sweep := n.cfg.IdleTimeout / 4
	if sweep < minSweepInterval {
		sweep = minSweepInterval
	}
	ticker := time.NewTicker(sweep)
	defer ticker.Stop()
	for {
		select {
		case <-n.ctx.Done():
			n.drainQueue()
			return
		case <-n.queue.notifyChan():
			for it := n.queue.pop(); it != nil; it = n.queue.pop() {
				n.process(it)
				if n.ctx.Err() != nil {
					break
				}
			}
		case <-ticker.C:
			n.sweepIdle()
		}
	}
}

// drainQueue closes the router queue, so frames arriving during shutdown are dropped by receiveFrame, and
// releases everything still queued.
func (n *Node) drainQueue() {
	for _, it := range n.queue.close() {
		it.p.Release()
		if it.result != nil {
			it.result <- proto.ErrConnectionClosed
		}
	}
}

// receiveFrame is the receive hook installed on every interface.  It decodes the frame into a pool packet
// and queues it for the router without blocking; defective frames are dropped here.
func (n *Node) receiveFrame(iface ifaces.Interface, frame []byte) {
	h, hl, err := n.layout.Decode(frame)
	if err != nil {
		n.drop(nil, err)
		return
	}
	payload := frame[hl:]
	if len(payload) > n.pool.Size()+packet.TrailerLen(h.Flags) {
		n.drop(nil, fmt.Errorf("%w: %d byte payload from %s", proto.ErrPacketTooLarge, len(payload), iface.Name()))
		return
	}
	p, err := n.pool.Get(0)
	if err != nil {
		n.drop(nil, err)
		return
	}
	p.Header = h
	err = p.SetReceived(payload)
	if err == nil {
		err = n.queue.push(&qItem{p: p, iface: iface})
	}
	if err != nil {
		n.drop(p, err)
		return
	}
	n.countStat(func(s *Stats) { s.RxPackets++ })
}

// submit queues a locally originated packet and waits for the router to report the result of sending it.
// The packet is consumed.
func (n *Node) submit(p *packet.Packet) error {
	if n.ctx.Err() != nil {
		p.Release()
		return proto.ErrConnectionClosed
	}
	result := make(chan error, 1)
	err := n.queue.push(&qItem{p: p, result: result})
	if err != nil {
		p.Release()
		return err
	}
	select {
	case err = <-result:
		return err
	case <-n.ctx.Done():
		// The router drains the queue on exit, so the packet is released either way
		return proto.ErrConnectionClosed
	}
}

func (n *Node) process(it *qItem) {
	if n.promisc != nil {
		err := n.promisc.tap(it.p)
		if err != nil {
			n.countStat(func(s *Stats) { s.TapDrops++ })
			log.Debugf("node %s: promiscuous tap dropped %s: %s", n.cfg.Address, it.p, err)
		}
	}
	if it.result != nil {
		err := n.routeOutbound(it.p)
		if err == nil {
			n.countStat(func(s *Stats) { s.TxPackets++ })
		}
		it.result <- err
		return
	}
	n.routeInbound(it.p, it.iface)
}

func (n *Node) isLocal(dst proto.Address) bool {
	return dst == n.cfg.Address || dst == n.layout.Broadcast()
}

// routeInbound handles a packet received from an interface.  The packet is consumed.
func (n *Node) routeInbound(p *packet.Packet, from ifaces.Interface) {
	if p.Header.Src == n.layout.Broadcast() {
		n.drop(p, fmt.Errorf("%w: broadcast source address", proto.ErrMalformed))
		return
	}
	if n.isLocal(p.Header.Dst) {
		err := n.deliverLocal(p)
		if err != nil {
			n.drop(p, err)
		}
		return
	}
	err := n.forward(p, true)
	if err != nil {
		n.drop(p, err)
		return
	}
	n.countStat(func(s *Stats) { s.Forwarded++ })
	log.Debugf("node %s: forwarded %s from %s", n.cfg.Address, p, from.Name())
	p.Release()
}

// routeOutbound handles a locally originated packet.  The packet is consumed; errors are returned to the
// submitter rather than counted as drops.
func (n *Node) routeOutbound(p *packet.Packet) error {
	if p.Header.Dst == n.cfg.Address {
		err := n.deliverLocal(p)
		if err != nil {
			p.Release()
		}
		return err
	}
	err := n.forward(p, false)
	p.Release()
	return err
}

// forward sends a packet out the interface its destination routes to.  Packets in transit have their hop
// count decremented, and are dropped when it is exhausted.  The caller keeps ownership of p.
func (n *Node) forward(p *packet.Packet, transit bool) error {
	if transit {
		if p.Header.Flags.Has(proto.FlagLocalOnly) {
			return fmt.Errorf("%w: packet may not be routed through", proto.ErrNoRoute)
		}
		if p.Header.Hops <= 1 {
			return fmt.Errorf("%w: hop count exhausted for %s", proto.ErrLoopSuspected, p.Header)
		}
		p.Header.Hops--
	}
	route, err := n.routes.Lookup(p.Header.Dst)
	if err != nil {
		return err
	}
	if p.Length() > route.Iface.MTU() {
		return fmt.Errorf("%w: %d bytes exceeds MTU %d of %s", proto.ErrPacketTooLarge, p.Length(),
			route.Iface.MTU(), route.Iface.Name())
	}
	if !route.Iface.Up() {
		return fmt.Errorf("%w: %s", proto.ErrInterfaceDown, route.Iface.Name())
	}
	via := route.Via
	if via == proto.NoVia {
		via = p.Header.Dst
	}
	hl, err := n.layout.Encode(n.frameBuf, p.Header)
	if err != nil {
		return err
	}
	fl := hl + copy(n.frameBuf[hl:], p.Data())
	err = route.Iface.SendFrame(n.frameBuf[:fl], via)
	if err != nil {
		if errors.Is(err, proto.ErrInterfaceDown) || errors.Is(err, proto.ErrPacketTooLarge) ||
			errors.Is(err, proto.ErrInterfaceError) {
			return err
		}
		return fmt.Errorf("%w: %s: %w", proto.ErrInterfaceError, route.Iface.Name(), err)
	}
	return nil
}

// deliverLocal hands a packet addressed to this node to the connection, socket or service handler it
// belongs to.  On success the packet is consumed; on error the caller keeps ownership.
func (n *Node) deliverLocal(p *packet.Packet) error {
	err := n.security.Verify(p)
	if err != nil {
		return err
	}
	h := p.Header
	if h.Flags.Has(proto.FlagRDP) {
		return fmt.Errorf("%w: reliable datagram packet", proto.ErrNotSupported)
	}
	n.lock.Lock()
	conn, ok := n.conns[connKey{remote: h.Src, rport: h.SPort, lport: h.DPort}]
	if ok {
		n.lock.Unlock()
		err = conn.deliver(p)
		if err == nil {
			n.countStat(func(s *Stats) { s.Delivered++ })
		}
		return err
	}
	sock := n.socketFor(h.DPort)
	if sock == nil {
		n.lock.Unlock()
		return fmt.Errorf("%w: %s", proto.ErrUnreachablePort, h.DPort)
	}
	err = sock.checkRequired(h.Flags)
	if err != nil {
		n.lock.Unlock()
		return err
	}
	if sock.connLess {
		n.lock.Unlock()
		err = sock.deliverPacket(p)
		if err == nil {
			n.countStat(func(s *Stats) { s.Delivered++ })
		}
		return err
	}
	if len(n.conns) >= n.cfg.MaxConnections {
		n.lock.Unlock()
		return proto.ErrConnectionLimit
	}
	conn = n.newConn(connKey{remote: h.Src, rport: h.SPort, lport: h.DPort}, h.Priority, sock.replyFlags(), false)
	n.conns[conn.key] = conn
	n.lock.Unlock()
	// The packet goes into the connection before the connection is offered, so an accepter can read at once
	err = conn.deliver(p)
	if err == nil {
		err = sock.offer(conn)
		if err != nil {
			// The packet is now owned by the connection, and closing it releases the packet
			_ = conn.Close()
			n.drop(nil, err)
			return nil
		}
		n.countStat(func(s *Stats) { s.Delivered++ })
		return nil
	}
	_ = conn.Close()
	return err
}

// socketFor finds the socket serving a local port: a socket bound to it, the service handler for an
// unbound reserved port, or a socket bound to any port.  n.lock must be held.
func (n *Node) socketFor(port proto.Port) *Socket {
	if s, ok := n.sockets[port]; ok && s.listening() {
		return s
	}
	if port < proto.ReservedPorts {
		if s, ok := n.sockets[proto.ServicePort]; ok && s.listening() && s.service {
			return s
		}
	}
	if s, ok := n.sockets[proto.PortAny]; ok && s.listening() {
		return s
	}
	return nil
}

// sweepIdle closes connections that have seen no traffic within the idle timeout.
func (n *Node) sweepIdle() {
	cutoff := time.Now().Add(-n.cfg.IdleTimeout)
	var idle []*Conn
	n.lock.Lock()
	for _, c := range n.conns {
		if c.lastActive().Before(cutoff) {
			idle = append(idle, c)
		}
	}
	n.lock.Unlock()
	for _, c := range idle {
		log.Debugf("node %s: closing idle connection %s", n.cfg.Address, c)
		_ = c.Close()
	}
}
