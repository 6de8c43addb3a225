// Package if_mcast carries frames over a UDP multicast group, so that any number of nodes on a LAN, or
// processes on one host, share a broadcast medium.
package if_mcast

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/ghjm/cspnet/pkg/config"
	"github.com/ghjm/cspnet/pkg/ifaces"
	"github.com/ghjm/cspnet/pkg/proto"
	log "github.com/sirupsen/logrus"
	"golang.org/x/net/ipv4"
)

const (
	// DefaultGroup is the default multicast group
	DefaultGroup = "230.74.76.80"
	// DefaultPort is the default multicast port
	DefaultPort = 17002
	// DefaultMTU is the payload limit of a multicast link
	DefaultMTU = 256
)

// Mcast is a multicast interface
type Mcast struct {
	ifaces.Base
	conn   net.PacketConn
	pconn  *ipv4.PacketConn
	group  *net.UDPAddr
	filter ifaces.Filter
	done   chan struct{}
	once   sync.Once
}

// Settings configures a multicast interface
type Settings struct {
	Group net.IP
	Port  int
	MTU   int
	// Device is the network interface to join the group on, or nil for the system default
	Device *net.Interface
	// Loopback delivers the group's traffic to other sockets on this host
	Loopback bool
}

// New joins the multicast group and starts receiving.  The filter drops frames addressed to other nodes and
// the echoes of this node's own transmissions.
func New(ctx context.Context, name string, s Settings, filter ifaces.Filter) (*Mcast, error) {
	if s.Group == nil {
		s.Group = net.ParseIP(DefaultGroup)
	}
	if s.Port == 0 {
		s.Port = DefaultPort
	}
	if s.MTU <= 0 {
		s.MTU = DefaultMTU
	}
	lc := net.ListenConfig{Control: reuseAddr}
	conn, err := lc.ListenPacket(ctx, "udp4", net.JoinHostPort("0.0.0.0", strconv.Itoa(s.Port)))
	if err != nil {
		return nil, err
	}
	m := &Mcast{
		conn:   conn,
		pconn:  ipv4.NewPacketConn(conn),
		group:  &net.UDPAddr{IP: s.Group, Port: s.Port},
		filter: filter,
		done:   make(chan struct{}),
	}
	m.Init(m, name, s.MTU)
	err = m.pconn.JoinGroup(s.Device, &net.UDPAddr{IP: s.Group})
	if err == nil {
		err = m.pconn.SetMulticastLoopback(s.Loopback)
	}
	if err == nil && s.Device != nil {
		err = m.pconn.SetMulticastInterface(s.Device)
	}
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("error joining multicast group %s: %w", s.Group, err)
	}
	go func() {
		select {
		case <-ctx.Done():
			_ = m.Close()
		case <-m.done:
		}
	}()
	m.SetUp(true)
	go m.receive()
	return m, nil
}

func (m *Mcast) receive() {
	buf := make([]byte, m.MTU()+ifaces.MaxHeaderLen+16)
	for {
		n, _, _, err := m.pconn.ReadFrom(buf)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				log.Warnf("%s: read error: %s", m.Name(), err)
			}
			return
		}
		via, from, frame, err := ifaces.Unwrap(buf[:n])
		if err != nil {
			m.CountRxError()
			continue
		}
		if m.filter.Accept(via, from) {
			m.Deliver(frame)
		}
	}
}

func (m *Mcast) SendFrame(frame []byte, via proto.Address) error {
	err := m.CheckSend(frame)
	if err != nil {
		return err
	}
	_, err = m.pconn.WriteTo(ifaces.Wrap(via, m.filter.Local, frame), nil, m.group)
	if err != nil {
		return m.SendError(err)
	}
	m.CountTx(len(frame))
	return nil
}

func (m *Mcast) Close() error {
	m.SetUp(false)
	var err error
	m.once.Do(func() {
		close(m.done)
		err = m.conn.Close()
	})
	return err
}

// NewFromConfig creates a multicast interface from config parameters: group, port, mtu, device and
// loopback (default true).
func NewFromConfig(ctx context.Context, name string, params config.Params, filter ifaces.Filter) (ifaces.Interface, error) {
	s := Settings{}
	var err error
	if _, ok := params["group"]; ok {
		s.Group, err = params.GetIP("group")
		if err != nil {
			return nil, err
		}
	}
	if _, ok := params["port"]; ok {
		var port uint16
		port, err = params.GetPort("port")
		if err != nil {
			return nil, err
		}
		s.Port = int(port)
	}
	s.MTU, err = params.GetInt("mtu", DefaultMTU)
	if err != nil {
		return nil, err
	}
	s.Loopback, err = params.GetBool("loopback", true)
	if err != nil {
		return nil, err
	}
	if dev, ok := params["device"]; ok {
		s.Device, err = net.InterfaceByName(dev)
		if err != nil {
			return nil, err
		}
	}
	m, err := New(ctx, name, s, filter)
	if err != nil {
		return nil, err
	}
	return m, nil
}
