// Package if_udp carries frames in UDP datagrams.  In peer mode every frame goes to one fixed remote
// endpoint, such as a ground station radio bridge.  In subnet mode the link-level next hop selects the
// destination host: it replaces the last octet of the subnet address.
package if_udp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/ghjm/cspnet/pkg/config"
	"github.com/ghjm/cspnet/pkg/ifaces"
	"github.com/ghjm/cspnet/pkg/proto"
	log "github.com/sirupsen/logrus"
)

const (
	// DefaultMTU is the payload limit of a UDP link
	DefaultMTU = 1024
	// DefaultSubnetPort is the port used by subnet-mode links
	DefaultSubnetPort = 53001
	// DefaultRadioPort is the port of a ground station radio bridge
	DefaultRadioPort = 52002
)

// UDP is a UDP interface
type UDP struct {
	ifaces.Base
	conn   *net.UDPConn
	peer   *net.UDPAddr
	subnet net.IP
	port   int
	done   chan struct{}
	once   sync.Once
}

var ErrInvalidSubnet = fmt.Errorf("subnet mode requires an IPv4 address")

// NewPeer creates an interface that sends every frame to peer, receiving on local.
func NewPeer(ctx context.Context, name string, mtu int, local *net.UDPAddr, peer *net.UDPAddr) (*UDP, error) {
	u := &UDP{
		peer: peer,
	}
	err := u.start(ctx, name, mtu, local)
	if err != nil {
		return nil, err
	}
	return u, nil
}

// NewSubnet creates an interface bound to local that sends to the host in local's /24 whose last octet is
// the next-hop address.
func NewSubnet(ctx context.Context, name string, mtu int, local *net.UDPAddr) (*UDP, error) {
	ip4 := local.IP.To4()
	if ip4 == nil {
		return nil, ErrInvalidSubnet
	}
	subnet := make(net.IP, net.IPv4len)
	copy(subnet, ip4)
	subnet[3] = 0
	u := &UDP{
		subnet: subnet,
		port:   local.Port,
	}
	err := u.start(ctx, name, mtu, local)
	if err != nil {
		return nil, err
	}
	return u, nil
}

func (u *UDP) start(ctx context.Context, name string, mtu int, local *net.UDPAddr) error {
	if mtu <= 0 {
		mtu = DefaultMTU
	}
	u.Init(u, name, mtu)
	var err error
	u.conn, err = net.ListenUDP("udp", local)
	if err != nil {
		return err
	}
	if u.port == 0 {
		u.port = u.conn.LocalAddr().(*net.UDPAddr).Port
	}
	u.done = make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = u.conn.Close()
		case <-u.done:
		}
	}()
	u.SetUp(true)
	go u.receive()
	return nil
}

// LocalAddr returns the bound address
func (u *UDP) LocalAddr() *net.UDPAddr {
	return u.conn.LocalAddr().(*net.UDPAddr)
}

func (u *UDP) receive() {
	defer u.SetUp(false)
	buf := make([]byte, u.MTU()+ifaces.MaxHeaderLen)
	for {
		n, _, err := u.conn.ReadFromUDP(buf)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				log.Warnf("%s: read error: %s", u.Name(), err)
			}
			return
		}
		u.Deliver(buf[:n])
	}
}

func (u *UDP) destination(via proto.Address) *net.UDPAddr {
	if u.peer != nil {
		return u.peer
	}
	ip := make(net.IP, net.IPv4len)
	copy(ip, u.subnet)
	ip[3] = byte(via)
	return &net.UDPAddr{IP: ip, Port: u.port}
}

func (u *UDP) SendFrame(frame []byte, via proto.Address) error {
	err := u.CheckSend(frame)
	if err != nil {
		return err
	}
	_, err = u.conn.WriteToUDP(frame, u.destination(via))
	if err != nil {
		return u.SendError(err)
	}
	u.CountTx(len(frame))
	return nil
}

func (u *UDP) Close() error {
	u.SetUp(false)
	var err error
	u.once.Do(func() {
		close(u.done)
		err = u.conn.Close()
	})
	return err
}

// NewFromConfig creates a UDP interface from config parameters.  Mode "peer" (the default) uses peer and
// optional local (host:port, defaulting to any address on the radio port).  Mode "subnet" uses local_ip and
// optional port.
func NewFromConfig(ctx context.Context, name string, params config.Params) (ifaces.Interface, error) {
	mtu, err := params.GetInt("mtu", DefaultMTU)
	if err != nil {
		return nil, err
	}
	switch mode := params.GetString("mode", "peer"); mode {
	case "peer":
		ip, port, err := params.GetHostPort("peer")
		if err != nil {
			return nil, fmt.Errorf("error parsing peer: %w", err)
		}
		local := &net.UDPAddr{Port: DefaultRadioPort}
		if _, ok := params["local"]; ok {
			lip, lport, err := params.GetHostPort("local")
			if err != nil {
				return nil, fmt.Errorf("error parsing local: %w", err)
			}
			local = &net.UDPAddr{IP: lip, Port: int(lport)}
		}
		u, err := NewPeer(ctx, name, mtu, local, &net.UDPAddr{IP: ip, Port: int(port)})
		if err != nil {
			return nil, err
		}
		return u, nil
	case "subnet":
		ip, err := params.GetIP("local_ip")
		if err != nil {
			return nil, err
		}
		port := uint16(DefaultSubnetPort)
		if _, ok := params["port"]; ok {
			port, err = params.GetPort("port")
			if err != nil {
				return nil, err
			}
		}
		u, err := NewSubnet(ctx, name, mtu, &net.UDPAddr{IP: ip, Port: int(port)})
		if err != nil {
			return nil, err
		}
		return u, nil
	default:
		return nil, fmt.Errorf("unknown udp mode %s", mode)
	}
}
