// Package if_dtls links nodes over DTLS with a pre-shared key.
package if_dtls

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/ghjm/cspnet/pkg/config"
	"github.com/ghjm/cspnet/pkg/ifaces"
	"github.com/pion/dtls/v2"
	log "github.com/sirupsen/logrus"
)

// DefaultMTU is the payload limit of a DTLS link
const DefaultMTU = 1024

// implements ifaces.MessageConn
type dtlsConn struct {
	bufLen int
	conn   net.Conn
}

func (c *dtlsConn) WriteMessage(data []byte) error {
	n, err := c.conn.Write(data)
	if err != nil {
		return err
	}
	if n != len(data) {
		return fmt.Errorf("expected to write %d bytes but only wrote %d", len(data), n)
	}
	return nil
}

func (c *dtlsConn) ReadMessage() ([]byte, error) {
	p := make([]byte, c.bufLen)
	n, err := c.conn.Read(p)
	return p[:n], err
}

func (c *dtlsConn) SetWriteDeadline(t time.Time) error {
	return c.conn.SetWriteDeadline(t)
}

func (c *dtlsConn) Close() error {
	return c.conn.Close()
}

func getDtlsConfig(ctx context.Context, psk string) *dtls.Config {
	return &dtls.Config{
		PSK: func(hint []byte) ([]byte, error) {
			return []byte(psk), nil
		},
		PSKIdentityHint:      []byte("cspnet DTLS"),
		CipherSuites:         []dtls.CipherSuiteID{dtls.TLS_PSK_WITH_AES_128_GCM_SHA256},
		ExtendedMasterSecret: dtls.RequireExtendedMasterSecret,
		ConnectContextMaker: func() (context.Context, func()) {
			return context.WithTimeout(ctx, 30*time.Second)
		},
	}
}

// bufLen leaves room for the envelope and frame header around an MTU-sized payload
func bufLen(mtu int) int {
	return mtu + ifaces.MaxHeaderLen + 16
}

type Dialer struct {
	DestAddr net.IP
	DestPort uint16
	PSK      string
}

// Run dials in the background, attaching each established session to the link.
func (d *Dialer) Run(ctx context.Context, link *ifaces.ConnLink) {
	addr := &net.UDPAddr{IP: d.DestAddr, Port: int(d.DestPort)}
	dtlsConfig := getDtlsConfig(ctx, d.PSK)
	go ifaces.RunDialer(ctx, link.RunConn, func() (ifaces.MessageConn, error) {
		log.Debugf("dtls dialing %s", addr)
		conn, err := dtls.DialWithContext(ctx, "udp", addr, dtlsConfig)
		if err != nil {
			return nil, err
		}
		return &dtlsConn{bufLen: bufLen(link.MTU()), conn: conn}, nil
	})
}

type Listener struct {
	ListenAddr net.IP
	ListenPort uint16
	PSK        string
}

// Run starts listening, attaching each accepted session to the link.  It returns the bound address.
func (l *Listener) Run(ctx context.Context, link *ifaces.ConnLink) (net.Addr, error) {
	ip := l.ListenAddr
	if ip == nil {
		ip = net.ParseIP("0.0.0.0")
	}
	addr := &net.UDPAddr{IP: ip, Port: int(l.ListenPort)}
	li, err := dtls.Listen("udp", addr, getDtlsConfig(ctx, l.PSK))
	if err != nil {
		return nil, err
	}
	go func() {
		<-ctx.Done()
		_ = li.Close()
	}()
	go ifaces.RunListener(ctx, link.RunConn, func() (ifaces.MessageConn, error) {
		conn, err := li.Accept()
		if err != nil {
			return nil, err
		}
		log.Debugf("dtls session from %s", conn.RemoteAddr().String())
		return &dtlsConn{bufLen: bufLen(link.MTU()), conn: conn}, nil
	})
	return li.Addr(), nil
}

// NewFromConfig creates a DTLS interface from config parameters: psk, mtu, and either peer (mode "dial", the
// default) or port and listen_ip (mode "listen").
func NewFromConfig(ctx context.Context, name string, params config.Params, filter ifaces.Filter) (ifaces.Interface, error) {
	psk, ok := params["psk"]
	if !ok || psk == "" {
		return nil, fmt.Errorf("dtls interface requires psk")
	}
	mtu, err := params.GetInt("mtu", DefaultMTU)
	if err != nil {
		return nil, err
	}
	writeTimeout, err := params.GetDuration("write_timeout", ifaces.DefaultWriteTimeout)
	if err != nil {
		return nil, err
	}
	link := ifaces.NewConnLink(ctx, name, mtu, filter)
	link.SetWriteTimeout(writeTimeout)
	switch mode := params.GetString("mode", "dial"); mode {
	case "dial":
		ip, port, err := params.GetHostPort("peer")
		if err != nil {
			_ = link.Close()
			return nil, fmt.Errorf("error parsing peer: %w", err)
		}
		d := &Dialer{DestAddr: ip, DestPort: port, PSK: psk}
		d.Run(link.Context(), link)
	case "listen":
		l := &Listener{PSK: psk}
		l.ListenPort, err = params.GetPort("port")
		if err == nil {
			if _, ok := params["listen_ip"]; ok {
				l.ListenAddr, err = params.GetIP("listen_ip")
			}
		}
		if err == nil {
			_, err = l.Run(link.Context(), link)
		}
		if err != nil {
			_ = link.Close()
			return nil, err
		}
	default:
		_ = link.Close()
		return nil, fmt.Errorf("unknown dtls mode %s", mode)
	}
	return link, nil
}
