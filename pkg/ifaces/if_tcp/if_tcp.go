// Package if_tcp links nodes over TCP, optionally with TLS.  A listener accepts any number of peers, making
// it a hub that every dialing node shares, while a dialer keeps one connection up, redialing when it fails.
package if_tcp

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/ghjm/cspnet/pkg/config"
	"github.com/ghjm/cspnet/pkg/ifaces"
	log "github.com/sirupsen/logrus"
)

// DefaultMTU is the payload limit of a TCP link
const DefaultMTU = 1024

// implements ifaces.MessageConn
type tcpConn struct {
	conn net.Conn
}

func (c *tcpConn) WriteMessage(data []byte) error {
	if len(data) > 0xFFFF {
		return fmt.Errorf("message of %d bytes too large to frame", len(data))
	}
	msg := make([]byte, 2, len(data)+2)
	binary.BigEndian.PutUint16(msg, uint16(len(data)))
	msg = append(msg, data...)
	n, err := c.conn.Write(msg)
	if err != nil {
		return err
	}
	if n != len(msg) {
		return fmt.Errorf("expected to write %d bytes but only wrote %d", len(msg), n)
	}
	return nil
}

func (c *tcpConn) ReadMessage() ([]byte, error) {
	lenBytes := make([]byte, 2)
	_, err := io.ReadFull(c.conn, lenBytes)
	if err != nil {
		return nil, err
	}
	p := make([]byte, binary.BigEndian.Uint16(lenBytes))
	_, err = io.ReadFull(c.conn, p)
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (c *tcpConn) SetWriteDeadline(t time.Time) error {
	return c.conn.SetWriteDeadline(t)
}

func (c *tcpConn) Close() error {
	return c.conn.Close()
}

type Dialer struct {
	DestAddr net.IP
	DestPort uint16
	TLS      *tls.Config
}

// Run dials in the background, attaching each established connection to the link.
func (d *Dialer) Run(ctx context.Context, link *ifaces.ConnLink) {
	go ifaces.RunDialer(ctx, link.RunConn, func() (ifaces.MessageConn, error) {
		addr := net.JoinHostPort(d.DestAddr.String(), strconv.Itoa(int(d.DestPort)))
		log.Debugf("tcp dialing %s", addr)
		nd := &net.Dialer{}
		var conn net.Conn
		var err error
		if d.TLS == nil {
			conn, err = nd.DialContext(ctx, "tcp", addr)
		} else {
			td := &tls.Dialer{NetDialer: nd, Config: d.TLS}
			conn, err = td.DialContext(ctx, "tcp", addr)
		}
		if err != nil {
			return nil, err
		}
		return &tcpConn{conn: conn}, nil
	})
}

type Listener struct {
	ListenAddr net.IP
	ListenPort uint16
	TLS        *tls.Config
}

// Run starts listening, attaching each accepted connection to the link.  It returns the bound address.
func (l *Listener) Run(ctx context.Context, link *ifaces.ConnLink) (net.Addr, error) {
	var addr string
	if l.ListenAddr == nil {
		addr = fmt.Sprintf(":%d", l.ListenPort)
	} else {
		addr = net.JoinHostPort(l.ListenAddr.String(), strconv.Itoa(int(l.ListenPort)))
	}
	li, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	if l.TLS != nil {
		li = tls.NewListener(li, l.TLS)
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
		log.Debugf("tcp connection from %s", conn.RemoteAddr().String())
		return &tcpConn{conn: conn}, nil
	})
	return li.Addr(), nil
}

// NewFromConfig creates a TCP interface from config parameters.  The mode parameter selects "dial" (the
// default, connecting to peer) or "listen" (accepting on port and optional listen_ip).
func NewFromConfig(ctx context.Context, name string, params config.Params, filter ifaces.Filter) (ifaces.Interface, error) {
	mtu, err := params.GetInt("mtu", DefaultMTU)
	if err != nil {
		return nil, err
	}
	writeTimeout, err := params.GetDuration("write_timeout", ifaces.DefaultWriteTimeout)
	if err != nil {
		return nil, err
	}
	var tlsEnabled bool
	tlsEnabled, err = params.GetBool("tls", false)
	if err != nil {
		return nil, err
	}
	switch mode := params.GetString("mode", "dial"); mode {
	case "dial":
		ip, port, err := params.GetHostPort("peer")
		if err != nil {
			return nil, fmt.Errorf("error parsing peer: %w", err)
		}
		d := &Dialer{
			DestAddr: ip,
			DestPort: port,
		}
		if tlsEnabled {
			d.TLS, err = clientTLSFromParams(params)
			if err != nil {
				return nil, err
			}
		}
		link := ifaces.NewConnLink(ctx, name, mtu, filter)
		link.SetWriteTimeout(writeTimeout)
		d.Run(link.Context(), link)
		return link, nil
	case "listen":
		listenPort, err := params.GetPort("port")
		if err != nil {
			return nil, fmt.Errorf("invalid port number in listener: %w", err)
		}
		l := &Listener{
			ListenPort: listenPort,
		}
		if _, ok := params["listen_ip"]; ok {
			l.ListenAddr, err = params.GetIP("listen_ip")
			if err != nil {
				return nil, fmt.Errorf("invalid listen_ip value: %w", err)
			}
		}
		if tlsEnabled {
			l.TLS, err = serverTLSFromParams(params)
			if err != nil {
				return nil, err
			}
		}
		link := ifaces.NewConnLink(ctx, name, mtu, filter)
		link.SetWriteTimeout(writeTimeout)
		_, err = l.Run(link.Context(), link)
		if err != nil {
			_ = link.Close()
			return nil, err
		}
		return link, nil
	default:
		return nil, fmt.Errorf("unknown tcp mode %s", mode)
	}
}

func clientTLSFromParams(params config.Params) (*tls.Config, error) {
	cfg := &tls.Config{
		MinVersion: tls.VersionTLS12,
	}
	var err error
	cfg.InsecureSkipVerify, err = params.GetBool("insecure_skip_verify", false)
	if err != nil {
		return nil, err
	}
	rootCA, ok := params["root_ca"]
	if ok {
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM([]byte(rootCA)) {
			return nil, fmt.Errorf("failed to parse any certificates from root_ca")
		}
		cfg.RootCAs = pool
	}
	clientCert, ok := params["client_cert"]
	if ok {
		clientKey, ok := params["client_key"]
		if !ok {
			return nil, fmt.Errorf("must supply client_key with client_cert")
		}
		cert, err := tls.X509KeyPair([]byte(clientCert), []byte(clientKey))
		if err != nil {
			return nil, fmt.Errorf("error parsing client certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}

func serverTLSFromParams(params config.Params) (*tls.Config, error) {
	cfg := &tls.Config{
		MinVersion: tls.VersionTLS12,
	}
	serverCert, ok := params["server_cert"]
	if !ok {
		return nil, fmt.Errorf("TLS listener requires server_cert")
	}
	serverKey, ok := params["server_key"]
	if !ok {
		return nil, fmt.Errorf("TLS listener requires server_key")
	}
	cert, err := tls.X509KeyPair([]byte(serverCert), []byte(serverKey))
	if err != nil {
		return nil, fmt.Errorf("error parsing server certificate: %w", err)
	}
	cfg.Certificates = []tls.Certificate{cert}
	var reqClientCert bool
	reqClientCert, err = params.GetBool("require_client_cert", false)
	if err != nil {
		return nil, err
	}
	if reqClientCert {
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
	}
	clientCA, ok := params["client_ca"]
	if ok {
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM([]byte(clientCA)) {
			return nil, fmt.Errorf("failed to parse any certificates from client_ca")
		}
		cfg.ClientCAs = pool
	}
	return cfg, nil
}
