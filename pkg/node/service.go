package node

import (
	"encoding/binary"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/ghjm/cspnet/internal/version"
	"github.com/ghjm/cspnet/pkg/packet"
	"github.com/ghjm/cspnet/pkg/proto"
	log "github.com/sirupsen/logrus"
)

// Service sub-commands, carried in the first payload byte of a request to the service port.  Replies
// start with the same byte.
const (
	CmdPing     byte = 0x01
	CmdIdent    byte = 0x02
	CmdReboot   byte = 0x03
	CmdShutdown byte = 0x04
	CmdUptime   byte = 0x05
	CmdMemFree  byte = 0x06
	CmdBufFree  byte = 0x07
)

// Reserved ports with a single fixed service each.  Requests carry no command byte, and replies are the
// bare value.
const (
	PortPing    proto.Port = 1
	PortPs      proto.Port = 2
	PortMemFree proto.Port = 3
	PortReboot  proto.Port = 4
	PortBufFree proto.Port = 5
	PortUptime  proto.Port = 6
)

// Magic numbers that must follow a reboot or shutdown command
const (
	RebootMagic   uint32 = 0x80078007
	ShutdownMagic uint32 = 0xD1E5529A
)

// Widths of the NUL-padded identification fields
const (
	IdentHostnameLen = 20
	IdentModelLen    = 30
	IdentRevisionLen = 20
	IdentDateLen     = 12
	IdentTimeLen     = 9
	IdentLen         = IdentHostnameLen + IdentModelLen + IdentRevisionLen + IdentDateLen + IdentTimeLen
)

const (
	identDateFormat = "Jan _2 2006"
	identTimeFormat = "15:04:05"
)

// Ident is the identification of a node
type Ident struct {
	Hostname string
	Model    string
	Revision string
	Date     string
	Time     string
}

func (id Ident) String() string {
	return fmt.Sprintf("%s (%s) revision %s built %s %s", id.Hostname, id.Model, id.Revision, id.Date, id.Time)
}

func putField(b []byte, s string) {
	n := copy(b[:len(b)-1], s)
	for i := n; i < len(b); i++ {
		b[i] = 0
	}
}

func getField(b []byte) string {
	s := string(b)
	if i := strings.IndexByte(s, 0); i >= 0 {
		s = s[:i]
	}
	return s
}

// Marshal encodes the identification as fixed-width fields
func (id Ident) Marshal() []byte {
	b := make([]byte, IdentLen)
	off := 0
	for _, f := range []struct {
		v string
		l int
	}{
		{id.Hostname, IdentHostnameLen},
		{id.Model, IdentModelLen},
		{id.Revision, IdentRevisionLen},
		{id.Date, IdentDateLen},
		{id.Time, IdentTimeLen},
	} {
		putField(b[off:off+f.l], f.v)
		off += f.l
	}
	return b
}

// UnmarshalIdent decodes fixed-width identification fields
func UnmarshalIdent(b []byte) (Ident, error) {
	if len(b) < IdentLen {
		return Ident{}, fmt.Errorf("%w: ident reply of %d bytes", proto.ErrMalformed, len(b))
	}
	var id Ident
	off := 0
	for _, f := range []struct {
		v *string
		l int
	}{
		{&id.Hostname, IdentHostnameLen},
		{&id.Model, IdentModelLen},
		{&id.Revision, IdentRevisionLen},
		{&id.Date, IdentDateLen},
		{&id.Time, IdentTimeLen},
	} {
		*f.v = getField(b[off : off+f.l])
		off += f.l
	}
	return id, nil
}

// Ident returns the node's own identification
func (n *Node) Ident() Ident {
	built := version.BuildTime()
	if built.IsZero() {
		built = n.started
	}
	rev := n.cfg.Revision
	if rev == "" {
		rev = version.Version()
	}
	return Ident{
		Hostname: n.cfg.Hostname,
		Model:    n.cfg.Model,
		Revision: rev,
		Date:     built.Format(identDateFormat),
		Time:     built.Format(identTimeFormat),
	}
}

// startService binds the service port and starts the handler goroutine.  The handler also receives
// traffic for the other reserved ports, unless an application binds them.
func (n *Node) startService() error {
	sock, err := n.bind(proto.ServicePort, SocketOptions{}, true)
	if err != nil {
		return err
	}
	err = sock.Listen(DefaultBacklog)
	if err != nil {
		_ = sock.Close()
		return err
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		for {
			conn, err := sock.Accept(proto.MaxTimeout)
			if err != nil {
				return
			}
			if conn == nil {
				continue
			}
			for {
				p, err := conn.Read(proto.NonBlocking)
				if err != nil || p == nil {
					break
				}
				n.serve(p)
				p.Release()
			}
			_ = conn.Close()
		}
	}()
	return nil
}

// serve answers one service request.  The request is not consumed.
func (n *Node) serve(req *packet.Packet) {
	var reply []byte
	var err error
	if req.Header.DPort == proto.ServicePort {
		reply, err = n.serviceCommand(req.Data())
	} else {
		reply, err = n.servicePort(req.Header.DPort, req.Data())
	}
	if err != nil {
		log.Debugf("node %s: service request %s: %s", n.cfg.Address, req, err)
		return
	}
	if reply == nil {
		return
	}
	p, err := n.pool.Get(len(reply))
	if err == nil {
		err = p.SetData(reply)
		if err != nil {
			p.Release()
		}
	}
	if err == nil {
		err = n.SendReply(req, p, req.Header.Flags&(proto.FlagCRC32|proto.FlagHMAC|proto.FlagXTEA))
	}
	if err != nil {
		log.Warnf("node %s: service reply to %s: %s", n.cfg.Address, req.Header.Src, err)
	}
}

func uint32Reply(prefix []byte, v uint64) []byte {
	if v > 0xFFFFFFFF {
		v = 0xFFFFFFFF
	}
	return binary.BigEndian.AppendUint32(prefix, uint32(v))
}

func checkMagic(data []byte, magic uint32) error {
	if len(data) < 4 || binary.BigEndian.Uint32(data) != magic {
		return fmt.Errorf("%w: bad magic", proto.ErrIntegrity)
	}
	return nil
}

func runHook(name string, hook func()) error {
	if hook == nil {
		return fmt.Errorf("%w: no %s hook", proto.ErrNotSupported, name)
	}
	go hook()
	return nil
}

// serviceCommand handles a request to the service port.  A nil reply means none is sent.
func (n *Node) serviceCommand(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty service request", proto.ErrMalformed)
	}
	cmd := data[0]
	prefix := []byte{cmd}
	switch cmd {
	case CmdPing:
		return append(prefix, data[1:]...), nil
	case CmdIdent:
		return append(prefix, n.Ident().Marshal()...), nil
	case CmdReboot:
		err := checkMagic(data[1:], RebootMagic)
		if err != nil {
			return nil, err
		}
		return nil, runHook("reboot", n.cfg.RebootHook)
	case CmdShutdown:
		err := checkMagic(data[1:], ShutdownMagic)
		if err != nil {
			return nil, err
		}
		return nil, runHook("shutdown", n.cfg.ShutdownHook)
	case CmdUptime:
		return uint32Reply(prefix, uint64(n.Uptime()/time.Second)), nil
	case CmdMemFree:
		free, err := memFree()
		if err != nil {
			return nil, err
		}
		return uint32Reply(prefix, free), nil
	case CmdBufFree:
		return uint32Reply(prefix, uint64(n.pool.Free())), nil
	}
	return nil, fmt.Errorf("%w: service command %#x", proto.ErrNotSupported, cmd)
}

// servicePort handles a request to one of the single-service reserved ports
func (n *Node) servicePort(port proto.Port, data []byte) ([]byte, error) {
	switch port {
	case PortPing:
		return append([]byte{}, data...), nil
	case PortPs:
		return []byte(fmt.Sprintf("goroutines: %d\n", runtime.NumGoroutine())), nil
	case PortMemFree:
		free, err := memFree()
		if err != nil {
			return nil, err
		}
		return uint32Reply(nil, free), nil
	case PortReboot:
		err := checkMagic(data, RebootMagic)
		if err != nil {
			return nil, err
		}
		return nil, runHook("reboot", n.cfg.RebootHook)
	case PortBufFree:
		return uint32Reply(nil, uint64(n.pool.Free())), nil
	case PortUptime:
		return uint32Reply(nil, uint64(n.Uptime()/time.Second)), nil
	}
	return nil, fmt.Errorf("%w: port %s", proto.ErrUnreachablePort, port)
}
