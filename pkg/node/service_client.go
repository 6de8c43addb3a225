package node

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/ghjm/cspnet/pkg/proto"
)

// serviceRequest sends a command to the service port of dst and returns the reply data following the
// command byte.  With replyLen zero, no reply is awaited.
func (n *Node) serviceRequest(dst proto.Address, timeout time.Duration, cmd byte, args []byte, replyLen int,
	flags proto.Flags) ([]byte, error) {
	out := append([]byte{cmd}, args...)
	if replyLen == 0 {
		_, err := n.Transaction(proto.PriorityNormal, dst, proto.ServicePort, timeout, out, nil, flags)
		return nil, err
	}
	in := make([]byte, replyLen+1)
	rl, err := n.Transaction(proto.PriorityNormal, dst, proto.ServicePort, timeout, out, in, flags)
	if err != nil {
		return nil, err
	}
	if rl < 1 || in[0] != cmd {
		return nil, fmt.Errorf("%w: unexpected service reply", proto.ErrMalformed)
	}
	return in[1:rl], nil
}

func (n *Node) serviceUint32(dst proto.Address, timeout time.Duration, cmd byte, flags proto.Flags) (uint32, error) {
	r, err := n.serviceRequest(dst, timeout, cmd, nil, 4, flags)
	if err != nil {
		return 0, err
	}
	if len(r) != 4 {
		return 0, fmt.Errorf("%w: service reply of %d bytes", proto.ErrMalformed, len(r))
	}
	return binary.BigEndian.Uint32(r), nil
}

// Ping sends size bytes of data to the service port of dst and waits for the echo, returning the round
// trip time.
func (n *Node) Ping(dst proto.Address, timeout time.Duration, size int, flags proto.Flags) (time.Duration, error) {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i)
	}
	start := time.Now()
	r, err := n.serviceRequest(dst, timeout, CmdPing, data, size, flags)
	if err != nil {
		return 0, err
	}
	if !bytes.Equal(r, data) {
		return 0, fmt.Errorf("%w: ping reply does not match", proto.ErrIntegrity)
	}
	return time.Since(start), nil
}

// RemoteIdent requests the identification of dst
func (n *Node) RemoteIdent(dst proto.Address, timeout time.Duration, flags proto.Flags) (Ident, error) {
	r, err := n.serviceRequest(dst, timeout, CmdIdent, nil, IdentLen, flags)
	if err != nil {
		return Ident{}, err
	}
	return UnmarshalIdent(r)
}

// RemoteUptime requests the uptime of dst
func (n *Node) RemoteUptime(dst proto.Address, timeout time.Duration, flags proto.Flags) (time.Duration, error) {
	s, err := n.serviceUint32(dst, timeout, CmdUptime, flags)
	if err != nil {
		return 0, err
	}
	return time.Duration(s) * time.Second, nil
}

// MemFree requests the free memory of dst, in bytes
func (n *Node) MemFree(dst proto.Address, timeout time.Duration, flags proto.Flags) (uint32, error) {
	return n.serviceUint32(dst, timeout, CmdMemFree, flags)
}

// BufFree requests the number of free packet buffers of dst
func (n *Node) BufFree(dst proto.Address, timeout time.Duration, flags proto.Flags) (uint32, error) {
	return n.serviceUint32(dst, timeout, CmdBufFree, flags)
}

// Reboot asks dst to reboot.  No reply is sent.
func (n *Node) Reboot(dst proto.Address, flags proto.Flags) error {
	_, err := n.serviceRequest(dst, 0, CmdReboot, binary.BigEndian.AppendUint32(nil, RebootMagic), 0, flags)
	return err
}

// Shutdown asks dst to shut down.  No reply is sent.
func (n *Node) Shutdown(dst proto.Address, flags proto.Flags) error {
	_, err := n.serviceRequest(dst, 0, CmdShutdown, binary.BigEndian.AppendUint32(nil, ShutdownMagic), 0, flags)
	return err
}
