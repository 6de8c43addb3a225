package node

import (
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/ghjm/cspnet/pkg/proto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestIdentMarshal(t *testing.T) {
	id := Ident{
		Hostname: "obc",
		Model:    "a model name that is much too long for its field",
		Revision: "1.2.3",
		Date:     "Oct 19 2026",
		Time:     "12:34:56",
	}
	b := id.Marshal()
	require.Len(t, b, IdentLen)
	id2, err := UnmarshalIdent(b)
	require.NoError(t, err)
	assert.Equal(t, "obc", id2.Hostname)
	assert.Equal(t, id.Model[:IdentModelLen-1], id2.Model)
	assert.Equal(t, id.Revision, id2.Revision)
	assert.Equal(t, id.Date, id2.Date)
	assert.Equal(t, id.Time, id2.Time)
	_, err = UnmarshalIdent(b[:10])
	assert.ErrorIs(t, err, proto.ErrMalformed)
}

func TestServiceHandler(t *testing.T) {
	defer goleak.VerifyNone(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reboots := make(chan struct{}, 4)
	nodes := makeBus(ctx, t, map[string]nodeDef{
		"a": {address: 1},
		"b": {address: 2, config: func(cfg *Config) {
			cfg.RebootHook = func() { reboots <- struct{}{} }
		}},
	})
	defer closeNodes(nodes)
	a := nodes["a"]

	rtt, err := a.Ping(2, time.Second, 10, 0)
	require.NoError(t, err)
	assert.Less(t, rtt, time.Second)
	_, err = a.Ping(2, time.Second, 0, proto.FlagCRC32)
	require.NoError(t, err)

	id, err := a.RemoteIdent(2, time.Second, 0)
	require.NoError(t, err)
	assert.Equal(t, "b", id.Hostname)
	assert.Equal(t, "test model", id.Model)
	assert.Equal(t, "r1", id.Revision)
	assert.NotEmpty(t, id.Date)
	assert.NotEmpty(t, id.Time)

	up, err := a.RemoteUptime(2, time.Second, 0)
	require.NoError(t, err)
	assert.Less(t, up, time.Minute)

	free, err := a.BufFree(2, time.Second, 0)
	require.NoError(t, err)
	assert.Greater(t, free, uint32(0))
	assert.LessOrEqual(t, free, uint32(DefaultBufferCount))

	_, err = a.MemFree(2, time.Second, 0)
	require.NoError(t, err)

	// The single-service ports answer without a command byte
	in := make([]byte, 8)
	rl, err := a.Transaction(proto.PriorityNormal, 2, PortPing, time.Second, []byte("echo"), in, 0)
	require.NoError(t, err)
	assert.Equal(t, "echo", string(in[:rl]))
	rl, err = a.Transaction(proto.PriorityNormal, 2, PortBufFree, time.Second, nil, in, 0)
	require.NoError(t, err)
	require.Equal(t, 4, rl)
	assert.Greater(t, binary.BigEndian.Uint32(in), uint32(0))

	// Unknown commands get no reply
	_, err = a.Transaction(proto.PriorityNormal, 2, proto.ServicePort, 100*time.Millisecond, []byte{0x7f}, in, 0)
	assert.ErrorIs(t, err, proto.ErrTransactionTimeout)

	// Reboot requires the magic number
	_, err = a.Transaction(proto.PriorityNormal, 2, proto.ServicePort, 0, []byte{CmdReboot, 1, 2, 3, 4}, nil, 0)
	require.NoError(t, err)
	require.NoError(t, a.Reboot(2, 0))
	select {
	case <-reboots:
	case <-time.After(time.Second):
		t.Fatal("reboot hook not called")
	}
	select {
	case <-reboots:
		t.Fatal("reboot hook called for a bad magic number")
	case <-time.After(100 * time.Millisecond):
	}

	// No shutdown hook is configured, so shutdown requests are ignored
	require.NoError(t, a.Shutdown(2, 0))
}

func TestServiceOverride(t *testing.T) {
	defer goleak.VerifyNone(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	nodes := threeNodes(ctx, t)
	defer closeNodes(nodes)
	// An application may take over a reserved port
	sock, err := nodes["b"].Bind(PortUptime, SocketOptions{ConnLess: true})
	require.NoError(t, err)
	require.NoError(t, sock.Listen(1))
	in := make([]byte, 4)
	_, err = nodes["a"].Transaction(proto.PriorityNormal, 2, PortUptime, 100*time.Millisecond, nil, in, 0)
	assert.ErrorIs(t, err, proto.ErrTransactionTimeout)
	p, err := sock.RecvFrom(time.Second)
	require.NoError(t, err)
	require.NotNil(t, p)
	p.Release()
}

func TestDisableService(t *testing.T) {
	defer goleak.VerifyNone(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	nodes := makeBus(ctx, t, map[string]nodeDef{
		"a": {address: 1},
		"b": {address: 2, config: func(cfg *Config) { cfg.DisableService = true }},
	})
	defer closeNodes(nodes)
	_, err := nodes["a"].Ping(2, 100*time.Millisecond, 1, 0)
	assert.ErrorIs(t, err, proto.ErrTransactionTimeout)
	waitFor(t, time.Second, func() bool {
		return nodes["b"].Stats().DropReason[proto.ErrUnreachablePort.Error()] == 1
	})
}
