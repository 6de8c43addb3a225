package node

import (
	"context"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ghjm/cspnet/pkg/ifaces"
	"github.com/ghjm/cspnet/pkg/ifaces/if_vbus"
	"github.com/ghjm/cspnet/pkg/packet"
	"github.com/ghjm/cspnet/pkg/proto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

// nodeDef describes a node attached to the shared test bus
type nodeDef struct {
	address proto.Address
	routes  string
	config  func(cfg *Config)
}

// makeBus constructs nodes attached to one virtual bus, as described by defs
func makeBus(ctx context.Context, t *testing.T, defs map[string]nodeDef) map[string]*Node {
	bus := if_vbus.NewBus("CAN", 256, proto.DefaultLayout.Broadcast())
	nodes := make(map[string]*Node)
	for name, s := range defs {
		cfg := Config{
			Address:  s.address,
			Hostname: name,
			Model:    "test model",
			Revision: "r1",
		}
		if s.config != nil {
			s.config(&cfg)
		}
		n, err := New(ctx, cfg)
		require.NoError(t, err)
		nodes[name] = n
		m, err := bus.Attach("CAN", s.address)
		require.NoError(t, err)
		require.NoError(t, n.AddInterface(m))
		routes := s.routes
		if routes == "" {
			routes = "0/0 CAN"
		}
		require.NoError(t, n.Routes().Load(routes, n.Interface))
	}
	return nodes
}

func closeNodes(nodes map[string]*Node) {
	for _, n := range nodes {
		_ = n.Close()
	}
}

func threeNodes(ctx context.Context, t *testing.T) map[string]*Node {
	return makeBus(ctx, t, map[string]nodeDef{
		"a": {address: 1},
		"b": {address: 2},
		"c": {address: 3},
	})
}

// waitFor polls until cond is true or the timeout expires
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, timeout, 10*time.Millisecond)
}

func makePacket(t *testing.T, n *Node, data []byte) *packet.Packet {
	p, err := n.Pool().Get(len(data))
	require.NoError(t, err)
	require.NoError(t, p.SetData(data))
	return p
}

func TestNewValidation(t *testing.T) {
	defer goleak.VerifyNone(t)
	ctx := context.Background()
	for _, cfg := range []Config{
		{Address: 31},
		{Address: 40},
		{Address: 1, Layout: proto.Layout{AddrBits: 0, PortBits: 6}},
		{Address: 1, BufferCount: -1},
		{Address: 1, XTEAKey: []byte{1, 2, 3}},
	} {
		n, err := New(ctx, cfg)
		assert.Error(t, err, "config %+v", cfg)
		assert.Nil(t, n)
	}
}

func TestTransaction(t *testing.T) {
	defer goleak.VerifyNone(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	nodes := threeNodes(ctx, t)
	defer closeNodes(nodes)
	sock, err := nodes["b"].Bind(10, SocketOptions{})
	require.NoError(t, err)
	require.NoError(t, sock.Listen(4))
	wg := sync.WaitGroup{}
	wg.Add(1)
	go func() {
		defer wg.Done()
		conn, err := sock.Accept(5 * time.Second)
		if err != nil || conn == nil {
			return
		}
		defer func() { _ = conn.Close() }()
		p, err := conn.Read(time.Second)
		if err != nil || p == nil {
			return
		}
		p.Data()[0]++
		_ = conn.Send(p)
	}()
	in := make([]byte, 1)
	start := time.Now()
	rl, err := nodes["a"].Transaction(proto.PriorityNormal, 2, 10, 2*time.Second, []byte{0x01}, in, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, rl)
	assert.Equal(t, byte(0x02), in[0])
	assert.Less(t, time.Since(start), 2*time.Second)
	wg.Wait()
	assert.Zero(t, nodes["c"].Stats().RxPackets)
}

func TestTransactionTimeout(t *testing.T) {
	defer goleak.VerifyNone(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	nodes := threeNodes(ctx, t)
	defer closeNodes(nodes)
	sock, err := nodes["b"].Bind(10, SocketOptions{})
	require.NoError(t, err)
	require.NoError(t, sock.Listen(4))
	in := make([]byte, 1)
	_, err = nodes["a"].Transaction(proto.PriorityNormal, 2, 10, 100*time.Millisecond, []byte{0x01}, in, 0)
	assert.ErrorIs(t, err, proto.ErrTransactionTimeout)
	// No reply expected
	_, err = nodes["a"].Transaction(proto.PriorityNormal, 2, 10, 100*time.Millisecond, []byte{0x01}, nil, 0)
	assert.NoError(t, err)
}

func TestAcceptTimeout(t *testing.T) {
	defer goleak.VerifyNone(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	nodes := threeNodes(ctx, t)
	defer closeNodes(nodes)
	sock, err := nodes["b"].Bind(11, SocketOptions{})
	require.NoError(t, err)
	require.NoError(t, sock.Listen(4))

	start := time.Now()
	conn, err := sock.Accept(100 * time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, conn)
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)

	conn, err = sock.Accept(proto.NonBlocking)
	require.NoError(t, err)
	assert.Nil(t, conn)

	require.NoError(t, nodes["a"].SendTo(proto.PriorityNormal, 2, 11, 40, makePacket(t, nodes["a"], []byte("x")), 0))
	waitFor(t, time.Second, func() bool { return nodes["b"].Stats().Delivered == 1 })
	start = time.Now()
	conn, err = sock.Accept(10 * time.Second)
	require.NoError(t, err)
	require.NotNil(t, conn)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, proto.Address(1), conn.Dst())
	assert.Equal(t, proto.Port(40), conn.DPort())
	assert.Equal(t, proto.Port(11), conn.SPort())
	p, err := conn.Read(proto.NonBlocking)
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "x", string(p.Data()))
	p.Release()
	require.NoError(t, conn.Close())
	require.NoError(t, sock.Close())
	_, err = sock.Accept(proto.NonBlocking)
	assert.ErrorIs(t, err, proto.ErrConnectionClosed)
}

func TestBind(t *testing.T) {
	defer goleak.VerifyNone(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	n, err := New(ctx, Config{Address: 1})
	require.NoError(t, err)
	defer func() { _ = n.Close() }()
	s, err := n.Bind(12, SocketOptions{})
	require.NoError(t, err)
	_, err = n.Bind(12, SocketOptions{})
	assert.ErrorIs(t, err, proto.ErrPortInUse)
	_, err = n.Bind(proto.ServicePort, SocketOptions{})
	assert.ErrorIs(t, err, proto.ErrPortInUse)
	_, err = n.Bind(n.Layout().MaxBindPort()+1, SocketOptions{})
	assert.ErrorIs(t, err, proto.ErrInvalidPort)
	require.NoError(t, s.Close())
	s, err = n.Bind(12, SocketOptions{})
	require.NoError(t, err)
	require.NoError(t, s.Close())
}

func TestOrderedExactlyOnce(t *testing.T) {
	defer goleak.VerifyNone(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	nodes := threeNodes(ctx, t)
	defer closeNodes(nodes)
	sock, err := nodes["b"].Bind(13, SocketOptions{})
	require.NoError(t, err)
	require.NoError(t, sock.Listen(4))
	const count = 10
	for i := 0; i < count; i++ {
		require.NoError(t, nodes["a"].SendTo(proto.PriorityNormal, 2, 13, 50, makePacket(t, nodes["a"], []byte{byte(i)}), 0))
	}
	conn, err := sock.Accept(time.Second)
	require.NoError(t, err)
	require.NotNil(t, conn)
	for i := 0; i < count; i++ {
		p, err := conn.Read(time.Second)
		require.NoError(t, err)
		require.NotNil(t, p)
		assert.Equal(t, byte(i), p.Data()[0])
		p.Release()
	}
	p, err := conn.Read(50 * time.Millisecond)
	assert.NoError(t, err)
	assert.Nil(t, p)
	waitFor(t, time.Second, func() bool { return nodes["b"].Stats().Delivered == count })
	assert.Zero(t, nodes["b"].Stats().Drops)
	assert.Zero(t, nodes["c"].Stats().RxPackets)
	_ = conn.Close()
	waitFor(t, time.Second, func() bool {
		return nodes["a"].Pool().Free() == DefaultBufferCount && nodes["b"].Pool().Free() == DefaultBufferCount
	})
}

func TestCloseWakesRead(t *testing.T) {
	defer goleak.VerifyNone(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	nodes := threeNodes(ctx, t)
	defer closeNodes(nodes)
	conn, err := nodes["a"].Connect(proto.PriorityNormal, 2, 14, time.Second, 0)
	require.NoError(t, err)
	assert.Equal(t, StateOpen, conn.State())
	result := make(chan error, 1)
	go func() {
		_, err := conn.Read(proto.MaxTimeout)
		result <- err
	}()
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, conn.Close())
	select {
	case err = <-result:
		assert.ErrorIs(t, err, proto.ErrConnectionClosed)
	case <-time.After(time.Second):
		t.Fatal("read was not woken by close")
	}
	assert.Equal(t, StateClosed, conn.State())
	assert.ErrorIs(t, conn.Send(makePacket(t, nodes["a"], []byte("x"))), proto.ErrConnectionClosed)
}

func TestIdleSweep(t *testing.T) {
	defer goleak.VerifyNone(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	n, err := New(ctx, Config{Address: 1, IdleTimeout: 200 * time.Millisecond})
	require.NoError(t, err)
	defer func() { _ = n.Close() }()
	conn, err := n.Connect(proto.PriorityNormal, 2, 14, time.Second, 0)
	require.NoError(t, err)
	waitFor(t, 2*time.Second, func() bool { return conn.State() == StateClosed })
}

func TestConnectionLimit(t *testing.T) {
	defer goleak.VerifyNone(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	n, err := New(ctx, Config{Address: 1, MaxConnections: 2})
	require.NoError(t, err)
	defer func() { _ = n.Close() }()
	c1, err := n.Connect(proto.PriorityNormal, 2, 14, time.Second, 0)
	require.NoError(t, err)
	c2, err := n.Connect(proto.PriorityNormal, 2, 14, time.Second, 0)
	require.NoError(t, err)
	assert.NotEqual(t, c1.SPort(), c2.SPort())
	assert.Greater(t, c1.SPort(), n.Layout().MaxBindPort())
	_, err = n.Connect(proto.PriorityNormal, 2, 14, time.Second, 0)
	assert.ErrorIs(t, err, proto.ErrConnectionLimit)
	_ = c1.Close()
	c3, err := n.Connect(proto.PriorityNormal, 2, 14, time.Second, 0)
	require.NoError(t, err)
	_ = c3.Close()
	_ = c2.Close()
	_, err = n.Connect(proto.PriorityNormal, 2, 14, time.Second, proto.FlagRDP)
	assert.ErrorIs(t, err, proto.ErrNotSupported)
}

func TestBacklogOverflow(t *testing.T) {
	defer goleak.VerifyNone(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	nodes := threeNodes(ctx, t)
	defer closeNodes(nodes)
	sock, err := nodes["b"].Bind(15, SocketOptions{})
	require.NoError(t, err)
	require.NoError(t, sock.Listen(1))
	require.NoError(t, nodes["a"].SendTo(proto.PriorityNormal, 2, 15, 40, makePacket(t, nodes["a"], []byte("1")), 0))
	require.NoError(t, nodes["a"].SendTo(proto.PriorityNormal, 2, 15, 41, makePacket(t, nodes["a"], []byte("2")), 0))
	waitFor(t, time.Second, func() bool {
		return nodes["b"].Stats().DropReason[proto.ErrQueueFull.Error()] == 1
	})
	conn, err := sock.Accept(time.Second)
	require.NoError(t, err)
	require.NotNil(t, conn)
	assert.Equal(t, proto.Port(40), conn.DPort())
	_ = conn.Close()
	conn, err = sock.Accept(proto.NonBlocking)
	assert.NoError(t, err)
	assert.Nil(t, conn)
	waitFor(t, time.Second, func() bool { return nodes["b"].Pool().Free() == DefaultBufferCount })
}

func TestConnectionless(t *testing.T) {
	defer goleak.VerifyNone(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	nodes := threeNodes(ctx, t)
	defer closeNodes(nodes)
	sock, err := nodes["c"].Bind(16, SocketOptions{ConnLess: true})
	require.NoError(t, err)
	require.NoError(t, sock.Listen(4))
	require.NoError(t, nodes["a"].SendTo(proto.PriorityHigh, 3, 16, 20, makePacket(t, nodes["a"], []byte("datagram")), 0))
	p, err := sock.RecvFrom(time.Second)
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "datagram", string(p.Data()))
	assert.Equal(t, proto.Address(1), p.Header.Src)
	assert.Equal(t, proto.PriorityHigh, p.Header.Priority)
	reply := makePacket(t, nodes["c"], []byte("reply"))
	require.NoError(t, nodes["c"].SendReply(p, reply, 0))
	p.Release()
	waitFor(t, time.Second, func() bool {
		return nodes["a"].Stats().DropReason[proto.ErrUnreachablePort.Error()] == 1
	})
	p, err = sock.RecvFrom(proto.NonBlocking)
	assert.NoError(t, err)
	assert.Nil(t, p)
}

func TestUnreachablePort(t *testing.T) {
	defer goleak.VerifyNone(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	nodes := threeNodes(ctx, t)
	defer closeNodes(nodes)
	require.NoError(t, nodes["a"].SendTo(proto.PriorityNormal, 2, 20, 40, makePacket(t, nodes["a"], []byte("x")), 0))
	waitFor(t, time.Second, func() bool {
		return nodes["b"].Stats().DropReason[proto.ErrUnreachablePort.Error()] == 1
	})
	// A socket bound to any port picks up unbound ports
	sock, err := nodes["b"].Bind(proto.PortAny, SocketOptions{})
	require.NoError(t, err)
	require.NoError(t, sock.Listen(4))
	require.NoError(t, nodes["a"].SendTo(proto.PriorityNormal, 2, 20, 40, makePacket(t, nodes["a"], []byte("x")), 0))
	conn, err := sock.Accept(time.Second)
	require.NoError(t, err)
	require.NotNil(t, conn)
	assert.Equal(t, proto.Port(20), conn.SPort())
	_ = conn.Close()
}

func TestOutboundErrors(t *testing.T) {
	defer goleak.VerifyNone(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	nodes := makeBus(ctx, t, map[string]nodeDef{
		"a": {address: 1, routes: "2 CAN"},
		"b": {address: 2},
	})
	defer closeNodes(nodes)
	a := nodes["a"]
	err := a.SendTo(proto.PriorityNormal, 5, 10, 40, makePacket(t, a, []byte("x")), 0)
	assert.ErrorIs(t, err, proto.ErrNoRoute)
	err = a.SendTo(proto.PriorityNormal, 2, 10, 40, makePacket(t, a, []byte("x")), proto.FlagRDP)
	assert.ErrorIs(t, err, proto.ErrNotSupported)
	err = a.SendTo(proto.PriorityNormal, 2, 10, 40, makePacket(t, a, []byte("x")), proto.FlagHMAC)
	assert.ErrorIs(t, err, proto.ErrNotSupported)
	require.NoError(t, a.Routes().Load("3 CAN", a.Interface))
	iface, _ := a.Interface("CAN")
	require.NoError(t, iface.Close())
	err = a.SendTo(proto.PriorityNormal, 3, 10, 40, makePacket(t, a, []byte("x")), 0)
	assert.ErrorIs(t, err, proto.ErrInterfaceDown)
	waitFor(t, time.Second, func() bool { return a.Pool().Free() == DefaultBufferCount })
}

func TestPacketTooLarge(t *testing.T) {
	defer goleak.VerifyNone(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bus := if_vbus.NewBus("small", 8, proto.DefaultLayout.Broadcast())
	n, err := New(ctx, Config{Address: 1})
	require.NoError(t, err)
	defer func() { _ = n.Close() }()
	m, err := bus.Attach("small", 1)
	require.NoError(t, err)
	require.NoError(t, n.AddInterface(m))
	require.NoError(t, n.Routes().Load("0/0 small", n.Interface))
	err = n.SendTo(proto.PriorityNormal, 2, 10, 40, makePacket(t, n, make([]byte, 9)), 0)
	assert.ErrorIs(t, err, proto.ErrPacketTooLarge)
	assert.NoError(t, n.SendTo(proto.PriorityNormal, 2, 10, 40, makePacket(t, n, make([]byte, 8)), 0))
}

func TestForwardingAndLoop(t *testing.T) {
	defer goleak.VerifyNone(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	// a reaches c through b; 9 bounces between a and b forever
	nodes := makeBus(ctx, t, map[string]nodeDef{
		"a": {address: 1, routes: "3 CAN 2, 9 CAN 2"},
		"b": {address: 2, routes: "3 CAN, 1 CAN, 9 CAN 1"},
		"c": {address: 3, routes: "0/0 CAN 2"},
	})
	defer closeNodes(nodes)
	in := make([]byte, 8)
	rl, err := nodes["a"].Transaction(proto.PriorityNormal, 3, proto.ServicePort, time.Second,
		[]byte{CmdPing, 'h', 'i'}, in, 0)
	require.NoError(t, err)
	assert.Equal(t, "hi", string(in[1:rl]))
	assert.Equal(t, uint64(2), nodes["b"].Stats().Forwarded)

	require.NoError(t, nodes["a"].SendTo(proto.PriorityNormal, 9, 10, 40, makePacket(t, nodes["a"], []byte("loop")), 0))
	loopDrops := func() uint64 {
		return nodes["a"].Stats().DropReason[proto.ErrLoopSuspected.Error()] +
			nodes["b"].Stats().DropReason[proto.ErrLoopSuspected.Error()]
	}
	waitFor(t, time.Second, func() bool { return loopDrops() == 1 })
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, uint64(1), loopDrops())
	// Outbound packets start at the hop limit, and every transit hop but the last forwards the packet
	assert.Equal(t, uint64(proto.DefaultHopLimit-1), nodes["a"].Stats().Forwarded+nodes["b"].Stats().Forwarded-2)
}

func TestLocalOnly(t *testing.T) {
	defer goleak.VerifyNone(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	nodes := makeBus(ctx, t, map[string]nodeDef{
		"a": {address: 1, routes: "3 CAN 2"},
		"b": {address: 2},
		"c": {address: 3},
	})
	defer closeNodes(nodes)
	require.NoError(t, nodes["a"].SendTo(proto.PriorityNormal, 3, 10, 40, makePacket(t, nodes["a"], []byte("x")),
		proto.FlagLocalOnly))
	waitFor(t, time.Second, func() bool {
		return nodes["b"].Stats().DropReason[proto.ErrNoRoute.Error()] == 1
	})
	assert.Zero(t, nodes["c"].Stats().RxPackets)
}

func TestBroadcast(t *testing.T) {
	defer goleak.VerifyNone(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	nodes := threeNodes(ctx, t)
	defer closeNodes(nodes)
	var socks []*Socket
	for _, name := range []string{"b", "c"} {
		s, err := nodes[name].Bind(17, SocketOptions{ConnLess: true})
		require.NoError(t, err)
		require.NoError(t, s.Listen(4))
		socks = append(socks, s)
	}
	bcast := nodes["a"].Layout().Broadcast()
	require.NoError(t, nodes["a"].SendTo(proto.PriorityNormal, bcast, 17, 40, makePacket(t, nodes["a"], []byte("all")), 0))
	for _, s := range socks {
		p, err := s.RecvFrom(time.Second)
		require.NoError(t, err)
		require.NotNil(t, p)
		assert.Equal(t, "all", string(p.Data()))
		assert.Equal(t, bcast, p.Header.Dst)
		p.Release()
	}
	assert.Zero(t, nodes["b"].Stats().Forwarded)
	assert.Zero(t, nodes["c"].Stats().Forwarded)
}

func TestSecurityOptions(t *testing.T) {
	defer goleak.VerifyNone(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	keys := func(cfg *Config) {
		cfg.HMACKey = []byte("shared secret")
		cfg.XTEAKey = []byte("0123456789abcdef")
	}
	nodes := makeBus(ctx, t, map[string]nodeDef{
		"a": {address: 1, config: keys},
		"b": {address: 2, config: keys},
	})
	defer closeNodes(nodes)
	sock, err := nodes["b"].Bind(18, SocketOptions{RequireHMAC: true, ConnLess: true})
	require.NoError(t, err)
	require.NoError(t, sock.Listen(4))
	require.NoError(t, nodes["a"].SendTo(proto.PriorityNormal, 2, 18, 40, makePacket(t, nodes["a"], []byte("plain")), 0))
	waitFor(t, time.Second, func() bool {
		return nodes["b"].Stats().DropReason[proto.ErrIntegrity.Error()] == 1
	})
	flags := proto.FlagHMAC | proto.FlagXTEA | proto.FlagCRC32
	require.NoError(t, nodes["a"].SendTo(proto.PriorityNormal, 2, 18, 40, makePacket(t, nodes["a"], []byte("secret")), flags))
	p, err := sock.RecvFrom(time.Second)
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "secret", string(p.Data()))
	assert.True(t, p.Header.Flags.Has(flags))
	p.Release()

	// Service replies carry the options of the request
	_, err = nodes["a"].Ping(2, time.Second, 4, proto.FlagHMAC|proto.FlagXTEA)
	assert.NoError(t, err)
}

func TestPromiscuous(t *testing.T) {
	defer goleak.VerifyNone(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	nodes := makeBus(ctx, t, map[string]nodeDef{
		"a": {address: 1},
		"b": {address: 2, config: func(cfg *Config) { cfg.PromiscuousQueueLength = 4 }},
	})
	defer closeNodes(nodes)
	_, err := nodes["a"].PromiscuousRead(proto.NonBlocking)
	assert.ErrorIs(t, err, proto.ErrNotSupported)
	_, err = nodes["a"].Ping(2, time.Second, 1, 0)
	require.NoError(t, err)
	p, err := nodes["b"].PromiscuousRead(time.Second)
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, proto.Address(1), p.Header.Src)
	p.Release()
	p, err = nodes["b"].PromiscuousRead(time.Second)
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, proto.Address(2), p.Header.Src)
	p.Release()
}

func TestCloseNode(t *testing.T) {
	defer goleak.VerifyNone(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	n, err := New(ctx, Config{Address: 1})
	require.NoError(t, err)
	sock, err := n.Bind(10, SocketOptions{})
	require.NoError(t, err)
	require.NoError(t, sock.Listen(1))
	result := make(chan error, 1)
	go func() {
		_, err := sock.Accept(proto.MaxTimeout)
		result <- err
	}()
	require.NoError(t, n.Close())
	select {
	case err = <-result:
		assert.True(t, errors.Is(err, proto.ErrConnectionClosed))
	case <-time.After(time.Second):
		t.Fatal("accept was not woken by node close")
	}
	_, err = n.Bind(11, SocketOptions{})
	assert.ErrorIs(t, err, proto.ErrConnectionClosed)
	_, err = n.Connect(proto.PriorityNormal, 2, 10, 0, 0)
	assert.ErrorIs(t, err, proto.ErrConnectionClosed)
}

func TestPromiscuousWithOptions(t *testing.T) {
	defer goleak.VerifyNone(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	keys := func(cfg *Config) {
		cfg.XTEAKey = []byte("0123456789abcdef")
	}
	nodes := makeBus(ctx, t, map[string]nodeDef{
		"a": {address: 1, config: keys},
		"b": {address: 2, config: func(cfg *Config) {
			keys(cfg)
			cfg.PromiscuousQueueLength = 64
		}},
	})
	defer closeNodes(nodes)
	a, b := nodes["a"], nodes["b"]
	sock, err := b.Bind(18, SocketOptions{ConnLess: true})
	require.NoError(t, err)
	require.NoError(t, sock.Listen(32))

	const count = 20
	flags := proto.FlagCRC32 | proto.FlagXTEA
	wireLen := len("hello") + packet.TrailerLen(flags)
	var tapped, badLength atomic.Int32
	done := make(chan struct{})
	tapDone := make(chan struct{})
	go func() {
		defer close(tapDone)
		for {
			p, err := b.PromiscuousRead(10 * time.Millisecond)
			if err != nil {
				return
			}
			if p == nil {
				select {
				case <-done:
					return
				default:
					continue
				}
			}
			if p.Length() != wireLen || p.Refs() != 1 {
				badLength.Add(1)
			}
			_ = append([]byte(nil), p.Data()...)
			tapped.Add(1)
			p.Release()
		}
	}()

	for i := 0; i < count; i++ {
		require.NoError(t, a.SendTo(proto.PriorityNormal, 2, 18, 40, makePacket(t, a, []byte("hello")), flags))
		p, err := sock.RecvFrom(time.Second)
		require.NoError(t, err)
		require.NotNil(t, p)
		assert.Equal(t, "hello", string(p.Data()))
		// The received packet is reused for the reply
		require.NoError(t, b.SendReply(p, p, flags))
	}
	waitFor(t, 2*time.Second, func() bool { return tapped.Load() == 2*count })
	close(done)
	<-tapDone
	assert.Zero(t, badLength.Load(), "tapped packets must keep their wire length")
	assert.Zero(t, b.Stats().TapDrops)
}

// stalledConn is a link connection to a peer that never reads.  Writes wait for the write deadline.
type stalledConn struct {
	lock     sync.Mutex
	deadline time.Time
	closed   chan struct{}
	once     sync.Once
}

func (c *stalledConn) WriteMessage([]byte) error {
	c.lock.Lock()
	d := c.deadline
	c.lock.Unlock()
	timer := time.NewTimer(time.Until(d))
	defer timer.Stop()
	select {
	case <-timer.C:
		return os.ErrDeadlineExceeded
	case <-c.closed:
		return net.ErrClosed
	}
}

func (c *stalledConn) ReadMessage() ([]byte, error) {
	<-c.closed
	return nil, net.ErrClosed
}

func (c *stalledConn) SetWriteDeadline(d time.Time) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.deadline = d
	return nil
}

func (c *stalledConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func TestStalledInterface(t *testing.T) {
	defer goleak.VerifyNone(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	nodes := makeBus(ctx, t, map[string]nodeDef{
		"a": {address: 1},
		"b": {address: 2},
	})
	defer closeNodes(nodes)
	a := nodes["a"]
	link := ifaces.NewConnLink(a.Context(), "STALL", 256, ifaces.Filter{Local: 1, Broadcast: a.Layout().Broadcast()})
	link.SetWriteTimeout(200 * time.Millisecond)
	go link.RunConn(a.Context(), &stalledConn{closed: make(chan struct{})})
	waitFor(t, time.Second, link.Up)
	require.NoError(t, a.AddInterface(link))
	require.NoError(t, a.Routes().Set(3, 5, link, proto.NoVia))

	stuck := makePacket(t, a, []byte("stuck"))
	result := make(chan error, 1)
	go func() {
		result <- a.SendTo(proto.PriorityNormal, 3, 10, 40, stuck, 0)
	}()
	// Traffic on the bus keeps flowing while the stalled link times out
	_, err := a.Ping(2, 2*time.Second, 8, 0)
	require.NoError(t, err)
	select {
	case err = <-result:
		assert.ErrorIs(t, err, proto.ErrInterfaceError)
	case <-time.After(2 * time.Second):
		t.Fatal("send on a stalled interface did not fail")
	}
	waitFor(t, time.Second, func() bool { return !link.Up() })
	err = a.SendTo(proto.PriorityNormal, 3, 10, 40, makePacket(t, a, []byte("down")), 0)
	assert.ErrorIs(t, err, proto.ErrInterfaceDown)
	_, err = a.Ping(2, time.Second, 8, 0)
	assert.NoError(t, err)
}

// injectFrame hands a raw frame to a node as if it had arrived on iface
func injectFrame(t *testing.T, n *Node, iface ifaces.Interface, h proto.Header, payload []byte) {
	buf := make([]byte, n.Layout().HeaderLen()+len(payload))
	hl, err := n.Layout().Encode(buf, h)
	require.NoError(t, err)
	copy(buf[hl:], payload)
	n.receiveFrame(iface, buf)
}

func TestInboundPayloadLimit(t *testing.T) {
	defer goleak.VerifyNone(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	nodes := makeBus(ctx, t, map[string]nodeDef{
		"b": {address: 2, config: func(cfg *Config) { cfg.BufferSize = 32 }},
	})
	defer closeNodes(nodes)
	b := nodes["b"]
	iface, ok := b.Interface("CAN")
	require.True(t, ok)
	sock, err := b.Bind(16, SocketOptions{ConnLess: true})
	require.NoError(t, err)
	require.NoError(t, sock.Listen(4))
	h := proto.Header{Priority: proto.PriorityNormal, Src: 1, Dst: 2, DPort: 16, SPort: 20, Hops: proto.DefaultHopLimit}

	injectFrame(t, b, iface, h, make([]byte, 36))
	assert.Equal(t, uint64(1), b.Stats().DropReason[proto.ErrPacketTooLarge.Error()])

	injectFrame(t, b, iface, h, make([]byte, 32))
	p, err := sock.RecvFrom(time.Second)
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, 32, p.Length())
	c, err := p.Copy()
	require.NoError(t, err)
	c.Release()
	p.Release()

	// A checksum trailer may use the room beyond the payload size
	h.Flags = proto.FlagCRC32
	payload := make([]byte, 32, 36)
	payload = binary.BigEndian.AppendUint32(payload, crc32.Checksum(payload, crc32.MakeTable(crc32.Castagnoli)))
	injectFrame(t, b, iface, h, payload)
	p, err = sock.RecvFrom(time.Second)
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, 32, p.Length())
	p.Release()
}

func TestCloseDropsLateFrames(t *testing.T) {
	defer goleak.VerifyNone(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	nodes := makeBus(ctx, t, map[string]nodeDef{
		"a": {address: 1},
	})
	a := nodes["a"]
	iface, ok := a.Interface("CAN")
	require.True(t, ok)
	require.NoError(t, a.Close())
	free := a.Pool().Free()
	injectFrame(t, a, iface, proto.Header{Src: 2, Dst: 1, DPort: 10, SPort: 20, Hops: proto.DefaultHopLimit}, []byte("late"))
	assert.Equal(t, free, a.Pool().Free())
	assert.Equal(t, uint64(1), a.Stats().DropReason[proto.ErrConnectionClosed.Error()])
}
