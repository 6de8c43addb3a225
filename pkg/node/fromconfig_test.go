package node

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/ghjm/cspnet/pkg/config"
	"github.com/ghjm/cspnet/pkg/ifaces/if_registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

const fromConfigYaml = `---
nodes:
  obc:
    address: 1
    model: obc
    interfaces:
      - name: TCP
        type: tcp
        params:
          peer: 127.0.0.1:%d
    routes:
      - 0/0 TCP
  gs:
    address: 10
    hostname: ground
    interfaces:
      - name: TCP
        type: tcp
        params:
          mode: listen
          listen_ip: 127.0.0.1
          port: "%d"
    routes:
      - 0/0 TCP
  broken:
    address: 11
    interfaces:
      - name: X
        type: carrier-pigeon
`

func freePort(t *testing.T) int {
	li, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := li.Addr().(*net.TCPAddr).Port
	require.NoError(t, li.Close())
	return port
}

func TestNewFromConfig(t *testing.T) {
	defer goleak.VerifyNone(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	port := freePort(t)
	cfg, err := config.ParseConfig([]byte(fmt.Sprintf(fromConfigYaml, port, port)))
	require.NoError(t, err)

	gs, err := NewFromConfig(ctx, cfg, "gs", Hooks{})
	require.NoError(t, err)
	defer func() { _ = gs.Close() }()
	obc, err := NewFromConfig(ctx, cfg, "obc", Hooks{})
	require.NoError(t, err)
	defer func() { _ = obc.Close() }()

	require.Eventually(t, func() bool {
		_, err := obc.Ping(10, 200*time.Millisecond, 8, 0)
		return err == nil
	}, 10*time.Second, 10*time.Millisecond)
	id, err := obc.RemoteIdent(10, time.Second, 0)
	require.NoError(t, err)
	assert.Equal(t, "ground", id.Hostname)
	id, err = gs.RemoteIdent(1, time.Second, 0)
	require.NoError(t, err)
	assert.Equal(t, "obc", id.Hostname)
	assert.Equal(t, "obc", id.Model)
	assert.Len(t, obc.Routes().Entries(), 1)

	_, err = NewFromConfig(ctx, cfg, "broken", Hooks{})
	assert.ErrorIs(t, err, if_registry.ErrUnknownInterfaceType)
	_, err = NewFromConfig(ctx, cfg, "missing", Hooks{})
	assert.ErrorIs(t, err, config.ErrUnknownNode)
}
