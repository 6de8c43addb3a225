package node

import (
	"context"
	"fmt"
	"strings"

	"github.com/ghjm/cspnet/pkg/config"
	"github.com/ghjm/cspnet/pkg/ifaces"
	"github.com/ghjm/cspnet/pkg/ifaces/if_registry"
)

// Hooks are the actions a node built from configuration takes on service requests
type Hooks struct {
	Reboot   func()
	Shutdown func()
}

// NewFromConfig creates the node with the given identity in a loaded configuration, along with its
// interfaces and routes.  The mods may adjust the node settings before it starts.
func NewFromConfig(ctx context.Context, cfg *config.Config, id string, hooks Hooks, mods ...func(*Config)) (*Node, error) {
	nc, err := cfg.GetNode(id)
	if err != nil {
		return nil, err
	}
	hmacKey, err := nc.HMACKeyBytes()
	if err != nil {
		return nil, err
	}
	xteaKey, err := nc.XTEAKeyBytes()
	if err != nil {
		return nil, err
	}
	hostname := nc.Hostname
	if hostname == "" {
		hostname = id
	}
	layout := cfg.Global.GetLayout()
	ncfg := Config{
		Address:           nc.Address,
		Layout:            layout,
		HopLimit:          cfg.Global.GetHopLimit(),
		Hostname:          hostname,
		Model:             nc.Model,
		Revision:          nc.Revision,
		BufferCount:       nc.Buffers.Count,
		BufferSize:        nc.Buffers.Size,
		MaxConnections:    nc.Connections.Max,
		ConnQueueLength:   nc.Connections.QueueLength,
		IdleTimeout:       nc.Connections.IdleTimeout,
		RouterQueueLength: nc.RouterQueueLength,
		HMACKey:           hmacKey,
		XTEAKey:           xteaKey,
		RebootHook:        hooks.Reboot,
		ShutdownHook:      hooks.Shutdown,
	}
	for _, mod := range mods {
		mod(&ncfg)
	}
	n, err := New(ctx, ncfg)
	if err != nil {
		return nil, err
	}
	env := if_registry.Env{
		Filter: ifaces.Filter{Local: nc.Address, Broadcast: layout.Broadcast()},
	}
	for _, ic := range nc.Interfaces {
		var iface ifaces.Interface
		iface, err = if_registry.New(n.ctx, ic.Type, ic.Name, ic.Params, env)
		if err == nil {
			err = n.AddInterface(iface)
			if err != nil {
				_ = iface.Close()
			}
		}
		if err != nil {
			_ = n.Close()
			return nil, fmt.Errorf("interface %s: %w", ic.Name, err)
		}
	}
	err = n.routes.Load(strings.Join(nc.Routes, "\n"), n.Interface)
	if err != nil {
		_ = n.Close()
		return nil, err
	}
	return n, nil
}
