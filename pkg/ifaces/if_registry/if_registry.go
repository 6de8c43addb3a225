package if_registry

import (
	"context"
	"fmt"
	"sort"

	"github.com/ghjm/cspnet/pkg/config"
	"github.com/ghjm/cspnet/pkg/ifaces"
	"github.com/ghjm/cspnet/pkg/ifaces/if_dtls"
	"github.com/ghjm/cspnet/pkg/ifaces/if_kiss"
	"github.com/ghjm/cspnet/pkg/ifaces/if_loopback"
	"github.com/ghjm/cspnet/pkg/ifaces/if_mcast"
	"github.com/ghjm/cspnet/pkg/ifaces/if_tcp"
	"github.com/ghjm/cspnet/pkg/ifaces/if_udp"
	"github.com/ghjm/golib/pkg/syncro"
)

// Env describes the node an interface is being created for
type Env struct {
	// Filter selects the enveloped frames the node accepts on shared links
	Filter ifaces.Filter
}

type NewFunc func(ctx context.Context, name string, params config.Params, env Env) (ifaces.Interface, error)

var registry syncro.Map[string, NewFunc]

var builtins = map[string]NewFunc{
	"loopback": func(ctx context.Context, name string, params config.Params, _ Env) (ifaces.Interface, error) {
		mtu, err := params.GetInt("mtu", if_loopback.DefaultMTU)
		if err != nil {
			return nil, err
		}
		return if_loopback.New(ctx, name, mtu), nil
	},
	"tcp": func(ctx context.Context, name string, params config.Params, env Env) (ifaces.Interface, error) {
		return if_tcp.NewFromConfig(ctx, name, params, env.Filter)
	},
	"dtls": func(ctx context.Context, name string, params config.Params, env Env) (ifaces.Interface, error) {
		return if_dtls.NewFromConfig(ctx, name, params, env.Filter)
	},
	"udp": func(ctx context.Context, name string, params config.Params, _ Env) (ifaces.Interface, error) {
		return if_udp.NewFromConfig(ctx, name, params)
	},
	"mcast": func(ctx context.Context, name string, params config.Params, env Env) (ifaces.Interface, error) {
		return if_mcast.NewFromConfig(ctx, name, params, env.Filter)
	},
	"kiss": func(ctx context.Context, name string, params config.Params, _ Env) (ifaces.Interface, error) {
		return if_kiss.NewFromConfig(ctx, name, params)
	},
}

func init() {
	for k, v := range builtins {
		registry.Set(k, v)
	}
}

var ErrUnknownInterfaceType = fmt.Errorf("unknown interface type")

// New creates an interface of the named type
func New(ctx context.Context, ifType string, name string, params config.Params, env Env) (ifaces.Interface, error) {
	f, ok := registry.Get(ifType)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownInterfaceType, ifType)
	}
	return f(ctx, name, params, env)
}

// Register adds or replaces an interface type
func Register(ifType string, f NewFunc) {
	registry.Set(ifType, f)
}

// Types returns the registered interface type names, sorted
func Types() []string {
	var types []string
	registry.WorkWithReadOnly(func(m map[string]NewFunc) {
		for k := range m {
			types = append(types, k)
		}
	})
	sort.Strings(types)
	return types
}
