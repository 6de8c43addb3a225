// Package if_vbus is an in-memory broadcast bus, behaving like a shared CAN or radio medium: every member
// has a link address, and a frame reaches the member addressed by the next hop, or every other member when
// sent to the broadcast address.
package if_vbus

import (
	"fmt"

	"github.com/ghjm/cspnet/pkg/ifaces"
	"github.com/ghjm/cspnet/pkg/proto"
	"github.com/ghjm/golib/pkg/syncro"
	log "github.com/sirupsen/logrus"
)

// Bus is a shared medium that members attach to
type Bus struct {
	name      string
	mtu       int
	broadcast proto.Address
	members   syncro.Map[proto.Address, *Member]
}

// Member is a node's interface onto a bus
type Member struct {
	ifaces.Base
	bus  *Bus
	addr proto.Address
}

var ErrAddressInUse = fmt.Errorf("bus address already in use")

// NewBus creates a bus.  broadcast is the link address that reaches every member.
func NewBus(name string, mtu int, broadcast proto.Address) *Bus {
	return &Bus{
		name:      name,
		mtu:       mtu,
		broadcast: broadcast,
	}
}

// Attach adds a member with the given link address to the bus.
func (b *Bus) Attach(ifName string, addr proto.Address) (*Member, error) {
	m := &Member{
		bus:  b,
		addr: addr,
	}
	m.Init(m, ifName, b.mtu)
	var err error
	b.members.WorkWith(func(mm *map[proto.Address]*Member) {
		if _, ok := (*mm)[addr]; ok {
			err = fmt.Errorf("%w: %s on bus %s", ErrAddressInUse, addr, b.name)
			return
		}
		(*mm)[addr] = m
	})
	if err != nil {
		return nil, err
	}
	m.SetUp(true)
	log.Debugf("bus %s: attached %s at %s", b.name, ifName, addr)
	return m, nil
}

// Address returns the member's link address
func (m *Member) Address() proto.Address {
	return m.addr
}

func (m *Member) SendFrame(frame []byte, via proto.Address) error {
	err := m.CheckSend(frame)
	if err != nil {
		return err
	}
	var targets []*Member
	if via == m.bus.broadcast {
		m.bus.members.WorkWithReadOnly(func(mm map[proto.Address]*Member) {
			for a, o := range mm {
				if a != m.addr {
					targets = append(targets, o)
				}
			}
		})
	} else if o, ok := m.bus.members.Get(via); ok {
		targets = append(targets, o)
	}
	m.CountTx(len(frame))
	// As on a real bus, a frame nobody listens for is simply lost
	for _, o := range targets {
		if o.Up() {
			o.Deliver(frame)
		}
	}
	return nil
}

// Close detaches the member from the bus
func (m *Member) Close() error {
	m.SetUp(false)
	m.bus.members.WorkWith(func(mm *map[proto.Address]*Member) {
		if (*mm)[m.addr] == m {
			delete(*mm, m.addr)
		}
	})
	return nil
}
