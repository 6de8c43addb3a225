package rtable

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/ghjm/cspnet/pkg/ifaces"
	"github.com/ghjm/cspnet/pkg/proto"
	"github.com/google/shlex"
	log "github.com/sirupsen/logrus"
)

// Route is a routing table entry.  Packets to an address matching Address in its top Mask bits are sent
// out Iface, to the link-level next hop Via, or to the destination itself if Via is proto.NoVia.
type Route struct {
	Address proto.Address
	Mask    uint
	Iface   ifaces.Interface
	Via     proto.Address
}

// Table is a routing table.  Lookups take a read lock, so any number of goroutines can route concurrently.
type Table struct {
	layout proto.Layout
	lock   sync.RWMutex
	routes []Route
}

var ErrInvalidRoute = fmt.Errorf("invalid route")

// New returns an empty routing table for the given header layout.
func New(layout proto.Layout) *Table {
	return &Table{
		layout: layout,
	}
}

func (r Route) String() string {
	name := "<nil>"
	if r.Iface != nil {
		name = r.Iface.Name()
	}
	if r.Via == proto.NoVia {
		return fmt.Sprintf("%s/%d %s", r.Address, r.Mask, name)
	}
	return fmt.Sprintf("%s/%d %s %s", r.Address, r.Mask, name, r.Via)
}

// netmask returns the address bits selected by a mask of the given length.
func (t *Table) netmask(mask uint) proto.Address {
	if mask == 0 {
		return 0
	}
	all := proto.Address(1)<<t.layout.AddrBits - 1
	return all &^ (proto.Address(1)<<(t.layout.AddrBits-mask) - 1)
}

// Set installs a route, replacing any existing route for the same address and mask.  The address is
// normalised to its top mask bits.
func (t *Table) Set(addr proto.Address, mask uint, iface ifaces.Interface, via proto.Address) error {
	if mask > t.layout.AddrBits {
		return fmt.Errorf("%w: mask %d exceeds %d address bits", ErrInvalidRoute, mask, t.layout.AddrBits)
	}
	if !t.layout.ValidAddress(addr) {
		return fmt.Errorf("%w: address %s out of range", ErrInvalidRoute, addr)
	}
	if iface == nil {
		return fmt.Errorf("%w: no interface", ErrInvalidRoute)
	}
	if via != proto.NoVia && !t.layout.ValidAddress(via) {
		return fmt.Errorf("%w: via address %s out of range", ErrInvalidRoute, via)
	}
	nr := Route{
		Address: addr & t.netmask(mask),
		Mask:    mask,
		Iface:   iface,
		Via:     via,
	}
	t.lock.Lock()
	defer t.lock.Unlock()
	for i, r := range t.routes {
		if r.Address == nr.Address && r.Mask == nr.Mask {
			t.routes[i] = nr
			log.Debugf("route updated: %s", nr)
			return nil
		}
	}
	t.routes = append(t.routes, nr)
	log.Debugf("route added: %s", nr)
	return nil
}

// Delete removes the route for an address and mask, returning false if there was none.
func (t *Table) Delete(addr proto.Address, mask uint) bool {
	addr &= t.netmask(mask)
	t.lock.Lock()
	defer t.lock.Unlock()
	for i, r := range t.routes {
		if r.Address == addr && r.Mask == mask {
			t.routes = append(t.routes[:i], t.routes[i+1:]...)
			return true
		}
	}
	return false
}

// DeleteIface removes all routes through an interface.
func (t *Table) DeleteIface(iface ifaces.Interface) {
	t.lock.Lock()
	defer t.lock.Unlock()
	kept := t.routes[:0]
	for _, r := range t.routes {
		if r.Iface != iface {
			kept = append(kept, r)
		}
	}
	t.routes = kept
}

// Lookup returns the route for a destination: the matching route with the longest mask, with ties going to
// the route installed first.  Returns proto.ErrNoRoute if nothing matches.
func (t *Table) Lookup(dst proto.Address) (Route, error) {
	t.lock.RLock()
	defer t.lock.RUnlock()
	best := -1
	for i, r := range t.routes {
		if dst&t.netmask(r.Mask) != r.Address {
			continue
		}
		if best < 0 || r.Mask > t.routes[best].Mask {
			best = i
		}
	}
	if best < 0 {
		return Route{}, fmt.Errorf("%w: %s", proto.ErrNoRoute, dst)
	}
	return t.routes[best], nil
}

// Entries returns a copy of the routes, in installation order.
func (t *Table) Entries() []Route {
	t.lock.RLock()
	defer t.lock.RUnlock()
	routes := make([]Route, len(t.routes))
	copy(routes, t.routes)
	return routes
}

// String dumps the table, one route per line.
func (t *Table) String() string {
	sb := strings.Builder{}
	for _, r := range t.Entries() {
		sb.WriteString(r.String())
		sb.WriteString("\n")
	}
	return sb.String()
}

// IfaceLookup finds an interface by name
type IfaceLookup func(name string) (ifaces.Interface, bool)

// Parse parses route entries of the form "<addr>[/<mask>] <iface> [<via>]", separated by commas or newlines.
// An entry without a mask is a host route.
func (t *Table) Parse(text string, lookup IfaceLookup) ([]Route, error) {
	var routes []Route
	for _, line := range strings.FieldsFunc(text, func(r rune) bool { return r == ',' || r == '\n' }) {
		fields, err := shlex.Split(line)
		if err != nil {
			return nil, fmt.Errorf("%w: %q: %w", ErrInvalidRoute, line, err)
		}
		if len(fields) == 0 {
			continue
		}
		if len(fields) < 2 || len(fields) > 3 {
			return nil, fmt.Errorf("%w: %q: expected <addr>/<mask> <iface> [<via>]", ErrInvalidRoute, line)
		}
		r := Route{
			Mask: t.layout.AddrBits,
			Via:  proto.NoVia,
		}
		addrStr, maskStr, hasMask := strings.Cut(fields[0], "/")
		r.Address, err = t.parseAddress(addrStr)
		if err != nil {
			return nil, fmt.Errorf("%w: %q: %w", ErrInvalidRoute, line, err)
		}
		if hasMask {
			var m uint64
			m, err = strconv.ParseUint(maskStr, 10, 8)
			if err != nil || uint(m) > t.layout.AddrBits {
				return nil, fmt.Errorf("%w: %q: bad mask %s", ErrInvalidRoute, line, maskStr)
			}
			r.Mask = uint(m)
		}
		var ok bool
		r.Iface, ok = lookup(fields[1])
		if !ok {
			return nil, fmt.Errorf("%w: %q: unknown interface %s", ErrInvalidRoute, line, fields[1])
		}
		if len(fields) == 3 {
			r.Via, err = t.parseAddress(fields[2])
			if err != nil {
				return nil, fmt.Errorf("%w: %q: %w", ErrInvalidRoute, line, err)
			}
		}
		routes = append(routes, r)
	}
	return routes, nil
}

func (t *Table) parseAddress(s string) (proto.Address, error) {
	v, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("bad address %s", s)
	}
	a := proto.Address(v)
	if !t.layout.ValidAddress(a) {
		return 0, fmt.Errorf("address %s out of range", s)
	}
	return a, nil
}

// Load parses route entries and installs them.  Nothing is installed if any entry is invalid.
func (t *Table) Load(text string, lookup IfaceLookup) error {
	routes, err := t.Parse(text, lookup)
	if err != nil {
		return err
	}
	for _, r := range routes {
		err = t.Set(r.Address, r.Mask, r.Iface, r.Via)
		if err != nil {
			return err
		}
	}
	return nil
}
