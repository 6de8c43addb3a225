package proto

import (
	"fmt"
	"strconv"
)

// Address identifies a node on the network.  Its valid range depends on the Layout in use.
type Address uint16

// Port identifies a service endpoint within a node.
type Port uint8

// Priority is the packet priority.  Lower values are more urgent.
type Priority uint8

// Flags holds the per-packet option bits.
type Flags uint8

const (
	PriorityCritical Priority = 0
	PriorityHigh     Priority = 1
	PriorityNormal   Priority = 2
	PriorityLow      Priority = 3
	MaxPriority               = PriorityLow
)

const (
	// FlagCRC32 means the payload carries a CRC32-C trailer
	FlagCRC32 Flags = 0x01
	// FlagRDP marks reliable-datagram traffic, which this stack does not implement
	FlagRDP Flags = 0x02
	// FlagXTEA means the payload is XTEA encrypted
	FlagXTEA Flags = 0x04
	// FlagHMAC means the payload carries a truncated HMAC trailer
	FlagHMAC Flags = 0x08
	// FlagLocalOnly means the packet must never be forwarded by an intermediate node
	FlagLocalOnly Flags = 0x20
)

// NoVia is the routing via address meaning "send directly to the destination".
const NoVia Address = 0xFFFF

// PortAny binds a socket that receives connections for every otherwise unbound port.
const PortAny Port = 0xFF

// ServicePort is the well-known port of the system service handler.
const ServicePort Port = 0

// ReservedPorts is the number of low port numbers reserved for system services.
const ReservedPorts = 7

// DefaultHopLimit is the hop count given to locally originated packets.
const DefaultHopLimit uint8 = 16

func (a Address) String() string {
	return strconv.Itoa(int(a))
}

func (p Port) String() string {
	if p == PortAny {
		return "any"
	}
	return strconv.Itoa(int(p))
}

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	}
	return fmt.Sprintf("priority(%d)", uint8(p))
}

// Has returns true if all the bits in o are set.
func (f Flags) Has(o Flags) bool {
	return f&o == o
}

func (f Flags) String() string {
	s := ""
	add := func(flag Flags, name string) {
		if f&flag != 0 {
			if s != "" {
				s += "|"
			}
			s += name
		}
	}
	add(FlagCRC32, "crc32")
	add(FlagRDP, "rdp")
	add(FlagXTEA, "xtea")
	add(FlagHMAC, "hmac")
	add(FlagLocalOnly, "local")
	if s == "" {
		return "none"
	}
	return s
}

// ParseFlags parses a flag string as used by command line tools: any combination of the letters
// c (crc32), h (hmac), x (xtea), r (rdp) and l (local only).
func ParseFlags(s string) (Flags, error) {
	var f Flags
	for _, c := range s {
		switch c {
		case 'c':
			f |= FlagCRC32
		case 'h':
			f |= FlagHMAC
		case 'x':
			f |= FlagXTEA
		case 'r':
			f |= FlagRDP
		case 'l':
			f |= FlagLocalOnly
		default:
			return 0, fmt.Errorf("unknown option letter %q", c)
		}
	}
	return f, nil
}
