package ifaces

import (
	"encoding/binary"
	"fmt"

	"github.com/ghjm/cspnet/pkg/proto"
)

// Links shared by more than two nodes (multicast groups, TCP hubs) wrap each frame in an envelope naming
// the link-level next hop and the sender, so that receivers can discard frames meant for someone else and
// echoes of their own transmissions.

const envelopeLen = 4

var ErrShortEnvelope = fmt.Errorf("message shorter than envelope")

// Filter decides which enveloped frames a node accepts.
type Filter struct {
	// Local is the address of the receiving node.  proto.NoVia accepts every frame.
	Local proto.Address
	// Broadcast is the broadcast address of the network
	Broadcast proto.Address
}

// AcceptAll is a filter that passes every frame
var AcceptAll = Filter{Local: proto.NoVia, Broadcast: proto.NoVia}

// Wrap prefixes a frame with its envelope.
func Wrap(via proto.Address, from proto.Address, frame []byte) []byte {
	msg := make([]byte, envelopeLen, envelopeLen+len(frame))
	binary.BigEndian.PutUint16(msg[0:2], uint16(via))
	binary.BigEndian.PutUint16(msg[2:4], uint16(from))
	return append(msg, frame...)
}

// Unwrap splits an enveloped message.  The returned frame aliases msg.
func Unwrap(msg []byte) (via proto.Address, from proto.Address, frame []byte, err error) {
	if len(msg) < envelopeLen {
		return 0, 0, nil, ErrShortEnvelope
	}
	via = proto.Address(binary.BigEndian.Uint16(msg[0:2]))
	from = proto.Address(binary.BigEndian.Uint16(msg[2:4]))
	return via, from, msg[envelopeLen:], nil
}

// Accept returns true if a frame with this envelope is meant for the local node.
func (f Filter) Accept(via proto.Address, from proto.Address) bool {
	if f.Local == proto.NoVia {
		return true
	}
	if from == f.Local {
		return false
	}
	return via == f.Local || via == f.Broadcast
}
