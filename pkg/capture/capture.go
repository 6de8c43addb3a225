// Package capture writes packets seen by a node's promiscuous tap to a pcap file, encoded as they travel on
// the wire: identifier, hop count, then payload.
package capture

import (
	"context"
	"io"
	"time"

	"github.com/ghjm/cspnet/pkg/packet"
	"github.com/ghjm/cspnet/pkg/proto"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	log "github.com/sirupsen/logrus"
)

// LinkType is the pcap link type of capture files: the first user-defined type, DLT_USER0
const LinkType = layers.LinkType(147)

// Writer writes packets to a pcap stream
type Writer struct {
	w       *pcapgo.Writer
	layout  proto.Layout
	buf     []byte
	snapLen int
}

// NewWriter writes a pcap file header to w and returns a Writer for it
func NewWriter(w io.Writer, layout proto.Layout, snapLen int) (*Writer, error) {
	pw := pcapgo.NewWriter(w)
	err := pw.WriteFileHeader(uint32(snapLen), LinkType)
	if err != nil {
		return nil, err
	}
	return &Writer{
		w:       pw,
		layout:  layout,
		buf:     make([]byte, layout.HeaderLen()+snapLen),
		snapLen: snapLen,
	}, nil
}

// WritePacket writes one packet, truncated to the snap length
func (cw *Writer) WritePacket(ts time.Time, p *packet.Packet) error {
	hl, err := cw.layout.Encode(cw.buf, p.Header)
	if err != nil {
		return err
	}
	n := hl + copy(cw.buf[hl:], p.Data())
	if n > cw.snapLen {
		n = cw.snapLen
	}
	return cw.w.WritePacket(gopacket.CaptureInfo{
		Timestamp:     ts,
		CaptureLength: n,
		Length:        hl + p.Length(),
	}, cw.buf[:n])
}

// Source is anything packets can be read from, such as a node's promiscuous tap
type Source func(timeout time.Duration) (*packet.Packet, error)

// Run copies packets from src to the writer until the context is cancelled or src fails.  It returns the
// number of packets written.
func (cw *Writer) Run(ctx context.Context, src Source) (int, error) {
	count := 0
	for ctx.Err() == nil {
		p, err := src(100 * time.Millisecond)
		if err != nil {
			return count, err
		}
		if p == nil {
			continue
		}
		log.Debugf("captured %s", p)
		err = cw.WritePacket(time.Now(), p)
		p.Release()
		if err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

// Reader reads back a capture file
type Reader struct {
	r      *pcapgo.Reader
	layout proto.Layout
}

// NewReader reads the pcap file header from r
func NewReader(r io.Reader, layout proto.Layout) (*Reader, error) {
	pr, err := pcapgo.NewReader(r)
	if err != nil {
		return nil, err
	}
	return &Reader{r: pr, layout: layout}, nil
}

// Next returns the header and captured payload of the next packet, or io.EOF
func (cr *Reader) Next() (proto.Header, []byte, gopacket.CaptureInfo, error) {
	data, ci, err := cr.r.ReadPacketData()
	if err != nil {
		return proto.Header{}, nil, ci, err
	}
	h, hl, err := cr.layout.Decode(data)
	if err != nil {
		return proto.Header{}, nil, ci, err
	}
	return h, data[hl:], ci, nil
}
