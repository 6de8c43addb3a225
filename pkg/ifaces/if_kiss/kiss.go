package if_kiss

// KISS framing: FEND delimits frames, FESC escapes FEND and FESC inside a frame.  The first byte of each frame
// is a port/command byte, which is always zero (data on port 0) for frames we send.
const (
	fend    = 0xC0
	fesc    = 0xDB
	tfend   = 0xDC
	tfesc   = 0xDD
	cmdData = 0x00
)

// Encode returns the KISS encoding of a frame.
func Encode(frame []byte) []byte {
	out := make([]byte, 0, len(frame)+len(frame)/8+4)
	out = append(out, fend, cmdData)
	for _, b := range frame {
		switch b {
		case fend:
			out = append(out, fesc, tfend)
		case fesc:
			out = append(out, fesc, tfesc)
		default:
			out = append(out, b)
		}
	}
	return append(out, fend)
}

// Decoder reassembles frames from a KISS byte stream.
type Decoder struct {
	buf     []byte
	max     int
	inFrame bool
	escaped bool
	overrun bool
}

// NewDecoder returns a decoder that discards frames longer than maxLen.
func NewDecoder(maxLen int) *Decoder {
	return &Decoder{
		buf: make([]byte, 0, maxLen+1),
		max: maxLen + 1,
	}
}

// Feed processes bytes from the stream, calling onFrame for each complete data frame and onError for each
// frame that is discarded.  The slice given to onFrame is only valid during the call.
func (d *Decoder) Feed(data []byte, onFrame func([]byte), onError func()) {
	for _, b := range data {
		if b == fend {
			if d.inFrame && len(d.buf) > 0 {
				switch {
				case d.overrun || d.escaped:
					onError()
				case d.buf[0]&0x0F == cmdData:
					onFrame(d.buf[1:])
				}
			}
			d.buf = d.buf[:0]
			d.inFrame = true
			d.escaped = false
			d.overrun = false
			continue
		}
		if !d.inFrame {
			continue
		}
		if d.escaped {
			d.escaped = false
			switch b {
			case tfend:
				b = fend
			case tfesc:
				b = fesc
			default:
				d.overrun = true
				continue
			}
		} else if b == fesc {
			d.escaped = true
			continue
		}
		if len(d.buf) >= d.max {
			d.overrun = true
			continue
		}
		d.buf = append(d.buf, b)
	}
}
