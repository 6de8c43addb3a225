package if_kiss

import (
	"bytes"
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/ghjm/cspnet/pkg/ifaces/iftest"
	"github.com/ghjm/cspnet/pkg/proto"
	"go.uber.org/goleak"
)

func TestEscaping(t *testing.T) {
	frames := [][]byte{
		{},
		{0x01, 0x02},
		{fend},
		{fesc},
		{fend, fesc, tfend, tfesc, fend},
		bytes.Repeat([]byte{fend, 0x55}, 40),
	}
	var got [][]byte
	dec := NewDecoder(256)
	for _, f := range frames {
		enc := Encode(f)
		if bytes.Count(enc, []byte{fend}) != 2 {
			t.Fatalf("encoded frame %x contains unescaped delimiters", enc)
		}
		dec.Feed(enc, func(b []byte) {
			got = append(got, append([]byte{}, b...))
		}, func() {
			t.Fatalf("unexpected decode error")
		})
	}
	if len(got) != len(frames) {
		t.Fatalf("expected %d frames, got %d", len(frames), len(got))
	}
	for i := range frames {
		if !bytes.Equal(frames[i], got[i]) {
			t.Fatalf("frame %d: expected %x, got %x", i, frames[i], got[i])
		}
	}
}

func TestDecoderErrors(t *testing.T) {
	dec := NewDecoder(4)
	frames := 0
	errs := 0
	onFrame := func([]byte) { frames++ }
	onError := func() { errs++ }
	// Noise before the first delimiter is ignored
	dec.Feed([]byte{0x11, 0x22}, onFrame, onError)
	// Oversize frame is discarded
	dec.Feed(Encode([]byte{1, 2, 3, 4, 5, 6}), onFrame, onError)
	// Bad escape is discarded
	dec.Feed([]byte{fend, cmdData, fesc, 0x01, fend}, onFrame, onError)
	// Non-data command frames are ignored
	dec.Feed([]byte{fend, 0x06, 0x01, fend}, onFrame, onError)
	// A good frame split across two reads
	enc := Encode([]byte{9, 8})
	dec.Feed(enc[:3], onFrame, onError)
	dec.Feed(enc[3:], onFrame, onError)
	if frames != 1 || errs != 2 {
		t.Fatalf("expected 1 frame and 2 errors, got %d and %d", frames, errs)
	}
}

func TestKISSLink(t *testing.T) {
	defer goleak.VerifyNone(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c1, c2 := net.Pipe()
	a := New(ctx, "a", 0, c1)
	b := New(ctx, "b", 0, c2)
	c := iftest.NewCollector(a, b)
	payload := []byte{0x01, fend, 0x02, fesc, 0x03}
	go func() {
		_ = a.SendFrame(payload, 0)
	}()
	f := c.Expect(t, 2*time.Second)
	if f.Iface != "b" || !bytes.Equal(f.Data, payload) {
		t.Fatalf("unexpected frame %v", f)
	}
	_ = a.Close()
	_ = b.Close()
}

func TestKISSWriteTimeout(t *testing.T) {
	defer goleak.VerifyNone(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	// Nothing reads the far end of the pipe
	c1, c2 := net.Pipe()
	a := New(ctx, "a", 0, c1)
	a.SetWriteTimeout(50 * time.Millisecond)
	start := time.Now()
	err := a.SendFrame([]byte("stuck"), 0)
	if !errors.Is(err, proto.ErrInterfaceError) {
		t.Fatalf("expected an interface error, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Fatal("write waited past its timeout")
	}
	if a.Counters().TxErrors != 1 {
		t.Fatalf("unexpected counters %+v", a.Counters())
	}
	_ = a.Close()
	_ = c2.Close()
}
