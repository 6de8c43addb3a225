package if_loopback

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ghjm/cspnet/pkg/ifaces/iftest"
	"github.com/ghjm/cspnet/pkg/proto"
	"go.uber.org/goleak"
)

func TestLoopback(t *testing.T) {
	defer goleak.VerifyNone(t)
	l := New(context.Background(), "lo", 0)
	c := iftest.NewCollector(l)
	if l.MTU() != DefaultMTU {
		t.Fatalf("expected default MTU, got %d", l.MTU())
	}
	frame := []byte{1, 2, 3}
	err := l.SendFrame(frame, 7)
	if err != nil {
		t.Fatal(err)
	}
	frame[0] = 9
	f := c.Expect(t, time.Second)
	if f.Data[0] != 1 {
		t.Fatalf("loopback retained the caller's frame")
	}
	err = l.SendFrame(make([]byte, DefaultMTU+100), 7)
	if !errors.Is(err, proto.ErrPacketTooLarge) {
		t.Fatalf("expected ErrPacketTooLarge, got %v", err)
	}
	_ = l.Close()
	if l.Up() {
		t.Fatalf("closed loopback still up")
	}
	if !errors.Is(l.SendFrame(frame, 7), proto.ErrInterfaceDown) {
		t.Fatalf("send on closed loopback succeeded")
	}
}
