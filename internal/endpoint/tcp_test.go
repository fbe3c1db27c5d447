package endpoint

import (
	"bytes"
	"testing"
	"time"

	"github.com/someipd/someipd/internal/wire"
)

func encodeTestMessage(t *testing.T, service wire.ServiceID, session wire.SessionID) []byte {
	t.Helper()
	msg := wire.Message{
		Header: wire.Header{
			ServiceID:        service,
			MethodID:         0x0001,
			ClientID:         1,
			SessionID:        session,
			ProtocolVersion:  wire.ProtocolVersion,
			InterfaceVersion: 1,
			MessageType:      wire.MessageTypeRequest,
			ReturnCode:       wire.EOk,
		},
		Payload: []byte{0xAA, 0xBB},
	}
	return msg.Encode()
}

// TestFramerResyncsAfterGarbage implements spec.md scenario 4 at the
// stream-framing level: a valid message, garbage bytes, a magic
// cookie, then a further valid message must all be recovered with the
// framer resynchronizing at the cookie.
func TestFramerResyncsAfterGarbage(t *testing.T) {
	first := encodeTestMessage(t, 0x1111, 1)
	second := encodeTestMessage(t, 0x2222, 2)

	var stream bytes.Buffer
	stream.Write(first)
	stream.Write([]byte{0xDE, 0xAD, 0xC0, 0xDE, 0x00, 0x01})
	stream.Write(wire.MagicCookieBytes)
	stream.Write(second)

	framer := &tcpFramer{}
	frames, resynced, fatal := framer.feed(stream.Bytes())
	if fatal {
		t.Fatal("framer reported fatal error with magic cookie enabled")
	}
	if !resynced {
		t.Fatal("expected framer to report a resync")
	}

	var services []wire.ServiceID
	for _, f := range frames {
		h, err := wire.DecodeHeader(f)
		if err != nil {
			t.Fatalf("decode recovered frame: %v", err)
		}
		if wire.IsMagicCookie(h) {
			continue
		}
		services = append(services, h.ServiceID)
	}
	if len(services) != 2 || services[0] != 0x1111 || services[1] != 0x2222 {
		t.Fatalf("expected both messages recovered in order, got %v", services)
	}
}

func TestFramerFatalWithoutMagicCookie(t *testing.T) {
	framer := &tcpFramer{disableMagicCookie: true}
	garbage := []byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}
	// A too-large declared length triggers the implausible-length path.
	garbage[4], garbage[5], garbage[6], garbage[7] = 0xFF, 0xFF, 0xFF, 0xFF
	_, _, fatal := framer.feed(garbage)
	if !fatal {
		t.Fatal("expected a fatal framing error with magic cookie disabled")
	}
}

func TestFramerWaitsForFullFrame(t *testing.T) {
	full := encodeTestMessage(t, 0x3333, 9)
	framer := &tcpFramer{}
	frames, _, fatal := framer.feed(full[:10])
	if fatal {
		t.Fatal("partial frame must not be fatal")
	}
	if len(frames) != 0 {
		t.Fatal("partial frame must not yield a complete message yet")
	}
	frames, _, fatal = framer.feed(full[10:])
	if fatal || len(frames) != 1 {
		t.Fatalf("expected exactly one completed frame, got %d frames, fatal=%v", len(frames), fatal)
	}
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	b := Backoff{Base: 100 * time.Millisecond, Cap: 1 * time.Second}
	if got := b.delay(0); got != 100*time.Millisecond {
		t.Fatalf("attempt 0: got %v", got)
	}
	if got := b.delay(1); got != 200*time.Millisecond {
		t.Fatalf("attempt 1: got %v", got)
	}
	if got := b.delay(10); got != 1*time.Second {
		t.Fatalf("expected cap to apply, got %v", got)
	}
}

func TestSendQueueFullReturnsError(t *testing.T) {
	q := newSendQueue(2)
	if err := q.push([]byte{1}); err != nil {
		t.Fatalf("first push: %v", err)
	}
	if err := q.push([]byte{2}); err != nil {
		t.Fatalf("second push: %v", err)
	}
	if err := q.push([]byte{3}); err != ErrQueueFull {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	drained := q.drain()
	if len(drained) != 2 {
		t.Fatalf("expected 2 drained items, got %d", len(drained))
	}
	if q.len() != 0 {
		t.Fatal("queue should be empty after drain")
	}
}
