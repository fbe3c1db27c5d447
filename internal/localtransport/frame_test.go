package localtransport

import (
	"bytes"
	"testing"

	"github.com/someipd/someipd/internal/wire"
)

func TestFrameRoundTrip(t *testing.T) {
	f := Frame{
		Type:       FrameData,
		InstanceID: 0x0042,
		Flush:      true,
		Payload:    []byte{0xDE, 0xAD, 0xBE, 0xEF},
	}
	buf := f.encode()

	got, err := decodeFrame(bytes.NewReader(buf))
	if err != nil {
		t.Fatalf("decodeFrame: %v", err)
	}
	if got.Type != f.Type || got.InstanceID != f.InstanceID || got.Flush != f.Flush {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, f)
	}
	if !bytes.Equal(got.Payload, f.Payload) {
		t.Fatalf("payload mismatch: got %x, want %x", got.Payload, f.Payload)
	}
}

func TestFrameDecodeRejectsOversizedLength(t *testing.T) {
	buf := make([]byte, 5)
	buf[0], buf[1], buf[2], buf[3] = 0xFF, 0xFF, 0xFF, 0xFF
	_, err := decodeFrame(bytes.NewReader(buf))
	if err != ErrFrameTooLarge {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}

func TestServiceCommandRoundTrip(t *testing.T) {
	c := ServiceCommand{Service: 0x1122, Instance: 0x0001, Major: 1, Minor: 42}
	got, err := decodeServiceCommand(c.encode())
	if err != nil {
		t.Fatalf("decodeServiceCommand: %v", err)
	}
	if got != c {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, c)
	}
}

func TestEventgroupCommandRoundTrip(t *testing.T) {
	c := EventgroupCommand{Service: 1, Instance: 1, Eventgroup: 0x1000, Major: 1, TTL: wire.TTLForever}
	got, err := decodeEventgroupCommand(c.encode())
	if err != nil {
		t.Fatalf("decodeEventgroupCommand: %v", err)
	}
	if got != c {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, c)
	}
}

func TestRegisterCommandRoundTrip(t *testing.T) {
	c := RegisterCommand{RequestedClient: 0x0007, Name: "climate-control"}
	got, err := decodeRegisterCommand(c.encode())
	if err != nil {
		t.Fatalf("decodeRegisterCommand: %v", err)
	}
	if got != c {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, c)
	}
}
