package endpoint

import (
	"context"
	"net"
	"testing"

	"github.com/someipd/someipd/internal/wire"
)

func TestVirtualRejectsBeforeStart(t *testing.T) {
	v := NewVirtual("app-2", nil)
	msg := wire.Message{Header: wire.Header{ServiceID: 1, MethodID: 1, MessageType: wire.MessageTypeNotification}}
	if err := v.Deliver(msg.Encode()); err != ErrNotEstablished {
		t.Fatalf("expected ErrNotEstablished before Start, got %v", err)
	}
}

func TestVirtualRoundTrip(t *testing.T) {
	v := NewVirtual("app-3", nil)
	if err := v.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if !v.IsLocal() || v.IsReliable() {
		t.Fatal("virtual endpoint must report IsLocal=true, IsReliable=false")
	}

	var got wire.Message
	received := false
	v.SetMessageHandler(func(msg wire.Message, raw []byte, remote net.Addr, isMulticast bool) {
		got = msg
		received = true
		if isMulticast {
			t.Fatal("a locally delivered message is never multicast")
		}
	})

	msg := wire.Message{
		Header: wire.Header{
			ServiceID: 0x42, MethodID: 0x01, MessageType: wire.MessageTypeNotification,
			ProtocolVersion: wire.ProtocolVersion,
		},
		Payload: []byte{9, 9},
	}
	if err := v.Deliver(msg.Encode()); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if !received {
		t.Fatal("handler was never invoked")
	}
	if got.Header.ServiceID != 0x42 {
		t.Fatalf("unexpected service id %v", got.Header.ServiceID)
	}
}

func TestVirtualStopThenDeliverFails(t *testing.T) {
	v := NewVirtual("app-4", nil)
	_ = v.Start(context.Background())
	_ = v.Stop()
	msg := wire.Message{Header: wire.Header{ServiceID: 1, MethodID: 1, MessageType: wire.MessageTypeNotification}}
	if err := v.Deliver(msg.Encode()); err != ErrNotEstablished {
		t.Fatalf("expected ErrNotEstablished after Stop, got %v", err)
	}
}
