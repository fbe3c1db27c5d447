package endpoint

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/someipd/someipd/internal/wire"
)

func TestUDPClientServerRoundTrip(t *testing.T) {
	server := NewUDPServer("127.0.0.1", 0)
	if err := server.Start(context.Background()); err != nil {
		t.Fatalf("start server: %v", err)
	}
	defer server.Stop()

	received := make(chan wire.Message, 1)
	server.SetMessageHandler(func(msg wire.Message, raw []byte, remote net.Addr, isMulticast bool) {
		received <- msg
	})

	serverPort := uint16(server.conn.LocalAddr().(*net.UDPAddr).Port)
	client := NewUDPClient("127.0.0.1", serverPort)
	if err := client.Start(context.Background()); err != nil {
		t.Fatalf("start client: %v", err)
	}
	defer client.Stop()

	msg := wire.Message{
		Header: wire.Header{
			ServiceID: 0x1234, MethodID: 0x0001, ClientID: 7, SessionID: 1,
			ProtocolVersion: wire.ProtocolVersion, InterfaceVersion: 1,
			MessageType: wire.MessageTypeRequestNoReturn, ReturnCode: wire.EOk,
		},
		Payload: []byte{1, 2, 3, 4},
	}
	if err := client.Send(msg.Encode()); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case got := <-received:
		if got.Header.ServiceID != 0x1234 {
			t.Fatalf("unexpected service id: %v", got.Header.ServiceID)
		}
		if len(got.Payload) != 4 {
			t.Fatalf("unexpected payload length: %d", len(got.Payload))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestUDPServerHandlesConcatenatedDatagram(t *testing.T) {
	server := NewUDPServer("127.0.0.1", 0)
	msgA := wire.Message{Header: wire.Header{ServiceID: 1, MethodID: 1, MessageType: wire.MessageTypeRequestNoReturn}}
	msgB := wire.Message{Header: wire.Header{ServiceID: 2, MethodID: 1, MessageType: wire.MessageTypeRequestNoReturn}}

	datagram := append(msgA.Encode(), msgB.Encode()...)

	var got []wire.ServiceID
	server.SetMessageHandler(func(msg wire.Message, raw []byte, remote net.Addr, isMulticast bool) {
		got = append(got, msg.Header.ServiceID)
	})
	server.handleDatagram(datagram, &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 1}, false)

	if len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Fatalf("expected both concatenated messages delivered in order, got %v", got)
	}
}

func TestUDPServerSendWithoutPeerFails(t *testing.T) {
	server := NewUDPServer("127.0.0.1", 0)
	if err := server.Send([]byte{1}); err != ErrNotEstablished {
		t.Fatalf("expected ErrNotEstablished, got %v", err)
	}
}
