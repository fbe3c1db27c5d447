package wire

import "testing"

func TestMessageRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
	}{
		{
			name: "request no payload",
			msg: Message{
				Header: Header{
					ServiceID: 0x1234, MethodID: 0x0421, ClientID: 0x0001, SessionID: 0x0001,
					ProtocolVersion: ProtocolVersion, InterfaceVersion: 1,
					MessageType: MessageTypeRequest, ReturnCode: EOk,
				},
			},
		},
		{
			name: "notification with payload",
			msg: Message{
				Header: Header{
					ServiceID: 0x1234, MethodID: 0x8001, ClientID: 0x0000, SessionID: 0x0007,
					ProtocolVersion: ProtocolVersion, InterfaceVersion: 2,
					MessageType: MessageTypeNotification, ReturnCode: EOk,
				},
				Payload: []byte{0x00, 0x01, 0x02, 0x03, 0x04},
			},
		},
		{
			name: "error reply",
			msg: Message{
				Header: Header{
					ServiceID: 0xABCD, MethodID: 0x0001, ClientID: 0x0042, SessionID: 0x0099,
					ProtocolVersion: ProtocolVersion, InterfaceVersion: 1,
					MessageType: MessageTypeError, ReturnCode: EUnknownMethod,
				},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			encoded := tt.msg.Encode()
			decoded, err := DecodeMessage(encoded)
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			reencoded := decoded.Encode()
			if string(reencoded) != string(encoded) {
				t.Fatalf("round trip mismatch:\n got %x\nwant %x", reencoded, encoded)
			}
		})
	}
}

func TestDecodeMessageRejectsLengthMismatch(t *testing.T) {
	msg := Message{Header: Header{
		ServiceID: 1, MethodID: 1, ClientID: 1, SessionID: 1,
		ProtocolVersion: ProtocolVersion, MessageType: MessageTypeRequest, ReturnCode: EOk,
	}}
	buf := msg.Encode()
	buf = append(buf, 0xFF) // trailing garbage byte not reflected in Length
	if _, err := DecodeMessage(buf); err == nil {
		t.Fatal("expected error for length mismatch")
	}
}

func TestDecodeMessageRejectsUnknownMessageType(t *testing.T) {
	msg := Message{Header: Header{
		ServiceID: 1, MethodID: 1, ClientID: 1, SessionID: 1,
		ProtocolVersion: ProtocolVersion, MessageType: MessageType(0x55), ReturnCode: EOk,
	}}
	if _, err := DecodeMessage(msg.Encode()); err == nil {
		t.Fatal("expected error for unknown message type")
	}
}

func TestValidateIngress(t *testing.T) {
	h := Header{ProtocolVersion: ProtocolVersion, InterfaceVersion: 3}
	if code := ValidateIngress(h, 3); code != EOk {
		t.Fatalf("expected EOk, got %v", code)
	}
	if code := ValidateIngress(h, 4); code != EWrongInterfaceVersion {
		t.Fatalf("expected EWrongInterfaceVersion, got %v", code)
	}
	bad := h
	bad.ProtocolVersion = 9
	if code := ValidateIngress(bad, MajorAny); code != EWrongProtocolVersion {
		t.Fatalf("expected EWrongProtocolVersion, got %v", code)
	}
}

func TestMethodIDIsEvent(t *testing.T) {
	if MethodID(0x0421).IsEvent() {
		t.Fatal("0x0421 should not be an event id")
	}
	if !MethodID(0x8001).IsEvent() {
		t.Fatal("0x8001 should be an event id")
	}
}
