package wire

import (
	"encoding/binary"
	"fmt"
)

// HeaderLength is the size in bytes of a SOME/IP message header.
const HeaderLength = 16

// ProtocolVersion is the only protocol version this implementation
// speaks on ingress validation.
const ProtocolVersion uint8 = 0x01

// MessageType identifies the kind of a SOME/IP message.
type MessageType uint8

const (
	MessageTypeRequest           MessageType = 0x00
	MessageTypeRequestNoReturn   MessageType = 0x01
	MessageTypeNotification      MessageType = 0x02
	MessageTypeResponse          MessageType = 0x80
	MessageTypeError             MessageType = 0x81
	MessageTypeRequestTP         MessageType = 0x20
	MessageTypeRequestNoReturnTP MessageType = 0x21
	MessageTypeNotificationTP    MessageType = 0x22
	MessageTypeResponseTP        MessageType = 0xa0
	MessageTypeErrorTP           MessageType = 0xa1
)

// IsTP reports whether the message type is a SOME/IP-TP segment.
func (t MessageType) IsTP() bool { return t&0x20 != 0 }

// baseType strips the TP bit, yielding the logical message kind.
func (t MessageType) baseType() MessageType { return t &^ 0x20 }

func (t MessageType) valid() bool {
	switch t.baseType() {
	case MessageTypeRequest, MessageTypeRequestNoReturn, MessageTypeNotification,
		MessageTypeResponse, MessageTypeError:
		return true
	default:
		return false
	}
}

// Valid reports whether t is one of the defined SOME/IP message types
// (request, request-no-return, notification, response, error, or
// their SOME/IP-TP variants). Endpoint-layer framing uses this to
// recognize a malformed header before the declared length is even
// consulted.
func (t MessageType) Valid() bool { return t.valid() }

// IsRequest reports whether a reply is expected/possible for this type.
func (t MessageType) IsRequest() bool {
	return t.baseType() == MessageTypeRequest
}

// ReturnCode is the outcome field of a SOME/IP response/error message.
type ReturnCode uint8

const (
	EOk                      ReturnCode = 0x00
	ENotOk                   ReturnCode = 0x01
	EUnknownService          ReturnCode = 0x02
	EUnknownMethod           ReturnCode = 0x03
	ENotReady                ReturnCode = 0x04
	ENotReachable            ReturnCode = 0x05
	ETimeout                 ReturnCode = 0x06
	EWrongProtocolVersion    ReturnCode = 0x07
	EWrongInterfaceVersion   ReturnCode = 0x08
	EMalformedMessage        ReturnCode = 0x09
	EWrongMessageType        ReturnCode = 0x0a
)

// Header is the fixed 16-byte SOME/IP message header.
type Header struct {
	ServiceID        ServiceID
	MethodID         MethodID
	Length           uint32 // covers everything after the Length field
	ClientID         ClientID
	SessionID        SessionID
	ProtocolVersion  uint8
	InterfaceVersion MajorVersion
	MessageType      MessageType
	ReturnCode       ReturnCode
}

// Message is a full SOME/IP message: header plus payload.
type Message struct {
	Header  Header
	Payload []byte
}

// PayloadLength returns the number of bytes carried after the header,
// derived from the Length field (which covers client/session/version/
// type/return-code plus the payload: 8 bytes of header tail).
func (h Header) PayloadLength() int {
	if h.Length < 8 {
		return 0
	}
	return int(h.Length) - 8
}

// WireLength is the total byte length of the encoded message.
func (h Header) WireLength() int {
	return HeaderLength + h.PayloadLength()
}

// Encode serializes the header and payload into a single buffer.
func (m Message) Encode() []byte {
	buf := make([]byte, HeaderLength+len(m.Payload))
	binary.BigEndian.PutUint16(buf[0:2], uint16(m.Header.ServiceID))
	binary.BigEndian.PutUint16(buf[2:4], uint16(m.Header.MethodID))
	binary.BigEndian.PutUint32(buf[4:8], uint32(8+len(m.Payload)))
	binary.BigEndian.PutUint16(buf[8:10], uint16(m.Header.ClientID))
	binary.BigEndian.PutUint16(buf[10:12], uint16(m.Header.SessionID))
	buf[12] = m.Header.ProtocolVersion
	buf[13] = uint8(m.Header.InterfaceVersion)
	buf[14] = uint8(m.Header.MessageType)
	buf[15] = uint8(m.Header.ReturnCode)
	copy(buf[HeaderLength:], m.Payload)
	return buf
}

// DecodeError identifies a malformed-header condition per spec.md §4.1.
type DecodeError struct {
	Op      string
	Details string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("wire: decode %s: %s", e.Op, e.Details)
}

// DecodeHeader parses only the fixed header, without validating the
// declared length against the buffer (callers needing a framed read
// use DecodeMessage once the full frame is buffered).
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderLength {
		return Header{}, &DecodeError{Op: "header", Details: "buffer shorter than 16 bytes"}
	}
	return Header{
		ServiceID:        ServiceID(binary.BigEndian.Uint16(buf[0:2])),
		MethodID:         MethodID(binary.BigEndian.Uint16(buf[2:4])),
		Length:           binary.BigEndian.Uint32(buf[4:8]),
		ClientID:         ClientID(binary.BigEndian.Uint16(buf[8:10])),
		SessionID:        SessionID(binary.BigEndian.Uint16(buf[10:12])),
		ProtocolVersion:  buf[12],
		InterfaceVersion: MajorVersion(buf[13]),
		MessageType:      MessageType(buf[14]),
		ReturnCode:       ReturnCode(buf[15]),
	}, nil
}

// DecodeMessage parses a full SOME/IP message from buf, validating
// that buf's length exactly matches the header's declared length
// (header-length + 8, per spec.md §4.1 ingress validation) and that
// the message type is one of the defined values.
func DecodeMessage(buf []byte) (Message, error) {
	h, err := DecodeHeader(buf)
	if err != nil {
		return Message{}, err
	}
	if !h.MessageType.valid() {
		return Message{}, &DecodeError{Op: "message-type", Details: fmt.Sprintf("0x%02x", uint8(h.MessageType))}
	}
	want := h.WireLength()
	if len(buf) != want {
		return Message{}, &DecodeError{
			Op:      "length",
			Details: fmt.Sprintf("buffer is %d bytes, header declares %d", len(buf), want),
		}
	}
	payload := make([]byte, h.PayloadLength())
	copy(payload, buf[HeaderLength:])
	return Message{Header: h, Payload: payload}, nil
}

// ValidateIngress applies spec.md §4.1's ingress validation for
// request-type messages: the protocol version must match, and so must
// the interface version unless expectedInterfaceVersion is MajorAny.
// Length and message type are checked by DecodeMessage, not here. It
// returns the
// ReturnCode to reply with (EOk if the message passes).
func ValidateIngress(h Header, expectedInterfaceVersion MajorVersion) ReturnCode {
	if h.ProtocolVersion != ProtocolVersion {
		return EWrongProtocolVersion
	}
	if expectedInterfaceVersion != MajorAny && h.InterfaceVersion != expectedInterfaceVersion {
		return EWrongInterfaceVersion
	}
	return EOk
}

// ErrorReply builds the SOME/IP error response to send back for a
// failed request-type message, per spec.md §4.1. request-no-return
// messages must never be replied to; callers check MessageType first.
func ErrorReply(req Header, code ReturnCode) Message {
	return Message{
		Header: Header{
			ServiceID:        req.ServiceID,
			MethodID:         req.MethodID,
			ClientID:         req.ClientID,
			SessionID:        req.SessionID,
			ProtocolVersion:  ProtocolVersion,
			InterfaceVersion: req.InterfaceVersion,
			MessageType:      MessageTypeError,
			ReturnCode:       code,
		},
	}
}
