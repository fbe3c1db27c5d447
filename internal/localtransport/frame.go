// Package localtransport implements the broker-application IPC channel
// of spec.md §4.7: a framed point-to-point connection, normally a Unix
// domain socket, between the routing manager and each local application
// process. Frames carry either a wrapped SOME/IP message or a control
// command (registration, offer/subscribe bookkeeping, ping/pong,
// suspend/resume).
package localtransport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/someipd/someipd/internal/wire"
)

// frameHeaderLength is the fixed prefix on every frame: a 4-byte
// big-endian total length (covering everything after itself) followed
// by a 1-byte frame type.
const frameHeaderLength = 5

// MaxFrameLength bounds a single frame's payload to guard against a
// misbehaving or compromised peer claiming an unbounded length.
const MaxFrameLength = 16 * 1024 * 1024

// FrameType identifies the kind of control command or data frame
// exchanged over the local transport, per spec.md §4.7.
type FrameType uint8

const (
	FrameData FrameType = iota
	FrameRegisterApplication
	FrameDeregisterApplication
	FrameOfferService
	FrameStopOfferService
	FrameRequestService
	FrameReleaseService
	FrameSubscribe
	FrameUnsubscribe
	FrameSubscribeAck
	FrameSubscribeNack
	FramePing
	FramePong
	FrameSuspend
	FrameResume
	FrameResendProvidedEvents
)

func (t FrameType) String() string {
	switch t {
	case FrameData:
		return "data"
	case FrameRegisterApplication:
		return "register-application"
	case FrameDeregisterApplication:
		return "deregister-application"
	case FrameOfferService:
		return "offer-service"
	case FrameStopOfferService:
		return "stop-offer-service"
	case FrameRequestService:
		return "request-service"
	case FrameReleaseService:
		return "release-service"
	case FrameSubscribe:
		return "subscribe"
	case FrameUnsubscribe:
		return "unsubscribe"
	case FrameSubscribeAck:
		return "subscribe-ack"
	case FrameSubscribeNack:
		return "subscribe-nack"
	case FramePing:
		return "ping"
	case FramePong:
		return "pong"
	case FrameSuspend:
		return "suspend"
	case FrameResume:
		return "resume"
	case FrameResendProvidedEvents:
		return "resend-provided-events"
	default:
		return fmt.Sprintf("frame(%d)", uint8(t))
	}
}

// ErrFrameTooLarge is returned by decodeFrame when a peer claims a
// length beyond MaxFrameLength.
var ErrFrameTooLarge = errors.New("localtransport: frame too large")

// Frame is one unit of the local transport's framing, either a control
// command or a data frame carrying a SOME/IP message.
type Frame struct {
	Type FrameType

	// InstanceID accompanies data frames only: spec.md §4.7 requires
	// the instance-id be appended since a SOME/IP message header alone
	// identifies a service but not which offered instance it targets.
	InstanceID wire.InstanceID

	// Flush mirrors the data-frame flush flag of spec.md §4.7: the
	// sender is asking the broker to emit this (and any coalesced
	// prior) message immediately rather than batching.
	Flush bool

	// Payload is the frame body: an encoded wire.Message for
	// FrameData, or a command-specific encoded body otherwise.
	Payload []byte
}

// encode serializes f into a self-delimited frame: length, type,
// instance-id, flush flag, payload.
func (f Frame) encode() []byte {
	body := make([]byte, 3+len(f.Payload))
	binary.BigEndian.PutUint16(body[0:2], uint16(f.InstanceID))
	if f.Flush {
		body[2] = 1
	}
	copy(body[3:], f.Payload)

	buf := make([]byte, frameHeaderLength+len(body))
	binary.BigEndian.PutUint32(buf[0:4], uint32(1+len(body)))
	buf[4] = uint8(f.Type)
	copy(buf[5:], body)
	return buf
}

// decodeFrame reads exactly one frame from r, blocking until the full
// frame arrives or an error occurs. It preserves message boundaries per
// spec.md §4.7's transport requirement.
func decodeFrame(r io.Reader) (Frame, error) {
	var lenAndType [5]byte
	if _, err := io.ReadFull(r, lenAndType[:]); err != nil {
		return Frame{}, err
	}
	total := binary.BigEndian.Uint32(lenAndType[0:4])
	if total < 4 {
		return Frame{}, fmt.Errorf("localtransport: short frame body (%d bytes)", total)
	}
	if total > MaxFrameLength {
		return Frame{}, ErrFrameTooLarge
	}
	ft := FrameType(lenAndType[4])

	body := make([]byte, total-1)
	if _, err := io.ReadFull(r, body); err != nil {
		return Frame{}, err
	}

	instance := wire.InstanceID(binary.BigEndian.Uint16(body[0:2]))
	flush := body[2] != 0
	payload := make([]byte, len(body)-3)
	copy(payload, body[3:])

	return Frame{Type: ft, InstanceID: instance, Flush: flush, Payload: payload}, nil
}
