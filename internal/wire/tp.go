package wire

import "encoding/binary"

// TPHeader is the 4-byte SOME/IP-TP header prepended to each
// segment's payload: a 28-bit byte offset (of this segment within the
// reassembled message, in units of 16 bytes) plus 3 reserved bits and
// a more-segments flag.
type TPHeader struct {
	Offset    uint32 // byte offset within the reassembled message
	MoreFlag  bool
}

const tpHeaderLength = 4

func encodeTPHeader(h TPHeader) []byte {
	buf := make([]byte, tpHeaderLength)
	v := (h.Offset / 16) << 4
	if h.MoreFlag {
		v |= 1
	}
	binary.BigEndian.PutUint32(buf, v)
	return buf
}

func decodeTPHeader(buf []byte) (TPHeader, error) {
	if len(buf) < tpHeaderLength {
		return TPHeader{}, &DecodeError{Op: "tp-header", Details: "short TP header"}
	}
	v := binary.BigEndian.Uint32(buf)
	return TPHeader{
		Offset:   (v >> 4) * 16,
		MoreFlag: v&1 != 0,
	}, nil
}

// TPSegment is one fragment of a segmented UDP message.
type TPSegment struct {
	Header  Header
	TP      TPHeader
	Payload []byte
}

// SegmentSize is the maximum payload carried by one TP segment
// (must be a multiple of 16 per the offset field's units).
const SegmentSize = 1392

// Segment splits msg into SOME/IP-TP segments no larger than
// SegmentSize bytes of application payload each. The original message
// type gains the TP bit; every segment but the last sets MoreFlag.
func Segment(msg Message) []TPSegment {
	if len(msg.Payload) <= SegmentSize {
		return []TPSegment{{
			Header:  msg.Header,
			TP:      TPHeader{Offset: 0, MoreFlag: false},
			Payload: msg.Payload,
		}}
	}
	var segs []TPSegment
	for off := 0; off < len(msg.Payload); off += SegmentSize {
		end := off + SegmentSize
		more := true
		if end >= len(msg.Payload) {
			end = len(msg.Payload)
			more = false
		}
		h := msg.Header
		h.MessageType |= 0x20
		segs = append(segs, TPSegment{
			Header:  h,
			TP:      TPHeader{Offset: uint32(off), MoreFlag: more},
			Payload: msg.Payload[off:end],
		})
	}
	return segs
}

// EncodeSegment serializes a TP segment to wire bytes: header, TP
// header, segment payload.
func EncodeSegment(s TPSegment) []byte {
	tp := encodeTPHeader(s.TP)
	m := Message{Header: s.Header, Payload: append(append([]byte(nil), tp...), s.Payload...)}
	return m.Encode()
}

// DecodeSegment parses one TP segment from a complete SOME/IP message
// buffer (header already TP-flagged).
func DecodeSegment(buf []byte) (TPSegment, error) {
	msg, err := DecodeMessage(buf)
	if err != nil {
		return TPSegment{}, err
	}
	if !msg.Header.MessageType.IsTP() {
		return TPSegment{}, &DecodeError{Op: "tp-segment", Details: "message is not TP-flagged"}
	}
	if len(msg.Payload) < tpHeaderLength {
		return TPSegment{}, &DecodeError{Op: "tp-segment", Details: "payload shorter than TP header"}
	}
	tp, err := decodeTPHeader(msg.Payload[:tpHeaderLength])
	if err != nil {
		return TPSegment{}, err
	}
	return TPSegment{Header: msg.Header, TP: tp, Payload: msg.Payload[tpHeaderLength:]}, nil
}

// ReassemblyKey identifies one in-flight reassembly: SOME/IP-TP
// segments are correlated by (service, method, session), per
// spec.md §4.2.
type ReassemblyKey struct {
	Service ServiceID
	Method  MethodID
	Session SessionID
}

func keyOf(h Header) ReassemblyKey {
	return ReassemblyKey{Service: h.ServiceID, Method: h.MethodID, Session: h.SessionID}
}

// Reassembler accumulates TP segments into complete messages. It is
// not safe for concurrent use; callers (the UDP endpoint's receive
// loop) own exclusive access, matching the single-reader-goroutine
// model in internal/endpoint.
type Reassembler struct {
	pending map[ReassemblyKey]*reassembly
}

type reassembly struct {
	header Header
	chunks map[uint32][]byte
	done   bool
}

// NewReassembler returns an empty Reassembler.
func NewReassembler() *Reassembler {
	return &Reassembler{pending: make(map[ReassemblyKey]*reassembly)}
}

// Feed consumes one decoded TP segment. It returns the complete
// Message and true once the final segment of that key has arrived;
// otherwise it returns false while reassembly continues.
func (r *Reassembler) Feed(seg TPSegment) (Message, bool) {
	key := keyOf(seg.Header)
	asm, ok := r.pending[key]
	if !ok {
		asm = &reassembly{header: seg.Header, chunks: make(map[uint32][]byte)}
		r.pending[key] = asm
	}
	asm.chunks[seg.TP.Offset] = append([]byte(nil), seg.Payload...)
	if !seg.TP.MoreFlag {
		asm.done = true
	}
	if !asm.done {
		return Message{}, false
	}
	// Verify no gaps: every offset from 0 in SegmentSize steps present.
	total := 0
	for off := uint32(0); ; off += SegmentSize {
		chunk, present := asm.chunks[off]
		if !present {
			break
		}
		total += len(chunk)
		if len(chunk) < SegmentSize {
			break
		}
	}
	payload := make([]byte, 0, total)
	for off := uint32(0); ; off += SegmentSize {
		chunk, present := asm.chunks[off]
		if !present {
			return Message{}, false // gap: keep waiting
		}
		payload = append(payload, chunk...)
		if len(chunk) < SegmentSize {
			break
		}
	}
	delete(r.pending, key)
	h := asm.header
	h.MessageType &^= 0x20
	return Message{Header: h, Payload: payload}, true
}

// Expire drops any in-flight reassembly for key. No reassembly timeout
// calls it: an unfinished reassembly is kept until Expire is called
// for its key.
func (r *Reassembler) Expire(key ReassemblyKey) {
	delete(r.pending, key)
}
