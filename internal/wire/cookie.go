package wire

// MagicCookie is the sentinel SOME/IP message used to resynchronize a
// TCP stream after a framing error (spec.md §4.1). It has a fixed
// shape: service=0xFFFF, method=0x0000, length=8, client=0xDEAD and
// session=0xBEEF (request id 0xDEADBEEF), protocol-version=1,
// interface-version=1, message-type=request-no-return, return-code=OK.
var MagicCookie = Header{
	ServiceID:        0xFFFF,
	MethodID:         0x0000,
	Length:           8,
	ClientID:         0xDEAD,
	SessionID:        0xBEEF,
	ProtocolVersion:  ProtocolVersion,
	InterfaceVersion: 1,
	MessageType:      MessageTypeRequestNoReturn,
	ReturnCode:       EOk,
}

// MagicCookieBytes is the wire-encoded magic cookie: header only, no
// payload (length=8 means nothing follows the fixed fields).
var MagicCookieBytes = Message{Header: MagicCookie}.Encode()

// IsMagicCookie reports whether h is the magic-cookie sentinel.
func IsMagicCookie(h Header) bool {
	return h == MagicCookie
}

// FindCookie scans buf for the start of the next magic cookie,
// returning its offset or -1 if none is found. Used by a TCP endpoint
// to resynchronize after a parse failure (spec.md §4.2).
func FindCookie(buf []byte) int {
	if len(MagicCookieBytes) == 0 {
		return -1
	}
	first := MagicCookieBytes[0]
	for i := 0; i+len(MagicCookieBytes) <= len(buf); i++ {
		if buf[i] != first {
			continue
		}
		if string(buf[i:i+len(MagicCookieBytes)]) == string(MagicCookieBytes) {
			return i
		}
	}
	return -1
}
