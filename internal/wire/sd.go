package wire

import (
	"encoding/binary"
	"fmt"
	"net"
)

// SD flag bits, spec.md §4.1.
const (
	SDFlagReboot                 uint8 = 1 << 7
	SDFlagUnicastSupported       uint8 = 1 << 6
	SDFlagExplicitInitialControl uint8 = 1 << 5
)

// EntryType identifies the kind of an SD entry.
type EntryType uint8

const (
	EntryFindService             EntryType = 0x00
	EntryOfferService            EntryType = 0x01
	EntrySubscribeEventgroup     EntryType = 0x06
	EntrySubscribeEventgroupAck  EntryType = 0x07
)

// IsService reports whether the entry is Find/Offer (service-type,
// 12-byte layout with a minor-version field) as opposed to an
// eventgroup-type entry (carries an eventgroup id + counter instead).
func (t EntryType) IsService() bool {
	return t == EntryFindService || t == EntryOfferService
}

// Entry is one 16-byte SD entry. Service-type entries (Find/Offer)
// use MinorVersion; eventgroup-type entries (Subscribe/Ack) use
// Eventgroup and Counter instead, per spec.md §4.1.
type Entry struct {
	Type           EntryType
	Index1st       uint8
	Index2nd       uint8
	NumOpts1st     uint8 // packed nibble, high 4 bits of the options-count byte
	NumOpts2nd     uint8 // packed nibble, low 4 bits
	ServiceID      ServiceID
	InstanceID     InstanceID
	Major          MajorVersion
	TTL            TTL
	MinorVersion   MinorVersion // valid when Type.IsService()
	Eventgroup     EventgroupID // valid when !Type.IsService()
	Counter        uint8        // valid when !Type.IsService(); low nibble only
}

// IsStop reports whether this entry is a StopOffer/StopSubscribe
// (TTL=0 on an Offer/Subscribe-shaped entry).
func (e Entry) IsStop() bool { return e.TTL == 0 }

const entryLength = 16

func encodeEntry(e Entry) []byte {
	buf := make([]byte, entryLength)
	buf[0] = uint8(e.Type)
	buf[1] = e.Index1st
	buf[2] = e.Index2nd
	buf[3] = e.NumOpts1st<<4 | (e.NumOpts2nd & 0x0f)
	binary.BigEndian.PutUint16(buf[4:6], uint16(e.ServiceID))
	binary.BigEndian.PutUint16(buf[6:8], uint16(e.InstanceID))
	// byte 8: major version; bytes 9-11: TTL (24-bit, big-endian)
	buf[8] = uint8(e.Major)
	ttl := uint32(e.TTL) & 0x00FFFFFF
	buf[9] = byte(ttl >> 16)
	buf[10] = byte(ttl >> 8)
	buf[11] = byte(ttl)
	if e.Type.IsService() {
		binary.BigEndian.PutUint32(buf[12:16], uint32(e.MinorVersion))
	} else {
		buf[12] = 0
		binary.BigEndian.PutUint16(buf[13:15], uint16(e.Eventgroup))
		buf[15] = e.Counter & 0x0f
	}
	return buf
}

func decodeEntry(buf []byte) (Entry, error) {
	if len(buf) < entryLength {
		return Entry{}, &DecodeError{Op: "sd-entry", Details: "short entry"}
	}
	e := Entry{
		Type:       EntryType(buf[0]),
		Index1st:   buf[1],
		Index2nd:   buf[2],
		NumOpts1st: buf[3] >> 4,
		NumOpts2nd: buf[3] & 0x0f,
		ServiceID:  ServiceID(binary.BigEndian.Uint16(buf[4:6])),
		InstanceID: InstanceID(binary.BigEndian.Uint16(buf[6:8])),
		Major:      MajorVersion(buf[8]),
		TTL:        TTL(uint32(buf[9])<<16 | uint32(buf[10])<<8 | uint32(buf[11])),
	}
	if e.Type.IsService() {
		e.MinorVersion = MinorVersion(binary.BigEndian.Uint32(buf[12:16]))
	} else {
		e.Eventgroup = EventgroupID(binary.BigEndian.Uint16(buf[13:15]))
		e.Counter = buf[15] & 0x0f
	}
	return e, nil
}

// OptionType identifies the kind of an SD option.
type OptionType uint8

const (
	OptionConfiguration  OptionType = 0x01
	OptionLoadBalancing  OptionType = 0x02
	OptionProtection     OptionType = 0x03
	OptionIPv4Unicast    OptionType = 0x04
	OptionIPv6Unicast    OptionType = 0x06
	OptionIPv4Multicast  OptionType = 0x14
	OptionIPv6Multicast  OptionType = 0x16
	OptionIPv4SDEndpoint OptionType = 0x24
	OptionIPv6SDEndpoint OptionType = 0x26
)

// ProtoLayer is the L4 protocol carried by an endpoint option.
type ProtoLayer uint8

const (
	ProtoUDP ProtoLayer = 0x11
	ProtoTCP ProtoLayer = 0x06
)

// Option is a decoded SD option. Unknown option types round-trip their
// raw bytes in Raw so that re-encoding an untouched message is
// lossless; known endpoint-option fields are also populated for
// convenience.
type Option struct {
	Type  OptionType
	Addr  net.IP
	Port  uint16
	Proto ProtoLayer
	Raw   []byte // full option body (type-specific payload, excl. length+type+reserved)
}

// encodeEndpointOption builds the 12-byte (IPv4) or 24-byte (IPv6)
// body of a unicast/multicast endpoint option.
func encodeEndpointOption(o Option) []byte {
	ip4 := o.Addr.To4()
	if ip4 != nil {
		buf := make([]byte, 9)
		copy(buf[0:4], ip4)
		buf[4] = 0 // reserved
		buf[5] = uint8(o.Proto)
		binary.BigEndian.PutUint16(buf[6:8], o.Port)
		return withOptionHeader(uint8(o.Type), buf)
	}
	ip16 := o.Addr.To16()
	buf := make([]byte, 21)
	copy(buf[0:16], ip16)
	buf[16] = 0
	buf[17] = uint8(o.Proto)
	binary.BigEndian.PutUint16(buf[18:20], o.Port)
	return withOptionHeader(uint8(o.Type), buf)
}

func withOptionHeader(optType uint8, body []byte) []byte {
	out := make([]byte, 3+len(body))
	binary.BigEndian.PutUint16(out[0:2], uint16(len(body)+1))
	out[2] = optType
	copy(out[3:], body)
	return out
}

func encodeOption(o Option) []byte {
	switch o.Type {
	case OptionIPv4Unicast, OptionIPv6Unicast, OptionIPv4Multicast, OptionIPv6Multicast,
		OptionIPv4SDEndpoint, OptionIPv6SDEndpoint:
		return encodeEndpointOption(o)
	default:
		return withOptionHeader(uint8(o.Type), o.Raw)
	}
}

func decodeOption(buf []byte) (Option, int, error) {
	if len(buf) < 3 {
		return Option{}, 0, &DecodeError{Op: "sd-option", Details: "short option header"}
	}
	length := int(binary.BigEndian.Uint16(buf[0:2]))
	total := 2 + length
	if len(buf) < total {
		return Option{}, 0, &DecodeError{Op: "sd-option", Details: "option body truncated"}
	}
	optType := OptionType(buf[2])
	body := buf[3:total]
	o := Option{Type: optType, Raw: append([]byte(nil), body...)}
	switch optType {
	case OptionIPv4Unicast, OptionIPv4Multicast, OptionIPv4SDEndpoint:
		if len(body) >= 8 {
			o.Addr = net.IPv4(body[0], body[1], body[2], body[3])
			o.Proto = ProtoLayer(body[5])
			o.Port = binary.BigEndian.Uint16(body[6:8])
		}
	case OptionIPv6Unicast, OptionIPv6Multicast, OptionIPv6SDEndpoint:
		if len(body) >= 20 {
			o.Addr = append(net.IP(nil), body[0:16]...)
			o.Proto = ProtoLayer(body[17])
			o.Port = binary.BigEndian.Uint16(body[18:20])
		}
	}
	// Unknown option types are preserved in Raw and simply ignored by
	// consumers, per spec.md scenario 2.
	return o, total, nil
}

// SDMessage is the decoded SOME/IP-SD payload: a flags byte, a list of
// entries, and a list of options referenced by index from entries'
// NumOpts/Index fields.
type SDMessage struct {
	Flags   uint8
	Entries []Entry
	Options []Option
}

// Reboot reports the reboot flag (spec.md §4.6 reboot detection).
func (m SDMessage) Reboot() bool { return m.Flags&SDFlagReboot != 0 }

// UnicastSupported reports the unicast-supported flag used by
// Active.Main.Offer's FindService reply rule (spec.md §4.6).
func (m SDMessage) UnicastSupported() bool { return m.Flags&SDFlagUnicastSupported != 0 }

// EncodeSD serializes an SD message into a SOME/IP payload: flags,
// reserved, entries-length, entries, options-length, options.
func EncodeSD(m SDMessage) []byte {
	var entries []byte
	for _, e := range m.Entries {
		entries = append(entries, encodeEntry(e)...)
	}
	var options []byte
	for _, o := range m.Options {
		options = append(options, encodeOption(o)...)
	}
	buf := make([]byte, 0, 8+len(entries)+4+len(options))
	buf = append(buf, m.Flags, 0, 0, 0)
	lenEntries := make([]byte, 4)
	binary.BigEndian.PutUint32(lenEntries, uint32(len(entries)))
	buf = append(buf, lenEntries...)
	buf = append(buf, entries...)
	lenOptions := make([]byte, 4)
	binary.BigEndian.PutUint32(lenOptions, uint32(len(options)))
	buf = append(buf, lenOptions...)
	buf = append(buf, options...)
	return buf
}

// DecodeSD parses an SD message from a SOME/IP payload.
func DecodeSD(buf []byte) (SDMessage, error) {
	if len(buf) < 8 {
		return SDMessage{}, &DecodeError{Op: "sd-header", Details: "short SD payload"}
	}
	m := SDMessage{Flags: buf[0]}
	entriesLen := int(binary.BigEndian.Uint32(buf[4:8]))
	off := 8
	if off+entriesLen > len(buf) {
		return SDMessage{}, &DecodeError{Op: "sd-entries", Details: "entries-length exceeds buffer"}
	}
	for i := 0; i < entriesLen; i += entryLength {
		e, err := decodeEntry(buf[off+i : off+i+entryLength])
		if err != nil {
			return SDMessage{}, err
		}
		m.Entries = append(m.Entries, e)
	}
	off += entriesLen
	if off+4 > len(buf) {
		return SDMessage{}, &DecodeError{Op: "sd-options", Details: "missing options-length"}
	}
	optionsLen := int(binary.BigEndian.Uint32(buf[off : off+4]))
	off += 4
	if off+optionsLen > len(buf) {
		return SDMessage{}, &DecodeError{Op: "sd-options", Details: "options-length exceeds buffer"}
	}
	rest := buf[off : off+optionsLen]
	for len(rest) > 0 {
		o, n, err := decodeOption(rest)
		if err != nil {
			return SDMessage{}, err
		}
		m.Options = append(m.Options, o)
		rest = rest[n:]
	}
	return m, nil
}

// WrapSD builds the SOME/IP message envelope (service=0xFFFF,
// method=0x8100) carrying an encoded SD payload.
func WrapSD(session SessionID, reboot bool, m SDMessage) Message {
	return Message{
		Header: Header{
			ServiceID:        SDServiceID,
			MethodID:         SDMethodID,
			ClientID:         0,
			SessionID:        session,
			ProtocolVersion:  ProtocolVersion,
			InterfaceVersion: 1,
			MessageType:      MessageTypeNotification,
			ReturnCode:       EOk,
		},
		Payload: EncodeSD(m),
	}
}

// IsSDMessage reports whether h addresses the SD service/method.
func IsSDMessage(h Header) bool {
	return h.ServiceID == SDServiceID && h.MethodID == SDMethodID
}

func init() {
	// Guard against accidental layout drift: an SD entry is always
	// exactly 16 bytes per spec.md §4.1.
	if entryLength != 16 {
		panic(fmt.Sprintf("sd entry length invariant broken: %d", entryLength))
	}
}
