package wire

import (
	"net"
	"testing"
)

func TestSDRoundTrip(t *testing.T) {
	offer := Entry{
		Type: EntryOfferService, ServiceID: 0x1234, InstanceID: 0x5678,
		Major: 1, TTL: 3, MinorVersion: 0, NumOpts1st: 1,
	}
	sub := Entry{
		Type: EntrySubscribeEventgroup, ServiceID: 0x1122, InstanceID: 0x0001,
		Major: 1, TTL: 3, Eventgroup: 0x1000, NumOpts1st: 1,
	}
	opt := Option{Type: OptionIPv4Unicast, Addr: net.IPv4(192, 168, 1, 10), Proto: ProtoUDP, Port: 30501}

	m := SDMessage{Flags: SDFlagUnicastSupported, Entries: []Entry{offer, sub}, Options: []Option{opt}}
	encoded := EncodeSD(m)
	decoded, err := DecodeSD(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	reencoded := EncodeSD(decoded)
	if string(reencoded) != string(encoded) {
		t.Fatalf("round trip mismatch:\n got %x\nwant %x", reencoded, encoded)
	}
	if len(decoded.Entries) != 2 || len(decoded.Options) != 1 {
		t.Fatalf("unexpected counts: %+v", decoded)
	}
	if !decoded.UnicastSupported() {
		t.Fatal("expected unicast-supported flag set")
	}
}

// TestSDUnknownOptionIgnored covers scenario 2 of spec.md §8: a
// SubscribeEventgroup carrying one IPv4 unicast option and one
// unknown option type must decode without error, with the unknown
// option preserved (but ignored by endpoint resolution) and an Ack
// built with no options attached, matching TTL.
func TestSDUnknownOptionIgnored(t *testing.T) {
	sub := Entry{
		Type: EntrySubscribeEventgroup, ServiceID: 0x1122, InstanceID: 0x0001,
		Major: 1, TTL: 3, Eventgroup: 0x1000, NumOpts1st: 2,
	}
	known := Option{Type: OptionIPv4Unicast, Addr: net.IPv4(10, 0, 0, 5), Proto: ProtoUDP, Port: 30501}
	unknown := Option{Type: OptionType(0xFF), Raw: []byte{0x01, 0x02, 0x03}}

	m := SDMessage{Entries: []Entry{sub}, Options: []Option{known, unknown}}
	encoded := EncodeSD(m)
	decoded, err := DecodeSD(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(decoded.Options) != 2 {
		t.Fatalf("expected both options preserved, got %d", len(decoded.Options))
	}
	if decoded.Options[1].Type != OptionType(0xFF) {
		t.Fatalf("unknown option type not preserved: %+v", decoded.Options[1])
	}
	if decoded.Options[0].Addr.String() != "10.0.0.5" {
		t.Fatalf("known option not decoded: %+v", decoded.Options[0])
	}

	ack := Entry{
		Type: EntrySubscribeEventgroupAck, ServiceID: sub.ServiceID, InstanceID: sub.InstanceID,
		Major: sub.Major, TTL: sub.TTL, Eventgroup: sub.Eventgroup,
	}
	ackMsg := SDMessage{Entries: []Entry{ack}}
	ackEncoded := EncodeSD(ackMsg)
	ackDecoded, err := DecodeSD(ackEncoded)
	if err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	if len(ackDecoded.Options) != 0 {
		t.Fatalf("ack must carry no options, got %d", len(ackDecoded.Options))
	}
	if ackDecoded.Entries[0].TTL != 3 {
		t.Fatalf("ack TTL mismatch: %d", ackDecoded.Entries[0].TTL)
	}
}

func TestIsSDMessage(t *testing.T) {
	h := Header{ServiceID: SDServiceID, MethodID: SDMethodID}
	if !IsSDMessage(h) {
		t.Fatal("expected SD header to be recognized")
	}
	h.ServiceID = 0x1234
	if IsSDMessage(h) {
		t.Fatal("non-SD header misclassified")
	}
}

func TestEntryIsStop(t *testing.T) {
	if !(Entry{TTL: 0}).IsStop() {
		t.Fatal("TTL=0 must be a stop entry")
	}
	if (Entry{TTL: 3}).IsStop() {
		t.Fatal("TTL=3 must not be a stop entry")
	}
}
