package main

import (
	"net"
	"testing"
	"time"

	"github.com/someipd/someipd/internal/wire"
)

func TestSliceOptionsBoundsChecking(t *testing.T) {
	opts := []wire.Option{{Type: wire.OptionIPv4Unicast}, {Type: wire.OptionIPv6Unicast}, {Type: wire.OptionIPv4SDEndpoint}}

	if got := sliceOptions(opts, 0, 2); len(got) != 2 {
		t.Errorf("sliceOptions(0,2) len = %d, want 2", len(got))
	}
	if got := sliceOptions(opts, 1, 5); len(got) != 2 {
		t.Errorf("sliceOptions(1,5) len = %d, want 2 (clamped)", len(got))
	}
	if got := sliceOptions(opts, 0, 0); got != nil {
		t.Errorf("sliceOptions(0,0) = %v, want nil", got)
	}
	if got := sliceOptions(opts, 10, 1); got != nil {
		t.Errorf("sliceOptions(10,1) out of bounds = %v, want nil", got)
	}
}

func TestResolveOptionsCombinesBothRuns(t *testing.T) {
	msg := wire.SDMessage{
		Options: []wire.Option{
			{Type: wire.OptionIPv4Unicast, Port: 1},
			{Type: wire.OptionIPv4Unicast, Port: 2},
			{Type: wire.OptionIPv4SDEndpoint, Port: 3},
		},
	}
	entry := wire.Entry{Index1st: 0, NumOpts1st: 1, Index2nd: 2, NumOpts2nd: 1}

	got := resolveOptions(msg, entry)
	if len(got) != 2 {
		t.Fatalf("resolveOptions len = %d, want 2", len(got))
	}
	if got[0].Port != 1 || got[1].Port != 3 {
		t.Errorf("resolveOptions ports = [%d,%d], want [1,3]", got[0].Port, got[1].Port)
	}
}

func TestResolveEndpointsSplitsReliableAndUnreliable(t *testing.T) {
	opts := []wire.Option{
		{Type: wire.OptionIPv4Unicast, Addr: net.IPv4(10, 0, 0, 1), Port: 30509, Proto: wire.ProtoUDP},
		{Type: wire.OptionIPv4Unicast, Addr: net.IPv4(10, 0, 0, 1), Port: 30510, Proto: wire.ProtoTCP},
	}

	reliable, unreliable := resolveEndpoints(opts)
	if reliable == nil || reliable.Port != 30510 {
		t.Errorf("reliable endpoint = %v, want port 30510", reliable)
	}
	if unreliable == nil || unreliable.Port != 30509 {
		t.Errorf("unreliable endpoint = %v, want port 30509", unreliable)
	}
}

func TestResolveEndpointsIgnoresUnrelatedOptionTypes(t *testing.T) {
	opts := []wire.Option{{Type: wire.OptionIPv4Multicast, Port: 30490}}
	reliable, unreliable := resolveEndpoints(opts)
	if reliable != nil || unreliable != nil {
		t.Errorf("expected no endpoints resolved from a multicast option, got reliable=%v unreliable=%v", reliable, unreliable)
	}
}

func TestSubscriptionTTLConvertsSeconds(t *testing.T) {
	if got := subscriptionTTL(wire.TTL(5)); got != 5*time.Second {
		t.Errorf("subscriptionTTL(5) = %v, want 5s", got)
	}
}

func TestSubscriptionTTLForeverIsLongLived(t *testing.T) {
	got := subscriptionTTL(wire.TTLForever)
	if got < 365*24*time.Hour {
		t.Errorf("subscriptionTTL(TTLForever) = %v, want a multi-year duration", got)
	}
}

func TestPseudoClientIDIsStableAndAddressSpecific(t *testing.T) {
	a := &net.UDPAddr{IP: net.ParseIP("10.0.0.1"), Port: 30509}
	b := &net.UDPAddr{IP: net.ParseIP("10.0.0.1"), Port: 30509}
	c := &net.UDPAddr{IP: net.ParseIP("10.0.0.2"), Port: 30509}

	if pseudoClientID(a) != pseudoClientID(b) {
		t.Error("pseudoClientID is not stable for the same address")
	}
	if pseudoClientID(a) == pseudoClientID(c) {
		t.Error("pseudoClientID collided for distinct addresses (unlucky but check the inputs)")
	}
}

func TestStampFlagsSetsUnicastSupportedWithNilEngine(t *testing.T) {
	tr := &sdTransport{}
	out := tr.stampFlags(wire.SDMessage{}, false)
	if !out.UnicastSupported() {
		t.Error("stampFlags did not set the unicast-supported bit")
	}
	if out.Reboot() {
		t.Error("stampFlags set the reboot bit when reboot=false")
	}
}

func TestStampFlagsSetsRebootBitWhenRebooting(t *testing.T) {
	tr := &sdTransport{}
	out := tr.stampFlags(wire.SDMessage{}, true)
	if !out.Reboot() {
		t.Error("stampFlags did not set the reboot bit when reboot=true")
	}
}

func TestNormalizeAddrPrependsLocalhostForBareColonPort(t *testing.T) {
	if got := normalizeAddr(":9980"); got != "127.0.0.1:9980" {
		t.Errorf("normalizeAddr(\":9980\") = %q, want 127.0.0.1:9980", got)
	}
	if got := normalizeAddr("10.0.0.5:9980"); got != "10.0.0.5:9980" {
		t.Errorf("normalizeAddr(%q) = %q, want unchanged", "10.0.0.5:9980", got)
	}
}
