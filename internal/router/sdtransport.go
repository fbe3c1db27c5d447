package router

import (
	"net"

	"github.com/someipd/someipd/internal/endpoint"
	"github.com/someipd/someipd/internal/registry"
	"github.com/someipd/someipd/internal/sd"
	"github.com/someipd/someipd/internal/wire"
)

// WithSDTransport installs the sender used to emit SD cycle messages
// (OfferService/FindService) on the configured multicast group. The
// daemon's configuration layer supplies this, typically backed by an
// internal/endpoint.UDPServer bound to port 30490.
func WithSDTransport(sender sd.Sender) Option {
	return func(m *Manager) error { m.sdTransport = sender; return nil }
}

func (m *Manager) sdSender() sd.Sender {
	if m.sdTransport == nil {
		return noopSender{}
	}
	return m.sdTransport
}

// noopSender discards SD cycle messages when no transport has been
// wired, letting the routing manager run (e.g. under test) without a
// live network.
type noopSender struct{}

func (noopSender) SendUnicast(wire.SDMessage, string, uint16) error { return nil }
func (noopSender) SendMulticast(wire.SDMessage) error               { return nil }

// localAddresser is implemented by the server endpoint variants
// (*endpoint.UDPServer, *endpoint.TCPServer) that back a locally
// offered service, letting buildOfferMessage read back the address a
// service is actually bound to without growing the Endpoint interface
// for the sake of the client/virtual variants that never appear here.
type localAddresser interface {
	LocalAddress() (addr string, port uint16)
}

// unicastOption builds the IPv4 or IPv6 unicast endpoint option for ep, the
// form vsomeip attaches to every OfferService so a peer learns where
// to reach the service (spec.md §4.1/§4.6). ep is nil when the
// service was never bound reliable/unreliable, and non-server
// endpoint variants (never stored here in practice) simply don't
// implement localAddresser.
func unicastOption(ep endpoint.Endpoint, proto wire.ProtoLayer) (wire.Option, bool) {
	if ep == nil {
		return wire.Option{}, false
	}
	la, ok := ep.(localAddresser)
	if !ok {
		return wire.Option{}, false
	}
	addr, port := la.LocalAddress()
	ip := net.ParseIP(addr)
	if ip == nil {
		return wire.Option{}, false
	}
	if v4 := ip.To4(); v4 != nil {
		return wire.Option{Type: wire.OptionIPv4Unicast, Addr: v4, Port: port, Proto: proto}, true
	}
	return wire.Option{Type: wire.OptionIPv6Unicast, Addr: ip, Port: port, Proto: proto}, true
}

// buildOfferMessage assembles the OfferService SD message for key,
// attaching an IPv4 (or IPv6) unicast endpoint option for whichever of
// the reliable/unreliable endpoints is registered, per spec.md §4.1.
func (m *Manager) buildOfferMessage(key registry.ServiceKey, major wire.MajorVersion) wire.SDMessage {
	_, reboot := m.sd.NextSession()
	s, _ := m.reg.FindService(key)

	entry := wire.Entry{
		Type:       wire.EntryOfferService,
		ServiceID:  key.Service,
		InstanceID: key.Instance,
		Major:      major,
		TTL:        wire.TTLForever,
	}

	var opts []wire.Option
	if s != nil {
		entry.TTL = s.TTL
		entry.MinorVersion = s.Minor

		if opt, ok := unicastOption(s.ReliableEndpoint, wire.ProtoTCP); ok {
			opts = append(opts, opt)
		}
		if opt, ok := unicastOption(s.UnreliableEndpoint, wire.ProtoUDP); ok {
			opts = append(opts, opt)
		}
	}
	if len(opts) > 0 {
		entry.Index1st = 0
		entry.NumOpts1st = uint8(len(opts))
	}

	var flags uint8
	if m.sd.UnicastSupported() {
		flags |= wire.SDFlagUnicastSupported
	}
	if reboot {
		flags |= wire.SDFlagReboot
	}

	return wire.SDMessage{Flags: flags, Entries: []wire.Entry{entry}, Options: opts}
}

// buildFindMessage assembles the FindService SD message used while a
// requested remote instance has not yet been discovered.
func (m *Manager) buildFindMessage(key registry.ServiceKey, major wire.MajorVersion) wire.SDMessage {
	_, reboot := m.sd.NextSession()
	var flags uint8
	if m.sd.UnicastSupported() {
		flags |= wire.SDFlagUnicastSupported
	}
	if reboot {
		flags |= wire.SDFlagReboot
	}
	return wire.SDMessage{
		Flags: flags,
		Entries: []wire.Entry{{
			Type:       wire.EntryFindService,
			ServiceID:  key.Service,
			InstanceID: key.Instance,
			Major:      major,
			TTL:        wire.TTLForever,
		}},
	}
}
