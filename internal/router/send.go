package router

import (
	"net"
	"time"

	"github.com/someipd/someipd/internal/endpoint"
	"github.com/someipd/someipd/internal/registry"
	"github.com/someipd/someipd/internal/wire"
)

// baseMessageType strips the SOME/IP-TP segmentation bit, the same
// mask internal/wire's own (unexported) baseType applies.
func baseMessageType(t wire.MessageType) wire.MessageType {
	return wire.MessageType(uint8(t) &^ 0x20)
}

// Send is the central demultiplexer for a message originating from a
// local application (client), per spec.md §4.5. It dispatches on
// message type and the resolved service instance's locality:
//
//   - a request/request-no-return is forwarded to the instance's
//     provider, in-process if locally owned or over the remote client
//     endpoint otherwise;
//   - a response is forwarded back to the client named in the
//     message's own ClientID header field;
//   - a notification fans out to every filtered subscriber, local and
//     remote.
//
// Security denial is a silent drop; an unknown instance produces a
// SOME/IP error response only if msg was a request, per spec.md's
// failure semantics.
func (m *Manager) Send(client wire.ClientID, msg wire.Message, instance wire.InstanceID, flush bool) error {
	h := msg.Header
	if !m.security.AllowSend(client, h.ServiceID, instance, h.MethodID) {
		return nil
	}

	key := registry.ServiceKey{Service: h.ServiceID, Instance: instance}
	s, ok := m.reg.FindService(key)
	if !ok {
		return m.replyUnknownInstance(client, h)
	}

	switch baseMessageType(h.MessageType) {
	case wire.MessageTypeRequest, wire.MessageTypeRequestNoReturn:
		return m.routeRequest(s, key, msg, flush)
	case wire.MessageTypeResponse, wire.MessageTypeError:
		return m.routeResponse(msg, flush)
	case wire.MessageTypeNotification:
		return m.routeNotification(s, key, msg, flush)
	default:
		return nil
	}
}

func (m *Manager) routeRequest(s *registry.ServiceInstance, key registry.ServiceKey, msg wire.Message, flush bool) error {
	if s.IsLocal {
		m.mu.Lock()
		owner, ok := m.owners[key]
		m.mu.Unlock()
		if !ok {
			return m.replyUnknownInstance(msg.Header.ClientID, msg.Header)
		}
		ep, ok := m.eps.LookupLocal(owner)
		if !ok {
			return m.replyUnknownInstance(msg.Header.ClientID, msg.Header)
		}
		return deliver(ep, msg, flush)
	}

	ep := pickEndpoint(s, true)
	if ep == nil {
		return m.replyUnknownInstance(msg.Header.ClientID, msg.Header)
	}
	return deliver(ep, msg, flush)
}

func (m *Manager) routeResponse(msg wire.Message, flush bool) error {
	ep, ok := m.eps.LookupLocal(msg.Header.ClientID)
	if !ok {
		// The originating client lives remotely; the response travels
		// back out whichever server endpoint received the request. That
		// path is driven from OnMessage (which knows the remote
		// address), not from here.
		return nil
	}
	return deliver(ep, msg, flush)
}

func (m *Manager) routeNotification(s *registry.ServiceInstance, key registry.ServiceKey, msg wire.Message, flush bool) error {
	protected, err := m.e2e.Protect(key.Service, key.Instance, msg.Header.MethodID, msg.Payload)
	if err != nil {
		m.log.WithError(err).WithField("instance", key.String()).Warn("e2e protect failed, dropping notification")
		return nil
	}
	msg.Payload = protected

	ekey := registry.EventKey{ServiceKey: key, Event: wire.EventID(msg.Header.MethodID)}
	ev, ok := m.reg.FindEvent(ekey)
	if !ok {
		return nil
	}
	subs, delivered := ev.UpdateAndGetFilteredSubscribers(msg.Payload, time.Now())
	if !delivered {
		return nil
	}
	m.reg.SetFieldCache(ekey, msg.Payload)

	for _, client := range subs {
		if ep, ok := m.eps.LookupLocal(client); ok {
			deliver(ep, msg, flush)
		}
	}

	for _, gk := range m.eventgroupsContaining(key, wire.EventID(msg.Header.MethodID)) {
		g, ok := m.reg.FindEventgroup(gk)
		if !ok {
			continue
		}
		for _, rs := range g.RemoteSubscriptions() {
			target := remoteTarget(rs, s)
			if target == nil {
				continue
			}
			ep := pickEndpoint(s, rs.Reliable != nil)
			if ep == nil {
				continue
			}
			ep.SendTo(msg.Encode(), target)
		}
		if g.MulticastAddress != "" {
			ep := pickEndpoint(s, false)
			if ep != nil {
				ep.SendTo(msg.Encode(), &net.UDPAddr{IP: net.ParseIP(g.MulticastAddress), Port: int(g.MulticastPort)})
			}
		}
	}
	return nil
}

// eventgroupsContaining returns every eventgroup of key that lists
// event among its members, used to resolve a notification's remote
// subscriber fan-out.
func (m *Manager) eventgroupsContaining(key registry.ServiceKey, event wire.EventID) []registry.EventgroupKey {
	var out []registry.EventgroupKey
	for _, g := range m.reg.AllEventgroups() {
		if g.Key.ServiceKey != key {
			continue
		}
		if _, ok := g.Events[event]; ok {
			out = append(out, g.Key)
		}
	}
	return out
}

func remoteTarget(rs *registry.RemoteSubscription, s *registry.ServiceInstance) net.Addr {
	k := rs.Unreliable
	if rs.Reliable != nil {
		k = rs.Reliable
	}
	if k == nil {
		return nil
	}
	if k.Reliable {
		return &net.TCPAddr{IP: net.ParseIP(k.Address), Port: int(k.Port)}
	}
	return &net.UDPAddr{IP: net.ParseIP(k.Address), Port: int(k.Port)}
}

// pickEndpoint returns the reliable endpoint if reliable is true and
// one is registered, falling back to the unreliable one (and vice
// versa) so a service offered on only one transport still works.
func pickEndpoint(s *registry.ServiceInstance, reliable bool) endpoint.Endpoint {
	if reliable && s.ReliableEndpoint != nil {
		return s.ReliableEndpoint
	}
	if !reliable && s.UnreliableEndpoint != nil {
		return s.UnreliableEndpoint
	}
	if s.ReliableEndpoint != nil {
		return s.ReliableEndpoint
	}
	return s.UnreliableEndpoint
}

func deliver(ep endpoint.Endpoint, msg wire.Message, flush bool) error {
	if err := ep.Send(msg.Encode()); err != nil {
		return &Error{Op: "send", Err: err}
	}
	if flush {
		ep.Flush()
	}
	return nil
}

// replyUnknownInstance implements the "unknown instance" failure
// branch of spec.md §4.5: a SOME/IP error response if the incoming
// message was a request, a silent drop otherwise.
func (m *Manager) replyUnknownInstance(client wire.ClientID, req wire.Header) error {
	if baseMessageType(req.MessageType) != wire.MessageTypeRequest {
		return nil
	}
	ep, ok := m.eps.LookupLocal(client)
	if !ok {
		return nil
	}
	reply := wire.ErrorReply(req, wire.EUnknownService)
	return deliver(ep, reply, true)
}

// OnMessage handles a message that arrived from the network on ep, per
// spec.md §4.5: it resolves the service instance by (service,
// receiving endpoint) — isMulticast is not consulted, so a multicast
// message is not resolved by the group it arrived on — validates the
// header, applies the security and E2E capabilities, and
// hands off to the same instance-aware routing Send uses.
func (m *Manager) OnMessage(msg wire.Message, ep endpoint.Endpoint, remote net.Addr, isMulticast bool) error {
	instance, ok := m.resolveInstance(msg.Header.ServiceID, ep)
	if !ok {
		return m.replyUnknownInstance(0, msg.Header)
	}

	if code := wire.ValidateIngress(msg.Header, wire.MajorAny); code != wire.EOk {
		if baseMessageType(msg.Header.MessageType) == wire.MessageTypeRequest {
			ep.SendTo(wire.ErrorReply(msg.Header, code).Encode(), remote)
		}
		return nil
	}

	ok2, err := m.e2e.Check(msg.Header.ServiceID, instance, msg.Header.MethodID, msg.Payload)
	if err != nil || !ok2 {
		m.log.WithField("service", msg.Header.ServiceID).Warn("e2e check failed, dropping message")
		return nil
	}

	return m.Send(0, msg, instance, false)
}

// resolveInstance finds which offered/requested instance of service is
// bound to the endpoint a message arrived on. Most deployments offer
// exactly one instance per (service, endpoint) pair, so the first
// match is returned.
func (m *Manager) resolveInstance(service wire.ServiceID, ep endpoint.Endpoint) (wire.InstanceID, bool) {
	for _, s := range m.reg.AllServices() {
		if s.Key.Service != service {
			continue
		}
		if s.ReliableEndpoint == ep || s.UnreliableEndpoint == ep {
			return s.Key.Instance, true
		}
	}
	return 0, false
}
