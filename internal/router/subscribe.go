package router

import (
	"time"

	"github.com/someipd/someipd/internal/registry"
	"github.com/someipd/someipd/internal/wire"
)

// Subscribe handles an eventgroup subscription request from client,
// per spec.md §4.5. If the eventgroup belongs to a locally-offered
// service, the accept/reject decision is made synchronously by the
// manager's HostApplication; the owning application is not asked over
// local transport. If the service is not yet known, the subscriber is
// parked in the pending set until it is. For a known remote service the
// subscription is recorded on the eventgroup; no SubscribeEventgroup SD
// entry is sent from here.
func (m *Manager) Subscribe(client wire.ClientID, service wire.ServiceID, instance wire.InstanceID, eventgroup wire.EventgroupID, major wire.MajorVersion, ttl wire.TTL) {
	key := registry.ServiceKey{Service: service, Instance: instance}
	gkey := registry.EventgroupKey{ServiceKey: key, Eventgroup: eventgroup}

	s, ok := m.reg.FindService(key)
	if !ok {
		m.parkPendingSubscription(gkey, client, major)
		return
	}

	if s.IsLocal {
		accept := m.host.AcceptSubscribe(client, service, instance, eventgroup)
		m.replyToSubscriber(client, gkey, major, accept, ttl)
		if accept {
			g := m.reg.FindOrCreateEventgroup(gkey)
			for event := range g.Events {
				if e, ok := m.reg.FindEvent(registry.EventKey{ServiceKey: key, Event: event}); ok {
					e.Subscribe(client)
				}
			}
		}
		return
	}

	// Remote service: record the subscription locally only. The SD
	// engine's SubscribeEventgroupAck/Nack handling
	// (HandleSubscribeEventgroup, driven by incoming entries from the
	// remote side) is for services *we* offer; nothing here emits a
	// SubscribeEventgroup entry to the remote provider.
	g := m.reg.FindOrCreateEventgroup(gkey)
	g.UpdateRemoteSubscription(client, nil, nil, time.Now().Add(ttlDuration(ttl)))
}

// ttlDuration converts a wire TTL (seconds, or TTLForever) to a
// time.Duration, treating TTLForever as effectively unbounded.
func ttlDuration(ttl wire.TTL) time.Duration {
	if ttl == wire.TTLForever {
		return 365 * 24 * time.Hour
	}
	return time.Duration(ttl) * time.Second
}

// parkPendingSubscription holds a subscribe() call for a not-yet-known
// service instance until handleRemoteAvailable (or a local
// OfferService) resolves it.
func (m *Manager) parkPendingSubscription(key registry.EventgroupKey, client wire.ClientID, major wire.MajorVersion) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pendingSubs[key] = append(m.pendingSubs[key], pendingSubscriber{client: client, major: major})
}

// replayPendingSubscriptions re-drives every subscribe() call parked
// for instances of key once it becomes available, whether through a
// local OfferService or a remote Offer arriving over SD.
func (m *Manager) replayPendingSubscriptions(key registry.ServiceKey) {
	m.mu.Lock()
	var toReplay []registry.EventgroupKey
	for gkey := range m.pendingSubs {
		if gkey.ServiceKey == key {
			toReplay = append(toReplay, gkey)
		}
	}
	m.mu.Unlock()

	for _, gkey := range toReplay {
		m.mu.Lock()
		subs := m.pendingSubs[gkey]
		delete(m.pendingSubs, gkey)
		m.mu.Unlock()
		for _, p := range subs {
			m.Subscribe(p.client, gkey.Service, gkey.Instance, gkey.Eventgroup, p.major, wire.TTLForever)
		}
	}
}

// replyToSubscriber sends a Subscribe-Ack or Subscribe-Nack back to
// client over its local endpoint, encoded as a data frame the way
// every other local-transport message is.
func (m *Manager) replyToSubscriber(client wire.ClientID, key registry.EventgroupKey, major wire.MajorVersion, accept bool, ttl wire.TTL) {
	ep, ok := m.eps.LookupLocal(client)
	if !ok {
		return
	}
	code := wire.EOk
	if !accept {
		code = wire.ENotOk
	}
	msg := wire.Message{Header: wire.Header{
		ServiceID:        key.Service,
		ProtocolVersion:  wire.ProtocolVersion,
		InterfaceVersion: major,
		MessageType:      wire.MessageTypeResponse,
		ReturnCode:       code,
	}}
	ep.Send(msg.Encode())
}

// Unsubscribe removes client's subscription to an eventgroup. If it
// was the last subscriber, cached event payloads for the eventgroup's
// members are left in the field cache (spec.md only requires
// invalidation on stop-offer) but, for a remote service, a
// StopSubscribeEventgroup is owed on the wire — callers that own an SD
// transport pass that through their own Engine; this manager records
// the local bookkeeping side.
func (m *Manager) Unsubscribe(client wire.ClientID, service wire.ServiceID, instance wire.InstanceID, eventgroup wire.EventgroupID) {
	key := registry.ServiceKey{Service: service, Instance: instance}
	gkey := registry.EventgroupKey{ServiceKey: key, Eventgroup: eventgroup}
	g, ok := m.reg.FindEventgroup(gkey)
	if !ok {
		return
	}
	g.RemoveRemoteSubscription(client)
	for event := range g.Events {
		if e, ok := m.reg.FindEvent(registry.EventKey{ServiceKey: key, Event: event}); ok {
			e.Unsubscribe(client)
		}
	}
}

// acceptRemoteSubscribe is internal/sd.Engine's AcceptSubscriptionFunc:
// it asks the same HostApplication a local Subscribe() would, since a
// remote subscriber to a locally-offered service is indistinguishable
// from a local one at the application boundary.
func (m *Manager) acceptRemoteSubscribe(key registry.EventgroupKey, client wire.ClientID) bool {
	return m.host.AcceptSubscribe(client, key.Service, key.Instance, key.Eventgroup)
}
