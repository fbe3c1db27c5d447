package router

import (
	"context"

	"github.com/someipd/someipd/internal/endpoint"
	"github.com/someipd/someipd/internal/endpointmgr"
	"github.com/someipd/someipd/internal/registry"
	"github.com/someipd/someipd/internal/wire"
)

// handleRemoteAvailable is internal/sd.Engine's AvailabilityHandler: it
// fires once a remote OfferService is learned. Per spec.md §4.5, this
// creates the remote client endpoint for every requester already
// waiting, and replays any subscriptions parked for this instance.
func (m *Manager) handleRemoteAvailable(key registry.ServiceKey, major wire.MajorVersion, minor wire.MinorVersion, remoteAddr string) {
	m.mu.Lock()
	_, hasRequesters := m.requests[key]
	m.mu.Unlock()
	if !hasRequesters {
		return
	}
	if m.clientFactory == nil {
		m.log.WithField("instance", key.String()).Warn("remote service available but no client endpoint factory configured")
		return
	}

	ckey := endpointmgr.ClientKey{RemoteAddress: remoteAddr, Reliable: false}
	ep, err := m.eps.FindOrCreateClient(context.Background(), ckey, func() (endpoint.Endpoint, error) {
		return m.clientFactory(ckey)
	})
	if err != nil {
		m.log.WithError(err).WithField("instance", key.String()).Warn("failed to create remote client endpoint")
		return
	}
	m.reg.SetEndpoint(key, false, ep)

	m.mu.Lock()
	m.clientKeys[key] = ckey
	m.mu.Unlock()

	m.log.WithField("instance", key.String()).WithField("remote", remoteAddr).
		Info("remote service became available")
	m.replayPendingSubscriptions(key)
}

// handleRemoteUnavailable is internal/sd.Engine's UnavailabilityHandler:
// fires on an incoming StopOffer or local TTL expiry for a remote
// instance, per spec.md §4.6.
func (m *Manager) handleRemoteUnavailable(key registry.ServiceKey) {
	m.log.WithField("instance", key.String()).Info("remote service became unavailable")

	m.mu.Lock()
	ckey, hadClient := m.clientKeys[key]
	delete(m.clientKeys, key)
	m.mu.Unlock()
	if hadClient {
		m.eps.ReleaseClient(ckey)
	}
}

// handleClientDisconnect is the local-transport Broker's
// OnDisconnect callback: per spec.md §4.7/§4.5, loss of a connection
// is treated as death of the peer. Every offer and subscription owned
// by clientID is torn down, and any offer that was pending behind it
// (per the per-instance gate) is promoted on its next attempt since
// teardownOffer clears the instance's owner.
func (m *Manager) handleClientDisconnect(clientID wire.ClientID, cause error) {
	m.log.WithField("client", clientID).WithError(cause).Info("local client disconnected")

	m.mu.Lock()
	var owned []registry.ServiceKey
	for key, owner := range m.owners {
		if owner == clientID {
			owned = append(owned, key)
		}
	}
	m.mu.Unlock()
	for _, key := range owned {
		m.teardownOffer(key, clientID)
	}

	for _, g := range m.reg.AllEventgroups() {
		g.RemoveRemoteSubscription(clientID)
	}
	for _, e := range m.reg.AllEvents() {
		e.Unsubscribe(clientID)
	}

	m.mu.Lock()
	for key, reqs := range m.requests {
		delete(reqs, clientID)
		if len(reqs) == 0 {
			delete(m.requests, key)
		}
	}
	m.mu.Unlock()

	m.eps.ReleaseLocal(clientID)
}
