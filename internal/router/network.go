package router

import (
	"context"

	"github.com/someipd/someipd/internal/endpoint"
	"github.com/someipd/someipd/internal/endpointmgr"
	"github.com/someipd/someipd/internal/registry"
	"github.com/someipd/someipd/internal/wire"
)

// PortBinding names the network port and transport a locally-offered
// service instance is reachable on.
type PortBinding struct {
	Port     uint16
	Reliable bool
}

// PortResolver maps a service instance to its configured port
// binding(s), the way vsomeip's configuration file binds a
// (service, instance) to a TCP/UDP port. A service may be reachable on
// both transports, in which case the resolver is consulted for each.
type PortResolver func(service wire.ServiceID, instance wire.InstanceID) []PortBinding

// WithPortResolver installs the service-instance-to-port mapping used
// by OfferService to create/find the matching server endpoints when
// the network is up.
func WithPortResolver(r PortResolver) Option {
	return func(m *Manager) error { m.ports = r; return nil }
}

// SetNetworkUp flips the manager's network-availability flag. While
// down, OfferService records the instance for later and returns
// without creating server endpoints, per spec.md §4.5's "or queues the
// init until it comes up"; SetNetworkUp(true) drains that queue.
func (m *Manager) SetNetworkUp(up bool) {
	m.mu.Lock()
	m.networkUp = up
	var queued []registry.ServiceKey
	if up {
		queued = append(queued, m.networkQueue...)
		m.networkQueue = nil
	}
	m.mu.Unlock()

	for _, key := range queued {
		m.ensureServerEndpoints(key)
	}
}

// ensureServerEndpoints creates (or finds) the server endpoint(s) a
// locally-offered instance needs, per its PortResolver bindings. If
// the network is down or no resolver/server factory is configured, the
// instance is queued for SetNetworkUp(true) to pick up later.
func (m *Manager) ensureServerEndpoints(key registry.ServiceKey) {
	m.mu.Lock()
	up := m.networkUp
	if !up || m.ports == nil || m.serverFactory == nil {
		m.networkQueue = append(m.networkQueue, key)
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	for _, binding := range m.ports(key.Service, key.Instance) {
		skey := endpointmgr.ServerKey{Port: binding.Port, Reliable: binding.Reliable}
		ep, err := m.eps.FindOrCreateServer(context.Background(), skey, func() (endpoint.Endpoint, error) {
			return m.serverFactory(skey)
		})
		if err != nil {
			m.log.WithError(err).WithField("instance", key.String()).Warn("failed to create server endpoint")
			continue
		}
		m.reg.SetEndpoint(key, binding.Reliable, ep)
	}
}
