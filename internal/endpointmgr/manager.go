// Package endpointmgr maintains the four endpoint indices the routing
// manager needs: server endpoints by (port, reliable), client
// endpoints by (remote address, remote port, reliable), local
// endpoints by client id, and multicast group memberships by
// (service, instance, group address).
package endpointmgr

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/someipd/someipd/internal/endpoint"
	"github.com/someipd/someipd/internal/wire"
)

// ServerKey identifies a server endpoint: one per local port/protocol
// pair, shared by every service instance offered on it.
type ServerKey struct {
	Port     uint16
	Reliable bool
}

func (k ServerKey) String() string {
	proto := "udp"
	if k.Reliable {
		proto = "tcp"
	}
	return fmt.Sprintf("%s:%d", proto, k.Port)
}

// ClientKey identifies a client endpoint connecting out to one remote
// service instance.
type ClientKey struct {
	RemoteAddress string
	RemotePort    uint16
	Reliable      bool
}

func (k ClientKey) String() string {
	proto := "udp"
	if k.Reliable {
		proto = "tcp"
	}
	return fmt.Sprintf("%s:%s:%d", proto, k.RemoteAddress, k.RemotePort)
}

// MulticastKey identifies a multicast group membership a service
// instance's eventgroup requires.
type MulticastKey struct {
	Service  wire.ServiceID
	Instance wire.InstanceID
	Group    string
}

// Factory constructs (but does not Start) the endpoint for a
// find-or-create miss. The manager starts it under the same lock that
// published it, so concurrent callers for the same key always observe
// either no endpoint or a started one.
type Factory func() (endpoint.Endpoint, error)

type entry struct {
	ep   endpoint.Endpoint
	refs int
}

// groupEntry tracks one server endpoint's joined multicast groups
// with a refcount, so the last requester's release is what actually
// leaves the group.
type groupEntry struct {
	server *endpoint.UDPServer
	refs   int
}

// Manager is the single find-or-create/release authority for every
// endpoint the routing manager touches. All four indices share one
// mutex: cross-index invariants (e.g. releasing the last client of a
// server) are simple to reason about at the cost of a single lock,
// matching spec.md §4.3's "find-or-create operations are atomic".
type Manager struct {
	log *logrus.Entry

	mu      sync.Mutex
	servers map[ServerKey]*entry
	clients map[ClientKey]*entry
	locals  map[wire.ClientID]*entry
	groups  map[MulticastKey]*groupEntry
}

// New creates an empty Manager. log may be nil, in which case the
// standard logger is used.
func New(log *logrus.Entry) *Manager {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Manager{
		log:     log.WithField("component", "endpointmgr"),
		servers: make(map[ServerKey]*entry),
		clients: make(map[ClientKey]*entry),
		locals:  make(map[wire.ClientID]*entry),
		groups:  make(map[MulticastKey]*groupEntry),
	}
}

// FindOrCreateServer returns the existing server endpoint for key, or
// builds one via factory, starts it, and publishes it. The returned
// endpoint's reference count is incremented exactly once per call;
// callers must pair every successful call with ReleaseServer.
func (m *Manager) FindOrCreateServer(ctx context.Context, key ServerKey, factory Factory) (endpoint.Endpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.servers[key]; ok {
		e.refs++
		e.ep.IncRefs()
		return e.ep, nil
	}
	ep, err := factory()
	if err != nil {
		return nil, fmt.Errorf("endpointmgr: create server %s: %w", key, err)
	}
	if err := ep.Start(ctx); err != nil {
		return nil, fmt.Errorf("endpointmgr: start server %s: %w", key, err)
	}
	e := &entry{ep: ep, refs: 1}
	ep.IncRefs()
	m.servers[key] = e
	m.log.WithField("key", key.String()).Info("server endpoint created")
	return ep, nil
}

// ReleaseServer decrements key's reference count; when it reaches
// zero, the endpoint is gracefully prepared-stopped and removed.
func (m *Manager) ReleaseServer(key ServerKey) {
	m.mu.Lock()
	e, ok := m.servers[key]
	if !ok {
		m.mu.Unlock()
		return
	}
	e.refs--
	e.ep.DecRefs()
	remove := e.refs <= 0
	if remove {
		delete(m.servers, key)
	}
	m.mu.Unlock()

	if remove {
		m.log.WithField("key", key.String()).Info("server endpoint use count reached zero, stopping")
		e.ep.PrepareStop(nil)
	}
}

// FindOrCreateClient returns the existing client endpoint for key, or
// builds and starts one via factory.
func (m *Manager) FindOrCreateClient(ctx context.Context, key ClientKey, factory Factory) (endpoint.Endpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.clients[key]; ok {
		e.refs++
		e.ep.IncRefs()
		return e.ep, nil
	}
	ep, err := factory()
	if err != nil {
		return nil, fmt.Errorf("endpointmgr: create client %s: %w", key, err)
	}
	if err := ep.Start(ctx); err != nil {
		return nil, fmt.Errorf("endpointmgr: start client %s: %w", key, err)
	}
	e := &entry{ep: ep, refs: 1}
	ep.IncRefs()
	m.clients[key] = e
	m.log.WithField("key", key.String()).Info("client endpoint created")
	return ep, nil
}

// ReleaseClient decrements key's reference count and tears down the
// endpoint once unused.
func (m *Manager) ReleaseClient(key ClientKey) {
	m.mu.Lock()
	e, ok := m.clients[key]
	if !ok {
		m.mu.Unlock()
		return
	}
	e.refs--
	e.ep.DecRefs()
	remove := e.refs <= 0
	if remove {
		delete(m.clients, key)
	}
	m.mu.Unlock()

	if remove {
		m.log.WithField("key", key.String()).Info("client endpoint use count reached zero, stopping")
		e.ep.PrepareStop(nil)
	}
}

// FindOrCreateLocal returns the existing local (virtual) endpoint for
// clientID, or builds one via factory.
func (m *Manager) FindOrCreateLocal(ctx context.Context, clientID wire.ClientID, factory Factory) (endpoint.Endpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.locals[clientID]; ok {
		e.refs++
		e.ep.IncRefs()
		return e.ep, nil
	}
	ep, err := factory()
	if err != nil {
		return nil, fmt.Errorf("endpointmgr: create local endpoint for client 0x%04x: %w", clientID, err)
	}
	if err := ep.Start(ctx); err != nil {
		return nil, fmt.Errorf("endpointmgr: start local endpoint for client 0x%04x: %w", clientID, err)
	}
	e := &entry{ep: ep, refs: 1}
	ep.IncRefs()
	m.locals[clientID] = e
	return ep, nil
}

// ReleaseLocal decrements clientID's reference count and removes the
// endpoint once unused, typically when local transport detects the
// owning application disconnected.
func (m *Manager) ReleaseLocal(clientID wire.ClientID) {
	m.mu.Lock()
	e, ok := m.locals[clientID]
	if !ok {
		m.mu.Unlock()
		return
	}
	e.refs--
	e.ep.DecRefs()
	remove := e.refs <= 0
	if remove {
		delete(m.locals, clientID)
	}
	m.mu.Unlock()
	if remove {
		_ = e.ep.Stop()
	}
}

// LookupLocal returns the local endpoint for clientID without
// affecting its reference count, or ok=false if none is registered.
func (m *Manager) LookupLocal(clientID wire.ClientID) (endpoint.Endpoint, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.locals[clientID]
	if !ok {
		return nil, false
	}
	return e.ep, true
}

// JoinGroup joins group on server on behalf of key, refcounting the
// membership so the same server/group pair required by multiple
// eventgroups is joined once and left once the last requester departs.
func (m *Manager) JoinGroup(key MulticastKey, server *endpoint.UDPServer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if g, ok := m.groups[key]; ok {
		g.refs++
		return nil
	}
	ip := net.ParseIP(key.Group)
	if ip == nil {
		return fmt.Errorf("endpointmgr: invalid multicast group %q", key.Group)
	}
	if err := server.JoinGroup(ip); err != nil {
		return fmt.Errorf("endpointmgr: join group %s: %w", key.Group, err)
	}
	m.groups[key] = &groupEntry{server: server, refs: 1}
	return nil
}

// LeaveGroup decrements key's refcount, leaving the multicast group on
// its server once no eventgroup still needs it.
func (m *Manager) LeaveGroup(key MulticastKey) error {
	m.mu.Lock()
	g, ok := m.groups[key]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	g.refs--
	remove := g.refs <= 0
	if remove {
		delete(m.groups, key)
	}
	m.mu.Unlock()

	if remove {
		ip := net.ParseIP(key.Group)
		if ip == nil {
			return fmt.Errorf("endpointmgr: invalid multicast group %q", key.Group)
		}
		return g.server.LeaveGroup(ip)
	}
	return nil
}

// Shutdown prepare-stops every endpoint currently tracked, used when
// the routing manager transitions to SUSPENDED or is torn down
// entirely.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	var eps []endpoint.Endpoint
	for k, e := range m.servers {
		eps = append(eps, e.ep)
		delete(m.servers, k)
	}
	for k, e := range m.clients {
		eps = append(eps, e.ep)
		delete(m.clients, k)
	}
	for k, e := range m.locals {
		eps = append(eps, e.ep)
		delete(m.locals, k)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, ep := range eps {
		wg.Add(1)
		ep.PrepareStop(func() { wg.Done() })
	}
	wg.Wait()
}

// ServerCount reports the number of distinct server endpoints
// currently tracked, used by statistics.
func (m *Manager) ServerCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.servers)
}

// ClientCount reports the number of distinct client endpoints
// currently tracked, used by statistics.
func (m *Manager) ClientCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.clients)
}
