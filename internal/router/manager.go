// Package router implements the routing manager of spec.md §4.5: the
// component that owns every service-instance/eventgroup/event
// lifecycle decision, demultiplexes SOME/IP messages between local
// applications and the network, and arbitrates conflicting local
// offers. It is deliberately the one package that imports
// internal/registry, internal/endpointmgr, internal/sd, and
// internal/localtransport together — every other package is wired
// through one of those, narrower, seams.
package router

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/someipd/someipd/internal/capability"
	"github.com/someipd/someipd/internal/endpoint"
	"github.com/someipd/someipd/internal/endpointmgr"
	"github.com/someipd/someipd/internal/localtransport"
	"github.com/someipd/someipd/internal/registry"
	"github.com/someipd/someipd/internal/sd"
	"github.com/someipd/someipd/internal/wire"
)

// ServerFactory builds (but does not start) the server endpoint for a
// find-or-create miss; the caller supplies one via WithServerFactory
// since only the daemon's configuration layer knows bind addresses.
type ServerFactory func(key endpointmgr.ServerKey) (endpoint.Endpoint, error)

// ClientFactory builds the outbound client endpoint for a remote
// service instance.
type ClientFactory func(key endpointmgr.ClientKey) (endpoint.Endpoint, error)

// LocalFactory builds the virtual (process-local) endpoint backing a
// connected application's client-id.
type LocalFactory func(clientID wire.ClientID) (endpoint.Endpoint, error)

// Manager is the routing manager: offer/stop-offer/request/release,
// subscribe/unsubscribe, send/on-message, pending-offer arbitration,
// and the RUNNING/SUSPENDED/RESUMED/DIAGNOSIS state machine.
//
// Grounded on responder.Responder's orchestration shape: a struct
// owning sub-components, built via New(ctx, ...Option), with the
// functional options applied in order before anything starts.
type Manager struct {
	reg     *registry.Registry
	eps     *endpointmgr.Manager
	sd      *sd.Engine
	broker  *localtransport.Broker
	log     *logrus.Entry

	security capability.SecurityPolicy
	e2e      capability.E2EProvider
	secoc    capability.SecOCRuntime
	host     capability.HostApplication

	serverFactory ServerFactory
	clientFactory ClientFactory
	localFactory  LocalFactory
	sdTransport   sd.Sender
	ports         PortResolver

	networkUp    bool
	networkQueue []registry.ServiceKey

	pingTimeout time.Duration

	state atomic.Int32

	mu              sync.Mutex
	owners          map[registry.ServiceKey]wire.ClientID
	gates           map[registry.ServiceKey]*offerGate
	requests        map[registry.ServiceKey]map[wire.ClientID]struct{}
	clientKeys      map[registry.ServiceKey]endpointmgr.ClientKey
	suspendedOffers []serviceOffer

	pendingSubs map[registry.EventgroupKey][]pendingSubscriber

	pongMu      sync.Mutex
	pongWaiters map[string]chan struct{}
}

// pendingSubscriber is a local subscribe() call parked until its
// remote service instance becomes available, per spec.md §4.5.
type pendingSubscriber struct {
	client  wire.ClientID
	event   wire.EventID
	major   wire.MajorVersion
	filter  []byte
}

// Option configures a Manager at construction, following the
// functional-options pattern used throughout internal/endpoint and
// internal/localtransport.
type Option func(*Manager) error

// WithSecurityPolicy installs the offer/request/send decision point.
// Defaults to capability.AllowAll.
func WithSecurityPolicy(p capability.SecurityPolicy) Option {
	return func(m *Manager) error { m.security = p; return nil }
}

// WithE2EProvider installs the E2E protect/check capability. Defaults
// to capability.NoopE2E.
func WithE2EProvider(p capability.E2EProvider) Option {
	return func(m *Manager) error { m.e2e = p; return nil }
}

// WithSecOCRuntime installs the SecOC sign/verify capability. Defaults
// to capability.NoopSecOC.
func WithSecOCRuntime(r capability.SecOCRuntime) Option {
	return func(m *Manager) error { m.secoc = r; return nil }
}

// WithHostApplication installs the default in-process subscribe-accept
// capability, used for services with no local-transport connection at
// all. Defaults to capability.AcceptAllSubscriptions.
func WithHostApplication(h capability.HostApplication) Option {
	return func(m *Manager) error { m.host = h; return nil }
}

// WithBroker attaches the local-transport broker, wiring its
// Dispatcher callbacks to the manager's operations. Required for any
// local application connectivity.
func WithBroker(b *localtransport.Broker) Option {
	return func(m *Manager) error {
		m.broker = b
		return nil
	}
}

// WithServerFactory installs the server-endpoint constructor.
func WithServerFactory(f ServerFactory) Option {
	return func(m *Manager) error { m.serverFactory = f; return nil }
}

// WithClientFactory installs the client-endpoint constructor.
func WithClientFactory(f ClientFactory) Option {
	return func(m *Manager) error { m.clientFactory = f; return nil }
}

// WithLocalFactory installs the virtual-endpoint constructor.
func WithLocalFactory(f LocalFactory) Option {
	return func(m *Manager) error { m.localFactory = f; return nil }
}

// WithPingTimeout bounds how long the dup-offer arbitration waits for
// a pong before promoting the challenger. Defaults to 500ms.
func WithPingTimeout(d time.Duration) Option {
	return func(m *Manager) error { m.pingTimeout = d; return nil }
}

// WithLogger attaches a component-scoped logger.
func WithLogger(log *logrus.Entry) Option {
	return func(m *Manager) error { m.log = log; return nil }
}

// New creates a Manager bound to reg/eps/sdEngine, applying opts in
// order. If a Broker was attached via WithBroker, its Dispatcher is
// wired to the manager's operations before returning.
func New(reg *registry.Registry, eps *endpointmgr.Manager, sdEngine *sd.Engine, opts ...Option) (*Manager, error) {
	m := &Manager{
		reg:         reg,
		eps:         eps,
		sd:          sdEngine,
		security:    capability.AllowAll{},
		e2e:         capability.NoopE2E{},
		secoc:       capability.NoopSecOC{},
		host:        capability.AcceptAllSubscriptions{},
		pingTimeout: 500 * time.Millisecond,
		owners:      make(map[registry.ServiceKey]wire.ClientID),
		gates:       make(map[registry.ServiceKey]*offerGate),
		requests:    make(map[registry.ServiceKey]map[wire.ClientID]struct{}),
		clientKeys:  make(map[registry.ServiceKey]endpointmgr.ClientKey),
		pendingSubs: make(map[registry.EventgroupKey][]pendingSubscriber),
		pongWaiters: make(map[string]chan struct{}),
	}
	for _, opt := range opts {
		if err := opt(m); err != nil {
			return nil, &Error{Op: "new", Err: err}
		}
	}
	if m.log == nil {
		m.log = logrus.NewEntry(logrus.StandardLogger())
	}
	m.log = m.log.WithField("component", "router")

	sdEngine.OnAvailable = m.handleRemoteAvailable
	sdEngine.OnUnavailable = m.handleRemoteUnavailable
	sdEngine.AcceptSubscribe = m.acceptRemoteSubscribe

	if m.broker != nil {
		m.wireDispatcher()
	}

	return m, nil
}

func (m *Manager) gateFor(key registry.ServiceKey) *offerGate {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.gates[key]
	if !ok {
		g = &offerGate{}
		m.gates[key] = g
	}
	return g
}

// OfferService claims instance for client, per spec.md §4.5. It is
// serialized against a concurrent StopOfferService for the same
// instance by a per-instance gate; whether this call acquired the gate
// immediately ("must process now") or waited behind an in-flight
// offer/stop-offer is logged, not returned.
func (m *Manager) OfferService(client wire.ClientID, service wire.ServiceID, instance wire.InstanceID, major wire.MajorVersion, minor wire.MinorVersion) error {
	key := registry.ServiceKey{Service: service, Instance: instance}

	if !m.security.AllowOffer(client, service, instance) {
		m.log.WithField("instance", key.String()).Debug("offer denied by security policy")
		return &Error{Op: "offer-service", Err: ErrPermissionDenied}
	}

	gate := m.gateFor(key)
	mustProcessNow := gate.acquire()
	defer gate.release()
	m.log.WithField("instance", key.String()).WithField("immediate", mustProcessNow).Debug("offer-service gate acquired")

	m.mu.Lock()
	owner, taken := m.owners[key]
	m.mu.Unlock()

	if taken && owner != client {
		if m.probeOwnerAlive(owner) {
			return &Error{Op: "offer-service", Err: ErrInstanceTaken, Details: key.String()}
		}
		m.log.WithField("instance", key.String()).WithField("prior-owner", owner).
			Info("prior local offer's owner did not respond, promoting challenger")
		m.teardownOffer(key, owner)
	}

	if existing, ok := m.reg.FindService(key); ok && !existing.IsLocal {
		return &Error{Op: "offer-service", Err: ErrRemoteOffered, Details: key.String()}
	}

	if _, err := m.reg.CreateService(key, major, minor, true); err != nil {
		return &Error{Op: "offer-service", Err: err, Details: key.String()}
	}

	m.mu.Lock()
	m.owners[key] = client
	m.mu.Unlock()

	m.ensureServerEndpoints(key)
	m.startOfferMachine(key, major)
	m.replayPendingSubscriptions(key)

	m.log.WithField("instance", key.String()).WithField("client", client).Info("service offered")
	return nil
}

// startOfferMachine creates (if needed) and starts the SD Machine that
// cyclically announces the instance, using the endpoint manager's
// server factory when the network is up.
func (m *Manager) startOfferMachine(key registry.ServiceKey, major wire.MajorVersion) {
	machine := m.sd.Machine(key, sd.RoleOffer, m.sdSender(), func() wire.SDMessage {
		return m.buildOfferMessage(key, major)
	}, nil)
	machine.Start(context.Background())
}

// StopOfferService withdraws client's offer of instance, tearing down
// server endpoints and emitting SD StopOffer. Per spec.md §4.5 the
// pending-offer queue (the per-instance gate) is only released once
// this completes.
func (m *Manager) StopOfferService(client wire.ClientID, service wire.ServiceID, instance wire.InstanceID) error {
	key := registry.ServiceKey{Service: service, Instance: instance}
	gate := m.gateFor(key)
	gate.acquire()
	defer gate.release()

	m.mu.Lock()
	owner, ok := m.owners[key]
	m.mu.Unlock()
	if !ok {
		return &Error{Op: "stop-offer-service", Err: ErrNotOffered, Details: key.String()}
	}
	if owner != client {
		return &Error{Op: "stop-offer-service", Err: ErrWrongOwner, Details: key.String()}
	}

	if s, found := m.reg.FindService(key); found {
		stop := m.buildOfferMessage(key, s.Major)
		for i := range stop.Entries {
			stop.Entries[i].TTL = 0
		}
		if err := m.sdSender().SendMulticast(stop); err != nil {
			m.log.WithError(err).WithField("instance", key.String()).Warn("failed to send StopOffer")
		}
	}
	m.teardownOffer(key, client)
	m.log.WithField("instance", key.String()).Info("offer stopped")
	return nil
}

// teardownOffer is the shared offer-withdrawal path used by both an
// explicit StopOfferService and dup-offer promotion.
func (m *Manager) teardownOffer(key registry.ServiceKey, owner wire.ClientID) {
	m.sd.RemoveMachine(key)

	if m.ports != nil {
		for _, binding := range m.ports(key.Service, key.Instance) {
			m.eps.ReleaseServer(endpointmgr.ServerKey{Port: binding.Port, Reliable: binding.Reliable})
		}
	}

	m.reg.RemoveService(key)

	m.mu.Lock()
	delete(m.owners, key)
	m.mu.Unlock()
}

// RequestService records client's interest in a service instance. If
// the instance is already known, the client is added to its requester
// set and, for a remote instance, a client endpoint is ensured; for an
// instance not yet known the requester is recorded so SD's
// availability callback can pick it up once discovered.
func (m *Manager) RequestService(client wire.ClientID, service wire.ServiceID, instance wire.InstanceID, major wire.MajorVersion, minor wire.MinorVersion) error {
	if !m.security.AllowRequest(client, service, instance) {
		return &Error{Op: "request-service", Err: ErrPermissionDenied}
	}
	key := registry.ServiceKey{Service: service, Instance: instance}
	s := m.reg.AddRequester(key, client)

	m.mu.Lock()
	reqs, ok := m.requests[key]
	if !ok {
		reqs = make(map[wire.ClientID]struct{})
		m.requests[key] = reqs
	}
	reqs[client] = struct{}{}
	m.mu.Unlock()

	if s.IsLocal {
		// Same-host service: wire the requester up over local transport
		// directly, no network client endpoint needed.
		return nil
	}

	if s.ReliableEndpoint == nil && s.UnreliableEndpoint == nil {
		// Not yet discovered; SD's FindService cycle (role RoleFind)
		// picks this up once started by the caller's configuration, and
		// handleRemoteAvailable finishes the wiring when an Offer
		// arrives.
		m.ensureFindMachine(key, major)
	}
	return nil
}

func (m *Manager) ensureFindMachine(key registry.ServiceKey, major wire.MajorVersion) {
	machine := m.sd.Machine(key, sd.RoleFind, m.sdSender(), nil, func() wire.SDMessage {
		return m.buildFindMessage(key, major)
	})
	machine.Start(context.Background())
}

// ReleaseService removes client from instance's requester set. Once
// the last requester is gone, the instance's SD machine is removed and
// the remote client endpoint recorded for it is released. Eventgroup
// subscriptions and cached event payloads are left as they are.
func (m *Manager) ReleaseService(client wire.ClientID, service wire.ServiceID, instance wire.InstanceID) error {
	key := registry.ServiceKey{Service: service, Instance: instance}
	wasLast := m.reg.RemoveRequester(key, client)

	m.mu.Lock()
	if reqs, ok := m.requests[key]; ok {
		delete(reqs, client)
		if len(reqs) == 0 {
			delete(m.requests, key)
		}
	}
	m.mu.Unlock()

	if !wasLast {
		return nil
	}

	m.sd.RemoveMachine(key)

	m.mu.Lock()
	ckey, hadClient := m.clientKeys[key]
	delete(m.clientKeys, key)
	m.mu.Unlock()
	if hadClient {
		m.eps.ReleaseClient(ckey)
	}
	return nil
}
