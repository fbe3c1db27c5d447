// Package registry holds the service registry: the service-instance,
// eventgroup, and event tables the routing manager consults on every
// offer, subscribe, and send.
package registry

import (
	"fmt"
	"sync"
	"time"

	cache "github.com/patrickmn/go-cache"

	"github.com/someipd/someipd/internal/endpoint"
	"github.com/someipd/someipd/internal/wire"
)

// ServiceKey identifies a service instance.
type ServiceKey struct {
	Service  wire.ServiceID
	Instance wire.InstanceID
}

func (k ServiceKey) String() string {
	return fmt.Sprintf("%04x/%04x", k.Service, k.Instance)
}

// EventgroupKey identifies one eventgroup of a service instance.
type EventgroupKey struct {
	ServiceKey
	Eventgroup wire.EventgroupID
}

// EventKey identifies one event or field of a service instance.
type EventKey struct {
	ServiceKey
	Event wire.EventID
}

func (k EventKey) String() string {
	return fmt.Sprintf("%04x/%04x/%04x", k.Service, k.Instance, k.Event)
}

// SubscriptionState is a remote subscriber's negotiation state for one
// eventgroup, per spec.md §4.4.
type SubscriptionState int

const (
	NotSubscribed SubscriptionState = iota
	Subscribing
	Acknowledged
	Nacked
)

func (s SubscriptionState) String() string {
	switch s {
	case NotSubscribed:
		return "not-subscribed"
	case Subscribing:
		return "subscribing"
	case Acknowledged:
		return "acknowledged"
	case Nacked:
		return "nacked"
	default:
		return "unknown"
	}
}

// ErrNotFound is returned by Find* operations when the key is unknown.
var ErrNotFound = fmt.Errorf("registry: not found")

// ErrConflict is returned when offering an instance that is already
// bound to the opposite locality (spec.md §3 "never both simultaneously").
var ErrConflict = fmt.Errorf("registry: service is already offered with conflicting locality")

// ServiceInstance is the service-instance record of spec.md §3.
type ServiceInstance struct {
	Key ServiceKey

	Major wire.MajorVersion
	Minor wire.MinorVersion

	TTL        wire.TTL
	PreciseTTL time.Duration

	ReliableEndpoint   endpoint.Endpoint
	UnreliableEndpoint endpoint.Endpoint

	Requesters map[wire.ClientID]struct{}

	IsLocal     bool
	InMainPhase bool
}

// RemoteSubscription is one subscriber's negotiated subscription to an
// eventgroup, holding the endpoint definitions SD resolved and its
// expiration.
type RemoteSubscription struct {
	Client     wire.ClientID
	State      SubscriptionState
	Reliable   *endpoint.Key
	Unreliable *endpoint.Key
	Expiration time.Time
}

// Eventgroup is the eventgroup record of spec.md §3.
type Eventgroup struct {
	Key EventgroupKey

	Events map[wire.EventID]struct{}

	mu            sync.Mutex
	subscriptions map[wire.ClientID]*RemoteSubscription

	Selective         bool
	MulticastAddress  string
	MulticastPort     uint16
	SubscriptionLimit int
}

// UpdatePolicy governs when Event.UpdateAndGetFilteredSubscribers
// actually delivers a new payload to subscribers, per spec.md §4.4's
// debounce/change/epsilon filters.
type UpdatePolicy struct {
	// CycleTime, if non-zero, suppresses delivery more often than once
	// per interval (debounce).
	CycleTime time.Duration
	// ChangeResetsCycle restarts the debounce timer whenever a change
	// is delivered.
	ChangeResetsCycle bool
	// UpdateOnChange suppresses delivery of a payload byte-identical
	// to the last delivered one.
	UpdateOnChange bool
	// EpsilonChange, if set, suppresses delivery unless it reports a
	// meaningful difference from the last delivered payload (e.g. a
	// numeric field moved by more than a tolerance). nil disables this
	// filter.
	EpsilonChange func(old, new []byte) bool
}

// EventKind distinguishes a plain event from a field or a selective
// event, per spec.md §3.
type EventKind int

const (
	KindEvent EventKind = iota
	KindField
	KindSelective
)

// Reliability is the transport requirement of an event, per spec.md §3.
type Reliability int

const (
	ReliabilityUnknown Reliability = iota
	ReliabilityReliable
	ReliabilityUnreliable
	ReliabilityBoth
)

// Event is the event/field record of spec.md §3.
type Event struct {
	Key EventKey

	Kind        EventKind
	Reliability Reliability

	mu           sync.Mutex
	lastPayload  []byte
	lastDelivery time.Time
	subscribers  map[wire.ClientID]struct{}

	Policy UpdatePolicy

	ProviderShadow   bool
	CachePlaceholder bool
}

// Registry is the broker's single service registry instance. All
// state is protected by an internal RWMutex; callers never need their
// own locking.
type Registry struct {
	mu sync.RWMutex

	services    map[ServiceKey]*ServiceInstance
	eventgroups map[EventgroupKey]*Eventgroup
	events      map[EventKey]*Event

	// fieldCache holds the last-known payload for every field/event,
	// independent of Event.lastPayload, so a late subscriber's initial
	// get-request can be served even after the event record itself is
	// recreated by a fresh offer. No expiration: a field value lives
	// until the service is stopped and Registry.RemoveService clears it.
	fieldCache *cache.Cache
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		services:    make(map[ServiceKey]*ServiceInstance),
		eventgroups: make(map[EventgroupKey]*Eventgroup),
		events:      make(map[EventKey]*Event),
		fieldCache:  cache.New(cache.NoExpiration, 10*time.Minute),
	}
}

// CreateService creates a new service-instance record. It returns
// ErrConflict if the instance already exists bound to the opposite
// locality (spec.md §3's "never both simultaneously" invariant); an
// already-existing record of matching locality is returned unchanged.
func (r *Registry) CreateService(key ServiceKey, major wire.MajorVersion, minor wire.MinorVersion, isLocal bool) (*ServiceInstance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.services[key]; ok {
		if s.IsLocal != isLocal {
			return nil, ErrConflict
		}
		return s, nil
	}
	s := &ServiceInstance{
		Key:        key,
		Major:      major,
		Minor:      minor,
		TTL:        wire.TTLForever,
		Requesters: make(map[wire.ClientID]struct{}),
		IsLocal:    isLocal,
	}
	r.services[key] = s
	return s, nil
}

// FindService returns the service-instance record for key.
func (r *Registry) FindService(key ServiceKey) (*ServiceInstance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.services[key]
	return s, ok
}

// RemoveService deletes key's record along with every eventgroup and
// event belonging to it, and invalidates cached field payloads
// (spec.md scenario 5: stop-offer invalidates cached field values).
func (r *Registry) RemoveService(key ServiceKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.services, key)
	for k := range r.eventgroups {
		if k.ServiceKey == key {
			delete(r.eventgroups, k)
		}
	}
	for k := range r.events {
		if k.ServiceKey == key {
			delete(r.events, k)
			r.fieldCache.Delete(k.String())
		}
	}
}

// AllServices returns a snapshot of every tracked service instance,
// used by TTL expiry ticking and by the routing manager's SUSPENDED
// transition.
func (r *Registry) AllServices() []*ServiceInstance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*ServiceInstance, 0, len(r.services))
	for _, s := range r.services {
		out = append(out, s)
	}
	return out
}

// AddRequester records client as a requester of the service instance
// at key, creating a requesters-only placeholder record if the
// instance is not yet known (the service may be remote and not yet
// discovered).
func (r *Registry) AddRequester(key ServiceKey, client wire.ClientID) *ServiceInstance {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.services[key]
	if !ok {
		s = &ServiceInstance{Key: key, TTL: wire.TTLForever, Requesters: make(map[wire.ClientID]struct{})}
		r.services[key] = s
	}
	s.Requesters[client] = struct{}{}
	return s
}

// RemoveRequester removes client from key's requester set, reporting
// whether it was the last requester.
func (r *Registry) RemoveRequester(key ServiceKey, client wire.ClientID) (wasLast bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.services[key]
	if !ok {
		return false
	}
	delete(s.Requesters, client)
	return len(s.Requesters) == 0
}

// SetEndpoint assigns the reliable or unreliable server/client endpoint
// for a service instance.
func (r *Registry) SetEndpoint(key ServiceKey, reliable bool, ep endpoint.Endpoint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.services[key]
	if !ok {
		return
	}
	if reliable {
		s.ReliableEndpoint = ep
	} else {
		s.UnreliableEndpoint = ep
	}
}

// GetEndpoint returns the reliable or unreliable endpoint for a
// service instance, or nil if unset.
func (r *Registry) GetEndpoint(key ServiceKey, reliable bool) endpoint.Endpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.services[key]
	if !ok {
		return nil
	}
	if reliable {
		return s.ReliableEndpoint
	}
	return s.UnreliableEndpoint
}

// RegisterEvent creates (or returns the existing) event/field record.
func (r *Registry) RegisterEvent(key EventKey, kind EventKind, reliability Reliability, policy UpdatePolicy) *Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.events[key]; ok {
		return e
	}
	e := &Event{
		Key:         key,
		Kind:        kind,
		Reliability: reliability,
		Policy:      policy,
		subscribers: make(map[wire.ClientID]struct{}),
	}
	r.events[key] = e
	return e
}

// UnregisterEvent removes an event/field record.
func (r *Registry) UnregisterEvent(key EventKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.events, key)
	r.fieldCache.Delete(key.String())
}

// FindEvent returns the event/field record for key.
func (r *Registry) FindEvent(key EventKey) (*Event, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.events[key]
	return e, ok
}

// AllEvents returns a snapshot of every tracked event/field, used for
// the same client-loss cleanup as AllEventgroups.
func (r *Registry) AllEvents() []*Event {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Event, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e)
	}
	return out
}

// FindOrCreateEventgroup returns the existing eventgroup record for
// key, creating an empty one if needed.
func (r *Registry) FindOrCreateEventgroup(key EventgroupKey) *Eventgroup {
	r.mu.Lock()
	defer r.mu.Unlock()
	if g, ok := r.eventgroups[key]; ok {
		return g
	}
	g := &Eventgroup{
		Key:           key,
		Events:        make(map[wire.EventID]struct{}),
		subscriptions: make(map[wire.ClientID]*RemoteSubscription),
	}
	r.eventgroups[key] = g
	return g
}

// AllEventgroups returns a snapshot of every tracked eventgroup,
// used when a local-transport client is lost and every eventgroup must
// be checked for a subscription belonging to it.
func (r *Registry) AllEventgroups() []*Eventgroup {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Eventgroup, 0, len(r.eventgroups))
	for _, g := range r.eventgroups {
		out = append(out, g)
	}
	return out
}

// FindEventgroup returns the eventgroup record for key.
func (r *Registry) FindEventgroup(key EventgroupKey) (*Eventgroup, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.eventgroups[key]
	return g, ok
}

// AddEvent associates event with the eventgroup's member set.
func (g *Eventgroup) AddEvent(event wire.EventID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Events[event] = struct{}{}
}

// Subscribe adds client as a local subscriber of an event, for the
// loopback-notification path (spec.md scenario 1): local subscribers
// are tracked directly on the Event record rather than through a
// negotiated RemoteSubscription.
func (e *Event) Subscribe(client wire.ClientID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.subscribers[client] = struct{}{}
}

// Unsubscribe removes client from an event's local subscriber set,
// reporting whether it was the last one.
func (e *Event) Unsubscribe(client wire.ClientID) (wasLast bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.subscribers, client)
	return len(e.subscribers) == 0
}

// Subscribers returns a snapshot of an event's current local
// subscriber set.
func (e *Event) Subscribers() []wire.ClientID {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]wire.ClientID, 0, len(e.subscribers))
	for c := range e.subscribers {
		out = append(out, c)
	}
	return out
}

// UpdateAndGetFilteredSubscribers applies the event's debounce/change/
// epsilon filters to a new payload and, if the update passes, records
// it as the last-delivered payload and returns the subscriber set that
// must be notified. An update suppressed by a filter returns a nil
// slice and false; a delivered update with no subscribers returns an
// empty slice and true.
func (e *Event) UpdateAndGetFilteredSubscribers(payload []byte, now time.Time) (subscribers []wire.ClientID, delivered bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.Policy.UpdateOnChange && bytesEqual(e.lastPayload, payload) {
		return nil, false
	}
	if e.Policy.EpsilonChange != nil && e.lastPayload != nil && !e.Policy.EpsilonChange(e.lastPayload, payload) {
		return nil, false
	}
	if e.Policy.CycleTime > 0 && !e.lastDelivery.IsZero() && now.Sub(e.lastDelivery) < e.Policy.CycleTime {
		return nil, false
	}

	e.lastPayload = append([]byte(nil), payload...)
	if e.Policy.CycleTime == 0 || e.Policy.ChangeResetsCycle || e.lastDelivery.IsZero() {
		e.lastDelivery = now
	}

	out := make([]wire.ClientID, 0, len(e.subscribers))
	for c := range e.subscribers {
		out = append(out, c)
	}
	return out, true
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// SetFieldCache records the last-known payload of a field/event
// outside its Event record, with no expiration. RemoveService clears
// the cached payloads of the service it removes.
func (r *Registry) SetFieldCache(key EventKey, payload []byte) {
	r.fieldCache.Set(key.String(), append([]byte(nil), payload...), cache.NoExpiration)
}

// FieldCache returns the last cached payload for key, if any.
func (r *Registry) FieldCache(key EventKey) ([]byte, bool) {
	v, ok := r.fieldCache.Get(key.String())
	if !ok {
		return nil, false
	}
	return v.([]byte), true
}

// SubscriptionUpdateResult reports what UpdateRemoteSubscription did.
type SubscriptionUpdateResult int

const (
	SubscriptionNew SubscriptionUpdateResult = iota
	SubscriptionAdded
	SubscriptionUnchanged
)

// UpdateRemoteSubscription records or refreshes a remote subscriber's
// subscription to g, per spec.md §4.4. It reports whether this was a
// brand-new subscription, an existing one that gained no new state
// (a refresh), or genuinely new information.
func (g *Eventgroup) UpdateRemoteSubscription(client wire.ClientID, reliable, unreliable *endpoint.Key, expiration time.Time) SubscriptionUpdateResult {
	g.mu.Lock()
	defer g.mu.Unlock()
	existing, ok := g.subscriptions[client]
	if !ok {
		g.subscriptions[client] = &RemoteSubscription{
			Client: client, State: Acknowledged, Reliable: reliable, Unreliable: unreliable, Expiration: expiration,
		}
		return SubscriptionNew
	}
	existing.Expiration = expiration
	if existing.State != Acknowledged {
		existing.State = Acknowledged
		return SubscriptionAdded
	}
	return SubscriptionUnchanged
}

// RemoveRemoteSubscription removes client's subscription, reporting
// whether it was the last subscriber remaining for g.
func (g *Eventgroup) RemoveRemoteSubscription(client wire.ClientID) (wasLast bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.subscriptions, client)
	return len(g.subscriptions) == 0
}

// RemoteSubscriptions returns a snapshot of g's current remote
// subscriptions, used to resolve unicast notification targets.
func (g *Eventgroup) RemoteSubscriptions() []*RemoteSubscription {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]*RemoteSubscription, 0, len(g.subscriptions))
	for _, s := range g.subscriptions {
		out = append(out, s)
	}
	return out
}

// ExpireRemoteSubscriptions removes every remote subscription whose
// expiration has passed as of now, returning the removed clients.
func (g *Eventgroup) ExpireRemoteSubscriptions(now time.Time) []wire.ClientID {
	g.mu.Lock()
	defer g.mu.Unlock()
	var expired []wire.ClientID
	for client, s := range g.subscriptions {
		if !s.Expiration.IsZero() && now.After(s.Expiration) {
			expired = append(expired, client)
			delete(g.subscriptions, client)
		}
	}
	return expired
}
