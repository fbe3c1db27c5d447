package sd

import (
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/someipd/someipd/internal/endpoint"
	"github.com/someipd/someipd/internal/registry"
	"github.com/someipd/someipd/internal/wire"
)

// AvailabilityHandler is invoked when the engine learns a remote
// service instance became available or unavailable, per spec.md
// §4.6's subscription bookkeeping. The routing manager uses this to
// create remote client endpoints and replay pending subscriptions.
type AvailabilityHandler func(key registry.ServiceKey, major wire.MajorVersion, minor wire.MinorVersion, remoteAddr string)

// UnavailabilityHandler is invoked on OfferService TTL=0 (del-routing-info).
type UnavailabilityHandler func(key registry.ServiceKey)

// AcceptSubscriptionFunc asks the routing manager whether a remote
// subscribe to an eventgroup of a locally-offered service should be
// accepted.
type AcceptSubscriptionFunc func(key registry.EventgroupKey, client wire.ClientID) bool

// Engine is the broker-wide SD processor: it owns one Machine per
// tracked service instance, reboot detection across all senders, and
// translates incoming SD entries into registry updates plus
// routing-manager callbacks.
type Engine struct {
	cfg  Config
	reg  *registry.Registry
	log  *logrus.Entry
	boot *RebootTracker

	mu       sync.Mutex
	machines map[registry.ServiceKey]*Machine

	OnAvailable       AvailabilityHandler
	OnUnavailable     UnavailabilityHandler
	AcceptSubscribe   AcceptSubscriptionFunc

	sessionMu sync.Mutex
	session   wire.SessionID
	reboot    bool
}

// NewEngine creates an Engine bound to reg, using cfg's SD timing knobs.
func NewEngine(cfg Config, reg *registry.Registry, log *logrus.Entry) *Engine {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Engine{
		cfg:      cfg,
		reg:      reg,
		log:      log.WithField("component", "sd"),
		boot:     NewRebootTracker(),
		machines: make(map[registry.ServiceKey]*Machine),
		reboot:   true,
	}
}

// NextSession returns the next outgoing session id and clears the
// reboot flag after the first message (the flag is only set on SD
// messages sent since this process started, per spec.md §4.6).
func (e *Engine) NextSession() (wire.SessionID, bool) {
	e.sessionMu.Lock()
	defer e.sessionMu.Unlock()
	e.session++
	if e.session == 0 {
		e.session = 1
	}
	reboot := e.reboot
	e.reboot = false
	return e.session, reboot
}

// Machine returns the Machine for key, creating it (in RoleOffer or
// RoleFind, Inactive) if it does not yet exist.
func (e *Engine) Machine(key registry.ServiceKey, role Role, sender Sender, buildOffer, buildFind func() wire.SDMessage) *Machine {
	e.mu.Lock()
	defer e.mu.Unlock()
	if m, ok := e.machines[key]; ok {
		return m
	}
	m := NewMachine(key, role, e.cfg, sender, e.log, buildOffer, buildFind)
	e.machines[key] = m
	return m
}

// UnicastSupported reports whether this node advertises unicast support
// in its own outgoing OfferService/FindService messages, per its SD
// configuration. A nil Engine (as in a bare struct literal used for
// testing a caller in isolation) defaults to true, matching DefaultConfig.
func (e *Engine) UnicastSupported() bool {
	if e == nil {
		return true
	}
	return e.cfg.UnicastSupported
}

// RemoveMachine stops and forgets key's machine.
func (e *Engine) RemoveMachine(key registry.ServiceKey) {
	e.mu.Lock()
	m, ok := e.machines[key]
	delete(e.machines, key)
	e.mu.Unlock()
	if ok {
		m.Stop()
	}
}

// HandleOfferService applies an incoming OfferService/StopOffer entry
// to the registry, per spec.md §4.6's subscription bookkeeping.
// senderAddr is the remote IP the SD message arrived from; it is passed
// to OnAvailable as the remote endpoint address (the entry's endpoint
// options are not consulted here).
func (e *Engine) HandleOfferService(entry wire.Entry, senderAddr string) {
	key := registry.ServiceKey{Service: entry.ServiceID, Instance: entry.InstanceID}

	if entry.IsStop() {
		e.reg.RemoveService(key)
		if e.OnUnavailable != nil {
			e.OnUnavailable(key)
		}
		return
	}

	s, err := e.reg.CreateService(key, entry.Major, entry.MinorVersion, false)
	if err != nil {
		// A conflicting local offer wins; a remote announcement for an
		// instance we provide ourselves is simply ignored.
		e.log.WithField("instance", key.String()).Warn("ignoring remote offer for a locally-provided instance")
		return
	}
	s.TTL = entry.TTL

	if e.OnAvailable != nil {
		e.OnAvailable(key, entry.Major, entry.MinorVersion, senderAddr)
	}
}

// HandleFindService answers an incoming FindService entry for a
// locally-offered instance, if one exists, via its Machine. find is
// the incoming SD message: the reply is the instance's own
// OfferService message, and find's unicast-supported flag selects the
// reply mode.
func (e *Engine) HandleFindService(entry wire.Entry, find wire.SDMessage, requesterAddr string, requesterPort uint16) error {
	key := registry.ServiceKey{Service: entry.ServiceID, Instance: entry.InstanceID}
	e.mu.Lock()
	m, ok := e.machines[key]
	e.mu.Unlock()
	if !ok || m.Role != RoleOffer || m.buildOffer == nil {
		return nil
	}
	return m.ReplyToFind(m.buildOffer(), requesterAddr, requesterPort, find.UnicastSupported(), time.Now())
}

// HandleSubscribeEventgroup processes an incoming SubscribeEventgroup/
// StopSubscribeEventgroup entry plus its resolved endpoint options,
// consulting AcceptSubscribe for the accept/reject decision and
// updating the registry on accept. It returns the Ack/Nack entry to
// send back (TTL=0 for Nack, or for a no-op StopSubscribe of an
// already-absent subscription).
func (e *Engine) HandleSubscribeEventgroup(entry wire.Entry, client wire.ClientID, reliable, unreliable *net.UDPAddr, ttl time.Duration) wire.Entry {
	key := registry.EventgroupKey{
		ServiceKey: registry.ServiceKey{Service: entry.ServiceID, Instance: entry.InstanceID},
		Eventgroup: entry.Eventgroup,
	}
	g := e.reg.FindOrCreateEventgroup(key)

	if entry.IsStop() {
		g.RemoveRemoteSubscription(client)
		return ackEntry(entry, 0)
	}

	accept := true
	if e.AcceptSubscribe != nil {
		accept = e.AcceptSubscribe(key, client)
	}
	if !accept {
		return ackEntry(entry, 0)
	}

	g.UpdateRemoteSubscription(client, endpointKeyOf(reliable, true), endpointKeyOf(unreliable, false), time.Now().Add(ttl))
	return ackEntry(entry, entry.TTL)
}

func endpointKeyOf(addr *net.UDPAddr, reliable bool) *endpoint.Key {
	if addr == nil {
		return nil
	}
	return &endpoint.Key{Address: addr.IP.String(), Port: uint16(addr.Port), Reliable: reliable}
}

func ackEntry(req wire.Entry, ttl wire.TTL) wire.Entry {
	return wire.Entry{
		Type:       wire.EntrySubscribeEventgroupAck,
		ServiceID:  req.ServiceID,
		InstanceID: req.InstanceID,
		Major:      req.Major,
		TTL:        ttl,
		Eventgroup: req.Eventgroup,
		Counter:    req.Counter,
	}
}

// CheckReboot runs the sender's SD message through reboot detection
// and reports the outcome. Callers invalidate all prior state learned
// from senderAddr when Rebooted is true.
func (e *Engine) CheckReboot(senderAddr string, multicast bool, msg wire.SDMessage, session wire.SessionID) Result {
	ch := ChannelUnicast
	if multicast {
		ch = ChannelMulticast
	}
	result := e.boot.Update(SenderChannel{Sender: senderAddr, Channel: ch}, msg.Reboot(), session)
	return result
}

// ExpireTick decrements every tracked remote service instance's TTL by
// elapsed and removes any that reach zero, per spec.md §4.6's
// "every cyclic-offer-delay/N tick" bookkeeping. Services with
// TTLForever never expire.
func (e *Engine) ExpireTick(services []*registry.ServiceInstance, elapsed time.Duration) []registry.ServiceKey {
	var expired []registry.ServiceKey
	ticks := uint32(elapsed / time.Second)
	for _, s := range services {
		if s.IsLocal || s.TTL == wire.TTLForever {
			continue
		}
		if uint32(s.TTL) <= ticks {
			s.TTL = 0
			expired = append(expired, s.Key)
			e.reg.RemoveService(s.Key)
			if e.OnUnavailable != nil {
				e.OnUnavailable(s.Key)
			}
			continue
		}
		s.TTL -= wire.TTL(ticks)
	}
	return expired
}
