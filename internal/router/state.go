package router

import (
	"fmt"

	"github.com/someipd/someipd/internal/endpointmgr"
	"github.com/someipd/someipd/internal/registry"
	"github.com/someipd/someipd/internal/wire"
)

// State is one of the routing manager's operating modes, per spec.md
// §4.5.
type State int32

const (
	StateRunning State = iota
	StateSuspended
	StateResumed
	StateDiagnosis
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateSuspended:
		return "suspended"
	case StateResumed:
		return "resumed"
	case StateDiagnosis:
		return "diagnosis"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// State reports the routing manager's current operating mode.
func (m *Manager) State() State {
	return State(m.state.Load())
}

// Suspend transitions to SUSPENDED: emits StopOffer (and releases the
// matching server endpoints) for every locally offered service,
// releases every remote client endpoint, and forgets every remote
// service instance this node had discovered. Local applications' own
// connections and virtual endpoints are left intact — per spec.md
// §4.5 this is the external command that quiesces the node's network
// participation without tearing down the process. The set of
// locally-offered instances is retained (not forgotten) so Resume can
// replay OfferService for each, per spec.md §4.5/§8's requirement that
// suspend→resume produce a fresh StopOffer burst followed by a fresh
// Initial→Repetition→Main cycle for every service this node offers.
func (m *Manager) Suspend() {
	m.state.Store(int32(StateSuspended))
	m.log.Info("routing manager suspended")

	m.mu.Lock()
	owned := make([]serviceOffer, 0, len(m.owners))
	for key, owner := range m.owners {
		o := serviceOffer{key: key, owner: owner}
		if s, ok := m.reg.FindService(key); ok {
			o.major, o.minor = s.Major, s.Minor
		}
		owned = append(owned, o)
	}
	m.mu.Unlock()

	for _, o := range owned {
		if err := m.StopOfferService(o.owner, o.key.Service, o.key.Instance); err != nil {
			m.log.WithError(err).WithField("instance", o.key.String()).
				Warn("failed to stop offer while suspending")
		}
	}

	m.mu.Lock()
	m.suspendedOffers = owned
	remoteClients := make([]endpointmgr.ClientKey, 0, len(m.clientKeys))
	for key, ckey := range m.clientKeys {
		remoteClients = append(remoteClients, ckey)
		delete(m.clientKeys, key)
	}
	m.mu.Unlock()
	for _, ckey := range remoteClients {
		m.eps.ReleaseClient(ckey)
	}

	for _, s := range m.reg.AllServices() {
		if s.IsLocal {
			continue
		}
		m.reg.RemoveService(s.Key)
	}
}

// Resume transitions to RESUMED and re-offers every service this node
// held a local registration for at the time of the matching Suspend,
// each going through OfferService exactly as if its owning application
// had just called it again — a fresh Initial→Repetition→Main cycle for
// every one. FindService machines are not touched: Suspend leaves them
// running and Resume does not restart them.
func (m *Manager) Resume() {
	m.state.Store(int32(StateResumed))
	m.log.Info("routing manager resumed")

	m.mu.Lock()
	owned := m.suspendedOffers
	m.suspendedOffers = nil
	m.mu.Unlock()

	for _, o := range owned {
		if err := m.OfferService(o.owner, o.key.Service, o.key.Instance, o.major, o.minor); err != nil {
			m.log.WithError(err).WithField("instance", o.key.String()).
				Warn("failed to re-offer service on resume")
		}
	}
}

// Run transitions back to RUNNING, the default operating mode.
func (m *Manager) Run() {
	m.state.Store(int32(StateRunning))
	m.log.Info("routing manager running")
}

// Diagnose transitions to DIAGNOSIS. Per spec.md §4.5 this only
// affects SOME/IP-flagged services; callers decide per-service
// diagnostic behavior using State() at the call sites that need it
// (OfferService/Send do not themselves change shape in this mode).
func (m *Manager) Diagnose() {
	m.state.Store(int32(StateDiagnosis))
	m.log.Info("routing manager entering diagnosis mode")
}

type serviceOffer struct {
	key   registry.ServiceKey
	owner wire.ClientID
	major wire.MajorVersion
	minor wire.MinorVersion
}
