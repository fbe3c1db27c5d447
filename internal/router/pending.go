package router

import (
	"sync"
	"time"

	"github.com/rs/xid"

	"github.com/someipd/someipd/internal/localtransport"
	"github.com/someipd/someipd/internal/wire"
)

// offerGate serializes OfferService/StopOfferService calls for one
// service instance. acquire reports whether the caller got the gate
// immediately (the "must process now" case of spec.md §4.5) as
// opposed to having been queued behind an in-flight call.
type offerGate struct {
	mu sync.Mutex
}

func (g *offerGate) acquire() (mustProcessNow bool) {
	if g.mu.TryLock() {
		return true
	}
	g.mu.Lock()
	return false
}

func (g *offerGate) release() { g.mu.Unlock() }

// probeOwnerAlive challenges owner's application connection with a
// ping, waiting up to m.pingTimeout for the matching pong. It reports
// false (promote the challenger) if the owner has no live connection
// or never answers; true (reject the challenger) if the pong arrives
// in time.
//
// The correlation shape — a per-request buffered channel registered
// before sending, consumed by a select against time.After — mirrors
// the request/response wait loop of a CANopen SDO server's Process
// loop, generalized from a single shared rx channel to one channel per
// outstanding probe since the routing manager may challenge several
// owners concurrently.
func (m *Manager) probeOwnerAlive(owner wire.ClientID) bool {
	if m.broker == nil {
		return false
	}
	conn, ok := m.broker.Lookup(owner)
	if !ok {
		return false
	}

	token := xid.New().String()
	ch := make(chan struct{}, 1)
	m.pongMu.Lock()
	m.pongWaiters[token] = ch
	m.pongMu.Unlock()
	defer func() {
		m.pongMu.Lock()
		delete(m.pongWaiters, token)
		m.pongMu.Unlock()
	}()

	if err := conn.Send(localtransport.Frame{Type: localtransport.FramePing, Payload: []byte(token)}); err != nil {
		return false
	}

	select {
	case <-ch:
		return true
	case <-time.After(m.pingTimeout):
		m.log.WithField("client", owner).Debug("dup-offer probe timed out, treating owner as dead")
		return false
	}
}

// handlePong resolves the pong-waiter matching token, if one is still
// outstanding. Frames whose token no longer has a waiter (a late pong
// past the probe's timeout) are silently dropped.
func (m *Manager) handlePong(token []byte) {
	m.pongMu.Lock()
	ch, ok := m.pongWaiters[string(token)]
	m.pongMu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}

// handlePing answers a peer's ping with a pong carrying the same
// token, used by applications probing someipd's own liveness (the
// mirror image of the dup-offer arbitration someipd itself performs
// on applications).
func (m *Manager) handlePing(conn *localtransport.Connection, token []byte) {
	conn.Send(localtransport.Frame{Type: localtransport.FramePong, Payload: token})
}
