package sd

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/someipd/someipd/internal/registry"
	"github.com/someipd/someipd/internal/wire"
)

// Sender transmits an SD message unicast to one address or multicast
// to the configured SD group. Implemented by the endpoint carrying the
// SD service (internal/endpoint.UDPServer in practice).
type Sender interface {
	SendUnicast(msg wire.SDMessage, addr string, port uint16) error
	SendMulticast(msg wire.SDMessage) error
}

// Machine drives one service instance's SD phase transitions
// (Inactive → Initial → Repetition → Main), mirroring the teacher's
// goroutine-per-entity pattern driven by a context and timers.
type Machine struct {
	Key  registry.ServiceKey
	Role Role

	cfg    Config
	sender Sender
	log    *logrus.Entry
	rnd    *rand.Rand

	mu          sync.Mutex
	phase       Phase
	run         int
	lastOfferAt time.Time

	cancel context.CancelFunc
	done   chan struct{}

	// buildOffer/buildFind produce the SD message to send at each
	// Repetition/Main tick; supplied by the owner (router) since only
	// it knows the instance's current major/minor/TTL/options.
	buildOffer func() wire.SDMessage
	buildFind  func() wire.SDMessage
}

// NewMachine creates a Machine in the Inactive phase.
func NewMachine(key registry.ServiceKey, role Role, cfg Config, sender Sender, log *logrus.Entry, buildOffer, buildFind func() wire.SDMessage) *Machine {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Machine{
		Key:        key,
		Role:       role,
		cfg:        cfg,
		sender:     sender,
		log:        log.WithField("instance", key.String()),
		rnd:        rand.New(rand.NewSource(int64(key.Service)<<16 | int64(key.Instance))),
		phase:      Inactive,
		buildOffer: buildOffer,
		buildFind:  buildFind,
	}
}

// Phase returns the machine's current phase.
func (m *Machine) Phase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

// LastOfferAt returns the time of the last OfferService sent (for
// FindService reply-mode decisions), zero if none has been sent yet.
func (m *Machine) LastOfferAt() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastOfferAt
}

// Start transitions the machine from Inactive to Active.Initial and
// begins driving it; it is a no-op if already started. The machine
// runs until ctx is cancelled or Stop is called.
func (m *Machine) Start(ctx context.Context) {
	m.mu.Lock()
	if m.phase != Inactive {
		m.mu.Unlock()
		return
	}
	m.phase = ActiveInitial
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	m.mu.Unlock()

	go m.run_(runCtx)
}

// Stop halts the machine and returns it to Inactive.
func (m *Machine) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	done := m.done
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	m.mu.Lock()
	m.phase = Inactive
	m.run = 0
	m.mu.Unlock()
}

func (m *Machine) run_(ctx context.Context) {
	defer close(m.done)

	delay := m.cfg.InitialDelay(m.rnd)
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}

	m.mu.Lock()
	m.phase = ActiveRepetition
	m.run = 0
	m.mu.Unlock()

	for {
		m.mu.Lock()
		run := m.run
		m.mu.Unlock()

		if run >= m.cfg.RepetitionsMax {
			break
		}

		m.sendCycleMessage()

		select {
		case <-ctx.Done():
			return
		case <-time.After(m.cfg.RepetitionDelay(run)):
		}

		m.mu.Lock()
		m.run++
		m.mu.Unlock()
	}

	m.mu.Lock()
	if m.Role == RoleOffer {
		m.phase = ActiveMainOffer
	} else {
		m.phase = ActiveMainFindSend
	}
	m.mu.Unlock()

	ticker := time.NewTicker(m.cfg.CyclicOfferDelay)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sendCycleMessage()
		}
	}
}

func (m *Machine) sendCycleMessage() {
	var msg wire.SDMessage
	if m.Role == RoleOffer {
		if m.buildOffer == nil {
			return
		}
		msg = m.buildOffer()
		m.mu.Lock()
		m.lastOfferAt = time.Now()
		m.mu.Unlock()
	} else {
		if m.buildFind == nil {
			return
		}
		msg = m.buildFind()
	}
	if err := m.sender.SendMulticast(msg); err != nil {
		m.log.WithError(err).Warn("failed to send SD cycle message")
	}
}

// ReplyToFind answers an incoming FindService for this instance
// according to the current phase, sending the provided offer message
// unicast or multicast as decided by DecideFindReply. requesterUnicastSupported
// is the unicast-supported flag carried in the incoming FindService
// message, per spec.md §4.6 — the Main.Offer reply rule depends on
// what the requester advertises, not on this node's own default. now
// is injected for testability.
func (m *Machine) ReplyToFind(offer wire.SDMessage, requesterAddr string, requesterPort uint16, requesterUnicastSupported bool, now time.Time) error {
	m.mu.Lock()
	phase := m.phase
	lastOffer := m.lastOfferAt
	m.mu.Unlock()

	var elapsed time.Duration
	if !lastOffer.IsZero() {
		elapsed = now.Sub(lastOffer)
	}

	switch DecideFindReply(phase, elapsed, m.cfg.CyclicOfferDelay, requesterUnicastSupported) {
	case ReplyUnicast:
		return m.sender.SendUnicast(offer, requesterAddr, requesterPort)
	case ReplyMulticast:
		return m.sender.SendMulticast(offer)
	default:
		return nil
	}
}
