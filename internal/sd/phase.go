// Package sd implements the SOME/IP service discovery state machine:
// the Inactive/Initial/Repetition/Main phases each locally-offered or
// remotely-requested service instance cycles through, plus reboot
// detection and SD entry/option processing.
package sd

import (
	"math/rand"
	"time"
)

// Phase is one state of the per-instance SD state machine, spec.md §4.6.
type Phase int

const (
	Inactive Phase = iota
	ActiveInitial
	ActiveRepetition
	ActiveMainOffer
	ActiveMainFindSend
)

func (p Phase) String() string {
	switch p {
	case Inactive:
		return "inactive"
	case ActiveInitial:
		return "active.initial"
	case ActiveRepetition:
		return "active.repetition"
	case ActiveMainOffer:
		return "active.main.offer"
	case ActiveMainFindSend:
		return "active.main.find.send"
	default:
		return "unknown"
	}
}

// Role distinguishes a machine driving a locally-offered instance
// (cyclic OfferService in Main phase) from one driving a still-missing
// remote instance a local client has requested (repeated FindService
// in Main phase).
type Role int

const (
	RoleOffer Role = iota
	RoleFind
)

// Config carries every SD timing knob of spec.md §6.
type Config struct {
	InitialDelayMin      time.Duration
	InitialDelayMax      time.Duration
	RepetitionsBaseDelay time.Duration
	RepetitionsMax       int
	CyclicOfferDelay     time.Duration
	UnicastSupported     bool
}

// DefaultConfig matches vsomeip's usual defaults (see original_source/).
var DefaultConfig = Config{
	InitialDelayMin:      10 * time.Millisecond,
	InitialDelayMax:      100 * time.Millisecond,
	RepetitionsBaseDelay: 200 * time.Millisecond,
	RepetitionsMax:       3,
	CyclicOfferDelay:     2 * time.Second,
	UnicastSupported:     true,
}

// InitialDelay returns a randomized delay in [cfg.InitialDelayMin,
// cfg.InitialDelayMax], per spec.md §4.6's Active.Initial phase.
func (cfg Config) InitialDelay(rnd *rand.Rand) time.Duration {
	span := cfg.InitialDelayMax - cfg.InitialDelayMin
	if span <= 0 {
		return cfg.InitialDelayMin
	}
	return cfg.InitialDelayMin + time.Duration(rnd.Int63n(int64(span)))
}

// RepetitionDelay returns the exponentially-growing timer duration for
// repetition run n (0-based), per spec.md §4.6:
// repetitions-base-delay × 2^run.
func (cfg Config) RepetitionDelay(run int) time.Duration {
	d := cfg.RepetitionsBaseDelay
	for i := 0; i < run; i++ {
		d *= 2
	}
	return d
}

// ReplyMode is how a FindService request should be answered.
type ReplyMode int

const (
	ReplyNone ReplyMode = iota
	ReplyUnicast
	ReplyMulticast
)

// DecideFindReply implements spec.md §4.6's FindService reply rule:
// during Repetition, always unicast; during Main.Offer, multicast once
// at least half the cyclic-offer-delay has elapsed since the last
// offer, otherwise unicast if the requester supports it, multicast
// otherwise. A FindService received in any other phase (the instance
// is not actively offered, or the local offer is itself being
// discovered) gets no reply.
func DecideFindReply(phase Phase, elapsedSinceLastOffer, cyclicOfferDelay time.Duration, unicastSupported bool) ReplyMode {
	switch phase {
	case ActiveRepetition:
		return ReplyUnicast
	case ActiveMainOffer:
		if elapsedSinceLastOffer >= cyclicOfferDelay/2 {
			return ReplyMulticast
		}
		if unicastSupported {
			return ReplyUnicast
		}
		return ReplyMulticast
	default:
		return ReplyNone
	}
}
