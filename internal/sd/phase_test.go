package sd

import (
	"testing"
	"time"
)

// TestDecideFindReplyDuringRepetition implements spec.md's boundary
// behavior: "A FindService received during the Repetition phase is
// answered by a unicast Offer."
func TestDecideFindReplyDuringRepetition(t *testing.T) {
	mode := DecideFindReply(ActiveRepetition, 0, time.Second, false)
	if mode != ReplyUnicast {
		t.Fatalf("expected unicast during repetition, got %v", mode)
	}
}

// TestDecideFindReplyMainPhaseHalfCycle implements: "A FindService
// received during the Main phase is answered by multicast if at least
// half of cyclic-offer-delay has elapsed since the last multicast
// offer; otherwise by unicast."
func TestDecideFindReplyMainPhaseHalfCycle(t *testing.T) {
	cyclic := 2 * time.Second

	if mode := DecideFindReply(ActiveMainOffer, 1200*time.Millisecond, cyclic, true); mode != ReplyMulticast {
		t.Fatalf("expected multicast past half-cycle, got %v", mode)
	}
	if mode := DecideFindReply(ActiveMainOffer, 500*time.Millisecond, cyclic, true); mode != ReplyUnicast {
		t.Fatalf("expected unicast before half-cycle with unicast supported, got %v", mode)
	}
	if mode := DecideFindReply(ActiveMainOffer, 500*time.Millisecond, cyclic, false); mode != ReplyMulticast {
		t.Fatalf("expected multicast before half-cycle without unicast support, got %v", mode)
	}
}

func TestDecideFindReplyInactiveOrInitialIsNone(t *testing.T) {
	if mode := DecideFindReply(Inactive, 0, time.Second, true); mode != ReplyNone {
		t.Fatalf("expected no reply while inactive, got %v", mode)
	}
	if mode := DecideFindReply(ActiveInitial, 0, time.Second, true); mode != ReplyNone {
		t.Fatalf("expected no reply during initial delay, got %v", mode)
	}
}

func TestRepetitionDelayDoublesEachRun(t *testing.T) {
	cfg := Config{RepetitionsBaseDelay: 100 * time.Millisecond}
	if got := cfg.RepetitionDelay(0); got != 100*time.Millisecond {
		t.Fatalf("run 0: got %v", got)
	}
	if got := cfg.RepetitionDelay(1); got != 200*time.Millisecond {
		t.Fatalf("run 1: got %v", got)
	}
	if got := cfg.RepetitionDelay(2); got != 400*time.Millisecond {
		t.Fatalf("run 2: got %v", got)
	}
}
