package sd

import (
	"sync"

	"github.com/someipd/someipd/internal/wire"
)

// ChannelKind distinguishes the unicast and multicast session
// counters of a single sender, which SD tracks independently per
// spec.md §4.6.
type ChannelKind int

const (
	ChannelUnicast ChannelKind = iota
	ChannelMulticast
)

// SenderChannel identifies one of a sender's two independent session
// counters.
type SenderChannel struct {
	Sender  string // sender's IP address
	Channel ChannelKind
}

type senderState struct {
	reboot  bool
	session wire.SessionID
	seen    bool
}

// RebootTracker implements spec.md §4.6's reboot detection: a reboot
// flag plus session-id per (sender, unicast-or-multicast) channel. An
// out-of-order session at the same boot indicates message loss; the
// reboot flag transitioning from unset to set, or the session
// decreasing while the flag is set, indicates the sender rebooted and
// all prior state from it must be invalidated.
type RebootTracker struct {
	mu    sync.Mutex
	state map[SenderChannel]*senderState
}

// NewRebootTracker creates an empty tracker.
func NewRebootTracker() *RebootTracker {
	return &RebootTracker{state: make(map[SenderChannel]*senderState)}
}

// Result reports what Update concluded about one incoming SD message.
type Result struct {
	Rebooted  bool
	OutOfOrder bool
}

// Update records an incoming SD message's reboot flag and session id
// for the given channel and returns what changed relative to the last
// message seen on it.
func (t *RebootTracker) Update(ch SenderChannel, reboot bool, session wire.SessionID) Result {
	t.mu.Lock()
	defer t.mu.Unlock()

	prev, ok := t.state[ch]
	if !ok {
		t.state[ch] = &senderState{reboot: reboot, session: session, seen: true}
		return Result{}
	}

	rebooted := (reboot && !prev.reboot) || (reboot && session < prev.session)
	outOfOrder := !rebooted && session != prev.session+1

	prev.reboot = reboot
	prev.session = session
	return Result{Rebooted: rebooted, OutOfOrder: outOfOrder}
}

// Forget removes every channel belonging to sender, used once a
// reboot has been handled and its state fully invalidated.
func (t *RebootTracker) Forget(sender string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for ch := range t.state {
		if ch.Sender == sender {
			delete(t.state, ch)
		}
	}
}
