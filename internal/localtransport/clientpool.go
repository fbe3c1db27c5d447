package localtransport

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/someipd/someipd/internal/wire"
)

// ClientPool hands out client-ids to applications that register without
// requesting a specific one (spec.md §4.7: "from a process-wide free
// pool protected by an inter-process lockfile"). Each assigned id is
// backed by a lockfile under lockDir, held via flock for as long as the
// id is in use, so that multiple someipd processes on the same host
// (or restarts racing a not-yet-reaped previous instance) never hand
// out the same id. flock(LOCK_NB) is itself the cross-process source of
// truth: Acquire always re-checks the lockfile live, so there is no
// local cache of "taken" state that could go stale when another process
// releases an id.
type ClientPool struct {
	mu       sync.Mutex
	lockDir  string
	min, max wire.ClientID
	held     map[wire.ClientID]*os.File

	log *logrus.Entry
}

// NewClientPool creates a pool over [min, max] backed by lock files in
// lockDir, creating the directory if needed.
func NewClientPool(lockDir string, min, max wire.ClientID, log *logrus.Entry) (*ClientPool, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if err := os.MkdirAll(lockDir, 0o755); err != nil {
		return nil, fmt.Errorf("localtransport: create lock dir: %w", err)
	}

	p := &ClientPool{
		lockDir: lockDir,
		min:     min,
		max:     max,
		held:    make(map[wire.ClientID]*os.File),
		log:     log.WithField("component", "clientpool"),
	}
	return p, nil
}

func (p *ClientPool) lockPath(id wire.ClientID) string {
	return filepath.Join(p.lockDir, fmt.Sprintf("client-%04x.lock", uint16(id)))
}

// Acquire reserves requested if nonzero, failing if that id is not
// available; with requested zero it reserves the lowest free id in
// [min, max]. It returns ErrPoolExhausted if no id is free.
func (p *ClientPool) Acquire(requested wire.ClientID) (wire.ClientID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if requested != 0 {
		if _, taken := p.held[requested]; taken {
			return 0, fmt.Errorf("localtransport: client-id %#04x already in use", uint16(requested))
		}
		if f, err := p.lockOnDisk(requested); err == nil {
			p.held[requested] = f
			p.log.WithField("client-id", requested).Debug("client-id acquired")
			return requested, nil
		} else if err != errLockHeldElsewhere {
			return 0, err
		}
		return 0, fmt.Errorf("localtransport: client-id %#04x held by another process", uint16(requested))
	}

	for id := p.min; id <= p.max; id++ {
		if _, taken := p.held[id]; taken {
			continue
		}
		f, err := p.lockOnDisk(id)
		if err == errLockHeldElsewhere {
			continue
		}
		if err != nil {
			return 0, err
		}
		p.held[id] = f
		p.log.WithField("client-id", id).Debug("client-id acquired")
		return id, nil
	}
	return 0, ErrPoolExhausted
}

var errLockHeldElsewhere = fmt.Errorf("localtransport: lock held by another process")

func (p *ClientPool) lockOnDisk(id wire.ClientID) (*os.File, error) {
	f, err := os.OpenFile(p.lockPath(id), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("localtransport: open lockfile: %w", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if err == unix.EWOULDBLOCK {
			return nil, errLockHeldElsewhere
		}
		return nil, fmt.Errorf("localtransport: flock: %w", err)
	}
	return f, nil
}

// Release gives up id, unlocking and removing its lockfile.
func (p *ClientPool) Release(id wire.ClientID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	f, ok := p.held[id]
	if !ok {
		return
	}
	delete(p.held, id)
	unix.Flock(int(f.Fd()), unix.LOCK_UN)
	f.Close()
	os.Remove(p.lockPath(id))
	p.log.WithField("client-id", id).Debug("client-id released")
}

// Close releases every id still held by this pool (used on broker
// shutdown).
func (p *ClientPool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, f := range p.held {
		unix.Flock(int(f.Fd()), unix.LOCK_UN)
		f.Close()
		os.Remove(p.lockPath(id))
		delete(p.held, id)
	}
	return nil
}

// ErrPoolExhausted is returned by Acquire when every id in range is in
// use by this or another process.
var ErrPoolExhausted = fmt.Errorf("localtransport: client-id pool exhausted")
