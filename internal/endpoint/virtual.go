package endpoint

import (
	"context"
	"net"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/someipd/someipd/internal/wire"
)

// Virtual is the local-only endpoint variant: it never touches a
// socket. The routing manager binds one to every service instance
// that is offered and requested purely within the same broker, so a
// local request/response or event never leaves the process (spec.md
// §4.2 "no network I/O for same-host routing").
type Virtual struct {
	key Key
	log *logrus.Entry

	handler    MessageHandler
	errHandler ErrorHandler

	refs      int32
	started   atomic.Bool
	localAddr net.Addr
}

// virtualAddr satisfies net.Addr for a Virtual endpoint's local peer
// identity, used only for logging/diagnostics.
type virtualAddr string

func (a virtualAddr) Network() string { return "local" }
func (a virtualAddr) String() string  { return string(a) }

// NewVirtual creates a local endpoint identified by name, typically
// the client id or application name it represents.
func NewVirtual(name string, log *logrus.Entry) *Virtual {
	key := Key{Address: "local", Port: 0, Reliable: false}
	return &Virtual{key: key, log: logEntry(log, key), localAddr: virtualAddr(name)}
}

func (v *Virtual) Start(ctx context.Context) error {
	v.started.Store(true)
	return nil
}

func (v *Virtual) Stop() error {
	v.started.Store(false)
	return nil
}

// PrepareStop has nothing to drain: local delivery is synchronous.
func (v *Virtual) PrepareStop(done func()) {
	_ = v.Stop()
	if done != nil {
		done()
	}
}

// Deliver is how the routing manager feeds a locally-produced message
// straight into this endpoint's handler. buf is still SOME/IP-encoded
// so that Virtual presents the exact same Send/SendTo contract as a
// networked endpoint; only the transport underneath is skipped.
func (v *Virtual) Deliver(buf []byte) error {
	if !v.started.Load() {
		return ErrNotEstablished
	}
	if v.handler == nil {
		return nil
	}
	msg, err := wire.DecodeMessage(buf)
	if err != nil {
		return &Error{Op: "deliver", Err: err, Details: v.key.String()}
	}
	v.handler(msg, buf, v.localAddr, false)
	return nil
}

func (v *Virtual) Send(buf []byte) error { return v.Deliver(buf) }

func (v *Virtual) SendTo(buf []byte, dest net.Addr) error { return v.Deliver(buf) }

func (v *Virtual) Flush() {}

func (v *Virtual) IsEstablished() bool { return v.started.Load() }
func (v *Virtual) IsReliable() bool    { return false }
func (v *Virtual) IsLocal() bool       { return true }

func (v *Virtual) RegisterErrorHandler(h ErrorHandler) { v.errHandler = h }

func (v *Virtual) Restart(ctx context.Context) error { return v.Start(ctx) }

func (v *Virtual) SetMessageHandler(h MessageHandler) { v.handler = h }

func (v *Virtual) IncRefs() int32 { return atomic.AddInt32(&v.refs, 1) }
func (v *Virtual) DecRefs() int32 { return atomic.AddInt32(&v.refs, -1) }
func (v *Virtual) Refs() int32    { return atomic.LoadInt32(&v.refs) }

var _ Endpoint = (*Virtual)(nil)
