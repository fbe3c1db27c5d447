// Package endpoint implements the SOME/IP endpoint layer: UDP and TCP
// client/server endpoints, a virtual (local-only) endpoint, framing,
// magic-cookie resynchronization, send queues, and reconnect.
package endpoint

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/sirupsen/logrus"

	"github.com/someipd/someipd/internal/wire"
)

// ErrQueueFull is returned by Send/SendTo when the bounded send queue
// cannot accept another buffer (spec.md §4.2).
var ErrQueueFull = errors.New("endpoint: send queue full")

// ErrNotEstablished is returned when Send is attempted before the
// endpoint has an established connection and cannot buffer the send.
var ErrNotEstablished = errors.New("endpoint: not established")

// Error wraps a transport failure with the operation that triggered
// it, matching the teacher's internal/errors.NetworkError triple of
// Op/Err/Details.
type Error struct {
	Op      string
	Err     error
	Details string
}

func (e *Error) Error() string {
	return fmt.Sprintf("endpoint: %s: %v (%s)", e.Op, e.Err, e.Details)
}

func (e *Error) Unwrap() error { return e.Err }

// Key identifies an endpoint by the tuple the endpoint manager indexes
// on: address/port plus the reliability flag.
type Key struct {
	Address  string
	Port     uint16
	Reliable bool
}

func (k Key) String() string {
	proto := "udp"
	if k.Reliable {
		proto = "tcp"
	}
	return fmt.Sprintf("%s:%s:%d", proto, k.Address, k.Port)
}

// ErrorHandler is invoked when an endpoint suffers a transport error
// it cannot recover from on its own (connection reset, reconnect
// exhaustion). The routing manager uses this to tear down dependent
// state per spec.md §4.5/§7.
type ErrorHandler func(ep Endpoint, err error)

// Endpoint is the capability set of spec.md §4.2: every concrete
// endpoint variant (UDP/TCP client/server, virtual) implements this
// single interface so the endpoint manager and routing manager can
// treat them polymorphically.
type Endpoint interface {
	// Start begins accepting/connecting and receiving. Received
	// messages are delivered to the handler registered via
	// SetMessageHandler before Start is called.
	Start(ctx context.Context) error

	// Stop closes the endpoint immediately, dropping any undelivered
	// sends.
	Stop() error

	// PrepareStop requests a graceful shutdown: once every in-flight
	// send has completed, done is invoked and the endpoint stops.
	// Per spec.md §4.2, this lets the routing manager unwind pending
	// offers deterministically.
	PrepareStop(done func())

	// Send transmits buf to the endpoint's single configured peer
	// (a client endpoint's connected remote, or a local endpoint's
	// single subscriber). Admission is non-blocking: Send returns
	// immediately with ErrQueueFull if the bounded queue is full.
	Send(buf []byte) error

	// SendTo transmits buf to an explicit destination, used by server
	// endpoints fanning out to many remote clients/subscribers.
	SendTo(buf []byte, dest net.Addr) error

	// Flush requests that any coalesced/queued sends be written out
	// now rather than waiting for further coalescing.
	Flush()

	IsEstablished() bool
	IsReliable() bool
	IsLocal() bool

	// RegisterErrorHandler installs the callback invoked on
	// unrecoverable transport failure.
	RegisterErrorHandler(h ErrorHandler)

	// Restart tears down and re-establishes the underlying socket,
	// preserving identity (local port) when the implementation
	// supports it.
	Restart(ctx context.Context) error

	// SetMessageHandler installs the callback invoked for every
	// decoded SOME/IP message the endpoint receives, along with the
	// remote address/port it arrived from and whether it arrived on
	// a multicast group.
	SetMessageHandler(h MessageHandler)

	// IncRefs/DecRefs/Refs implement the endpoint manager's use-count
	// protocol (spec.md §4.2): the manager decides an endpoint is
	// unused and may be torn down when Refs reaches zero.
	IncRefs() int32
	DecRefs() int32
	Refs() int32
}

// MessageHandler receives one decoded SOME/IP message along with its
// origin. isMulticast distinguishes a datagram received on a joined
// multicast group from one received unicast, needed by the routing
// manager's on-message instance resolution (spec.md §4.5).
type MessageHandler func(msg wire.Message, raw []byte, remote net.Addr, isMulticast bool)

// logEntry returns a component-scoped logrus entry, defaulting to the
// standard logger when none was supplied via functional option.
func logEntry(log *logrus.Entry, key Key) *logrus.Entry {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return log.WithField("endpoint", key.String())
}
