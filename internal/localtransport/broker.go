package localtransport

import (
	"context"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/someipd/someipd/internal/wire"
)

// Dispatcher is the set of callbacks a Broker invokes as it decodes
// frames from every connected application. Each corresponds to one of
// the control commands or the data frame of spec.md §4.7; the routing
// manager (package router) supplies the real implementations, the way
// internal/sd.Engine exposes OnAvailable/OnUnavailable/AcceptSubscribe
// instead of importing router directly.
type Dispatcher struct {
	OnData                 func(conn *Connection, instance wire.InstanceID, msg wire.Message, flush bool)
	OnOfferService         func(conn *Connection, cmd ServiceCommand)
	OnStopOfferService     func(conn *Connection, cmd ServiceCommand)
	OnRequestService       func(conn *Connection, cmd ServiceCommand)
	OnReleaseService       func(conn *Connection, cmd ServiceCommand)
	OnSubscribe            func(conn *Connection, cmd EventgroupCommand)
	OnUnsubscribe          func(conn *Connection, cmd EventgroupCommand)
	OnSubscribeAck         func(conn *Connection, cmd EventgroupCommand)
	OnSubscribeNack        func(conn *Connection, cmd EventgroupCommand)
	// OnPing/OnPong carry the ping/pong frame's payload verbatim: the
	// pending-offer arbitration in package router stamps it with a
	// correlation token and matches it against the echoed pong.
	OnPing                 func(conn *Connection, token []byte)
	OnPong                 func(conn *Connection, token []byte)
	OnSuspend              func(conn *Connection)
	OnResume               func(conn *Connection)
	OnResendProvidedEvents func(conn *Connection)

	// OnDisconnect fires once a connection's read loop exits for any
	// reason. Per spec.md §4.7, "loss of the connection is treated as
	// death of the peer" — the routing manager removes every offer and
	// subscription owned by that client-id here.
	OnDisconnect func(clientID wire.ClientID, cause error)
}

// Broker is the Unix-domain-socket accept loop of the local transport:
// one goroutine per connection (grounded on the nabbar-golib unix
// socket server's accept-loop/per-connection-goroutine shape), dealing
// out client-ids via a ClientPool and dispatching decoded frames.
type Broker struct {
	socketPath    string
	perm          os.FileMode
	pool          *ClientPool
	dispatch      Dispatcher
	queueCapacity int
	log           *logrus.Entry

	listener net.Listener
	mu       sync.Mutex
	conns    map[wire.ClientID]*Connection

	closed atomic.Bool
	wg     sync.WaitGroup
}

// BrokerOption configures a Broker at construction, following the
// functional-options pattern used throughout internal/endpoint.
type BrokerOption func(*Broker)

// WithSocketPermissions sets the Unix socket file's mode once created.
// Defaults to 0660 (owner and group), matching the restrictive-by-
// default posture the nabbar-golib socket server documents.
func WithSocketPermissions(perm os.FileMode) BrokerOption {
	return func(b *Broker) { b.perm = perm }
}

// WithQueueCapacity bounds each connection's pending-frame queue.
func WithQueueCapacity(n int) BrokerOption {
	return func(b *Broker) { b.queueCapacity = n }
}

// WithBrokerLogger attaches a component-scoped logger.
func WithBrokerLogger(log *logrus.Entry) BrokerOption {
	return func(b *Broker) { b.log = log }
}

// NewBroker creates a Broker listening at socketPath once Start is
// called, assigning client-ids from pool and routing decoded frames to
// dispatch.
func NewBroker(socketPath string, pool *ClientPool, dispatch Dispatcher, opts ...BrokerOption) *Broker {
	b := &Broker{
		socketPath:    socketPath,
		perm:          0o660,
		pool:          pool,
		dispatch:      dispatch,
		queueCapacity: 64,
		conns:         make(map[wire.ClientID]*Connection),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.log == nil {
		b.log = logrus.NewEntry(logrus.StandardLogger())
	}
	b.log = b.log.WithField("component", "localtransport")
	return b
}

// Dispatch returns a pointer to the broker's Dispatcher so a caller
// assembled after the broker (the routing manager, which needs the
// broker's ClientPool-backed client-ids to exist first) can wire its
// callbacks in before Start is called.
func (b *Broker) Dispatch() *Dispatcher { return &b.dispatch }

// Start removes any stale socket file left by a previous, uncleanly
// terminated instance, listens, and launches the accept loop.
func (b *Broker) Start(ctx context.Context) error {
	os.Remove(b.socketPath)

	ln, err := net.Listen("unix", b.socketPath)
	if err != nil {
		return fmt.Errorf("localtransport: listen: %w", err)
	}
	if err := os.Chmod(b.socketPath, b.perm); err != nil {
		ln.Close()
		return fmt.Errorf("localtransport: chmod socket: %w", err)
	}
	b.listener = ln

	b.wg.Add(1)
	go b.acceptLoop(ctx)
	return nil
}

func (b *Broker) acceptLoop(ctx context.Context) {
	defer b.wg.Done()
	for {
		conn, err := b.listener.Accept()
		if err != nil {
			if b.closed.Load() {
				return
			}
			b.log.WithError(err).Warn("accept failed")
			continue
		}
		c := newConnection(conn, b.queueCapacity, b.log)
		c.handler = b.dispatchFrame
		c.disconnect = b.handleDisconnect
		c.wg.Add(1)
		go c.serve()
	}
}

func (b *Broker) dispatchFrame(conn *Connection, f Frame) {
	switch f.Type {
	case FrameRegisterApplication:
		cmd, err := decodeRegisterCommand(f.Payload)
		if err != nil {
			b.log.WithError(err).Warn("malformed register-application frame")
			conn.Close()
			return
		}
		id, err := b.pool.Acquire(cmd.RequestedClient)
		if err != nil {
			b.log.WithError(err).WithField("requested", cmd.RequestedClient).Warn("client-id acquisition failed")
			conn.Close()
			return
		}
		conn.ClientID = id
		b.mu.Lock()
		b.conns[id] = conn
		b.mu.Unlock()
		ack := RegisterCommand{RequestedClient: id, Name: cmd.Name}
		conn.Send(Frame{Type: FrameRegisterApplication, Payload: ack.encode()})

	case FrameDeregisterApplication:
		b.removeConn(conn.ClientID)
		conn.Close()

	case FrameData:
		msg, err := wire.DecodeMessage(f.Payload)
		if err != nil {
			b.log.WithError(err).Warn("malformed data frame")
			return
		}
		if b.dispatch.OnData != nil {
			b.dispatch.OnData(conn, f.InstanceID, msg, f.Flush)
		}

	case FrameOfferService, FrameStopOfferService, FrameRequestService, FrameReleaseService:
		cmd, err := decodeServiceCommand(f.Payload)
		if err != nil {
			b.log.WithError(err).Warn("malformed service command frame")
			return
		}
		switch f.Type {
		case FrameOfferService:
			if b.dispatch.OnOfferService != nil {
				b.dispatch.OnOfferService(conn, cmd)
			}
		case FrameStopOfferService:
			if b.dispatch.OnStopOfferService != nil {
				b.dispatch.OnStopOfferService(conn, cmd)
			}
		case FrameRequestService:
			if b.dispatch.OnRequestService != nil {
				b.dispatch.OnRequestService(conn, cmd)
			}
		case FrameReleaseService:
			if b.dispatch.OnReleaseService != nil {
				b.dispatch.OnReleaseService(conn, cmd)
			}
		}

	case FrameSubscribe, FrameUnsubscribe, FrameSubscribeAck, FrameSubscribeNack:
		cmd, err := decodeEventgroupCommand(f.Payload)
		if err != nil {
			b.log.WithError(err).Warn("malformed eventgroup command frame")
			return
		}
		switch f.Type {
		case FrameSubscribe:
			if b.dispatch.OnSubscribe != nil {
				b.dispatch.OnSubscribe(conn, cmd)
			}
		case FrameUnsubscribe:
			if b.dispatch.OnUnsubscribe != nil {
				b.dispatch.OnUnsubscribe(conn, cmd)
			}
		case FrameSubscribeAck:
			if b.dispatch.OnSubscribeAck != nil {
				b.dispatch.OnSubscribeAck(conn, cmd)
			}
		case FrameSubscribeNack:
			if b.dispatch.OnSubscribeNack != nil {
				b.dispatch.OnSubscribeNack(conn, cmd)
			}
		}

	case FramePing:
		if b.dispatch.OnPing != nil {
			b.dispatch.OnPing(conn, f.Payload)
		}
	case FramePong:
		if b.dispatch.OnPong != nil {
			b.dispatch.OnPong(conn, f.Payload)
		}
	case FrameSuspend:
		if b.dispatch.OnSuspend != nil {
			b.dispatch.OnSuspend(conn)
		}
	case FrameResume:
		if b.dispatch.OnResume != nil {
			b.dispatch.OnResume(conn)
		}
	case FrameResendProvidedEvents:
		if b.dispatch.OnResendProvidedEvents != nil {
			b.dispatch.OnResendProvidedEvents(conn)
		}
	default:
		b.log.WithField("type", f.Type.String()).Warn("unknown frame type")
	}
}

func (b *Broker) handleDisconnect(conn *Connection, cause error) {
	b.removeConn(conn.ClientID)
	if b.dispatch.OnDisconnect != nil {
		b.dispatch.OnDisconnect(conn.ClientID, cause)
	}
}

func (b *Broker) removeConn(id wire.ClientID) {
	b.mu.Lock()
	_, ok := b.conns[id]
	delete(b.conns, id)
	b.mu.Unlock()
	if ok {
		b.pool.Release(id)
	}
}

// Lookup returns the connection registered for clientID, if any.
func (b *Broker) Lookup(clientID wire.ClientID) (*Connection, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.conns[clientID]
	return c, ok
}

// ConnectionCount reports the number of currently registered
// applications, used for statistics.
func (b *Broker) ConnectionCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}

// Stop closes the listener and every connection, then waits for their
// goroutines to exit.
func (b *Broker) Stop() error {
	if b.closed.Swap(true) {
		return nil
	}
	if b.listener != nil {
		b.listener.Close()
	}
	b.mu.Lock()
	conns := make([]*Connection, 0, len(b.conns))
	for _, c := range b.conns {
		conns = append(conns, c)
	}
	b.mu.Unlock()
	for _, c := range conns {
		c.Close()
		c.Wait()
	}
	b.wg.Wait()
	os.Remove(b.socketPath)
	return nil
}
