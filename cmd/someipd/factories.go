package main

import (
	"context"
	"fmt"
	"net"

	"github.com/sirupsen/logrus"

	"github.com/someipd/someipd/internal/config"
	"github.com/someipd/someipd/internal/endpoint"
	"github.com/someipd/someipd/internal/endpointmgr"
	"github.com/someipd/someipd/internal/localtransport"
	"github.com/someipd/someipd/internal/reactor"
	"github.com/someipd/someipd/internal/registry"
	"github.com/someipd/someipd/internal/router"
	"github.com/someipd/someipd/internal/stats"
	"github.com/someipd/someipd/internal/wire"
)

// dispatchSink is the seam every network endpoint built here reports
// received messages through: the reactor pool the message is dropped
// onto, a pointer to the *router.Manager to hand it to (resolved
// lazily since the Manager doesn't exist yet when the factories that
// need it are built), and the metrics recording drops.
type dispatchSink struct {
	pool    *reactor.Pool
	mgr     **router.Manager
	metrics *stats.Metrics
}

// handlerFor returns the endpoint.MessageHandler one concrete endpoint
// is wired to: it submits the decoded message to the reactor pool
// rather than calling into the routing manager directly from the
// endpoint's own read goroutine, per SPEC_FULL.md §5's bounded-
// worker-pool reactor. The endpoint that received the message is
// captured by reference since router.Manager.OnMessage needs to know
// which endpoint a message arrived on to resolve its service instance.
func (s *dispatchSink) handlerFor(ep endpoint.Endpoint) endpoint.MessageHandler {
	return func(msg wire.Message, raw []byte, remote net.Addr, isMulticast bool) {
		if !s.pool.Submit(func() {
			m := *s.mgr
			if m == nil {
				return
			}
			if err := m.OnMessage(msg, ep, remote, isMulticast); err != nil {
				s.metrics.RecordDropped("routing-error")
			}
		}) {
			s.metrics.RecordDropped("reactor-queue-full")
		}
	}
}

// buildServerFactory returns the router.ServerFactory that binds a
// locally-provided service instance's listening endpoint, grounded on
// router.Manager's use of endpointmgr.Manager.FindOrCreateServer:
// endpointmgr calls Start right after the factory returns, so the
// handler must be wired here rather than by the caller.
func buildServerFactory(cfg config.Config, log *logrus.Entry, sink *dispatchSink) router.ServerFactory {
	return func(key endpointmgr.ServerKey) (endpoint.Endpoint, error) {
		var ep endpoint.Endpoint
		if key.Reliable {
			ep = endpoint.NewTCPServer(cfg.UnicastAddress, key.Port,
				endpoint.WithTCPLogger(log),
				endpoint.WithCookieInterval(cfg.MagicCookieInterval),
			)
		} else {
			ep = endpoint.NewUDPServer(cfg.UnicastAddress, key.Port,
				endpoint.WithLogger(log),
			)
		}
		ep.SetMessageHandler(sink.handlerFor(ep))
		return ep, nil
	}
}

// buildClientFactory returns the router.ClientFactory that dials a
// remote service instance's announced endpoint. RemotePort falls back
// to cfg.DefaultRemotePort when the key carries none, since
// sd.Engine's AvailabilityHandler signature forwards only the sender
// address, never a port (see DESIGN.md).
func buildClientFactory(cfg config.Config, log *logrus.Entry, sink *dispatchSink) router.ClientFactory {
	return func(key endpointmgr.ClientKey) (endpoint.Endpoint, error) {
		port := key.RemotePort
		if port == 0 {
			port = cfg.DefaultRemotePort
		}
		var ep endpoint.Endpoint
		if key.Reliable {
			ep = endpoint.NewTCPClient(key.RemoteAddress, port,
				endpoint.WithTCPLogger(log),
			)
		} else {
			ep = endpoint.NewUDPClient(key.RemoteAddress, port,
				endpoint.WithLogger(log),
			)
		}
		ep.SetMessageHandler(sink.handlerFor(ep))
		return ep, nil
	}
}

// buildPortResolver returns the router.PortResolver OfferService
// consults to bind a local offer's server endpoints. Ports are handed
// out deterministically from cfg's configured range rather than read
// from a per-service table, per spec.md's explicit Non-goal ruling out
// a parsed configuration file.
func buildPortResolver(cfg config.Config) router.PortResolver {
	return func(service wire.ServiceID, instance wire.InstanceID) []router.PortBinding {
		span := uint32(cfg.ServicePortRangeEnd) - uint32(cfg.ServicePortRangeStart)
		offset := uint32(service)*31 + uint32(instance)
		port := cfg.ServicePortRangeStart + uint16(offset%(span+1))
		return []router.PortBinding{
			{Port: port, Reliable: false},
			{Port: port, Reliable: true},
		}
	}
}

// buildLocalFactory returns the router.LocalFactory backing a
// connected application's client-id. The returned endpoint's Send path
// forwards to the broker connection currently registered for that
// client-id; its SetMessageHandler is never actually exercised, since
// inbound application frames reach the routing manager directly
// through localtransport.Dispatcher (wired in internal/router/
// dispatch.go), not through this endpoint's read side.
func buildLocalFactory(broker *localtransport.Broker, reg *registry.Registry, log *logrus.Entry) router.LocalFactory {
	return func(clientID wire.ClientID) (endpoint.Endpoint, error) {
		return newLocalAppEndpoint(clientID, broker, reg, log), nil
	}
}

// localAppEndpoint adapts one application's localtransport.Connection
// to the endpoint.Endpoint interface so the routing manager's send
// path (grounded on internal/endpoint.Virtual's shape) can treat a
// broker-backed application the same as any network endpoint.
type localAppEndpoint struct {
	clientID wire.ClientID
	broker   *localtransport.Broker
	reg      *registry.Registry
	log      *logrus.Entry

	handler endpoint.MessageHandler
	errH    endpoint.ErrorHandler
	refs    int32
}

func newLocalAppEndpoint(clientID wire.ClientID, broker *localtransport.Broker, reg *registry.Registry, log *logrus.Entry) *localAppEndpoint {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &localAppEndpoint{
		clientID: clientID,
		broker:   broker,
		reg:      reg,
		log:      log.WithField("client", fmt.Sprintf("%#04x", uint16(clientID))),
	}
}

func (e *localAppEndpoint) Start(ctx context.Context) error { return nil }
func (e *localAppEndpoint) Stop() error                     { return nil }
func (e *localAppEndpoint) PrepareStop(done func()) {
	if done != nil {
		done()
	}
}

// Send delivers buf to the connected application over its broker
// connection, resolving the frame's instance-id from the registry
// since endpoint.Endpoint.Send carries no instance of its own. This
// assumes the common case of one locally-provided instance per
// service id per process; a process hosting more than one instance of
// the same service on distinct client-ids needs a real per-instance
// local factory, out of scope here (see DESIGN.md).
func (e *localAppEndpoint) Send(buf []byte) error {
	conn, ok := e.broker.Lookup(e.clientID)
	if !ok {
		return &endpoint.Error{Op: "send", Err: fmt.Errorf("no connection for client %#04x", uint16(e.clientID)), Details: "local"}
	}
	msg, err := wire.DecodeMessage(buf)
	if err != nil {
		return &endpoint.Error{Op: "send", Err: err, Details: "decode"}
	}
	instance := e.resolveInstance(msg.Header.ServiceID)
	return conn.Send(localtransport.Frame{
		Type:       localtransport.FrameData,
		InstanceID: instance,
		Payload:    buf,
	})
}

func (e *localAppEndpoint) SendTo(buf []byte, dest net.Addr) error { return e.Send(buf) }

func (e *localAppEndpoint) Flush() {
	if conn, ok := e.broker.Lookup(e.clientID); ok {
		conn.Flush()
	}
}

func (e *localAppEndpoint) resolveInstance(service wire.ServiceID) wire.InstanceID {
	for _, s := range e.reg.AllServices() {
		if s.Key.Service == service && s.IsLocal {
			return s.Key.Instance
		}
	}
	return 0
}

func (e *localAppEndpoint) IsEstablished() bool {
	_, ok := e.broker.Lookup(e.clientID)
	return ok
}

func (e *localAppEndpoint) IsReliable() bool { return false }
func (e *localAppEndpoint) IsLocal() bool    { return true }

func (e *localAppEndpoint) RegisterErrorHandler(h endpoint.ErrorHandler) { e.errH = h }

func (e *localAppEndpoint) Restart(ctx context.Context) error { return nil }

func (e *localAppEndpoint) SetMessageHandler(h endpoint.MessageHandler) { e.handler = h }

func (e *localAppEndpoint) IncRefs() int32 { e.refs++; return e.refs }
func (e *localAppEndpoint) DecRefs() int32 { e.refs--; return e.refs }
func (e *localAppEndpoint) Refs() int32    { return e.refs }

var _ endpoint.Endpoint = (*localAppEndpoint)(nil)
