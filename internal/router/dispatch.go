package router

import (
	"github.com/someipd/someipd/internal/localtransport"
	"github.com/someipd/someipd/internal/wire"
)

// wireDispatcher connects the broker's Dispatcher callbacks to the
// manager's operations, the way internal/sd.Engine's callbacks are
// connected to this same manager in New. This is the one place
// package router reaches back into internal/localtransport's frame
// vocabulary; every operation it calls is also reachable directly
// (e.g. from a future in-process API) without going through a frame.
func (m *Manager) wireDispatcher() {
	m.broker.Dispatch().OnOfferService = func(conn *localtransport.Connection, cmd localtransport.ServiceCommand) {
		if err := m.OfferService(conn.ClientID, cmd.Service, cmd.Instance, cmd.Major, cmd.Minor); err != nil {
			m.log.WithError(err).WithField("client", conn.ClientID).Warn("offer-service rejected")
		}
	}
	m.broker.Dispatch().OnStopOfferService = func(conn *localtransport.Connection, cmd localtransport.ServiceCommand) {
		if err := m.StopOfferService(conn.ClientID, cmd.Service, cmd.Instance); err != nil {
			m.log.WithError(err).WithField("client", conn.ClientID).Warn("stop-offer-service failed")
		}
	}
	m.broker.Dispatch().OnRequestService = func(conn *localtransport.Connection, cmd localtransport.ServiceCommand) {
		if err := m.RequestService(conn.ClientID, cmd.Service, cmd.Instance, cmd.Major, cmd.Minor); err != nil {
			m.log.WithError(err).WithField("client", conn.ClientID).Warn("request-service failed")
		}
	}
	m.broker.Dispatch().OnReleaseService = func(conn *localtransport.Connection, cmd localtransport.ServiceCommand) {
		if err := m.ReleaseService(conn.ClientID, cmd.Service, cmd.Instance); err != nil {
			m.log.WithError(err).WithField("client", conn.ClientID).Warn("release-service failed")
		}
	}
	m.broker.Dispatch().OnSubscribe = func(conn *localtransport.Connection, cmd localtransport.EventgroupCommand) {
		m.Subscribe(conn.ClientID, cmd.Service, cmd.Instance, cmd.Eventgroup, cmd.Major, cmd.TTL)
	}
	m.broker.Dispatch().OnUnsubscribe = func(conn *localtransport.Connection, cmd localtransport.EventgroupCommand) {
		m.Unsubscribe(conn.ClientID, cmd.Service, cmd.Instance, cmd.Eventgroup)
	}
	m.broker.Dispatch().OnPing = m.handlePing
	m.broker.Dispatch().OnPong = func(_ *localtransport.Connection, token []byte) { m.handlePong(token) }
	m.broker.Dispatch().OnSuspend = func(*localtransport.Connection) { m.Suspend() }
	m.broker.Dispatch().OnResume = func(*localtransport.Connection) { m.Resume() }
	m.broker.Dispatch().OnData = func(conn *localtransport.Connection, instance wire.InstanceID, msg wire.Message, flush bool) {
		m.Send(conn.ClientID, msg, instance, flush)
	}
	m.broker.Dispatch().OnDisconnect = m.handleClientDisconnect
}
