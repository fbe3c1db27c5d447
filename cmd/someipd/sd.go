package main

import (
	"context"
	"fmt"
	"hash/fnv"
	"net"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/someipd/someipd/internal/config"
	"github.com/someipd/someipd/internal/endpoint"
	"github.com/someipd/someipd/internal/registry"
	"github.com/someipd/someipd/internal/sd"
	"github.com/someipd/someipd/internal/wire"
)

// sdTransport owns the SD service's single UDP socket (bound to
// SDPort and joined to the multicast group, per spec.md §4.6: vsomeip
// sends and receives both unicast and multicast SD traffic on the
// same socket) and implements sd.Sender, wrapping outgoing messages
// with the session-id the Engine itself hands out.
//
// sd.Machine/Engine pass raw, unwrapped wire.SDMessage values to
// Sender; NextSession here is a second, independent call from the one
// router.Manager's buildOfferMessage/buildFindMessage already consume
// and discard to read the reboot flag, so the session counter simply
// advances by two per logical offer/find cycle instead of one. That
// does not break monotonic-or-decreasing reboot detection.
type sdTransport struct {
	server   *endpoint.UDPServer
	engine   *sd.Engine
	multicast string
	port     uint16
	log      *logrus.Entry
}

func newSDTransport(cfg config.Config, engine *sd.Engine, log *logrus.Entry) *sdTransport {
	server := endpoint.NewUDPServer(cfg.UnicastAddress, cfg.SDPort, endpoint.WithLogger(log))
	return &sdTransport{
		server:    server,
		engine:    engine,
		multicast: cfg.SDMulticastAddress,
		port:      cfg.SDPort,
		log:       log.WithField("component", "sd-transport"),
	}
}

func (t *sdTransport) start(ctx context.Context) error {
	if err := t.server.Start(ctx); err != nil {
		return fmt.Errorf("sd: start socket: %w", err)
	}
	if err := t.server.JoinGroup(net.ParseIP(t.multicast)); err != nil {
		return fmt.Errorf("sd: join multicast group %s: %w", t.multicast, err)
	}
	return nil
}

func (t *sdTransport) stop() error { return t.server.Stop() }

// SendUnicast implements sd.Sender.
func (t *sdTransport) SendUnicast(msg wire.SDMessage, addr string, port uint16) error {
	session, reboot := t.engine.NextSession()
	envelope := wire.WrapSD(session, reboot, t.stampFlags(msg, reboot))
	dest := &net.UDPAddr{IP: net.ParseIP(addr), Port: int(port)}
	return t.server.SendTo(envelope.Encode(), dest)
}

// SendMulticast implements sd.Sender.
func (t *sdTransport) SendMulticast(msg wire.SDMessage) error {
	session, reboot := t.engine.NextSession()
	envelope := wire.WrapSD(session, reboot, t.stampFlags(msg, reboot))
	dest := &net.UDPAddr{IP: net.ParseIP(t.multicast), Port: int(t.port)}
	return t.server.SendTo(envelope.Encode(), dest)
}

// stampFlags sets the reboot and unicast-supported bits in the SD
// payload's own Flags byte. wire.WrapSD's reboot parameter only
// addresses the SOME/IP header construction, which carries no reboot
// bit of its own — the SD wire format puts that bit in the payload's
// Flags byte instead, so it must be set here before encoding.
func (t *sdTransport) stampFlags(msg wire.SDMessage, reboot bool) wire.SDMessage {
	if t.engine.UnicastSupported() {
		msg.Flags |= wire.SDFlagUnicastSupported
	}
	if reboot {
		msg.Flags |= wire.SDFlagReboot
	}
	return msg
}

var _ sd.Sender = (*sdTransport)(nil)

// sdDispatcher decodes every datagram the SD socket receives and
// routes each entry to the matching sd.Engine handler. internal/sd
// exposes only per-entry-type handlers plus CheckReboot; there is no
// single "handle this datagram" entrypoint in the library, so that
// glue belongs here in the daemon's wiring layer (SPEC_FULL.md §2).
type sdDispatcher struct {
	engine    *sd.Engine
	reg       *registry.Registry
	transport *sdTransport
	log       *logrus.Entry
}

func newSDDispatcher(engine *sd.Engine, reg *registry.Registry, transport *sdTransport, log *logrus.Entry) *sdDispatcher {
	return &sdDispatcher{engine: engine, reg: reg, transport: transport, log: log.WithField("component", "sd-dispatch")}
}

// handle is installed as the SD socket's endpoint.MessageHandler.
func (d *sdDispatcher) handle(msg wire.Message, raw []byte, remote net.Addr, isMulticast bool) {
	if !wire.IsSDMessage(msg.Header) {
		return
	}
	sdmsg, err := wire.DecodeSD(msg.Payload)
	if err != nil {
		d.log.WithError(err).Warn("malformed SD payload")
		return
	}

	udpAddr, ok := remote.(*net.UDPAddr)
	if !ok {
		d.log.Warn("SD datagram from non-UDP remote, dropping")
		return
	}

	result := d.engine.CheckReboot(udpAddr.IP.String(), isMulticast, sdmsg, msg.Header.SessionID)
	if result.Rebooted {
		d.log.WithField("sender", udpAddr.IP.String()).Info("sender reboot detected")
	}

	for _, entry := range sdmsg.Entries {
		switch entry.Type {
		case wire.EntryOfferService:
			d.engine.HandleOfferService(entry, udpAddr.IP.String())
		case wire.EntryFindService:
			if err := d.engine.HandleFindService(entry, sdmsg, udpAddr.IP.String(), uint16(udpAddr.Port)); err != nil {
				d.log.WithError(err).Debug("find-service reply not sent")
			}
		case wire.EntrySubscribeEventgroup:
			d.handleSubscribe(entry, sdmsg, udpAddr)
		default:
		}
	}
}

func (d *sdDispatcher) handleSubscribe(entry wire.Entry, msg wire.SDMessage, sender *net.UDPAddr) {
	opts := resolveOptions(msg, entry)
	reliable, unreliable := resolveEndpoints(opts)
	client := pseudoClientID(sender)
	ttl := subscriptionTTL(entry.TTL)
	ack := d.engine.HandleSubscribeEventgroup(entry, client, reliable, unreliable, ttl)

	reply := wire.SDMessage{Entries: []wire.Entry{ack}}
	if err := d.transport.SendUnicast(reply, sender.IP.String(), uint16(sender.Port)); err != nil {
		d.log.WithError(err).Warn("failed to send subscribe-eventgroup ack")
	}
}

// resolveOptions expands an entry's Index1st/NumOpts1st/Index2nd/
// NumOpts2nd run-length references into the concrete options they
// name within the parent message's Options slice.
func resolveOptions(msg wire.SDMessage, entry wire.Entry) []wire.Option {
	var opts []wire.Option
	opts = append(opts, sliceOptions(msg.Options, int(entry.Index1st), int(entry.NumOpts1st))...)
	opts = append(opts, sliceOptions(msg.Options, int(entry.Index2nd), int(entry.NumOpts2nd))...)
	return opts
}

func sliceOptions(all []wire.Option, index, count int) []wire.Option {
	if count == 0 || index < 0 || index >= len(all) {
		return nil
	}
	end := index + count
	if end > len(all) {
		end = len(all)
	}
	return all[index:end]
}

// resolveEndpoints picks the reliable and unreliable unicast/SD
// endpoint options out of opts, the two a subscriber advertises to
// receive eventgroup notifications on.
func resolveEndpoints(opts []wire.Option) (reliable, unreliable *net.UDPAddr) {
	for _, o := range opts {
		switch o.Type {
		case wire.OptionIPv4Unicast, wire.OptionIPv6Unicast, wire.OptionIPv4SDEndpoint, wire.OptionIPv6SDEndpoint:
			addr := &net.UDPAddr{IP: o.Addr, Port: int(o.Port)}
			if o.Proto == wire.ProtoTCP {
				reliable = addr
			} else {
				unreliable = addr
			}
		}
	}
	return reliable, unreliable
}

// subscriptionTTL converts a wire TTL (seconds, or the TTLForever
// sentinel) into the time.Duration HandleSubscribeEventgroup expects.
func subscriptionTTL(ttl wire.TTL) time.Duration {
	if ttl == wire.TTLForever {
		return 100 * 365 * 24 * time.Hour
	}
	return time.Duration(ttl) * time.Second
}

// pseudoClientID synthesizes a stand-in wire.ClientID for a remote
// subscriber. SubscribeEventgroup carries no client-id on the wire —
// client ids are a purely local-transport concept — yet
// registry.Eventgroup's subscription bookkeeping is unconditionally
// keyed by one, so a deterministic hash of the resolved endpoint
// address stands in for remote subscriber identity (see DESIGN.md).
func pseudoClientID(addr *net.UDPAddr) wire.ClientID {
	h := fnv.New32a()
	fmt.Fprintf(h, "%s:%d", addr.IP.String(), addr.Port)
	return wire.ClientID(uint16(h.Sum32()))
}
