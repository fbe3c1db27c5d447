package sd

import (
	"testing"
	"time"

	"github.com/someipd/someipd/internal/registry"
	"github.com/someipd/someipd/internal/wire"
)

func TestHandleOfferServiceCreatesRemoteInstanceAndNotifies(t *testing.T) {
	reg := registry.New()
	eng := NewEngine(DefaultConfig, reg, nil)

	var notifiedKey registry.ServiceKey
	eng.OnAvailable = func(key registry.ServiceKey, major wire.MajorVersion, minor wire.MinorVersion, remoteAddr string) {
		notifiedKey = key
	}

	entry := wire.Entry{Type: wire.EntryOfferService, ServiceID: 0x1122, InstanceID: 0x0001, Major: 1, TTL: 3}
	eng.HandleOfferService(entry, "10.0.0.5")

	key := registry.ServiceKey{Service: 0x1122, Instance: 0x0001}
	s, ok := reg.FindService(key)
	if !ok {
		t.Fatal("expected service instance to be created")
	}
	if s.TTL != 3 {
		t.Fatalf("expected TTL 3, got %d", s.TTL)
	}
	if notifiedKey != key {
		t.Fatal("expected OnAvailable to be invoked with the offered key")
	}
}

func TestHandleOfferServiceStopRemovesInstance(t *testing.T) {
	reg := registry.New()
	eng := NewEngine(DefaultConfig, reg, nil)
	key := registry.ServiceKey{Service: 1, Instance: 1}

	eng.HandleOfferService(wire.Entry{Type: wire.EntryOfferService, ServiceID: 1, InstanceID: 1, TTL: 3}, "10.0.0.1")

	unavailCalled := false
	eng.OnUnavailable = func(k registry.ServiceKey) {
		if k == key {
			unavailCalled = true
		}
	}
	eng.HandleOfferService(wire.Entry{Type: wire.EntryOfferService, ServiceID: 1, InstanceID: 1, TTL: 0}, "10.0.0.1")

	if _, ok := reg.FindService(key); ok {
		t.Fatal("expected service instance removed on TTL=0 offer")
	}
	if !unavailCalled {
		t.Fatal("expected OnUnavailable to fire")
	}
}

// TestHandleSubscribeEventgroupAck implements spec.md scenario 2: an
// accepted subscribe with TTL=3 gets an Ack carrying the same TTL.
func TestHandleSubscribeEventgroupAck(t *testing.T) {
	reg := registry.New()
	eng := NewEngine(DefaultConfig, reg, nil)

	entry := wire.Entry{
		Type: wire.EntrySubscribeEventgroup, ServiceID: 0x1122, InstanceID: 0x0001,
		Eventgroup: 0x1000, TTL: 3, Major: 1,
	}
	ack := eng.HandleSubscribeEventgroup(entry, 0x0007, nil, nil, 3*time.Second)

	if ack.Type != wire.EntrySubscribeEventgroupAck {
		t.Fatalf("expected an Ack entry, got type %v", ack.Type)
	}
	if ack.TTL != 3 {
		t.Fatalf("expected TTL 3 on ack, got %d", ack.TTL)
	}
	if ack.ServiceID != entry.ServiceID || ack.InstanceID != entry.InstanceID || ack.Eventgroup != entry.Eventgroup {
		t.Fatal("ack must echo service/instance/eventgroup")
	}

	key := registry.EventgroupKey{ServiceKey: registry.ServiceKey{Service: 0x1122, Instance: 0x0001}, Eventgroup: 0x1000}
	g, ok := reg.FindEventgroup(key)
	if !ok {
		t.Fatal("expected eventgroup to be created")
	}
	subs := g.RemoteSubscriptions()
	if len(subs) != 1 || subs[0].Client != 0x0007 {
		t.Fatalf("expected client 0x0007 subscribed, got %v", subs)
	}
}

func TestHandleSubscribeEventgroupRejected(t *testing.T) {
	reg := registry.New()
	eng := NewEngine(DefaultConfig, reg, nil)
	eng.AcceptSubscribe = func(key registry.EventgroupKey, client wire.ClientID) bool { return false }

	entry := wire.Entry{Type: wire.EntrySubscribeEventgroup, ServiceID: 1, InstanceID: 1, Eventgroup: 1, TTL: 3}
	ack := eng.HandleSubscribeEventgroup(entry, 1, nil, nil, 3*time.Second)
	if ack.TTL != 0 {
		t.Fatalf("expected nack (TTL=0), got TTL=%d", ack.TTL)
	}
}

func TestHandleSubscribeEventgroupStopIsNoOpAckWhenAbsent(t *testing.T) {
	reg := registry.New()
	eng := NewEngine(DefaultConfig, reg, nil)

	entry := wire.Entry{Type: wire.EntrySubscribeEventgroup, ServiceID: 1, InstanceID: 1, Eventgroup: 1, TTL: 0}
	ack := eng.HandleSubscribeEventgroup(entry, 1, nil, nil, 0)
	if ack.TTL != 0 {
		t.Fatal("expected a TTL=0 ack for a stop-subscribe of a non-existent subscription")
	}
}

func TestExpireTickRemovesExpiredRemoteInstance(t *testing.T) {
	reg := registry.New()
	eng := NewEngine(DefaultConfig, reg, nil)
	key := registry.ServiceKey{Service: 1, Instance: 1}
	s, _ := reg.CreateService(key, 1, 0, false)
	s.TTL = 2

	expired := eng.ExpireTick([]*registry.ServiceInstance{s}, 3*time.Second)
	if len(expired) != 1 || expired[0] != key {
		t.Fatalf("expected key expired, got %v", expired)
	}
	if _, ok := reg.FindService(key); ok {
		t.Fatal("expected service removed after TTL expiry")
	}
}

func TestExpireTickNeverExpiresForeverTTL(t *testing.T) {
	reg := registry.New()
	eng := NewEngine(DefaultConfig, reg, nil)
	key := registry.ServiceKey{Service: 1, Instance: 1}
	s, _ := reg.CreateService(key, 1, 0, false)
	s.TTL = wire.TTLForever

	expired := eng.ExpireTick([]*registry.ServiceInstance{s}, time.Hour)
	if len(expired) != 0 {
		t.Fatal("a forever-TTL instance must never expire")
	}
}
