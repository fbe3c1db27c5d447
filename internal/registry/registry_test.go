package registry

import (
	"testing"
	"time"

	"github.com/someipd/someipd/internal/wire"
)

func TestCreateServiceRejectsConflictingLocality(t *testing.T) {
	r := New()
	key := ServiceKey{Service: 0x1234, Instance: 0x5678}
	if _, err := r.CreateService(key, 1, 0, true); err != nil {
		t.Fatalf("create local: %v", err)
	}
	if _, err := r.CreateService(key, 1, 0, false); err != ErrConflict {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if _, err := r.CreateService(key, 1, 0, true); err != nil {
		t.Fatalf("re-creating with matching locality should succeed: %v", err)
	}
}

func TestRequesterTracking(t *testing.T) {
	r := New()
	key := ServiceKey{Service: 1, Instance: 1}
	r.AddRequester(key, 10)
	r.AddRequester(key, 11)

	if wasLast := r.RemoveRequester(key, 10); wasLast {
		t.Fatal("should not be last requester yet")
	}
	if wasLast := r.RemoveRequester(key, 11); !wasLast {
		t.Fatal("expected last requester to be reported")
	}
}

// TestLoopbackNotificationSubscriberSet implements spec.md scenario 1:
// a local subscriber of an event must appear in the filtered
// subscriber set once a payload is published.
func TestLoopbackNotificationSubscriberSet(t *testing.T) {
	r := New()
	eventKey := EventKey{ServiceKey: ServiceKey{Service: 0x1234, Instance: 0x5678}, Event: 0x8001}
	event := r.RegisterEvent(eventKey, KindEvent, ReliabilityUnreliable, UpdatePolicy{})
	event.Subscribe(0x0042)

	payload := []byte{0x00, 0x01, 0x02, 0x03, 0x04}
	subs, delivered := event.UpdateAndGetFilteredSubscribers(payload, time.Now())
	if !delivered {
		t.Fatal("expected delivery with no filters configured")
	}
	if len(subs) != 1 || subs[0] != 0x0042 {
		t.Fatalf("expected exactly client 0x0042 to be notified, got %v", subs)
	}
}

func TestUpdateOnChangeSuppressesDuplicatePayload(t *testing.T) {
	r := New()
	eventKey := EventKey{ServiceKey: ServiceKey{Service: 1, Instance: 1}, Event: 1}
	event := r.RegisterEvent(eventKey, KindField, ReliabilityUnreliable, UpdatePolicy{UpdateOnChange: true})
	event.Subscribe(1)

	payload := []byte{1, 2, 3}
	if _, delivered := event.UpdateAndGetFilteredSubscribers(payload, time.Now()); !delivered {
		t.Fatal("first update must deliver")
	}
	if _, delivered := event.UpdateAndGetFilteredSubscribers(payload, time.Now()); delivered {
		t.Fatal("identical payload must be suppressed by update-on-change")
	}
	changed := []byte{1, 2, 4}
	if _, delivered := event.UpdateAndGetFilteredSubscribers(changed, time.Now()); !delivered {
		t.Fatal("changed payload must be delivered")
	}
}

func TestCycleTimeDebouncesDelivery(t *testing.T) {
	r := New()
	eventKey := EventKey{ServiceKey: ServiceKey{Service: 1, Instance: 1}, Event: 2}
	event := r.RegisterEvent(eventKey, KindEvent, ReliabilityUnreliable, UpdatePolicy{CycleTime: time.Minute})
	event.Subscribe(1)

	base := time.Now()
	if _, delivered := event.UpdateAndGetFilteredSubscribers([]byte{1}, base); !delivered {
		t.Fatal("first update must deliver regardless of cycle time")
	}
	if _, delivered := event.UpdateAndGetFilteredSubscribers([]byte{2}, base.Add(time.Second)); delivered {
		t.Fatal("update within the cycle window must be suppressed")
	}
	if _, delivered := event.UpdateAndGetFilteredSubscribers([]byte{3}, base.Add(2*time.Minute)); !delivered {
		t.Fatal("update after the cycle window must be delivered")
	}
}

// TestStopOfferInvalidatesCachedField implements the cached-field half
// of spec.md scenario 5: removing a service clears its field cache.
func TestStopOfferInvalidatesCachedField(t *testing.T) {
	r := New()
	key := ServiceKey{Service: 0x2277, Instance: 0x0022}
	if _, err := r.CreateService(key, 1, 0, true); err != nil {
		t.Fatalf("create: %v", err)
	}
	eventKey := EventKey{ServiceKey: key, Event: 1}
	r.RegisterEvent(eventKey, KindField, ReliabilityUnreliable, UpdatePolicy{})
	r.SetFieldCache(eventKey, []byte{9, 9, 9})

	if _, ok := r.FieldCache(eventKey); !ok {
		t.Fatal("expected cached field value before stop-offer")
	}
	r.RemoveService(key)
	if _, ok := r.FieldCache(eventKey); ok {
		t.Fatal("expected cached field value to be invalidated by RemoveService")
	}
}

func TestUpdateRemoteSubscriptionReportsNewThenUnchanged(t *testing.T) {
	g := &Eventgroup{Key: EventgroupKey{ServiceKey: ServiceKey{Service: 1, Instance: 1}, Eventgroup: 1}, Events: map[wire.EventID]struct{}{}, subscriptions: map[wire.ClientID]*RemoteSubscription{}}

	exp := time.Now().Add(3 * time.Second)
	if result := g.UpdateRemoteSubscription(5, nil, nil, exp); result != SubscriptionNew {
		t.Fatalf("expected SubscriptionNew, got %v", result)
	}
	if result := g.UpdateRemoteSubscription(5, nil, nil, exp.Add(time.Second)); result != SubscriptionUnchanged {
		t.Fatalf("expected SubscriptionUnchanged on refresh, got %v", result)
	}
}

func TestExpireRemoteSubscriptions(t *testing.T) {
	g := &Eventgroup{Key: EventgroupKey{ServiceKey: ServiceKey{Service: 1, Instance: 1}, Eventgroup: 1}, Events: map[wire.EventID]struct{}{}, subscriptions: map[wire.ClientID]*RemoteSubscription{}}
	now := time.Now()
	g.UpdateRemoteSubscription(1, nil, nil, now.Add(-time.Second))
	g.UpdateRemoteSubscription(2, nil, nil, now.Add(time.Hour))

	expired := g.ExpireRemoteSubscriptions(now)
	if len(expired) != 1 || expired[0] != 1 {
		t.Fatalf("expected client 1 to be expired, got %v", expired)
	}
	remaining := g.RemoteSubscriptions()
	if len(remaining) != 1 || remaining[0].Client != 2 {
		t.Fatalf("expected client 2 to remain, got %v", remaining)
	}
}
