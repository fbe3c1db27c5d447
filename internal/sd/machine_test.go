package sd

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/someipd/someipd/internal/registry"
	"github.com/someipd/someipd/internal/wire"
)

type fakeSender struct {
	mu        sync.Mutex
	unicasts  int
	multicasts int
}

func (f *fakeSender) SendUnicast(msg wire.SDMessage, addr string, port uint16) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unicasts++
	return nil
}

func (f *fakeSender) SendMulticast(msg wire.SDMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.multicasts++
	return nil
}

func (f *fakeSender) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.unicasts, f.multicasts
}

func TestMachineProgressesThroughPhases(t *testing.T) {
	cfg := Config{
		InitialDelayMin:      1 * time.Millisecond,
		InitialDelayMax:      2 * time.Millisecond,
		RepetitionsBaseDelay: 2 * time.Millisecond,
		RepetitionsMax:       2,
		CyclicOfferDelay:     10 * time.Millisecond,
		UnicastSupported:     true,
	}
	sender := &fakeSender{}
	key := registry.ServiceKey{Service: 1, Instance: 1}
	build := func() wire.SDMessage { return wire.SDMessage{} }
	m := NewMachine(key, RoleOffer, cfg, sender, nil, build, build)

	if m.Phase() != Inactive {
		t.Fatal("new machine must start Inactive")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)

	deadline := time.Now().Add(500 * time.Millisecond)
	for m.Phase() != ActiveMainOffer && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	if m.Phase() != ActiveMainOffer {
		t.Fatalf("expected machine to reach Active.Main.Offer, stuck at %v", m.Phase())
	}

	time.Sleep(15 * time.Millisecond)
	_, multicasts := sender.counts()
	if multicasts == 0 {
		t.Fatal("expected at least one multicast SD message sent during repetition/main phases")
	}

	m.Stop()
	if m.Phase() != Inactive {
		t.Fatal("expected machine back to Inactive after Stop")
	}
}

func TestMachineFindRoleReachesMainFindSend(t *testing.T) {
	cfg := Config{
		InitialDelayMin:      1 * time.Millisecond,
		InitialDelayMax:      2 * time.Millisecond,
		RepetitionsBaseDelay: 2 * time.Millisecond,
		RepetitionsMax:       1,
		CyclicOfferDelay:     10 * time.Millisecond,
	}
	sender := &fakeSender{}
	key := registry.ServiceKey{Service: 2, Instance: 2}
	build := func() wire.SDMessage { return wire.SDMessage{} }
	m := NewMachine(key, RoleFind, cfg, sender, nil, build, build)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)

	deadline := time.Now().Add(500 * time.Millisecond)
	for m.Phase() != ActiveMainFindSend && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	if m.Phase() != ActiveMainFindSend {
		t.Fatalf("expected Find-role machine to reach Active.Main.Find.Send, stuck at %v", m.Phase())
	}
	m.Stop()
}
