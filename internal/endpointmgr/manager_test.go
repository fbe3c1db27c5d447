package endpointmgr

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/someipd/someipd/internal/endpoint"
	"github.com/someipd/someipd/internal/wire"
)

// fakeEndpoint is a minimal Endpoint for exercising the manager
// without touching real sockets.
type fakeEndpoint struct {
	started      bool
	stopped      bool
	prepared     bool
	refs         int32
	startErr     error
	stopCallback func()
}

func (f *fakeEndpoint) Start(ctx context.Context) error { f.started = true; return f.startErr }
func (f *fakeEndpoint) Stop() error                     { f.stopped = true; return nil }
func (f *fakeEndpoint) PrepareStop(done func()) {
	f.prepared = true
	f.stopped = true
	if done != nil {
		done()
	}
}
func (f *fakeEndpoint) Send(buf []byte) error                        { return nil }
func (f *fakeEndpoint) SendTo(buf []byte, dest net.Addr) error       { return nil }
func (f *fakeEndpoint) Flush()                                       {}
func (f *fakeEndpoint) IsEstablished() bool                          { return f.started && !f.stopped }
func (f *fakeEndpoint) IsReliable() bool                             { return false }
func (f *fakeEndpoint) IsLocal() bool                                { return false }
func (f *fakeEndpoint) RegisterErrorHandler(h endpoint.ErrorHandler) {}
func (f *fakeEndpoint) Restart(ctx context.Context) error            { return nil }
func (f *fakeEndpoint) SetMessageHandler(h endpoint.MessageHandler)  {}
func (f *fakeEndpoint) IncRefs() int32                               { f.refs++; return f.refs }
func (f *fakeEndpoint) DecRefs() int32                               { f.refs--; return f.refs }
func (f *fakeEndpoint) Refs() int32                                  { return f.refs }

var _ endpoint.Endpoint = (*fakeEndpoint)(nil)

func TestFindOrCreateServerSharesSameEndpoint(t *testing.T) {
	m := New(nil)
	calls := 0
	factory := func() (endpoint.Endpoint, error) {
		calls++
		return &fakeEndpoint{}, nil
	}
	key := ServerKey{Port: 30509, Reliable: false}

	ep1, err := m.FindOrCreateServer(context.Background(), key, factory)
	if err != nil {
		t.Fatalf("first create: %v", err)
	}
	ep2, err := m.FindOrCreateServer(context.Background(), key, factory)
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if ep1 != ep2 {
		t.Fatal("expected the same endpoint instance for the same key")
	}
	if calls != 1 {
		t.Fatalf("expected factory called once, got %d", calls)
	}
	if m.ServerCount() != 1 {
		t.Fatalf("expected 1 tracked server, got %d", m.ServerCount())
	}
}

func TestReleaseServerStopsOnZeroRefs(t *testing.T) {
	m := New(nil)
	fe := &fakeEndpoint{}
	key := ServerKey{Port: 30509, Reliable: true}
	factory := func() (endpoint.Endpoint, error) { return fe, nil }

	if _, err := m.FindOrCreateServer(context.Background(), key, factory); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := m.FindOrCreateServer(context.Background(), key, factory); err != nil {
		t.Fatalf("second create: %v", err)
	}

	m.ReleaseServer(key)
	if fe.stopped {
		t.Fatal("endpoint stopped before last release")
	}
	m.ReleaseServer(key)
	if !fe.prepared {
		t.Fatal("expected endpoint to be prepare-stopped after last release")
	}
	if m.ServerCount() != 0 {
		t.Fatal("expected server removed from the index after last release")
	}
}

func TestFindOrCreateServerPropagatesFactoryError(t *testing.T) {
	m := New(nil)
	wantErr := errors.New("bind failed")
	factory := func() (endpoint.Endpoint, error) { return nil, wantErr }
	_, err := m.FindOrCreateServer(context.Background(), ServerKey{Port: 1, Reliable: false}, factory)
	if err == nil || !errors.Is(err, wantErr) {
		t.Fatalf("expected wrapped factory error, got %v", err)
	}
}

func TestLocalEndpointLookupAndRelease(t *testing.T) {
	m := New(nil)
	fe := &fakeEndpoint{}
	clientID := wire.ClientID(0x0001)
	factory := func() (endpoint.Endpoint, error) { return fe, nil }

	if _, err := m.FindOrCreateLocal(context.Background(), clientID, factory); err != nil {
		t.Fatalf("create local: %v", err)
	}
	if _, ok := m.LookupLocal(clientID); !ok {
		t.Fatal("expected local endpoint to be registered")
	}
	m.ReleaseLocal(clientID)
	if _, ok := m.LookupLocal(clientID); ok {
		t.Fatal("expected local endpoint to be removed after release")
	}
	if !fe.stopped {
		t.Fatal("expected Stop to have been called")
	}
}
