package localtransport

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/someipd/someipd/internal/wire"
)

func TestRegisterApplicationAssignsClientID(t *testing.T) {
	dir := t.TempDir()
	sock := filepath.Join(dir, "broker.sock")
	pool, err := NewClientPool(filepath.Join(dir, "locks"), 1, 16, nil)
	if err != nil {
		t.Fatalf("NewClientPool: %v", err)
	}
	defer pool.Close()

	broker := NewBroker(sock, pool, Dispatcher{})
	if err := broker.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer broker.Stop()

	conn, err := DialApplication(sock, 0, "test-app", 8, nil)
	if err != nil {
		t.Fatalf("DialApplication: %v", err)
	}
	conn.Serve(nil, nil)
	defer conn.Close()

	if conn.ClientID == 0 {
		t.Fatal("expected a nonzero assigned client-id")
	}

	deadline := time.Now().Add(time.Second)
	for broker.ConnectionCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if broker.ConnectionCount() != 1 {
		t.Fatalf("expected broker to track 1 connection, got %d", broker.ConnectionCount())
	}
	if _, ok := broker.Lookup(conn.ClientID); !ok {
		t.Fatal("expected broker to find the connection by its assigned client-id")
	}
}

func TestOfferServiceFrameReachesDispatcher(t *testing.T) {
	dir := t.TempDir()
	sock := filepath.Join(dir, "broker.sock")
	pool, err := NewClientPool(filepath.Join(dir, "locks"), 1, 16, nil)
	if err != nil {
		t.Fatalf("NewClientPool: %v", err)
	}
	defer pool.Close()

	var mu sync.Mutex
	var got ServiceCommand
	received := make(chan struct{})
	broker := NewBroker(sock, pool, Dispatcher{
		OnOfferService: func(conn *Connection, cmd ServiceCommand) {
			mu.Lock()
			got = cmd
			mu.Unlock()
			close(received)
		},
	})
	if err := broker.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer broker.Stop()

	conn, err := DialApplication(sock, 0, "provider", 8, nil)
	if err != nil {
		t.Fatalf("DialApplication: %v", err)
	}
	conn.Serve(nil, nil)
	defer conn.Close()

	cmd := ServiceCommand{Service: 0x1122, Instance: 0x0001, Major: 1, Minor: 0}
	if err := conn.Send(Frame{Type: FrameOfferService, Payload: cmd.encode()}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case <-received:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for OnOfferService")
	}

	mu.Lock()
	defer mu.Unlock()
	if got != cmd {
		t.Fatalf("dispatched command mismatch: got %+v, want %+v", got, cmd)
	}
}

func TestConnectionLossInvokesOnDisconnect(t *testing.T) {
	dir := t.TempDir()
	sock := filepath.Join(dir, "broker.sock")
	pool, err := NewClientPool(filepath.Join(dir, "locks"), 1, 16, nil)
	if err != nil {
		t.Fatalf("NewClientPool: %v", err)
	}
	defer pool.Close()

	disconnected := make(chan wire.ClientID, 1)
	broker := NewBroker(sock, pool, Dispatcher{
		OnDisconnect: func(clientID wire.ClientID, cause error) {
			disconnected <- clientID
		},
	})
	if err := broker.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer broker.Stop()

	conn, err := DialApplication(sock, 0, "flaky-app", 8, nil)
	if err != nil {
		t.Fatalf("DialApplication: %v", err)
	}
	conn.Serve(nil, nil)
	assigned := conn.ClientID
	conn.Close()

	select {
	case id := <-disconnected:
		if id != assigned {
			t.Fatalf("expected disconnect for client %#04x, got %#04x", assigned, id)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for OnDisconnect")
	}

	if _, ok := broker.Lookup(assigned); ok {
		t.Fatal("expected connection removed from broker after disconnect")
	}
}
