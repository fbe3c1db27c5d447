package localtransport

import (
	"testing"

	"github.com/someipd/someipd/internal/wire"
)

func TestClientPoolAssignsLowestFreeID(t *testing.T) {
	dir := t.TempDir()
	pool, err := NewClientPool(dir, 1, 4, nil)
	if err != nil {
		t.Fatalf("NewClientPool: %v", err)
	}
	defer pool.Close()

	first, err := pool.Acquire(0)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if first != 1 {
		t.Fatalf("expected id 1, got %#04x", first)
	}

	second, err := pool.Acquire(0)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if second != 2 {
		t.Fatalf("expected id 2, got %#04x", second)
	}
}

func TestClientPoolHonorsExplicitRequest(t *testing.T) {
	dir := t.TempDir()
	pool, err := NewClientPool(dir, 1, 4, nil)
	if err != nil {
		t.Fatalf("NewClientPool: %v", err)
	}
	defer pool.Close()

	id, err := pool.Acquire(wire.ClientID(3))
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if id != 3 {
		t.Fatalf("expected id 3, got %#04x", id)
	}

	if _, err := pool.Acquire(wire.ClientID(3)); err == nil {
		t.Fatal("expected a second acquire of the same explicit id to fail")
	}
}

func TestClientPoolReleaseFreesID(t *testing.T) {
	dir := t.TempDir()
	pool, err := NewClientPool(dir, 1, 1, nil)
	if err != nil {
		t.Fatalf("NewClientPool: %v", err)
	}
	defer pool.Close()

	id, err := pool.Acquire(0)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if _, err := pool.Acquire(0); err != ErrPoolExhausted {
		t.Fatalf("expected pool exhausted, got %v", err)
	}

	pool.Release(id)
	if _, err := pool.Acquire(0); err != nil {
		t.Fatalf("expected released id to be reusable, got %v", err)
	}
}

func TestClientPoolExhaustion(t *testing.T) {
	dir := t.TempDir()
	pool, err := NewClientPool(dir, 1, 2, nil)
	if err != nil {
		t.Fatalf("NewClientPool: %v", err)
	}
	defer pool.Close()

	if _, err := pool.Acquire(0); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if _, err := pool.Acquire(0); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if _, err := pool.Acquire(0); err != ErrPoolExhausted {
		t.Fatalf("expected pool exhausted on third acquire, got %v", err)
	}
}
