package reactor

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestSubmitRunsTaskOnWorker(t *testing.T) {
	p := New(2, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)
	defer p.Stop()

	done := make(chan struct{})
	if !p.Submit(func() { close(done) }) {
		t.Fatal("Submit reported false")
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("task did not run")
	}
}

func TestSubmitFansOutAcrossWorkers(t *testing.T) {
	const n = 50
	p := New(4, n)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)
	defer p.Stop()

	var wg sync.WaitGroup
	var count atomic.Int32
	wg.Add(n)
	for i := 0; i < n; i++ {
		ok := p.Submit(func() {
			count.Add(1)
			wg.Done()
		})
		if !ok {
			t.Fatalf("Submit %d reported false", i)
		}
	}
	waitOrTimeout(t, &wg, time.Second)
	if got := count.Load(); got != n {
		t.Errorf("count = %d, want %d", got, n)
	}
}

func TestSubmitDropsWhenQueueFull(t *testing.T) {
	p := New(1, 1)
	// Do not Start: no worker drains the queue, so the first Submit
	// fills the single slot and the second must be dropped.
	var dropped atomic.Int32
	p = New(1, 1, WithDropHandler(func() { dropped.Add(1) }))

	if !p.Submit(func() {}) {
		t.Fatal("first Submit should have queued (buffer has capacity 1)")
	}
	if p.Submit(func() {}) {
		t.Fatal("second Submit should have been dropped (queue full, no worker draining)")
	}
	if dropped.Load() != 1 {
		t.Errorf("dropped = %d, want 1", dropped.Load())
	}
}

func TestStopPreventsFurtherSubmit(t *testing.T) {
	p := New(2, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)
	p.Stop()

	if p.Submit(func() {}) {
		t.Error("Submit after Stop reported true")
	}
}

func TestStopWaitsForRunningTask(t *testing.T) {
	p := New(1, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)

	started := make(chan struct{})
	release := make(chan struct{})
	p.Submit(func() {
		close(started)
		<-release
	})
	<-started

	stopped := make(chan struct{})
	go func() {
		p.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned before the running task finished")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return after task completed")
	}
}

func TestPanickingTaskDoesNotKillWorker(t *testing.T) {
	p := New(1, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)
	defer p.Stop()

	p.Submit(func() { panic("boom") })

	done := make(chan struct{})
	if !p.Submit(func() { close(done) }) {
		t.Fatal("Submit reported false")
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not survive the panicking task")
	}
}

func waitOrTimeout(t *testing.T, wg *sync.WaitGroup, d time.Duration) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(d):
		t.Fatal("timed out waiting for WaitGroup")
	}
}
