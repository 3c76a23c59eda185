package consumer

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

// TestGate_BlocksAtThreshold verifies acquire blocks once the high mark is
// reached.
func TestGate_BlocksAtThreshold(t *testing.T) {
	g := newGate(2, 1)
	ctx := context.Background()

	if err := g.acquire(ctx); err != nil {
		t.Fatalf("acquire 1: %v", err)
	}
	if err := g.acquire(ctx); err != nil {
		t.Fatalf("acquire 2: %v", err)
	}

	var acquired atomic.Bool
	go func() {
		if err := g.acquire(ctx); err == nil {
			acquired.Store(true)
		}
	}()

	time.Sleep(50 * time.Millisecond)
	if acquired.Load() {
		t.Fatal("third acquire succeeded at threshold")
	}

	g.release()
	deadline := time.Now().Add(2 * time.Second)
	for !acquired.Load() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if !acquired.Load() {
		t.Fatal("acquire never unblocked after release")
	}
}

// TestGate_Hysteresis verifies a saturated gate stays closed until in-flight
// falls to high−low, not merely below high.
func TestGate_Hysteresis(t *testing.T) {
	g := newGate(4, 2)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		if err := g.acquire(ctx); err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
	}

	var acquired atomic.Bool
	go func() {
		if err := g.acquire(ctx); err == nil {
			acquired.Store(true)
		}
	}()

	// One release leaves in-flight at 3 > high−low = 2: still closed.
	g.release()
	time.Sleep(50 * time.Millisecond)
	if acquired.Load() {
		t.Fatal("gate reopened above the hysteresis mark")
	}

	// Second release reaches the low-water mark: reopen.
	g.release()
	deadline := time.Now().Add(2 * time.Second)
	for !acquired.Load() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if !acquired.Load() {
		t.Fatal("gate never reopened at the hysteresis mark")
	}
}

// TestGate_AcquireObservesContext verifies a blocked acquire returns when
// its context is cancelled.
func TestGate_AcquireObservesContext(t *testing.T) {
	g := newGate(1, 1)
	if err := g.acquire(context.Background()); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- g.acquire(ctx)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("acquire returned nil after cancellation")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("acquire did not observe cancellation")
	}
}
