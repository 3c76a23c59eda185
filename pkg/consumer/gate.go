package consumer

import (
	"context"
	"sync"
)

// gate bounds the number of in-flight contexts with hysteresis: once the
// count reaches high, acquire blocks until releases bring it back to
// high−low, which keeps ingress from flapping around the threshold.
type gate struct {
	mu        sync.Mutex
	cond      *sync.Cond
	inflight  int
	high      int
	low       int
	saturated bool
}

func newGate(high, low int) *gate {
	if low < 1 {
		low = 1
	}
	if low > high {
		low = high
	}
	g := &gate{high: high, low: low}
	g.cond = sync.NewCond(&g.mu)
	return g
}

// acquire blocks while the gate is saturated, then takes a slot. Returns
// ctx.Err() if the context ends first.
func (g *gate) acquire(ctx context.Context) error {
	// Wake waiters when the context ends; Broadcast on a cond is the
	// standard escape hatch for ctx-aware waits.
	stop := context.AfterFunc(ctx, func() {
		g.mu.Lock()
		g.cond.Broadcast()
		g.mu.Unlock()
	})
	defer stop()

	g.mu.Lock()
	defer g.mu.Unlock()
	for g.saturated || g.inflight >= g.high {
		g.saturated = true
		if ctx.Err() != nil {
			return ctx.Err()
		}
		g.cond.Wait()
	}
	g.inflight++
	if g.inflight >= g.high {
		g.saturated = true
	}
	return nil
}

// release frees a slot and, when the count falls to high−low, reopens the
// gate.
func (g *gate) release() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.inflight--
	if g.saturated && g.inflight <= g.high-g.low {
		g.saturated = false
		g.cond.Broadcast()
	}
}

// len reports the current in-flight count.
func (g *gate) len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inflight
}
