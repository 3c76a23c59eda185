// Package mailbox implements per-key serialized, cross-key parallel
// execution with bounded workers: the scheduler routes each item to a
// mailbox keyed by its routing key, and a worker pool drains mailboxes in
// batches so no key can starve the others.
package mailbox

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/sourcegraph/conc/pool"

	"github.com/ghuser/commandbus/pkg/logger"
)

// Scheduler routes items to per-key mailboxes and drains them on a bounded
// worker pool. For two items with the same key, the handler invocation for
// the first completes before the second starts.
type Scheduler[T any] struct {
	handler func(T)
	batch   int
	log     logger.Logger

	mu     sync.Mutex
	boxes  map[string]*box[T]
	closed bool

	workers *pool.Pool
	// drains counts in-flight drain tasks, including pending resubmissions,
	// so Close can wait for a true quiescent point.
	drains sync.WaitGroup
}

type box[T any] struct {
	pending []T
	running bool
}

// New returns a Scheduler executing handler on up to poolSize workers,
// draining at most batchCount items per mailbox turn before yielding.
func New[T any](poolSize, batchCount int, handler func(T), log logger.Logger) *Scheduler[T] {
	return &Scheduler[T]{
		handler: handler,
		batch:   batchCount,
		log:     log,
		boxes:   make(map[string]*box[T]),
		workers: pool.New().WithMaxGoroutines(poolSize),
	}
}

// Enqueue adds item to key's mailbox, creating it if absent, and schedules a
// drain if none is running. Blocks while the worker pool is saturated (this
// is the scheduler's contribution to backpressure). Returns false when the
// scheduler is closed; the item is not accepted.
func (s *Scheduler[T]) Enqueue(key string, item T) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	b, ok := s.boxes[key]
	if !ok {
		b = &box[T]{}
		s.boxes[key] = b
	}
	b.pending = append(b.pending, item)
	spawn := !b.running
	if spawn {
		b.running = true
		s.drains.Add(1)
	}
	s.mu.Unlock()

	if spawn {
		// Outside the lock: Go blocks when all workers are busy.
		s.workers.Go(func() { s.drain(key, b) })
	}
	return true
}

// drain processes up to one batch from b. It either clears the running flag
// (mailbox empty, destroyed) or resubmits itself, both under the mailbox
// lock so an Enqueue racing the handoff can never lose its wakeup.
func (s *Scheduler[T]) drain(key string, b *box[T]) {
	defer s.drains.Done()

	for i := 0; i < s.batch; i++ {
		s.mu.Lock()
		if len(b.pending) == 0 {
			b.running = false
			delete(s.boxes, key)
			s.mu.Unlock()
			return
		}
		item := b.pending[0]
		b.pending = b.pending[1:]
		s.mu.Unlock()

		s.invoke(key, item)
	}

	s.mu.Lock()
	if len(b.pending) == 0 {
		b.running = false
		delete(s.boxes, key)
		s.mu.Unlock()
		return
	}
	// Batch exhausted with work left: yield the worker and requeue. The
	// running flag stays set, so only this resubmission can drain the box.
	s.drains.Add(1)
	s.mu.Unlock()

	// Resubmit from a fresh goroutine; submitting from inside a worker can
	// deadlock when every worker is blocked handing off at once.
	go s.workers.Go(func() { s.drain(key, b) })
}

// invoke runs the handler, absorbing panics so one poisoned item cannot
// break the drain loop or strand the mailbox.
func (s *Scheduler[T]) invoke(key string, item T) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("mailbox: handler panic",
				"key", key,
				"panic", fmt.Sprintf("%v", r),
				"stack", string(debug.Stack()),
			)
		}
	}()
	s.handler(item)
}

// Active returns the number of live mailboxes.
func (s *Scheduler[T]) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.boxes)
}

// Close rejects new items, waits for every mailbox to drain (bounded by
// ctx), then releases the worker pool.
func (s *Scheduler[T]) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.drains.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("mailbox: timed out draining: %w", ctx.Err())
	}

	// No drain tasks remain and Enqueue is closed, so no further Go calls.
	s.workers.Wait()
	return nil
}
