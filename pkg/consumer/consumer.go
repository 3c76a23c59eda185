package consumer

import (
	"context"
	"fmt"
	"sync"

	"github.com/ghuser/commandbus/pkg/config"
	"github.com/ghuser/commandbus/pkg/logger"
	"github.com/ghuser/commandbus/pkg/mailbox"
	"github.com/ghuser/commandbus/pkg/queue"
	"github.com/ghuser/commandbus/pkg/store"
)

// HandledCache is an optional read-through cache in front of the store's
// idempotency probe. Positive answers only; errors degrade to the store.
type HandledCache interface {
	Seen(ctx context.Context, messageID string) (bool, error)
	Mark(ctx context.Context, messageID string) error
}

// Consumer orchestrates the pipeline: queue ingress feeds the mailbox
// scheduler under a backpressure gate; each mailbox drain runs the
// transactional command pipeline and commits the offset.
type Consumer struct {
	cfg      *config.Config
	log      logger.Logger
	queue    queue.Client
	store    store.MessageStore
	registry *Registry
	cache    HandledCache

	sched   *mailbox.Scheduler[*queue.Delivery]
	gate    *gate
	metrics *metrics

	mu      sync.Mutex
	cancel  context.CancelFunc
	started bool
}

// Option customizes a Consumer.
type Option func(*Consumer)

// WithHandledCache installs a cache in front of the idempotency probe.
func WithHandledCache(c HandledCache) Option {
	return func(cons *Consumer) {
		cons.cache = c
	}
}

// New wires a Consumer from its collaborators. All dependencies are passed
// explicitly; nothing is resolved from globals.
func New(cfg *config.Config, log logger.Logger, q queue.Client, st store.MessageStore, reg *Registry, opts ...Option) *Consumer {
	c := &Consumer{
		cfg:      cfg,
		log:      log,
		queue:    q,
		store:    st,
		registry: reg,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start initializes the scheduler, gate, and metrics, then subscribes to the
// command queue. Deliveries flow until Stop.
func (c *Consumer) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return fmt.Errorf("consumer: already started")
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancel = cancel

	// Hysteresis margin: reopen ingress once in-flight falls a tenth below
	// the threshold.
	low := c.cfg.FullLoadThreshold / 10
	c.gate = newGate(c.cfg.FullLoadThreshold, low)

	c.sched = mailbox.New(c.cfg.WorkerPoolSize, c.cfg.MailboxBatchCount,
		func(d *queue.Delivery) { c.consume(runCtx, d) }, c.log)

	m, err := newMetrics(
		func() int64 { return int64(c.gate.len()) },
		func() int64 { return int64(c.sched.Active()) },
	)
	if err != nil {
		cancel()
		return fmt.Errorf("consumer: init metrics: %w", err)
	}
	c.metrics = m

	if err := c.queue.Start(ctx, c.cfg.CommandQueueName, c.cfg.ConsumerID, c.onMessage); err != nil {
		cancel()
		_ = m.close()
		return fmt.Errorf("consumer: start queue: %w", err)
	}

	c.started = true
	c.log.InfoContext(ctx, "consumer started",
		"queue", c.cfg.CommandQueueName,
		"consumer_group", c.cfg.ConsumerID,
		"full_load_threshold", c.cfg.FullLoadThreshold,
		"mailbox_batch_count", c.cfg.MailboxBatchCount,
	)
	return nil
}

// onMessage is the queue ingress callback: block under the gate, count the
// message, hand it to its mailbox.
func (c *Consumer) onMessage(ctx context.Context, d *queue.Delivery) {
	if err := c.gate.acquire(ctx); err != nil {
		// Shutting down; the uncommitted delivery will be redelivered.
		return
	}
	c.metrics.recordConsumed(ctx)
	if !c.sched.Enqueue(d.Key(), d) {
		c.gate.release()
	}
}

// Stop quiesces: no new deliveries, in-flight mailboxes drain, then the
// pipeline context is cancelled. Bounded by the shutdown deadline; contexts
// that miss it stay uncommitted and are redelivered.
func (c *Consumer) Stop(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started {
		return nil
	}
	c.started = false

	stopCtx := ctx
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		stopCtx, cancel = context.WithTimeout(ctx, c.cfg.ShutdownDeadline)
		defer cancel()
	}

	var firstErr error
	if err := c.queue.Stop(stopCtx); err != nil {
		firstErr = err
		c.log.Error("consumer: queue stop failed", "error", err)
	}
	if err := c.sched.Close(stopCtx); err != nil {
		if firstErr == nil {
			firstErr = err
		}
		c.log.Error("consumer: scheduler close failed", "error", err)
	}
	c.cancel()
	if err := c.metrics.close(); err != nil && firstErr == nil {
		firstErr = err
	}

	c.log.Info("consumer stopped")
	return firstErr
}
