// Package outbox drains the durable outbox to the queue transport. The
// pipeline's inline publish is best-effort; the relay guarantees every
// committed envelope eventually reaches the transport (at-least-once).
package outbox

import (
	"context"
	"time"

	"github.com/ghuser/commandbus/pkg/logger"
	"github.com/ghuser/commandbus/pkg/queue"
	"github.com/ghuser/commandbus/pkg/store"
)

// maxBackoffFactor caps the failure backoff at interval·2^5.
const maxBackoffFactor = 5

// Source claims undispatched outbox rows and stamps the ones publish
// reports as sent. Implemented by store.PostgresStore.
type Source interface {
	DispatchPending(ctx context.Context, limit int, publish func(context.Context, []store.OutboxEntry) ([]string, error)) (int, error)
}

// Relay polls the outbox and publishes pending envelopes in sequence order.
type Relay struct {
	src      Source
	pub      queue.Publisher
	log      logger.Logger
	interval time.Duration
	batch    int
}

// New returns a Relay polling src every interval, publishing at most batch
// envelopes per tick.
func New(src Source, pub queue.Publisher, log logger.Logger, interval time.Duration, batch int) *Relay {
	return &Relay{src: src, pub: pub, log: log, interval: interval, batch: batch}
}

// Run polls until ctx is cancelled. Consecutive failures stretch the poll
// interval exponentially (bounded), so a down transport is not hammered.
func (r *Relay) Run(ctx context.Context) {
	r.log.InfoContext(ctx, "outbox relay started", "interval", r.interval, "batch", r.batch)

	streak := 0
	timer := time.NewTimer(r.interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			r.log.Info("outbox relay shutting down")
			return
		case <-timer.C:
		}

		n, err := r.tick(ctx)
		if err != nil {
			if streak < maxBackoffFactor {
				streak++
			}
			r.log.WarnContext(ctx, "outbox relay tick failed",
				"error", err, "backoff_factor", streak)
		} else {
			streak = 0
			if n > 0 {
				r.log.DebugContext(ctx, "outbox relay dispatched", "count", n)
			}
		}

		timer.Reset(r.interval << streak)
	}
}

// tick dispatches one batch. Envelopes publish one at a time in sequence
// order; the sent prefix is stamped even when a later publish fails.
func (r *Relay) tick(ctx context.Context) (int, error) {
	return r.src.DispatchPending(ctx, r.batch, func(ctx context.Context, entries []store.OutboxEntry) ([]string, error) {
		sent := make([]string, 0, len(entries))
		for _, e := range entries {
			if err := r.pub.Publish(ctx, e.Envelope); err != nil {
				return sent, err
			}
			sent = append(sent, e.Envelope.ID)
		}
		return sent, nil
	})
}
