package consumer

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ghuser/commandbus/pkg/logger"
	"github.com/ghuser/commandbus/pkg/queue"
	"github.com/ghuser/commandbus/pkg/store"
	"github.com/ghuser/commandbus/pkg/telemetry"
)

// consume runs one delivery through the full pipeline and commits its
// offset. The offset is withheld when the store is unreachable or when
// shutdown interrupts a retry backoff — the delivery then stays in flight on
// the transport and is redelivered.
func (c *Consumer) consume(ctx context.Context, d *queue.Delivery) {
	defer c.gate.release()
	start := time.Now()
	log := c.log.With("message_id", d.MessageID, "command_type", d.CommandType, "routing_key", d.RoutingKey)

	envs, commit := c.process(ctx, d, log)
	if !commit {
		return
	}

	// Publish is best-effort: the envelopes are already durable in the
	// outbox, so the relay recovers anything the transport drops here.
	if len(envs) > 0 {
		if err := c.queue.Publish(ctx, envs...); err != nil {
			log.ErrorContext(ctx, "consumer: publish failed, outbox relay will retry", "error", err)
		}
	}

	if err := c.queue.CommitOffset(ctx, d); err != nil {
		log.ErrorContext(ctx, "consumer: offset commit failed", "error", err)
	}
	c.metrics.recordDuration(ctx, time.Since(start).Seconds(), d.CommandType)
}

// process executes pipeline steps 1–7 and returns the envelopes to publish
// plus whether the offset may be committed.
func (c *Consumer) process(ctx context.Context, d *queue.Delivery, log logger.Logger) ([]queue.Envelope, bool) {
	// Step 1: type gate. A message without a command type is poison on a
	// command queue — skipped, not fatal.
	if d.CommandType == "" {
		log.WarnContext(ctx, "consumer: message is not a command, skipping")
		return nil, true
	}

	// Step 2: idempotency probe.
	handled, err := c.hasHandled(ctx, d.MessageID)
	if err != nil {
		log.ErrorContext(ctx, "consumer: idempotency probe failed, leaving for redelivery", "error", err)
		return nil, false
	}
	if handled {
		log.InfoContext(ctx, "consumer: duplicate command")
		return c.duplicateEnvelopes(d), true
	}

	// Step 3: resolve handler.
	reg, ok := c.registry.Resolve(d.CommandType)
	if !ok {
		log.WarnContext(ctx, "consumer: no handler registered")
		return c.noHandlerEnvelopes(d), true
	}

	cmd, err := reg.Decode(d.Payload)
	if err != nil {
		// Malformed payload can never succeed on redelivery; record the
		// failure and move on.
		log.ErrorContext(ctx, "consumer: payload decode failed", "error", err)
		return c.failCommand(ctx, d, NewBus(), err, log)
	}

	// Steps 4–7: transactional execution with optimistic-concurrency retry.
	bus := NewBus()
	for attempt := 1; ; attempt++ {
		envs, err := c.attempt(ctx, d, reg, cmd, bus)
		if err == nil {
			return envs, true
		}
		if errors.Is(err, store.ErrAlreadyHandled) {
			// A concurrent consumer committed this message id first.
			log.InfoContext(ctx, "consumer: lost idempotency race, treating as duplicate")
			return c.duplicateEnvelopes(d), true
		}
		if store.IsOptimisticConflict(err) && d.NeedRetry && attempt < c.cfg.RetryMaxAttempts {
			c.metrics.recordConflictRetry(ctx)
			bus.ClearMessages()
			log.InfoContext(ctx, "consumer: optimistic concurrency conflict, retrying",
				"attempt", attempt, "max_attempts", c.cfg.RetryMaxAttempts)
			if serr := sleepBackoff(ctx, c.cfg.RetryBackoffBase, attempt); serr != nil {
				// Shutdown mid-retry: leave uncommitted for redelivery.
				return nil, false
			}
			continue
		}
		return c.failCommand(ctx, d, bus, err, log)
	}
}

// attempt is pipeline steps 4–6: one transactional handler execution.
func (c *Consumer) attempt(ctx context.Context, d *queue.Delivery, reg Registration, cmd any, bus *Bus) (envs []queue.Envelope, err error) {
	tx, err := c.store.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("consumer: begin unit of work: %w", err)
	}
	defer func() {
		if r := recover(); r != nil {
			_ = tx.Rollback()
			panic(r)
		}
	}()

	var sqlTx *sql.Tx
	if st, ok := tx.(interface{ SQLTx() *sql.Tx }); ok {
		sqlTx = st.SQLTx()
	}
	scope := NewScope(bus, sqlTx)

	hctx := ctx
	if c.cfg.HandlerTimeout > 0 {
		var cancel context.CancelFunc
		hctx, cancel = context.WithTimeout(ctx, c.cfg.HandlerTimeout)
		defer cancel()
	}

	if err := reg.Handler.Handle(hctx, scope, cmd); err != nil {
		_ = tx.Rollback()
		return nil, err
	}

	envs = c.successEnvelopes(d, scope, bus)
	if err := tx.SaveCommand(ctx, d, d.CommandType, envs); err != nil {
		_ = tx.Rollback()
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		_ = tx.Rollback()
		return nil, err
	}

	c.markHandled(ctx, d.MessageID)
	return envs, nil
}

// failCommand is pipeline step 7: record the terminal failure in its own
// transaction, keeping only the reply, publish-anyway events, and saga
// replies.
func (c *Consumer) failCommand(ctx context.Context, d *queue.Delivery, bus *Bus, cause error, log logger.Logger) ([]queue.Envelope, bool) {
	base := innermost(cause)

	kind := failureKindSystem
	if IsDomainError(cause) {
		kind = failureKindDomain
		log.WarnContext(ctx, "consumer: command failed on domain rule", "error", cause)
	} else {
		log.ErrorContext(ctx, "consumer: command failed", "error", cause)
		telemetry.CaptureError(cause)
	}
	c.metrics.recordFailure(ctx, kind)

	var envs []queue.Envelope
	if d.ReplyEndpoint != "" {
		body, _ := json.Marshal(FailureReply{ErrorType: errorTypeName(base), Message: base.Error()})
		envs = append(envs, c.replyEnvelope(d, PayloadTypeFailure, body))
	}
	_, anyway, saga := bus.Snapshot()
	for _, e := range anyway {
		envs = append(envs, c.eventEnvelope(d, e))
	}
	envs = append(envs, c.sagaEnvelopes(d, saga)...)

	if err := c.store.SaveFailedCommand(ctx, d, base, envs); err != nil {
		log.ErrorContext(ctx, "consumer: failed-command record write failed, leaving for redelivery", "error", err)
		return nil, false
	}
	return envs, true
}

// hasHandled consults the cache first (positive hits only) and falls back to
// the store.
func (c *Consumer) hasHandled(ctx context.Context, messageID string) (bool, error) {
	if c.cache != nil {
		if seen, err := c.cache.Seen(ctx, messageID); err == nil && seen {
			return true, nil
		}
	}
	return c.store.HasCommandHandled(ctx, messageID)
}

// markHandled warms the cache after a successful commit; best-effort.
func (c *Consumer) markHandled(ctx context.Context, messageID string) {
	if c.cache == nil {
		return
	}
	if err := c.cache.Mark(ctx, messageID); err != nil {
		c.log.WarnContext(ctx, "consumer: handled-cache write failed", "message_id", messageID, "error", err)
	}
}

// successEnvelopes builds the outbox batch in pipeline step 5 order:
// reply, events, publish-anyway events, saga replies.
func (c *Consumer) successEnvelopes(d *queue.Delivery, scope *Scope, bus *Bus) []queue.Envelope {
	var envs []queue.Envelope
	if d.ReplyEndpoint != "" {
		pt, body, ok := scope.Reply()
		if !ok {
			pt = PayloadTypeHandled
			body, _ = json.Marshal(HandledReply{MessageID: d.MessageID, Handled: true})
		}
		envs = append(envs, c.replyEnvelope(d, pt, body))
	}
	events, anyway, saga := bus.Snapshot()
	for _, e := range events {
		envs = append(envs, c.eventEnvelope(d, e))
	}
	for _, e := range anyway {
		envs = append(envs, c.eventEnvelope(d, e))
	}
	envs = append(envs, c.sagaEnvelopes(d, saga)...)
	return envs
}

func (c *Consumer) duplicateEnvelopes(d *queue.Delivery) []queue.Envelope {
	if d.ReplyEndpoint == "" {
		return nil
	}
	body, _ := json.Marshal(DuplicateReply{MessageID: d.MessageID})
	return []queue.Envelope{c.replyEnvelope(d, PayloadTypeDuplicate, body)}
}

func (c *Consumer) noHandlerEnvelopes(d *queue.Delivery) []queue.Envelope {
	if d.ReplyEndpoint == "" {
		return nil
	}
	body, _ := json.Marshal(NoHandlerReply{MessageID: d.MessageID, CommandType: d.CommandType})
	return []queue.Envelope{c.replyEnvelope(d, PayloadTypeNoHandler, body)}
}

func (c *Consumer) replyEnvelope(d *queue.Delivery, payloadType string, body []byte) queue.Envelope {
	return queue.Wrap(body, queue.WrapOptions{
		Kind:            queue.KindReply,
		CorrelationID:   d.MessageID,
		SourceCommandID: d.MessageID,
		Topic:           d.ReplyEndpoint,
		Producer:        c.cfg.ConsumerID,
		PayloadType:     payloadType,
	})
}

func (c *Consumer) eventEnvelope(d *queue.Delivery, e Event) queue.Envelope {
	body, err := json.Marshal(e)
	if err != nil {
		// Events are plain structs; a marshal failure is a programming
		// error. Ship the error text so the outbox row is still traceable.
		body, _ = json.Marshal(map[string]string{"marshal_error": err.Error()})
	}
	return queue.Wrap(body, queue.WrapOptions{
		Kind:            queue.KindEvent,
		SourceCommandID: d.MessageID,
		Topic:           e.EventTopic(),
		Key:             e.EventKey(),
		Saga:            d.Saga,
		Producer:        c.cfg.ConsumerID,
		PayloadType:     typeName(e),
	})
}

func (c *Consumer) sagaEnvelopes(d *queue.Delivery, results []any) []queue.Envelope {
	if d.Saga == nil || d.Saga.SagaID == "" || d.Saga.ReplyEndpoint == "" {
		return nil
	}
	envs := make([]queue.Envelope, 0, len(results))
	for _, v := range results {
		body, err := json.Marshal(v)
		if err != nil {
			body, _ = json.Marshal(map[string]string{"marshal_error": err.Error()})
		}
		envs = append(envs, queue.Wrap(body, queue.WrapOptions{
			Kind:            queue.KindReply,
			CorrelationID:   d.Saga.SagaID,
			SourceCommandID: d.MessageID,
			Topic:           d.Saga.ReplyEndpoint,
			Saga:            d.Saga,
			Producer:        c.cfg.ConsumerID,
			PayloadType:     typeName(v),
		}))
	}
	return envs
}

// sleepBackoff waits base·2^(attempt−1), or returns early when ctx ends.
func sleepBackoff(ctx context.Context, base time.Duration, attempt int) error {
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(delay):
		return nil
	}
}

func typeName(v any) string {
	return strings.TrimPrefix(fmt.Sprintf("%T", v), "*")
}

func errorTypeName(err error) string {
	return typeName(err)
}
