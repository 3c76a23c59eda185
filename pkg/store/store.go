// Package store persists the consumer's durable state: the handled-command
// idempotency markers, the transactional outbox, and the failed-command log.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ghuser/commandbus/pkg/queue"
)

// Sentinel errors. Use errors.Is() to check these.
var (
	// ErrOptimisticConcurrency indicates a write lost a version race on an
	// aggregate. Repositories return it when a guarded UPDATE matches zero
	// rows; the pipeline retries iff the command opted in.
	ErrOptimisticConcurrency = errors.New("store: optimistic concurrency conflict")

	// ErrAlreadyHandled indicates a handled-command row already exists for
	// this message id — a concurrent consumer won the race.
	ErrAlreadyHandled = errors.New("store: command already handled")
)

// IsOptimisticConflict reports whether err is a version conflict: the
// sentinel above, or a Postgres serialization failure (SQLSTATE 40001).
func IsOptimisticConflict(err error) bool {
	if errors.Is(err, ErrOptimisticConcurrency) {
		return true
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "40001"
}

// CommandTx is one command's unit of work. SaveCommand and the handler's
// repository writes share this transaction (invariant: the handled-command
// marker exists iff the command's outbox rows do).
type CommandTx interface {
	// SaveCommand writes the handled-command marker and all outbox rows.
	// Returns ErrAlreadyHandled if another consumer committed this message
	// id first.
	SaveCommand(ctx context.Context, d *queue.Delivery, summary string, envs []queue.Envelope) error
	Commit() error
	Rollback() error
}

// MessageStore is the adapter contract the pipeline depends on.
type MessageStore interface {
	// HasCommandHandled reports whether a committed handled-command record
	// exists for messageID in this consumer group.
	HasCommandHandled(ctx context.Context, messageID string) (bool, error)

	// Begin opens a unit of work for one command.
	Begin(ctx context.Context) (CommandTx, error)

	// SaveFailedCommand records a terminal failure plus any publish-anyway
	// and reply envelopes, in its own transaction (the failed attempt's
	// transaction has already rolled back).
	SaveFailedCommand(ctx context.Context, d *queue.Delivery, cause error, envs []queue.Envelope) error
}

// OutboxEntry is one undispatched outbox row, in insertion order.
type OutboxEntry struct {
	Seq       int64
	Envelope  queue.Envelope
	CreatedAt time.Time
}
