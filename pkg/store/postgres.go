package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ghuser/commandbus/pkg/database"
	"github.com/ghuser/commandbus/pkg/queue"
)

// PostgresStore implements MessageStore against the handled_commands,
// outbox, and failed_commands tables (see migrations/consumer).
type PostgresStore struct {
	db    *database.Database
	group string
}

// NewPostgresStore returns a store scoped to the given consumer group.
func NewPostgresStore(db *database.Database, group string) *PostgresStore {
	return &PostgresStore{db: db, group: group}
}

// HasCommandHandled probes the idempotency marker.
func (s *PostgresStore) HasCommandHandled(ctx context.Context, messageID string) (bool, error) {
	var exists bool
	err := s.db.DB().QueryRowContext(ctx,
		`SELECT EXISTS (
			SELECT 1 FROM handled_commands
			WHERE message_id = $1 AND consumer_group = $2
		)`,
		messageID, s.group,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("store: probe handled command: %w", err)
	}
	return exists, nil
}

// Begin opens the command's unit of work.
func (s *PostgresStore) Begin(ctx context.Context) (CommandTx, error) {
	tx, err := s.db.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	return &postgresTx{tx: tx, group: s.group}, nil
}

// SaveFailedCommand records the failure and its surviving envelopes in a
// fresh transaction.
func (s *PostgresStore) SaveFailedCommand(ctx context.Context, d *queue.Delivery, cause error, envs []queue.Envelope) error {
	return s.db.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO failed_commands (message_id, consumer_group, error_type, error_message, failed_at)
			 VALUES ($1, $2, $3, $4, $5)`,
			d.MessageID, s.group, fmt.Sprintf("%T", cause), cause.Error(), time.Now().UTC(),
		); err != nil {
			return fmt.Errorf("store: insert failed command: %w", err)
		}
		if err := insertOutbox(ctx, tx, envs); err != nil {
			return err
		}
		return nil
	})
}

// DispatchPending claims up to limit undispatched outbox rows (oldest first
// by sequence, FOR UPDATE SKIP LOCKED so concurrent relays never
// double-publish), hands them to publish, and stamps dispatched_at for the
// envelope ids publish reports as sent — all in one transaction. Returns the
// number of rows stamped. A publish error after partial progress still
// stamps the sent prefix.
func (s *PostgresStore) DispatchPending(ctx context.Context, limit int, publish func(context.Context, []OutboxEntry) ([]string, error)) (int, error) {
	var dispatched int
	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		entries, err := fetchUndispatched(ctx, tx, limit)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			return nil
		}

		sentIDs, pubErr := publish(ctx, entries)
		if len(sentIDs) > 0 {
			// pgx binds []string to text[] for = ANY.
			if _, err := tx.ExecContext(ctx,
				`UPDATE outbox SET dispatched_at = $1 WHERE envelope_id = ANY($2)`,
				time.Now().UTC(), sentIDs,
			); err != nil {
				return fmt.Errorf("store: mark dispatched: %w", err)
			}
			dispatched = len(sentIDs)
		}
		// Commit what was sent even when the batch stopped early; the
		// remainder stays claimed only until this transaction ends.
		if pubErr != nil && len(sentIDs) == 0 {
			return pubErr
		}
		return nil
	})
	return dispatched, err
}

func fetchUndispatched(ctx context.Context, tx *sql.Tx, limit int) ([]OutboxEntry, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT seq, envelope_id, kind, correlation_id, source_command_id,
		        topic, key, saga_id, saga_reply_endpoint, producer,
		        payload_type, payload, created_at
		 FROM outbox
		 WHERE dispatched_at IS NULL
		 ORDER BY seq
		 LIMIT $1
		 FOR UPDATE SKIP LOCKED`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("store: fetch outbox: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var out []OutboxEntry
	for rows.Next() {
		var (
			e                 OutboxEntry
			kind              string
			corrID, key       sql.NullString
			sagaID, sagaReply sql.NullString
			producer          sql.NullString
		)
		if err := rows.Scan(
			&e.Seq, &e.Envelope.ID, &kind, &corrID, &e.Envelope.SourceCommandID,
			&e.Envelope.Topic, &key, &sagaID, &sagaReply, &producer,
			&e.Envelope.PayloadType, &e.Envelope.Payload, &e.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("store: scan outbox row: %w", err)
		}
		e.Envelope.Kind = queue.Kind(kind)
		e.Envelope.CorrelationID = corrID.String
		e.Envelope.Key = key.String
		e.Envelope.Producer = producer.String
		if sagaID.String != "" {
			e.Envelope.Saga = &queue.SagaInfo{SagaID: sagaID.String, ReplyEndpoint: sagaReply.String}
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate outbox: %w", err)
	}
	return out, nil
}

// Ping checks database connectivity for the health endpoint.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

type postgresTx struct {
	tx    *sql.Tx
	group string
}

func (t *postgresTx) SaveCommand(ctx context.Context, d *queue.Delivery, summary string, envs []queue.Envelope) error {
	if _, err := t.tx.ExecContext(ctx,
		`INSERT INTO handled_commands (message_id, consumer_group, handled_at, summary)
		 VALUES ($1, $2, $3, $4)`,
		d.MessageID, t.group, time.Now().UTC(), summary,
	); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrAlreadyHandled
		}
		return fmt.Errorf("store: insert handled command: %w", err)
	}
	return insertOutbox(ctx, t.tx, envs)
}

func (t *postgresTx) Commit() error {
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

func (t *postgresTx) Rollback() error {
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("store: rollback: %w", err)
	}
	return nil
}

// SQLTx exposes the transaction so handler repositories share the command's
// unit of work.
func (t *postgresTx) SQLTx() *sql.Tx {
	return t.tx
}

func insertOutbox(ctx context.Context, tx *sql.Tx, envs []queue.Envelope) error {
	for _, env := range envs {
		var sagaID, sagaReply string
		if env.Saga != nil {
			sagaID = env.Saga.SagaID
			sagaReply = env.Saga.ReplyEndpoint
		}
		payload := env.Payload
		if payload == nil {
			payload = json.RawMessage("null")
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO outbox (envelope_id, kind, correlation_id, source_command_id,
			                     topic, key, saga_id, saga_reply_endpoint, producer,
			                     payload_type, payload, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			env.ID, string(env.Kind), env.CorrelationID, env.SourceCommandID,
			env.Topic, env.Key, sagaID, sagaReply, env.Producer,
			env.PayloadType, payload, time.Now().UTC(),
		); err != nil {
			return fmt.Errorf("store: insert outbox row %s: %w", env.ID, err)
		}
	}
	return nil
}
