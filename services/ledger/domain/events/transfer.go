package events

import (
	"time"

	"github.com/google/uuid"
)

// Topics published by the ledger service.
const (
	// TopicLedger carries committed transfer facts.
	TopicLedger = "ledger"
	// TopicLedgerAudit carries the attempt trail, published on success and
	// failure alike.
	TopicLedgerAudit = "ledger.audit"
)

// TransferRecordedEvent is published after a transfer commits.
type TransferRecordedEvent struct {
	EventID     uuid.UUID `json:"event_id"`
	Version     int       `json:"version"` // Schema version; increment on breaking changes
	TransferID  string    `json:"transfer_id"`
	FromAccount string    `json:"from_account"`
	ToAccount   string    `json:"to_account"`
	Amount      int64     `json:"amount"`
	OccurredAt  time.Time `json:"occurred_at"`
}

// EventTopic routes the event to the ledger topic.
func (e TransferRecordedEvent) EventTopic() string { return TopicLedger }

// EventKey orders the event by source account.
func (e TransferRecordedEvent) EventKey() string { return e.FromAccount }

// TransferAttemptedEvent is the audit record of a transfer attempt. It is
// raised publish-anyway: the attempt is visible even when the transfer
// fails.
type TransferAttemptedEvent struct {
	EventID     uuid.UUID `json:"event_id"`
	Version     int       `json:"version"`
	TransferID  string    `json:"transfer_id"`
	FromAccount string    `json:"from_account"`
	ToAccount   string    `json:"to_account"`
	Amount      int64     `json:"amount"`
	AttemptedAt time.Time `json:"attempted_at"`
}

// EventTopic routes the event to the audit topic.
func (e TransferAttemptedEvent) EventTopic() string { return TopicLedgerAudit }

// EventKey orders the event by source account.
func (e TransferAttemptedEvent) EventKey() string { return e.FromAccount }
