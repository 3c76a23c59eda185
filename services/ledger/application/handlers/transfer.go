package handlers

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ghuser/commandbus/pkg/consumer"
	pkgvalidator "github.com/ghuser/commandbus/pkg/validator"
	domain "github.com/ghuser/commandbus/services/ledger/domain"
	"github.com/ghuser/commandbus/services/ledger/domain/events"
	"github.com/ghuser/commandbus/services/ledger/domain/repositories"
)

// CommandTypeTransfer is the wire-level type name of TransferCommand.
const CommandTypeTransfer = "ledger.transfer"

// PayloadTypeTransferResult names the reply payload for a committed transfer.
const PayloadTypeTransferResult = "ledger.transfer_result"

// TransferCommand moves Amount from FromAccount to ToAccount.
type TransferCommand struct {
	TransferID  string `json:"transfer_id" validate:"required"`
	FromAccount string `json:"from_account" validate:"required"`
	ToAccount   string `json:"to_account" validate:"required"`
	Amount      int64  `json:"amount" validate:"gt=0"`
}

// TransferResult is the reply (and saga result) for a committed transfer.
type TransferResult struct {
	TransferID  string `json:"transfer_id"`
	FromBalance int64  `json:"from_balance"`
	ToBalance   int64  `json:"to_balance"`
}

// TransferHandler applies TransferCommands against the accounts table.
type TransferHandler struct {
	repo repositories.AccountRepository
}

// NewTransferHandler returns a TransferHandler backed by the given repository.
func NewTransferHandler(repo repositories.AccountRepository) *TransferHandler {
	return &TransferHandler{repo: repo}
}

// Register binds the handler into the registry under CommandTypeTransfer.
func (h *TransferHandler) Register(reg *consumer.Registry) error {
	return reg.Register(consumer.Registration{
		CommandType: CommandTypeTransfer,
		Decode:      consumer.JSONDecoder[TransferCommand](),
		Handler:     h,
	})
}

// Handle debits the source, credits the destination, and raises the
// transfer events. The audit event is raised publish-anyway before any rule
// check, so rejected attempts still leave a trail.
func (h *TransferHandler) Handle(ctx context.Context, scope *consumer.Scope, cmd any) error {
	c, ok := cmd.(*TransferCommand)
	if !ok {
		return fmt.Errorf("ledger: unexpected command %T", cmd)
	}

	scope.Events().RaisePublishAnyway(events.TransferAttemptedEvent{
		EventID:     uuid.New(),
		Version:     1,
		TransferID:  c.TransferID,
		FromAccount: c.FromAccount,
		ToAccount:   c.ToAccount,
		Amount:      c.Amount,
		AttemptedAt: time.Now().UTC(),
	})

	if err := pkgvalidator.Validate(c); err != nil {
		return consumer.NewRuleError(fmt.Errorf("ledger: invalid transfer: %w", err))
	}
	if c.FromAccount == c.ToAccount {
		return domain.ErrSameAccount
	}

	tx := scope.Tx()
	from, err := h.repo.Get(ctx, tx, c.FromAccount)
	if err != nil {
		return fmt.Errorf("ledger: load source account: %w", err)
	}
	to, err := h.repo.Get(ctx, tx, c.ToAccount)
	if err != nil {
		return fmt.Errorf("ledger: load destination account: %w", err)
	}

	if err := from.Debit(c.Amount); err != nil {
		return err
	}
	if err := to.Credit(c.Amount); err != nil {
		return err
	}

	if err := h.repo.Save(ctx, tx, from); err != nil {
		return fmt.Errorf("ledger: save source account: %w", err)
	}
	if err := h.repo.Save(ctx, tx, to); err != nil {
		return fmt.Errorf("ledger: save destination account: %w", err)
	}

	scope.Events().RaiseEvent(events.TransferRecordedEvent{
		EventID:     uuid.New(),
		Version:     1,
		TransferID:  c.TransferID,
		FromAccount: c.FromAccount,
		ToAccount:   c.ToAccount,
		Amount:      c.Amount,
		OccurredAt:  time.Now().UTC(),
	})

	result := TransferResult{
		TransferID:  c.TransferID,
		FromBalance: from.Balance,
		ToBalance:   to.Balance,
	}
	scope.Events().AddSagaResult(result)
	return scope.SetReply(PayloadTypeTransferResult, result)
}
