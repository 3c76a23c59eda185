package handlers

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/ghuser/commandbus/pkg/consumer"
	domain "github.com/ghuser/commandbus/services/ledger/domain"
	"github.com/ghuser/commandbus/services/ledger/domain/events"
	"github.com/ghuser/commandbus/services/ledger/domain/models"
)

// fakeAccountRepo keeps accounts in memory and ignores the transaction
// handle, which is nil in handler tests.
type fakeAccountRepo struct {
	accounts map[string]*models.Account
}

func newFakeRepo(accounts ...*models.Account) *fakeAccountRepo {
	r := &fakeAccountRepo{accounts: make(map[string]*models.Account)}
	for _, a := range accounts {
		r.accounts[a.ID] = a
	}
	return r
}

func (r *fakeAccountRepo) Get(_ context.Context, _ *sql.Tx, id string) (*models.Account, error) {
	a, ok := r.accounts[id]
	if !ok {
		return nil, domain.ErrAccountNotFound
	}
	cp := *a
	return &cp, nil
}

func (r *fakeAccountRepo) Save(_ context.Context, _ *sql.Tx, account *models.Account) error {
	cp := *account
	r.accounts[account.ID] = &cp
	return nil
}

func handle(t *testing.T, repo *fakeAccountRepo, cmd *TransferCommand) (*consumer.Scope, error) {
	t.Helper()
	scope := consumer.NewScope(consumer.NewBus(), nil)
	h := NewTransferHandler(repo)
	return scope, h.Handle(context.Background(), scope, cmd)
}

// TestTransferHandler_HappyPath verifies balances move, the transfer event
// and audit event are raised, and the reply carries the new balances.
func TestTransferHandler_HappyPath(t *testing.T) {
	repo := newFakeRepo(
		&models.Account{ID: "A1", Balance: 100, Version: 1},
		&models.Account{ID: "A2", Balance: 5, Version: 1},
	)

	scope, err := handle(t, repo, &TransferCommand{
		TransferID:  "T1",
		FromAccount: "A1",
		ToAccount:   "A2",
		Amount:      10,
	})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}

	if got := repo.accounts["A1"].Balance; got != 90 {
		t.Errorf("A1 balance = %d, want 90", got)
	}
	if got := repo.accounts["A2"].Balance; got != 15 {
		t.Errorf("A2 balance = %d, want 15", got)
	}

	evts, anyway, saga := scope.Events().Snapshot()
	if len(evts) != 1 {
		t.Fatalf("raised %d events, want 1", len(evts))
	}
	rec, ok := evts[0].(events.TransferRecordedEvent)
	if !ok || rec.TransferID != "T1" || rec.Amount != 10 {
		t.Errorf("event = %+v, want TransferRecordedEvent T1/10", evts[0])
	}
	if rec.EventTopic() != events.TopicLedger || rec.EventKey() != "A1" {
		t.Errorf("event routing = %s/%s", rec.EventTopic(), rec.EventKey())
	}
	if len(anyway) != 1 {
		t.Fatalf("raised %d publish-anyway events, want 1 audit", len(anyway))
	}
	if len(saga) != 1 {
		t.Fatalf("added %d saga results, want 1", len(saga))
	}

	pt, _, ok := scope.Reply()
	if !ok || pt != PayloadTypeTransferResult {
		t.Errorf("reply type = %q, want %q", pt, PayloadTypeTransferResult)
	}
}

// TestTransferHandler_InsufficientFunds verifies the failure is a domain
// error and the audit event is still raised.
func TestTransferHandler_InsufficientFunds(t *testing.T) {
	repo := newFakeRepo(
		&models.Account{ID: "A1", Balance: 5, Version: 1},
		&models.Account{ID: "A2", Balance: 0, Version: 1},
	)

	scope, err := handle(t, repo, &TransferCommand{
		TransferID:  "T2",
		FromAccount: "A1",
		ToAccount:   "A2",
		Amount:      10,
	})
	if !errors.Is(err, domain.ErrInsufficientFunds) {
		t.Fatalf("err = %v, want ErrInsufficientFunds", err)
	}
	if !consumer.IsDomainError(err) {
		t.Error("insufficient funds not classified as a domain failure")
	}

	_, anyway, _ := scope.Events().Snapshot()
	if len(anyway) != 1 {
		t.Errorf("audit trail missing on failure: %d publish-anyway events", len(anyway))
	}
}

// TestTransferHandler_RejectsInvalidCommands verifies validation and
// same-account rules fail as domain errors before touching accounts.
func TestTransferHandler_RejectsInvalidCommands(t *testing.T) {
	repo := newFakeRepo(&models.Account{ID: "A1", Balance: 100, Version: 1})

	_, err := handle(t, repo, &TransferCommand{TransferID: "T3", FromAccount: "A1", ToAccount: "A1", Amount: 10})
	if !errors.Is(err, domain.ErrSameAccount) {
		t.Errorf("same-account err = %v, want ErrSameAccount", err)
	}

	_, err = handle(t, repo, &TransferCommand{FromAccount: "A1", ToAccount: "A2", Amount: 10})
	if err == nil || !consumer.IsDomainError(err) {
		t.Errorf("missing transfer id err = %v, want domain validation failure", err)
	}

	_, err = handle(t, repo, &TransferCommand{TransferID: "T4", FromAccount: "A1", ToAccount: "A2", Amount: 0})
	if err == nil || !consumer.IsDomainError(err) {
		t.Errorf("zero amount err = %v, want domain validation failure", err)
	}
}

// TestTransferHandler_UnknownAccount verifies a missing account surfaces
// ErrAccountNotFound.
func TestTransferHandler_UnknownAccount(t *testing.T) {
	repo := newFakeRepo(&models.Account{ID: "A1", Balance: 100, Version: 1})

	_, err := handle(t, repo, &TransferCommand{TransferID: "T5", FromAccount: "A1", ToAccount: "missing", Amount: 10})
	if !errors.Is(err, domain.ErrAccountNotFound) {
		t.Errorf("err = %v, want ErrAccountNotFound", err)
	}
}
