package repositories

import (
	"context"
	"database/sql"

	"github.com/ghuser/commandbus/services/ledger/domain/models"
)

// AccountRepository persists Account aggregates. Methods take the command
// scope's transaction so aggregate writes commit atomically with the
// handled-command marker and outbox.
type AccountRepository interface {
	// Get reads an account. Returns domain.ErrAccountNotFound when absent.
	Get(ctx context.Context, tx *sql.Tx, id string) (*models.Account, error)

	// Save persists the account guarded by the version it was read at.
	// Returns store.ErrOptimisticConcurrency when another writer committed
	// first.
	Save(ctx context.Context, tx *sql.Tx, account *models.Account) error
}
