package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ghuser/commandbus/pkg/store"
	domain "github.com/ghuser/commandbus/services/ledger/domain"
	"github.com/ghuser/commandbus/services/ledger/domain/models"
)

// AccountRepository implements repositories.AccountRepository against
// PostgreSQL with optimistic versioning.
type AccountRepository struct{}

// NewAccountRepository returns an AccountRepository. All I/O runs on the
// transaction passed per call, so the type itself is stateless.
func NewAccountRepository() *AccountRepository {
	return &AccountRepository{}
}

// Get reads an account by id. Returns domain.ErrAccountNotFound when absent.
func (r *AccountRepository) Get(ctx context.Context, tx *sql.Tx, id string) (*models.Account, error) {
	var a models.Account
	err := tx.QueryRowContext(ctx,
		`SELECT id, balance, version, updated_at FROM accounts WHERE id = $1`,
		id,
	).Scan(&a.ID, &a.Balance, &a.Version, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrAccountNotFound
		}
		return nil, fmt.Errorf("query account: %w", err)
	}
	return &a, nil
}

// Save persists the account guarded by the version it was read at. A zero
// row count means another writer bumped the version first; the caller sees
// store.ErrOptimisticConcurrency and may retry on a fresh read.
func (r *AccountRepository) Save(ctx context.Context, tx *sql.Tx, account *models.Account) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE accounts
		 SET balance = $1, version = version + 1, updated_at = $2
		 WHERE id = $3 AND version = $4`,
		account.Balance, time.Now().UTC(), account.ID, account.Version,
	)
	if err != nil {
		return fmt.Errorf("update account: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update account rows: %w", err)
	}
	if n == 0 {
		return store.ErrOptimisticConcurrency
	}
	account.Version++
	return nil
}
