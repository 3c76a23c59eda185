package models

import (
	"time"

	domain "github.com/ghuser/commandbus/services/ledger/domain"
)

// Account is a versioned balance aggregate. Version guards optimistic
// concurrency: writers persist against the version they read.
type Account struct {
	ID        string
	Balance   int64
	Version   int64
	UpdatedAt time.Time
}

// Debit removes amount from the balance.
func (a *Account) Debit(amount int64) error {
	if amount <= 0 {
		return domain.ErrInvalidAmount
	}
	if a.Balance < amount {
		return domain.ErrInsufficientFunds
	}
	a.Balance -= amount
	return nil
}

// Credit adds amount to the balance.
func (a *Account) Credit(amount int64) error {
	if amount <= 0 {
		return domain.ErrInvalidAmount
	}
	a.Balance += amount
	return nil
}
