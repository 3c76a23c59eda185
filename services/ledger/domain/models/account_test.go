package models

import (
	"errors"
	"testing"

	domain "github.com/ghuser/commandbus/services/ledger/domain"
)

// TestAccount_Debit verifies balance rules: sufficient funds succeed,
// shortfalls and non-positive amounts fail without mutating the balance.
func TestAccount_Debit(t *testing.T) {
	a := &Account{ID: "A1", Balance: 100}

	if err := a.Debit(40); err != nil {
		t.Fatalf("debit 40: %v", err)
	}
	if a.Balance != 60 {
		t.Errorf("balance = %d, want 60", a.Balance)
	}

	if err := a.Debit(61); !errors.Is(err, domain.ErrInsufficientFunds) {
		t.Errorf("overdraft error = %v, want ErrInsufficientFunds", err)
	}
	if a.Balance != 60 {
		t.Errorf("failed debit mutated balance to %d", a.Balance)
	}

	if err := a.Debit(0); !errors.Is(err, domain.ErrInvalidAmount) {
		t.Errorf("zero debit error = %v, want ErrInvalidAmount", err)
	}
	if err := a.Debit(-5); !errors.Is(err, domain.ErrInvalidAmount) {
		t.Errorf("negative debit error = %v, want ErrInvalidAmount", err)
	}
}

// TestAccount_Credit verifies credits add and reject non-positive amounts.
func TestAccount_Credit(t *testing.T) {
	a := &Account{ID: "A2", Balance: 10}

	if err := a.Credit(15); err != nil {
		t.Fatalf("credit 15: %v", err)
	}
	if a.Balance != 25 {
		t.Errorf("balance = %d, want 25", a.Balance)
	}

	if err := a.Credit(0); !errors.Is(err, domain.ErrInvalidAmount) {
		t.Errorf("zero credit error = %v, want ErrInvalidAmount", err)
	}
}
