// Package token is the fund transfer collaborator behind the escrow ledger.
//
// A Provider moves integer minor units between addresses. One address, the operator,
// may spend from other accounts up to the allowance each account has granted it; the
// escrow runs as the operator with its custody address.
package token

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/inaiurai/escrow/internal/models"
)

var (
	ErrInsufficientFunds     = errors.New("insufficient balance")
	ErrInsufficientAllowance = errors.New("insufficient allowance")
	ErrInvalidTransfer       = errors.New("invalid transfer")
)

type Provider interface {
	BalanceOf(ctx context.Context, addr models.Address) (int64, error)
	Transfer(ctx context.Context, t Transfer) error
	// TransferBatch applies every leg or none of them.
	TransferBatch(ctx context.Context, legs []Transfer) error
}

// Transfer is one leg of a fund movement.
type Transfer struct {
	ID     uuid.UUID      `json:"id"`
	From   models.Address `json:"from"`
	To     models.Address `json:"to"`
	Amount int64          `json:"amount"`
	Memo   string         `json:"memo,omitempty"`
}

// NewTransfer fills in a fresh id.
func NewTransfer(from, to models.Address, amount int64, memo string) Transfer {
	return Transfer{ID: uuid.New(), From: from, To: to, Amount: amount, Memo: memo}
}

func (t Transfer) validate() error {
	if t.Amount <= 0 {
		return fmt.Errorf("%w: amount must be > 0, got %d", ErrInvalidTransfer, t.Amount)
	}
	if t.From.IsZero() || t.To.IsZero() {
		return fmt.Errorf("%w: from and to are required", ErrInvalidTransfer)
	}
	if t.From == t.To {
		return fmt.Errorf("%w: from and to are both %s", ErrInvalidTransfer, t.From)
	}
	return nil
}
