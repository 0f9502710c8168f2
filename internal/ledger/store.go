package ledger

import (
	"context"

	"github.com/inaiurai/escrow/internal/models"
	"github.com/inaiurai/escrow/internal/token"
)

// Change is one hold transition together with the token legs that realize it.
// From is HoldStatusNone when the hold is being created.
type Change struct {
	MilestoneID models.MilestoneID
	Payer       models.Address
	Amount      int64
	From, To    models.HoldStatus
	Legs        []token.Transfer
	Entries     []models.LedgerEntry
}

// Store makes a Change happen. Either every leg moves and the transition is
// recorded, or nothing changes.
type Store interface {
	Apply(ctx context.Context, c Change) error
}

// providerStore moves the legs through a token provider and keeps the hold book in
// memory only. It serves the memory backend and tests.
type providerStore struct {
	provider token.Provider
}

func (p providerStore) Apply(ctx context.Context, c Change) error {
	if len(c.Legs) == 0 {
		return nil
	}
	return p.provider.TransferBatch(ctx, c.Legs)
}
