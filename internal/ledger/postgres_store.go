package ledger

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/inaiurai/escrow/internal/models"
	"github.com/inaiurai/escrow/internal/token"
)

// PostgresStore keeps holds in escrow_holds and their journal in escrow_ledger_entries.
// The hold row changes in the same transaction as the token balances it accounts for.
type PostgresStore struct {
	pool   *pgxpool.Pool
	tokens *token.Postgres
}

func NewPostgresStore(pool *pgxpool.Pool, tokens *token.Postgres) *PostgresStore {
	return &PostgresStore{pool: pool, tokens: tokens}
}

var _ Store = (*PostgresStore)(nil)

func (s *PostgresStore) Apply(ctx context.Context, c Change) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := s.tokens.TransferBatchTx(ctx, tx, c.Legs); err != nil {
		return err
	}
	if c.From == models.HoldStatusNone {
		res, err := tx.Exec(ctx, `
			INSERT INTO escrow_holds (milestone_id, payer, amount, status)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (milestone_id) DO NOTHING
		`, int64(c.MilestoneID), c.Payer, c.Amount, c.To)
		if err != nil {
			return err
		}
		if res.RowsAffected() == 0 {
			return ErrAlreadyFunded
		}
	} else {
		res, err := tx.Exec(ctx, `
			UPDATE escrow_holds SET status = $1, updated_at = now()
			WHERE milestone_id = $2 AND status = $3
		`, c.To, int64(c.MilestoneID), c.From)
		if err != nil {
			return err
		}
		if res.RowsAffected() == 0 {
			return ErrNotHeld
		}
	}
	for _, e := range c.Entries {
		_, err := tx.Exec(ctx, `
			INSERT INTO escrow_ledger_entries (id, milestone_id, entry_type, account, amount, held_after, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, e.ID, int64(c.MilestoneID), e.EntryType, e.Account, e.Amount, e.HeldAfter, e.CreatedAt)
		if err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

// Load fills repo with every stored hold and its entries. Call it once at boot,
// before the ledger serves requests.
func (s *PostgresStore) Load(ctx context.Context, repo *Repository) (int, error) {
	entries, err := s.loadEntries(ctx)
	if err != nil {
		return 0, err
	}
	rows, err := s.pool.Query(ctx, `SELECT milestone_id, payer, amount, status FROM escrow_holds ORDER BY milestone_id`)
	if err != nil {
		return 0, err
	}
	defer rows.Close()
	n := 0
	for rows.Next() {
		var (
			id     int64
			payer  string
			amount int64
			status string
		)
		if err := rows.Scan(&id, &payer, &amount, &status); err != nil {
			return n, err
		}
		mid := models.MilestoneID(id)
		if err := repo.restore(mid, models.Address(payer), amount, models.HoldStatus(status), entries[mid]); err != nil {
			return n, err
		}
		n++
	}
	return n, rows.Err()
}

func (s *PostgresStore) loadEntries(ctx context.Context) (map[models.MilestoneID][]models.LedgerEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, milestone_id, entry_type, account, amount, held_after, created_at
		FROM escrow_ledger_entries ORDER BY milestone_id, created_at, held_after DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("load ledger entries: %w", err)
	}
	defer rows.Close()
	out := make(map[models.MilestoneID][]models.LedgerEntry)
	for rows.Next() {
		var (
			e       models.LedgerEntry
			mid     int64
			account string
		)
		if err := rows.Scan(&e.ID, &mid, &e.EntryType, &account, &e.Amount, &e.HeldAfter, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.MilestoneID = models.MilestoneID(mid)
		e.Account = models.Address(account)
		out[e.MilestoneID] = append(out[e.MilestoneID], e)
	}
	return out, rows.Err()
}
