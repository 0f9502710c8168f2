package token

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/inaiurai/escrow/internal/models"
)

// Postgres keeps balances in token_balances and journals every leg in token_transfers.
// A batch runs in one transaction; each debit is a conditional UPDATE so concurrent
// spenders can never drive a balance or allowance negative.
type Postgres struct {
	pool     *pgxpool.Pool
	operator models.Address
}

func NewPostgres(pool *pgxpool.Pool, operator models.Address) *Postgres {
	return &Postgres{pool: pool, operator: operator}
}

var _ Provider = (*Postgres)(nil)

func (p *Postgres) BalanceOf(ctx context.Context, addr models.Address) (int64, error) {
	var balance int64
	err := p.pool.QueryRow(ctx, `SELECT balance FROM token_balances WHERE address = $1`, addr).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	return balance, err
}

func (p *Postgres) Transfer(ctx context.Context, t Transfer) error {
	return p.TransferBatch(ctx, []Transfer{t})
}

func (p *Postgres) TransferBatch(ctx context.Context, legs []Transfer) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	if err := p.TransferBatchTx(ctx, tx, legs); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// TransferBatchTx applies legs inside the caller's transaction, so the caller can
// commit its own bookkeeping with the balance changes or roll both back.
func (p *Postgres) TransferBatchTx(ctx context.Context, tx pgx.Tx, legs []Transfer) error {
	for _, t := range legs {
		if err := t.validate(); err != nil {
			return err
		}
	}
	for _, t := range legs {
		if err := p.debit(ctx, tx, t); err != nil {
			return err
		}
		if err := credit(ctx, tx, t.To, t.Amount); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO token_transfers (id, from_address, to_address, amount, memo)
			VALUES ($1, $2, $3, $4, $5)
		`, t.ID, t.From, t.To, t.Amount, t.Memo)
		if err != nil {
			return err
		}
	}
	return nil
}

func (p *Postgres) debit(ctx context.Context, tx pgx.Tx, t Transfer) error {
	if t.From == p.operator {
		res, err := tx.Exec(ctx, `
			UPDATE token_balances SET balance = balance - $1, updated_at = now()
			WHERE address = $2 AND balance >= $1
		`, t.Amount, t.From)
		if err != nil {
			return err
		}
		if res.RowsAffected() == 0 {
			return fmt.Errorf("%w: %s needs %d", ErrInsufficientFunds, t.From, t.Amount)
		}
		return nil
	}
	var balance, allowance int64
	err := tx.QueryRow(ctx, `
		SELECT balance, allowance FROM token_balances WHERE address = $1 FOR UPDATE
	`, t.From).Scan(&balance, &allowance)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s has 0, needs %d", ErrInsufficientFunds, t.From, t.Amount)
	}
	if err != nil {
		return err
	}
	if balance < t.Amount {
		return fmt.Errorf("%w: %s has %d, needs %d", ErrInsufficientFunds, t.From, balance, t.Amount)
	}
	if allowance < t.Amount {
		return fmt.Errorf("%w: %s granted %d, needs %d", ErrInsufficientAllowance, t.From, allowance, t.Amount)
	}
	_, err = tx.Exec(ctx, `
		UPDATE token_balances SET balance = balance - $1, allowance = allowance - $1, updated_at = now()
		WHERE address = $2
	`, t.Amount, t.From)
	return err
}

func credit(ctx context.Context, tx pgx.Tx, addr models.Address, amount int64) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO token_balances (address, balance) VALUES ($1, $2)
		ON CONFLICT (address) DO UPDATE SET balance = token_balances.balance + EXCLUDED.balance, updated_at = now()
	`, addr, amount)
	return err
}

// Mint credits addr. Used to seed balances in development and tests.
func (p *Postgres) Mint(ctx context.Context, addr models.Address, amount int64) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	if err := credit(ctx, tx, addr, amount); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// Approve sets the allowance owner grants the operator.
func (p *Postgres) Approve(ctx context.Context, owner models.Address, amount int64) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO token_balances (address, balance, allowance) VALUES ($1, 0, $2)
		ON CONFLICT (address) DO UPDATE SET allowance = EXCLUDED.allowance, updated_at = now()
	`, owner, amount)
	return err
}
