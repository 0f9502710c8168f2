package token

import (
	"context"
	"fmt"
	"sync"

	"github.com/inaiurai/escrow/internal/models"
)

// Memory is an in-process Provider. It backs TOKEN_BACKEND=memory and the tests.
type Memory struct {
	mu         sync.Mutex
	operator   models.Address
	balances   map[models.Address]int64
	allowances map[models.Address]int64
	history    []Transfer
}

func NewMemory(operator models.Address) *Memory {
	return &Memory{
		operator:   operator,
		balances:   make(map[models.Address]int64),
		allowances: make(map[models.Address]int64),
	}
}

var _ Provider = (*Memory)(nil)

// Mint credits addr out of thin air.
func (m *Memory) Mint(addr models.Address, amount int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[addr] += amount
}

// Approve sets the allowance owner grants the operator.
func (m *Memory) Approve(owner models.Address, amount int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.allowances[owner] = amount
}

func (m *Memory) Allowance(owner models.Address) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.allowances[owner]
}

func (m *Memory) BalanceOf(_ context.Context, addr models.Address) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[addr], nil
}

func (m *Memory) Transfer(ctx context.Context, t Transfer) error {
	return m.TransferBatch(ctx, []Transfer{t})
}

func (m *Memory) TransferBatch(ctx context.Context, legs []Transfer) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, t := range legs {
		if err := t.validate(); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	// Check every leg against a scratch copy first so a failing leg leaves no trace.
	balances := make(map[models.Address]int64)
	allowances := make(map[models.Address]int64)
	bal := func(a models.Address) int64 {
		if v, ok := balances[a]; ok {
			return v
		}
		return m.balances[a]
	}
	allow := func(a models.Address) int64 {
		if v, ok := allowances[a]; ok {
			return v
		}
		return m.allowances[a]
	}
	for _, t := range legs {
		if b := bal(t.From); b < t.Amount {
			return fmt.Errorf("%w: %s has %d, needs %d", ErrInsufficientFunds, t.From, b, t.Amount)
		}
		if t.From != m.operator {
			if a := allow(t.From); a < t.Amount {
				return fmt.Errorf("%w: %s granted %d, needs %d", ErrInsufficientAllowance, t.From, a, t.Amount)
			}
			allowances[t.From] = allow(t.From) - t.Amount
		}
		balances[t.From] = bal(t.From) - t.Amount
		balances[t.To] = bal(t.To) + t.Amount
	}
	for a, v := range balances {
		m.balances[a] = v
	}
	for a, v := range allowances {
		m.allowances[a] = v
	}
	m.history = append(m.history, legs...)
	return nil
}

// History returns every applied leg in order.
func (m *Memory) History() []Transfer {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Transfer, len(m.history))
	copy(out, m.history)
	return out
}
