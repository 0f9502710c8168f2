// Package ledger holds milestone funds in custody and moves them out exactly once.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/inaiurai/escrow/internal/apperr"
	"github.com/inaiurai/escrow/internal/models"
	"github.com/inaiurai/escrow/internal/token"
)

// Service is the escrow ledger. It owns every custody hold; callers serialize
// operations on the same milestone.
type Service struct {
	repo     *Repository
	store    Store
	provider token.Provider
	custody  models.Address
	logger   *slog.Logger

	// Read-held while funds move; Reconcile takes it exclusively.
	inflight sync.RWMutex
}

// NewService keeps holds in repo only. Use WithStore to make them durable.
func NewService(repo *Repository, provider token.Provider, custody models.Address, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, store: providerStore{provider: provider}, provider: provider, custody: custody, logger: logger}
}

// WithStore routes every hold change through st. Set it before the first call.
func (s *Service) WithStore(st Store) *Service {
	s.store = st
	return s
}

func (s *Service) Custody() models.Address { return s.custody }

// LockFunds pulls amount from payer into custody for milestoneID. A milestone can be funded once.
func (s *Service) LockFunds(ctx context.Context, milestoneID models.MilestoneID, amount int64, payer models.Address) error {
	const op = "LockFunds"
	if amount <= 0 {
		return apperr.Validation(op, "amount must be > 0, got %d", amount)
	}
	if !s.repo.reserve(milestoneID, payer, amount) {
		return fmt.Errorf("%s: %w", op, ErrAlreadyFunded)
	}

	entries := s.repo.stamp(milestoneID, models.LedgerEntry{
		EntryType: models.LedgerEntryEscrowLock,
		Account:   payer,
		Amount:    amount,
		HeldAfter: amount,
	})
	s.inflight.RLock()
	err := s.store.Apply(ctx, Change{
		MilestoneID: milestoneID,
		Payer:       payer,
		Amount:      amount,
		From:        models.HoldStatusNone,
		To:          models.HoldStatusHeld,
		Legs:        []token.Transfer{token.NewTransfer(payer, s.custody, amount, memo(milestoneID, models.LedgerEntryEscrowLock))},
		Entries:     entries,
	})
	if err != nil {
		s.repo.dropReservation(milestoneID)
		s.inflight.RUnlock()
		return applyError(op, err)
	}
	s.repo.commit(milestoneID, holdHeld, entries...)
	s.inflight.RUnlock()

	s.logger.Info("escrow funds locked", "milestone_id", milestoneID, "payer", payer, "amount", amount)
	return nil
}

// Disburse pays an approved milestone out to its payee and the fee recipient in one batch.
func (s *Service) Disburse(ctx context.Context, m *models.Milestone, feeRecipient models.Address) (models.Settlement, error) {
	const op = "Disburse"
	if m.Status != models.MilestoneStatusApproved {
		return models.Settlement{}, apperr.State(op, "milestone %d is %s, want approved", m.ID, m.Status)
	}
	if feeRecipient == s.custody {
		return models.Settlement{}, apperr.Validation(op, "fee recipient must not be the custody account")
	}
	h, ok := s.repo.transition(m.ID, holdHeld, holdSettling)
	if !ok {
		return models.Settlement{}, fmt.Errorf("%s: milestone %d: %w", op, m.ID, ErrNotHeld)
	}

	fee, payee := Split(h.amount, m.FeeBps)
	var (
		legs    []token.Transfer
		entries []models.LedgerEntry
	)
	if payee > 0 {
		legs = append(legs, token.NewTransfer(s.custody, m.Payee, payee, memo(m.ID, models.LedgerEntryPayeeRelease)))
		entries = append(entries, models.LedgerEntry{
			EntryType: models.LedgerEntryPayeeRelease,
			Account:   m.Payee,
			Amount:    payee,
			HeldAfter: h.amount - payee,
		})
	}
	if fee > 0 {
		legs = append(legs, token.NewTransfer(s.custody, feeRecipient, fee, memo(m.ID, models.LedgerEntryPlatformFee)))
		entries = append(entries, models.LedgerEntry{
			EntryType: models.LedgerEntryPlatformFee,
			Account:   feeRecipient,
			Amount:    fee,
			HeldAfter: 0,
		})
	}
	entries = s.repo.stamp(m.ID, entries...)

	s.inflight.RLock()
	err := s.store.Apply(ctx, Change{
		MilestoneID: m.ID,
		Payer:       h.payer,
		Amount:      h.amount,
		From:        models.HoldStatusHeld,
		To:          models.HoldStatusReleased,
		Legs:        legs,
		Entries:     entries,
	})
	if err != nil {
		s.repo.transition(m.ID, holdSettling, holdHeld)
		s.inflight.RUnlock()
		return models.Settlement{}, applyError(op, err)
	}
	s.repo.commit(m.ID, holdReleased, entries...)
	s.inflight.RUnlock()

	s.logger.Info("escrow disbursed", "milestone_id", m.ID, "payee", m.Payee, "payee_amount", payee, "platform_fee", fee)
	return models.Settlement{MilestoneID: m.ID, Amount: h.amount, PlatformFee: fee, PayeeAmount: payee}, nil
}

// Refund returns the full hold to the payer. Valid for created (cancel) or disputed (payer wins) milestones.
func (s *Service) Refund(ctx context.Context, m *models.Milestone) (int64, error) {
	const op = "Refund"
	if m.Status != models.MilestoneStatusCreated && m.Status != models.MilestoneStatusDisputed {
		return 0, apperr.State(op, "milestone %d is %s, want created or disputed", m.ID, m.Status)
	}
	h, ok := s.repo.transition(m.ID, holdHeld, holdSettling)
	if !ok {
		return 0, fmt.Errorf("%s: milestone %d: %w", op, m.ID, ErrNotHeld)
	}

	entries := s.repo.stamp(m.ID, models.LedgerEntry{
		EntryType: models.LedgerEntryRefund,
		Account:   h.payer,
		Amount:    h.amount,
		HeldAfter: 0,
	})
	s.inflight.RLock()
	err := s.store.Apply(ctx, Change{
		MilestoneID: m.ID,
		Payer:       h.payer,
		Amount:      h.amount,
		From:        models.HoldStatusHeld,
		To:          models.HoldStatusRefunded,
		Legs:        []token.Transfer{token.NewTransfer(s.custody, h.payer, h.amount, memo(m.ID, models.LedgerEntryRefund))},
		Entries:     entries,
	})
	if err != nil {
		s.repo.transition(m.ID, holdSettling, holdHeld)
		s.inflight.RUnlock()
		return 0, applyError(op, err)
	}
	s.repo.commit(m.ID, holdRefunded, entries...)
	s.inflight.RUnlock()

	s.logger.Info("escrow refunded", "milestone_id", m.ID, "payer", h.payer, "amount", h.amount)
	return h.amount, nil
}

// HoldStatus reports the durable state of the milestone's hold.
func (s *Service) HoldStatus(milestoneID models.MilestoneID) models.HoldStatus {
	return s.repo.status(milestoneID)
}

// Settled sums what left custody for the milestone's payee and fee recipient. It
// reports false unless the hold was released.
func (s *Service) Settled(milestoneID models.MilestoneID) (models.Settlement, bool) {
	if s.repo.status(milestoneID) != models.HoldStatusReleased {
		return models.Settlement{}, false
	}
	st := models.Settlement{MilestoneID: milestoneID}
	for _, e := range s.repo.listEntries(milestoneID) {
		switch e.EntryType {
		case models.LedgerEntryEscrowLock:
			st.Amount = e.Amount
		case models.LedgerEntryPayeeRelease:
			st.PayeeAmount += e.Amount
		case models.LedgerEntryPlatformFee:
			st.PlatformFee += e.Amount
		}
	}
	return st, true
}

// OpenHolds lists milestones with funds still in custody.
func (s *Service) OpenHolds() []models.MilestoneID {
	return s.repo.open()
}

// Held returns the amount currently in custody for milestoneID.
func (s *Service) Held(milestoneID models.MilestoneID) int64 {
	return s.repo.held(milestoneID)
}

// TotalHeld sums every open hold.
func (s *Service) TotalHeld() int64 {
	return s.repo.totalHeld()
}

func (s *Service) CustodyBalance(ctx context.Context) (int64, error) {
	return s.provider.BalanceOf(ctx, s.custody)
}

func (s *Service) Entries(milestoneID models.MilestoneID) []models.LedgerEntry {
	return s.repo.listEntries(milestoneID)
}

// Reconcile checks that the custody balance equals the sum of open holds.
func (s *Service) Reconcile(ctx context.Context) (held, custody int64, err error) {
	s.inflight.Lock()
	defer s.inflight.Unlock()
	held = s.repo.totalHeld()
	custody, err = s.provider.BalanceOf(ctx, s.custody)
	if err != nil {
		return held, 0, err
	}
	if held != custody {
		s.logger.Error("custody mismatch", "held", held, "custody", custody)
		return held, custody, fmt.Errorf("%w: held %d, custody %d", ErrCustodyMismatch, held, custody)
	}
	return held, custody, nil
}

// applyError keeps hold-state sentinels as they are and classifies everything else as a transfer failure.
func applyError(op string, err error) error {
	if errors.Is(err, ErrAlreadyFunded) || errors.Is(err, ErrNotHeld) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return transferError(op, err)
}

func transferError(op string, err error) error {
	if errors.Is(err, token.ErrInsufficientFunds) || errors.Is(err, token.ErrInsufficientAllowance) {
		return fmt.Errorf("%s: %w: %w", op, ErrInsufficientFunds, err)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrTransferFailed, err)
}

func memo(id models.MilestoneID, entryType string) string {
	return fmt.Sprintf("milestone:%d:%s", id, entryType)
}
