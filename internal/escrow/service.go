// Package escrow is the milestone escrow core: projects, the milestone state
// machine, verification strategies, disputes, and automation. Every state-changing
// call takes the authenticated actor explicitly.
package escrow

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/inaiurai/escrow/internal/apperr"
	"github.com/inaiurai/escrow/internal/lock"
	"github.com/inaiurai/escrow/internal/models"
)

// AutomationActor is recorded as the actor of transitions made by ProcessDue.
const AutomationActor = models.Address("automation")

// Ledger is the custody collaborator. It is the only component that moves funds.
type Ledger interface {
	LockFunds(ctx context.Context, milestoneID models.MilestoneID, amount int64, payer models.Address) error
	Disburse(ctx context.Context, m *models.Milestone, feeRecipient models.Address) (models.Settlement, error)
	Refund(ctx context.Context, m *models.Milestone) (int64, error)
	Held(milestoneID models.MilestoneID) int64
	Custody() models.Address

	// Restore reads these to bring stored milestones in line with their holds.
	HoldStatus(milestoneID models.MilestoneID) models.HoldStatus
	OpenHolds() []models.MilestoneID
	Settled(milestoneID models.MilestoneID) (models.Settlement, bool)
}

// Publisher receives one event per transition.
type Publisher interface {
	Publish(ctx context.Context, e models.Event) models.Event
}

// Settings is the mutable escrow policy. FeeBps and Verification.Method are
// snapshotted onto projects at creation; the rest is read live.
type Settings struct {
	FeeBps        int64                     `json:"fee_bps"`
	DisputeWindow time.Duration             `json:"dispute_window"`
	FeeRecipient  models.Address            `json:"fee_recipient"`
	Verification  models.VerificationConfig `json:"verification"`
}

// validate checks the policy. custody is the ledger's account and may not collect fees.
func (s Settings) validate(custody models.Address) error {
	const op = "Settings"
	if s.FeeBps < 0 || s.FeeBps > 10000 {
		return apperr.Validation(op, "fee bps must be within 0..10000, got %d", s.FeeBps)
	}
	if s.DisputeWindow < 0 {
		return apperr.Validation(op, "dispute window must not be negative")
	}
	if s.FeeRecipient.IsZero() {
		return apperr.Validation(op, "fee recipient is required")
	}
	if s.FeeRecipient == custody {
		return apperr.Validation(op, "fee recipient must not be the custody account")
	}
	if _, err := models.ParseVerificationMethod(string(s.Verification.Method)); err != nil {
		return apperr.Validation(op, "%v", err)
	}
	if s.Verification.AutoApprovalDelay < 0 {
		return apperr.Validation(op, "auto approval delay must not be negative")
	}
	if s.Verification.MinQualityScore < 0 || s.Verification.MinQualityScore > 100 {
		return apperr.Validation(op, "min quality score must be within 0..100, got %d", s.Verification.MinQualityScore)
	}
	return nil
}

type Service struct {
	store    *store
	ledger   Ledger
	events   Publisher
	roles    *roleSet
	logger   *slog.Logger
	ms       *lock.Keyed[models.MilestoneID]
	projects *lock.Keyed[models.ProjectID]

	settingsMu sync.RWMutex
	settings   Settings

	// serializes role changes so stored snapshots are written in order
	rolesMu sync.Mutex

	// Now is the clock. Tests replace it.
	Now func() time.Time
}

func NewService(ledger Ledger, events Publisher, settings Settings, roles Roles, logger *slog.Logger) (*Service, error) {
	if err := settings.validate(ledger.Custody()); err != nil {
		return nil, err
	}
	if roles.Admin.IsZero() {
		return nil, apperr.Validation("NewService", "admin address is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    newStore(),
		ledger:   ledger,
		events:   events,
		roles:    newRoleSet(roles),
		logger:   logger,
		ms:       lock.NewKeyed[models.MilestoneID](),
		projects: lock.NewKeyed[models.ProjectID](),
		settings: settings,
		Now:      time.Now,
	}, nil
}

// Settings returns the current policy.
func (s *Service) Settings() Settings {
	s.settingsMu.RLock()
	defer s.settingsMu.RUnlock()
	return s.settings
}

func (s *Service) now() time.Time { return s.Now().UTC() }

func (s *Service) emit(ctx context.Context, e models.Event) {
	if e.OccurredAt.IsZero() {
		e.OccurredAt = s.now()
	}
	s.events.Publish(ctx, e)
}

func (s *Service) transitionEvent(typ string, m *models.Milestone, old models.MilestoneStatus, actor models.Address) models.Event {
	return models.Event{
		Type:        typ,
		ProjectID:   m.ProjectID,
		MilestoneID: m.ID,
		OldStatus:   old,
		NewStatus:   m.Status,
		Actor:       actor,
		Amount:      m.Amount,
	}
}

// rejected logs a failed call at debug level and returns err unchanged.
func (s *Service) rejected(op string, id any, actor models.Address, err error) error {
	if err != nil {
		s.logger.Debug("escrow operation rejected", "op", op, "id", id, "actor", actor, "kind", apperr.KindOf(err), "error", err)
	}
	return err
}

func (s *Service) lockMilestone(op string, id models.MilestoneID) (*models.Milestone, func(), error) {
	unlock := s.ms.Lock(id)
	m, ok := s.store.milestone(id)
	if !ok {
		unlock()
		return nil, nil, apperr.NotFound(op, "milestone %d", id)
	}
	return m, unlock, nil
}

func requireStatus(op string, m *models.Milestone, want ...models.MilestoneStatus) error {
	for _, w := range want {
		if m.Status == w {
			return nil
		}
	}
	if len(want) == 1 {
		return apperr.State(op, "milestone %d is %s, want %s", m.ID, m.Status, want[0])
	}
	return apperr.State(op, "milestone %d is %s, want one of %v", m.ID, m.Status, want)
}

func itoa(n int64) string { return strconv.FormatInt(n, 10) }
