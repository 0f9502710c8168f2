package escrow

import (
	"context"
	"fmt"

	"github.com/inaiurai/escrow/internal/models"
)

// Id sequences handed out by a Persister.
const (
	KindProject   = "project"
	KindMilestone = "milestone"
)

// Persister makes the arena durable. Without one the service keeps state in memory.
type Persister interface {
	NextID(ctx context.Context, kind string) (uint64, error)
	SaveProject(ctx context.Context, p *models.Project) error
	// SaveMilestone writes m, and d when it is not nil, in one transaction.
	SaveMilestone(ctx context.Context, m *models.Milestone, d *models.Dispute) error
	SaveDispute(ctx context.Context, d *models.Dispute) error
	SaveSettings(ctx context.Context, s Settings) error
	SaveRoles(ctx context.Context, r Roles) error
	Load(ctx context.Context) (*Snapshot, error)
}

// Snapshot is everything a Persister holds. Settings and Roles are nil until an
// admin first changes them.
type Snapshot struct {
	Projects   []*models.Project
	Milestones []*models.Milestone
	Disputes   []*models.Dispute
	Settings   *Settings
	Roles      *Roles
}

// RestoreReport summarizes a boot-time load.
type RestoreReport struct {
	Projects   int `json:"projects"`
	Milestones int `json:"milestones"`
	Disputes   int `json:"disputes"`
	// Repaired counts milestones and disputes whose stored status lagged their hold.
	Repaired int `json:"repaired"`
	// Orphans counts holds with no stored milestone; each is refunded to its payer.
	Orphans int `json:"orphans"`
}

// Restore attaches p, loads the arena from it, and brings every milestone in line
// with its ledger hold. Call it once at boot, after the ledger is loaded and before
// the service takes requests. Stored policy and role changes replace the
// configured ones; the admin stays as configured.
func (s *Service) Restore(ctx context.Context, p Persister) (RestoreReport, error) {
	snap, err := p.Load(ctx)
	if err != nil {
		return RestoreReport{}, fmt.Errorf("load escrow state: %w", err)
	}
	if snap.Settings != nil {
		if err := snap.Settings.validate(s.ledger.Custody()); err != nil {
			return RestoreReport{}, fmt.Errorf("stored settings: %w", err)
		}
		s.settingsMu.Lock()
		s.settings = *snap.Settings
		s.settingsMu.Unlock()
	}
	if snap.Roles != nil {
		r := *snap.Roles
		r.Admin = s.roles.snapshot().Admin
		s.roles = newRoleSet(r)
	}
	s.store.p = p
	s.store.load(snap)

	report := RestoreReport{Projects: len(snap.Projects), Milestones: len(snap.Milestones), Disputes: len(snap.Disputes)}
	if report.Repaired, err = s.repairMilestones(ctx); err != nil {
		return report, err
	}
	if report.Orphans, err = s.refundOrphans(ctx); err != nil {
		return report, err
	}
	s.logger.Info("escrow state restored", "projects", report.Projects, "milestones", report.Milestones,
		"disputes", report.Disputes, "repaired", report.Repaired, "orphans", report.Orphans)
	return report, nil
}

// repairMilestones finishes transitions whose funds moved but whose milestone or
// dispute row was not written.
func (s *Service) repairMilestones(ctx context.Context) (int, error) {
	repaired := 0
	for _, m := range s.store.openMilestones() {
		now := s.now()
		old := m.Status
		var typ string
		switch s.ledger.HoldStatus(m.ID) {
		case models.HoldStatusHeld:
			continue
		case models.HoldStatusReleased:
			st, _ := s.ledger.Settled(m.ID)
			m.Status = models.MilestoneStatusCompleted
			if m.ApprovedAt == nil {
				m.ApprovedAt = &now
			}
			m.CompletedAt = &now
			m.PlatformFee = &st.PlatformFee
			m.PayeeAmount = &st.PayeeAmount
			typ = models.EventMilestoneCompleted
		case models.HoldStatusRefunded:
			m.Status = models.MilestoneStatusCancelled
			m.CancelledAt = &now
			typ = models.EventMilestoneCancelled
		default:
			s.logger.Error("milestone has no custody hold", "milestone_id", m.ID, "status", m.Status)
			continue
		}
		if err := s.store.saveMilestone(ctx, m, nil); err != nil {
			return repaired, fmt.Errorf("repair milestone %d: %w", m.ID, err)
		}
		repaired++
		s.logger.Warn("milestone repaired from ledger", "milestone_id", m.ID, "from", old, "to", m.Status)
		e := s.transitionEvent(typ, m, old, AutomationActor)
		if m.PlatformFee != nil {
			e.PlatformFee, e.PayeeAmount = *m.PlatformFee, *m.PayeeAmount
		}
		e.Data = map[string]string{"recovered": "true"}
		s.emit(ctx, e)
	}

	for _, d := range s.store.activeDisputes() {
		m, ok := s.store.milestone(d.MilestoneID)
		if !ok || !m.Status.Terminal() {
			continue
		}
		now := s.now()
		payerFavor := m.Status == models.MilestoneStatusCancelled
		d.Status = models.DisputeStatusResolved
		d.ResolvedAt = &now
		d.PayerFavor = &payerFavor
		if err := s.store.putDispute(ctx, d); err != nil {
			return repaired, fmt.Errorf("repair dispute %d: %w", d.MilestoneID, err)
		}
		repaired++
		s.logger.Warn("dispute closed from ledger", "milestone_id", d.MilestoneID, "payer_favor", payerFavor)
	}
	return repaired, nil
}

// refundOrphans returns funds held for milestones that were never stored.
func (s *Service) refundOrphans(ctx context.Context) (int, error) {
	n := 0
	for _, id := range s.ledger.OpenHolds() {
		if _, ok := s.store.milestone(id); ok {
			continue
		}
		amount, err := s.ledger.Refund(ctx, &models.Milestone{ID: id, Status: models.MilestoneStatusCreated})
		if err != nil {
			return n, fmt.Errorf("refund orphan hold %d: %w", id, err)
		}
		n++
		s.logger.Warn("orphan hold refunded", "milestone_id", id, "amount", amount)
		s.emit(ctx, models.Event{
			Type:        models.EventMilestoneCancelled,
			MilestoneID: id,
			Actor:       AutomationActor,
			Amount:      amount,
			Data:        map[string]string{"recovered": "true", "orphan": "true"},
		})
	}
	return n, nil
}

// recorded persists state whose funds already moved. The hold is authoritative, so a
// failed write is logged, the arena is updated anyway, and Restore repairs storage on
// the next boot.
func (s *Service) recorded(ctx context.Context, m *models.Milestone, d *models.Dispute) {
	if err := s.store.saveMilestone(ctx, m, d); err != nil {
		s.logger.Error("escrow state write failed after funds moved", "milestone_id", m.ID, "status", m.Status, "error", err)
		s.store.applyMilestone(m, d)
	}
}
