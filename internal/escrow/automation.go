package escrow

import (
	"context"
	"time"

	"github.com/inaiurai/escrow/internal/apperr"
	"github.com/inaiurai/escrow/internal/models"
)

// Outcome actions reported by ProcessDue.
const (
	ActionApproved = "approved"
	ActionReleased = "released"
	ActionNoop     = "noop"
	ActionSkipped  = "skipped"
	ActionFailed   = "failed"
)

// Outcome is the per-milestone result of an automation pass.
type Outcome struct {
	MilestoneID models.MilestoneID     `json:"milestone_id"`
	Action      string                 `json:"action"`
	Status      models.MilestoneStatus `json:"status,omitempty"`
	Settlement  *models.Settlement     `json:"settlement,omitempty"`
	Error       string                 `json:"error,omitempty"`
	Err         error                  `json:"-"`
}

// ProcessDue approves every submitted milestone that automation may approve and
// releases approved milestones whose dispute window has elapsed. Each id is handled
// under its own lock and re-checked there, so a dispute raised after the caller
// picked the id always wins. Failures are reported per id; the batch never aborts.
// Anyone may call it, and already-settled ids are no-ops.
func (s *Service) ProcessDue(ctx context.Context, ids []models.MilestoneID) []Outcome {
	out := make([]Outcome, 0, len(ids))
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			out = append(out, Outcome{MilestoneID: id, Action: ActionFailed, Error: err.Error(), Err: err})
			continue
		}
		out = append(out, s.processOne(ctx, id))
	}
	return out
}

func (s *Service) processOne(ctx context.Context, id models.MilestoneID) Outcome {
	const op = "ProcessDue"
	o := Outcome{MilestoneID: id}

	m, unlock, err := s.lockMilestone(op, id)
	if err != nil {
		return failed(o, err)
	}
	defer unlock()
	o.Status = m.Status

	switch m.Status {
	case models.MilestoneStatusCompleted, models.MilestoneStatusCancelled:
		o.Action = ActionNoop
		return o

	case models.MilestoneStatusSubmitted:
		if err := s.autoApprovable(op, m); err != nil {
			return skipped(o, err)
		}
		m.AutoApproved = true
		approved, err := s.approveLocked(ctx, m, AutomationActor, m.Method)
		if err != nil {
			return failed(o, err)
		}
		o.Action = ActionApproved
		o.Status = approved.Status
		o.Settlement = settlementOf(approved)
		return o

	case models.MilestoneStatusApproved:
		if err := s.releasable(op, m); err != nil {
			return skipped(o, err)
		}
		st, err := s.completeLocked(ctx, op, m, AutomationActor)
		if err != nil {
			return failed(o, err)
		}
		o.Action = ActionReleased
		o.Status = m.Status
		o.Settlement = &st
		return o

	default:
		return skipped(o, requireStatus(op, m, models.MilestoneStatusSubmitted, models.MilestoneStatusApproved))
	}
}

// autoApprovable reports whether automation may approve a submitted milestone now.
func (s *Service) autoApprovable(op string, m *models.Milestone) error {
	if d, ok := s.store.dispute(m.ID); ok && d.Active() {
		return apperr.State(op, "milestone %d has an active dispute", m.ID)
	}
	cfg := s.Settings().Verification
	now := s.now()
	if cfg.QualityBasedApproval && m.Verification.QualityScore != nil && *m.Verification.QualityScore >= cfg.MinQualityScore {
		return nil
	}
	if cfg.TimeBasedApproval && m.SubmittedAt != nil {
		due := m.SubmittedAt.Add(cfg.AutoApprovalDelay)
		if !now.Before(due) {
			return nil
		}
		return apperr.Timing(op, "auto approval delay not met until %s", due.Format(time.RFC3339))
	}
	return apperr.Timing(op, "milestone %d is not due for automation", m.ID)
}

// DueMilestones lists milestones ProcessDue would act on right now.
func (s *Service) DueMilestones(_ context.Context) []models.MilestoneID {
	var ids []models.MilestoneID
	for _, m := range s.store.openMilestones() {
		var err error
		switch m.Status {
		case models.MilestoneStatusSubmitted:
			err = s.autoApprovable("DueMilestones", m)
		case models.MilestoneStatusApproved:
			err = s.releasable("DueMilestones", m)
		default:
			continue
		}
		if err == nil {
			ids = append(ids, m.ID)
		}
	}
	return ids
}

func settlementOf(m *models.Milestone) *models.Settlement {
	if m.PlatformFee == nil || m.PayeeAmount == nil {
		return nil
	}
	return &models.Settlement{MilestoneID: m.ID, Amount: m.Amount, PlatformFee: *m.PlatformFee, PayeeAmount: *m.PayeeAmount}
}

func skipped(o Outcome, err error) Outcome {
	o.Action = ActionSkipped
	o.Error = err.Error()
	o.Err = err
	return o
}

func failed(o Outcome, err error) Outcome {
	o.Action = ActionFailed
	o.Error = err.Error()
	o.Err = err
	return o
}

// Summarize counts outcomes by action.
func Summarize(outcomes []Outcome) map[string]int {
	counts := make(map[string]int)
	for _, o := range outcomes {
		counts[o.Action]++
	}
	return counts
}
