package escrow

import (
	"context"
	"strings"
	"time"

	"github.com/inaiurai/escrow/internal/apperr"
	"github.com/inaiurai/escrow/internal/models"
)

type NewMilestone struct {
	Amount      int64     `json:"amount"`
	Description string    `json:"description"`
	Deadline    time.Time `json:"deadline"`
}

// CreateMilestone adds a milestone to a project and pulls its amount from the payer
// into custody. Either project party may create one; the payer always funds it.
func (s *Service) CreateMilestone(ctx context.Context, actor models.Address, projectID models.ProjectID, in NewMilestone) (m *models.Milestone, err error) {
	const op = "CreateMilestone"
	defer func() { err = s.rejected(op, projectID, actor, err) }()

	unlock := s.projects.Lock(projectID)
	defer unlock()

	p, ok := s.store.project(projectID)
	if !ok {
		return nil, apperr.NotFound(op, "project %d", projectID)
	}
	if !p.IsParty(actor) {
		return nil, apperr.Authorization(op, "caller is not a party to project %d", projectID)
	}
	if !p.Active {
		return nil, apperr.State(op, "project %d is no longer active", projectID)
	}
	now := s.now()
	description := strings.TrimSpace(in.Description)
	switch {
	case in.Amount <= 0:
		return nil, apperr.Validation(op, "amount must be > 0, got %d", in.Amount)
	case in.Amount > p.Remaining():
		return nil, apperr.Validation(op, "amount %d exceeds remaining budget %d", in.Amount, p.Remaining())
	case description == "":
		return nil, apperr.Validation(op, "description is required")
	case in.Deadline.IsZero() || !in.Deadline.After(now):
		return nil, apperr.Validation(op, "deadline must be in the future")
	}

	id, err := s.store.allocMilestoneID(ctx)
	if err != nil {
		return nil, err
	}
	unlockM := s.ms.Lock(id)
	defer unlockM()

	if err := s.ledger.LockFunds(ctx, id, in.Amount, p.Payer); err != nil {
		return nil, err
	}
	m = &models.Milestone{
		ID:          id,
		ProjectID:   p.ID,
		Payer:       p.Payer,
		Payee:       p.Payee,
		Amount:      in.Amount,
		Description: description,
		Deadline:    in.Deadline.UTC(),
		Status:      models.MilestoneStatusCreated,
		FeeBps:      p.FeeBps,
		Method:      p.VerificationMethod,
		CreatedAt:   now,
	}
	s.recorded(ctx, m, nil)

	s.logger.Info("milestone created", "milestone_id", id, "project_id", p.ID, "amount", m.Amount)
	s.emit(ctx, s.transitionEvent(models.EventMilestoneCreated, m, "", actor))
	return m.Clone(), nil
}

func (s *Service) GetMilestone(_ context.Context, id models.MilestoneID) (*models.Milestone, error) {
	m, ok := s.store.milestone(id)
	if !ok {
		return nil, apperr.NotFound("GetMilestone", "milestone %d", id)
	}
	return m, nil
}

// SubmitDeliverable records the payee's deliverable reference. Allowed until the deadline.
func (s *Service) SubmitDeliverable(ctx context.Context, id models.MilestoneID, actor models.Address, deliverable string) (m *models.Milestone, err error) {
	const op = "SubmitDeliverable"
	defer func() { err = s.rejected(op, id, actor, err) }()

	m, unlock, err := s.lockMilestone(op, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	deliverable = strings.TrimSpace(deliverable)
	now := s.now()
	if err := requireStatus(op, m, models.MilestoneStatusCreated); err != nil {
		return nil, err
	}
	if actor != m.Payee {
		return nil, apperr.Authorization(op, "only the payee may submit")
	}
	if deliverable == "" {
		return nil, apperr.Validation(op, "deliverable reference is required")
	}
	if now.After(m.Deadline) {
		return nil, apperr.Timing(op, "deadline %s has passed", m.Deadline.Format(time.RFC3339))
	}

	old := m.Status
	m.Status = models.MilestoneStatusSubmitted
	m.Deliverable = deliverable
	m.SubmittedAt = &now
	if err := s.store.saveMilestone(ctx, m, nil); err != nil {
		return nil, err
	}

	s.logger.Info("milestone submitted", "milestone_id", id, "payee", actor)
	e := s.transitionEvent(models.EventMilestoneSubmitted, m, old, actor)
	e.Data = map[string]string{"deliverable": deliverable}
	s.emit(ctx, e)
	return m, nil
}

// Approve is the payer's manual approval. Whether it is allowed depends on the
// milestone's verification method.
func (s *Service) Approve(ctx context.Context, id models.MilestoneID, actor models.Address) (m *models.Milestone, err error) {
	const op = "Approve"
	defer func() { err = s.rejected(op, id, actor, err) }()

	m, unlock, err := s.lockMilestone(op, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if err := requireStatus(op, m, models.MilestoneStatusSubmitted); err != nil {
		return nil, err
	}
	if err := strategyFor(m.Method).CanApprove(m, actor); err != nil {
		return nil, err
	}
	return s.approveLocked(ctx, m, actor, m.Method)
}

// Release disburses an approved milestone whose dispute window has elapsed. Anyone may call it.
func (s *Service) Release(ctx context.Context, id models.MilestoneID, actor models.Address) (m *models.Milestone, err error) {
	const op = "Release"
	defer func() { err = s.rejected(op, id, actor, err) }()

	m, unlock, err := s.lockMilestone(op, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if err := s.releasable(op, m); err != nil {
		return nil, err
	}
	if _, err := s.completeLocked(ctx, op, m, actor); err != nil {
		return nil, err
	}
	return m, nil
}

// CancelMilestone refunds a milestone the payee has not yet submitted.
func (s *Service) CancelMilestone(ctx context.Context, id models.MilestoneID, actor models.Address) (m *models.Milestone, err error) {
	const op = "CancelMilestone"
	defer func() { err = s.rejected(op, id, actor, err) }()

	m, unlock, err := s.lockMilestone(op, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if err := requireStatus(op, m, models.MilestoneStatusCreated); err != nil {
		return nil, err
	}
	if actor != m.Payer {
		return nil, apperr.Authorization(op, "only the payer may cancel")
	}
	if err := s.cancelLocked(ctx, m, nil, actor); err != nil {
		return nil, err
	}
	return m, nil
}

// approveLocked moves a submitted milestone to approved. With no dispute window it disburses in the same step; if that fails the
// milestone is left untouched.
func (s *Service) approveLocked(ctx context.Context, m *models.Milestone, actor models.Address, via models.VerificationMethod) (*models.Milestone, error) {
	now := s.now()
	old := m.Status
	m.Status = models.MilestoneStatusApproved
	m.ApprovedAt = &now
	m.Verification.ApprovedBy = actor
	m.Verification.ApprovedVia = via

	if s.Settings().DisputeWindow > 0 {
		if err := s.store.saveMilestone(ctx, m, nil); err != nil {
			return nil, err
		}
		s.logger.Info("milestone approved", "milestone_id", m.ID, "actor", actor, "via", via)
		s.emit(ctx, s.transitionEvent(models.EventMilestoneApproved, m, old, actor))
		return m, nil
	}

	settlement, err := s.ledger.Disburse(ctx, m, s.Settings().FeeRecipient)
	if err != nil {
		return nil, err
	}
	s.logger.Info("milestone approved", "milestone_id", m.ID, "actor", actor, "via", via)
	s.emit(ctx, s.transitionEvent(models.EventMilestoneApproved, m, old, actor))
	s.finishCompletion(ctx, m, nil, actor, settlement)
	return m, nil
}

// completeLocked disburses an approved milestone and marks it completed.
func (s *Service) completeLocked(ctx context.Context, op string, m *models.Milestone, actor models.Address) (models.Settlement, error) {
	if err := requireStatus(op, m, models.MilestoneStatusApproved); err != nil {
		return models.Settlement{}, err
	}
	settlement, err := s.ledger.Disburse(ctx, m, s.Settings().FeeRecipient)
	if err != nil {
		return models.Settlement{}, err
	}
	s.finishCompletion(ctx, m, nil, actor, settlement)
	return settlement, nil
}

// finishCompletion records a disbursed milestone, together with the dispute that
// settled it when d is not nil.
func (s *Service) finishCompletion(ctx context.Context, m *models.Milestone, d *models.Dispute, actor models.Address, st models.Settlement) {
	now := s.now()
	m.Status = models.MilestoneStatusCompleted
	m.CompletedAt = &now
	m.PlatformFee = &st.PlatformFee
	m.PayeeAmount = &st.PayeeAmount
	s.recorded(ctx, m, d)

	s.logger.Info("milestone completed", "milestone_id", m.ID, "payee_amount", st.PayeeAmount, "platform_fee", st.PlatformFee)
	e := s.transitionEvent(models.EventMilestoneCompleted, m, models.MilestoneStatusApproved, actor)
	e.PlatformFee = st.PlatformFee
	e.PayeeAmount = st.PayeeAmount
	s.emit(ctx, e)
}

// cancelLocked refunds the payer and marks the milestone cancelled, recording d with it when not nil.
func (s *Service) cancelLocked(ctx context.Context, m *models.Milestone, d *models.Dispute, actor models.Address) error {
	if _, err := s.ledger.Refund(ctx, m); err != nil {
		return err
	}
	now := s.now()
	old := m.Status
	m.Status = models.MilestoneStatusCancelled
	m.CancelledAt = &now
	s.recorded(ctx, m, d)

	s.logger.Info("milestone cancelled", "milestone_id", m.ID, "actor", actor, "refund", m.Amount)
	s.emit(ctx, s.transitionEvent(models.EventMilestoneCancelled, m, old, actor))
	return nil
}

// releasable reports whether an approved milestone's dispute window has elapsed.
func (s *Service) releasable(op string, m *models.Milestone) error {
	if err := requireStatus(op, m, models.MilestoneStatusApproved); err != nil {
		return err
	}
	if d, ok := s.store.dispute(m.ID); ok && d.Active() {
		return apperr.State(op, "milestone %d has an active dispute", m.ID)
	}
	if until := m.ApprovedAt.Add(s.Settings().DisputeWindow); s.now().Before(until) {
		return apperr.Timing(op, "dispute window open until %s", until.Format(time.RFC3339))
	}
	return nil
}
