package escrow

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/inaiurai/escrow/internal/apperr"
	"github.com/inaiurai/escrow/internal/models"
)

// RaiseDispute freezes a submitted milestone, or an approved one still inside its
// dispute window. A milestone can be disputed once.
func (s *Service) RaiseDispute(ctx context.Context, id models.MilestoneID, initiator models.Address, reason string) (d *models.Dispute, err error) {
	const op = "RaiseDispute"
	defer func() { err = s.rejected(op, id, initiator, err) }()

	m, unlock, err := s.lockMilestone(op, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	reason = strings.TrimSpace(reason)
	now := s.now()
	if err := requireStatus(op, m, models.MilestoneStatusSubmitted, models.MilestoneStatusApproved); err != nil {
		return nil, err
	}
	if initiator != m.Payer && initiator != m.Payee {
		return nil, apperr.Authorization(op, "only a party to milestone %d may dispute it", id)
	}
	if reason == "" {
		return nil, apperr.Validation(op, "reason is required")
	}
	if _, exists := s.store.dispute(id); exists {
		return nil, apperr.State(op, "milestone %d has already been disputed", id)
	}
	if m.Status == models.MilestoneStatusApproved {
		if until := m.ApprovedAt.Add(s.Settings().DisputeWindow); !now.Before(until) {
			return nil, apperr.Timing(op, "dispute window closed at %s", until.Format(time.RFC3339))
		}
	}

	d = &models.Dispute{
		MilestoneID: id,
		Initiator:   initiator,
		Reason:      reason,
		Status:      models.DisputeStatusRaised,
		RaisedAt:    now,
	}
	old := m.Status
	m.Status = models.MilestoneStatusDisputed
	if err := s.store.saveMilestone(ctx, m, d); err != nil {
		return nil, err
	}

	s.logger.Info("milestone disputed", "milestone_id", id, "initiator", initiator, "from", old)
	e := s.transitionEvent(models.EventMilestoneDisputed, m, old, initiator)
	e.Data = map[string]string{"reason": reason}
	s.emit(ctx, e)
	return d, nil
}

// ReviewDispute marks a raised dispute as taken up by a resolver.
func (s *Service) ReviewDispute(ctx context.Context, id models.MilestoneID, resolver models.Address) (d *models.Dispute, err error) {
	const op = "ReviewDispute"
	defer func() { err = s.rejected(op, id, resolver, err) }()

	m, unlock, err := s.lockMilestone(op, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	d, err = s.resolverDispute(op, m, resolver)
	if err != nil {
		return nil, err
	}
	if d.Status != models.DisputeStatusRaised {
		return nil, apperr.State(op, "dispute on milestone %d is %s, want raised", id, d.Status)
	}
	now := s.now()
	d.Status = models.DisputeStatusUnderReview
	d.Reviewer = resolver
	d.ReviewedAt = &now
	if err := s.store.putDispute(ctx, d); err != nil {
		return nil, err
	}

	s.logger.Info("dispute under review", "milestone_id", id, "resolver", resolver)
	s.emit(ctx, models.Event{
		Type:        models.EventDisputeReview,
		ProjectID:   m.ProjectID,
		MilestoneID: id,
		Actor:       resolver,
	})
	return d, nil
}

// ResolveDispute settles an active dispute. Payer favour refunds the full amount and
// cancels the milestone; payee favour approves and disburses it.
func (s *Service) ResolveDispute(ctx context.Context, id models.MilestoneID, resolver models.Address, payerFavor bool, note string) (d *models.Dispute, err error) {
	const op = "ResolveDispute"
	defer func() { err = s.rejected(op, id, resolver, err) }()

	m, unlock, err := s.lockMilestone(op, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	d, err = s.resolverDispute(op, m, resolver)
	if err != nil {
		return nil, err
	}
	if !d.Active() {
		return nil, apperr.State(op, "dispute on milestone %d is %s", id, d.Status)
	}

	resolvedAt := s.now()
	d.Status = models.DisputeStatusResolved
	d.Resolver = resolver
	d.ResolvedAt = &resolvedAt
	d.PayerFavor = &payerFavor
	d.Resolution = strings.TrimSpace(note)

	var settlement models.Settlement
	if payerFavor {
		if err := s.cancelLocked(ctx, m, d, resolver); err != nil {
			return nil, err
		}
	} else {
		approved := m.Clone()
		approved.Status = models.MilestoneStatusApproved
		approved.ApprovedAt = &resolvedAt
		approved.Verification.ApprovedBy = resolver
		settlement, err = s.ledger.Disburse(ctx, approved, s.Settings().FeeRecipient)
		if err != nil {
			return nil, err
		}
		m = approved
		s.emit(ctx, s.transitionEvent(models.EventMilestoneApproved, m, models.MilestoneStatusDisputed, resolver))
		s.finishCompletion(ctx, m, d, resolver, settlement)
	}

	s.logger.Info("dispute resolved", "milestone_id", id, "resolver", resolver, "payer_favor", payerFavor)
	s.emit(ctx, models.Event{
		Type:        models.EventDisputeResolved,
		ProjectID:   m.ProjectID,
		MilestoneID: id,
		NewStatus:   m.Status,
		Actor:       resolver,
		Amount:      m.Amount,
		PlatformFee: settlement.PlatformFee,
		PayeeAmount: settlement.PayeeAmount,
		Data:        map[string]string{"payer_favor": strconv.FormatBool(payerFavor)},
	})
	return d, nil
}

func (s *Service) GetDispute(_ context.Context, id models.MilestoneID) (*models.Dispute, error) {
	d, ok := s.store.dispute(id)
	if !ok {
		return nil, apperr.NotFound("GetDispute", "dispute for milestone %d", id)
	}
	return d, nil
}

// resolverDispute checks the caller may act on the milestone's dispute and returns it.
// Resolvers may not decide disputes on milestones they are a party to.
func (s *Service) resolverDispute(op string, m *models.Milestone, resolver models.Address) (*models.Dispute, error) {
	if !s.roles.has(models.RoleResolver, resolver) {
		return nil, apperr.Authorization(op, "caller is not a registered resolver")
	}
	if resolver == m.Payer || resolver == m.Payee {
		return nil, apperr.Authorization(op, "resolver is a party to milestone %d", m.ID)
	}
	d, ok := s.store.dispute(m.ID)
	if !ok {
		return nil, apperr.State(op, "milestone %d has no dispute", m.ID)
	}
	return d, nil
}
