package escrow

import (
	"context"
	"strconv"
	"time"

	"github.com/inaiurai/escrow/internal/apperr"
	"github.com/inaiurai/escrow/internal/models"
)

// ConfigUpdate changes the escrow policy. Nil fields are left as they are.
type ConfigUpdate struct {
	FeeBps               *int64
	DisputeWindow        *time.Duration
	FeeRecipient         *models.Address
	Method               *models.VerificationMethod
	AutoApprovalDelay    *time.Duration
	TimeBasedApproval    *bool
	QualityBasedApproval *bool
	MinQualityScore      *int
}

func (u ConfigUpdate) apply(s Settings) Settings {
	if u.FeeBps != nil {
		s.FeeBps = *u.FeeBps
	}
	if u.DisputeWindow != nil {
		s.DisputeWindow = *u.DisputeWindow
	}
	if u.FeeRecipient != nil {
		s.FeeRecipient = *u.FeeRecipient
	}
	if u.Method != nil {
		s.Verification.Method = *u.Method
	}
	if u.AutoApprovalDelay != nil {
		s.Verification.AutoApprovalDelay = *u.AutoApprovalDelay
	}
	if u.TimeBasedApproval != nil {
		s.Verification.TimeBasedApproval = *u.TimeBasedApproval
	}
	if u.QualityBasedApproval != nil {
		s.Verification.QualityBasedApproval = *u.QualityBasedApproval
	}
	if u.MinQualityScore != nil {
		s.Verification.MinQualityScore = *u.MinQualityScore
	}
	return s
}

// UpdateConfig replaces the policy. Fee rate and verification method only reach
// projects created afterwards; the other values apply to open milestones immediately.
func (s *Service) UpdateConfig(ctx context.Context, admin models.Address, u ConfigUpdate) (settings Settings, err error) {
	const op = "UpdateConfig"
	defer func() { err = s.rejected(op, 0, admin, err) }()

	if !s.roles.has(models.RoleAdmin, admin) {
		return Settings{}, apperr.Authorization(op, "caller is not the admin")
	}
	s.settingsMu.Lock()
	next := u.apply(s.settings)
	if err := next.validate(s.ledger.Custody()); err != nil {
		s.settingsMu.Unlock()
		return Settings{}, err
	}
	if p := s.store.p; p != nil {
		if err := p.SaveSettings(ctx, next); err != nil {
			s.settingsMu.Unlock()
			return Settings{}, err
		}
	}
	s.settings = next
	s.settingsMu.Unlock()

	s.logger.Info("escrow config updated", "admin", admin, "fee_bps", next.FeeBps, "dispute_window", next.DisputeWindow, "method", next.Verification.Method)
	s.emit(ctx, models.Event{
		Type:  models.EventConfigUpdated,
		Actor: admin,
		Data: map[string]string{
			"fee_bps":                itoa(next.FeeBps),
			"dispute_window":         next.DisputeWindow.String(),
			"fee_recipient":          string(next.FeeRecipient),
			"verification_method":    string(next.Verification.Method),
			"auto_approval_delay":    next.Verification.AutoApprovalDelay.String(),
			"time_based_approval":    strconv.FormatBool(next.Verification.TimeBasedApproval),
			"quality_based_approval": strconv.FormatBool(next.Verification.QualityBasedApproval),
			"min_quality_score":      strconv.Itoa(next.Verification.MinQualityScore),
		},
	})
	return next, nil
}

// GrantRole adds addr to a resolver, oracle, or verifier set.
func (s *Service) GrantRole(ctx context.Context, admin models.Address, role string, addr models.Address) error {
	return s.setRole(ctx, "GrantRole", admin, role, addr, true)
}

// RevokeRole removes addr from a role set.
func (s *Service) RevokeRole(ctx context.Context, admin models.Address, role string, addr models.Address) error {
	return s.setRole(ctx, "RevokeRole", admin, role, addr, false)
}

func (s *Service) setRole(ctx context.Context, op string, admin models.Address, role string, addr models.Address, member bool) (err error) {
	defer func() { err = s.rejected(op, 0, admin, err) }()

	if !s.roles.has(models.RoleAdmin, admin) {
		return apperr.Authorization(op, "caller is not the admin")
	}
	if !models.ValidRole(role) {
		return apperr.Validation(op, "unknown role %q", role)
	}
	if addr.IsZero() {
		return apperr.Validation(op, "address is required")
	}
	s.rolesMu.Lock()
	defer s.rolesMu.Unlock()
	if !s.roles.set(role, addr, member) {
		return nil
	}
	if p := s.store.p; p != nil {
		if err := p.SaveRoles(ctx, s.roles.snapshot()); err != nil {
			s.roles.set(role, addr, !member)
			return err
		}
	}

	typ := models.EventRoleGranted
	if !member {
		typ = models.EventRoleRevoked
	}
	s.logger.Info("role changed", "role", role, "address", addr, "member", member, "admin", admin)
	s.emit(ctx, models.Event{
		Type:  typ,
		Actor: admin,
		Data:  map[string]string{"role": role, "address": string(addr)},
	})
	return nil
}

// Roles returns the current role assignment.
func (s *Service) Roles() Roles {
	return s.roles.snapshot()
}

// HasRole reports whether addr holds role.
func (s *Service) HasRole(role string, addr models.Address) bool {
	return s.roles.has(role, addr)
}

// Stats reports arena sizes.
func (s *Service) Stats() (projects, milestones int) {
	return s.store.counts()
}
