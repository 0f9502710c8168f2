package escrow

import (
	"context"
	"strconv"
	"strings"

	"github.com/inaiurai/escrow/internal/apperr"
	"github.com/inaiurai/escrow/internal/models"
)

// Strategy decides which verification signals may approve a milestone. Role checks
// on the oracle or verifier happen before a strategy is consulted.
type Strategy interface {
	Method() models.VerificationMethod
	// CanApprove reports whether approver may approve m manually.
	CanApprove(m *models.Milestone, approver models.Address) error
	// OnOracleResult reports whether the oracle result approves m.
	OnOracleResult(m *models.Milestone, passed bool) (bool, error)
	// OnReport reports whether a verifier report approves m.
	OnReport(m *models.Milestone, r models.VerificationReport, minScore int) (bool, error)
}

func strategyFor(method models.VerificationMethod) Strategy {
	switch method {
	case models.VerificationOracleOnly:
		return oracleOnly{}
	case models.VerificationHybrid:
		return hybrid{}
	case models.VerificationOffChainVerifier:
		return offChainVerifier{}
	default:
		return clientOnly{}
	}
}

func payerApproves(m *models.Milestone, approver models.Address) error {
	if approver != m.Payer {
		return apperr.Authorization("Approve", "only the payer may approve milestone %d", m.ID)
	}
	return nil
}

type clientOnly struct{}

func (clientOnly) Method() models.VerificationMethod { return models.VerificationClientOnly }

func (clientOnly) CanApprove(m *models.Milestone, approver models.Address) error {
	return payerApproves(m, approver)
}

func (clientOnly) OnOracleResult(m *models.Milestone, _ bool) (bool, error) {
	return false, apperr.Authorization("SubmitOracleResult", "milestone %d does not accept oracle results", m.ID)
}

func (clientOnly) OnReport(*models.Milestone, models.VerificationReport, int) (bool, error) {
	return false, nil
}

type oracleOnly struct{}

func (oracleOnly) Method() models.VerificationMethod { return models.VerificationOracleOnly }

func (oracleOnly) CanApprove(m *models.Milestone, _ models.Address) error {
	return apperr.Authorization("Approve", "milestone %d is approved by oracle only", m.ID)
}

func (oracleOnly) OnOracleResult(_ *models.Milestone, passed bool) (bool, error) {
	return passed, nil
}

func (oracleOnly) OnReport(*models.Milestone, models.VerificationReport, int) (bool, error) {
	return false, nil
}

type hybrid struct{}

func (hybrid) Method() models.VerificationMethod { return models.VerificationHybrid }

func (hybrid) CanApprove(m *models.Milestone, approver models.Address) error {
	return payerApproves(m, approver)
}

func (hybrid) OnOracleResult(_ *models.Milestone, passed bool) (bool, error) {
	return passed, nil
}

func (hybrid) OnReport(*models.Milestone, models.VerificationReport, int) (bool, error) {
	return false, nil
}

type offChainVerifier struct{}

func (offChainVerifier) Method() models.VerificationMethod {
	return models.VerificationOffChainVerifier
}

func (offChainVerifier) CanApprove(m *models.Milestone, _ models.Address) error {
	return apperr.Authorization("Approve", "milestone %d is approved by verifier report only", m.ID)
}

func (offChainVerifier) OnOracleResult(m *models.Milestone, _ bool) (bool, error) {
	return false, apperr.Authorization("SubmitOracleResult", "milestone %d does not accept oracle results", m.ID)
}

func (offChainVerifier) OnReport(_ *models.Milestone, r models.VerificationReport, minScore int) (bool, error) {
	return r.Passed && r.Score >= minScore, nil
}

// SubmitOracleResult is the oracle callback. A passing result approves the milestone
// when its method accepts oracle results; a failing one is only recorded.
func (s *Service) SubmitOracleResult(ctx context.Context, id models.MilestoneID, oracle models.Address, passed bool) (m *models.Milestone, err error) {
	const op = "SubmitOracleResult"
	defer func() { err = s.rejected(op, id, oracle, err) }()

	if !s.roles.has(models.RoleOracle, oracle) {
		return nil, apperr.Authorization(op, "caller is not a registered oracle")
	}
	m, unlock, err := s.lockMilestone(op, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if err := requireStatus(op, m, models.MilestoneStatusSubmitted); err != nil {
		return nil, err
	}
	strategy := strategyFor(m.Method)
	approve, err := strategy.OnOracleResult(m, passed)
	if err != nil {
		return nil, err
	}

	now := s.now()
	m.Verification.Oracle = oracle
	m.Verification.OracleResult = &passed
	m.Verification.OracleAt = &now

	if approve {
		return s.approveLocked(ctx, m, oracle, strategy.Method())
	}
	if err := s.store.saveMilestone(ctx, m, nil); err != nil {
		return nil, err
	}
	s.logger.Info("oracle result recorded", "milestone_id", id, "oracle", oracle, "passed", passed)
	s.emit(ctx, models.Event{
		Type:        models.EventOracleRecorded,
		ProjectID:   m.ProjectID,
		MilestoneID: m.ID,
		Actor:       oracle,
		Data:        map[string]string{"passed": strconv.FormatBool(passed)},
	})
	return m, nil
}

// SubmitVerification records a verifier report. Under the off-chain verifier method a
// passing report at or above the quality threshold approves the milestone; under any
// method the score feeds quality-based automation.
func (s *Service) SubmitVerification(ctx context.Context, id models.MilestoneID, verifier models.Address, r models.VerificationReport) (m *models.Milestone, err error) {
	const op = "SubmitVerification"
	defer func() { err = s.rejected(op, id, verifier, err) }()

	if !s.roles.has(models.RoleVerifier, verifier) {
		return nil, apperr.Authorization(op, "caller is not a registered verifier")
	}
	if r.Score < 0 || r.Score > 100 {
		return nil, apperr.Validation(op, "score must be within 0..100, got %d", r.Score)
	}
	m, unlock, err := s.lockMilestone(op, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if err := requireStatus(op, m, models.MilestoneStatusSubmitted); err != nil {
		return nil, err
	}
	strategy := strategyFor(m.Method)
	approve, err := strategy.OnReport(m, r, s.Settings().Verification.MinQualityScore)
	if err != nil {
		return nil, err
	}

	now := s.now()
	score, passed := r.Score, r.Passed
	m.Verification.Verifier = verifier
	m.Verification.QualityScore = &score
	m.Verification.Passed = &passed
	m.Verification.Report = strings.TrimSpace(r.Report)
	m.Verification.ReportedAt = &now

	if approve {
		return s.approveLocked(ctx, m, verifier, strategy.Method())
	}
	if err := s.store.saveMilestone(ctx, m, nil); err != nil {
		return nil, err
	}
	s.logger.Info("verification recorded", "milestone_id", id, "verifier", verifier, "score", score, "passed", passed)
	s.emit(ctx, models.Event{
		Type:        models.EventVerificationRecorded,
		ProjectID:   m.ProjectID,
		MilestoneID: m.ID,
		Actor:       verifier,
		Data: map[string]string{
			"score":  itoa(int64(score)),
			"passed": strconv.FormatBool(passed),
		},
	})
	return m, nil
}
