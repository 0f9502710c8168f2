package models

import (
	"fmt"
	"time"
)

type VerificationMethod string

// Verification method enums.
const (
	VerificationClientOnly       VerificationMethod = "client_only"
	VerificationOracleOnly       VerificationMethod = "oracle_only"
	VerificationHybrid           VerificationMethod = "hybrid"
	VerificationOffChainVerifier VerificationMethod = "off_chain_verifier"
)

// ParseVerificationMethod accepts the wire names above.
func ParseVerificationMethod(s string) (VerificationMethod, error) {
	switch m := VerificationMethod(s); m {
	case VerificationClientOnly, VerificationOracleOnly, VerificationHybrid, VerificationOffChainVerifier:
		return m, nil
	}
	return "", fmt.Errorf("unknown verification method %q", s)
}

// VerificationConfig drives both strategy selection and automation thresholds.
type VerificationConfig struct {
	Method               VerificationMethod `json:"method"`
	AutoApprovalDelay    time.Duration      `json:"auto_approval_delay"`
	TimeBasedApproval    bool               `json:"time_based_approval"`
	QualityBasedApproval bool               `json:"quality_based_approval"`
	MinQualityScore      int                `json:"min_quality_score"`
}

// Verification is the per-milestone record of how (and by whom) completion was judged.
type Verification struct {
	ApprovedBy   Address            `json:"approved_by,omitempty"`
	ApprovedVia  VerificationMethod `json:"approved_via,omitempty"`
	Verifier     Address            `json:"verifier,omitempty"`
	QualityScore *int               `json:"quality_score,omitempty"`
	Passed       *bool              `json:"passed,omitempty"`
	Report       string             `json:"report,omitempty"`
	ReportedAt   *time.Time         `json:"reported_at,omitempty"`
	Oracle       Address            `json:"oracle,omitempty"`
	OracleResult *bool              `json:"oracle_result,omitempty"`
	OracleAt     *time.Time         `json:"oracle_at,omitempty"`
}

// VerificationReport is the record an off-chain verifier submits.
type VerificationReport struct {
	Score  int    `json:"score"`
	Passed bool   `json:"passed"`
	Report string `json:"report"`
}

func (v Verification) clone() Verification {
	cp := v
	cp.ReportedAt = cloneTime(v.ReportedAt)
	cp.OracleAt = cloneTime(v.OracleAt)
	if v.QualityScore != nil {
		s := *v.QualityScore
		cp.QualityScore = &s
	}
	if v.Passed != nil {
		p := *v.Passed
		cp.Passed = &p
	}
	if v.OracleResult != nil {
		r := *v.OracleResult
		cp.OracleResult = &r
	}
	return cp
}
