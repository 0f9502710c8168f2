package models

import "time"

type MilestoneID uint64

type MilestoneStatus string

// Milestone status enums.
const (
	MilestoneStatusCreated   MilestoneStatus = "created"
	MilestoneStatusSubmitted MilestoneStatus = "submitted"
	MilestoneStatusApproved  MilestoneStatus = "approved"
	MilestoneStatusDisputed  MilestoneStatus = "disputed"
	MilestoneStatusCompleted MilestoneStatus = "completed"
	MilestoneStatusCancelled MilestoneStatus = "cancelled"
)

// Terminal reports whether no further transition is possible from s.
func (s MilestoneStatus) Terminal() bool {
	return s == MilestoneStatusCompleted || s == MilestoneStatusCancelled
}

// Milestone is a funded unit of work. Payer and Payee are denormalized from the project;
// FeeBps and Method are snapshotted at creation so later config changes never apply to it.
type Milestone struct {
	ID           MilestoneID        `json:"id"`
	ProjectID    ProjectID          `json:"project_id"`
	Payer        Address            `json:"payer"`
	Payee        Address            `json:"payee"`
	Amount       int64              `json:"amount"`
	Description  string             `json:"description"`
	Deliverable  string             `json:"deliverable,omitempty"`
	Deadline     time.Time          `json:"deadline"`
	Status       MilestoneStatus    `json:"status"`
	FeeBps       int64              `json:"fee_bps"`
	Method       VerificationMethod `json:"verification_method"`
	Verification Verification       `json:"verification"`
	AutoApproved bool               `json:"auto_approved"`
	PlatformFee  *int64             `json:"platform_fee,omitempty"`
	PayeeAmount  *int64             `json:"payee_amount,omitempty"`
	CreatedAt    time.Time          `json:"created_at"`
	SubmittedAt  *time.Time         `json:"submitted_at,omitempty"`
	ApprovedAt   *time.Time         `json:"approved_at,omitempty"`
	CompletedAt  *time.Time         `json:"completed_at,omitempty"`
	CancelledAt  *time.Time         `json:"cancelled_at,omitempty"`
}

// Clone returns a deep copy so callers can never mutate stored state.
func (m *Milestone) Clone() *Milestone {
	cp := *m
	cp.SubmittedAt = cloneTime(m.SubmittedAt)
	cp.ApprovedAt = cloneTime(m.ApprovedAt)
	cp.CompletedAt = cloneTime(m.CompletedAt)
	cp.CancelledAt = cloneTime(m.CancelledAt)
	cp.PlatformFee = cloneInt(m.PlatformFee)
	cp.PayeeAmount = cloneInt(m.PayeeAmount)
	cp.Verification = m.Verification.clone()
	return &cp
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneInt(n *int64) *int64 {
	if n == nil {
		return nil
	}
	v := *n
	return &v
}
