package models

import "time"

type ProjectID uint64

// Project is created once by the payer and names the payee every milestone pays out to.
type Project struct {
	ID                 ProjectID          `json:"id"`
	Payer              Address            `json:"payer"`
	Payee              Address            `json:"payee"`
	Title              string             `json:"title"`
	Budget             int64              `json:"budget"`
	Allocated          int64              `json:"allocated"`
	FeeBps             int64              `json:"fee_bps"`
	VerificationMethod VerificationMethod `json:"verification_method"`
	Active             bool               `json:"active"`
	CreatedAt          time.Time          `json:"created_at"`
}

// IsParty reports whether addr is the payer or payee of the project.
func (p *Project) IsParty(addr Address) bool {
	return addr == p.Payer || addr == p.Payee
}

// Remaining is the budget not yet allocated to non-cancelled milestones.
func (p *Project) Remaining() int64 {
	return p.Budget - p.Allocated
}
