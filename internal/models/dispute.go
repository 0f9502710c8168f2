package models

import "time"

type DisputeStatus string

// Dispute status enums.
const (
	DisputeStatusNone        DisputeStatus = "none"
	DisputeStatusRaised      DisputeStatus = "raised"
	DisputeStatusUnderReview DisputeStatus = "under_review"
	DisputeStatusResolved    DisputeStatus = "resolved"
)

// Dispute is created on raise and closed on resolve. A milestone has at most one.
type Dispute struct {
	MilestoneID MilestoneID   `json:"milestone_id"`
	Initiator   Address       `json:"initiator"`
	Reason      string        `json:"reason"`
	Status      DisputeStatus `json:"status"`
	RaisedAt    time.Time     `json:"raised_at"`
	Reviewer    Address       `json:"reviewer,omitempty"`
	ReviewedAt  *time.Time    `json:"reviewed_at,omitempty"`
	Resolver    Address       `json:"resolver,omitempty"`
	ResolvedAt  *time.Time    `json:"resolved_at,omitempty"`
	PayerFavor  *bool         `json:"payer_favor,omitempty"`
	Resolution  string        `json:"resolution,omitempty"`
}

// Active reports whether the dispute still freezes its milestone.
func (d *Dispute) Active() bool {
	return d != nil && (d.Status == DisputeStatusRaised || d.Status == DisputeStatusUnderReview)
}

func (d *Dispute) Clone() *Dispute {
	cp := *d
	cp.ReviewedAt = cloneTime(d.ReviewedAt)
	cp.ResolvedAt = cloneTime(d.ResolvedAt)
	if d.PayerFavor != nil {
		v := *d.PayerFavor
		cp.PayerFavor = &v
	}
	return &cp
}
