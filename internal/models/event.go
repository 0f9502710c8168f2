package models

import (
	"time"

	"github.com/google/uuid"
)

// Event type enums emitted on the audit log.
const (
	EventProjectCreated       = "project.created"
	EventMilestoneCreated     = "milestone.created"
	EventMilestoneSubmitted   = "milestone.submitted"
	EventMilestoneApproved    = "milestone.approved"
	EventMilestoneCompleted   = "milestone.completed"
	EventMilestoneDisputed    = "milestone.disputed"
	EventMilestoneCancelled   = "milestone.cancelled"
	EventDisputeReview        = "dispute.under_review"
	EventDisputeResolved      = "dispute.resolved"
	EventVerificationRecorded = "verification.recorded"
	EventOracleRecorded       = "oracle.recorded"
	EventConfigUpdated        = "config.updated"
	EventRoleGranted          = "role.granted"
	EventRoleRevoked          = "role.revoked"
)

// Event is the structured record mirrored by the external indexer. Seq is assigned by
// the journal and is unique per escrow instance.
type Event struct {
	Seq         uint64            `json:"seq"`
	ID          uuid.UUID         `json:"id"`
	Type        string            `json:"type"`
	ProjectID   ProjectID         `json:"project_id,omitempty"`
	MilestoneID MilestoneID       `json:"milestone_id,omitempty"`
	OldStatus   MilestoneStatus   `json:"old_status,omitempty"`
	NewStatus   MilestoneStatus   `json:"new_status,omitempty"`
	Actor       Address           `json:"actor"`
	Amount      int64             `json:"amount,omitempty"`
	PlatformFee int64             `json:"platform_fee,omitempty"`
	PayeeAmount int64             `json:"payee_amount,omitempty"`
	Data        map[string]string `json:"data,omitempty"`
	OccurredAt  time.Time         `json:"occurred_at"`
}
