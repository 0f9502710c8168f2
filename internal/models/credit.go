package models

import (
	"time"

	"github.com/google/uuid"
)

// Custody ledger entry_type enums.
const (
	LedgerEntryEscrowLock   = "escrow_lock"
	LedgerEntryPayeeRelease = "payee_release"
	LedgerEntryPlatformFee  = "platform_fee"
	LedgerEntryRefund       = "refund"
)

type HoldStatus string

// Durable hold status enums. A milestone with no hold reports HoldStatusNone.
const (
	HoldStatusNone     HoldStatus = ""
	HoldStatusHeld     HoldStatus = "HELD"
	HoldStatusReleased HoldStatus = "RELEASED"
	HoldStatusRefunded HoldStatus = "REFUNDED"
)

// LedgerEntry is one append-only row of the custody journal. HeldAfter is the
// milestone's held balance once the entry applied.
type LedgerEntry struct {
	ID          uuid.UUID   `json:"id"`
	MilestoneID MilestoneID `json:"milestone_id"`
	EntryType   string      `json:"entry_type"`
	Account     Address     `json:"account"`
	Amount      int64       `json:"amount"`
	HeldAfter   int64       `json:"held_after"`
	CreatedAt   time.Time   `json:"created_at"`
}

// Settlement is the outcome of a disbursement.
type Settlement struct {
	MilestoneID MilestoneID `json:"milestone_id"`
	Amount      int64       `json:"amount"`
	PlatformFee int64       `json:"platform_fee"`
	PayeeAmount int64       `json:"payee_amount"`
}
