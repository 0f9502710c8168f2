package ledger

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/inaiurai/escrow/internal/models"
)

type holdState int

const (
	holdReserved holdState = iota // transfer into custody in flight
	holdHeld
	holdSettling // transfer out of custody in flight
	holdReleased
	holdRefunded
)

func (s holdState) durable() models.HoldStatus {
	switch s {
	case holdHeld, holdSettling:
		return models.HoldStatusHeld
	case holdReleased:
		return models.HoldStatusReleased
	case holdRefunded:
		return models.HoldStatusRefunded
	}
	return models.HoldStatusNone
}

type hold struct {
	payer  models.Address
	amount int64
	state  holdState
}

// Repository is the ledger's book of holds and custody journal entries, keyed by milestone.
// Its mutex is only held for bookkeeping, never across a token transfer.
type Repository struct {
	mu      sync.Mutex
	holds   map[models.MilestoneID]*hold
	entries map[models.MilestoneID][]models.LedgerEntry
	now     func() time.Time
}

func NewRepository() *Repository {
	return &Repository{
		holds:   make(map[models.MilestoneID]*hold),
		entries: make(map[models.MilestoneID][]models.LedgerEntry),
		now:     time.Now,
	}
}

// reserve claims the slot for id. It fails if the milestone was ever funded.
func (r *Repository) reserve(id models.MilestoneID, payer models.Address, amount int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.holds[id]; ok {
		return false
	}
	r.holds[id] = &hold{payer: payer, amount: amount, state: holdReserved}
	return true
}

func (r *Repository) dropReservation(id models.MilestoneID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.holds[id]; ok && h.state == holdReserved {
		delete(r.holds, id)
	}
}

// transition moves a hold from one state to another and reports whether it was in from.
func (r *Repository) transition(id models.MilestoneID, from, to holdState) (hold, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.holds[id]
	if !ok || h.state != from {
		return hold{}, false
	}
	h.state = to
	return *h, true
}

// stamp gives entries their id, milestone, and time before they are stored anywhere.
func (r *Repository) stamp(id models.MilestoneID, entries ...models.LedgerEntry) []models.LedgerEntry {
	now := r.now().UTC()
	out := make([]models.LedgerEntry, len(entries))
	for i, e := range entries {
		e.ID = uuid.New()
		e.MilestoneID = id
		e.CreatedAt = now
		out[i] = e
	}
	return out
}

// commit applies a final state and appends stamped entries in one step.
func (r *Repository) commit(id models.MilestoneID, to holdState, entries ...models.LedgerEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.holds[id]; ok {
		h.state = to
	}
	r.entries[id] = append(r.entries[id], entries...)
}

// restore installs a hold loaded from durable storage. It replaces nothing already present.
func (r *Repository) restore(id models.MilestoneID, payer models.Address, amount int64, status models.HoldStatus, entries []models.LedgerEntry) error {
	var state holdState
	switch status {
	case models.HoldStatusHeld:
		state = holdHeld
	case models.HoldStatusReleased:
		state = holdReleased
	case models.HoldStatusRefunded:
		state = holdRefunded
	default:
		return fmt.Errorf("milestone %d: unknown hold status %q", id, status)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.holds[id]; ok {
		return fmt.Errorf("milestone %d: hold already loaded", id)
	}
	r.holds[id] = &hold{payer: payer, amount: amount, state: state}
	r.entries[id] = append([]models.LedgerEntry(nil), entries...)
	return nil
}

// status reports the durable view of a hold. In-flight states report what storage holds.
func (r *Repository) status(id models.MilestoneID) models.HoldStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.holds[id]
	if !ok {
		return models.HoldStatusNone
	}
	return h.state.durable()
}

// open lists milestones whose funds are still in custody, in id order.
func (r *Repository) open() []models.MilestoneID {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []models.MilestoneID
	for id, h := range r.holds {
		if h.state == holdHeld || h.state == holdSettling {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (r *Repository) held(id models.MilestoneID) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.holds[id]; ok && (h.state == holdHeld || h.state == holdSettling) {
		return h.amount
	}
	return 0
}

func (r *Repository) totalHeld() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var sum int64
	for _, h := range r.holds {
		if h.state == holdHeld || h.state == holdSettling {
			sum += h.amount
		}
	}
	return sum
}

func (r *Repository) listEntries(id models.MilestoneID) []models.LedgerEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.LedgerEntry, len(r.entries[id]))
	copy(out, r.entries[id])
	return out
}
