package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/inaiurai/escrow/internal/escrow"
	"github.com/inaiurai/escrow/internal/models"
)

// Escrow is the subset of escrow.Service the HTTP layer drives.
type Escrow interface {
	CreateProject(ctx context.Context, payer models.Address, in escrow.NewProject) (*models.Project, error)
	GetProject(ctx context.Context, id models.ProjectID) (*models.Project, error)
	ListProjectMilestones(ctx context.Context, id models.ProjectID) ([]*models.Milestone, error)
	CreateMilestone(ctx context.Context, actor models.Address, projectID models.ProjectID, in escrow.NewMilestone) (*models.Milestone, error)
	GetMilestone(ctx context.Context, id models.MilestoneID) (*models.Milestone, error)
	SubmitDeliverable(ctx context.Context, id models.MilestoneID, actor models.Address, deliverable string) (*models.Milestone, error)
	Approve(ctx context.Context, id models.MilestoneID, actor models.Address) (*models.Milestone, error)
	Release(ctx context.Context, id models.MilestoneID, actor models.Address) (*models.Milestone, error)
	CancelMilestone(ctx context.Context, id models.MilestoneID, actor models.Address) (*models.Milestone, error)
	RaiseDispute(ctx context.Context, id models.MilestoneID, initiator models.Address, reason string) (*models.Dispute, error)
	ReviewDispute(ctx context.Context, id models.MilestoneID, resolver models.Address) (*models.Dispute, error)
	ResolveDispute(ctx context.Context, id models.MilestoneID, resolver models.Address, payerFavor bool, note string) (*models.Dispute, error)
	GetDispute(ctx context.Context, id models.MilestoneID) (*models.Dispute, error)
	SubmitOracleResult(ctx context.Context, id models.MilestoneID, oracle models.Address, passed bool) (*models.Milestone, error)
	SubmitVerification(ctx context.Context, id models.MilestoneID, verifier models.Address, r models.VerificationReport) (*models.Milestone, error)
	ProcessDue(ctx context.Context, ids []models.MilestoneID) []escrow.Outcome
	DueMilestones(ctx context.Context) []models.MilestoneID
	UpdateConfig(ctx context.Context, admin models.Address, u escrow.ConfigUpdate) (escrow.Settings, error)
	GrantRole(ctx context.Context, admin models.Address, role string, addr models.Address) error
	RevokeRole(ctx context.Context, admin models.Address, role string, addr models.Address) error
	Settings() escrow.Settings
	Roles() escrow.Roles
}

// LedgerView exposes custody bookkeeping for read endpoints.
type LedgerView interface {
	Custody() models.Address
	Held(milestoneID models.MilestoneID) int64
	Entries(milestoneID models.MilestoneID) []models.LedgerEntry
	Reconcile(ctx context.Context) (held, custody int64, err error)
}

// EventLog exposes recently published events.
type EventLog interface {
	Recent(milestoneID models.MilestoneID) []models.Event
	Seq() uint64
}

// EscrowHandler serves the /v1 project, milestone, dispute and admin endpoints.
type EscrowHandler struct {
	Escrow Escrow
	Ledger LedgerView
	Events EventLog
	Logger *slog.Logger
}

func (h *EscrowHandler) log() *slog.Logger {
	if h.Logger == nil {
		return slog.Default()
	}
	return h.Logger
}

// --- POST /v1/projects ---

type createProjectRequest struct {
	Payee  string `json:"payee"`
	Title  string `json:"title"`
	Budget int64  `json:"budget"`
}

// CreateProject handles POST /v1/projects. The caller becomes the payer.
func (h *EscrowHandler) CreateProject(w http.ResponseWriter, r *http.Request) {
	payer, ok := caller(w, r)
	if !ok {
		return
	}
	var req createProjectRequest
	if !decode(w, r, &req) {
		return
	}
	p, err := h.Escrow.CreateProject(r.Context(), payer, escrow.NewProject{
		Payee:  models.NormalizeAddress(req.Payee),
		Title:  req.Title,
		Budget: req.Budget,
	})
	if err != nil {
		writeError(w, h.log(), err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

// --- GET /v1/projects/{id} ---

func (h *EscrowHandler) GetProject(w http.ResponseWriter, r *http.Request) {
	id, ok := projectID(w, r)
	if !ok {
		return
	}
	p, err := h.Escrow.GetProject(r.Context(), id)
	if err != nil {
		writeError(w, h.log(), err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// --- GET /v1/projects/{id}/milestones ---

func (h *EscrowHandler) ListProjectMilestones(w http.ResponseWriter, r *http.Request) {
	id, ok := projectID(w, r)
	if !ok {
		return
	}
	ms, err := h.Escrow.ListProjectMilestones(r.Context(), id)
	if err != nil {
		writeError(w, h.log(), err)
		return
	}
	if ms == nil {
		ms = []*models.Milestone{}
	}
	writeJSON(w, http.StatusOK, ms)
}

// --- POST /v1/projects/{id}/milestones ---

type createMilestoneRequest struct {
	Amount      int64     `json:"amount"`
	Description string    `json:"description"`
	Deadline    time.Time `json:"deadline"`
}

// CreateMilestone handles POST /v1/projects/{id}/milestones and locks the
// milestone amount from the payer into custody.
func (h *EscrowHandler) CreateMilestone(w http.ResponseWriter, r *http.Request) {
	actor, ok := caller(w, r)
	if !ok {
		return
	}
	pid, ok := projectID(w, r)
	if !ok {
		return
	}
	var req createMilestoneRequest
	if !decode(w, r, &req) {
		return
	}
	m, err := h.Escrow.CreateMilestone(r.Context(), actor, pid, escrow.NewMilestone{
		Amount:      req.Amount,
		Description: req.Description,
		Deadline:    req.Deadline,
	})
	if err != nil {
		writeError(w, h.log(), err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

// --- GET /v1/milestones/{id} ---

func (h *EscrowHandler) GetMilestone(w http.ResponseWriter, r *http.Request) {
	id, ok := milestoneID(w, r)
	if !ok {
		return
	}
	m, err := h.Escrow.GetMilestone(r.Context(), id)
	if err != nil {
		writeError(w, h.log(), err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// --- GET /v1/milestones/{id}/ledger ---

type milestoneLedgerResponse struct {
	MilestoneID models.MilestoneID   `json:"milestone_id"`
	Held        int64                `json:"held"`
	Entries     []models.LedgerEntry `json:"entries"`
	Events      []models.Event       `json:"events"`
}

func (h *EscrowHandler) GetMilestoneLedger(w http.ResponseWriter, r *http.Request) {
	id, ok := milestoneID(w, r)
	if !ok {
		return
	}
	if _, err := h.Escrow.GetMilestone(r.Context(), id); err != nil {
		writeError(w, h.log(), err)
		return
	}
	resp := milestoneLedgerResponse{
		MilestoneID: id,
		Held:        h.Ledger.Held(id),
		Entries:     h.Ledger.Entries(id),
		Events:      h.Events.Recent(id),
	}
	if resp.Entries == nil {
		resp.Entries = []models.LedgerEntry{}
	}
	if resp.Events == nil {
		resp.Events = []models.Event{}
	}
	writeJSON(w, http.StatusOK, resp)
}

// --- POST /v1/milestones/{id}/submit ---

type submitRequest struct {
	Deliverable string `json:"deliverable"`
}

func (h *EscrowHandler) SubmitDeliverable(w http.ResponseWriter, r *http.Request) {
	actor, ok := caller(w, r)
	if !ok {
		return
	}
	id, ok := milestoneID(w, r)
	if !ok {
		return
	}
	var req submitRequest
	if !decode(w, r, &req) {
		return
	}
	m, err := h.Escrow.SubmitDeliverable(r.Context(), id, actor, req.Deliverable)
	h.milestoneResult(w, m, err)
}

// --- POST /v1/milestones/{id}/approve|release|cancel ---

func (h *EscrowHandler) Approve(w http.ResponseWriter, r *http.Request) {
	h.milestoneAction(w, r, h.Escrow.Approve)
}

func (h *EscrowHandler) Release(w http.ResponseWriter, r *http.Request) {
	h.milestoneAction(w, r, h.Escrow.Release)
}

func (h *EscrowHandler) CancelMilestone(w http.ResponseWriter, r *http.Request) {
	h.milestoneAction(w, r, h.Escrow.CancelMilestone)
}

type milestoneActionFunc func(ctx context.Context, id models.MilestoneID, actor models.Address) (*models.Milestone, error)

func (h *EscrowHandler) milestoneAction(w http.ResponseWriter, r *http.Request, fn milestoneActionFunc) {
	actor, ok := caller(w, r)
	if !ok {
		return
	}
	id, ok := milestoneID(w, r)
	if !ok {
		return
	}
	m, err := fn(r.Context(), id, actor)
	h.milestoneResult(w, m, err)
}

func (h *EscrowHandler) milestoneResult(w http.ResponseWriter, m *models.Milestone, err error) {
	if err != nil {
		writeError(w, h.log(), err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// --- POST /v1/milestones/{id}/oracle-result ---

type oracleResultRequest struct {
	Passed bool `json:"passed"`
}

// SubmitOracleResult handles the oracle callback. The caller must hold the oracle role.
func (h *EscrowHandler) SubmitOracleResult(w http.ResponseWriter, r *http.Request) {
	oracle, ok := caller(w, r)
	if !ok {
		return
	}
	id, ok := milestoneID(w, r)
	if !ok {
		return
	}
	var req oracleResultRequest
	if !decode(w, r, &req) {
		return
	}
	m, err := h.Escrow.SubmitOracleResult(r.Context(), id, oracle, req.Passed)
	h.milestoneResult(w, m, err)
}

// --- POST /v1/milestones/{id}/verification ---

// SubmitVerification handles the off-chain verifier callback.
func (h *EscrowHandler) SubmitVerification(w http.ResponseWriter, r *http.Request) {
	verifier, ok := caller(w, r)
	if !ok {
		return
	}
	id, ok := milestoneID(w, r)
	if !ok {
		return
	}
	var req models.VerificationReport
	if !decode(w, r, &req) {
		return
	}
	m, err := h.Escrow.SubmitVerification(r.Context(), id, verifier, req)
	h.milestoneResult(w, m, err)
}
