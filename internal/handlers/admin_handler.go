package handlers

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/inaiurai/escrow/internal/escrow"
	"github.com/inaiurai/escrow/internal/ledger"
	"github.com/inaiurai/escrow/internal/models"
)

// --- POST /v1/automation/process-due ---

type processDueRequest struct {
	MilestoneIDs []models.MilestoneID `json:"milestone_ids"`
}

type processDueResponse struct {
	Scanned  bool             `json:"scanned"`
	Outcomes []escrow.Outcome `json:"outcomes"`
	Summary  map[string]int   `json:"summary"`
}

// ProcessDue handles the permissionless automation trigger. An empty id list
// scans for every due milestone.
func (h *EscrowHandler) ProcessDue(w http.ResponseWriter, r *http.Request) {
	var req processDueRequest
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, `{"error":"failed to read body"}`, http.StatusBadRequest)
		return
	}
	if len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			http.Error(w, `{"error":"invalid JSON body"}`, http.StatusBadRequest)
			return
		}
	}
	resp := processDueResponse{}
	ids := req.MilestoneIDs
	if len(ids) == 0 {
		ids = h.Escrow.DueMilestones(r.Context())
		resp.Scanned = true
	}
	resp.Outcomes = h.Escrow.ProcessDue(r.Context(), ids)
	if resp.Outcomes == nil {
		resp.Outcomes = []escrow.Outcome{}
	}
	resp.Summary = escrow.Summarize(resp.Outcomes)
	h.log().Info("process due", "requested", len(req.MilestoneIDs), "processed", len(resp.Outcomes), "summary", resp.Summary)
	writeJSON(w, http.StatusOK, resp)
}

// --- GET /v1/ledger/custody ---

type custodyResponse struct {
	Custody    models.Address `json:"custody"`
	Held       int64          `json:"held"`
	Balance    int64          `json:"balance"`
	Reconciled bool           `json:"reconciled"`
	LastSeq    uint64         `json:"last_event_seq"`
	Error      string         `json:"error,omitempty"`
}

func (h *EscrowHandler) Custody(w http.ResponseWriter, r *http.Request) {
	held, balance, err := h.Ledger.Reconcile(r.Context())
	resp := custodyResponse{
		Custody:    h.Ledger.Custody(),
		Held:       held,
		Balance:    balance,
		Reconciled: err == nil,
		LastSeq:    h.Events.Seq(),
	}
	switch {
	case err == nil:
	case errors.Is(err, ledger.ErrCustodyMismatch):
		resp.Error = err.Error()
	default:
		h.log().Error("custody balance unavailable", "error", err)
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "custody balance unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// --- PUT /v1/admin/config ---

type updateConfigRequest struct {
	FeeBps               *int64  `json:"fee_bps"`
	DisputeWindow        *string `json:"dispute_window"`
	FeeRecipient         *string `json:"fee_recipient"`
	VerificationMethod   *string `json:"verification_method"`
	AutoApprovalDelay    *string `json:"auto_approval_delay"`
	TimeBasedApproval    *bool   `json:"time_based_approval"`
	QualityBasedApproval *bool   `json:"quality_based_approval"`
	MinQualityScore      *int    `json:"min_quality_score"`
}

func (req updateConfigRequest) toUpdate() (escrow.ConfigUpdate, error) {
	u := escrow.ConfigUpdate{
		FeeBps:               req.FeeBps,
		TimeBasedApproval:    req.TimeBasedApproval,
		QualityBasedApproval: req.QualityBasedApproval,
		MinQualityScore:      req.MinQualityScore,
	}
	if req.DisputeWindow != nil {
		d, err := time.ParseDuration(*req.DisputeWindow)
		if err != nil {
			return u, errors.New("dispute_window must be a duration")
		}
		u.DisputeWindow = &d
	}
	if req.AutoApprovalDelay != nil {
		d, err := time.ParseDuration(*req.AutoApprovalDelay)
		if err != nil {
			return u, errors.New("auto_approval_delay must be a duration")
		}
		u.AutoApprovalDelay = &d
	}
	if req.FeeRecipient != nil {
		a := models.NormalizeAddress(*req.FeeRecipient)
		u.FeeRecipient = &a
	}
	if req.VerificationMethod != nil {
		m, err := models.ParseVerificationMethod(*req.VerificationMethod)
		if err != nil {
			return u, err
		}
		u.Method = &m
	}
	return u, nil
}

type settingsResponse struct {
	FeeBps               int64                     `json:"fee_bps"`
	DisputeWindow        string                    `json:"dispute_window"`
	FeeRecipient         models.Address            `json:"fee_recipient"`
	VerificationMethod   models.VerificationMethod `json:"verification_method"`
	AutoApprovalDelay    string                    `json:"auto_approval_delay"`
	TimeBasedApproval    bool                      `json:"time_based_approval"`
	QualityBasedApproval bool                      `json:"quality_based_approval"`
	MinQualityScore      int                       `json:"min_quality_score"`
}

func settingsView(s escrow.Settings) settingsResponse {
	return settingsResponse{
		FeeBps:               s.FeeBps,
		DisputeWindow:        s.DisputeWindow.String(),
		FeeRecipient:         s.FeeRecipient,
		VerificationMethod:   s.Verification.Method,
		AutoApprovalDelay:    s.Verification.AutoApprovalDelay.String(),
		TimeBasedApproval:    s.Verification.TimeBasedApproval,
		QualityBasedApproval: s.Verification.QualityBasedApproval,
		MinQualityScore:      s.Verification.MinQualityScore,
	}
}

// GetConfig handles GET /v1/admin/config.
func (h *EscrowHandler) GetConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, settingsView(h.Escrow.Settings()))
}

func (h *EscrowHandler) UpdateConfig(w http.ResponseWriter, r *http.Request) {
	admin, ok := caller(w, r)
	if !ok {
		return
	}
	var req updateConfigRequest
	if !decode(w, r, &req) {
		return
	}
	u, err := req.toUpdate()
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	s, err := h.Escrow.UpdateConfig(r.Context(), admin, u)
	if err != nil {
		writeError(w, h.log(), err)
		return
	}
	writeJSON(w, http.StatusOK, settingsView(s))
}

// --- GET|POST|DELETE /v1/admin/roles ---

type roleRequest struct {
	Role    string `json:"role"`
	Address string `json:"address"`
}

func (h *EscrowHandler) ListRoles(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.Escrow.Roles())
}

func (h *EscrowHandler) GrantRole(w http.ResponseWriter, r *http.Request) {
	h.changeRole(w, r, true)
}

func (h *EscrowHandler) RevokeRole(w http.ResponseWriter, r *http.Request) {
	h.changeRole(w, r, false)
}

func (h *EscrowHandler) changeRole(w http.ResponseWriter, r *http.Request, grant bool) {
	admin, ok := caller(w, r)
	if !ok {
		return
	}
	var req roleRequest
	if !decode(w, r, &req) {
		return
	}
	addr := models.NormalizeAddress(req.Address)
	var err error
	if grant {
		err = h.Escrow.GrantRole(r.Context(), admin, req.Role, addr)
	} else {
		err = h.Escrow.RevokeRole(r.Context(), admin, req.Role, addr)
	}
	if err != nil {
		writeError(w, h.log(), err)
		return
	}
	writeJSON(w, http.StatusOK, h.Escrow.Roles())
}

// --- GET /healthz ---

func Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
