package handlers

import (
	"net/http"

	"github.com/inaiurai/escrow/internal/models"
)

func (h *EscrowHandler) disputeResult(w http.ResponseWriter, d *models.Dispute, err error) {
	if err != nil {
		writeError(w, h.log(), err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// --- GET /v1/milestones/{id}/dispute ---

func (h *EscrowHandler) GetDispute(w http.ResponseWriter, r *http.Request) {
	id, ok := milestoneID(w, r)
	if !ok {
		return
	}
	d, err := h.Escrow.GetDispute(r.Context(), id)
	h.disputeResult(w, d, err)
}

// --- POST /v1/milestones/{id}/dispute ---

type raiseDisputeRequest struct {
	Reason string `json:"reason"`
}

func (h *EscrowHandler) RaiseDispute(w http.ResponseWriter, r *http.Request) {
	actor, ok := caller(w, r)
	if !ok {
		return
	}
	id, ok := milestoneID(w, r)
	if !ok {
		return
	}
	var req raiseDisputeRequest
	if !decode(w, r, &req) {
		return
	}
	d, err := h.Escrow.RaiseDispute(r.Context(), id, actor, req.Reason)
	if err != nil {
		writeError(w, h.log(), err)
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

// --- POST /v1/milestones/{id}/dispute/review ---

func (h *EscrowHandler) ReviewDispute(w http.ResponseWriter, r *http.Request) {
	resolver, ok := caller(w, r)
	if !ok {
		return
	}
	id, ok := milestoneID(w, r)
	if !ok {
		return
	}
	d, err := h.Escrow.ReviewDispute(r.Context(), id, resolver)
	h.disputeResult(w, d, err)
}

// --- POST /v1/milestones/{id}/dispute/resolve ---

type resolveDisputeRequest struct {
	PayerFavor *bool  `json:"payer_favor"`
	Note       string `json:"note"`
}

func (h *EscrowHandler) ResolveDispute(w http.ResponseWriter, r *http.Request) {
	resolver, ok := caller(w, r)
	if !ok {
		return
	}
	id, ok := milestoneID(w, r)
	if !ok {
		return
	}
	var req resolveDisputeRequest
	if !decode(w, r, &req) {
		return
	}
	if req.PayerFavor == nil {
		http.Error(w, `{"error":"payer_favor is required"}`, http.StatusBadRequest)
		return
	}
	d, err := h.Escrow.ResolveDispute(r.Context(), id, resolver, *req.PayerFavor, req.Note)
	h.disputeResult(w, d, err)
}
