package auth

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/inaiurai/escrow/internal/models"
)

const maxTokenTTL = 365 * 24 * time.Hour

type IssueTokenRequest struct {
	Address string `json:"address"`
	Role    string `json:"role"`
	TTL     string `json:"ttl"`
}

type TokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Handler serves POST /v1/auth/tokens. Only the configured admin may mint tokens.
type Handler struct {
	svc     Service
	isAdmin func(models.Address) bool
	caller  func(*http.Request) (Identity, bool)
	log     *slog.Logger
}

func NewHandler(svc Service, isAdmin func(models.Address) bool, caller func(*http.Request) (Identity, bool), log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{svc: svc, isAdmin: isAdmin, caller: caller, log: log}
}

func (h *Handler) IssueToken(w http.ResponseWriter, r *http.Request) {
	id, ok := h.caller(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if !h.isAdmin(id.Address) {
		writeError(w, http.StatusForbidden, "only the admin may issue tokens")
		return
	}
	var req IssueTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	addr := models.NormalizeAddress(req.Address)
	if addr.IsZero() {
		writeError(w, http.StatusBadRequest, "address is required")
		return
	}
	ttl := 24 * time.Hour
	if req.TTL != "" {
		d, err := time.ParseDuration(req.TTL)
		if err != nil || d <= 0 || d > maxTokenTTL {
			writeError(w, http.StatusBadRequest, "ttl must be a positive duration up to 8760h")
			return
		}
		ttl = d
	}
	token, expiresAt, err := h.svc.IssueToken(addr, req.Role, ttl)
	if err != nil {
		h.log.Error("issue token failed", "error", err)
		writeError(w, http.StatusInternalServerError, "token issue failed")
		return
	}
	h.log.Info("service token issued", "address", addr, "role", req.Role, "ttl", ttl, "admin", id.Address)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(TokenResponse{Token: token, ExpiresAt: expiresAt})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
