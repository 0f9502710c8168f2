package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/inaiurai/escrow/internal/apperr"
	"github.com/inaiurai/escrow/internal/middleware"
	"github.com/inaiurai/escrow/internal/models"
)

// statusFor maps an escrow error kind to its HTTP status.
func statusFor(err error) int {
	switch apperr.KindOf(err) {
	case "validation":
		return http.StatusBadRequest
	case "not_found":
		return http.StatusNotFound
	case "authorization":
		return http.StatusForbidden
	case "state":
		return http.StatusConflict
	case "timing":
		return http.StatusUnprocessableEntity
	case "transfer":
		return http.StatusPaymentRequired
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, logger *slog.Logger, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		logger.Error("request failed", "error", err)
		writeJSON(w, status, map[string]string{"error": "internal error"})
		return
	}
	writeJSON(w, status, map[string]string{"error": err.Error(), "kind": apperr.KindOf(err)})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// caller returns the authenticated address or writes 401.
func caller(w http.ResponseWriter, r *http.Request) (models.Address, bool) {
	id, ok := middleware.IdentityFromCtx(r.Context())
	if !ok {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return "", false
	}
	return id.Address, true
}

// decode reads a JSON body into v or writes 400.
func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, `{"error":"invalid JSON body"}`, http.StatusBadRequest)
		return false
	}
	return true
}

func pathID(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil || id == 0 {
		http.Error(w, `{"error":"invalid id"}`, http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func milestoneID(w http.ResponseWriter, r *http.Request) (models.MilestoneID, bool) {
	id, ok := pathID(w, r)
	return models.MilestoneID(id), ok
}

func projectID(w http.ResponseWriter, r *http.Request) (models.ProjectID, bool) {
	id, ok := pathID(w, r)
	return models.ProjectID(id), ok
}
