package router

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/inaiurai/escrow/internal/auth"
	"github.com/inaiurai/escrow/internal/handlers"
	"github.com/inaiurai/escrow/internal/middleware"
	"github.com/inaiurai/escrow/internal/validation"
)

// Deps are the collaborators the HTTP surface is assembled from.
type Deps struct {
	Escrow    *handlers.EscrowHandler
	Auth      *auth.Handler
	Tokens    middleware.TokenValidator
	Validator middleware.BodyValidator
	// Limiter guards the permissionless process-due endpoint. Nil disables limiting.
	Limiter middleware.Limiter
	Logger  *slog.Logger
}

// New returns an http.Handler serving the escrow API under /v1.
func New(d Deps) http.Handler {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	h := d.Escrow
	mux := http.NewServeMux()

	authed := middleware.RequireIdentity(d.Tokens)
	optional := middleware.OptionalIdentity(d.Tokens)
	body := func(schema string, next http.HandlerFunc) http.Handler {
		return middleware.ValidateBody(d.Validator, schema)(next)
	}
	// write is an authenticated route whose body is checked against schema.
	write := func(schema string, next http.HandlerFunc) http.Handler {
		return authed(body(schema, next))
	}

	mux.HandleFunc("GET /healthz", handlers.Healthz)

	// Projects
	mux.Handle("POST /v1/projects", write(validation.CreateProject, h.CreateProject))
	mux.HandleFunc("GET /v1/projects/{id}", h.GetProject)
	mux.HandleFunc("GET /v1/projects/{id}/milestones", h.ListProjectMilestones)
	mux.Handle("POST /v1/projects/{id}/milestones", write(validation.CreateMilestone, h.CreateMilestone))

	// Milestones
	mux.HandleFunc("GET /v1/milestones/{id}", h.GetMilestone)
	mux.HandleFunc("GET /v1/milestones/{id}/ledger", h.GetMilestoneLedger)
	mux.Handle("POST /v1/milestones/{id}/submit", write(validation.SubmitDeliverable, h.SubmitDeliverable))
	mux.Handle("POST /v1/milestones/{id}/approve", authed(http.HandlerFunc(h.Approve)))
	mux.Handle("POST /v1/milestones/{id}/release", authed(http.HandlerFunc(h.Release)))
	mux.Handle("POST /v1/milestones/{id}/cancel", authed(http.HandlerFunc(h.CancelMilestone)))

	// Disputes
	mux.HandleFunc("GET /v1/milestones/{id}/dispute", h.GetDispute)
	mux.Handle("POST /v1/milestones/{id}/dispute", write(validation.RaiseDispute, h.RaiseDispute))
	mux.Handle("POST /v1/milestones/{id}/dispute/review", authed(http.HandlerFunc(h.ReviewDispute)))
	mux.Handle("POST /v1/milestones/{id}/dispute/resolve", write(validation.ResolveDispute, h.ResolveDispute))

	// Oracle / verifier callbacks
	mux.Handle("POST /v1/milestones/{id}/oracle-result", write(validation.OracleResult, h.SubmitOracleResult))
	mux.Handle("POST /v1/milestones/{id}/verification", write(validation.VerificationReport, h.SubmitVerification))

	// Automation: permissionless, so rate limited per caller or client IP.
	var processDue http.Handler = body(validation.ProcessDue, h.ProcessDue)
	if d.Limiter != nil {
		processDue = middleware.RateLimit(d.Limiter, middleware.CallerOrIP, 5*time.Second, logger)(processDue)
	}
	mux.Handle("POST /v1/automation/process-due", optional(processDue))

	// Ledger
	mux.HandleFunc("GET /v1/ledger/custody", h.Custody)

	// Admin
	mux.HandleFunc("GET /v1/admin/config", h.GetConfig)
	mux.Handle("PUT /v1/admin/config", write(validation.UpdateConfig, h.UpdateConfig))
	mux.HandleFunc("GET /v1/admin/roles", h.ListRoles)
	mux.Handle("POST /v1/admin/roles", write(validation.RoleChange, h.GrantRole))
	mux.Handle("DELETE /v1/admin/roles", write(validation.RoleChange, h.RevokeRole))
	if d.Auth != nil {
		mux.Handle("POST /v1/auth/tokens", write(validation.IssueToken, d.Auth.IssueToken))
	}

	return mux
}
