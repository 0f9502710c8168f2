package main

import (
	"log/slog"
	"net/http"

	"github.com/rs/cors"

	"github.com/inaiurai/escrow/internal/auth"
	"github.com/inaiurai/escrow/internal/config"
	"github.com/inaiurai/escrow/internal/escrow"
	"github.com/inaiurai/escrow/internal/events"
	"github.com/inaiurai/escrow/internal/handlers"
	"github.com/inaiurai/escrow/internal/ledger"
	"github.com/inaiurai/escrow/internal/middleware"
	"github.com/inaiurai/escrow/internal/models"
	"github.com/inaiurai/escrow/internal/router"
	"github.com/inaiurai/escrow/internal/validation"
)

// buildHandler assembles the /v1 API behind CORS.
// Chain per route: Identity -> (ValidateBody on writes) -> handler.
func buildHandler(
	cfg *config.Config,
	svc *escrow.Service,
	ledgerSvc *ledger.Service,
	journal *events.Journal,
	limiter middleware.Limiter,
	logger *slog.Logger,
) (http.Handler, error) {
	validator, err := validation.New()
	if err != nil {
		return nil, err
	}
	authSvc := auth.NewService(cfg.JWTSecret, "escrow")
	isAdmin := func(a models.Address) bool { return svc.HasRole(models.RoleAdmin, a) }

	mux := router.New(router.Deps{
		Escrow: &handlers.EscrowHandler{
			Escrow: svc,
			Ledger: ledgerSvc,
			Events: journal,
			Logger: logger,
		},
		Auth:      auth.NewHandler(authSvc, isAdmin, middleware.IdentityFromRequest, logger),
		Tokens:    authSvc,
		Validator: validator,
		Limiter:   limiter,
		Logger:    logger,
	})

	return cors.New(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		AllowCredentials: true,
	}).Handler(mux), nil
}
