package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"storytime/internal/ledger"
	"storytime/internal/notify"
	"storytime/internal/orchestrate"
	"storytime/internal/registry"
)

// App bundles the dependencies the HTTP surface needs.
type App struct {
	Orchestrator  *orchestrate.Orchestrator
	Registry      registry.Registry
	Credits       ledger.Ledger
	Subscriptions notify.SubscriptionStore
	Hub           *notify.Hub
	Logger        zerolog.Logger
	JWTSecret     string

	validate *validator.Validate
}

// NewApp creates the handler set.
func NewApp(
	orch *orchestrate.Orchestrator,
	reg registry.Registry,
	credits ledger.Ledger,
	subs notify.SubscriptionStore,
	hub *notify.Hub,
	logger zerolog.Logger,
	jwtSecret string,
) *App {
	return &App{
		Orchestrator:  orch,
		Registry:      reg,
		Credits:       credits,
		Subscriptions: subs,
		Hub:           hub,
		Logger:        logger,
		JWTSecret:     jwtSecret,
		validate:      validator.New(),
	}
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *App) error(w http.ResponseWriter, status int, code, message string) {
	a.json(w, status, map[string]any{
		"error": map[string]string{"code": code, "message": message},
	})
}
