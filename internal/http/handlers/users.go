package handlers

import (
	"errors"
	"net/http"

	"storytime/internal/ledger"
	"storytime/internal/middleware"
)

// Me returns the caller's subscription and credit standing.
func (a *App) Me(w http.ResponseWriter, r *http.Request) {
	ownerID := middleware.UserIDFromContext(r.Context())
	if ownerID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	tier := middleware.TierFromContext(r.Context())

	balance, err := a.Credits.Balance(r.Context(), ownerID)
	if err != nil && !errors.Is(err, ledger.ErrUnknownOwner) {
		a.Logger.Error().Err(err).Str("owner_id", ownerID).Msg("load balance")
		a.error(w, http.StatusInternalServerError, "internal", "failed to load account")
		return
	}

	limits := tier.Limits()
	a.json(w, http.StatusOK, map[string]any{
		"id":      ownerID,
		"tier":    string(tier),
		"credits": balance,
		"limits": map[string]any{
			"requests_per_hour": limits.RequestsPerHour,
			"max_concurrent":    limits.MaxConcurrent,
			"long_stories":      limits.LongStories,
			"background_music":  limits.BackgroundMusic,
		},
	})
}
