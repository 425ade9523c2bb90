package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"storytime/internal/domain"
	"storytime/internal/middleware"
)

type createWebhookRequest struct {
	URL    string `json:"url" validate:"required,url"`
	Secret string `json:"secret" validate:"required,min=16,max=128"`
	JobID  string `json:"job_id" validate:"omitempty,uuid4"`
}

type webhookDTO struct {
	ID        string    `json:"id"`
	URL       string    `json:"url"`
	JobID     string    `json:"job_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func toWebhookDTO(sub domain.WebhookSubscription) webhookDTO {
	return webhookDTO{ID: sub.ID, URL: sub.URL, JobID: sub.JobID, CreatedAt: sub.CreatedAt}
}

// WebhooksCreate registers a delivery target: either for one job or for all
// of the caller's jobs. The secret signs every delivery.
func (a *App) WebhooksCreate(w http.ResponseWriter, r *http.Request) {
	ownerID := middleware.UserIDFromContext(r.Context())
	if ownerID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}

	var req createWebhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return
	}
	if err := a.validate.Struct(req); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	if req.JobID != "" {
		job, err := a.Registry.Get(r.Context(), req.JobID)
		if err != nil || job.OwnerID != ownerID {
			a.error(w, http.StatusNotFound, "not_found", "job not found")
			return
		}
	}

	sub := domain.WebhookSubscription{
		ID:        uuid.NewString(),
		OwnerID:   ownerID,
		JobID:     req.JobID,
		URL:       req.URL,
		Secret:    req.Secret,
		CreatedAt: time.Now().UTC(),
	}
	if err := a.Subscriptions.Add(r.Context(), sub); err != nil {
		a.Logger.Error().Err(err).Msg("register webhook")
		a.error(w, http.StatusInternalServerError, "internal", "failed to register webhook")
		return
	}
	a.json(w, http.StatusCreated, toWebhookDTO(sub))
}

// WebhooksList returns the caller's registrations. Secrets never come back.
func (a *App) WebhooksList(w http.ResponseWriter, r *http.Request) {
	ownerID := middleware.UserIDFromContext(r.Context())
	if ownerID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}

	subs, err := a.Subscriptions.ForOwner(r.Context(), ownerID)
	if err != nil {
		a.Logger.Error().Err(err).Msg("list webhooks")
		a.error(w, http.StatusInternalServerError, "internal", "failed to list webhooks")
		return
	}
	out := make([]webhookDTO, 0, len(subs))
	for _, sub := range subs {
		out = append(out, toWebhookDTO(sub))
	}
	a.json(w, http.StatusOK, map[string]any{"webhooks": out})
}

// WebhooksDelete removes a registration.
func (a *App) WebhooksDelete(w http.ResponseWriter, r *http.Request) {
	ownerID := middleware.UserIDFromContext(r.Context())
	if ownerID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}

	id := chi.URLParam(r, "webhook_id")
	err := a.Subscriptions.Remove(r.Context(), ownerID, id)
	if errors.Is(err, domain.ErrNotFound) {
		a.error(w, http.StatusNotFound, "not_found", "webhook not found")
		return
	}
	if err != nil {
		a.Logger.Error().Err(err).Msg("delete webhook")
		a.error(w, http.StatusInternalServerError, "internal", "failed to delete webhook")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
