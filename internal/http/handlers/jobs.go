package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"storytime/internal/domain"
	"storytime/internal/middleware"
	"storytime/internal/orchestrate"
	"storytime/internal/registry"
)

type characterDTO struct {
	Name        string `json:"name" validate:"required,max=64"`
	Description string `json:"description,omitempty" validate:"max=256"`
}

type createJobRequest struct {
	ImageRef   string         `json:"image_ref" validate:"required"`
	Language   string         `json:"language" validate:"omitempty,bcp47_language_tag"`
	Voice      string         `json:"voice" validate:"omitempty,max=64"`
	MusicStyle string         `json:"music_style" validate:"omitempty,oneof=none calming soft peaceful soothing magical"`
	Theme      string         `json:"theme" validate:"omitempty,oneof=adventure fantasy bedtime educational customized"`
	Length     string         `json:"length" validate:"omitempty,oneof=short medium long"`
	Characters []characterDTO `json:"characters" validate:"max=5,dive"`
}

type jobErrorDTO struct {
	Stage           string `json:"stage"`
	Message         string `json:"message"`
	Retryable       bool   `json:"retryable"`
	CreditsRefunded bool   `json:"credits_refunded"`
}

type jobDTO struct {
	ID        string             `json:"id"`
	Stage     string             `json:"stage"`
	Input     domain.JobInput    `json:"input"`
	Result    *domain.JobResult  `json:"result,omitempty"`
	Error     *jobErrorDTO       `json:"error,omitempty"`
	Attempts  map[string]int     `json:"attempts,omitempty"`
	CreatedAt time.Time          `json:"created_at"`
	UpdatedAt time.Time          `json:"updated_at"`
}

func toJobDTO(j *domain.Job) jobDTO {
	dto := jobDTO{
		ID:        j.ID,
		Stage:     string(j.Stage),
		Input:     j.Input,
		CreatedAt: j.CreatedAt,
		UpdatedAt: j.UpdatedAt,
	}
	if j.Result != (domain.JobResult{}) {
		result := j.Result
		dto.Result = &result
	}
	if j.Error != nil {
		dto.Error = &jobErrorDTO{
			Stage:           string(j.Error.Stage),
			Message:         j.Error.Message,
			Retryable:       j.Error.Retryable,
			CreditsRefunded: j.Error.CreditsRefunded,
		}
	}
	if len(j.Attempts) > 0 {
		dto.Attempts = make(map[string]int, len(j.Attempts))
		for s, n := range j.Attempts {
			dto.Attempts[string(s)] = n
		}
	}
	return dto
}

// JobsCreate accepts a new generation job. The response is 202: the job is
// admitted and queued, not done.
func (a *App) JobsCreate(w http.ResponseWriter, r *http.Request) {
	ownerID := middleware.UserIDFromContext(r.Context())
	if ownerID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}

	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return
	}
	if err := a.validate.Struct(req); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	input := domain.JobInput{
		ImageRef:   req.ImageRef,
		Language:   req.Language,
		Voice:      req.Voice,
		MusicStyle: domain.MusicStyle(req.MusicStyle),
		Theme:      domain.Theme(req.Theme),
		Length:     domain.StoryLength(req.Length),
	}
	if input.Language == "" {
		input.Language = "en"
	}
	if input.MusicStyle == "" {
		input.MusicStyle = domain.MusicNone
	}
	if input.Theme == "" {
		input.Theme = domain.ThemeBedtime
	}
	if input.Length == "" {
		input.Length = domain.LengthShort
	}
	for _, ch := range req.Characters {
		input.Characters = append(input.Characters, domain.Character{Name: ch.Name, Description: ch.Description})
	}

	tier := middleware.TierFromContext(r.Context())
	job, err := a.Orchestrator.Submit(r.Context(), ownerID, tier, input)
	if err != nil {
		a.submitError(w, err)
		return
	}
	a.json(w, http.StatusAccepted, toJobDTO(job))
}

func (a *App) submitError(w http.ResponseWriter, err error) {
	if denied, ok := domain.Denied(err); ok {
		switch denied.Reason {
		case domain.DeniedRateLimited:
			a.error(w, http.StatusTooManyRequests, string(denied.Reason), denied.Detail)
		case domain.DeniedInsufficientCredits:
			a.error(w, http.StatusPaymentRequired, string(denied.Reason), denied.Detail)
		case domain.DeniedTooManyConcurrentJobs:
			a.error(w, http.StatusTooManyRequests, string(denied.Reason), denied.Detail)
		case domain.DeniedFeatureUnavailable:
			a.error(w, http.StatusForbidden, string(denied.Reason), denied.Detail)
		default:
			a.error(w, http.StatusForbidden, string(denied.Reason), denied.Detail)
		}
		return
	}
	if errors.Is(err, orchestrate.ErrQueueFull) {
		a.error(w, http.StatusServiceUnavailable, "queue_full", "try again shortly")
		return
	}
	a.Logger.Error().Err(err).Msg("submit job")
	a.error(w, http.StatusInternalServerError, "internal", "failed to queue job")
}

// JobsGet returns one job of the caller.
func (a *App) JobsGet(w http.ResponseWriter, r *http.Request) {
	job, ok := a.loadOwnJob(w, r)
	if !ok {
		return
	}
	a.json(w, http.StatusOK, toJobDTO(job))
}

// JobsList pages through the caller's jobs, newest-submitted last.
func (a *App) JobsList(w http.ResponseWriter, r *http.Request) {
	ownerID := middleware.UserIDFromContext(r.Context())
	if ownerID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}

	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 100 {
			a.error(w, http.StatusBadRequest, "bad_request", "limit must be 1-100")
			return
		}
		limit = n
	}
	filter := registry.Filter{OwnerID: ownerID}
	if v := r.URL.Query().Get("stage"); v != "" {
		s := domain.Stage(v)
		if !s.IsValid() {
			a.error(w, http.StatusBadRequest, "bad_request", "unknown stage")
			return
		}
		filter.Stages = []domain.Stage{s}
	}

	page, err := a.Registry.List(r.Context(), filter, limit, r.URL.Query().Get("page_token"))
	if err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid page token")
		return
	}

	jobs := make([]jobDTO, 0, len(page.Jobs))
	for _, j := range page.Jobs {
		jobs = append(jobs, toJobDTO(j))
	}
	a.json(w, http.StatusOK, map[string]any{
		"jobs":            jobs,
		"next_page_token": page.NextToken,
	})
}

// JobsCancel stops a queued or running job.
func (a *App) JobsCancel(w http.ResponseWriter, r *http.Request) {
	ownerID := middleware.UserIDFromContext(r.Context())
	if ownerID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	jobID := chi.URLParam(r, "job_id")

	job, err := a.Orchestrator.Cancel(r.Context(), ownerID, jobID)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		a.error(w, http.StatusNotFound, "not_found", "job not found")
		return
	case errors.Is(err, domain.ErrNotCancellable):
		a.error(w, http.StatusConflict, "not_cancellable", "job already finished")
		return
	case errors.Is(err, domain.ErrStageConflict):
		a.error(w, http.StatusConflict, "conflict", "job changed, retry")
		return
	case err != nil:
		a.Logger.Error().Err(err).Str("job_id", jobID).Msg("cancel job")
		a.error(w, http.StatusInternalServerError, "internal", "failed to cancel job")
		return
	}
	a.json(w, http.StatusOK, toJobDTO(job))
}

func (a *App) loadOwnJob(w http.ResponseWriter, r *http.Request) (*domain.Job, bool) {
	ownerID := middleware.UserIDFromContext(r.Context())
	if ownerID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return nil, false
	}
	jobID := chi.URLParam(r, "job_id")
	if jobID == "" {
		a.error(w, http.StatusBadRequest, "bad_request", "job_id required")
		return nil, false
	}
	job, err := a.Registry.Get(r.Context(), jobID)
	if err != nil || job.OwnerID != ownerID {
		a.error(w, http.StatusNotFound, "not_found", "job not found")
		return nil, false
	}
	return job, true
}
