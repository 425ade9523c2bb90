package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"storytime/internal/http/handlers"
	"storytime/internal/middleware"
)

// Options tunes the transport-level guards of the router.
type Options struct {
	CORSOrigins     []string
	RateLimitPerMin int
}

// NewRouter assembles the HTTP surface. Everything under /v1 except the
// health check requires a bearer token.
func NewRouter(app *handlers.App, logger zerolog.Logger, opts Options) http.Handler {
	r := chi.NewRouter()

	r.Use(
		middleware.RequestID,
		chimw.RealIP,
		chimw.Recoverer,
		middleware.Logger(logger),
		middleware.CORS(opts.CORSOrigins),
	)
	if opts.RateLimitPerMin > 0 {
		r.Use(middleware.RateLimit(opts.RateLimitPerMin, time.Minute))
	}

	r.Get("/v1/healthz", app.Health)
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(middleware.AuthJWT(app.JWTSecret))

		r.Get("/v1/me", app.Me)
		r.Get("/v1/ws", app.Events)

		r.Route("/v1/jobs", func(r chi.Router) {
			r.Post("/", app.JobsCreate)
			r.Get("/", app.JobsList)
			r.Get("/{job_id}", app.JobsGet)
			r.Post("/{job_id}/cancel", app.JobsCancel)
		})

		r.Route("/v1/webhooks", func(r chi.Router) {
			r.Post("/", app.WebhooksCreate)
			r.Get("/", app.WebhooksList)
			r.Delete("/{webhook_id}", app.WebhooksDelete)
		})
	})

	return r
}
