package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/kiranshivaraju/corpusflow/internal/api/handler"
	mw "github.com/kiranshivaraju/corpusflow/internal/api/middleware"
	"github.com/kiranshivaraju/corpusflow/internal/api/response"
)

// ScopeAdmin guards destructive corpus maintenance.
const ScopeAdmin = "admin"

// Dependencies holds all handler and middleware dependencies for the router.
// A nil handler group answers 501.
type Dependencies struct {
	Auth      *mw.Auth
	RateLimit *mw.RateLimit

	Health    http.HandlerFunc
	Jobs      *handler.JobsHandler
	Streams   *handler.StreamHandler
	Artifacts *handler.ArtifactsHandler
	Corpus    *handler.CorpusHandler
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	r.Get("/api/v1/health", orNotImplemented(deps.Health))

	r.Group(func(r chi.Router) {
		r.Use(deps.Auth.Authenticate)

		// Long-lived streams are not rate limited per request.
		if s := deps.Streams; s != nil {
			r.Get("/api/v1/jobs/{jobID}/events", s.JobEvents)
			r.Get("/api/v1/jobs/{jobID}/ws", s.JobSocket)
			r.Get("/api/v1/events", s.OwnerEvents)
		}

		r.Group(func(r chi.Router) {
			r.Use(deps.RateLimit.Limit)

			if j := deps.Jobs; j != nil {
				r.Post("/api/v1/jobs", j.Submit)
				r.Get("/api/v1/jobs", j.List)
				r.Get("/api/v1/jobs/{jobID}", j.Get)
				r.Post("/api/v1/jobs/{jobID}/cancel", j.Cancel)
			}

			if a := deps.Artifacts; a != nil {
				r.Get("/api/v1/artifacts/{artifactID}", a.Download)
			}

			if c := deps.Corpus; c != nil {
				r.Get("/api/v1/corpus/sources", c.Sources)
				r.Post("/api/v1/corpus/query", c.Query)
				r.Post("/api/v1/corpus/ask", c.Ask)

				r.Group(func(r chi.Router) {
					r.Use(deps.Auth.RequireScope(ScopeAdmin))

					r.Post("/api/v1/corpus/sources/{source}/rebuild", c.Rebuild)
					r.Delete("/api/v1/corpus/sources/{source}", c.Delete)
				})
			}
		})
	})

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		response.Error(w, http.StatusNotFound, "ROUTE_NOT_FOUND", "No such endpoint", nil)
	})

	return r
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "Endpoint not yet implemented", nil)
	}
}
