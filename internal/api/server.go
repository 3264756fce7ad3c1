package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/dunamismax/reelflow/internal/domain"
	"github.com/dunamismax/reelflow/internal/feed"
	"github.com/dunamismax/reelflow/internal/ratelimit"
	"github.com/dunamismax/reelflow/internal/store"
)

const maxBodyBytes = 1 << 20

// Submitter is the part of the dispatcher the API drives.
type Submitter interface {
	Submit(ctx context.Context, sub domain.Submission) (domain.Job, error)
}

type Options struct {
	// Registry receives the API metrics and backs GET /metrics. A private
	// registry is created when nil.
	Registry              *prometheus.Registry
	RateLimiter           ratelimit.Limiter
	RateLimitUserIDHeader string
	// KeepAlive is the interval between SSE comment frames.
	KeepAlive time.Duration
}

type Server struct {
	logger                zerolog.Logger
	dispatcher            Submitter
	store                 store.Store
	feed                  feed.Subscriber
	rateLimiter           ratelimit.Limiter
	rateLimitUserIDHeader string
	keepAlive             time.Duration
	metrics               *metrics
	tracer                trace.Tracer
	router                chi.Router
}

func NewServer(logger zerolog.Logger, dispatcher Submitter, st store.Store, subscriber feed.Subscriber, opts Options) *Server {
	if opts.Registry == nil {
		opts.Registry = NewRegistry()
	}
	if opts.RateLimitUserIDHeader == "" {
		opts.RateLimitUserIDHeader = "X-User-ID"
	}
	if opts.KeepAlive <= 0 {
		opts.KeepAlive = 15 * time.Second
	}

	s := &Server{
		logger:                logger.With().Str("component", "api").Logger(),
		dispatcher:            dispatcher,
		store:                 st,
		feed:                  subscriber,
		rateLimiter:           opts.RateLimiter,
		rateLimitUserIDHeader: opts.RateLimitUserIDHeader,
		keepAlive:             opts.KeepAlive,
		metrics:               newMetrics(opts.Registry),
		tracer:                otel.Tracer("reelflow/api"),
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.withTracing)
	r.Use(s.metrics.withHTTPMetrics)

	r.Get("/healthz", s.handleHealthz)
	r.Handle("/metrics", s.metrics.metricsHandler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(middleware.RequestSize(maxBodyBytes))

		r.With(s.withRateLimit).Post("/jobs", s.handleSubmitJob)
		r.Get("/jobs/{jobID}", s.handleGetJob)

		r.Route("/generations", func(r chi.Router) {
			r.With(s.withRateLimit).Post("/", s.handleCreateGeneration)
			r.Get("/", s.handleListGenerations)
			r.Route("/{generationID}", func(r chi.Router) {
				r.Get("/", s.handleGetGeneration)
				r.With(s.withRateLimit).Patch("/", s.handlePatchGeneration)
				r.With(s.withRateLimit).Put("/projection", s.handleApplyProjection)
				r.Get("/jobs", s.handleListGenerationJobs)
				r.Get("/events", s.handleEvents)
				r.Get("/films/{filmID}/final", s.handleGetFinalFilm)
			})
		})
	})

	s.router = r
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func decodeJSON(r *http.Request, into any) error {
	limited := io.LimitReader(r.Body, maxBodyBytes)
	decoder := json.NewDecoder(limited)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(into); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return errors.New("invalid JSON body: multiple JSON values are not allowed")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
