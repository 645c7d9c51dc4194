package controller

import (
	"encoding/json"
	"net/http"
	"time"

	"cdr.dev/slog/v3"
	"github.com/coder/quartz"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/angariumd/gpuledger/internal/auth"
	"github.com/angariumd/gpuledger/internal/clusterview"
	"github.com/angariumd/gpuledger/internal/events"
	"github.com/angariumd/gpuledger/internal/metrics"
	"github.com/angariumd/gpuledger/internal/reconciler"
	"github.com/angariumd/gpuledger/internal/reservation"
	"github.com/angariumd/gpuledger/internal/store"
)

type Options struct {
	Store        *store.Store
	Auth         *auth.Authenticator
	Reconciler   *reconciler.Reconciler
	Reservations *reservation.Registry
	View         *clusterview.Projector
	Events       events.Emitter
	Metrics      *metrics.Metrics
	Clock        quartz.Clock
	Logger       slog.Logger
	// MetricsHandler serves /metrics when set.
	MetricsHandler http.Handler
}

type Server struct {
	store          *store.Store
	auth           *auth.Authenticator
	rec            *reconciler.Reconciler
	reservations   *reservation.Registry
	view           *clusterview.Projector
	events         events.Emitter
	metrics        *metrics.Metrics
	clock          quartz.Clock
	logger         slog.Logger
	metricsHandler http.Handler
}

func NewServer(opts Options) *Server {
	if opts.Clock == nil {
		opts.Clock = quartz.NewReal()
	}
	if opts.Events == nil {
		opts.Events = events.Discard
	}
	return &Server{
		store:          opts.Store,
		auth:           opts.Auth,
		rec:            opts.Reconciler,
		reservations:   opts.Reservations,
		view:           opts.View,
		events:         opts.Events,
		metrics:        opts.Metrics,
		clock:          opts.Clock,
		logger:         opts.Logger.Named("http"),
		metricsHandler: opts.MetricsHandler,
	}
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, s.logRequests, middleware.Recoverer, s.withCORS)

	// Agent reports (shared token auth)
	r.Route("/v1/agent", func(r chi.Router) {
		r.Use(s.auth.AgentMiddleware)
		r.Post("/register", s.handleRegister)
		r.Post("/session/start", s.handleSessionStart)
		r.Post("/session/heartbeat", s.handleSessionHeartbeat)
		r.Post("/session/end", s.handleSessionEnd)
		r.Post("/snapshot", s.handleSnapshot)
	})

	// Users
	r.Group(func(r chi.Router) {
		r.Use(s.auth.Middleware)
		r.Get("/v1/whoami", s.handleWhoami)
		r.Get("/v1/cluster/view", s.handleClusterView)
		r.Get("/v1/usage", s.handleUsage)
		r.Get("/v1/usage/report", s.handleUsageReport)
		r.Get("/v1/sessions", s.handleSessionList)
		r.Get("/v1/sessions/{id}/events", s.handleSessionEvents)
		r.Post("/v1/reservations", s.handleReserve)
		r.Get("/v1/reservations", s.handleReservationList)
		r.Post("/v1/reservations/{id}/cancel", s.handleReservationCancel)

		r.Route("/v1/admin", func(r chi.Router) {
			r.Use(auth.RequireAdmin)
			r.Post("/usage/adjust", s.handleAdjust)
			r.Post("/users/{username}/deactivate", s.handleDeactivateUser)
		})
	})

	if s.metricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", s.metricsHandler)
	}

	return r
}

func (s *Server) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+auth.AgentTokenHeader)

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := s.clock.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		fields := []slog.Field{
			slog.F("method", r.Method),
			slog.F("path", r.URL.Path),
			slog.F("status", ww.Status()),
			slog.F("duration", s.clock.Since(start).Round(time.Microsecond)),
			slog.F("request_id", middleware.GetReqID(r.Context())),
		}
		if ww.Status() >= http.StatusInternalServerError {
			s.logger.Warn(r.Context(), "request failed", fields...)
			return
		}
		s.logger.Debug(r.Context(), "request", fields...)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// internalError logs err and answers 500 without leaking it.
func (s *Server) internalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	s.logger.Error(r.Context(), msg,
		slog.F("path", r.URL.Path),
		slog.F("request_id", middleware.GetReqID(r.Context())),
		slog.Error(err),
	)
	http.Error(w, msg, http.StatusInternalServerError)
}
