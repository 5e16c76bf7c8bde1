package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"generation-tracker/internal/jobs"
	"generation-tracker/internal/logger"
	"generation-tracker/internal/models"
	"generation-tracker/internal/ratelimit"
	"generation-tracker/internal/store"
	"generation-tracker/internal/telemetry"
)

// Tracker is the job-facing surface the API exposes.
type Tracker interface {
	Start(ctx context.Context, kind string, input map[string]any) (models.Job, error)
	Status(ctx context.Context, id string) (models.Job, error)
	Updates(ctx context.Context, id string) models.UpdateView
}

// Limiter throttles job starts per tenant.
type Limiter interface {
	Allow(ctx context.Context, tenant string) (ratelimit.Decision, error)
}

// History serves archived jobs.
type History interface {
	Recent(ctx context.Context, limit int) ([]models.Job, error)
	AuditTrail(ctx context.Context, jobID string) ([]models.AuditLog, error)
}

// Pinger reports backend health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Options carries the optional collaborators of a Server.
type Options struct {
	Limiter Limiter
	History History
	Health  Pinger
	Logger  *logger.Logger
}

// Server wires HTTP handlers for the generation API.
type Server struct {
	tracker Tracker
	limiter Limiter
	history History
	health  Pinger
	log     *logger.Logger
}

// New constructs the API server.
func New(tracker Tracker, opts Options) *Server {
	s := &Server{
		tracker: tracker,
		limiter: opts.Limiter,
		history: opts.History,
		health:  opts.Health,
		log:     opts.Logger,
	}
	if s.log == nil {
		s.log = logger.Discard()
	}
	return s
}

const maxBodyBytes = 1 << 20

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Mount("/metrics", telemetry.Handler())

	r.Route("/generations", func(r chi.Router) {
		r.Get("/", s.handleRecent)
		r.Post("/{kind}", s.handleStart)
		r.Get("/{id}", s.handleStatus)
		r.Get("/{id}/updates", s.handleUpdates)
		r.Get("/{id}/audit", s.handleAudit)
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		if err := s.health.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type startResponse struct {
	Job models.Job `json:"job"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	kind := chi.URLParam(r, "kind")
	input, err := decodeInput(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "")
		return
	}

	if s.limiter != nil {
		decision, err := s.limiter.Allow(r.Context(), tenantFromRequest(r))
		if err != nil {
			s.log.WithError(err).Error("rate limiter unavailable")
			writeError(w, http.StatusServiceUnavailable, "Service temporarily unavailable. Please try again.", "")
			return
		}
		if !decision.Allowed {
			telemetry.RateLimitRejects.Inc()
			w.Header().Set("Retry-After", retryAfterSeconds(decision.RetryAfter))
			writeError(w, http.StatusTooManyRequests, "Too many generation requests. Please slow down.", "")
			return
		}
	}

	job, err := s.tracker.Start(r.Context(), kind, input)
	if err != nil {
		var verr *jobs.ValidationError
		switch {
		case errors.As(err, &verr):
			writeError(w, http.StatusBadRequest, verr.Error(), verr.Field)
		case errors.Is(err, store.ErrUnavailable):
			s.log.WithError(err).Error("start generation")
			writeError(w, http.StatusServiceUnavailable, "Service temporarily unavailable. Please try again.", "")
		default:
			s.log.WithError(err).Error("start generation")
			writeError(w, http.StatusInternalServerError, "Failed to start generation.", "")
		}
		return
	}

	w.Header().Set("Location", "/generations/"+job.ID)
	writeJSON(w, http.StatusAccepted, startResponse{Job: job.Redacted()})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	job, err := s.tracker.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.log.WithError(err).Warn("read generation status")
		writeError(w, http.StatusServiceUnavailable, "Status is temporarily unavailable. Please try again.", "")
		return
	}
	writeJSON(w, http.StatusOK, job.Redacted())
}

func (s *Server) handleUpdates(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.tracker.Updates(r.Context(), chi.URLParam(r, "id")))
}

func (s *Server) handleRecent(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusNotFound, "History is not enabled.", "")
		return
	}
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer", "limit")
			return
		}
		limit = n
	}
	items, err := s.history.Recent(r.Context(), limit)
	if err != nil {
		s.log.WithError(err).Error("list history")
		writeError(w, http.StatusServiceUnavailable, "History is temporarily unavailable.", "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusNotFound, "History is not enabled.", "")
		return
	}
	items, err := s.history.AuditTrail(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.log.WithError(err).Error("read audit trail")
		writeError(w, http.StatusServiceUnavailable, "History is temporarily unavailable.", "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func decodeInput(w http.ResponseWriter, r *http.Request) (map[string]any, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return nil, errors.New("request body too large")
	}
	if strings.TrimSpace(string(body)) == "" {
		return map[string]any{}, nil
	}
	var input map[string]any
	if err := json.Unmarshal(body, &input); err != nil {
		return nil, errors.New("request body must be a JSON object")
	}
	if input == nil {
		input = map[string]any{}
	}
	return input, nil
}

// retryAfterSeconds rounds up to whole seconds, at least one.
func retryAfterSeconds(d time.Duration) string {
	secs := int64((d + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return strconv.FormatInt(secs, 10)
}

func tenantFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Tenant-ID"); v != "" {
		return v
	}
	return "default"
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.WithFields(logrus.Fields{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      ww.Status(),
			"duration_ms": time.Since(start).Milliseconds(),
			"request_id":  middleware.GetReqID(r.Context()),
		}).Debug("http request")
	})
}

type errorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

func writeError(w http.ResponseWriter, code int, msg, field string) {
	writeJSON(w, code, errorResponse{Error: msg, Field: field})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
