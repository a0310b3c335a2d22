// Package httpapi implements the Submission API from spec.md §6: a
// small chi router exposing job creation, lookup, cancellation, queue
// stats, and a health check, fronting internal/orchestrator the same
// way the teacher's telemetryhttp package fronts its engine's health
// snapshot.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/99souls/fetchguard/internal/orchestrator"
	"github.com/99souls/fetchguard/internal/store"
	"github.com/99souls/fetchguard/internal/telemetry/logging"
	"github.com/99souls/fetchguard/pkg/job"
)

// Pinger is the subset of internal/kv's Client the health check needs.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server wires the orchestrator and its store/KV dependencies to an
// http.Handler implementing spec.md §6's external interface.
type Server struct {
	orch  *orchestrator.Orchestrator
	store store.Store
	kv    Pinger
	log   *logging.Logger

	router chi.Router
}

// New builds a Server ready to ServeHTTP. kv may be nil (health then
// only checks the store).
func New(orch *orchestrator.Orchestrator, st store.Store, kvClient Pinger, log *logging.Logger) *Server {
	s := &Server{orch: orch, store: st, kv: kvClient, log: log}
	s.router = s.newRouter()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.router.ServeHTTP(w, r) }

func (s *Server) newRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
	}))

	r.Post("/jobs", s.createJob)
	r.Get("/jobs/{job_id}", s.getJob)
	r.Delete("/jobs/{job_id}", s.cancelJob)
	r.Get("/queue/stats", s.queueStats)
	r.Get("/health", s.health)
	return r
}

type createJobResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
	Domain string `json:"domain"`
}

// createJob handles POST /jobs. Per spec.md §6, a policy denial is
// still a 201 — the job is persisted as failed and the response
// reflects it, since "API always returns a job_id and a status that
// reflects what will happen."
func (s *Server) createJob(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	domain := q.Get("domain")
	url := q.Get("url")
	if domain == "" || url == "" {
		writeError(w, http.StatusBadRequest, "invalid_input", "domain and url are required")
		return
	}
	strategy := job.Strategy(q.Get("strategy"))
	if strategy == "" {
		strategy = job.StrategyVanilla
	}
	priority := job.PriorityNormal
	if raw := q.Get("priority"); raw != "" {
		if p, ok := parsePriority(raw); ok {
			priority = p
		}
	}
	authMode := job.AuthMode(q.Get("auth_mode"))
	if authMode == "" {
		authMode = job.AuthPublic
	}

	var payload map[string]any
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_input", "malformed JSON body")
			return
		}
	}

	id, err := s.orch.CreateJob(r.Context(), domain, url, strategy, payload, priority, authMode,
		q.Get("user_id"), clientIP(r), q.Get("idempotency_key"))
	if err != nil {
		s.internalError(w, r, "create job", err)
		return
	}

	j, err := s.orch.GetJobStatus(r.Context(), id)
	status := string(job.StatusPending)
	if err == nil && j != nil {
		status = string(j.Status)
	}
	writeJSON(w, http.StatusCreated, createJobResponse{JobID: id, Status: status, Domain: domain})
}

type jobResponse struct {
	JobID       string         `json:"job_id"`
	Status      string         `json:"status"`
	Domain      string         `json:"domain"`
	URL         string         `json:"url"`
	Strategy    string         `json:"strategy"`
	Result      map[string]any `json:"result,omitempty"`
	Artifacts   map[string]any `json:"artifacts,omitempty"`
	Error       string         `json:"error,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	Attempts    int            `json:"attempts"`
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "job_id")
	j, err := s.orch.GetJobStatus(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "job not found")
		return
	}
	if err != nil {
		s.internalError(w, r, "get job", err)
		return
	}
	writeJSON(w, http.StatusOK, jobResponse{
		JobID: j.ID, Status: string(j.Status), Domain: j.Domain, URL: j.URL,
		Strategy: string(j.Strategy), Result: j.Result, Artifacts: j.Artifacts,
		Error: j.Error, CreatedAt: j.CreatedAt, StartedAt: j.StartedAt,
		CompletedAt: j.CompletedAt, Attempts: j.Attempts,
	})
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "job_id")
	cancelled, err := s.orch.CancelJob(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "job not found")
		return
	}
	if err != nil {
		s.internalError(w, r, "cancel job", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": cancelled})
}

func (s *Server) queueStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	stats, err := s.orch.GetQueueStats(ctx)
	if err != nil {
		s.internalError(w, r, "queue stats", err)
		return
	}
	counts, err := s.orch.JobStatusCounts(ctx)
	if err != nil {
		s.internalError(w, r, "job status counts", err)
		return
	}
	jobs := make(map[string]int, len(counts))
	for status, n := range counts {
		jobs[string(status)] = n
	}

	queueBreakdown := make(map[string]map[string]int64, len(stats.Streams))
	for stream, ss := range stats.Streams {
		queueBreakdown[stream] = map[string]int64{"length": ss.Length, "pending": ss.Pending}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"queue":        queueBreakdown,
		"delayed":      map[string]int64{"count": stats.Delayed},
		"jobs":         jobs,
		"running_jobs": jobs[string(job.StatusRunning)],
		"workers":      s.orch.Workers(),
	})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := s.store.Health(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy"})
		return
	}
	if s.kv != nil {
		if err := s.kv.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) internalError(w http.ResponseWriter, r *http.Request, op string, err error) {
	if s.log != nil {
		s.log.ErrorCtx(r.Context(), "httpapi: "+op+" failed", zap.String("op", op), zap.Error(err))
	}
	writeError(w, http.StatusInternalServerError, "internal", "internal error")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, reason, message string) {
	writeJSON(w, status, map[string]string{"error": reason, "message": message})
}

func parsePriority(raw string) (job.Priority, bool) {
	switch raw {
	case "0":
		return job.PriorityEmergency, true
	case "1":
		return job.PriorityHigh, true
	case "2":
		return job.PriorityNormal, true
	case "3":
		return job.PriorityLow, true
	default:
		return 0, false
	}
}

func clientIP(r *http.Request) string {
	if ip := r.Header.Get("X-Forwarded-For"); ip != "" {
		return ip
	}
	return r.RemoteAddr
}
