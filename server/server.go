package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jupark12/go-run-queue/common"
	"github.com/jupark12/go-run-queue/dispatch"
	"github.com/jupark12/go-run-queue/models"
	"github.com/jupark12/go-run-queue/observability"
	"github.com/jupark12/go-run-queue/ratelimit"
)

const serviceName = "go-run-queue"

// Version is reported by GET /.
var Version = "dev"

// HealthChecker is satisfied by *db.DB.
type HealthChecker interface {
	HealthCheck(ctx context.Context, timeout time.Duration) error
}

type Config struct {
	AllowedOrigins    []string
	ServerToken       string
	MinVisibility     time.Duration
	MaxVisibility     time.Duration
	DefaultVisibility time.Duration
	MaxBatch          int
}

// Server handles HTTP requests for uploads, runs and the job queue
type Server struct {
	cfg            Config
	dispatcher     *dispatch.Dispatcher
	limiter        *ratelimit.Limiter
	health         HealthChecker
	logger         *slog.Logger
	metrics        *observability.Registry
	schemas        *schemas
	upgrader       websocket.Upgrader
	allowAnyOrigin bool
}

// NewServer creates a new server instance. A nil limiter disables rate limiting.
func NewServer(cfg Config, dispatcher *dispatch.Dispatcher, limiter *ratelimit.Limiter, health HealthChecker, logger *slog.Logger, metrics *observability.Registry) (*Server, error) {
	sch, err := compileSchemas(cfg)
	if err != nil {
		return nil, err
	}
	s := &Server{
		cfg:        cfg,
		dispatcher: dispatcher,
		limiter:    limiter,
		health:     health,
		logger:     logger,
		metrics:    metrics,
		schemas:    sch,
	}
	for _, o := range cfg.AllowedOrigins {
		if o == "*" {
			s.allowAnyOrigin = true
		}
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || s.originAllowed(origin)
		},
	}
	return s, nil
}

// Handler returns the routed handler with CORS and request middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("GET /{$}", s.handle(routeOpts{}, s.handleIndex))
	mux.Handle("GET /healthz", s.handle(routeOpts{}, s.handleHealth))
	mux.Handle("GET /metrics", s.metrics.Handler())

	mux.Handle("POST /uploads", s.handle(routeOpts{limit: ratelimit.RouteUploads}, s.handleCreateUpload))
	mux.Handle("POST /runs/{runId}/enqueue", s.handle(routeOpts{limit: ratelimit.RouteRunEnqueue}, s.handleRunEnqueue))
	mux.Handle("GET /runs/{runId}/status", s.handle(routeOpts{limit: ratelimit.RouteRunStatus}, s.handleRunStatus))
	mux.Handle("GET /runs/{runId}/ws", s.handle(routeOpts{limit: ratelimit.RouteRunWS}, s.handleWebSocket))

	jobs := routeOpts{serverAuth: true}
	mux.Handle("POST /jobs/enqueue", s.handle(withLimit(jobs, ratelimit.RouteJobEnqueue), s.handleEnqueue))
	mux.Handle("POST /jobs/lease", s.handle(withLimit(jobs, ratelimit.RouteJobLease), s.handleLease))
	mux.Handle("POST /jobs/ack", s.handle(withLimit(jobs, ratelimit.RouteJobAck), s.handleAck))
	mux.Handle("GET /jobs/stats", s.handle(withLimit(jobs, ratelimit.RouteJobStats), s.handleStats))

	mux.Handle("/", s.handle(routeOpts{}, func(w http.ResponseWriter, r *http.Request) error {
		return common.NotFoundError("Route")
	}))

	return s.requestMiddleware(s.corsMiddleware(mux))
}

func withLimit(o routeOpts, route string) routeOpts {
	o.limit = route
	return o
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) error {
	writeJSON(w, http.StatusOK, map[string]string{
		"service": serviceName,
		"version": Version,
		"status":  "ok",
	})
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) error {
	if err := s.health.HealthCheck(r.Context(), 2*time.Second); err != nil {
		return common.NewAppError(http.StatusServiceUnavailable, common.CodeServer, "Database unavailable", err)
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	return nil
}

type enqueueResponse struct {
	Success bool   `json:"success"`
	JobID   string `json:"jobId"`
	RunID   string `json:"runId"`
	Status  string `json:"status"`
}

// handleEnqueue handles POST /jobs/enqueue
func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) error {
	var req enqueueRequest
	if err := decodeBody(r, s.schemas.enqueue, &req); err != nil {
		return err
	}
	job, err := s.dispatcher.Enqueue(r.Context(), req.RunID, req.TenantID, req.ObjectKey)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusCreated, enqueueResponse{Success: true, JobID: job.ID, RunID: job.RunID, Status: string(job.Status)})
	return nil
}

// handleLease handles POST /jobs/lease
func (s *Server) handleLease(w http.ResponseWriter, r *http.Request) error {
	var req leaseRequest
	if err := decodeBody(r, s.schemas.lease, &req); err != nil {
		return err
	}
	maxJobs := min(10, s.cfg.MaxBatch)
	if req.Max != nil {
		maxJobs = *req.Max
	}
	visibility := s.cfg.DefaultVisibility
	if req.VisibilitySeconds != nil {
		visibility = time.Duration(*req.VisibilitySeconds) * time.Second
	}

	jobs, err := s.dispatcher.Lease(r.Context(), maxJobs, visibility)
	if err != nil {
		return err
	}
	if jobs == nil {
		jobs = []models.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
	return nil
}

// handleAck handles POST /jobs/ack
func (s *Server) handleAck(w http.ResponseWriter, r *http.Request) error {
	var req ackRequest
	if err := decodeBody(r, s.schemas.ack, &req); err != nil {
		return err
	}
	outcome := models.StatusDone
	if req.Status != "" {
		outcome = models.JobStatus(req.Status)
	}
	results := s.dispatcher.Ack(r.Context(), req.IDs, outcome)
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
	return nil
}

// handleStats handles GET /jobs/stats
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) error {
	stats, err := s.dispatcher.Stats(r.Context())
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"stats":     stats,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
	return nil
}

// handleCreateUpload handles POST /uploads
func (s *Server) handleCreateUpload(w http.ResponseWriter, r *http.Request) error {
	var req uploadRequest
	if err := decodeBody(r, s.schemas.upload, &req); err != nil {
		return err
	}
	ticket, err := s.dispatcher.CreateUpload(r.Context(), req.TenantID, req.Filename)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusCreated, ticket)
	return nil
}

// handleRunEnqueue handles POST /runs/{runId}/enqueue
func (s *Server) handleRunEnqueue(w http.ResponseWriter, r *http.Request) error {
	var req runEnqueueRequest
	if err := decodeBody(r, s.schemas.runEnqueue, &req); err != nil {
		return err
	}
	job, err := s.dispatcher.EnqueueRun(r.Context(), r.PathValue("runId"), req.ObjectKey)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusCreated, enqueueResponse{Success: true, JobID: job.ID, RunID: job.RunID, Status: string(job.Status)})
	return nil
}

// handleRunStatus handles GET /runs/{runId}/status
func (s *Server) handleRunStatus(w http.ResponseWriter, r *http.Request) error {
	status, err := s.dispatcher.RunStatus(r.Context(), r.PathValue("runId"))
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, status)
	return nil
}
