package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/hannes/edu-pii-service/src/backend/config"
	"github.com/hannes/edu-pii-service/src/backend/pii"
	detectors "github.com/hannes/edu-pii-service/src/backend/pii/detectors"
	"golang.org/x/time/rate"
)

const maxRequestBodyBytes = 1 << 20

// ModelStatus reports and controls the detector lifecycle
type ModelStatus interface {
	IsReady() bool
	GetInfo() map[string]interface{}
	ReloadModel(ctx context.Context) error
}

// Server represents the HTTP server
type Server struct {
	config     *config.Config
	service    *pii.Service
	models     ModelStatus
	audit      pii.AuditLog
	limiter    *rate.Limiter
	httpServer *http.Server
	sentry     bool
}

// textRequest is the body accepted by detect and mask
type textRequest struct {
	Text *string `json:"text"`
}

// errorResponse is the body of every failed request
type errorResponse struct {
	Detail string `json:"detail"`
	Kind   string `json:"kind"`
}

// healthResponse is returned by the model health endpoints
type healthResponse struct {
	Status           string `json:"status"`
	ModelInitialized bool   `json:"model_initialized"`
	Timestamp        string `json:"timestamp"`
}

// NewServer creates a new server instance. audit may be nil.
func NewServer(cfg *config.Config, service *pii.Service, models ModelStatus, audit pii.AuditLog) (*Server, error) {
	if cfg == nil || service == nil || models == nil {
		return nil, fmt.Errorf("config, service and model status are required")
	}

	s := &Server{
		config:  cfg,
		service: service,
		models:  models,
		audit:   audit,
	}

	if cfg.RateLimit.RPS > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit.RPS), cfg.RateLimit.Burst)
		log.Printf("[Server] Rate limiting enabled: %.1f req/s, burst %d", cfg.RateLimit.RPS, cfg.RateLimit.Burst)
	}

	if cfg.Sentry.DSN != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:         cfg.Sentry.DSN,
			Environment: cfg.Sentry.Environment,
			Release:     cfg.Version,
		})
		if err != nil {
			log.Printf("[Server] Warning: Sentry initialization failed: %v", err)
		} else {
			s.sentry = true
			log.Printf("[Server] Sentry error reporting enabled (%s)", cfg.Sentry.Environment)
		}
	}

	return s, nil
}

// Handler returns the routed handler with middleware applied
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleRoot)
	mux.HandleFunc("/health", s.handleLiveness)

	// Versioned API routes
	mux.HandleFunc("/api/detection/detect", s.handleDetect)
	mux.HandleFunc("/api/masking/mask", s.handleMask)
	mux.HandleFunc("/api/health/health", s.handleHealth)
	mux.HandleFunc("/api/model/info", s.handleModelInfo)
	mux.HandleFunc("/api/model/reload", s.handleModelReload)
	mux.HandleFunc("/api/audit/summary", s.handleAuditSummary)

	// Short routes
	mux.HandleFunc("/pii/detect", s.handleDetect)
	mux.HandleFunc("/pii/mask", s.handleMask)
	mux.HandleFunc("/pii/health", s.handleHealth)

	var handler http.Handler = mux
	handler = s.logRequests(handler)
	handler = s.cors(handler)
	handler = requestID(handler)
	return handler
}

// Start starts the HTTP server
func (s *Server) Start() error {
	log.Printf("Starting %s v%s on port %s", s.config.ProjectName, s.config.Version, s.config.ServerPort)
	log.Printf("PII detection backend: %s (ready: %t)", s.config.DetectorName, s.models.IsReady())

	if s.config.Database.Enabled {
		log.Println("Audit log: PostgreSQL")
	} else {
		log.Println("Audit log: in-memory")
	}

	// Create server with timeout configuration
	s.httpServer = &http.Server{
		Addr:         s.config.ServerPort,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s.httpServer.ListenAndServe()
}

// StartWithErrorHandling starts the server with proper error handling
func (s *Server) StartWithErrorHandling() {
	if err := s.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("Failed to start server: %v", err)
	}
}

// Shutdown stops accepting requests and waits for in-flight ones
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// Close flushes error reports and releases the audit log
func (s *Server) Close() error {
	if s.sentry {
		sentry.Flush(2 * time.Second)
	}
	if s.audit != nil {
		return s.audit.Close()
	}
	return nil
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		writeJSON(w, http.StatusNotFound, errorResponse{Detail: "Not Found", Kind: "not_found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"message": fmt.Sprintf("Welcome to the %s", s.config.ProjectName),
		"version": s.config.Version,
	})
}

// handleLiveness reports that the process is up, regardless of model state
func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"tracing": "disable",
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}

	ready := s.models.IsReady()
	status := "healthy"
	if !ready {
		status = pii.KindNotReady.String()
	}

	writeJSON(w, http.StatusOK, healthResponse{
		Status:           status,
		ModelInitialized: ready,
		Timestamp:        time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleDetect(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) || !s.allowRate(w) {
		return
	}

	text, ok := decodeText(w, r)
	if !ok {
		return
	}

	start := time.Now()
	result, err := s.service.Detect(r.Context(), text)
	s.recordAudit(r, pii.OperationDetect, text, result.Entities, time.Since(start), err)
	if err != nil {
		s.writeServiceError(w, r, pii.OperationDetect, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleMask(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) || !s.allowRate(w) {
		return
	}

	text, ok := decodeText(w, r)
	if !ok {
		return
	}

	start := time.Now()
	result, err := s.service.Mask(r.Context(), text)
	s.recordAudit(r, pii.OperationMask, text, result.Entities, time.Since(start), err)
	if err != nil {
		s.writeServiceError(w, r, pii.OperationMask, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleModelInfo(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}

	info := s.models.GetInfo()
	info["detector_name"] = s.config.DetectorName
	info["threshold"] = s.config.Model.Threshold
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleModelReload(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}

	log.Printf("[Server] Model reload requested (request_id=%s)", RequestIDFromContext(r.Context()))
	if err := s.models.ReloadModel(r.Context()); err != nil {
		log.Printf("[Server] ❌ Model reload failed (request_id=%s): %v", RequestIDFromContext(r.Context()), err)
		s.captureError(r, "reload", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{
			Detail: "Model reload failed",
			Kind:   pii.KindInference.String(),
		})
		return
	}

	info := s.models.GetInfo()
	info["status"] = "reloaded"
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleAuditSummary(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}

	if s.audit == nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Detail: "Audit log is disabled", Kind: "not_found"})
		return
	}

	summary, err := s.audit.Summary(r.Context())
	if err != nil {
		log.Printf("[Server] ❌ Failed to read audit summary: %v", err)
		s.captureError(r, "audit_summary", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Detail: "Failed to read audit summary", Kind: "audit_error"})
		return
	}

	writeJSON(w, http.StatusOK, summary)
}

// writeServiceError maps a classified service error to its HTTP status
func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, operation string, err error) {
	kind := pii.KindOf(err)
	detail := err.Error()
	var svcErr *pii.Error
	if errors.As(err, &svcErr) {
		detail = svcErr.Message
	}

	if kind == pii.KindInference {
		log.Printf("[Server] ❌ %s failed (request_id=%s): %v", operation, RequestIDFromContext(r.Context()), err)
		s.captureError(r, operation, err)
	}

	writeJSON(w, kind.StatusCode(), errorResponse{Detail: detail, Kind: kind.String()})
}

func (s *Server) captureError(r *http.Request, operation string, err error) {
	if !s.sentry {
		return
	}
	hub := sentry.CurrentHub().Clone()
	hub.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("request_id", RequestIDFromContext(r.Context()))
		scope.SetTag("operation", operation)
		scope.SetTag("detector", s.config.DetectorName)
		hub.CaptureException(err)
	})
}

func (s *Server) recordAudit(r *http.Request, operation, text string, entities []detectors.Entity, elapsed time.Duration, err error) {
	if s.audit == nil {
		return
	}
	record := pii.NewAuditRecord(RequestIDFromContext(r.Context()), operation, text,
		len(entities), pii.CategoryCounts(entities), elapsed, err)
	if auditErr := s.audit.Record(r.Context(), record); auditErr != nil {
		log.Printf("[Server] Warning: failed to record audit entry: %v", auditErr)
	}
}

func (s *Server) allowRate(w http.ResponseWriter) bool {
	if s.limiter == nil || s.limiter.Allow() {
		return true
	}
	w.Header().Set("Retry-After", "1")
	writeJSON(w, http.StatusTooManyRequests, errorResponse{Detail: "Too many requests", Kind: "rate_limited"})
	return false
}

// decodeText reads the request body; it writes a 422 and returns false on failure
func decodeText(w http.ResponseWriter, r *http.Request) (string, bool) {
	var req textRequest
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes))
	if err := decoder.Decode(&req); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{
			Detail: fmt.Sprintf("Invalid request body: %v", err),
			Kind:   "request_error",
		})
		return "", false
	}
	if req.Text == nil {
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{
			Detail: "Field 'text' is required",
			Kind:   "request_error",
		})
		return "", false
	}
	return *req.Text, true
}

func allowMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method == method {
		return true
	}
	w.Header().Set("Allow", method)
	writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Detail: "Method not allowed", Kind: "request_error"})
	return false
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("[Server] Failed to write response: %v", err)
	}
}
