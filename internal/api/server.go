// Package api exposes ingestion, audit, repair and query over REST.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/bull/recordsync/internal/audit"
	"github.com/bull/recordsync/internal/indexer"
	"github.com/bull/recordsync/internal/logging"
	"github.com/bull/recordsync/internal/query"
	"github.com/bull/recordsync/internal/repair"
	"github.com/bull/recordsync/internal/storage"
)

// DefaultMaxUploadBytes caps multipart uploads.
const DefaultMaxUploadBytes = 50 << 20

// HealthChecker is implemented by both stores.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// Deps are the services behind the handlers. Repair, Query, Logs and
// Gatherer are optional; their routes answer 503 when missing.
type Deps struct {
	Ingestor       *indexer.Ingestor
	Documents      storage.DocumentStore
	Auditor        *audit.Auditor
	Repair         *repair.Engine
	Query          *query.Service
	Logs           *logging.Buffer
	Health         map[string]HealthChecker
	Gatherer       prometheus.Gatherer
	MaxUploadBytes int64
	Logger         *zap.Logger
}

type Server struct {
	d      Deps
	logger *zap.Logger
}

// NewHandler returns the REST routes. The MCP endpoint is mounted by the
// caller next to it.
func NewHandler(d Deps) http.Handler {
	if d.MaxUploadBytes <= 0 {
		d.MaxUploadBytes = DefaultMaxUploadBytes
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	s := &Server{d: d, logger: d.Logger.With(zap.String("component", "api"))}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /upload", s.handleUpload)
	mux.HandleFunc("GET /jobs", s.handleListJobs)
	mux.HandleFunc("GET /jobs/{id}", s.handleGetJob)
	mux.HandleFunc("DELETE /jobs/{id}", s.handleCancelJob)
	mux.HandleFunc("GET /files", s.handleListFiles)
	mux.HandleFunc("DELETE /files/{fileName}", s.handleDeleteFile)
	mux.HandleFunc("GET /audit", s.handleAudit)
	mux.HandleFunc("GET /audit/{fileName}", s.handleDiff)
	mux.HandleFunc("POST /repair", s.handleRepair)
	mux.HandleFunc("POST /search", s.handleSearch)
	mux.HandleFunc("POST /query", s.handleQuery)
	mux.HandleFunc("GET /logs", s.handleLogs)
	mux.HandleFunc("GET /health", s.handleHealth)
	if d.Gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{}))
	}
	return s.logRequests(mux)
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

var errUnavailable = errors.New("service not configured")

// statusWriter records the status for request logging.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		s.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", sw.status),
			zap.Duration("duration", time.Since(start)))
	})
}
