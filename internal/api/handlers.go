package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"time"

	"github.com/bull/recordsync/internal/indexer"
	"github.com/bull/recordsync/internal/query"
	"github.com/bull/recordsync/internal/repair"
	"github.com/bull/recordsync/internal/storage"
)

type uploadResponse struct {
	JobID string `json:"jobId"`
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.d.MaxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, err)
			return
		}
		writeError(w, http.StatusBadRequest, fmt.Errorf("parse form: %w", err))
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.New("multipart field \"file\" is required"))
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("read upload: %w", err))
		return
	}

	id, err := s.d.Ingestor.Submit(r.Context(), indexer.Upload{
		FileName:  path.Base(header.Filename),
		Namespace: r.FormValue("namespace"),
		Data:      data,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusAccepted, uploadResponse{JobID: id})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.d.Ingestor.Jobs(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.d.Ingestor.Job(r.Context(), r.PathValue("id"))
	if errors.Is(err, indexer.ErrJobNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	err := s.d.Ingestor.Cancel(r.Context(), r.PathValue("id"))
	switch {
	case errors.Is(err, indexer.ErrJobNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, indexer.ErrJobFinished):
		writeError(w, http.StatusConflict, err)
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
	default:
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
	}
}

func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	files, err := s.d.Documents.Files(r.Context(), r.URL.Query().Get("namespace"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if files == nil {
		files = []storage.FileCount{}
	}
	writeJSON(w, http.StatusOK, files)
}

func (s *Server) handleDeleteFile(w http.ResponseWriter, r *http.Request) {
	res, err := s.d.Ingestor.DeleteFile(r.Context(), r.PathValue("fileName"), r.URL.Query().Get("namespace"))
	if err != nil {
		// Counts are still meaningful for the side that succeeded.
		writeJSON(w, http.StatusInternalServerError, struct {
			indexer.DeleteResult
			Error string `json:"error"`
		}{res, err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	report, err := s.d.Auditor.Audit(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleDiff(w http.ResponseWriter, r *http.Request) {
	diff, err := s.d.Auditor.Diff(r.Context(), r.PathValue("fileName"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, diff)
}

type repairRequest struct {
	Entries []repair.Target `json:"entries"`
	Auto    bool            `json:"auto"`
}

func (s *Server) handleRepair(w http.ResponseWriter, r *http.Request) {
	if s.d.Repair == nil {
		writeError(w, http.StatusServiceUnavailable, errUnavailable)
		return
	}
	var req repairRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode body: %w", err))
		return
	}
	// There is nobody to confirm batches over HTTP.
	if !req.Auto {
		writeError(w, http.StatusBadRequest, errors.New("repair over HTTP requires \"auto\": true"))
		return
	}

	summary, err := s.d.Repair.Repair(r.Context(), req.Entries, true)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

type queryRequest struct {
	Question  string `json:"question"`
	Namespace string `json:"namespace"`
	TopK      int    `json:"topK"`
}

func (s *Server) decodeQuery(w http.ResponseWriter, r *http.Request) (queryRequest, bool) {
	var req queryRequest
	if s.d.Query == nil {
		writeError(w, http.StatusServiceUnavailable, errUnavailable)
		return req, false
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode body: %w", err))
		return req, false
	}
	return req, true
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeQuery(w, r)
	if !ok {
		return
	}
	hits, err := s.d.Query.Search(r.Context(), req.Question, req.Namespace, req.TopK)
	if err != nil {
		writeQueryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, hits)
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeQuery(w, r)
	if !ok {
		return
	}
	answer, err := s.d.Query.Ask(r.Context(), req.Question, req.Namespace, req.TopK)
	if err != nil {
		writeQueryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, answer)
}

func writeQueryError(w http.ResponseWriter, err error) {
	if errors.Is(err, query.ErrEmptyQuestion) {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeError(w, http.StatusBadGateway, err)
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	if s.d.Logs == nil {
		writeError(w, http.StatusServiceUnavailable, errUnavailable)
		return
	}
	minutes := 60
	if v := r.URL.Query().Get("minutes"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid minutes %q", v))
			return
		}
		minutes = n
	}
	writeJSON(w, http.StatusOK, s.d.Logs.Recent(time.Duration(minutes)*time.Minute))
}

// HealthResponse represents the JSON response from the health check endpoint.
type HealthResponse struct {
	Status    string            `json:"status"`
	Stores    map[string]string `json:"stores"`
	Timestamp string            `json:"timestamp"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	response := HealthResponse{
		Status:    "healthy",
		Stores:    make(map[string]string, len(s.d.Health)),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	status := http.StatusOK
	for name, checker := range s.d.Health {
		if err := checker.Health(ctx); err != nil {
			response.Stores[name] = "disconnected"
			response.Status = "unhealthy"
			status = http.StatusServiceUnavailable
			continue
		}
		response.Stores[name] = "connected"
	}
	writeJSON(w, status, response)
}
