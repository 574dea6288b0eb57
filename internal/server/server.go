package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/vrx-tools/vrxetl/internal/coordinator"
)

// keepaliveInterval is how often an idle log stream emits a comment line
// so proxies do not reap the connection.
const keepaliveInterval = 15 * time.Second

type Option func(*Server)

func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithHealthCheck wires a dependency probe into GET /health, typically a
// database ping.
func WithHealthCheck(check func(ctx context.Context) error) Option {
	return func(s *Server) {
		s.health = check
	}
}

// WithReportLoader wires POST /reload to a database refresh of the
// report files already on disk.
func WithReportLoader(loader coordinator.ReportLoader) Option {
	return func(s *Server) {
		s.loader = loader
	}
}

// WithReportsDir enables POST /reports/{name} uploads into dir.
func WithReportsDir(dir string) Option {
	return func(s *Server) {
		s.reportsDir = dir
	}
}

// Server exposes the run coordinator over HTTP.
type Server struct {
	coord      *coordinator.Coordinator
	logger     *zap.Logger
	health     func(ctx context.Context) error
	loader     coordinator.ReportLoader
	reportsDir string
}

func New(coord *coordinator.Coordinator, opts ...Option) *Server {
	s := &Server{
		coord:  coord,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) RegisterRoutes(r *chi.Mux) {
	r.Post("/extract", s.Extract)
	r.Get("/runs/{id}", s.RunStatus)
	r.Get("/runs/{id}/log", s.RunLog)
	r.Post("/reports/{name}", s.UploadReport)
	r.Post("/reload", s.Reload)
	r.Get("/health", s.Health)
}

type runResponse struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	StartedAt   string `json:"started_at"`
	CompletedAt string `json:"completed_at,omitempty"`
	Error       string `json:"error,omitempty"`
}

func toRunResponse(run coordinator.Run) runResponse {
	resp := runResponse{
		ID:        run.ID,
		Status:    string(run.Status),
		StartedAt: run.StartedAt.Format(time.RFC3339),
		Error:     run.Err,
	}
	if !run.CompletedAt.IsZero() {
		resp.CompletedAt = run.CompletedAt.Format(time.RFC3339)
	}
	return resp
}

func (s *Server) Extract(w http.ResponseWriter, r *http.Request) {
	run, err := s.coord.Start()
	if errors.Is(err, coordinator.ErrRunInProgress) {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, toRunResponse(run))
}

func (s *Server) RunStatus(w http.ResponseWriter, r *http.Request) {
	run, err := s.coord.Get(chi.URLParam(r, "id"))
	if errors.Is(err, coordinator.ErrRunNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, toRunResponse(run))
}

// RunLog streams the run log as plain text, one line per log entry,
// ending with the run's terminal marker. Disconnecting before the
// terminal marker cancels the run.
func (s *Server) RunLog(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	buf, err := s.coord.Log(id)
	if errors.Is(err, coordinator.ErrRunNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if errors.Is(err, coordinator.ErrLogDiscarded) {
		writeError(w, http.StatusGone, err.Error())
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	type batch struct {
		lines []string
		ok    bool
	}
	feed := make(chan batch)
	go func() {
		offset := 0
		for {
			lines, next, ok := buf.Next(offset)
			select {
			case feed <- batch{lines: lines, ok: ok}:
			case <-r.Context().Done():
				return
			}
			if !ok {
				return
			}
			offset = next
		}
	}()

	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case b := <-feed:
			if !b.ok {
				// Fully drained past the terminal marker; the buffer
				// is never streamed again.
				s.coord.Release(id)
				return
			}
			for _, line := range b.lines {
				if _, err := w.Write([]byte(line + "\n")); err != nil {
					s.disconnect(id, buf)
					return
				}
			}
			flusher.Flush()
			keepalive.Reset(keepaliveInterval)
		case <-keepalive.C:
			if _, err := w.Write([]byte(": keepalive\n")); err != nil {
				s.disconnect(id, buf)
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			s.disconnect(id, buf)
			return
		}
	}
}

// disconnect handles a consumer going away mid-stream. The run is
// cancelled best effort, its buffered lines dropped, and the feed
// goroutine unblocked.
func (s *Server) disconnect(id string, buf *coordinator.LogBuffer) {
	s.logger.Info("log consumer disconnected, cancelling run", zap.String("run_id", id))
	if err := s.coord.Cancel(id); err != nil {
		s.logger.Warn("cancel after disconnect", zap.String("run_id", id), zap.Error(err))
	}
	s.coord.Release(id)
	buf.Wake()
}

// UploadReport writes an uploaded report file into the reports
// directory, where the next reload or run will pick it up.
func (s *Server) UploadReport(w http.ResponseWriter, r *http.Request) {
	if s.reportsDir == "" {
		writeError(w, http.StatusNotImplemented, "report uploads not configured")
		return
	}
	name := chi.URLParam(r, "name")
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".csv") {
		writeError(w, http.StatusBadRequest, "report name must be a plain .csv filename")
		return
	}

	if err := os.MkdirAll(s.reportsDir, 0o755); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	f, err := os.Create(filepath.Join(s.reportsDir, name))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	n, err := io.Copy(f, r.Body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.logger.Info("report uploaded", zap.String("name", name), zap.Int64("bytes", n))
	writeJSON(w, http.StatusCreated, map[string]any{"name": name, "bytes": n})
}

// Reload refreshes the database from the report files on disk without
// running an extraction. Rejected while a run is active, since loads
// assume a single writer per table.
func (s *Server) Reload(w http.ResponseWriter, r *http.Request) {
	if s.loader == nil {
		writeError(w, http.StatusNotImplemented, "reload not configured")
		return
	}
	if s.coord.Busy() {
		writeError(w, http.StatusConflict, coordinator.ErrRunInProgress.Error())
		return
	}

	var lines []string
	err := s.loader.LoadAll(r.Context(), func(line string) {
		lines = append(lines, line)
	})
	if err != nil {
		s.logger.Error("report reload failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "loaded", "log": lines})
}

func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := s.health(ctx); err != nil {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
	}
	w.WriteHeader(http.StatusOK)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
