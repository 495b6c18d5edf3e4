// Package api exposes the orchestrator over HTTP: submission, the SSE
// progress stream, session and analysis reads, health, metrics and a small
// admin surface.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/finsightlab/finsight"
	"github.com/finsightlab/finsight/metrics"
	"github.com/finsightlab/finsight/storage"
)

// DefaultHeartbeatInterval keeps idle SSE connections alive through
// intermediaries.
const DefaultHeartbeatInterval = 15 * time.Second

// sessionMessageLimit bounds the transcript returned by the session read.
const sessionMessageLimit = 200

// Config holds configuration for the HTTP handler.
type Config struct {
	// HeartbeatInterval is the SSE keepalive cadence. Default: 15s
	HeartbeatInterval time.Duration

	// Gatherer serves GET /metrics. Default: prometheus.DefaultGatherer
	Gatherer prometheus.Gatherer

	// Metrics receives request counters when set.
	Metrics *metrics.Metrics

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Handler is the HTTP surface over one orchestrator.
type Handler struct {
	orch   *finsight.Orchestrator
	config Config
	logger *slog.Logger
	mux    *http.ServeMux
}

// NewHandler builds the route table. The handler is safe for concurrent use.
func NewHandler(orch *finsight.Orchestrator, cfg *Config) *Handler {
	c := Config{}
	if cfg != nil {
		c = *cfg
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.Gatherer == nil {
		c.Gatherer = prometheus.DefaultGatherer
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}

	h := &Handler{
		orch:   orch,
		config: c,
		logger: c.Logger.With("component", "api"),
		mux:    http.NewServeMux(),
	}

	h.mux.HandleFunc("POST /submit", h.handleSubmit)
	h.mux.HandleFunc("GET /stream", h.handleStream)
	h.mux.HandleFunc("GET /session/{id}", h.handleSession)
	h.mux.HandleFunc("GET /analysis/{id}", h.handleAnalysis)
	h.mux.HandleFunc("POST /admin/requeue/{job_id}", h.handleRequeue)
	h.mux.HandleFunc("GET /healthz", h.handleHealthz)
	h.mux.Handle("GET /metrics", promhttp.HandlerFor(c.Gatherer, promhttp.HandlerOpts{}))

	return h
}

// ServeHTTP dispatches through the route table with request accounting.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}

	h.mux.ServeHTTP(sw, r)

	if h.config.Metrics != nil {
		pattern := r.Pattern
		if pattern == "" {
			pattern = r.URL.Path
		}
		h.config.Metrics.RecordHTTPRequest(r.Method, pattern, strconv.Itoa(sw.status), time.Since(start).Seconds())
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// Flush keeps SSE streaming working through the wrapper.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

type submitRequest struct {
	SessionID string `json:"session_id,omitempty"`
	UserID    string `json:"user_id"`
	Text      string `json:"text"`
}

func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.UserID == "" || strings.TrimSpace(req.Text) == "" {
		writeError(w, http.StatusBadRequest, "user_id and text are required")
		return
	}

	result, err := h.orch.Submit(r.Context(), req.SessionID, req.UserID, req.Text)
	if err != nil {
		switch {
		case errors.Is(err, finsight.ErrNotStarted):
			writeError(w, http.StatusServiceUnavailable, "orchestrator is not running")
		case errors.Is(err, finsight.ErrInvalidConfig):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			h.logger.Error("submit failed", "error", err)
			writeError(w, http.StatusInternalServerError, "submission failed")
		}
		return
	}

	status := http.StatusAccepted
	if result.Status == finsight.SubmitClarificationNeeded || result.Reply != "" {
		status = http.StatusOK
	}
	writeJSON(w, status, result)
}

type sessionResponse struct {
	Session  *storage.ChatSession   `json:"session"`
	Messages []*storage.ChatMessage `json:"messages"`
}

func (h *Handler) handleSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	store := h.orch.Store()

	session, err := store.GetSession(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	msgs, err := store.ListSessionMessages(r.Context(), id, sessionMessageLimit)
	if err != nil {
		h.logger.Error("failed to list messages", "session_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load messages")
		return
	}

	if r.URL.Query().Get("format") == "html" {
		h.renderTranscript(w, session, msgs)
		return
	}
	writeJSON(w, http.StatusOK, &sessionResponse{Session: session, Messages: msgs})
}

func (h *Handler) handleAnalysis(w http.ResponseWriter, r *http.Request) {
	analysis, err := h.orch.Store().GetAnalysis(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "analysis not found")
		return
	}
	writeJSON(w, http.StatusOK, analysis)
}

func (h *Handler) handleRequeue(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("job_id")
	store := h.orch.Store()

	if _, err := store.GetJob(r.Context(), jobID); err != nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err := store.RequeueJob(r.Context(), jobID); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	h.orch.WakeWorkers()

	h.logger.Info("job requeued", "job_id", jobID)
	writeJSON(w, http.StatusOK, map[string]string{"job_id": jobID, "status": "queued"})
}

func (h *Handler) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := h.orch.Store().Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "store unreachable")
		return
	}
	if !h.orch.IsRunning() {
		writeError(w, http.StatusServiceUnavailable, "orchestrator not running")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"instance_id": h.orch.InstanceID(),
		"leader":      h.orch.IsLeader(),
		"version":     finsight.Version,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
