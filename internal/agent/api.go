package agent

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"fleet-telemetry-agent/internal/agent/version"
	"fleet-telemetry-agent/internal/model"
	"fleet-telemetry-agent/internal/store"
)

const (
	defaultRequestLimit = 50
	maxRequestLimit     = 1000
)

type SnapshotSource interface {
	Latest() *model.TickSnapshot
}

type CoreCounter interface {
	CoreCounts(ctx context.Context) model.CoreCounts
}

type RequestLog interface {
	RecentRequests(ctx context.Context, serverID string, limit int) ([]model.CompactLogEntry, error)
}

type SampleHistory interface {
	RecentServerSamples(ctx context.Context, serverID string, limit int) ([]store.ServerSample, error)
	RecentSystemSamples(ctx context.Context, limit int) ([]store.SystemSample, error)
}

type APIDeps struct {
	Snapshots SnapshotSource
	Cores     CoreCounter
	Requests  RequestLog
	Samples   SampleHistory
	Health    *HealthStatus
	Gatherer  prometheus.Gatherer
	Version   func() *version.GetVersionResponse
	// MaxTickAge is how stale the last tick may be before /health fails.
	MaxTickAge time.Duration
	Logger     *slog.Logger
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

type apiHandler struct {
	deps APIDeps
}

func NewRouter(deps APIDeps) *mux.Router {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	h := &apiHandler{deps: deps}
	r := mux.NewRouter()

	r.HandleFunc("/health", h.health).Methods(http.MethodGet)
	if deps.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/version", h.version).Methods(http.MethodGet)
	api.HandleFunc("/system", h.system).Methods(http.MethodGet)
	api.HandleFunc("/system/samples", h.systemSamples).Methods(http.MethodGet)
	api.HandleFunc("/servers", h.servers).Methods(http.MethodGet)
	api.HandleFunc("/servers/{id}", h.server).Methods(http.MethodGet)
	api.HandleFunc("/servers/{id}/requests", h.requests).Methods(http.MethodGet)
	api.HandleFunc("/servers/{id}/samples", h.serverSamples).Methods(http.MethodGet)

	r.Use(recovery(deps.Logger))
	r.Use(requestLogging(deps.Logger))
	return r
}

func (h *apiHandler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.deps.Logger.Warn("encode response failed", "error", err)
	}
}

func (h *apiHandler) writeError(w http.ResponseWriter, status int, err error, message string) {
	h.writeJSON(w, status, ErrorResponse{Error: err.Error(), Message: message})
}

func (h *apiHandler) health(w http.ResponseWriter, _ *http.Request) {
	body := map[string]any{"status": "ok"}
	status := http.StatusOK
	if h.deps.Health != nil {
		for k, v := range h.deps.Health.Snapshot() {
			body[k] = v
		}
		maxAge := h.deps.MaxTickAge
		if maxAge <= 0 {
			maxAge = time.Minute
		}
		if !h.deps.Health.Healthy(time.Now(), maxAge) {
			body["status"] = "degraded"
			status = http.StatusServiceUnavailable
		}
	}
	h.writeJSON(w, status, body)
}

func (h *apiHandler) version(w http.ResponseWriter, _ *http.Request) {
	if h.deps.Version == nil {
		h.writeError(w, http.StatusNotFound, errors.New("not configured"), "version info unavailable")
		return
	}
	h.writeJSON(w, http.StatusOK, h.deps.Version())
}

type systemResponse struct {
	System *model.SystemMetricsSnapshot `json:"system"`
	Cores  *model.CoreCounts            `json:"cores,omitempty"`
	TickID string                       `json:"tick_id,omitempty"`
}

func (h *apiHandler) system(w http.ResponseWriter, r *http.Request) {
	resp := systemResponse{}
	if snap := h.deps.Snapshots.Latest(); snap != nil {
		resp.System = snap.System
		resp.TickID = snap.ID
	}
	if h.deps.Cores != nil {
		cores := h.deps.Cores.CoreCounts(r.Context())
		resp.Cores = &cores
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *apiHandler) servers(w http.ResponseWriter, _ *http.Request) {
	out := []model.ServerSnapshot{}
	if snap := h.deps.Snapshots.Latest(); snap != nil {
		out = snap.Servers
	}
	h.writeJSON(w, http.StatusOK, out)
}

func (h *apiHandler) server(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	snap := h.deps.Snapshots.Latest()
	if snap == nil {
		h.writeError(w, http.StatusNotFound, store.ErrNotFound, "Server not found: "+id)
		return
	}
	srv, ok := snap.Server(id)
	if !ok {
		h.writeError(w, http.StatusNotFound, store.ErrNotFound, "Server not found: "+id)
		return
	}
	h.writeJSON(w, http.StatusOK, srv)
}

func (h *apiHandler) requests(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if h.deps.Requests == nil {
		h.writeJSON(w, http.StatusOK, []model.CompactLogEntry{})
		return
	}
	limit, err := parseLimit(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err, "Invalid limit")
		return
	}
	entries, err := h.deps.Requests.RecentRequests(r.Context(), id, limit)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err, "Failed to read request log")
		return
	}
	if entries == nil {
		entries = []model.CompactLogEntry{}
	}
	h.writeJSON(w, http.StatusOK, entries)
}

func (h *apiHandler) serverSamples(w http.ResponseWriter, r *http.Request) {
	if h.deps.Samples == nil {
		h.writeJSON(w, http.StatusOK, []store.ServerSample{})
		return
	}
	limit, err := parseLimit(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err, "Invalid limit")
		return
	}
	samples, err := h.deps.Samples.RecentServerSamples(r.Context(), mux.Vars(r)["id"], limit)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err, "Failed to read samples")
		return
	}
	if samples == nil {
		samples = []store.ServerSample{}
	}
	h.writeJSON(w, http.StatusOK, samples)
}

func (h *apiHandler) systemSamples(w http.ResponseWriter, r *http.Request) {
	if h.deps.Samples == nil {
		h.writeJSON(w, http.StatusOK, []store.SystemSample{})
		return
	}
	limit, err := parseLimit(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err, "Invalid limit")
		return
	}
	samples, err := h.deps.Samples.RecentSystemSamples(r.Context(), limit)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err, "Failed to read samples")
		return
	}
	if samples == nil {
		samples = []store.SystemSample{}
	}
	h.writeJSON(w, http.StatusOK, samples)
}

func parseLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultRequestLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, errors.New("limit must be a positive integer")
	}
	if n > maxRequestLimit {
		n = maxRequestLimit
	}
	return n, nil
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func requestLogging(logger *slog.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			logger.Debug("http request", "method", r.Method, "path", r.URL.Path, "status", rec.status, "duration", time.Since(start))
		})
	}
}

func recovery(logger *slog.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if v := recover(); v != nil {
					logger.Error("http handler panic", "path", r.URL.Path, "panic", v)
					http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
