// Package server provides the local HTTP surface of the sync engine for the
// UI layer and diagnostics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	offlinesync "github.com/wolfeidau/offline-sync"
	"github.com/wolfeidau/offline-sync/capacity"
	"github.com/wolfeidau/offline-sync/engine"
	"github.com/wolfeidau/offline-sync/mutation"
	"github.com/wolfeidau/offline-sync/outbox"
	"github.com/wolfeidau/offline-sync/reader"
	"github.com/wolfeidau/offline-sync/remote"
	"github.com/wolfeidau/offline-sync/telemetry"
)

// MaxBodySize bounds request bodies.
const MaxBodySize = 1 << 20

// Config holds server configuration.
type Config struct {
	// Address to listen on (e.g., "127.0.0.1:8080")
	Address string

	// AuthToken, when set, is required as a bearer token on every route
	// except /health and /metrics.
	AuthToken string

	// Logger for the server
	Logger *slog.Logger
}

// Core is the engine surface the server exposes.
type Core interface {
	Status(ctx context.Context) (engine.Status, error)
	ListPending(ctx context.Context) ([]outbox.Item, error)
	DeadLetters(ctx context.Context) ([]outbox.DeadLetter, error)
	RetryDeadLetter(ctx context.Context, id string) (outbox.Item, error)
	DiscardDeadLetter(ctx context.Context, id string) error
	RequestSync(ctx context.Context) bool
	CapacityView(ctx context.Context, slotID string) (capacity.View, error)
	CheckIn(ctx context.Context, slotID string) (outbox.Receipt, error)
	CancelCheckIn(ctx context.Context, slotID string) (outbox.Receipt, error)
	UpdateProfile(ctx context.Context, fields map[string]any) (outbox.Receipt, error)
	SendMessage(ctx context.Context, threadID, text string) (outbox.Receipt, error)
	Read(ctx context.Context, res offlinesync.Resource) ([]byte, reader.Source, error)
}

// Server is the local HTTP server.
type Server struct {
	config     Config
	httpServer *http.Server
	logger     *slog.Logger
	core       Core
}

// New creates a new server with the given configuration.
func New(cfg Config, core Core) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = "127.0.0.1:8080"
	}

	s := &Server{
		config: cfg,
		logger: cfg.Logger,
		core:   core,
	}

	s.httpServer = &http.Server{
		Addr:         cfg.Address,
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.registerRoutes(mux)
	return s.loggingMiddleware(mux)
}

// registerRoutes sets up the HTTP routes. Everything except the health check
// and metrics goes through protect.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	// Prometheus metrics endpoint (returns 404 if not enabled)
	mux.Handle("GET /metrics", telemetry.PrometheusHandler())

	// Observable surface
	mux.Handle("GET /status", s.protect(s.handleStatus))
	mux.Handle("GET /pending", s.protect(s.handlePending))
	mux.Handle("POST /sync", s.protect(s.handleSync))
	mux.Handle("GET /capacity/{slot}", s.protect(s.handleCapacity))

	// Dead letters
	mux.Handle("GET /dead-letters", s.protect(s.handleDeadLetters))
	mux.Handle("POST /dead-letters/{id}/retry", s.protect(s.handleRetryDeadLetter))
	mux.Handle("DELETE /dead-letters/{id}", s.protect(s.handleDiscardDeadLetter))

	// Write intents
	mux.Handle("POST /checkins", s.protect(s.handleCheckIn))
	mux.Handle("DELETE /checkins/{slot}", s.protect(s.handleCancelCheckIn))
	mux.Handle("PUT /profile", s.protect(s.handleUpdateProfile))
	mux.Handle("POST /threads/{thread}/messages", s.protect(s.handleSendMessage))

	// Reads
	mux.Handle("GET /resources/{kind}/{id}", s.protect(s.handleResource))
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "health")
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "status")
	st, err := s.core.Status(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "pending")
	items, err := s.core.ListPending(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": len(items), "items": items})
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "sync")
	scheduled := s.core.RequestSync(r.Context())
	writeJSON(w, http.StatusAccepted, map[string]bool{"scheduled": scheduled})
}

func (s *Server) handleCapacity(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "capacity")
	v, err := s.core.CapacityView(r.Context(), r.PathValue("slot"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"view":                v,
		"estimated_remaining": v.EstimatedRemaining(),
		"full":                v.Full(),
	})
}

func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "dead_letters")
	dead, err := s.core.DeadLetters(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": len(dead), "items": dead})
}

func (s *Server) handleRetryDeadLetter(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "dead_letters_retry")
	it, err := s.core.RetryDeadLetter(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, it)
}

func (s *Server) handleDiscardDeadLetter(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "dead_letters_discard")
	if err := s.core.DiscardDeadLetter(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type checkInRequest struct {
	SlotID string `json:"slot_id"`
}

func (s *Server) handleCheckIn(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "checkin")
	telemetry.SetKind(r, string(mutation.KindCheckIn))
	var req checkInRequest
	if !s.decode(w, r, &req) {
		return
	}
	receipt, err := s.core.CheckIn(r.Context(), req.SlotID)
	s.writeReceipt(w, r, receipt, err)
}

func (s *Server) handleCancelCheckIn(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "checkin_cancel")
	telemetry.SetKind(r, string(mutation.KindCheckInCancel))
	receipt, err := s.core.CancelCheckIn(r.Context(), r.PathValue("slot"))
	s.writeReceipt(w, r, receipt, err)
}

func (s *Server) handleUpdateProfile(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "profile_update")
	telemetry.SetKind(r, string(mutation.KindProfileUpdate))
	var fields map[string]any
	if !s.decode(w, r, &fields) {
		return
	}
	receipt, err := s.core.UpdateProfile(r.Context(), fields)
	s.writeReceipt(w, r, receipt, err)
}

type messageRequest struct {
	Body string `json:"body"`
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "message_create")
	telemetry.SetKind(r, string(mutation.KindMessageCreate))
	var req messageRequest
	if !s.decode(w, r, &req) {
		return
	}
	receipt, err := s.core.SendMessage(r.Context(), r.PathValue("thread"), req.Body)
	s.writeReceipt(w, r, receipt, err)
}

// resourceKinds maps the {kind} path segment of /resources to a resource.
var resourceKinds = map[string]func(id string) offlinesync.Resource{
	"schedule":   offlinesync.SlotResource,
	"schedules":  offlinesync.CondoScheduleResource,
	"activities": offlinesync.ActivitiesResource,
	"notices":    offlinesync.NoticesResource,
	"profile":    offlinesync.ProfileResource,
	"thread":     offlinesync.ThreadResource,
}

func (s *Server) handleResource(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "resource")
	newResource, ok := resourceKinds[r.PathValue("kind")]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown resource kind"})
		return
	}
	data, src, err := s.core.Read(r.Context(), newResource(r.PathValue("id")))
	if err != nil {
		telemetry.SetCacheResult(r, telemetry.CacheMiss)
		s.writeError(w, r, err)
		return
	}
	if src == reader.SourceCache {
		telemetry.SetCacheResult(r, telemetry.CacheHit)
	} else {
		telemetry.SetCacheResult(r, telemetry.CacheMiss)
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Cache", string(src))
	_, _ = w.Write(data)
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, MaxBodySize))
	if err := dec.Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body: " + err.Error()})
		return false
	}
	return true
}

func (s *Server) writeReceipt(w http.ResponseWriter, r *http.Request, receipt outbox.Receipt, err error) {
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, receipt)
}

// writeError maps engine errors to HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, mutation.ErrInvalid), errors.Is(err, mutation.ErrUnknownKind):
		status = http.StatusBadRequest
	case errors.Is(err, engine.ErrNoIdentity):
		status = http.StatusConflict
	case errors.Is(err, outbox.ErrNotFound), errors.Is(err, remote.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, reader.ErrUnavailable):
		status = http.StatusServiceUnavailable
	case errors.Is(err, remote.ErrTransient), errors.Is(err, remote.ErrRateLimited), errors.Is(err, remote.ErrTerminal):
		status = http.StatusBadGateway
	}
	if status >= 500 {
		s.logger.Error("request failed", "path", r.URL.Path, "error", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

// loggingMiddleware logs HTTP requests with structured fields for analysis.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)

		// Inject request tags so handlers can set cache_result, endpoint, etc.
		r = telemetry.InjectTags(r)
		tags := telemetry.GetTags(r)

		// Wrap response writer to capture status and bytes
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)

		attrs := []any{
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.status,
			"status_class", telemetry.StatusClass(wrapped.status),
			"bytes_sent", wrapped.bytesWritten,
			"duration_ms", duration.Milliseconds(),
			"remote_addr", r.RemoteAddr,
		}

		// Add handler-set tags
		if tags.Endpoint != "" {
			attrs = append(attrs, "endpoint", tags.Endpoint)
		}
		if tags.Kind != "" {
			attrs = append(attrs, "kind", tags.Kind)
		}
		if tags.CacheResult != "" {
			attrs = append(attrs, "cache_result", string(tags.CacheResult))
		}

		level := slog.LevelInfo
		if r.URL.Path == "/health" || r.URL.Path == "/metrics" {
			level = slog.LevelDebug
		}
		s.logger.Log(r.Context(), level, "http request", attrs...)

		telemetry.RecordHTTP(r.Context(), r, wrapped.status, duration)
	})
}

// Start starts the server.
func (s *Server) Start() error {
	s.logger.Info("starting server", "address", s.config.Address, "auth", s.config.AuthToken != "")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")
	return s.httpServer.Shutdown(ctx)
}

// Address returns the server's listen address.
func (s *Server) Address() string {
	return s.config.Address
}

// responseWriter wraps http.ResponseWriter to capture the status code and bytes written.
type responseWriter struct {
	http.ResponseWriter
	status       int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

// Unwrap returns the underlying ResponseWriter.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
