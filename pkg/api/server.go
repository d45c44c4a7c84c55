// Package api exposes the service state over HTTP: health, per-device
// monitoring snapshots, registered flows, and on-demand execution. The
// server is read-mostly; the only mutation it offers is enqueueing a flow.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	json "github.com/goccy/go-json"
	"github.com/hashicorp/go-hclog"

	"github.com/devicelab-dev/screenpulse/pkg/core"
	"github.com/devicelab-dev/screenpulse/pkg/flow"
	"github.com/devicelab-dev/screenpulse/pkg/monitor"
)

// Service is what the server needs from the engine.
type Service interface {
	Devices() []string
	Metrics(deviceID string) monitor.Snapshot
	Snapshots() []monitor.Snapshot
	Flows(deviceID string) []*flow.Flow
	ExecuteFlow(deviceID, flowID string) error
}

// Server serves the HTTP API.
type Server struct {
	port      int
	service   Service
	logger    hclog.Logger
	server    *http.Server
	startTime time.Time
}

// NewServer creates a Server listening on the given port once started.
func NewServer(port int, svc Service, logger hclog.Logger) *Server {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Server{
		port:      port,
		service:   svc,
		logger:    logger.Named("api"),
		startTime: time.Now(),
	}
}

type healthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Uptime    string    `json:"uptime"`
	Devices   []string  `json:"devices"`
}

type metricsResponse struct {
	Timestamp time.Time          `json:"timestamp"`
	Devices   []monitor.Snapshot `json:"devices"`
}

type flowSummary struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	DeviceID       string     `json:"device_id"`
	UpdateInterval int64      `json:"update_interval_ms"`
	Enabled        bool       `json:"enabled"`
	Stats          flow.Stats `json:"stats"`
}

func summarize(f *flow.Flow) flowSummary {
	return flowSummary{
		ID:             f.ID,
		Name:           f.Name,
		DeviceID:       f.DeviceID,
		UpdateInterval: f.UpdateInterval.Milliseconds(),
		Enabled:        f.Enabled(),
		Stats:          f.Stats(),
	}
}

// handler builds the route table. Split out so tests can drive the
// server without a listener.
func (s *Server) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /devices", s.handleDevices)
	mux.HandleFunc("GET /metrics", s.handleMetrics)
	mux.HandleFunc("GET /metrics/{device}", s.handleDeviceMetrics)
	mux.HandleFunc("GET /flows/{device}", s.handleFlows)
	mux.HandleFunc("POST /flows/{device}/{flow}/execute", s.handleExecute)
	return s.withLogging(mux)
}

// Start serves until ctx is canceled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.port),
		Handler:      s.handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("api server listening", "port", s.port)
	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("api server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.logger.Info("api server shutting down")
	return s.server.Shutdown(shutdownCtx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, healthResponse{
		Status:    "ok",
		Timestamp: time.Now(),
		Uptime:    time.Since(s.startTime).String(),
		Devices:   s.service.Devices(),
	})
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string][]string{"devices": s.service.Devices()})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, metricsResponse{
		Timestamp: time.Now(),
		Devices:   s.service.Snapshots(),
	})
}

func (s *Server) handleDeviceMetrics(w http.ResponseWriter, r *http.Request) {
	deviceID := r.PathValue("device")
	if !s.knownDevice(deviceID) {
		s.writeError(w, http.StatusNotFound, fmt.Errorf("unknown device %q", deviceID))
		return
	}
	s.writeJSON(w, http.StatusOK, s.service.Metrics(deviceID))
}

func (s *Server) handleFlows(w http.ResponseWriter, r *http.Request) {
	deviceID := r.PathValue("device")
	if !s.knownDevice(deviceID) {
		s.writeError(w, http.StatusNotFound, fmt.Errorf("unknown device %q", deviceID))
		return
	}
	flows := s.service.Flows(deviceID)
	summaries := make([]flowSummary, 0, len(flows))
	for _, f := range flows {
		summaries = append(summaries, summarize(f))
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"device": deviceID,
		"flows":  summaries,
	})
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	deviceID := r.PathValue("device")
	flowID := r.PathValue("flow")

	err := s.service.ExecuteFlow(deviceID, flowID)
	switch {
	case err == nil:
		s.writeJSON(w, http.StatusAccepted, map[string]string{
			"status": "queued",
			"device": deviceID,
			"flow":   flowID,
		})
	case errors.Is(err, core.ErrFlowNotFound), errors.Is(err, core.ErrDeviceNotFound):
		s.writeError(w, http.StatusNotFound, err)
	default:
		s.writeError(w, http.StatusInternalServerError, err)
	}
}

func (s *Server) knownDevice(deviceID string) bool {
	for _, id := range s.service.Devices() {
		if id == deviceID {
			return true
		}
	}
	return false
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.status,
			"elapsed", time.Since(start),
		)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
