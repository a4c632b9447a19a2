package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/pprof"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/skobkin/ethercomm/internal/api"
	"github.com/skobkin/ethercomm/internal/communicator"
	"github.com/skobkin/ethercomm/internal/config"
	"github.com/skobkin/ethercomm/internal/pdo"
	"github.com/skobkin/ethercomm/internal/publish"
	"github.com/skobkin/ethercomm/internal/version"
)

const (
	readHeaderTimeout = 5 * time.Second
	wsSendQueueSize   = 16
	maxStageBodyBytes = 64 << 10
)

// Controller is the part of the communicator exposed over HTTP.
type Controller interface {
	Status() communicator.Status
	Devices() []pdo.Entry
	StageOutputs(position uint16, data []byte) error
}

// Server wraps the HTTP surface area of the application.
type Server struct {
	cfg        config.Config
	logger     *slog.Logger
	httpServer *http.Server
	comm       Controller
	hub        *publish.Hub

	maxWSClients int64
	wsActive     atomic.Int64
	wsTotal      atomic.Uint64
	wsRejected   atomic.Uint64
	wsSent       atomic.Uint64
	wsDropped    atomic.Uint64
	wsSkipped    atomic.Uint64
	wsConnIDs    atomic.Uint64
	requestIDs   atomic.Uint64
	staged       atomic.Uint64
}

// New assembles a Server with its handlers.
func New(cfg config.Config, logger *slog.Logger, comm Controller, hub *publish.Hub) *Server {
	s := &Server{
		cfg:    cfg,
		logger: logger,
		comm:   comm,
		hub:    hub,
	}

	if cfg.WS.MaxClients > 0 {
		s.maxWSClients = int64(cfg.WS.MaxClients)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/api/healthz", s.handleHealthz)
	mux.HandleFunc("/readyz", s.handleReadyz)
	mux.HandleFunc("/api/readyz", s.handleReadyz)
	mux.HandleFunc("/version", s.handleVersion)
	mux.HandleFunc("/api/version", s.handleVersion)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/devices", s.handleDevices)
	mux.HandleFunc("/api/devices/", s.handleDeviceSubresource)
	mux.HandleFunc("/api/pdo/latest", s.handleLatestPDO)
	mux.HandleFunc("/ws", s.handleWS)

	if cfg.EnablePrometheus {
		s.registerPrometheus(mux)
	}
	if cfg.EnablePprof {
		registerPprof(mux)
	}

	handler := s.withRequestLogging(mux)

	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	return s
}

// Start begins serving HTTP until shutdown is requested.
func (s *Server) Start() error {
	s.logger.Info("listening", "addr", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	s.logger.Info("listener stopped")
	return nil
}

// Shutdown attempts a graceful shutdown within the supplied context.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}

	info := s.readiness()
	statusCode := http.StatusOK
	if info.Status != "ok" {
		statusCode = http.StatusServiceUnavailable
	}
	s.writeJSON(w, r, statusCode, info, "readyz response")
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	s.writeJSON(w, r, http.StatusOK, version.Current(), "version response")
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}

	resp := statusResponse{Status: s.comm.Status()}
	if s.hub != nil {
		hubStats := s.hub.Stats()
		resp.Publish = &hubStats
	}
	s.writeJSON(w, r, http.StatusOK, resp, "status response")
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}

	devices := s.comm.Devices()
	if devices == nil {
		devices = []pdo.Entry{}
	}
	s.writeJSON(w, r, http.StatusOK, devices, "device list")
}

func (s *Server) handleDeviceSubresource(w http.ResponseWriter, r *http.Request) {
	const prefix = "/api/devices/"
	if !strings.HasPrefix(r.URL.Path, prefix) {
		http.NotFound(w, r)
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, prefix)
	segments := strings.Split(rest, "/")
	if len(segments) != 2 || segments[0] == "" {
		http.NotFound(w, r)
		return
	}

	position, err := strconv.ParseUint(segments[0], 10, 16)
	if err != nil {
		http.NotFound(w, r)
		return
	}

	switch segments[1] {
	case "outputs":
		s.serveStageOutputs(w, r, uint16(position))
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) serveStageOutputs(w http.ResponseWriter, r *http.Request, position uint16) {
	if !allowMethod(w, r, http.MethodPut) {
		return
	}

	logger := s.loggerFromContext(r.Context())

	var req api.StageOutputsRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxStageBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	if err := s.comm.StageOutputs(position, req.Data); err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, pdo.ErrUnknownDevice):
			status = http.StatusNotFound
		case errors.Is(err, pdo.ErrSegmentBounds):
			status = http.StatusBadRequest
		case errors.Is(err, communicator.ErrNotRunning):
			status = http.StatusConflict
		}
		logger.Warn("stage outputs rejected", "position", position, "bytes", len(req.Data), "err", err)
		http.Error(w, err.Error(), status)
		return
	}

	s.staged.Add(1)
	logger.Debug("outputs staged", "position", position, "bytes", len(req.Data))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleLatestPDO(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	if s.hub == nil {
		http.Error(w, "publisher unavailable", http.StatusServiceUnavailable)
		return
	}

	msg, ok := s.hub.Latest()
	if !ok {
		http.Error(w, "no process data available", http.StatusServiceUnavailable)
		return
	}
	s.writeJSON(w, r, http.StatusOK, msg, "latest process data")
}

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, status int, payload any, what string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.loggerFromContext(r.Context()).Error("failed to encode "+what, "err", err)
	}
}

func allowMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method == method {
		return true
	}
	w.Header().Set("Allow", method)
	http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	return false
}

func (s *Server) registerPrometheus(mux *http.ServeMux) {
	registry := prometheus.NewRegistry()
	collectors := []prometheus.Collector{
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "ws",
			Name:      "active_connections",
			Help:      "Current number of active WebSocket clients.",
		}, func() float64 {
			return float64(s.wsActive.Load())
		}),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "ws",
			Name:      "connections_total",
			Help:      "Total WebSocket connections accepted since start.",
		}, func() float64 {
			return float64(s.wsTotal.Load())
		}),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "ws",
			Name:      "rejected_total",
			Help:      "Total WebSocket connection attempts rejected due to capacity.",
		}, func() float64 {
			return float64(s.wsRejected.Load())
		}),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "ws",
			Name:      "messages_sent_total",
			Help:      "Total WebSocket messages sent to clients.",
		}, func() float64 {
			return float64(s.wsSent.Load())
		}),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "ws",
			Name:      "messages_dropped_total",
			Help:      "Total WebSocket messages dropped due to backpressure.",
		}, func() float64 {
			return float64(s.wsDropped.Load())
		}),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "ws",
			Name:      "messages_decimated_total",
			Help:      "Total process data messages skipped by per-client decimation or rate limiting.",
		}, func() float64 {
			return float64(s.wsSkipped.Load())
		}),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "api",
			Name:      "outputs_staged_total",
			Help:      "Total output staging requests accepted.",
		}, func() float64 {
			return float64(s.staged.Load())
		}),
	}

	if c := newCommunicatorCollector(s.comm, s.hub); c != nil {
		collectors = append(collectors, c)
	}

	for _, collector := range collectors {
		registry.MustRegister(collector)
	}

	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
}

func registerPprof(mux *http.ServeMux) {
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
}

func (s *Server) readiness() readyResponse {
	st := s.comm.Status()
	resp := readyResponse{
		State:   st.State,
		Devices: len(s.comm.Devices()),
	}

	switch st.State {
	case communicator.StateRunning.String():
		if st.Domain != nil && st.Domain.State == "lost" {
			resp.Status = "degraded"
			resp.Reason = "domain_lost"
			return resp
		}
		if st.Master != nil && !st.Master.LinkUp {
			resp.Status = "degraded"
			resp.Reason = "link_down"
			return resp
		}
		resp.Status = "ok"
	case communicator.StateStopRequested.String(), communicator.StateStopped.String():
		resp.Status = "stopped"
		resp.Reason = "communicator_stopped"
	default:
		resp.Status = "initializing"
		resp.Reason = "communicator_not_running"
	}
	return resp
}

type readyResponse struct {
	Status  string `json:"status"`
	State   string `json:"state"`
	Devices int    `json:"devices"`
	Reason  string `json:"reason,omitempty"`
}

type statusResponse struct {
	communicator.Status
	Publish *publish.HubStats `json:"publish,omitempty"`
}
