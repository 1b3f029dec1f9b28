package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/pprof"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/skobkin/gpumon/internal/collector"
	"github.com/skobkin/gpumon/internal/config"
	"github.com/skobkin/gpumon/internal/gpu"
	"github.com/skobkin/gpumon/internal/record"
	"github.com/skobkin/gpumon/internal/store"
	"github.com/skobkin/gpumon/internal/version"
)

const (
	readHeaderTimeout   = 5 * time.Second
	defaultHistoryLimit = 100
	maxHistoryLimit     = 10000
)

// Collector is the read side of the collection loop.
type Collector interface {
	Latest() (record.Tick, bool)
	Ready() bool
	Stats() collector.Stats
	Interval() time.Duration
	Subscribe() (<-chan record.Tick, func())
}

// History serves recently persisted samples.
type History interface {
	Tail(ctx context.Context, stream store.Stream, n int) ([]store.Entry, error)
}

// Server wraps the HTTP surface area of the application.
type Server struct {
	cfg        config.Config
	logger     *slog.Logger
	httpServer *http.Server
	devices    []gpu.PCIDevice
	collector  Collector
	history    History

	maxWSClients int64
	wsActive     atomic.Int64
	wsTotal      atomic.Uint64
	wsRejected   atomic.Uint64
	wsSent       atomic.Uint64
	wsDropped    atomic.Uint64
	wsConnIDs    atomic.Uint64
	requestIDs   atomic.Uint64
}

// New assembles a Server with its handlers. collector and history may be nil.
func New(cfg config.Config, logger *slog.Logger, devices []gpu.PCIDevice, coll Collector, history History) *Server {
	s := &Server{
		cfg:       cfg,
		logger:    logger,
		devices:   devices,
		collector: coll,
		history:   history,
	}

	if cfg.WS.MaxClients > 0 {
		s.maxWSClients = int64(cfg.WS.MaxClients)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/readyz", s.handleReadyz)
	mux.HandleFunc("/version", s.handleVersion)
	mux.HandleFunc("/api/healthz", s.handleHealthz)
	mux.HandleFunc("/api/readyz", s.handleReadyz)
	mux.HandleFunc("/api/version", s.handleVersion)
	mux.HandleFunc("/api/gpus", s.handleGPUs)
	mux.HandleFunc("/api/latest", s.handleLatest)
	mux.HandleFunc("/api/stats", s.handleStats)
	mux.HandleFunc("/api/history", s.handleHistory)
	mux.HandleFunc("/ws", s.handleWS)

	if cfg.EnablePrometheus {
		s.registerPrometheus(mux)
	}
	if cfg.EnablePprof {
		registerPprof(mux)
	}

	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           s.withRequestLogging(mux),
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
	if !allowGet(w, r) {
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}

	info := s.readiness()
	statusCode := http.StatusOK
	if info.Status != "ok" {
		statusCode = http.StatusServiceUnavailable
	}
	s.writeJSON(w, r, statusCode, info)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	s.writeJSON(w, r, http.StatusOK, version.Current())
}

func (s *Server) handleGPUs(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	devices := s.devices
	if devices == nil {
		devices = []gpu.PCIDevice{}
	}
	s.writeJSON(w, r, http.StatusOK, devices)
}

func (s *Server) handleLatest(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	if s.collector == nil {
		http.Error(w, "collector unavailable", http.StatusServiceUnavailable)
		return
	}
	tick, ok := s.collector.Latest()
	if !ok {
		http.Error(w, "no tick collected yet", http.StatusServiceUnavailable)
		return
	}
	s.writeJSON(w, r, http.StatusOK, tick)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	if s.collector == nil {
		http.Error(w, "collector unavailable", http.StatusServiceUnavailable)
		return
	}
	s.writeJSON(w, r, http.StatusOK, s.collector.Stats())
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	if s.history == nil {
		http.Error(w, "history unavailable", http.StatusServiceUnavailable)
		return
	}

	query := r.URL.Query()
	stream := store.StreamGPU
	if value := query.Get("stream"); value != "" {
		parsed, err := store.ParseStream(value)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		stream = parsed
	}

	limit := defaultHistoryLimit
	if value := query.Get("limit"); value != "" {
		n, err := strconv.Atoi(value)
		if err != nil || n <= 0 || n > maxHistoryLimit {
			http.Error(w, "limit must be between 1 and "+strconv.Itoa(maxHistoryLimit), http.StatusBadRequest)
			return
		}
		limit = n
	}

	entries, err := s.history.Tail(r.Context(), stream, limit)
	if err != nil {
		s.loggerFromContext(r.Context()).Error("failed to read history", "stream", stream, "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []store.Entry{}
	}
	s.writeJSON(w, r, http.StatusOK, entries)
}

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.loggerFromContext(r.Context()).Error("failed to encode response", "err", err)
	}
}

func allowGet(w http.ResponseWriter, r *http.Request) bool {
	if r.Method == http.MethodGet {
		return true
	}
	w.Header().Set("Allow", http.MethodGet)
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
	}

	if s.collector != nil {
		collectors = append(collectors, newCollectorStatsCollector(s.collector), newTickMetricsCollector(s.collector))
	}

	for _, c := range collectors {
		registry.MustRegister(c)
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
	resp := readyResponse{GPUs: len(s.devices)}

	if s.collector == nil {
		resp.Status = "degraded"
		resp.Reason = "collector_not_configured"
		return resp
	}

	stats := s.collector.Stats()
	resp.Ticks = stats.Ticks
	resp.Failed = stats.Failed()

	switch {
	case !s.collector.Ready() && stats.Failed() == 0:
		resp.Status = "initializing"
		resp.Reason = "waiting_for_first_tick"
	case stats.LastError != "":
		resp.Status = "degraded"
		resp.Reason = "last_tick_failed"
	default:
		resp.Status = "ok"
	}
	return resp
}

type readyResponse struct {
	Status string `json:"status"`
	GPUs   int    `json:"gpus"`
	Ticks  uint64 `json:"ticks"`
	Failed uint64 `json:"failed_ticks"`
	Reason string `json:"reason,omitempty"`
}
