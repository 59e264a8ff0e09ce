// Package health serves the relay's HTTP status surface: liveness and
// readiness probes, JSON counters, the live flow table, Prometheus metrics,
// and optionally pprof.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/pprof"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/postalsys/udp-obfuscat/internal/flow"
	"github.com/postalsys/udp-obfuscat/internal/relay"
)

// StatsProvider is the view of the relay the server reports on.
// *relay.Engine implements it.
type StatsProvider interface {
	IsRunning() bool
	Stats() relay.Stats
	Flows() []flow.Info
}

// ServerConfig contains health server configuration.
type ServerConfig struct {
	// Address to listen on (e.g., "127.0.0.1:9090")
	Address string

	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Gatherer serves /metrics. Nil uses the default registry.
	Gatherer prometheus.Gatherer

	// Pprof mounts net/http/pprof under /debug/pprof/.
	Pprof bool
}

// DefaultServerConfig returns the configuration used when the health
// section only sets enabled.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Address:      "127.0.0.1:9090",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// Status is the /healthz response body.
type Status struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds,omitempty"`
	relay.Stats
}

// FlowList is the /flows response body.
type FlowList struct {
	Count int         `json:"count"`
	Flows []flow.Info `json:"flows"`
}

// Server is the HTTP status server.
type Server struct {
	cfg      ServerConfig
	provider StatsProvider
	server   *http.Server
	listener net.Listener
	running  atomic.Bool
}

// NewServer creates a server reporting on provider. A nil provider makes
// every relay endpoint answer 503.
func NewServer(cfg ServerConfig, provider StatsProvider) *Server {
	s := &Server{cfg: cfg, provider: provider}

	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /ready", s.handleReady)
	mux.HandleFunc("GET /flows", s.handleFlows)
	mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	if cfg.Pprof {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}

	s.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// Start binds the listen address and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return err
	}
	s.listener = ln
	s.running.Store(true)

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.running.Store(false)
		}
	}()
	return nil
}

// Stop shuts the server down, waiting for in-flight requests until ctx
// expires. Stopping a server that is not running is a no-op.
func (s *Server) Stop(ctx context.Context) error {
	if !s.running.Swap(false) {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Address returns the bound address, or nil before Start.
func (s *Server) Address() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// IsRunning returns true if the server is running.
func (s *Server) IsRunning() bool {
	return s.running.Load()
}

// Handler returns the routing handler.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

func (s *Server) relayRunning() bool {
	return s.provider != nil && s.provider.IsRunning()
}

func writeText(w http.ResponseWriter, code int, body string) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(code)
	w.Write([]byte(body))
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// handleHealth answers 200 as long as the process serves HTTP.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeText(w, http.StatusOK, "OK\n")
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if !s.relayRunning() {
		writeJSON(w, http.StatusServiceUnavailable, Status{Status: "unavailable"})
		return
	}

	stats := s.provider.Stats()
	writeJSON(w, http.StatusOK, Status{
		Status:        "healthy",
		UptimeSeconds: int64(time.Since(stats.StartedAt).Seconds()),
		Stats:         stats,
	})
}

// handleReady answers 200 once every listener is bound.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if !s.relayRunning() {
		writeText(w, http.StatusServiceUnavailable, "NOT READY\n")
		return
	}
	writeText(w, http.StatusOK, "READY\n")
}

func (s *Server) handleFlows(w http.ResponseWriter, r *http.Request) {
	if s.provider == nil {
		http.Error(w, "relay not configured", http.StatusServiceUnavailable)
		return
	}

	flows := s.provider.Flows()
	if flows == nil {
		flows = []flow.Info{}
	}
	writeJSON(w, http.StatusOK, FlowList{Count: len(flows), Flows: flows})
}
