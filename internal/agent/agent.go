// Package agent wires configuration, the relay engine, metrics, and the
// health server into one running relay instance.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/postalsys/udp-obfuscat/internal/config"
	"github.com/postalsys/udp-obfuscat/internal/filter"
	"github.com/postalsys/udp-obfuscat/internal/health"
	"github.com/postalsys/udp-obfuscat/internal/logging"
	"github.com/postalsys/udp-obfuscat/internal/metrics"
	"github.com/postalsys/udp-obfuscat/internal/privdrop"
	"github.com/postalsys/udp-obfuscat/internal/relay"
	"github.com/postalsys/udp-obfuscat/internal/resolve"
)

// Addresses is the resolved address set of a configuration.
type Addresses struct {
	Listen []netip.AddrPort
	Remote netip.AddrPort
}

// Resolve resolves the listen and remote addresses of cfg. Any failure is
// fatal for startup.
func Resolve(ctx context.Context, cfg *config.Config) (Addresses, error) {
	lr, err := resolve.New(cfg.ListenerResolveOptions())
	if err != nil {
		return Addresses{}, fmt.Errorf("listener resolver: %w", err)
	}
	listen, err := lr.Resolve(ctx, cfg.Listener.Addresses)
	if err != nil {
		return Addresses{}, fmt.Errorf("resolve listen addresses: %w", err)
	}

	rr, err := resolve.New(cfg.RemoteResolveOptions())
	if err != nil {
		return Addresses{}, fmt.Errorf("remote resolver: %w", err)
	}
	remote, err := rr.ResolveOne(ctx, cfg.Remote.Address)
	if err != nil {
		return Addresses{}, fmt.Errorf("resolve remote address: %w", err)
	}

	return Addresses{Listen: listen, Remote: remote}, nil
}

// Agent is one relay instance.
type Agent struct {
	cfg      *config.Config
	logger   *slog.Logger
	addrs    Addresses
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	engine   *relay.Engine

	healthServer *health.Server

	running  atomic.Bool
	stopOnce sync.Once
}

// New resolves addresses and builds every component. Nothing is bound until
// Start. A nil logger is built from the logging section of cfg.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Agent, error) {
	if logger == nil {
		logger = logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	}

	filterOpts, err := cfg.FilterOptions()
	if err != nil {
		return nil, err
	}
	f, err := filter.New(filterOpts)
	if err != nil {
		return nil, fmt.Errorf("build filter: %w", err)
	}

	addrs, err := Resolve(ctx, cfg)
	if err != nil {
		return nil, err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.NewMetricsWithRegistry(registry)

	engine, err := relay.New(relay.Config{
		ListenAddrs:      addrs.Listen,
		RemoteAddr:       addrs.Remote,
		IdleTimeout:      cfg.Relay.IdleTimeout,
		UnrepliedTimeout: cfg.Relay.UnrepliedTimeout,
		SweepInterval:    cfg.Relay.SweepInterval,
		MaxFlows:         cfg.Relay.MaxFlows,
		FlowRate:         cfg.Relay.FlowRate,
		FlowBurst:        cfg.Relay.FlowBurst,
		MaxDatagramSize:  cfg.Relay.MaxDatagramSize,
		SocketBuffer:     cfg.Relay.SocketBuffer,
		DSCP:             cfg.Relay.DSCP,
		Logger:           logger,
		Observer:         m,
	}, f)
	if err != nil {
		return nil, fmt.Errorf("create relay: %w", err)
	}

	a := &Agent{
		cfg:      cfg,
		logger:   logger.With(slog.String(logging.KeyComponent, "agent")),
		addrs:    addrs,
		registry: registry,
		metrics:  m,
		engine:   engine,
	}

	if cfg.Health.Enabled {
		a.healthServer = health.NewServer(health.ServerConfig{
			Address:      cfg.Health.Address,
			ReadTimeout:  cfg.Health.ReadTimeout,
			WriteTimeout: cfg.Health.WriteTimeout,
			Gatherer:     registry,
			Pprof:        cfg.Health.Pprof,
		}, engine)
	}

	return a, nil
}

// Start binds every socket and then drops privileges if a user is
// configured. On failure everything already started is stopped again.
func (a *Agent) Start() error {
	if a.running.Load() {
		return fmt.Errorf("agent already running")
	}

	a.logger.Info("starting relay",
		slog.Int("listeners", len(a.addrs.Listen)),
		slog.String(logging.KeyRemoteAddr, a.addrs.Remote.String()))

	if err := a.engine.Start(); err != nil {
		return err
	}

	if a.healthServer != nil {
		if err := a.healthServer.Start(); err != nil {
			a.engine.Stop(context.Background())
			return fmt.Errorf("start health server on %s: %w", a.cfg.Health.Address, err)
		}
		a.logger.Info("health server listening",
			slog.String(logging.KeyLocalAddr, a.healthServer.Address().String()))
	}

	if user := a.cfg.General.User; user != "" {
		if _, err := privdrop.Drop(a.logger, user); err != nil {
			a.stopComponents(context.Background())
			return fmt.Errorf("drop privileges to %s: %w", user, err)
		}
	}

	a.running.Store(true)
	return nil
}

// Stop shuts down the health server and the relay. ctx bounds the time
// spent draining in-flight datagrams.
func (a *Agent) Stop(ctx context.Context) error {
	var err error
	a.stopOnce.Do(func() {
		a.logger.Info("stopping relay")
		a.running.Store(false)
		err = a.stopComponents(ctx)
		a.logger.Info("relay stopped")
	})
	return err
}

func (a *Agent) stopComponents(ctx context.Context) error {
	if a.healthServer != nil {
		if err := a.healthServer.Stop(ctx); err != nil {
			a.logger.Warn("health server shutdown failed", slog.String(logging.KeyError, err.Error()))
		}
	}
	return a.engine.Stop(ctx)
}

// IsRunning returns true if the agent is running.
func (a *Agent) IsRunning() bool {
	return a.running.Load()
}

// Stats returns relay counters.
func (a *Agent) Stats() relay.Stats {
	return a.engine.Stats()
}

// Engine returns the relay engine.
func (a *Agent) Engine() *relay.Engine {
	return a.engine
}

// Addresses returns the resolved configuration addresses.
func (a *Agent) Addresses() Addresses {
	return a.addrs
}

// Registry returns the Prometheus registry holding the agent's metrics.
func (a *Agent) Registry() *prometheus.Registry {
	return a.registry
}

// HealthAddress returns the bound health server address, or nil when the
// server is disabled or not started.
func (a *Agent) HealthAddress() net.Addr {
	if a.healthServer == nil {
		return nil
	}
	return a.healthServer.Address()
}
