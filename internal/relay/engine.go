// Package relay implements the session-tracking UDP relay engine.
//
// The engine binds one or more listener sockets, learns a flow for every
// client address that sends to them, and gives each flow its own connected
// socket towards the remote target. Datagrams pass through the configured
// filter on the way in both directions; since the filter is self-inverse, two
// engines with the same key form a transparent pair.
//
// Every socket is served by its own goroutine. The flow table is the only
// shared mutable state.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/postalsys/udp-obfuscat/internal/filter"
	"github.com/postalsys/udp-obfuscat/internal/flow"
	"github.com/postalsys/udp-obfuscat/internal/logging"
	"github.com/postalsys/udp-obfuscat/internal/recovery"
	"golang.org/x/time/rate"
)

var (
	// ErrNoListeners is returned when no listen address is configured.
	ErrNoListeners = errors.New("no listen addresses")

	// ErrNoRemote is returned when the remote address is missing.
	ErrNoRemote = errors.New("no remote address")

	// ErrAlreadyStarted is returned by a second call to Start.
	ErrAlreadyStarted = errors.New("relay already started")

	// ErrStopped is returned by Start after Stop.
	ErrStopped = errors.New("relay stopped")
)

// Default engine settings.
const (
	DefaultIdleTimeout      = 120 * time.Second
	DefaultUnrepliedTimeout = 30 * time.Second
	DefaultFlowBurst        = 64
	DefaultMaxDatagramSize  = 65535

	// MinSweepInterval is the floor for a sweep interval derived from a
	// very short idle timeout.
	MinSweepInterval = 10 * time.Millisecond
)

// Config holds engine configuration.
type Config struct {
	// ListenAddrs are the resolved bind addresses. A listener's identity is
	// its index in this slice.
	ListenAddrs []netip.AddrPort

	// RemoteAddr is the resolved remote target.
	RemoteAddr netip.AddrPort

	// IdleTimeout evicts flows without traffic. 0 disables sweeping.
	IdleTimeout time.Duration

	// UnrepliedTimeout evicts flows that never became assured. 0 applies
	// IdleTimeout to every flow.
	UnrepliedTimeout time.Duration

	// SweepInterval is the sweeper period. 0 means IdleTimeout/2, but at
	// least MinSweepInterval.
	SweepInterval time.Duration

	// MaxFlows limits concurrent flows. 0 means unlimited.
	MaxFlows int

	// FlowRate limits new flows per second. 0 means unlimited.
	FlowRate float64

	// FlowBurst is the burst size of the flow rate limiter.
	FlowBurst int

	// MaxDatagramSize is the largest datagram relayed. Larger ones are dropped.
	MaxDatagramSize int

	// SocketBuffer sets SO_RCVBUF and SO_SNDBUF on every socket. 0 keeps the
	// system default.
	SocketBuffer int

	// DSCP marks outgoing datagrams. 0 leaves the marking untouched.
	DSCP int

	// Logger for engine events. Nil discards logs.
	Logger *slog.Logger

	// Observer receives relay events. Nil ignores them.
	Observer Observer
}

// DefaultConfig returns a configuration with default timeouts and limits.
// Addresses must still be set.
func DefaultConfig() Config {
	return Config{
		IdleTimeout:      DefaultIdleTimeout,
		UnrepliedTimeout: DefaultUnrepliedTimeout,
		FlowBurst:        DefaultFlowBurst,
		MaxDatagramSize:  DefaultMaxDatagramSize,
	}
}

// Stats holds engine counters.
type Stats struct {
	Running           bool      `json:"running"`
	StartedAt         time.Time `json:"started_at"`
	Listeners         int       `json:"listeners"`
	ActiveFlows       int       `json:"active_flows"`
	FlowsCreated      uint64    `json:"flows_created"`
	FlowsEvicted      uint64    `json:"flows_evicted"`
	DatagramsToRemote uint64    `json:"datagrams_to_remote"`
	DatagramsToClient uint64    `json:"datagrams_to_client"`
	BytesToRemote     uint64    `json:"bytes_to_remote"`
	BytesToClient     uint64    `json:"bytes_to_client"`
	Dropped           uint64    `json:"dropped"`
}

// Engine relays datagrams between clients and the remote target.
type Engine struct {
	cfg    Config
	filter filter.Filter
	logger *slog.Logger
	obs    Observer
	table  *flow.Table

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	started   bool
	startedAt time.Time
	listeners []*net.UDPConn
	stopOnce  sync.Once
	running   atomic.Bool

	flowsCreated      atomic.Uint64
	flowsEvicted      atomic.Uint64
	datagramsToRemote atomic.Uint64
	datagramsToClient atomic.Uint64
	bytesToRemote     atomic.Uint64
	bytesToClient     atomic.Uint64
	dropped           atomic.Uint64
}

// New creates an engine that transforms remote-facing traffic with f.
func New(cfg Config, f filter.Filter) (*Engine, error) {
	if len(cfg.ListenAddrs) == 0 {
		return nil, ErrNoListeners
	}
	if !cfg.RemoteAddr.IsValid() {
		return nil, ErrNoRemote
	}
	if f == nil {
		return nil, errors.New("filter is required")
	}
	if cfg.DSCP < 0 || cfg.DSCP > 63 {
		return nil, fmt.Errorf("dscp %d out of range 0-63", cfg.DSCP)
	}
	if cfg.MaxDatagramSize <= 0 {
		cfg.MaxDatagramSize = DefaultMaxDatagramSize
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = max(cfg.IdleTimeout/2, MinSweepInterval)
	}
	if cfg.FlowBurst <= 0 {
		cfg.FlowBurst = DefaultFlowBurst
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NopLogger()
	}
	if cfg.Observer == nil {
		cfg.Observer = nopObserver{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:    cfg,
		filter: f,
		logger: cfg.Logger.With(slog.String(logging.KeyComponent, "relay")),
		obs:    cfg.Observer,
		ctx:    ctx,
		cancel: cancel,
	}

	var limiter *rate.Limiter
	if cfg.FlowRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.FlowRate), cfg.FlowBurst)
	}
	e.table = flow.NewTable(e.dialRemote, flow.Config{
		MaxFlows:         cfg.MaxFlows,
		UnrepliedTimeout: cfg.UnrepliedTimeout,
		Limiter:          limiter,
		OnEvict:          e.onEvict,
	})

	return e, nil
}

// Start binds every listener and starts relaying. If any bind fails, the
// listeners already bound are closed and the error is returned.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.ctx.Err() != nil {
		return ErrStopped
	}
	if e.started {
		return ErrAlreadyStarted
	}

	listeners := make([]*net.UDPConn, 0, len(e.cfg.ListenAddrs))
	for _, addr := range e.cfg.ListenAddrs {
		conn, err := e.bind(addr)
		if err != nil {
			for _, l := range listeners {
				l.Close()
			}
			return fmt.Errorf("bind listener %s: %w", addr, err)
		}
		listeners = append(listeners, conn)
	}

	e.listeners = listeners
	e.started = true
	e.startedAt = time.Now()
	e.running.Store(true)
	e.obs.SetListeners(len(listeners))

	for i, conn := range listeners {
		e.logger.Info("listening",
			slog.Int(logging.KeyListener, i),
			slog.String(logging.KeyLocalAddr, conn.LocalAddr().String()),
			slog.String(logging.KeyRemoteAddr, e.cfg.RemoteAddr.String()))

		e.wg.Add(1)
		go e.serveListener(i, conn)
	}

	if e.cfg.IdleTimeout > 0 {
		e.wg.Add(1)
		go e.sweepLoop()
	}

	return nil
}

// Stop shuts the engine down. Reads stop first, in-flight datagrams are
// drained until ctx expires, then every flow and listener socket is closed.
// Stop is idempotent; only the first call does any work.
func (e *Engine) Stop(ctx context.Context) error {
	var err error
	e.stopOnce.Do(func() {
		e.cancel()

		e.mu.Lock()
		started := e.started
		e.mu.Unlock()
		if !started {
			return
		}

		e.running.Store(false)

		now := time.Now()
		for _, l := range e.listeners {
			l.SetReadDeadline(now)
		}
		e.table.Seal()

		done := make(chan struct{})
		go func() {
			e.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-ctx.Done():
			err = ctx.Err()
			e.logger.Warn("drain timed out, closing sockets", slog.String(logging.KeyError, err.Error()))
		}

		n := e.table.EvictAll()
		for _, l := range e.listeners {
			l.Close()
		}
		<-done

		e.obs.SetListeners(0)
		e.logger.Info("relay stopped", slog.Int(logging.KeyCount, n))
	})
	return err
}

// IsRunning reports whether the engine is relaying.
func (e *Engine) IsRunning() bool {
	return e.running.Load()
}

// Stats returns a snapshot of engine counters.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	listeners := len(e.listeners)
	startedAt := e.startedAt
	e.mu.Unlock()

	return Stats{
		Running:           e.IsRunning(),
		StartedAt:         startedAt,
		Listeners:         listeners,
		ActiveFlows:       e.table.Len(),
		FlowsCreated:      e.flowsCreated.Load(),
		FlowsEvicted:      e.flowsEvicted.Load(),
		DatagramsToRemote: e.datagramsToRemote.Load(),
		DatagramsToClient: e.datagramsToClient.Load(),
		BytesToRemote:     e.bytesToRemote.Load(),
		BytesToClient:     e.bytesToClient.Load(),
		Dropped:           e.dropped.Load(),
	}
}

// Flows returns a snapshot of every live flow.
func (e *Engine) Flows() []flow.Info {
	return e.table.Snapshot()
}

// ListenAddrs returns the bound listener addresses, with ephemeral ports
// filled in. It is empty before Start.
func (e *Engine) ListenAddrs() []netip.AddrPort {
	e.mu.Lock()
	defer e.mu.Unlock()

	addrs := make([]netip.AddrPort, 0, len(e.listeners))
	for _, l := range e.listeners {
		addrs = append(addrs, l.LocalAddr().(*net.UDPAddr).AddrPort())
	}
	return addrs
}

// RemoteAddr returns the remote target.
func (e *Engine) RemoteAddr() netip.AddrPort {
	return e.cfg.RemoteAddr
}

func (e *Engine) bind(addr netip.AddrPort) (*net.UDPConn, error) {
	conn, err := net.ListenUDP(networkFor(addr.Addr()), net.UDPAddrFromAddrPort(addr))
	if err != nil {
		return nil, err
	}
	if err := applySocketOptions(conn, addr.Addr().Unmap().Is4(), e.cfg.SocketBuffer, e.cfg.DSCP); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

// dialRemote allocates a connected socket on an ephemeral port for a new flow.
func (e *Engine) dialRemote() (*net.UDPConn, error) {
	remote := e.cfg.RemoteAddr
	conn, err := net.DialUDP(networkFor(remote.Addr()), nil, net.UDPAddrFromAddrPort(remote))
	if err != nil {
		return nil, err
	}
	if err := applySocketOptions(conn, remote.Addr().Unmap().Is4(), e.cfg.SocketBuffer, e.cfg.DSCP); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

// serveListener reads client datagrams from one listener.
func (e *Engine) serveListener(idx int, conn *net.UDPConn) {
	defer e.wg.Done()
	defer recovery.RecoverWithLog(e.logger, "relay.Engine.serveListener")

	// One spare byte detects datagrams above the limit.
	buf := make([]byte, e.cfg.MaxDatagramSize+1)
	for {
		n, client, err := conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if e.readDone(err) {
				return
			}
			e.logger.Debug("listener read failed",
				slog.Int(logging.KeyListener, idx),
				slog.String(logging.KeyError, err.Error()))
			continue
		}

		client = netip.AddrPortFrom(client.Addr().Unmap(), client.Port())
		e.toRemote(idx, client, buf[:n])
	}
}

func (e *Engine) toRemote(idx int, client netip.AddrPort, b []byte) {
	if len(b) > e.cfg.MaxDatagramSize {
		e.drop(DirectionToRemote, DropOversize)
		return
	}

	now := time.Now()
	f, created, err := e.table.GetOrCreate(flow.Key{Listener: idx, Client: client}, now)
	if err != nil {
		reason := admissionReason(err)
		e.drop(DirectionToRemote, reason)
		e.logger.Debug("flow rejected",
			slog.Int(logging.KeyListener, idx),
			slog.String(logging.KeyClient, client.String()),
			slog.String(logging.KeyReason, reason),
			slog.String(logging.KeyError, err.Error()))
		return
	}

	if created {
		e.flowsCreated.Add(1)
		e.obs.FlowCreated(idx)
		e.logger.Debug("flow created", append(logging.FlowAttrs(f.ID().String(), idx, client.String()),
			slog.String(logging.KeyLocalAddr, f.Conn().LocalAddr().String()))...)

		e.wg.Add(1)
		go e.serveFlow(f)
	}

	e.filter.Apply(b)
	if _, err := f.Conn().Write(b); err != nil {
		e.drop(DirectionToRemote, DropWriteFailed)
		e.logger.Debug("remote write failed",
			slog.String(logging.KeyFlowID, f.ID().String()),
			slog.String(logging.KeyError, err.Error()))
		return
	}

	f.RecordIn(len(b), now)
	e.datagramsToRemote.Add(1)
	e.bytesToRemote.Add(uint64(len(b)))
	e.obs.Datagram(DirectionToRemote, len(b))
}

// serveFlow reads replies from one flow's remote socket until the flow is
// evicted.
func (e *Engine) serveFlow(f *flow.Flow) {
	defer e.wg.Done()
	id := f.ID()
	defer recovery.RecoverWithCallback(e.logger, "relay.Engine.serveFlow", func(any) {
		e.table.Evict(id, flow.ReasonFailed)
	})

	conn := f.Conn()
	buf := make([]byte, e.cfg.MaxDatagramSize+1)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			if f.IsEvicted() || e.readDone(err) {
				return
			}
			// Typically ECONNREFUSED from an ICMP unreachable. The flow
			// stays until the sweeper reclaims it.
			e.logger.Debug("remote read failed",
				slog.String(logging.KeyFlowID, id.String()),
				slog.String(logging.KeyError, err.Error()))
			continue
		}

		key, ok := e.table.Lookup(id)
		if !ok {
			e.drop(DirectionToClient, DropEvicted)
			return
		}
		if n > e.cfg.MaxDatagramSize {
			e.drop(DirectionToClient, DropOversize)
			continue
		}

		b := buf[:n]
		e.filter.Apply(b)
		if _, err := e.listeners[key.Listener].WriteToUDPAddrPort(b, key.Client); err != nil {
			e.drop(DirectionToClient, DropWriteFailed)
			e.logger.Debug("client write failed",
				slog.String(logging.KeyFlowID, id.String()),
				slog.String(logging.KeyClient, key.Client.String()),
				slog.String(logging.KeyError, err.Error()))
			continue
		}

		f.RecordOut(n, time.Now())
		e.obs.Datagram(DirectionToClient, n)
		e.bytesToClient.Add(uint64(n))
		e.datagramsToClient.Add(1)
	}
}

func (e *Engine) sweepLoop() {
	defer e.wg.Done()
	defer recovery.RecoverWithLog(e.logger, "relay.Engine.sweepLoop")

	ticker := time.NewTicker(e.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case now := <-ticker.C:
			start := time.Now()
			n := e.table.Sweep(now, e.cfg.IdleTimeout)
			took := time.Since(start)
			e.obs.Swept(n, took)
			if n > 0 {
				e.logger.Debug("swept idle flows",
					slog.Int(logging.KeyCount, n),
					slog.Duration(logging.KeyDuration, took))
			}
		}
	}
}

func (e *Engine) onEvict(info flow.Info, reason flow.EvictReason) {
	lifetime := time.Since(info.CreatedAt)
	e.flowsEvicted.Add(1)
	e.obs.FlowEvicted(reason.String(), lifetime)
	e.logger.Debug("flow evicted", append(logging.FlowAttrs(info.ID.String(), info.Listener, info.Client),
		slog.String(logging.KeyReason, reason.String()),
		slog.Duration(logging.KeyDuration, lifetime),
		slog.String(logging.KeyBytes, humanize.Bytes(info.BytesIn+info.BytesOut)))...)
}

// readDone reports whether a read error means the goroutine should exit.
func (e *Engine) readDone(err error) bool {
	if errors.Is(err, net.ErrClosed) {
		return true
	}
	return e.ctx.Err() != nil && errors.Is(err, os.ErrDeadlineExceeded)
}

func (e *Engine) drop(direction, reason string) {
	e.dropped.Add(1)
	e.obs.Dropped(direction, reason)
}

func admissionReason(err error) string {
	switch {
	case errors.Is(err, flow.ErrTableFull):
		return DropTableFull
	case errors.Is(err, flow.ErrRateLimited):
		return DropRateLimited
	case errors.Is(err, flow.ErrClosed):
		return DropClosed
	default:
		return DropAllocFailed
	}
}
