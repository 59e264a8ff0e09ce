package flow

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

var (
	// ErrClosed is returned once the table is sealed or emptied for shutdown.
	ErrClosed = errors.New("flow table closed")

	// ErrTableFull is returned when MaxFlows flows are already live.
	ErrTableFull = errors.New("flow table full")

	// ErrRateLimited is returned when the flow creation rate is exceeded.
	ErrRateLimited = errors.New("flow creation rate exceeded")
)

// DialFunc allocates the remote-facing socket for a new flow.
type DialFunc func() (*net.UDPConn, error)

// Config holds table limits.
type Config struct {
	// MaxFlows limits concurrent flows. 0 means unlimited.
	MaxFlows int

	// UnrepliedTimeout expires flows that never became assured sooner than
	// the idle timeout. 0 disables the distinction.
	UnrepliedTimeout time.Duration

	// Limiter bounds the flow creation rate. Nil means unlimited.
	Limiter *rate.Limiter

	// OnEvict is called after a flow has been removed and its socket closed.
	// It runs outside the table lock.
	OnEvict func(info Info, reason EvictReason)
}

type slot struct {
	flow *Flow
	gen  uint32
}

type eviction struct {
	info   Info
	reason EvictReason
}

// Table maps (listener, client) keys to flows and flow handles back to keys.
type Table struct {
	mu     sync.Mutex
	byKey  map[Key]*Flow
	slots  []slot
	free   []uint32
	sealed bool

	dial DialFunc
	cfg  Config
}

// NewTable creates an empty table that allocates sockets with dial.
func NewTable(dial DialFunc, cfg Config) *Table {
	return &Table{
		byKey: make(map[Key]*Flow),
		dial:  dial,
		cfg:   cfg,
	}
}

// GetOrCreate returns the flow for key, refreshing it, or creates one with a
// freshly dialed socket. created reports whether a new flow was registered;
// the caller is then responsible for reading its socket.
//
// Lookup and insertion happen under a single lock hold, so concurrent calls
// for the same key always observe the same flow. A failure affects only this
// call.
func (t *Table) GetOrCreate(key Key, now time.Time) (f *Flow, created bool, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.sealed {
		return nil, false, ErrClosed
	}

	if f := t.byKey[key]; f != nil {
		f.refresh(now)
		return f, false, nil
	}

	if t.cfg.MaxFlows > 0 && len(t.byKey) >= t.cfg.MaxFlows {
		return nil, false, ErrTableFull
	}
	if t.cfg.Limiter != nil && !t.cfg.Limiter.AllowN(now, 1) {
		return nil, false, ErrRateLimited
	}

	conn, err := t.dial()
	if err != nil {
		return nil, false, fmt.Errorf("allocate flow socket: %w", err)
	}

	idx := t.allocSlot()
	f = newFlow(makeID(idx, t.slots[idx].gen), key, conn, now)
	t.slots[idx].flow = f
	t.byKey[key] = f

	return f, true, nil
}

// Get returns the live flow for key.
func (t *Table) Get(key Key) (*Flow, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	f, ok := t.byKey[key]
	return f, ok
}

// Lookup resolves a flow handle back to its key. It fails for handles of
// evicted flows, even if their slot has since been reused.
func (t *Table) Lookup(id ID) (Key, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	f := t.flowByID(id)
	if f == nil {
		return Key{}, false
	}
	return f.key, true
}

// Len returns the number of live flows.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.byKey)
}

// Snapshot returns information about every live flow in slot order.
func (t *Table) Snapshot() []Info {
	t.mu.Lock()
	defer t.mu.Unlock()

	infos := make([]Info, 0, len(t.byKey))
	for _, s := range t.slots {
		if s.flow != nil {
			infos = append(infos, s.flow.Info())
		}
	}
	return infos
}

// Sweep removes and closes every flow whose last traffic is older than
// idleTimeout (or UnrepliedTimeout for flows that were never assured).
// A non-positive idleTimeout disables sweeping. It returns the number of
// flows removed.
func (t *Table) Sweep(now time.Time, idleTimeout time.Duration) int {
	if idleTimeout <= 0 {
		return 0
	}

	t.mu.Lock()
	var evicted []eviction
	for _, s := range t.slots {
		f := s.flow
		if f == nil {
			continue
		}

		timeout, reason := idleTimeout, ReasonIdle
		if u := t.cfg.UnrepliedTimeout; u > 0 && u < idleTimeout && !f.Assured() {
			timeout, reason = u, ReasonUnreplied
		}

		if f.idleFor(now) > timeout {
			evicted = append(evicted, t.remove(f, reason))
		}
	}
	t.mu.Unlock()

	t.notify(evicted)
	return len(evicted)
}

// Evict removes the flow with the given ID, if it is still live, and closes
// its socket.
func (t *Table) Evict(id ID, reason EvictReason) bool {
	t.mu.Lock()
	f := t.flowByID(id)
	if f == nil {
		t.mu.Unlock()
		return false
	}
	ev := t.remove(f, reason)
	t.mu.Unlock()

	t.notify([]eviction{ev})
	return true
}

// Seal stops the table from creating flows and wakes every goroutine blocked
// reading a flow socket. Live flows stay registered until EvictAll.
func (t *Table) Seal() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.sealed = true
	now := time.Now()
	for _, f := range t.byKey {
		f.conn.SetReadDeadline(now)
	}
}

// EvictAll seals the table and removes every flow in slot order, closing its
// socket. It returns the number of flows removed.
func (t *Table) EvictAll() int {
	t.mu.Lock()
	t.sealed = true
	var evicted []eviction
	for _, s := range t.slots {
		if s.flow != nil {
			evicted = append(evicted, t.remove(s.flow, ReasonShutdown))
		}
	}
	t.mu.Unlock()

	t.notify(evicted)
	return len(evicted)
}

// allocSlot returns a free slot index, growing the registry if needed.
func (t *Table) allocSlot() uint32 {
	if n := len(t.free); n > 0 {
		idx := t.free[n-1]
		t.free = t.free[:n-1]
		return idx
	}
	t.slots = append(t.slots, slot{})
	return uint32(len(t.slots) - 1)
}

func (t *Table) flowByID(id ID) *Flow {
	idx := id.slot()
	if int(idx) >= len(t.slots) {
		return nil
	}
	s := t.slots[idx]
	if s.flow == nil || s.gen != id.generation() {
		return nil
	}
	return s.flow
}

// remove unregisters f from both mappings and closes its socket.
// Called with t.mu held.
func (t *Table) remove(f *Flow, reason EvictReason) eviction {
	idx := f.id.slot()
	delete(t.byKey, f.key)
	t.slots[idx].flow = nil
	t.slots[idx].gen++
	t.free = append(t.free, idx)

	f.state.Store(int32(StateEvicted))
	info := f.Info()
	f.conn.Close()
	return eviction{info: info, reason: reason}
}

func (t *Table) notify(evicted []eviction) {
	if t.cfg.OnEvict == nil {
		return
	}
	for _, e := range evicted {
		t.cfg.OnEvict(e.info, e.reason)
	}
}
