package flow

import (
	"fmt"
	"net"
	"net/netip"
	"sync/atomic"
	"time"
)

// Key identifies a flow: the listener a client talks to and the client's
// source address.
type Key struct {
	Listener int
	Client   netip.AddrPort
}

// String returns "listener/client".
func (k Key) String() string {
	return fmt.Sprintf("%d/%s", k.Listener, k.Client)
}

// ID is a stable handle to a flow slot.
type ID uint64

func makeID(slot, gen uint32) ID {
	return ID(uint64(gen)<<32 | uint64(slot))
}

func (id ID) slot() uint32 {
	return uint32(id)
}

func (id ID) generation() uint32 {
	return uint32(id >> 32)
}

// String returns "slot.generation".
func (id ID) String() string {
	return fmt.Sprintf("%d.%d", id.slot(), id.generation())
}

// State represents the lifecycle state of a flow.
type State int32

const (
	// StateCreated means only the first client datagram has been seen.
	StateCreated State = iota
	// StateActive means the flow has been refreshed by later traffic.
	StateActive
	// StateEvicted means the flow was removed and its socket closed.
	StateEvicted
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case StateCreated:
		return "CREATED"
	case StateActive:
		return "ACTIVE"
	case StateEvicted:
		return "EVICTED"
	default:
		return "UNKNOWN"
	}
}

// EvictReason records why a flow was removed.
type EvictReason int

const (
	// ReasonIdle means the flow saw no traffic for the idle timeout.
	ReasonIdle EvictReason = iota
	// ReasonUnreplied means the flow was never assured and hit the shorter
	// unreplied timeout.
	ReasonUnreplied
	// ReasonShutdown means the table was emptied by EvictAll.
	ReasonShutdown
	// ReasonFailed means the flow's reply path broke and it was evicted
	// explicitly.
	ReasonFailed
)

// String returns the metric label for the reason.
func (r EvictReason) String() string {
	switch r {
	case ReasonIdle:
		return "idle"
	case ReasonUnreplied:
		return "unreplied"
	case ReasonShutdown:
		return "shutdown"
	case ReasonFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Flow is one client's session with the remote target. Flows are owned by a
// Table; callers only read from them and record traffic.
type Flow struct {
	id      ID
	key     Key
	conn    *net.UDPConn
	created time.Time

	state      atomic.Int32
	lastSeen   atomic.Int64 // unix nanoseconds
	packetsIn  atomic.Uint64
	packetsOut atomic.Uint64
	bytesIn    atomic.Uint64
	bytesOut   atomic.Uint64
}

func newFlow(id ID, key Key, conn *net.UDPConn, now time.Time) *Flow {
	f := &Flow{
		id:      id,
		key:     key,
		conn:    conn,
		created: now,
	}
	f.state.Store(int32(StateCreated))
	f.lastSeen.Store(now.UnixNano())
	return f
}

// ID returns the flow's slot handle.
func (f *Flow) ID() ID { return f.id }

// Key returns the flow's (listener, client) key.
func (f *Flow) Key() Key { return f.key }

// Conn returns the remote-facing socket. It is closed once the flow is
// evicted.
func (f *Flow) Conn() *net.UDPConn { return f.conn }

// CreatedAt returns when the flow was created.
func (f *Flow) CreatedAt() time.Time { return f.created }

// LastSeen returns the time of the most recent traffic.
func (f *Flow) LastSeen() time.Time {
	return time.Unix(0, f.lastSeen.Load())
}

// State returns the current lifecycle state.
func (f *Flow) State() State {
	return State(f.state.Load())
}

// IsEvicted reports whether the flow has been removed from its table.
func (f *Flow) IsEvicted() bool {
	return f.State() == StateEvicted
}

// RecordIn accounts a client-to-remote datagram of n bytes. The state
// transition for client traffic happens in Table.GetOrCreate.
func (f *Flow) RecordIn(n int, now time.Time) {
	f.packetsIn.Add(1)
	f.bytesIn.Add(uint64(n))
	f.lastSeen.Store(now.UnixNano())
}

// RecordOut accounts a remote-to-client datagram of n bytes.
func (f *Flow) RecordOut(n int, now time.Time) {
	f.packetsOut.Add(1)
	f.bytesOut.Add(uint64(n))
	f.refresh(now)
}

// Assured reports whether the flow has seen a reply and at least one more
// datagram in either direction.
func (f *Flow) Assured() bool {
	in, out := f.packetsIn.Load(), f.packetsOut.Load()
	return min(in, out) >= 1 && max(in, out) >= 2
}

func (f *Flow) refresh(now time.Time) {
	f.lastSeen.Store(now.UnixNano())
	f.state.CompareAndSwap(int32(StateCreated), int32(StateActive))
}

func (f *Flow) idleFor(now time.Time) time.Duration {
	return now.Sub(f.LastSeen())
}

// Info is a point-in-time view of a flow.
type Info struct {
	ID         ID        `json:"id"`
	Listener   int       `json:"listener"`
	Client     string    `json:"client"`
	LocalAddr  string    `json:"local_addr"`
	State      string    `json:"state"`
	Assured    bool      `json:"assured"`
	CreatedAt  time.Time `json:"created_at"`
	LastSeen   time.Time `json:"last_seen"`
	PacketsIn  uint64    `json:"packets_in"`
	PacketsOut uint64    `json:"packets_out"`
	BytesIn    uint64    `json:"bytes_in"`
	BytesOut   uint64    `json:"bytes_out"`
}

// Info returns a snapshot of the flow.
func (f *Flow) Info() Info {
	info := Info{
		ID:         f.id,
		Listener:   f.key.Listener,
		Client:     f.key.Client.String(),
		State:      f.State().String(),
		Assured:    f.Assured(),
		CreatedAt:  f.created,
		LastSeen:   f.LastSeen(),
		PacketsIn:  f.packetsIn.Load(),
		PacketsOut: f.packetsOut.Load(),
		BytesIn:    f.bytesIn.Load(),
		BytesOut:   f.bytesOut.Load(),
	}
	if addr := f.conn.LocalAddr(); addr != nil {
		info.LocalAddr = addr.String()
	}
	return info
}
