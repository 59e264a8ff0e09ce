package relay

import "time"

// Datagram directions used in Observer callbacks.
const (
	DirectionToRemote = "client_to_remote"
	DirectionToClient = "remote_to_client"
)

// Drop reasons used in Observer callbacks.
const (
	DropTableFull   = "table_full"
	DropRateLimited = "rate_limited"
	DropAllocFailed = "alloc_failed"
	DropClosed      = "closed"
	DropEvicted     = "evicted"
	DropOversize    = "oversize"
	DropWriteFailed = "write_failed"
)

// Observer receives relay events. Implementations must be safe for
// concurrent use; metrics.Metrics satisfies it.
type Observer interface {
	SetListeners(n int)
	FlowCreated(listener int)
	FlowEvicted(reason string, lifetime time.Duration)
	Swept(removed int, took time.Duration)
	Datagram(direction string, bytes int)
	Dropped(direction, reason string)
}

type nopObserver struct{}

func (nopObserver) SetListeners(int)                  {}
func (nopObserver) FlowCreated(int)                   {}
func (nopObserver) FlowEvicted(string, time.Duration) {}
func (nopObserver) Swept(int, time.Duration)          {}
func (nopObserver) Datagram(string, int)              {}
func (nopObserver) Dropped(string, string)            {}
