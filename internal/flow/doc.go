// Package flow implements the relay's session table.
//
// UDP has no handshake, so the relay synthesizes a session (a Flow) the first
// time a client address is seen on a listener. Each Flow owns a dedicated,
// connected UDP socket bound to an ephemeral port; replies arriving on that
// socket belong to exactly one client.
//
// # Lifecycle
//
//  1. First datagram from (listener, client): GetOrCreate dials the
//     remote-facing socket and registers the Flow (CREATED)
//  2. Traffic in either direction refreshes last-seen (ACTIVE)
//  3. Sweep removes flows idle past the timeout; EvictAll removes the rest at
//     shutdown (EVICTED). Removal closes the socket in the same critical
//     section, so an evicted flow's socket is never readable again.
//
// # Handles
//
// Flows live in an index-stable slot registry. An ID carries the slot index
// and a generation counter, so a handle held by a reader goroutine never
// resolves to a different flow after its slot is reused.
//
// # Thread Safety
//
// All exported methods are safe for concurrent use. A single mutex guards the
// forward map, the slot registry, and socket closure.
package flow
