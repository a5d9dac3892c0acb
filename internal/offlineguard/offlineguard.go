// Package offlineguard holds the single process-wide offline flag every
// UpstreamClient call checks before leaving the process. Grounded on the
// teacher's server/middleware/caching/locker.go style of wrapping a sync
// primitive in a small named type rather than exposing a bare atomic.
package offlineguard

import "sync/atomic"

// Reason explains why offline mode was entered.
type Reason string

const (
	ReasonNone      Reason = ""
	ReasonManual    Reason = "manual"
	ReasonNoNetwork Reason = "no_network"
	ReasonUpstream  Reason = "upstream_unreachable"
)

// Guard is an atomically-toggled offline flag with a reason.
type Guard struct {
	offline atomic.Bool
	reason  atomic.Value // Reason
}

// New returns a Guard starting online.
func New() *Guard {
	g := &Guard{}
	g.reason.Store(ReasonNone)
	return g
}

// SetOffline flips the guard offline with the given reason.
func (g *Guard) SetOffline(reason Reason) {
	g.reason.Store(reason)
	g.offline.Store(true)
}

// SetOnline flips the guard back online.
func (g *Guard) SetOnline() {
	g.offline.Store(false)
	g.reason.Store(ReasonNone)
}

// IsOffline reports whether the process is currently offline.
func (g *Guard) IsOffline() bool { return g.offline.Load() }

// Reason returns the current offline reason, or ReasonNone when online.
func (g *Guard) Reason() Reason {
	if r, ok := g.reason.Load().(Reason); ok {
		return r
	}
	return ReasonNone
}
