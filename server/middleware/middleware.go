// Package middleware chains ambient net/http handlers (recovery, access
// logging) around the main request flow. The teacher chains
// http.RoundTripper middleware around a generic proxy backend; FileHandler
// serves requests directly rather than through a RoundTripper, so this is
// adapted to chain plain http.HandlerFunc instead, dropping the
// config-driven Factory/Registry machinery the teacher used to select
// middleware by name — Olah's ambient middleware set (recovery,
// access-log) is fixed, not configurable per deployment.
package middleware

import "net/http"

// Middleware wraps an http.HandlerFunc with additional behavior.
type Middleware func(http.HandlerFunc) http.HandlerFunc

// Chain returns a Middleware that applies m in order: the first entry runs
// outermost.
func Chain(m ...Middleware) Middleware {
	return func(next http.HandlerFunc) http.HandlerFunc {
		for i := len(m) - 1; i >= 0; i-- {
			next = m[i](next)
		}
		return next
	}
}
