// Package cachecontrol parses the Cache-Control request/response header into
// its directives, per RFC 9111 §5.2.
package cachecontrol

import (
	"strconv"
	"strings"
	"time"
)

// Directives holds the parsed Cache-Control directives relevant to deciding
// whether and how long a response may be cached.
type Directives struct {
	maxAge        time.Duration
	hasMaxAge     bool
	sMaxAge       time.Duration
	hasSMaxAge    bool
	noCache       bool
	noStore       bool
	private       bool
	mustRevalidate bool
}

// Parse splits header on commas and recognizes max-age, s-maxage, no-cache,
// no-store, private and must-revalidate. Unknown directives are ignored.
func Parse(header string) Directives {
	var d Directives
	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		name, value, _ := strings.Cut(part, "=")
		name = strings.ToLower(strings.TrimSpace(name))
		value = strings.Trim(strings.TrimSpace(value), `"`)

		switch name {
		case "max-age":
			if secs, err := strconv.Atoi(value); err == nil {
				d.maxAge = time.Duration(secs) * time.Second
				d.hasMaxAge = true
			}
		case "s-maxage":
			if secs, err := strconv.Atoi(value); err == nil {
				d.sMaxAge = time.Duration(secs) * time.Second
				d.hasSMaxAge = true
			}
		case "no-cache":
			d.noCache = true
		case "no-store":
			d.noStore = true
		case "private":
			d.private = true
		case "must-revalidate":
			d.mustRevalidate = true
		}
	}
	return d
}

// MaxAge returns the shared-cache lifetime: s-maxage takes priority over
// max-age per RFC 9111 §5.2.2.10, matching a proxy acting as a shared cache.
// Returns 0 when neither directive was present.
func (d Directives) MaxAge() time.Duration {
	if d.hasSMaxAge {
		return d.sMaxAge
	}
	if d.hasMaxAge {
		return d.maxAge
	}
	return 0
}

// Cacheable reports whether a shared cache may store the response at all.
func (d Directives) Cacheable() bool {
	return !d.noStore && !d.noCache && !d.private
}

// MustRevalidate reports whether a stored response must be revalidated with
// the origin before reuse once stale.
func (d Directives) MustRevalidate() bool {
	return d.mustRevalidate
}
