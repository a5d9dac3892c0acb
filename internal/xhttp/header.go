package xhttp

import (
	"net/http"
	"net/textproto"
	"strings"
)

// CopyHeader copies every header from src into dst.
func CopyHeader(dst, src http.Header) {
	for k, vv := range src {
		dst[k] = append([]string(nil), vv...)
	}
}

// hopHeaders are stripped both directions per RFC 7230 §6.1 and RFC 2616 §13.5.1.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// RemoveHopByHopHeaders strips hop-by-hop headers in place.
func RemoveHopByHopHeaders(h http.Header) {
	for _, f := range h["Connection"] {
		for _, sf := range strings.Split(f, ",") {
			if sf = textproto.TrimString(sf); sf != "" {
				h.Del(sf)
			}
		}
	}
	for _, f := range hopHeaders {
		h.Del(f)
	}
}

// Scheme resolves the effective scheme of an inbound request, honoring
// common forwarded-proto headers set by a TLS-terminating collaborator.
func Scheme(r *http.Request) string {
	if r.TLS != nil {
		return "https"
	}
	if s := r.Header.Get("X-Forwarded-Proto"); s != "" {
		return s
	}
	return "http"
}
