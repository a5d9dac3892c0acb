// Package recovery provides ambient panic recovery around the main HTTP
// handler, adapted from the teacher's RoundTripper-wrapping recovery
// middleware into a plain http.HandlerFunc wrapper.
package recovery

import (
	"net/http"

	"github.com/sigtrap/olah/internal/logutil"
	"github.com/sigtrap/olah/pkg/x/runtime"
)

var log = logutil.NewHelper(nil)

// Middleware recovers from panics in next, logs the stack trace, and
// responds 500 instead of letting the connection die.
func Middleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		defer func() {
			if r := recover(); r != nil {
				log.Errorf("middleware recovery: %v\n%s", r, runtime.PrintStackTrace(4))
				w.WriteHeader(http.StatusInternalServerError)
			}
		}()

		next(w, req)
	}
}
