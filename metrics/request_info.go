package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/sigtrap/olah/internal/constants"
)

type requestMetricKey struct{}

type RequestMetric struct {
	StartAt           time.Time
	RequestID         string
	RecvReq           uint64
	SentResp          uint64
	StoreUrl          string
	CacheStatus       string
	RemoteAddr        string
	FirstResponseTime time.Time
}

func WithRequestMetric(req *http.Request) (*http.Request, *RequestMetric) {
	metric := &RequestMetric{
		StartAt:   time.Now(),
		RequestID: MustParseRequestID(req.Header), // taken from X-Request-ID or freshly generated; read it back later via FromContext.
	}
	return req.WithContext(newContext(req.Context(), metric)), metric
}

func FromContext(ctx context.Context) *RequestMetric {
	if v, ok := ctx.Value(requestMetricKey{}).(*RequestMetric); ok {
		return v
	}
	return &RequestMetric{}
}

func newContext(ctx context.Context, metric *RequestMetric) context.Context {
	return context.WithValue(ctx, requestMetricKey{}, metric)
}

func MustParseRequestID(h http.Header) string {
	id := h.Get(constants.ProtocolRequestIDKey)
	// protocol request id header not found, generate a new one
	if id == "" {
		return generateRequestID()
	}
	return id
}

func generateRequestID() string {
	return uuid.NewString()
}
