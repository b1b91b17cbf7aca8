package httpx

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"strconv"
	"sync/atomic"
)

type ctxKey int

const (
	ctxKeyRequestID ctxKey = iota
	ctxKeyCorrelationID
)

// WithRequestID returns a context whose Client requests carry id as
// X-Request-ID.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyRequestID, id)
}

// RequestIDFrom extracts the request ID from ctx.
func RequestIDFrom(ctx context.Context) (string, bool) { return stringValue(ctx, ctxKeyRequestID) }

// WithCorrelationID returns a context whose Client requests carry id as
// X-Correlation-ID.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyCorrelationID, id)
}

// CorrelationIDFrom extracts the correlation ID from ctx.
func CorrelationIDFrom(ctx context.Context) (string, bool) {
	return stringValue(ctx, ctxKeyCorrelationID)
}

func stringValue(ctx context.Context, k ctxKey) (string, bool) {
	if ctx == nil {
		return "", false
	}
	s, ok := ctx.Value(k).(string)
	return s, ok && s != ""
}

var idSeq atomic.Uint64

// newRequestID returns 32 hex digits, or a process-local sequence number
// when the random source fails.
func newRequestID() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "seq-" + strconv.FormatUint(idSeq.Add(1), 10)
	}
	return hex.EncodeToString(b[:])
}
