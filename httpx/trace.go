package httpx

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"strings"
)

// Trace carries W3C trace context for propagation. TraceID is 32 hex
// digits, SpanID 16 and Flags 2 (e.g. "01").
type Trace struct {
	TraceID      string
	SpanID       string
	ParentSpanID string
	Flags        string
}

type traceKeyType struct{}

var traceKey traceKeyType

// WithTrace stores trace context in ctx. Client requests issued with ctx
// continue the trace as children of tr.SpanID.
func WithTrace(ctx context.Context, tr Trace) context.Context {
	return context.WithValue(ctx, traceKey, tr)
}

// TraceFrom extracts trace context from ctx.
func TraceFrom(ctx context.Context) (Trace, bool) {
	if ctx == nil {
		return Trace{}, false
	}
	tr, ok := ctx.Value(traceKey).(Trace)
	return tr, ok
}

// traceparent is a decoded version-00 traceparent header.
type traceparent struct {
	traceID string
	spanID  string
	flags   string
}

// parseTraceparent decodes v. Later versions are accepted as long as the
// first four fields have the version-00 layout.
func parseTraceparent(v string) (traceparent, bool) {
	parts := strings.Split(strings.TrimSpace(v), "-")
	if len(parts) < 4 || (parts[0] == "00" && len(parts) != 4) {
		return traceparent{}, false
	}
	ver, tid, sid, fl := parts[0], parts[1], parts[2], parts[3]
	if len(ver) != 2 || ver == "ff" || len(tid) != 32 || len(sid) != 16 || len(fl) != 2 {
		return traceparent{}, false
	}
	if !isHex(ver) || !isHex(tid) || !isHex(sid) || !isHex(fl) || allZero(tid) || allZero(sid) {
		return traceparent{}, false
	}
	return traceparent{
		traceID: strings.ToLower(tid),
		spanID:  strings.ToLower(sid),
		flags:   strings.ToLower(fl),
	}, true
}

func (tp traceparent) String() string {
	flags := tp.flags
	if flags == "" {
		flags = "01"
	}
	return "00-" + tp.traceID + "-" + tp.spanID + "-" + flags
}

// injectTraceContext writes traceparent and tracestate for r. A valid
// traceparent already on the request, or a Trace in its context, is
// continued with a fresh span id; anything else starts a new trace.
func injectTraceContext(r *Request, hdr Header) {
	parent, ok := parseTraceparent(hdr.Get("Traceparent"))
	if !ok {
		if tr, found := TraceFrom(r.Context()); found && tr.TraceID != "" {
			parent = traceparent{traceID: strings.ToLower(tr.TraceID), spanID: strings.ToLower(tr.SpanID), flags: tr.Flags}
			ok = true
		}
	}
	switch {
	case r.TraceID != "" && strings.ToLower(r.TraceID) != parent.traceID:
		parent = traceparent{traceID: strings.ToLower(r.TraceID)}
	case ok:
	default:
		parent = traceparent{traceID: randomHex(16)}
	}
	r.TraceID = parent.traceID
	r.ParentSpanID = parent.spanID
	r.SpanID = randomHex(8)
	hdr.Set("Traceparent", traceparent{traceID: r.TraceID, spanID: r.SpanID, flags: parent.flags}.String())

	state := hdr.Get("Tracestate")
	if state == "" {
		state = r.TraceState
	}
	if ts := NewTraceStateBuilder(state).String(); ts != "" {
		hdr.Set("Tracestate", ts)
	} else {
		hdr.Del("Tracestate")
	}
}

// randomHex returns n random bytes as lower-case hex, never all zeros.
func randomHex(n int) string {
	b := make([]byte, n)
	for {
		if _, err := rand.Read(b); err != nil {
			continue
		}
		if s := hex.EncodeToString(b); !allZero(s) {
			return s
		}
	}
}

func allZero(s string) bool { return strings.Trim(s, "0") == "" }

func isHex(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F') {
			continue
		}
		return false
	}
	return true
}
