package httpx

import (
	"context"
	"io"
	"net/url"
)

// Request is an outbound request issued through a Client.
//
// Body may be nil. ContentLength is -1 or 0 when unknown; a Body whose
// length cannot be measured is sent chunked.
type Request struct {
	Method        string
	URL           *url.URL
	Header        Header
	Body          io.Reader
	Host          string
	ContentLength int64
	ctx           context.Context
	// RequestID is sent as X-Request-ID; generated when empty.
	RequestID string
	// CorrelationID is a propagated ID from the peer (e.g., X-Request-ID/Traceparent).
	CorrelationID string
	// TraceID is the W3C trace-id (32 hex). If empty, a new one may be generated for outbound requests.
	TraceID string
	// SpanID is the span id written in traceparent.
	SpanID string
	// ParentSpanID is the upstream span id taken from the context trace.
	ParentSpanID string
	// TraceState carries tracestate header content, if any, for propagation.
	TraceState string
}

// NewRequest builds a request for rawURL.
func NewRequest(ctx context.Context, method, rawURL string, body io.Reader) (*Request, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, invalidArg("url %q: %v", rawURL, err)
	}
	if method == "" {
		method = "GET"
	}
	r := &Request{Method: method, URL: u, Header: Header{}, Body: body, ctx: ctx}
	if l, ok := body.(interface{ Len() int }); ok {
		r.ContentLength = int64(l.Len())
	}
	return r, nil
}

// Context returns the request's context. If nil, returns Background.
func (r *Request) Context() context.Context {
	if r == nil || r.ctx == nil {
		return context.Background()
	}
	return r.ctx
}

// WithContext returns a shallow copy of r with its context changed to ctx.
func WithContext(r *Request, ctx context.Context) *Request {
	if r == nil {
		return nil
	}
	r2 := *r
	r2.ctx = ctx
	return &r2
}
