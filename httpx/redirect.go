package httpx

import (
	"context"
	"net/url"
	"strings"
)

// RedirectObserver is implemented by handlers that want to know about each
// redirect followed on their behalf.
type RedirectObserver interface {
	OnRedirect(statusCode int, location *url.URL)
}

// RedirectHandler follows 3xx responses carrying a Location header by
// dispatching the rewritten request through the same dispatcher. Redirect
// responses never reach the wrapped handler; the final response, or an
// error, does.
type RedirectHandler struct {
	d     Dispatcher
	opts  DispatchOptions
	inner ResponseHandler
	max   int

	redirects int
	history   []*url.URL
	next      *DispatchOptions
	nextURL   *url.URL
	status    int
	failErr   error
}

// NewRedirectHandler wraps inner so that up to opts.MaxRedirections
// redirects are followed through d.
func NewRedirectHandler(d Dispatcher, opts DispatchOptions, inner ResponseHandler) *RedirectHandler {
	return newRedirectHandler(d, opts, inner)
}

func newRedirectHandler(d Dispatcher, opts DispatchOptions, inner ResponseHandler) *RedirectHandler {
	if opts.Origin.IsZero() {
		opts.Origin, _ = dispatcherOrigin(d)
	}
	h := &RedirectHandler{d: d, opts: opts, inner: inner, max: opts.MaxRedirections}
	h.opts.MaxRedirections = -1
	return h
}

// History returns the URLs requested so far, the current one last.
func (h *RedirectHandler) History() []*url.URL {
	return append([]*url.URL(nil), h.history...)
}

func (h *RedirectHandler) OnConnect(abort func(error)) { h.inner.OnConnect(abort) }

func (h *RedirectHandler) OnError(err error) { h.inner.OnError(err) }

func (h *RedirectHandler) OnHeaders(status int, header Header, resume func(), text string) bool {
	h.history = append(h.history, h.opts.Origin.URL(h.opts.Path))
	h.next, h.nextURL, h.failErr = nil, nil, nil
	loc := header.Get("Location")
	if !isRedirectStatus(status) || loc == "" {
		return h.inner.OnHeaders(status, header, resume, text)
	}
	next, u, ok := h.rewrite(status, loc)
	if !ok {
		return h.inner.OnHeaders(status, header, resume, text)
	}
	switch {
	case h.redirects >= h.max:
		h.failErr = ErrMaxRedirections
	case next.Body != nil && !bodyReplayable(next.Body):
		h.failErr = ErrBodyNotReplayable
	default:
		h.next, h.nextURL, h.status = &next, u, status
	}
	// The redirect body is read and dropped so the connection stays usable.
	return true
}

func (h *RedirectHandler) OnData(chunk []byte) bool {
	if h.next != nil || h.failErr != nil {
		return true
	}
	return h.inner.OnData(chunk)
}

func (h *RedirectHandler) OnComplete(trailers Header) {
	switch {
	case h.failErr != nil:
		h.inner.OnError(h.failErr)
	case h.next != nil:
		next := *h.next
		h.next = nil
		h.redirects++
		h.opts = next
		if ro, ok := h.inner.(RedirectObserver); ok {
			ro.OnRedirect(h.status, h.nextURL)
		}
		if _, err := h.d.Dispatch(next, h); err != nil {
			h.inner.OnError(err)
		}
	default:
		h.inner.OnComplete(trailers)
	}
}

func (h *RedirectHandler) OnInformational(status int, header Header) {
	if ih, ok := h.inner.(InformationalHandler); ok {
		ih.OnInformational(status, header)
	}
}

func (h *RedirectHandler) OnBodySent(chunk []byte) {
	if bs, ok := h.inner.(BodySentHandler); ok {
		bs.OnBodySent(chunk)
	}
}

func (h *RedirectHandler) OnRequestSent() {
	if rs, ok := h.inner.(RequestSentHandler); ok {
		rs.OnRequestSent()
	}
}

// rewrite builds the options of the next hop. ok is false when loc does
// not name an http(s) URL the engine can dispatch to.
func (h *RedirectHandler) rewrite(status int, loc string) (DispatchOptions, *url.URL, bool) {
	base := h.opts.Origin.URL(h.opts.Path)
	u, err := base.Parse(loc)
	if err != nil {
		return DispatchOptions{}, nil, false
	}
	o, err := OriginOf(u)
	if err != nil {
		return DispatchOptions{}, nil, false
	}
	u.Fragment, u.RawFragment = "", ""

	next := h.opts
	next.Origin = o
	next.Path = u.RequestURI()
	dropBody := false
	if (status == 303 && next.Method != "HEAD") || ((status == 301 || status == 302) && next.Method == "POST") {
		next.Method = "GET"
		next.Idempotent = nil
		next.Body = nil
		next.ContentLength = 0
		dropBody = true
	}
	next.Headers = redirectHeaders(h.opts.Headers, o != h.opts.Origin, dropBody)
	return next, u, true
}

func isRedirectStatus(status int) bool {
	switch status {
	case 300, 301, 302, 303, 307, 308:
		return true
	}
	return false
}

// redirectHeaders copies h without Host, optionally without Content-* and,
// across origins, without credentials.
func redirectHeaders(h Header, crossOrigin, dropContent bool) Header {
	out := make(Header, len(h))
	for k, vv := range h {
		lk := strings.ToLower(k)
		switch {
		case lk == "host":
			continue
		case dropContent && strings.HasPrefix(lk, "content-"):
			continue
		case crossOrigin && (lk == "authorization" || lk == "cookie" || lk == "proxy-authorization"):
			continue
		}
		out[k] = append([]string(nil), vv...)
	}
	return out
}

func bodyReplayable(v any) bool {
	b, ok := v.(*requestBody)
	if !ok {
		return true
	}
	return b.kind == bodyNone || b.replayable()
}

// WithRedirects returns a Dispatcher that follows up to max redirects for
// every request that does not set its own MaxRedirections. It works with
// any Dispatcher, including ones outside this package.
func WithRedirects(d Dispatcher, max int) Dispatcher {
	return &redirectDispatcher{d: d, max: max}
}

type redirectDispatcher struct {
	d   Dispatcher
	max int
}

func (w *redirectDispatcher) Dispatch(opts DispatchOptions, h Handler) (bool, error) {
	if opts.MaxRedirections == 0 {
		opts.MaxRedirections = w.max
	}
	rh, ok := h.(ResponseHandler)
	if opts.MaxRedirections > 0 && ok && opts.Upgrade == "" && opts.Method != "CONNECT" {
		if opts.Origin.IsZero() {
			o, found := dispatcherOrigin(w.d)
			if !found {
				return false, invalidArg("redirects need an origin")
			}
			opts.Origin = o
		}
		body, err := newRequestBody(opts.Body)
		if err != nil {
			return false, err
		}
		opts.Body = body
		h = newRedirectHandler(w, opts, rh)
	}
	opts.MaxRedirections = -1
	return w.d.Dispatch(opts, h)
}

// Origin reports the origin of the wrapped dispatcher, if it has one.
func (w *redirectDispatcher) Origin() Origin {
	o, _ := dispatcherOrigin(w.d)
	return o
}

// dispatcherOrigin returns the fixed origin of single-origin dispatchers
// such as Conn and Pool.
func dispatcherOrigin(d Dispatcher) (Origin, bool) {
	od, ok := d.(interface{ Origin() Origin })
	if !ok {
		return Origin{}, false
	}
	o := od.Origin()
	return o, !o.IsZero()
}

func (w *redirectDispatcher) Close(ctx context.Context) error { return w.d.Close(ctx) }

func (w *redirectDispatcher) Destroy(ctx context.Context, err error) error {
	return w.d.Destroy(ctx, err)
}
