package httpx

import (
	"context"
	"errors"
	"net"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/net/http/httpguts"
)

// Dispatcher accepts requests. Dispatch returns false when the caller should
// stop issuing requests until the dispatcher drains; the request itself is
// accepted either way. Errors returned by Dispatch are validation failures,
// everything else reaches the handler's OnError.
type Dispatcher interface {
	Dispatch(opts DispatchOptions, h Handler) (bool, error)
	// Close waits for queued requests to finish and releases the
	// dispatcher.
	Close(ctx context.Context) error
	// Destroy fails queued requests with err (ErrClientDestroyed when nil)
	// and releases the dispatcher.
	Destroy(ctx context.Context, err error) error
}

// DispatchOptions describe one request.
type DispatchOptions struct {
	// Origin selects the destination. A Conn or Pool accepts the zero
	// Origin as its own.
	Origin Origin
	// Path is the request target: an absolute path, or host:port for
	// CONNECT.
	Path   string
	Method string
	// Headers are written in map order after host and connection.
	// Content-Length, Host and Connection: close are honoured;
	// Transfer-Encoding, Keep-Alive and Upgrade are rejected.
	Headers Header
	// Body is nil, []byte, string, io.Reader, iter.Seq[[]byte] or Blob.
	Body any
	// ContentLength declares the body length when no Content-Length header
	// is given; values <= 0 declare nothing.
	ContentLength int64
	// Idempotent defaults to true for GET, HEAD, OPTIONS, TRACE, PUT and
	// DELETE.
	Idempotent *bool
	// Upgrade names the protocol to switch to. CONNECT requests are
	// upgrades without a protocol name.
	Upgrade string
	// Blocking stops further writes on the connection until the response
	// headers arrive.
	Blocking *bool
	// Reset closes the connection after the response when true, and keeps
	// a HEAD or body-carrying GET connection reusable when false.
	Reset *bool

	HeadersTimeout time.Duration
	BodyTimeout    time.Duration
	// MaxRedirections overrides the dispatcher default; negative disables
	// redirects.
	MaxRedirections int
	Context         context.Context
}

// submitter is implemented by dispatchers that can be addressed by a
// parent. trySubmit never calls the handler; errRetired asks the parent to
// drop the dispatcher and retry elsewhere.
type submitter interface {
	Dispatcher
	trySubmit(r *request) (bool, error)
}

var errRetired = errors.New("httpx: dispatcher retired")

// request is the validated, immutable form of a dispatch plus its runtime
// state, owned by the executor of the connection it was queued on.
type request struct {
	origin        Origin
	method        string
	path          string
	host          string
	header        string
	contentLength int64
	contentType   string
	closeConn     bool
	servername    string
	body          *requestBody
	idempotent    bool
	upgrade       string
	blocking      bool
	reset         *bool

	headersTimeout time.Duration
	bodyTimeout    time.Duration

	handler Handler
	resp    ResponseHandler
	upg     UpgradeHandler

	ctx       context.Context
	stopCtx   func() bool
	abortReq  atomic.Pointer[error]
	terminal  bool
	gotHeader bool
	bytesRead int64
}

func newRequest(opts DispatchOptions, h Handler) (*request, error) {
	if h == nil {
		return nil, invalidArg("nil handler")
	}
	method := opts.Method
	if method == "" {
		method = "GET"
	}
	if !httpguts.ValidHeaderFieldName(method) {
		return nil, invalidArg("invalid method %q", method)
	}
	r := &request{
		origin:         opts.Origin,
		method:         method,
		path:           opts.Path,
		contentLength:  -1,
		upgrade:        opts.Upgrade,
		reset:          opts.Reset,
		headersTimeout: opts.HeadersTimeout,
		bodyTimeout:    opts.BodyTimeout,
		handler:        h,
		ctx:            opts.Context,
	}
	if err := validatePath(method, opts.Path); err != nil {
		return nil, err
	}
	if opts.Upgrade != "" && !httpguts.ValidHeaderFieldValue(opts.Upgrade) {
		return nil, invalidArg("invalid upgrade %q", opts.Upgrade)
	}
	if opts.HeadersTimeout < 0 || opts.BodyTimeout < 0 {
		return nil, invalidArg("negative timeout")
	}
	if opts.Idempotent != nil {
		r.idempotent = *opts.Idempotent
	} else {
		switch method {
		case "GET", "HEAD", "OPTIONS", "TRACE", "PUT", "DELETE":
			r.idempotent = true
		}
	}
	if opts.Blocking != nil {
		r.blocking = *opts.Blocking
	}
	if r.isUpgrade() {
		u, ok := h.(UpgradeHandler)
		if !ok {
			return nil, invalidArg("upgrade and CONNECT requests need an UpgradeHandler")
		}
		r.upg = u
	} else {
		rh, ok := h.(ResponseHandler)
		if !ok {
			return nil, invalidArg("handler does not implement ResponseHandler")
		}
		r.resp = rh
	}
	if err := r.processHeaders(opts.Headers); err != nil {
		return nil, err
	}
	if r.contentLength < 0 && opts.ContentLength > 0 {
		r.contentLength = opts.ContentLength
	}
	body, err := newRequestBody(opts.Body)
	if err != nil {
		return nil, err
	}
	r.body = body
	if r.origin.Scheme == "https" {
		r.servername = serverName(r.host, r.origin.Host)
	}
	return r, nil
}

func validatePath(method, path string) error {
	if path == "" {
		return invalidArg("empty path")
	}
	for i := 0; i < len(path); i++ {
		if c := path[i]; c <= ' ' || c >= 0x7f {
			return invalidArg("invalid character in path %q", path)
		}
	}
	if method == "CONNECT" {
		if _, _, err := net.SplitHostPort(path); err != nil {
			return invalidArg("CONNECT path must be host:port")
		}
		return nil
	}
	if path[0] != '/' && !strings.HasPrefix(path, "http://") && !strings.HasPrefix(path, "https://") {
		return invalidArg("path must be absolute: %q", path)
	}
	return nil
}

// processHeaders serialises opts.Headers and extracts the sentinel fields.
func (r *request) processHeaders(h Header) error {
	var b strings.Builder
	for k, vv := range h {
		if !httpguts.ValidHeaderFieldName(k) {
			return invalidArg("invalid header name %q", k)
		}
		for _, v := range vv {
			if !httpguts.ValidHeaderFieldValue(v) {
				return invalidArg("invalid value for header %q", k)
			}
		}
		lk := strings.ToLower(k)
		switch lk {
		case "host":
			if len(vv) != 1 {
				return invalidArg("invalid host header")
			}
			r.host = vv[0]
			continue
		case "content-length":
			if len(vv) != 1 {
				return invalidArg("invalid content-length header")
			}
			n, err := strconv.ParseInt(strings.TrimSpace(vv[0]), 10, 64)
			if err != nil || n < 0 {
				return invalidArg("invalid content-length header")
			}
			r.contentLength = n
			continue
		case "connection":
			if len(vv) != 1 {
				return invalidArg("invalid connection header")
			}
			switch strings.ToLower(strings.TrimSpace(vv[0])) {
			case "close":
				r.closeConn = true
			case "keep-alive":
			default:
				return invalidArg("invalid connection header")
			}
			continue
		case "transfer-encoding", "keep-alive", "upgrade":
			return invalidArg("invalid %s header", lk)
		case "expect":
			return ErrNotSupported
		case "content-type":
			if len(vv) > 0 {
				r.contentType = vv[0]
			}
		}
		for _, v := range vv {
			b.WriteString(k)
			b.WriteString(": ")
			b.WriteString(v)
			b.WriteString("\r\n")
		}
	}
	r.header = b.String()
	return nil
}

func (r *request) isUpgrade() bool {
	return r.upgrade != "" || r.method == "CONNECT"
}

// hostHeader returns the explicit host header or the origin's.
func (r *request) hostHeader(o Origin) string {
	if r.host != "" {
		return r.host
	}
	return o.HostHeader()
}

func serverName(host, fallback string) string {
	name := fallback
	if host != "" {
		name = host
		if h, _, err := net.SplitHostPort(host); err == nil {
			name = h
		}
		name = strings.Trim(name, "[]")
	}
	if net.ParseIP(name) != nil {
		return ""
	}
	return name
}

// prepare validates opts and applies the redirect wrapper when a budget
// is configured.
func prepare(d Dispatcher, opts DispatchOptions, h Handler, defaultRedirections int) (*request, error) {
	if opts.MaxRedirections == 0 {
		opts.MaxRedirections = defaultRedirections
	}
	r, err := newRequest(opts, h)
	if err != nil {
		return nil, err
	}
	if opts.MaxRedirections > 0 && !r.isUpgrade() {
		opts.Body = r.body
		rh := newRedirectHandler(d, opts, r.resp)
		r.handler, r.resp = rh, rh
	}
	return r, nil
}

// fail delivers err to the handler unless the request already reached a
// terminal callback.
func (r *request) fail(err error) {
	if r.terminal {
		return
	}
	r.terminal = true
	r.release()
	r.handler.OnError(err)
}

func (r *request) release() {
	if r.stopCtx != nil {
		r.stopCtx()
		r.stopCtx = nil
	}
}

// effectiveHeadersTimeout returns the per-request override or def.
func (r *request) effectiveHeadersTimeout(def time.Duration) time.Duration {
	if r.headersTimeout > 0 {
		return r.headersTimeout
	}
	return def
}

func (r *request) effectiveBodyTimeout(def time.Duration) time.Duration {
	if r.bodyTimeout > 0 {
		return r.bodyTimeout
	}
	return def
}
