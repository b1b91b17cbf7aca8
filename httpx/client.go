package httpx

import (
	"context"
	"errors"
	"io"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"

	"dqx0.com/go/h1dispatch/internal/obs"
)

const (
	defaultClientRedirects = 10
	// Body delivery pauses above highWater buffered bytes and resumes
	// below lowWater.
	bodyHighWater = 256 << 10
	bodyLowWater  = 64 << 10
)

// Client is a request/response convenience layer over a Dispatcher.
type Client struct {
	// Dispatcher carries the requests. Nil selects an Agent created on
	// first use with default options.
	Dispatcher Dispatcher
	// Timeout bounds the whole exchange, body included. Zero means none.
	Timeout time.Duration
	// MaxRedirects is the redirect budget; 0 selects 10, negative
	// disables redirects.
	MaxRedirects       int
	DisableCompression bool

	Logger obs.Logger
	Meter  obs.Meter

	mu  sync.Mutex
	def Dispatcher
}

func (c *Client) dispatcher() Dispatcher {
	if c.Dispatcher != nil {
		return c.Dispatcher
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.def == nil {
		a, err := NewAgent(AgentOptions{PoolOptions: PoolOptions{ConnOptions: ConnOptions{Logger: c.Logger, Meter: c.Meter}}})
		if err != nil {
			panic(err)
		}
		c.def = a
	}
	return c.def
}

// Close closes the dispatcher the client created for itself. A
// user-supplied Dispatcher is left alone.
func (c *Client) Close(ctx context.Context) error {
	if c.Dispatcher != nil {
		return nil
	}
	c.mu.Lock()
	d := c.def
	c.mu.Unlock()
	if d == nil {
		return nil
	}
	return d.Close(ctx)
}

// Get issues a GET for rawURL.
func (c *Client) Get(rawURL string) (*Response, error) {
	r, err := NewRequest(context.Background(), "GET", rawURL, nil)
	if err != nil {
		return nil, err
	}
	return c.Do(r)
}

// Post issues a POST for rawURL with the given content type.
func (c *Client) Post(rawURL, contentType string, body io.Reader) (*Response, error) {
	r, err := NewRequest(context.Background(), "POST", rawURL, body)
	if err != nil {
		return nil, err
	}
	r.Header.Set("Content-Type", contentType)
	return c.Do(r)
}

// Do sends r and waits for the response headers. The returned body streams
// the response.
func (c *Client) Do(r *Request) (*Response, error) {
	start := time.Now()
	if r == nil || r.URL == nil {
		return nil, errors.New("httpx: nil request or URL")
	}
	origin, err := OriginOf(r.URL)
	if err != nil {
		return nil, err
	}
	ctx := r.Context()
	cancel := context.CancelFunc(func() {})
	if c.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
	}

	hdr := r.Header.Clone()
	if hdr == nil {
		hdr = Header{}
	}
	injectTraceHeaders(r, hdr)
	if r.Host != "" {
		hdr.Set("Host", r.Host)
	}
	if !c.DisableCompression && hdr.Get("Accept-Encoding") == "" && r.Method != "HEAD" {
		hdr.Set("Accept-Encoding", "gzip, br")
	}

	redirects := c.MaxRedirects
	switch {
	case redirects == 0:
		redirects = defaultClientRedirects
	case redirects < 0:
		redirects = -1
	}
	h := &clientHandler{
		head:   make(chan clientHead, 1),
		logger: c.logger(),
		body:   newClientBody(cancel),
	}
	if rc, ok := r.Body.(io.Closer); ok {
		h.reqBody = rc
	}
	opts := DispatchOptions{
		Origin:          origin,
		Path:            r.URL.RequestURI(),
		Method:          r.Method,
		Headers:         hdr,
		ContentLength:   r.ContentLength,
		MaxRedirections: redirects,
		Context:         ctx,
	}
	if r.Body != nil {
		opts.Body = r.Body
	}
	if _, err := c.dispatcher().Dispatch(opts, h); err != nil {
		cancel()
		c.meter().Counter("httpx_client_requests_error", 1, obs.Label{Key: "stage", Value: "dispatch"})
		return nil, err
	}

	var head clientHead
	select {
	case head = <-h.head:
	case <-ctx.Done():
		cancel()
		return nil, abortCause(ctx)
	}
	if head.err != nil {
		cancel()
		c.meter().Counter("httpx_client_requests_error", 1, obs.Label{Key: "stage", Value: "response"})
		c.logger().Logf(obs.Debug, "%s %s: %v", r.Method, r.URL, head.err)
		return nil, head.err
	}
	c.meter().Histogram("httpx_client_roundtrip_duration_ms", float64(time.Since(start).Milliseconds()),
		obs.Label{Key: "method", Value: r.Method})

	resp := &Response{
		Status:        strconv.Itoa(head.status) + " " + head.text,
		StatusCode:    head.status,
		Proto:         "HTTP/1.1",
		Header:        head.header,
		Body:          h.body,
		ContentLength: -1,
		Trailer:       h.body.trailer,
		Request:       r,
	}
	if cl := head.header.Get("Content-Length"); cl != "" {
		if n, err := strconv.ParseInt(cl, 10, 64); err == nil {
			resp.ContentLength = n
		}
	}
	if !c.DisableCompression {
		switch strings.ToLower(strings.TrimSpace(head.header.Get("Content-Encoding"))) {
		case "gzip":
			resp.Body = &decodedBody{src: h.body, open: func(r io.Reader) (io.Reader, error) { return gzip.NewReader(r) }}
		case "br":
			resp.Body = &decodedBody{src: h.body, open: func(r io.Reader) (io.Reader, error) { return brotli.NewReader(r), nil }}
		}
		if _, ok := resp.Body.(*decodedBody); ok {
			resp.Uncompressed = true
			resp.ContentLength = -1
			resp.Header.Del("Content-Encoding")
			resp.Header.Del("Content-Length")
		}
	}
	return resp, nil
}

func (c *Client) logger() obs.Logger {
	if c.Logger == nil {
		return obs.NopLogger{}
	}
	return c.Logger
}

func (c *Client) meter() obs.Meter {
	if c.Meter == nil {
		return obs.NopMeter{}
	}
	return c.Meter
}

// injectTraceHeaders adds request and correlation IDs unless the caller set
// them, then the W3C trace context.
func injectTraceHeaders(r *Request, hdr Header) {
	if hdr.Get("X-Request-ID") == "" {
		switch id, ok := RequestIDFrom(r.Context()); {
		case r.RequestID != "":
			hdr.Set("X-Request-ID", r.RequestID)
		case ok:
			hdr.Set("X-Request-ID", id)
		default:
			hdr.Set("X-Request-ID", newRequestID())
		}
	}
	r.RequestID = hdr.Get("X-Request-ID")
	if hdr.Get("X-Correlation-ID") == "" {
		if cid, ok := CorrelationIDFrom(r.Context()); ok {
			hdr.Set("X-Correlation-ID", cid)
		} else if r.CorrelationID != "" {
			hdr.Set("X-Correlation-ID", r.CorrelationID)
		}
	}
	injectTraceContext(r, hdr)
}

type clientHead struct {
	status int
	text   string
	header Header
	err    error
}

// clientHandler bridges engine callbacks to a blocking Response.
type clientHandler struct {
	head     chan clientHead
	headSent atomic.Bool
	body     *clientBody
	reqBody  io.Closer
	logger   obs.Logger
}

func (h *clientHandler) OnConnect(abort func(error)) { h.body.setAbort(abort) }

func (h *clientHandler) OnHeaders(status int, header Header, resume func(), text string) bool {
	h.body.setResume(resume)
	h.headSent.Store(true)
	h.head <- clientHead{status: status, text: text, header: header}
	return true
}

func (h *clientHandler) OnData(chunk []byte) bool { return h.body.push(chunk) }

func (h *clientHandler) OnComplete(trailers Header) { h.body.finish(trailers, nil) }

func (h *clientHandler) OnError(err error) {
	h.closeRequestBody()
	if h.headSent.CompareAndSwap(false, true) {
		h.body.finish(nil, err)
		h.head <- clientHead{err: err}
		return
	}
	h.body.finish(nil, err)
}

func (h *clientHandler) OnRequestSent() { h.closeRequestBody() }

func (h *clientHandler) OnRedirect(status int, u *url.URL) {
	h.logger.Logf(obs.Debug, "following %d redirect to %s", status, u)
}

func (h *clientHandler) closeRequestBody() {
	if h.reqBody != nil {
		_ = h.reqBody.Close()
		h.reqBody = nil
	}
}

// clientBody buffers response chunks between the connection executor and
// the reader of Response.Body.
type clientBody struct {
	mu       sync.Mutex
	cond     *sync.Cond
	chunks   [][]byte
	size     int
	done     bool
	err      error
	closed   bool
	paused   bool
	resume   func()
	abort    func(error)
	trailer  Header
	release  context.CancelFunc
	released bool
}

func newClientBody(release context.CancelFunc) *clientBody {
	b := &clientBody{release: release, trailer: Header{}}
	b.cond = sync.NewCond(&b.mu)
	return b
}

func (b *clientBody) setAbort(abort func(error)) {
	b.mu.Lock()
	b.abort = abort
	b.mu.Unlock()
}

func (b *clientBody) setResume(resume func()) {
	b.mu.Lock()
	b.resume = resume
	b.mu.Unlock()
}

// push reports false once the buffer is above the high-water mark.
func (b *clientBody) push(chunk []byte) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return true
	}
	b.chunks = append(b.chunks, append([]byte(nil), chunk...))
	b.size += len(chunk)
	b.cond.Broadcast()
	if b.size >= bodyHighWater {
		b.paused = true
		return false
	}
	return true
}

func (b *clientBody) finish(trailers Header, err error) {
	b.mu.Lock()
	if b.done {
		b.mu.Unlock()
		return
	}
	b.done = true
	b.err = err
	for k, vv := range trailers {
		b.trailer[k] = vv
	}
	b.cond.Broadcast()
	b.mu.Unlock()
	if err != nil {
		b.releaseOnce()
	}
}

func (b *clientBody) Read(p []byte) (int, error) {
	b.mu.Lock()
	for len(b.chunks) == 0 && !b.done && !b.closed {
		b.cond.Wait()
	}
	if b.closed {
		b.mu.Unlock()
		return 0, errors.New("httpx: read on closed body")
	}
	if len(b.chunks) == 0 {
		err := b.err
		b.mu.Unlock()
		b.releaseOnce()
		if err == nil {
			err = io.EOF
		}
		return 0, err
	}
	n := copy(p, b.chunks[0])
	if n == len(b.chunks[0]) {
		b.chunks[0] = nil
		b.chunks = b.chunks[1:]
	} else {
		b.chunks[0] = b.chunks[0][n:]
	}
	b.size -= n
	var resume func()
	if b.paused && b.size <= bodyLowWater {
		b.paused = false
		resume = b.resume
	}
	b.mu.Unlock()
	if resume != nil {
		resume()
	}
	return n, nil
}

// Close aborts the exchange when the body was not read to the end.
func (b *clientBody) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.chunks = nil
	abort := b.abort
	done := b.done
	b.cond.Broadcast()
	b.mu.Unlock()
	if !done && abort != nil {
		abort(ErrRequestAborted)
	}
	b.releaseOnce()
	return nil
}

func (b *clientBody) releaseOnce() {
	b.mu.Lock()
	if b.released {
		b.mu.Unlock()
		return
	}
	b.released = true
	b.mu.Unlock()
	b.release()
}

// decodedBody decodes src on first read.
type decodedBody struct {
	src  io.ReadCloser
	open func(io.Reader) (io.Reader, error)
	r    io.Reader
	err  error
}

func (d *decodedBody) Read(p []byte) (int, error) {
	if d.r == nil && d.err == nil {
		d.r, d.err = d.open(d.src)
	}
	if d.err != nil {
		return 0, d.err
	}
	return d.r.Read(p)
}

func (d *decodedBody) Close() error {
	if c, ok := d.r.(io.Closer); ok {
		_ = c.Close()
	}
	return d.src.Close()
}
