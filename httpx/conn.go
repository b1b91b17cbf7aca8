package httpx

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"dqx0.com/go/h1dispatch/internal/obs"
)

// Conn is a single HTTP/1.1 connection to one origin. The transport is
// opened lazily on the first request and reopened as needed; requests are
// written in dispatch order and may be pipelined up to
// ConnOptions.Pipelining.
//
// All connection state lives on a serial executor: events from the caller,
// the reader and writer goroutines and the timers are queued and processed
// one at a time, and every handler callback runs there.
type Conn struct {
	origin Origin
	opts   ConnOptions

	mu            sync.Mutex
	events        []func()
	looping       bool
	queued        int
	snap          connSnapshot
	needDrain     bool
	closed        bool
	destroyedFlag bool
	done          chan struct{}
	doneOnce      sync.Once

	// Owned by the executor.
	q           queue
	transport   *transport
	connecting  bool
	servername  string
	keepAlive   time.Duration
	reset       bool
	blocking    bool
	writing     bool
	writingReq  *request
	closing     bool
	isDestroyed bool
	destroyErr  error
	resuming    bool
	resumeAgain bool
	wd          watchdog
}

type connSnapshot struct {
	connected bool
	pending   int
	running   int
	size      int
	stalled   bool
}

// ConnStats is a point-in-time view of a Conn.
type ConnStats struct {
	Connected bool
	// Pending requests are queued but not yet written.
	Pending int
	// Running requests are written and awaiting their response.
	Running int
	// Size counts every request that has not completed.
	Size int
}

// NewConn returns a Conn for origin. No transport is opened until the first
// dispatch.
func NewConn(origin Origin, opts ConnOptions) (*Conn, error) {
	if !origin.valid() {
		return nil, invalidArg("invalid origin %q", origin.String())
	}
	o, err := opts.normalize()
	if err != nil {
		return nil, err
	}
	return &Conn{
		origin:    origin,
		opts:      o,
		done:      make(chan struct{}),
		keepAlive: o.KeepAliveTimeout,
	}, nil
}

// Origin returns the origin the connection talks to.
func (c *Conn) Origin() Origin { return c.origin }

func (c *Conn) Dispatch(opts DispatchOptions, h Handler) (bool, error) {
	if !opts.Origin.IsZero() && opts.Origin != c.origin {
		return false, invalidArg("origin %s does not match %s", opts.Origin, c.origin)
	}
	opts.Origin = c.origin
	r, err := prepare(c, opts, h, c.opts.MaxRedirections)
	if err != nil {
		return false, err
	}
	ok, err := c.trySubmit(r)
	if err != nil {
		r.fail(c.closedErr())
		return false, nil
	}
	return ok, nil
}

func (c *Conn) trySubmit(r *request) (bool, error) {
	c.mu.Lock()
	if c.closed || c.destroyedFlag {
		c.mu.Unlock()
		return false, errRetired
	}
	c.queued++
	if c.queued+c.snap.size >= c.opts.Pipelining || c.snap.stalled {
		c.needDrain = true
	}
	ok := !c.needDrain
	c.mu.Unlock()
	c.post(func() { c.enqueue(r) })
	return ok, nil
}

func (c *Conn) closedErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyedFlag {
		return ErrClientDestroyed
	}
	return ErrClientClosed
}

// Stats returns the state as of the last processed event.
func (c *Conn) Stats() ConnStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ConnStats{
		Connected: c.snap.connected,
		Pending:   c.snap.pending + c.queued,
		Running:   c.snap.running,
		Size:      c.snap.size + c.queued,
	}
}

// Close stops accepting requests, waits for queued ones to complete and
// closes the transport.
func (c *Conn) Close(ctx context.Context) error {
	c.mu.Lock()
	first := !c.closed
	c.closed = true
	c.mu.Unlock()
	if first {
		c.post(func() {
			c.closing = true
			c.resume()
		})
	}
	return c.wait(ctx)
}

// Destroy fails every queued and running request with err and closes the
// transport immediately.
func (c *Conn) Destroy(ctx context.Context, err error) error {
	if err == nil {
		err = ErrClientDestroyed
	}
	c.mu.Lock()
	first := !c.destroyedFlag
	c.destroyedFlag = true
	c.closed = true
	c.mu.Unlock()
	if first {
		c.post(func() { c.destroy(err) })
	}
	return c.wait(ctx)
}

func (c *Conn) wait(ctx context.Context) error {
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// tryRetire closes the connection if it is disconnected and has no work.
// Parents call it under their own lock so no dispatch can slip in.
func (c *Conn) tryRetire() bool {
	c.mu.Lock()
	if c.closed || c.queued > 0 || c.snap.size > 0 || c.snap.connected {
		c.mu.Unlock()
		return false
	}
	c.closed = true
	c.mu.Unlock()
	c.post(func() {
		c.closing = true
		c.resume()
	})
	return true
}

// post queues fn on the executor, starting it if idle.
func (c *Conn) post(fn func()) {
	c.mu.Lock()
	c.events = append(c.events, fn)
	if c.looping {
		c.mu.Unlock()
		return
	}
	c.looping = true
	c.mu.Unlock()
	go c.loop()
}

func (c *Conn) loop() {
	for {
		c.mu.Lock()
		if len(c.events) == 0 {
			c.looping = false
			c.events = nil
			c.mu.Unlock()
			return
		}
		fn := c.events[0]
		c.events[0] = nil
		c.events = c.events[1:]
		c.mu.Unlock()
		fn()
	}
}

func (c *Conn) enqueue(r *request) {
	c.mu.Lock()
	c.queued--
	c.mu.Unlock()
	switch {
	case c.isDestroyed:
		r.fail(c.destroyErr)
	case r.ctx != nil && r.ctx.Err() != nil:
		r.fail(abortCause(r.ctx))
	default:
		if r.ctx != nil {
			r.stopCtx = context.AfterFunc(r.ctx, func() { c.abort(r, abortCause(r.ctx)) })
		}
		c.q.push(r)
	}
	c.resume()
}

func abortCause(ctx context.Context) error {
	return fmt.Errorf("%w: %w", ErrRequestAborted, context.Cause(ctx))
}

// abort may be called from any goroutine.
func (c *Conn) abort(r *request, err error) {
	if err == nil {
		err = ErrRequestAborted
	}
	r.abortReq.CompareAndSwap(nil, &err)
	c.post(func() { c.onAbort(r, err) })
}

func (c *Conn) onAbort(r *request, err error) {
	if r.terminal {
		return
	}
	if c.q.remove(r) {
		r.fail(err)
		c.resume()
		return
	}
	inFlight := c.q.isRunning(r)
	r.fail(err)
	if inFlight {
		if c.writingReq == r {
			r.body.closeSource()
		}
		if t := c.transport; t != nil {
			c.destroyTransport(t, &InformationalError{Reason: "aborted"})
		}
	}
	c.resume()
}

// resume runs the scheduling loop. Nested calls from within the loop are
// folded into another iteration.
func (c *Conn) resume() {
	if c.resuming {
		c.resumeAgain = true
		return
	}
	c.resuming = true
	for {
		c.resumeAgain = false
		c.doResume()
		if !c.resumeAgain {
			break
		}
	}
	c.resuming = false
	c.publish()
}

func (c *Conn) doResume() {
	for {
		if c.isDestroyed {
			return
		}
		if c.closing && c.q.size() == 0 {
			c.destroy(ErrClientClosed)
			return
		}
		c.armTimers()
		if c.q.pendingLen() == 0 {
			return
		}
		if c.q.runningLen() >= c.opts.Pipelining {
			return
		}
		r := c.q.nextPending()
		if r.terminal {
			c.q.removePending()
			continue
		}
		if c.origin.Scheme == "https" && c.servername != r.servername {
			if c.q.runningLen() > 0 {
				return
			}
			c.servername = r.servername
			if t := c.transport; t != nil {
				c.destroyTransport(t, &InformationalError{Reason: "servername changed"})
				continue
			}
		}
		if c.connecting {
			return
		}
		if c.transport == nil {
			c.connect()
			return
		}
		if c.writing || c.reset || c.blocking {
			return
		}
		if c.q.runningLen() > 0 {
			// Only idempotent requests are pipelined, never behind a
			// non-idempotent one, and never an upgrade or a streamed body.
			if !r.idempotent || r.isUpgrade() || (r.body.streaming() && r.body.length != 0) {
				return
			}
			if c.q.anyRunning(func(x *request) bool { return !x.idempotent }) {
				return
			}
		}
		if c.writeRequest(r) {
			c.q.advancePending()
		} else {
			c.q.removePending()
		}
	}
}

func (c *Conn) busy() bool {
	return c.q.size() >= c.opts.Pipelining || c.q.pendingLen() > 0 || c.writing || c.reset || c.blocking
}

// publish exposes the executor state to Dispatch and Stats and emits drain
// once a saturated connection can take work again.
func (c *Conn) publish() {
	busy := c.busy()
	c.mu.Lock()
	c.snap = connSnapshot{
		connected: c.transport != nil,
		pending:   c.q.pendingLen(),
		running:   c.q.runningLen(),
		size:      c.q.size(),
		stalled:   c.writing || c.reset || c.blocking || c.q.pendingLen() > 0,
	}
	emit := c.needDrain && !busy && c.queued+c.snap.size < c.opts.Pipelining && !c.closed
	if emit {
		c.needDrain = false
	}
	c.mu.Unlock()
	if emit && c.opts.Hooks.OnDrain != nil {
		c.opts.Hooks.OnDrain(c.origin)
	}
}

func (c *Conn) connect() {
	c.connecting = true
	name := c.servername
	opts := ConnectOptions{Origin: c.origin, ServerName: name}
	timeout := c.opts.ConnectTimeout
	connector := c.opts.Connector
	c.logf(obs.Debug, "connecting to %s", c.origin)
	go func() {
		ctx, cancel := context.Background(), context.CancelFunc(func() {})
		if timeout > 0 {
			ctx, cancel = context.WithTimeout(ctx, timeout)
		}
		nc, err := connector.Connect(ctx, opts)
		if err != nil && ctx.Err() == context.DeadlineExceeded {
			err = fmt.Errorf("%w: %w", ErrConnectTimeout, err)
		}
		cancel()
		c.post(func() { c.onConnected(nc, name, err) })
	}()
}

func (c *Conn) onConnected(nc net.Conn, name string, err error) {
	c.connecting = false
	if c.isDestroyed {
		if nc != nil {
			_ = nc.Close()
		}
		return
	}
	if err != nil {
		c.onConnectError(name, err)
		c.resume()
		return
	}
	if name != c.servername {
		// The next request wants another TLS identity.
		_ = nc.Close()
		c.resume()
		return
	}
	t := newTransport(c, nc)
	c.transport = t
	c.reset, c.blocking, c.writing, c.writingReq = false, false, false, nil
	c.keepAlive = c.opts.KeepAliveTimeout
	go c.readLoop(t)
	c.logf(obs.Debug, "connected to %s (%s)", c.origin, nc.RemoteAddr())
	c.meter().Counter("httpx_client_conn_dial_total", 1)
	if c.opts.Hooks.OnConnect != nil {
		c.opts.Hooks.OnConnect(c.origin)
	}
	c.resume()
}

func (c *Conn) onConnectError(name string, err error) {
	c.logf(obs.Error, "connect %s failed: %v", c.origin, err)
	c.meter().Counter("httpx_client_requests_error", 1, obs.Label{Key: "stage", Value: "dial"})
	var hostErr x509.HostnameError
	if errors.As(err, &hostErr) {
		// Only requests pinned to the rejected server name fail.
		for {
			r := c.q.nextPending()
			if r == nil || r.servername != name {
				break
			}
			c.q.removePending()
			r.fail(err)
		}
	} else {
		for _, r := range c.q.drain() {
			r.fail(err)
		}
	}
	if c.opts.Hooks.OnConnectionError != nil {
		c.opts.Hooks.OnConnectionError(c.origin, err)
	}
}

// destroyTransport closes t and, if it is the current transport, settles
// the queue.
func (c *Conn) destroyTransport(t *transport, err error) {
	if t.closed {
		return
	}
	t.close()
	if t == c.transport {
		c.onTransportClosed(err)
	}
}

func (c *Conn) onTransportClosed(err error) {
	c.transport = nil
	c.clearTimeout()
	c.reset, c.blocking, c.writing, c.writingReq = false, false, false, nil

	idleErr := c.q.runningLen() == 0
	switch {
	case c.isDestroyed:
		for _, r := range c.q.drain() {
			r.fail(err)
		}
	case idleErr && !errors.Is(err, ErrSocket) && !errors.Is(err, ErrInformational):
		for _, r := range c.q.drain() {
			r.fail(err)
		}
	case !idleErr && !errors.Is(err, ErrInformational):
		c.q.complete().fail(err)
	}
	// Remaining running requests were idempotent; write them again.
	c.q.rewind()

	switch {
	case errors.Is(err, ErrInformational) || errors.Is(err, ErrClientClosed):
		c.logf(obs.Debug, "disconnected from %s: %v", c.origin, err)
	case idleErr:
		c.logf(obs.Warn, "idle connection to %s closed: %v", c.origin, err)
	default:
		c.logf(obs.Error, "connection to %s failed: %v", c.origin, err)
		c.meter().Counter("httpx_client_requests_error", 1, obs.Label{Key: "stage", Value: "transport"})
	}
	c.publish()
	if c.opts.Hooks.OnDisconnect != nil {
		c.opts.Hooks.OnDisconnect(c.origin, err)
	}
	c.resume()
}

func (c *Conn) onWriteDone(t *transport, r *request, err error) {
	if t != c.transport || t.closed {
		return
	}
	c.writing, c.writingReq = false, nil
	if err != nil {
		c.meter().Counter("httpx_client_requests_error", 1, obs.Label{Key: "stage", Value: "write"})
		c.destroyTransport(t, err)
		c.resume()
		return
	}
	if rs, ok := r.handler.(RequestSentHandler); ok && !r.terminal {
		rs.OnRequestSent()
	}
	if f := t.afterWrite; f != nil {
		t.afterWrite = nil
		f()
	}
	c.resume()
}

// destroy fails everything with err and releases the connection for good.
func (c *Conn) destroy(err error) {
	if c.isDestroyed {
		return
	}
	c.isDestroyed = true
	c.destroyErr = err
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	for _, r := range c.q.drain() {
		r.fail(err)
	}
	if t := c.transport; t != nil {
		c.destroyTransport(t, err)
	}
	c.clearTimeout()
	c.publish()
	c.doneOnce.Do(func() { close(c.done) })
}

func (c *Conn) logf(level obs.Level, format string, args ...any) {
	c.opts.Logger.Logf(level, format, args...)
}

func (c *Conn) meter() obs.Meter { return c.opts.Meter }

// saturated reports whether the connection asked its caller to wait for
// drain, or stopped accepting requests.
func (c *Conn) saturated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.needDrain || c.closed
}
