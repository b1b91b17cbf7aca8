package httpx

import (
	"context"
	"slices"
	"sync"

	"golang.org/x/sync/errgroup"

	"dqx0.com/go/h1dispatch/internal/obs"
)

// Pool spreads requests for one origin over up to Connections connections.
// Requests that find every connection saturated wait in a FIFO and are
// handed to the first connection that drains.
type Pool struct {
	origin Origin
	opts   PoolOptions
	// onEmpty is called, without locks held, once the pool has neither
	// connections nor buffered requests.
	onEmpty func(p *Pool)

	mu        sync.Mutex
	conns     []*Conn
	queue     fifo[*request]
	needDrain bool
	closed    bool
	closing   bool
	destroyed bool
	closeOnce sync.Once
	done      chan struct{}
	doneOnce  sync.Once
}

// PoolStats is a point-in-time view of a Pool.
type PoolStats struct {
	Connections int
	Connected   int
	// Free connections are connected and not saturated.
	Free    int
	Queued  int
	Pending int
	Running int
	Size    int
}

// NewPool returns a Pool for origin.
func NewPool(origin Origin, opts PoolOptions) (*Pool, error) {
	if !origin.valid() {
		return nil, invalidArg("invalid origin %q", origin.String())
	}
	o, err := opts.normalize()
	if err != nil {
		return nil, err
	}
	return &Pool{origin: origin, opts: o, done: make(chan struct{})}, nil
}

// Origin returns the origin the pool talks to.
func (p *Pool) Origin() Origin { return p.origin }

func (p *Pool) Dispatch(opts DispatchOptions, h Handler) (bool, error) {
	if !opts.Origin.IsZero() && opts.Origin != p.origin {
		return false, invalidArg("origin %s does not match %s", opts.Origin, p.origin)
	}
	opts.Origin = p.origin
	r, err := prepare(p, opts, h, p.opts.MaxRedirections)
	if err != nil {
		return false, err
	}
	ok, err := p.trySubmit(r)
	if err != nil {
		r.fail(p.closedErr())
		return false, nil
	}
	return ok, nil
}

func (p *Pool) closedErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.destroyed {
		return ErrClientDestroyed
	}
	return ErrClientClosed
}

func (p *Pool) trySubmit(r *request) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false, errRetired
	}
	if p.queue.len() == 0 {
		for {
			c := p.pickLocked()
			if c == nil {
				break
			}
			ok, err := c.trySubmit(r)
			if err != nil {
				// Retired between pick and submit.
				p.removeLocked(c)
				continue
			}
			if !ok {
				p.needDrain = !p.hasCapacityLocked()
			}
			return !p.needDrain, nil
		}
	}
	p.watchLocked(r)
	p.queue.push(r)
	p.needDrain = true
	p.opts.Meter.Counter("httpx_client_pool_queued_total", 1)
	return false, nil
}

// hasCapacityLocked reports whether a request could be handed to a
// connection right now without buffering it.
func (p *Pool) hasCapacityLocked() bool {
	for _, c := range p.conns {
		if !c.saturated() {
			return true
		}
	}
	return p.opts.Connections <= 0 || len(p.conns) < p.opts.Connections
}

// pickLocked returns the first connection that accepts work, opening a new
// one while below the limit. Only call it with a request in hand.
func (p *Pool) pickLocked() *Conn {
	for _, c := range p.conns {
		if !c.saturated() {
			return c
		}
	}
	if p.opts.Connections > 0 && len(p.conns) >= p.opts.Connections {
		return nil
	}
	var c *Conn
	c, err := NewConn(p.origin, p.connOptions(&c))
	if err != nil {
		p.opts.Logger.Logf(obs.Error, "pool %s: %v", p.origin, err)
		return nil
	}
	p.conns = append(p.conns, c)
	return c
}

// watchLocked fails r if its context ends while it is buffered.
func (p *Pool) watchLocked(r *request) {
	if r.ctx == nil {
		return
	}
	r.stopCtx = context.AfterFunc(r.ctx, func() { p.abortBuffered(r) })
}

// unwatchLocked detaches the buffered watch before r leaves the FIFO. It
// returns false when the watch already fired and r must be failed instead.
func (p *Pool) unwatchLocked(r *request) bool {
	if r.stopCtx == nil {
		return true
	}
	stopped := r.stopCtx()
	r.stopCtx = nil
	return stopped
}

func (p *Pool) abortBuffered(r *request) {
	p.mu.Lock()
	removed := p.queue.remove(func(x *request) bool { return x == r })
	closeNow := removed && p.closing && p.queue.len() == 0
	p.mu.Unlock()
	if !removed {
		return
	}
	r.fail(abortCause(r.ctx))
	if closeNow {
		go p.closeConns()
	}
}

// connOptions wires member hooks to the pool. ref is filled in once the
// connection exists; hooks never run before its first dispatch.
func (p *Pool) connOptions(ref **Conn) ConnOptions {
	o := p.opts.ConnOptions
	user := o.Hooks
	o.Hooks = ConnHooks{
		OnConnect: user.OnConnect,
		OnDisconnect: func(origin Origin, err error) {
			if user.OnDisconnect != nil {
				user.OnDisconnect(origin, err)
			}
			p.onConnIdle(*ref)
		},
		OnConnectionError: func(origin Origin, err error) {
			if user.OnConnectionError != nil {
				user.OnConnectionError(origin, err)
			}
			p.onConnIdle(*ref)
		},
		OnDrain: func(Origin) { p.onConnDrain(*ref) },
	}
	return o
}

func (p *Pool) removeLocked(c *Conn) {
	p.conns = slices.DeleteFunc(p.conns, func(x *Conn) bool { return x == c })
}

// onConnDrain hands buffered requests to c until it saturates.
func (p *Pool) onConnDrain(c *Conn) {
	p.mu.Lock()
	var aborted []*request
	busy := false
	for !busy {
		r, ok := p.queue.peek()
		if !ok {
			break
		}
		if !p.unwatchLocked(r) {
			p.queue.shift()
			aborted = append(aborted, r)
			continue
		}
		accepted, err := c.trySubmit(r)
		if err != nil {
			p.watchLocked(r)
			busy = true
			break
		}
		p.queue.shift()
		busy = !accepted
	}
	emit := !busy && p.needDrain
	if emit {
		p.needDrain = false
	}
	closeNow := p.closing && p.queue.len() == 0
	p.mu.Unlock()

	for _, r := range aborted {
		r.fail(abortCause(r.ctx))
	}
	if emit && p.opts.Hooks.OnDrain != nil {
		p.opts.Hooks.OnDrain(p.origin)
	}
	if closeNow {
		go p.closeConns()
	}
}

// onConnIdle retires c when its transport went away with nothing queued.
func (p *Pool) onConnIdle(c *Conn) {
	p.mu.Lock()
	if c != nil && p.queue.len() == 0 && c.tryRetire() {
		p.removeLocked(c)
		p.opts.Logger.Logf(obs.Debug, "pool %s: retired idle connection, %d left", p.origin, len(p.conns))
	}
	empty := len(p.conns) == 0 && p.queue.len() == 0 && !p.closed
	p.mu.Unlock()
	if empty && p.onEmpty != nil {
		p.onEmpty(p)
	}
}

// tryRetire closes the pool if it has no connections and nothing queued.
func (p *Pool) tryRetire() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || len(p.conns) > 0 || p.queue.len() > 0 {
		return false
	}
	p.closed = true
	p.doneOnce.Do(func() { close(p.done) })
	return true
}

func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	conns := slices.Clone(p.conns)
	s := PoolStats{Connections: len(conns), Queued: p.queue.len()}
	p.mu.Unlock()
	s.Pending, s.Size = s.Queued, s.Queued
	for _, c := range conns {
		cs := c.Stats()
		if cs.Connected {
			s.Connected++
			if !c.saturated() {
				s.Free++
			}
		}
		s.Pending += cs.Pending
		s.Running += cs.Running
		s.Size += cs.Size
	}
	return s
}

// Close waits for buffered and queued requests to complete, then closes
// every connection.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		if p.queue.len() > 0 {
			p.closing = true
		} else {
			go p.closeConns()
		}
	}
	p.mu.Unlock()
	return p.wait(ctx)
}

// Destroy fails buffered requests with err and destroys every connection.
func (p *Pool) Destroy(ctx context.Context, err error) error {
	if err == nil {
		err = ErrClientDestroyed
	}
	p.mu.Lock()
	p.closed = true
	p.closing = false
	p.destroyed = true
	pending := p.queue.drain()
	conns := slices.Clone(p.conns)
	p.mu.Unlock()

	for _, r := range pending {
		r.fail(err)
	}
	var g errgroup.Group
	for _, c := range conns {
		g.Go(func() error { return c.Destroy(context.Background(), err) })
	}
	go func() {
		_ = g.Wait()
		p.doneOnce.Do(func() { close(p.done) })
	}()
	return p.wait(ctx)
}

func (p *Pool) closeConns() {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		conns := slices.Clone(p.conns)
		p.mu.Unlock()
		var g errgroup.Group
		for _, c := range conns {
			g.Go(func() error { return c.Close(context.Background()) })
		}
		_ = g.Wait()
		p.doneOnce.Do(func() { close(p.done) })
	})
}

func (p *Pool) wait(ctx context.Context) error {
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
