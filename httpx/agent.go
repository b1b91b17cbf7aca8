package httpx

import (
	"context"
	"errors"
	"maps"
	"sync"

	"golang.org/x/sync/errgroup"

	"dqx0.com/go/h1dispatch/internal/obs"
)

// Agent routes requests to a per-origin Conn or Pool, created on first use
// and dropped again once it is idle and empty.
type Agent struct {
	opts AgentOptions

	mu        sync.Mutex
	members   map[string]member
	closed    bool
	destroyed bool
}

type member interface {
	submitter
	tryRetire() bool
}

// NewAgent returns an Agent. The options are shared by every member; in
// particular all members use the same Connector and TLS session cache.
func NewAgent(opts AgentOptions) (*Agent, error) {
	po, err := opts.PoolOptions.normalize()
	if err != nil {
		return nil, err
	}
	opts.PoolOptions = po
	return &Agent{opts: opts, members: make(map[string]member)}, nil
}

func (a *Agent) Dispatch(opts DispatchOptions, h Handler) (bool, error) {
	if opts.Origin.IsZero() {
		return false, invalidArg("origin is required")
	}
	if !opts.Origin.valid() {
		return false, invalidArg("invalid origin %q", opts.Origin.String())
	}
	r, err := prepare(a, opts, h, a.opts.MaxRedirections)
	if err != nil {
		return false, err
	}
	key := opts.Origin.String()

	a.mu.Lock()
	for !a.closed {
		m, err := a.memberLocked(opts.Origin, key)
		if err != nil {
			a.mu.Unlock()
			return false, err
		}
		ok, err := m.trySubmit(r)
		if errors.Is(err, errRetired) {
			delete(a.members, key)
			continue
		}
		a.mu.Unlock()
		return ok, nil
	}
	closedErr := ErrClientClosed
	if a.destroyed {
		closedErr = ErrClientDestroyed
	}
	a.mu.Unlock()
	r.fail(closedErr)
	return false, nil
}

func (a *Agent) memberLocked(o Origin, key string) (member, error) {
	if m, ok := a.members[key]; ok {
		return m, nil
	}
	var m member
	if a.opts.Connections == 1 {
		var c *Conn
		co := a.opts.ConnOptions
		user := co.Hooks
		co.Hooks.OnDisconnect = func(o Origin, err error) {
			if user.OnDisconnect != nil {
				user.OnDisconnect(o, err)
			}
			a.onIdle(key, c)
		}
		co.Hooks.OnConnectionError = func(o Origin, err error) {
			if user.OnConnectionError != nil {
				user.OnConnectionError(o, err)
			}
			a.onIdle(key, c)
		}
		c, err := NewConn(o, co)
		if err != nil {
			return nil, err
		}
		m = c
	} else {
		p, err := NewPool(o, a.opts.PoolOptions)
		if err != nil {
			return nil, err
		}
		p.onEmpty = func(p *Pool) { a.onIdle(key, p) }
		m = p
	}
	a.members[key] = m
	a.opts.Logger.Logf(obs.Debug, "agent: new dispatcher for %s", key)
	return m, nil
}

// onIdle drops m if it is still the member for key and agrees to retire.
func (a *Agent) onIdle(key string, m member) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if cur, ok := a.members[key]; ok && cur == m && m.tryRetire() {
		delete(a.members, key)
		a.opts.Logger.Logf(obs.Debug, "agent: dropped idle dispatcher for %s", key)
	}
}

// Stats returns per-origin statistics keyed by origin string.
func (a *Agent) Stats() map[string]PoolStats {
	a.mu.Lock()
	members := maps.Clone(a.members)
	a.mu.Unlock()
	out := make(map[string]PoolStats, len(members))
	for key, m := range members {
		switch d := m.(type) {
		case *Pool:
			out[key] = d.Stats()
		case *Conn:
			cs := d.Stats()
			ps := PoolStats{Connections: 1, Pending: cs.Pending, Running: cs.Running, Size: cs.Size}
			if cs.Connected {
				ps.Connected = 1
				if !d.saturated() {
					ps.Free = 1
				}
			}
			out[key] = ps
		}
	}
	return out
}

// Close closes every member concurrently.
func (a *Agent) Close(ctx context.Context) error {
	members := a.shutdown(false)
	g, gctx := errgroup.WithContext(ctx)
	for _, m := range members {
		g.Go(func() error { return m.Close(gctx) })
	}
	return g.Wait()
}

// Destroy destroys every member concurrently with err.
func (a *Agent) Destroy(ctx context.Context, err error) error {
	if err == nil {
		err = ErrClientDestroyed
	}
	members := a.shutdown(true)
	g, gctx := errgroup.WithContext(ctx)
	for _, m := range members {
		g.Go(func() error { return m.Destroy(gctx, err) })
	}
	return g.Wait()
}

func (a *Agent) shutdown(destroy bool) []member {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	if destroy {
		a.destroyed = true
	}
	out := make([]member, 0, len(a.members))
	for _, m := range a.members {
		out = append(out, m)
	}
	if destroy {
		clear(a.members)
	}
	return out
}
