package httpx

import (
	"time"

	"dqx0.com/go/h1dispatch/internal/obs"
)

type timerKind uint8

const (
	timerNone timerKind = iota
	timerHeaders
	timerBody
	timerIdle
)

func (k timerKind) String() string {
	switch k {
	case timerHeaders:
		return "headers"
	case timerBody:
		return "body"
	case timerIdle:
		return "idle"
	}
	return "none"
}

// watchdog is the single timer of a connection. Refreshing only moves the
// deadline; an early fire re-arms for the remainder.
type watchdog struct {
	kind     timerKind
	dur      time.Duration
	deadline time.Time
	gen      uint64
	timer    *time.Timer
}

func (w *watchdog) stop() {
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
}

// armTimers picks the timer for the current state: idle when nothing is
// queued, headers while the head request waits for its response.
func (c *Conn) armTimers() {
	if c.transport == nil {
		return
	}
	switch {
	case c.q.size() == 0:
		if c.wd.kind != timerIdle {
			c.setTimeout(c.keepAlive, timerIdle)
		}
	case c.q.runningLen() > 0 && !c.q.head().gotHeader:
		if c.wd.kind != timerHeaders {
			c.setTimeout(c.q.head().effectiveHeadersTimeout(c.opts.HeadersTimeout), timerHeaders)
		}
	}
}

func (c *Conn) setTimeout(d time.Duration, kind timerKind) {
	w := &c.wd
	w.stop()
	w.gen++
	w.kind = kind
	w.dur = d
	if d <= 0 || c.transport == nil {
		return
	}
	w.deadline = time.Now().Add(d)
	c.startTimer(d)
}

func (c *Conn) startTimer(d time.Duration) {
	gen, t := c.wd.gen, c.transport
	c.wd.timer = time.AfterFunc(d, func() {
		c.post(func() { c.onTimeout(t, gen) })
	})
}

func (c *Conn) refreshTimeout() {
	w := &c.wd
	if w.kind == timerNone || w.dur <= 0 || c.transport == nil {
		return
	}
	w.deadline = time.Now().Add(w.dur)
	if w.timer == nil {
		c.startTimer(w.dur)
	}
}

func (c *Conn) clearTimeout() {
	c.wd.stop()
	c.wd.gen++
	c.wd.kind = timerNone
	c.wd.dur = 0
}

func (c *Conn) onTimeout(t *transport, gen uint64) {
	w := &c.wd
	if gen != w.gen || t != c.transport || t.closed {
		return
	}
	w.timer = nil
	if rem := time.Until(w.deadline); rem > 0 {
		c.startTimer(rem)
		return
	}
	switch w.kind {
	case timerHeaders:
		if c.writing && c.q.runningLen() <= 1 {
			// The request is still going out; start counting once it is sent.
			w.kind = timerNone
			break
		}
		c.logf(obs.Warn, "%s: no response headers within %s", c.origin, w.dur)
		c.destroyTransport(t, ErrHeadersTimeout)
	case timerBody:
		if t.parser.Paused() {
			// Refreshed when the consumer resumes.
			break
		}
		c.logf(obs.Warn, "%s: response body stalled for %s", c.origin, w.dur)
		c.destroyTransport(t, ErrBodyTimeout)
	case timerIdle:
		c.meter().Counter("httpx_client_conn_idle_closed_total", 1)
		c.destroyTransport(t, &InformationalError{Reason: "socket idle timeout"})
	}
	c.resume()
}
