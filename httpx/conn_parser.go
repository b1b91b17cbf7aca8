package httpx

import (
	"errors"
	"fmt"
	"io"
	"net"
	"regexp"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"dqx0.com/go/h1dispatch/httpx/internal/http1"
	"dqx0.com/go/h1dispatch/internal/obs"
)

const readBufferSize = 64 << 10

var (
	// errReset asks the executor to close a transport that cannot be reused.
	errReset              = errors.New("httpx: connection reset requested")
	errUnexpectedResponse = errors.New("unexpected response")
	errAbortedResponse    = &InformationalError{Reason: "aborted"}

	keepAliveTimeoutRE = regexp.MustCompile(`timeout=(\d+)`)
)

// transport is one open socket plus its response parser. The reader
// goroutine hands every read to the executor and waits for an ack before
// reading again, so a paused parser stops the socket.
type transport struct {
	c      *Conn
	nc     net.Conn
	parser *http1.ResponseParser

	ack      chan struct{}
	stop     chan struct{}
	stopOnce sync.Once

	// Executor-owned.
	held          []byte
	awaitingAck   bool
	closed        bool
	closing       bool
	informational bool
	keepAliveResp bool
	counter       int
	upgradeHead   *http1.ResponseHead
	// afterWrite runs once the in-flight write settles.
	afterWrite func()

	bytesRead    atomic.Int64
	bytesWritten atomic.Int64
}

func newTransport(c *Conn, nc net.Conn) *transport {
	t := &transport{
		c:    c,
		nc:   nc,
		ack:  make(chan struct{}, 1),
		stop: make(chan struct{}),
	}
	t.parser = http1.NewResponseParser(t, c.opts.MaxHeaderSize)
	return t
}

// write is called from the writer goroutine only.
func (t *transport) write(p []byte) error {
	n, err := t.nc.Write(p)
	t.bytesWritten.Add(int64(n))
	if err != nil {
		return t.socketError("write", err)
	}
	return nil
}

func (t *transport) socketError(op string, err error) error {
	e := &SocketError{
		Op:           op,
		Err:          err,
		BytesRead:    t.bytesRead.Load(),
		BytesWritten: t.bytesWritten.Load(),
	}
	if a := t.nc.LocalAddr(); a != nil {
		e.LocalAddr = a.String()
	}
	if a := t.nc.RemoteAddr(); a != nil {
		e.RemoteAddr = a.String()
	}
	return e
}

func (t *transport) halt() { t.stopOnce.Do(func() { close(t.stop) }) }

func (t *transport) close() {
	t.closed = true
	t.afterWrite = nil
	t.halt()
	_ = t.nc.Close()
}

func (t *transport) ackRead() {
	if !t.awaitingAck {
		return
	}
	t.awaitingAck = false
	select {
	case t.ack <- struct{}{}:
	default:
	}
}

func (c *Conn) readLoop(t *transport) {
	buf := make([]byte, readBufferSize)
	for {
		n, err := t.nc.Read(buf)
		if n > 0 {
			t.bytesRead.Add(int64(n))
			data := buf[:n]
			c.post(func() { c.onRead(t, data) })
			select {
			case <-t.ack:
			case <-t.stop:
				return
			}
		}
		if err != nil {
			select {
			case <-t.stop:
				return
			default:
			}
			c.post(func() { c.onReadError(t, err) })
			return
		}
	}
}

func (c *Conn) onRead(t *transport, data []byte) {
	if t != c.transport || t.closed {
		return
	}
	t.held = data
	t.awaitingAck = true
	c.feed(t)
	c.resume()
}

// feed runs the parser over the held bytes. The reader stays blocked until
// everything was consumed.
func (c *Conn) feed(t *transport) {
	n, err := t.parser.Execute(t.held)
	t.held = t.held[n:]
	switch {
	case err == nil:
		t.held = nil
		t.ackRead()
	case errors.Is(err, http1.ErrPaused):
	case errors.Is(err, http1.ErrUpgrade):
		c.onUpgrade(t)
	case errors.Is(err, errReset):
		c.destroyTransport(t, &InformationalError{Reason: "reset"})
	default:
		c.destroyTransport(t, parseError(err))
	}
}

func parseError(err error) error {
	switch {
	case errors.Is(err, http1.ErrHeaderTooLarge):
		return ErrHeaderTooLarge
	case errors.Is(err, ErrSocket), errors.Is(err, ErrInformational),
		errors.Is(err, ErrProtocolViolation), errors.Is(err, ErrResponseExceededMaxSize):
		return err
	}
	return fmt.Errorf("%w: %w", ErrProtocolViolation, err)
}

func (c *Conn) onReadError(t *transport, err error) {
	if t != c.transport || t.closed {
		return
	}
	if errors.Is(err, io.EOF) {
		h := t.parser.Head()
		lengthDelimited := h != nil && h.Mode == http1.BodyLength && t.parser.InBody()
		ferr := t.parser.Finish()
		switch {
		case ferr != nil && lengthDelimited:
			err = ErrResponseContentLengthMismatch
		case ferr != nil && !errors.Is(ferr, http1.ErrIncompleteBody) && !errors.Is(ferr, http1.ErrIncompleteMessage) && !errors.Is(ferr, errReset):
			err = parseError(ferr)
		default:
			err = t.socketError("read", io.EOF)
		}
	} else {
		err = t.socketError("read", err)
	}
	c.destroyTransport(t, err)
	c.resume()
}

// resumeFunc is handed to OnHeaders. It may be called from any goroutine.
func (t *transport) resumeFunc(r *request) func() {
	c := t.c
	return func() { c.post(func() { c.resumeParser(t, r) }) }
}

func (c *Conn) resumeParser(t *transport, r *request) {
	if t != c.transport || t.closed || t.closing || r.terminal || !t.parser.Paused() {
		return
	}
	t.parser.Resume()
	c.refreshTimeout()
	c.feed(t)
	c.resume()
}

func (t *transport) OnHead(h *http1.ResponseHead) (http1.HeadAction, error) {
	c := t.c
	r := c.q.head()
	if r == nil || c.q.runningLen() == 0 {
		return 0, t.socketError("read", errUnexpectedResponse)
	}
	if err := aborted(r); err != nil {
		return 0, err
	}
	if h.StatusCode == 101 && !r.isUpgrade() {
		return 0, fmt.Errorf("%w: unexpected 101 response", ErrProtocolViolation)
	}
	if h.StatusCode < 200 && h.StatusCode != 101 {
		t.informational = true
		c.refreshTimeout()
		if ih, ok := r.handler.(InformationalHandler); ok {
			ih.OnInformational(h.StatusCode, Header(h.Header))
		}
		return http1.ReadBody, nil
	}
	r.gotHeader = true
	if r.isUpgrade() {
		if r.method == "CONNECT" || h.StatusCode == 101 {
			t.upgradeHead = h
			return http1.UpgradeConn, nil
		}
		return 0, fmt.Errorf("%w: upgrade refused with status %d", ErrProtocolViolation, h.StatusCode)
	}
	if max := c.opts.MaxResponseSize; max > 0 && h.ContentLength > max {
		return 0, ErrResponseExceededMaxSize
	}

	c.setTimeout(r.effectiveBodyTimeout(c.opts.BodyTimeout), timerBody)
	// A HEAD response never has a body, so its framing cannot force a close.
	keepAlive := t.parser.ShouldKeepAlive() || (h.KeepAlive && r.method == "HEAD")
	t.keepAliveResp = keepAlive
	if keepAlive {
		c.keepAlive = c.opts.KeepAliveTimeout
		if d, ok := parseKeepAliveTimeout(h.Header["Keep-Alive"]); ok {
			d = min(d-c.opts.KeepAliveTimeoutThreshold, c.opts.KeepAliveMaxTimeout)
			if d <= 0 {
				c.reset = true
			} else {
				c.keepAlive = d
			}
		}
	} else {
		c.reset = true
	}
	c.meter().Counter("httpx_client_responses_total", 1, obs.Label{Key: "code", Value: strconv.Itoa(h.StatusCode)})

	more := r.resp.OnHeaders(h.StatusCode, Header(h.Header), t.resumeFunc(r), h.Reason)
	if err := aborted(r); err != nil {
		return 0, err
	}
	c.blocking = false
	if !more {
		t.parser.Pause()
	}
	if r.method == "HEAD" {
		return http1.SkipBody, nil
	}
	return http1.ReadBody, nil
}

// parseKeepAliveTimeout extracts the timeout hint of a Keep-Alive header.
func parseKeepAliveTimeout(values []string) (time.Duration, bool) {
	for _, v := range values {
		if m := keepAliveTimeoutRE.FindStringSubmatch(v); m != nil {
			n, err := strconv.ParseInt(m[1], 10, 32)
			if err != nil {
				return 0, false
			}
			return time.Duration(n) * time.Second, true
		}
	}
	return 0, false
}

func (t *transport) OnBody(p []byte) error {
	c := t.c
	r := c.q.head()
	if r == nil || c.q.runningLen() == 0 {
		return t.socketError("read", errUnexpectedResponse)
	}
	c.refreshTimeout()
	if max := c.opts.MaxResponseSize; max > 0 && r.bytesRead+int64(len(p)) > max {
		return ErrResponseExceededMaxSize
	}
	r.bytesRead += int64(len(p))
	if err := aborted(r); err != nil {
		return err
	}
	if !r.resp.OnData(p) {
		t.parser.Pause()
	}
	return aborted(r)
}

// aborted fails r if its handler asked to abort and reports whether the
// response must be dropped.
func aborted(r *request) error {
	if p := r.abortReq.Load(); p != nil {
		r.fail(*p)
	}
	if r.terminal {
		return errAbortedResponse
	}
	return nil
}

func (t *transport) OnMessageComplete(trailers map[string][]string) error {
	c := t.c
	if t.informational {
		t.informational = false
		return nil
	}
	if c.q.runningLen() == 0 {
		return t.socketError("read", errUnexpectedResponse)
	}
	r := c.q.complete()
	if p := r.abortReq.Load(); p != nil {
		r.fail(*p)
	}
	if !r.terminal {
		r.terminal = true
		r.release()
		r.resp.OnComplete(Header(trailers))
	}

	if !t.keepAliveResp || c.writingReq == r || (c.reset && c.q.runningLen() == 0) {
		if c.writing {
			// Never cut a request that is still going out.
			t.closing = true
			t.afterWrite = func() { c.destroyTransport(t, &InformationalError{Reason: "reset"}) }
			t.parser.Pause()
			return nil
		}
		return errReset
	}
	return nil
}

// onUpgrade hands the socket to the upgrade handler once the request is
// fully written.
func (c *Conn) onUpgrade(t *transport) {
	rest := append([]byte(nil), t.held...)
	t.held = nil
	t.halt()
	h := t.upgradeHead
	finish := func() {
		c.transport = nil
		c.clearTimeout()
		c.reset, c.blocking, c.writing, c.writingReq = false, false, false, nil
		r := c.q.complete()
		c.q.rewind()
		c.publish()
		if c.opts.Hooks.OnDisconnect != nil {
			c.opts.Hooks.OnDisconnect(c.origin, &InformationalError{Reason: "upgrade"})
		}
		var nc net.Conn = t.nc
		if len(rest) > 0 {
			nc = &prefixConn{Conn: t.nc, buf: rest}
		}
		if r.terminal {
			_ = nc.Close()
			return
		}
		r.terminal = true
		r.release()
		c.logf(obs.Debug, "%s %s upgraded with status %d", r.method, r.path, h.StatusCode)
		r.upg.OnUpgrade(h.StatusCode, Header(h.Header), nc)
	}
	if c.writing {
		t.closing = true
		t.afterWrite = finish
		return
	}
	finish()
}
