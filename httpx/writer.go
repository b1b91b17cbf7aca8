package httpx

import (
	"io"

	"github.com/valyala/bytebufferpool"

	"dqx0.com/go/h1dispatch/httpx/internal/http1"
	"dqx0.com/go/h1dispatch/internal/obs"
)

const (
	// Bodies up to this size go out in the same write as the head.
	maxInlineBody  = 64 << 10
	writeChunkSize = 32 << 10
)

// writeRequest frames r onto the current transport and starts its writer.
// It returns false when r failed before anything was written.
func (c *Conn) writeRequest(r *request) bool {
	t := c.transport
	method := r.method
	expectsPayload := method == "PUT" || method == "POST" || method == "PATCH"

	bodyLen := r.body.length
	if r.body.kind == bodyNone {
		bodyLen = 0
	}
	contentLength := bodyLen
	if contentLength < 0 {
		contentLength = r.contentLength
	}
	if contentLength == 0 && !expectsPayload {
		contentLength = -1
	}
	if shouldSendContentLength(method) && bodyLen > 0 && r.contentLength >= 0 && r.contentLength != bodyLen {
		if *c.opts.StrictContentLength {
			r.fail(ErrRequestContentLengthMismatch)
			return false
		}
		c.logf(obs.Warn, "%s %s: content-length %d does not match body length %d", method, r.path, r.contentLength, bodyLen)
	}

	r.handler.OnConnect(func(err error) { c.abort(r, err) })
	if p := r.abortReq.Load(); p != nil {
		r.fail(*p)
		return false
	}
	if r.terminal {
		return false
	}

	if method == "HEAD" || r.isUpgrade() {
		c.reset = true
	}
	if r.reset != nil {
		c.reset = *r.reset
	}
	if r.closeConn {
		c.reset = true
	}
	t.counter++
	if max := c.opts.MaxRequestsPerConnection; max > 0 && t.counter >= max {
		c.reset = true
	}
	if r.blocking {
		c.blocking = true
	}
	if r.body.kind != bodyNone && !expectsPayload && r.reset == nil {
		c.reset = true
	}

	head := http1.RequestHead{
		Method:        method,
		Path:          r.path,
		Host:          r.hostHeader(c.origin),
		Header:        r.header,
		ContentLength: -1,
		Close:         c.reset,
	}
	if r.upgrade != "" {
		head.Upgrade = r.upgrade
	}
	chunked := false
	switch {
	case r.body.kind == bodyNone:
		head.ContentLength = contentLength
	case contentLength >= 0:
		head.ContentLength = contentLength
	default:
		chunked = true
		head.Chunked = true
	}
	bb := bytebufferpool.Get()
	bb.B = head.AppendTo(bb.B[:0])

	job := &writeJob{
		t:             t,
		head:          bb,
		body:          r.body,
		contentLength: -1,
		chunked:       chunked,
		strict:        *c.opts.StrictContentLength,
		logger:        c.opts.Logger,
	}
	if r.body.kind != bodyNone && !chunked {
		job.contentLength = contentLength
	}
	if bs, ok := r.handler.(BodySentHandler); ok {
		job.onChunk = func(p []byte) {
			chunk := append([]byte(nil), p...)
			c.post(func() {
				if !r.terminal {
					bs.OnBodySent(chunk)
				}
			})
		}
	}

	c.writing = true
	c.writingReq = r
	c.meter().Counter("httpx_client_requests_total", 1, obs.Label{Key: "method", Value: method})
	if t.counter > 1 {
		c.meter().Counter("httpx_client_conn_reuse_total", 1)
	}
	go func() {
		err := job.run()
		c.post(func() { c.onWriteDone(t, r, err) })
	}()
	return true
}

// shouldSendContentLength excludes methods whose requests rarely carry a
// body from the declared-length check.
func shouldSendContentLength(method string) bool {
	switch method {
	case "GET", "HEAD", "OPTIONS", "TRACE", "CONNECT":
		return false
	}
	return true
}

// writeJob streams one request on a writer goroutine.
type writeJob struct {
	t    *transport
	head *bytebufferpool.ByteBuffer
	body *requestBody
	// contentLength is the number of body bytes promised by the head, -1
	// for chunked or empty bodies.
	contentLength int64
	chunked       bool
	strict        bool
	written       int64
	onChunk       func([]byte)
	logger        obs.Logger
}

func (j *writeJob) run() error {
	defer bytebufferpool.Put(j.head)
	b := j.body
	switch b.kind {
	case bodyNone:
		return j.t.write(j.head.B)
	case bodyBytes:
		if len(b.bytes) <= maxInlineBody {
			j.head.B = append(j.head.B, b.bytes...)
			if err := j.t.write(j.head.B); err != nil {
				return err
			}
		} else {
			if err := j.t.write(j.head.B); err != nil {
				return err
			}
			if err := j.t.write(b.bytes); err != nil {
				return err
			}
		}
		j.written = int64(len(b.bytes))
		j.sent(b.bytes)
		return nil
	case bodyBlob:
		rc, err := b.blob.Open()
		if err != nil {
			return err
		}
		defer rc.Close()
		if err := j.t.write(j.head.B); err != nil {
			return err
		}
		return j.copyFrom(rc)
	case bodyReader:
		b.started.Store(true)
		if err := j.t.write(j.head.B); err != nil {
			return err
		}
		return j.copyFrom(b.reader)
	case bodySeq:
		b.started.Store(true)
		if err := j.t.write(j.head.B); err != nil {
			return err
		}
		for chunk := range b.seq {
			if err := j.writeChunk(chunk); err != nil {
				return err
			}
		}
		return j.finish()
	}
	return nil
}

func (j *writeJob) copyFrom(r io.Reader) error {
	buf := make([]byte, writeChunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if werr := j.writeChunk(buf[:n]); werr != nil {
				return werr
			}
		}
		if err == io.EOF {
			return j.finish()
		}
		if err != nil {
			return err
		}
	}
}

func (j *writeJob) writeChunk(p []byte) error {
	if len(p) == 0 {
		return nil
	}
	if j.contentLength >= 0 && j.written+int64(len(p)) > j.contentLength {
		return ErrRequestContentLengthMismatch
	}
	if j.chunked {
		bb := bytebufferpool.Get()
		bb.B = http1.AppendChunk(bb.B[:0], p)
		err := j.t.write(bb.B)
		bytebufferpool.Put(bb)
		if err != nil {
			return err
		}
	} else if err := j.t.write(p); err != nil {
		return err
	}
	j.written += int64(len(p))
	j.sent(p)
	return nil
}

func (j *writeJob) finish() error {
	if j.chunked {
		return j.t.write([]byte(http1.LastChunk))
	}
	if j.contentLength >= 0 && j.written != j.contentLength {
		if j.strict {
			return ErrRequestContentLengthMismatch
		}
		j.logger.Logf(obs.Warn, "request body ended after %d of %d declared bytes", j.written, j.contentLength)
	}
	return nil
}

func (j *writeJob) sent(p []byte) {
	if j.onChunk != nil {
		j.onChunk(p)
	}
}
