// Package h1test runs a scripted HTTP/1.1 origin on in-memory connections.
// Each accepted connection reads requests in order and lets a Responder
// write whatever bytes the test needs, including malformed ones.
package h1test

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"

	"github.com/valyala/fasthttp/fasthttputil"

	"dqx0.com/go/h1dispatch/httpx/internal/http1"
)

// Request is a request as received by the origin.
type Request struct {
	Method  string
	Target  string
	Proto   string
	Header  map[string][]string
	Body    []byte
	Chunked bool
	// Conn numbers accepted connections from 1; Seq numbers requests on
	// one connection from 0.
	Conn int
	Seq  int
}

// Get returns the first value of a canonical header key.
func (r *Request) Get(key string) string {
	if vv := r.Header[key]; len(vv) > 0 {
		return vv[0]
	}
	return ""
}

// Responder answers one request.
type Responder func(w *ResponseWriter, r *Request)

// Server is the scripted origin.
type Server struct {
	ln      *fasthttputil.InmemoryListener
	respond Responder

	mu    sync.Mutex
	reqs  []*Request
	conns int
	wg    sync.WaitGroup
}

// NewServer starts serving with respond.
func NewServer(respond Responder) *Server {
	s := &Server{ln: fasthttputil.NewInmemoryListener(), respond: respond}
	s.wg.Add(1)
	go s.accept()
	return s
}

// Dial opens a client connection to the origin.
func (s *Server) Dial(ctx context.Context) (net.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.ln.Dial()
}

// Requests returns the requests received so far.
func (s *Server) Requests() []*Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Request(nil), s.reqs...)
}

// Conns returns the number of accepted connections.
func (s *Server) Conns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conns
}

// Close stops accepting and waits for the accept loop.
func (s *Server) Close() {
	_ = s.ln.Close()
	s.wg.Wait()
}

func (s *Server) accept() {
	defer s.wg.Done()
	for {
		c, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns++
		id := s.conns
		s.mu.Unlock()
		go s.serve(c, id)
	}
}

func (s *Server) serve(c net.Conn, id int) {
	br := bufio.NewReader(c)
	bw := bufio.NewWriter(c)
	w := &ResponseWriter{conn: c, bw: bw}
	defer func() {
		if !w.hijacked {
			_ = c.Close()
		}
	}()
	for seq := 0; ; seq++ {
		rr := &http1.Reader{BR: br, MaxHeaderBytes: 64 << 10}
		pr, err := rr.ReadRequest()
		if err != nil {
			return
		}
		body, err := io.ReadAll(pr.Body)
		if err != nil {
			return
		}
		req := &Request{
			Method:  pr.Method,
			Target:  pr.RequestURI,
			Proto:   pr.Proto,
			Header:  pr.Header,
			Body:    body,
			Chunked: pr.ContentLength < 0,
			Conn:    id,
			Seq:     seq,
		}
		s.mu.Lock()
		s.reqs = append(s.reqs, req)
		s.mu.Unlock()

		w.br = br
		s.respond(w, req)
		if w.hijacked {
			return
		}
		if err := bw.Flush(); err != nil || w.closeAfter {
			return
		}
	}
}

// ResponseWriter writes raw responses for one connection.
type ResponseWriter struct {
	conn       net.Conn
	br         *bufio.Reader
	bw         *bufio.Writer
	closeAfter bool
	hijacked   bool
}

// Respond writes a complete response with a content-length.
func (w *ResponseWriter) Respond(status int, hdr map[string][]string, body string) {
	if hdr == nil {
		hdr = map[string][]string{}
	}
	_ = http1.WriteResponse(w.bw, status, "", hdr, []byte(body), !w.closeAfter)
}

// Chunked writes a chunked response with one chunk per element of chunks
// and optional trailers.
func (w *ResponseWriter) Chunked(status int, hdr map[string][]string, chunks []string, trailers map[string]string) {
	if hdr == nil {
		hdr = map[string][]string{}
	}
	_ = http1.StartResponse(w.bw, status, "", hdr, true, !w.closeAfter)
	for _, c := range chunks {
		_, _ = http1.WriteChunked(w.bw, []byte(c))
	}
	if len(trailers) == 0 {
		_ = http1.EndChunked(w.bw)
		return
	}
	_, _ = w.bw.WriteString("0\r\n")
	for k, v := range trailers {
		_, _ = fmt.Fprintf(w.bw, "%s: %s\r\n", k, v)
	}
	_, _ = w.bw.WriteString("\r\n")
}

// Raw writes s verbatim.
func (w *ResponseWriter) Raw(s string) {
	_, _ = w.bw.WriteString(s)
}

// Flush pushes buffered bytes to the client.
func (w *ResponseWriter) Flush() {
	_ = w.bw.Flush()
}

// CloseAfter closes the connection once the current response is flushed.
// Responses written afterwards carry connection: close.
func (w *ResponseWriter) CloseAfter() { w.closeAfter = true }

// Hijack flushes and hands the connection to the caller. Bytes the client
// sent after the request are available from the returned reader.
func (w *ResponseWriter) Hijack() (net.Conn, *bufio.Reader) {
	_ = w.bw.Flush()
	w.hijacked = true
	return w.conn, w.br
}

// Text is a convenience Responder body: 200 with body s.
func Text(s string) Responder {
	return func(w *ResponseWriter, _ *Request) {
		w.Respond(200, map[string][]string{"Content-Type": {"text/plain"}}, s)
	}
}

// Echo answers with the request target and body.
func Echo() Responder {
	return func(w *ResponseWriter, r *Request) {
		w.Respond(200, map[string][]string{
			"X-Method":      {r.Method},
			"X-Target":      {r.Target},
			"X-Body-Length": {strconv.Itoa(len(r.Body))},
		}, string(r.Body))
	}
}
