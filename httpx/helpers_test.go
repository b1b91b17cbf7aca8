package httpx

import (
	"bytes"
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"dqx0.com/go/h1dispatch/httpx/internal/h1test"
)

const testTimeout = 5 * time.Second

var testOrigin = Origin{Scheme: "http", Host: "example.test", Port: 80}

// recorder is a ResponseHandler that records everything it is told.
type recorder struct {
	mu        sync.Mutex
	connects  int
	abort     func(error)
	status    int
	text      string
	header    Header
	body      bytes.Buffer
	trailers  Header
	err       error
	terminals int
	info      []int
	sent      bool
	resume    func()
	done      chan struct{}

	// pause makes OnHeaders return false.
	pause bool
	// onHeaders runs inside OnHeaders.
	onHeaders func(r *recorder)
	// onDone runs inside the terminal callback.
	onDone func(r *recorder)
}

func newRecorder() *recorder { return &recorder{done: make(chan struct{})} }

func (r *recorder) OnConnect(abort func(error)) {
	r.mu.Lock()
	r.connects++
	r.abort = abort
	r.mu.Unlock()
}

func (r *recorder) OnHeaders(status int, h Header, resume func(), text string) bool {
	r.mu.Lock()
	r.status, r.header, r.resume, r.text = status, h, resume, text
	pause := r.pause
	hook := r.onHeaders
	r.mu.Unlock()
	if hook != nil {
		hook(r)
	}
	return !pause
}

func (r *recorder) OnData(p []byte) bool {
	r.mu.Lock()
	r.body.Write(p)
	r.mu.Unlock()
	return true
}

func (r *recorder) OnComplete(trailers Header) {
	r.mu.Lock()
	r.trailers = trailers
	r.terminal()
	r.mu.Unlock()
}

func (r *recorder) OnError(err error) {
	r.mu.Lock()
	r.err = err
	r.terminal()
	r.mu.Unlock()
}

func (r *recorder) OnInformational(status int, _ Header) {
	r.mu.Lock()
	r.info = append(r.info, status)
	r.mu.Unlock()
}

func (r *recorder) OnRequestSent() {
	r.mu.Lock()
	r.sent = true
	r.mu.Unlock()
}

// terminal is called with r.mu held.
func (r *recorder) terminal() {
	r.terminals++
	if r.terminals == 1 {
		if r.onDone != nil {
			r.onDone(r)
		}
		close(r.done)
	}
}

func (r *recorder) wait(t *testing.T) {
	t.Helper()
	select {
	case <-r.done:
	case <-time.After(testTimeout):
		t.Fatal("request did not finish")
	}
}

func (r *recorder) result() (int, string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status, r.body.String(), r.err
}

func (r *recorder) resumeBody() {
	r.mu.Lock()
	resume := r.resume
	r.mu.Unlock()
	resume()
}

func connectorFor(srv *h1test.Server) Connector {
	return ConnectorFunc(func(ctx context.Context, _ ConnectOptions) (net.Conn, error) {
		return srv.Dial(ctx)
	})
}

func newTestConn(t *testing.T, srv *h1test.Server, opts ConnOptions) *Conn {
	t.Helper()
	if opts.Connector == nil {
		opts.Connector = connectorFor(srv)
	}
	c, err := NewConn(testOrigin, opts)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
		defer cancel()
		_ = c.Destroy(ctx, nil)
	})
	return c
}

func newTestServer(t *testing.T, respond h1test.Responder) *h1test.Server {
	t.Helper()
	srv := h1test.NewServer(respond)
	t.Cleanup(srv.Close)
	return srv
}

func dispatch(t *testing.T, d Dispatcher, opts DispatchOptions) *recorder {
	t.Helper()
	rec := newRecorder()
	_, err := d.Dispatch(opts, rec)
	require.NoError(t, err)
	return rec
}

func get(path string) DispatchOptions { return DispatchOptions{Path: path, Method: "GET"} }
