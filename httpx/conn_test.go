package httpx

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dqx0.com/go/h1dispatch/httpx/internal/h1test"
)

// blockUntil returns a channel that stays open until unblock is called or
// the test ends.
func blockUntil(t *testing.T) (release <-chan struct{}, unblock func()) {
	ch := make(chan struct{})
	var once sync.Once
	unblock = func() { once.Do(func() { close(ch) }) }
	t.Cleanup(unblock)
	return ch, unblock
}

func TestConnGet(t *testing.T) {
	srv := newTestServer(t, h1test.Text("hello"))
	c := newTestConn(t, srv, ConnOptions{})

	rec := dispatch(t, c, get("/index"))
	rec.wait(t)

	status, body, err := rec.result()
	require.NoError(t, err)
	assert.Equal(t, 200, status)
	assert.Equal(t, "hello", body)
	assert.Equal(t, "OK", rec.text)
	assert.True(t, rec.sent)

	reqs := srv.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "/index", reqs[0].Target)
	assert.Equal(t, "example.test", reqs[0].Get("Host"))
	assert.Equal(t, "keep-alive", reqs[0].Get("Connection"))
	assert.Empty(t, reqs[0].Get("Content-Length"))
}

func TestConnPipelinedOrdering(t *testing.T) {
	srv := newTestServer(t, h1test.Echo())
	c := newTestConn(t, srv, ConnOptions{Pipelining: 3})

	var mu sync.Mutex
	var order []string
	paths := []string{"/0", "/1", "/2", "/3", "/4"}
	recs := make([]*recorder, len(paths))
	for i, p := range paths {
		rec := newRecorder()
		rec.onDone = func(r *recorder) {
			mu.Lock()
			order = append(order, r.header.Get("X-Target"))
			mu.Unlock()
		}
		_, err := c.Dispatch(get(p), rec)
		require.NoError(t, err)
		recs[i] = rec
	}
	for _, rec := range recs {
		rec.wait(t)
		_, _, err := rec.result()
		require.NoError(t, err)
	}
	assert.Equal(t, paths, order)
	assert.Equal(t, 1, srv.Conns())
}

func TestConnStrictContentLengthMismatch(t *testing.T) {
	srv := newTestServer(t, h1test.Echo())
	c := newTestConn(t, srv, ConnOptions{})

	rec := dispatch(t, c, DispatchOptions{
		Path:    "/upload",
		Method:  "POST",
		Headers: Header{"Content-Length": {"3"}},
		Body:    "hello",
	})
	rec.wait(t)
	_, _, err := rec.result()
	require.ErrorIs(t, err, ErrRequestContentLengthMismatch)
	assert.Zero(t, rec.connects, "handler must fail before the request is written")

	next := dispatch(t, c, get("/after"))
	next.wait(t)
	reqs := srv.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "/after", reqs[0].Target)
}

func TestConnRelaxedContentLengthMismatch(t *testing.T) {
	srv := newTestServer(t, h1test.Echo())
	c := newTestConn(t, srv, ConnOptions{StrictContentLength: Bool(false)})

	rec := dispatch(t, c, DispatchOptions{
		Path:    "/upload",
		Method:  "POST",
		Headers: Header{"Content-Length": {"3"}},
		Body:    "hello",
	})
	rec.wait(t)
	_, body, err := rec.result()
	require.NoError(t, err)
	assert.Equal(t, "hello", body)
	assert.Equal(t, "5", srv.Requests()[0].Get("Content-Length"))
}

func TestConnEmptyBodyFraming(t *testing.T) {
	srv := newTestServer(t, h1test.Echo())
	c := newTestConn(t, srv, ConnOptions{})

	post := dispatch(t, c, DispatchOptions{Path: "/p", Method: "POST"})
	post.wait(t)
	del := dispatch(t, c, DispatchOptions{Path: "/d", Method: "DELETE"})
	del.wait(t)

	reqs := srv.Requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, "0", reqs[0].Get("Content-Length"))
	assert.Empty(t, reqs[1].Get("Content-Length"))
}

func TestConnStreamedBodiesAreChunked(t *testing.T) {
	srv := newTestServer(t, h1test.Echo())
	c := newTestConn(t, srv, ConnOptions{})

	seq := func(yield func([]byte) bool) {
		for _, s := range []string{"ab", "", "cd"} {
			if !yield([]byte(s)) {
				return
			}
		}
	}
	rec := dispatch(t, c, DispatchOptions{Path: "/seq", Method: "PUT", Body: seq})
	rec.wait(t)
	rdr := dispatch(t, c, DispatchOptions{Path: "/reader", Method: "POST", Body: io.MultiReader(strings.NewReader("xy"), strings.NewReader("z"))})
	rdr.wait(t)

	reqs := srv.Requests()
	require.Len(t, reqs, 2)
	assert.True(t, reqs[0].Chunked)
	assert.Equal(t, "abcd", string(reqs[0].Body))
	assert.True(t, reqs[1].Chunked)
	assert.Equal(t, "xyz", string(reqs[1].Body))
}

func TestConnStreamedBodyWithDeclaredLength(t *testing.T) {
	srv := newTestServer(t, h1test.Echo())
	c := newTestConn(t, srv, ConnOptions{})

	rec := dispatch(t, c, DispatchOptions{
		Path:          "/declared",
		Method:        "POST",
		ContentLength: 6,
		Body:          io.MultiReader(strings.NewReader("abc"), strings.NewReader("def")),
	})
	rec.wait(t)
	_, _, err := rec.result()
	require.NoError(t, err)
	req := srv.Requests()[0]
	assert.False(t, req.Chunked)
	assert.Equal(t, "abcdef", string(req.Body))

	short := dispatch(t, c, DispatchOptions{
		Path:          "/short",
		Method:        "POST",
		ContentLength: 10,
		Body:          io.MultiReader(strings.NewReader("abc")),
	})
	short.wait(t)
	_, _, err = short.result()
	assert.ErrorIs(t, err, ErrRequestContentLengthMismatch)
}

func TestParseKeepAliveTimeout(t *testing.T) {
	d, ok := parseKeepAliveTimeout([]string{"timeout=5, max=100"})
	require.True(t, ok)
	assert.Equal(t, 5*time.Second, d)

	_, ok = parseKeepAliveTimeout([]string{"max=100"})
	assert.False(t, ok)
	_, ok = parseKeepAliveTimeout(nil)
	assert.False(t, ok)
}

func TestConnKeepAliveHintClamped(t *testing.T) {
	srv := newTestServer(t, func(w *h1test.ResponseWriter, r *h1test.Request) {
		w.Respond(200, map[string][]string{"Keep-Alive": {"timeout=1"}}, "ok")
	})
	disconnected := make(chan time.Time, 1)
	c := newTestConn(t, srv, ConnOptions{Hooks: ConnHooks{
		OnDisconnect: func(Origin, error) {
			select {
			case disconnected <- time.Now():
			default:
			}
		},
	}})

	rec := dispatch(t, c, get("/"))
	rec.wait(t)
	done := time.Now()

	select {
	case at := <-disconnected:
		idle := at.Sub(done)
		// timeout=1 minus the 500ms threshold.
		assert.GreaterOrEqual(t, idle, 300*time.Millisecond)
		assert.Less(t, idle, 2*time.Second)
	case <-time.After(testTimeout):
		t.Fatal("connection was not closed")
	}
}

// A server hint longer than the configured default wins, minus the
// threshold: KeepAliveTimeout=100ms with timeout=5 idles for 4.5s.
func TestConnKeepAliveHintOverridesDefault(t *testing.T) {
	if testing.Short() {
		t.Skip("waits for a 4.5s idle timeout")
	}
	srv := newTestServer(t, func(w *h1test.ResponseWriter, r *h1test.Request) {
		w.Respond(200, map[string][]string{"Keep-Alive": {"timeout=5"}}, "ok")
	})
	disconnected := make(chan time.Time, 1)
	c := newTestConn(t, srv, ConnOptions{
		KeepAliveTimeout: 100 * time.Millisecond,
		Hooks: ConnHooks{
			OnDisconnect: func(Origin, error) {
				select {
				case disconnected <- time.Now():
				default:
				}
			},
		},
	})

	rec := dispatch(t, c, get("/"))
	rec.wait(t)
	done := time.Now()

	select {
	case <-disconnected:
		t.Fatal("connection closed after the configured default")
	case <-time.After(time.Second):
	}
	assert.True(t, c.Stats().Connected)

	select {
	case at := <-disconnected:
		idle := at.Sub(done)
		assert.GreaterOrEqual(t, idle, 4400*time.Millisecond)
		assert.Less(t, idle, 5500*time.Millisecond)
	case <-time.After(10 * time.Second):
		t.Fatal("connection was not closed")
	}
}

// Bodies of unknown length go out chunked and arrive byte for byte.
func TestConnChunkedBodyRoundTrip(t *testing.T) {
	srv := newTestServer(t, h1test.Text("ok"))
	c := newTestConn(t, srv, ConnOptions{})

	sizes := []int{0, 1, 65536, 1_048_577}
	srcs := make([][]byte, len(sizes))
	for i, size := range sizes {
		srcs[i] = make([]byte, size)
		_, _ = rand.Read(srcs[i])
		rec := dispatch(t, c, DispatchOptions{
			Path:   fmt.Sprintf("/%d", size),
			Method: "POST",
			// MultiReader hides the length so the writer cannot measure it.
			Body: io.MultiReader(bytes.NewReader(srcs[i])),
		})
		rec.wait(t)
		_, _, err := rec.result()
		require.NoError(t, err, "size %d", size)
	}

	reqs := srv.Requests()
	require.Len(t, reqs, len(sizes))
	for i, size := range sizes {
		assert.True(t, reqs[i].Chunked, "size %d", size)
		assert.Empty(t, reqs[i].Get("Content-Length"), "size %d", size)
		require.True(t, bytes.Equal(srcs[i], reqs[i].Body), "size %d: got %d bytes", size, len(reqs[i].Body))
	}
}

func TestConnKeepAliveHintBelowThresholdCloses(t *testing.T) {
	srv := newTestServer(t, func(w *h1test.ResponseWriter, r *h1test.Request) {
		w.Respond(200, map[string][]string{"Keep-Alive": {"timeout=0"}}, "ok")
	})
	disconnected := make(chan error, 1)
	c := newTestConn(t, srv, ConnOptions{Hooks: ConnHooks{
		OnDisconnect: func(_ Origin, err error) {
			select {
			case disconnected <- err:
			default:
			}
		},
	}})

	rec := dispatch(t, c, get("/"))
	rec.wait(t)
	select {
	case err := <-disconnected:
		assert.ErrorIs(t, err, ErrInformational)
	case <-time.After(time.Second):
		t.Fatal("connection was kept alive")
	}
	_, _, err := rec.result()
	assert.NoError(t, err)
}

func TestConnNonIdempotentBlocksPipeline(t *testing.T) {
	release, unblock := blockUntil(t)
	srv := newTestServer(t, func(w *h1test.ResponseWriter, r *h1test.Request) {
		if r.Method == "POST" {
			<-release
		}
		w.Respond(200, map[string][]string{"X-Target": {r.Target}}, "")
	})
	c := newTestConn(t, srv, ConnOptions{Pipelining: 2})

	var mu sync.Mutex
	var order []string
	track := func(rec *recorder) *recorder {
		rec.onDone = func(r *recorder) {
			mu.Lock()
			order = append(order, r.header.Get("X-Target"))
			mu.Unlock()
		}
		return rec
	}
	post := track(newRecorder())
	_, err := c.Dispatch(DispatchOptions{Path: "/post", Method: "POST", Body: "x"}, post)
	require.NoError(t, err)
	a := track(newRecorder())
	_, err = c.Dispatch(get("/a"), a)
	require.NoError(t, err)
	b := track(newRecorder())
	_, err = c.Dispatch(get("/b"), b)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		s := c.Stats()
		return s.Running == 1 && s.Pending == 2 && len(srv.Requests()) == 1
	}, testTimeout, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, srv.Requests(), 1, "nothing may be written behind a non-idempotent request")

	unblock()
	for _, rec := range []*recorder{post, a, b} {
		rec.wait(t)
	}
	assert.Equal(t, []string{"/post", "/a", "/b"}, order)
}

func TestConnRewritesPipelinedRequestsAfterClose(t *testing.T) {
	srv := newTestServer(t, func(w *h1test.ResponseWriter, r *h1test.Request) {
		if r.Conn == 1 {
			w.CloseAfter()
		}
		w.Respond(200, nil, r.Target)
	})
	c := newTestConn(t, srv, ConnOptions{Pipelining: 2})

	first := dispatch(t, c, get("/1"))
	second := dispatch(t, c, get("/2"))
	first.wait(t)
	second.wait(t)

	_, body, err := first.result()
	require.NoError(t, err)
	assert.Equal(t, "/1", body)
	_, body, err = second.result()
	require.NoError(t, err)
	assert.Equal(t, "/2", body)
	assert.Equal(t, 2, srv.Conns())
}

func TestConnMaxRequestsPerConnection(t *testing.T) {
	srv := newTestServer(t, h1test.Text("ok"))
	c := newTestConn(t, srv, ConnOptions{MaxRequestsPerConnection: 2})

	for _, p := range []string{"/1", "/2", "/3"} {
		rec := dispatch(t, c, get(p))
		rec.wait(t)
		_, _, err := rec.result()
		require.NoError(t, err)
	}
	reqs := srv.Requests()
	require.Len(t, reqs, 3)
	assert.Equal(t, "keep-alive", reqs[0].Get("Connection"))
	assert.Equal(t, "close", reqs[1].Get("Connection"))
	assert.Equal(t, 2, reqs[2].Conn)
}

func TestConnHeadResetsConnection(t *testing.T) {
	srv := newTestServer(t, func(w *h1test.ResponseWriter, r *h1test.Request) {
		w.Respond(200, map[string][]string{"Content-Length": {"10"}}, "")
	})
	c := newTestConn(t, srv, ConnOptions{})

	head := dispatch(t, c, DispatchOptions{Path: "/", Method: "HEAD"})
	head.wait(t)
	status, body, err := head.result()
	require.NoError(t, err)
	assert.Equal(t, 200, status)
	assert.Empty(t, body)
	assert.Equal(t, "close", srv.Requests()[0].Get("Connection"))
}

func TestConnBackpressureAndDrain(t *testing.T) {
	srv := newTestServer(t, h1test.Text("ok"))
	drained := make(chan struct{}, 4)
	c := newTestConn(t, srv, ConnOptions{Hooks: ConnHooks{
		OnDrain: func(Origin) {
			select {
			case drained <- struct{}{}:
			default:
			}
		},
	}})

	rec := newRecorder()
	ok, err := c.Dispatch(get("/"), rec)
	require.NoError(t, err)
	assert.False(t, ok, "pipelining 1 is saturated by one request")
	rec.wait(t)
	select {
	case <-drained:
	case <-time.After(testTimeout):
		t.Fatal("no drain")
	}
}

func TestConnInformationalResponses(t *testing.T) {
	srv := newTestServer(t, func(w *h1test.ResponseWriter, r *h1test.Request) {
		w.Raw("HTTP/1.1 103 Early Hints\r\nLink: </style.css>\r\n\r\n")
		w.Respond(200, nil, "ok")
	})
	c := newTestConn(t, srv, ConnOptions{})

	rec := dispatch(t, c, get("/"))
	rec.wait(t)
	status, body, err := rec.result()
	require.NoError(t, err)
	assert.Equal(t, 200, status)
	assert.Equal(t, "ok", body)
	assert.Equal(t, []int{103}, rec.info)
}

func TestConnTrailers(t *testing.T) {
	srv := newTestServer(t, func(w *h1test.ResponseWriter, r *h1test.Request) {
		w.Chunked(200, map[string][]string{"Trailer": {"X-Sum"}}, []string{"ab", "c"}, map[string]string{"X-Sum": "3"})
	})
	c := newTestConn(t, srv, ConnOptions{})

	rec := dispatch(t, c, get("/"))
	rec.wait(t)
	_, body, err := rec.result()
	require.NoError(t, err)
	assert.Equal(t, "abc", body)
	assert.Equal(t, "3", rec.trailers.Get("X-Sum"))
}

func TestConnUpgrade(t *testing.T) {
	srv := newTestServer(t, func(w *h1test.ResponseWriter, r *h1test.Request) {
		w.Raw("HTTP/1.1 101 Switching Protocols\r\nConnection: upgrade\r\nUpgrade: echo\r\n\r\nearly")
		nc, br := w.Hijack()
		go func() {
			defer nc.Close()
			buf := make([]byte, 4)
			if _, err := io.ReadFull(br, buf); err != nil {
				return
			}
			_, _ = nc.Write([]byte("pong"))
		}()
	})
	c := newTestConn(t, srv, ConnOptions{})

	up := newUpgradeRecorder()
	_, err := c.Dispatch(DispatchOptions{Path: "/ws", Upgrade: "echo"}, up)
	require.NoError(t, err)
	select {
	case <-up.done:
	case <-time.After(testTimeout):
		t.Fatal("no upgrade")
	}
	require.NoError(t, up.err)
	require.NotNil(t, up.conn)
	defer up.conn.Close()
	assert.Equal(t, 101, up.status)
	assert.Equal(t, "echo", srv.Requests()[0].Get("Upgrade"))

	early := make([]byte, 5)
	_, err = io.ReadFull(up.conn, early)
	require.NoError(t, err)
	assert.Equal(t, "early", string(early))
	_, err = up.conn.Write([]byte("ping"))
	require.NoError(t, err)
	pong := make([]byte, 4)
	_, err = io.ReadFull(up.conn, pong)
	require.NoError(t, err)
	assert.Equal(t, "pong", string(pong))
}

func TestConnUpgradeRefused(t *testing.T) {
	srv := newTestServer(t, h1test.Text("no"))
	c := newTestConn(t, srv, ConnOptions{})

	up := newUpgradeRecorder()
	_, err := c.Dispatch(DispatchOptions{Path: "/ws", Upgrade: "echo"}, up)
	require.NoError(t, err)
	<-up.done
	assert.ErrorIs(t, up.err, ErrProtocolViolation)
}

func TestConnHeadersTimeout(t *testing.T) {
	release, _ := blockUntil(t)
	srv := newTestServer(t, func(w *h1test.ResponseWriter, r *h1test.Request) {
		<-release
	})
	c := newTestConn(t, srv, ConnOptions{HeadersTimeout: 100 * time.Millisecond})

	rec := dispatch(t, c, get("/"))
	rec.wait(t)
	_, _, err := rec.result()
	assert.ErrorIs(t, err, ErrHeadersTimeout)
}

func TestConnBodyTimeout(t *testing.T) {
	release, _ := blockUntil(t)
	srv := newTestServer(t, func(w *h1test.ResponseWriter, r *h1test.Request) {
		w.Raw("HTTP/1.1 200 OK\r\nContent-Length: 10\r\n\r\nab")
		w.Flush()
		<-release
	})
	c := newTestConn(t, srv, ConnOptions{BodyTimeout: 100 * time.Millisecond})

	rec := dispatch(t, c, get("/"))
	rec.wait(t)
	status, body, err := rec.result()
	assert.Equal(t, 200, status)
	assert.Equal(t, "ab", body)
	assert.ErrorIs(t, err, ErrBodyTimeout)
}

func TestConnBodyTimeoutSuppressedWhilePaused(t *testing.T) {
	srv := newTestServer(t, h1test.Text("hello"))
	c := newTestConn(t, srv, ConnOptions{BodyTimeout: 100 * time.Millisecond})

	rec := newRecorder()
	rec.pause = true
	_, err := c.Dispatch(get("/"), rec)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		status, _, _ := rec.result()
		return status == 200
	}, testTimeout, 5*time.Millisecond)

	time.Sleep(300 * time.Millisecond)
	_, body, err := rec.result()
	require.NoError(t, err)
	assert.Empty(t, body)

	rec.resumeBody()
	rec.wait(t)
	_, body, err = rec.result()
	require.NoError(t, err)
	assert.Equal(t, "hello", body)
}

func TestConnResponseFailures(t *testing.T) {
	tests := []struct {
		name    string
		opts    ConnOptions
		respond h1test.Responder
		want    error
	}{
		{
			name: "header too large",
			opts: ConnOptions{MaxHeaderSize: 128},
			respond: func(w *h1test.ResponseWriter, r *h1test.Request) {
				w.Respond(200, map[string][]string{"X-Big": {strings.Repeat("x", 300)}}, "")
			},
			want: ErrHeaderTooLarge,
		},
		{
			name: "truncated body",
			respond: func(w *h1test.ResponseWriter, r *h1test.Request) {
				w.CloseAfter()
				w.Raw("HTTP/1.1 200 OK\r\nContent-Length: 10\r\n\r\nabc")
			},
			want: ErrResponseContentLengthMismatch,
		},
		{
			name: "declared size above limit",
			opts: ConnOptions{MaxResponseSize: 4},
			respond: func(w *h1test.ResponseWriter, r *h1test.Request) {
				w.Respond(200, nil, "hello world")
			},
			want: ErrResponseExceededMaxSize,
		},
		{
			name: "chunked size above limit",
			opts: ConnOptions{MaxResponseSize: 4},
			respond: func(w *h1test.ResponseWriter, r *h1test.Request) {
				w.Chunked(200, nil, []string{"hel", "lo"}, nil)
			},
			want: ErrResponseExceededMaxSize,
		},
		{
			name: "malformed status line",
			respond: func(w *h1test.ResponseWriter, r *h1test.Request) {
				w.Raw("HTTP/1.1 abc\r\n\r\n")
			},
			want: ErrProtocolViolation,
		},
		{
			name: "conflicting framing",
			respond: func(w *h1test.ResponseWriter, r *h1test.Request) {
				w.Raw("HTTP/1.1 200 OK\r\nContent-Length: 2\r\nTransfer-Encoding: chunked\r\n\r\n")
			},
			want: ErrProtocolViolation,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(t, tt.respond)
			c := newTestConn(t, srv, tt.opts)
			rec := dispatch(t, c, get("/"))
			rec.wait(t)
			_, _, err := rec.result()
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestConnAbortPendingViaContext(t *testing.T) {
	release, unblock := blockUntil(t)
	srv := newTestServer(t, func(w *h1test.ResponseWriter, r *h1test.Request) {
		if r.Target == "/slow" {
			<-release
		}
		w.Respond(200, nil, "ok")
	})
	c := newTestConn(t, srv, ConnOptions{})

	slow := dispatch(t, c, get("/slow"))
	ctx, cancel := context.WithCancel(context.Background())
	opts := get("/queued")
	opts.Context = ctx
	queued := dispatch(t, c, opts)

	cancel()
	queued.wait(t)
	_, _, err := queued.result()
	assert.ErrorIs(t, err, ErrRequestAborted)
	assert.ErrorIs(t, err, context.Canceled)

	unblock()
	slow.wait(t)
	_, _, err = slow.result()
	require.NoError(t, err)
	for _, r := range srv.Requests() {
		assert.NotEqual(t, "/queued", r.Target)
	}
}

func TestConnAbortInFlight(t *testing.T) {
	srv := newTestServer(t, h1test.Text("body"))
	c := newTestConn(t, srv, ConnOptions{})

	rec := newRecorder()
	rec.onHeaders = func(r *recorder) {
		r.mu.Lock()
		abort := r.abort
		r.mu.Unlock()
		abort(nil)
	}
	_, err := c.Dispatch(get("/"), rec)
	require.NoError(t, err)
	rec.wait(t)
	_, _, err = rec.result()
	assert.ErrorIs(t, err, ErrRequestAborted)

	next := dispatch(t, c, get("/next"))
	next.wait(t)
	_, body, err := next.result()
	require.NoError(t, err)
	assert.Equal(t, "body", body)

	time.Sleep(20 * time.Millisecond)
	rec.mu.Lock()
	assert.Equal(t, 1, rec.terminals)
	rec.mu.Unlock()
}

func TestConnConnectFailure(t *testing.T) {
	refused := errors.New("connection refused")
	connErrs := make(chan error, 1)
	c, err := NewConn(testOrigin, ConnOptions{
		Connector: ConnectorFunc(func(context.Context, ConnectOptions) (net.Conn, error) {
			return nil, refused
		}),
		Hooks: ConnHooks{OnConnectionError: func(_ Origin, err error) {
			select {
			case connErrs <- err:
			default:
			}
		}},
	})
	require.NoError(t, err)
	defer c.Destroy(context.Background(), nil)

	a := dispatch(t, c, get("/a"))
	b := dispatch(t, c, get("/b"))
	a.wait(t)
	b.wait(t)
	_, _, errA := a.result()
	_, _, errB := b.result()
	assert.ErrorIs(t, errA, refused)
	assert.ErrorIs(t, errB, refused)
	assert.ErrorIs(t, <-connErrs, refused)
}

func TestConnConnectTimeout(t *testing.T) {
	c, err := NewConn(testOrigin, ConnOptions{
		ConnectTimeout: 50 * time.Millisecond,
		Connector: ConnectorFunc(func(ctx context.Context, _ ConnectOptions) (net.Conn, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}),
	})
	require.NoError(t, err)
	defer c.Destroy(context.Background(), nil)

	rec := dispatch(t, c, get("/"))
	rec.wait(t)
	_, _, err = rec.result()
	assert.ErrorIs(t, err, ErrConnectTimeout)
}

func TestConnDispatchValidation(t *testing.T) {
	srv := newTestServer(t, h1test.Text("ok"))
	c := newTestConn(t, srv, ConnOptions{})

	tests := []struct {
		name string
		opts DispatchOptions
		h    Handler
		want error
	}{
		{"bad method", DispatchOptions{Path: "/", Method: "G ET"}, newRecorder(), ErrInvalidArgument},
		{"relative path", DispatchOptions{Path: "relative"}, newRecorder(), ErrInvalidArgument},
		{"control char in path", DispatchOptions{Path: "/a b"}, newRecorder(), ErrInvalidArgument},
		{"transfer-encoding", DispatchOptions{Path: "/", Headers: Header{"Transfer-Encoding": {"chunked"}}}, newRecorder(), ErrInvalidArgument},
		{"header injection", DispatchOptions{Path: "/", Headers: Header{"X-A": {"a\r\nb: c"}}}, newRecorder(), ErrInvalidArgument},
		{"expect", DispatchOptions{Path: "/", Headers: Header{"Expect": {"100-continue"}}}, newRecorder(), ErrNotSupported},
		{"upgrade needs upgrade handler", DispatchOptions{Path: "/", Upgrade: "ws"}, newRecorder(), ErrInvalidArgument},
		{"other origin", DispatchOptions{Path: "/", Origin: Origin{Scheme: "http", Host: "other.test", Port: 80}}, newRecorder(), ErrInvalidArgument},
		{"unsupported body", DispatchOptions{Path: "/", Method: "POST", Body: 42}, newRecorder(), ErrInvalidArgument},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Dispatch(tt.opts, tt.h)
			assert.ErrorIs(t, err, tt.want)
		})
	}
	assert.Empty(t, srv.Requests())
}

func TestConnCloseWaitsForQueue(t *testing.T) {
	srv := newTestServer(t, h1test.Text("ok"))
	c := newTestConn(t, srv, ConnOptions{})

	a := dispatch(t, c, get("/a"))
	b := dispatch(t, c, get("/b"))
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	require.NoError(t, c.Close(ctx))

	for _, rec := range []*recorder{a, b} {
		rec.wait(t)
		_, _, err := rec.result()
		require.NoError(t, err)
	}
	late := dispatch(t, c, get("/late"))
	late.wait(t)
	_, _, err := late.result()
	assert.ErrorIs(t, err, ErrClientClosed)
	assert.False(t, c.Stats().Connected)
}

func TestConnDestroyFailsEverything(t *testing.T) {
	release, _ := blockUntil(t)
	srv := newTestServer(t, func(w *h1test.ResponseWriter, r *h1test.Request) {
		<-release
	})
	c := newTestConn(t, srv, ConnOptions{})

	a := dispatch(t, c, get("/a"))
	b := dispatch(t, c, get("/b"))
	require.Eventually(t, func() bool { return len(srv.Requests()) == 1 }, testTimeout, 5*time.Millisecond)

	boom := errors.New("boom")
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	require.NoError(t, c.Destroy(ctx, boom))
	for _, rec := range []*recorder{a, b} {
		rec.wait(t)
		_, _, err := rec.result()
		assert.ErrorIs(t, err, boom)
	}

	late := dispatch(t, c, get("/late"))
	late.wait(t)
	_, _, err := late.result()
	assert.ErrorIs(t, err, ErrClientDestroyed)
}

// upgradeRecorder is an UpgradeHandler.
type upgradeRecorder struct {
	status int
	header Header
	conn   net.Conn
	err    error
	done   chan struct{}
}

func newUpgradeRecorder() *upgradeRecorder { return &upgradeRecorder{done: make(chan struct{})} }

func (u *upgradeRecorder) OnConnect(func(error)) {}

func (u *upgradeRecorder) OnError(err error) {
	u.err = err
	close(u.done)
}

func (u *upgradeRecorder) OnUpgrade(status int, h Header, conn net.Conn) {
	u.status, u.header, u.conn = status, h, conn
	close(u.done)
}
