package main

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoServer(t *testing.T) *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		w.Header().Set("X-Method", r.Method)
		w.Header().Set("X-Agent", r.Header.Get("User-Agent"))
		_, _ = w.Write([]byte(r.URL.Path + ":" + string(b)))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestRun_FetchesInOrder(t *testing.T) {
	srv := echoServer(t)
	var stdout, stderr bytes.Buffer

	code := run(context.Background(), []string{srv.URL + "/a", srv.URL + "/b", srv.URL + "/c"}, &stdout, &stderr)
	require.Equal(t, 0, code, stderr.String())
	assert.Equal(t, "/a:/b:/c:", stdout.String())
}

func TestRun_PostWithHeadersAndConfig(t *testing.T) {
	srv := echoServer(t)
	cfgPath := filepath.Join(t.TempDir(), "h1get.toml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(`
[client.headers]
User-Agent = "h1get-test"

[logging]
format = "json"
level = "debug"

[metrics]
enabled = true
`), 0o600))
	var stdout, stderr bytes.Buffer

	code := run(context.Background(), []string{"-config", cfgPath, "-i", "-d", "hello", "-H", "X-Extra: 1", srv.URL + "/post"}, &stdout, &stderr)
	require.Equal(t, 0, code, stderr.String())
	out := stdout.String()
	assert.Contains(t, out, "HTTP/1.1 200 OK\n")
	assert.Contains(t, out, "X-Method: POST\n")
	assert.Contains(t, out, "X-Agent: h1get-test\n")
	assert.Contains(t, out, "/post:hello")
	assert.Contains(t, stderr.String(), "h1get_httpx_client_requests_total")
}

func TestRun_Errors(t *testing.T) {
	var stdout, stderr bytes.Buffer
	assert.Equal(t, 2, run(context.Background(), nil, &stdout, &stderr))
	assert.Contains(t, stderr.String(), "at least one URL")

	stderr.Reset()
	assert.Equal(t, 1, run(context.Background(), []string{"-config", filepath.Join(t.TempDir(), "nope.toml"), "http://x"}, &stdout, &stderr))
	assert.Contains(t, stderr.String(), "Failed to load configuration")

	stderr.Reset()
	assert.Equal(t, 1, run(context.Background(), []string{"ftp://example.test/"}, &stdout, &stderr))
	assert.Contains(t, stderr.String(), "request failed")

	assert.Equal(t, 2, run(context.Background(), []string{"-H", "novalue", "http://x"}, &stdout, &stderr))
}
