package obs

import (
	"bytes"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestZerologLogger_MinLevel(t *testing.T) {
	var buf bytes.Buffer
	l := ZerologLogger{L: zerolog.New(&buf), Min: Warn}
	l.Logf(Info, "dropped %d", 1)
	l.Logf(Error, "kept %d", 2)
	out := buf.String()
	assert.NotContains(t, out, "dropped")
	assert.Contains(t, out, "kept 2")
	assert.Contains(t, out, `"level":"error"`)
}

func TestZerologLogger_With(t *testing.T) {
	var buf bytes.Buffer
	l := ZerologLogger{L: zerolog.New(&buf)}.With("origin", "http://a:80")
	l.Logf(Debug, "connected")
	assert.Contains(t, buf.String(), `"origin":"http://a:80"`)
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, Debug, ParseLevel("debug"))
	assert.Equal(t, Warn, ParseLevel("WARNING"))
	assert.Equal(t, Error, ParseLevel("error"))
	assert.Equal(t, Info, ParseLevel("bogus"))
}

func TestPromMeter_CounterAndHistogram(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewPromMeter(reg, "test")
	m.Counter("httpx_client_requests_total", 1, Label{Key: "method", Value: "GET"})
	m.Counter("httpx_client_requests_total", 2, Label{Key: "method", Value: "GET"})
	m.Histogram("httpx_client_roundtrip_duration_ms", 12, Label{Key: "status", Value: "200"})

	require.Equal(t, 3.0, testutil.ToFloat64(m.counters["httpx_client_requests_total"].WithLabelValues("GET")))
	n, err := testutil.GatherAndCount(reg, "test_httpx_client_roundtrip_duration_ms")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestPromMeter_SharedRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	a := NewPromMeter(reg, "x")
	b := NewPromMeter(reg, "x")
	a.Counter("dial_total", 1)
	b.Counter("dial_total", 1)
	mfs, err := reg.Gather()
	require.NoError(t, err)
	require.Len(t, mfs, 1)
	assert.True(t, strings.HasSuffix(mfs[0].GetName(), "dial_total"))
	assert.Equal(t, 2.0, mfs[0].GetMetric()[0].GetCounter().GetValue())
}
