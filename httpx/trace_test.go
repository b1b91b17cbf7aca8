package httpx

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTraceparent(t *testing.T) {
	tests := []struct {
		name string
		in   string
		ok   bool
	}{
		{"valid", "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01", true},
		{"upper case", "00-4BF92F3577B34DA6A3CE929D0E0E4736-00F067AA0BA902B7-01", true},
		{"future version with extra field", "cc-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01-what", true},
		{"version 00 with extra field", "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01-x", false},
		{"forbidden version", "ff-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01", false},
		{"zero trace id", "00-00000000000000000000000000000000-00f067aa0ba902b7-01", false},
		{"zero span id", "00-4bf92f3577b34da6a3ce929d0e0e4736-0000000000000000-01", false},
		{"short trace id", "00-4bf92f35-00f067aa0ba902b7-01", false},
		{"not hex", "00-4bf92f3577b34da6a3ce929d0e0e47zz-00f067aa0ba902b7-01", false},
		{"empty", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tp, ok := parseTraceparent(tt.in)
			assert.Equal(t, tt.ok, ok)
			if ok {
				assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", tp.traceID)
				assert.Equal(t, "00f067aa0ba902b7", tp.spanID)
			}
		})
	}
}

func TestInjectTraceContext(t *testing.T) {
	t.Run("continues a supplied traceparent", func(t *testing.T) {
		r, err := NewRequest(context.Background(), "GET", "http://a.test/", nil)
		require.NoError(t, err)
		hdr := Header{"Traceparent": {"00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-00"}}

		injectTraceContext(r, hdr)
		tp, ok := parseTraceparent(hdr.Get("Traceparent"))
		require.True(t, ok)
		assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", tp.traceID)
		assert.NotEqual(t, "00f067aa0ba902b7", tp.spanID)
		assert.Equal(t, r.SpanID, tp.spanID)
		assert.Equal(t, "00f067aa0ba902b7", r.ParentSpanID)
		assert.Equal(t, "00", tp.flags)
	})

	t.Run("replaces a malformed traceparent", func(t *testing.T) {
		r, err := NewRequest(context.Background(), "GET", "http://a.test/", nil)
		require.NoError(t, err)
		hdr := Header{"Traceparent": {"garbage"}, "Tracestate": {"Bad Key=1,ok=2"}}

		injectTraceContext(r, hdr)
		tp, ok := parseTraceparent(hdr.Get("Traceparent"))
		require.True(t, ok)
		assert.Equal(t, r.TraceID, tp.traceID)
		assert.Empty(t, r.ParentSpanID)
		assert.Equal(t, "01", tp.flags)
		assert.Equal(t, "ok=2", hdr.Get("Tracestate"))
	})

	t.Run("explicit trace id starts a new branch", func(t *testing.T) {
		r, err := NewRequest(context.Background(), "GET", "http://a.test/", nil)
		require.NoError(t, err)
		r.TraceID = "0AF7651916CD43DD8448EB211C80319C"
		hdr := Header{}

		injectTraceContext(r, hdr)
		tp, ok := parseTraceparent(hdr.Get("Traceparent"))
		require.True(t, ok)
		assert.Equal(t, "0af7651916cd43dd8448eb211c80319c", tp.traceID)
		assert.Empty(t, r.ParentSpanID)
		assert.Empty(t, hdr.Get("Tracestate"))
	})
}

func TestTraceStateBuilderLimits(t *testing.T) {
	var members []string
	for i := range 40 {
		members = append(members, fmt.Sprintf("k%d=v%d", i, i))
	}
	b := NewTraceStateBuilder(strings.Join(members, ","))
	assert.Equal(t, maxTraceStateMembers, b.Len())
	assert.True(t, strings.HasSuffix(b.String(), "k31=v31"))

	require.True(t, b.Set("fresh", "1"))
	assert.Equal(t, maxTraceStateMembers, b.Len())
	assert.True(t, strings.HasPrefix(b.String(), "fresh=1,k0=v0"))
	assert.True(t, strings.HasSuffix(b.String(), "k30=v30"), "the oldest member is evicted")

	assert.False(t, b.Set("UPPER key", "v"))
	assert.False(t, b.Set("a@b@c", "v"))
	assert.False(t, b.Set("k", "a=b"))
	assert.False(t, b.Set("k", strings.Repeat("x", 257)))
	assert.True(t, b.Set("tenant@system", "v"))
}
