package httpx

import (
	"crypto/tls"
	"net/url"
	"time"

	"dqx0.com/go/h1dispatch/internal/obs"
)

const (
	DefaultPipelining                = 1
	DefaultKeepAliveTimeout          = 4 * time.Second
	DefaultKeepAliveMaxTimeout       = 600 * time.Second
	DefaultKeepAliveTimeoutThreshold = 500 * time.Millisecond
	DefaultHeadersTimeout            = 300 * time.Second
	DefaultBodyTimeout               = 300 * time.Second
	DefaultConnectTimeout            = 10 * time.Second
	DefaultMaxCachedSessions         = 100
)

// ConnHooks observe connection lifecycle events. They run on the
// connection's executor and must not block.
type ConnHooks struct {
	OnConnect         func(o Origin)
	OnDisconnect      func(o Origin, err error)
	OnConnectionError func(o Origin, err error)
	OnDrain           func(o Origin)
}

// ConnOptions configure a Conn. Zero values select the defaults; a negative
// duration disables the corresponding timer.
type ConnOptions struct {
	// Pipelining is the maximum number of requests in flight on one
	// transport.
	Pipelining int

	KeepAliveTimeout          time.Duration
	KeepAliveMaxTimeout       time.Duration
	KeepAliveTimeoutThreshold time.Duration
	HeadersTimeout            time.Duration
	BodyTimeout               time.Duration
	ConnectTimeout            time.Duration

	// MaxHeaderSize bounds the response status line plus headers.
	MaxHeaderSize int
	// MaxResponseSize bounds response bodies; <= 0 means unlimited.
	MaxResponseSize int64
	// MaxRequestsPerConnection closes a transport after that many
	// requests; 0 means unlimited.
	MaxRequestsPerConnection int
	// StrictContentLength fails requests whose body does not match the
	// declared length. Nil means true.
	StrictContentLength *bool
	// MaxRedirections is the default redirect budget of dispatched
	// requests.
	MaxRedirections int

	// Connector opens transports. When nil a Dialer is built from
	// TLSConfig, MaxCachedSessions and Proxy.
	Connector         Connector
	TLSConfig         *tls.Config
	MaxCachedSessions int
	Proxy             func(Origin) (*url.URL, error)

	Logger obs.Logger
	Meter  obs.Meter
	Hooks  ConnHooks
}

// PoolOptions configure a Pool. The embedded ConnOptions apply to every
// member connection; Hooks.OnDrain reports pool-level drain.
type PoolOptions struct {
	ConnOptions
	// Connections caps the number of connections; 0 means unlimited.
	Connections int
}

// AgentOptions configure an Agent. Connections == 1 selects a single Conn
// per origin instead of a Pool.
type AgentOptions struct {
	PoolOptions
}

// Bool returns a pointer to v, for optional boolean fields.
func Bool(v bool) *bool { return &v }

func (o ConnOptions) normalize() (ConnOptions, error) {
	if o.Pipelining < 0 {
		return o, invalidArg("pipelining must not be negative")
	}
	if o.MaxHeaderSize < 0 || o.MaxRequestsPerConnection < 0 || o.MaxRedirections < 0 {
		return o, invalidArg("negative limit")
	}
	if o.Pipelining == 0 {
		o.Pipelining = DefaultPipelining
	}
	o.KeepAliveTimeout = durationOr(o.KeepAliveTimeout, DefaultKeepAliveTimeout)
	o.KeepAliveMaxTimeout = durationOr(o.KeepAliveMaxTimeout, DefaultKeepAliveMaxTimeout)
	o.KeepAliveTimeoutThreshold = durationOr(o.KeepAliveTimeoutThreshold, DefaultKeepAliveTimeoutThreshold)
	o.HeadersTimeout = durationOr(o.HeadersTimeout, DefaultHeadersTimeout)
	o.BodyTimeout = durationOr(o.BodyTimeout, DefaultBodyTimeout)
	o.ConnectTimeout = durationOr(o.ConnectTimeout, DefaultConnectTimeout)
	if o.StrictContentLength == nil {
		o.StrictContentLength = Bool(true)
	}
	if o.MaxCachedSessions == 0 {
		o.MaxCachedSessions = DefaultMaxCachedSessions
	}
	if o.Connector == nil {
		o.Connector = &Dialer{
			TLSConfig:         o.TLSConfig,
			MaxCachedSessions: o.MaxCachedSessions,
			Proxy:             o.Proxy,
		}
	}
	if o.Logger == nil {
		o.Logger = obs.NopLogger{}
	}
	if o.Meter == nil {
		o.Meter = obs.NopMeter{}
	}
	return o, nil
}

func (o PoolOptions) normalize() (PoolOptions, error) {
	if o.Connections < 0 {
		return o, invalidArg("connections must not be negative")
	}
	co, err := o.ConnOptions.normalize()
	if err != nil {
		return o, err
	}
	o.ConnOptions = co
	return o, nil
}

// durationOr maps 0 to def and negative values to 0 (disabled).
func durationOr(d, def time.Duration) time.Duration {
	switch {
	case d == 0:
		return def
	case d < 0:
		return 0
	}
	return d
}
