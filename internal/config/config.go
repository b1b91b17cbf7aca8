// Package config loads the TOML configuration of the h1get command and maps
// it onto httpx options.
package config

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"dqx0.com/go/h1dispatch/httpx"
	"dqx0.com/go/h1dispatch/internal/obs"
)

// Config is the root of the configuration file. Omitted sections and keys
// keep the engine defaults.
type Config struct {
	Agent   *AgentConfig   `toml:"agent,omitempty"`
	Client  *ClientConfig  `toml:"client,omitempty"`
	Logging *LoggingConfig `toml:"logging,omitempty"`
	Metrics *MetricsConfig `toml:"metrics,omitempty"`
}

// AgentConfig mirrors httpx.AgentOptions.
type AgentConfig struct {
	Connections               *int      `toml:"connections,omitempty"`
	Pipelining                *int      `toml:"pipelining,omitempty"`
	KeepAliveTimeout          *Duration `toml:"keep_alive_timeout,omitempty"`
	KeepAliveMaxTimeout       *Duration `toml:"keep_alive_max_timeout,omitempty"`
	KeepAliveTimeoutThreshold *Duration `toml:"keep_alive_timeout_threshold,omitempty"`
	HeadersTimeout            *Duration `toml:"headers_timeout,omitempty"`
	BodyTimeout               *Duration `toml:"body_timeout,omitempty"`
	ConnectTimeout            *Duration `toml:"connect_timeout,omitempty"`
	MaxHeaderSize             *int      `toml:"max_header_size,omitempty"`
	MaxResponseSize           *int64    `toml:"max_response_size,omitempty"`
	MaxRequestsPerConnection  *int      `toml:"max_requests_per_connection,omitempty"`
	StrictContentLength       *bool     `toml:"strict_content_length,omitempty"`
	MaxCachedSessions         *int      `toml:"max_cached_sessions,omitempty"`
	// Proxy is empty for direct connections, "env" for the proxy
	// environment variables, or an http:// proxy URL.
	Proxy string `toml:"proxy,omitempty"`
	// CAFile is a PEM bundle used instead of the system roots.
	CAFile             string `toml:"ca_file,omitempty"`
	InsecureSkipVerify *bool  `toml:"insecure_skip_verify,omitempty"`
}

// ClientConfig mirrors the httpx.Client fields.
type ClientConfig struct {
	Timeout            *Duration         `toml:"timeout,omitempty"`
	MaxRedirects       *int              `toml:"max_redirects,omitempty"`
	DisableCompression *bool             `toml:"disable_compression,omitempty"`
	Headers            map[string]string `toml:"headers,omitempty"`
}

type LoggingConfig struct {
	// Level is one of debug, info, warn or error.
	Level string `toml:"level,omitempty"`
	// Format is "console" or "json".
	Format string `toml:"format,omitempty"`
}

type MetricsConfig struct {
	Enabled   *bool  `toml:"enabled,omitempty"`
	Namespace string `toml:"namespace,omitempty"`
}

// Duration is a time.Duration written as a Go duration string ("1.5s").
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Load reads, defaults and validates the configuration at path.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("configuration file path cannot be empty")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration file %s: %w", path, err)
	}
	cfg, err := Parse(string(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes a TOML document. Unknown keys are rejected.
func Parse(data string) (*Config, error) {
	var cfg Config
	md, err := toml.Decode(data, &cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to parse TOML: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("unknown configuration keys: %s", strings.Join(keys, ", "))
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills the sections the engine has no default for.
func (c *Config) ApplyDefaults() {
	if c.Agent == nil {
		c.Agent = &AgentConfig{}
	}
	if c.Client == nil {
		c.Client = &ClientConfig{}
	}
	if c.Logging == nil {
		c.Logging = &LoggingConfig{}
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "console"
	}
	if c.Metrics == nil {
		c.Metrics = &MetricsConfig{}
	}
	if c.Metrics.Enabled == nil {
		c.Metrics.Enabled = httpx.Bool(false)
	}
	if c.Metrics.Namespace == "" {
		c.Metrics.Namespace = "h1get"
	}
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	a := c.Agent
	nonNegative := func(name string, v *int) {
		if v != nil && *v < 0 {
			errs = append(errs, fmt.Errorf("agent.%s must not be negative, got %d", name, *v))
		}
	}
	nonNegative("connections", a.Connections)
	nonNegative("max_header_size", a.MaxHeaderSize)
	nonNegative("max_requests_per_connection", a.MaxRequestsPerConnection)
	if a.Pipelining != nil && *a.Pipelining < 1 {
		errs = append(errs, fmt.Errorf("agent.pipelining must be at least 1, got %d", *a.Pipelining))
	}
	if a.MaxResponseSize != nil && *a.MaxResponseSize < 0 {
		errs = append(errs, fmt.Errorf("agent.max_response_size must not be negative"))
	}
	for name, d := range map[string]*Duration{
		"keep_alive_timeout":           a.KeepAliveTimeout,
		"keep_alive_max_timeout":       a.KeepAliveMaxTimeout,
		"keep_alive_timeout_threshold": a.KeepAliveTimeoutThreshold,
		"headers_timeout":              a.HeadersTimeout,
		"body_timeout":                 a.BodyTimeout,
		"connect_timeout":              a.ConnectTimeout,
	} {
		if d != nil && d.Duration <= 0 {
			errs = append(errs, fmt.Errorf("agent.%s must be positive, got %s", name, d.Duration))
		}
	}
	switch {
	case a.Proxy == "", a.Proxy == "env":
	default:
		u, err := url.Parse(a.Proxy)
		if err != nil || u.Scheme != "http" || u.Host == "" {
			errs = append(errs, fmt.Errorf("agent.proxy must be \"env\" or an http:// URL, got %q", a.Proxy))
		}
	}
	if t := c.Client.Timeout; t != nil && t.Duration < 0 {
		errs = append(errs, fmt.Errorf("client.timeout must not be negative"))
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level))
	}
	switch c.Logging.Format {
	case "console", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format %q is not one of console, json", c.Logging.Format))
	}
	return errors.Join(errs...)
}

// AgentOptions maps the agent section onto httpx options.
func (c *Config) AgentOptions(logger obs.Logger, meter obs.Meter) (httpx.AgentOptions, error) {
	a := c.Agent
	var o httpx.AgentOptions
	setInt(&o.Connections, a.Connections)
	setInt(&o.Pipelining, a.Pipelining)
	setDuration(&o.KeepAliveTimeout, a.KeepAliveTimeout)
	setDuration(&o.KeepAliveMaxTimeout, a.KeepAliveMaxTimeout)
	setDuration(&o.KeepAliveTimeoutThreshold, a.KeepAliveTimeoutThreshold)
	setDuration(&o.HeadersTimeout, a.HeadersTimeout)
	setDuration(&o.BodyTimeout, a.BodyTimeout)
	setDuration(&o.ConnectTimeout, a.ConnectTimeout)
	setInt(&o.MaxHeaderSize, a.MaxHeaderSize)
	setInt(&o.MaxRequestsPerConnection, a.MaxRequestsPerConnection)
	setInt(&o.MaxCachedSessions, a.MaxCachedSessions)
	if a.MaxResponseSize != nil {
		o.MaxResponseSize = *a.MaxResponseSize
	}
	o.StrictContentLength = a.StrictContentLength

	switch a.Proxy {
	case "":
	case "env":
		o.Proxy = httpx.ProxyFromEnvironment
	default:
		u, err := url.Parse(a.Proxy)
		if err != nil {
			return o, err
		}
		o.Proxy = func(httpx.Origin) (*url.URL, error) { return u, nil }
	}

	if a.CAFile != "" || (a.InsecureSkipVerify != nil && *a.InsecureSkipVerify) {
		cfg := &tls.Config{}
		if a.CAFile != "" {
			pem, err := os.ReadFile(a.CAFile)
			if err != nil {
				return o, fmt.Errorf("agent.ca_file: %w", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(pem) {
				return o, fmt.Errorf("agent.ca_file %s: no certificates found", a.CAFile)
			}
			cfg.RootCAs = pool
		}
		if a.InsecureSkipVerify != nil {
			cfg.InsecureSkipVerify = *a.InsecureSkipVerify
		}
		o.TLSConfig = cfg
	}
	o.Logger = logger
	o.Meter = meter
	return o, nil
}

// NewClient builds a Client on d from the client section. A max_redirects
// of 0 keeps the Client default; negative disables redirects.
func (c *Config) NewClient(d httpx.Dispatcher, logger obs.Logger, meter obs.Meter) *httpx.Client {
	cc := c.Client
	cl := &httpx.Client{Dispatcher: d, Logger: logger, Meter: meter}
	if cc.Timeout != nil {
		cl.Timeout = cc.Timeout.Duration
	}
	if cc.MaxRedirects != nil {
		cl.MaxRedirects = *cc.MaxRedirects
	}
	if cc.DisableCompression != nil {
		cl.DisableCompression = *cc.DisableCompression
	}
	return cl
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}

func setDuration(dst *time.Duration, v *Duration) {
	if v != nil {
		*dst = v.Duration
	}
}
