package httpx

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"dqx0.com/go/h1dispatch/httpx/internal/http1"
)

// ConnectOptions tell a Connector which transport to open.
type ConnectOptions struct {
	Origin Origin
	// ServerName is the TLS server name for https origins; empty means the
	// origin host.
	ServerName string
}

// Connector opens transports. The context carries the connect timeout.
type Connector interface {
	Connect(ctx context.Context, o ConnectOptions) (net.Conn, error)
}

// ConnectorFunc adapts a function to Connector.
type ConnectorFunc func(ctx context.Context, o ConnectOptions) (net.Conn, error)

func (f ConnectorFunc) Connect(ctx context.Context, o ConnectOptions) (net.Conn, error) {
	return f(ctx, o)
}

// Dialer is the default Connector: TCP, optional TLS with SNI, ALPN
// http/1.1 and a bounded session cache, and optional tunnelling through an
// HTTP proxy.
type Dialer struct {
	KeepAlive time.Duration
	TLSConfig *tls.Config
	// MaxCachedSessions bounds the TLS session cache; negative disables
	// resumption.
	MaxCachedSessions int
	// Proxy returns the proxy for an origin, nil for a direct connection.
	// Both http and https origins are tunnelled with CONNECT.
	Proxy func(Origin) (*url.URL, error)

	once   sync.Once
	tlsCfg *tls.Config
}

func (d *Dialer) Connect(ctx context.Context, o ConnectOptions) (net.Conn, error) {
	var proxyURL *url.URL
	if d.Proxy != nil {
		u, err := d.Proxy(o.Origin)
		if err != nil {
			return nil, err
		}
		proxyURL = u
	}
	nd := &net.Dialer{KeepAlive: d.KeepAlive}
	var (
		c   net.Conn
		err error
	)
	if proxyURL != nil {
		c, err = d.tunnel(ctx, nd, proxyURL, o.Origin.Addr())
	} else {
		c, err = nd.DialContext(ctx, "tcp", o.Origin.Addr())
	}
	if err != nil {
		return nil, err
	}
	if o.Origin.Scheme != "https" {
		return c, nil
	}
	cfg := d.clientConfig()
	name := o.ServerName
	if name == "" {
		name = o.Origin.Host
	}
	if cfg.ServerName == "" {
		cfg = cfg.Clone()
		cfg.ServerName = name
	}
	tc := tls.Client(c, cfg)
	if err := tc.HandshakeContext(ctx); err != nil {
		_ = c.Close()
		return nil, err
	}
	return tc, nil
}

// clientConfig returns the shared TLS config carrying the session cache.
func (d *Dialer) clientConfig() *tls.Config {
	d.once.Do(func() {
		cfg := d.TLSConfig
		if cfg == nil {
			cfg = &tls.Config{}
		}
		cfg = cfg.Clone()
		if len(cfg.NextProtos) == 0 {
			cfg.NextProtos = []string{"http/1.1"}
		}
		if cfg.ClientSessionCache == nil && d.MaxCachedSessions >= 0 {
			n := d.MaxCachedSessions
			if n == 0 {
				n = DefaultMaxCachedSessions
			}
			cfg.ClientSessionCache = tls.NewLRUClientSessionCache(n)
		}
		d.tlsCfg = cfg
	})
	return d.tlsCfg
}

// tunnel opens a CONNECT tunnel to addr through an HTTP proxy.
func (d *Dialer) tunnel(ctx context.Context, nd *net.Dialer, proxyURL *url.URL, addr string) (net.Conn, error) {
	if proxyURL.Scheme != "http" {
		return nil, fmt.Errorf("%w: proxy scheme %q", ErrNotSupported, proxyURL.Scheme)
	}
	c, err := nd.DialContext(ctx, "tcp", proxyHostPort(proxyURL))
	if err != nil {
		return nil, err
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = c.SetDeadline(dl)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "CONNECT %s HTTP/1.1\r\nhost: %s\r\n", addr, addr)
	if h := proxyAuthHeader(proxyURL); h != "" {
		fmt.Fprintf(&b, "proxy-authorization: %s\r\n", h)
	}
	b.WriteString("\r\n")
	if _, err := io.WriteString(c, b.String()); err != nil {
		_ = c.Close()
		return nil, err
	}
	status, rest, err := readTunnelResponse(c)
	if err != nil {
		_ = c.Close()
		return nil, err
	}
	if status != 200 {
		_ = c.Close()
		return nil, fmt.Errorf("httpx: proxy CONNECT failed: %d", status)
	}
	_ = c.SetDeadline(time.Time{})
	if len(rest) > 0 {
		return &prefixConn{Conn: c, buf: rest}, nil
	}
	return c, nil
}

type tunnelSink struct {
	status int
}

func (s *tunnelSink) OnHead(h *http1.ResponseHead) (http1.HeadAction, error) {
	if h.StatusCode < 200 {
		return http1.ReadBody, nil
	}
	s.status = h.StatusCode
	return http1.UpgradeConn, nil
}

func (s *tunnelSink) OnBody([]byte) error { return nil }

func (s *tunnelSink) OnMessageComplete(map[string][]string) error { return nil }

func readTunnelResponse(c net.Conn) (int, []byte, error) {
	sink := &tunnelSink{}
	p := http1.NewResponseParser(sink, 0)
	buf := make([]byte, 4096)
	for {
		n, err := c.Read(buf)
		if n > 0 {
			m, perr := p.Execute(buf[:n])
			switch {
			case perr == http1.ErrUpgrade:
				return sink.status, append([]byte(nil), buf[m:n]...), nil
			case perr != nil:
				return 0, nil, fmt.Errorf("%w: proxy response: %w", ErrProtocolViolation, perr)
			}
		}
		if err != nil {
			return 0, nil, err
		}
	}
}

func proxyHostPort(u *url.URL) string {
	if u.Port() != "" {
		return u.Host
	}
	return net.JoinHostPort(u.Hostname(), "80")
}

func proxyAuthHeader(u *url.URL) string {
	if u == nil || u.User == nil {
		return ""
	}
	user := u.User.Username()
	pass, _ := u.User.Password()
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(user+":"+pass))
}

// prefixConn returns buffered bytes before reading from the wrapped Conn.
type prefixConn struct {
	net.Conn
	buf []byte
}

func (c *prefixConn) Read(p []byte) (int, error) {
	if len(c.buf) > 0 {
		n := copy(p, c.buf)
		c.buf = c.buf[n:]
		return n, nil
	}
	return c.Conn.Read(p)
}

// ProxyFromEnvironment resolves a proxy URL from HTTP_PROXY, HTTPS_PROXY and
// ALL_PROXY, honouring NO_PROXY, similarly to net/http for common cases.
func ProxyFromEnvironment(o Origin) (*url.URL, error) {
	if o.IsZero() {
		return nil, nil
	}
	if noProxyMatch(o.Host, fmt.Sprint(o.Port)) {
		return nil, nil
	}
	var proxyStr string
	if o.Scheme == "https" {
		proxyStr = firstEnv("HTTPS_PROXY", "https_proxy")
	} else {
		proxyStr = firstEnv("HTTP_PROXY", "http_proxy")
	}
	if proxyStr == "" {
		proxyStr = firstEnv("ALL_PROXY", "all_proxy")
	}
	if proxyStr == "" {
		return nil, nil
	}
	return url.Parse(proxyStr)
}

func firstEnv(keys ...string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return ""
}

func noProxyMatch(host, port string) bool {
	v := firstEnv("NO_PROXY", "no_proxy")
	if v == "" {
		return false
	}
	host = strings.ToLower(host)
	for _, p := range strings.Split(v, ",") {
		p = strings.TrimSpace(strings.ToLower(p))
		if p == "" {
			continue
		}
		if p == "*" {
			return true
		}
		// Scheme prefix: ignore if provided
		if i := strings.Index(p, "://"); i >= 0 {
			p = p[i+3:]
		}
		if strings.Contains(p, "/") {
			if ip := net.ParseIP(host); ip != nil {
				if _, cidr, err := net.ParseCIDR(p); err == nil && cidr.Contains(ip) {
					return true
				}
			}
			continue
		}
		patPort := ""
		if h, pp, err := net.SplitHostPort(p); err == nil {
			p, patPort = h, pp
		}
		if patPort != "" && port != patPort {
			continue
		}
		p = strings.Trim(p, "[]")
		if host == p {
			return true
		}
		// Domain suffix match
		if strings.HasPrefix(p, ".") {
			if strings.HasSuffix(host, p) {
				return true
			}
		} else if strings.HasSuffix(host, "."+p) {
			return true
		}
	}
	return false
}
