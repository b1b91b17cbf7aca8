package httpx

import (
	"net"
	"net/url"
	"strconv"
	"strings"

	"golang.org/x/net/idna"
)

// Origin identifies a connection target. Host is stored without brackets
// and in its ASCII form.
type Origin struct {
	Scheme string
	Host   string
	Port   int
}

// ParseOrigin parses "scheme://host[:port]". A path other than "/" is
// rejected.
func ParseOrigin(s string) (Origin, error) {
	u, err := url.Parse(s)
	if err != nil {
		return Origin{}, invalidArg("origin %q: %v", s, err)
	}
	if (u.Path != "" && u.Path != "/") || u.RawQuery != "" || u.Fragment != "" {
		return Origin{}, invalidArg("origin %q must not carry a path or query", s)
	}
	return OriginOf(u)
}

// OriginOf extracts the origin of an absolute http or https URL.
func OriginOf(u *url.URL) (Origin, error) {
	if u == nil {
		return Origin{}, invalidArg("nil URL")
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return Origin{}, invalidArg("unsupported scheme %q", u.Scheme)
	}
	if u.User != nil {
		return Origin{}, invalidArg("origin must not carry credentials")
	}
	host := u.Hostname()
	if host == "" {
		return Origin{}, invalidArg("missing host in %q", u.String())
	}
	if net.ParseIP(host) == nil {
		ascii, err := idna.Lookup.ToASCII(host)
		if err != nil {
			return Origin{}, invalidArg("host %q: %v", host, err)
		}
		host = strings.ToLower(ascii)
	}
	port := defaultPort(scheme)
	if p := u.Port(); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil || n <= 0 || n > 65535 {
			return Origin{}, invalidArg("invalid port %q", p)
		}
		port = n
	}
	return Origin{Scheme: scheme, Host: host, Port: port}, nil
}

func defaultPort(scheme string) int {
	if scheme == "https" {
		return 443
	}
	return 80
}

// IsZero reports whether o is the zero Origin.
func (o Origin) IsZero() bool { return o == Origin{} }

// Addr returns host:port suitable for dialing.
func (o Origin) Addr() string {
	return net.JoinHostPort(o.Host, strconv.Itoa(o.Port))
}

// HostHeader returns the value written in the host header: the port is
// omitted when it is the scheme default.
func (o Origin) HostHeader() string {
	if o.Port == defaultPort(o.Scheme) {
		if strings.Contains(o.Host, ":") {
			return "[" + o.Host + "]"
		}
		return o.Host
	}
	return o.Addr()
}

func (o Origin) String() string {
	if o.IsZero() {
		return ""
	}
	return o.Scheme + "://" + o.HostHeader()
}

// URL returns the absolute URL of path on o.
func (o Origin) URL(path string) *url.URL {
	u, err := url.Parse(o.String() + path)
	if err != nil {
		return &url.URL{Scheme: o.Scheme, Host: o.HostHeader(), Path: path}
	}
	return u
}

func (o Origin) valid() bool {
	return (o.Scheme == "http" || o.Scheme == "https") && o.Host != "" && o.Port > 0
}
