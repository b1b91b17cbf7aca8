package http1

import (
	"bufio"
	"fmt"
	"strconv"
	"strings"
)

// RequestHead describes the start line and framing headers of one request.
type RequestHead struct {
	Method string
	Path   string
	// Host is written as the host header unless empty.
	Host string
	// Header holds pre-serialised "name: value\r\n" lines.
	Header string
	// ContentLength < 0 omits the content-length header.
	ContentLength int64
	Chunked       bool
	Close         bool
	// Upgrade, when set, adds connection: upgrade and the upgrade header.
	Upgrade string
}

// AppendTo appends the serialised head, including the terminating blank
// line, to dst.
func (h *RequestHead) AppendTo(dst []byte) []byte {
	dst = append(dst, h.Method...)
	dst = append(dst, ' ')
	dst = append(dst, h.Path...)
	dst = append(dst, " HTTP/1.1\r\n"...)
	if h.Host != "" {
		dst = append(dst, "host: "...)
		dst = append(dst, h.Host...)
		dst = append(dst, "\r\n"...)
	}
	switch {
	case h.Upgrade != "":
		dst = append(dst, "connection: upgrade\r\nupgrade: "...)
		dst = append(dst, h.Upgrade...)
		dst = append(dst, "\r\n"...)
	case h.Close:
		dst = append(dst, "connection: close\r\n"...)
	default:
		dst = append(dst, "connection: keep-alive\r\n"...)
	}
	dst = append(dst, h.Header...)
	if h.Chunked {
		dst = append(dst, "transfer-encoding: chunked\r\n"...)
	} else if h.ContentLength >= 0 {
		dst = append(dst, "content-length: "...)
		dst = strconv.AppendInt(dst, h.ContentLength, 10)
		dst = append(dst, "\r\n"...)
	}
	return append(dst, "\r\n"...)
}

// LastChunk terminates a chunked body without trailers.
const LastChunk = "0\r\n\r\n"

// AppendChunkHeader appends the "<hex-length>\r\n" line for a chunk of n bytes.
func AppendChunkHeader(dst []byte, n int) []byte {
	dst = strconv.AppendUint(dst, uint64(n), 16)
	return append(dst, "\r\n"...)
}

// AppendChunk appends one complete chunk. Empty p appends nothing since a
// zero-length chunk would end the body.
func AppendChunk(dst, p []byte) []byte {
	if len(p) == 0 {
		return dst
	}
	dst = AppendChunkHeader(dst, len(p))
	dst = append(dst, p...)
	return append(dst, "\r\n"...)
}

// WriteResponse writes a minimal HTTP/1.1 response.
// hdr keys should be canonicalized by caller.
func WriteResponse(bw *bufio.Writer, status int, reason string, hdr map[string][]string, body []byte, keepAlive bool) error {
	if hdr == nil {
		hdr = map[string][]string{}
	}
	if _, ok := hdr["Content-Length"]; !ok && hdr["Transfer-Encoding"] == nil {
		hdr["Content-Length"] = []string{strconv.Itoa(len(body))}
	}
	if err := StartResponse(bw, status, reason, hdr, false, keepAlive); err != nil {
		return err
	}
	if len(body) > 0 {
		if _, err := bw.Write(body); err != nil {
			return err
		}
	}
	return nil
}

// StartResponse writes the status line and headers, including
// Connection and optional Transfer-Encoding: chunked. It does not
// write any body bytes.
func StartResponse(bw *bufio.Writer, status int, reason string, hdr map[string][]string, chunked, keepAlive bool) error {
	if reason == "" {
		reason = DefaultReason(status)
	}
	if _, err := fmt.Fprintf(bw, "HTTP/1.1 %d %s\r\n", status, reason); err != nil {
		return err
	}
	// If chunked, ensure Transfer-Encoding header and omit any Content-Length.
	if chunked {
		delete(hdr, "Content-Length")
		if _, err := fmt.Fprint(bw, "Transfer-Encoding: chunked\r\n"); err != nil {
			return err
		}
	}
	for k, vv := range hdr {
		// Connection is derived from keepAlive unless the caller forces one.
		if k == "Connection" && len(vv) == 0 {
			continue
		}
		for _, v := range vv {
			if _, err := fmt.Fprintf(bw, "%s: %s\r\n", k, SanitizeHeaderValue(v)); err != nil {
				return err
			}
		}
	}
	if _, ok := hdr["Connection"]; !ok {
		if keepAlive {
			if _, err := fmt.Fprint(bw, "Connection: keep-alive\r\n"); err != nil {
				return err
			}
		} else {
			if _, err := fmt.Fprint(bw, "Connection: close\r\n"); err != nil {
				return err
			}
		}
	}
	if _, err := fmt.Fprint(bw, "\r\n"); err != nil {
		return err
	}
	return nil
}

// WriteChunked writes one HTTP/1.1 chunk for chunked transfer encoding.
func WriteChunked(bw *bufio.Writer, p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if _, err := fmt.Fprintf(bw, "%x\r\n", len(p)); err != nil {
		return 0, err
	}
	if _, err := bw.Write(p); err != nil {
		return 0, err
	}
	if _, err := fmt.Fprint(bw, "\r\n"); err != nil {
		return 0, err
	}
	return len(p), nil
}

// EndChunked writes the terminating zero-length chunk.
func EndChunked(bw *bufio.Writer) error {
	_, err := bw.WriteString(LastChunk)
	return err
}

// DefaultReason returns the reason phrase written for status codes the
// test origin and proxies commonly emit.
func DefaultReason(code int) string {
	switch code {
	case 100:
		return "Continue"
	case 101:
		return "Switching Protocols"
	case 103:
		return "Early Hints"
	case 200:
		return "OK"
	case 201:
		return "Created"
	case 204:
		return "No Content"
	case 301:
		return "Moved Permanently"
	case 302:
		return "Found"
	case 303:
		return "See Other"
	case 304:
		return "Not Modified"
	case 307:
		return "Temporary Redirect"
	case 308:
		return "Permanent Redirect"
	case 400:
		return "Bad Request"
	case 401:
		return "Unauthorized"
	case 403:
		return "Forbidden"
	case 404:
		return "Not Found"
	case 500:
		return "Internal Server Error"
	case 501:
		return "Not Implemented"
	default:
		return ""
	}
}

// SanitizeHeaderValue removes CR/LF and control chars except HTAB.
func SanitizeHeaderValue(v string) string {
	if v == "" {
		return v
	}
	var b strings.Builder
	b.Grow(len(v))
	for i := 0; i < len(v); i++ {
		c := v[i]
		if c == '\r' || c == '\n' || c == 0x7f {
			continue
		}
		if c < 0x20 && c != '\t' {
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}
