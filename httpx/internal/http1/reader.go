package http1

import (
	"bufio"
	"errors"
	"io"
	"net/textproto"
	"strings"

	"golang.org/x/net/http/httpguts"
)

var errMalformedRequest = errors.New("http1: malformed request")

// ParsedRequest is a minimal representation parsed from the wire.
type ParsedRequest struct {
	Method        string
	RequestURI    string
	Proto         string
	Header        map[string][]string
	ContentLength int64
	Body          io.ReadCloser
}

// Reader reads requests from a buffered connection. It backs the scripted
// origin used by the engine's tests.
type Reader struct {
	BR *bufio.Reader
	// MaxHeaderBytes caps a single line.
	MaxHeaderBytes int
	// MaxTotalHeaderBytes caps the request line plus all header lines.
	MaxTotalHeaderBytes int
}

func (r *Reader) ReadRequest() (*ParsedRequest, error) {
	total := 0
	line, err := r.readLine(&total)
	if err != nil {
		return nil, err
	}
	parts := strings.SplitN(line, " ", 3)
	if len(parts) != 3 {
		return nil, errMalformedRequest
	}
	method, uri, proto := parts[0], parts[1], parts[2]
	if !strings.HasPrefix(proto, "HTTP/1.") || !httpguts.ValidHeaderFieldName(method) {
		return nil, errMalformedRequest
	}
	hdr, err := r.readHeaders(&total)
	if err != nil {
		return nil, err
	}
	te, hasTE := hdr["Transfer-Encoding"]
	cl, hasCL := hdr["Content-Length"]
	if hasTE && hasCL {
		return nil, ErrConflictingFraming
	}
	var n int64
	var body io.ReadCloser
	switch {
	case hasTE:
		if lastToken(te) != "chunked" {
			return nil, errMalformedRequest
		}
		n = -1
		body = newChunkedBody(r.BR, r.MaxHeaderBytes)
	case hasCL:
		n, err = parseContentLength(cl)
		if err != nil {
			return nil, err
		}
		if n > 0 {
			body = &limitedBody{lr: &io.LimitedReader{R: r.BR, N: n}}
		} else {
			body = io.NopCloser(strings.NewReader(""))
		}
	default:
		body = io.NopCloser(strings.NewReader(""))
	}
	return &ParsedRequest{
		Method:        method,
		RequestURI:    uri,
		Proto:         proto,
		Header:        hdr,
		ContentLength: n,
		Body:          body,
	}, nil
}

func (r *Reader) readHeaders(total *int) (map[string][]string, error) {
	h := make(map[string][]string)
	for {
		line, err := r.readLine(total)
		if err != nil {
			return nil, err
		}
		if line == "" {
			break
		}
		i := strings.IndexByte(line, ':')
		if i <= 0 {
			return nil, errMalformedRequest
		}
		k := line[:i]
		if !httpguts.ValidHeaderFieldName(k) {
			return nil, ErrInvalidHeader
		}
		v := strings.TrimSpace(line[i+1:])
		ck := textproto.CanonicalMIMEHeaderKey(k)
		h[ck] = append(h[ck], v)
	}
	return h, nil
}

func (r *Reader) readLine(total *int) (string, error) {
	line, err := readLineLimit(r.BR, r.MaxHeaderBytes)
	if err != nil {
		return "", err
	}
	*total += len(line) + 2
	if r.MaxTotalHeaderBytes > 0 && *total > r.MaxTotalHeaderBytes {
		return "", ErrHeaderTooLarge
	}
	return line, nil
}

type limitedBody struct {
	lr *io.LimitedReader
}

func (b *limitedBody) Read(p []byte) (int, error) { return b.lr.Read(p) }

func (b *limitedBody) Close() error {
	// Drain remaining bytes to allow next request on the same connection.
	_, err := io.Copy(io.Discard, b.lr)
	return err
}
