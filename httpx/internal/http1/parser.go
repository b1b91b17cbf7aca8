package http1

import (
	"bytes"
	"errors"
	"net/textproto"
	"strconv"
	"strings"

	"golang.org/x/net/http/httpguts"
)

var (
	// ErrPaused is returned by Execute when the sink paused the parser.
	// Feed the unconsumed remainder again after Resume.
	ErrPaused = errors.New("http1: parser paused")
	// ErrUpgrade is returned by Execute once the head of an upgrade
	// response was delivered. Bytes after the returned offset belong to
	// the upgraded protocol.
	ErrUpgrade = errors.New("http1: connection upgraded")

	ErrHeaderTooLarge       = errors.New("http1: response header too large")
	ErrInvalidStatusLine    = errors.New("http1: invalid status line")
	ErrInvalidHeader        = errors.New("http1: invalid header line")
	ErrInvalidChunk         = errors.New("http1: invalid chunk framing")
	ErrConflictingFraming   = errors.New("http1: both Transfer-Encoding and Content-Length present")
	ErrInvalidContentLength = errors.New("http1: invalid Content-Length")
	ErrIncompleteBody       = errors.New("http1: connection closed before body was complete")
	ErrIncompleteMessage    = errors.New("http1: connection closed mid-message")
	ErrParserDead           = errors.New("http1: parser is dead")
)

const (
	// DefaultMaxHeaderBytes bounds the status line plus header block.
	DefaultMaxHeaderBytes = 16 << 10
	maxChunkLineBytes     = 4 << 10
)

// BodyMode describes how the body of a response is delimited.
type BodyMode int

const (
	BodyNone BodyMode = iota
	BodyLength
	BodyChunked
	BodyUntilEOF
)

// HeadAction tells the parser what to do after the head was delivered.
type HeadAction int

const (
	ReadBody HeadAction = iota
	SkipBody
	UpgradeConn
)

// ResponseHead is the parsed status line and header block.
type ResponseHead struct {
	Proto         string
	Major, Minor  int
	StatusCode    int
	Reason        string
	Header        map[string][]string
	ContentLength int64 // -1 when absent
	Mode          BodyMode
	// KeepAlive reports whether version and Connection header allow reuse.
	// Close-delimited bodies are never reusable regardless of this flag.
	KeepAlive bool
	// Upgrade reports a Connection: upgrade token.
	Upgrade bool
}

// ResponseSink receives parser events. A sink may call Pause on the parser
// from inside OnBody or OnHead to stop delivery after the callback returns.
type ResponseSink interface {
	OnHead(h *ResponseHead) (HeadAction, error)
	OnBody(p []byte) error
	OnMessageComplete(trailers map[string][]string) error
}

type parserState uint8

const (
	stStatus parserState = iota
	stHeaders
	stBodyLength
	stChunkSize
	stChunkData
	stChunkDataEnd
	stTrailers
	stBodyEOF
	stUpgraded
	stDead
)

// ResponseParser is an incremental HTTP/1.x response parser. It owns no
// goroutine and no buffer of unparsed input: callers push bytes with
// Execute and keep whatever was not consumed.
type ResponseParser struct {
	sink           ResponseSink
	maxHeaderBytes int

	state       parserState
	line        []byte
	headerBytes int
	head        *ResponseHead
	lastKey     string
	remaining   int64
	trailers    map[string][]string
	crSeen      bool
	paused      bool
	err         error
}

// NewResponseParser returns a parser delivering to sink. maxHeaderBytes <= 0
// selects DefaultMaxHeaderBytes.
func NewResponseParser(sink ResponseSink, maxHeaderBytes int) *ResponseParser {
	if maxHeaderBytes <= 0 {
		maxHeaderBytes = DefaultMaxHeaderBytes
	}
	return &ResponseParser{sink: sink, maxHeaderBytes: maxHeaderBytes}
}

// Pause stops body delivery after the current callback returns.
func (p *ResponseParser) Pause() { p.paused = true }

// Resume clears a pause. The caller re-feeds the unconsumed remainder.
func (p *ResponseParser) Resume() { p.paused = false }

// Paused reports whether the parser is paused.
func (p *ResponseParser) Paused() bool { return p.paused }

// Head returns the head of the message in progress, or nil between messages.
func (p *ResponseParser) Head() *ResponseHead { return p.head }

// InBody reports whether the parser is inside a message body.
func (p *ResponseParser) InBody() bool {
	switch p.state {
	case stBodyLength, stChunkSize, stChunkData, stChunkDataEnd, stTrailers, stBodyEOF:
		return true
	}
	return false
}

// Idle reports whether no message is in progress.
func (p *ResponseParser) Idle() bool {
	return p.state == stStatus && len(p.line) == 0 && p.headerBytes == 0
}

// Execute parses data and returns the number of bytes consumed. A nil error
// means all of data was consumed.
func (p *ResponseParser) Execute(data []byte) (int, error) {
	if p.err != nil {
		return 0, p.err
	}
	if p.state == stUpgraded {
		return 0, ErrUpgrade
	}
	if p.paused {
		return 0, ErrPaused
	}
	// A pause on the last body bytes defers completion to the next call.
	if p.state == stBodyLength && p.remaining == 0 {
		if err := p.complete(); err != nil {
			return 0, p.fail(err)
		}
	}

	i := 0
	for i < len(data) {
		switch p.state {
		case stStatus, stHeaders, stChunkSize, stTrailers:
			j := bytes.IndexByte(data[i:], '\n')
			seg := data[i:]
			if j >= 0 {
				seg = data[i : i+j+1]
			}
			if p.state == stChunkSize {
				if len(p.line)+len(seg) > maxChunkLineBytes {
					return i, p.fail(ErrInvalidChunk)
				}
			} else {
				p.headerBytes += len(seg)
				if p.headerBytes > p.maxHeaderBytes {
					return i, p.fail(ErrHeaderTooLarge)
				}
			}
			i += len(seg)
			if j < 0 {
				p.line = append(p.line, seg...)
				return i, nil
			}
			line := seg
			if len(p.line) > 0 {
				p.line = append(p.line, seg...)
				line = p.line
			}
			err := p.processLine(trimEOL(line))
			p.line = p.line[:0]
			if err != nil {
				return i, p.fail(err)
			}
			if p.state == stUpgraded {
				return i, ErrUpgrade
			}
		case stBodyLength:
			n := int64(len(data) - i)
			if n > p.remaining {
				n = p.remaining
			}
			chunk := data[i : i+int(n)]
			i += int(n)
			p.remaining -= n
			if err := p.sink.OnBody(chunk); err != nil {
				return i, p.fail(err)
			}
			if p.remaining == 0 && !p.paused {
				if err := p.complete(); err != nil {
					return i, p.fail(err)
				}
			}
		case stChunkData:
			n := int64(len(data) - i)
			if n > p.remaining {
				n = p.remaining
			}
			chunk := data[i : i+int(n)]
			i += int(n)
			p.remaining -= n
			if p.remaining == 0 {
				p.state = stChunkDataEnd
				p.crSeen = false
			}
			if err := p.sink.OnBody(chunk); err != nil {
				return i, p.fail(err)
			}
		case stChunkDataEnd:
			c := data[i]
			i++
			switch {
			case c == '\r' && !p.crSeen:
				p.crSeen = true
			case c == '\n':
				p.state = stChunkSize
			default:
				return i, p.fail(ErrInvalidChunk)
			}
		case stBodyEOF:
			chunk := data[i:]
			i = len(data)
			if err := p.sink.OnBody(chunk); err != nil {
				return i, p.fail(err)
			}
		default:
			return i, p.fail(ErrParserDead)
		}
		if p.paused && i < len(data) {
			return i, ErrPaused
		}
	}
	if p.paused {
		return i, ErrPaused
	}
	return i, nil
}

// Finish signals end of input. It completes a close-delimited body and
// reports an error when the peer closed mid-message.
func (p *ResponseParser) Finish() error {
	if p.err != nil {
		return p.err
	}
	switch p.state {
	case stBodyEOF:
		return p.complete()
	case stStatus:
		if len(p.line) == 0 && p.headerBytes == 0 {
			return nil
		}
	case stBodyLength:
		if p.remaining == 0 {
			return p.complete()
		}
		return p.fail(ErrIncompleteBody)
	case stChunkSize, stChunkData, stChunkDataEnd, stTrailers:
		return p.fail(ErrIncompleteBody)
	case stUpgraded:
		return nil
	}
	return p.fail(ErrIncompleteMessage)
}

func (p *ResponseParser) fail(err error) error {
	p.state = stDead
	p.err = err
	return err
}

func (p *ResponseParser) processLine(line []byte) error {
	switch p.state {
	case stStatus:
		if len(line) == 0 && p.headerBytes <= 2 {
			// Tolerate a stray CRLF between pipelined messages.
			p.headerBytes = 0
			return nil
		}
		return p.parseStatusLine(line)
	case stHeaders:
		if len(line) == 0 {
			return p.headersComplete()
		}
		return p.parseHeaderLine(line, p.head.Header)
	case stChunkSize:
		return p.parseChunkSize(line)
	case stTrailers:
		if len(line) == 0 {
			return p.complete()
		}
		if p.trailers == nil {
			p.trailers = make(map[string][]string)
		}
		return p.parseHeaderLine(line, p.trailers)
	}
	return ErrParserDead
}

func (p *ResponseParser) parseStatusLine(line []byte) error {
	s := string(line)
	proto, rest, ok := strings.Cut(s, " ")
	if !ok {
		return ErrInvalidStatusLine
	}
	major, minor, ok := parseHTTPVersion(proto)
	if !ok || major != 1 {
		return ErrInvalidStatusLine
	}
	codeStr, reason, _ := strings.Cut(rest, " ")
	if len(codeStr) != 3 {
		return ErrInvalidStatusLine
	}
	code, err := strconv.Atoi(codeStr)
	if err != nil || code < 100 {
		return ErrInvalidStatusLine
	}
	for i := 0; i < len(reason); i++ {
		if c := reason[i]; (c < 0x20 && c != '\t') || c == 0x7f {
			return ErrInvalidStatusLine
		}
	}
	p.head = &ResponseHead{
		Proto:         proto,
		Major:         major,
		Minor:         minor,
		StatusCode:    code,
		Reason:        reason,
		Header:        make(map[string][]string),
		ContentLength: -1,
	}
	p.lastKey = ""
	p.state = stHeaders
	return nil
}

func (p *ResponseParser) parseHeaderLine(line []byte, h map[string][]string) error {
	if line[0] == ' ' || line[0] == '\t' {
		// obs-fold: join onto the previous value.
		if p.lastKey == "" {
			return ErrInvalidHeader
		}
		vv := h[p.lastKey]
		if len(vv) == 0 {
			return ErrInvalidHeader
		}
		v := strings.TrimSpace(string(line))
		if !httpguts.ValidHeaderFieldValue(v) {
			return ErrInvalidHeader
		}
		vv[len(vv)-1] += " " + v
		return nil
	}
	i := bytes.IndexByte(line, ':')
	if i <= 0 {
		return ErrInvalidHeader
	}
	name := string(line[:i])
	if !httpguts.ValidHeaderFieldName(name) {
		return ErrInvalidHeader
	}
	v := strings.Trim(string(line[i+1:]), " \t")
	if !httpguts.ValidHeaderFieldValue(v) {
		return ErrInvalidHeader
	}
	k := textproto.CanonicalMIMEHeaderKey(name)
	h[k] = append(h[k], v)
	p.lastKey = k
	return nil
}

func (p *ResponseParser) headersComplete() error {
	h := p.head
	te := h.Header["Transfer-Encoding"]
	cl := h.Header["Content-Length"]
	if len(te) > 0 && len(cl) > 0 {
		return ErrConflictingFraming
	}
	if len(cl) > 0 {
		n, err := parseContentLength(cl)
		if err != nil {
			return err
		}
		h.ContentLength = n
	}

	conn := h.Header["Connection"]
	if h.Minor >= 1 {
		h.KeepAlive = !httpguts.HeaderValuesContainsToken(conn, "close")
	} else {
		h.KeepAlive = httpguts.HeaderValuesContainsToken(conn, "keep-alive")
	}
	h.Upgrade = httpguts.HeaderValuesContainsToken(conn, "upgrade")

	noBody := h.StatusCode < 200 || h.StatusCode == 204 || h.StatusCode == 304
	switch {
	case noBody:
		h.Mode = BodyNone
	case len(te) > 0:
		if lastToken(te) == "chunked" {
			h.Mode = BodyChunked
		} else {
			h.Mode = BodyUntilEOF
		}
	case h.ContentLength >= 0:
		h.Mode = BodyLength
	default:
		h.Mode = BodyUntilEOF
	}

	action, err := p.sink.OnHead(h)
	if err != nil {
		return err
	}
	p.headerBytes = 0
	if action == UpgradeConn {
		p.state = stUpgraded
		return nil
	}
	if action == SkipBody {
		h.Mode = BodyNone
	}
	switch h.Mode {
	case BodyChunked:
		p.state = stChunkSize
	case BodyLength:
		if h.ContentLength == 0 {
			return p.complete()
		}
		p.remaining = h.ContentLength
		p.state = stBodyLength
	case BodyUntilEOF:
		p.state = stBodyEOF
	default:
		return p.complete()
	}
	return nil
}

// ShouldKeepAlive reports whether the connection may carry another message
// after the current one.
func (p *ResponseParser) ShouldKeepAlive() bool {
	h := p.head
	if h == nil {
		return false
	}
	return h.KeepAlive && h.Mode != BodyUntilEOF
}

func (p *ResponseParser) parseChunkSize(line []byte) error {
	if i := bytes.IndexByte(line, ';'); i >= 0 {
		line = line[:i]
	}
	s := strings.Trim(string(line), " \t")
	if s == "" {
		return ErrInvalidChunk
	}
	n, err := strconv.ParseUint(s, 16, 63)
	if err != nil {
		return ErrInvalidChunk
	}
	if n == 0 {
		p.state = stTrailers
		p.headerBytes = 0
		p.lastKey = ""
		return nil
	}
	p.remaining = int64(n)
	p.state = stChunkData
	return nil
}

func (p *ResponseParser) complete() error {
	trailers := p.trailers
	p.trailers = nil
	p.head = nil
	p.lastKey = ""
	p.headerBytes = 0
	p.remaining = 0
	p.state = stStatus
	return p.sink.OnMessageComplete(trailers)
}

func parseHTTPVersion(v string) (major, minor int, ok bool) {
	if len(v) != 8 || !strings.HasPrefix(v, "HTTP/") || v[6] != '.' {
		return 0, 0, false
	}
	if v[5] < '0' || v[5] > '9' || v[7] < '0' || v[7] > '9' {
		return 0, 0, false
	}
	return int(v[5] - '0'), int(v[7] - '0'), true
}

func parseContentLength(values []string) (int64, error) {
	n := int64(-1)
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			part = strings.TrimSpace(part)
			if part == "" || part[0] == '+' {
				return 0, ErrInvalidContentLength
			}
			x, err := strconv.ParseInt(part, 10, 64)
			if err != nil || x < 0 {
				return 0, ErrInvalidContentLength
			}
			if n >= 0 && x != n {
				return 0, ErrInvalidContentLength
			}
			n = x
		}
	}
	return n, nil
}

func lastToken(values []string) string {
	last := values[len(values)-1]
	if i := strings.LastIndexByte(last, ','); i >= 0 {
		last = last[i+1:]
	}
	return strings.ToLower(strings.TrimSpace(last))
}

func trimEOL(b []byte) []byte {
	b = b[:len(b)-1]
	if n := len(b); n > 0 && b[n-1] == '\r' {
		b = b[:n-1]
	}
	return b
}
