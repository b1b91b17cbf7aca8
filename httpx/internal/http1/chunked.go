package http1

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// chunkedBody implements io.ReadCloser for Transfer-Encoding: chunked
// request bodies read by the test origin.
type chunkedBody struct {
	br       *bufio.Reader
	remain   int64
	finished bool
	maxLine  int // line limit for chunk header and trailer lines
}

func newChunkedBody(br *bufio.Reader, maxLine int) io.ReadCloser {
	return &chunkedBody{br: br, remain: -1, maxLine: maxLine}
}

func (c *chunkedBody) Read(p []byte) (int, error) {
	if c.finished {
		return 0, io.EOF
	}
	if c.remain <= 0 {
		size, err := c.readChunkSize()
		if err != nil {
			return 0, err
		}
		if size == 0 {
			if err := c.readTrailers(); err != nil {
				return 0, err
			}
			c.finished = true
			return 0, io.EOF
		}
		c.remain = size
	}
	if len(p) == 0 {
		return 0, nil
	}
	toRead := int64(len(p))
	if toRead > c.remain {
		toRead = c.remain
	}
	n, err := io.ReadFull(c.br, p[:toRead])
	c.remain -= int64(n)
	if err != nil {
		return n, err
	}
	if c.remain == 0 {
		if err := c.expectCRLF(); err != nil {
			return n, err
		}
	}
	return n, nil
}

func (c *chunkedBody) Close() error {
	_, err := io.Copy(io.Discard, c)
	return err
}

func (c *chunkedBody) readChunkSize() (int64, error) {
	line, err := readLineLimit(c.br, c.maxLine)
	if err != nil {
		return 0, err
	}
	// Strip chunk extensions if any: "<hex>;<ext>"
	if i := strings.IndexByte(line, ';'); i >= 0 {
		line = line[:i]
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return 0, ErrInvalidChunk
	}
	n, err := strconv.ParseInt(line, 16, 64)
	if err != nil || n < 0 {
		return 0, ErrInvalidChunk
	}
	return n, nil
}

func (c *chunkedBody) expectCRLF() error {
	b1, err := c.br.ReadByte()
	if err != nil {
		return err
	}
	b2, err := c.br.ReadByte()
	if err != nil {
		return err
	}
	if b1 != '\r' || b2 != '\n' {
		return fmt.Errorf("http1: expected CRLF after chunk, got %q%q", b1, b2)
	}
	return nil
}

func (c *chunkedBody) readTrailers() error {
	for {
		line, err := readLineLimit(c.br, c.maxLine)
		if err != nil {
			return err
		}
		if line == "" {
			return nil
		}
	}
}

func readLineLimit(br *bufio.Reader, limit int) (string, error) {
	var sb strings.Builder
	for {
		b, err := br.ReadByte()
		if err != nil {
			return "", err
		}
		if b == '\n' {
			break
		}
		if b != '\r' {
			sb.WriteByte(b)
		}
		if limit > 0 && sb.Len() > limit {
			return "", ErrHeaderTooLarge
		}
	}
	return sb.String(), nil
}
