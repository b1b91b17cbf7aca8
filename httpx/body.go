package httpx

import (
	"io"
	"iter"
	"sync/atomic"
)

// Blob is a body of known size that can be opened for reading, such as a
// file.
type Blob interface {
	Size() int64
	Open() (io.ReadCloser, error)
}

type bodyKind uint8

const (
	bodyNone bodyKind = iota
	bodyBytes
	bodyBlob
	bodyReader
	bodySeq
)

// requestBody is the normalised form of DispatchOptions.Body. It is shared
// between a request and the redirects derived from it.
type requestBody struct {
	kind   bodyKind
	bytes  []byte
	blob   Blob
	reader io.Reader
	seq    iter.Seq[[]byte]
	// length is the measurable length, -1 when unknown.
	length  int64
	started atomic.Bool
}

func newRequestBody(v any) (*requestBody, error) {
	switch b := v.(type) {
	case nil:
		return &requestBody{kind: bodyNone}, nil
	case *requestBody:
		return b, nil
	case []byte:
		if len(b) == 0 {
			return &requestBody{kind: bodyNone}, nil
		}
		return &requestBody{kind: bodyBytes, bytes: b, length: int64(len(b))}, nil
	case string:
		if b == "" {
			return &requestBody{kind: bodyNone}, nil
		}
		return &requestBody{kind: bodyBytes, bytes: []byte(b), length: int64(len(b))}, nil
	case Blob:
		if b.Size() < 0 {
			return nil, invalidArg("blob size must not be negative")
		}
		return &requestBody{kind: bodyBlob, blob: b, length: b.Size()}, nil
	case iter.Seq[[]byte]:
		return &requestBody{kind: bodySeq, seq: b, length: -1}, nil
	case func(func([]byte) bool):
		return &requestBody{kind: bodySeq, seq: b, length: -1}, nil
	case io.Reader:
		rb := &requestBody{kind: bodyReader, reader: b, length: -1}
		if l, ok := b.(interface{ Len() int }); ok {
			rb.length = int64(l.Len())
		}
		return rb, nil
	}
	return nil, invalidArg("unsupported body type %T", v)
}

// streaming reports whether the body is pulled from a producer while it is
// written.
func (b *requestBody) streaming() bool {
	return b.kind == bodyReader || b.kind == bodySeq
}

// replayable reports whether the body can be written again.
func (b *requestBody) replayable() bool {
	return !b.streaming() || !b.started.Load()
}

// closeSource closes a reader body that is also an io.Closer.
func (b *requestBody) closeSource() {
	if c, ok := b.reader.(io.Closer); ok {
		_ = c.Close()
	}
}
