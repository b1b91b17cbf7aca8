package httpx

import "io"

// Response is the result of Client.Do. Body streams from the connection and
// must be closed; closing it early aborts the exchange.
type Response struct {
	Status     string
	StatusCode int
	Proto      string
	Header     Header
	Body       io.ReadCloser
	// ContentLength is -1 when unknown or when the body was decoded.
	ContentLength int64
	// Trailer is filled once Body returned io.EOF.
	Trailer Header
	// Uncompressed reports that Body was transparently decoded.
	Uncompressed bool
	Request      *Request
}
