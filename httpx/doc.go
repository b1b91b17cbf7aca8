// Package httpx is an HTTP/1.1 client engine: it opens and reuses
// connections to one or more origins, frames and writes requests, parses
// responses incrementally and delivers them to per-request handlers.
//
// Layers
//   - Conn: one origin, one transport at a time, optional pipelining,
//     keep-alive negotiation, headers/body/idle watchdogs.
//   - Pool: several Conns for one origin with a FIFO for overflow.
//   - Agent: a Conn or Pool per origin, created on demand.
//   - Client: request/response convenience on top of any Dispatcher, with
//     streaming bodies, gzip/br decoding, redirects and trace headers.
//
// Dispatch reports backpressure: a false result asks the caller to wait for
// the drain hook before issuing more requests. Handler callbacks of one
// connection are serialised and must not block; returning false from
// OnHeaders or OnData pauses reading from the socket until resume is called.
//
// Quick start (client):
//
//	c := &httpx.Client{}
//	res, err := c.Get("http://127.0.0.1:8080/")
//	if err != nil { log.Fatal(err) }
//	defer res.Body.Close()
//	b, _ := io.ReadAll(res.Body)
//	fmt.Println(res.StatusCode, string(b))
//
// Quick start (dispatcher):
//
//	o, _ := httpx.ParseOrigin("http://127.0.0.1:8080")
//	conn, _ := httpx.NewConn(o, httpx.ConnOptions{Pipelining: 4})
//	conn.Dispatch(httpx.DispatchOptions{Path: "/", Method: "GET"}, handler)
package httpx
