package httpx_test

import (
	"context"
	"fmt"
	"io"
	"net"
	"strings"

	"dqx0.com/go/h1dispatch/httpx"
	"dqx0.com/go/h1dispatch/httpx/internal/h1test"
)

// ExampleHeader shows basic header operations.
func ExampleHeader() {
	h := httpx.Header{}
	h.Add("X-Foo", "a")
	h.Add("X-Foo", "b")
	h.Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Println(h.Get("x-foo"))  // canonical lookup
	fmt.Println(len(h["X-Foo"])) // two values
	h.Del("X-Foo")
	fmt.Println(h.Get("X-Foo"))
	// Output:
	// a
	// 2
	//
}

// ExampleTraceStateBuilder builds a tracestate value safely.
func ExampleTraceStateBuilder() {
	b := httpx.NewTraceStateBuilder("vendor1=abc")
	b.Set("vendor2", "xyz")
	b.Set("vendor1", "def") // moves to front
	fmt.Println(b.String())
	// Output:
	// vendor1=def,vendor2=xyz
}

// ExampleTrace_context shows storing and retrieving trace info via context.
func ExampleTrace_context() {
	tr := httpx.Trace{TraceID: "0123456789abcdef0123456789abcdef", SpanID: "0123456789abcdef", Flags: "01"}
	ctx := httpx.WithTrace(context.Background(), tr)
	got, ok := httpx.TraceFrom(ctx)
	fmt.Println(ok && got.TraceID == tr.TraceID)
	// Output:
	// true
}

// printer prints what it receives and signals completion.
type printer struct {
	body strings.Builder
	done chan struct{}
}

func (p *printer) OnConnect(func(error)) {}

func (p *printer) OnHeaders(status int, _ httpx.Header, _ func(), text string) bool {
	fmt.Println(status, text)
	return true
}

func (p *printer) OnData(chunk []byte) bool {
	p.body.Write(chunk)
	return true
}

func (p *printer) OnComplete(httpx.Header) {
	fmt.Println(p.body.String())
	close(p.done)
}

func (p *printer) OnError(err error) {
	fmt.Println("error:", err)
	close(p.done)
}

// ExampleConn_Dispatch sends one request over a single connection.
func ExampleConn_Dispatch() {
	srv := h1test.NewServer(h1test.Text("hello"))
	defer srv.Close()

	origin, _ := httpx.ParseOrigin("http://example.test")
	c, err := httpx.NewConn(origin, httpx.ConnOptions{
		Connector: httpx.ConnectorFunc(func(ctx context.Context, _ httpx.ConnectOptions) (net.Conn, error) {
			return srv.Dial(ctx)
		}),
	})
	if err != nil {
		fmt.Println(err)
		return
	}
	defer c.Close(context.Background())

	p := &printer{done: make(chan struct{})}
	if _, err := c.Dispatch(httpx.DispatchOptions{Path: "/greeting", Method: "GET"}, p); err != nil {
		fmt.Println(err)
		return
	}
	<-p.done
	// Output:
	// 200 OK
	// hello
}

// ExampleClient issues a request through an Agent.
func ExampleClient() {
	srv := h1test.NewServer(h1test.Echo())
	defer srv.Close()

	agent, _ := httpx.NewAgent(httpx.AgentOptions{PoolOptions: httpx.PoolOptions{
		Connections: 4,
		ConnOptions: httpx.ConnOptions{
			Connector: httpx.ConnectorFunc(func(ctx context.Context, _ httpx.ConnectOptions) (net.Conn, error) {
				return srv.Dial(ctx)
			}),
		},
	}})
	c := &httpx.Client{Dispatcher: agent}
	defer agent.Close(context.Background())

	res, err := c.Post("http://api.example.test/items", "text/plain", strings.NewReader("new item"))
	if err != nil {
		fmt.Println(err)
		return
	}
	defer res.Body.Close()
	b, _ := io.ReadAll(res.Body)
	fmt.Println(res.StatusCode, res.Header.Get("X-Target"), string(b))
	// Output:
	// 200 /items new item
}

// ExampleTraceStateBuilder_limit shows that the list is capped at 32 members
// and oversized values are refused.
func ExampleTraceStateBuilder_limit() {
	b := httpx.NewTraceStateBuilder("")
	for i := range 40 {
		b.Set(fmt.Sprintf("vendor%d", i), "x")
	}
	fmt.Println(b.Len(), strings.HasPrefix(b.String(), "vendor39=x"))
	fmt.Println(b.Set("big", strings.Repeat("x", 600)))
	// Output:
	// 32 true
	// false
}
