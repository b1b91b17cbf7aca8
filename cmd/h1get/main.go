// Command h1get fetches URLs over HTTP/1.1 through a shared dispatcher.
//
//	h1get [-config h1get.toml] [-X POST] [-d body] [-H 'Name: value'] [-i] [-p 4] URL...
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"dqx0.com/go/h1dispatch/httpx"
	"dqx0.com/go/h1dispatch/internal/config"
	"dqx0.com/go/h1dispatch/internal/obs"
)

type headerFlags []string

func (h *headerFlags) String() string { return strings.Join(*h, ", ") }

func (h *headerFlags) Set(v string) error {
	if !strings.Contains(v, ":") {
		return fmt.Errorf("header %q is not in Name: value form", v)
	}
	*h = append(*h, v)
	return nil
}

type options struct {
	configPath string
	method     string
	data       string
	headers    headerFlags
	include    bool
	parallel   int
	urls       []string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	os.Exit(run(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("h1get", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var o options
	fs.StringVar(&o.configPath, "config", "", "Path to the TOML configuration file")
	fs.StringVar(&o.method, "X", "", "Request method (default GET, or POST with -d)")
	fs.StringVar(&o.data, "d", "", "Request body; @file reads it from a file")
	fs.Var(&o.headers, "H", "Extra request header, repeatable")
	fs.BoolVar(&o.include, "i", false, "Print the status line and response headers")
	fs.IntVar(&o.parallel, "p", 4, "Maximum number of requests in flight")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	o.urls = fs.Args()
	if len(o.urls) == 0 {
		fmt.Fprintln(stderr, "Error: at least one URL is required.")
		fs.Usage()
		return 2
	}
	if o.parallel < 1 {
		o.parallel = 1
	}

	cfg := config.Default()
	if o.configPath != "" {
		var err error
		if cfg, err = config.Load(o.configPath); err != nil {
			fmt.Fprintf(stderr, "Failed to load configuration: %v\n", err)
			return 1
		}
	}
	zl := newZerolog(cfg.Logging, stderr)
	logger := obs.ZerologLogger{L: zl, Min: obs.ParseLevel(cfg.Logging.Level)}

	var meter obs.Meter = obs.NopMeter{}
	var registry *prometheus.Registry
	if *cfg.Metrics.Enabled {
		registry = prometheus.NewRegistry()
		meter = obs.NewPromMeter(registry, cfg.Metrics.Namespace)
	}

	agentOpts, err := cfg.AgentOptions(logger.With("component", "agent"), meter)
	if err != nil {
		zl.Error().Err(err).Msg("invalid agent configuration")
		return 1
	}
	agent, err := httpx.NewAgent(agentOpts)
	if err != nil {
		zl.Error().Err(err).Msg("failed to create agent")
		return 1
	}
	client := cfg.NewClient(agent, logger.With("component", "client"), meter)

	body, err := loadBody(o.data)
	if err != nil {
		zl.Error().Err(err).Msg("failed to read request body")
		return 1
	}
	results := make([][]byte, len(o.urls))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.parallel)
	for i, u := range o.urls {
		g.Go(func() error {
			out, err := fetch(gctx, client, cfg, &o, u, body)
			if err != nil {
				return fmt.Errorf("%s: %w", u, err)
			}
			results[i] = out
			return nil
		})
	}
	fetchErr := g.Wait()
	for _, out := range results {
		_, _ = stdout.Write(out)
	}

	closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := agent.Close(closeCtx); err != nil {
		zl.Warn().Err(err).Msg("agent did not close cleanly")
		_ = agent.Destroy(context.Background(), err)
	}
	if registry != nil {
		if err := dumpMetrics(registry, stderr); err != nil {
			zl.Warn().Err(err).Msg("failed to write metrics")
		}
	}
	if fetchErr != nil {
		zl.Error().Err(fetchErr).Msg("request failed")
		return 1
	}
	return 0
}

func newZerolog(lc *config.LoggingConfig, w io.Writer) zerolog.Logger {
	if lc.Format == "console" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.TimeOnly}
	}
	return zerolog.New(w).With().Timestamp().Str("app", "h1get").Logger()
}

func loadBody(data string) ([]byte, error) {
	if path, ok := strings.CutPrefix(data, "@"); ok {
		return os.ReadFile(path)
	}
	if data == "" {
		return nil, nil
	}
	return []byte(data), nil
}

func fetch(ctx context.Context, c *httpx.Client, cfg *config.Config, o *options, rawURL string, body []byte) ([]byte, error) {
	method := o.method
	if method == "" {
		method = "GET"
		if body != nil {
			method = "POST"
		}
	}
	var rd io.Reader
	if body != nil {
		rd = strings.NewReader(string(body))
	}
	req, err := httpx.NewRequest(ctx, method, rawURL, rd)
	if err != nil {
		return nil, err
	}
	for k, v := range cfg.Client.Headers {
		req.Header.Set(k, v)
	}
	for _, h := range o.headers {
		k, v, _ := strings.Cut(h, ":")
		req.Header.Add(strings.TrimSpace(k), strings.TrimSpace(v))
	}
	res, err := c.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	var sb strings.Builder
	if o.include {
		fmt.Fprintf(&sb, "%s %s\n", res.Proto, res.Status)
		for k, vv := range res.Header {
			for _, v := range vv {
				fmt.Fprintf(&sb, "%s: %s\n", k, v)
			}
		}
		sb.WriteString("\n")
	}
	if _, err := io.Copy(&sb, res.Body); err != nil {
		return nil, err
	}
	if o.include && len(res.Trailer) > 0 {
		for k, vv := range res.Trailer {
			for _, v := range vv {
				fmt.Fprintf(&sb, "%s: %s\n", k, v)
			}
		}
	}
	return []byte(sb.String()), nil
}

func dumpMetrics(g prometheus.Gatherer, w io.Writer) error {
	mfs, err := g.Gather()
	if err != nil {
		return err
	}
	enc := expfmt.NewEncoder(w, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range mfs {
		if err := enc.Encode(mf); err != nil {
			return err
		}
	}
	return nil
}
