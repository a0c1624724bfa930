package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	httpbridge "github.com/glimte/mmate-httpbridge"
	"github.com/glimte/mmate-httpbridge/bridge"
	"github.com/glimte/mmate-httpbridge/config"
	"github.com/glimte/mmate-httpbridge/contracts"
	"github.com/glimte/mmate-httpbridge/health"
	"github.com/glimte/mmate-httpbridge/internal/loopback"
	"github.com/glimte/mmate-httpbridge/observability/prom"
	"github.com/glimte/mmate-httpbridge/transports"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

type globalFlags struct {
	configPath  string
	transport   string
	loopback    bool
	verbose     bool
	noColor     bool
	metricsAddr string

	// breakerThreshold overrides bridge.circuitBreaker.threshold when >= 0
	breakerThreshold int
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var flags globalFlags

	rootCmd := &cobra.Command{
		Use:   "httpbridge",
		Short: "Drive HTTP requests through a bridge module over pub/sub topics",
		Long: `httpbridge talks to an HTTP bridge module over latest-value pub/sub topics.
It publishes setup, data and teardown commands on the shared command topic and
reads statuses and response bodies from per-connection topics.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "YAML configuration file")
	rootCmd.PersistentFlags().StringVarP(&flags.transport, "transport", "t", "", "Transport type override (memory, redis, rabbitmq, mqtt, kafka)")
	rootCmd.PersistentFlags().BoolVar(&flags.loopback, "loopback", false, "Serve commands with an in-process bridge module")
	rootCmd.PersistentFlags().BoolVarP(&flags.verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&flags.noColor, "no-color", false, "Disable colored output")
	rootCmd.PersistentFlags().StringVar(&flags.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	rootCmd.PersistentFlags().IntVar(&flags.breakerThreshold, "breaker-threshold", -1, "Command publish failures before the circuit opens (0 disables)")

	rootCmd.AddCommand(newGetCmd(&flags), newHealthCmd(&flags), newVersionCmd())
	return rootCmd
}

func newGetCmd(flags *globalFlags) *cobra.Command {
	var (
		method  string
		path    string
		headers []string
		body    string
		proxy   string
		cache   bool
	)

	cmd := &cobra.Command{
		Use:   "get <url>",
		Short: "Configure a connection, send one request, read the body and tear down",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target := args[0]
			req := bridge.Request{
				Method:   method,
				Path:     path,
				UseCache: cache,
			}
			var err error
			if req.Headers, err = parseHeaders(headers); err != nil {
				return err
			}
			if body != "" {
				req.Body = []byte(body)
			}
			var setupOpts []bridge.SetupOption
			if proxy != "" {
				host, port, err := parseProxy(proxy)
				if err != nil {
					return err
				}
				setupOpts = append(setupOpts, bridge.WithProxy(host, port))
			}

			ctx, cancel := signalContext()
			defer cancel()

			env, err := setup(ctx, flags, target)
			if err != nil {
				return err
			}
			defer env.close(context.WithoutCancel(ctx))

			return runGet(ctx, env, target, req, setupOpts)
		},
	}

	cmd.Flags().StringVarP(&method, "method", "X", "GET", "HTTP method")
	cmd.Flags().StringVar(&path, "path", "", "Request path relative to the configured URL")
	cmd.Flags().StringArrayVarP(&headers, "header", "H", nil, `Request header as "Name: value" (repeatable)`)
	cmd.Flags().StringVarP(&body, "data", "d", "", "Request body")
	cmd.Flags().StringVar(&proxy, "proxy", "", "Proxy as host:port")
	cmd.Flags().BoolVar(&cache, "use-cache", false, "Allow the bridge module to use its HTTP cache")
	return cmd
}

func runGet(ctx context.Context, env *environment, target string, req bridge.Request, setupOpts []bridge.SetupOption) error {
	out := env.out
	b := env.client.Bridge()

	out.step("configure %s on %s", target, b.Config().CommandTopic)
	conn, err := b.Open(ctx)
	if err != nil {
		return err
	}
	defer func() {
		out.step("teardown")
		if err := conn.Close(context.WithoutCancel(ctx)); err != nil && !errors.Is(err, bridge.ErrAlreadyClosed) {
			out.warning("close: %v", err)
			return
		}
		out.success("closed (%s)", conn.State())
	}()

	if err := conn.Configure(ctx, target, setupOpts...); err != nil {
		out.failure("setup: %s", describe(err))
		return err
	}
	out.success("ConnId=%s state=%s", conn.ID(), conn.State())

	out.step("send %s %s", req.Method, target+req.Path)
	resp, err := conn.Send(ctx, req)
	if err != nil {
		out.failure("data: %s", describe(err))
		return err
	}
	out.success("%d %s", resp.StatusCode, resp.Message)
	out.headers(resp.Headers)

	out.step("read payload")
	payload, err := conn.ReadPayload(ctx, 0)
	switch {
	case err == nil:
		out.success("received %d bytes", len(payload))
		fmt.Fprintln(out.w, string(payload))
	case errors.Is(err, bridge.ErrTimeout):
		out.warning("TIMEOUT - no payload received")
	default:
		out.failure("payload: %v", err)
		return err
	}
	return nil
}

func newHealthCmd(flags *globalFlags) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check transport round trip and bridge state",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			env, err := setup(ctx, flags, "")
			if err != nil {
				return err
			}
			defer env.close(context.WithoutCancel(ctx))

			b := env.client.Bridge()
			checkers := []health.Checker{
				health.NewTransportChecker(env.client.Transport(), b.Config().TopicPrefix, timeout, env.logger),
				health.NewRegistryChecker(b.Registry(), 0),
				health.NewRuntimeChecker(500, 1000),
			}
			if c, ok := health.NewConnectivityChecker(env.client.Transport()); ok {
				checkers = append(checkers, c)
			}
			if c, ok := health.NewBreakerChecker(b); ok {
				checkers = append(checkers, c)
			}

			report := health.Run(ctx, checkers...)
			env.out.health(report)
			if report.Status == health.StatusUnhealthy {
				return errors.New("unhealthy")
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 2*time.Second, "Round-trip timeout")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "httpbridge %s (commit: %s, built: %s)\n", version, gitCommit, buildTime)
		},
	}
}

// environment is everything a command needs, built from flags and config
type environment struct {
	client  *httpbridge.Client
	module  *loopback.Module
	metrics *http.Server
	logger  *slog.Logger
	out     *output
}

func setup(ctx context.Context, flags *globalFlags, target string) (*environment, error) {
	cfg := config.Default()
	if flags.configPath != "" {
		var err error
		if cfg, err = config.Load(flags.configPath); err != nil {
			return nil, err
		}
	}
	if flags.transport != "" {
		cfg.Transport.Type = transports.Type(flags.transport)
	}
	if flags.verbose {
		cfg.Log.Level = "debug"
	}
	if flags.metricsAddr != "" {
		cfg.Metrics.Addr = flags.metricsAddr
	}
	if flags.breakerThreshold >= 0 {
		cfg.Bridge.CircuitBreaker.Threshold = flags.breakerThreshold
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	env := &environment{
		logger: cfg.Log.NewLogger(os.Stderr),
		out:    newOutput(os.Stdout, flags.noColor),
	}

	var clientOpts []httpbridge.ClientOption
	clientOpts = append(clientOpts, httpbridge.WithLogger(env.logger))
	if cfg.Metrics.Addr != "" {
		reg := prom.NewRegistry()
		clientOpts = append(clientOpts, httpbridge.WithObserver(prom.NewBridgeObserver(reg)))
		srv, err := serveMetrics(cfg.Metrics.Addr, prom.Handler(reg), env.logger)
		if err != nil {
			return nil, err
		}
		env.metrics = srv
	}

	client, err := httpbridge.NewClient(ctx, cfg, clientOpts...)
	if err != nil {
		env.close(ctx)
		return nil, err
	}
	env.client = client

	if flags.loopback {
		route := loopback.Route{
			ResponseMessage: "OK",
			ResponseHeaders: map[string][]string{"Content-Type": {"text/plain"}},
			Body:            []byte("Hello from loopback"),
		}
		opts := []loopback.Option{
			loopback.WithCommandTopic(cfg.Bridge.CommandTopic),
			loopback.WithLogger(env.logger),
		}
		if target != "" {
			opts = append(opts, loopback.WithRoute(target, route))
		}
		env.module = loopback.New(client.Transport(), opts...)
		if err := env.module.Start(ctx); err != nil {
			env.close(ctx)
			return nil, err
		}
	}
	return env, nil
}

func (e *environment) close(ctx context.Context) {
	if e.client != nil {
		if err := e.client.Close(ctx); err != nil {
			e.logger.Warn("failed to close client", "error", err)
		}
	}
	if e.module != nil {
		e.module.Stop()
	}
	if e.metrics != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		_ = e.metrics.Shutdown(shutdownCtx)
	}
}

func serveMetrics(addr string, handler http.Handler, logger *slog.Logger) (*http.Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server stopped", "error", err)
		}
	}()
	logger.Info("serving metrics", "addr", ln.Addr().String())
	return srv, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func parseHeaders(raw []string) (map[string]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	headers := make(map[string]string, len(raw))
	for _, h := range raw {
		name, value, ok := strings.Cut(h, ":")
		if !ok || strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("invalid header %q, want \"Name: value\"", h)
		}
		headers[strings.TrimSpace(name)] = strings.TrimSpace(value)
	}
	return headers, nil
}

func parseProxy(s string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return "", 0, fmt.Errorf("invalid proxy %q: %w", s, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, fmt.Errorf("invalid proxy port %q: %w", portStr, err)
	}
	return host, port, nil
}

// describe renders protocol errors the way the bridge module reports them
func describe(err error) string {
	if code, ok := contracts.StatusCodeOf(err); ok {
		return fmt.Sprintf("status=%s (%v)", code, err)
	}
	var te *bridge.TimeoutError
	if errors.As(err, &te) {
		return fmt.Sprintf("TIMEOUT after %s", te.Waited.Round(time.Millisecond))
	}
	return err.Error()
}
