package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/xiy/narrative-memory/internal/admin"
	"github.com/xiy/narrative-memory/internal/bootstrap"
	"github.com/xiy/narrative-memory/internal/config"
	"github.com/xiy/narrative-memory/internal/embeddings"
	"github.com/xiy/narrative-memory/internal/events"
	"github.com/xiy/narrative-memory/internal/index"
	"github.com/xiy/narrative-memory/internal/mcp"
	"github.com/xiy/narrative-memory/internal/memory"
	"github.com/xiy/narrative-memory/internal/retire"
	"github.com/xiy/narrative-memory/internal/store"
)

var version = "v0.1.0"

// commands are the subcommands besides version. The index lives in the
// serving process, so consistency is checked there (memory_check tool and the
// background worker), not by a separate command.
var commands = map[string]func([]string) error{
	"serve":          runServe,
	"sweep":          runSweep,
	"admin":          runAdmin,
	"bootstrap-clis": runBootstrap,
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "version", "--version", "-v":
		fmt.Println("narrative-memory", version)
		return
	}
	run, ok := commands[os.Args[1]]
	if !ok {
		usage()
		os.Exit(2)
	}
	if err := run(os.Args[2:]); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func loadConfig(fs *flag.FlagSet, args []string) (config.Config, error) {
	configPath := fs.String("config", config.DefaultPath, "Path to config file")
	if err := fs.Parse(args); err != nil {
		return config.Config{}, err
	}
	cfg, err := config.Load(config.ExpandPath(*configPath))
	if err != nil {
		return cfg, err
	}
	if err := cfg.EnsurePaths(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func newLogger(cfg config.Config) *log.Logger {
	logger := log.NewWithOptions(os.Stderr, log.Options{ReportCaller: false, ReportTimestamp: true, Prefix: cfg.ServerName})
	setLogLevel(logger, cfg.LogLevel)
	return logger
}

// app bundles everything a service command needs and how to tear it down.
type app struct {
	svc      *memory.Service
	store    store.Store
	sqlite   *store.SQLiteStore
	registry *prometheus.Registry
	closers  []func()
}

func (r *app) Close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
}

func openApp(ctx context.Context, cfg config.Config, logger *log.Logger) (*app, error) {
	rt := &app{registry: prometheus.NewRegistry()}
	rt.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	switch cfg.StoreBackend {
	case "postgres":
		st, err := store.OpenPostgres(ctx, cfg.PostgresDSN, logger)
		if err != nil {
			return nil, err
		}
		rt.store = st
	default:
		st, err := store.OpenSQLite(ctx, cfg.DBPath, logger)
		if err != nil {
			return nil, err
		}
		rt.store = st
		rt.sqlite = st
	}
	rt.closers = append(rt.closers, func() { _ = rt.store.Close() })

	metric, err := index.ParseMetric(cfg.Index.Metric)
	if err != nil {
		rt.Close()
		return nil, err
	}
	idx, err := index.New(cfg.Index.Backend, cfg.Dimension, metric)
	if err != nil {
		rt.Close()
		return nil, err
	}

	embedder, err := embeddings.Build(embeddings.Options{
		Provider:           cfg.Embeddings.Provider,
		BaseURL:            cfg.Embeddings.BaseURL,
		Model:              cfg.Embeddings.Model,
		Timeout:            cfg.Embeddings.Timeout(),
		Dimension:          cfg.Dimension,
		CacheMaxCost:       cfg.Embeddings.CacheMaxBytes,
		BreakerMaxFailures: cfg.Embeddings.BreakerMaxFailures,
		BreakerTimeout:     cfg.Embeddings.BreakerOpen(),
	}, logger)
	if err != nil {
		rt.Close()
		return nil, err
	}
	if c, ok := embedder.(interface{ Close() }); ok {
		rt.closers = append(rt.closers, c.Close)
	}

	sinks := events.Multi{events.Log(logger), events.NewPrometheus(rt.registry)}
	if rec, ok := rt.store.(events.RecallRecorder); ok {
		sinks = append(sinks, events.RecallLog(rec))
	}

	opts := []memory.Option{memory.WithSink(sinks)}
	if embedder != nil {
		opts = append(opts, memory.WithEmbedder(embedder))
	}
	svc, err := memory.NewService(rt.store, idx, cfg, logger, opts...)
	if err != nil {
		rt.Close()
		return nil, err
	}

	started := time.Now()
	n, err := svc.RebuildIndex(ctx)
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("load index: %w", err)
	}
	logger.Info("index loaded", "backend", cfg.Index.Backend, "records", n, "took", time.Since(started).Round(time.Millisecond))

	rt.svc = svc
	return rt, nil
}

func serveMetrics(ctx context.Context, logger *log.Logger, addr string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("serving metrics", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("metrics server stopped", "error", err)
	}
}

func runServe(args []string) error {
	cfg, err := loadConfig(flag.NewFlagSet("serve", flag.ContinueOnError), args)
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	rt, err := openApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	if cfg.MetricsAddr != "" {
		go serveMetrics(ctx, logger, cfg.MetricsAddr, rt.registry)
	}
	if d := cfg.Retirement.Interval(); d > 0 {
		go retire.Start(ctx, logger, d, rt.svc)
	}
	if d := cfg.ConsistencyCheckInterval(); d > 0 {
		go retire.StartConsistency(ctx, logger, d, rt.svc, memory.ErrIndexCorruption)
	}

	mcp.ServerVersion = version
	var requestLog mcp.RequestLogSink
	if rt.sqlite != nil {
		requestLog = rt.sqlite
	}
	server := mcp.NewServer(rt.svc, logger, requestLog)
	logger.Info("starting MCP stdio server", "store", cfg.StoreBackend, "dimension", cfg.Dimension)
	if err := server.Serve(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func runSweep(args []string) error {
	cfg, err := loadConfig(flag.NewFlagSet("sweep", flag.ContinueOnError), args)
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	rt, err := openApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	report, err := rt.svc.Sweep(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("scanned=%d candidates=%d retired=%d errors=%d\n", report.Scanned, report.Candidates, report.Retired, report.Errors)
	for _, id := range report.IDs {
		fmt.Println(id)
	}
	return nil
}

func runBootstrap(args []string) error {
	fs := flag.NewFlagSet("bootstrap-clis", flag.ContinueOnError)
	configPath := fs.String("config", config.DefaultPath, "Path to config file")
	scope := fs.String("scope", "user", "Config scope: user or project")
	serverName := fs.String("server-name", "narrative-memory", "MCP server registration name")
	serveCmd := fs.String("serve-command", "narrative-memory serve", "Command used by MCP clients to launch the stdio server")
	codex := fs.Bool("codex", false, "Configure Codex CLI")
	claude := fs.Bool("claude", false, "Configure Claude CLI")
	gemini := fs.Bool("gemini", false, "Configure Gemini CLI")
	dryRun := fs.Bool("dry-run", false, "Print intended commands without executing")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var clients []string
	for name, on := range map[string]bool{"codex": *codex, "claude": *claude, "gemini": *gemini} {
		if on {
			clients = append(clients, name)
		}
	}

	logger := log.New(os.Stderr)
	return bootstrap.Bootstrap(logger, bootstrap.Options{
		ConfigPath: config.ExpandPath(*configPath),
		Scope:      *scope,
		ServerName: *serverName,
		ServeCmd:   *serveCmd,
		Clients:    clients,
		DryRun:     *dryRun,
	}, nil)
}

func runAdmin(args []string) error {
	cfg, err := loadConfig(flag.NewFlagSet("admin", flag.ContinueOnError), args)
	if err != nil {
		return err
	}
	if cfg.StoreBackend != "sqlite" {
		return fmt.Errorf("admin dashboard requires the sqlite store, got %q", cfg.StoreBackend)
	}

	logger := log.New(os.Stderr)
	st, err := store.OpenSQLite(context.Background(), cfg.DBPath, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	return admin.Run(ctx, st)
}

func setLogLevel(logger *log.Logger, level string) {
	switch level {
	case "debug":
		logger.SetLevel(log.DebugLevel)
	case "warn":
		logger.SetLevel(log.WarnLevel)
	case "error":
		logger.SetLevel(log.ErrorLevel)
	default:
		logger.SetLevel(log.InfoLevel)
	}
}

func usage() {
	fmt.Print(`narrative-memory

Usage:
  narrative-memory serve [--config path]
  narrative-memory sweep [--config path]
  narrative-memory admin [--config path]
  narrative-memory bootstrap-clis [--config path] [--codex] [--claude] [--gemini] [--scope user|project] [--dry-run]
  narrative-memory version
`)
}
