package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"runtime"

	"github.com/did-doc-patch/go-didpatch/registrar"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"
)

func main() {
	cmd := &cli.Command{
		Name:  "didpatch-registry",
		Usage: "patch registry server",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "postgres-url",
				Usage:   "PostgreSQL connection string (if set, uses Postgres instead of SQLite)",
				Sources: cli.EnvVars("POSTGRES_URL"),
			},
			&cli.StringFlag{
				Name:    "sqlite-path",
				Usage:   "SQLite database file path (used when --postgres-url is not set)",
				Value:   "registry.db",
				Sources: cli.EnvVars("SQLITE_PATH"),
			},
			&cli.StringFlag{
				Name:    "bind",
				Usage:   "HTTP server listen address",
				Value:   ":8080",
				Sources: cli.EnvVars("REGISTRY_BIND"),
			},
			&cli.StringFlag{
				Name:    "metrics-addr",
				Usage:   "Metrics HTTP server listen address",
				Value:   ":9464",
				Sources: cli.EnvVars("METRICS_ADDR"),
			},
			&cli.StringFlag{
				Name:    "mirror-url",
				Usage:   "Origin registry base URL to mirror from (if set, the server runs read-only)",
				Sources: cli.EnvVars("MIRROR_URL"),
			},
			&cli.Int64Flag{
				Name:    "cursor-override",
				Usage:   "Starting cursor (sequence number) for mirroring",
				Value:   -1,
				Sources: cli.EnvVars("CURSOR_OVERRIDE"),
			},
			&cli.IntFlag{
				Name:    "num-workers",
				Usage:   "Number of validation worker threads (0 = auto)",
				Value:   0,
				Sources: cli.EnvVars("NUM_WORKERS"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
			&cli.BoolFlag{
				Name:    "log-json",
				Usage:   "Output logs in JSON format",
				Sources: cli.EnvVars("LOG_JSON"),
			},
		},
		Action: run,
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cmd *cli.Command) error {
	postgresURL := cmd.String("postgres-url")
	sqlitePath := cmd.String("sqlite-path")
	bind := cmd.String("bind")
	metricsAddr := cmd.String("metrics-addr")
	mirrorURL := cmd.String("mirror-url")
	cursorOverride := cmd.Int64("cursor-override")
	numWorkers := cmd.Int("num-workers")
	logLevel := cmd.String("log-level")
	logJSON := cmd.Bool("log-json")

	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}
	if logJSON {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	if numWorkers <= 0 {
		numWorkers = runtime.NumCPU()
	}

	otelShutdown, err := setupOTel(ctx)
	if err != nil {
		return fmt.Errorf("otel setup: %w", err)
	}
	defer otelShutdown(context.Background())

	var store *registrar.GormPatchStore

	if postgresURL != "" {
		slog.Info("using database", "type", "postgres", "url", postgresURL)
		store, err = registrar.NewGormPatchStoreWithPostgres(postgresURL, logger)
		if err != nil {
			return fmt.Errorf("failed to create postgres store: %w", err)
		}
	} else {
		slog.Info("using database", "type", "sqlite", "path", sqlitePath)
		store, err = registrar.NewGormPatchStoreWithSqlite(sqlitePath, logger)
		if err != nil {
			return fmt.Errorf("failed to create sqlite store: %w", err)
		}
	}

	// A mirroring server never accepts writes of its own; entries arrive
	// through the origin feed instead.
	readOnly := mirrorURL != ""

	state := registrar.NewRegistrarState()
	server := registrar.NewServer(store, bind, state, readOnly, logger)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(server.Run)

	g.Go(func() error {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		slog.Info("metrics server listening", "addr", metricsAddr)
		return http.ListenAndServe(metricsAddr, mux)
	})

	if mirrorURL != "" {
		mirror, err := registrar.NewMirror(store, mirrorURL, cursorOverride, numWorkers, state, logger)
		if err != nil {
			return err
		}
		g.Go(func() error {
			return mirror.Run(gctx)
		})
	}

	return g.Wait()
}
