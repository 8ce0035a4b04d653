package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/go-chi/chi/v5"
	slogmulti "github.com/samber/slog-multi"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"github.com/italolelis/urlrelay/internal/cleanup"
	"github.com/italolelis/urlrelay/internal/config"
	"github.com/italolelis/urlrelay/internal/destination"
	"github.com/italolelis/urlrelay/internal/engine"
	"github.com/italolelis/urlrelay/internal/engine/aria2"
	"github.com/italolelis/urlrelay/internal/http/rest"
	"github.com/italolelis/urlrelay/internal/logctx"
	"github.com/italolelis/urlrelay/internal/media"
	"github.com/italolelis/urlrelay/internal/notifier"
	"github.com/italolelis/urlrelay/internal/registry"
	"github.com/italolelis/urlrelay/internal/relay"
	"github.com/italolelis/urlrelay/internal/status"
	"github.com/italolelis/urlrelay/internal/storage"
	"github.com/italolelis/urlrelay/internal/storage/sqlite"
	"github.com/italolelis/urlrelay/internal/telemetry"
)

var version = "dev"

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	logger := slog.New(logctx.NewTraceHandler(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()})))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger.Info("urlrelay starting...", "log_level", cfg.LogLevel, "version", version)

	if err := run(logctx.WithLogger(ctx, logger), cfg); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("fatal error", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	// =========================================================================
	// Start Telemetry
	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
	})
	if err != nil {
		return fmt.Errorf("failed to init telemetry: %w", err)
	}

	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := tel.Shutdown(shutdownCtx); err != nil {
			slog.Error("failed to shutdown telemetry", "err", err)
		}
	}()

	if h := tel.LogHandler(); h != nil {
		base := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()})
		logger := slog.New(logctx.NewTraceHandler(slogmulti.Fanout(base, h)))
		slog.SetDefault(logger)

		ctx = logctx.WithLogger(ctx, logger)
	}

	logger := logctx.LoggerFromContext(ctx)

	downloadDir, err := filepath.Abs(cfg.DownloadDir)
	if err != nil {
		return fmt.Errorf("failed to resolve download dir: %w", err)
	}

	// =========================================================================
	// Start Download Engine
	if cfg.Aria2.Spawn {
		daemon := aria2.NewDaemon(aria2.DaemonConfig{
			Binary:        cfg.Aria2.Binary,
			RPCURL:        cfg.Aria2.RPCURL,
			Secret:        cfg.Aria2.Secret,
			Dir:           downloadDir,
			MaxConcurrent: cfg.Aria2.MaxConcurrent,
		})

		if err := daemon.Start(ctx); err != nil {
			return fmt.Errorf("failed to start aria2: %w", err)
		}

		defer func() {
			if err := daemon.Stop(); err != nil {
				logger.Error("failed to stop aria2", "err", err)
			}
		}()
	}

	eng := engine.NewInstrumented(aria2.NewClient(cfg.Aria2.RPCURL, cfg.Aria2.Secret), tel, "aria2")

	// =========================================================================
	// Start Scratch Storage
	if err := cleanup.PurgeDir(ctx, downloadDir); err != nil {
		return fmt.Errorf("failed to prepare download dir: %w", err)
	}

	// =========================================================================
	// Start Database
	database, err := sqlite.InitDB(cfg.DBPath)
	if err != nil {
		logger.Error("DB error", "err", err)

		return err
	}
	defer database.Close()

	history := sqlite.NewInstrumentedJobRepository(database, tel)

	// =========================================================================
	// Start Destination
	dest, err := destination.Open(ctx, cfg.DestinationURL, cfg.PutioToken)
	if err != nil {
		return fmt.Errorf("failed to open destination: %w", err)
	}
	defer dest.Close()

	// =========================================================================
	// Start Relay
	reg := registry.New()
	board := status.NewBoard()

	rl := relay.New(ctx, relay.Config{
		DownloadDir:            downloadDir,
		PollInterval:           cfg.PollInterval,
		UploadProgressInterval: cfg.UploadProgressInterval,
		StatusMinInterval:      cfg.StatusMinInterval,
		AutoExtract:            cfg.AutoExtract,
		DestinationName:        destinationName(cfg.DestinationURL),
	}, relay.Deps{
		Engine:      eng,
		Destination: dest,
		Registry:    reg,
		Board:       board,
		Notifier:    buildNotifier(cfg),
		Describer:   media.NewDescriber(media.NewFFprobe(cfg.FFprobePath)),
		History:     history,
		Telemetry:   tel,
	})

	janitor := &cleanup.Janitor{
		Dir:       downloadDir,
		Owned:     reg.OwnsPath,
		Board:     board,
		Interval:  cfg.CleanupInterval,
		OrphanAge: cfg.OrphanAge,
		Retention: cfg.StatusRetention,
	}

	// =========================================================================
	// Start API Service
	server := setupServer(ctx, cfg, rl, board, history, tel)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("Initializing API support", "host", cfg.Web.BindAddress)

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}

		return nil
	})

	g.Go(func() error {
		return janitor.Run(gctx)
	})

	g.Go(func() error {
		<-gctx.Done()

		logger.Info("start shutdown")

		// Give outstanding requests and live jobs a deadline for completion.
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to gracefully shutdown the server", "err", err)

			if err = server.Close(); err != nil {
				return fmt.Errorf("could not stop server gracefully: %w", err)
			}
		}

		if err := rl.Shutdown(shutdownCtx); err != nil {
			logger.Error("jobs did not stop in time", "err", err, "live_jobs", reg.Len())
		}

		return nil
	})

	logger.Info("waiting for jobs...",
		"download_dir", downloadDir,
		"aria2_rpc", cfg.Aria2.RPCURL,
		"poll_interval", cfg.PollInterval.String(),
		"auto_extract", cfg.AutoExtract,
	)

	return g.Wait()
}

func setupServer(ctx context.Context, cfg *config.Config, rl *relay.Relay, board *status.Board, history storage.JobReadRepository, tel *telemetry.Telemetry) *http.Server {
	jobs := rest.NewJobsHandler(cfg.Operator.Username, cfg.Operator.Password, rl, board, history)

	r := chi.NewRouter()
	r.Use(telemetry.RequestID)
	r.Use(telemetry.HTTPLogging)
	r.Use(telemetry.NewHTTPMiddleware(tel).Middleware)

	r.Get("/healthz", rest.HandleHealth)
	r.Handle("/metrics", tel.Handler())
	r.Mount("/jobs", jobs.Routes())

	return &http.Server{
		Addr:         cfg.Web.BindAddress,
		Handler:      otelhttp.NewHandler(r, "urlrelay"),
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		BaseContext: func(net.Listener) context.Context {
			return context.WithoutCancel(ctx)
		},
	}
}

func buildNotifier(cfg *config.Config) notifier.Notifier {
	if cfg.DiscordWebhookURL == "" {
		return notifier.Nop{}
	}

	return notifier.NewDiscordNotifier(cfg.DiscordWebhookURL)
}

// destinationName is the low-cardinality label used for upload metrics.
func destinationName(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme == "" {
		return "blob"
	}

	return u.Scheme
}
