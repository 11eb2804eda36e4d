package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/common/version"
	"github.com/spf13/cobra"

	"github.com/psantana5/fileserver/pkg/api"
	"github.com/psantana5/fileserver/pkg/auth"
	"github.com/psantana5/fileserver/pkg/cleanup"
	"github.com/psantana5/fileserver/pkg/config"
	"github.com/psantana5/fileserver/pkg/logging"
	"github.com/psantana5/fileserver/pkg/metrics"
	"github.com/psantana5/fileserver/pkg/ratelimit"
	"github.com/psantana5/fileserver/pkg/server"
	"github.com/psantana5/fileserver/pkg/shutdown"
	"github.com/psantana5/fileserver/pkg/storage"
	"github.com/psantana5/fileserver/pkg/store"
	tlsutil "github.com/psantana5/fileserver/pkg/tls"
	"github.com/psantana5/fileserver/pkg/tracing"
)

var shutdownTimeout time.Duration

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the file server",
	Long: `Serves the files in storage.root over TCP, pushes statistics to
subscribers every stats.interval and, when admin.enabled is set, exposes the
HTTP admin API with Prometheus metrics.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 30*time.Second, "time allowed for in-flight downloads on shutdown")
	serveCmd.Flags().Int("port", 0, "override server.port")
	serveCmd.Flags().String("root", "", "override storage.root")
	serveCmd.Flags().Int("max-connections", 0, "override server.max_connections")
}

func newLogger(cfg *config.Config) *logging.Logger {
	level := logging.ParseLevel(cfg.Log.Level)
	if cfg.Log.File {
		logger, err := logging.NewFileLogger("fileserver", "server", level, cfg.Log.JSON)
		if err == nil {
			return logger
		}
		fmt.Printf("Failed to open log file, logging to stdout: %v\n", err)
	}
	return logging.NewLogger(level, cfg.Log.JSON)
}

func applyServeFlags(cmd *cobra.Command, cfg *config.Config) error {
	if cmd.Flags().Changed("port") {
		cfg.Server.Port, _ = cmd.Flags().GetInt("port")
	}
	if cmd.Flags().Changed("root") {
		cfg.Storage.Root, _ = cmd.Flags().GetString("root")
	}
	if cmd.Flags().Changed("max-connections") {
		cfg.Server.MaxConnections, _ = cmd.Flags().GetInt("max-connections")
	}
	return cfg.Validate()
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := applyServeFlags(cmd, cfg); err != nil {
		return err
	}

	logger := newLogger(cfg)
	defer logger.Close()

	logger.Info("Starting file server", map[string]interface{}{
		"version": version.Version,
		"store":   cfg.Store.Type,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mgr := shutdown.New(shutdownTimeout, logger)

	root, err := storage.Prepare(cfg.Storage.Root)
	if err != nil {
		return fmt.Errorf("failed to prepare root: %w", err)
	}
	if cfg.Storage.CleanupOnExit {
		mgr.Register("storage", func(context.Context) error { return root.Cleanup() })
	}

	st, err := store.NewStore(cfg.Store)
	if err != nil {
		return fmt.Errorf("failed to open %s store: %w", cfg.Store.Type, err)
	}
	mgr.Register("store", shutdown.CloseResource(st))

	cfg.Tracing.ServiceVersion = version.Version
	tracer, err := tracing.InitTracer(ctx, cfg.Tracing)
	if err != nil {
		return err
	}
	mgr.Register("tracing", tracer.Shutdown)

	exporter := metrics.NewExporter()

	opts := []server.Option{
		server.WithLogger(logger),
		server.WithMetrics(exporter),
		server.WithTracer(tracer),
	}
	if cfg.RateLimit.Enabled {
		limiter := ratelimit.NewLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst)
		opts = append(opts, server.WithRateLimiter(limiter))
		go pruneLimiter(ctx, limiter)
	}
	if cfg.TLS.Enabled {
		tlsConfig, err := tlsutil.LoadServerConfig(cfg.TLS)
		if err != nil {
			return fmt.Errorf("failed to load TLS config: %w", err)
		}
		opts = append(opts, server.WithTLS(tlsConfig))
		logger.Info("TLS enabled", map[string]interface{}{"mtls": cfg.TLS.RequireClientCert})
	}

	srv, err := server.New(cfg.Server, root, st, opts...)
	if err != nil {
		return err
	}
	srv.RegisterHandlers(server.DefaultHandlers())
	mgr.Register("server", shutdown.StopServer(srv))

	srv.StartStatsReporter(ctx, cfg.Stats.Interval)

	janitor := cleanup.NewManager(cfg.Cleanup, st, root, logger)
	janitor.Start(ctx)
	mgr.Register("cleanup", func(context.Context) error {
		janitor.Stop()
		return nil
	})

	if cfg.Admin.Enabled {
		var adminLimiter *ratelimit.Limiter
		if cfg.RateLimit.Enabled {
			adminLimiter = ratelimit.NewLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst)
			go pruneLimiter(ctx, adminLimiter)
		}
		handler := api.NewAdminHandler(srv, st, root, exporter.Handler(), logger)
		router := api.NewRouter(handler, auth.NewAPIKey(cfg.Admin.APIKey), adminLimiter, tracer)
		admin := &http.Server{
			Addr:         cfg.Admin.Address,
			Handler:      router,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		}
		mgr.Register("admin", shutdown.StopServer(admin))

		go func() {
			logger.Info("Admin API listening", map[string]interface{}{"addr": cfg.Admin.Address})
			if err := admin.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Admin API error", map[string]interface{}{"error": err})
				mgr.Trigger()
			}
		}()
	}

	serveErr := make(chan error, 1)
	go func() {
		err := srv.Serve(ctx)
		if !errors.Is(err, server.ErrServerClosed) {
			serveErr <- err
		}
		mgr.Trigger()
	}()

	mgr.Wait(ctx)
	cancel()
	if err := mgr.Shutdown(); err != nil {
		logger.Warn("Shutdown finished with errors", map[string]interface{}{"error": err})
	}

	select {
	case err := <-serveErr:
		return err
	default:
		return nil
	}
}

func pruneLimiter(ctx context.Context, l *ratelimit.Limiter) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.CleanupOldLimiters(10 * time.Minute)
		}
	}
}
