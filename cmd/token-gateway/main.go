// Package main provides the entry point for the token gateway server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	_ "github.com/joho/godotenv/autoload"

	"github.com/lexilearn/token-gateway/internal/admin"
	"github.com/lexilearn/token-gateway/internal/config"
	"github.com/lexilearn/token-gateway/internal/forward"
	"github.com/lexilearn/token-gateway/internal/gateway"
	"github.com/lexilearn/token-gateway/internal/metrics"
	"github.com/lexilearn/token-gateway/internal/middleware"
	"github.com/lexilearn/token-gateway/internal/permission"
	"github.com/lexilearn/token-gateway/internal/ratelimit"
	"github.com/lexilearn/token-gateway/internal/storage"
	"github.com/lexilearn/token-gateway/internal/token"
	"github.com/lexilearn/token-gateway/internal/usagelog"

	"github.com/prometheus/client_golang/prometheus"
)

const version = "1.0.0"

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	logger, err := setupLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited with error", "error", err)
		os.Exit(1)
	}
}

func setupLogger(level string) (*slog.Logger, error) {
	var logLevel slog.Level
	if err := logLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("unrecognized LOG_LEVEL %q: %w", level, err)
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})), nil
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.New(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer store.Close() //nolint:errcheck

	if err := metrics.Init(prometheus.DefaultRegisterer); err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}

	recorder := usagelog.NewRecorder(store, logger, usagelog.Config{
		BufferSize: cfg.UsageBufferSize,
	})
	defer recorder.Close() //nolint:errcheck

	permCache := permission.NewCachedSource(store, cfg.PermissionTTL)
	limiter := ratelimit.NewLimiter(store)
	validator := gateway.NewValidator(store, permCache, limiter)
	issuer := token.NewIssuer(store)

	router, err := newAPIRouter(cfg, logger, store, issuer, validator, recorder, permCache)
	if err != nil {
		return err
	}

	apiServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	metricsServer := &http.Server{
		Addr:              cfg.MetricsListenAddr,
		Handler:           metrics.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("token gateway starting",
		"version", version,
		"listen_addr", cfg.ListenAddr,
		"metrics_addr", cfg.MetricsListenAddr,
		"database", cfg.DatabasePath,
	)

	grp, grpCtx := errgroup.WithContext(ctx)

	grp.Go(func() error {
		if err := apiServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	})
	grp.Go(func() error {
		if err := metricsServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	grp.Go(func() error {
		return pruneCounters(grpCtx, limiter, cfg.PruneInterval, logger)
	})
	grp.Go(func() error {
		<-grpCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		logger.Info("shutting down")
		err := apiServer.Shutdown(shutdownCtx)
		if merr := metricsServer.Shutdown(shutdownCtx); err == nil {
			err = merr
		}
		return err
	})

	return grp.Wait()
}

// newAPIRouter mounts the validation endpoint, the admin surface, and,
// when an upstream is configured, the protected proxy on one listener.
func newAPIRouter(cfg *config.Config, logger *slog.Logger, store *storage.SQLiteStorage,
	issuer *token.Issuer, validator *gateway.Validator, recorder *usagelog.Recorder,
	permCache *permission.CachedSource) (chi.Router, error) {

	adminHandler := admin.NewHandler(store, issuer, permCache, cfg.AdminSecret, logger)
	gatewayHandler := gateway.NewHandler(validator, recorder, logger)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(metrics.Middleware)
	r.Use(middleware.HTTPLogging(logger))

	r.Get("/health", adminHandler.HandleHealth)
	r.Get("/ready", adminHandler.HandleReady)
	r.Post("/v1/validate", gatewayHandler.Validate)
	r.Mount("/admin", adminHandler.NewRouter())

	if cfg.UpstreamURL != "" {
		upstream, err := url.Parse(cfg.UpstreamURL)
		if err != nil {
			return nil, fmt.Errorf("invalid UPSTREAM_URL: %w", err)
		}
		guard := gateway.Middleware(validator, recorder, logger,
			gateway.RESTResolver(cfg.ProxyModelPrefix))
		r.NotFound(guard(forward.New(upstream, logger)).ServeHTTP)
		logger.Info("proxy mode enabled", "upstream", cfg.UpstreamURL)
	}

	return r, nil
}

// pruneCounters removes rate-window rows once their window closes.
func pruneCounters(ctx context.Context, limiter *ratelimit.Limiter, interval time.Duration, logger *slog.Logger) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			pruneCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			pruned, err := limiter.Prune(pruneCtx, time.Now())
			cancel()
			if err != nil {
				logger.Warn("counter prune failed", "error", err)
				continue
			}
			if pruned > 0 {
				logger.Debug("pruned closed rate windows", "rows", pruned)
			}
		}
	}
}
