package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/signalfence/redisrate"
	"github.com/signalfence/redisrate/api"
	"github.com/signalfence/redisrate/config"
	"github.com/signalfence/redisrate/metrics"
	"github.com/signalfence/redisrate/middleware"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	Long: `Run the rate limiting HTTP API.

Endpoints:
  POST /check      check and consume quota for a key
  POST /reset      reset a key on every instance
  GET  /knock      sample endpoint limited by the configured policies
  GET  /metrics    counters snapshot
  GET  /dashboard  live view of /metrics
  GET  /health     Redis reachability

SIGINT or SIGTERM shuts the server down gracefully.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger, err := newLogger()
		if err != nil {
			return err
		}
		defer logger.Sync() // nolint:errcheck // stderr sync errors are benign

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return serve(ctx, cfg, logger)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("addr", "", "listen address, overrides server.addr")
	_ = viper.BindPFlag("server.addr", serveCmd.Flags().Lookup("addr"))
}

// serve runs the API until ctx is done.
func serve(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	be, err := openBackend(ctx, cfg.Redis, cfg.StoreOptions())
	if err != nil {
		return err
	}
	defer be.close()

	m := metrics.NewMetrics()
	opts := append(cfg.LimiterOptions(),
		redisrate.WithLogger(logger),
		redisrate.WithRecorder(m),
	)
	limiter, err := redisrate.New(be.store, opts...)
	if err != nil {
		return err
	}

	knock, err := knockHandler(cfg, limiter, logger)
	if err != nil {
		return err
	}

	router := api.NewRouter(api.RouterConfig{
		Handler: api.NewHandler(limiter, cfg.DefaultLimit(), logger),
		Metrics: m,
		Logger:  logger,
		Health:  be.ping,
		Mount: func(r chi.Router) {
			r.Method(http.MethodGet, "/knock", knock)
		},
	})

	srv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: router,
	}

	if cfg.Limiter.AccelerationEnabled() {
		go func() {
			_ = redisrate.Supervise(ctx, limiter.Listen, redisrate.Backoff{}, logger)
		}()
		stopSweep := limiter.StartBackgroundSweep(cfg.Limiter.SweepInterval)
		defer stopSweep()
	}

	errChan := make(chan error, 1)
	go func() {
		logger.Info("starting HTTP server",
			zap.String("addr", cfg.Server.Addr),
			zap.String("redis", cfg.Redis.Addr),
			zap.String("client", cfg.Redis.Client),
			zap.String("instance", limiter.ID()),
			zap.Bool("acceleration", cfg.Limiter.AccelerationEnabled()),
			zap.String("version", versionInfo.Version))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	logger.Info("HTTP server stopped gracefully")
	return nil
}

// knockHandler is a trivial endpoint behind the rate limiting middleware,
// limited by the route policies from the config.
func knockHandler(cfg *config.Config, limiter *redisrate.Limiter, logger *zap.Logger) (http.Handler, error) {
	keyFunc, err := middleware.ParseKeyExtractor(cfg.KeyExtractor)
	if err != nil {
		return nil, err
	}
	onError, err := middleware.ParseFailureMode(cfg.OnError)
	if err != nil {
		return nil, err
	}

	rl, err := middleware.NewRateLimiter(middleware.Config{
		Limiter:      limiter,
		Policy:       cfg.PolicyFunc(),
		KeyExtractor: keyFunc,
		OnError:      onError,
		Logger:       logger,
	})
	if err != nil {
		return nil, err
	}

	return rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok\n"))
	})), nil
}
