package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/patients/internal/config"
	"github.com/ehr/patients/internal/domain/patient"
	"github.com/ehr/patients/internal/platform/db"
	"github.com/ehr/patients/internal/platform/logging"
	"github.com/ehr/patients/internal/platform/metrics"
	"github.com/ehr/patients/internal/platform/middleware"
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "patient-server",
		Short:        "Patient record API server",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(initStoreCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the patient API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func initStoreCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init-store",
		Short: "Create an empty patient store if none exists",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := bootstrap()
			if err != nil {
				return err
			}

			ctx := context.Background()
			store, pool, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			if pool != nil {
				defer pool.Close()
			}

			if err := store.Init(ctx); err != nil {
				return fmt.Errorf("init store: %w", err)
			}
			logger.Info().Str("store", store.Driver()).Msg("store ready")
			return nil
		},
	}
}

func bootstrap() (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	logger, err := logging.New(cfg.ResolvedLogFormat(), cfg.LogLevel)
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	return cfg, logger, nil
}

// openStore builds the store named by cfg.StoreDriver. The pool is only
// non-nil for the postgres driver and must be closed by the caller.
func openStore(ctx context.Context, cfg *config.Config) (patient.Store, *pgxpool.Pool, error) {
	switch cfg.StoreDriver {
	case config.DriverFile:
		return patient.NewFileStore(cfg.DataFile), nil, nil
	case config.DriverMemory:
		return patient.NewMemoryStore(), nil, nil
	case config.DriverPostgres:
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return nil, nil, err
		}
		return patient.NewPostgresStore(pool, cfg.StoreName), pool, nil
	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}

// newServer assembles the echo instance: middleware, patient routes and the
// operational endpoints.
func newServer(cfg *config.Config, logger zerolog.Logger, svc *patient.Service, m *metrics.Metrics) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = patient.ErrorHandler(logger)

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(m.Middleware())
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.BodyLimit(cfg.BodyLimit))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))

	limits := middleware.DefaultRateLimitConfig()
	limits.RequestsPerSecond = cfg.RateLimitRPS
	limits.BurstSize = cfg.RateLimitBurst
	patient.NewHandler(svc).RegisterRoutes(e, middleware.RateLimit(limits))
	e.GET("/metrics", m.Handler())
	return e
}

func runServer() error {
	cfg, logger, err := bootstrap()
	if err != nil {
		return err
	}

	ctx := context.Background()
	base, pool, err := openStore(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Str("store", cfg.StoreDriver).Msg("failed to open store")
	}
	if pool != nil {
		defer pool.Close()
		logger.Info().Msg("connected to database")
	}

	m := metrics.New()
	store := patient.NewInstrumentedStore(base, m)
	if err := store.Init(ctx); err != nil {
		logger.Fatal().Err(err).Str("store", store.Driver()).Msg("failed to initialise store")
	}

	svc := patient.NewService(store, m, logger)
	e := newServer(cfg, logger, svc, m)
	if pool != nil {
		e.GET("/health/db", db.HealthHandler(pool))
	}

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("store", store.Driver()).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}
