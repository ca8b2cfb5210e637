package main

import (
	"context"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"github.com/readmission/dashboard/internal/config"
	"github.com/readmission/dashboard/internal/domain/analytics"
	"github.com/readmission/dashboard/internal/domain/dashboard"
	"github.com/readmission/dashboard/internal/domain/patient"
	"github.com/readmission/dashboard/internal/domain/risk"
	"github.com/readmission/dashboard/internal/platform/db"
	"github.com/readmission/dashboard/internal/platform/middleware"
	"github.com/readmission/dashboard/internal/platform/prediction"
	"github.com/readmission/dashboard/internal/platform/reporting"
	"github.com/readmission/dashboard/internal/platform/telemetry"
	"github.com/readmission/dashboard/migrations"
)

const writeBodyLimit = "64K"

func main() {
	rootCmd := &cobra.Command{
		Use:   "dashboard-server",
		Short: "Readmission risk dashboard API",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(reportCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// loadConfig loads and validates configuration.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the dashboard API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

// migrationSource returns the embedded migrations unless dir is set.
func migrationSource(dir string) fs.FS {
	if dir == "" {
		return migrations.FS
	}
	return os.DirFS(dir)
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	// migrate up
	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.ConnString(), cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, migrationSource(dir))
			count, err := migrator.Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("dir", "", "Path to migrations directory (default: embedded migrations)")
	cmd.AddCommand(upCmd)

	// migrate status
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.ConnString(), cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, migrationSource(dir))
			statuses, err := migrator.Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			return printMigrationStatus(cmd.OutOrStdout(), statuses)
		},
	}
	statusCmd.Flags().String("dir", "", "Path to migrations directory (default: embedded migrations)")
	cmd.AddCommand(statusCmd)

	return cmd
}

// buildProviders assembles the prediction chain in configured order. Gemini
// also serves as the narrator whenever an API key is present.
func buildProviders(cfg *config.Config, logger zerolog.Logger) (*prediction.Chain, prediction.Narrator) {
	var gemini *prediction.Gemini
	if cfg.GeminiAPIKey != "" {
		gemini = prediction.NewGemini(cfg.GeminiAPIKey, cfg.GeminiModel, cfg.GeminiBaseURL, cfg.PredictionTimeout)
	}

	var providers []prediction.Provider
	for _, name := range cfg.PredictionProviders {
		switch name {
		case "heuristic":
			providers = append(providers, prediction.Heuristic{})
		case "http":
			providers = append(providers, prediction.NewHTTPProvider(cfg.PredictionURL, cfg.PredictionTimeout,
				prediction.WithRetry(cfg.PredictionMaxRetries, 2*time.Second)))
		case "gemini":
			if gemini != nil {
				providers = append(providers, gemini)
			}
		}
	}

	chain := prediction.NewChain(logger, providers...)
	if gemini == nil {
		return chain, nil
	}
	return chain, gemini
}

// newEcho builds the server with the global middleware stack and error
// handling but no routes. metrics may be nil.
func newEcho(cfg *config.Config, logger zerolog.Logger, metrics *telemetry.Provider) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = middleware.HTTPErrorHandler(logger)

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	if metrics != nil {
		e.Use(metrics.MetricsMiddleware())
	}
	e.Use(middleware.SecurityHeaders(cfg.HSTSMaxAge))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost},
		AllowHeaders: []string{"Content-Type", middleware.RequestIDHeader},
	}))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))

	return e
}

type stores struct {
	pool *pgxpool.Pool
	gdb  *gorm.DB
}

func openStores(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*stores, error) {
	pool, err := db.NewPool(ctx, cfg.ConnString(), cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	gdb, err := db.OpenGORM(pool, logger)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return &stores{pool: pool, gdb: gdb}, nil
}

func newDashboardService(cfg *config.Config, pool *pgxpool.Pool, logger zerolog.Logger) *dashboard.Service {
	return dashboard.NewService(dashboard.NewDashboardRepoPG(pool), dashboard.Options{
		TrendMonths:             cfg.TrendMonths,
		MonthlyAdmissionsMonths: cfg.MonthlyAdmissionsMonths,
		QueryTimeout:            cfg.QueryTimeout,
		Concurrency:             cfg.QueryConcurrency,
		PatientSatisfactionRate: cfg.PatientSatisfactionRate,
	}, logger.With().Str("component", "dashboard").Logger())
}

func runServer() error {
	// Config
	cfg, err := loadConfig()
	logger := newLogger(os.Getenv("ENV"))
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	logger = newLogger(cfg.Env)

	// Database
	ctx := context.Background()
	st, err := openStores(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer st.pool.Close()
	logger.Info().Msg("connected to database")

	checker := db.NewChecker(st.pool)
	metrics := telemetry.NewProvider().WithPool(checker)

	e := newEcho(cfg, logger, metrics)
	api := e.Group("/api")

	// Dashboard domain
	dashSvc := newDashboardService(cfg, st.pool, logger)
	dashSvc.SetRecorder(metrics)
	dashboard.NewHandler(dashSvc, logger).RegisterRoutes(api)

	// Analytics domain
	analytics.NewHandler(analytics.NewService(analytics.NewAnalyticsRepoPG(st.pool)), logger).RegisterRoutes(api)

	// Risk factor domain
	riskSvc := risk.NewService(risk.NewRiskRepoPG(st.pool, st.gdb), cfg.RiskFactorLimit, cfg.NotifiedLimit)
	risk.NewHandler(riskSvc, logger).RegisterRoutes(api)

	// Patient domain
	chain, narrator := buildProviders(cfg, logger.With().Str("component", "prediction").Logger())
	chain.Observe(metrics)
	names := make([]string, 0, len(chain.Providers()))
	for _, p := range chain.Providers() {
		names = append(names, p.Name())
	}
	logger.Info().Strs("providers", names).Bool("narrator", narrator != nil).Msg("prediction configured")

	patientSvc := patient.NewService(patient.NewPatientRepoPG(st.pool, st.gdb), chain, narrator, logger)
	patient.NewHandler(patientSvc, logger).RegisterRoutes(api, middleware.BodyLimit(writeBodyLimit))

	// Reporting
	reporting.NewHandler(reporting.NewEvaluator(st.pool), logger).RegisterRoutes(api)

	// DB health check and metrics endpoints
	e.GET("/health/db", db.HealthHandler(checker))
	e.GET("/metrics", metrics.PrometheusHandler())

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}
