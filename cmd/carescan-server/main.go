package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/carescan/carescan/internal/config"
	"github.com/carescan/carescan/internal/domain/patient"
	"github.com/carescan/carescan/internal/domain/scanner"
	"github.com/carescan/carescan/internal/domain/share"
	"github.com/carescan/carescan/internal/platform/auth"
	"github.com/carescan/carescan/internal/platform/db"
	"github.com/carescan/carescan/internal/platform/events"
	"github.com/carescan/carescan/internal/platform/middleware"
	"github.com/carescan/carescan/internal/scan/resolver"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "carescan-server",
		Short: "QR-based patient record access service",
	}
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	newMigrator := func(cmd *cobra.Command, ctx context.Context) (*db.Migrator, func(), error) {
		dir, _ := cmd.Flags().GetString("dir")
		cfg, err := config.Load()
		if err != nil {
			return nil, nil, err
		}
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return nil, nil, err
		}
		return db.NewMigrator(pool, dir), pool.Close, nil
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			m, closePool, err := newMigrator(cmd, ctx)
			if err != nil {
				return err
			}
			defer closePool()

			count, err := m.Up(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("Applied %d migration(s)\n", count)
			return nil
		},
	}
	upCmd.Flags().String("dir", "./migrations", "Path to migrations directory")

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			m, closePool, err := newMigrator(cmd, ctx)
			if err != nil {
				return err
			}
			defer closePool()

			statuses, err := m.Status(ctx)
			if err != nil {
				return err
			}
			for _, s := range statuses {
				state := "pending"
				if s.Applied {
					state = "applied " + s.AppliedAt.Format(time.RFC3339)
				}
				fmt.Printf("%03d %-40s %s\n", s.Version, s.Name, state)
			}
			return nil
		},
	}
	statusCmd.Flags().String("dir", "./migrations", "Path to migrations directory")

	cmd.AddCommand(upCmd, statusCmd)
	return cmd
}

func runServer() error {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("ENV") == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID", "X-Facility-ID"},
	}))

	// Domain wiring. The share service resolves tokens against the
	// patient registry; the scanner talks to the share endpoints over
	// HTTP so kiosk deployments can point it at a remote resolver.
	patientRepo := patient.NewRepo(pool)
	patientSvc := patient.NewService(patientRepo)
	patientHandler := patient.NewHandler(patientSvc)

	shareRepo := share.NewRepo(pool)
	shareSvc := share.NewService(shareRepo, patientSvc, cfg.PublicBaseURL, logger)
	shareHandler := share.NewHandler(shareSvc)

	resolverClient := resolver.NewClient(cfg.ResolverURL, cfg.ResolverTimeout, logger)
	hub := events.NewHub()
	registry := scanner.NewRegistry(scanner.RegistryConfig{
		Resolver:  resolverClient,
		Interval:  cfg.FrameInterval(),
		Timeout:   cfg.ScanTimeout,
		ReapAfter: cfg.SessionTTL,
		Logger:    logger,
	})
	scanHandler := scanner.NewHandler(registry, hub, logger)
	eventsHandler := events.NewHandler(hub, logger)

	var authMW echo.MiddlewareFunc
	if cfg.IsDev() {
		authMW = auth.DevMiddleware()
	} else {
		authMW = auth.Middleware([]byte(cfg.AuthSecret))
	}

	// Scanning and redemption are open; issuance and the patient
	// registry require a clinical identity.
	api := e.Group("/api")
	protected := e.Group("/api", authMW)

	shareHandler.RegisterRoutes(api, protected)
	patientHandler.RegisterRoutes(protected)

	scanGroup := api.Group("/scan")
	scanHandler.RegisterRoutes(scanGroup)
	eventsHandler.RegisterRoutes(scanGroup)

	e.GET("/healthz", func(c echo.Context) error {
		if err := pool.Ping(c.Request().Context()); err != nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
		}
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})

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
