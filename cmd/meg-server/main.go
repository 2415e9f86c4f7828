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

	"github.com/meg/meg/internal/config"
	"github.com/meg/meg/internal/domain/casework"
	"github.com/meg/meg/internal/domain/identity"
	"github.com/meg/meg/internal/domain/procedure"
	"github.com/meg/meg/internal/domain/workflow"
	"github.com/meg/meg/internal/platform/activity"
	"github.com/meg/meg/internal/platform/auth"
	"github.com/meg/meg/internal/platform/blobstore"
	"github.com/meg/meg/internal/platform/db"
	"github.com/meg/meg/internal/platform/middleware"
	"github.com/meg/meg/internal/platform/telemetry"
	"github.com/meg/meg/internal/platform/websocket"
)

const version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "meg-server",
		Short: "Hospital case workflow API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(tenantCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
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

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if dir == "" {
				dir = cfg.MigrationsDir
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, dir)
			fmt.Printf("Running migrations on schema: %s\n", schema)

			count, err := migrator.Up(ctx, schema)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("schema", db.SchemaName("default"), "Target schema for migrations")
	upCmd.Flags().String("dir", "", "Path to migrations directory (defaults to MIGRATIONS_DIR)")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if dir == "" {
				dir = cfg.MigrationsDir
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, dir).Status(ctx, schema)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("Migration status for schema: %s\n", schema)
			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Println("---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("schema", db.SchemaName("default"), "Target schema for migrations")
	statusCmd.Flags().String("dir", "", "Path to migrations directory (defaults to MIGRATIONS_DIR)")
	cmd.AddCommand(statusCmd)

	return cmd
}

func tenantCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Manage hospital group tenants",
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a tenant schema and apply migrations to it",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			if name == "" {
				return fmt.Errorf("--name is required")
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			fmt.Printf("Creating tenant schema: %s\n", db.SchemaName(name))
			if err := db.CreateTenantSchema(ctx, pool, name, cfg.MigrationsDir); err != nil {
				return err
			}
			fmt.Println("Tenant created successfully.")
			return nil
		},
	}
	createCmd.Flags().String("name", "", "Tenant identifier (alphanumeric)")

	cmd.AddCommand(createCmd)
	return cmd
}

func newLogger(cfg *config.Config) zerolog.Logger {
	if cfg.IsDev() {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Str("service", "meg-server").Logger()
}

func noOpPolicy(cfg *config.Config) casework.NoOpPolicy {
	if cfg.StatusNoOpAudit {
		return casework.AuditAlways
	}
	return casework.SkipUnchanged
}

func blobOptions(cfg *config.Config) blobstore.Options {
	return blobstore.Options{
		Driver:     cfg.BlobDriver,
		FSRoot:     cfg.BlobFSRoot,
		BaseURL:    cfg.BlobBaseURL,
		SigningKey: cfg.BlobSigningKey,
		S3: blobstore.S3Config{
			Region:    cfg.BlobS3Region,
			Bucket:    cfg.BlobS3Bucket,
			Endpoint:  cfg.BlobS3Endpoint,
			PathStyle: cfg.BlobS3PathStyle,
		},
	}
}

func activityOptions(cfg *config.Config) activity.Options {
	return activity.Options{
		Sinks:        cfg.ActivitySinks,
		KafkaBrokers: cfg.KafkaBrokers,
		KafkaTopic:   cfg.KafkaActivityTopic,
		SQSQueueURL:  cfg.SQSActivityQueueURL,
		SQSRegion:    cfg.BlobS3Region,

		WebhookURL:    cfg.ActivityWebhookURL,
		WebhookSecret: cfg.ActivityWebhookSecret,
	}
}

func rateLimitConfig(cfg *config.Config) middleware.RateLimitConfig {
	rl := middleware.DefaultRateLimitConfig()
	rl.RequestsPerSecond = cfg.RateLimitRPS
	rl.Burst = cfg.RateLimitBurst
	return rl
}

func authMiddleware(cfg *config.Config) echo.MiddlewareFunc {
	if cfg.IsDev() && cfg.AuthSigningKey == "" {
		return auth.DevAuthMiddleware(auth.AuthSkipper)
	}
	return auth.JWTMiddleware(auth.JWTConfig{
		Issuer:     cfg.AuthIssuer,
		Audience:   cfg.AuthAudience,
		SigningKey: []byte(cfg.AuthSigningKey),
		Skipper:    auth.AuthSkipper,
	})
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	metrics := telemetry.New(telemetry.Config{
		ServiceName:    "meg-server",
		ServiceVersion: version,
		Environment:    cfg.Env,
	})
	metrics.RegisterPool(func() *db.PoolStats { return db.GetPoolStats(pool) })

	store, err := blobstore.Open(ctx, blobOptions(cfg))
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open document store")
	}
	logger.Info().Str("driver", cfg.BlobDriver).Msg("document store ready")

	hub := websocket.NewHub(logger)
	metrics.RegisterLiveClients(hub.ClientCount)
	sinks, closeSinks, err := activity.NewSinks(ctx, activityOptions(cfg), activity.Deps{
		Pool:   pool,
		Hub:    hub,
		Logger: logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to configure activity sinks")
	}
	defer func() {
		if err := closeSinks(); err != nil {
			logger.Error().Err(err).Msg("failed to close activity sinks")
		}
	}()
	recorder := activity.NewRecorder(logger, sinks...).
		WithTenantResolver(db.TenantFromContext).
		WithDeliveryTimeout(cfg.ActivityTimeout).
		InBackground()
	defer recorder.Close()
	logger.Info().Strs("sinks", recorder.Sinks()).Msg("activity sinks ready")

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(metrics.Middleware())
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.BodyLimit("1M", "101M"))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID", "X-Tenant-ID", "X-User-ID", "X-User-Roles"},
	}))
	e.Use(authMiddleware(cfg))
	e.Use(middleware.Logger(logger))

	// Public endpoints
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok", "version": version})
	})
	e.GET("/health/db", db.HealthHandler(pool))
	e.GET("/metrics", metrics.Handler())
	if opener, ok := store.(blobstore.Opener); ok {
		blobstore.NewFileHandler(opener).RegisterRoutes(e)
	}

	// The websocket holds no pooled connection for its lifetime.
	websocket.NewHandler(hub).RegisterRoutes(e.Group("/api/v1", db.TenantScope(cfg.DefaultTenant)))

	apiV1 := e.Group("/api/v1")
	apiV1.Use(db.TenantMiddleware(pool, cfg.DefaultTenant))
	apiV1.Use(middleware.RateLimit(rateLimitConfig(cfg)))

	tx := db.NewTxManager(pool)

	caseSvc := casework.NewService(tx, casework.NewRepositoriesPG(pool), noOpPolicy(cfg))
	casework.NewHandler(caseSvc).RegisterRoutes(apiV1)

	identitySvc := identity.NewService(tx,
		identity.NewUserRepoPG(pool), identity.NewRoleRepoPG(pool), identity.NewProfileRepoPG(pool))
	identity.NewHandler(identitySvc).RegisterRoutes(apiV1)

	procedureSvc := procedure.NewService(tx, procedure.NewRepositoriesPG(pool), caseSvc)
	procedure.NewHandler(procedureSvc).RegisterRoutes(apiV1)

	workflowSvc := workflow.NewService(tx, caseSvc, identitySvc, procedureSvc, store, recorder, metrics, logger,
		workflow.Options{SignedURLTTL: cfg.SignedURLTTL})
	workflow.NewHandler(workflowSvc).RegisterRoutes(apiV1)

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
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}
