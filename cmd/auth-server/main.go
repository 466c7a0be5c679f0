package main

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/hms/authcore/internal/audit"
	"github.com/hms/authcore/internal/config"
	"github.com/hms/authcore/internal/oauth"
	"github.com/hms/authcore/internal/platform/db"
	"github.com/hms/authcore/internal/platform/middleware"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "auth-server",
		Short: "OAuth 2.0 authorization server for the hospital platform",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(clientCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the authorization server",
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

	// migrate up
	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

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

			migrator := db.NewMigrator(pool, dir)
			count, err := migrator.Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(upCmd)

	// migrate status
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

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

			migrator := db.NewMigrator(pool, dir)
			statuses, err := migrator.Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

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
	statusCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(statusCmd)

	return cmd
}

func clientCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "client",
		Short: "Manage OAuth clients",
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Register a new OAuth client",
		RunE: func(cmd *cobra.Command, args []string) error {
			org, _ := cmd.Flags().GetString("org")
			name, _ := cmd.Flags().GetString("name")
			clientType, _ := cmd.Flags().GetString("type")
			grants, _ := cmd.Flags().GetStringSlice("grant")
			redirects, _ := cmd.Flags().GetStringSlice("redirect-uri")
			scopes, _ := cmd.Flags().GetStringSlice("scope")

			if org == "" || name == "" {
				return fmt.Errorf("--org and --name are required")
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

			registry := oauth.NewPGClientRegistryFromPool(pool)
			server := oauth.NewServer(registry,
				oauth.NewPGCodeStoreFromPool(pool),
				oauth.NewPGTokenStoreFromPool(pool),
				oauth.NewStaticSubjectDirectory(), audit.NopEmitter{})

			client, secret, err := server.RegisterNewClient(ctx, org, &oauth.NewClientSpec{
				Name:         name,
				Type:         oauth.ClientType(clientType),
				GrantTypes:   grants,
				RedirectURIs: redirects,
				Scopes:       scopes,
			})
			if err != nil {
				return err
			}

			fmt.Printf("client_id:     %s\n", client.ClientID)
			if secret != "" {
				fmt.Printf("client_secret: %s\n", secret)
				fmt.Println("Store the secret now; it is not shown again.")
			}
			return nil
		},
	}
	createCmd.Flags().String("org", "", "Organization ID")
	createCmd.Flags().String("name", "", "Client display name")
	createCmd.Flags().String("type", "confidential", "Client type (confidential|public)")
	createCmd.Flags().StringSlice("grant", []string{"authorization_code", "refresh_token"}, "Allowed grant types")
	createCmd.Flags().StringSlice("redirect-uri", nil, "Registered redirect URIs")
	createCmd.Flags().StringSlice("scope", nil, "Allowed scopes")
	cmd.AddCommand(createCmd)

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List OAuth clients for an organization",
		RunE: func(cmd *cobra.Command, args []string) error {
			org, _ := cmd.Flags().GetString("org")
			if org == "" {
				return fmt.Errorf("--org is required")
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

			registry := oauth.NewPGClientRegistryFromPool(pool)
			clients, err := registry.List(ctx, org)
			if err != nil {
				return err
			}

			out, err := json.MarshalIndent(clients, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
	listCmd.Flags().String("org", "", "Organization ID")
	cmd.AddCommand(listCmd)

	return cmd
}

func runServer() error {
	// Logger
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("ENV") == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	if level, err := zerolog.ParseLevel(os.Getenv("LOG_LEVEL")); err == nil && level != zerolog.NoLevel {
		logger = logger.Level(level)
	}

	// Config
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx := context.Background()

	// Stores
	var (
		registry oauth.ClientRegistry
		codes    oauth.CodeStore
		tokens   oauth.TokenStore
		subjects oauth.SubjectDirectory
		dbHealth echo.HandlerFunc
	)
	switch cfg.ResolvedStore() {
	case "postgres":
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to database")
		}
		defer pool.Close()
		logger.Info().Msg("connected to database")

		registry = oauth.NewPGClientRegistryFromPool(pool)
		codes = oauth.NewPGCodeStoreFromPool(pool)
		tokens = oauth.NewPGTokenStoreFromPool(pool)
		subjects = oauth.NewPGSubjectDirectoryFromPool(pool)
		dbHealth = db.HealthHandler(pool)
	default:
		logger.Warn().Msg("using in-memory stores; all tokens are lost on restart")
		registry = oauth.NewMemoryClientRegistry()
		codes = oauth.NewMemoryCodeStore()
		memTokens := oauth.NewMemoryTokenStore()
		defer memTokens.Close()
		tokens = memTokens
		subjects = oauth.NewStaticSubjectDirectory()
	}

	// Core
	emitter := audit.NewZerologEmitter(logger)
	server := oauth.NewServer(registry, codes, tokens, subjects, emitter,
		oauth.WithCodeTTL(cfg.CodeTTL),
		oauth.WithAccessTokenTTL(cfg.AccessTokenTTL),
		oauth.WithRefreshTokenTTL(cfg.RefreshTokenTTL),
	)

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.BodyLimit(cfg.BodyLimit))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))
	e.Use(middleware.Organization(cfg.DefaultOrg))

	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}
	e.Use(middleware.RateLimit(rateLimitCfg))

	admin := e.Group("/admin", adminAuth(cfg.AdminToken))

	handler := oauth.NewHandler(server, cfg.Issuer)
	handler.RegisterRoutes(e, admin)

	// Health check. With postgres this reports pool state; the memory store
	// has nothing to probe.
	if dbHealth != nil {
		e.GET("/health", dbHealth)
	} else {
		e.GET("/health", func(c echo.Context) error {
			return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
		})
	}

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("issuer", cfg.Issuer).Msg("starting server")
		var err error
		if cfg.TLSEnabled {
			err = e.StartTLS(addr, cfg.TLSCertFile, cfg.TLSKeyFile)
		} else {
			err = e.Start(addr)
		}
		if err != nil && err != http.ErrServerClosed {
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

// adminAuth guards the client management endpoints with a bearer token.
// Comparison is constant-time; an empty configured token disables the
// admin surface entirely rather than leaving it open.
func adminAuth(token string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if token == "" {
				return echo.NewHTTPError(http.StatusForbidden, "admin surface is disabled")
			}
			header := c.Request().Header.Get("Authorization")
			presented, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid admin credentials")
			}
			return next(c)
		}
	}
}
