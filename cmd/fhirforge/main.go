// Command fhirforge is the server binary: it wires every internal/platform
// package into a running process (serve), drives the Postgres schema
// (migrate), and bootstraps the first account of a new tenant (tenant
// create). Grounded on the teacher's cmd/ehr-server/main.go cobra layout
// (rootCmd with serve/migrate/tenant subcommands, the same global
// middleware order in runServer), trimmed to this module's much smaller
// dependency graph — no per-domain repo/service/handler wiring, no
// notification engine, no reporting or OpenAPI routes.
package main

import (
	"context"
	"crypto/rand"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"

	"github.com/fhirforge/fhirforge/internal/config"
	"github.com/fhirforge/fhirforge/internal/platform/authserver"
	"github.com/fhirforge/fhirforge/internal/platform/bundle"
	"github.com/fhirforge/fhirforge/internal/platform/db"
	"github.com/fhirforge/fhirforge/internal/platform/fhirmodel"
	"github.com/fhirforge/fhirforge/internal/platform/fhirpath"
	"github.com/fhirforge/fhirforge/internal/platform/httpapi"
	"github.com/fhirforge/fhirforge/internal/platform/pipeline"
	"github.com/fhirforge/fhirforge/internal/platform/search"
	"github.com/fhirforge/fhirforge/internal/platform/storage/pgstore"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "fhirforge",
		Short: "Multi-tenant FHIR R4 server",
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
		Short: "Start the FHIR HTTP server",
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
	upCmd.Flags().String("dir", "internal/platform/storage/pgstore/migrations", "Path to migrations directory")
	cmd.AddCommand(upCmd)

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
	statusCmd.Flags().String("dir", "internal/platform/storage/pgstore/migrations", "Path to migrations directory")
	cmd.AddCommand(statusCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Rollback last migration (not supported)",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println("WARNING: migrate down is destructive and not supported by the built-in runner.")
			fmt.Println("The resources table is append-only by design (spec §4.6); there is nothing a")
			fmt.Println("rollback could safely discard short of dropping history. Restore from a backup instead.")
			return nil
		},
	})

	return cmd
}

// tenantCmd bootstraps the first account of a new tenant. Unlike the
// teacher's CreateTenantSchema (one Postgres schema per tenant), this
// server's tenant/project partitioning is a plain column (spec §3), so
// there is no schema to provision — "creating a tenant" means seeding its
// administrator user and a default first-party client.
func tenantCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Bootstrap a tenant's first account",
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a tenant's administrator user and default client",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			username, _ := cmd.Flags().GetString("admin-username")
			password, _ := cmd.Flags().GetString("admin-password")
			if name == "" {
				return fmt.Errorf("--name is required")
			}
			if username == "" || password == "" {
				return fmt.Errorf("--admin-username and --admin-password are required")
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

			passHash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
			if err != nil {
				return fmt.Errorf("hash admin password: %w", err)
			}

			store := authserver.NewPGStore(pool)
			user := &authserver.User{
				ID:           uuid.NewString(),
				Tenant:       name,
				Project:      "default",
				Username:     username,
				PasswordHash: string(passHash),
				Role:         "admin",
				Scopes:       []string{"system/*.*"},
			}
			if err := store.PutUser(ctx, user); err != nil {
				return fmt.Errorf("create admin user: %w", err)
			}

			clientSecret := uuid.NewString()
			secretHash, err := bcrypt.GenerateFromPassword([]byte(clientSecret), bcrypt.DefaultCost)
			if err != nil {
				return fmt.Errorf("hash client secret: %w", err)
			}
			clientID := name + "-default"
			if err := store.PutClient(ctx, &authserver.Client{
				ClientID:         clientID,
				Tenant:           name,
				ClientSecretHash: string(secretHash),
				Scopes:           []string{"system/*.*"},
				GrantTypes:       []string{"authorization_code", "client_credentials", "refresh_token"},
			}); err != nil {
				return fmt.Errorf("create default client: %w", err)
			}

			fmt.Printf("Tenant %q bootstrapped.\n", name)
			fmt.Printf("  admin user:     %s\n", username)
			fmt.Printf("  default client: %s\n", clientID)
			fmt.Printf("  client secret:  %s (shown once)\n", clientSecret)
			return nil
		},
	}
	createCmd.Flags().String("name", "", "Tenant identifier")
	createCmd.Flags().String("admin-username", "", "Username for the tenant's first administrator")
	createCmd.Flags().String("admin-password", "", "Password for the tenant's first administrator")

	cmd.AddCommand(createCmd)
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
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	signingKey, err := loadSigningKey(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load auth signing key")
	}

	catalog := fhirmodel.NewCatalog()
	engine := fhirpath.NewEngine(catalog)
	searchCatalog := search.DefaultCatalog()
	indexer := search.NewIndexer(searchCatalog, engine)

	store := pgstore.New(pool)

	deps := &pipeline.Deps{
		Catalog:          catalog,
		SearchCatalog:    searchCatalog,
		Engine:           engine,
		Indexer:          indexer,
		ArtifactTenant:   cfg.ArtifactTenant,
		ArtifactWritable: false,
		MaxSearchCount:   cfg.MaxSearchCount,
		Operations: map[string]pipeline.OperationHandler{
			"validate": pipeline.ValidateOperation,
		},
	}
	router := pipeline.NewRouter(deps)
	processor := bundle.NewProcessor(router)

	authStore := authserver.NewPGStore(pool)
	authSrv := authserver.NewServer(authStore, signingKey, cfg.AuthIssuer, cfg.AuthAudience).
		WithTTLs(
			time.Duration(cfg.AccessTokenTTL)*time.Second,
			time.Duration(cfg.RefreshTokenTTL)*time.Second,
			time.Duration(cfg.AuthCodeTTL)*time.Second,
		)

	e := httpapi.New(cfg, logger, deps, router, processor, authSrv, store)

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("auth_mode", cfg.ResolvedAuthMode()).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed to start")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
		return err
	}
	logger.Info().Msg("shutdown complete")
	return nil
}

// loadSigningKey reads the HMAC signing key for golang-jwt/v5 from
// AUTH_SIGNING_KEY_PATH. In development mode an absent path is tolerated by
// generating an ephemeral key — tokens mint and verify within the process
// lifetime but do not survive a restart, which is acceptable since
// development mode bypasses AuthMiddleware's bearer-token check entirely.
func loadSigningKey(cfg *config.Config) ([]byte, error) {
	if cfg.AuthSigningKeyPath != "" {
		raw, err := os.ReadFile(cfg.AuthSigningKeyPath)
		if err != nil {
			return nil, fmt.Errorf("read AUTH_SIGNING_KEY_PATH: %w", err)
		}
		key := []byte(strings.TrimSpace(string(raw)))
		if len(key) == 0 {
			return nil, fmt.Errorf("AUTH_SIGNING_KEY_PATH %q is empty", cfg.AuthSigningKeyPath)
		}
		return key, nil
	}
	if !cfg.IsDev() {
		return nil, fmt.Errorf("AUTH_SIGNING_KEY_PATH is required outside development mode")
	}
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate ephemeral signing key: %w", err)
	}
	return key, nil
}
