package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-agent-core/migrations"
	"github.com/ekaya-inc/ekaya-agent-core/pkg/config"
	"github.com/ekaya-inc/ekaya-agent-core/pkg/contextprovider"
	"github.com/ekaya-inc/ekaya-agent-core/pkg/crypto"
	"github.com/ekaya-inc/ekaya-agent-core/pkg/database"
	"github.com/ekaya-inc/ekaya-agent-core/pkg/repositories"
	"github.com/ekaya-inc/ekaya-agent-core/pkg/services"
)

// Version is set at build time via ldflags
var Version = "dev"

var configPath string

var rootCmd = &cobra.Command{
	Use:           "ekaya-agent-core",
	Short:         "Deployment registry, clinical knowledge base and context provider hub for AI agents",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run migrations and start the HTTP and MCP server",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withRuntime(cmd.Context(), func(ctx context.Context, rt *app) error {
			return serve(ctx, rt)
		})
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations and exit",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withRuntime(cmd.Context(), func(context.Context, *app) error {
			return nil
		})
	},
}

var providersCmd = &cobra.Command{
	Use:   "providers",
	Short: "Manage context providers",
}

var providersImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Create or update context providers from a YAML file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", args[0], err)
		}
		seeds, err := services.ParseProviderSeed(data, nil)
		if err != nil {
			return err
		}

		return withRuntime(cmd.Context(), func(ctx context.Context, rt *app) error {
			result, err := services.ImportProviders(ctx, rt.providerService(nil), seeds, rt.logger)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(result)
		})
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config.yaml", "path to the YAML configuration file")
	providersCmd.AddCommand(providersImportCmd)
	rootCmd.AddCommand(serveCmd, migrateCmd, providersCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// app holds what every command needs: configuration, logger, a migrated database
// and the provider key encryptor.
type app struct {
	cfg    *config.Config
	logger *zap.Logger
	db     *database.DB
	keys   *crypto.KeyEncryptor
}

// providerService builds the provider registry. Circuit breaking needs redisClient;
// with nil it is off.
func (rt *app) providerService(redisClient *redis.Client) services.ContextProviderService {
	providerRepo := repositories.NewContextProviderRepository(rt.db)
	breaker := contextprovider.NewBreaker(redisClient, contextprovider.BreakerConfig{
		Threshold:  rt.cfg.Providers.BreakerThreshold,
		ResetAfter: rt.cfg.Providers.BreakerResetAfter,
	}, rt.logger)
	caller := contextprovider.NewClient(providerRepo, rt.cfg.ProviderDefaultTimeout(), rt.logger).
		WithCircuitBreaker(breaker)
	return services.NewContextProviderService(providerRepo, rt.keys, caller, rt.cfg.Providers.MaxConcurrency, rt.logger)
}

func withRuntime(ctx context.Context, fn func(ctx context.Context, rt *app) error) error {
	cfg, err := config.Load(configPath, Version)
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck // stderr sync errors are not actionable

	logger.Info("Configuration loaded",
		zap.String("env", cfg.Env),
		zap.String("version", cfg.Version),
		zap.String("base_url", cfg.BaseURL),
		zap.Bool("auth_verification", cfg.Auth.EnableVerification),
		zap.String("database", fmt.Sprintf("%s@%s:%d/%s", cfg.Database.User, cfg.Database.Host, cfg.Database.Port, cfg.Database.Database)),
		zap.Bool("redis_enabled", cfg.Redis.Host != ""))

	keys, err := crypto.NewKeyEncryptor(cfg.ProviderCredentialsKey)
	if err != nil {
		return fmt.Errorf("PROVIDER_CREDENTIALS_KEY: %w", err)
	}

	db, err := database.NewConnection(ctx, &database.Config{
		URL:            cfg.Database.ConnectionString(),
		MaxConnections: cfg.Database.MaxConnections,
	})
	if err != nil {
		return err
	}
	defer db.Close()

	sqlDB := stdlib.OpenDBFromPool(db.Pool)
	defer sqlDB.Close()
	if err := database.RunMigrations(sqlDB, migrations.FS, cfg.MigrationsPath, logger); err != nil {
		return err
	}

	return fn(ctx, &app{cfg: cfg, logger: logger, db: db, keys: keys})
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	if cfg.IsLocal() {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
