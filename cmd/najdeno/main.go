// Command najdeno serves the lost-and-found registry API.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "time/tzdata"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/erazemk/najdeno/internal/api"
	"github.com/erazemk/najdeno/internal/config"
	"github.com/erazemk/najdeno/internal/db"
	"github.com/erazemk/najdeno/internal/metrics"
	"github.com/erazemk/najdeno/internal/registry"
	"github.com/erazemk/najdeno/internal/relay"
	"github.com/erazemk/najdeno/internal/store"
	"github.com/erazemk/najdeno/internal/worker/retention"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// configFile is set by the --config flag.
var configFile string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "najdeno",
	Short:         "Lost-and-found item registry",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations and exit",
	Args:  cobra.NoArgs,
	RunE:  runMigrate,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), "najdeno", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file (yaml, toml or json)")
	rootCmd.PersistentFlags().StringP("db", "d", "najdeno.sqlite3", "SQLite database path")
	rootCmd.PersistentFlags().StringP("log", "l", "", "log file path (default: stdout/stderr only)")

	serveCmd.Flags().StringP("addr", "a", ":8080", "listen address")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(versionCmd)
}

// loadConfig reads the configuration and sets up logging. The returned
// cleanup closes the log file.
func loadConfig(cmd *cobra.Command) (*config.Config, func(), error) {
	cfg, err := config.Load(configFile, cmd.Flags())
	if err != nil {
		return nil, nil, err
	}

	closeLog, err := setupLogger(cfg.Log.Format, cfg.Log.File)
	if err != nil {
		return nil, nil, err
	}
	return cfg, closeLog, nil
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, closeLog, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	defer closeLog()

	database, err := db.Open(cfg.DB)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer database.Close()

	if err := db.Migrate(database); err != nil {
		return err
	}

	v, dirty, err := db.SchemaVersion(database)
	if err != nil {
		return err
	}
	slog.Info("database migrated", "path", cfg.DB, "version", v, "dirty", dirty)
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, closeLog, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	defer closeLog()

	database, err := db.Open(cfg.DB)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer database.Close()

	if err := db.Migrate(database); err != nil {
		return err
	}
	slog.Info("database ready", "path", cfg.DB)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	jwtSecret := cfg.JWT.Secret
	if jwtSecret == "" {
		jwtSecret, err = store.GetJWTSecret(ctx, database)
		if err != nil {
			return fmt.Errorf("loading jwt secret: %w", err)
		}
	}

	quotas := store.NewQuotas(database, cfg.Quota.Location)

	reg := registry.New(store.NewThings(database), quotas, relay.New(newTransport(cfg.SMTP)))
	reg.Limit = cfg.Quota.Limit
	reg.StoreTimeout = cfg.StoreTimeout
	reg.MaxRadius = cfg.Nearby.MaxRadius
	reg.Logger = slog.Default().With("component", "registry")

	deps := &api.Deps{
		DB:            database,
		Registry:      reg,
		JWTSecret:     jwtSecret,
		JWTExpiry:     cfg.JWT.Expiry,
		DefaultRadius: cfg.Nearby.DefaultRadius,
	}

	if cfg.Metrics.Enabled {
		promReg := prometheus.NewRegistry()
		promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		collector := metrics.NewCollector(promReg)
		reg.Metrics = collector
		deps.Metrics = collector
		deps.Gatherer = promReg
	}

	limits := api.DefaultRateLimiterConfig()
	limits.GeneralRate = rate.Limit(cfg.RateLimit.RPS)
	limits.GeneralBurst = cfg.RateLimit.Burst
	limits.ContactRate = rate.Limit(float64(cfg.RateLimit.ContactPerMinute) / 60)
	limits.ContactBurst = cfg.RateLimit.ContactPerMinute
	limiter := api.NewRateLimiter(limits)
	defer limiter.Stop()
	deps.RateLimiter = limiter

	purge := retention.NewJob(quotas, slog.Default().With("component", "retention"))
	purge.Retention = cfg.Quota.Retention
	purge.Interval = cfg.Quota.PurgeInterval
	go purge.Start(ctx)

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           api.NewRouter(deps),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// Graceful shutdown on SIGINT/SIGTERM.
	go func() {
		<-ctx.Done()
		slog.Info("shutdown signal received")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server forced to shutdown", "error", err)
		}
	}()

	slog.Info("server started", "addr", cfg.Addr, "quota_limit", cfg.Quota.Limit, "quota_timezone", cfg.Quota.Timezone)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}

	slog.Info("server stopped, closing database")
	return nil
}

// newTransport picks SMTP delivery when a host is configured and logs
// messages otherwise.
func newTransport(cfg config.SMTPConfig) relay.Transport {
	if cfg.Host == "" {
		slog.Warn("smtp.host not set, contact messages will only be logged")
		return relay.LogTransport{Logger: slog.Default().With("component", "relay")}
	}
	return &relay.SMTPTransport{
		Host:     cfg.Host,
		Port:     cfg.Port,
		Username: cfg.Username,
		Password: cfg.Password,
		From:     cfg.From,
	}
}
