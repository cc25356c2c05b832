package main

import (
	"context"
	"fmt"
	"os"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/telhawk-systems/correlate/internal/baseline"
	"github.com/telhawk-systems/correlate/internal/config"
	"github.com/telhawk-systems/correlate/internal/logging"
	"github.com/telhawk-systems/correlate/internal/repository"
)

var version = "0.1.0"

var (
	cfgFile string
	cfg     *config.Config
	log     *logging.Logger
)

var rootCmd = &cobra.Command{
	Use:   "correlate",
	Short: "TelHawk signal detection and incident correlation engine",
	Long: `correlate turns the normalized event stream into incidents:
it aggregates events into windowed features, scores them against rolling
baselines to emit signals, and groups related signals into incidents.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		log = logging.New(cfg.Logging.Level, cfg.Logging.Format)
		logging.SetDefault(log)
		return nil
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to config file")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(seedCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return nil
	},
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("correlate %s\n", version)
	},
}

// openRepository connects to PostgreSQL.
func openRepository(ctx context.Context) (*repository.PostgresRepository, error) {
	repo, err := repository.NewPostgresRepository(ctx, cfg.Database.Postgres.ConnString())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}
	return repo, nil
}

// openBaselines connects the Redis-backed baseline store. When Redis is
// disabled the store is created without a client and threshold detection is
// skipped; signature detection still runs.
func openBaselines(ctx context.Context) (*baseline.Store, error) {
	bcfg := baseline.Config{
		MinSamples:     cfg.Engine.Baseline.MinSamples,
		MaxSamples:     cfg.Engine.Baseline.MaxSamples,
		MinStddevFloor: cfg.Engine.Baseline.MinStddevFloor,
		TTL:            cfg.Engine.Baseline.TTL,
	}

	if !cfg.Redis.Enabled {
		log.Warn("Redis disabled, threshold detection will be skipped")
		return baseline.NewStore(nil, bcfg), nil
	}

	opts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	opts.MaxRetries = cfg.Redis.MaxRetries
	opts.PoolSize = cfg.Redis.PoolSize

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	return baseline.NewStore(client, bcfg), nil
}
