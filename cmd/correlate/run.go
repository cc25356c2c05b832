package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/correlate/internal/aggregator"
	"github.com/telhawk-systems/correlate/internal/correlator"
	"github.com/telhawk-systems/correlate/internal/detector"
	"github.com/telhawk-systems/correlate/internal/repository"
)

var runCmd = &cobra.Command{
	Use:   "run [aggregate|detect|correlate|all]",
	Short: "Run one engine pass and exit",
	Long: `Run executes a single pass of the named job (or all three in
pipeline order) against the current database state. Useful for backfills,
cron-style deployments and debugging; the serve command is the normal mode.`,
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"aggregate", "detect", "correlate", "all"},
	RunE:      runOnce,
}

func runOnce(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	repo, err := openRepository(ctx)
	if err != nil {
		return err
	}
	defer repo.Close()

	job := args[0]
	now := time.Now().UTC()

	if latest, err := repo.MaxEventTime(ctx); err == nil && !latest.IsZero() {
		log.Info("event stream horizon", "latest_event", latest, "now", now)
	}

	if job == "aggregate" || job == "all" {
		if err := runAggregate(ctx, repo, now); err != nil {
			return err
		}
	}
	if job == "detect" || job == "all" {
		if err := runDetect(ctx, repo, now); err != nil {
			return err
		}
	}
	if job == "correlate" || job == "all" {
		if err := runCorrelate(ctx, repo); err != nil {
			return err
		}
	}

	return nil
}

func runAggregate(ctx context.Context, repo repository.Repository, now time.Time) error {
	agg := aggregator.New(repo, aggregator.Config{
		WindowSize:      cfg.Engine.WindowSize,
		AllowedLateness: cfg.Engine.AllowedLateness,
		Lookback:        cfg.Engine.Lookback,
	}, log)
	if err := agg.Run(ctx, now); err != nil {
		return fmt.Errorf("aggregation failed: %w", err)
	}
	return nil
}

func runDetect(ctx context.Context, repo repository.Repository, now time.Time) error {
	baselines, err := openBaselines(ctx)
	if err != nil {
		return err
	}

	rules, err := loadRules()
	if err != nil {
		return err
	}

	det := detector.New(repo, baselines, detector.Config{
		WindowSize:      cfg.Engine.WindowSize,
		AllowedLateness: cfg.Engine.AllowedLateness,
		Lookback:        cfg.Engine.Lookback,
		Thresholds:      cfg.Engine.Thresholds,
		Severity:        cfg.Engine.Severity,
		Silence:         cfg.Engine.Silence,
		Rules:           rules,
	}, log)
	if err := det.Run(ctx, now); err != nil {
		return fmt.Errorf("detection failed: %w", err)
	}
	return nil
}

func runCorrelate(ctx context.Context, repo repository.Repository) error {
	notifier, cleanup, err := buildNotifier()
	if err != nil {
		return err
	}
	defer cleanup()

	if backlog, err := repo.CountUnprocessedSignals(ctx); err == nil {
		log.Info("correlation backlog", "signals", backlog)
	}

	corr := correlator.New(repo, cfg.Engine.Correlation, notifier, log)
	if _, err := corr.Run(ctx); err != nil {
		return fmt.Errorf("correlation failed: %w", err)
	}
	return nil
}

// loadRules reads the signature rules file when configured, otherwise the
// built-in rule set.
func loadRules() ([]detector.Rule, error) {
	if cfg.Engine.RulesFile == "" {
		return detector.DefaultRules(), nil
	}
	rules, err := detector.LoadRules(cfg.Engine.RulesFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load rules file: %w", err)
	}
	return rules, nil
}
