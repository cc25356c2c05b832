package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/telhawk-systems/correlate/internal/aggregator"
	"github.com/telhawk-systems/correlate/internal/correlator"
	"github.com/telhawk-systems/correlate/internal/detector"
	"github.com/telhawk-systems/correlate/internal/publisher"
	"github.com/telhawk-systems/correlate/internal/scheduler"
	"github.com/telhawk-systems/correlate/internal/search"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the engine as a long-lived service",
	Long: `Serve runs database migrations, starts the three periodic jobs
(aggregation, detection, correlation) and exposes health and metrics
endpoints until interrupted.`,
	RunE: serve,
}

func serve(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	if err := runMigrations(); err != nil {
		return err
	}

	repo, err := openRepository(ctx)
	if err != nil {
		return err
	}
	defer repo.Close()

	baselines, err := openBaselines(ctx)
	if err != nil {
		return err
	}

	rules, err := loadRules()
	if err != nil {
		return err
	}

	notifier, cleanup, err := buildNotifier()
	if err != nil {
		return err
	}
	defer cleanup()

	agg := aggregator.New(repo, aggregator.Config{
		WindowSize:      cfg.Engine.WindowSize,
		AllowedLateness: cfg.Engine.AllowedLateness,
		Lookback:        cfg.Engine.Lookback,
	}, log)

	det := detector.New(repo, baselines, detector.Config{
		WindowSize:      cfg.Engine.WindowSize,
		AllowedLateness: cfg.Engine.AllowedLateness,
		Lookback:        cfg.Engine.Lookback,
		Thresholds:      cfg.Engine.Thresholds,
		Severity:        cfg.Engine.Severity,
		Silence:         cfg.Engine.Silence,
		Rules:           rules,
	}, log)

	corr := correlator.New(repo, cfg.Engine.Correlation, notifier, log)

	sched := scheduler.New([]scheduler.Job{
		{
			Name:     aggregator.JobName,
			Interval: cfg.Engine.Jobs.AggregateInterval,
			Run: func(ctx context.Context) error {
				return agg.Run(ctx, time.Now().UTC())
			},
		},
		{
			Name:     detector.JobName,
			Interval: cfg.Engine.Jobs.DetectInterval,
			Run: func(ctx context.Context) error {
				return det.Run(ctx, time.Now().UTC())
			},
		},
		{
			Name:     correlator.JobName,
			Interval: cfg.Engine.Jobs.CorrelateInterval,
			Run: func(ctx context.Context) error {
				_, err := corr.Run(ctx)
				return err
			},
		},
	}, scheduler.Config{
		RetryAttempts: cfg.Engine.Jobs.RetryAttempts,
		RetryBackoff:  cfg.Engine.Jobs.RetryBackoff,
	}, log)

	if err := sched.Start(ctx); err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := repo.Ping(r.Context()); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      mux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info("correlate service listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("HTTP server failed", "error", err)
			cancel()
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		log.Info("shutting down", "signal", sig.String())
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP shutdown failed", "error", err)
	}
	if err := sched.Stop(); err != nil {
		log.Error("scheduler stop failed", "error", err)
	}

	log.Info("correlate service stopped")
	return nil
}

// runMigrations applies any pending schema migrations. ErrNoChange means the
// schema is already current.
func runMigrations() error {
	log.Info("running database migrations")

	m, err := migrate.New("file://migrations", cfg.Database.Postgres.ConnString())
	if err != nil {
		return fmt.Errorf("failed to initialize migrations: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	log.Info("database migrations complete")
	return nil
}

// buildNotifier assembles the incident event fan-out from the enabled
// backends. With neither NATS nor OpenSearch enabled it returns nil, which
// the correlator treats as no-op.
func buildNotifier() (correlator.Notifier, func(), error) {
	var notifiers correlator.MultiNotifier
	cleanups := []func(){}

	if cfg.NATS.Enabled {
		pub, err := publisher.New(publisher.Config{
			URL:           cfg.NATS.URL,
			Name:          cfg.NATS.Name,
			MaxReconnects: -1,
			ReconnectWait: 2 * time.Second,
			Timeout:       5 * time.Second,
		}, log)
		if err != nil {
			return nil, nil, err
		}
		notifiers = append(notifiers, pub)
		cleanups = append(cleanups, pub.Close)
	}

	if cfg.Search.Enabled {
		idx, err := search.NewIndexer(cfg.Search, log)
		if err != nil {
			for _, c := range cleanups {
				c()
			}
			return nil, nil, err
		}
		notifiers = append(notifiers, idx)
	}

	cleanup := func() {
		for _, c := range cleanups {
			c()
		}
	}

	if len(notifiers) == 0 {
		return nil, cleanup, nil
	}
	return notifiers, cleanup, nil
}
