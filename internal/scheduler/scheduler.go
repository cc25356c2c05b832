// Package scheduler drives the engine's periodic jobs: aggregation,
// detection and correlation run on independent intervals.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/telhawk-systems/correlate/internal/logging"
	"github.com/telhawk-systems/correlate/internal/metrics"
)

// Job is one periodically executed unit of work. Run returning an error is
// treated as transient and retried with backoff within the tick; persistent
// state (the checkpoint) is only advanced by a successful run.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// Config controls retry behavior for failing jobs.
type Config struct {
	RetryAttempts int
	RetryBackoff  time.Duration
}

// Scheduler runs jobs on their intervals until stopped.
type Scheduler struct {
	mu       sync.Mutex
	jobs     []Job
	cfg      Config
	log      *logging.Logger
	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// New creates a Scheduler.
func New(jobs []Job, cfg Config, log *logging.Logger) *Scheduler {
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 3
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 2 * time.Second
	}
	return &Scheduler{jobs: jobs, cfg: cfg, log: log}
}

// Start launches every job loop. Each job runs once immediately.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already running")
	}
	s.running = true
	s.stopChan = make(chan struct{})
	s.mu.Unlock()

	for _, job := range s.jobs {
		s.wg.Add(1)
		go s.runJob(ctx, job)
	}

	s.log.Info("scheduler started", "jobs", len(s.jobs))
	return nil
}

// Stop gracefully stops all job loops.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return fmt.Errorf("scheduler not running")
	}
	s.running = false
	close(s.stopChan)
	s.mu.Unlock()

	s.wg.Wait()
	s.log.Info("scheduler stopped")
	return nil
}

func (s *Scheduler) runJob(ctx context.Context, job Job) {
	defer s.wg.Done()

	interval := job.Interval
	if interval <= 0 {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.execute(ctx, job)

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.execute(ctx, job)
		}
	}
}

// execute runs a job once, retrying transient failures with exponential
// backoff. A run that exhausts its retries leaves the checkpoint where it
// was; the skipped work is picked up by the next tick.
func (s *Scheduler) execute(ctx context.Context, job Job) {
	start := time.Now()
	backoff := s.cfg.RetryBackoff

	var err error
	for attempt := 1; attempt <= s.cfg.RetryAttempts; attempt++ {
		err = job.Run(ctx)
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			return
		}
		if attempt < s.cfg.RetryAttempts {
			s.log.Warn("job failed, retrying",
				"job_name", job.Name, "attempt", attempt, "backoff", backoff, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-s.stopChan:
				return
			case <-time.After(backoff):
			}
			backoff *= 2
		}
	}

	metrics.JobDuration.WithLabelValues(job.Name).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.JobRunsTotal.WithLabelValues(job.Name, "error").Inc()
		s.log.Error("job failed", "job_name", job.Name, "error", err)
		return
	}
	metrics.JobRunsTotal.WithLabelValues(job.Name, "ok").Inc()
}
