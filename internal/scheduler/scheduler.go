// Package scheduler runs the periodic maintenance jobs: usage flushes,
// attempt pruning, partition garbage collection, and temp-file cleanup.
// Job failures are logged and retried on the next tick, never fatal.
package scheduler

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/claudelens/claudelens/internal/ratelimit"
	"github.com/claudelens/claudelens/internal/storage"
)

// Default intervals and retention windows.
const (
	FlushInterval     = 60 * time.Second
	PruneInterval     = 24 * time.Hour
	PartitionInterval = 24 * time.Hour
	TempGCInterval    = time.Hour

	AttemptRetention = 7 * 24 * time.Hour
	RollupRetention  = 30 * 24 * time.Hour
	TempFileMaxAge   = 24 * time.Hour
)

// maxAttempts bounds the in-tick retries before a job gives up until its
// next scheduled run.
const maxAttempts = 3

type job struct {
	name  string
	every time.Duration
	run   func(context.Context) error
}

// Scheduler owns a set of ticker loops.
type Scheduler struct {
	log    *zap.Logger
	jobs   []job
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	started bool
}

func New(log *zap.Logger) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Scheduler{log: log}
}

// Add registers a job. Must be called before Start.
func (s *Scheduler) Add(name string, every time.Duration, run func(context.Context) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		panic("scheduler: Add after Start")
	}
	s.jobs = append(s.jobs, job{name: name, every: every, run: run})
}

// Start launches one goroutine per job. Each job also runs once shortly
// after start so a freshly booted server does not wait a full interval for
// its first maintenance pass.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	ctx, s.cancel = context.WithCancel(ctx)
	for _, j := range s.jobs {
		s.wg.Add(1)
		go s.loop(ctx, j)
	}
	s.log.Info("scheduler started", zap.Int("jobs", len(s.jobs)))
}

// Stop cancels all loops and waits for in-flight runs to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, j job) {
	defer s.wg.Done()
	t := time.NewTicker(j.every)
	defer t.Stop()

	s.runOnce(ctx, j)
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.runOnce(ctx, j)
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context, j job) {
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxAttempts-1), ctx)
	start := time.Now()
	err := backoff.Retry(func() error {
		if cerr := ctx.Err(); cerr != nil {
			return backoff.Permanent(cerr)
		}
		return j.run(ctx)
	}, bo)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		s.log.Warn("maintenance job failed",
			zap.String("job", j.name),
			zap.Duration("took", time.Since(start)),
			zap.Error(err))
		return
	}
	s.log.Debug("maintenance job ok",
		zap.String("job", j.name),
		zap.Duration("took", time.Since(start)))
}

// MaintenanceConfig carries the tunable windows for the standard job set.
// Zero values fall back to the package defaults.
type MaintenanceConfig struct {
	BackupDir        string
	AttemptRetention time.Duration
	RollupRetention  time.Duration
}

func (c MaintenanceConfig) withDefaults() MaintenanceConfig {
	if c.AttemptRetention <= 0 {
		c.AttemptRetention = AttemptRetention
	}
	if c.RollupRetention <= 0 {
		c.RollupRetention = RollupRetention
	}
	return c
}

// Maintenance wires the standard job set for a running server.
func Maintenance(store storage.Store, limits *ratelimit.Engine, cfg MaintenanceConfig, log *zap.Logger) *Scheduler {
	cfg = cfg.withDefaults()
	s := New(log)

	s.Add("usage_flush", FlushInterval, func(ctx context.Context) error {
		return limits.Flush(ctx)
	})

	s.Add("attempt_prune", PruneInterval, func(ctx context.Context) error {
		n, err := limits.Prune(ctx, cfg.AttemptRetention, cfg.RollupRetention)
		if err != nil {
			return err
		}
		if n > 0 {
			log.Info("pruned rate-limit rows", zap.Int64("rows", n))
		}
		return nil
	})

	s.Add("partition_gc", PartitionInterval, func(ctx context.Context) error {
		dropped, err := store.DropEmptyPartitions(ctx)
		if err != nil {
			return err
		}
		if len(dropped) > 0 {
			log.Info("dropped empty message partitions", zap.Strings("tables", dropped))
		}
		return nil
	})

	s.Add("temp_gc", TempGCInterval, func(ctx context.Context) error {
		return SweepTempFiles(cfg.BackupDir, TempFileMaxAge)
	})

	return s
}

// SweepTempFiles removes stale .tmp leftovers from interrupted backup
// writes. The live backup holds the directory flock, so anything older
// than maxAge is an orphan.
func SweepTempFiles(dir string, maxAge time.Duration) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	cutoff := time.Now().Add(-maxAge)
	var failed error
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".tmp") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, e.Name())); err != nil && !os.IsNotExist(err) {
			failed = err
		}
	}
	return failed
}
