package scheduler

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func TestJobRunsImmediatelyAndOnTicks(t *testing.T) {
	s := New(nil)
	var runs atomic.Int64
	s.Add("counter", 20*time.Millisecond, func(ctx context.Context) error {
		runs.Add(1)
		return nil
	})
	s.Start(context.Background())
	defer s.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for runs.Load() < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("job ran %d times, want >= 3", runs.Load())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestFailingJobRetriesThenGivesUpUntilNextTick(t *testing.T) {
	s := New(nil)
	var calls atomic.Int64
	s.Add("flaky", time.Hour, func(ctx context.Context) error {
		calls.Add(1)
		return errors.New("nope")
	})
	s.Start(context.Background())

	// One scheduled run retries up to maxAttempts times and must not
	// crash the scheduler.
	deadline := time.Now().Add(30 * time.Second)
	for calls.Load() < maxAttempts {
		if time.Now().After(deadline) {
			t.Fatalf("job attempted %d times, want %d", calls.Load(), maxAttempts)
		}
		time.Sleep(20 * time.Millisecond)
	}
	s.Stop()
	if calls.Load() != maxAttempts {
		t.Errorf("attempts after stop = %d", calls.Load())
	}
}

func TestStopWaitsForInflightRun(t *testing.T) {
	s := New(nil)
	started := make(chan struct{})
	var finished atomic.Bool
	s.Add("slow", time.Hour, func(ctx context.Context) error {
		close(started)
		time.Sleep(50 * time.Millisecond)
		finished.Store(true)
		return nil
	})
	s.Start(context.Background())
	<-started
	s.Stop()
	if !finished.Load() {
		t.Error("Stop returned before the in-flight run finished")
	}
}

func TestMaintenanceConfigDefaults(t *testing.T) {
	got := MaintenanceConfig{}.withDefaults()
	if got.AttemptRetention != AttemptRetention {
		t.Errorf("attempt retention = %s", got.AttemptRetention)
	}
	if got.RollupRetention != RollupRetention {
		t.Errorf("rollup retention = %s", got.RollupRetention)
	}

	// Operator-supplied windows pass through untouched.
	custom := MaintenanceConfig{
		AttemptRetention: 48 * time.Hour,
		RollupRetention:  14 * 24 * time.Hour,
	}.withDefaults()
	if custom.AttemptRetention != 48*time.Hour || custom.RollupRetention != 14*24*time.Hour {
		t.Errorf("custom retentions overridden: %+v", custom)
	}
}

func TestSweepTempFiles(t *testing.T) {
	dir := t.TempDir()
	old := filepath.Join(dir, "abc.claudelens.tmp")
	fresh := filepath.Join(dir, "def.claudelens.tmp")
	keep := filepath.Join(dir, "real.claudelens")
	for _, p := range []string{old, fresh, keep} {
		if err := os.WriteFile(p, []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	stale := time.Now().Add(-2 * time.Hour)
	if err := os.Chtimes(old, stale, stale); err != nil {
		t.Fatal(err)
	}

	if err := SweepTempFiles(dir, time.Hour); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(old); !os.IsNotExist(err) {
		t.Error("stale tmp file survived")
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Error("fresh tmp file removed")
	}
	if _, err := os.Stat(keep); err != nil {
		t.Error("archive file removed")
	}
}

func TestSweepMissingDirIsNoop(t *testing.T) {
	if err := SweepTempFiles(filepath.Join(t.TempDir(), "nope"), time.Hour); err != nil {
		t.Errorf("missing dir: %v", err)
	}
}
