package cache

import (
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gridpulse/fleetsched/core/model"
)

func sched(version int64) *model.Schedule {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return &model.Schedule{
		DeviceID: "device-1",
		Version:  version,
		Entries: []model.ScheduleEntry{
			{StartTime: start, EndTime: start.Add(30 * time.Minute), Mode: model.ModeCharge, RateKW: 5},
		},
	}
}

func openCache(t *testing.T) *Cache {
	t.Helper()
	c, err := Open(filepath.Join(t.TempDir(), "cache.db"), "device-1")
	if err != nil {
		t.Fatalf("open cache: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestEmptyCache(t *testing.T) {
	c := openCache(t)
	if _, err := c.Current(); !errors.Is(err, ErrEmpty) {
		t.Fatalf("expected ErrEmpty, got %v", err)
	}
	v, err := c.Version()
	if err != nil || v != 0 {
		t.Fatalf("version = %d, %v; want 0, nil", v, err)
	}
}

func TestPutAndCurrent(t *testing.T) {
	c := openCache(t)
	if err := c.Put(sched(1)); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := c.Current()
	if err != nil {
		t.Fatalf("current: %v", err)
	}
	if got.Version != 1 || len(got.Entries) != 1 {
		t.Errorf("got version %d with %d entries", got.Version, len(got.Entries))
	}
}

func TestPutRejectsStale(t *testing.T) {
	c := openCache(t)
	if err := c.Put(sched(3)); err != nil {
		t.Fatalf("put v3: %v", err)
	}
	if err := c.Put(sched(2)); !errors.Is(err, ErrStale) {
		t.Fatalf("expected ErrStale for v2 after v3, got %v", err)
	}
	if err := c.Put(sched(3)); !errors.Is(err, ErrStale) {
		t.Fatalf("expected ErrStale for same version, got %v", err)
	}
	got, _ := c.Current()
	if got.Version != 3 {
		t.Errorf("version = %d, want 3", got.Version)
	}
}

func TestConcurrentPutKeepsNewestVersion(t *testing.T) {
	// Notification delivery and reconnect catch-up can apply different
	// versions at the same time; write order must not decide the winner.
	for i := 0; i < 50; i++ {
		c, err := Open(filepath.Join(t.TempDir(), "cache.db"), "device-1")
		if err != nil {
			t.Fatalf("open: %v", err)
		}

		start := make(chan struct{})
		var wg sync.WaitGroup
		for _, v := range []int64{2, 3} {
			wg.Add(1)
			go func(v int64) {
				defer wg.Done()
				<-start
				if err := c.Put(sched(v)); err != nil && !errors.Is(err, ErrStale) {
					t.Errorf("put v%d: %v", v, err)
				}
			}(v)
		}
		close(start)
		wg.Wait()

		v, err := c.Version()
		if err != nil {
			t.Fatalf("version: %v", err)
		}
		if v != 3 {
			t.Fatalf("run %d: cache ended at v%d, want 3", i, v)
		}
		_ = c.Close()
	}
}

func TestExecutionMarksSurviveReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cache.db")
	c, err := Open(path, "device-1")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := c.Put(sched(1)); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := c.MarkExecuted(1, 0, model.OutcomeSuccess); err != nil {
		t.Fatalf("mark: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// Simulated process restart.
	c2, err := Open(path, "device-1")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer func() { _ = c2.Close() }()

	outcome, done, err := c2.Executed(1, 0)
	if err != nil {
		t.Fatalf("executed: %v", err)
	}
	if !done || outcome != model.OutcomeSuccess {
		t.Errorf("executed = %v/%s, want true/SUCCESS", done, outcome)
	}
	if _, done, _ := c2.Executed(1, 1); done {
		t.Error("unmarked entry reported as executed")
	}
}

func TestMarkExecutedIsIdempotent(t *testing.T) {
	c := openCache(t)
	if err := c.MarkExecuted(1, 0, model.OutcomeSuccess); err != nil {
		t.Fatalf("mark: %v", err)
	}
	// Re-marking keeps the original outcome.
	if err := c.MarkExecuted(1, 0, model.OutcomeFailure); err != nil {
		t.Fatalf("remark: %v", err)
	}
	outcome, _, err := c.Executed(1, 0)
	if err != nil {
		t.Fatalf("executed: %v", err)
	}
	if outcome != model.OutcomeSuccess {
		t.Errorf("outcome = %s, want original SUCCESS", outcome)
	}
}
