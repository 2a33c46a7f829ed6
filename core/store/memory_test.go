package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gridpulse/fleetsched/core/model"
)

func testEntries() []model.ScheduleEntry {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return []model.ScheduleEntry{
		{StartTime: start, EndTime: start.Add(30 * time.Minute), Mode: model.ModeCharge, RateKW: 5},
	}
}

func TestMemoryStoreVersioning(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if _, err := s.LatestVersion(ctx, "device-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	v1, err := s.PutSchedule(ctx, "device-1", testEntries())
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	v2, err := s.PutSchedule(ctx, "device-1", testEntries())
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if v1 != 1 || v2 != 2 {
		t.Errorf("versions = %d, %d; want 1, 2", v1, v2)
	}

	// Versions are per device.
	other, err := s.PutSchedule(ctx, "device-2", testEntries())
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if other != 1 {
		t.Errorf("device-2 first version = %d, want 1", other)
	}

	latest, err := s.LatestVersion(ctx, "device-1")
	if err != nil || latest != 2 {
		t.Errorf("latest = %d, %v; want 2, nil", latest, err)
	}

	// History is retained: version 1 is still readable after version 2.
	old, err := s.GetSchedule(ctx, "device-1", 1)
	if err != nil {
		t.Fatalf("get v1: %v", err)
	}
	if old.Version != 1 {
		t.Errorf("got version %d", old.Version)
	}
	if _, err := s.GetSchedule(ctx, "device-1", 99); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for missing version, got %v", err)
	}
}

func TestMemoryStoreConcurrentPut(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	const n = 50

	var wg sync.WaitGroup
	versions := make(chan int64, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := s.PutSchedule(ctx, "device-1", testEntries())
			if err != nil {
				t.Errorf("put: %v", err)
				return
			}
			versions <- v
		}()
	}
	wg.Wait()
	close(versions)

	seen := make(map[int64]bool)
	for v := range versions {
		if seen[v] {
			t.Fatalf("version %d assigned twice", v)
		}
		seen[v] = true
	}
	if len(seen) != n {
		t.Fatalf("expected %d distinct versions, got %d", n, len(seen))
	}
}

func TestMemoryStoreDuplicateRecord(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	rec := model.ExecutionRecord{DeviceID: "device-1", ScheduleVersion: 1, EntryIndex: 0, Outcome: model.OutcomeSuccess}

	if err := s.AppendRecord(ctx, rec); err != nil {
		t.Fatalf("first append: %v", err)
	}
	if err := s.AppendRecord(ctx, rec); !errors.Is(err, ErrDuplicateRecord) {
		t.Fatalf("expected ErrDuplicateRecord, got %v", err)
	}

	recs, err := s.Records(ctx, "device-1")
	if err != nil {
		t.Fatalf("records: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("expected exactly one record, got %d", len(recs))
	}
}
