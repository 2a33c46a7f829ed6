package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridpulse/fleetsched/core/model"
	corestore "github.com/gridpulse/fleetsched/core/store"
)

func openStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "store.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sampleEntries() []model.ScheduleEntry {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return []model.ScheduleEntry{
		{StartTime: start, EndTime: start.Add(30 * time.Minute), Mode: model.ModeCharge, RateKW: 5},
	}
}

func TestPutScheduleAssignsVersions(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	v1, err := s.PutSchedule(ctx, "device-1", sampleEntries())
	require.NoError(t, err)
	v2, err := s.PutSchedule(ctx, "device-1", sampleEntries())
	require.NoError(t, err)
	assert.Equal(t, int64(1), v1)
	assert.Equal(t, int64(2), v2)

	// Versions are per device.
	other, err := s.PutSchedule(ctx, "device-2", sampleEntries())
	require.NoError(t, err)
	assert.Equal(t, int64(1), other)

	got, err := s.GetSchedule(ctx, "device-1", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Version)
	require.Len(t, got.Entries, 1)
	assert.Equal(t, 5.0, got.Entries[0].RateKW)
	assert.Equal(t, model.ModeCharge, got.Entries[0].Mode)

	latest, err := s.LatestVersion(ctx, "device-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), latest)
}

func TestGetScheduleNotFound(t *testing.T) {
	s := openStore(t)
	_, err := s.GetSchedule(context.Background(), "ghost", 1)
	assert.ErrorIs(t, err, corestore.ErrNotFound)
	_, err = s.LatestVersion(context.Background(), "ghost")
	assert.ErrorIs(t, err, corestore.ErrNotFound)
}

func TestConcurrentPutsGetDistinctVersions(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	const n = 20
	versions := make([]int64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := s.PutSchedule(ctx, "device-1", sampleEntries())
			assert.NoError(t, err)
			versions[i] = v
		}(i)
	}
	wg.Wait()

	seen := make(map[int64]bool)
	for _, v := range versions {
		assert.False(t, seen[v], "version %d assigned twice", v)
		seen[v] = true
	}
	latest, err := s.LatestVersion(ctx, "device-1")
	require.NoError(t, err)
	assert.Equal(t, int64(n), latest)
}

func TestAppendRecordDeduplicates(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	rec := model.ExecutionRecord{
		DeviceID:        "device-1",
		ScheduleVersion: 3,
		EntryIndex:      0,
		ScheduledTime:   time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		ActualTime:      time.Date(2026, 1, 1, 0, 0, 5, 0, time.UTC),
		Outcome:         model.OutcomeSuccess,
		ActualRateKW:    4.85,
	}
	require.NoError(t, s.AppendRecord(ctx, rec))
	assert.ErrorIs(t, s.AppendRecord(ctx, rec), corestore.ErrDuplicateRecord)

	rec.EntryIndex = 1
	rec.Outcome = model.OutcomeFailure
	rec.ErrorDetail = "hardware refused"
	require.NoError(t, s.AppendRecord(ctx, rec))

	got, err := s.Records(ctx, "device-1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, model.OutcomeSuccess, got[0].Outcome)
	assert.Equal(t, model.OutcomeFailure, got[1].Outcome)
	assert.Equal(t, "hardware refused", got[1].ErrorDetail)
	assert.Equal(t, 4.85, got[1].ActualRateKW)
}

func TestRecordsSurviveReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.db")
	ctx := context.Background()

	s, err := OpenSQLite(path)
	require.NoError(t, err)
	_, err = s.PutSchedule(ctx, "device-1", sampleEntries())
	require.NoError(t, err)
	require.NoError(t, s.AppendRecord(ctx, model.ExecutionRecord{
		DeviceID: "device-1", ScheduleVersion: 1, Outcome: model.OutcomeSkipped,
		ScheduledTime: time.Now(), ActualTime: time.Now(),
	}))
	require.NoError(t, s.Close())

	s, err = OpenSQLite(path)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	latest, err := s.LatestVersion(ctx, "device-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), latest)
	recs, err := s.Records(ctx, "device-1")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, model.OutcomeSkipped, recs[0].Outcome)
}

func TestNewSelectsBackend(t *testing.T) {
	mem, err := New(Config{Backend: "memory"})
	require.NoError(t, err)
	assert.IsType(t, &corestore.MemoryStore{}, mem)

	sq, err := New(Config{Backend: "sqlite", Path: filepath.Join(t.TempDir(), "s.db")})
	require.NoError(t, err)
	defer func() { _ = sq.Close() }()
	assert.IsType(t, &SQLiteStore{}, sq)

	_, err = New(Config{Backend: "etcd"})
	assert.Error(t, err)
}
