package store

import (
	"context"
	"sync"
	"time"

	"github.com/gridpulse/fleetsched/core/model"
)

// MemoryStore keeps schedules and execution records in memory. State is
// an arena of per-device slots, each with its own lock, so devices never
// contend with each other. Used by tests and single-process deployments.
type MemoryStore struct {
	mu      sync.Mutex
	devices map[string]*deviceState
	now     func() time.Time
}

type deviceState struct {
	mu        sync.Mutex
	schedules map[int64]*model.Schedule
	latest    int64
	records   []model.ExecutionRecord
	keys      map[string]struct{}
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{devices: make(map[string]*deviceState), now: time.Now}
}

func (s *MemoryStore) device(id string) *deviceState {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[id]
	if !ok {
		d = &deviceState{
			schedules: make(map[int64]*model.Schedule),
			keys:      make(map[string]struct{}),
		}
		s.devices[id] = d
	}
	return d
}

// PutSchedule assigns the next version for the device and stores a copy.
func (s *MemoryStore) PutSchedule(_ context.Context, deviceID string, entries []model.ScheduleEntry) (int64, error) {
	d := s.device(deviceID)
	d.mu.Lock()
	defer d.mu.Unlock()
	d.latest++
	sched := &model.Schedule{
		DeviceID:  deviceID,
		Version:   d.latest,
		Entries:   append([]model.ScheduleEntry(nil), entries...),
		CreatedAt: s.now().UTC(),
	}
	d.schedules[d.latest] = sched
	return d.latest, nil
}

// GetSchedule returns a copy of the schedule at the exact version.
func (s *MemoryStore) GetSchedule(_ context.Context, deviceID string, version int64) (*model.Schedule, error) {
	d := s.device(deviceID)
	d.mu.Lock()
	defer d.mu.Unlock()
	sched, ok := d.schedules[version]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *sched
	cp.Entries = append([]model.ScheduleEntry(nil), sched.Entries...)
	return &cp, nil
}

// LatestVersion returns the highest version assigned to the device.
func (s *MemoryStore) LatestVersion(_ context.Context, deviceID string) (int64, error) {
	d := s.device(deviceID)
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.latest == 0 {
		return 0, ErrNotFound
	}
	return d.latest, nil
}

// AppendRecord stores the record unless its key was already seen.
func (s *MemoryStore) AppendRecord(_ context.Context, rec model.ExecutionRecord) error {
	d := s.device(rec.DeviceID)
	d.mu.Lock()
	defer d.mu.Unlock()
	key := rec.Key()
	if _, dup := d.keys[key]; dup {
		return ErrDuplicateRecord
	}
	d.keys[key] = struct{}{}
	d.records = append(d.records, rec)
	return nil
}

// Records returns the device's execution records in insertion order.
func (s *MemoryStore) Records(_ context.Context, deviceID string) ([]model.ExecutionRecord, error) {
	d := s.device(deviceID)
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]model.ExecutionRecord(nil), d.records...), nil
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error { return nil }
