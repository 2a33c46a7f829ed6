package store

import (
	"context"
	"errors"

	"github.com/gridpulse/fleetsched/core/model"
)

// ErrNotFound is returned when no schedule exists for the requested
// device or version.
var ErrNotFound = errors.New("schedule not found")

// ErrDuplicateRecord is returned when an execution record already exists
// for the same (device, version, entry) key. Callers treat it as an
// expected duplicate, not a failure.
var ErrDuplicateRecord = errors.New("execution record already exists")

// ScheduleStore is the authoritative persisted schedule state. Versions
// are assigned at write time, strictly increasing per device and never
// reused; superseded versions are retained and never mutated.
type ScheduleStore interface {
	// PutSchedule persists the entries as the next version for the device
	// and returns the assigned version. The write is atomic.
	PutSchedule(ctx context.Context, deviceID string, entries []model.ScheduleEntry) (int64, error)

	// GetSchedule returns the schedule at an exact version, or ErrNotFound.
	GetSchedule(ctx context.Context, deviceID string, version int64) (*model.Schedule, error)

	// LatestVersion returns the highest assigned version for the device,
	// or ErrNotFound when the device has no schedule.
	LatestVersion(ctx context.Context, deviceID string) (int64, error)
}

// ExecutionLog persists execution records reported by devices.
type ExecutionLog interface {
	// AppendRecord stores the record, or returns ErrDuplicateRecord when
	// one already exists for the same key.
	AppendRecord(ctx context.Context, rec model.ExecutionRecord) error

	// Records returns all records for a device in insertion order.
	Records(ctx context.Context, deviceID string) ([]model.ExecutionRecord, error)
}

// Store combines both persistence surfaces behind one handle.
type Store interface {
	ScheduleStore
	ExecutionLog
	Close() error
}
