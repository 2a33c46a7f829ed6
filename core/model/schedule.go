package model

import (
	"fmt"
	"time"
)

// Mode defines the battery command carried by a schedule entry.
// The integer values are part of the wire format understood by devices.
type Mode int

const (
	ModeDischarge Mode = 1
	ModeCharge    Mode = 2
)

// String returns a human-readable representation of the mode.
func (m Mode) String() string {
	switch m {
	case ModeDischarge:
		return "DISCHARGE"
	case ModeCharge:
		return "CHARGE"
	default:
		return fmt.Sprintf("unknown(%d)", int(m))
	}
}

// Valid reports whether the mode is one of the known command modes.
func (m Mode) Valid() bool {
	return m == ModeDischarge || m == ModeCharge
}

// ScheduleEntry is a single timed charge or discharge command.
// Times are UTC; the interval is half-open [StartTime, EndTime).
type ScheduleEntry struct {
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
	Mode      Mode      `json:"mode"`
	RateKW    float64   `json:"rate_kw"`
}

// Contains reports whether t falls within the entry interval.
func (e ScheduleEntry) Contains(t time.Time) bool {
	return !t.Before(e.StartTime) && t.Before(e.EndTime)
}

// Overlaps reports whether the two entries share any instant.
func (e ScheduleEntry) Overlaps(other ScheduleEntry) bool {
	return e.StartTime.Before(other.EndTime) && other.StartTime.Before(e.EndTime)
}

// Duration returns the length of the entry interval.
func (e ScheduleEntry) Duration() time.Duration {
	return e.EndTime.Sub(e.StartTime)
}

// Schedule is the full ordered command plan for one device at one version.
// Schedules are replaced wholesale; superseded versions stay in history.
type Schedule struct {
	DeviceID  string          `json:"device_id"`
	Version   int64           `json:"version"`
	Entries   []ScheduleEntry `json:"entries"`
	CreatedAt time.Time       `json:"created_at"`
}

// EntryAt returns the index and entry whose interval contains t.
// The boolean is false when no entry matches.
func (s *Schedule) EntryAt(t time.Time) (int, ScheduleEntry, bool) {
	for i, e := range s.Entries {
		if e.Contains(t) {
			return i, e, true
		}
	}
	return 0, ScheduleEntry{}, false
}

// ChangeNotification announces a new schedule version to a device.
// It carries only the identifiers; consumers re-fetch the full schedule
// so a stale payload can never overwrite a newer one.
type ChangeNotification struct {
	DeviceID string `json:"device_id"`
	Version  int64  `json:"version"`
}

// FetchRequest asks the coordinator for the full schedule at a version.
// Version 0 requests the latest one.
type FetchRequest struct {
	DeviceID string `json:"device_id"`
	Version  int64  `json:"version"`
}

// FetchReply answers a FetchRequest. Error is set instead of Schedule
// when the requested version does not exist.
type FetchReply struct {
	Schedule *Schedule `json:"schedule,omitempty"`
	Version  int64     `json:"version"`
	Error    string    `json:"error,omitempty"`
}
