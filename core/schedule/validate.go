package schedule

import (
	"fmt"
	"time"

	"github.com/gridpulse/fleetsched/core/model"
)

// Interval bounds enforced on every entry. Sub-minute entries are below
// hardware actuation resolution; day-plus entries indicate a malformed plan.
const (
	MinEntryDuration = time.Minute
	MaxEntryDuration = 24 * time.Hour
)

// ValidationError reports the first offending entry of a rejected schedule.
// Index is -1 when the schedule is invalid as a whole.
type ValidationError struct {
	Index  int
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("invalid schedule: %s", e.Reason)
	}
	return fmt.Sprintf("invalid schedule entry %d: %s", e.Index, e.Reason)
}

func errf(index int, format string, args ...any) *ValidationError {
	return &ValidationError{Index: index, Reason: fmt.Sprintf(format, args...)}
}

// Validate checks a candidate schedule against all structural and safety
// constraints: known modes, rate within [0, maxRateKW], sane interval
// lengths, strict chronological ordering and no overlapping entries.
// It returns nil or a *ValidationError; callers must not persist any part
// of a schedule that fails validation.
func Validate(entries []model.ScheduleEntry, maxRateKW float64) error {
	if len(entries) == 0 {
		return errf(-1, "schedule cannot be empty")
	}
	for i, e := range entries {
		if e.StartTime.IsZero() || e.EndTime.IsZero() {
			return errf(i, "missing start_time or end_time")
		}
		if !e.StartTime.Before(e.EndTime) {
			return errf(i, "start_time %s is not before end_time %s", e.StartTime.Format(time.RFC3339), e.EndTime.Format(time.RFC3339))
		}
		if d := e.Duration(); d < MinEntryDuration {
			return errf(i, "interval %s shorter than minimum %s", d, MinEntryDuration)
		} else if d > MaxEntryDuration {
			return errf(i, "interval %s longer than maximum %s", d, MaxEntryDuration)
		}
		if !e.Mode.Valid() {
			return errf(i, "mode must be CHARGE or DISCHARGE (got %d)", int(e.Mode))
		}
		if e.RateKW < 0 {
			return errf(i, "rate_kw must be >= 0 (got %g)", e.RateKW)
		}
		if e.RateKW > maxRateKW {
			return errf(i, "rate_kw %g exceeds device maximum %g", e.RateKW, maxRateKW)
		}
	}
	for i := 1; i < len(entries); i++ {
		prev, cur := entries[i-1], entries[i]
		if !cur.StartTime.After(prev.StartTime) {
			return errf(i, "entries are not in strictly increasing start order")
		}
		if cur.Overlaps(prev) {
			return errf(i, "overlaps entry %d (%s > %s)", i-1,
				prev.EndTime.Format(time.RFC3339), cur.StartTime.Format(time.RFC3339))
		}
	}
	// Non-adjacent overlaps are possible only if ordering already failed,
	// but check pairwise anyway so a single violation cannot slip through.
	for i := 0; i < len(entries); i++ {
		for j := i + 1; j < len(entries); j++ {
			if entries[i].Overlaps(entries[j]) {
				return errf(j, "overlaps entry %d", i)
			}
		}
	}
	return nil
}
