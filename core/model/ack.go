package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// Outcome classifies the result of one attempted command execution.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeFailure
	OutcomeSkipped
)

// String returns the wire representation of the outcome.
func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "SUCCESS"
	case OutcomeFailure:
		return "FAILURE"
	case OutcomeSkipped:
		return "SKIPPED"
	default:
		return "unknown"
	}
}

// Valid reports whether the outcome is one of the known values.
func (o Outcome) Valid() bool {
	return o == OutcomeSuccess || o == OutcomeFailure || o == OutcomeSkipped
}

// ParseOutcome converts the wire representation back to an Outcome.
func ParseOutcome(s string) (Outcome, error) {
	switch s {
	case "SUCCESS":
		return OutcomeSuccess, nil
	case "FAILURE":
		return OutcomeFailure, nil
	case "SKIPPED":
		return OutcomeSkipped, nil
	default:
		return 0, fmt.Errorf("invalid outcome %q", s)
	}
}

// MarshalJSON encodes the outcome as its string form.
func (o Outcome) MarshalJSON() ([]byte, error) {
	return json.Marshal(o.String())
}

// UnmarshalJSON decodes the string form of an outcome.
func (o *Outcome) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := ParseOutcome(s)
	if err != nil {
		return err
	}
	*o = parsed
	return nil
}

// ExecutionRecord is the immutable audit entry for one command execution
// attempt. Records are unique per (DeviceID, ScheduleVersion, EntryIndex).
type ExecutionRecord struct {
	DeviceID        string    `json:"device_id"`
	ScheduleVersion int64     `json:"schedule_version"`
	EntryIndex      int       `json:"entry_index"`
	ScheduledTime   time.Time `json:"scheduled_time"`
	ActualTime      time.Time `json:"actual_time"`
	Outcome         Outcome   `json:"outcome"`
	ActualRateKW    float64   `json:"actual_rate_kw"`
	ErrorDetail     string    `json:"error_detail,omitempty"`
}

// Key returns the identity under which the record is deduplicated.
func (r ExecutionRecord) Key() string {
	return fmt.Sprintf("%s/%d/%d", r.DeviceID, r.ScheduleVersion, r.EntryIndex)
}

// Acknowledgement is the wire form of an execution report published by a
// device. AckID identifies the message itself, not the execution: the
// broker may deliver the same acknowledgement more than once and
// consumers deduplicate on the record key, never on AckID.
type Acknowledgement struct {
	AckID           string    `json:"ack_id"`
	DeviceID        string    `json:"device_id"`
	ScheduleVersion int64     `json:"schedule_version"`
	EntryIndex      int       `json:"entry_index"`
	ScheduledTime   time.Time `json:"scheduled_time"`
	ActualTime      time.Time `json:"actual_time"`
	Outcome         Outcome   `json:"outcome"`
	ActualRateKW    float64   `json:"actual_rate_kw"`
	ErrorDetail     string    `json:"error_detail,omitempty"`
}

// Record converts the acknowledgement to its persisted form.
func (a Acknowledgement) Record() ExecutionRecord {
	return ExecutionRecord{
		DeviceID:        a.DeviceID,
		ScheduleVersion: a.ScheduleVersion,
		EntryIndex:      a.EntryIndex,
		ScheduledTime:   a.ScheduledTime,
		ActualTime:      a.ActualTime,
		Outcome:         a.Outcome,
		ActualRateKW:    a.ActualRateKW,
		ErrorDetail:     a.ErrorDetail,
	}
}
