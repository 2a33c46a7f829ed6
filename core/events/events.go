package events

import "github.com/gridpulse/fleetsched/core/model"

// ScheduleEvent is published when the coordinator accepts a new schedule
// version for a device.
type ScheduleEvent struct {
	DeviceID string
	Version  int64
	Entries  int
}

// ExecutionFailure is published when an acknowledgement reports a failed
// command execution. Alerting collaborators subscribe to it.
type ExecutionFailure struct {
	Record model.ExecutionRecord
}
