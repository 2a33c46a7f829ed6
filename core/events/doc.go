package events

// Package events defines the event types exchanged on the internal event
// bus between the coordinator, the acknowledgement processor and
// observers such as alerting hooks.
