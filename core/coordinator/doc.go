package coordinator

// Package coordinator implements the cloud-side schedule authority. It
// validates incoming schedules against device limits, persists each
// accepted submission as a new monotonically increasing version and
// publishes id+version change notifications to the owning device topic.
// Notifications deliberately omit the schedule payload so a delayed
// message can never roll a device back to stale entries.
