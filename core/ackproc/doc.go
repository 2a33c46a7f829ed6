package ackproc

// Package ackproc consumes execution acknowledgements published by
// devices. The broker delivers at least once, so the processor is
// idempotent: records are keyed by (device, schedule version, entry
// index) and a second delivery of the same key is discarded. Messages
// that fail structural validation go to a per-device dead-letter topic
// and are never retried.
