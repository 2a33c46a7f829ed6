package executor

// Package executor runs schedules on a single device. Change
// notifications carry only id+version; the executor fetches the full
// schedule, re-validates it, and stores it in the local cache. The tick
// loop reads exclusively from that cache, so losing the broker degrades
// acknowledgement delivery but never command execution. Execution marks
// persisted in the cache make tick evaluation idempotent across process
// restarts.
