package agent

// Package agent assembles one device's runtime: broker connection,
// schedule fetcher, local cache, executor and the durable
// acknowledgement queue. Reconnects kick ack delivery and trigger a
// catch-up fetch so versions announced during an outage are not lost.
