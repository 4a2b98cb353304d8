// Package scheduler implements the Execution Scheduler (spec component D):
// it assigns task_ids, persists a submission durably before touching a
// kernel, serializes dispatch per notebook_key through a single FIFO worker,
// and waits for completion via the I/O Multiplexer's one-shot event rather
// than polling. Timeouts and client cancellation both resolve through the
// same per-execution wait, so neither blocks the dispatch loop behind it.
package scheduler
