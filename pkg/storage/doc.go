// Package storage implements the broker's durable store (spec component A)
// on top of bbolt: one bucket for executions, one for asset leases, both
// JSON-encoded and committed per call so a crash between two operations
// never leaves a record half-written.
package storage
