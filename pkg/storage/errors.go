package storage

import "errors"

// ErrNotFound is returned when a lookup by key finds nothing.
var ErrNotFound = errors.New("storage: not found")

// ErrDuplicateTaskID is returned by EnqueueExecution when task_id already
// exists in the store, terminal or not (spec invariant: task_id is unique
// for the lifetime of the broker's retention window).
var ErrDuplicateTaskID = errors.New("storage: duplicate task id")

// ErrAlreadyTerminal is returned when a caller attempts to transition an
// Execution that has already reached a terminal status (invariant I2).
var ErrAlreadyTerminal = errors.New("storage: execution already terminal")
