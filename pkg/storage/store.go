package storage

import (
	"time"

	"github.com/cuemby/notebroker/pkg/types"
)

// Store defines the durable-state contract for the broker (component A).
// Every transition it exposes commits before the caller is allowed to act
// on its result, so a crash between two calls never leaves an Execution or
// AssetLease in an ambiguous state (spec invariants I1-I4).
type Store interface {
	// EnqueueExecution persists a new Execution in ExecutionPending state.
	// It returns ErrDuplicateTaskID if task_id already exists, regardless
	// of that record's status.
	EnqueueExecution(exec *types.Execution) error

	// GetExecution returns the current record for task_id, or ErrNotFound.
	GetExecution(taskID string) (*types.Execution, error)

	// MarkStarted transitions task_id from pending to running. Returns
	// ErrAlreadyTerminal if the execution already reached a terminal state.
	MarkStarted(taskID string, startedAt time.Time) error

	// MarkCompleted, MarkFailed, MarkCancelled, and MarkTimeout each
	// transition task_id to the named terminal status exactly once;
	// subsequent calls return ErrAlreadyTerminal (invariant I2).
	MarkCompleted(taskID string, completedAt time.Time) error
	MarkFailed(taskID string, errMsg string, completedAt time.Time) error
	MarkCancelled(taskID string, completedAt time.Time) error
	MarkTimeout(taskID string, completedAt time.Time) error

	// LoadNonTerminal returns every Execution not yet in a terminal state,
	// ordered by CreatedAt, for the scheduler to re-enqueue after a crash
	// or restart (spec.md §8, crash-mid-flight scenario).
	LoadNonTerminal() ([]*types.Execution, error)

	// ListExecutionsByNotebook returns every Execution for notebookKey,
	// most recent first.
	ListExecutionsByNotebook(notebookKey string) ([]*types.Execution, error)

	// DeleteCompletedOlderThan removes terminal Executions whose
	// CompletedAt is older than the cutoff and returns the count removed
	// (the supplemented cleanup_completed maintenance operation).
	DeleteCompletedOlderThan(cutoff time.Time) (int, error)

	// PutAssetLease creates or fully overwrites a lease record.
	PutAssetLease(lease *types.AssetLease) error

	// GetAssetLease returns the lease for assetPath, or ErrNotFound.
	GetAssetLease(assetPath string) (*types.AssetLease, error)

	// RenewAssetLease bumps LeaseExpires and LastSeen for an existing
	// lease. It returns ErrNotFound if the asset has no lease, which
	// callers treat as "already pruned" rather than an error condition.
	RenewAssetLease(assetPath string, lastSeen, newExpiry time.Time) error

	// ExpiredAssetLeases returns every lease whose LeaseExpires is before
	// now, across all notebooks, for the offline `brokerd prune-assets`
	// sweep.
	ExpiredAssetLeases(now time.Time) ([]*types.AssetLease, error)

	// ListAssetLeasesByNotebook returns every lease tied to notebookKey.
	ListAssetLeasesByNotebook(notebookKey string) ([]*types.AssetLease, error)

	// DropAssetLease removes the lease record after its backing file has
	// been deleted (invariant I4: file and record are removed together,
	// never just the record).
	DropAssetLease(assetPath string) error

	// Close releases the underlying database file.
	Close() error
}
