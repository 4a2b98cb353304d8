package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/cuemby/notebroker/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketExecutions  = []byte("executions")
	bucketAssetLeases = []byte("asset_leases")
)

// BoltStore implements Store on top of a single bbolt file, one bucket per
// logical table, matching the broker's bucket-per-entity layout.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) the broker's database file under dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "broker.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketExecutions, bucketAssetLeases} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// --- Execution operations ---

func (s *BoltStore) EnqueueExecution(exec *types.Execution) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketExecutions)
		if b.Get([]byte(exec.TaskID)) != nil {
			return ErrDuplicateTaskID
		}
		data, err := json.Marshal(exec)
		if err != nil {
			return err
		}
		return b.Put([]byte(exec.TaskID), data)
	})
}

func (s *BoltStore) GetExecution(taskID string) (*types.Execution, error) {
	var exec types.Execution
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketExecutions)
		data := b.Get([]byte(taskID))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &exec)
	})
	if err != nil {
		return nil, err
	}
	return &exec, nil
}

func (s *BoltStore) putExecution(tx *bolt.Tx, exec *types.Execution) error {
	b := tx.Bucket(bucketExecutions)
	data, err := json.Marshal(exec)
	if err != nil {
		return err
	}
	return b.Put([]byte(exec.TaskID), data)
}

func (s *BoltStore) transitionExecution(taskID string, apply func(*types.Execution) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketExecutions)
		data := b.Get([]byte(taskID))
		if data == nil {
			return ErrNotFound
		}
		var exec types.Execution
		if err := json.Unmarshal(data, &exec); err != nil {
			return err
		}
		if exec.Status.Terminal() {
			return ErrAlreadyTerminal
		}
		if err := apply(&exec); err != nil {
			return err
		}
		return s.putExecution(tx, &exec)
	})
}

func (s *BoltStore) MarkStarted(taskID string, startedAt time.Time) error {
	return s.transitionExecution(taskID, func(e *types.Execution) error {
		e.Status = types.ExecutionRunning
		e.StartedAt = startedAt
		return nil
	})
}

func (s *BoltStore) MarkCompleted(taskID string, completedAt time.Time) error {
	return s.transitionExecution(taskID, func(e *types.Execution) error {
		e.Status = types.ExecutionCompleted
		e.CompletedAt = completedAt
		return nil
	})
}

func (s *BoltStore) MarkFailed(taskID string, errMsg string, completedAt time.Time) error {
	return s.transitionExecution(taskID, func(e *types.Execution) error {
		e.Status = types.ExecutionFailed
		e.ErrorMessage = errMsg
		e.CompletedAt = completedAt
		return nil
	})
}

func (s *BoltStore) MarkCancelled(taskID string, completedAt time.Time) error {
	return s.transitionExecution(taskID, func(e *types.Execution) error {
		e.Status = types.ExecutionCancelled
		e.CompletedAt = completedAt
		return nil
	})
}

func (s *BoltStore) MarkTimeout(taskID string, completedAt time.Time) error {
	return s.transitionExecution(taskID, func(e *types.Execution) error {
		e.Status = types.ExecutionTimeout
		e.CompletedAt = completedAt
		return nil
	})
}

func (s *BoltStore) LoadNonTerminal() ([]*types.Execution, error) {
	var out []*types.Execution
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketExecutions)
		return b.ForEach(func(k, v []byte) error {
			var exec types.Execution
			if err := json.Unmarshal(v, &exec); err != nil {
				return err
			}
			if !exec.Status.Terminal() {
				out = append(out, &exec)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *BoltStore) ListExecutionsByNotebook(notebookKey string) ([]*types.Execution, error) {
	var out []*types.Execution
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketExecutions)
		return b.ForEach(func(k, v []byte) error {
			var exec types.Execution
			if err := json.Unmarshal(v, &exec); err != nil {
				return err
			}
			if exec.NotebookKey == notebookKey {
				out = append(out, &exec)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *BoltStore) DeleteCompletedOlderThan(cutoff time.Time) (int, error) {
	var toDelete [][]byte
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketExecutions)
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var exec types.Execution
			if err := json.Unmarshal(v, &exec); err != nil {
				return err
			}
			if exec.Status.Terminal() && exec.CompletedAt.Before(cutoff) {
				key := make([]byte, len(k))
				copy(key, k)
				toDelete = append(toDelete, key)
			}
		}
		for _, key := range toDelete {
			if err := b.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(toDelete), nil
}

// --- Asset lease operations ---

func (s *BoltStore) PutAssetLease(lease *types.AssetLease) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAssetLeases)
		data, err := json.Marshal(lease)
		if err != nil {
			return err
		}
		return b.Put([]byte(lease.AssetPath), data)
	})
}

func (s *BoltStore) GetAssetLease(assetPath string) (*types.AssetLease, error) {
	var lease types.AssetLease
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAssetLeases)
		data := b.Get([]byte(assetPath))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &lease)
	})
	if err != nil {
		return nil, err
	}
	return &lease, nil
}

func (s *BoltStore) RenewAssetLease(assetPath string, lastSeen, newExpiry time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAssetLeases)
		data := b.Get([]byte(assetPath))
		if data == nil {
			return ErrNotFound
		}
		var lease types.AssetLease
		if err := json.Unmarshal(data, &lease); err != nil {
			return err
		}
		lease.LastSeen = lastSeen
		lease.LeaseExpires = newExpiry
		out, err := json.Marshal(&lease)
		if err != nil {
			return err
		}
		return b.Put([]byte(assetPath), out)
	})
}

func (s *BoltStore) ExpiredAssetLeases(now time.Time) ([]*types.AssetLease, error) {
	var out []*types.AssetLease
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAssetLeases)
		return b.ForEach(func(k, v []byte) error {
			var lease types.AssetLease
			if err := json.Unmarshal(v, &lease); err != nil {
				return err
			}
			if lease.Expired(now) {
				out = append(out, &lease)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *BoltStore) ListAssetLeasesByNotebook(notebookKey string) ([]*types.AssetLease, error) {
	var out []*types.AssetLease
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAssetLeases)
		return b.ForEach(func(k, v []byte) error {
			var lease types.AssetLease
			if err := json.Unmarshal(v, &lease); err != nil {
				return err
			}
			if lease.NotebookKey == notebookKey {
				out = append(out, &lease)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *BoltStore) DropAssetLease(assetPath string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAssetLeases)
		return b.Delete([]byte(assetPath))
	})
}
