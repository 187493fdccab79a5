package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/isaacmuchunu/offsync/internal/models"
	bolt "go.etcd.io/bbolt"
)

// Bucket names used by the bbolt store.
var (
	bucketOperations  = []byte("operations")
	bucketDeadLetters = []byte("dead_letters")
	bucketHistory     = []byte("history") // key: big-endian started_at nanos + entry id
	bucketResolutions = []byte("resolutions")
	bucketConflicts   = []byte("manual_conflicts")
)

// BoltStore implements Backend on a single bbolt file.
type BoltStore struct {
	db *bolt.DB
}

var _ Backend = (*BoltStore)(nil)

// NewBoltStore opens or creates a bbolt database at the given path.
func NewBoltStore(dbPath string) (*BoltStore, error) {
	dir := filepath.Dir(dbPath)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database.
func (s *BoltStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Initialize creates all required buckets.
func (s *BoltStore) Initialize() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketOperations, bucketDeadLetters, bucketHistory, bucketResolutions, bucketConflicts} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	})
}

// ==================== Operations ====================

// ListOperations returns operations in drain order, optionally filtered by status.
func (s *BoltStore) ListOperations(_ context.Context, statuses ...models.OperationStatus) ([]*models.SyncOperation, error) {
	keep := statusFilter(statuses)
	var ops []*models.SyncOperation
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketOperations).ForEach(func(_, v []byte) error {
			var op models.SyncOperation
			if err := json.Unmarshal(v, &op); err != nil {
				return fmt.Errorf("unmarshal operation: %w", err)
			}
			if keep(op.Status) {
				ops = append(ops, &op)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	SortOperations(ops)
	return ops, nil
}

// SaveOperation inserts or replaces an operation.
func (s *BoltStore) SaveOperation(_ context.Context, op *models.SyncOperation) error {
	data, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("marshal operation: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketOperations).Put([]byte(op.ID), data)
	})
}

// DeleteOperation removes an operation. Deleting a missing id is not an error.
func (s *BoltStore) DeleteOperation(_ context.Context, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketOperations).Delete([]byte(id))
	})
}

// ReplaceOperations saves and removes operations atomically.
func (s *BoltStore) ReplaceOperations(_ context.Context, save []*models.SyncOperation, remove []string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketOperations)
		for _, id := range remove {
			if err := b.Delete([]byte(id)); err != nil {
				return err
			}
		}
		for _, op := range save {
			data, err := json.Marshal(op)
			if err != nil {
				return fmt.Errorf("marshal operation: %w", err)
			}
			if err := b.Put([]byte(op.ID), data); err != nil {
				return err
			}
		}
		return nil
	})
}

// ==================== Dead letters ====================

// DeadLetter moves an operation out of the active queue in one transaction.
func (s *BoltStore) DeadLetter(_ context.Context, dl *models.DeadLetter) error {
	data, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		key := []byte(dl.Operation.ID)
		if err := tx.Bucket(bucketOperations).Delete(key); err != nil {
			return err
		}
		return tx.Bucket(bucketDeadLetters).Put(key, data)
	})
}

// ListDeadLetters returns dead letters, oldest first.
func (s *BoltStore) ListDeadLetters(_ context.Context) ([]*models.DeadLetter, error) {
	var out []*models.DeadLetter
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDeadLetters).ForEach(func(_, v []byte) error {
			var dl models.DeadLetter
			if err := json.Unmarshal(v, &dl); err != nil {
				return fmt.Errorf("unmarshal dead letter: %w", err)
			}
			out = append(out, &dl)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].DeadLetteredAt.Before(out[j].DeadLetteredAt)
	})
	return out, nil
}

// GetDeadLetter returns the dead letter for an operation id.
func (s *BoltStore) GetDeadLetter(_ context.Context, operationID string) (*models.DeadLetter, error) {
	var dl *models.DeadLetter
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketDeadLetters).Get([]byte(operationID))
		if data == nil {
			return fmt.Errorf("dead letter %s: %w", operationID, ErrNotFound)
		}
		dl = &models.DeadLetter{}
		return json.Unmarshal(data, dl)
	})
	if err != nil {
		return nil, err
	}
	return dl, nil
}

// DeleteDeadLetter removes a dead letter.
func (s *BoltStore) DeleteDeadLetter(_ context.Context, operationID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDeadLetters)
		if b.Get([]byte(operationID)) == nil {
			return fmt.Errorf("dead letter %s: %w", operationID, ErrNotFound)
		}
		return b.Delete([]byte(operationID))
	})
}

// RequeueDeadLetter removes a dead letter and saves op in one transaction.
func (s *BoltStore) RequeueDeadLetter(_ context.Context, operationID string, op *models.SyncOperation) error {
	data, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("marshal operation: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		dead := tx.Bucket(bucketDeadLetters)
		if dead.Get([]byte(operationID)) == nil {
			return fmt.Errorf("dead letter %s: %w", operationID, ErrNotFound)
		}
		if err := dead.Delete([]byte(operationID)); err != nil {
			return err
		}
		return tx.Bucket(bucketOperations).Put([]byte(op.ID), data)
	})
}

// ==================== History ====================

func historyKey(e *models.SyncHistoryEntry) []byte {
	key := make([]byte, 8, 8+len(e.ID))
	binary.BigEndian.PutUint64(key, uint64(e.StartedAt.UnixNano()))
	return append(key, e.ID...)
}

// AppendHistory records a finished sync pass.
func (s *BoltStore) AppendHistory(_ context.Context, entry *models.SyncHistoryEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal history entry: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketHistory).Put(historyKey(entry), data)
	})
}

// ListHistory walks the history bucket backwards so the newest pass comes first.
func (s *BoltStore) ListHistory(_ context.Context, limit int) ([]*models.SyncHistoryEntry, error) {
	var out []*models.SyncHistoryEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketHistory).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(out) >= limit {
				break
			}
			var e models.SyncHistoryEntry
			if err := json.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("unmarshal history entry: %w", err)
			}
			out = append(out, &e)
		}
		return nil
	})
	return out, err
}

// ==================== Resolutions ====================

// SaveResolution inserts or replaces the resolution for a conflict.
func (s *BoltStore) SaveResolution(_ context.Context, r *models.ConflictResolution) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal resolution: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketResolutions).Put([]byte(r.ConflictID), data)
	})
}

// ListResolutions returns resolutions, newest first.
func (s *BoltStore) ListResolutions(_ context.Context, limit int) ([]*models.ConflictResolution, error) {
	var out []*models.ConflictResolution
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketResolutions).ForEach(func(_, v []byte) error {
			var r models.ConflictResolution
			if err := json.Unmarshal(v, &r); err != nil {
				return fmt.Errorf("unmarshal resolution: %w", err)
			}
			out = append(out, &r)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sortResolutions(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ==================== Manual conflicts ====================

// SaveConflict persists a conflict awaiting manual resolution.
func (s *BoltStore) SaveConflict(_ context.Context, c *models.SyncConflict) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal conflict: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketConflicts).Put([]byte(c.ID), data)
	})
}

// ListConflicts returns pending conflicts in detection order.
func (s *BoltStore) ListConflicts(_ context.Context) ([]*models.SyncConflict, error) {
	var out []*models.SyncConflict
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketConflicts).ForEach(func(_, v []byte) error {
			var c models.SyncConflict
			if err := json.Unmarshal(v, &c); err != nil {
				return fmt.Errorf("unmarshal conflict: %w", err)
			}
			out = append(out, &c)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sortConflicts(out)
	return out, nil
}

// GetConflict returns a pending conflict by id.
func (s *BoltStore) GetConflict(_ context.Context, id string) (*models.SyncConflict, error) {
	var c *models.SyncConflict
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketConflicts).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("conflict %s: %w", id, ErrNotFound)
		}
		c = &models.SyncConflict{}
		return json.Unmarshal(data, c)
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// DeleteConflict removes a pending conflict. Deleting a missing id is not an error.
func (s *BoltStore) DeleteConflict(_ context.Context, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketConflicts).Delete([]byte(id))
	})
}
