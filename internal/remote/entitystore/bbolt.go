package entitystore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/isaacmuchunu/offsync/internal/models"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketEntities    = []byte("entities")
	bucketIdempotency = []byte("idempotency")
)

// idempotentCreate is the cached outcome of a create.
type idempotentCreate struct {
	Type      string    `json:"type"`
	ID        string    `json:"id"`
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
}

// BboltStore implements EntityStore using bbolt.
type BboltStore struct {
	db  *bolt.DB
	now func() time.Time
}

var _ EntityStore = (*BboltStore)(nil)

// NewBboltStore opens or creates a bbolt database at the given path.
func NewBboltStore(dbPath string) (*BboltStore, error) {
	dir := filepath.Dir(dbPath)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create entity directory: %w", err)
		}
	}

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open entity database: %w", err)
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketEntities, bucketIdempotency} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, err
	}

	return &BboltStore{db: db, now: time.Now}, nil
}

// Close releases the bbolt database.
func (s *BboltStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func entityKey(entityType, id string) []byte {
	return []byte(entityType + "/" + id)
}

func formatVersion(v int64) string { return strconv.FormatInt(v, 10) }

func getRecord(b *bolt.Bucket, entityType, id string) (*Record, error) {
	data := b.Get(entityKey(entityType, id))
	if data == nil {
		return nil, nil
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal entity %s/%s: %w", entityType, id, err)
	}
	return &rec, nil
}

func putRecord(b *bolt.Bucket, rec *Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal entity: %w", err)
	}
	return b.Put(entityKey(rec.Type, rec.ID), data)
}

// Create stores a new entity at version 1.
func (s *BboltStore) Create(_ context.Context, entityType, id string, payload models.Payload, idempotencyKey string) (*Record, error) {
	var out *Record
	err := s.db.Update(func(tx *bolt.Tx) error {
		entities := tx.Bucket(bucketEntities)
		idem := tx.Bucket(bucketIdempotency)

		// Replay of a create that already went through.
		if idempotencyKey != "" {
			if data := idem.Get([]byte(idempotencyKey)); data != nil {
				var prev idempotentCreate
				if err := json.Unmarshal(data, &prev); err != nil {
					return fmt.Errorf("unmarshal idempotency entry: %w", err)
				}
				rec, err := getRecord(entities, prev.Type, prev.ID)
				if err != nil {
					return err
				}
				if rec == nil {
					rec = &Record{Type: prev.Type, ID: prev.ID, Version: prev.Version}
				}
				out = rec
				return nil
			}
		}

		if id == "" {
			id = uuid.NewString()
		}
		existing, err := getRecord(entities, entityType, id)
		if err != nil {
			return err
		}
		if existing != nil {
			return fmt.Errorf("create %s/%s: %w", entityType, id, ErrAlreadyExists)
		}

		rec := &Record{Type: entityType, ID: id, Payload: payload, Version: 1, UpdatedAt: s.now()}
		if err := putRecord(entities, rec); err != nil {
			return err
		}
		if idempotencyKey != "" {
			data, err := json.Marshal(&idempotentCreate{Type: entityType, ID: id, Version: 1, CreatedAt: rec.UpdatedAt})
			if err != nil {
				return fmt.Errorf("marshal idempotency entry: %w", err)
			}
			if err := idem.Put([]byte(idempotencyKey), data); err != nil {
				return err
			}
		}
		out = rec
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Update performs a compare-and-swap update of an entity's payload.
// Returns ErrVersionConflict if the stored version doesn't match expectedVersion.
func (s *BboltStore) Update(_ context.Context, entityType, id string, payload models.Payload, expectedVersion string) (*Record, error) {
	var out *Record
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEntities)
		rec, err := getRecord(b, entityType, id)
		if err != nil {
			return err
		}
		if rec == nil {
			return fmt.Errorf("update %s/%s: %w", entityType, id, ErrNotFound)
		}
		if expectedVersion != "" && formatVersion(rec.Version) != expectedVersion {
			return fmt.Errorf("update %s/%s: expected version %s, have %d: %w",
				entityType, id, expectedVersion, rec.Version, ErrVersionConflict)
		}
		rec.Payload = payload
		rec.Version++
		rec.UpdatedAt = s.now()
		if err := putRecord(b, rec); err != nil {
			return err
		}
		out = rec
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Delete removes an entity. Returns ErrNotFound if missing.
func (s *BboltStore) Delete(_ context.Context, entityType, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEntities)
		key := entityKey(entityType, id)
		if b.Get(key) == nil {
			return fmt.Errorf("delete %s/%s: %w", entityType, id, ErrNotFound)
		}
		return b.Delete(key)
	})
}

// Get retrieves an entity. Returns ErrNotFound if missing.
func (s *BboltStore) Get(_ context.Context, entityType, id string) (*Record, error) {
	var out *Record
	err := s.db.View(func(tx *bolt.Tx) error {
		rec, err := getRecord(tx.Bucket(bucketEntities), entityType, id)
		if err != nil {
			return err
		}
		if rec == nil {
			return fmt.Errorf("get %s/%s: %w", entityType, id, ErrNotFound)
		}
		out = rec
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// List returns every entity of a type in key order.
func (s *BboltStore) List(_ context.Context, entityType string) ([]*Record, error) {
	var out []*Record
	prefix := []byte(entityType + "/")
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketEntities).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("unmarshal entity %s: %w", k, err)
			}
			out = append(out, &rec)
		}
		return nil
	})
	return out, err
}

// Count returns the number of stored entities.
func (s *BboltStore) Count(_ context.Context) (int, error) {
	var n int
	err := s.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketEntities).Stats().KeyN
		return nil
	})
	return n, err
}

// PruneIdempotency removes cached create results older than the cutoff.
func (s *BboltStore) PruneIdempotency(_ context.Context, olderThan time.Time) (int, error) {
	removed := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketIdempotency)
		var stale [][]byte
		if err := b.ForEach(func(k, v []byte) error {
			var entry idempotentCreate
			if err := json.Unmarshal(v, &entry); err != nil {
				return fmt.Errorf("unmarshal idempotency entry: %w", err)
			}
			if entry.CreatedAt.Before(olderThan) {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		}); err != nil {
			return err
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		removed = len(stale)
		return nil
	})
	return removed, err
}
