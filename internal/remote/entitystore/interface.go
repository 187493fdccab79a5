// Package entitystore provides the storage behind the reference remote
// server: versioned entities with compare-and-swap updates and a create
// idempotency cache.
package entitystore

import (
	"context"
	"time"

	"github.com/isaacmuchunu/offsync/internal/models"
	"github.com/isaacmuchunu/offsync/internal/remote"
)

// Sentinel errors for expected conditions.
var (
	ErrNotFound        = remote.ErrNotFound
	ErrAlreadyExists   = remote.ErrAlreadyExists
	ErrVersionConflict = remote.ErrVersionConflict
)

// Record is one stored entity.
type Record struct {
	Type      string         `json:"type"`
	ID        string         `json:"id"`
	Payload   models.Payload `json:"payload"`
	Version   int64          `json:"version"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Entity converts the record to its wire form.
func (r *Record) Entity() *remote.Entity {
	return &remote.Entity{Type: r.Type, ID: r.ID, Payload: r.Payload, Version: formatVersion(r.Version)}
}

// EntityStore defines the contract for server-side entity persistence.
type EntityStore interface {
	// Create stores a new entity; an empty id is assigned by the store. A
	// repeated non-empty idempotency key returns the first result without
	// writing again.
	Create(ctx context.Context, entityType, id string, payload models.Payload, idempotencyKey string) (*Record, error)
	// Update replaces the payload. A non-empty expectedVersion must match
	// the stored version or ErrVersionConflict is returned.
	Update(ctx context.Context, entityType, id string, payload models.Payload, expectedVersion string) (*Record, error)
	Delete(ctx context.Context, entityType, id string) error
	Get(ctx context.Context, entityType, id string) (*Record, error)
	// List returns every entity of a type ordered by id.
	List(ctx context.Context, entityType string) ([]*Record, error)
	// Count returns the number of stored entities.
	Count(ctx context.Context) (int, error)
	// PruneIdempotency drops cached create results older than the cutoff
	// and returns how many were removed.
	PruneIdempotency(ctx context.Context, olderThan time.Time) (int, error)

	// Close releases resources.
	Close() error
}
