package remote

import (
	"context"

	"github.com/isaacmuchunu/offsync/internal/models"
)

// Sentinel errors shared by every adapter. They alias the model taxonomy so
// callers can match either.
var (
	ErrNotFound        = models.ErrNotFound
	ErrAlreadyExists   = models.ErrAlreadyExists
	ErrVersionConflict = models.ErrVersionConflict
)

// Entity is the remote copy of an entity.
type Entity struct {
	Type    string         `json:"type"`
	ID      string         `json:"id"`
	Payload models.Payload `json:"payload"`
	Version string         `json:"version"`
}

// CreateResult carries the identity the remote assigned to a new entity.
type CreateResult struct {
	ID      string `json:"id"`
	Version string `json:"version"`
}

// UpdateResult carries the version after an update.
type UpdateResult struct {
	Version string `json:"version"`
}

// Adapter is the contract for the remote system of record.
//
// Create may be given an entity id; an empty id lets the remote assign one.
// It fails with ErrAlreadyExists if the id is taken. Update fails with
// ErrVersionConflict when expectedVersion is non-empty and does not match,
// and with ErrNotFound when the entity is missing. Delete and Fetch return
// ErrNotFound for a missing entity. Any other error is a retryable failure.
type Adapter interface {
	Create(ctx context.Context, entityType, entityID string, payload models.Payload) (*CreateResult, error)
	Update(ctx context.Context, entityType, entityID string, payload models.Payload, expectedVersion string) (*UpdateResult, error)
	Delete(ctx context.Context, entityType, entityID string) error
	Exists(ctx context.Context, entityType, entityID string) (bool, error)
	Fetch(ctx context.Context, entityType, entityID string) (*Entity, error)
}

// CustomApplier is implemented by adapters that understand custom operations.
type CustomApplier interface {
	ApplyCustom(ctx context.Context, op *models.SyncOperation) error
}

// Pinger is implemented by adapters that can report reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

type idempotencyKey struct{}

// WithIdempotencyKey attaches a client-generated key to ctx. Adapters forward
// it so a retried call is applied at most once.
func WithIdempotencyKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, idempotencyKey{}, key)
}

// IdempotencyKey returns the key attached to ctx, or "".
func IdempotencyKey(ctx context.Context) string {
	v, _ := ctx.Value(idempotencyKey{}).(string)
	return v
}
