package conflict

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/isaacmuchunu/offsync/internal/models"
	"github.com/isaacmuchunu/offsync/internal/remote"
)

// Fetcher reads the current remote copy of an entity.
type Fetcher interface {
	Fetch(ctx context.Context, entityType, entityID string) (*remote.Entity, error)
}

// Check is the outcome of comparing one operation with the remote.
type Check struct {
	// Conflict is set when the remote version differs from the operation's token.
	Conflict *models.SyncConflict
	// Remote is the fetched entity; nil when it was not fetched or is missing.
	Remote *remote.Entity
	// Missing reports that the remote entity does not exist.
	Missing bool
}

// Detector compares queued operations with the remote state they were written against.
type Detector struct {
	remote Fetcher
	now    func() time.Time
}

// NewDetector creates a detector that reads through f.
func NewDetector(f Fetcher, now func() time.Time) *Detector {
	if now == nil {
		now = time.Now
	}
	return &Detector{remote: f, now: now}
}

// Applies reports whether op is subject to conflict detection: an update or
// delete that carries a version token.
func Applies(op *models.SyncOperation) bool {
	return (op.Kind == models.OperationUpdate || op.Kind == models.OperationDelete) && op.Version() != ""
}

// Check fetches the remote entity once and reports whether op conflicts
// with it. Operations without a version token pass through without a fetch.
func (d *Detector) Check(ctx context.Context, op *models.SyncOperation) (*Check, error) {
	if !Applies(op) {
		return &Check{}, nil
	}
	entity, err := d.remote.Fetch(ctx, op.EntityType, op.EntityID)
	if errors.Is(err, remote.ErrNotFound) {
		return &Check{Missing: true}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetch %s/%s: %w", op.EntityType, op.EntityID, err)
	}
	res := &Check{Remote: entity}
	if entity.Version != op.Version() {
		res.Conflict = d.build(op, entity)
	}
	return res, nil
}

// HasConflict reports whether the remote version differs from op's token.
func (d *Detector) HasConflict(ctx context.Context, op *models.SyncOperation) (bool, error) {
	res, err := d.Check(ctx, op)
	if err != nil {
		return false, err
	}
	return res.Conflict != nil, nil
}

// Detect returns the conflict for op, or nil if there is none.
func (d *Detector) Detect(ctx context.Context, op *models.SyncOperation) (*models.SyncConflict, error) {
	res, err := d.Check(ctx, op)
	if err != nil {
		return nil, err
	}
	return res.Conflict, nil
}

func (d *Detector) build(op *models.SyncOperation, entity *remote.Entity) *models.SyncConflict {
	return &models.SyncConflict{
		ID:            uuid.NewString(),
		OperationID:   op.ID,
		EntityType:    op.EntityType,
		EntityID:      op.EntityID,
		LocalVersion:  op.Version(),
		RemoteVersion: entity.Version,
		LocalPayload:  op.Payload.Clone(),
		RemotePayload: entity.Payload.Clone(),
		Differences:   Diff(op.Payload, entity.Payload),
		DetectedAt:    d.now(),
	}
}
