// Package queue implements the durable operation queue: ordered draining,
// compaction of operations on the same entity, and retry bookkeeping with
// dead-lettering.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/isaacmuchunu/offsync/internal/models"
	"github.com/isaacmuchunu/offsync/internal/store"
)

// DefaultCapacity is the maximum number of operations held at once.
const DefaultCapacity = 1000

// Options configures a Queue.
type Options struct {
	Capacity int
	// Coalesce merges a new operation into the pending one for the same
	// entity at enqueue time instead of waiting for the store to fill.
	Coalesce bool
	Retry    RetryPolicy
	Logger   *slog.Logger
	Now      func() time.Time
}

// Outcome reports what MarkFailed did with an operation.
type Outcome struct {
	Operation    *models.SyncOperation
	DeadLettered bool
}

// Queue is the operation store. All methods are safe for concurrent use and
// every mutation is persisted to the backend before it becomes visible.
type Queue struct {
	mu       sync.Mutex
	backend  store.Backend
	ops      map[string]*models.SyncOperation
	seq      uint64
	capacity int
	coalesce bool
	retry    RetryPolicy
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a queue over backend. Call Load before use.
func New(backend store.Backend, opts Options) *Queue {
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Queue{
		backend:  backend,
		ops:      make(map[string]*models.SyncOperation),
		capacity: opts.Capacity,
		coalesce: opts.Coalesce,
		retry:    opts.Retry.normalized(),
		logger:   opts.Logger,
		now:      opts.Now,
	}
}

// RetryPolicy returns the policy applied by MarkFailed.
func (q *Queue) RetryPolicy() RetryPolicy { return q.retry }

// Capacity returns the configured maximum size.
func (q *Queue) Capacity() int { return q.capacity }

// Load reads every persisted operation into memory and resets operations
// left Processing by an interrupted pass back to Pending. It returns the
// number of operations recovered that way.
func (q *Queue) Load(ctx context.Context) (int, error) {
	ops, err := q.backend.ListOperations(ctx)
	if err != nil {
		return 0, fmt.Errorf("load operations: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	q.ops = make(map[string]*models.SyncOperation, len(ops))
	var stuck []*models.SyncOperation
	for _, op := range ops {
		if op.Seq > q.seq {
			q.seq = op.Seq
		}
		if op.Status == models.StatusProcessing {
			op.Status = models.StatusPending
			stuck = append(stuck, op)
		}
		q.ops[op.ID] = op
	}
	if len(stuck) > 0 {
		if err := q.backend.ReplaceOperations(ctx, stuck, nil); err != nil {
			return 0, fmt.Errorf("recover processing operations: %w", err)
		}
		q.logger.Info("recovered interrupted operations", "count", len(stuck))
	}
	return len(stuck), nil
}

// Enqueue validates and durably records op, returning the id of the stored
// operation. With coalescing enabled that may be the id of an existing
// pending operation for the same entity that op was merged into. When the
// queue is full it is compacted first; ErrCapacityExceeded is returned only
// if compaction cannot make room.
func (q *Queue) Enqueue(ctx context.Context, op *models.SyncOperation) (string, error) {
	if err := op.Validate(); err != nil {
		return "", err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	rec, err := q.prepare(op)
	if err != nil {
		return "", err
	}

	if q.coalesce && Compactable(rec) {
		if existing := q.latestCompactable(rec.EntityKey()); existing != nil {
			merged := Merge(existing, rec)
			if err := q.backend.SaveOperation(ctx, merged); err != nil {
				return "", fmt.Errorf("persist operation: %w", err)
			}
			q.ops[merged.ID] = merged
			q.logger.Debug("coalesced operation",
				"operation_id", merged.ID, "entity_type", merged.EntityType,
				"entity_id", merged.EntityID, "kind", merged.Kind)
			return merged.ID, nil
		}
	}

	if len(q.ops) >= q.capacity {
		if err := q.compactLocked(ctx); err != nil {
			return "", err
		}
		if len(q.ops) >= q.capacity {
			return "", fmt.Errorf("%w: %d operations queued", models.ErrCapacityExceeded, len(q.ops))
		}
	}

	if err := q.backend.SaveOperation(ctx, rec); err != nil {
		return "", fmt.Errorf("persist operation: %w", err)
	}
	q.ops[rec.ID] = rec
	return rec.ID, nil
}

// Requeue returns a dead-lettered operation to the queue with a fresh retry
// budget and removes its dead letter in the same transaction. It returns the
// id of the stored operation.
//
// Anything queued for the entity after the dead letter is newer, so with
// coalescing enabled a pending operation for the same entity absorbs it as
// the earlier side: the pending fields win and the pending record keeps its
// id and place in line. Without coalescing the requeued operation is queued
// behind whatever is already pending for the entity.
func (q *Queue) Requeue(ctx context.Context, dl *models.DeadLetter) (string, error) {
	if dl == nil || dl.Operation == nil {
		return "", fmt.Errorf("%w: empty dead letter", models.ErrInvalidOperation)
	}
	deadID := dl.Operation.ID
	if err := dl.Operation.Validate(); err != nil {
		return "", err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	rec, err := q.prepare(dl.Operation)
	if err != nil {
		return "", err
	}

	if q.coalesce && Compactable(rec) {
		if pending := q.latestCompactable(rec.EntityKey()); pending != nil {
			merged := Merge(rec, pending)
			merged.ID = pending.ID
			merged.Seq = pending.Seq
			merged.CreatedAt = pending.CreatedAt
			merged.RetryCount = pending.RetryCount
			merged.NextRetryAt = nil
			if pending.NextRetryAt != nil {
				t := *pending.NextRetryAt
				merged.NextRetryAt = &t
			}
			merged.Revision = pending.Revision + 1
			if err := q.backend.RequeueDeadLetter(ctx, deadID, merged); err != nil {
				return "", fmt.Errorf("requeue operation: %w", err)
			}
			q.ops[merged.ID] = merged
			q.logger.Debug("requeued operation folded into pending",
				"operation_id", deadID, "pending_id", merged.ID,
				"entity_type", merged.EntityType, "entity_id", merged.EntityID)
			return merged.ID, nil
		}
	}

	if len(q.ops) >= q.capacity {
		if err := q.compactLocked(ctx); err != nil {
			return "", err
		}
		if len(q.ops) >= q.capacity {
			return "", fmt.Errorf("%w: %d operations queued", models.ErrCapacityExceeded, len(q.ops))
		}
	}

	if err := q.backend.RequeueDeadLetter(ctx, deadID, rec); err != nil {
		return "", fmt.Errorf("requeue operation: %w", err)
	}
	q.ops[rec.ID] = rec
	return rec.ID, nil
}

// prepare copies a caller operation into a fresh pending record.
func (q *Queue) prepare(op *models.SyncOperation) (*models.SyncOperation, error) {
	rec := op.Clone()
	if rec.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return nil, fmt.Errorf("generate operation id: %w", err)
		}
		rec.ID = id.String()
	} else if _, exists := q.ops[rec.ID]; exists {
		return nil, fmt.Errorf("%w: duplicate operation id %s", models.ErrInvalidOperation, rec.ID)
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = q.now()
	}
	if rec.Payload == nil {
		rec.Payload = models.Payload{}
	}
	q.seq++
	rec.Seq = q.seq
	rec.Status = models.StatusPending
	rec.RetryCount = 0
	rec.NextRetryAt = nil
	rec.LastError = ""
	rec.HeldBy = ""
	return rec, nil
}

// latestCompactable returns the most recently enqueued compactable operation
// for key, or nil.
func (q *Queue) latestCompactable(key string) *models.SyncOperation {
	var found *models.SyncOperation
	for _, op := range q.ops {
		if !Compactable(op) || op.EntityKey() != key {
			continue
		}
		if found == nil || op.Seq > found.Seq {
			found = op
		}
	}
	return found
}

// Compact merges pending operations on the same entity. It returns the
// number of operations absorbed.
func (q *Queue) Compact(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	before := len(q.ops)
	if err := q.compactLocked(ctx); err != nil {
		return 0, err
	}
	return before - len(q.ops), nil
}

func (q *Queue) compactLocked(ctx context.Context) error {
	all := make([]*models.SyncOperation, 0, len(q.ops))
	for _, op := range q.ops {
		all = append(all, op)
	}
	merged, removed := Compact(all)
	if len(removed) == 0 {
		return nil
	}
	if err := q.backend.ReplaceOperations(ctx, merged, removed); err != nil {
		return fmt.Errorf("persist compaction: %w", err)
	}
	for _, id := range removed {
		delete(q.ops, id)
	}
	for _, op := range merged {
		q.ops[op.ID] = op
	}
	q.logger.Info("compacted queue", "absorbed", len(removed), "remaining", len(q.ops))
	return nil
}

// PeekBatch returns up to n pending operations that are due, in drain order,
// skipping ids in exclude. An operation is withheld while an earlier
// operation on the same entity is still queued, whatever its priority.
func (q *Queue) PeekBatch(n int, exclude map[string]bool) []*models.SyncOperation {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	first := make(map[string]uint64, len(q.ops))
	all := make([]*models.SyncOperation, 0, len(q.ops))
	for _, op := range q.ops {
		k := op.EntityKey()
		if s, ok := first[k]; !ok || op.Seq < s {
			first[k] = op.Seq
		}
		all = append(all, op)
	}
	store.SortOperations(all)

	var out []*models.SyncOperation
	for _, op := range all {
		if n > 0 && len(out) >= n {
			break
		}
		if op.Status != models.StatusPending || op.Held() || exclude[op.ID] {
			continue
		}
		if op.NextRetryAt != nil && op.NextRetryAt.After(now) {
			continue
		}
		if first[op.EntityKey()] != op.Seq {
			continue
		}
		out = append(out, op.Clone())
	}
	return out
}

// update applies fn to a copy of the operation, persists it, then publishes
// the copy. The caller must hold q.mu.
func (q *Queue) update(ctx context.Context, id string, fn func(op *models.SyncOperation) error) (*models.SyncOperation, error) {
	cur, ok := q.ops[id]
	if !ok {
		return nil, fmt.Errorf("operation %s: %w", id, models.ErrNotFound)
	}
	next := cur.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	if err := q.backend.SaveOperation(ctx, next); err != nil {
		return nil, fmt.Errorf("persist operation %s: %w", id, err)
	}
	q.ops[id] = next
	return next.Clone(), nil
}

// MarkProcessing moves a pending operation to Processing.
func (q *Queue) MarkProcessing(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, err := q.update(ctx, id, func(op *models.SyncOperation) error {
		if op.Status != models.StatusPending {
			return fmt.Errorf("operation %s is %s, not pending", id, op.Status)
		}
		op.Status = models.StatusProcessing
		return nil
	})
	return err
}

// MarkCompleted removes a finished operation.
func (q *Queue) MarkCompleted(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.ops[id]; !ok {
		return fmt.Errorf("operation %s: %w", id, models.ErrNotFound)
	}
	if err := q.backend.DeleteOperation(ctx, id); err != nil {
		return fmt.Errorf("remove operation %s: %w", id, err)
	}
	delete(q.ops, id)
	return nil
}

// MarkFailed records a failed attempt. The operation goes back to Pending with
// a later NextRetryAt, or is moved to the dead-letter store once the retry
// budget is spent.
func (q *Queue) MarkFailed(ctx context.Context, id string, cause error) (Outcome, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	cur, ok := q.ops[id]
	if !ok {
		return Outcome{}, fmt.Errorf("operation %s: %w", id, models.ErrNotFound)
	}
	now := q.now()
	next := cur.Clone()
	next.RetryCount++
	if cause != nil {
		next.LastError = cause.Error()
	}

	if q.retry.Exhausted(next.RetryCount) {
		next.Status = models.StatusDeadLettered
		next.NextRetryAt = nil
		dl := &models.DeadLetter{Operation: next, Reason: next.LastError, DeadLetteredAt: now}
		if err := q.backend.DeadLetter(ctx, dl); err != nil {
			return Outcome{}, fmt.Errorf("dead-letter operation %s: %w", id, err)
		}
		delete(q.ops, id)
		q.logger.Warn("operation dead-lettered",
			"operation_id", id, "entity_type", next.EntityType, "entity_id", next.EntityID,
			"retry_count", next.RetryCount, "error", next.LastError)
		return Outcome{Operation: next.Clone(), DeadLettered: true}, nil
	}

	next.Status = models.StatusPending
	at := q.retry.NextAttempt(now, next.RetryCount)
	next.NextRetryAt = &at
	if err := q.backend.SaveOperation(ctx, next); err != nil {
		return Outcome{}, fmt.Errorf("persist operation %s: %w", id, err)
	}
	q.ops[id] = next
	q.logger.Debug("operation scheduled for retry",
		"operation_id", id, "retry_count", next.RetryCount, "next_retry_at", at)
	return Outcome{Operation: next.Clone()}, nil
}

// Hold parks an operation until a manual conflict decision is supplied. The
// operation stays Pending but is no longer returned by PeekBatch.
func (q *Queue) Hold(ctx context.Context, id, conflictID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, err := q.update(ctx, id, func(op *models.SyncOperation) error {
		op.Status = models.StatusPending
		op.HeldBy = conflictID
		return nil
	})
	return err
}

// Release clears a hold, replacing the payload with the decided one and
// adopting the remote version it was decided against.
func (q *Queue) Release(ctx context.Context, id string, payload models.Payload, version string) (*models.SyncOperation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.update(ctx, id, func(op *models.SyncOperation) error {
		if !op.Held() {
			return fmt.Errorf("operation %s is not held", id)
		}
		op.HeldBy = ""
		if !op.Payload.Equal(payload) {
			op.Revise()
		}
		op.Payload = payload.Clone()
		op.SetVersion(version)
		op.NextRetryAt = nil
		return nil
	})
}

// Update applies fn to the operation and persists the result.
func (q *Queue) Update(ctx context.Context, id string, fn func(op *models.SyncOperation)) (*models.SyncOperation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.update(ctx, id, func(op *models.SyncOperation) error {
		fn(op)
		return nil
	})
}

// Remove deletes an operation regardless of status.
func (q *Queue) Remove(ctx context.Context, id string) error {
	return q.MarkCompleted(ctx, id)
}

// RemovePending deletes every pending operation, held ones included, and
// returns how many were removed. In-flight operations are untouched.
func (q *Queue) RemovePending(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var ids []string
	for id, op := range q.ops {
		if op.Status == models.StatusPending {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return 0, nil
	}
	if err := q.backend.ReplaceOperations(ctx, nil, ids); err != nil {
		return 0, fmt.Errorf("clear queue: %w", err)
	}
	for _, id := range ids {
		delete(q.ops, id)
	}
	return len(ids), nil
}

// Get returns a copy of an operation.
func (q *Queue) Get(id string) (*models.SyncOperation, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	op, ok := q.ops[id]
	if !ok {
		return nil, false
	}
	return op.Clone(), true
}

// List returns copies of every queued operation in drain order.
func (q *Queue) List() []*models.SyncOperation {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*models.SyncOperation, 0, len(q.ops))
	for _, op := range q.ops {
		out = append(out, op.Clone())
	}
	store.SortOperations(out)
	return out
}

// Len returns the number of queued operations.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ops)
}

// HasEligible reports whether PeekBatch would return anything.
func (q *Queue) HasEligible(exclude map[string]bool) bool {
	return len(q.PeekBatch(1, exclude)) > 0
}
