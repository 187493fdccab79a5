package core

import (
	"context"
	"errors"
	"fmt"

	"github.com/isaacmuchunu/offsync/internal/models"
)

// Enqueue durably records an operation and returns the id it is stored
// under, which is the id of an existing operation when it was coalesced.
func (e *Engine) Enqueue(ctx context.Context, op *models.SyncOperation) (string, error) {
	id, err := e.queue.Enqueue(ctx, op)
	if err != nil {
		return "", err
	}
	e.logger.Debug("operation enqueued",
		"operation_id", id, "entity_type", op.EntityType, "entity_id", op.EntityID,
		"kind", op.Kind, "priority", op.Priority)
	return id, nil
}

// EnqueueBatch enqueues ops in order. It stops at the first failure and
// returns the ids recorded before it.
func (e *Engine) EnqueueBatch(ctx context.Context, ops []*models.SyncOperation) ([]string, error) {
	ids := make([]string, 0, len(ops))
	for i, op := range ops {
		id, err := e.Enqueue(ctx, op)
		if err != nil {
			return ids, fmt.Errorf("operation %d: %w", i, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// ClearQueue removes every pending operation, including ones held for a
// manual decision, and drops the conflicts they were held for.
func (e *Engine) ClearQueue(ctx context.Context) (int, error) {
	n, err := e.queue.RemovePending(ctx)
	if err != nil {
		return 0, err
	}
	conflicts, err := e.backend.ListConflicts(ctx)
	if err != nil {
		return n, fmt.Errorf("list conflicts: %w", err)
	}
	dropped := 0
	for _, c := range conflicts {
		if _, ok := e.queue.Get(c.OperationID); ok {
			continue
		}
		if err := e.backend.DeleteConflict(ctx, c.ID); err != nil {
			return n, fmt.Errorf("drop conflict %s: %w", c.ID, err)
		}
		dropped++
	}
	e.updateMetrics(func(m *models.SyncMetrics) { m.PendingConflicts -= dropped })
	e.logger.Info("queue cleared", "removed", n, "conflicts_dropped", dropped)
	return n, nil
}

// History returns up to limit pass records, newest first.
func (e *Engine) History(ctx context.Context, limit int) ([]*models.SyncHistoryEntry, error) {
	return e.backend.ListHistory(ctx, limit)
}

// Resolutions returns up to limit conflict resolutions, newest first.
func (e *Engine) Resolutions(ctx context.Context, limit int) ([]*models.ConflictResolution, error) {
	return e.backend.ListResolutions(ctx, limit)
}

// DeadLetters lists operations that exhausted their retries.
func (e *Engine) DeadLetters(ctx context.Context) ([]*models.DeadLetter, error) {
	return e.backend.ListDeadLetters(ctx)
}

// Requeue puts a dead-lettered operation back in the queue with a fresh
// retry budget. The returned id differs from operationID when a pending
// operation for the same entity absorbed it.
func (e *Engine) Requeue(ctx context.Context, operationID string) (string, error) {
	dl, err := e.backend.GetDeadLetter(ctx, operationID)
	if err != nil {
		return "", err
	}
	id, err := e.queue.Requeue(ctx, dl)
	if err != nil {
		return "", fmt.Errorf("requeue %s: %w", operationID, err)
	}
	e.updateMetrics(func(m *models.SyncMetrics) { m.DeadLettered-- })
	e.logger.Info("dead letter requeued", "operation_id", operationID)
	return id, nil
}

// DiscardDeadLetter permanently drops a dead-lettered operation.
func (e *Engine) DiscardDeadLetter(ctx context.Context, operationID string) error {
	if _, err := e.backend.GetDeadLetter(ctx, operationID); err != nil {
		return err
	}
	if err := e.backend.DeleteDeadLetter(ctx, operationID); err != nil {
		return err
	}
	e.updateMetrics(func(m *models.SyncMetrics) { m.DeadLettered-- })
	e.logger.Info("dead letter discarded", "operation_id", operationID)
	return nil
}

// PendingConflicts lists conflicts waiting for a manual decision.
func (e *Engine) PendingConflicts(ctx context.Context) ([]*models.SyncConflict, error) {
	return e.backend.ListConflicts(ctx)
}

// ResolveConflict supplies the decision for a parked conflict. A nil payload
// keeps the local payload. The operation is released against the remote
// version the conflict was detected with and drains on the next pass.
func (e *Engine) ResolveConflict(ctx context.Context, conflictID string, payload models.Payload, resolvedBy string) (*models.ConflictResolution, error) {
	c, err := e.backend.GetConflict(ctx, conflictID)
	if err != nil {
		return nil, err
	}
	if _, ok := e.queue.Get(c.OperationID); !ok {
		e.dropConflict(ctx, c.ID)
		return nil, fmt.Errorf("operation %s for conflict %s: %w", c.OperationID, c.ID, models.ErrNotFound)
	}
	if payload == nil {
		payload = c.LocalPayload
	}
	if resolvedBy == "" {
		resolvedBy = DefaultResolvedBy
	}

	res := &models.ConflictResolution{
		ConflictID:      c.ID,
		OperationID:     c.OperationID,
		EntityType:      c.EntityType,
		EntityID:        c.EntityID,
		Strategy:        models.StrategyManual,
		ResolvedPayload: payload.Clone(),
		ResolvedAt:      e.now(),
		ResolvedBy:      resolvedBy,
	}
	if err := e.backend.SaveResolution(ctx, res); err != nil {
		return nil, fmt.Errorf("save resolution: %w", err)
	}
	if _, err := e.queue.Release(ctx, c.OperationID, payload, c.RemoteVersion); err != nil {
		return nil, err
	}
	if err := e.backend.DeleteConflict(ctx, c.ID); err != nil {
		return nil, fmt.Errorf("remove conflict %s: %w", c.ID, err)
	}
	e.updateMetrics(func(m *models.SyncMetrics) {
		m.ConflictsResolved++
		m.PendingConflicts--
	})
	e.logger.Info("conflict resolved manually",
		"conflict_id", c.ID, "operation_id", c.OperationID, "resolved_by", resolvedBy)
	return res, nil
}

// DiscardConflict gives up the local change behind a parked conflict: the
// operation is dropped and the remote copy stands.
func (e *Engine) DiscardConflict(ctx context.Context, conflictID, resolvedBy string) error {
	c, err := e.backend.GetConflict(ctx, conflictID)
	if err != nil {
		return err
	}
	if resolvedBy == "" {
		resolvedBy = DefaultResolvedBy
	}
	if err := e.queue.Remove(ctx, c.OperationID); err != nil && !errors.Is(err, models.ErrNotFound) {
		return err
	}
	res := &models.ConflictResolution{
		ConflictID:      c.ID,
		OperationID:     c.OperationID,
		EntityType:      c.EntityType,
		EntityID:        c.EntityID,
		Strategy:        models.StrategyRemoteWins,
		ResolvedPayload: c.RemotePayload.Clone(),
		ResolvedAt:      e.now(),
		ResolvedBy:      resolvedBy,
	}
	if err := e.backend.SaveResolution(ctx, res); err != nil {
		return fmt.Errorf("save resolution: %w", err)
	}
	if err := e.backend.DeleteConflict(ctx, c.ID); err != nil {
		return fmt.Errorf("remove conflict %s: %w", c.ID, err)
	}
	e.updateMetrics(func(m *models.SyncMetrics) {
		m.ConflictsResolved++
		m.PendingConflicts--
	})
	e.logger.Info("conflict discarded", "conflict_id", c.ID, "operation_id", c.OperationID)
	return nil
}

func (e *Engine) dropConflict(ctx context.Context, id string) {
	if err := e.backend.DeleteConflict(ctx, id); err != nil {
		e.logger.Error("drop orphaned conflict", "conflict_id", id, "error", err)
		return
	}
	e.updateMetrics(func(m *models.SyncMetrics) { m.PendingConflicts-- })
}
