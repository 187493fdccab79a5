package core

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/isaacmuchunu/offsync/internal/conflict"
	"github.com/isaacmuchunu/offsync/internal/models"
	"github.com/isaacmuchunu/offsync/internal/remote"
)

// storeError marks a durable-store failure inside a pass. Unlike adapter
// failures it aborts the pass instead of feeding the retry scheduler.
type storeError struct{ err error }

func (e *storeError) Error() string { return e.err.Error() }
func (e *storeError) Unwrap() error { return e.err }

func storeFailure(err error) error { return &storeError{err: err} }

// applied is what happened to one operation that did not fail.
type applied struct {
	created   *models.CreatedEntity
	conflicts int
	resolved  int
	held      *models.SyncConflict
}

// PerformSync drains due operations in batches until the queue has nothing
// left to offer or the device goes offline. It returns a skipped result
// without doing anything when offline or when another pass is running.
//
// The returned error is non-nil only when the pass was aborted by a
// durable-store failure; the result is still returned and the failure is
// recorded in history.
func (e *Engine) PerformSync(ctx context.Context) (*models.SyncResult, error) {
	if !e.monitor.Online() {
		return &models.SyncResult{Skipped: true, Message: "device is offline"}, nil
	}
	if !e.syncing.CompareAndSwap(false, true) {
		return &models.SyncResult{Skipped: true, Message: "sync already in progress"}, nil
	}
	defer e.syncing.Store(false)

	started := e.now()
	res := &models.SyncResult{StartedAt: started}
	if !e.queue.HasEligible(nil) {
		res.Success = true
		res.Message = "no operations due"
		return res, nil
	}

	e.logger.Info("sync pass started", "queued", e.queue.Len())

	// Operations attempted in this pass are not picked up again by it, so a
	// failure rescheduled with a zero delay cannot spin.
	attempted := make(map[string]bool)
	var passErr error
drain:
	for e.monitor.Online() {
		batch := e.queue.PeekBatch(e.batchSize, attempted)
		if len(batch) == 0 {
			break
		}
		for _, op := range batch {
			if !e.monitor.Online() {
				break drain
			}
			attempted[op.ID] = true
			if err := e.process(ctx, op, res); err != nil {
				passErr = err
				break drain
			}
		}
	}

	res.Duration = e.now().Sub(started)
	entry := &models.SyncHistoryEntry{
		ID:           uuid.NewString(),
		StartedAt:    started,
		Duration:     res.Duration,
		SuccessCount: res.SuccessCount,
		FailureCount: res.FailureCount,
	}
	switch {
	case passErr != nil:
		entry.Status = models.HistoryError
		res.Errors = append(res.Errors, "sync aborted: "+passErr.Error())
	case res.FailureCount == 0:
		entry.Status = models.HistorySuccess
	case res.SuccessCount > 0:
		entry.Status = models.HistoryPartial
	default:
		entry.Status = models.HistoryError
	}
	entry.Errors = res.Errors
	res.Success = entry.Status == models.HistorySuccess
	res.Message = fmt.Sprintf("%d synced, %d failed, %d awaiting manual resolution",
		res.SuccessCount, res.FailureCount, len(res.ManualPending))

	if err := e.backend.AppendHistory(ctx, entry); err != nil {
		e.logger.Error("record sync history", "error", err)
	} else {
		res.HistoryEntryID = entry.ID
	}
	e.updateMetrics(func(m *models.SyncMetrics) { recordPass(m, entry) })

	e.logger.Info("sync pass finished",
		"status", entry.Status, "success_count", res.SuccessCount,
		"failure_count", res.FailureCount, "conflict_count", res.ConflictCount,
		"duration", res.Duration)

	for _, o := range e.observers {
		o.OnSyncComplete(ctx, res)
	}
	if passErr != nil {
		return res, fmt.Errorf("sync pass: %w", passErr)
	}
	return res, nil
}

// process drives one operation from Pending to its outcome. A returned error
// is a store failure that aborts the pass.
func (e *Engine) process(ctx context.Context, op *models.SyncOperation, res *models.SyncResult) error {
	if err := e.queue.MarkProcessing(ctx, op.ID); err != nil {
		return fmt.Errorf("mark processing %s: %w", op.ID, err)
	}
	log := e.logger.With("operation_id", op.ID, "entity_type", op.EntityType,
		"entity_id", op.EntityID, "kind", op.Kind)
	log.Debug("applying operation")

	out, err := e.apply(ctx, op)
	if out != nil {
		res.ConflictCount += out.conflicts
		if out.resolved > 0 {
			e.updateMetrics(func(m *models.SyncMetrics) { m.ConflictsResolved += out.resolved })
		}
	}

	var se *storeError
	if errors.As(err, &se) {
		e.unstick(ctx, op.ID)
		return se.err
	}
	if err != nil {
		return e.fail(ctx, op, err, res)
	}

	if out.held != nil {
		res.ManualPending = append(res.ManualPending, out.held.ID)
		e.updateMetrics(func(m *models.SyncMetrics) { m.PendingConflicts++ })
		log.Warn("conflict parked for manual resolution",
			"conflict_id", out.held.ID, "error", models.ErrManualResolutionRequired)
		for _, o := range e.observers {
			o.OnManualConflict(ctx, out.held)
		}
		return nil
	}

	if err := e.queue.MarkCompleted(ctx, op.ID); err != nil {
		e.unstick(ctx, op.ID)
		return fmt.Errorf("complete %s: %w", op.ID, err)
	}
	res.SuccessCount++
	if out.created != nil {
		res.Created = append(res.Created, *out.created)
	}
	log.Debug("operation synced")
	return nil
}

// fail hands an adapter failure to the retry scheduler.
func (e *Engine) fail(ctx context.Context, op *models.SyncOperation, cause error, res *models.SyncResult) error {
	if !errors.Is(cause, models.ErrAdapterFailure) {
		cause = fmt.Errorf("%w: %w", models.ErrAdapterFailure, cause)
	}
	outcome, err := e.queue.MarkFailed(ctx, op.ID, cause)
	if err != nil {
		e.unstick(ctx, op.ID)
		return err
	}
	res.FailureCount++
	res.Errors = append(res.Errors, fmt.Sprintf("%s %s/%s: %v", op.Kind, op.EntityType, op.EntityID, cause))
	if !outcome.DeadLettered {
		return nil
	}

	res.DeadLettered = append(res.DeadLettered, op.ID)
	e.updateMetrics(func(m *models.SyncMetrics) { m.DeadLettered++ })
	dl := &models.DeadLetter{
		Operation:      outcome.Operation,
		Reason:         fmt.Errorf("%w: %w", models.ErrDeadLettered, cause).Error(),
		DeadLetteredAt: e.now(),
	}
	for _, o := range e.observers {
		o.OnDeadLetter(ctx, dl)
	}
	return nil
}

// unstick returns an operation left Processing by an aborted pass to
// Pending. If the store is down this fails too and Init recovers it later.
func (e *Engine) unstick(ctx context.Context, id string) {
	_, err := e.queue.Update(ctx, id, func(op *models.SyncOperation) {
		if op.Status == models.StatusProcessing {
			op.Status = models.StatusPending
		}
	})
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		e.logger.Error("reset operation after aborted pass", "operation_id", id, "error", err)
	}
}

// apply runs conflict detection and the remote write for op. An update that
// loses a race with another writer between detection and write is detected
// and resolved once more before the failure counts.
func (e *Engine) apply(ctx context.Context, op *models.SyncOperation) (*applied, error) {
	out := &applied{}
	if op.Kind == models.OperationCustom {
		return out, e.applyCustom(ctx, op)
	}

	work := op.Clone()
	for attempt := 1; ; attempt++ {
		if conflict.Applies(work) {
			done, err := e.reconcile(ctx, work, out)
			if err != nil || done {
				return out, err
			}
		}
		created, err := e.write(ctx, work)
		if attempt == 1 && work.Kind == models.OperationUpdate && work.Version() != "" &&
			errors.Is(err, remote.ErrVersionConflict) {
			e.logger.Debug("remote changed during write, detecting again", "operation_id", op.ID)
			continue
		}
		if err != nil {
			return out, err
		}
		out.created = created
		return out, nil
	}
}

// reconcile checks work against the remote and, on conflict, resolves it.
// work is updated in place with the resolved payload and the remote version.
// done reports that nothing is left to write.
func (e *Engine) reconcile(ctx context.Context, work *models.SyncOperation, out *applied) (bool, error) {
	cctx, cancel := e.callContext(ctx, work.IdempotencyKey())
	check, err := e.detector.Check(cctx, work)
	cancel()
	if err != nil {
		return false, err
	}
	if check.Missing {
		// Nothing left to delete. A missing entity for an update is left to
		// the write, which reports it as a failure.
		return work.Kind == models.OperationDelete, nil
	}
	c := check.Conflict
	if c == nil {
		return false, nil
	}
	out.conflicts++

	strategy := e.resolver.SelectStrategy(c)
	resolution, err := e.resolver.Resolve(c, strategy)
	if err != nil {
		return false, err
	}
	e.logger.Info("conflict detected",
		"operation_id", work.ID, "conflict_id", c.ID, "entity_type", c.EntityType,
		"entity_id", c.EntityID, "local_version", c.LocalVersion,
		"remote_version", c.RemoteVersion, "differences", len(c.Differences),
		"strategy", strategy)

	if strategy == models.StrategyManual {
		if err := e.park(ctx, work.ID, c, resolution); err != nil {
			return false, storeFailure(err)
		}
		out.held = c
		return true, nil
	}

	if err := e.backend.SaveResolution(ctx, resolution); err != nil {
		return false, storeFailure(fmt.Errorf("save resolution: %w", err))
	}
	out.resolved++

	if work.Kind == models.OperationDelete && strategy == models.StrategyRemoteWins {
		return true, nil
	}

	work.Payload = resolution.ResolvedPayload.Clone()
	work.SetVersion(c.RemoteVersion)
	// Persist the decision so a failed write retries the resolved payload
	// against the version it was resolved with.
	work.Revise()
	_, err = e.queue.Update(ctx, work.ID, func(op *models.SyncOperation) {
		op.Payload = work.Payload.Clone()
		op.SetVersion(c.RemoteVersion)
		op.Revision = work.Revision
	})
	if err != nil {
		return false, storeFailure(err)
	}
	return false, nil
}

// park records a conflict awaiting a human decision and holds its operation.
func (e *Engine) park(ctx context.Context, opID string, c *models.SyncConflict, pending *models.ConflictResolution) error {
	if err := e.backend.SaveConflict(ctx, c); err != nil {
		return fmt.Errorf("save conflict: %w", err)
	}
	if err := e.backend.SaveResolution(ctx, pending); err != nil {
		return fmt.Errorf("save pending resolution: %w", err)
	}
	return e.queue.Hold(ctx, opID, c.ID)
}

// write performs the remote call matching op's kind.
func (e *Engine) write(ctx context.Context, op *models.SyncOperation) (*models.CreatedEntity, error) {
	ctx, cancel := e.callContext(ctx, op.IdempotencyKey())
	defer cancel()

	switch op.Kind {
	case models.OperationCreate:
		res, err := e.adapter.Create(ctx, op.EntityType, op.EntityID, op.Payload)
		if errors.Is(err, remote.ErrAlreadyExists) && op.EntityID != "" {
			e.logger.Debug("entity already exists, updating instead",
				"operation_id", op.ID, "entity_type", op.EntityType, "entity_id", op.EntityID)
			up, err := e.adapter.Update(ctx, op.EntityType, op.EntityID, op.Payload, "")
			if err != nil {
				return nil, err
			}
			return &models.CreatedEntity{OperationID: op.ID, EntityType: op.EntityType, EntityID: op.EntityID, Version: up.Version}, nil
		}
		if err != nil {
			return nil, err
		}
		return &models.CreatedEntity{OperationID: op.ID, EntityType: op.EntityType, EntityID: res.ID, Version: res.Version}, nil

	case models.OperationUpdate:
		_, err := e.adapter.Update(ctx, op.EntityType, op.EntityID, op.Payload, op.Version())
		return nil, err

	case models.OperationDelete:
		err := e.adapter.Delete(ctx, op.EntityType, op.EntityID)
		if errors.Is(err, remote.ErrNotFound) {
			return nil, nil
		}
		return nil, err

	default:
		return nil, fmt.Errorf("%w: unsupported kind %q", models.ErrInvalidOperation, op.Kind)
	}
}

func (e *Engine) applyCustom(ctx context.Context, op *models.SyncOperation) error {
	ca, ok := e.adapter.(remote.CustomApplier)
	if !ok {
		return fmt.Errorf("custom operation %q: remote adapter does not support custom operations", op.Action)
	}
	ctx, cancel := e.callContext(ctx, op.IdempotencyKey())
	defer cancel()
	return ca.ApplyCustom(ctx, op)
}

// callContext bounds one remote call and tags it with an idempotency key.
func (e *Engine) callContext(ctx context.Context, key string) (context.Context, context.CancelFunc) {
	return context.WithTimeout(remote.WithIdempotencyKey(ctx, key), e.callTimeout)
}
