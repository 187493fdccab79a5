package server

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/isaacmuchunu/offsync/internal/remote"
	"github.com/isaacmuchunu/offsync/internal/remote/entitystore"
)

// DefaultIdempotencyTTL is how long a create result stays replayable.
const DefaultIdempotencyTTL = 7 * 24 * time.Hour

// PruneResult contains the outcome of an idempotency prune.
type PruneResult = remote.PruneResponse

// PruneIdempotency removes cached create results older than ttl.
func PruneIdempotency(ctx context.Context, store entitystore.EntityStore, ttl time.Duration, now time.Time, logger *slog.Logger) (*PruneResult, error) {
	if ttl <= 0 {
		ttl = DefaultIdempotencyTTL
	}
	result := &PruneResult{Cutoff: now.Add(-ttl).UTC()}

	removed, err := store.PruneIdempotency(ctx, result.Cutoff)
	if err != nil {
		return nil, fmt.Errorf("prune idempotency cache: %w", err)
	}
	result.Removed = removed

	logger.Info("idempotency prune complete",
		"cutoff", result.Cutoff,
		"removed", result.Removed,
	)

	return result, nil
}

// RunPruner prunes the idempotency cache every interval until ctx is done.
func RunPruner(ctx context.Context, store entitystore.EntityStore, ttl, interval time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if _, err := PruneIdempotency(ctx, store, ttl, now, logger); err != nil {
				logger.Warn("idempotency prune failed", "error", err)
			}
		}
	}
}
