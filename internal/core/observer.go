package core

import (
	"context"

	"github.com/isaacmuchunu/offsync/internal/models"
)

// Observer is notified of sync outcomes. Calls are made synchronously from
// the sync pass, so implementations should hand off slow work.
type Observer interface {
	OnSyncComplete(ctx context.Context, res *models.SyncResult)
	OnDeadLetter(ctx context.Context, dl *models.DeadLetter)
	OnManualConflict(ctx context.Context, c *models.SyncConflict)
}

// ObserverFuncs adapts plain functions to Observer. Nil fields are skipped.
type ObserverFuncs struct {
	SyncComplete   func(ctx context.Context, res *models.SyncResult)
	DeadLetter     func(ctx context.Context, dl *models.DeadLetter)
	ManualConflict func(ctx context.Context, c *models.SyncConflict)
}

func (f ObserverFuncs) OnSyncComplete(ctx context.Context, res *models.SyncResult) {
	if f.SyncComplete != nil {
		f.SyncComplete(ctx, res)
	}
}

func (f ObserverFuncs) OnDeadLetter(ctx context.Context, dl *models.DeadLetter) {
	if f.DeadLetter != nil {
		f.DeadLetter(ctx, dl)
	}
}

func (f ObserverFuncs) OnManualConflict(ctx context.Context, c *models.SyncConflict) {
	if f.ManualConflict != nil {
		f.ManualConflict(ctx, c)
	}
}
