// Package store provides durable persistence for the sync engine.
// It holds queued operations, dead letters, sync history, conflict resolutions
// and conflicts awaiting manual resolution. Three backends are available:
// an embedded bbolt file (default), SQLite, and PostgreSQL.
package store

import (
	"context"
	"fmt"
	"sort"

	"github.com/isaacmuchunu/offsync/internal/models"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = models.ErrNotFound

// Driver names accepted by Open.
const (
	DriverBolt     = "bbolt"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Backend is the durable store contract. Every mutating call has committed
// to disk when it returns nil.
type Backend interface {
	// Operations
	ListOperations(ctx context.Context, statuses ...models.OperationStatus) ([]*models.SyncOperation, error)
	SaveOperation(ctx context.Context, op *models.SyncOperation) error
	DeleteOperation(ctx context.Context, id string) error
	// ReplaceOperations saves and removes rows in one transaction.
	ReplaceOperations(ctx context.Context, save []*models.SyncOperation, remove []string) error

	// Dead letters
	DeadLetter(ctx context.Context, dl *models.DeadLetter) error
	ListDeadLetters(ctx context.Context) ([]*models.DeadLetter, error)
	GetDeadLetter(ctx context.Context, operationID string) (*models.DeadLetter, error)
	DeleteDeadLetter(ctx context.Context, operationID string) error
	// RequeueDeadLetter removes a dead letter and saves op in one
	// transaction. op may be the requeued operation itself or a pending
	// operation it was folded into.
	RequeueDeadLetter(ctx context.Context, operationID string, op *models.SyncOperation) error

	// History, newest first. A limit <= 0 returns every entry.
	AppendHistory(ctx context.Context, entry *models.SyncHistoryEntry) error
	ListHistory(ctx context.Context, limit int) ([]*models.SyncHistoryEntry, error)

	// Resolution audit log, newest first.
	SaveResolution(ctx context.Context, r *models.ConflictResolution) error
	ListResolutions(ctx context.Context, limit int) ([]*models.ConflictResolution, error)

	// Conflicts parked for manual resolution.
	SaveConflict(ctx context.Context, c *models.SyncConflict) error
	ListConflicts(ctx context.Context) ([]*models.SyncConflict, error)
	GetConflict(ctx context.Context, id string) (*models.SyncConflict, error)
	DeleteConflict(ctx context.Context, id string) error

	Close() error
}

// Options selects and configures a backend.
type Options struct {
	Driver string
	Path   string // bbolt and sqlite file
	DSN    string // postgres connection string
}

// Open opens the backend named by opts.Driver and prepares its schema.
func Open(ctx context.Context, opts Options) (Backend, error) {
	switch opts.Driver {
	case "", DriverBolt:
		s, err := NewBoltStore(opts.Path)
		if err != nil {
			return nil, err
		}
		if err := s.Initialize(); err != nil {
			s.Close()
			return nil, err
		}
		return s, nil
	case DriverSQLite:
		return OpenSQLite(ctx, opts.Path)
	case DriverPostgres:
		return OpenPostgres(ctx, opts.DSN)
	default:
		return nil, fmt.Errorf("unknown store driver %q", opts.Driver)
	}
}

// SortOperations orders operations for draining: priority descending, then
// creation time, then enqueue sequence.
func SortOperations(ops []*models.SyncOperation) {
	sort.SliceStable(ops, func(i, j int) bool {
		a, b := ops[i], ops[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.Seq < b.Seq
	})
}

func statusFilter(statuses []models.OperationStatus) func(models.OperationStatus) bool {
	if len(statuses) == 0 {
		return func(models.OperationStatus) bool { return true }
	}
	set := make(map[models.OperationStatus]bool, len(statuses))
	for _, s := range statuses {
		set[s] = true
	}
	return func(s models.OperationStatus) bool { return set[s] }
}

func sortResolutions(rs []*models.ConflictResolution) {
	sort.SliceStable(rs, func(i, j int) bool {
		if !rs[i].ResolvedAt.Equal(rs[j].ResolvedAt) {
			return rs[i].ResolvedAt.After(rs[j].ResolvedAt)
		}
		return rs[i].ConflictID > rs[j].ConflictID
	})
}

func sortConflicts(cs []*models.SyncConflict) {
	sort.SliceStable(cs, func(i, j int) bool {
		if !cs[i].DetectedAt.Equal(cs[j].DetectedAt) {
			return cs[i].DetectedAt.Before(cs[j].DetectedAt)
		}
		return cs[i].ID < cs[j].ID
	})
}
