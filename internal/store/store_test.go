package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/isaacmuchunu/offsync/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestStore creates a new bbolt store in a temp directory for testing.
func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := NewBoltStore(dbPath)
	require.NoError(t, err)
	require.NoError(t, st.Initialize())
	t.Cleanup(func() { st.Close() })
	return st
}

// forEachBackend runs fn against every available backend. PostgreSQL runs
// only when OFFSYNC_TEST_POSTGRES_DSN is set.
func forEachBackend(t *testing.T, fn func(t *testing.T, b Backend)) {
	t.Run("bbolt", func(t *testing.T) {
		fn(t, newTestStore(t))
	})
	t.Run("sqlite", func(t *testing.T) {
		st, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "test.sqlite"))
		require.NoError(t, err)
		t.Cleanup(func() { st.Close() })
		fn(t, st)
	})
	t.Run("postgres", func(t *testing.T) {
		dsn := os.Getenv("OFFSYNC_TEST_POSTGRES_DSN")
		if dsn == "" {
			t.Skip("OFFSYNC_TEST_POSTGRES_DSN not set")
		}
		ctx := context.Background()
		st, err := OpenPostgres(ctx, dsn)
		require.NoError(t, err)
		for _, table := range []string{"operations", "dead_letters", "history", "resolutions", "manual_conflicts"} {
			_, err := st.DB().ExecContext(ctx, "DELETE FROM "+table)
			require.NoError(t, err)
		}
		t.Cleanup(func() { st.Close() })
		fn(t, st)
	})
}

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testOp(id string, prio models.Priority, created time.Time, seq uint64) *models.SyncOperation {
	return &models.SyncOperation{
		ID:         id,
		Seq:        seq,
		Kind:       models.OperationUpdate,
		EntityType: "patient",
		EntityID:   "p-" + id,
		Payload:    models.Payload{"status": models.String("admitted")},
		Priority:   prio,
		Status:     models.StatusPending,
		CreatedAt:  created,
		Metadata:   map[string]string{"version": "1"},
	}
}

// ==================== Operations ====================

func TestBackend_OperationsDrainOrder(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend) {
		ctx := context.Background()
		require.NoError(t, b.SaveOperation(ctx, testOp("a", models.PriorityNormal, base.Add(2*time.Second), 1)))
		require.NoError(t, b.SaveOperation(ctx, testOp("b", models.PriorityCritical, base.Add(5*time.Second), 2)))
		require.NoError(t, b.SaveOperation(ctx, testOp("c", models.PriorityNormal, base.Add(1*time.Second), 3)))
		require.NoError(t, b.SaveOperation(ctx, testOp("d", models.PriorityNormal, base.Add(1*time.Second), 4)))
		require.NoError(t, b.SaveOperation(ctx, testOp("e", models.PriorityLow, base, 5)))

		ops, err := b.ListOperations(ctx)
		require.NoError(t, err)
		var ids []string
		for _, op := range ops {
			ids = append(ids, op.ID)
		}
		assert.Equal(t, []string{"b", "c", "d", "a", "e"}, ids)
	})
}

func TestBackend_OperationRoundTrip(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend) {
		ctx := context.Background()
		op := testOp("x", models.PriorityHigh, base, 1)
		op.Payload["tags"] = models.List(models.String("a"), models.String("b"))
		op.Payload["count"] = models.Int(3)
		next := base.Add(time.Minute)
		op.NextRetryAt = &next
		op.RetryCount = 2
		require.NoError(t, b.SaveOperation(ctx, op))

		ops, err := b.ListOperations(ctx)
		require.NoError(t, err)
		require.Len(t, ops, 1)
		got := ops[0]
		assert.True(t, op.Payload.Equal(got.Payload))
		assert.Equal(t, "1", got.Version())
		assert.Equal(t, 2, got.RetryCount)
		require.NotNil(t, got.NextRetryAt)
		assert.True(t, next.Equal(*got.NextRetryAt))
	})
}

func TestBackend_ListOperationsByStatus(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend) {
		ctx := context.Background()
		p := testOp("p", models.PriorityNormal, base, 1)
		q := testOp("q", models.PriorityNormal, base, 2)
		q.Status = models.StatusProcessing
		require.NoError(t, b.SaveOperation(ctx, p))
		require.NoError(t, b.SaveOperation(ctx, q))

		pending, err := b.ListOperations(ctx, models.StatusPending)
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, "p", pending[0].ID)

		both, err := b.ListOperations(ctx, models.StatusPending, models.StatusProcessing)
		require.NoError(t, err)
		assert.Len(t, both, 2)
	})
}

func TestBackend_UpdateAndDeleteOperation(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend) {
		ctx := context.Background()
		op := testOp("u", models.PriorityNormal, base, 1)
		require.NoError(t, b.SaveOperation(ctx, op))

		op.Status = models.StatusProcessing
		require.NoError(t, b.SaveOperation(ctx, op))
		ops, err := b.ListOperations(ctx)
		require.NoError(t, err)
		require.Len(t, ops, 1)
		assert.Equal(t, models.StatusProcessing, ops[0].Status)

		require.NoError(t, b.DeleteOperation(ctx, "u"))
		require.NoError(t, b.DeleteOperation(ctx, "u"))
		ops, err = b.ListOperations(ctx)
		require.NoError(t, err)
		assert.Empty(t, ops)
	})
}

func TestBackend_ReplaceOperations(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend) {
		ctx := context.Background()
		require.NoError(t, b.SaveOperation(ctx, testOp("a", models.PriorityNormal, base, 1)))
		require.NoError(t, b.SaveOperation(ctx, testOp("b", models.PriorityNormal, base, 2)))

		merged := testOp("a", models.PriorityHigh, base, 1)
		merged.Payload["extra"] = models.Bool(true)
		require.NoError(t, b.ReplaceOperations(ctx, []*models.SyncOperation{merged}, []string{"b"}))

		ops, err := b.ListOperations(ctx)
		require.NoError(t, err)
		require.Len(t, ops, 1)
		assert.Equal(t, models.PriorityHigh, ops[0].Priority)
		assert.True(t, ops[0].Payload["extra"].Equal(models.Bool(true)))
	})
}

// ==================== Dead letters ====================

func TestBackend_DeadLetterMovesOperation(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend) {
		ctx := context.Background()
		op := testOp("dl", models.PriorityCritical, base, 1)
		require.NoError(t, b.SaveOperation(ctx, op))

		op.Status = models.StatusDeadLettered
		op.RetryCount = 5
		require.NoError(t, b.DeadLetter(ctx, &models.DeadLetter{Operation: op, Reason: "timeout", DeadLetteredAt: base}))

		ops, err := b.ListOperations(ctx)
		require.NoError(t, err)
		assert.Empty(t, ops)

		dls, err := b.ListDeadLetters(ctx)
		require.NoError(t, err)
		require.Len(t, dls, 1)
		assert.Equal(t, "timeout", dls[0].Reason)
		assert.Equal(t, 5, dls[0].Operation.RetryCount)

		got, err := b.GetDeadLetter(ctx, "dl")
		require.NoError(t, err)
		assert.Equal(t, models.StatusDeadLettered, got.Operation.Status)

		require.NoError(t, b.DeleteDeadLetter(ctx, "dl"))
		_, err = b.GetDeadLetter(ctx, "dl")
		assert.ErrorIs(t, err, ErrNotFound)
		assert.ErrorIs(t, b.DeleteDeadLetter(ctx, "dl"), ErrNotFound)
	})
}

func TestBackend_RequeueDeadLetter(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend) {
		ctx := context.Background()
		op := testOp("dl", models.PriorityNormal, base, 1)
		require.NoError(t, b.SaveOperation(ctx, op))
		require.NoError(t, b.DeadLetter(ctx, &models.DeadLetter{Operation: op, Reason: "timeout", DeadLetteredAt: base}))

		back := testOp("dl", models.PriorityNormal, base, 7)
		require.NoError(t, b.RequeueDeadLetter(ctx, "dl", back))

		dls, err := b.ListDeadLetters(ctx)
		require.NoError(t, err)
		assert.Empty(t, dls)
		ops, err := b.ListOperations(ctx)
		require.NoError(t, err)
		require.Len(t, ops, 1)
		assert.Equal(t, uint64(7), ops[0].Seq)

		// A missing dead letter saves nothing.
		err = b.RequeueDeadLetter(ctx, "dl", testOp("other", models.PriorityNormal, base, 8))
		assert.ErrorIs(t, err, ErrNotFound)
		ops, err = b.ListOperations(ctx)
		require.NoError(t, err)
		assert.Len(t, ops, 1)
	})
}

// ==================== History ====================

func TestBackend_HistoryNewestFirst(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend) {
		ctx := context.Background()
		for i := 0; i < 5; i++ {
			require.NoError(t, b.AppendHistory(ctx, &models.SyncHistoryEntry{
				ID:           fmt.Sprintf("h%d", i),
				Status:       models.HistorySuccess,
				StartedAt:    base.Add(time.Duration(i) * time.Minute),
				Duration:     time.Second,
				SuccessCount: i,
			}))
		}

		all, err := b.ListHistory(ctx, 0)
		require.NoError(t, err)
		require.Len(t, all, 5)
		assert.Equal(t, "h4", all[0].ID)
		assert.Equal(t, "h0", all[4].ID)

		limited, err := b.ListHistory(ctx, 2)
		require.NoError(t, err)
		require.Len(t, limited, 2)
		assert.Equal(t, "h4", limited[0].ID)
		assert.Equal(t, "h3", limited[1].ID)
	})
}

// ==================== Resolutions ====================

func TestBackend_ResolutionsUpsert(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend) {
		ctx := context.Background()
		r := &models.ConflictResolution{
			ConflictID: "c1",
			Strategy:   models.StrategyManual,
			ResolvedAt: base,
		}
		require.NoError(t, b.SaveResolution(ctx, r))
		require.NoError(t, b.SaveResolution(ctx, &models.ConflictResolution{
			ConflictID: "c2", Strategy: models.StrategyMerge, ResolvedAt: base.Add(time.Minute), ResolvedBy: models.ResolvedBySystem,
		}))

		r.ResolvedBy = "nurse-7"
		r.ResolvedAt = base.Add(2 * time.Minute)
		require.NoError(t, b.SaveResolution(ctx, r))

		rs, err := b.ListResolutions(ctx, 0)
		require.NoError(t, err)
		require.Len(t, rs, 2)
		assert.Equal(t, "c1", rs[0].ConflictID)
		assert.Equal(t, "nurse-7", rs[0].ResolvedBy)
		assert.False(t, rs[0].Pending())

		one, err := b.ListResolutions(ctx, 1)
		require.NoError(t, err)
		assert.Len(t, one, 1)
	})
}

// ==================== Manual conflicts ====================

func TestBackend_Conflicts(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend) {
		ctx := context.Background()
		c := &models.SyncConflict{
			ID:            "k1",
			OperationID:   "op1",
			EntityType:    "medication",
			EntityID:      "m1",
			RemoteVersion: "4",
			LocalPayload:  models.Payload{"dose": models.Int(5)},
			RemotePayload: models.Payload{"dose": models.Int(10)},
			Differences: []models.FieldDifference{
				{Field: "dose", LocalValue: models.Int(5), RemoteValue: models.Int(10), Kind: models.DifferenceModified},
			},
			DetectedAt: base,
		}
		require.NoError(t, b.SaveConflict(ctx, c))

		got, err := b.GetConflict(ctx, "k1")
		require.NoError(t, err)
		assert.Equal(t, "4", got.RemoteVersion)
		require.Len(t, got.Differences, 1)
		assert.True(t, got.Differences[0].RemoteValue.Equal(models.Int(10)))

		list, err := b.ListConflicts(ctx)
		require.NoError(t, err)
		assert.Len(t, list, 1)

		require.NoError(t, b.DeleteConflict(ctx, "k1"))
		_, err = b.GetConflict(ctx, "k1")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

// ==================== Open / schema ====================

func TestOpen_Drivers(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	b, err := Open(ctx, Options{Driver: DriverBolt, Path: filepath.Join(dir, "a.db")})
	require.NoError(t, err)
	assert.IsType(t, &BoltStore{}, b)
	require.NoError(t, b.Close())

	b, err = Open(ctx, Options{Driver: DriverSQLite, Path: filepath.Join(dir, "b.sqlite")})
	require.NoError(t, err)
	assert.IsType(t, &SQLStore{}, b)
	require.NoError(t, b.Close())

	_, err = Open(ctx, Options{Driver: "redis"})
	assert.Error(t, err)
}

func TestSQLStore_MigrationsIdempotent(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "m.sqlite")

	st, err := OpenSQLite(ctx, path)
	require.NoError(t, err)
	require.NoError(t, st.SaveOperation(ctx, testOp("keep", models.PriorityNormal, base, 1)))
	require.NoError(t, st.Close())

	st, err = OpenSQLite(ctx, path)
	require.NoError(t, err)
	defer st.Close()

	v, err := st.SchemaVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, currentSchemaVersion, v)

	ops, err := st.ListOperations(ctx)
	require.NoError(t, err)
	assert.Len(t, ops, 1)
}

func TestSQLStore_Rebind(t *testing.T) {
	pg := &SQLStore{dialect: dialectPostgres}
	assert.Equal(t, "SELECT a FROM t WHERE x = $1 AND y IN ($2, $3)", pg.rebind("SELECT a FROM t WHERE x = ? AND y IN (?, ?)"))

	lite := &SQLStore{dialect: dialectSQLite}
	assert.Equal(t, "x = ?", lite.rebind("x = ?"))
}
