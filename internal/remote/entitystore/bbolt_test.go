package entitystore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/isaacmuchunu/offsync/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *BboltStore {
	t.Helper()
	s, err := NewBboltStore(filepath.Join(t.TempDir(), "entities.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestBboltStore_CreateGet(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	rec, err := s.Create(ctx, "patient", "p1", models.Payload{"name": models.String("Amina")}, "")
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.Version)

	got, err := s.Get(ctx, "patient", "p1")
	require.NoError(t, err)
	assert.True(t, got.Payload["name"].Equal(models.String("Amina")))
	assert.Equal(t, "1", got.Entity().Version)

	_, err = s.Create(ctx, "patient", "p1", models.Payload{}, "")
	assert.ErrorIs(t, err, ErrAlreadyExists)

	_, err = s.Get(ctx, "patient", "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBboltStore_CreateAssignsID(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	rec, err := s.Create(ctx, "note", "", models.Payload{}, "")
	require.NoError(t, err)
	assert.NotEmpty(t, rec.ID)
}

func TestBboltStore_CreateIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	first, err := s.Create(ctx, "note", "", models.Payload{"t": models.String("a")}, "op-1")
	require.NoError(t, err)
	second, err := s.Create(ctx, "note", "", models.Payload{"t": models.String("a")}, "op-1")
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestBboltStore_UpdateCAS(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	_, err := s.Create(ctx, "note", "n1", models.Payload{}, "")
	require.NoError(t, err)

	rec, err := s.Update(ctx, "note", "n1", models.Payload{"v": models.Int(2)}, "1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), rec.Version)

	_, err = s.Update(ctx, "note", "n1", models.Payload{}, "1")
	assert.ErrorIs(t, err, ErrVersionConflict)

	// An empty expected version is unconditional.
	rec, err = s.Update(ctx, "note", "n1", models.Payload{"v": models.Int(3)}, "")
	require.NoError(t, err)
	assert.Equal(t, int64(3), rec.Version)

	_, err = s.Update(ctx, "note", "missing", models.Payload{}, "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBboltStore_Delete(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	_, err := s.Create(ctx, "note", "n1", models.Payload{}, "")
	require.NoError(t, err)

	require.NoError(t, s.Delete(ctx, "note", "n1"))
	assert.ErrorIs(t, s.Delete(ctx, "note", "n1"), ErrNotFound)
}

func TestBboltStore_ListByType(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	for _, id := range []string{"b", "a"} {
		_, err := s.Create(ctx, "note", id, models.Payload{}, "")
		require.NoError(t, err)
	}
	_, err := s.Create(ctx, "notebook", "x", models.Payload{}, "")
	require.NoError(t, err)

	recs, err := s.List(ctx, "note")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "a", recs[0].ID)
	assert.Equal(t, "b", recs[1].ID)
}

func TestBboltStore_PruneIdempotency(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return base }

	_, err := s.Create(ctx, "note", "n1", models.Payload{}, "old")
	require.NoError(t, err)
	s.now = func() time.Time { return base.Add(48 * time.Hour) }
	_, err = s.Create(ctx, "note", "n2", models.Payload{}, "new")
	require.NoError(t, err)

	removed, err := s.PruneIdempotency(ctx, base.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	// The pruned key no longer replays: the id is taken now.
	_, err = s.Create(ctx, "note", "n1", models.Payload{}, "old")
	assert.ErrorIs(t, err, ErrAlreadyExists)
	rec, err := s.Create(ctx, "note", "n2", models.Payload{}, "new")
	require.NoError(t, err)
	assert.Equal(t, "n2", rec.ID)
}
