package queue

import (
	"testing"
	"time"

	"github.com/isaacmuchunu/offsync/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seqOp(seq uint64, kind models.OperationKind, fields models.Payload) *models.SyncOperation {
	return &models.SyncOperation{
		ID:         "op-" + string(rune('a'+seq)),
		Seq:        seq,
		Kind:       kind,
		EntityType: "patient",
		EntityID:   "p1",
		Payload:    fields,
		Priority:   models.PriorityNormal,
		Status:     models.StatusPending,
		CreatedAt:  time.Date(2026, 1, 1, 0, 0, int(seq), 0, time.UTC),
	}
}

func TestMerge_CreateThenUpdate(t *testing.T) {
	c := seqOp(1, models.OperationCreate, models.Payload{"name": models.String("Ann")})
	u := seqOp(2, models.OperationUpdate, models.Payload{"a": models.Int(1)})

	got := Merge(c, u)
	assert.Equal(t, models.OperationCreate, got.Kind)
	assert.Equal(t, c.ID, got.ID)
	assert.True(t, got.Payload.Equal(models.Payload{"name": models.String("Ann"), "a": models.Int(1)}))
}

func TestMerge_NewRevisionPerFold(t *testing.T) {
	c := seqOp(1, models.OperationCreate, models.Payload{"name": models.String("Ann")})
	c.RetryCount = 1

	once := Merge(c, seqOp(2, models.OperationUpdate, models.Payload{"a": models.Int(1)}))
	twice := Merge(once, seqOp(3, models.OperationUpdate, models.Payload{"a": models.Int(2)}))

	assert.Equal(t, 1, once.Revision)
	assert.Equal(t, 2, twice.Revision)
	assert.Equal(t, 1, twice.RetryCount)
	assert.Equal(t, c.ID, twice.ID)
	assert.NotEqual(t, c.IdempotencyKey(), once.IdempotencyKey())
	assert.NotEqual(t, once.IdempotencyKey(), twice.IdempotencyKey())
}

func TestMerge_UpdateThenUpdate(t *testing.T) {
	u1 := seqOp(1, models.OperationUpdate, models.Payload{"a": models.Int(1)})
	u2 := seqOp(2, models.OperationUpdate, models.Payload{"a": models.Int(2), "b": models.Int(3)})

	got := Merge(u1, u2)
	assert.Equal(t, models.OperationUpdate, got.Kind)
	assert.True(t, got.Payload.Equal(models.Payload{"a": models.Int(2), "b": models.Int(3)}))
	assert.Equal(t, u2.CreatedAt, got.CreatedAt)
	assert.Equal(t, u1.ID, got.ID)
}

func TestMerge_DeleteAbsorbs(t *testing.T) {
	kinds := []models.OperationKind{models.OperationCreate, models.OperationUpdate, models.OperationDelete}
	for _, k := range kinds {
		del := seqOp(1, models.OperationDelete, nil)
		other := seqOp(2, k, models.Payload{"x": models.Int(1)})
		assert.Equal(t, models.OperationDelete, Merge(del, other).Kind, "delete then %s", k)

		other = seqOp(1, k, models.Payload{"x": models.Int(1)})
		del = seqOp(2, models.OperationDelete, nil)
		assert.Equal(t, models.OperationDelete, Merge(other, del).Kind, "%s then delete", k)
	}
}

func TestMerge_OtherwiseLaterReplaces(t *testing.T) {
	u := seqOp(1, models.OperationUpdate, models.Payload{"a": models.Int(1)})
	c := seqOp(2, models.OperationCreate, models.Payload{"b": models.Int(2)})

	got := Merge(u, c)
	assert.Equal(t, models.OperationCreate, got.Kind)
	assert.True(t, got.Payload.Equal(models.Payload{"b": models.Int(2)}))
	assert.Equal(t, u.ID, got.ID)
}

func TestMerge_PriorityAndVersion(t *testing.T) {
	u1 := seqOp(1, models.OperationUpdate, nil)
	u1.Metadata = map[string]string{"version": "3", "source": "tablet"}
	u2 := seqOp(2, models.OperationUpdate, nil)
	u2.Priority = models.PriorityCritical
	u2.Metadata = map[string]string{"version": "4", "source": "phone"}

	got := Merge(u1, u2)
	assert.Equal(t, models.PriorityCritical, got.Priority)
	assert.Equal(t, "3", got.Version())
	assert.Equal(t, "phone", got.Metadata["source"])

	u1.Metadata = nil
	assert.Equal(t, "4", Merge(u1, u2).Version())
}

func TestMerge_DoesNotMutateInputs(t *testing.T) {
	u1 := seqOp(1, models.OperationUpdate, models.Payload{"a": models.Int(1)})
	u2 := seqOp(2, models.OperationUpdate, models.Payload{"a": models.Int(2)})
	Merge(u1, u2)
	assert.True(t, u1.Payload["a"].Equal(models.Int(1)))
	assert.True(t, u2.Payload["a"].Equal(models.Int(2)))
}

func TestCompact_AnyDeleteYieldsDelete(t *testing.T) {
	seqs := [][]models.OperationKind{
		{models.OperationCreate, models.OperationUpdate, models.OperationDelete},
		{models.OperationDelete, models.OperationUpdate, models.OperationUpdate},
		{models.OperationUpdate, models.OperationDelete, models.OperationCreate},
		{models.OperationUpdate, models.OperationUpdate, models.OperationDelete, models.OperationUpdate},
	}
	for _, kinds := range seqs {
		var ops []*models.SyncOperation
		for i, k := range kinds {
			ops = append(ops, seqOp(uint64(i+1), k, models.Payload{"i": models.Int(int64(i))}))
		}
		merged, removed := Compact(ops)
		require.Len(t, merged, 1)
		assert.Len(t, removed, len(kinds)-1)
		assert.Equal(t, models.OperationDelete, merged[0].Kind, "%v", kinds)
	}
}

func TestCompact_FoldsInArrivalOrder(t *testing.T) {
	a := seqOp(1, models.OperationCreate, models.Payload{"a": models.Int(1)})
	b := seqOp(2, models.OperationUpdate, models.Payload{"a": models.Int(2), "b": models.Int(1)})
	c := seqOp(3, models.OperationUpdate, models.Payload{"b": models.Int(5), "c": models.Int(7)})

	// Input order must not matter; Seq decides.
	merged, removed := Compact([]*models.SyncOperation{c, a, b})
	require.Len(t, merged, 1)
	assert.ElementsMatch(t, []string{b.ID, c.ID}, removed)

	pairwise := Merge(Merge(a, b), c)
	assert.Equal(t, pairwise.Kind, merged[0].Kind)
	assert.True(t, pairwise.Payload.Equal(merged[0].Payload))
	assert.True(t, merged[0].Payload.Equal(models.Payload{"a": models.Int(2), "b": models.Int(5), "c": models.Int(7)}))
}

func TestCompact_Deterministic(t *testing.T) {
	build := func() []*models.SyncOperation {
		return []*models.SyncOperation{
			seqOp(1, models.OperationUpdate, models.Payload{"a": models.Int(1)}),
			seqOp(2, models.OperationUpdate, models.Payload{"a": models.Int(2)}),
			seqOp(3, models.OperationUpdate, models.Payload{"b": models.Int(3)}),
		}
	}
	m1, r1 := Compact(build())
	m2, r2 := Compact(build())
	assert.Equal(t, r1, r2)
	assert.True(t, m1[0].Payload.Equal(m2[0].Payload))
}

func TestCompact_LeavesIneligibleAlone(t *testing.T) {
	inflight := seqOp(1, models.OperationUpdate, nil)
	inflight.Status = models.StatusProcessing
	held := seqOp(2, models.OperationUpdate, nil)
	held.HeldBy = "k1"
	custom := seqOp(3, models.OperationCustom, nil)
	custom.Action = "recalc"
	pending := seqOp(4, models.OperationUpdate, nil)
	anon := seqOp(5, models.OperationCreate, nil)
	anon.EntityID = ""
	anon2 := seqOp(6, models.OperationCreate, nil)
	anon2.EntityID = ""

	merged, removed := Compact([]*models.SyncOperation{inflight, held, custom, pending, anon, anon2})
	assert.Empty(t, merged)
	assert.Empty(t, removed)
}

func TestCompact_SeparateEntities(t *testing.T) {
	a1 := seqOp(1, models.OperationUpdate, models.Payload{"x": models.Int(1)})
	b1 := seqOp(2, models.OperationUpdate, models.Payload{"x": models.Int(2)})
	b1.EntityID = "p2"
	a2 := seqOp(3, models.OperationUpdate, models.Payload{"y": models.Int(3)})

	merged, removed := Compact([]*models.SyncOperation{a1, b1, a2})
	require.Len(t, merged, 1)
	assert.Equal(t, []string{a2.ID}, removed)
	assert.Equal(t, "p1", merged[0].EntityID)
}
