package conflict

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/isaacmuchunu/offsync/internal/models"
	"github.com/isaacmuchunu/offsync/internal/remote"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = func() time.Time { return time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC) }

func strs(ss ...string) models.Value {
	items := make([]models.Value, len(ss))
	for i, s := range ss {
		items[i] = models.String(s)
	}
	return models.List(items...)
}

func versioned(kind models.OperationKind, entityType, id, version string, p models.Payload) *models.SyncOperation {
	op := &models.SyncOperation{ID: "op-1", Kind: kind, EntityType: entityType, EntityID: id, Payload: p}
	op.SetVersion(version)
	return op
}

// ==================== Diff ====================

func TestDiff_Kinds(t *testing.T) {
	local := models.Payload{"a": models.Int(1), "b": models.String("x"), "same": models.Bool(true)}
	remote := models.Payload{"b": models.String("y"), "c": models.Null(), "same": models.Bool(true)}

	diffs := Diff(local, remote)
	require.Len(t, diffs, 3)

	assert.Equal(t, "a", diffs[0].Field)
	assert.Equal(t, models.DifferenceAdded, diffs[0].Kind)
	assert.Equal(t, "b", diffs[1].Field)
	assert.Equal(t, models.DifferenceModified, diffs[1].Kind)
	assert.True(t, diffs[1].RemoteValue.Equal(models.String("y")))
	assert.Equal(t, "c", diffs[2].Field)
	assert.Equal(t, models.DifferenceRemoved, diffs[2].Kind)
}

func TestDiff_NestedEquality(t *testing.T) {
	local := models.Payload{"addr": models.Map(map[string]models.Value{"city": models.String("Nairobi")})}
	remote := models.Payload{"addr": models.Map(map[string]models.Value{"city": models.String("Nairobi")})}
	assert.Empty(t, Diff(local, remote))
}

// ==================== Detector ====================

func TestDetector_NoVersionPassesThrough(t *testing.T) {
	mem := remote.NewMemoryAdapter()
	d := NewDetector(mem, fixedNow)

	op := versioned(models.OperationUpdate, "patient", "p1", "", models.Payload{})
	res, err := d.Check(context.Background(), op)
	require.NoError(t, err)
	assert.Nil(t, res.Conflict)
	assert.Equal(t, 0, mem.CallCount("fetch"))

	create := versioned(models.OperationCreate, "patient", "p1", "3", models.Payload{})
	ok, err := d.HasConflict(context.Background(), create)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDetector_MatchingVersion(t *testing.T) {
	mem := remote.NewMemoryAdapter()
	v := mem.Put("patient", "p1", models.Payload{"status": models.String("admitted")})
	d := NewDetector(mem, fixedNow)

	res, err := d.Check(context.Background(), versioned(models.OperationUpdate, "patient", "p1", v, models.Payload{}))
	require.NoError(t, err)
	assert.Nil(t, res.Conflict)
	require.NotNil(t, res.Remote)
	assert.Equal(t, v, res.Remote.Version)
}

func TestDetector_Mismatch(t *testing.T) {
	mem := remote.NewMemoryAdapter()
	mem.Put("patient", "p1", models.Payload{"status": models.String("admitted")})
	mem.Put("patient", "p1", models.Payload{"status": models.String("discharged")})
	d := NewDetector(mem, fixedNow)

	op := versioned(models.OperationUpdate, "patient", "p1", "1", models.Payload{"status": models.String("admitted")})
	c, err := d.Detect(context.Background(), op)
	require.NoError(t, err)
	require.NotNil(t, c)

	assert.NotEmpty(t, c.ID)
	assert.Equal(t, "op-1", c.OperationID)
	assert.Equal(t, "1", c.LocalVersion)
	assert.Equal(t, "2", c.RemoteVersion)
	assert.Equal(t, fixedNow(), c.DetectedAt)
	require.Len(t, c.Differences, 1)
	assert.Equal(t, "status", c.Differences[0].Field)
	assert.Equal(t, 1, mem.CallCount("fetch"))
}

func TestDetector_Missing(t *testing.T) {
	d := NewDetector(remote.NewMemoryAdapter(), fixedNow)
	res, err := d.Check(context.Background(), versioned(models.OperationDelete, "patient", "gone", "4", nil))
	require.NoError(t, err)
	assert.True(t, res.Missing)
	assert.Nil(t, res.Conflict)
}

func TestDetector_FetchError(t *testing.T) {
	mem := remote.NewMemoryAdapter()
	mem.Fail = func(string, string, string) error { return errors.New("network down") }
	d := NewDetector(mem, fixedNow)

	_, err := d.Check(context.Background(), versioned(models.OperationUpdate, "patient", "p1", "1", nil))
	assert.ErrorContains(t, err, "network down")
}

// ==================== Strategy selection ====================

func conflictWith(entityType string, diffs ...string) *models.SyncConflict {
	c := &models.SyncConflict{ID: "c1", EntityType: entityType, EntityID: "e1"}
	for _, f := range diffs {
		c.Differences = append(c.Differences, models.FieldDifference{Field: f, Kind: models.DifferenceModified})
	}
	return c
}

func TestSelectStrategy(t *testing.T) {
	r := NewResolver(Policy{CriticalEntityTypes: []string{"medication", "diagnosis"}}, nil, fixedNow)

	tests := []struct {
		name     string
		conflict *models.SyncConflict
		want     models.ConflictStrategy
	}{
		{"critical type", conflictWith("medication", "dose"), models.StrategyManual},
		{"critical beats timestamp", conflictWith("diagnosis", "updatedAt"), models.StrategyManual},
		{"single camel timestamp", conflictWith("patient", "updatedAt"), models.StrategyRemoteWins},
		{"single snake timestamp", conflictWith("patient", "last_seen_at"), models.StrategyRemoteWins},
		{"single date", conflictWith("patient", "admissionDate"), models.StrategyRemoteWins},
		{"single plain field", conflictWith("patient", "status"), models.StrategyMerge},
		{"two with timestamp", conflictWith("patient", "status", "updatedAt"), models.StrategyMerge},
		{"three fields", conflictWith("patient", "a", "b", "c"), models.StrategyMerge},
		{"four fields", conflictWith("patient", "a", "b", "c", "d"), models.StrategyLocalWins},
		{"no differences", conflictWith("patient"), models.StrategyMerge},
		{"format is not a timestamp", conflictWith("patient", "format"), models.StrategyMerge},
		{"candidate is not a timestamp", conflictWith("patient", "candidate"), models.StrategyMerge},
		{"validated is not a timestamp", conflictWith("patient", "validated"), models.StrategyMerge},
		{"lifetime is not a timestamp", conflictWith("patient", "lifetime"), models.StrategyMerge},
		{"updater is not a timestamp", conflictWith("patient", "updater"), models.StrategyMerge},
		{"snake time suffix", conflictWith("patient", "event_time"), models.StrategyRemoteWins},
		{"bare timestamp", conflictWith("patient", "Timestamp"), models.StrategyRemoteWins},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, r.SelectStrategy(tt.conflict))
		})
	}
}

func TestDefaultTimestampPattern(t *testing.T) {
	re := regexp.MustCompile(DefaultTimestampPattern)
	for _, name := range []string{"updated_at", "updatedAt", "admissionDate", "lastModifiedTime",
		"eventTimestamp", "date", "TIME", "visit_datetime"} {
		assert.True(t, re.MatchString(name), name)
	}
	for _, name := range []string{"candidate", "validated", "lifetime", "updater", "format",
		"status", "datestamp", "runtime", "dateOfBirthNote"} {
		assert.False(t, re.MatchString(name), name)
	}
}

func TestSelectStrategy_Deterministic(t *testing.T) {
	r := NewResolver(DefaultPolicy(), nil, fixedNow)
	c := conflictWith("patient", "a", "b")
	first := r.SelectStrategy(c)
	for i := 0; i < 100; i++ {
		assert.Equal(t, first, r.SelectStrategy(c))
	}
}

func TestSelectStrategy_TunablePolicy(t *testing.T) {
	r := NewResolver(Policy{
		MergeFieldLimit:  1,
		TimestampPattern: regexp.MustCompile(`^ts$`),
		Overrides:        map[string]models.ConflictStrategy{"note": models.StrategyCustom},
	}, nil, fixedNow)

	assert.Equal(t, models.StrategyLocalWins, r.SelectStrategy(conflictWith("patient", "a", "b")))
	assert.Equal(t, models.StrategyMerge, r.SelectStrategy(conflictWith("patient", "updatedAt")))
	assert.Equal(t, models.StrategyRemoteWins, r.SelectStrategy(conflictWith("patient", "ts")))
	assert.Equal(t, models.StrategyCustom, r.SelectStrategy(conflictWith("note", "a", "b", "c", "d")))
}

// ==================== Resolve ====================

func TestResolve_Strategies(t *testing.T) {
	r := NewResolver(DefaultPolicy(), nil, fixedNow)
	c := &models.SyncConflict{
		ID:            "c1",
		LocalPayload:  models.Payload{"a": models.Int(1)},
		RemotePayload: models.Payload{"a": models.Int(2), "b": models.Int(3)},
	}

	local, err := r.Resolve(c, models.StrategyLocalWins)
	require.NoError(t, err)
	assert.True(t, local.ResolvedPayload.Equal(c.LocalPayload))
	assert.Equal(t, models.ResolvedBySystem, local.ResolvedBy)

	rem, err := r.Resolve(c, models.StrategyRemoteWins)
	require.NoError(t, err)
	assert.True(t, rem.ResolvedPayload.Equal(c.RemotePayload))

	manual, err := r.Resolve(c, models.StrategyManual)
	require.NoError(t, err)
	assert.True(t, manual.ResolvedPayload.Equal(c.LocalPayload))
	assert.Empty(t, manual.ResolvedBy)
	assert.True(t, manual.Pending())

	custom, err := r.Resolve(c, models.StrategyCustom)
	require.NoError(t, err)
	assert.True(t, custom.ResolvedPayload.Equal(c.LocalPayload))

	_, err = r.Resolve(c, "coin_flip")
	assert.Error(t, err)
}

func TestResolve_CustomFunc(t *testing.T) {
	r := NewResolver(DefaultPolicy(), func(c *models.SyncConflict) (models.Payload, error) {
		return models.Payload{"picked": models.String(c.RemoteVersion)}, nil
	}, fixedNow)

	res, err := r.Resolve(&models.SyncConflict{ID: "c", RemoteVersion: "9"}, models.StrategyCustom)
	require.NoError(t, err)
	assert.True(t, res.ResolvedPayload["picked"].Equal(models.String("9")))

	failing := NewResolver(DefaultPolicy(), func(*models.SyncConflict) (models.Payload, error) {
		return nil, errors.New("no rule")
	}, fixedNow)
	_, err = failing.Resolve(&models.SyncConflict{ID: "c"}, models.StrategyCustom)
	assert.ErrorContains(t, err, "no rule")
}

// ==================== Merge rules ====================

func TestMerge_ListUnion(t *testing.T) {
	r := NewResolver(DefaultPolicy(), nil, fixedNow)
	got := r.Merge(models.Payload{"tags": strs("a", "b")}, models.Payload{"tags": strs("b", "c")})
	assert.True(t, got["tags"].Equal(strs("a", "b", "c")))

	items, _ := got["tags"].AsList()
	assert.Len(t, items, 3)
}

func TestMerge_LaterTimestamp(t *testing.T) {
	r := NewResolver(DefaultPolicy(), nil, fixedNow)

	got := r.Merge(
		models.Payload{"updatedAt": models.String("2026-04-01T10:00:00Z")},
		models.Payload{"updatedAt": models.String("2026-03-01T10:00:00Z")},
	)
	assert.True(t, got["updatedAt"].Equal(models.String("2026-04-01T10:00:00Z")))

	got = r.Merge(
		models.Payload{"updated_at": models.Int(1700000000000)},
		models.Payload{"updated_at": models.Int(1800000000000)},
	)
	assert.True(t, got["updated_at"].Equal(models.Int(1800000000000)))

	got = r.Merge(
		models.Payload{"visitDate": models.String("2026-01-02")},
		models.Payload{"visitDate": models.String("2025-12-30")},
	)
	assert.True(t, got["visitDate"].Equal(models.String("2026-01-02")))
}

func TestMerge_UnparseableTimestampFallsBack(t *testing.T) {
	r := NewResolver(DefaultPolicy(), nil, fixedNow)
	got := r.Merge(
		models.Payload{"updatedAt": models.String("yesterday")},
		models.Payload{"updatedAt": models.String("2026-03-01T10:00:00Z")},
	)
	assert.True(t, got["updatedAt"].Equal(models.String("2026-03-01T10:00:00Z")))
}

func TestMerge_CountMaximum(t *testing.T) {
	r := NewResolver(DefaultPolicy(), nil, fixedNow)
	got := r.Merge(
		models.Payload{"visitCount": models.Int(7), "stockQuantity": models.Int(2)},
		models.Payload{"visitCount": models.Int(5), "stockQuantity": models.Int(9)},
	)
	assert.True(t, got["visitCount"].Equal(models.Int(7)))
	assert.True(t, got["stockQuantity"].Equal(models.Int(9)))
}

func TestMerge_OneSidedAndDefault(t *testing.T) {
	local := models.Payload{"status": models.String("admitted"), "note": models.String("local only")}
	remote := models.Payload{"status": models.String("discharged"), "ward": models.String("B")}

	r := NewResolver(DefaultPolicy(), nil, fixedNow)
	got := r.Merge(local, remote)
	assert.True(t, got["note"].Equal(models.String("local only")))
	assert.True(t, got["ward"].Equal(models.String("B")))
	assert.True(t, got["status"].Equal(models.String("discharged")))

	p := DefaultPolicy()
	p.MergeDefault = SideLocal
	got = NewResolver(p, nil, fixedNow).Merge(local, remote)
	assert.True(t, got["status"].Equal(models.String("admitted")))
}

func TestMerge_DoesNotMutateInputs(t *testing.T) {
	r := NewResolver(DefaultPolicy(), nil, fixedNow)
	local := models.Payload{"a": models.Int(1)}
	remote := models.Payload{"b": models.Int(2)}
	r.Merge(local, remote)
	assert.Len(t, local, 1)
	assert.Len(t, remote, 1)
}

// A patient status edited offline while the remote moved on: one plain
// differing field resolves by merge, and the local value survives when the
// deployment prefers local edits.
func TestScenario_PatientStatus(t *testing.T) {
	mem := remote.NewMemoryAdapter()
	mem.Put("patient", "patient_1", models.Payload{"status": models.String("admitted")})
	mem.Put("patient", "patient_1", models.Payload{"status": models.String("discharged")})

	op := versioned(models.OperationUpdate, "patient", "patient_1", "1", models.Payload{"status": models.String("admitted")})
	c, err := NewDetector(mem, fixedNow).Detect(context.Background(), op)
	require.NoError(t, err)
	require.NotNil(t, c)
	require.Len(t, c.Differences, 1)

	p := DefaultPolicy()
	p.MergeDefault = SideLocal
	r := NewResolver(p, nil, fixedNow)

	strategy := r.SelectStrategy(c)
	assert.Equal(t, models.StrategyMerge, strategy)

	res, err := r.Resolve(c, strategy)
	require.NoError(t, err)
	assert.True(t, res.ResolvedPayload.Equal(models.Payload{"status": models.String("admitted")}))
}
