package models

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePayload(t *testing.T) {
	p, err := ParsePayload([]byte(`{"name":"Amina","age":34,"tags":["a","b"],"vitals":{"bp":"120/80"},"gone":null,"ok":true}`))
	require.NoError(t, err)

	assert.Equal(t, []string{"age", "gone", "name", "ok", "tags", "vitals"}, p.Keys())
	assert.True(t, p["name"].Equal(String("Amina")))
	assert.True(t, p["age"].Equal(Int(34)))
	assert.True(t, p["tags"].Equal(List(String("a"), String("b"))))
	assert.True(t, p["gone"].IsNull())
	assert.Equal(t, KindMap, p["vitals"].Kind())

	nested, ok := p["vitals"].AsMap()
	require.True(t, ok)
	assert.True(t, nested["bp"].Equal(String("120/80")))

	empty, err := ParsePayload(nil)
	require.NoError(t, err)
	assert.NotNil(t, empty)

	_, err = ParsePayload([]byte(`[1,2]`))
	assert.Error(t, err)
}

func TestValue_Equal(t *testing.T) {
	assert.True(t, Null().Equal(Null()))
	assert.False(t, Int(1).Equal(String("1")))
	assert.False(t, List(Int(1), Int(2)).Equal(List(Int(2), Int(1))))
	assert.True(t, Map(map[string]Value{"a": Int(1), "b": Bool(true)}).
		Equal(Map(map[string]Value{"b": Bool(true), "a": Int(1)})))
}

func TestValue_JSON(t *testing.T) {
	p := Payload{"n": Number(1.5), "l": List(Int(1)), "m": Map(map[string]Value{"x": Null()})}
	data, err := json.Marshal(p)
	require.NoError(t, err)
	assert.JSONEq(t, `{"n":1.5,"l":[1],"m":{"x":null}}`, string(data))

	var back Payload
	require.NoError(t, json.Unmarshal(data, &back))
	assert.True(t, p.Equal(back))
}

func TestFromInterface(t *testing.T) {
	v, err := FromInterface([]string{"x"})
	require.NoError(t, err)
	assert.True(t, v.Equal(List(String("x"))))

	v, err = FromInterface(int32(7))
	require.NoError(t, err)
	n, ok := v.AsNumber()
	assert.True(t, ok)
	assert.Equal(t, 7.0, n)

	_, err = FromInterface(struct{}{})
	assert.Error(t, err)

	_, err = PayloadFromMap(map[string]interface{}{"bad": make(chan int)})
	assert.Error(t, err)
}

func TestPayload_OverlayClone(t *testing.T) {
	base := Payload{"a": Int(1), "b": Int(2)}
	out := base.Overlay(Payload{"b": Int(3), "c": Int(4)})

	assert.True(t, out.Equal(Payload{"a": Int(1), "b": Int(3), "c": Int(4)}))
	assert.True(t, base["b"].Equal(Int(2)))

	cp := base.Clone()
	cp["a"] = Int(9)
	assert.True(t, base["a"].Equal(Int(1)))
	assert.NotNil(t, Payload(nil).Clone())
}

func TestParseKindAndPriority(t *testing.T) {
	k, err := ParseOperationKind(" Update ")
	require.NoError(t, err)
	assert.Equal(t, OperationUpdate, k)
	_, err = ParseOperationKind("upsert")
	assert.Error(t, err)

	p, err := ParsePriority("critical")
	require.NoError(t, err)
	assert.Equal(t, PriorityCritical, p)
	assert.Equal(t, "high", PriorityHigh.String())
	_, err = ParsePriority("urgent")
	assert.Error(t, err)
}

func TestSyncOperation_Validate(t *testing.T) {
	tests := []struct {
		name string
		op   SyncOperation
		ok   bool
	}{
		{"create without id", SyncOperation{Kind: OperationCreate, EntityType: "note"}, true},
		{"update with id", SyncOperation{Kind: OperationUpdate, EntityType: "note", EntityID: "n1"}, true},
		{"unknown kind", SyncOperation{Kind: "upsert", EntityType: "note"}, false},
		{"missing type", SyncOperation{Kind: OperationCreate}, false},
		{"update without id", SyncOperation{Kind: OperationUpdate, EntityType: "note"}, false},
		{"delete without id", SyncOperation{Kind: OperationDelete, EntityType: "note"}, false},
		{"custom without action", SyncOperation{Kind: OperationCustom, EntityType: "note"}, false},
		{"priority out of range", SyncOperation{Kind: OperationCreate, EntityType: "note", Priority: 9}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.op.Validate()
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			assert.True(t, errors.Is(err, ErrInvalidOperation))
		})
	}
}

func TestSyncOperation_VersionAndKey(t *testing.T) {
	op := &SyncOperation{ID: "op1", Kind: OperationCreate, EntityType: "note"}
	assert.Equal(t, "note/#op1", op.EntityKey())
	assert.Equal(t, "", op.Version())

	op.SetVersion("7")
	assert.Equal(t, "7", op.Version())

	cp := op.Clone()
	cp.SetVersion("")
	assert.Equal(t, "7", op.Version())
	assert.Equal(t, "", cp.Version())

	op.EntityID = "n1"
	assert.Equal(t, "note/n1", op.EntityKey())
}
