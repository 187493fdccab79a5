package weaviate

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/isaacmuchunu/offsync/internal/models"
	"github.com/isaacmuchunu/offsync/internal/remote"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassName(t *testing.T) {
	assert.Equal(t, "Patient", ClassName("patient"))
	assert.Equal(t, "Patient", ClassName("Patient"))
	assert.Equal(t, "ÉtatCivil", ClassName("étatCivil"))
	assert.Equal(t, "", ClassName(""))
}

func TestObjectID(t *testing.T) {
	id := uuid.NewString()
	assert.Equal(t, id, ObjectID("patient", id))

	derived := ObjectID("patient", "p-1")
	_, err := uuid.Parse(derived)
	require.NoError(t, err)
	assert.Equal(t, derived, ObjectID("patient", "p-1"))
	assert.NotEqual(t, derived, ObjectID("visit", "p-1"))
}

func TestAdapter_CreateFetch(t *testing.T) {
	ctx := context.Background()
	mock := NewMockClient()
	a := NewAdapter(mock, nil)

	res, err := a.Create(ctx, "patient", "p-1", models.Payload{"name": models.String("Amina"), "age": models.Int(34)})
	require.NoError(t, err)
	assert.Equal(t, "p-1", res.ID)
	assert.NotEmpty(t, res.Version)

	stored, ok := mock.Objects["Patient/"+ObjectID("patient", "p-1")]
	require.True(t, ok)
	assert.Equal(t, "Amina", stored.Properties["name"])

	ent, err := a.Fetch(ctx, "patient", "p-1")
	require.NoError(t, err)
	assert.Equal(t, "p-1", ent.ID)
	assert.Equal(t, res.Version, ent.Version)
	assert.True(t, ent.Payload["name"].Equal(models.String("Amina")))

	_, err = a.Create(ctx, "patient", "p-1", models.Payload{})
	assert.ErrorIs(t, err, remote.ErrAlreadyExists)
}

func TestAdapter_CreateReplaysIdempotencyKey(t *testing.T) {
	mock := NewMockClient()
	a := NewAdapter(mock, nil)
	ctx := remote.WithIdempotencyKey(context.Background(), "op-7")

	first, err := a.Create(ctx, "note", "", models.Payload{"t": models.String("x")})
	require.NoError(t, err)
	second, err := a.Create(ctx, "note", "", models.Payload{"t": models.String("x")})
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.Version, second.Version)
	assert.Len(t, mock.Objects, 1)
}

func TestAdapter_CreateWithoutKeyAssignsID(t *testing.T) {
	a := NewAdapter(NewMockClient(), nil)

	res, err := a.Create(context.Background(), "note", "", models.Payload{})
	require.NoError(t, err)
	_, err = uuid.Parse(res.ID)
	assert.NoError(t, err)
}

func TestAdapter_UpdateCAS(t *testing.T) {
	ctx := context.Background()
	a := NewAdapter(NewMockClient(), nil)

	created, err := a.Create(ctx, "note", "n1", models.Payload{"v": models.Int(1)})
	require.NoError(t, err)

	updated, err := a.Update(ctx, "note", "n1", models.Payload{"v": models.Int(2)}, created.Version)
	require.NoError(t, err)
	assert.NotEqual(t, created.Version, updated.Version)

	_, err = a.Update(ctx, "note", "n1", models.Payload{"v": models.Int(3)}, created.Version)
	assert.ErrorIs(t, err, remote.ErrVersionConflict)

	_, err = a.Update(ctx, "note", "n1", models.Payload{"v": models.Int(4)}, "")
	require.NoError(t, err)

	ent, err := a.Fetch(ctx, "note", "n1")
	require.NoError(t, err)
	assert.True(t, ent.Payload["v"].Equal(models.Int(4)))

	_, err = a.Update(ctx, "note", "ghost", models.Payload{}, "")
	assert.ErrorIs(t, err, remote.ErrNotFound)
}

func TestAdapter_DeleteExists(t *testing.T) {
	ctx := context.Background()
	a := NewAdapter(NewMockClient(), nil)

	_, err := a.Create(ctx, "note", "n1", models.Payload{})
	require.NoError(t, err)

	ok, err := a.Exists(ctx, "note", "n1")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, a.Delete(ctx, "note", "n1"))
	assert.ErrorIs(t, a.Delete(ctx, "note", "n1"), remote.ErrNotFound)

	ok, err = a.Exists(ctx, "note", "n1")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = a.Fetch(ctx, "note", "n1")
	assert.ErrorIs(t, err, remote.ErrNotFound)
}

func TestAdapter_ClientErrorIsNotSentinel(t *testing.T) {
	mock := NewMockClient()
	mock.Err = errors.New("connection refused")
	a := NewAdapter(mock, nil)

	_, err := a.Fetch(context.Background(), "note", "n1")
	require.Error(t, err)
	assert.NotErrorIs(t, err, remote.ErrNotFound)

	_, err = a.Exists(context.Background(), "note", "n1")
	assert.Error(t, err)

	assert.Error(t, a.Ping(context.Background()))
}

func TestAdapter_FetchSeesRemoteEdits(t *testing.T) {
	ctx := context.Background()
	mock := NewMockClient()
	a := NewAdapter(mock, nil)

	created, err := a.Create(ctx, "patient", "p-1", models.Payload{"status": models.String("admitted")})
	require.NoError(t, err)

	// Another writer edits the object directly.
	require.NoError(t, mock.UpdateObject(ctx, &Object{
		ID:         ObjectID("patient", "p-1"),
		Class:      "Patient",
		Properties: map[string]interface{}{"status": "discharged"},
	}))

	ent, err := a.Fetch(ctx, "patient", "p-1")
	require.NoError(t, err)
	assert.NotEqual(t, created.Version, ent.Version)
	assert.True(t, ent.Payload["status"].Equal(models.String("discharged")))
}
