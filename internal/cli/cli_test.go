package cli

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/isaacmuchunu/offsync/internal/config"
	"github.com/isaacmuchunu/offsync/internal/models"
	"github.com/isaacmuchunu/offsync/internal/queue"
	"github.com/isaacmuchunu/offsync/internal/remote"
	"github.com/isaacmuchunu/offsync/internal/store"
	"github.com/isaacmuchunu/offsync/internal/weaviate"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildAdapter_HTTP(t *testing.T) {
	cfg := config.Default()
	cfg.Remote.URL = "http://localhost:8780"
	cfg.Remote.DeviceID = "tablet-7"
	cfg.Remote.JWTSecret = "s3cret"

	a, err := buildAdapter(cfg, nil)
	require.NoError(t, err)

	ra, ok := a.(*remote.RetryAdapter)
	require.True(t, ok)
	_, ok = ra.Unwrap().(*remote.HTTPClient)
	assert.True(t, ok)
	_, ok = a.(remote.Pinger)
	assert.True(t, ok)
}

func TestBuildAdapter_Weaviate(t *testing.T) {
	cfg := config.Default()
	cfg.Remote.Kind = config.RemoteWeaviate
	cfg.Remote.URL = "http://localhost:8080"

	a, err := buildAdapter(cfg, nil)
	require.NoError(t, err)

	ra, ok := a.(*remote.RetryAdapter)
	require.True(t, ok)
	_, ok = ra.Unwrap().(*weaviate.Adapter)
	assert.True(t, ok)
}

func TestBuildAdapter_NoURL(t *testing.T) {
	_, err := buildAdapter(config.Default(), nil)
	assert.Error(t, err)
}

func TestMatchID(t *testing.T) {
	ids := []string{"3f2a9c", "3f2b10", "a1"}
	assert.Equal(t, "3f2a9c", matchID("3f2a", ids, "dead letter"))
	assert.Equal(t, "a1", matchID("a1", ids, "dead letter"))
	assert.Equal(t, "3f2b10", matchID("3f2b10", ids, "dead letter"))
	assert.Equal(t, "3f2b10", matchID("b10", ids, "dead letter"))
}

func TestShortID(t *testing.T) {
	assert.Equal(t, "b113705e9a1c", shortID("01a1549f-b113-705e-8c2d-b113705e9a1c"))
	assert.Equal(t, "abc", shortID("abc"))
}

func TestShortID_DistinctForBackToBackOperations(t *testing.T) {
	backend, err := store.NewBoltStore(filepath.Join(t.TempDir(), "offsync.db"))
	require.NoError(t, err)
	require.NoError(t, backend.Initialize())
	t.Cleanup(func() { backend.Close() })

	q := queue.New(backend, queue.Options{Capacity: 10})
	ctx := context.Background()
	var ids []string
	for _, entity := range []string{"p1", "p2", "p3"} {
		id, err := q.Enqueue(ctx, &models.SyncOperation{
			Kind:       models.OperationCreate,
			EntityType: "patient",
			EntityID:   entity,
			Priority:   models.PriorityNormal,
		})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	seen := make(map[string]bool)
	for _, id := range ids {
		short := shortID(id)
		assert.False(t, seen[short], "duplicate short id %s", short)
		seen[short] = true
		assert.Equal(t, id, matchID(short, ids, "operation"))
	}
}

func TestCommandsRegistered(t *testing.T) {
	for _, name := range []string{"init", "enqueue", "sync", "status", "history", "clear",
		"compact", "deadletter", "conflicts", "run", "remote", "server", "completion"} {
		cmd, _, err := rootCmd.Find([]string{name})
		require.NoError(t, err, name)
		assert.Equal(t, name, cmd.Name())
	}
}
