package snapshot

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewCache(client, 30*time.Second), mr
}

func TestWriteAndRead(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t)

	err := c.Write(ctx, Snapshot{
		Family:         "analyze",
		CountsByStatus: map[string]int{"queued": 3, "done": 7},
		CountsByType:   map[string]int{"analyze:tags": 10},
		Running:        1,
	})
	require.NoError(t, err)

	snap, age, stale, found, err := c.Read(ctx, "analyze")
	require.NoError(t, err)
	assert.True(t, found)
	assert.False(t, stale)
	assert.Less(t, age, 5*time.Second)
	assert.Equal(t, 3, snap.CountsByStatus["queued"])
	assert.Equal(t, 1, snap.Running)
}

func TestMissingSnapshotIsStale(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t)

	_, _, stale, found, err := c.Read(ctx, "scan")
	require.NoError(t, err)
	assert.False(t, found)
	assert.True(t, stale)
}

func TestOldSnapshotIsStale(t *testing.T) {
	ctx := context.Background()
	c, mr := newTestCache(t)

	old := Snapshot{
		Family:    "artwork",
		Running:   2,
		UpdatedAt: time.Now().UTC().Add(-5 * time.Minute),
	}
	raw, err := json.Marshal(old)
	require.NoError(t, err)
	require.NoError(t, mr.Set("jobs:snapshot:artwork", string(raw)))

	snap, age, stale, found, err := c.Read(ctx, "artwork")
	require.NoError(t, err)
	assert.True(t, found)
	assert.True(t, stale)
	assert.Greater(t, age, time.Minute)
	assert.Equal(t, 2, snap.Running)
}
