package supervisor

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"medialib-jobs/internal/config"
	"medialib-jobs/internal/lease"
)

// fakeSpawner simulates the worker side: on spawn it acquires a lease slot,
// the same acknowledgment a real worker gives.
type fakeSpawner struct {
	leases   *lease.Manager
	cap      int
	acquire  bool
	err      error
	spawned  int
	lastOpts RunOptions
}

func (f *fakeSpawner) Spawn(family string, opts RunOptions) (int, error) {
	f.spawned++
	f.lastOpts = opts
	if f.err != nil {
		return 0, f.err
	}
	if f.acquire {
		go func() {
			_, _ = f.leases.Acquire(context.Background(), family, f.cap, "spawned-worker")
		}()
	}
	return 4242, nil
}

func newTestSupervisor(t *testing.T, caps map[string]int, spawner *fakeSpawner) (*Supervisor, *lease.Manager) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	leases := lease.NewManager(client, time.Minute)

	cfg := config.Config{
		FamilyConcurrency:  caps,
		SpawnVerifyTimeout: time.Second,
	}
	spawner.leases = leases
	sup := New(leases, spawner, cfg, zerolog.Nop())
	sup.verifyPoll = 10 * time.Millisecond
	return sup, leases
}

func TestEnsureRunningSpawns(t *testing.T) {
	ctx := context.Background()
	spawner := &fakeSpawner{cap: 1, acquire: true}
	sup, _ := newTestSupervisor(t, map[string]int{"scan": 1}, spawner)

	res, err := sup.EnsureRunning(ctx, "scan", RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, StatusSpawned, res.Status)
	assert.Equal(t, 4242, res.PID)
	assert.Equal(t, 1, spawner.spawned)
}

func TestEnsureRunningAlreadyRunning(t *testing.T) {
	ctx := context.Background()
	spawner := &fakeSpawner{cap: 1, acquire: true}
	sup, leases := newTestSupervisor(t, map[string]int{"scan": 1}, spawner)

	_, err := leases.Acquire(ctx, "scan", 1, "existing-worker")
	require.NoError(t, err)

	res, err := sup.EnsureRunning(ctx, "scan", RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, StatusAlreadyRunning, res.Status)
	assert.Zero(t, spawner.spawned)
}

func TestEnsureRunningAtCapacity(t *testing.T) {
	ctx := context.Background()
	spawner := &fakeSpawner{cap: 2, acquire: true}
	sup, leases := newTestSupervisor(t, map[string]int{"analyze": 2}, spawner)

	_, err := leases.Acquire(ctx, "analyze", 2, "worker-a")
	require.NoError(t, err)
	_, err = leases.Acquire(ctx, "analyze", 2, "worker-b")
	require.NoError(t, err)

	res, err := sup.EnsureRunning(ctx, "analyze", RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, StatusAtCapacity, res.Status)
	assert.Zero(t, spawner.spawned)
}

func TestEnsureRunningBelowCapacitySpawnsSecond(t *testing.T) {
	ctx := context.Background()
	spawner := &fakeSpawner{cap: 2, acquire: true}
	sup, leases := newTestSupervisor(t, map[string]int{"analyze": 2}, spawner)

	_, err := leases.Acquire(ctx, "analyze", 2, "worker-a")
	require.NoError(t, err)

	res, err := sup.EnsureRunning(ctx, "analyze", RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, StatusSpawned, res.Status)
}

func TestEnsureRunningSpawnError(t *testing.T) {
	ctx := context.Background()
	spawner := &fakeSpawner{cap: 1, err: errors.New("binary missing")}
	sup, _ := newTestSupervisor(t, map[string]int{"scan": 1}, spawner)

	res, err := sup.EnsureRunning(ctx, "scan", RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, StatusStartFailed, res.Status)
}

func TestEnsureRunningStartupNeverAcknowledged(t *testing.T) {
	ctx := context.Background()
	// Spawn succeeds but the worker never acquires a slot.
	spawner := &fakeSpawner{cap: 1, acquire: false}
	sup, _ := newTestSupervisor(t, map[string]int{"scan": 1}, spawner)

	res, err := sup.EnsureRunning(ctx, "scan", RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, StatusStartFailed, res.Status)
	assert.Equal(t, 4242, res.PID)
}

func TestEnsureRunningForwardsRunOptions(t *testing.T) {
	ctx := context.Background()
	spawner := &fakeSpawner{cap: 1, acquire: true}
	sup, _ := newTestSupervisor(t, map[string]int{"scan": 1}, spawner)

	opts := RunOptions{TimeBudget: 5 * time.Minute, MaxJobs: 10}
	res, err := sup.EnsureRunning(ctx, "scan", opts)
	require.NoError(t, err)
	assert.Equal(t, StatusSpawned, res.Status)
	assert.Equal(t, opts, spawner.lastOpts)
}

func TestEnsureRunningUnknownFamily(t *testing.T) {
	spawner := &fakeSpawner{cap: 1}
	sup, _ := newTestSupervisor(t, nil, spawner)

	_, err := sup.EnsureRunning(context.Background(), "transcode", RunOptions{})
	assert.Error(t, err)
}
