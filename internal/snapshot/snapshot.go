package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Snapshot is the denormalized, best-effort status aggregate pollers read
// instead of hammering the job store. It is allowed to be stale; readers
// get the age and decide whether to fall back to an authoritative read.
type Snapshot struct {
	Family         string         `json:"family"`
	CountsByStatus map[string]int `json:"counts_by_status"`
	CountsByType   map[string]int `json:"counts_by_type"`
	Running        int            `json:"running"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// Cache stores one snapshot per family in Redis.
type Cache struct {
	client     *redis.Client
	staleAfter time.Duration
}

// NewCache builds a snapshot cache. staleAfter is the age past which Read
// reports the snapshot as stale.
func NewCache(client *redis.Client, staleAfter time.Duration) *Cache {
	if staleAfter == 0 {
		staleAfter = 30 * time.Second
	}
	return &Cache{client: client, staleAfter: staleAfter}
}

func key(family string) string {
	return "jobs:snapshot:" + family
}

// Write overwrites the family's snapshot. Snapshots are advisory, so the
// key carries no TTL: a missing refresher surfaces as growing age, not as
// a silently vanished entry.
func (c *Cache) Write(ctx context.Context, snap Snapshot) error {
	snap.UpdatedAt = time.Now().UTC()
	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := c.client.Set(ctx, key(snap.Family), raw, 0).Err(); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	return nil
}

// Read returns the family's snapshot, its age, and whether it is stale.
// A missing snapshot reports found = false; callers treat that like stale
// and recompute from the store.
func (c *Cache) Read(ctx context.Context, family string) (snap Snapshot, age time.Duration, stale, found bool, err error) {
	raw, err := c.client.Get(ctx, key(family)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Snapshot{}, 0, true, false, nil
	}
	if err != nil {
		return Snapshot{}, 0, true, false, fmt.Errorf("read snapshot: %w", err)
	}
	if err := json.Unmarshal(raw, &snap); err != nil {
		return Snapshot{}, 0, true, false, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	age = time.Since(snap.UpdatedAt)
	return snap, age, age > c.staleAfter, true, nil
}
