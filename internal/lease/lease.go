package lease

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrNoSlot means every lease slot for the family is held by a live worker.
var ErrNoSlot = errors.New("no free lease slot")

// Manager hands out per-family worker lease slots in Redis. A family with
// concurrency cap N has slots 0..N-1; each slot key carries the holder's
// token and a TTL. Liveness is the TTL itself: a crashed holder's key
// expires and the slot frees without an explicit release.
type Manager struct {
	client *redis.Client
	ttl    time.Duration
}

// NewManager builds a lease manager. ttl bounds how long a dead worker can
// appear alive; holders must renew well inside it.
func NewManager(client *redis.Client, ttl time.Duration) *Manager {
	if ttl == 0 {
		ttl = time.Minute
	}
	return &Manager{client: client, ttl: ttl}
}

func slotKey(family string, slot int) string {
	return fmt.Sprintf("lease:%s:%d", family, slot)
}

// Lease is a held slot. Release it on every exit path; crash recovery is
// TTL expiry.
type Lease struct {
	m      *Manager
	key    string
	token  string
	Family string
	Slot   int
}

// Token returns the holder identity written into the slot key.
func (l *Lease) Token() string { return l.token }

// Acquire claims the first free slot for the family, or ErrNoSlot when all
// cap slots are held.
func (m *Manager) Acquire(ctx context.Context, family string, cap int, owner string) (*Lease, error) {
	if cap <= 0 {
		cap = 1
	}
	token := owner
	if token == "" {
		token = uuid.NewString()
	}
	for slot := 0; slot < cap; slot++ {
		key := slotKey(family, slot)
		ok, err := m.client.SetNX(ctx, key, token, m.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire lease slot: %w", err)
		}
		if ok {
			return &Lease{m: m, key: key, token: token, Family: family, Slot: slot}, nil
		}
	}
	return nil, ErrNoSlot
}

// Renew extends the slot TTL if this holder still owns it.
func (l *Lease) Renew(ctx context.Context) error {
	res, err := renewScript.Run(ctx, l.m.client, []string{l.key}, l.token, l.m.ttl.Milliseconds()).Result()
	if err != nil {
		return fmt.Errorf("renew lease: %w", err)
	}
	if n, _ := res.(int64); n == 0 {
		return errors.New("lease lost")
	}
	return nil
}

// Release frees the slot if this holder still owns it. Safe to call after
// expiry; releasing someone else's re-acquired slot is a no-op.
func (l *Lease) Release(ctx context.Context) error {
	_, err := releaseScript.Run(ctx, l.m.client, []string{l.key}, l.token).Result()
	return err
}

// ActiveCount reports how many of the family's cap slots are currently held.
func (m *Manager) ActiveCount(ctx context.Context, family string, cap int) (int, error) {
	if cap <= 0 {
		cap = 1
	}
	keys := make([]string, 0, cap)
	for slot := 0; slot < cap; slot++ {
		keys = append(keys, slotKey(family, slot))
	}
	n, err := m.client.Exists(ctx, keys...).Result()
	if err != nil {
		return 0, fmt.Errorf("count lease slots: %w", err)
	}
	return int(n), nil
}

// Held reports whether any slot for the family is held by a live worker.
func (m *Manager) Held(ctx context.Context, family string, cap int) (bool, error) {
	n, err := m.ActiveCount(ctx, family, cap)
	return n > 0, err
}

var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
	return 0
end`)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end`)
