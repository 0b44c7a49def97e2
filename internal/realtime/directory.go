package realtime

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultDirectoryTTL bounds a directory entry whose disconnect was missed.
const DefaultDirectoryTTL = time.Hour

// Directory maps a user to the session that last connected for them.
type Directory interface {
	Register(ctx context.Context, userID, sessionID string) error
	// Unregister removes the entry only if it still points at sessionID.
	Unregister(ctx context.Context, userID, sessionID string) error
	Lookup(ctx context.Context, userID string) (string, bool, error)
}

type dirEntry struct {
	sessionID string
	expires   time.Time
}

// MemoryDirectory is the single-instance directory.
type MemoryDirectory struct {
	mu      sync.Mutex
	entries map[string]dirEntry
	ttl     time.Duration
	now     func() time.Time
}

func NewMemoryDirectory(ttl time.Duration) *MemoryDirectory {
	if ttl <= 0 {
		ttl = DefaultDirectoryTTL
	}
	return &MemoryDirectory{entries: make(map[string]dirEntry), ttl: ttl, now: time.Now}
}

func (d *MemoryDirectory) Register(_ context.Context, userID, sessionID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries[userID] = dirEntry{sessionID: sessionID, expires: d.now().Add(d.ttl)}
	return nil
}

func (d *MemoryDirectory) Unregister(_ context.Context, userID, sessionID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if e, ok := d.entries[userID]; ok && e.sessionID == sessionID {
		delete(d.entries, userID)
	}
	return nil
}

func (d *MemoryDirectory) Lookup(_ context.Context, userID string) (string, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.entries[userID]
	if !ok || !d.now().Before(e.expires) {
		return "", false, nil
	}
	return e.sessionID, true, nil
}

// Sweep drops expired entries and returns how many were removed.
func (d *MemoryDirectory) Sweep() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	n := 0
	for user, e := range d.entries {
		if !now.Before(e.expires) {
			delete(d.entries, user)
			n++
		}
	}
	return n
}

// Run sweeps every interval until ctx is done.
func (d *MemoryDirectory) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			d.Sweep()
		}
	}
}

// RedisDirectory shares the directory between instances. Redis expiry
// replaces the sweep.
type RedisDirectory struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

var compareAndDelete = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

func NewRedisDirectory(client *redis.Client, ttl time.Duration) *RedisDirectory {
	if ttl <= 0 {
		ttl = DefaultDirectoryTTL
	}
	return &RedisDirectory{client: client, prefix: "ws:user:", ttl: ttl}
}

func (d *RedisDirectory) Register(ctx context.Context, userID, sessionID string) error {
	return d.client.Set(ctx, d.prefix+userID, sessionID, d.ttl).Err()
}

func (d *RedisDirectory) Unregister(ctx context.Context, userID, sessionID string) error {
	return compareAndDelete.Run(ctx, d.client, []string{d.prefix + userID}, sessionID).Err()
}

func (d *RedisDirectory) Lookup(ctx context.Context, userID string) (string, bool, error) {
	v, err := d.client.Get(ctx, d.prefix+userID).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}
