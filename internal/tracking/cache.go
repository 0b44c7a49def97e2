package tracking

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/driver-dispatch/internal/models"
)

const DefaultLiveTTL = 5 * time.Minute

// LiveLocation is the latest position of the driver on a booking.
type LiveLocation struct {
	BookingID string       `json:"booking_id"`
	DriverID  string       `json:"driver_id"`
	Location  models.Point `json:"location"`
	Speed     float64      `json:"speed,omitempty"`
	Heading   float64      `json:"heading,omitempty"`
	Status    string       `json:"status,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
}

// LiveCache holds one short-lived entry per booking.
type LiveCache interface {
	Put(ctx context.Context, loc LiveLocation) error
	Get(ctx context.Context, bookingID string) (*LiveLocation, bool, error)
}

type memEntry struct {
	loc     LiveLocation
	expires time.Time
}

type MemoryLiveCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]memEntry
}

func NewMemoryLiveCache(ttl time.Duration) *MemoryLiveCache {
	if ttl <= 0 {
		ttl = DefaultLiveTTL
	}
	return &MemoryLiveCache{ttl: ttl, now: time.Now, entries: make(map[string]memEntry)}
}

func (c *MemoryLiveCache) Put(_ context.Context, loc LiveLocation) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[loc.BookingID] = memEntry{loc: loc, expires: c.now().Add(c.ttl)}
	return nil
}

func (c *MemoryLiveCache) Get(_ context.Context, bookingID string) (*LiveLocation, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[bookingID]
	if !ok {
		return nil, false, nil
	}
	if !c.now().Before(e.expires) {
		delete(c.entries, bookingID)
		return nil, false, nil
	}
	loc := e.loc
	return &loc, true, nil
}

// RedisLiveCache stores entries as JSON under location:{booking}.
type RedisLiveCache struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

func NewRedisLiveCache(client *redis.Client, ttl time.Duration) *RedisLiveCache {
	if ttl <= 0 {
		ttl = DefaultLiveTTL
	}
	return &RedisLiveCache{client: client, ttl: ttl, prefix: "location:"}
}

func (c *RedisLiveCache) Put(ctx context.Context, loc LiveLocation) error {
	b, err := json.Marshal(loc)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, c.prefix+loc.BookingID, b, c.ttl).Err()
}

func (c *RedisLiveCache) Get(ctx context.Context, bookingID string) (*LiveLocation, bool, error) {
	raw, err := c.client.Get(ctx, c.prefix+bookingID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var loc LiveLocation
	if err := json.Unmarshal(raw, &loc); err != nil {
		return nil, false, err
	}
	return &loc, true, nil
}
