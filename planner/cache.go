package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"mobsim.dev/mobsim/internal/logging"
)

// Store is a cache backend for serialized plan responses.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration)
}

// Cached decorates a planner with a response cache. Identical queries within
// the TTL are answered from the store without consulting the inner planner.
type Cached struct {
	next  Planner
	store Store
	ttl   time.Duration
	log   logging.Logger
}

// NewCached wraps next with the given store. A zero TTL caches for a minute.
func NewCached(next Planner, store Store, ttl time.Duration, log logging.Logger) *Cached {
	if ttl <= 0 {
		ttl = time.Minute
	}
	if log == nil {
		log = logging.Noop()
	}
	return &Cached{next: next, store: store, ttl: ttl, log: log}
}

func cacheKey(q Query) string {
	return fmt.Sprintf("plan:%s:%s:%g", q.Org.ID, q.Dst.ID, q.Dept)
}

// Plan answers from the store when possible, otherwise delegates and caches.
func (c *Cached) Plan(ctx context.Context, q Query) ([]Route, error) {
	key := cacheKey(q)
	if data, ok := c.store.Get(ctx, key); ok {
		var routes []Route
		if err := json.Unmarshal(data, &routes); err == nil {
			return routes, nil
		}
		c.log.Warn(ctx, "dropping undecodable cache entry", logging.String("key", key))
	}

	routes, err := c.next.Plan(ctx, q)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(routes); err == nil {
		c.store.Set(ctx, key, data, c.ttl)
	}
	return routes, nil
}

// MemoryStore caches entries in process with per-entry expiry.
type MemoryStore struct {
	mutex   sync.Mutex
	entries map[string]memoryEntry

	TimeNow func() time.Time
}

type memoryEntry struct {
	data       []byte
	expiration time.Time
}

// NewMemoryStore creates an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]memoryEntry),
		TimeNow: time.Now,
	}
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	entry, ok := s.entries[key]
	if !ok || !entry.expiration.After(s.TimeNow()) {
		return nil, false
	}
	return entry.data, true
}

func (s *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.entries[key] = memoryEntry{
		data:       value,
		expiration: s.TimeNow().Add(ttl),
	}
}

// RedisStore caches entries in redis. Lookup errors count as misses and
// writes are fire-and-forget, so a flaky redis degrades to pass-through.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore wraps an existing redis client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, bool) {
	data, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		return nil, false
	}
	return data, true
}

func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	_ = s.client.Set(ctx, key, value, ttl).Err()
}
