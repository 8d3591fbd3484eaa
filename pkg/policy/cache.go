package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/secrethub/secrethub/pkg/types"
)

// DefaultCacheTTL bounds how long a memoized verdict can outlive the
// policy edit or clock movement that would change it.
const DefaultCacheTTL = 5 * time.Minute

// Cache memoizes policy decisions. Implementations must be safe for
// concurrent use.
type Cache interface {
	Get(key string) (Decision, bool)
	Set(key string, d Decision)
}

// cacheKey builds the memoization key for one (policy, request) pair. The
// policy's UpdatedAt is part of the key so edits invalidate immediately.
// Time- and IP-dependent policies fold the relevant context in; a pure
// path/operation policy caches across source addresses.
func cacheKey(p *types.Policy, req Request) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s|%d|%s|%s|%s|%d",
		p.ID, p.UpdatedAt.UnixNano(), req.EntityID, req.SecretPath, req.Operation, int64(req.RequestedTTL))

	conds := p.Document.Conditions
	if len(conditionStrings(conds[condIPRanges])) > 0 {
		fmt.Fprintf(&b, "|ip=%s", req.IPAddress)
	}
	if conditionString(conds[condTimeOfDay]) != "" ||
		len(conditionStrings(conds[condDaysOfWeek])) > 0 ||
		conditionString(conds[condDateRange]) != "" {
		fmt.Fprintf(&b, "|t=%s", req.at().Truncate(time.Minute).Format(time.RFC3339))
	}
	return b.String()
}

type memoryEntry struct {
	decision  Decision
	expiresAt time.Time
}

// MemoryCache is an in-process TTL cache.
type MemoryCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]memoryEntry
}

// NewMemoryCache creates a memory cache. ttl <= 0 takes the default.
func NewMemoryCache(ttl time.Duration) *MemoryCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &MemoryCache{ttl: ttl, entries: make(map[string]memoryEntry)}
}

func (c *MemoryCache) Get(key string) (Decision, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return Decision{}, false
	}
	if time.Now().After(e.expiresAt) {
		delete(c.entries, key)
		return Decision{}, false
	}
	return e.decision, true
}

func (c *MemoryCache) Set(key string, d Decision) {
	c.mu.Lock()
	defer c.mu.Unlock()
	// Opportunistic sweep keeps the map bounded without a janitor goroutine.
	if len(c.entries) > 4096 {
		now := time.Now()
		for k, e := range c.entries {
			if now.After(e.expiresAt) {
				delete(c.entries, k)
			}
		}
	}
	c.entries[key] = memoryEntry{decision: d, expiresAt: time.Now().Add(c.ttl)}
}

// RedisCache shares memoized verdicts across nodes.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCache creates a Redis-backed cache. ttl <= 0 takes the default.
func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &RedisCache{client: client, ttl: ttl}
}

func (c *RedisCache) Get(key string) (Decision, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	raw, err := c.client.Get(ctx, "policy:"+key).Bytes()
	if err != nil {
		return Decision{}, false
	}
	var d Decision
	if err := json.Unmarshal(raw, &d); err != nil {
		return Decision{}, false
	}
	return d, true
}

func (c *RedisCache) Set(key string, d Decision) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	raw, err := json.Marshal(d)
	if err != nil {
		return
	}
	// A failed write only costs a recomputation later.
	c.client.Set(ctx, "policy:"+key, raw, c.ttl)
}
