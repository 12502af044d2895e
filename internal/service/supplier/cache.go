package supplier

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/splax/resellermentor/internal/domain"
)

// ReportCache stores finished reports keyed by normalized URL.
type ReportCache interface {
	Get(ctx context.Context, key string) (*domain.SupplierReport, bool)
	Set(ctx context.Context, key string, report *domain.SupplierReport, ttl time.Duration)
}

func cacheKey(target Target) string {
	return strings.ToLower(strings.TrimRight(target.URL, "/"))
}

// MemoryCache is a process-local ReportCache.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

type memoryEntry struct {
	report  domain.SupplierReport
	expires time.Time
}

// NewMemoryCache constructs an empty MemoryCache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]memoryEntry), now: time.Now}
}

// Get returns a copy of an unexpired report.
func (c *MemoryCache) Get(_ context.Context, key string) (*domain.SupplierReport, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if c.now().After(entry.expires) {
		delete(c.entries, key)
		return nil, false
	}
	report := entry.report
	return &report, true
}

// Set stores report for ttl, pruning expired entries.
func (c *MemoryCache) Set(_ context.Context, key string, report *domain.SupplierReport, ttl time.Duration) {
	if ttl <= 0 || report == nil {
		return
	}
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, entry := range c.entries {
		if now.After(entry.expires) {
			delete(c.entries, k)
		}
	}
	c.entries[key] = memoryEntry{report: *report, expires: now.Add(ttl)}
}

// RedisCache stores reports as JSON strings in Redis.
type RedisCache struct {
	client  *redis.Client
	logger  *slog.Logger
	prefix  string
	timeout time.Duration
}

// NewRedisCache constructs a Redis backed ReportCache.
func NewRedisCache(client *redis.Client, logger *slog.Logger) *RedisCache {
	return &RedisCache{
		client:  client,
		logger:  logger,
		prefix:  "resellermentor:supplier:",
		timeout: 250 * time.Millisecond,
	}
}

// Get loads and decodes a cached report. Redis errors count as a miss.
func (c *RedisCache) Get(ctx context.Context, key string) (*domain.SupplierReport, bool) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	raw, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logRedisError("get", err)
		}
		return nil, false
	}
	var report domain.SupplierReport
	if err := json.Unmarshal(raw, &report); err != nil {
		c.logRedisError("decode", err)
		return nil, false
	}
	return &report, true
}

// Set encodes and stores report with ttl.
func (c *RedisCache) Set(ctx context.Context, key string, report *domain.SupplierReport, ttl time.Duration) {
	if ttl <= 0 || report == nil {
		return
	}
	raw, err := json.Marshal(report)
	if err != nil {
		c.logRedisError("encode", err)
		return
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if err := c.client.Set(ctx, c.prefix+key, raw, ttl).Err(); err != nil {
		c.logRedisError("set", err)
	}
}

func (c *RedisCache) logRedisError(op string, err error) {
	if c.logger == nil {
		return
	}
	c.logger.Error("redis supplier cache error", "op", op, "error", err)
}
