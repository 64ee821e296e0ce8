package pricing

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/redis/go-redis/v9"
)

// Entry is a cached lookup. A nil Pricing records that the model has no
// price so it is not fetched again until the entry expires.
type Entry struct {
	Pricing   *ModelPricing `json:"pricing"`
	FetchedAt time.Time     `json:"fetchedAt"`
}

// Fresh reports whether the entry is younger than ttl.
func (e Entry) Fresh(ttl time.Duration, now time.Time) bool {
	return now.Sub(e.FetchedAt) < ttl
}

// Cache stores pricing entries by model id.
type Cache interface {
	Get(ctx context.Context, modelID string) (Entry, bool, error)
	Set(ctx context.Context, modelID string, e Entry) error
}

// MemoryCache is a process-local cache.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]Entry)}
}

func (c *MemoryCache) Get(_ context.Context, modelID string) (Entry, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[modelID]
	return e, ok, nil
}

func (c *MemoryCache) Set(_ context.Context, modelID string, e Entry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[modelID] = e
	return nil
}

// SQLCache persists entries in the pricing_cache table.
type SQLCache struct {
	db *sql.DB
}

func NewSQLCache(db *sql.DB) *SQLCache {
	return &SQLCache{db: db}
}

func (c *SQLCache) Get(ctx context.Context, modelID string) (Entry, bool, error) {
	queryStr, args, err := sq.Select("pricing", "fetched_at").
		From("pricing_cache").
		Where(sq.Eq{"model_id": modelID}).
		ToSql()
	if err != nil {
		return Entry{}, false, fmt.Errorf("build query: %w", err)
	}
	var (
		raw       sql.NullString
		fetchedAt int64
	)
	err = c.db.QueryRowContext(ctx, queryStr, args...).Scan(&raw, &fetchedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("failed to read pricing cache: %w", err)
	}
	e := Entry{FetchedAt: time.UnixMilli(fetchedAt)}
	if raw.Valid && raw.String != "" {
		var p ModelPricing
		if err := json.Unmarshal([]byte(raw.String), &p); err != nil {
			return Entry{}, false, fmt.Errorf("failed to decode cached pricing: %w", err)
		}
		e.Pricing = &p
	}
	return e, true, nil
}

func (c *SQLCache) Set(ctx context.Context, modelID string, e Entry) error {
	var raw any
	if e.Pricing != nil {
		data, err := json.Marshal(e.Pricing)
		if err != nil {
			return fmt.Errorf("failed to encode pricing: %w", err)
		}
		raw = string(data)
	}
	queryStr, args, err := sq.Insert("pricing_cache").
		Columns("model_id", "pricing", "fetched_at").
		Values(modelID, raw, e.FetchedAt.UnixMilli()).
		Suffix("ON CONFLICT(model_id) DO UPDATE SET pricing = excluded.pricing, fetched_at = excluded.fetched_at").
		ToSql()
	if err != nil {
		return fmt.Errorf("build query: %w", err)
	}
	if _, err := c.db.ExecContext(ctx, queryStr, args...); err != nil {
		return fmt.Errorf("failed to write pricing cache: %w", err)
	}
	return nil
}

const redisKeyPrefix = "chatcore:pricing:"

// RedisCache shares entries between processes. Keys expire after ttl.
type RedisCache struct {
	client redis.UniversalClient
	ttl    time.Duration
}

func NewRedisCache(client redis.UniversalClient, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, ttl: ttl}
}

func (c *RedisCache) Get(ctx context.Context, modelID string) (Entry, bool, error) {
	data, err := c.client.Get(ctx, redisKeyPrefix+modelID).Bytes()
	if errors.Is(err, redis.Nil) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("failed to read pricing from redis: %w", err)
	}
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return Entry{}, false, fmt.Errorf("failed to decode cached pricing: %w", err)
	}
	return e, true, nil
}

func (c *RedisCache) Set(ctx context.Context, modelID string, e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode pricing: %w", err)
	}
	if err := c.client.Set(ctx, redisKeyPrefix+modelID, data, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to write pricing to redis: %w", err)
	}
	return nil
}
