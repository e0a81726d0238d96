package pricecache

import (
    "context"
    "encoding/json"
    "errors"
    "fmt"
    "strings"
    "time"

    "github.com/redis/go-redis/v9"

    "marketdata/internal/provider"
)

// RedisCache keeps price entries in Redis under a shared key prefix. Keys
// expire after a hard retention window well past any freshness TTL, so stale
// reads stay possible during provider outages without growing the keyspace
// forever.
type RedisCache struct {
    client    *redis.Client
    prefix    string
    retention time.Duration
}

// NewRedis connects and verifies the Redis instance.
func NewRedis(ctx context.Context, addr, password string, db int) (*RedisCache, error) {
    client := redis.NewClient(&redis.Options{
        Addr:         addr,
        Password:     password,
        DB:           db,
        DialTimeout:  5 * time.Second,
        ReadTimeout:  3 * time.Second,
        WriteTimeout: 3 * time.Second,
    })
    if err := client.Ping(ctx).Err(); err != nil {
        client.Close()
        return nil, fmt.Errorf("pricecache: ping redis: %w", err)
    }
    return &RedisCache{client: client, prefix: "price:", retention: 24 * time.Hour}, nil
}

func (c *RedisCache) key(symbol string) string {
    return c.prefix + strings.ToUpper(strings.TrimSpace(symbol))
}

func (c *RedisCache) Get(ctx context.Context, symbol string) (*Entry, error) {
    raw, err := c.client.Get(ctx, c.key(symbol)).Bytes()
    if errors.Is(err, redis.Nil) { return nil, nil }
    if err != nil { return nil, fmt.Errorf("pricecache: redis get %s: %w", symbol, err) }
    var entry Entry
    if err := json.Unmarshal(raw, &entry); err != nil {
        // A corrupt entry behaves like a miss.
        return nil, nil
    }
    if entry.Record == nil { return nil, nil }
    return &entry, nil
}

func (c *RedisCache) Set(ctx context.Context, symbol string, record *provider.PriceRecord) error {
    if record == nil { return nil }
    raw, err := json.Marshal(Entry{Record: record, StoredAt: time.Now().UTC()})
    if err != nil { return fmt.Errorf("pricecache: encode %s: %w", symbol, err) }
    if err := c.client.Set(ctx, c.key(symbol), raw, c.retention).Err(); err != nil {
        return fmt.Errorf("pricecache: redis set %s: %w", symbol, err)
    }
    return nil
}

// Client exposes the underlying connection so other caches can share it.
func (c *RedisCache) Client() *redis.Client { return c.client }

func (c *RedisCache) Ping(ctx context.Context) error { return c.client.Ping(ctx).Err() }

func (c *RedisCache) Close() error { return c.client.Close() }
