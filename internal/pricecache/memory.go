package pricecache

import (
    "context"
    "strings"
    "sync"
    "time"

    "marketdata/internal/provider"
)

// MemoryCache is an in-process Cache used when Redis is not configured.
type MemoryCache struct {
    mu        sync.RWMutex
    entries   map[string]Entry
    retention time.Duration
}

func NewMemory() *MemoryCache {
    return &MemoryCache{entries: make(map[string]Entry), retention: 24 * time.Hour}
}

func (c *MemoryCache) Get(_ context.Context, symbol string) (*Entry, error) {
    c.mu.RLock()
    entry, ok := c.entries[key(symbol)]
    c.mu.RUnlock()
    if !ok { return nil, nil }
    if entry.Age(time.Now()) > c.retention {
        c.mu.Lock()
        delete(c.entries, key(symbol))
        c.mu.Unlock()
        return nil, nil
    }
    return &entry, nil
}

func (c *MemoryCache) Set(_ context.Context, symbol string, record *provider.PriceRecord) error {
    if record == nil { return nil }
    c.mu.Lock()
    c.entries[key(symbol)] = Entry{Record: record, StoredAt: time.Now().UTC()}
    c.mu.Unlock()
    return nil
}

func (c *MemoryCache) Close() error { return nil }

func key(symbol string) string { return strings.ToUpper(strings.TrimSpace(symbol)) }
