package pricecache

import (
    "context"
    "time"

    "marketdata/internal/provider"
)

// Entry is a cached price together with the time it was stored. Freshness
// policy belongs to the caller: entries outlive their soft TTL so that a
// stale price can still be served when every provider is down.
type Entry struct {
    Record   *provider.PriceRecord `json:"record"`
    StoredAt time.Time             `json:"stored_at"`
}

// Age reports how long ago the entry was stored.
func (e *Entry) Age(now time.Time) time.Duration { return now.Sub(e.StoredAt) }

// Fresh reports whether the entry is younger than ttl.
func (e *Entry) Fresh(now time.Time, ttl time.Duration) bool { return e.Age(now) <= ttl }

// Cache stores price records. Get returns (nil, nil) on a miss.
type Cache interface {
    Get(ctx context.Context, symbol string) (*Entry, error)
    Set(ctx context.Context, symbol string, record *provider.PriceRecord) error
    Close() error
}
