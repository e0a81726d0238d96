package ratelimit

import (
    "context"
    "sync"
    "time"

    "marketdata/internal/provider"
)

// MinInterval wraps a provider and enforces a minimum time between price
// calls. Concurrent calls wait until the interval has elapsed since the last
// call, or return early if the context is canceled. Health checks and
// lifecycle methods pass through ungated.
type MinInterval struct {
    P        provider.Provider
    Interval time.Duration

    mu   sync.Mutex
    last time.Time
}

func (m *MinInterval) Name() string                            { return m.P.Name() }
func (m *MinInterval) Initialize(ctx context.Context) bool     { return m.P.Initialize(ctx) }
func (m *MinInterval) HealthCheck(ctx context.Context) bool    { return m.P.HealthCheck(ctx) }
func (m *MinInterval) Close() error                            { return m.P.Close() }
func (m *MinInterval) SupportsBulk() bool                      { return supportsBulk(m.P) }

func (m *MinInterval) GetPrice(ctx context.Context, symbol string) (*provider.PriceRecord, error) {
    if err := m.gate(ctx); err != nil { return nil, err }
    rec, err := m.P.GetPrice(ctx, symbol)
    m.stamp()
    return rec, err
}

func (m *MinInterval) GetBulkPrices(ctx context.Context, symbols []string) ([]*provider.PriceRecord, error) {
    if err := m.gate(ctx); err != nil { return nil, err }
    recs, err := m.P.GetBulkPrices(ctx, symbols)
    m.stamp()
    return recs, err
}

func (m *MinInterval) gate(ctx context.Context) error {
    if m.Interval <= 0 { return nil }
    m.mu.Lock()
    wait := time.Until(m.last.Add(m.Interval))
    m.mu.Unlock()
    if wait <= 0 { return nil }
    t := time.NewTimer(wait)
    defer t.Stop()
    select {
    case <-ctx.Done():
        return ctx.Err()
    case <-t.C:
        return nil
    }
}

func (m *MinInterval) stamp() {
    if m.Interval <= 0 { return }
    m.mu.Lock()
    m.last = time.Now()
    m.mu.Unlock()
}

// TokenBucketProvider wraps a Provider and gates price calls with a token
// bucket.
type TokenBucketProvider struct {
    P  provider.Provider
    TB *TokenBucket
}

func (t *TokenBucketProvider) Name() string                         { return t.P.Name() }
func (t *TokenBucketProvider) Initialize(ctx context.Context) bool  { return t.P.Initialize(ctx) }
func (t *TokenBucketProvider) HealthCheck(ctx context.Context) bool { return t.P.HealthCheck(ctx) }
func (t *TokenBucketProvider) Close() error                         { return t.P.Close() }
func (t *TokenBucketProvider) SupportsBulk() bool                   { return supportsBulk(t.P) }

func (t *TokenBucketProvider) GetPrice(ctx context.Context, symbol string) (*provider.PriceRecord, error) {
    if t.TB != nil {
        if err := t.TB.Wait(ctx); err != nil { return nil, err }
    }
    return t.P.GetPrice(ctx, symbol)
}

func (t *TokenBucketProvider) GetBulkPrices(ctx context.Context, symbols []string) ([]*provider.PriceRecord, error) {
    if t.TB != nil {
        if err := t.TB.Wait(ctx); err != nil { return nil, err }
    }
    return t.P.GetBulkPrices(ctx, symbols)
}

// supportsBulk preserves the wrapped provider's bulk capability so the
// aggregator's affinity grouping still sees it through the decorator.
func supportsBulk(p provider.Provider) bool {
    if bc, ok := p.(provider.BulkCapable); ok { return bc.SupportsBulk() }
    return false
}
