package ratelimit

import (
    "context"
    "testing"
    "time"

    "marketdata/internal/provider"
)

type countingProvider struct {
    calls int
    bulk  bool
}

func (c *countingProvider) Name() string                     { return "counting" }
func (c *countingProvider) Initialize(context.Context) bool  { return true }
func (c *countingProvider) HealthCheck(context.Context) bool { return true }
func (c *countingProvider) Close() error                     { return nil }
func (c *countingProvider) SupportsBulk() bool               { return c.bulk }

func (c *countingProvider) GetPrice(context.Context, string) (*provider.PriceRecord, error) {
    c.calls++
    return nil, nil
}

func (c *countingProvider) GetBulkPrices(_ context.Context, symbols []string) ([]*provider.PriceRecord, error) {
    c.calls++
    return make([]*provider.PriceRecord, len(symbols)), nil
}

func TestTokenBucket_Burst(t *testing.T) {
    tb := NewTokenBucket(1000, 3)
    ctx := context.Background()
    start := time.Now()
    for i := 0; i < 3; i++ {
        if err := tb.Wait(ctx); err != nil { t.Fatalf("wait %d: %v", i, err) }
    }
    if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
        t.Fatalf("burst of 3 should not block, took %s", elapsed)
    }
}

func TestTokenBucket_ContextCancel(t *testing.T) {
    tb := NewTokenBucket(0.001, 1)
    if err := tb.Wait(context.Background()); err != nil { t.Fatalf("first token: %v", err) }

    ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
    defer cancel()
    if err := tb.Wait(ctx); err == nil {
        t.Fatal("expected a context error while starved")
    }
}

func TestMinInterval_Spacing(t *testing.T) {
    inner := &countingProvider{}
    m := &MinInterval{P: inner, Interval: 30 * time.Millisecond}
    ctx := context.Background()

    start := time.Now()
    if _, err := m.GetPrice(ctx, "AAA"); err != nil { t.Fatalf("first: %v", err) }
    if _, err := m.GetPrice(ctx, "BBB"); err != nil { t.Fatalf("second: %v", err) }
    if elapsed := time.Since(start); elapsed < 30*time.Millisecond {
        t.Fatalf("second call ran after %s, want at least the interval", elapsed)
    }
    if inner.calls != 2 { t.Fatalf("calls = %d", inner.calls) }
}

func TestWrappers_PreserveBulkCapability(t *testing.T) {
    bulk := &countingProvider{bulk: true}
    plain := &countingProvider{bulk: false}

    tbp := &TokenBucketProvider{P: bulk, TB: NewTokenBucket(10, 1)}
    if !tbp.SupportsBulk() { t.Fatal("token bucket wrapper must pass through bulk capability") }

    mi := &MinInterval{P: plain, Interval: time.Millisecond}
    if mi.SupportsBulk() { t.Fatal("wrapper must not invent bulk capability") }
}
