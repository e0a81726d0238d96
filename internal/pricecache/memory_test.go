package pricecache

import (
    "context"
    "testing"
    "time"

    "github.com/shopspring/decimal"

    "marketdata/internal/assetclass"
    "marketdata/internal/provider"
)

func TestMemoryCache(t *testing.T) {
    c := NewMemory()
    ctx := context.Background()

    got, err := c.Get(ctx, "BTC-USD")
    if err != nil { t.Fatalf("get: %v", err) }
    if got != nil { t.Fatalf("expected miss, got %+v", got) }

    rec := &provider.PriceRecord{
        Symbol:     "BTC-USD",
        Class:      assetclass.Crypto,
        Price:      decimal.RequireFromString("64250.5"),
        ObservedAt: time.Now().UTC(),
        Source:     "binance",
    }
    if err := c.Set(ctx, "btc-usd", rec); err != nil { t.Fatalf("set: %v", err) }

    got, err = c.Get(ctx, "BTC-USD")
    if err != nil { t.Fatalf("get: %v", err) }
    if got == nil { t.Fatal("expected hit") }
    if !got.Record.Price.Equal(rec.Price) { t.Fatalf("price = %s", got.Record.Price) }
    if !got.Fresh(time.Now(), time.Minute) { t.Fatal("entry should be fresh") }
    if got.Fresh(time.Now().Add(2*time.Minute), time.Minute) { t.Fatal("entry should be past its ttl") }
}

func TestMemoryCache_NilRecord(t *testing.T) {
    c := NewMemory()
    if err := c.Set(context.Background(), "ETH-USD", nil); err != nil { t.Fatalf("set nil: %v", err) }
    got, err := c.Get(context.Background(), "ETH-USD")
    if err != nil { t.Fatalf("get: %v", err) }
    if got != nil { t.Fatal("nil records must not be stored") }
}
