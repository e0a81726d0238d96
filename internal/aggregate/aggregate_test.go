package aggregate

import (
    "context"
    "sync"
    "sync/atomic"
    "testing"
    "time"

    "github.com/shopspring/decimal"

    "marketdata/internal/assetclass"
    "marketdata/internal/pricecache"
    "marketdata/internal/provider"
)

// fakeProvider is a scriptable provider for aggregator tests.
type fakeProvider struct {
    name     string
    initOK   bool
    healthOK bool
    price    func(symbol string) *provider.PriceRecord
    delay    time.Duration

    inflight    atomic.Int64
    maxInflight atomic.Int64
    calls       atomic.Int64
}

func (f *fakeProvider) Name() string                        { return f.name }
func (f *fakeProvider) Initialize(context.Context) bool     { return f.initOK }
func (f *fakeProvider) HealthCheck(context.Context) bool    { return f.healthOK }
func (f *fakeProvider) Close() error                        { return nil }

func (f *fakeProvider) GetPrice(ctx context.Context, symbol string) (*provider.PriceRecord, error) {
    cur := f.inflight.Add(1)
    defer f.inflight.Add(-1)
    for {
        max := f.maxInflight.Load()
        if cur <= max || f.maxInflight.CompareAndSwap(max, cur) { break }
    }
    f.calls.Add(1)
    if f.delay > 0 {
        select {
        case <-ctx.Done():
            return nil, ctx.Err()
        case <-time.After(f.delay):
        }
    }
    if f.price == nil { return nil, nil }
    return f.price(symbol), nil
}

func (f *fakeProvider) GetBulkPrices(ctx context.Context, symbols []string) ([]*provider.PriceRecord, error) {
    out := make([]*provider.PriceRecord, len(symbols))
    for i, s := range symbols {
        rec, err := f.GetPrice(ctx, s)
        if err != nil { return out, err }
        out[i] = rec
    }
    return out, nil
}

// bulkFakeProvider adds a true bulk endpoint and a forcible reconnect, like
// the broker adapter. Per-symbol calls still land in fakeProvider.GetPrice.
type bulkFakeProvider struct {
    fakeProvider
    bulkCalls  atomic.Int64
    reconnects atomic.Int64
}

func (f *bulkFakeProvider) SupportsBulk() bool { return true }

func (f *bulkFakeProvider) ForceReconnect(context.Context) error {
    f.reconnects.Add(1)
    return nil
}

func (f *bulkFakeProvider) GetBulkPrices(_ context.Context, symbols []string) ([]*provider.PriceRecord, error) {
    f.bulkCalls.Add(1)
    out := make([]*provider.PriceRecord, len(symbols))
    for i, s := range symbols {
        if f.price != nil { out[i] = f.price(s) }
    }
    return out, nil
}

func rec(name, symbol, price string) *provider.PriceRecord {
    return &provider.PriceRecord{
        Symbol:     symbol,
        Class:      assetclass.Classify(symbol),
        Price:      decimal.RequireFromString(price),
        ObservedAt: time.Now().UTC(),
        Source:     name,
    }
}

func equityPriority(names ...string) map[assetclass.AssetClass][]string {
    return map[assetclass.AssetClass][]string{assetclass.Equity: names}
}

func newReady(t *testing.T, cfg Config, priority map[assetclass.AssetClass][]string, cache pricecache.Cache, providers ...provider.Provider) *Aggregator {
    t.Helper()
    if cfg.ProbeSymbols == nil { cfg.ProbeSymbols = map[string]string{} }
    a, err := New(cfg, providers, priority, cache, nil)
    if err != nil { t.Fatalf("new aggregator: %v", err) }
    a.Initialize(context.Background())
    return a
}

func TestNew_NoProviders(t *testing.T) {
    if _, err := New(Config{}, nil, nil, nil, nil); err == nil {
        t.Fatal("expected a construction error with zero providers")
    }
}

func TestGetPrice_PartialFailure(t *testing.T) {
    down1 := &fakeProvider{name: "p1"}
    down2 := &fakeProvider{name: "p2"}
    up := &fakeProvider{name: "p3", initOK: true, healthOK: true,
        price: func(s string) *provider.PriceRecord { return rec("p3", s, "42.5") }}

    a := newReady(t, Config{}, equityPriority("p1", "p2", "p3"), nil, down1, down2, up)

    got, err := a.GetPrice(context.Background(), "AAPL")
    if err != nil { t.Fatalf("get price: %v", err) }
    if got == nil || got.Source != "p3" { t.Fatalf("got %+v, want record from p3", got) }

    health := a.HealthCheck(context.Background())
    unhealthy := 0
    for _, ok := range health {
        if !ok { unhealthy++ }
    }
    if unhealthy != 2 { t.Fatalf("unhealthy = %d, want 2", unhealthy) }
}

func TestGetPrice_ZeroPriceGuard(t *testing.T) {
    zero := &fakeProvider{name: "p1", initOK: true, healthOK: true,
        price: func(s string) *provider.PriceRecord { return rec("p1", s, "0") }}
    valid := &fakeProvider{name: "p2", initOK: true, healthOK: true,
        price: func(s string) *provider.PriceRecord { return rec("p2", s, "101.5") }}

    a := newReady(t, Config{}, equityPriority("p1", "p2"), nil, zero, valid)

    got, err := a.GetPrice(context.Background(), "MSFT")
    if err != nil { t.Fatalf("get price: %v", err) }
    if got == nil || got.Source != "p2" {
        t.Fatalf("zero priced record must not win, got %+v", got)
    }
    if zero.calls.Load() == 0 { t.Fatal("first provider should have been tried") }
}

func TestGetPrice_AllFail(t *testing.T) {
    bad := &fakeProvider{name: "p1", initOK: true, healthOK: true}
    a := newReady(t, Config{}, equityPriority("p1"), nil, bad)

    got, err := a.GetPrice(context.Background(), "NFLX")
    if err != nil { t.Fatalf("get price: %v", err) }
    if got != nil { t.Fatalf("expected absent, got %+v", got) }

    stats := a.GetStats()
    if stats.Failure == 0 { t.Fatal("failure counter should have moved") }
}

func TestGetPrice_StaleCacheFallback(t *testing.T) {
    cache := pricecache.NewMemory()
    stale := rec("old", "IBM", "188.8")
    if err := cache.Set(context.Background(), "IBM", stale); err != nil { t.Fatalf("seed cache: %v", err) }

    failing := &fakeProvider{name: "p1", initOK: true, healthOK: true}
    cfg := Config{TraditionalTTL: time.Nanosecond, CryptoTTL: time.Nanosecond}
    a := newReady(t, cfg, equityPriority("p1"), cache, failing)

    time.Sleep(10 * time.Millisecond)

    got, err := a.GetPrice(context.Background(), "IBM")
    if err != nil { t.Fatalf("get price: %v", err) }
    if got == nil { t.Fatal("expected the stale cache entry, got absent") }
    if !got.Price.Equal(stale.Price) { t.Fatalf("price = %s", got.Price) }
    if failing.calls.Load() == 0 { t.Fatal("the live provider should have been tried first") }
}

func TestGetBulkPrices_Ordering(t *testing.T) {
    delays := map[string]time.Duration{"AAA": 60 * time.Millisecond, "BBB": 0, "CCC": 30 * time.Millisecond}
    p := &fakeProvider{name: "p1", initOK: true, healthOK: true,
        price: func(s string) *provider.PriceRecord {
            time.Sleep(delays[s])
            return rec("p1", s, "10")
        }}

    a := newReady(t, Config{}, equityPriority("p1"), nil, p)

    got, err := a.GetBulkPrices(context.Background(), []string{"AAA", "BBB", "CCC"})
    if err != nil { t.Fatalf("bulk: %v", err) }
    if len(got) != 3 { t.Fatalf("len = %d", len(got)) }
    for i, want := range []string{"AAA", "BBB", "CCC"} {
        if got[i] == nil || got[i].Symbol != want {
            t.Fatalf("position %d = %+v, want %s", i, got[i], want)
        }
    }
}

func TestGetBulkPrices_DuplicatesFetchedOnce(t *testing.T) {
    p := &fakeProvider{name: "p1", initOK: true, healthOK: true,
        price: func(s string) *provider.PriceRecord { return rec("p1", s, "10") }}

    a := newReady(t, Config{}, equityPriority("p1"), nil, p)

    symbols := make([]string, 50)
    for i := range symbols { symbols[i] = "DUP" }
    got, err := a.GetBulkPrices(context.Background(), symbols)
    if err != nil { t.Fatalf("bulk: %v", err) }
    if len(got) != 50 { t.Fatalf("len = %d", len(got)) }
    for i, r := range got {
        if r == nil || r.Symbol != "DUP" { t.Fatalf("position %d = %+v", i, r) }
    }
    if calls := p.calls.Load(); calls != 1 {
        t.Fatalf("expected a single upstream call for 50 duplicates, got %d", calls)
    }
}

func TestGetBulkPrices_ConcurrencyBound(t *testing.T) {
    p := &fakeProvider{name: "p1", initOK: true, healthOK: true, delay: 20 * time.Millisecond,
        price: func(s string) *provider.PriceRecord { return rec("p1", s, "10") }}

    cfg := Config{Concurrency: 3}
    a := newReady(t, cfg, equityPriority("p1"), nil, p)

    symbols := []string{"S01", "S02", "S03", "S04", "S05", "S06", "S07", "S08", "S09", "S10"}
    if _, err := a.GetBulkPrices(context.Background(), symbols); err != nil {
        t.Fatalf("bulk: %v", err)
    }
    if max := p.maxInflight.Load(); max > 3 {
        t.Fatalf("in-flight requests peaked at %d, limit is 3", max)
    }
}

func TestGetBulkPrices_UsesProviderBulkEndpoint(t *testing.T) {
    p := &bulkFakeProvider{fakeProvider: fakeProvider{name: "p1", initOK: true, healthOK: true,
        price: func(s string) *provider.PriceRecord { return rec("p1", s, "10") }}}

    a := newReady(t, Config{}, equityPriority("p1"), nil, p)

    symbols := []string{"S01", "S02", "S03", "S04", "S05", "S06", "S07", "S08", "S09", "S10"}
    got, err := a.GetBulkPrices(context.Background(), symbols)
    if err != nil { t.Fatalf("bulk: %v", err) }
    for i, r := range got {
        if r == nil || r.Symbol != symbols[i] { t.Fatalf("position %d = %+v", i, r) }
    }
    if calls := p.bulkCalls.Load(); calls != 1 {
        t.Fatalf("bulk endpoint calls = %d, want 1", calls)
    }
    if calls := p.calls.Load(); calls != 0 {
        t.Fatalf("per-symbol fan-out bypassed the bulk endpoint %d times", calls)
    }
}

func TestGetBulkPrices_ReconnectBeforeLargeBatch(t *testing.T) {
    p := &bulkFakeProvider{fakeProvider: fakeProvider{name: "p1", initOK: true, healthOK: true,
        price: func(s string) *provider.PriceRecord { return rec("p1", s, "10") }}}

    cfg := Config{ReconnectBulkSize: 5}
    a := newReady(t, cfg, equityPriority("p1"), nil, p)

    if _, err := a.GetBulkPrices(context.Background(), []string{"S01", "S02", "S03", "S04", "S05", "S06"}); err != nil {
        t.Fatalf("bulk: %v", err)
    }
    if n := p.reconnects.Load(); n != 1 { t.Fatalf("reconnects = %d, want 1", n) }

    // Small batches keep the existing session.
    if _, err := a.GetBulkPrices(context.Background(), []string{"S07", "S08"}); err != nil {
        t.Fatalf("small bulk: %v", err)
    }
    if n := p.reconnects.Load(); n != 1 { t.Fatalf("reconnects after small batch = %d, want 1", n) }
}

func TestGetBulkPrices_RetryAgainstSecondary(t *testing.T) {
    primary := &fakeProvider{name: "p1", initOK: true, healthOK: true}
    secondary := &fakeProvider{name: "p2", initOK: true, healthOK: true,
        price: func(s string) *provider.PriceRecord { return rec("p2", s, "55") }}

    a := newReady(t, Config{}, equityPriority("p1", "p2"), nil, primary, secondary)

    got, err := a.GetBulkPrices(context.Background(), []string{"ORCL"})
    if err != nil { t.Fatalf("bulk: %v", err) }
    if got[0] == nil || got[0].Source != "p2" {
        t.Fatalf("expected retry to reach p2, got %+v", got[0])
    }
}

func TestGetPrice_FallbackToAnyReady(t *testing.T) {
    // Crypto chain names a provider that does not exist; the ready equity
    // provider must still be tried.
    p := &fakeProvider{name: "p1", initOK: true, healthOK: true,
        price: func(s string) *provider.PriceRecord { return rec("p1", s, "300") }}
    priority := map[assetclass.AssetClass][]string{
        assetclass.Crypto: {"gone"},
        assetclass.Equity: {"p1"},
    }
    a := newReady(t, Config{}, priority, nil, p)

    got, err := a.GetPrice(context.Background(), "BTC-USD")
    if err != nil { t.Fatalf("get price: %v", err) }
    if got == nil || got.Source != "p1" { t.Fatalf("got %+v", got) }
}

func TestHealthCheck_Recovery(t *testing.T) {
    p := &fakeProvider{name: "p1", initOK: true, healthOK: false,
        price: func(s string) *provider.PriceRecord { return rec("p1", s, "10") }}
    a := newReady(t, Config{}, equityPriority("p1"), nil, p)

    if a.isReady("p1") { t.Fatal("provider should not be ready after failed init health check") }

    p.healthOK = true
    health := a.HealthCheck(context.Background())
    if !health["p1"] { t.Fatal("provider should recover on a passing health check") }
}

func TestGetPrice_CacheHitLeavesProviderCountersAlone(t *testing.T) {
    cache := pricecache.NewMemory()
    if err := cache.Set(context.Background(), "IBM", rec("p1", "IBM", "188.8")); err != nil {
        t.Fatalf("seed cache: %v", err)
    }

    p := &fakeProvider{name: "p1", initOK: true, healthOK: true,
        price: func(s string) *provider.PriceRecord { return rec("p1", s, "190") }}
    a := newReady(t, Config{}, equityPriority("p1"), cache, p)

    got, err := a.GetPrice(context.Background(), "IBM")
    if err != nil { t.Fatalf("get price: %v", err) }
    if got == nil || !got.Price.Equal(decimal.RequireFromString("188.8")) {
        t.Fatalf("expected the cached record, got %+v", got)
    }
    if p.calls.Load() != 0 { t.Fatal("a fresh cache hit must not reach the provider") }

    snap := a.GetStats()
    if snap.CacheHits != 1 { t.Fatalf("cache hits = %d, want 1", snap.CacheHits) }
    if snap.Success != 1 { t.Fatalf("success = %d, want 1", snap.Success) }
    if ps := snap.Providers["p1"]; ps.Requests != 0 {
        t.Fatalf("provider requests = %d, cache hits must not count against the provider", ps.Requests)
    }
}

func TestStats_Concurrent(t *testing.T) {
    s := NewStats()
    var wg sync.WaitGroup
    for i := 0; i < 50; i++ {
        wg.Add(1)
        go func() {
            defer wg.Done()
            s.RecordRequest()
            s.RecordOutcome("p1", true)
        }()
    }
    wg.Wait()
    snap := s.Snapshot()
    if snap.TotalRequests != 50 || snap.Success != 50 {
        t.Fatalf("snapshot = %+v", snap)
    }
    if snap.Providers["p1"].Requests != 50 { t.Fatalf("provider counter = %d", snap.Providers["p1"].Requests) }
}
