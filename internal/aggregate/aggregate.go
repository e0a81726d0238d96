package aggregate

import (
    "context"
    "errors"
    "fmt"
    "log"
    "sort"
    "strings"
    "sync"
    "time"

    "golang.org/x/sync/errgroup"
    "golang.org/x/sync/semaphore"

    "marketdata/internal/assetclass"
    "marketdata/internal/notify"
    "marketdata/internal/pricecache"
    "marketdata/internal/provider"
    "marketdata/internal/provider/igindex"
)

// Config are the aggregator tunables.
type Config struct {
    ProviderTimeout time.Duration
    HealthTimeout   time.Duration
    BulkTimeout     time.Duration
    Concurrency     int64
    CryptoTTL       time.Duration
    TraditionalTTL  time.Duration
    // ReconnectBulkSize is the bulk group size at which a reconnectable
    // provider gets a forced session reset before the batch, so a long run
    // never starts on a session about to expire.
    ReconnectBulkSize int
    // ProbeSymbols maps a provider name to the symbol used for its
    // functional smoke test at startup. Providers without a probe pass on
    // init plus health check alone.
    ProbeSymbols map[string]string
}

func (c *Config) fill() {
    if c.ProviderTimeout <= 0 { c.ProviderTimeout = 10 * time.Second }
    if c.HealthTimeout <= 0 { c.HealthTimeout = 30 * time.Second }
    if c.BulkTimeout <= 0 { c.BulkTimeout = 120 * time.Second }
    if c.Concurrency <= 0 { c.Concurrency = 5 }
    if c.CryptoTTL <= 0 { c.CryptoTTL = time.Minute }
    if c.TraditionalTTL <= 0 { c.TraditionalTTL = 5 * time.Minute }
    if c.ReconnectBulkSize <= 0 { c.ReconnectBulkSize = 10 }
    if c.ProbeSymbols == nil {
        c.ProbeSymbols = map[string]string{
            "binance":  "BTC",
            "ig_index": "^GSPC",
        }
    }
}

// DefaultPriority routes each asset class to its provider chain. The crypto
// exchange leads for crypto, the broker serves everything traditional.
func DefaultPriority() map[assetclass.AssetClass][]string {
    return map[assetclass.AssetClass][]string{
        assetclass.Crypto:    {"binance", "mexc"},
        assetclass.Forex:     {"ig_index"},
        assetclass.Index:     {"ig_index"},
        assetclass.Commodity: {"ig_index"},
        assetclass.Equity:    {"ig_index"},
    }
}

// MarketSearcher is implemented by the broker adapter.
type MarketSearcher interface {
    Search(ctx context.Context, term string) ([]igindex.MarketHit, error)
}

// Reconnector is implemented by adapters with a forcible session reset.
type Reconnector interface {
    ForceReconnect(ctx context.Context) error
}

// Aggregator routes price requests across providers with readiness tracking,
// per-call timeouts and cache fallback. Construct it once and share it.
type Aggregator struct {
    cfg      Config
    byName   map[string]provider.Provider
    order    []string
    priority map[assetclass.AssetClass][]string
    cache    pricecache.Cache
    notifier notify.Notifier
    stats    *Stats
    sem      *semaphore.Weighted

    mu    sync.RWMutex
    ready map[string]bool
}

// New builds an aggregator over the given providers in registration order.
// The cache and notifier may be nil. Zero providers is a construction error.
func New(cfg Config, providers []provider.Provider, priority map[assetclass.AssetClass][]string, cache pricecache.Cache, notifier notify.Notifier) (*Aggregator, error) {
    if len(providers) == 0 {
        return nil, errors.New("aggregate: no providers configured")
    }
    cfg.fill()
    if priority == nil { priority = DefaultPriority() }

    a := &Aggregator{
        cfg:      cfg,
        byName:   make(map[string]provider.Provider, len(providers)),
        priority: priority,
        cache:    cache,
        notifier: notifier,
        stats:    NewStats(),
        sem:      semaphore.NewWeighted(cfg.Concurrency),
        ready:    make(map[string]bool, len(providers)),
    }
    for _, p := range providers {
        name := p.Name()
        if _, dup := a.byName[name]; dup {
            return nil, fmt.Errorf("aggregate: duplicate provider %q", name)
        }
        a.byName[name] = p
        a.order = append(a.order, name)
        a.ready[name] = false
    }
    return a, nil
}

// Initialize brings every provider up concurrently. Partial readiness is a
// valid end state; Initialize never fails outright.
func (a *Aggregator) Initialize(ctx context.Context) {
    g, gctx := errgroup.WithContext(ctx)
    for _, name := range a.order {
        p := a.byName[name]
        g.Go(func() error {
            cctx, cancel := context.WithTimeout(gctx, a.cfg.HealthTimeout)
            defer cancel()
            ok := p.Initialize(cctx) && p.HealthCheck(cctx)
            if ok {
                if probe := a.cfg.ProbeSymbols[name]; probe != "" {
                    ok = a.smokeTest(cctx, p, probe)
                }
            }
            a.setReady(name, ok)
            return nil
        })
    }
    g.Wait()

    readyNames := a.readyList()
    log.Printf("aggregate: %d/%d providers ready: %s", len(readyNames), len(a.order), strings.Join(readyNames, ", "))
    if a.notifier != nil { a.notifier.Startup(readyNames) }
}

func (a *Aggregator) smokeTest(ctx context.Context, p provider.Provider, probe string) bool {
    cctx, cancel := context.WithTimeout(ctx, a.cfg.ProviderTimeout)
    defer cancel()
    rec, err := p.GetPrice(cctx, probe)
    if err != nil {
        log.Printf("aggregate: smoke test %s (%s): %v", p.Name(), probe, err)
        return false
    }
    return rec != nil && rec.Valid()
}

// GetPrice returns the first valid record in the symbol's provider priority
// order, or (nil, nil) when no provider has data. A fresh cache entry short
// circuits the providers; a stale one is a last resort when every provider
// fails.
func (a *Aggregator) GetPrice(ctx context.Context, symbol string) (*provider.PriceRecord, error) {
    a.stats.RecordRequest()
    class := assetclass.Classify(symbol)
    ttl := a.ttlFor(class)

    if entry := a.cacheGet(ctx, symbol); entry != nil && entry.Fresh(time.Now(), ttl) {
        a.stats.RecordCacheHit()
        return entry.Record, nil
    }

    rec := a.fetchFrom(ctx, symbol, a.candidates(class, nil))
    if rec != nil {
        a.cacheSet(ctx, symbol, rec)
        return rec, nil
    }

    if entry := a.cacheGet(ctx, symbol); entry != nil {
        log.Printf("aggregate: serving stale cache for %s (age %s)", symbol, entry.Age(time.Now()).Round(time.Second))
        a.stats.RecordCacheHit()
        return entry.Record, nil
    }
    a.stats.RecordOutcome("", false)
    return nil, nil
}

// fetchFrom tries providers in order under individual timeouts and returns
// the first valid record.
func (a *Aggregator) fetchFrom(ctx context.Context, symbol string, names []string) *provider.PriceRecord {
    for _, name := range names {
        p := a.byName[name]
        cctx, cancel := context.WithTimeout(ctx, a.cfg.ProviderTimeout)
        rec, err := p.GetPrice(cctx, symbol)
        cancel()
        switch {
        case err != nil:
            if errors.Is(err, context.DeadlineExceeded) {
                log.Printf("aggregate: %s timed out for %s", name, symbol)
            } else {
                log.Printf("aggregate: %s failed for %s: %v", name, symbol, err)
            }
            a.stats.RecordOutcome(name, false)
        case rec == nil || !rec.Valid():
            // Absent and zero priced records both mean no data here.
            a.stats.RecordOutcome(name, false)
        default:
            a.stats.RecordOutcome(name, true)
            return rec
        }
        if ctx.Err() != nil { return nil }
    }
    return nil
}

// GetBulkPrices resolves every symbol, positionally aligned with the input.
// Duplicates are fetched once. Symbols are grouped by their primary ready
// provider; groups with a true bulk endpoint go out as one call, the rest
// fan out under the concurrency limit. Failed symbols get one retry against
// the remaining providers in their class chain.
func (a *Aggregator) GetBulkPrices(ctx context.Context, symbols []string) ([]*provider.PriceRecord, error) {
    ctx, cancel := context.WithTimeout(ctx, a.cfg.BulkTimeout)
    defer cancel()

    unique := make([]string, 0, len(symbols))
    seen := make(map[string]bool, len(symbols))
    for _, s := range symbols {
        key := canonical(s)
        if key == "" || seen[key] { continue }
        seen[key] = true
        unique = append(unique, key)
    }

    results := make(map[string]*provider.PriceRecord, len(unique))
    var resultsMu sync.Mutex
    record := func(symbol string, rec *provider.PriceRecord) {
        resultsMu.Lock()
        results[symbol] = rec
        resultsMu.Unlock()
    }

    pending := make([]string, 0, len(unique))
    for _, s := range unique {
        a.stats.RecordRequest()
        class := assetclass.Classify(s)
        if entry := a.cacheGet(ctx, s); entry != nil && entry.Fresh(time.Now(), a.ttlFor(class)) {
            a.stats.RecordCacheHit()
            record(s, entry.Record)
            continue
        }
        pending = append(pending, s)
    }

    groups := a.groupByPrimary(pending)
    var wg sync.WaitGroup
    for name, group := range groups {
        wg.Add(1)
        go func(name string, group []string) {
            defer wg.Done()
            a.fetchGroup(ctx, name, group, record)
        }(name, group)
    }
    wg.Wait()

    // One retry for anything still missing, against the rest of the chain.
    var retryWG sync.WaitGroup
    for _, s := range pending {
        resultsMu.Lock()
        _, done := results[s]
        resultsMu.Unlock()
        if done { continue }
        retryWG.Add(1)
        go func(s string) {
            defer retryWG.Done()
            if err := a.sem.Acquire(ctx, 1); err != nil { return }
            defer a.sem.Release(1)
            class := assetclass.Classify(s)
            primary := a.primaryFor(class)
            rec := a.fetchFrom(ctx, s, a.candidates(class, func(name string) bool { return name != primary }))
            if rec != nil {
                a.cacheSet(ctx, s, rec)
                record(s, rec)
            }
        }(s)
    }
    retryWG.Wait()

    // Stale fallback for whatever is still missing, then positional output.
    out := make([]*provider.PriceRecord, len(symbols))
    for i, s := range symbols {
        key := canonical(s)
        resultsMu.Lock()
        rec := results[key]
        resultsMu.Unlock()
        if rec == nil {
            if entry := a.cacheGet(ctx, key); entry != nil {
                rec = entry.Record
            }
        }
        out[i] = rec
    }
    return out, ctx.Err()
}

// fetchGroup runs one provider affinity group of a bulk request.
func (a *Aggregator) fetchGroup(ctx context.Context, name string, group []string, record func(string, *provider.PriceRecord)) {
    p := a.byName[name]
    if bulkCapable(p) {
        if len(group) >= a.cfg.ReconnectBulkSize {
            if rc, ok := p.(Reconnector); ok {
                if err := rc.ForceReconnect(ctx); err != nil {
                    log.Printf("aggregate: reconnect %s before bulk of %d: %v", name, len(group), err)
                }
            }
        }
        if err := a.sem.Acquire(ctx, 1); err != nil { return }
        recs, err := p.GetBulkPrices(ctx, group)
        a.sem.Release(1)
        if err != nil {
            log.Printf("aggregate: bulk via %s failed: %v", name, err)
            return
        }
        for i, rec := range recs {
            if i >= len(group) { break }
            if rec != nil && rec.Valid() {
                a.stats.RecordOutcome(name, true)
                a.cacheSet(ctx, group[i], rec)
                record(group[i], rec)
            }
        }
        return
    }

    var wg sync.WaitGroup
    for _, s := range group {
        if err := a.sem.Acquire(ctx, 1); err != nil { return }
        wg.Add(1)
        go func(s string) {
            defer wg.Done()
            defer a.sem.Release(1)
            cctx, cancel := context.WithTimeout(ctx, a.cfg.ProviderTimeout)
            defer cancel()
            rec, err := p.GetPrice(cctx, s)
            if err != nil {
                log.Printf("aggregate: %s failed for %s: %v", name, s, err)
                a.stats.RecordOutcome(name, false)
                return
            }
            if rec == nil || !rec.Valid() {
                a.stats.RecordOutcome(name, false)
                return
            }
            a.stats.RecordOutcome(name, true)
            a.cacheSet(ctx, s, rec)
            record(s, rec)
        }(s)
    }
    wg.Wait()
}

// SearchMarkets delegates to the broker adapter's instrument search.
func (a *Aggregator) SearchMarkets(ctx context.Context, term string) ([]igindex.MarketHit, error) {
    for _, name := range a.order {
        if searcher, ok := a.byName[name].(MarketSearcher); ok {
            if !a.isReady(name) {
                return nil, fmt.Errorf("aggregate: search provider %s not ready", name)
            }
            return searcher.Search(ctx, term)
        }
    }
    return nil, errors.New("aggregate: no provider supports market search")
}

// ForceReconnect resets broker sessions before a large bulk run.
func (a *Aggregator) ForceReconnect(ctx context.Context) error {
    var errs []error
    for _, name := range a.order {
        if rc, ok := a.byName[name].(Reconnector); ok {
            if err := rc.ForceReconnect(ctx); err != nil {
                errs = append(errs, fmt.Errorf("%s: %w", name, err))
            }
        }
    }
    return errors.Join(errs...)
}

// HealthCheck re-probes every provider concurrently and updates readiness in
// both directions.
func (a *Aggregator) HealthCheck(ctx context.Context) map[string]bool {
    g, gctx := errgroup.WithContext(ctx)
    for _, name := range a.order {
        p := a.byName[name]
        g.Go(func() error {
            cctx, cancel := context.WithTimeout(gctx, a.cfg.ProviderTimeout)
            defer cancel()
            ok := p.HealthCheck(cctx)
            wasReady := a.isReady(name)
            a.setReady(name, ok)
            if wasReady && !ok {
                log.Printf("aggregate: provider %s went unhealthy", name)
                if a.notifier != nil {
                    a.notifier.ProviderDown(name, errors.New("health check failed"))
                }
            }
            if !wasReady && ok {
                log.Printf("aggregate: provider %s recovered", name)
            }
            return nil
        })
    }
    g.Wait()

    a.mu.RLock()
    defer a.mu.RUnlock()
    out := make(map[string]bool, len(a.ready))
    for name, ok := range a.ready { out[name] = ok }
    return out
}

// GetStats returns a snapshot of the lifetime counters.
func (a *Aggregator) GetStats() Snapshot { return a.stats.Snapshot() }

// Close releases every provider and the cache. Safe to call once at
// shutdown.
func (a *Aggregator) Close() error {
    var errs []error
    for _, name := range a.order {
        if err := a.byName[name].Close(); err != nil {
            errs = append(errs, fmt.Errorf("%s: %w", name, err))
        }
    }
    if a.cache != nil {
        if err := a.cache.Close(); err != nil { errs = append(errs, err) }
    }
    return errors.Join(errs...)
}

// candidates builds the ready provider chain for a class. An empty chain
// falls back to any ready provider so a symbol still has a chance when its
// class table is misconfigured or its providers are down.
func (a *Aggregator) candidates(class assetclass.AssetClass, keep func(string) bool) []string {
    var out []string
    for _, name := range a.priority[class] {
        if _, exists := a.byName[name]; !exists { continue }
        if !a.isReady(name) { continue }
        if keep != nil && !keep(name) { continue }
        out = append(out, name)
    }
    if len(out) == 0 {
        for _, name := range a.order {
            if !a.isReady(name) { continue }
            if keep != nil && !keep(name) { continue }
            out = append(out, name)
        }
    }
    return out
}

// primaryFor is the first ready provider in the class chain.
func (a *Aggregator) primaryFor(class assetclass.AssetClass) string {
    if names := a.candidates(class, nil); len(names) > 0 { return names[0] }
    return ""
}

// groupByPrimary partitions symbols by their primary provider.
func (a *Aggregator) groupByPrimary(symbols []string) map[string][]string {
    groups := make(map[string][]string)
    for _, s := range symbols {
        primary := a.primaryFor(assetclass.Classify(s))
        if primary == "" { continue }
        groups[primary] = append(groups[primary], s)
    }
    return groups
}

func (a *Aggregator) ttlFor(class assetclass.AssetClass) time.Duration {
    if class == assetclass.Crypto { return a.cfg.CryptoTTL }
    return a.cfg.TraditionalTTL
}

func (a *Aggregator) cacheGet(ctx context.Context, symbol string) *pricecache.Entry {
    if a.cache == nil { return nil }
    entry, err := a.cache.Get(ctx, symbol)
    if err != nil {
        log.Printf("aggregate: cache read %s: %v", symbol, err)
        return nil
    }
    if entry == nil || entry.Record == nil || !entry.Record.Valid() { return nil }
    return entry
}

func (a *Aggregator) cacheSet(ctx context.Context, symbol string, rec *provider.PriceRecord) {
    if a.cache == nil || rec == nil { return }
    if err := a.cache.Set(ctx, symbol, rec); err != nil {
        log.Printf("aggregate: cache write %s: %v", symbol, err)
    }
}

func (a *Aggregator) isReady(name string) bool {
    a.mu.RLock()
    defer a.mu.RUnlock()
    return a.ready[name]
}

func (a *Aggregator) setReady(name string, ok bool) {
    a.mu.Lock()
    a.ready[name] = ok
    a.mu.Unlock()
}

func (a *Aggregator) readyList() []string {
    a.mu.RLock()
    defer a.mu.RUnlock()
    var out []string
    for name, ok := range a.ready {
        if ok { out = append(out, name) }
    }
    sort.Strings(out)
    return out
}

func bulkCapable(p provider.Provider) bool {
    bc, ok := p.(provider.BulkCapable)
    return ok && bc.SupportsBulk()
}

func canonical(symbol string) string {
    return strings.ToUpper(strings.TrimSpace(symbol))
}
