package binance

import (
    "context"
    "encoding/json"
    "fmt"
    "io"
    "log"
    "net/http"
    "net/url"
    "strconv"
    "strings"
    "sync"
    "time"

    "github.com/shopspring/decimal"
    "golang.org/x/sync/singleflight"

    "marketdata/internal/assetclass"
    "marketdata/internal/httpx"
    "marketdata/internal/provider"
)

// Config controls the Binance provider behavior.
type Config struct {
    Name      string
    Endpoint  string
    SymbolMap map[string]string // canonical -> exchange pair, e.g. BTC -> BTCUSDT
    // TickerCacheTTL keeps the full 24hr ticker payload around so a bulk
    // request right after another does not refetch the whole set.
    TickerCacheTTL time.Duration
}

// Provider fetches crypto prices from the Binance REST API. Bulk requests
// pull the full ticker set in one call and match client-side, so network
// cost is O(1) in the number of requested symbols.
type Provider struct {
    cfg    Config
    client *httpx.Client

    mu           sync.RWMutex
    tickerByPair map[string]ticker
    tickerUntil  time.Time
    sf           singleflight.Group
}

func defaultSymbolMap() map[string]string {
    return map[string]string{
        "BTC": "BTCUSDT", "ETH": "ETHUSDT", "SOL": "SOLUSDT",
        "AVAX": "AVAXUSDT", "MATIC": "MATICUSDT", "ADA": "ADAUSDT",
        "DOT": "DOTUSDT", "LINK": "LINKUSDT", "UNI": "UNIUSDT",
        "AAVE": "AAVEUSDT",
    }
}

func New(cfg Config, hc *httpx.Client) *Provider {
    if cfg.Name == "" { cfg.Name = "binance" }
    if cfg.Endpoint == "" { cfg.Endpoint = "https://api.binance.com/api/v3" }
    if cfg.SymbolMap == nil { cfg.SymbolMap = defaultSymbolMap() }
    if cfg.TickerCacheTTL <= 0 { cfg.TickerCacheTTL = 5 * time.Second }
    return &Provider{cfg: cfg, client: hc}
}

func (p *Provider) Name() string      { return p.cfg.Name }
func (p *Provider) SupportsBulk() bool { return true }
func (p *Provider) Close() error      { return nil }

// Initialize verifies connectivity; Binance needs no session state.
func (p *Provider) Initialize(ctx context.Context) bool { return p.HealthCheck(ctx) }

func (p *Provider) HealthCheck(ctx context.Context) bool {
    req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.Endpoint+"/ping", nil)
    if err != nil { return false }
    resp, err := p.client.Do(ctx, req)
    if err != nil { return false }
    defer resp.Body.Close()
    io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<10))
    return resp.StatusCode == http.StatusOK
}

func (p *Provider) GetPrice(ctx context.Context, symbol string) (*provider.PriceRecord, error) {
    pair := p.pairFor(symbol)
    u := fmt.Sprintf("%s/ticker/24hr?%s", p.cfg.Endpoint, url.Values{"symbol": {pair}}.Encode())
    req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
    if err != nil { return nil, err }
    resp, err := p.client.Do(ctx, req)
    if err != nil { return nil, err }
    defer resp.Body.Close()
    if resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusNotFound {
        // Unknown pair: no data, not an error.
        io.Copy(io.Discard, io.LimitReader(resp.Body, 2<<10))
        return nil, nil
    }
    if resp.StatusCode != http.StatusOK {
        b, _ := io.ReadAll(io.LimitReader(resp.Body, 2<<10))
        return nil, fmt.Errorf("binance: GET ticker/24hr %s -> %d: %s", pair, resp.StatusCode, string(b))
    }
    var t ticker
    if err := json.NewDecoder(resp.Body).Decode(&t); err != nil {
        return nil, fmt.Errorf("binance: decode ticker for %s: %w", pair, provider.ErrMalformed)
    }
    return p.record(symbol, t), nil
}

func (p *Provider) GetBulkPrices(ctx context.Context, symbols []string) ([]*provider.PriceRecord, error) {
    byPair, err := p.allTickers(ctx)
    if err != nil { return nil, err }
    out := make([]*provider.PriceRecord, len(symbols))
    for i, s := range symbols {
        if t, ok := byPair[p.pairFor(s)]; ok {
            out[i] = p.record(s, t)
        }
    }
    return out, nil
}

// allTickers returns the full 24hr ticker set keyed by pair, serving a short
// lived cached copy when fresh and coalescing concurrent refreshes.
func (p *Provider) allTickers(ctx context.Context) (map[string]ticker, error) {
    now := time.Now()
    p.mu.RLock()
    if p.tickerByPair != nil && now.Before(p.tickerUntil) {
        m := p.tickerByPair
        p.mu.RUnlock()
        return m, nil
    }
    p.mu.RUnlock()

    v, err, _ := p.sf.Do("tickers", func() (any, error) {
        req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.Endpoint+"/ticker/24hr", nil)
        if err != nil { return nil, err }
        resp, err := p.client.Do(ctx, req)
        if err != nil { return nil, err }
        defer resp.Body.Close()
        if resp.StatusCode != http.StatusOK {
            b, _ := io.ReadAll(io.LimitReader(resp.Body, 2<<10))
            return nil, fmt.Errorf("binance: GET ticker/24hr -> %d: %s", resp.StatusCode, string(b))
        }
        var all []ticker
        if err := json.NewDecoder(resp.Body).Decode(&all); err != nil {
            return nil, fmt.Errorf("binance: decode ticker set: %w", provider.ErrMalformed)
        }
        m := make(map[string]ticker, len(all))
        for _, t := range all { m[t.Symbol] = t }
        p.mu.Lock()
        p.tickerByPair = m
        p.tickerUntil = time.Now().Add(p.cfg.TickerCacheTTL)
        p.mu.Unlock()
        return m, nil
    })
    if err != nil { return nil, err }
    return v.(map[string]ticker), nil
}

func (p *Provider) pairFor(symbol string) string {
    clean := strings.ToUpper(strings.TrimPrefix(strings.TrimSpace(symbol), "$"))
    // BTC-USD and BTC-USDT both mean the BTCUSDT pair here.
    clean = strings.TrimSuffix(clean, "-USDT")
    clean = strings.TrimSuffix(clean, "-USD")
    if v, ok := p.cfg.SymbolMap[clean]; ok { return v }
    if strings.HasSuffix(clean, "USDT") { return clean }
    return clean + "USDT"
}

func (p *Provider) record(symbol string, t ticker) *provider.PriceRecord {
    price, err := decimal.NewFromString(t.LastPrice)
    if err != nil {
        log.Printf("%s: malformed price for %s: %q", p.cfg.Name, symbol, t.LastPrice)
        return nil
    }
    change, _ := decimal.NewFromString(t.PriceChange)
    pct, _ := strconv.ParseFloat(t.PriceChangePercent, 64)
    rec := &provider.PriceRecord{
        Symbol:     symbol,
        Class:      assetclass.Crypto,
        Price:      price,
        ChangePct:  pct,
        ChangeAbs:  change,
        ObservedAt: time.Now().UTC(),
        Source:     p.cfg.Name,
    }
    if vol, err := strconv.ParseFloat(t.Volume, 64); err == nil && vol > 0 {
        rec.Volume = &vol
    }
    return rec
}

type ticker struct {
    Symbol             string `json:"symbol"`
    LastPrice          string `json:"lastPrice"`
    PriceChange        string `json:"priceChange"`
    PriceChangePercent string `json:"priceChangePercent"`
    Volume             string `json:"volume"`
}
