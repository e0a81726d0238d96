package mexc

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
    "time"

    "github.com/shopspring/decimal"

    "marketdata/internal/assetclass"
    "marketdata/internal/httpx"
    "marketdata/internal/provider"
)

// Config controls the MEXC provider behavior.
type Config struct {
    Name     string
    Endpoint string
    // Tokens is the allow list of canonical symbols served by MEXC, mapped
    // to their exchange pairs. Symbols outside the list are absent without a
    // network call; MEXC only backs tokens not yet listed on the primary
    // crypto exchange.
    Tokens map[string]string
}

// Provider fetches prices for long-tail tokens from the MEXC REST API.
type Provider struct {
    cfg    Config
    client *httpx.Client
}

func New(cfg Config, hc *httpx.Client) *Provider {
    if cfg.Name == "" { cfg.Name = "mexc" }
    if cfg.Endpoint == "" { cfg.Endpoint = "https://api.mexc.com/api/v3" }
    if cfg.Tokens == nil { cfg.Tokens = map[string]string{"WAI": "WAIUSDT"} }
    return &Provider{cfg: cfg, client: hc}
}

func (p *Provider) Name() string       { return p.cfg.Name }
func (p *Provider) SupportsBulk() bool { return true }
func (p *Provider) Close() error       { return nil }

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
    pair, ok := p.pairFor(symbol)
    if !ok { return nil, nil }
    u := fmt.Sprintf("%s/ticker/24hr?%s", p.cfg.Endpoint, url.Values{"symbol": {pair}}.Encode())
    req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
    if err != nil { return nil, err }
    resp, err := p.client.Do(ctx, req)
    if err != nil { return nil, err }
    defer resp.Body.Close()
    if resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusNotFound {
        io.Copy(io.Discard, io.LimitReader(resp.Body, 2<<10))
        return nil, nil
    }
    if resp.StatusCode != http.StatusOK {
        b, _ := io.ReadAll(io.LimitReader(resp.Body, 2<<10))
        return nil, fmt.Errorf("mexc: GET ticker/24hr %s -> %d: %s", pair, resp.StatusCode, string(b))
    }
    var t ticker
    if err := json.NewDecoder(resp.Body).Decode(&t); err != nil {
        return nil, fmt.Errorf("mexc: decode ticker for %s: %w", pair, provider.ErrMalformed)
    }
    return p.record(symbol, t), nil
}

// GetBulkPrices fetches the full ticker set in one call and matches the
// allow-listed symbols client-side.
func (p *Provider) GetBulkPrices(ctx context.Context, symbols []string) ([]*provider.PriceRecord, error) {
    out := make([]*provider.PriceRecord, len(symbols))
    anyListed := false
    for _, s := range symbols {
        if _, ok := p.pairFor(s); ok { anyListed = true; break }
    }
    if !anyListed { return out, nil }

    req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.Endpoint+"/ticker/24hr", nil)
    if err != nil { return nil, err }
    resp, err := p.client.Do(ctx, req)
    if err != nil { return nil, err }
    defer resp.Body.Close()
    if resp.StatusCode != http.StatusOK {
        b, _ := io.ReadAll(io.LimitReader(resp.Body, 2<<10))
        return nil, fmt.Errorf("mexc: GET ticker/24hr -> %d: %s", resp.StatusCode, string(b))
    }
    var all []ticker
    if err := json.NewDecoder(resp.Body).Decode(&all); err != nil {
        return nil, fmt.Errorf("mexc: decode ticker set: %w", provider.ErrMalformed)
    }
    byPair := make(map[string]ticker, len(all))
    for _, t := range all { byPair[t.Symbol] = t }
    for i, s := range symbols {
        pair, ok := p.pairFor(s)
        if !ok { continue }
        if t, found := byPair[pair]; found {
            out[i] = p.record(s, t)
        }
    }
    return out, nil
}

// Supported reports whether a symbol is on the MEXC allow list.
func (p *Provider) Supported(symbol string) bool {
    _, ok := p.pairFor(symbol)
    return ok
}

func (p *Provider) pairFor(symbol string) (string, bool) {
    clean := strings.ToUpper(strings.TrimPrefix(strings.TrimSpace(symbol), "$"))
    clean = strings.TrimSuffix(clean, "-USDT")
    clean = strings.TrimSuffix(clean, "-USD")
    pair, ok := p.cfg.Tokens[clean]
    return pair, ok
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
