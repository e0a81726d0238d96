package provider

import (
    "context"
    "errors"
    "strings"
    "time"

    "github.com/shopspring/decimal"

    "marketdata/internal/assetclass"
)

// PriceRecord is the normalized shape returned by all providers.
// Money fields use decimal to avoid float rounding on broker-scaled prices.
type PriceRecord struct {
    Symbol     string                `json:"symbol"`
    Class      assetclass.AssetClass `json:"asset_class"`
    Price      decimal.Decimal       `json:"price"`
    ChangePct  float64               `json:"change_percent"`
    ChangeAbs  decimal.Decimal       `json:"change_absolute"`
    Volume     *float64              `json:"volume,omitempty"`
    MarketCap  *float64              `json:"market_cap,omitempty"`
    ObservedAt time.Time             `json:"observed_at"`
    Source     string                `json:"source"`
}

// Valid reports whether the record is usable. A provider returning a
// non-positive price is treated as "no data", never as an error.
func (r *PriceRecord) Valid() bool {
    return r != nil && r.Price.IsPositive()
}

// Provider is the uniform adapter contract. Adapters return (nil, nil) from
// the price methods when a symbol is unsupported or data is unavailable;
// errors are reserved for unexpected transport failures, which callers treat
// as absent but log distinctly.
type Provider interface {
    Name() string

    // Initialize establishes any required session or auth state. It is
    // idempotent and reports failure instead of returning an error.
    Initialize(ctx context.Context) bool

    // HealthCheck is a cheap liveness probe under a bounded timeout.
    HealthCheck(ctx context.Context) bool

    GetPrice(ctx context.Context, symbol string) (*PriceRecord, error)

    // GetBulkPrices returns a slice of the same length and order as symbols;
    // absent entries are nil and independently retryable.
    GetBulkPrices(ctx context.Context, symbols []string) ([]*PriceRecord, error)

    // Close releases session resources; safe to call more than once.
    Close() error
}

// BulkCapable marks adapters with a true bulk endpoint, letting the
// aggregator send a whole affinity group in one call instead of fanning out.
type BulkCapable interface {
    SupportsBulk() bool
}

var (
    // ErrAuthExpired signals a stale broker session; the owning adapter
    // re-authenticates on next use and never surfaces this to callers.
    ErrAuthExpired = errors.New("provider: auth expired")

    // ErrMalformed signals a response shape the adapter could not parse.
    ErrMalformed = errors.New("provider: malformed response")
)

// IsAuthError applies the transport-error heuristics used to detect a stale
// broker session: explicit sentinel, auth-shaped message, or connection
// failure.
func IsAuthError(err error) bool {
    if err == nil { return false }
    if errors.Is(err, ErrAuthExpired) { return true }
    msg := strings.ToLower(err.Error())
    for _, tok := range []string{"unauthorized", "forbidden", "security token", "client-token", "connection refused", "connection reset", "broken pipe"} {
        if strings.Contains(msg, tok) { return true }
    }
    return false
}

// SequentialBulk implements GetBulkPrices for adapters without a true bulk
// endpoint: a sequential loop over GetPrice with an optional inter-item
// pause. Output is positionally aligned with symbols.
func SequentialBulk(ctx context.Context, p Provider, symbols []string, pause time.Duration) ([]*PriceRecord, error) {
    out := make([]*PriceRecord, len(symbols))
    for i, s := range symbols {
        if ctx.Err() != nil { return out, ctx.Err() }
        rec, err := p.GetPrice(ctx, s)
        if err == nil && rec.Valid() {
            out[i] = rec
        }
        if pause > 0 && i < len(symbols)-1 {
            t := time.NewTimer(pause)
            select {
            case <-ctx.Done():
                t.Stop()
                return out, ctx.Err()
            case <-t.C:
            }
        }
    }
    return out, nil
}
