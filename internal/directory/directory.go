package directory

import (
    "context"
    "errors"
    "time"

    "marketdata/internal/assetclass"
)

// Entry maps a canonical symbol to the broker instrument that serves it.
type Entry struct {
    Symbol       string               `json:"symbol"`
    Epic         string               `json:"epic"`
    DisplayName  string               `json:"display_name"`
    Class        assetclass.AssetClass `json:"asset_type"`
    Active       bool                 `json:"active"`
    DiscoveredAt time.Time            `json:"discovered_at"`
    UpdatedAt    time.Time            `json:"last_updated"`
}

// ErrClosed is returned by stores after Close.
var ErrClosed = errors.New("directory: store closed")

// Store persists symbol to instrument mappings. Lookups return (nil, nil)
// when the symbol is unknown so callers can distinguish a miss from a
// storage failure.
type Store interface {
    GetBySymbol(ctx context.Context, symbol string) (*Entry, error)
    GetByEpic(ctx context.Context, epic string) (*Entry, error)
    // Upsert inserts a mapping or refreshes an existing one in a single
    // atomic statement keyed on the symbol.
    Upsert(ctx context.Context, entry Entry) error
    Deactivate(ctx context.Context, symbol string) error
    ListByClass(ctx context.Context, class assetclass.AssetClass) ([]Entry, error)
    // Summary reports active entry counts per asset class.
    Summary(ctx context.Context) (map[assetclass.AssetClass]int, error)
    Ping(ctx context.Context) error
    Close() error
}
