package igindex

import (
	"context"
	"fmt"
	"log"
	"strings"

	"marketdata/internal/assetclass"
	"marketdata/internal/directory"
)

// marketAPI is the slice of the IG client used by discovery.
type marketAPI interface {
	SearchMarkets(ctx context.Context, session *Session, term string, opts ...IGAPIClientOption) ([]MarketHit, error)
	MarketByEpic(ctx context.Context, session *Session, epic string, opts ...IGAPIClientOption) (*Market, error)
}

// Discovery resolves unknown symbols to broker instruments via the IG search
// endpoint and records the mapping in the directory.
type Discovery struct {
	api   marketAPI
	store directory.Store
}

func NewDiscovery(api marketAPI, store directory.Store) *Discovery {
	return &Discovery{api: api, store: store}
}

// displayAliases maps IG instrument names to the names traders expect.
var displayAliases = map[string]string{
	"US 500":         "S&P 500",
	"US Tech 100":    "Nasdaq 100",
	"Wall Street":    "Dow Jones",
	"Germany 40":     "DAX 40",
	"Volatility Index": "VIX",
}

// Discover searches IG for a symbol, picks the best tradeable match and
// upserts the mapping. Re-running discovery for a known symbol refreshes the
// existing row instead of creating a duplicate. Returns (nil, nil) when no
// usable instrument exists.
func (d *Discovery) Discover(ctx context.Context, session *Session, symbol string) (*directory.Entry, error) {
	term := searchTerm(symbol)
	hits, err := d.api.SearchMarkets(ctx, session, term)
	if err != nil {
		return nil, fmt.Errorf("discovery: search %q: %w", term, err)
	}

	candidates := make([]MarketHit, 0, len(hits))
	for _, hit := range hits {
		if hit.MarketStatus == "TRADEABLE" && hit.StreamingPricesAvailable {
			candidates = append(candidates, hit)
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	best := candidates[0]
	for _, hit := range candidates {
		if strings.EqualFold(stripProductSuffix(hit.InstrumentName), term) {
			best = hit
			break
		}
	}

	market, err := d.api.MarketByEpic(ctx, session, best.Epic)
	if err != nil {
		return nil, fmt.Errorf("discovery: market detail %s: %w", best.Epic, err)
	}
	name := best.InstrumentName
	instrumentType := best.InstrumentType
	if market != nil {
		if market.Instrument.Name != "" {
			name = market.Instrument.Name
		}
		if market.Instrument.Type != "" {
			instrumentType = market.Instrument.Type
		}
	}

	entry := directory.Entry{
		Symbol:      strings.ToUpper(strings.TrimSpace(symbol)),
		Epic:        best.Epic,
		DisplayName: cleanDisplayName(name),
		Class:       classForInstrument(instrumentType, symbol),
	}
	if err := d.store.Upsert(ctx, entry); err != nil {
		return nil, fmt.Errorf("discovery: store %s: %w", entry.Symbol, err)
	}
	log.Printf("igindex: discovered %s -> %s (%s)", entry.Symbol, entry.Epic, entry.DisplayName)
	return &entry, nil
}

// searchTerm strips quote-source decorations from a symbol before searching.
func searchTerm(symbol string) string {
	s := strings.TrimSpace(symbol)
	if alias, ok := searchAliases[strings.ToUpper(s)]; ok {
		return alias
	}
	s = strings.TrimPrefix(s, "^")
	s = strings.TrimSuffix(s, "=X")
	s = strings.TrimSuffix(s, "=F")
	return s
}

var searchAliases = map[string]string{
	"^GSPC": "US 500",
	"^IXIC": "US Tech 100",
	"^DJI":  "Wall Street",
	"^FTSE": "FTSE 100",
	"^VIX":  "Volatility Index",
	"GC=F":  "Gold",
	"SI=F":  "Silver",
	"CL=F":  "Oil - US Crude",
	"BZ=F":  "Oil - Brent Crude",
	"NG=F":  "Natural Gas",
	"HG=F":  "Copper",
}

// cleanDisplayName strips IG product suffixes and applies display aliases.
func cleanDisplayName(name string) string {
	n := stripProductSuffix(name)
	if alias, ok := displayAliases[n]; ok {
		return alias
	}
	return n
}

func stripProductSuffix(name string) string {
	n := strings.TrimSpace(name)
	for _, suffix := range []string{" DFB", " CFD", " Cash"} {
		n = strings.TrimSuffix(n, suffix)
	}
	return strings.TrimSpace(n)
}

// classForInstrument maps the IG instrument type to an asset class, falling
// back to symbol classification when the type is unknown.
func classForInstrument(instrumentType, symbol string) assetclass.AssetClass {
	switch strings.ToUpper(instrumentType) {
	case "CURRENCIES":
		return assetclass.Forex
	case "INDICES":
		return assetclass.Index
	case "COMMODITIES":
		return assetclass.Commodity
	case "SHARES", "EQUITIES":
		return assetclass.Equity
	case "CRYPTOCURRENCIES":
		return assetclass.Crypto
	}
	return assetclass.Classify(symbol)
}
