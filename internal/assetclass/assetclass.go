package assetclass

import "strings"

// AssetClass buckets a symbol for provider routing and cache TTL selection.
type AssetClass string

const (
    Crypto    AssetClass = "crypto"
    Forex     AssetClass = "forex"
    Index     AssetClass = "index"
    Commodity AssetClass = "commodity"
    Equity    AssetClass = "equity"
)

// cryptoTickers are bare tickers routed to crypto exchanges even without a
// quote-currency suffix.
var cryptoTickers = map[string]struct{}{
    "BTC": {}, "ETH": {}, "SOL": {}, "AVAX": {}, "MATIC": {}, "ADA": {},
    "DOT": {}, "LINK": {}, "UNI": {}, "AAVE": {}, "XRP": {}, "DOGE": {},
}

// indexTickers are index symbols that carry no ^ prefix.
var indexTickers = map[string]struct{}{
    "SPY": {}, "QQQ": {}, "IWM": {}, "VIX": {}, "DXY": {},
}

var currencyCodes = map[string]struct{}{
    "USD": {}, "EUR": {}, "GBP": {}, "JPY": {}, "CHF": {}, "AUD": {},
    "CAD": {}, "NZD": {}, "CNY": {}, "SEK": {}, "NOK": {}, "SGD": {},
}

var commodityWords = map[string]struct{}{
    "GOLD": {}, "SILVER": {}, "OIL": {}, "BRENT": {}, "NATGAS": {}, "COPPER": {},
}

// Classify maps a raw symbol to an asset class. It is deterministic and
// total: every input maps to exactly one class, unmatched inputs default to
// Equity. Rule order matters; crypto patterns are checked before the
// six-letter forex heuristic so BTCUSD does not classify as a currency pair.
func Classify(symbol string) AssetClass {
    s := strings.ToUpper(strings.TrimSpace(symbol))
    if s == "" { return Equity }
    s = strings.TrimPrefix(s, "$")

    // Crypto: exchange-pair suffixes and well known tickers.
    if strings.HasSuffix(s, "-USD") || strings.HasSuffix(s, "-USDT") || strings.HasSuffix(s, "USDT") {
        return Crypto
    }
    if _, ok := cryptoTickers[s]; ok { return Crypto }
    if strings.HasPrefix(s, "BTC") || strings.HasPrefix(s, "ETH") { return Crypto }

    // Forex: Yahoo-style =X suffix or a six-letter pair of known codes.
    if strings.HasSuffix(s, "=X") { return Forex }
    if len(s) == 6 {
        _, base := currencyCodes[s[:3]]
        _, quote := currencyCodes[s[3:]]
        if base && quote { return Forex }
    }

    // Indices: caret prefix or well known tickers.
    if strings.HasPrefix(s, "^") { return Index }
    if _, ok := indexTickers[s]; ok { return Index }

    // Commodities: futures suffix or keyword aliases.
    if strings.HasSuffix(s, "=F") { return Commodity }
    for _, p := range []string{"GC=", "CL=", "NG=", "SI=", "HG=", "BZ="} {
        if strings.HasPrefix(s, p) { return Commodity }
    }
    if _, ok := commodityWords[s]; ok { return Commodity }

    return Equity
}
