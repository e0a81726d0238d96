package igindex

import (
	"strings"

	"github.com/shopspring/decimal"
)

// scaleFactor returns the divisor that converts an epic's quoted points into
// the conventional quote for that instrument. IG quotes forex spread-bet
// markets in fractional points: most pairs are scaled by 10000, JPY-quoted
// pairs by 100, while commodities quoted under the CS.D. prefix (gold,
// silver, copper and US cent crosses) already arrive at face value. Cash
// equities under the spread-bet prefixes are quoted in pence or cents and
// scale by 100. Index, crypto and commodity futures epics need no scaling.
func scaleFactor(epic string) int64 {
	upper := strings.ToUpper(epic)

	switch {
	case strings.HasPrefix(upper, "CS.D.") && (strings.Contains(upper, ".TODAY.IP") || strings.Contains(upper, ".CFD.IP")):
		if strings.Contains(upper, "GOLD") || strings.Contains(upper, "SILVER") || strings.Contains(upper, "COPPER") || strings.Contains(upper, "USC") {
			return 1
		}
		if strings.Contains(upper, "USDJPY") {
			return 100
		}
		return 10000

	case strings.HasPrefix(upper, "IX.D."), strings.HasPrefix(upper, "CC.D."), strings.HasPrefix(upper, "MT.D."):
		return 1

	case hasEquityPrefix(upper) && strings.HasSuffix(upper, ".DAILY.IP"):
		return 100
	}
	return 1
}

func hasEquityPrefix(epic string) bool {
	for _, prefix := range []string{"UA.D.", "SH.D.", "KA.D."} {
		if strings.HasPrefix(epic, prefix) {
			return true
		}
	}
	return false
}

// normalizePrices rescales a raw mid price and absolute change for an epic.
// The percentage change is already a ratio and is never rescaled.
func normalizePrices(epic string, price, changeAbs decimal.Decimal) (decimal.Decimal, decimal.Decimal) {
	factor := scaleFactor(epic)
	if factor == 1 {
		return price, changeAbs
	}
	div := decimal.NewFromInt(factor)
	return price.Div(div), changeAbs.Div(div)
}
