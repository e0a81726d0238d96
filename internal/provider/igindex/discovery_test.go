package igindex

import (
	"context"
	"testing"

	"marketdata/internal/assetclass"
	"marketdata/internal/directory"
)

type fakeMarketAPI struct {
	hits      []MarketHit
	market    *Market
	searches  int
	lastTerm  string
	lastEpic  string
}

func (f *fakeMarketAPI) SearchMarkets(_ context.Context, _ *Session, term string, _ ...IGAPIClientOption) ([]MarketHit, error) {
	f.searches++
	f.lastTerm = term
	return f.hits, nil
}

func (f *fakeMarketAPI) MarketByEpic(_ context.Context, _ *Session, epic string, _ ...IGAPIClientOption) (*Market, error) {
	f.lastEpic = epic
	return f.market, nil
}

func TestDiscover(t *testing.T) {
	api := &fakeMarketAPI{
		hits: []MarketHit{
			{Epic: "IX.D.SPTRD.MONTH1.IP", InstrumentName: "US 500 Futures", InstrumentType: "INDICES", MarketStatus: "CLOSED", StreamingPricesAvailable: true},
			{Epic: "IX.D.SPTRD.DAILY.IP", InstrumentName: "US 500 DFB", InstrumentType: "INDICES", MarketStatus: "TRADEABLE", StreamingPricesAvailable: true},
			{Epic: "IX.D.SPTRD.CASH.IP", InstrumentName: "US 500 Cash", InstrumentType: "INDICES", MarketStatus: "TRADEABLE", StreamingPricesAvailable: false},
		},
		market: &Market{
			Instrument: Instrument{Epic: "IX.D.SPTRD.DAILY.IP", Name: "US 500 DFB", Type: "INDICES"},
		},
	}
	store := directory.NewMemoryStore()
	d := NewDiscovery(api, store)

	entry, err := d.Discover(context.Background(), &Session{CST: "c", SecurityToken: "x"}, "^GSPC")
	if err != nil { t.Fatalf("discover: %v", err) }
	if entry == nil { t.Fatal("expected an entry") }
	if entry.Epic != "IX.D.SPTRD.DAILY.IP" { t.Fatalf("epic = %s", entry.Epic) }
	if entry.DisplayName != "S&P 500" { t.Fatalf("display name = %q", entry.DisplayName) }
	if entry.Class != assetclass.Index { t.Fatalf("class = %s", entry.Class) }
	if api.lastTerm != "US 500" { t.Fatalf("search term = %q", api.lastTerm) }

	stored, err := store.GetBySymbol(context.Background(), "^GSPC")
	if err != nil { t.Fatalf("lookup: %v", err) }
	if stored == nil || stored.Epic != entry.Epic { t.Fatalf("stored = %+v", stored) }
	if !stored.Active { t.Fatal("entry should be active") }
}

func TestDiscover_Idempotent(t *testing.T) {
	api := &fakeMarketAPI{
		hits: []MarketHit{
			{Epic: "CS.D.NZDUSD.TODAY.IP", InstrumentName: "NZD/USD", InstrumentType: "CURRENCIES", MarketStatus: "TRADEABLE", StreamingPricesAvailable: true},
		},
		market: &Market{
			Instrument: Instrument{Epic: "CS.D.NZDUSD.TODAY.IP", Name: "NZD/USD", Type: "CURRENCIES"},
		},
	}
	store := directory.NewMemoryStore()
	d := NewDiscovery(api, store)
	session := &Session{CST: "c", SecurityToken: "x"}

	first, err := d.Discover(context.Background(), session, "NZDUSD=X")
	if err != nil { t.Fatalf("first discover: %v", err) }
	stored1, _ := store.GetBySymbol(context.Background(), "NZDUSD=X")

	second, err := d.Discover(context.Background(), session, "NZDUSD=X")
	if err != nil { t.Fatalf("second discover: %v", err) }
	stored2, _ := store.GetBySymbol(context.Background(), "NZDUSD=X")

	if first.Epic != second.Epic { t.Fatalf("epics diverged: %s vs %s", first.Epic, second.Epic) }
	if !stored2.DiscoveredAt.Equal(stored1.DiscoveredAt) {
		t.Fatal("second discovery must refresh, not recreate, the entry")
	}
	summary, err := store.Summary(context.Background())
	if err != nil { t.Fatalf("summary: %v", err) }
	if summary[assetclass.Forex] != 1 { t.Fatalf("expected a single forex entry, got %d", summary[assetclass.Forex]) }
}

func TestDiscover_NoTradeableMatch(t *testing.T) {
	api := &fakeMarketAPI{
		hits: []MarketHit{
			{Epic: "IX.D.X.IP", InstrumentName: "Closed Market", InstrumentType: "INDICES", MarketStatus: "CLOSED", StreamingPricesAvailable: true},
		},
	}
	store := directory.NewMemoryStore()
	d := NewDiscovery(api, store)

	entry, err := d.Discover(context.Background(), &Session{CST: "c", SecurityToken: "x"}, "WHATEVER")
	if err != nil { t.Fatalf("discover: %v", err) }
	if entry != nil { t.Fatalf("expected no entry, got %+v", entry) }
}
