package igindex

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"marketdata/internal/assetclass"
	"marketdata/internal/directory"
	"marketdata/internal/provider"
)

// Config controls the IG adapter.
type Config struct {
	Name          string
	APIKey        string
	Username      string
	Password      string
	BulkBatchSize int
	BulkPause     time.Duration
}

// Adapter exposes the IG REST API as a price provider. The broker session is
// a shared mutable resource, so every call that touches it holds the adapter
// mutex. Bulk requests run sequentially for the same reason.
type Adapter struct {
	cfg       Config
	client    *IGAPIClient
	store     directory.Store
	discovery *Discovery

	mu      sync.Mutex
	session *Session
}

// New wires the adapter. The directory store may be nil, in which case only
// statically mapped symbols resolve.
func New(cfg Config, client *IGAPIClient, store directory.Store) *Adapter {
	if cfg.Name == "" {
		cfg.Name = "ig_index"
	}
	if cfg.BulkBatchSize <= 0 {
		cfg.BulkBatchSize = 5
	}
	if cfg.BulkPause <= 0 {
		cfg.BulkPause = 200 * time.Millisecond
	}
	a := &Adapter{cfg: cfg, client: client, store: store}
	if store != nil {
		a.discovery = NewDiscovery(client, store)
	}
	return a
}

func (a *Adapter) Name() string { return a.cfg.Name }

// SupportsBulk routes whole affinity groups through the paced bulk loop
// instead of per-symbol fan-out, which would bypass the batch pauses.
func (a *Adapter) SupportsBulk() bool { return true }

func (a *Adapter) Initialize(ctx context.Context) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ensureSessionLocked(ctx) == nil
}

func (a *Adapter) HealthCheck(ctx context.Context) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ensureSessionLocked(ctx) == nil
}

// ForceReconnect drops the current session and authenticates again.
func (a *Adapter) ForceReconnect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.dropSessionLocked(ctx)
	return a.ensureSessionLocked(ctx)
}

func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.dropSessionLocked(context.Background())
	return nil
}

func (a *Adapter) GetPrice(ctx context.Context, symbol string) (*provider.PriceRecord, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.getPriceLocked(ctx, symbol)
}

// GetBulkPrices fetches symbols one at a time over the shared session,
// pausing between batches so the broker's per-minute allowance is respected.
func (a *Adapter) GetBulkPrices(ctx context.Context, symbols []string) ([]*provider.PriceRecord, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]*provider.PriceRecord, len(symbols))
	for i, symbol := range symbols {
		if i > 0 && i%a.cfg.BulkBatchSize == 0 {
			timer := time.NewTimer(a.cfg.BulkPause)
			select {
			case <-ctx.Done():
				timer.Stop()
				return out, ctx.Err()
			case <-timer.C:
			}
		}
		rec, err := a.getPriceLocked(ctx, symbol)
		if err != nil {
			if ctx.Err() != nil {
				return out, ctx.Err()
			}
			log.Printf("igindex: bulk fetch %s: %v", symbol, err)
			continue
		}
		out[i] = rec
	}
	return out, nil
}

// Search exposes instrument search for discovery tooling and the API.
func (a *Adapter) Search(ctx context.Context, term string) ([]MarketHit, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.ensureSessionLocked(ctx); err != nil {
		return nil, err
	}
	hits, err := a.client.SearchMarkets(ctx, a.session, term)
	if err != nil && provider.IsAuthError(err) {
		if rerr := a.reauthLocked(ctx); rerr != nil {
			return nil, rerr
		}
		hits, err = a.client.SearchMarkets(ctx, a.session, term)
	}
	return hits, err
}

// Discover resolves a symbol through the IG search flow and records the
// mapping. Returns (nil, nil) when no tradeable instrument matches.
func (a *Adapter) Discover(ctx context.Context, symbol string) (*directory.Entry, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.discovery == nil {
		return nil, fmt.Errorf("igindex: discovery requires a directory store")
	}
	if err := a.ensureSessionLocked(ctx); err != nil {
		return nil, err
	}
	return a.discovery.Discover(ctx, a.session, symbol)
}

func (a *Adapter) getPriceLocked(ctx context.Context, symbol string) (*provider.PriceRecord, error) {
	if err := a.ensureSessionLocked(ctx); err != nil {
		return nil, err
	}

	epic, class, err := a.resolveEpicLocked(ctx, symbol)
	if err != nil {
		return nil, err
	}
	if epic == "" {
		return nil, nil
	}

	market, err := a.client.MarketByEpic(ctx, a.session, epic)
	if err != nil && provider.IsAuthError(err) {
		if rerr := a.reauthLocked(ctx); rerr != nil {
			return nil, rerr
		}
		market, err = a.client.MarketByEpic(ctx, a.session, epic)
	}
	if err != nil {
		return nil, fmt.Errorf("igindex: fetch %s (%s): %w", symbol, epic, err)
	}
	if market == nil {
		return nil, nil
	}

	raw := snapshotPrice(market.Snapshot)
	if !raw.IsPositive() {
		return nil, nil
	}
	rawChange := decimal.Zero
	if market.Snapshot.NetChange != nil {
		rawChange = decimal.NewFromFloat(*market.Snapshot.NetChange)
	}
	price, change := normalizePrices(epic, raw, rawChange)

	var pct float64
	if market.Snapshot.PercentageChange != nil {
		pct = *market.Snapshot.PercentageChange
	}
	return &provider.PriceRecord{
		Symbol:     strings.ToUpper(strings.TrimSpace(symbol)),
		Class:      class,
		Price:      price,
		ChangePct:  pct,
		ChangeAbs:  change,
		ObservedAt: time.Now().UTC(),
		Source:     a.cfg.Name,
	}, nil
}

// snapshotPrice prefers the bid and falls back to the offer when the bid side
// is empty.
func snapshotPrice(s Snapshot) decimal.Decimal {
	if s.Bid != nil && *s.Bid > 0 {
		return decimal.NewFromFloat(*s.Bid)
	}
	if s.Offer != nil && *s.Offer > 0 {
		return decimal.NewFromFloat(*s.Offer)
	}
	return decimal.Zero
}

// resolveEpicLocked finds the epic for a symbol: the static table first, then
// the directory, then live discovery for symbols never seen before.
func (a *Adapter) resolveEpicLocked(ctx context.Context, symbol string) (string, assetclass.AssetClass, error) {
	key := strings.ToUpper(strings.TrimSpace(symbol))
	if epic, ok := staticEpics[key]; ok {
		return epic, assetclass.Classify(key), nil
	}
	if a.store == nil {
		return "", "", nil
	}
	entry, err := a.store.GetBySymbol(ctx, key)
	if err != nil {
		return "", "", fmt.Errorf("igindex: directory lookup %s: %w", key, err)
	}
	if entry != nil && entry.Active {
		return entry.Epic, entry.Class, nil
	}
	if a.discovery == nil {
		return "", "", nil
	}
	entry, err = a.discovery.Discover(ctx, a.session, key)
	if err != nil {
		return "", "", err
	}
	if entry == nil {
		return "", "", nil
	}
	return entry.Epic, entry.Class, nil
}

func (a *Adapter) ensureSessionLocked(ctx context.Context) error {
	if a.session != nil {
		return nil
	}
	if a.cfg.APIKey == "" || a.cfg.Username == "" || a.cfg.Password == "" {
		return fmt.Errorf("igindex: credentials not configured")
	}
	session, err := a.client.CreateSession(ctx, a.cfg.Username, a.cfg.Password)
	if err != nil {
		return fmt.Errorf("igindex: create session: %w", err)
	}
	a.session = session
	log.Printf("igindex: session established for account %s", session.AccountID)
	return nil
}

func (a *Adapter) reauthLocked(ctx context.Context) error {
	log.Printf("igindex: session rejected, re-authenticating")
	a.dropSessionLocked(ctx)
	return a.ensureSessionLocked(ctx)
}

func (a *Adapter) dropSessionLocked(ctx context.Context) {
	if a.session == nil {
		return
	}
	if err := a.client.DeleteSession(ctx, a.session); err != nil {
		log.Printf("igindex: logout: %v", err)
	}
	a.session = nil
}

// staticEpics covers the instruments the service is asked for constantly.
// Everything else goes through directory lookup and discovery. IG carries no
// single-name US equities on this product set.
var staticEpics = map[string]string{
	"^GSPC": "IX.D.SPTRD.DAILY.IP",
	"SPY":   "IX.D.SPTRD.DAILY.IP",
	"^IXIC": "IX.D.NASDAQ.CASH.IP",
	"QQQ":   "IX.D.NASDAQ.CASH.IP",
	"^DJI":  "IX.D.DOW.DAILY.IP",
	"^RUT":  "IX.D.RUSSELL.DAILY.IP",
	"IWM":   "IX.D.RUSSELL.DAILY.IP",

	"^GDAXI":    "IX.D.DAX.DAILY.IP",
	"^FTSE":     "IX.D.FTSE.DAILY.IP",
	"^STOXX50E": "IX.D.STXE.CASH.IP",
	"^FCHI":     "IX.D.CAC.DAILY.IP",

	"^N225":     "IX.D.NIKKEI.DAILY.IP",
	"^HSI":      "IX.D.HANGSENG.DAILY.IP",
	"000001.SS": "IX.D.XINHUA.DFB.IP",
	"^KS11":     "IX.D.EMGMKT.DFB.IP",

	"EURUSD=X": "CS.D.EURUSD.TODAY.IP",
	"EURUSD":   "CS.D.EURUSD.TODAY.IP",
	"USDJPY=X": "CS.D.USDJPY.TODAY.IP",
	"USDJPY":   "CS.D.USDJPY.TODAY.IP",
	"GBPUSD=X": "CS.D.GBPUSD.TODAY.IP",
	"GBPUSD":   "CS.D.GBPUSD.TODAY.IP",
	"USDCHF=X": "CS.D.USDCHF.TODAY.IP",
	"USDCHF":   "CS.D.USDCHF.TODAY.IP",
	"AUDUSD=X": "CS.D.AUDUSD.TODAY.IP",
	"AUDUSD":   "CS.D.AUDUSD.TODAY.IP",
	"USDCAD=X": "CS.D.USDCAD.TODAY.IP",
	"USDCAD":   "CS.D.USDCAD.TODAY.IP",
	"EURGBP=X": "CS.D.EURGBP.TODAY.IP",
	"EURGBP":   "CS.D.EURGBP.TODAY.IP",
	"EURJPY=X": "CS.D.EURJPY.TODAY.IP",
	"EURJPY":   "CS.D.EURJPY.TODAY.IP",

	"GC=F":   "CS.D.USCGC.TODAY.IP",
	"GOLD":   "CS.D.USCGC.TODAY.IP",
	"SI=F":   "CS.D.USCSI.TODAY.IP",
	"SILVER": "CS.D.USCSI.TODAY.IP",
	"CL=F":   "CC.D.CL.USS.IP",
	"OIL":    "CC.D.CL.USS.IP",
	"BZ=F":   "CC.D.LCO.USS.IP",
	"BRENT":  "CC.D.LCO.USS.IP",
	"NG=F":   "CC.D.NG.USS.IP",
	"NATGAS": "CC.D.NG.USS.IP",
	"HG=F":   "MT.D.HG.Month1.IP",
	"COPPER": "MT.D.HG.Month1.IP",

	"^VIX": "IX.D.VIX.DAILY.IP",
	"VIX":  "IX.D.VIX.DAILY.IP",
	"DXY":  "IX.D.DOLLAR.DAILY.IP",
}

// SupportedSymbols lists the statically mapped symbols.
func (a *Adapter) SupportedSymbols() []string {
	out := make([]string, 0, len(staticEpics))
	for s := range staticEpics {
		out = append(out, s)
	}
	return out
}
