package fred

import (
    "context"
    "encoding/json"
    "errors"
    "fmt"
    "io"
    "log"
    "math"
    "net/http"
    "net/url"
    "strconv"
    "sync"
    "time"

    "github.com/redis/go-redis/v9"

    "marketdata/internal/httpx"
    "marketdata/internal/provider"
)

const defaultEndpoint = "https://api.stlouisfed.org/fred/series/observations"

// SeriesMap resolves friendly indicator names to FRED series.
var SeriesMap = map[string]SeriesRef{
    "cpi":          {ID: "CPIAUCSL", Name: "Consumer Price Index"},
    "gdp":          {ID: "GDP", Name: "Real Gross Domestic Product"},
    "unemployment": {ID: "UNRATE", Name: "Unemployment Rate"},
    "fedfunds":     {ID: "FEDFUNDS", Name: "Federal Funds Rate"},
    "pmi":          {ID: "PMI", Name: "ISM Manufacturing PMI"},
}

// ascendingOnly lists series the FRED API refuses to serve in descending
// order. These are fetched ascending and read from the tail.
var ascendingOnly = map[string]bool{
    "PMI": true,
}

// SeriesRef identifies a FRED series.
type SeriesRef struct {
    ID   string
    Name string
}

// Observation is a single dated value of a series.
type Observation struct {
    Date  string  `json:"date"`
    Value float64 `json:"value"`
}

// Series is the formatted latest view of an economic series.
type Series struct {
    Name                      string        `json:"name"`
    SeriesID                  string        `json:"series_id"`
    LatestValue               float64       `json:"latest_value"`
    LatestDate                string        `json:"latest_date"`
    ChangeFromPrevious        float64       `json:"change_from_previous"`
    PercentChangeFromPrevious float64       `json:"percent_change_from_previous"`
    PercentChangeYearAgo      *float64      `json:"percent_change_year_ago,omitempty"`
    History                   []Observation `json:"history"`
}

// Config controls the FRED service.
type Config struct {
    APIKey   string
    Endpoint string
    CacheTTL time.Duration
}

// Service fetches macroeconomic series from FRED. Calls are synchronous and
// results are cached for a long TTL because the series update monthly at
// most.
type Service struct {
    cfg    Config
    client *httpx.Client
    redis  *redis.Client

    mu    sync.RWMutex
    local map[string]cachedSeries
}

type cachedSeries struct {
    series   Series
    storedAt time.Time
}

// New builds the service. The redis client is optional; without it results
// are cached in process only.
func New(cfg Config, hc *httpx.Client, rdb *redis.Client) (*Service, error) {
    if cfg.APIKey == "" { return nil, errors.New("fred: api key not configured") }
    if cfg.Endpoint == "" { cfg.Endpoint = defaultEndpoint }
    if cfg.CacheTTL <= 0 { cfg.CacheTTL = time.Hour }
    return &Service{cfg: cfg, client: hc, redis: rdb, local: make(map[string]cachedSeries)}, nil
}

// Resolve maps a friendly indicator name to its series reference.
func Resolve(alias string) (SeriesRef, bool) {
    ref, ok := SeriesMap[alias]
    return ref, ok
}

// FRED serves macro series, not prices. It still registers as a provider so
// the shared health sweep and readiness tracking cover it; the price
// operations report absent.

func (s *Service) Name() string { return "fred" }

func (s *Service) Initialize(ctx context.Context) bool { return s.HealthCheck(ctx) }

func (s *Service) HealthCheck(ctx context.Context) bool {
    obs, err := s.fetchObservations(ctx, "FEDFUNDS")
    if err != nil {
        log.Printf("fred: health check: %v", err)
        return false
    }
    return len(obs) > 0
}

func (s *Service) GetPrice(context.Context, string) (*provider.PriceRecord, error) {
    return nil, nil
}

func (s *Service) GetBulkPrices(ctx context.Context, symbols []string) ([]*provider.PriceRecord, error) {
    return provider.SequentialBulk(ctx, s, symbols, 0)
}

func (s *Service) Close() error { return nil }

// SeriesData returns the formatted latest view of a series, cached.
// Returns (nil, nil) when the series has too little data to report.
func (s *Service) SeriesData(ctx context.Context, seriesID, name string) (*Series, error) {
    if cached := s.fromCache(ctx, seriesID); cached != nil { return cached, nil }

    observations, err := s.fetchObservations(ctx, seriesID)
    if err != nil { return nil, err }
    if len(observations) < 2 { return nil, nil }

    latest, previous := observations[0], observations[1]
    series := Series{
        Name:               name,
        SeriesID:           seriesID,
        LatestValue:        latest.Value,
        LatestDate:         latest.Date,
        ChangeFromPrevious: round2(latest.Value - previous.Value),
        History:            observations[:min(3, len(observations))],
    }
    // A zero base observation would make the percentages non-finite, which
    // the JSON encoder refuses to emit.
    if previous.Value != 0 {
        series.PercentChangeFromPrevious = round2((latest.Value - previous.Value) / previous.Value * 100)
    }
    if len(observations) > 12 && observations[12].Value != 0 {
        yearAgo := observations[12]
        pct := round2((latest.Value - yearAgo.Value) / yearAgo.Value * 100)
        series.PercentChangeYearAgo = &pct
    }
    s.store(ctx, seriesID, series)
    return &series, nil
}

// WarmCache refreshes every tracked series and reports which ones succeeded.
func (s *Service) WarmCache(ctx context.Context) []string {
    warmed := make([]string, 0, len(SeriesMap))
    for _, ref := range SeriesMap {
        if _, err := s.SeriesData(ctx, ref.ID, ref.Name); err != nil {
            log.Printf("fred: warm %s: %v", ref.ID, err)
            continue
        }
        warmed = append(warmed, ref.ID)
    }
    return warmed
}

// fetchObservations returns observations newest first, skipping the missing
// value marker the API uses for gaps.
func (s *Service) fetchObservations(ctx context.Context, seriesID string) ([]Observation, error) {
    query := url.Values{
        "series_id": {seriesID},
        "api_key":   {s.cfg.APIKey},
        "file_type": {"json"},
        "limit":     {"25"},
    }
    ascending := ascendingOnly[seriesID]
    if ascending {
        query.Set("sort_order", "asc")
        // The tail of the full series holds the newest observations, so the
        // row limit cannot be applied server side.
        query.Set("limit", "100000")
    } else {
        query.Set("sort_order", "desc")
    }

    req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.Endpoint+"?"+query.Encode(), nil)
    if err != nil { return nil, err }
    resp, err := s.client.Do(ctx, req)
    if err != nil { return nil, fmt.Errorf("fred: fetch %s: %w", seriesID, err) }
    defer resp.Body.Close()
    if resp.StatusCode != http.StatusOK {
        b, _ := io.ReadAll(io.LimitReader(resp.Body, 2<<10))
        return nil, fmt.Errorf("fred: fetch %s -> %d: %s", seriesID, resp.StatusCode, string(b))
    }

    var body struct {
        Observations []struct {
            Date  string `json:"date"`
            Value string `json:"value"`
        } `json:"observations"`
    }
    if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
        return nil, fmt.Errorf("fred: decode %s: %w", seriesID, err)
    }

    out := make([]Observation, 0, len(body.Observations))
    for _, obs := range body.Observations {
        if obs.Value == "." { continue }
        v, err := strconv.ParseFloat(obs.Value, 64)
        if err != nil { continue }
        out = append(out, Observation{Date: obs.Date, Value: v})
    }
    if ascending {
        reverse(out)
        if len(out) > 25 { out = out[:25] }
    }
    return out, nil
}

func (s *Service) cacheKey(seriesID string) string { return "fred:" + seriesID }

func (s *Service) fromCache(ctx context.Context, seriesID string) *Series {
    s.mu.RLock()
    entry, ok := s.local[seriesID]
    s.mu.RUnlock()
    if ok && time.Since(entry.storedAt) <= s.cfg.CacheTTL {
        series := entry.series
        return &series
    }
    if s.redis == nil { return nil }
    raw, err := s.redis.Get(ctx, s.cacheKey(seriesID)).Bytes()
    if err != nil { return nil }
    var series Series
    if err := json.Unmarshal(raw, &series); err != nil { return nil }
    s.mu.Lock()
    s.local[seriesID] = cachedSeries{series: series, storedAt: time.Now()}
    s.mu.Unlock()
    return &series
}

func (s *Service) store(ctx context.Context, seriesID string, series Series) {
    s.mu.Lock()
    s.local[seriesID] = cachedSeries{series: series, storedAt: time.Now()}
    s.mu.Unlock()
    if s.redis == nil { return }
    raw, err := json.Marshal(series)
    if err != nil { return }
    if err := s.redis.Set(ctx, s.cacheKey(seriesID), raw, s.cfg.CacheTTL).Err(); err != nil {
        log.Printf("fred: cache %s: %v", seriesID, err)
    }
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }

func reverse(obs []Observation) {
    for i, j := 0, len(obs)-1; i < j; i, j = i+1, j-1 {
        obs[i], obs[j] = obs[j], obs[i]
    }
}
