package finnhub

import (
    "context"
    "encoding/json"
    "fmt"
    "io"
    "net/http"
    "net/url"
    "strings"
    "time"

    "marketdata/internal/httpx"
    "marketdata/internal/provider"
)

const defaultEndpoint = "https://finnhub.io/api/v1"

// Article is a single news item.
type Article struct {
    Headline  string    `json:"headline"`
    Summary   string    `json:"summary"`
    URL       string    `json:"url"`
    Source    string    `json:"source"`
    Timestamp time.Time `json:"timestamp"`
    Symbol    string    `json:"symbol,omitempty"`
}

// CalendarEvent is an upcoming IPO or earnings report.
type CalendarEvent struct {
    Symbol      string   `json:"symbol"`
    EventType   string   `json:"event_type"`
    Date        string   `json:"date"`
    Description string   `json:"description"`
    Estimate    *float64 `json:"estimate,omitempty"`
}

// Config controls the Finnhub client.
type Config struct {
    APIKey   string
    Endpoint string
}

// Service serves news and calendar data from Finnhub. It takes no part in
// price routing.
type Service struct {
    cfg    Config
    client *httpx.Client
}

func New(cfg Config, hc *httpx.Client) *Service {
    if cfg.Endpoint == "" { cfg.Endpoint = defaultEndpoint }
    return &Service{cfg: cfg, client: hc}
}

// Enabled reports whether an API key is configured.
func (s *Service) Enabled() bool { return s.cfg.APIKey != "" }

func (s *Service) Name() string { return "finnhub" }

func (s *Service) Initialize(ctx context.Context) bool { return s.HealthCheck(ctx) }

func (s *Service) Close() error { return nil }

// GetPrice is always absent. Finnhub serves news and calendars here and
// takes no part in price routing.
func (s *Service) GetPrice(context.Context, string) (*provider.PriceRecord, error) {
    return nil, nil
}

func (s *Service) GetBulkPrices(ctx context.Context, symbols []string) ([]*provider.PriceRecord, error) {
    return provider.SequentialBulk(ctx, s, symbols, 0)
}

func (s *Service) HealthCheck(ctx context.Context) bool {
    if !s.Enabled() { return false }
    var status struct {
        Exchange string `json:"exchange"`
    }
    err := s.get(ctx, "/stock/market-status", url.Values{"exchange": {"US"}}, &status)
    return err == nil
}

// CompanyNews returns up to ten recent articles about a symbol within the
// trailing day range.
func (s *Service) CompanyNews(ctx context.Context, symbol string, days int) ([]Article, error) {
    if !s.Enabled() { return nil, fmt.Errorf("finnhub: api key not configured") }
    if days <= 0 { days = 1 }
    now := time.Now().UTC()
    query := url.Values{
        "symbol": {strings.ToUpper(symbol)},
        "from":   {now.AddDate(0, 0, -days).Format("2006-01-02")},
        "to":     {now.Format("2006-01-02")},
    }
    var items []newsItem
    if err := s.get(ctx, "/company-news", query, &items); err != nil { return nil, err }

    articles := make([]Article, 0, 10)
    for _, item := range items {
        if item.Headline == "" { continue }
        articles = append(articles, item.article(strings.ToUpper(symbol)))
        if len(articles) == 10 { break }
    }
    return articles, nil
}

// MarketNews returns general market headlines for a category.
func (s *Service) MarketNews(ctx context.Context, category string, limit int) ([]Article, error) {
    if !s.Enabled() { return nil, fmt.Errorf("finnhub: api key not configured") }
    if category == "" { category = "general" }
    if limit <= 0 || limit > 50 { limit = 20 }
    var items []newsItem
    if err := s.get(ctx, "/news", url.Values{"category": {category}}, &items); err != nil { return nil, err }

    articles := make([]Article, 0, limit)
    for _, item := range items {
        if item.Headline == "" { continue }
        articles = append(articles, item.article(""))
        if len(articles) == limit { break }
    }
    return articles, nil
}

// IPOCalendar returns IPO events within the forward day range.
func (s *Service) IPOCalendar(ctx context.Context, days int) ([]CalendarEvent, error) {
    if !s.Enabled() { return nil, fmt.Errorf("finnhub: api key not configured") }
    if days <= 0 { days = 14 }
    var body struct {
        Calendar []struct {
            Symbol string `json:"symbol"`
            Name   string `json:"name"`
            Date   string `json:"date"`
        } `json:"ipoCalendar"`
    }
    if err := s.get(ctx, "/calendar/ipo", s.rangeQuery(days), &body); err != nil { return nil, err }

    events := make([]CalendarEvent, 0, len(body.Calendar))
    for _, item := range body.Calendar {
        name := item.Name
        if name == "" { name = "Unknown Company" }
        events = append(events, CalendarEvent{
            Symbol:      item.Symbol,
            EventType:   "ipo",
            Date:        item.Date,
            Description: "IPO - " + name,
        })
    }
    return events, nil
}

// EarningsCalendar returns earnings events within the forward day range.
func (s *Service) EarningsCalendar(ctx context.Context, days int) ([]CalendarEvent, error) {
    if !s.Enabled() { return nil, fmt.Errorf("finnhub: api key not configured") }
    if days <= 0 { days = 7 }
    var body struct {
        Calendar []struct {
            Symbol      string   `json:"symbol"`
            Date        string   `json:"date"`
            EPSEstimate *float64 `json:"epsEstimate"`
        } `json:"earningsCalendar"`
    }
    if err := s.get(ctx, "/calendar/earnings", s.rangeQuery(days), &body); err != nil { return nil, err }

    events := make([]CalendarEvent, 0, len(body.Calendar))
    for _, item := range body.Calendar {
        desc := "Earnings - EPS Est: N/A"
        if item.EPSEstimate != nil { desc = fmt.Sprintf("Earnings - EPS Est: $%.2f", *item.EPSEstimate) }
        events = append(events, CalendarEvent{
            Symbol:      item.Symbol,
            EventType:   "earnings",
            Date:        item.Date,
            Description: desc,
            Estimate:    item.EPSEstimate,
        })
    }
    return events, nil
}

func (s *Service) rangeQuery(days int) url.Values {
    start := time.Now().UTC()
    return url.Values{
        "from": {start.Format("2006-01-02")},
        "to":   {start.AddDate(0, 0, days).Format("2006-01-02")},
    }
}

func (s *Service) get(ctx context.Context, path string, query url.Values, out any) error {
    query.Set("token", s.cfg.APIKey)
    req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.Endpoint+path+"?"+query.Encode(), nil)
    if err != nil { return err }
    resp, err := s.client.Do(ctx, req)
    if err != nil { return fmt.Errorf("finnhub: GET %s: %w", path, err) }
    defer resp.Body.Close()
    if resp.StatusCode != http.StatusOK {
        b, _ := io.ReadAll(io.LimitReader(resp.Body, 2<<10))
        return fmt.Errorf("finnhub: GET %s -> %d: %s", path, resp.StatusCode, string(b))
    }
    if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
        return fmt.Errorf("finnhub: decode %s: %w", path, err)
    }
    return nil
}

type newsItem struct {
    Headline string `json:"headline"`
    Summary  string `json:"summary"`
    URL      string `json:"url"`
    Source   string `json:"source"`
    Datetime int64  `json:"datetime"`
}

func (n newsItem) article(symbol string) Article {
    source := n.Source
    if source == "" { source = "Unknown" }
    return Article{
        Headline:  n.Headline,
        Summary:   n.Summary,
        URL:       n.URL,
        Source:    source,
        Timestamp: time.Unix(n.Datetime, 0).UTC(),
        Symbol:    symbol,
    }
}
