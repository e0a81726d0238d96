package main

import (
    "context"
    "encoding/json"
    "log"
    "net/http"
    "os"
    "os/signal"
    "strconv"
    "strings"
    "syscall"
    "time"

    "github.com/joho/godotenv"
    "github.com/redis/go-redis/v9"

    "marketdata/internal/aggregate"
    "marketdata/internal/assetclass"
    "marketdata/internal/config"
    "marketdata/internal/directory"
    "marketdata/internal/httpx"
    "marketdata/internal/notify"
    "marketdata/internal/pricecache"
    "marketdata/internal/provider"
    "marketdata/internal/provider/binance"
    "marketdata/internal/provider/finnhub"
    "marketdata/internal/provider/fred"
    igindexpkg "marketdata/internal/provider/igindex"
    "marketdata/internal/provider/mexc"
    "marketdata/internal/provider/ratelimit"
)

func main() {
    _ = godotenv.Load()

    cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
    if err != nil { log.Fatalf("config: %v", err) }

    httpClient := httpx.New(time.Duration(cfg.Server.RequestTimeoutSec) * time.Second)

    ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
    defer stop()

    // Directory store
    var store directory.Store
    if cfg.Database.Enabled {
        pg, err := directory.OpenPostgres(ctx, cfg.Database.DSN())
        if err != nil {
            log.Printf("warning: postgres unavailable, falling back to in-memory directory: %v", err)
        } else {
            store = pg
        }
    }
    if store == nil { store = directory.NewMemoryStore() }

    // Price cache
    var cache pricecache.Cache
    var redisCache *pricecache.RedisCache
    if cfg.Redis.Enabled {
        rc, err := pricecache.NewRedis(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
        if err != nil {
            log.Printf("warning: redis unavailable, falling back to in-memory cache: %v", err)
        } else {
            redisCache = rc
            cache = rc
        }
    }
    if cache == nil { cache = pricecache.NewMemory() }

    // Providers
    var providers []provider.Provider
    if cfg.Binance.Enabled {
        bn := binance.New(binance.Config{Name: "binance", Endpoint: cfg.Binance.Endpoint}, httpClient)
        providers = append(providers, withTokenBucket(bn, cfg.Binance.MaxRequestsPerMinute, cfg.Binance.Burst))
    }
    if cfg.MEXC.Enabled {
        mx := mexc.New(mexc.Config{Name: "mexc", Endpoint: cfg.MEXC.Endpoint, Tokens: cfg.MEXC.Tokens}, httpClient)
        providers = append(providers, withTokenBucket(mx, cfg.MEXC.MaxRequestsPerMinute, cfg.MEXC.Burst))
    }
    var ig *igindexpkg.Adapter
    if cfg.IG.Enabled {
        if cfg.IG.APIKey == "" || cfg.IG.Username == "" || cfg.IG.Password == "" {
            log.Println("warning: ig.enabled=true but credentials not set; adapter will stay not ready")
        }
        igClient, err := igindexpkg.NewIGAPIClient(
            cfg.IG.APIKey,
            igindexpkg.WithBaseURL(cfg.IG.Endpoint),
            igindexpkg.WithHTTPClient(httpClient.HTTP),
        )
        if err != nil {
            log.Printf("ig client error: %v", err)
        } else {
            ig = igindexpkg.New(igindexpkg.Config{
                Name:          "ig_index",
                APIKey:        cfg.IG.APIKey,
                Username:      cfg.IG.Username,
                Password:      cfg.IG.Password,
                BulkBatchSize: cfg.IG.BulkBatchSize,
                BulkPause:     time.Duration(cfg.IG.BulkPauseMs) * time.Millisecond,
            }, igClient, store)
            providers = append(providers, ig)
        }
    }

    // News and macro services sit outside price routing but register as
    // providers so health reporting covers them.
    var news *finnhub.Service
    if cfg.Finnhub.Enabled {
        news = finnhub.New(finnhub.Config{APIKey: cfg.Finnhub.APIKey, Endpoint: cfg.Finnhub.Endpoint}, httpClient)
        providers = append(providers, news)
    }
    var macro *fred.Service
    if cfg.Fred.Enabled {
        var err error
        macro, err = fred.New(fred.Config{
            APIKey:   cfg.Fred.APIKey,
            Endpoint: cfg.Fred.Endpoint,
            CacheTTL: time.Duration(cfg.Fred.CacheTTLSec) * time.Second,
        }, httpClient, redisClient(redisCache))
        if err != nil {
            log.Printf("warning: fred disabled: %v", err)
        } else {
            providers = append(providers, macro)
        }
    }

    var notifier notify.Notifier
    if cfg.Telegram.Enabled {
        if tg := notify.NewTelegram(cfg.Telegram.BotToken, cfg.Telegram.ChatID, httpClient); tg != nil {
            notifier = tg
        }
    }

    agg, err := aggregate.New(aggregate.Config{
        ProviderTimeout: time.Duration(cfg.Aggregator.ProviderTimeoutSec) * time.Second,
        HealthTimeout:   time.Duration(cfg.Aggregator.HealthTimeoutSec) * time.Second,
        BulkTimeout:     time.Duration(cfg.Aggregator.BulkTimeoutSec) * time.Second,
        Concurrency:     int64(cfg.Aggregator.BulkConcurrency),
        CryptoTTL:       time.Duration(cfg.Aggregator.CryptoCacheTTLSec) * time.Second,
        TraditionalTTL:  time.Duration(cfg.Aggregator.TraditionalCacheTTLSec) * time.Second,
    }, providers, aggregate.DefaultPriority(), cache, notifier)
    if err != nil { log.Fatalf("aggregate: %v", err) }

    agg.Initialize(ctx)

    // Background health checks and heartbeat.
    go func() {
        health := time.NewTicker(5 * time.Minute)
        heartbeat := time.NewTicker(30 * time.Minute)
        defer health.Stop()
        defer heartbeat.Stop()
        for {
            select {
            case <-ctx.Done():
                return
            case <-health.C:
                agg.HealthCheck(ctx)
            case <-heartbeat.C:
                if notifier != nil {
                    snap := agg.GetStats()
                    notifier.Heartbeat(map[string]any{
                        "requests": snap.TotalRequests,
                        "success":  snap.Success,
                        "failure":  snap.Failure,
                    })
                }
            }
        }
    }()

    srv := &http.Server{
        Addr:              ":" + cfg.Server.Port,
        Handler:           newHandler(agg, store, news, macro, ig),
        ReadHeaderTimeout: 5 * time.Second,
        ReadTimeout:       15 * time.Second,
        WriteTimeout:      150 * time.Second,
        IdleTimeout:       60 * time.Second,
    }

    go func() {
        log.Printf("server listening on :%s", cfg.Server.Port)
        if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
            log.Fatalf("server: %v", err)
        }
    }()

    <-ctx.Done()
    shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
    defer cancel()
    _ = srv.Shutdown(shutdownCtx)
    _ = agg.Close()
    _ = store.Close()
}

func withTokenBucket(p provider.Provider, rpm, burst int) provider.Provider {
    if rpm <= 0 { return p }
    if burst <= 0 { burst = 1 }
    return &ratelimit.TokenBucketProvider{P: p, TB: ratelimit.NewTokenBucket(float64(rpm)/60.0, burst)}
}

func redisClient(rc *pricecache.RedisCache) *redis.Client {
    if rc == nil { return nil }
    return rc.Client()
}

type handler struct {
    agg   *aggregate.Aggregator
    store directory.Store
    news  *finnhub.Service
    macro *fred.Service
    ig    *igindexpkg.Adapter
}

func newHandler(agg *aggregate.Aggregator, store directory.Store, news *finnhub.Service, macro *fred.Service, ig *igindexpkg.Adapter) http.Handler {
    h := &handler{agg: agg, store: store, news: news, macro: macro, ig: ig}
    mux := http.NewServeMux()
    mux.HandleFunc("GET /health", h.health)
    mux.HandleFunc("GET /api/v1/prices/bulk", h.bulkPrices)
    mux.HandleFunc("POST /api/v1/prices/bulk", h.bulkPricesPost)
    mux.HandleFunc("GET /api/v1/prices/{symbol}", h.price)
    mux.HandleFunc("GET /api/v1/markets/search/{term}", h.searchMarkets)
    mux.HandleFunc("POST /api/v1/discover/{symbol}", h.discover)
    mux.HandleFunc("GET /api/v1/directory/summary", h.directorySummary)
    mux.HandleFunc("GET /api/v1/directory/{class}", h.directoryList)
    mux.HandleFunc("GET /api/v1/news/company/{symbol}", h.companyNews)
    mux.HandleFunc("GET /api/v1/news/market", h.marketNews)
    mux.HandleFunc("GET /api/v1/calendar/ipo", h.ipoCalendar)
    mux.HandleFunc("GET /api/v1/calendar/earnings", h.earningsCalendar)
    mux.HandleFunc("GET /api/v1/macro/{series}", h.macroSeries)
    mux.HandleFunc("POST /api/v1/macro/warm-cache", h.warmMacroCache)
    mux.HandleFunc("GET /api/v1/stats", h.stats)
    return withJSONHeaders(recoverPanic(mux))
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
    providers := h.agg.HealthCheck(r.Context())
    status := http.StatusOK
    anyReady := false
    for _, ok := range providers {
        if ok { anyReady = true; break }
    }
    if !anyReady { status = http.StatusServiceUnavailable }
    writeJSON(w, status, map[string]any{
        "status":    map[bool]string{true: "ok", false: "degraded"}[anyReady],
        "providers": providers,
        "directory": h.store.Ping(r.Context()) == nil,
    })
}

func (h *handler) price(w http.ResponseWriter, r *http.Request) {
    symbol := r.PathValue("symbol")
    rec, err := h.agg.GetPrice(r.Context(), symbol)
    if err != nil {
        http.Error(w, "internal error", http.StatusInternalServerError)
        return
    }
    if rec == nil {
        http.Error(w, "no data for symbol "+symbol, http.StatusNotFound)
        return
    }
    writeJSON(w, http.StatusOK, rec)
}

func (h *handler) bulkPrices(w http.ResponseWriter, r *http.Request) {
    raw := r.URL.Query().Get("symbols")
    if strings.TrimSpace(raw) == "" {
        http.Error(w, "missing symbols query param", http.StatusBadRequest)
        return
    }
    h.serveBulk(w, r, splitCSV(raw))
}

func (h *handler) bulkPricesPost(w http.ResponseWriter, r *http.Request) {
    var body struct {
        Symbols []string `json:"symbols"`
    }
    dec := json.NewDecoder(r.Body)
    dec.DisallowUnknownFields()
    if err := dec.Decode(&body); err != nil {
        http.Error(w, "invalid JSON body", http.StatusBadRequest)
        return
    }
    h.serveBulk(w, r, body.Symbols)
}

func (h *handler) serveBulk(w http.ResponseWriter, r *http.Request, symbols []string) {
    if len(symbols) == 0 {
        http.Error(w, "symbols cannot be empty", http.StatusBadRequest)
        return
    }
    if len(symbols) > 500 {
        http.Error(w, "too many symbols (max 500)", http.StatusBadRequest)
        return
    }
    recs, err := h.agg.GetBulkPrices(r.Context(), symbols)
    if err != nil && len(recs) == 0 {
        http.Error(w, "bulk fetch failed", http.StatusServiceUnavailable)
        return
    }
    found := 0
    out := make(map[string]*provider.PriceRecord, len(symbols))
    for i, s := range symbols {
        key := strings.ToUpper(strings.TrimSpace(s))
        out[key] = recs[i]
        if recs[i] != nil { found++ }
    }
    writeJSON(w, http.StatusOK, map[string]any{
        "prices":    out,
        "requested": len(symbols),
        "found":     found,
    })
}

func (h *handler) searchMarkets(w http.ResponseWriter, r *http.Request) {
    hits, err := h.agg.SearchMarkets(r.Context(), r.PathValue("term"))
    if err != nil {
        http.Error(w, "market search unavailable", http.StatusServiceUnavailable)
        return
    }
    writeJSON(w, http.StatusOK, map[string]any{"markets": hits})
}

func (h *handler) discover(w http.ResponseWriter, r *http.Request) {
    if h.ig == nil {
        http.Error(w, "discovery unavailable", http.StatusServiceUnavailable)
        return
    }
    entry, err := h.ig.Discover(r.Context(), r.PathValue("symbol"))
    if err != nil {
        http.Error(w, "discovery failed", http.StatusServiceUnavailable)
        return
    }
    if entry == nil {
        http.Error(w, "no tradeable instrument found", http.StatusNotFound)
        return
    }
    writeJSON(w, http.StatusOK, entry)
}

func (h *handler) directorySummary(w http.ResponseWriter, r *http.Request) {
    summary, err := h.store.Summary(r.Context())
    if err != nil {
        http.Error(w, "directory unavailable", http.StatusServiceUnavailable)
        return
    }
    writeJSON(w, http.StatusOK, summary)
}

func (h *handler) directoryList(w http.ResponseWriter, r *http.Request) {
    class := assetclass.AssetClass(strings.ToLower(r.PathValue("class")))
    entries, err := h.store.ListByClass(r.Context(), class)
    if err != nil {
        http.Error(w, "directory unavailable", http.StatusServiceUnavailable)
        return
    }
    writeJSON(w, http.StatusOK, map[string]any{"entries": entries, "count": len(entries)})
}

func (h *handler) companyNews(w http.ResponseWriter, r *http.Request) {
    if h.news == nil {
        http.Error(w, "news unavailable", http.StatusServiceUnavailable)
        return
    }
    days := intParam(r, "days", 1)
    articles, err := h.news.CompanyNews(r.Context(), r.PathValue("symbol"), days)
    if err != nil {
        http.Error(w, "news fetch failed", http.StatusServiceUnavailable)
        return
    }
    writeJSON(w, http.StatusOK, map[string]any{"articles": articles})
}

func (h *handler) marketNews(w http.ResponseWriter, r *http.Request) {
    if h.news == nil {
        http.Error(w, "news unavailable", http.StatusServiceUnavailable)
        return
    }
    articles, err := h.news.MarketNews(r.Context(), r.URL.Query().Get("category"), intParam(r, "limit", 20))
    if err != nil {
        http.Error(w, "news fetch failed", http.StatusServiceUnavailable)
        return
    }
    writeJSON(w, http.StatusOK, map[string]any{"articles": articles})
}

func (h *handler) ipoCalendar(w http.ResponseWriter, r *http.Request) {
    if h.news == nil {
        http.Error(w, "calendar unavailable", http.StatusServiceUnavailable)
        return
    }
    events, err := h.news.IPOCalendar(r.Context(), intParam(r, "days", 14))
    if err != nil {
        http.Error(w, "calendar fetch failed", http.StatusServiceUnavailable)
        return
    }
    writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (h *handler) earningsCalendar(w http.ResponseWriter, r *http.Request) {
    if h.news == nil {
        http.Error(w, "calendar unavailable", http.StatusServiceUnavailable)
        return
    }
    events, err := h.news.EarningsCalendar(r.Context(), intParam(r, "days", 7))
    if err != nil {
        http.Error(w, "calendar fetch failed", http.StatusServiceUnavailable)
        return
    }
    writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (h *handler) macroSeries(w http.ResponseWriter, r *http.Request) {
    if h.macro == nil {
        http.Error(w, "macro data unavailable", http.StatusServiceUnavailable)
        return
    }
    ref, ok := fred.Resolve(strings.ToLower(r.PathValue("series")))
    if !ok {
        http.Error(w, "series not found", http.StatusNotFound)
        return
    }
    series, err := h.macro.SeriesData(r.Context(), ref.ID, ref.Name)
    if err != nil {
        http.Error(w, "macro fetch failed", http.StatusServiceUnavailable)
        return
    }
    if series == nil {
        http.Error(w, "no data for series", http.StatusNotFound)
        return
    }
    writeJSON(w, http.StatusOK, series)
}

func (h *handler) warmMacroCache(w http.ResponseWriter, r *http.Request) {
    if h.macro == nil {
        http.Error(w, "macro data unavailable", http.StatusServiceUnavailable)
        return
    }
    warmed := h.macro.WarmCache(r.Context())
    writeJSON(w, http.StatusAccepted, map[string]any{
        "warmed_series": warmed,
        "total":         len(warmed),
    })
}

func (h *handler) stats(w http.ResponseWriter, r *http.Request) {
    writeJSON(w, http.StatusOK, h.agg.GetStats())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
    w.WriteHeader(status)
    enc := json.NewEncoder(w)
    enc.SetEscapeHTML(false)
    _ = enc.Encode(v)
}

func withJSONHeaders(next http.Handler) http.Handler {
    return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
        w.Header().Set("Content-Type", "application/json; charset=utf-8")
        next.ServeHTTP(w, r)
    })
}

func recoverPanic(next http.Handler) http.Handler {
    return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
        defer func() {
            if rec := recover(); rec != nil {
                log.Printf("panic serving %s: %v", r.URL.Path, rec)
                http.Error(w, "internal error", http.StatusInternalServerError)
            }
        }()
        next.ServeHTTP(w, r)
    })
}

func splitCSV(s string) []string {
    parts := strings.Split(s, ",")
    out := make([]string, 0, len(parts))
    for _, p := range parts {
        if t := strings.TrimSpace(p); t != "" { out = append(out, t) }
    }
    return out
}

func intParam(r *http.Request, name string, def int) int {
    v := r.URL.Query().Get(name)
    if v == "" { return def }
    x, err := strconv.Atoi(v)
    if err != nil || x <= 0 { return def }
    return x
}
