package main

import (
    "context"
    "encoding/json"
    "flag"
    "fmt"
    "log"
    "os"
    "time"

    "github.com/joho/godotenv"

    "marketdata/internal/aggregate"
    "marketdata/internal/config"
    "marketdata/internal/directory"
    "marketdata/internal/httpx"
    "marketdata/internal/provider"
    "marketdata/internal/provider/binance"
    igindexpkg "marketdata/internal/provider/igindex"
    "marketdata/internal/provider/mexc"
)

// fetch prints current prices for the symbols given on the command line.
// Useful for eyeballing provider output without running the server.
func main() {
    timeout := flag.Duration("timeout", 60*time.Second, "overall fetch timeout")
    flag.Parse()
    if flag.NArg() == 0 {
        fmt.Fprintln(os.Stderr, "usage: fetch [-timeout d] SYMBOL [SYMBOL...]")
        os.Exit(2)
    }

    _ = godotenv.Load()
    cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
    if err != nil { log.Fatalf("config: %v", err) }

    httpClient := httpx.New(time.Duration(cfg.Server.RequestTimeoutSec) * time.Second)

    var providers []provider.Provider
    if cfg.Binance.Enabled {
        providers = append(providers, binance.New(binance.Config{Name: "binance", Endpoint: cfg.Binance.Endpoint}, httpClient))
    }
    if cfg.MEXC.Enabled {
        providers = append(providers, mexc.New(mexc.Config{Name: "mexc", Endpoint: cfg.MEXC.Endpoint, Tokens: cfg.MEXC.Tokens}, httpClient))
    }
    if cfg.IG.Enabled && cfg.IG.APIKey != "" {
        igClient, err := igindexpkg.NewIGAPIClient(
            cfg.IG.APIKey,
            igindexpkg.WithBaseURL(cfg.IG.Endpoint),
            igindexpkg.WithHTTPClient(httpClient.HTTP),
        )
        if err != nil { log.Fatalf("ig client: %v", err) }
        providers = append(providers, igindexpkg.New(igindexpkg.Config{
            Name:          "ig_index",
            APIKey:        cfg.IG.APIKey,
            Username:      cfg.IG.Username,
            Password:      cfg.IG.Password,
            BulkBatchSize: cfg.IG.BulkBatchSize,
            BulkPause:     time.Duration(cfg.IG.BulkPauseMs) * time.Millisecond,
        }, igClient, directory.NewMemoryStore()))
    }

    agg, err := aggregate.New(aggregate.Config{
        BulkTimeout: *timeout,
        Concurrency: int64(cfg.Aggregator.BulkConcurrency),
    }, providers, aggregate.DefaultPriority(), nil, nil)
    if err != nil { log.Fatalf("aggregate: %v", err) }
    defer agg.Close()

    ctx, cancel := context.WithTimeout(context.Background(), *timeout)
    defer cancel()

    agg.Initialize(ctx)

    recs, err := agg.GetBulkPrices(ctx, flag.Args())
    if err != nil { log.Printf("bulk fetch: %v", err) }

    enc := json.NewEncoder(os.Stdout)
    for i, symbol := range flag.Args() {
        if recs[i] == nil {
            fmt.Fprintf(os.Stderr, "%s: no data\n", symbol)
            continue
        }
        _ = enc.Encode(recs[i])
    }
}
