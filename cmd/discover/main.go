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

    "marketdata/internal/config"
    "marketdata/internal/directory"
    "marketdata/internal/httpx"
    igindexpkg "marketdata/internal/provider/igindex"
)

// discover resolves symbols against the broker's market catalog and stores
// the mappings in the instrument directory.
func main() {
    timeout := flag.Duration("timeout", 2*time.Minute, "overall discovery timeout")
    flag.Parse()
    if flag.NArg() == 0 {
        fmt.Fprintln(os.Stderr, "usage: discover [-timeout d] SYMBOL [SYMBOL...]")
        os.Exit(2)
    }

    _ = godotenv.Load()
    cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
    if err != nil { log.Fatalf("config: %v", err) }
    if cfg.IG.APIKey == "" || cfg.IG.Username == "" || cfg.IG.Password == "" {
        log.Fatal("IG credentials are required for discovery")
    }

    ctx, cancel := context.WithTimeout(context.Background(), *timeout)
    defer cancel()

    var store directory.Store
    if cfg.Database.Enabled {
        pg, err := directory.OpenPostgres(ctx, cfg.Database.DSN())
        if err != nil { log.Fatalf("postgres: %v", err) }
        store = pg
    } else {
        log.Println("warning: no database configured, discoveries will not persist")
        store = directory.NewMemoryStore()
    }
    defer store.Close()

    httpClient := httpx.New(time.Duration(cfg.Server.RequestTimeoutSec) * time.Second)
    igClient, err := igindexpkg.NewIGAPIClient(
        cfg.IG.APIKey,
        igindexpkg.WithBaseURL(cfg.IG.Endpoint),
        igindexpkg.WithHTTPClient(httpClient.HTTP),
    )
    if err != nil { log.Fatalf("ig client: %v", err) }

    adapter := igindexpkg.New(igindexpkg.Config{
        Name:     "ig_index",
        APIKey:   cfg.IG.APIKey,
        Username: cfg.IG.Username,
        Password: cfg.IG.Password,
    }, igClient, store)
    defer adapter.Close()

    enc := json.NewEncoder(os.Stdout)
    failed := 0
    for _, symbol := range flag.Args() {
        entry, err := adapter.Discover(ctx, symbol)
        if err != nil {
            log.Printf("%s: %v", symbol, err)
            failed++
            continue
        }
        if entry == nil {
            fmt.Fprintf(os.Stderr, "%s: no tradeable instrument found\n", symbol)
            failed++
            continue
        }
        _ = enc.Encode(entry)
    }
    if failed > 0 { os.Exit(1) }
}
