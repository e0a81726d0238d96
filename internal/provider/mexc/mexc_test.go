package mexc

import (
    "bytes"
    "context"
    "encoding/json"
    "log"
    "net/http"
    "net/http/httptest"
    "os"
    "strings"
    "sync/atomic"
    "testing"
    "time"

    "github.com/shopspring/decimal"

    "marketdata/internal/httpx"
)

func TestGetPrice_UnlistedSymbolNeedsNoNetwork(t *testing.T) {
    var hits atomic.Int64
    srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
        hits.Add(1)
        w.Write([]byte("{}"))
    }))
    defer srv.Close()

    p := New(Config{Endpoint: srv.URL}, httpx.New(5*time.Second))

    rec, err := p.GetPrice(context.Background(), "BTC")
    if err != nil { t.Fatalf("get price: %v", err) }
    if rec != nil { t.Fatalf("unlisted symbol must be absent, got %+v", rec) }
    if hits.Load() != 0 { t.Fatalf("allow list miss must not hit the network, got %d calls", hits.Load()) }
}

func TestGetPrice_Listed(t *testing.T) {
    srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
        if r.URL.Query().Get("symbol") != "WAIUSDT" {
            w.WriteHeader(http.StatusBadRequest)
            return
        }
        json.NewEncoder(w).Encode(map[string]string{
            "symbol": "WAIUSDT", "lastPrice": "0.215", "priceChange": "0.005",
            "priceChangePercent": "2.38", "volume": "900000",
        })
    }))
    defer srv.Close()

    p := New(Config{Endpoint: srv.URL}, httpx.New(5*time.Second))

    rec, err := p.GetPrice(context.Background(), "WAI")
    if err != nil { t.Fatalf("get price: %v", err) }
    if rec == nil { t.Fatal("expected a record") }
    if !rec.Price.Equal(decimal.RequireFromString("0.215")) { t.Fatalf("price = %s", rec.Price) }
    if rec.Source != "mexc" { t.Fatalf("source = %s", rec.Source) }
}

func TestGetPrice_MalformedPriceIsLoggedAndAbsent(t *testing.T) {
    srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
        json.NewEncoder(w).Encode(map[string]string{"symbol": "WAIUSDT", "lastPrice": "garbage"})
    }))
    defer srv.Close()

    var buf bytes.Buffer
    log.SetOutput(&buf)
    defer log.SetOutput(os.Stderr)

    p := New(Config{Endpoint: srv.URL}, httpx.New(5*time.Second))
    rec, err := p.GetPrice(context.Background(), "WAI")
    if err != nil { t.Fatalf("malformed price must be absent, not an error: %v", err) }
    if rec != nil { t.Fatalf("got %+v", rec) }
    logged := buf.String()
    if !strings.Contains(logged, "mexc") || !strings.Contains(logged, "WAI") {
        t.Fatalf("log should carry provider and symbol context, got %q", logged)
    }
}

func TestGetBulkPrices_AllUnlisted(t *testing.T) {
    var hits atomic.Int64
    srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
        hits.Add(1)
        w.Write([]byte("[]"))
    }))
    defer srv.Close()

    p := New(Config{Endpoint: srv.URL}, httpx.New(5*time.Second))
    recs, err := p.GetBulkPrices(context.Background(), []string{"BTC", "ETH"})
    if err != nil { t.Fatalf("bulk: %v", err) }
    if len(recs) != 2 || recs[0] != nil || recs[1] != nil { t.Fatalf("recs = %+v", recs) }
    if hits.Load() != 0 { t.Fatalf("bulk of unlisted symbols must not hit the network, got %d", hits.Load()) }
}
