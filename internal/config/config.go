package config

import (
    "encoding/json"
    "errors"
    "fmt"
    "os"
    "strings"
)

type Server struct {
    Port              string `json:"port"`
    RequestTimeoutSec int    `json:"request_timeout_sec"`
}

type Binance struct {
    Enabled              bool   `json:"enabled"`
    Endpoint             string `json:"endpoint"`
    MaxRequestsPerMinute int    `json:"max_requests_per_minute"`
    Burst                int    `json:"burst"`
}

type MEXC struct {
    Enabled              bool              `json:"enabled"`
    Endpoint             string            `json:"endpoint"`
    Tokens               map[string]string `json:"tokens"`
    MaxRequestsPerMinute int               `json:"max_requests_per_minute"`
    Burst                int               `json:"burst"`
}

type IG struct {
    Enabled       bool   `json:"enabled"`
    Endpoint      string `json:"endpoint"`
    APIKey        string `json:"api_key"`
    Username      string `json:"username"`
    Password      string `json:"password"`
    AccountType   string `json:"account_type"` // DEMO or LIVE
    BulkBatchSize int    `json:"bulk_batch_size"`
    BulkPauseMs   int    `json:"bulk_pause_ms"`
}

type Finnhub struct {
    Enabled  bool   `json:"enabled"`
    Endpoint string `json:"endpoint"`
    APIKey   string `json:"api_key"`
}

type Fred struct {
    Enabled     bool   `json:"enabled"`
    Endpoint    string `json:"endpoint"`
    APIKey      string `json:"api_key"`
    CacheTTLSec int    `json:"cache_ttl_sec"`
}

type Database struct {
    Enabled  bool   `json:"enabled"`
    Host     string `json:"host"`
    Port     int    `json:"port"`
    Name     string `json:"name"`
    User     string `json:"user"`
    Password string `json:"password"`
    SSLMode  string `json:"ssl_mode"`
}

type Redis struct {
    Enabled  bool   `json:"enabled"`
    Addr     string `json:"addr"`
    Password string `json:"password"`
    DB       int    `json:"db"`
}

// DSN renders the lib/pq connection string.
func (d Database) DSN() string {
    return fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
        d.Host, d.Port, d.Name, d.User, d.Password, d.SSLMode)
}

type Aggregator struct {
    CryptoCacheTTLSec      int `json:"crypto_cache_ttl_sec"`
    TraditionalCacheTTLSec int `json:"traditional_cache_ttl_sec"`
    ProviderTimeoutSec     int `json:"provider_timeout_sec"`
    HealthTimeoutSec       int `json:"health_timeout_sec"`
    BulkTimeoutSec         int `json:"bulk_timeout_sec"`
    BulkConcurrency        int `json:"bulk_concurrency"`
}

type Telegram struct {
    Enabled  bool   `json:"enabled"`
    BotToken string `json:"bot_token"`
    ChatID   string `json:"chat_id"`
}

type Config struct {
    Server     Server     `json:"server"`
    Binance    Binance    `json:"binance"`
    MEXC       MEXC       `json:"mexc"`
    IG         IG         `json:"ig"`
    Finnhub    Finnhub    `json:"finnhub"`
    Fred       Fred       `json:"fred"`
    Database   Database   `json:"database"`
    Redis      Redis      `json:"redis"`
    Aggregator Aggregator `json:"aggregator"`
    Telegram   Telegram   `json:"telegram"`
}

func Default() Config {
    return Config{
        Server: Server{Port: "8001", RequestTimeoutSec: 10},
        Binance: Binance{
            Enabled:  true,
            Endpoint: "https://api.binance.com/api/v3",
            MaxRequestsPerMinute: 1200,
            Burst: 20,
        },
        MEXC: MEXC{
            Enabled:  true,
            Endpoint: "https://api.mexc.com/api/v3",
            Tokens:   map[string]string{"WAI": "WAIUSDT"},
            MaxRequestsPerMinute: 600,
            Burst: 10,
        },
        IG: IG{
            Enabled:       true,
            Endpoint:      "https://api.ig.com/gateway/deal",
            AccountType:   "LIVE",
            BulkBatchSize: 5,
            BulkPauseMs:   200,
        },
        Finnhub: Finnhub{
            Enabled:  false,
            Endpoint: "https://finnhub.io/api/v1",
        },
        Fred: Fred{
            Enabled:     false,
            Endpoint:    "https://api.stlouisfed.org/fred/series/observations",
            CacheTTLSec: 6 * 3600,
        },
        Database: Database{
            Enabled: false,
            Host:    "localhost",
            Port:    5432,
            Name:    "marketdata",
            User:    "marketdata",
            SSLMode: "disable",
        },
        Redis: Redis{Enabled: false, Addr: "localhost:6379"},
        Aggregator: Aggregator{
            CryptoCacheTTLSec:      60,
            TraditionalCacheTTLSec: 300,
            ProviderTimeoutSec:     10,
            HealthTimeoutSec:       30,
            BulkTimeoutSec:         120,
            BulkConcurrency:        5,
        },
        Telegram: Telegram{Enabled: false},
    }
}

// Load reads JSON config from path. If path is empty or file does not exist,
// it returns defaults. Environment variables override select fields so
// credentials stay out of config files.
func Load(path string) (Config, error) {
    cfg := Default()
    if path == "" {
        if _, err := os.Stat("config.json"); err == nil {
            path = "config.json"
        }
    }
    if path != "" {
        b, err := os.ReadFile(path)
        if err != nil && !errors.Is(err, os.ErrNotExist) {
            return cfg, fmt.Errorf("read config: %w", err)
        }
        if err == nil {
            if err := json.Unmarshal(b, &cfg); err != nil {
                return cfg, fmt.Errorf("parse config: %w", err)
            }
        }
    }
    applyEnv(&cfg)
    return cfg, nil
}

func applyEnv(cfg *Config) {
    if v := os.Getenv("PORT"); v != "" { cfg.Server.Port = v }
    if v := os.Getenv("REQUEST_TIMEOUT_SEC"); v != "" {
        var x int; fmt.Sscanf(v, "%d", &x); if x > 0 { cfg.Server.RequestTimeoutSec = x }
    }

    if v := os.Getenv("BINANCE_ENABLED"); v != "" { cfg.Binance.Enabled = parseBool(v, cfg.Binance.Enabled) }
    if v := os.Getenv("BINANCE_ENDPOINT"); v != "" { cfg.Binance.Endpoint = v }
    if v := os.Getenv("MEXC_ENABLED"); v != "" { cfg.MEXC.Enabled = parseBool(v, cfg.MEXC.Enabled) }
    if v := os.Getenv("MEXC_ENDPOINT"); v != "" { cfg.MEXC.Endpoint = v }

    if v := os.Getenv("IG_ENABLED"); v != "" { cfg.IG.Enabled = parseBool(v, cfg.IG.Enabled) }
    if v := os.Getenv("IG_API_KEY"); v != "" { cfg.IG.APIKey = v }
    if v := os.Getenv("IG_USERNAME"); v != "" { cfg.IG.Username = v }
    if v := os.Getenv("IG_PASSWORD"); v != "" { cfg.IG.Password = v }
    if v := os.Getenv("IG_ACC_TYPE"); v != "" { cfg.IG.AccountType = strings.ToUpper(v) }
    if v := os.Getenv("IG_ENDPOINT"); v != "" { cfg.IG.Endpoint = v }
    if v := os.Getenv("IG_BULK_BATCH_SIZE"); v != "" {
        var x int; fmt.Sscanf(v, "%d", &x); if x > 0 { cfg.IG.BulkBatchSize = x }
    }
    if v := os.Getenv("IG_BULK_PAUSE_MS"); v != "" {
        var x int; fmt.Sscanf(v, "%d", &x); if x >= 0 { cfg.IG.BulkPauseMs = x }
    }

    if v := os.Getenv("FINNHUB_ENABLED"); v != "" { cfg.Finnhub.Enabled = parseBool(v, cfg.Finnhub.Enabled) }
    if v := os.Getenv("FINNHUB_API_KEY"); v != "" { cfg.Finnhub.APIKey = v; cfg.Finnhub.Enabled = true }
    if v := os.Getenv("FRED_ENABLED"); v != "" { cfg.Fred.Enabled = parseBool(v, cfg.Fred.Enabled) }
    if v := os.Getenv("FRED_API_KEY"); v != "" { cfg.Fred.APIKey = v; cfg.Fred.Enabled = true }
    if v := os.Getenv("MACRO_CACHE_TTL_SEC"); v != "" {
        var x int; fmt.Sscanf(v, "%d", &x); if x > 0 { cfg.Fred.CacheTTLSec = x }
    }

    if v := os.Getenv("DB_ENABLED"); v != "" { cfg.Database.Enabled = parseBool(v, cfg.Database.Enabled) }
    if v := os.Getenv("DB_HOST"); v != "" { cfg.Database.Host = v; cfg.Database.Enabled = true }
    if v := os.Getenv("DB_PORT"); v != "" {
        var x int; fmt.Sscanf(v, "%d", &x); if x > 0 { cfg.Database.Port = x }
    }
    if v := os.Getenv("DB_NAME"); v != "" { cfg.Database.Name = v }
    if v := os.Getenv("DB_USER"); v != "" { cfg.Database.User = v }
    if v := os.Getenv("DB_PASSWORD"); v != "" { cfg.Database.Password = v }
    if v := os.Getenv("DB_SSLMODE"); v != "" { cfg.Database.SSLMode = v }

    if v := os.Getenv("REDIS_ENABLED"); v != "" { cfg.Redis.Enabled = parseBool(v, cfg.Redis.Enabled) }
    if v := os.Getenv("REDIS_ADDR"); v != "" { cfg.Redis.Addr = v; cfg.Redis.Enabled = true }
    if v := os.Getenv("REDIS_PASSWORD"); v != "" { cfg.Redis.Password = v }
    if v := os.Getenv("REDIS_DB"); v != "" {
        var x int; fmt.Sscanf(v, "%d", &x); if x >= 0 { cfg.Redis.DB = x }
    }

    if v := os.Getenv("CRYPTO_CACHE_TTL_SEC"); v != "" {
        var x int; fmt.Sscanf(v, "%d", &x); if x >= 0 { cfg.Aggregator.CryptoCacheTTLSec = x }
    }
    if v := os.Getenv("TRADITIONAL_CACHE_TTL_SEC"); v != "" {
        var x int; fmt.Sscanf(v, "%d", &x); if x >= 0 { cfg.Aggregator.TraditionalCacheTTLSec = x }
    }
    if v := os.Getenv("BULK_CONCURRENCY"); v != "" {
        var x int; fmt.Sscanf(v, "%d", &x); if x > 0 { cfg.Aggregator.BulkConcurrency = x }
    }
    if v := os.Getenv("BULK_TIMEOUT_SEC"); v != "" {
        var x int; fmt.Sscanf(v, "%d", &x); if x > 0 { cfg.Aggregator.BulkTimeoutSec = x }
    }
    if v := os.Getenv("PROVIDER_TIMEOUT_SEC"); v != "" {
        var x int; fmt.Sscanf(v, "%d", &x); if x > 0 { cfg.Aggregator.ProviderTimeoutSec = x }
    }

    if v := os.Getenv("TG_BOT_TOKEN"); v != "" { cfg.Telegram.BotToken = v }
    if v := os.Getenv("TG_CHAT_ID"); v != "" { cfg.Telegram.ChatID = v }
    if v := os.Getenv("TELEGRAM_ENABLED"); v != "" { cfg.Telegram.Enabled = parseBool(v, cfg.Telegram.Enabled) }
}

func parseBool(v string, def bool) bool {
    switch strings.ToLower(v) {
    case "1", "true", "yes", "y":
        return true
    case "0", "false", "no", "n":
        return false
    }
    return def
}
