package directory

import (
    "context"
    "database/sql"
    "errors"
    "fmt"
    "strings"
    "time"

    _ "github.com/lib/pq"

    "marketdata/internal/assetclass"
)

const schema = `
CREATE TABLE IF NOT EXISTS instrument_directory (
    symbol        TEXT PRIMARY KEY,
    epic          TEXT NOT NULL,
    display_name  TEXT NOT NULL DEFAULT '',
    asset_type    TEXT NOT NULL,
    active        BOOLEAN NOT NULL DEFAULT TRUE,
    discovered_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    last_updated  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS instrument_directory_epic_idx ON instrument_directory (epic);
`

// PostgresStore keeps the instrument directory in Postgres.
type PostgresStore struct {
    db *sql.DB
}

// OpenPostgres connects, verifies the connection and ensures the directory
// table exists.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
    db, err := sql.Open("postgres", dsn)
    if err != nil { return nil, fmt.Errorf("directory: open postgres: %w", err) }
    db.SetMaxOpenConns(10)
    db.SetMaxIdleConns(5)
    db.SetConnMaxLifetime(30 * time.Minute)
    if err := db.PingContext(ctx); err != nil {
        db.Close()
        return nil, fmt.Errorf("directory: ping postgres: %w", err)
    }
    if _, err := db.ExecContext(ctx, schema); err != nil {
        db.Close()
        return nil, fmt.Errorf("directory: ensure schema: %w", err)
    }
    return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) GetBySymbol(ctx context.Context, symbol string) (*Entry, error) {
    return s.getBy(ctx, "symbol", symbol)
}

func (s *PostgresStore) GetByEpic(ctx context.Context, epic string) (*Entry, error) {
    return s.getBy(ctx, "epic", epic)
}

func (s *PostgresStore) getBy(ctx context.Context, column, value string) (*Entry, error) {
    query := fmt.Sprintf(`SELECT symbol, epic, display_name, asset_type, active, discovered_at, last_updated
        FROM instrument_directory WHERE %s = $1`, column)
    var e Entry
    var class string
    err := s.db.QueryRowContext(ctx, query, value).Scan(
        &e.Symbol, &e.Epic, &e.DisplayName, &class, &e.Active, &e.DiscoveredAt, &e.UpdatedAt)
    if errors.Is(err, sql.ErrNoRows) { return nil, nil }
    if err != nil { return nil, fmt.Errorf("directory: lookup by %s: %w", column, err) }
    e.Class = assetclass.AssetClass(class)
    return &e, nil
}

func (s *PostgresStore) Upsert(ctx context.Context, entry Entry) error {
    _, err := s.db.ExecContext(ctx, `
        INSERT INTO instrument_directory (symbol, epic, display_name, asset_type, active, discovered_at, last_updated)
        VALUES ($1, $2, $3, $4, TRUE, now(), now())
        ON CONFLICT (symbol) DO UPDATE SET
            epic = EXCLUDED.epic,
            display_name = EXCLUDED.display_name,
            asset_type = EXCLUDED.asset_type,
            active = TRUE,
            last_updated = now()`,
        entry.Symbol, entry.Epic, entry.DisplayName, string(entry.Class))
    if err != nil { return fmt.Errorf("directory: upsert %s: %w", entry.Symbol, err) }
    return nil
}

func (s *PostgresStore) Deactivate(ctx context.Context, symbol string) error {
    _, err := s.db.ExecContext(ctx,
        `UPDATE instrument_directory SET active = FALSE, last_updated = now() WHERE symbol = $1`, symbol)
    if err != nil { return fmt.Errorf("directory: deactivate %s: %w", symbol, err) }
    return nil
}

func (s *PostgresStore) ListByClass(ctx context.Context, class assetclass.AssetClass) ([]Entry, error) {
    rows, err := s.db.QueryContext(ctx, `
        SELECT symbol, epic, display_name, asset_type, active, discovered_at, last_updated
        FROM instrument_directory WHERE asset_type = $1 AND active ORDER BY symbol`, strings.ToLower(string(class)))
    if err != nil { return nil, fmt.Errorf("directory: list %s: %w", class, err) }
    defer rows.Close()
    var out []Entry
    for rows.Next() {
        var e Entry
        var cls string
        if err := rows.Scan(&e.Symbol, &e.Epic, &e.DisplayName, &cls, &e.Active, &e.DiscoveredAt, &e.UpdatedAt); err != nil {
            return nil, fmt.Errorf("directory: scan row: %w", err)
        }
        e.Class = assetclass.AssetClass(cls)
        out = append(out, e)
    }
    if err := rows.Err(); err != nil { return nil, fmt.Errorf("directory: iterate rows: %w", err) }
    return out, nil
}

func (s *PostgresStore) Summary(ctx context.Context) (map[assetclass.AssetClass]int, error) {
    rows, err := s.db.QueryContext(ctx,
        `SELECT asset_type, COUNT(*) FROM instrument_directory WHERE active GROUP BY asset_type`)
    if err != nil { return nil, fmt.Errorf("directory: summary: %w", err) }
    defer rows.Close()
    out := make(map[assetclass.AssetClass]int)
    for rows.Next() {
        var cls string
        var n int
        if err := rows.Scan(&cls, &n); err != nil { return nil, fmt.Errorf("directory: scan summary: %w", err) }
        out[assetclass.AssetClass(cls)] = n
    }
    if err := rows.Err(); err != nil { return nil, fmt.Errorf("directory: iterate summary: %w", err) }
    return out, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *PostgresStore) Close() error { return s.db.Close() }
