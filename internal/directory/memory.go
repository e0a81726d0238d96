package directory

import (
    "context"
    "sort"
    "strings"
    "sync"
    "time"

    "marketdata/internal/assetclass"
)

// MemoryStore is an in-memory Store used when no database is configured and
// in tests.
type MemoryStore struct {
    mu      sync.RWMutex
    entries map[string]Entry
    closed  bool
}

func NewMemoryStore() *MemoryStore {
    return &MemoryStore{entries: make(map[string]Entry)}
}

func (s *MemoryStore) GetBySymbol(_ context.Context, symbol string) (*Entry, error) {
    s.mu.RLock()
    defer s.mu.RUnlock()
    if s.closed { return nil, ErrClosed }
    e, ok := s.entries[strings.ToUpper(symbol)]
    if !ok { return nil, nil }
    return &e, nil
}

func (s *MemoryStore) GetByEpic(_ context.Context, epic string) (*Entry, error) {
    s.mu.RLock()
    defer s.mu.RUnlock()
    if s.closed { return nil, ErrClosed }
    for _, e := range s.entries {
        if e.Epic == epic { entry := e; return &entry, nil }
    }
    return nil, nil
}

func (s *MemoryStore) Upsert(_ context.Context, entry Entry) error {
    s.mu.Lock()
    defer s.mu.Unlock()
    if s.closed { return ErrClosed }
    key := strings.ToUpper(entry.Symbol)
    now := time.Now().UTC()
    if prev, ok := s.entries[key]; ok {
        entry.DiscoveredAt = prev.DiscoveredAt
    } else {
        entry.DiscoveredAt = now
    }
    entry.Active = true
    entry.UpdatedAt = now
    s.entries[key] = entry
    return nil
}

func (s *MemoryStore) Deactivate(_ context.Context, symbol string) error {
    s.mu.Lock()
    defer s.mu.Unlock()
    if s.closed { return ErrClosed }
    key := strings.ToUpper(symbol)
    if e, ok := s.entries[key]; ok {
        e.Active = false
        e.UpdatedAt = time.Now().UTC()
        s.entries[key] = e
    }
    return nil
}

func (s *MemoryStore) ListByClass(_ context.Context, class assetclass.AssetClass) ([]Entry, error) {
    s.mu.RLock()
    defer s.mu.RUnlock()
    if s.closed { return nil, ErrClosed }
    // Class constants are lowercase; accept any casing from callers.
    want := assetclass.AssetClass(strings.ToLower(string(class)))
    var out []Entry
    for _, e := range s.entries {
        if e.Active && e.Class == want { out = append(out, e) }
    }
    sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
    return out, nil
}

func (s *MemoryStore) Summary(_ context.Context) (map[assetclass.AssetClass]int, error) {
    s.mu.RLock()
    defer s.mu.RUnlock()
    if s.closed { return nil, ErrClosed }
    out := make(map[assetclass.AssetClass]int)
    for _, e := range s.entries {
        if e.Active { out[e.Class]++ }
    }
    return out, nil
}

func (s *MemoryStore) Ping(context.Context) error {
    s.mu.RLock()
    defer s.mu.RUnlock()
    if s.closed { return ErrClosed }
    return nil
}

func (s *MemoryStore) Close() error {
    s.mu.Lock()
    defer s.mu.Unlock()
    s.closed = true
    return nil
}
