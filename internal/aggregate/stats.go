package aggregate

import (
    "sync"
    "sync/atomic"
)

// Stats tracks request outcomes for the process lifetime. Counters only grow
// and are safe to update from concurrent request paths.
type Stats struct {
    total     atomic.Int64
    success   atomic.Int64
    failure   atomic.Int64
    cacheHits atomic.Int64

    mu       sync.Mutex
    provider map[string]*providerStats
}

type providerStats struct {
    requests atomic.Int64
    success  atomic.Int64
}

func NewStats() *Stats {
    return &Stats{provider: make(map[string]*providerStats)}
}

func (s *Stats) RecordRequest() { s.total.Add(1) }

// RecordCacheHit counts a request served from cache. The originating
// provider's counters stay untouched because no provider was called.
func (s *Stats) RecordCacheHit() {
    s.success.Add(1)
    s.cacheHits.Add(1)
}

func (s *Stats) RecordOutcome(providerName string, ok bool) {
    if ok {
        s.success.Add(1)
    } else {
        s.failure.Add(1)
    }
    if providerName == "" { return }
    ps := s.forProvider(providerName)
    ps.requests.Add(1)
    if ok { ps.success.Add(1) }
}

func (s *Stats) forProvider(name string) *providerStats {
    s.mu.Lock()
    defer s.mu.Unlock()
    ps, ok := s.provider[name]
    if !ok {
        ps = &providerStats{}
        s.provider[name] = ps
    }
    return ps
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
    TotalRequests int64                       `json:"total_requests"`
    Success       int64                       `json:"success"`
    Failure       int64                       `json:"failure"`
    CacheHits     int64                       `json:"cache_hits"`
    Providers     map[string]ProviderSnapshot `json:"providers"`
}

type ProviderSnapshot struct {
    Requests int64 `json:"requests"`
    Success  int64 `json:"success"`
}

func (s *Stats) Snapshot() Snapshot {
    snap := Snapshot{
        TotalRequests: s.total.Load(),
        Success:       s.success.Load(),
        Failure:       s.failure.Load(),
        CacheHits:     s.cacheHits.Load(),
        Providers:     make(map[string]ProviderSnapshot),
    }
    s.mu.Lock()
    defer s.mu.Unlock()
    for name, ps := range s.provider {
        snap.Providers[name] = ProviderSnapshot{
            Requests: ps.requests.Load(),
            Success:  ps.success.Load(),
        }
    }
    return snap
}
