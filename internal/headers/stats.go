package headers

import (
	"strings"
	"sync/atomic"
	"time"
)

// Observer receives engine events, typically to feed metrics. Implementations
// must not block and cannot influence results.
type Observer interface {
	ObserveCall(op string, seconds float64)
	ObserveConflict(name string, critical bool)
	ObserveFallback(op, kind string)
	ObserveCache(hit bool)
	ObserveEviction()
}

type counters struct {
	calls         atomic.Uint64
	conflicts     atomic.Uint64
	duplicates    atomic.Uint64
	critical      atomic.Uint64
	combined      atomic.Uint64
	fallbacks     atomic.Uint64
	invalid       atomic.Uint64
	mergeFailures atomic.Uint64
	lastNanos     atomic.Int64
}

// Stats is a snapshot of engine diagnostics.
type Stats struct {
	Calls             uint64     `json:"calls"`
	Conflicts         uint64     `json:"conflicts"`
	IdenticalRepeats  uint64     `json:"identical_repeats"`
	CriticalConflicts uint64     `json:"critical_conflicts"`
	Combined          uint64     `json:"combined"`
	Fallbacks         uint64     `json:"fallbacks"`
	InvalidHeaders    uint64     `json:"invalid_headers"`
	MergeFailures     uint64     `json:"merge_failures"`
	LastDuration      Duration   `json:"last_duration"`
	Cache             CacheStats `json:"cache"`
	CacheEnabled      bool       `json:"cache_enabled"`
	CustomRules       int        `json:"custom_rules"`
}

// Duration renders as a Go duration string in JSON.
type Duration time.Duration

func (d Duration) MarshalText() ([]byte, error) { return []byte(time.Duration(d).String()), nil }

// Stats returns current counters.
func (e *Engine) Stats() Stats {
	s := Stats{
		Calls:             e.counters.calls.Load(),
		Conflicts:         e.counters.conflicts.Load(),
		IdenticalRepeats:  e.counters.duplicates.Load(),
		CriticalConflicts: e.counters.critical.Load(),
		Combined:          e.counters.combined.Load(),
		Fallbacks:         e.counters.fallbacks.Load(),
		InvalidHeaders:    e.counters.invalid.Load(),
		MergeFailures:     e.counters.mergeFailures.Load(),
		LastDuration:      Duration(e.counters.lastNanos.Load()),
		CacheEnabled:      e.cache != nil,
		CustomRules:       len(e.rules.Rules()),
	}
	if e.cache != nil {
		e.mu.Lock()
		s.Cache = e.cache.stats()
		e.mu.Unlock()
	}
	return s
}

// ResetStats zeroes the event counters and the cache hit/miss/eviction
// counts. Cached names stay.
func (e *Engine) ResetStats() {
	e.counters.calls.Store(0)
	e.counters.conflicts.Store(0)
	e.counters.duplicates.Store(0)
	e.counters.critical.Store(0)
	e.counters.combined.Store(0)
	e.counters.fallbacks.Store(0)
	e.counters.invalid.Store(0)
	e.counters.mergeFailures.Store(0)
	e.counters.lastNanos.Store(0)
	if e.cache != nil {
		e.mu.Lock()
		e.cache.hits, e.cache.misses, e.cache.evictions = 0, 0, 0
		e.mu.Unlock()
	}
}

// IsWellKnown reports whether name appears in the built-in tables. Metrics
// use it to keep label cardinality bounded.
func IsWellKnown(name string) bool {
	if combinable[name] || critical[name] {
		return true
	}
	_, ok := wellKnown[strings.ToLower(name)]
	return ok
}
