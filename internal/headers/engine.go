package headers

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/headerd/internal/log"
	"github.com/keithlinneman/headerd/internal/xerrors"
)

// Options is the engine configuration surface.
type Options struct {
	Enabled              bool
	DebugLogging         bool
	StrictMode           bool
	LogCriticalConflicts bool
	ThrowOnMergeFailure  bool
	PreserveOriginalCase bool
	MaxValueLength       int
	EnableNameCache      bool
	MaxCacheSize         int
	LogLevel             slog.Level
	CustomRules          map[string]Rule

	Logger   log.Logger
	Observer Observer
}

// DefaultOptions returns the documented defaults: enabled, fail-open,
// 8192 byte values, a 1000 entry name cache.
func DefaultOptions() Options {
	return Options{
		Enabled:              true,
		LogCriticalConflicts: true,
		MaxValueLength:       DefaultMaxValueLength,
		EnableNameCache:      true,
		MaxCacheSize:         DefaultMaxCacheSize,
		LogLevel:             slog.LevelInfo,
	}
}

// Engine reconciles header sets. One Engine owns its rules, name cache and
// counters; nothing is shared between engines. Methods are safe for
// concurrent use, the cache is guarded by a mutex.
type Engine struct {
	opts      Options
	rules     *Resolver
	validator Validator
	logger    log.Logger
	observer  Observer

	mu    sync.Mutex
	cache *nameCache

	counters counters

	// combine is swapped in tests to exercise the failure path.
	combine func(name string, values []string) (string, error)
}

// New builds an Engine from opts. Custom rules are copied.
func New(opts Options) *Engine {
	if opts.MaxValueLength <= 0 {
		opts.MaxValueLength = DefaultMaxValueLength
	}
	if opts.MaxCacheSize <= 0 {
		opts.MaxCacheSize = DefaultMaxCacheSize
	}
	L := opts.Logger
	if L == nil {
		L = log.Nop()
	}
	e := &Engine{
		opts:      opts,
		rules:     NewResolver(opts.CustomRules),
		validator: Validator{MaxValueLength: opts.MaxValueLength},
		logger:    log.WithMinLevel(L.With("component", "headers"), opts.LogLevel),
		observer:  opts.Observer,
	}
	if opts.EnableNameCache {
		e.cache = newNameCache(opts.MaxCacheSize)
	}
	e.combine = e.combineChecked
	return e
}

// Rules exposes the resolver for runtime rule changes.
func (e *Engine) Rules() *Resolver { return e.rules }

// AddRule installs a custom rule for name.
func (e *Engine) AddRule(name string, r Rule) error { return e.rules.AddRule(name, r) }

// RemoveRule removes the custom rule for name.
func (e *Engine) RemoveRule(name string) bool { return e.rules.RemoveRule(name) }

// ReplaceRules swaps the custom rule set, used by rule reloads.
func (e *Engine) ReplaceRules(rules map[string]Rule) { e.rules.ReplaceRules(rules) }

// Normalize returns the canonical spelling of raw, consulting the cache
// when enabled.
func (e *Engine) Normalize(raw string) string {
	if e.cache == nil {
		return Canonical(raw)
	}

	e.mu.Lock()
	c, ok := e.cache.get(raw)
	e.mu.Unlock()
	if e.observer != nil {
		e.observer.ObserveCache(ok)
	}
	if ok {
		return c
	}

	c = Canonical(raw)
	if c == "" {
		return c
	}
	e.mu.Lock()
	evicted := e.cache.put(raw, c)
	e.mu.Unlock()
	if evicted && e.observer != nil {
		e.observer.ObserveEviction()
	}
	return c
}

// ClearCache empties the name cache. Counters are kept.
func (e *Engine) ClearCache() {
	if e.cache == nil {
		return
	}
	e.mu.Lock()
	e.cache.clear()
	e.mu.Unlock()
}

// Validate runs the validator with the engine's limits.
func (e *Engine) Validate(name string, values []string) error {
	return e.validator.Validate(name, values)
}

// Combine folds values for name into one line: empty entries and exact
// repeats are dropped, Set-Cookie keeps only its first value, everything else
// is joined with the header's separator.
func (e *Engine) Combine(name string, values []string) string {
	vals := dedupeNonEmpty(values)
	if len(vals) == 0 {
		return ""
	}
	switch name {
	case "Set-Cookie":
		// folding Set-Cookie is not allowed, extra cookies are the adapter's job
		return vals[0]
	case "Cache-Control", "Pragma":
		return strings.Join(vals, ", ")
	case "Cookie":
		return strings.Join(vals, "; ")
	default:
		return strings.Join(vals, e.rules.SeparatorFor(name))
	}
}

func (e *Engine) combineChecked(name string, values []string) (string, error) {
	out := e.Combine(name, values)
	if len(out) > e.opts.MaxValueLength {
		return "", xerrors.Newf("combined value is %d bytes, limit is %d", len(out), e.opts.MaxValueLength)
	}
	return out, nil
}

// Deduplicate collapses fields whose names match case-insensitively. The
// first occurrence wins for unique headers, combinable headers are joined.
// fields must be in their original order; convert an http.Header with
// FromHeader first.
//
// When processing falls back, the result is NewMap(fields...): names keep
// their raw spelling and order, but fields whose names repeat byte for byte
// are folded into one entry because a Map holds each exact name once.
//
// ctx carries the logger and span for diagnostics only, the call never
// blocks.
func (e *Engine) Deduplicate(ctx context.Context, fields []Field) (*Map, error) {
	const op = "deduplicate"
	start := time.Now()
	defer e.finish(ctx, op, start)

	if !e.opts.Enabled {
		return NewMap(fields...), nil
	}

	out, err := e.reconcile(ctx, layer{fields: fields, tie: keepExisting})
	if err != nil {
		if e.mustReturn(err) {
			return nil, err
		}
		e.fallback(ctx, op, err)
		return NewMap(fields...), nil
	}
	return out, nil
}

// Merge layers primary (application headers) over secondary (runtime
// headers). Unique headers take the primary value, except where the rule
// table hands the header to the runtime; combinable headers are joined,
// secondary first.
func (e *Engine) Merge(ctx context.Context, primary, secondary *Map) (*Map, error) {
	const op = "merge"
	start := time.Now()
	defer e.finish(ctx, op, start)

	if !e.opts.Enabled {
		out := secondary.Clone()
		for _, f := range primary.Fields() {
			out.Set(f.Name, f.Values...)
		}
		return out, nil
	}

	out, err := e.reconcile(ctx,
		layer{fields: secondary.Fields(), tie: keepExisting},
		layer{fields: primary.Fields(), tie: preferIncoming},
	)
	if err != nil {
		if e.mustReturn(err) {
			return nil, err
		}
		e.fallback(ctx, op, err)
		return primary.Clone(), nil
	}
	return out, nil
}

// mustReturn reports whether err escapes to the caller instead of falling
// back. Critical conflicts only happen in strict mode and always abort.
func (e *Engine) mustReturn(err error) bool {
	if Kind(err) == "critical_conflict" {
		return true
	}
	return e.opts.ThrowOnMergeFailure
}

func (e *Engine) fallback(ctx context.Context, op string, err error) {
	e.counters.fallbacks.Add(1)
	kind := Kind(err)
	if e.observer != nil {
		e.observer.ObserveFallback(op, kind)
	}
	e.logger.Error(ctx, err, "header processing failed, returning unprocessed headers",
		"op", op,
		"kind", kind,
		"header", HeaderName(err),
	)
}

func (e *Engine) finish(ctx context.Context, op string, start time.Time) {
	d := time.Since(start)
	e.counters.calls.Add(1)
	e.counters.lastNanos.Store(int64(d))
	if e.observer != nil {
		e.observer.ObserveCall(op, d.Seconds())
	}
	if e.opts.DebugLogging {
		e.logger.Debug(ctx, "header processing complete", "op", op, "duration_seconds", d.Seconds())
	}
}

// tieBreak selects who wins a non-combinable conflict.
type tieBreak int

const (
	keepExisting   tieBreak = iota // first occurrence wins
	preferIncoming                 // the later layer has priority
)

type layer struct {
	fields []Field
	tie    tieBreak
}

type slot struct {
	key   string // output name
	layer int
}

// reconcile is the shared core of Deduplicate and Merge. Layers are applied
// in order; conflicts against an earlier layer use that layer's tie-break,
// conflicts inside one layer always keep the first occurrence.
func (e *Engine) reconcile(ctx context.Context, layers ...layer) (*Map, error) {
	out := NewMap()
	slots := make(map[string]slot)

	for li, l := range layers {
		for _, f := range l.fields {
			if err := e.validator.Validate(f.Name, f.Values); err != nil {
				e.counters.invalid.Add(1)
				return nil, xerrors.WithStack(err)
			}
			name := e.Normalize(f.Name)

			s, seen := slots[name]
			if !seen {
				key := name
				if e.opts.PreserveOriginalCase {
					key = strings.TrimSpace(f.Name)
				}
				slots[name] = slot{key: key, layer: li}
				out.Add(key, f.Values...)
				continue
			}

			tie := keepExisting
			if s.layer != li {
				tie = l.tie
			}
			merged, err := e.resolveConflict(ctx, name, out.Values(s.key), f.Values, tie)
			if err != nil {
				return nil, err
			}
			out.Set(s.key, merged...)
		}
	}
	return out, nil
}

// resolveConflict decides the stored values for name when existing values
// meet incoming ones.
func (e *Engine) resolveConflict(ctx context.Context, name string, existing, incoming []string, tie tieBreak) ([]string, error) {
	if equalValues(existing, incoming) {
		e.counters.duplicates.Add(1)
		return existing, nil
	}

	crit := e.rules.IsCritical(name)
	e.counters.conflicts.Add(1)
	if e.observer != nil {
		e.observer.ObserveConflict(name, crit)
	}
	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		span.AddEvent("header.conflict", trace.WithAttributes(
			attribute.String("header.name", name),
			attribute.Bool("header.critical", crit),
		))
	}

	if crit {
		e.counters.critical.Add(1)
		if e.opts.LogCriticalConflicts {
			e.logger.Warn(ctx, "conflicting values for critical header",
				"header", name,
				"existing", existing,
				"incoming", incoming,
				"strict_mode", e.opts.StrictMode,
			)
		}
		if e.opts.StrictMode {
			return nil, xerrors.WithStack(&CriticalConflictError{Name: name, Existing: existing, Incoming: incoming})
		}
	} else if e.opts.DebugLogging {
		e.logger.Debug(ctx, "duplicate header", "header", name, "existing", existing, "incoming", incoming)
	}

	if e.rules.ShouldCombine(name) {
		vals := make([]string, 0, len(existing)+len(incoming))
		if tie == preferIncoming && e.rules.configuredPriority(name) == SourceAFirst {
			vals = append(append(vals, incoming...), existing...)
		} else {
			vals = append(append(vals, existing...), incoming...)
		}
		combined, err := e.safeCombine(name, vals)
		if err != nil {
			e.counters.mergeFailures.Add(1)
			return nil, xerrors.WithStack(&MergeFailureError{Name: name, Err: err})
		}
		e.counters.combined.Add(1)
		return []string{combined}, nil
	}

	if tie == keepExisting {
		return existing, nil
	}

	a := strings.Join(incoming, ", ")
	b := strings.Join(existing, ", ")
	switch v := e.rules.ResolveValue(name, a, b); v {
	case a:
		return incoming, nil
	case b:
		return existing, nil
	default:
		return []string{v}, nil
	}
}

func (e *Engine) safeCombine(name string, vals []string) (out string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic while combining values: %v", r)
		}
	}()
	return e.combine(name, vals)
}

func equalValues(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
