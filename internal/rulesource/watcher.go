package rulesource

import (
	"context"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/keithlinneman/headerd/internal/cryptoutil"
	"github.com/keithlinneman/headerd/internal/headers"
	"github.com/keithlinneman/headerd/internal/log"
)

const (
	DefaultPollInterval = 30 * time.Second

	// maxBackoff caps exponential backoff on consecutive SSM errors.
	maxBackoff = 5 * time.Minute
)

type pollResult int

const (
	pollNoChange  pollResult = iota
	pollSwapped              // new document loaded and installed
	pollSSMError             // hash lookup failed, caller backs off
	pollLoadError            // lookup worked, download/verify/parse failed
)

// Fetcher is what the watcher needs from a loader.
type Fetcher interface {
	FetchCurrentHash(ctx context.Context) (string, error)
	LoadHash(ctx context.Context, hash string) (*Set, error)
}

// RuleSetter receives new rule sets; *headers.Engine implements it.
type RuleSetter interface {
	ReplaceRules(rules map[string]headers.Rule)
}

// WatcherMetrics is implemented by the metrics package.
type WatcherMetrics interface {
	IncWatcherPolls()
	IncWatcherSwaps()
	IncWatcherError(errType string)
	ObserveRulesLoadDuration(seconds float64)
	SetWatcherLastSuccess(unixSeconds float64)
	SetWatcherStale(stale bool)
}

type WatcherOptions struct {
	Logger       log.Logger
	Loader       Fetcher
	Target       RuleSetter
	PollInterval time.Duration

	// Initial is the set installed at startup, if any. Its hash seeds change
	// detection so the first poll does not reload it.
	Initial *Set

	// OnSwap runs on the poll goroutine after a new set is installed. A
	// panic is logged and swallowed.
	OnSwap func(set *Set)

	Metrics WatcherMetrics

	// StaleThreshold is how long SSM may fail before the watcher reports
	// stale rules. Zero means 30 minutes.
	StaleThreshold time.Duration
}

// Watcher polls for rule document changes and installs them.
type Watcher struct {
	loader   Fetcher
	target   RuleSetter
	logger   log.Logger
	interval time.Duration
	onSwap   func(*Set)
	metrics  WatcherMetrics
	active   atomic.Pointer[Set]

	currentHash     string
	consecutiveErrs int

	staleThreshold time.Duration
	lastSuccessAt  time.Time
	staleLogged    bool

	pollCount int64
	swapCount int64
}

func NewWatcher(opts WatcherOptions) *Watcher {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	interval := opts.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	staleThreshold := opts.StaleThreshold
	if staleThreshold <= 0 {
		staleThreshold = 30 * time.Minute
	}

	w := &Watcher{
		loader:         opts.Loader,
		target:         opts.Target,
		logger:         opts.Logger.With("component", "rules-watcher"),
		interval:       interval,
		onSwap:         opts.OnSwap,
		metrics:        opts.Metrics,
		staleThreshold: staleThreshold,
		lastSuccessAt:  time.Now(),
	}
	if opts.Initial != nil {
		w.currentHash = opts.Initial.SHA256
		w.active.Store(opts.Initial)
	}
	return w
}

// Active returns the most recently installed set, nil if none. Safe to call
// from any goroutine.
func (w *Watcher) Active() *Set { return w.active.Load() }

// Run polls until ctx is cancelled. Launch as go w.Run(ctx).
func (w *Watcher) Run(ctx context.Context) error {
	w.logger.Info(ctx, "rules watcher starting",
		"poll_interval", w.interval.String(),
		"current_hash", truncHash(w.currentHash),
	)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info(ctx, "rules watcher stopping",
				"reason", ctx.Err(),
				"polls", w.pollCount,
				"swaps", w.swapCount,
			)
			return ctx.Err()
		case <-ticker.C:
			result := w.checkOnce(ctx)
			if next, changed := w.afterPoll(ctx, result); changed {
				ticker.Reset(next)
			}
		}
	}
}

// afterPoll updates backoff and staleness. It returns the next interval and
// whether the ticker must be reset.
func (w *Watcher) afterPoll(ctx context.Context, result pollResult) (time.Duration, bool) {
	if result != pollSSMError {
		if w.staleLogged {
			w.logger.Info(ctx, "rules watcher: staleness recovered")
			w.staleLogged = false
			if w.metrics != nil {
				w.metrics.SetWatcherStale(false)
			}
		}
		if w.consecutiveErrs == 0 {
			return w.interval, false
		}
		w.logger.Info(ctx, "rules watcher: recovered, resuming normal interval",
			"had_consecutive_errors", w.consecutiveErrs,
		)
		w.consecutiveErrs = 0
		return w.interval, true
	}

	w.consecutiveErrs++
	backoff := w.backoffDuration()
	w.logger.Warn(ctx, "rules watcher: backing off",
		"consecutive_errors", w.consecutiveErrs,
		"next_poll_in", backoff.String(),
	)

	if since := time.Since(w.lastSuccessAt); since > w.staleThreshold && !w.staleLogged {
		w.logger.Error(ctx, fmt.Errorf("last successful SSM poll was %s ago", since.Truncate(time.Second)),
			"rules watcher: rules are stale, unable to verify freshness",
		)
		w.staleLogged = true
		if w.metrics != nil {
			w.metrics.SetWatcherStale(true)
		}
	}
	return backoff, true
}

// checkOnce runs one poll-compare-swap cycle.
func (w *Watcher) checkOnce(ctx context.Context) pollResult {
	w.pollCount++
	if w.metrics != nil {
		w.metrics.IncWatcherPolls()
	}

	hash, err := w.loader.FetchCurrentHash(ctx)
	if err != nil {
		w.logger.Error(ctx, err, "rules watcher: SSM poll failed")
		if w.metrics != nil {
			w.metrics.IncWatcherError("ssm")
		}
		return pollSSMError
	}

	now := time.Now()
	w.lastSuccessAt = now
	if w.metrics != nil {
		w.metrics.SetWatcherLastSuccess(float64(now.Unix()))
	}

	if cryptoutil.HashEqual(hash, w.currentHash) {
		return pollNoChange
	}

	w.logger.Info(ctx, "rules watcher: new rules hash detected",
		"old_hash", truncHash(w.currentHash),
		"new_hash", truncHash(hash),
	)

	loadStart := time.Now()
	set, err := w.loader.LoadHash(ctx, hash)
	if w.metrics != nil {
		w.metrics.ObserveRulesLoadDuration(time.Since(loadStart).Seconds())
	}
	if err != nil {
		w.logger.Error(ctx, err, "rules watcher: failed to load rules, keeping current set",
			"hash", truncHash(hash),
		)
		if w.metrics != nil {
			w.metrics.IncWatcherError("load")
		}
		return pollLoadError
	}

	oldHash := w.currentHash
	w.target.ReplaceRules(set.Rules)
	w.active.Store(set)
	w.currentHash = hash
	w.swapCount++

	w.logger.Info(ctx, "rules watcher: rules swapped",
		"old_hash", truncHash(oldHash),
		"new_hash", truncHash(hash),
		"rules", len(set.Rules),
		"version", set.Version,
		"total_swaps", w.swapCount,
	)
	if w.metrics != nil {
		w.metrics.IncWatcherSwaps()
	}

	if w.onSwap != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					w.logger.Error(ctx, fmt.Errorf("OnSwap panic: %v", r),
						"rules watcher: OnSwap callback panicked, continuing",
						"hash", truncHash(hash),
					)
				}
			}()
			w.onSwap(set)
		}()
	}
	return pollSwapped
}

// backoffDuration doubles the interval per consecutive error, capped at
// maxBackoff.
func (w *Watcher) backoffDuration() time.Duration {
	mult := math.Pow(2, float64(w.consecutiveErrs))
	d := time.Duration(float64(w.interval) * mult)
	if d > maxBackoff {
		d = maxBackoff
	}
	return d
}

func truncHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
