package headers

import (
	"context"
	"sync"

	"github.com/keithlinneman/headerd/internal/log"
)

type entry struct {
	level string
	msg   string
	err   error
	kv    []any
}

// recLogger records every entry; With returns the same recorder.
type recLogger struct {
	mu      sync.Mutex
	entries []entry
}

func (r *recLogger) add(e entry) {
	r.mu.Lock()
	r.entries = append(r.entries, e)
	r.mu.Unlock()
}

func (r *recLogger) With(...any) log.Logger { return r }
func (r *recLogger) Debug(_ context.Context, msg string, kv ...any) {
	r.add(entry{level: "debug", msg: msg, kv: kv})
}
func (r *recLogger) Info(_ context.Context, msg string, kv ...any) {
	r.add(entry{level: "info", msg: msg, kv: kv})
}
func (r *recLogger) Warn(_ context.Context, msg string, kv ...any) {
	r.add(entry{level: "warn", msg: msg, kv: kv})
}
func (r *recLogger) Error(_ context.Context, err error, msg string, kv ...any) {
	r.add(entry{level: "error", msg: msg, err: err, kv: kv})
}
func (r *recLogger) Sync() error { return nil }

func (r *recLogger) count(level string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.entries {
		if e.level == level {
			n++
		}
	}
	return n
}

type recObserver struct {
	mu        sync.Mutex
	calls     map[string]int
	conflicts []string
	fallbacks []string
	hits      int
	misses    int
	evictions int
}

func newRecObserver() *recObserver { return &recObserver{calls: map[string]int{}} }

func (o *recObserver) ObserveCall(op string, _ float64) {
	o.mu.Lock()
	o.calls[op]++
	o.mu.Unlock()
}

func (o *recObserver) ObserveConflict(name string, critical bool) {
	o.mu.Lock()
	if critical {
		name += "!"
	}
	o.conflicts = append(o.conflicts, name)
	o.mu.Unlock()
}

func (o *recObserver) ObserveFallback(op, kind string) {
	o.mu.Lock()
	o.fallbacks = append(o.fallbacks, op+"/"+kind)
	o.mu.Unlock()
}

func (o *recObserver) ObserveCache(hit bool) {
	o.mu.Lock()
	if hit {
		o.hits++
	} else {
		o.misses++
	}
	o.mu.Unlock()
}

func (o *recObserver) ObserveEviction() {
	o.mu.Lock()
	o.evictions++
	o.mu.Unlock()
}

func f(name string, values ...string) Field { return Field{Name: name, Values: values} }
