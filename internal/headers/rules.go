package headers

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/keithlinneman/headerd/internal/log"
)

// Priority decides which source wins when two values for the same header
// cannot both be kept. The zero value means no priority was configured and
// behaves like SourceAFirst, except that it never reorders combined values.
type Priority int

const (
	PriorityUnset Priority = iota // not configured
	SourceAFirst                  // application / first source wins
	SourceBFirst                  // runtime / second source wins
	Combine                       // join both when the header is combinable
)

func (p Priority) String() string {
	switch p {
	case SourceBFirst:
		return "sourceB-first"
	case Combine:
		return "combine"
	case PriorityUnset:
		return "unset"
	default:
		return "sourceA-first"
	}
}

// ParsePriority accepts the config spellings sourceA-first, sourceB-first and
// combine, case-insensitively. An empty string is PriorityUnset.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return PriorityUnset, nil
	case "sourcea-first":
		return SourceAFirst, nil
	case "sourceb-first":
		return SourceBFirst, nil
	case "combine":
		return Combine, nil
	default:
		return SourceAFirst, fmt.Errorf("unknown priority %q (valid priorities are sourceA-first|sourceB-first|combine)", s)
	}
}

func (p Priority) MarshalText() ([]byte, error) {
	if p == PriorityUnset {
		return nil, nil
	}
	return []byte(p.String()), nil
}

func (p *Priority) UnmarshalText(b []byte) error {
	v, err := ParsePriority(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// DefaultSeparator joins combinable values when nothing else is configured.
const DefaultSeparator = ", "

// Rule is the per-header resolution policy.
type Rule struct {
	Priority   Priority `json:"priority,omitempty"`
	Combinable bool     `json:"combinable"`
	Separator  string   `json:"separator"`
	Critical   bool     `json:"critical"`
}

var combinable = map[string]bool{
	"Accept":                         true,
	"Accept-Charset":                 true,
	"Accept-Encoding":                true,
	"Accept-Language":                true,
	"Accept-Ranges":                  true,
	"Cache-Control":                  true,
	"Connection":                     true,
	"Cookie":                         true,
	"Pragma":                         true,
	"Upgrade":                        true,
	"Via":                            true,
	"Warning":                        true,
	"Vary":                           true,
	"Access-Control-Allow-Headers":   true,
	"Access-Control-Allow-Methods":   true,
	"Access-Control-Expose-Headers":  true,
	"Access-Control-Request-Headers": true,
}

var critical = map[string]bool{
	"Content-Length": true,
	"Content-Type":   true,
	"Authorization":  true,
	"Host":           true,
	"Location":       true,
	"Set-Cookie":     true,
}

// Resolver answers per-header policy questions. Custom rules take precedence
// over the built-in tables. Safe for concurrent use.
type Resolver struct {
	mu     sync.RWMutex
	custom map[string]Rule
}

// NewResolver copies rules, normalizing their names.
func NewResolver(rules map[string]Rule) *Resolver {
	r := &Resolver{custom: make(map[string]Rule, len(rules))}
	for name, rule := range rules {
		if c := Canonical(name); c != "" {
			r.custom[c] = rule
		}
	}
	return r
}

func (r *Resolver) lookup(name string) (Rule, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rule, ok := r.custom[name]
	return rule, ok
}

func (r *Resolver) ShouldCombine(name string) bool {
	if rule, ok := r.lookup(name); ok {
		return rule.Combinable
	}
	return combinable[name]
}

func (r *Resolver) IsCritical(name string) bool {
	if rule, ok := r.lookup(name); ok {
		return rule.Critical
	}
	return critical[name]
}

func (r *Resolver) SeparatorFor(name string) string {
	if rule, ok := r.lookup(name); ok && rule.Separator != "" {
		return rule.Separator
	}
	if name == "Cookie" {
		return "; "
	}
	return DefaultSeparator
}

// PriorityFor returns the effective priority for name, sourceA-first unless
// a custom rule sets one.
func (r *Resolver) PriorityFor(name string) Priority {
	if p := r.configuredPriority(name); p != PriorityUnset {
		return p
	}
	return SourceAFirst
}

// configuredPriority is the priority a custom rule sets explicitly, or
// PriorityUnset.
func (r *Resolver) configuredPriority(name string) Priority {
	if rule, ok := r.lookup(name); ok {
		return rule.Priority
	}
	return PriorityUnset
}

// ResolveValue picks between a (application) and b (runtime) for a header
// that is not being combined. Framing headers stay with the application,
// encoding and server identity stay with the runtime.
func (r *Resolver) ResolveValue(name, a, b string) string {
	switch name {
	case "Content-Length", "Content-Type":
		return firstNonEmpty(a, b)
	case "Content-Encoding", "Server":
		return firstNonEmpty(b, a)
	}
	switch r.PriorityFor(name) {
	case SourceBFirst:
		return firstNonEmpty(b, a)
	case Combine:
		if !r.ShouldCombine(name) {
			return a
		}
		vals := dedupeNonEmpty([]string{a, b})
		return strings.Join(vals, r.SeparatorFor(name))
	default:
		return a
	}
}

// AddRule installs or replaces the custom rule for name.
func (r *Resolver) AddRule(name string, rule Rule) error {
	c := Canonical(name)
	if c == "" || !validName(c) {
		return &InvalidHeaderError{Name: name, Reason: "invalid rule name"}
	}
	r.mu.Lock()
	r.custom[c] = rule
	r.mu.Unlock()
	return nil
}

// RemoveRule drops the custom rule for name and reports whether one existed.
func (r *Resolver) RemoveRule(name string) bool {
	c := Canonical(name)
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.custom[c]
	delete(r.custom, c)
	return ok
}

// ReplaceRules swaps the whole custom rule set.
func (r *Resolver) ReplaceRules(rules map[string]Rule) {
	next := NewResolver(rules).custom
	r.mu.Lock()
	r.custom = next
	r.mu.Unlock()
}

// Rules returns a copy of the custom rules.
func (r *Resolver) Rules() map[string]Rule {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Rule, len(r.custom))
	for k, v := range r.custom {
		out[k] = v
	}
	return out
}

// RawRule is a custom rule as found in config documents, before coercion.
// Fields keep whatever type the document used.
type RawRule struct {
	Priority   any `json:"priority" yaml:"priority"`
	Combinable any `json:"combinable" yaml:"combinable"`
	Separator  any `json:"separator" yaml:"separator"`
	Critical   any `json:"critical" yaml:"critical"`
}

// CoerceRules turns loosely typed rules into Rules. It never fails: bad
// priorities fall back to sourceA-first, non-string separators to ", ",
// unreadable booleans to false, and every correction is logged as a warning.
// Entries with an invalid header name are skipped with a warning.
func CoerceRules(ctx context.Context, raw map[string]RawRule, L log.Logger) map[string]Rule {
	if L == nil {
		L = log.Nop()
	}
	names := make([]string, 0, len(raw))
	for name := range raw {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make(map[string]Rule, len(raw))
	for _, name := range names {
		rr := raw[name]
		c := Canonical(name)
		if c == "" || !validName(c) {
			L.Warn(ctx, "skipping custom rule with invalid header name", "header", name)
			continue
		}

		var rule Rule

		switch v := rr.Priority.(type) {
		case nil:
		case string:
			p, err := ParsePriority(v)
			if err != nil {
				L.Warn(ctx, "invalid custom rule priority, using sourceA-first", "header", c, "priority", v)
			}
			rule.Priority = p
		default:
			L.Warn(ctx, "invalid custom rule priority, using sourceA-first", "header", c, "priority", fmt.Sprint(v))
			rule.Priority = SourceAFirst
		}

		switch v := rr.Separator.(type) {
		case nil:
		case string:
			rule.Separator = v
		default:
			L.Warn(ctx, "non-string custom rule separator, using default", "header", c, "separator", fmt.Sprint(v), "default", DefaultSeparator)
			rule.Separator = DefaultSeparator
		}

		rule.Combinable = coerceBool(ctx, L, c, "combinable", rr.Combinable)
		rule.Critical = coerceBool(ctx, L, c, "critical", rr.Critical)

		out[c] = rule
	}
	return out
}

func coerceBool(ctx context.Context, L log.Logger, header, field string, v any) bool {
	switch b := v.(type) {
	case nil:
		return false
	case bool:
		return b
	case string:
		parsed, err := strconv.ParseBool(strings.TrimSpace(b))
		if err == nil {
			return parsed
		}
	}
	L.Warn(ctx, "invalid custom rule flag, using false", "header", header, "field", field, "value", fmt.Sprint(v))
	return false
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// dedupeNonEmpty drops empty strings and exact repeats, keeping first
// occurrence order.
func dedupeNonEmpty(vals []string) []string {
	seen := make(map[string]struct{}, len(vals))
	out := make([]string, 0, len(vals))
	for _, v := range vals {
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
