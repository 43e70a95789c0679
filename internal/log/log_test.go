package log

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/trace"
)

func newTestLogger(t *testing.T, opts Options) (Logger, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	opts.Writer = &buf
	if opts.App == "" {
		opts.App = "test"
	}
	l, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return l, &buf
}

func jsonRecords(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			t.Fatalf("unmarshal %q: %v", line, err)
		}
		out = append(out, m)
	}
	return out
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"debug", slog.LevelDebug, false},
		{" INFO ", slog.LevelInfo, false},
		{"warn", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"trace", 0, true},
		{"", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Fatalf("ParseLevel(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestParseFormat(t *testing.T) {
	for _, in := range []string{"json", "logfmt", "Console", "dev"} {
		if _, err := ParseFormat(in); err != nil {
			t.Errorf("ParseFormat(%q): %v", in, err)
		}
	}
	if _, err := ParseFormat("xml"); err == nil {
		t.Error("ParseFormat(xml) should fail")
	}
}

func TestNew_UnknownFormat(t *testing.T) {
	if _, err := New(Options{Format: "xml"}); err == nil {
		t.Fatal("expected error for unknown format")
	}
}

func TestNew_AllFormatsWrite(t *testing.T) {
	for _, f := range []Format{FormatJSON, FormatLogfmt, FormatConsole, FormatDev} {
		t.Run(string(f), func(t *testing.T) {
			l, buf := newTestLogger(t, Options{Format: f, Level: slog.LevelInfo})
			l.Info(context.Background(), "hello", "k", "v")
			if !strings.Contains(buf.String(), "hello") {
				t.Fatalf("output missing message: %q", buf.String())
			}
		})
	}
}

func TestLogger_BaseAttrs(t *testing.T) {
	l, buf := newTestLogger(t, Options{Format: FormatJSON, Version: "1.2.3", Commit: "abc"})
	l.Info(context.Background(), "msg")

	recs := jsonRecords(t, buf)
	if len(recs) != 1 {
		t.Fatalf("got %d records", len(recs))
	}
	r := recs[0]
	if r["app"] != "test" || r["version"] != "1.2.3" || r["commit"] != "abc" {
		t.Fatalf("base attrs missing: %v", r)
	}
	if _, ok := r["source"]; !ok {
		t.Fatal("source attr missing")
	}
}

func TestLogger_LevelFiltering(t *testing.T) {
	l, buf := newTestLogger(t, Options{Format: FormatJSON, Level: slog.LevelWarn})
	ctx := context.Background()
	l.Debug(ctx, "d")
	l.Info(ctx, "i")
	l.Warn(ctx, "w")

	recs := jsonRecords(t, buf)
	if len(recs) != 1 || recs[0]["msg"] != "w" {
		t.Fatalf("want only warn record, got %v", recs)
	}
}

func TestLogger_WithIsCopyOnWrite(t *testing.T) {
	l, buf := newTestLogger(t, Options{Format: FormatJSON})
	parent := l.With("a", 1)
	child := parent.With("b", 2)

	parent.Info(context.Background(), "parent")
	child.Info(context.Background(), "child")

	recs := jsonRecords(t, buf)
	if _, ok := recs[0]["b"]; ok {
		t.Fatal("parent picked up child attr")
	}
	if recs[1]["a"] != float64(1) || recs[1]["b"] != float64(2) {
		t.Fatalf("child attrs wrong: %v", recs[1])
	}
}

func TestLogger_WithIgnoresNonStringKeys(t *testing.T) {
	l, buf := newTestLogger(t, Options{Format: FormatJSON})
	l.With(42, "x", "ok", true).Info(context.Background(), "m")
	r := jsonRecords(t, buf)[0]
	if r["ok"] != true {
		t.Fatalf("ok attr missing: %v", r)
	}
}

func TestLogger_ErrorFields(t *testing.T) {
	l, buf := newTestLogger(t, Options{Format: FormatJSON, IncludeErrorLinks: true})
	root := errors.New("disk full")
	err := fmt.Errorf("write rules: %w", root)

	l.Error(context.Background(), err, "save failed")

	r := jsonRecords(t, buf)[0]
	if r["level"] != "ERROR" {
		t.Fatalf("level = %v", r["level"])
	}
	if r["cause_type"] != "*errors.errorString" {
		t.Errorf("cause_type = %v", r["cause_type"])
	}
	chain, ok := r["error_chain"].([]any)
	if !ok || len(chain) != 2 {
		t.Fatalf("error_chain = %v", r["error_chain"])
	}
	if _, ok := r["error_links"]; !ok {
		t.Error("error_links missing")
	}
	if s, _ := r["stack"].(string); s == "" {
		t.Error("stack missing at error level")
	}
	// slog-formatter renders the error as a group
	errGroup, ok := r["err"].(map[string]any)
	if !ok {
		t.Fatalf("err not formatted as group: %T %v", r["err"], r["err"])
	}
	if errGroup["message"] != "write rules: disk full" {
		t.Errorf("err.message = %v", errGroup["message"])
	}
}

func TestLogger_NilErrorHasNoErrorFields(t *testing.T) {
	l, buf := newTestLogger(t, Options{Format: FormatJSON})
	l.Error(context.Background(), nil, "odd")
	r := jsonRecords(t, buf)[0]
	if _, ok := r["err"]; ok {
		t.Fatal("err attr present for nil error")
	}
}

func TestOtelHandler_AddsTraceIDs(t *testing.T) {
	l, buf := newTestLogger(t, Options{Format: FormatJSON})
	tid, _ := trace.TraceIDFromHex("0102030405060708090a0b0c0d0e0f10")
	sid, _ := trace.SpanIDFromHex("0102030405060708")
	sc := trace.NewSpanContext(trace.SpanContextConfig{TraceID: tid, SpanID: sid, TraceFlags: trace.FlagsSampled})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	l.Info(ctx, "traced")
	r := jsonRecords(t, buf)[0]
	if r["trace_id"] != tid.String() || r["span_id"] != sid.String() {
		t.Fatalf("trace ids missing: %v", r)
	}
}

func TestLogger_NilContext(t *testing.T) {
	l, buf := newTestLogger(t, Options{Format: FormatJSON})
	//nolint:staticcheck // nil ctx must not panic
	l.Info(nil, "no ctx")
	if !strings.Contains(buf.String(), "no ctx") {
		t.Fatal("record not written")
	}
}

type stackErr struct{ pcs []uintptr }

func (e stackErr) Error() string        { return "with stack" }
func (e stackErr) StackPCs() []uintptr { return e.pcs }

func TestFirstExtFrame_Empty(t *testing.T) {
	if _, _, _, ok := firstExtFrame(nil); ok {
		t.Fatal("want !ok for empty pcs")
	}
	if _, _, _, ok := frameFromPC(0); ok {
		t.Fatal("want !ok for zero pc")
	}
}

func TestClassifyTypes(t *testing.T) {
	if s, r := classifyTypes(nil); s != "" || r != "" {
		t.Fatalf("nil: %q %q", s, r)
	}
	err := fmt.Errorf("outer: %w", stackErr{})
	s, r := classifyTypes(err)
	if s != "log.stackErr" {
		t.Errorf("surface = %q", s)
	}
	if r != "log.stackErr" {
		t.Errorf("root = %q", r)
	}
}

func TestErrorChain_Join(t *testing.T) {
	err := errors.Join(errors.New("a"), errors.New("b"))
	got := errorChain(err)
	if len(got) != 3 {
		t.Fatalf("chain = %q", got)
	}
}

func TestWithMinLevel(t *testing.T) {
	l, buf := newTestLogger(t, Options{Format: FormatJSON, Level: slog.LevelDebug})
	quiet := WithMinLevel(l, slog.LevelWarn)
	ctx := context.Background()
	quiet.Debug(ctx, "d")
	quiet.Info(ctx, "i")
	quiet.With("k", "v").Warn(ctx, "w")
	quiet.Error(ctx, errors.New("x"), "e")

	recs := jsonRecords(t, buf)
	if len(recs) != 2 {
		t.Fatalf("got %d records, want 2", len(recs))
	}
	if recs[0]["msg"] != "w" || recs[0]["k"] != "v" {
		t.Fatalf("warn record = %v", recs[0])
	}
	if WithMinLevel(nil, slog.LevelInfo) == nil {
		t.Fatal("nil logger should become Nop")
	}
}

func TestContextRoundTrip(t *testing.T) {
	if _, ok := FromContext(context.Background()).(nopLogger); !ok {
		t.Fatal("empty ctx should yield Nop")
	}
	l, _ := newTestLogger(t, Options{Format: FormatJSON})
	ctx := WithContext(context.Background(), l)
	if FromContext(ctx) != l {
		t.Fatal("logger not returned from ctx")
	}
}

func TestNop(t *testing.T) {
	n := Nop()
	n.With("a", 1).Info(context.Background(), "x")
	n.Error(context.Background(), errors.New("e"), "x")
	if err := n.Sync(); err != nil {
		t.Fatal(err)
	}
}
