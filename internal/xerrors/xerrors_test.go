package xerrors

import (
	"errors"
	"io/fs"
	"runtime"
	"strings"
	"testing"
)

var errSentinel = errors.New("sentinel")

func stackContains(pcs []uintptr, substr string) bool {
	frames := runtime.CallersFrames(pcs)
	for {
		fr, more := frames.Next()
		if strings.Contains(fr.Function, substr) {
			return true
		}
		if !more {
			return false
		}
	}
}

func stackOf(t *testing.T, err error) []uintptr {
	t.Helper()
	var hs interface{ StackPCs() []uintptr }
	if !errors.As(err, &hs) {
		t.Fatalf("%v carries no stack", err)
	}
	return hs.StackPCs()
}

func TestNew(t *testing.T) {
	err := New("rules document missing")
	if err.Error() != "rules document missing" {
		t.Fatalf("Error() = %q", err.Error())
	}
	if !stackContains(stackOf(t, err), "TestNew") {
		t.Fatal("stack should start at the caller")
	}
	if stackContains(stackOf(t, err), "xerrors.callers") {
		t.Fatal("stack should not include xerrors internals")
	}
}

func TestNewf(t *testing.T) {
	err := Newf("invalid port %d for %s", 99999, "server")
	if err.Error() != "invalid port 99999 for server" {
		t.Fatalf("Error() = %q", err.Error())
	}
	wrapped := Newf("load: %w", errSentinel)
	if !errors.Is(wrapped, errSentinel) {
		t.Fatal("Newf should honor %w")
	}
}

func TestWithStack(t *testing.T) {
	if WithStack(nil) != nil {
		t.Fatal("nil in should be nil out")
	}
	err := WithStack(errSentinel)
	if !errors.Is(err, errSentinel) {
		t.Fatal("errors.Is lost")
	}
	if err.Error() != "sentinel" {
		t.Fatalf("message changed: %q", err.Error())
	}
	if !stackContains(stackOf(t, err), "TestWithStack") {
		t.Fatal("stack should contain caller")
	}
}

func TestEnsureTrace(t *testing.T) {
	if EnsureTrace(nil) != nil {
		t.Fatal("nil in should be nil out")
	}

	plain := EnsureTrace(errSentinel)
	stackOf(t, plain)

	already := New("x")
	if EnsureTrace(already) != already {
		t.Fatal("EnsureTrace should not restack")
	}
	outer := Wrap(already, "outer")
	if EnsureTrace(outer) != outer {
		t.Fatal("stack deeper in the chain should be detected")
	}
}

func TestWrap(t *testing.T) {
	if Wrap(nil, "x") != nil || Wrapf(nil, "x %d", 1) != nil {
		t.Fatal("nil in should be nil out")
	}
	err := Wrap(fs.ErrNotExist, "open rules")
	if err.Error() != "open rules: file does not exist" {
		t.Fatalf("Error() = %q", err.Error())
	}
	if !errors.Is(err, fs.ErrNotExist) {
		t.Fatal("errors.Is lost")
	}

	var hp interface{ PC() uintptr }
	if !errors.As(err, &hp) || hp.PC() == 0 {
		t.Fatal("wrap should record a pc")
	}
	fn := runtime.FuncForPC(hp.PC()).Name()
	if !strings.Contains(fn, "TestWrap") {
		t.Fatalf("pc points at %s", fn)
	}
}

func TestWrapf(t *testing.T) {
	err := Wrapf(errSentinel, "header %q", "Content-Type")
	if err.Error() != `header "Content-Type": sentinel` {
		t.Fatalf("Error() = %q", err.Error())
	}
}

type codeErr struct{ code int }

func (c *codeErr) Error() string { return "code" }

func TestAsThroughLayers(t *testing.T) {
	base := &codeErr{code: 7}
	err := Wrap(WithStack(Wrapf(base, "inner")), "outer")

	var ce *codeErr
	if !errors.As(err, &ce) || ce.code != 7 {
		t.Fatal("errors.As through wrappers failed")
	}
}
