package httpmw

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/keithlinneman/headerd/internal/headers"
)

func newEngine(mut func(*headers.Options)) *headers.Engine {
	opts := headers.DefaultOptions()
	if mut != nil {
		mut(&opts)
	}
	return headers.New(opts)
}

// serverLayerMW writes fixed values into the server layer.
func serverLayerMW(kv ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := ServerHeader(r.Context(), w)
			for i := 0; i+1 < len(kv); i += 2 {
				h.Add(kv[i], kv[i+1])
			}
			next.ServeHTTP(w, r)
		})
	}
}

func TestHeaderMerge_ReconcilesLayers(t *testing.T) {
	app := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Server", "app/0.1")
		w.Header().Add("Vary", "Origin")
		w.Header().Add("Set-Cookie", "a=1")
		w.Header().Add("Set-Cookie", "b=2")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{}`))
	})
	h := Chain(app,
		HeaderMerge(newEngine(nil), nil),
		serverLayerMW("Server", "headerd/1.0", "Vary", "Accept-Encoding", "X-Frame-Options", "DENY"),
	)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d", rec.Code)
	}
	want := http.Header{
		"Content-Type":    {"application/json"},
		"Server":          {"headerd/1.0"},
		"Vary":            {"Accept-Encoding, Origin"},
		"Set-Cookie":      {"a=1", "b=2"},
		"X-Frame-Options": {"DENY"},
	}
	if diff := cmp.Diff(want, rec.Header()); diff != "" {
		t.Fatalf("headers mismatch (-want +got):\n%s", diff)
	}
	if rec.Body.String() != "{}" {
		t.Fatalf("body = %q", rec.Body.String())
	}
}

func TestHeaderMerge_ApplicationWinsUniqueHeaders(t *testing.T) {
	app := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Frame-Options", "SAMEORIGIN")
	})
	h := Chain(app, HeaderMerge(newEngine(nil), nil), serverLayerMW("x-frame-options", "DENY"))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if got := rec.Header().Values("X-Frame-Options"); len(got) != 1 || got[0] != "SAMEORIGIN" {
		t.Fatalf("X-Frame-Options = %q", got)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("implicit commit status = %d", rec.Code)
	}
}

func TestHeaderMerge_PreexistingHeadersAreServerLayer(t *testing.T) {
	outer := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Cache-Control", "no-cache")
			next.ServeHTTP(w, r)
		})
	}
	app := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "private")
		w.Write([]byte("x"))
	})
	h := Chain(app, outer, HeaderMerge(newEngine(nil), nil))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if got := rec.Header().Get("Cache-Control"); got != "no-cache, private" {
		t.Fatalf("Cache-Control = %q", got)
	}
}

func TestHeaderMerge_StrictConflictFallsBack(t *testing.T) {
	spy := newSpyLogger()
	eng := newEngine(func(o *headers.Options) { o.StrictMode = true })
	app := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
	})
	h := Chain(app, HeaderMerge(eng, spy), serverLayerMW("Content-Type", "application/json", "Vary", "Accept-Encoding"))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if got := rec.Header().Get("Content-Type"); got != "text/plain" {
		t.Fatalf("fallback Content-Type = %q", got)
	}
	if got := rec.Header().Get("Vary"); got != "Accept-Encoding" {
		t.Fatalf("fallback should keep secondary-only headers, Vary = %q", got)
	}
	e, ok := spy.lastError()
	if !ok {
		t.Fatal("merge error not logged")
	}
	if !errors.Is(e.err, headers.ErrCriticalConflict) {
		t.Fatalf("logged err = %v", e.err)
	}
	if kvMap(e.kv)["header"] != "Content-Type" {
		t.Fatalf("kv = %v", e.kv)
	}
}

type failingMerger struct{ calls int }

func (f *failingMerger) Merge(context.Context, *headers.Map, *headers.Map) (*headers.Map, error) {
	f.calls++
	return nil, &headers.MergeFailureError{Name: "Vary", Err: errors.New("boom")}
}

func TestHeaderMerge_MergesOnce(t *testing.T) {
	fm := &failingMerger{}
	app := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		w.WriteHeader(http.StatusTeapot)
		w.Write([]byte("a"))
		w.Write([]byte("b"))
	})
	rec := httptest.NewRecorder()
	HeaderMerge(fm, nil)(app).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if fm.calls != 1 {
		t.Fatalf("merge calls = %d", fm.calls)
	}
	if rec.Code != http.StatusAccepted || rec.Body.String() != "ab" {
		t.Fatalf("code=%d body=%q", rec.Code, rec.Body.String())
	}
}

func TestHeaderMerge_FlushCommits(t *testing.T) {
	app := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.(http.Flusher).Flush()
		w.Header().Set("X-Late", "ignored")
	})
	rec := httptest.NewRecorder()
	HeaderMerge(newEngine(nil), nil)(app).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if !rec.Flushed {
		t.Fatal("flush not forwarded")
	}
	if rec.Header().Get("Content-Type") != "text/event-stream" {
		t.Fatalf("headers = %v", rec.Header())
	}
	if rec.Header().Get("X-Late") != "" {
		t.Fatal("headers set after commit must not be sent")
	}
}

func TestHeaderMerge_NilMergerPassesThrough(t *testing.T) {
	app := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ServerLayer(r.Context()) != nil {
			t.Error("no layer expected without a merger")
		}
		w.Header().Set("X-App", "1")
	})
	rec := httptest.NewRecorder()
	HeaderMerge(nil, nil)(app).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Header().Get("X-App") != "1" {
		t.Fatal("pass-through lost header")
	}
}

func TestHeaderMerge_UnwrapForResponseController(t *testing.T) {
	var inner http.ResponseWriter
	app := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		inner = w.(interface{ Unwrap() http.ResponseWriter }).Unwrap()
	})
	rec := httptest.NewRecorder()
	HeaderMerge(newEngine(nil), nil)(app).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if inner != rec {
		t.Fatal("Unwrap should expose the real writer")
	}
}

func TestOverlay(t *testing.T) {
	primary := headers.NewMap(headers.Field{Name: "A", Values: []string{"p"}})
	secondary := headers.NewMap(
		headers.Field{Name: "A", Values: []string{"s"}},
		headers.Field{Name: "B", Values: []string{"s"}},
	)
	got := overlay(primary, secondary).Fields()
	want := []headers.Field{{Name: "A", Values: []string{"p"}}, {Name: "B", Values: []string{"s"}}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("overlay (-want +got):\n%s", diff)
	}
}

// statusRecorder keeps every status passed to WriteHeader with a copy of the
// headers at that point. httptest.ResponseRecorder only keeps the first.
type statusRecorder struct {
	header    http.Header
	codes     []int
	snapshots []http.Header
	body      []byte
}

func newStatusRecorder() *statusRecorder { return &statusRecorder{header: make(http.Header)} }

func (r *statusRecorder) Header() http.Header { return r.header }

func (r *statusRecorder) WriteHeader(code int) {
	r.codes = append(r.codes, code)
	r.snapshots = append(r.snapshots, r.header.Clone())
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if len(r.codes) == 0 {
		r.WriteHeader(http.StatusOK)
	}
	r.body = append(r.body, b...)
	return len(b), nil
}

func TestHeaderMerge_InformationalStatusPassesThrough(t *testing.T) {
	app := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Link", "</app.css>; rel=preload")
		w.WriteHeader(http.StatusEarlyHints)
		w.Header().Set("Content-Type", "text/html")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte("ok"))
	})
	h := Chain(app, HeaderMerge(newEngine(nil), nil), serverLayerMW("Server", "headerd/1.0"))

	rec := newStatusRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if diff := cmp.Diff([]int{http.StatusEarlyHints, http.StatusCreated}, rec.codes); diff != "" {
		t.Fatalf("status codes (-want +got):\n%s", diff)
	}
	if got := rec.snapshots[0].Get("Link"); got != "</app.css>; rel=preload" {
		t.Fatalf("early hints Link = %q", got)
	}
	final := rec.snapshots[1]
	if final.Get("Content-Type") != "text/html" || final.Get("Server") != "headerd/1.0" || final.Get("Link") == "" {
		t.Fatalf("final headers = %v", final)
	}
	if string(rec.body) != "ok" {
		t.Fatalf("body = %q", rec.body)
	}
}

func TestHeaderMerge_SwitchingProtocolsCommits(t *testing.T) {
	app := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Upgrade", "websocket")
		w.WriteHeader(http.StatusSwitchingProtocols)
		w.WriteHeader(http.StatusOK)
	})
	h := Chain(app, HeaderMerge(newEngine(nil), nil), serverLayerMW("Server", "headerd/1.0"))

	rec := newStatusRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if diff := cmp.Diff([]int{http.StatusSwitchingProtocols}, rec.codes); diff != "" {
		t.Fatalf("status codes (-want +got):\n%s", diff)
	}
	if rec.snapshots[0].Get("Server") != "headerd/1.0" || rec.snapshots[0].Get("Upgrade") != "websocket" {
		t.Fatalf("headers = %v", rec.snapshots[0])
	}
}
