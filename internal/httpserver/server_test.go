package httpserver

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/vfaronov/httpheader"

	"github.com/keithlinneman/headerd/internal/headers"
	"github.com/keithlinneman/headerd/internal/headershttp"
	"github.com/keithlinneman/headerd/internal/health"
	"github.com/keithlinneman/headerd/internal/log"
)

func newEngine() *headers.Engine {
	return headers.New(headers.DefaultOptions())
}

func defaultOpts() *Options {
	return &Options{
		Logger:        log.Nop(),
		Merger:        newEngine(),
		ServerProduct: httpheader.Product{Name: "headerd", Version: "1.0"},
		UseRecoverMW:  true,
	}
}

func do(t *testing.T, h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	return do(t, h, httptest.NewRequest(http.MethodGet, path, nil))
}

func TestNewHandler_ServerLayerOnEveryResponse(t *testing.T) {
	h := NewHandler(defaultOpts())

	for _, path := range []string{"/-/healthy", "/does-not-exist"} {
		rec := get(t, h, path)
		want := map[string]string{
			"Server":                  "headerd/1.0",
			"Vary":                    "Accept-Encoding",
			"X-Content-Type-Options":  "nosniff",
			"X-Frame-Options":         "DENY",
			"Referrer-Policy":         "no-referrer",
			"Content-Security-Policy": "default-src 'none'; frame-ancestors 'none'; base-uri 'none'; form-action 'none'",
		}
		for name, v := range want {
			if got := rec.Header().Get(name); got != v {
				t.Errorf("%s: %s = %q, want %q", path, name, got, v)
			}
		}
		if rec.Header().Get("X-Request-Id") == "" {
			t.Errorf("%s: missing X-Request-Id", path)
		}
	}
}

func TestNewHandler_MergesApplicationHeaders(t *testing.T) {
	opts := defaultOpts()
	opts.Fallback = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Frame-Options", "SAMEORIGIN")
		w.Header().Add("Vary", "Origin")
		w.Header().Set("Server", "app/2.0")
		w.Header().Set("Content-Type", "application/json")
		w.Header().Add("Set-Cookie", "a=1")
		w.Header().Add("Set-Cookie", "b=2")
		_, _ = w.Write([]byte(`{}`))
	})
	rec := get(t, NewHandler(opts), "/app")

	tests := []struct {
		name string
		want string
	}{
		{"X-Frame-Options", "SAMEORIGIN"},    // application wins unique headers
		{"Vary", "Accept-Encoding, Origin"},  // combined, server layer first
		{"Server", "headerd/1.0"},            // runtime owns Server
		{"Content-Type", "application/json"}, // application owns Content-Type
	}
	for _, tt := range tests {
		if got := rec.Header().Values(tt.name); len(got) != 1 || got[0] != tt.want {
			t.Errorf("%s = %q, want [%q]", tt.name, got, tt.want)
		}
	}
	if got := rec.Header().Values("Set-Cookie"); len(got) != 2 {
		t.Errorf("Set-Cookie = %q, want one line per cookie", got)
	}
}

func TestNewHandler_NoMergerPassesThrough(t *testing.T) {
	opts := defaultOpts()
	opts.Merger = nil
	opts.Fallback = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Add("Vary", "Origin")
		w.WriteHeader(http.StatusTeapot)
	})
	rec := get(t, NewHandler(opts), "/app")
	if rec.Code != http.StatusTeapot {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := rec.Header().Values("Vary"); len(got) != 2 {
		t.Fatalf("Vary = %q, want both raw lines", got)
	}
}

func TestNewHandler_EmptyProductOmitsServer(t *testing.T) {
	opts := defaultOpts()
	opts.ServerProduct = httpheader.Product{}
	rec := get(t, NewHandler(opts), "/-/healthy")
	if got := rec.Header().Get("Server"); got != "" {
		t.Fatalf("Server = %q, want omitted", got)
	}
}

func TestNewHandler_RequestIDPropagated(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/-/healthy", nil)
	req.Header.Set("X-Request-Id", "abc-123")
	rec := do(t, NewHandler(defaultOpts()), req)
	if got := rec.Header().Get("X-Request-Id"); got != "abc-123" {
		t.Fatalf("X-Request-Id = %q", got)
	}
}

func TestNewHandler_Probes(t *testing.T) {
	tests := []struct {
		name     string
		path     string
		health   health.Probe
		ready    health.Probe
		wantCode int
	}{
		{"healthy nil", "/-/healthy", nil, nil, http.StatusOK},
		{"unhealthy", "/-/healthy", health.Fixed(false, "down"), nil, http.StatusServiceUnavailable},
		{"ready", "/-/ready", nil, health.Fixed(true, ""), http.StatusOK},
		{"not ready", "/-/ready", nil, health.Fixed(false, "draining"), http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := defaultOpts()
			opts.Health, opts.Readiness = tt.health, tt.ready
			opts.Fallback = http.NotFoundHandler()
			if rec := get(t, NewHandler(opts), tt.path); rec.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantCode)
			}
		})
	}
}

func TestNewHandler_RateLimitOnlyOnAPI(t *testing.T) {
	opts := defaultOpts()
	opts.RateLimitMW = func(http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusTooManyRequests)
		})
	}
	opts.APIRoutes = func(r chi.Router) {
		r.Get("/api/ping", func(w http.ResponseWriter, r *http.Request) {})
	}
	h := NewHandler(opts)

	if rec := get(t, h, "/api/ping"); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("/api status = %d, want 429", rec.Code)
	}
	if rec := get(t, h, "/-/healthy"); rec.Code != http.StatusOK {
		t.Fatalf("probe status = %d, want 200", rec.Code)
	}
}

func TestNewHandler_APIBodyLimit(t *testing.T) {
	opts := defaultOpts()
	opts.MaxBodyBytes = 16
	opts.APIRoutes = func(r chi.Router) {
		r.Post("/api/echo", func(w http.ResponseWriter, r *http.Request) {})
	}
	req := httptest.NewRequest(http.MethodPost, "/api/echo", strings.NewReader(strings.Repeat("x", 64)))
	if rec := do(t, NewHandler(opts), req); rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413", rec.Code)
	}
}

func TestNewHandler_EngineAPI(t *testing.T) {
	engine := newEngine()
	opts := defaultOpts()
	opts.Merger = engine
	opts.APIRoutes = headershttp.NewAPI(engine, nil, 0, nil).RegisterRoutes
	h := NewHandler(opts)

	body := `{"primary":[{"name":"content-type","values":["text/html"]}],` +
		`"secondary":[{"name":"Content-Type","values":["application/json"]},{"name":"X-Powered-By","values":["Express"]}]}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/headers/merge", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := do(t, h, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body %s", rec.Code, rec.Body)
	}
	if !strings.Contains(rec.Body.String(), `"Content-Type"`) || !strings.Contains(rec.Body.String(), `"text/html"`) {
		t.Fatalf("body = %s", rec.Body)
	}
	if rec.Header().Get("Cache-Control") != "no-store" || rec.Header().Get("X-Frame-Options") != "DENY" {
		t.Fatalf("response headers = %v", rec.Header())
	}
}

func TestNewHandler_CompressesJSON(t *testing.T) {
	opts := defaultOpts()
	opts.Fallback = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":"` + strings.Repeat("a", 2048) + `"}`))
	})
	req := httptest.NewRequest(http.MethodGet, "/app", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	rec := do(t, NewHandler(opts), req)

	if got := rec.Header().Get("Content-Encoding"); got != "gzip" {
		t.Fatalf("Content-Encoding = %q", got)
	}
	if got := rec.Header().Values("Vary"); len(got) != 1 || got[0] != "Accept-Encoding" {
		t.Fatalf("Vary = %q, want one Accept-Encoding", got)
	}
}

func TestNewHandler_Recover(t *testing.T) {
	var panics atomic.Int32
	opts := defaultOpts()
	opts.OnPanic = func() { panics.Add(1) }
	opts.Fallback = http.HandlerFunc(func(http.ResponseWriter, *http.Request) { panic("boom") })

	rec := get(t, NewHandler(opts), "/app")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rec.Code)
	}
	if panics.Load() != 1 {
		t.Fatalf("OnPanic called %d times", panics.Load())
	}
}

func TestShouldTrace(t *testing.T) {
	for p, want := range map[string]bool{
		"/-/healthy":             false,
		"/-/ready":               false,
		"/favicon.ico":           false,
		"/api/v1/headers/merge":  true,
		"/debug/pprof/":          false,
		"/api/v1/headers/config": true,
	} {
		if got := shouldTrace(p); got != want {
			t.Errorf("shouldTrace(%q) = %v, want %v", p, got, want)
		}
	}
}

func TestNewServer_Configuration(t *testing.T) {
	srv := NewServer(":9999", http.NotFoundHandler())
	if srv.Addr != ":9999" || srv.ReadHeaderTimeout != DefaultReadHeaderTimeout ||
		srv.WriteTimeout != DefaultWriteTimeout || srv.IdleTimeout != DefaultIdleTimeout ||
		srv.MaxHeaderBytes != DefaultMaxHeaderBytes {
		t.Fatalf("server = %+v", srv)
	}
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func TestStart_ServeAndStop(t *testing.T) {
	opts := defaultOpts()
	opts.Port = freePort(t)
	ctx := context.Background()

	stop, err := Start(ctx, opts)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	url := fmt.Sprintf("http://127.0.0.1:%d/-/healthy", opts.Port)
	var resp *http.Response
	deadline := time.Now().Add(2 * time.Second)
	for {
		resp, err = http.Get(url)
		if err == nil || time.Now().After(deadline) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || resp.Header.Get("Server") != "headerd/1.0" {
		t.Fatalf("status %d headers %v", resp.StatusCode, resp.Header)
	}

	if err := stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := stop(ctx); err != nil {
		t.Fatalf("second stop: %v", err)
	}
}

func TestStart_PortConflict(t *testing.T) {
	ln, err := net.Listen("tcp", ":0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	opts := defaultOpts()
	opts.Port = ln.Addr().(*net.TCPAddr).Port
	if _, err := Start(context.Background(), opts); err == nil {
		t.Fatal("expected listen error")
	}
}
