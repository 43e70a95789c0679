package httpmw

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestResolveClientAddr(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		xff        string
		hops       int
		want       string
		wantStrip  bool
	}{
		{"no hops ignores xff", "10.0.0.1:1234", "203.0.113.50", 0, "10.0.0.1", true},
		{"public peer ignores xff", "203.0.113.1:1234", "10.0.0.1", 1, "203.0.113.1", true},
		{"loopback is not private", "127.0.0.1:1234", "203.0.113.50", 1, "127.0.0.1", true},
		{"single hop rightmost", "10.0.0.1:1234", "203.0.113.50, 10.0.0.5, 10.0.0.6", 1, "10.0.0.6", false},
		{"single hop trims spaces", "10.0.0.1:1234", "  203.0.113.50  ", 1, "203.0.113.50", false},
		{"two hops", "10.0.0.1:1234", "203.0.113.50, 10.0.0.5, 10.0.0.6", 2, "10.0.0.5", false},
		{"hops exceed entries fail closed", "10.0.0.1:1234", "203.0.113.50", 5, "10.0.0.1", true},
		{"no xff", "10.0.0.1:1234", "", 1, "10.0.0.1", false},
		{"garbage xff", "10.0.0.1:1234", "not-an-ip", 1, "10.0.0.1", false},
		{"xff with port", "10.0.0.1:1234", "203.0.113.50:8080", 1, "10.0.0.1", false},
		{"ipv6 private", "[fd00::1]:1234", "2001:db8::1", 1, "2001:db8::1", false},
		{"ipv6 public", "[2001:db8::1]:1234", "fd00::bad", 1, "2001:db8::1", true},
		{"no port", "203.0.113.1", "10.0.0.1", 1, "203.0.113.1", false},
		{"empty remote", "", "203.0.113.50", 1, "0.0.0.0", false},
		{"garbage host", "nope:80", "", 1, "0.0.0.0", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tt.remoteAddr
			if tt.xff != "" {
				r.Header.Set("X-Forwarded-For", tt.xff)
			}
			r.Header.Set("X-Forwarded-Proto", "https")

			if got := resolveClientAddr(r, tt.hops); got != tt.want {
				t.Fatalf("resolveClientAddr = %q, want %q", got, tt.want)
			}
			if stripped := r.Header.Get("X-Forwarded-Proto") == ""; stripped != tt.wantStrip {
				t.Fatalf("forwarded headers stripped = %v, want %v", stripped, tt.wantStrip)
			}
		})
	}
}

func TestClientIPWithOptions_StoresInContext(t *testing.T) {
	var got string
	h := ClientIPWithOptions(ClientIPOptions{TrustedHops: 1})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = ClientIPFromContext(r.Context())
	}))
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.1.2.3:5555"
	r.Header.Set("X-Forwarded-For", "198.51.100.7")
	h.ServeHTTP(httptest.NewRecorder(), r)

	if got != "198.51.100.7" {
		t.Fatalf("client ip = %q", got)
	}
}

func TestClientIP_Default(t *testing.T) {
	var got string
	h := ClientIP(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = ClientIPFromContext(r.Context())
	}))
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.1.2.3:5555"
	r.Header.Set("X-Forwarded-For", "198.51.100.7")
	h.ServeHTTP(httptest.NewRecorder(), r)
	if got != "10.1.2.3" {
		t.Fatalf("client ip = %q", got)
	}
}
