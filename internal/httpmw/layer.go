package httpmw

import (
	"context"
	"net/http"

	"github.com/keithlinneman/headerd/internal/headers"
)

type serverLayerKey struct{}

// HeaderSetter is the write surface shared by the server layer and a plain
// http.Header.
type HeaderSetter interface {
	Set(name string, values ...string)
	Add(name string, values ...string)
	Del(name string)
}

func withServerLayer(ctx context.Context, m *headers.Map) context.Context {
	return context.WithValue(ctx, serverLayerKey{}, m)
}

// ServerLayer returns the per-request runtime header layer installed by
// HeaderMerge, or nil outside of it.
func ServerLayer(ctx context.Context) *headers.Map {
	m, _ := ctx.Value(serverLayerKey{}).(*headers.Map)
	return m
}

// ServerHeader returns where server-owned response headers go: the server
// layer when HeaderMerge is active, w.Header() otherwise.
func ServerHeader(ctx context.Context, w http.ResponseWriter) HeaderSetter {
	if m := ServerLayer(ctx); m != nil {
		return m
	}
	return plainHeader(w.Header())
}

type plainHeader http.Header

func (h plainHeader) Set(name string, values ...string) {
	http.Header(h).Del(name)
	for _, v := range values {
		http.Header(h).Add(name, v)
	}
}

func (h plainHeader) Add(name string, values ...string) {
	for _, v := range values {
		http.Header(h).Add(name, v)
	}
}

func (h plainHeader) Del(name string) { http.Header(h).Del(name) }
