package httpmw

import (
	"context"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/headerd/internal/headers"
	"github.com/keithlinneman/headerd/internal/log"
)

// Merger reconciles the application layer (primary) with the server layer
// (secondary). *headers.Engine satisfies it.
type Merger interface {
	Merge(ctx context.Context, primary, secondary *headers.Map) (*headers.Map, error)
}

// HeaderMerge installs a server layer in the request context and hands the
// handler an empty header map. When the response is committed the two are
// merged and written to the real writer. Headers already on the real writer
// when the request arrives count as server layer.
//
// A merge error never blocks the response: it is logged and the primary
// layer is laid over the secondary without further processing.
func HeaderMerge(m Merger, L log.Logger) func(http.Handler) http.Handler {
	if L == nil {
		L = log.Nop()
	}
	return func(next http.Handler) http.Handler {
		if m == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			secondary := headers.FromHeader(w.Header())
			ctx := withServerLayer(r.Context(), secondary)

			mw := &mergeWriter{
				ResponseWriter: w,
				ctx:            ctx,
				merger:         m,
				logger:         L,
				primary:        make(http.Header),
				secondary:      secondary,
			}
			next.ServeHTTP(mw, r.WithContext(ctx))
			if !mw.committed {
				// handler wrote nothing, commit as net/http would
				mw.WriteHeader(http.StatusOK)
			}
		})
	}
}

type mergeWriter struct {
	http.ResponseWriter
	ctx       context.Context
	merger    Merger
	logger    log.Logger
	primary   http.Header
	secondary *headers.Map
	committed bool
}

func (w *mergeWriter) Header() http.Header { return w.primary }

// WriteHeader commits on the final status. Informational codes pass
// through with the handler's current headers so 103 Early Hints still carry
// their Link headers; 101 ends the exchange and commits like a final status.
func (w *mergeWriter) WriteHeader(code int) {
	if w.committed {
		return
	}
	if code >= 100 && code < 200 && code != http.StatusSwitchingProtocols {
		dst := w.ResponseWriter.Header()
		for name, vals := range w.primary {
			dst[name] = append([]string(nil), vals...)
		}
		w.ResponseWriter.WriteHeader(code)
		return
	}
	w.committed = true
	w.apply()
	w.ResponseWriter.WriteHeader(code)
}

func (w *mergeWriter) Write(b []byte) (int, error) {
	if !w.committed {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(b)
}

func (w *mergeWriter) Flush() {
	if !w.committed {
		w.WriteHeader(http.StatusOK)
	}
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *mergeWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

func (w *mergeWriter) apply() {
	primary := headers.FromHeader(w.primary)
	merged, err := w.merger.Merge(w.ctx, primary, w.secondary)
	if err != nil {
		// prefer the request-scoped logger when WithLogger ran first
		L := w.logger
		if rl := log.FromContext(w.ctx); rl != log.Nop() {
			L = rl
		}
		L.Error(w.ctx, err, "response header merge failed, writing unmerged headers",
			"kind", headers.Kind(err),
			"header", headers.HeaderName(err),
		)
		if span := trace.SpanFromContext(w.ctx); span.IsRecording() {
			span.SetAttributes(attribute.String("headers.merge_error", headers.Kind(err)))
		}
		merged = overlay(primary, w.secondary)
	}

	dst := w.ResponseWriter.Header()
	for k := range dst {
		delete(dst, k)
	}
	merged.WriteTo(dst)
}

// overlay is the unprocessed fallback: primary names replace secondary names
// with an exact-name match, the rest of secondary is kept.
func overlay(primary, secondary *headers.Map) *headers.Map {
	out := secondary.Clone()
	for _, f := range primary.Fields() {
		out.Set(f.Name, f.Values...)
	}
	return out
}
