package httpmw

import (
	"net/http"

	"github.com/vfaronov/httpheader"

	"github.com/keithlinneman/headerd/internal/headers"
)

// ServerHeaders writes Server and Vary: Accept-Encoding into the server
// layer. An empty product name omits Server.
func ServerHeaders(product httpheader.Product) func(http.Handler) http.Handler {
	scratch := make(http.Header)
	if product.Name != "" {
		httpheader.SetServer(scratch, []httpheader.Product{product})
	}
	httpheader.AddVary(scratch, []string{"Accept-Encoding"}...)

	// fixed order, the server layer is ordered
	var fields []headers.Field
	for _, name := range []string{"Server", "Vary"} {
		if vals := scratch.Values(name); len(vals) > 0 {
			fields = append(fields, headers.Field{Name: name, Values: vals})
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := ServerHeader(r.Context(), w)
			for _, f := range fields {
				h.Add(f.Name, f.Values...)
			}
			next.ServeHTTP(w, r)
		})
	}
}
