package httpmw

import "net/http"

// MaxBody caps request bodies at n bytes. Reads past the limit fail with
// *http.MaxBytesError; handlers map that to 413. Requests declaring a
// larger Content-Length are rejected before the handler runs.
func MaxBody(n int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > n {
				http.Error(w, http.StatusText(http.StatusRequestEntityTooLarge), http.StatusRequestEntityTooLarge)
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, n)
			next.ServeHTTP(w, r)
		})
	}
}
