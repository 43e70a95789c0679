package httpserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/vfaronov/httpheader"

	"github.com/keithlinneman/headerd/internal/health"
	"github.com/keithlinneman/headerd/internal/httpmw"
	"github.com/keithlinneman/headerd/internal/log"
)

type Options struct {
	Logger log.Logger
	Port   int

	// Merger reconciles handler headers with the server layer. nil writes
	// both layers straight to the response.
	Merger httpmw.Merger

	// ServerProduct is sent as the Server header, omitted when Name is empty.
	ServerProduct httpheader.Product

	UseRecoverMW bool
	OnPanic      func()
	MetricsMW    func(http.Handler) http.Handler
	RateLimitMW  func(http.Handler) http.Handler // applied to /api only
	ClientIPOpts httpmw.ClientIPOptions
	MaxBodyBytes int64 // /api request body limit, 0 means 1 MiB

	Health    health.Probe
	Readiness health.Probe

	// APIRoutes mounts the JSON API; Fallback serves everything else.
	APIRoutes func(chi.Router)
	Fallback  http.Handler
}
