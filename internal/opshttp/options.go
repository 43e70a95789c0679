package opshttp

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/headerd/internal/health"
)

type Options struct {
	Port         int
	Metrics      http.Handler
	EnablePprof  bool
	Health       health.Probe
	Readiness    health.Probe
	UseRecoverMW bool
	OnPanic      func() // runs after a recovered panic is logged, e.g. a counter

	// AdminRoutes mounts rule and cache management under /admin/headers.
	// Those routes, and pprof, only answer non-public peers.
	AdminRoutes func(chi.Router)
}
