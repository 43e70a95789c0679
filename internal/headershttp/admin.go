package headershttp

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/headerd/internal/headers"
)

// RegisterAdminRoutes attaches rule and cache management. Mount it on the
// ops listener only.
func (api *API) RegisterAdminRoutes(r chi.Router) {
	r.Put("/rules/{name}", api.HandlePutRule)
	r.Delete("/rules/{name}", api.HandleDeleteRule)
	r.Post("/rules/cache/clear", api.HandleClearCache)
	r.Post("/stats/reset", api.HandleResetStats)
}

// HandlePutRule installs a custom rule. The body is loosely typed like a
// rules document entry and goes through the same coercion.
func (api *API) HandlePutRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	name := chi.URLParam(r, "name")

	var raw headers.RawRule
	if !api.decode(w, r, &raw) {
		return
	}

	coerced := headers.CoerceRules(ctx, map[string]headers.RawRule{name: raw}, api.logger)
	canonical := headers.Canonical(name)
	rule, ok := coerced[canonical]
	if !ok {
		api.writeJSON(ctx, w, http.StatusUnprocessableEntity, ErrorResponse{
			Error:  "invalid rule name",
			Kind:   "invalid_header",
			Header: name,
		})
		return
	}
	if err := api.engine.AddRule(canonical, rule); err != nil {
		api.writeEngineError(ctx, w, "add_rule", err)
		return
	}

	api.logger.Info(ctx, "custom header rule installed",
		"header", canonical,
		"priority", rule.Priority.String(),
		"combinable", rule.Combinable,
		"critical", rule.Critical,
	)
	api.writeJSON(ctx, w, http.StatusOK, RulesResponse{Rules: map[string]headers.Rule{canonical: rule}})
}

func (api *API) HandleDeleteRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	name := chi.URLParam(r, "name")
	if !api.engine.RemoveRule(name) {
		api.writeJSON(ctx, w, http.StatusNotFound, ErrorResponse{Error: "no custom rule for header", Header: name})
		return
	}
	api.logger.Info(ctx, "custom header rule removed", "header", headers.Canonical(name))
	w.WriteHeader(http.StatusNoContent)
}

func (api *API) HandleClearCache(w http.ResponseWriter, r *http.Request) {
	api.engine.ClearCache()
	api.logger.Info(r.Context(), "header name cache cleared")
	w.WriteHeader(http.StatusNoContent)
}

func (api *API) HandleResetStats(w http.ResponseWriter, r *http.Request) {
	api.engine.ResetStats()
	w.WriteHeader(http.StatusNoContent)
}
