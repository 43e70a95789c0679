package headershttp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/headerd/internal/headers"
	"github.com/keithlinneman/headerd/internal/log"
)

// defaultMaxBody bounds request bodies when the caller sets no limit.
const defaultMaxBody = 64 << 10

// Engine is the part of *headers.Engine the API drives.
type Engine interface {
	Merge(ctx context.Context, primary, secondary *headers.Map) (*headers.Map, error)
	Deduplicate(ctx context.Context, fields []headers.Field) (*headers.Map, error)
	Normalize(raw string) string
	Stats() headers.Stats
	ResetStats()
	ClearCache()
	Rules() *headers.Resolver
	AddRule(name string, r headers.Rule) error
	RemoveRule(name string) bool
}

// SourceInfo reports the active rule document, nil when rules come only
// from local config.
type SourceInfo func() *RulesSource

// API serves the header engine over JSON.
type API struct {
	engine  Engine
	logger  log.Logger
	maxBody int64
	source  SourceInfo
}

// NewAPI creates the API. maxBody <= 0 uses 64 KiB.
func NewAPI(engine Engine, logger log.Logger, maxBody int64, source SourceInfo) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if maxBody <= 0 {
		maxBody = defaultMaxBody
	}
	return &API{
		engine:  engine,
		logger:  logger,
		maxBody: maxBody,
		source:  source,
	}
}

// RegisterRoutes attaches the public endpoints.
func (api *API) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1/headers", func(r chi.Router) {
		r.Post("/merge", api.HandleMerge)
		r.Post("/deduplicate", api.HandleDeduplicate)
		r.Get("/normalize", api.HandleNormalize)
		r.Get("/rules", api.HandleRules)
		r.Get("/stats", api.HandleStats)
	})
}

func (api *API) HandleMerge(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req MergeRequest
	if !api.decode(w, r, &req) {
		return
	}

	out, err := api.engine.Merge(ctx, headers.NewMap(req.Primary...), headers.NewMap(req.Secondary...))
	if err != nil {
		api.writeEngineError(ctx, w, "merge", err)
		return
	}

	api.logger.Debug(ctx, "served header merge",
		"primary", len(req.Primary),
		"secondary", len(req.Secondary),
		"result", out.Len(),
	)
	api.writeJSON(ctx, w, http.StatusOK, HeadersResponse{Headers: out.Fields()})
}

func (api *API) HandleDeduplicate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req DeduplicateRequest
	if !api.decode(w, r, &req) {
		return
	}

	out, err := api.engine.Deduplicate(ctx, req.Fields)
	if err != nil {
		api.writeEngineError(ctx, w, "deduplicate", err)
		return
	}
	api.writeJSON(ctx, w, http.StatusOK, HeadersResponse{Headers: out.Fields()})
}

func (api *API) HandleNormalize(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	raw := r.URL.Query().Get("name")
	c := api.engine.Normalize(raw)
	if c == "" {
		api.writeJSON(ctx, w, http.StatusBadRequest, ErrorResponse{Error: "name query parameter is required"})
		return
	}
	api.writeJSON(ctx, w, http.StatusOK, NormalizeResponse{Raw: raw, Canonical: c})
}

func (api *API) HandleRules(w http.ResponseWriter, r *http.Request) {
	resp := RulesResponse{Rules: api.engine.Rules().Rules()}
	if api.source != nil {
		resp.Source = api.source()
	}
	api.writeJSON(r.Context(), w, http.StatusOK, resp)
}

func (api *API) HandleStats(w http.ResponseWriter, r *http.Request) {
	api.writeJSON(r.Context(), w, http.StatusOK, api.engine.Stats())
}

// decode reads a JSON body into v, writing the error response itself when
// it fails.
func (api *API) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	ctx := r.Context()
	body := http.MaxBytesReader(w, r.Body, api.maxBody)
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()

	err := dec.Decode(v)
	if err == nil {
		// trailing data after the document
		if _, extra := dec.Token(); extra != io.EOF {
			err = errors.New("request body must hold a single JSON document")
		}
	}
	if err == nil {
		return true
	}

	var mbe *http.MaxBytesError
	if errors.As(err, &mbe) {
		api.writeJSON(ctx, w, http.StatusRequestEntityTooLarge, ErrorResponse{Error: "request body too large"})
		return false
	}
	if errors.Is(err, io.EOF) {
		err = errors.New("request body is empty")
	}
	api.writeJSON(ctx, w, http.StatusBadRequest, ErrorResponse{Error: err.Error(), Kind: "bad_request"})
	return false
}

// statusFor maps engine error kinds to HTTP statuses.
func statusFor(err error) int {
	switch headers.Kind(err) {
	case "invalid_header":
		return http.StatusUnprocessableEntity
	case "critical_conflict":
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (api *API) writeEngineError(ctx context.Context, w http.ResponseWriter, op string, err error) {
	status := statusFor(err)
	kind := headers.Kind(err)
	if status >= http.StatusInternalServerError {
		api.logger.Error(ctx, err, "header engine failed", "op", op, "kind", kind)
	} else {
		api.logger.Info(ctx, "header engine rejected input", "op", op, "kind", kind, "header", headers.HeaderName(err))
	}
	api.writeJSON(ctx, w, status, ErrorResponse{
		Error:  err.Error(),
		Kind:   kind,
		Header: headers.HeaderName(err),
	})
}

func (api *API) writeJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		api.logger.Warn(ctx, "failed to encode JSON response", "error", err)
	}
}
