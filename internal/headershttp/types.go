package headershttp

import "github.com/keithlinneman/headerd/internal/headers"

// MergeRequest is the body of POST /api/v1/headers/merge. Primary holds the
// application headers, Secondary the runtime ones.
type MergeRequest struct {
	Primary   []headers.Field `json:"primary"`
	Secondary []headers.Field `json:"secondary"`
}

// DeduplicateRequest is the body of POST /api/v1/headers/deduplicate. Fields
// are processed in order.
type DeduplicateRequest struct {
	Fields []headers.Field `json:"fields"`
}

// HeadersResponse carries the reconciled fields in output order.
type HeadersResponse struct {
	Headers []headers.Field `json:"headers"`
}

type NormalizeResponse struct {
	Raw       string `json:"raw"`
	Canonical string `json:"canonical"`
}

// RulesResponse lists custom rules keyed by canonical name.
type RulesResponse struct {
	Rules  map[string]headers.Rule `json:"rules"`
	Source *RulesSource            `json:"source,omitempty"`
}

// RulesSource describes where the active rule document came from.
type RulesSource struct {
	Origin   string `json:"origin"`
	SHA256   string `json:"sha256,omitempty"`
	LoadedAt string `json:"loaded_at,omitempty"`
}

type ErrorResponse struct {
	Error  string `json:"error"`
	Kind   string `json:"kind,omitempty"`
	Header string `json:"header,omitempty"`
}
