package rulesource

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/keithlinneman/headerd/internal/cryptoutil"
	"github.com/keithlinneman/headerd/internal/headers"
	"github.com/keithlinneman/headerd/internal/log"
	"github.com/keithlinneman/headerd/internal/xerrors"
)

// Format selects the document decoder.
type Format string

const (
	FormatAuto Format = ""
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// Document is the on-disk and in-bucket shape of a rule set.
type Document struct {
	Version string                     `json:"version,omitempty" yaml:"version,omitempty"`
	Rules   map[string]headers.RawRule `json:"rules" yaml:"rules"`
}

// Source says where a Set came from.
type Source string

const (
	SourceFile Source = "file"
	SourceS3   Source = "s3"
)

// Set is a coerced, ready-to-install rule set plus where it came from.
type Set struct {
	Rules    map[string]headers.Rule
	Version  string
	SHA256   string
	Source   Source
	LoadedAt time.Time
}

// Parse decodes data and coerces its rules. Unknown top-level or rule keys
// are rejected; bad rule values are corrected and logged by
// headers.CoerceRules.
func Parse(ctx context.Context, data []byte, format Format, L log.Logger) (*Set, error) {
	if L == nil {
		L = log.Nop()
	}
	if format == FormatAuto {
		format = sniff(data)
	}

	var doc Document
	switch format {
	case FormatJSON:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&doc); err != nil {
			return nil, xerrors.Wrap(err, "decode JSON rules document")
		}
	case FormatYAML:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&doc); err != nil {
			return nil, xerrors.Wrap(err, "decode YAML rules document")
		}
	default:
		return nil, xerrors.Newf("unknown rules document format %q", format)
	}

	if doc.Rules == nil {
		return nil, xerrors.New("rules document has no rules key")
	}

	return &Set{
		Rules:    headers.CoerceRules(ctx, doc.Rules, L),
		Version:  doc.Version,
		SHA256:   cryptoutil.SHA256Hex(data),
		LoadedAt: time.Now().UTC(),
	}, nil
}

// LoadFile reads a document from disk. The format follows the extension,
// anything other than .json, .yaml or .yml is sniffed.
func LoadFile(ctx context.Context, path string, L log.Logger) (*Set, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Wrapf(err, "read rules file %s", path)
	}

	var format Format
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		format = FormatJSON
	case ".yaml", ".yml":
		format = FormatYAML
	}

	set, err := Parse(ctx, data, format, L)
	if err != nil {
		return nil, xerrors.Wrapf(err, "rules file %s", path)
	}
	set.Source = SourceFile
	return set, nil
}

// sniff treats anything starting with '{' as JSON.
func sniff(data []byte) Format {
	if t := bytes.TrimSpace(data); len(t) > 0 && t[0] == '{' {
		return FormatJSON
	}
	return FormatYAML
}
