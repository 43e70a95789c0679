package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"

	"github.com/keithlinneman/headerd/internal/headers"
	"github.com/keithlinneman/headerd/internal/log"
)

// EnvPrefix is prepended to upper-cased flag names by FillFromEnv.
const EnvPrefix = "HEADERD_"

type App struct {
	LogFormat         string
	LogLevel          string
	StacktraceLevel   string
	IncludeErrorLinks bool
	MaxErrorLinks     int

	HTTPPort      int
	AdminPort     int
	ServerProduct string
	APIRateLimit  float64
	APIRateBurst  int
	MaxBodyBytes  int64

	EnablePprof     bool
	EnablePyroscope bool
	EnableTracing   bool
	PyroServer      string
	PyroTenantID    string
	OTLPEndpoint    string
	TraceSample     float64

	HeadersEnabled              bool
	HeadersDebugLogging         bool
	HeadersStrictMode           bool
	HeadersLogCriticalConflicts bool
	HeadersThrowOnMergeFailure  bool
	HeadersPreserveOriginalCase bool
	HeadersMaxValueLength       int
	HeadersEnableNameCache      bool
	HeadersMaxCacheSize         int
	HeadersLogLevel             string
	HeadersRulesFile            string

	EnableRulesUpdates bool
	RulesSSMParam      string
	RulesS3Bucket      string
	RulesS3Prefix      string
	RulesSigningKeyARN string
}

// Register binds all config fields to the given FlagSet with defaults inline
func Register(fs *flag.FlagSet, c *App) {
	fs.StringVar(&c.LogFormat, "log-format", "json", "json|logfmt|console|dev")
	fs.StringVar(&c.LogLevel, "log-level", "info", "debug|info|warn|error")
	fs.StringVar(&c.StacktraceLevel, "stacktrace-level", "error", "debug|info|warn|error")
	fs.BoolVar(&c.IncludeErrorLinks, "include-error-links", true, "Include error links in log messages")
	fs.IntVar(&c.MaxErrorLinks, "max-error-links", 5, "max error chain depth (1..64)")

	fs.IntVar(&c.HTTPPort, "http-port", 8080, "listen TCP port (1..65535)")
	fs.IntVar(&c.AdminPort, "admin-port", 9000, "admin listen TCP port (1..65535)")
	fs.StringVar(&c.ServerProduct, "server-product", "headerd", "product token for the Server response header, empty to omit")
	fs.Float64Var(&c.APIRateLimit, "api-rate-limit", 20, "per-client requests/second on /api (0 disables)")
	fs.IntVar(&c.APIRateBurst, "api-rate-burst", 40, "per-client burst on /api")
	fs.Int64Var(&c.MaxBodyBytes, "max-body-bytes", 1<<20, "request body limit for /api in bytes")

	fs.BoolVar(&c.EnablePprof, "enable-pprof", true, "Enable pprof profiling (on admin port only)")
	fs.BoolVar(&c.EnableTracing, "enable-tracing", false, "Enable OTLP tracing and push to otlp-endpoint")
	fs.BoolVar(&c.EnablePyroscope, "enable-pyroscope", false, "Enable pushing Pyroscope data to server set in -pyro-server")
	fs.Float64Var(&c.TraceSample, "trace-sample", 0.0, "trace sampling ratio (0..1)")
	fs.StringVar(&c.PyroServer, "pyro-server", "", "pyroscope server url to push to")
	fs.StringVar(&c.PyroTenantID, "pyro-tenant", "", "tenant (x-scope-orgid) to use for pyro-server")
	fs.StringVar(&c.OTLPEndpoint, "otlp-endpoint", "", "OTLP endpoint to push to (gRPC) (host:port)")

	fs.BoolVar(&c.HeadersEnabled, "headers-enabled", true, "Run header deduplication/merging (false passes headers through)")
	fs.BoolVar(&c.HeadersDebugLogging, "headers-debug-logging", false, "Log non-critical conflicts and per-call timing at debug")
	fs.BoolVar(&c.HeadersStrictMode, "headers-strict-mode", false, "Fail on conflicting values for critical headers")
	fs.BoolVar(&c.HeadersLogCriticalConflicts, "headers-log-critical-conflicts", true, "Warn on conflicting values for critical headers")
	fs.BoolVar(&c.HeadersThrowOnMergeFailure, "headers-throw-on-merge-failure", false, "Return validation/merge errors instead of falling back to unprocessed headers")
	fs.BoolVar(&c.HeadersPreserveOriginalCase, "headers-preserve-original-case", false, "Emit the first-seen spelling of each header name")
	fs.IntVar(&c.HeadersMaxValueLength, "headers-max-value-length", headers.DefaultMaxValueLength, "max bytes of a header value (joined)")
	fs.BoolVar(&c.HeadersEnableNameCache, "headers-enable-name-cache", true, "Cache normalized header names")
	fs.IntVar(&c.HeadersMaxCacheSize, "headers-max-cache-size", headers.DefaultMaxCacheSize, "max entries in the name cache")
	fs.StringVar(&c.HeadersLogLevel, "headers-log-level", "info", "minimum level for header engine events: debug|info|warn|error")
	fs.StringVar(&c.HeadersRulesFile, "headers-rules-file", "", "path to a JSON or YAML custom rules document")

	fs.BoolVar(&c.EnableRulesUpdates, "enable-rules-updates", false, "Poll SSM/S3 for custom rules updates")
	fs.StringVar(&c.RulesSSMParam, "rules-ssm-param", "/app/headerd/rules/active/sha256", "ssm parameter name holding the active rules document hash")
	fs.StringVar(&c.RulesS3Bucket, "rules-s3-bucket", "", "s3 bucket holding rules documents")
	fs.StringVar(&c.RulesS3Prefix, "rules-s3-prefix", "apps/headerd/rules", "s3 prefix (key) of rules documents")
	fs.StringVar(&c.RulesSigningKeyARN, "rules-signing-key-arn", "", "KMS key ARN for rules document signature verification")
}

// FillFromEnv sets any flag not explicitly passed on the CLI from
// environment variables. Flag "foo-bar" maps to PREFIX_FOO_BAR.
// Precedence: cli flag > env var > default.
func FillFromEnv(fs *flag.FlagSet, prefix string, logf func(string, ...any)) {
	explicit := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	fs.VisitAll(func(f *flag.Flag) {
		key := prefix + strings.ReplaceAll(strings.ToUpper(f.Name), "-", "_")
		envVal, envSet := os.LookupEnv(key)
		if !envSet {
			return
		}
		if explicit[f.Name] {
			if logf != nil {
				logf("flag -%s: cli value %q overrides env %s=%q", f.Name, f.Value.String(), key, envVal)
			}
			return
		}
		prev := f.Value.String()
		if err := fs.Set(f.Name, envVal); err != nil {
			_ = fs.Set(f.Name, prev)
			if logf != nil {
				logf("flag -%s: ignoring invalid env %s=%q: %v", f.Name, key, envVal, err)
			}
		}
	})
}

// Validate checks that config values are within expected ranges and formats.
// Returns an error describing all invalid fields, or nil if all valid.
func Validate(c App) error {
	var errs []error

	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.HTTPPort))
	}
	if c.AdminPort < 1 || c.AdminPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid ADMIN_PORT %d (must be 1..65535)", c.AdminPort))
	}
	if c.AdminPort == c.HTTPPort {
		errs = append(errs, fmt.Errorf("ADMIN_PORT and HTTP_PORT must differ (both %d)", c.HTTPPort))
	}
	if c.APIRateLimit < 0 {
		errs = append(errs, fmt.Errorf("API_RATE_LIMIT must be >= 0 (got %g)", c.APIRateLimit))
	}
	if c.APIRateLimit > 0 && c.APIRateBurst < 1 {
		errs = append(errs, fmt.Errorf("API_RATE_BURST must be >= 1 when rate limiting (got %d)", c.APIRateBurst))
	}
	if c.MaxBodyBytes < 1 {
		errs = append(errs, fmt.Errorf("MAX_BODY_BYTES must be >= 1 (got %d)", c.MaxBodyBytes))
	}

	if _, err := log.ParseFormat(c.LogFormat); err != nil {
		errs = append(errs, fmt.Errorf("invalid LOG_FORMAT %q: %w", c.LogFormat, err))
	}
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("invalid LOG_LEVEL %q: %w", c.LogLevel, err))
	}
	if c.StacktraceLevel != "" {
		if _, err := log.ParseLevel(c.StacktraceLevel); err != nil {
			errs = append(errs, fmt.Errorf("invalid STACKTRACE_LEVEL %q: %w", c.StacktraceLevel, err))
		}
	}
	if c.IncludeErrorLinks && (c.MaxErrorLinks < 1 || c.MaxErrorLinks > 64) {
		errs = append(errs, fmt.Errorf("MAX_ERROR_LINKS must be 1..64 (got %d)", c.MaxErrorLinks))
	}

	if c.TraceSample < 0 || c.TraceSample > 1 {
		errs = append(errs, fmt.Errorf("invalid TRACE_SAMPLE %.3f (must be 0..1)", c.TraceSample))
	}
	if c.EnablePyroscope {
		if c.PyroServer == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER required when ENABLE_PYROSCOPE=true"))
		} else if u, err := url.Parse(c.PyroServer); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER must be a URL (got %q)", c.PyroServer))
		}
		if c.PyroTenantID == "" {
			errs = append(errs, fmt.Errorf("PYRO_TENANT required when ENABLE_PYROSCOPE=true"))
		}
	}
	// grpc exporter wants host:port, no scheme
	if c.EnableTracing {
		if c.OTLPEndpoint == "" {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT required when ENABLE_TRACING=true"))
		} else if _, _, err := net.SplitHostPort(c.OTLPEndpoint); err != nil {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT must be host:port (got %q): %v", c.OTLPEndpoint, err))
		}
	}

	if c.HeadersMaxValueLength < 1 {
		errs = append(errs, fmt.Errorf("HEADERS_MAX_VALUE_LENGTH must be >= 1 (got %d)", c.HeadersMaxValueLength))
	}
	if c.HeadersEnableNameCache && c.HeadersMaxCacheSize < 1 {
		errs = append(errs, fmt.Errorf("HEADERS_MAX_CACHE_SIZE must be >= 1 when the name cache is enabled (got %d)", c.HeadersMaxCacheSize))
	}
	if _, err := log.ParseLevel(c.HeadersLogLevel); err != nil {
		errs = append(errs, fmt.Errorf("invalid HEADERS_LOG_LEVEL %q: %w", c.HeadersLogLevel, err))
	}

	if c.EnableRulesUpdates {
		if c.RulesSSMParam == "" {
			errs = append(errs, fmt.Errorf("RULES_SSM_PARAM is required when ENABLE_RULES_UPDATES=true"))
		}
		if c.RulesS3Bucket == "" {
			errs = append(errs, fmt.Errorf("RULES_S3_BUCKET is required when ENABLE_RULES_UPDATES=true"))
		}
		if c.RulesS3Prefix == "" {
			errs = append(errs, fmt.Errorf("RULES_S3_PREFIX is required when ENABLE_RULES_UPDATES=true"))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// HeaderOptions maps the headers-* flags onto engine options. Logger,
// Observer and CustomRules are left for the caller to fill.
func (c App) HeaderOptions() (headers.Options, error) {
	lvl, err := log.ParseLevel(c.HeadersLogLevel)
	if err != nil {
		return headers.Options{}, fmt.Errorf("headers log level: %w", err)
	}
	return headers.Options{
		Enabled:              c.HeadersEnabled,
		DebugLogging:         c.HeadersDebugLogging,
		StrictMode:           c.HeadersStrictMode,
		LogCriticalConflicts: c.HeadersLogCriticalConflicts,
		ThrowOnMergeFailure:  c.HeadersThrowOnMergeFailure,
		PreserveOriginalCase: c.HeadersPreserveOriginalCase,
		MaxValueLength:       c.HeadersMaxValueLength,
		EnableNameCache:      c.HeadersEnableNameCache,
		MaxCacheSize:         c.HeadersMaxCacheSize,
		LogLevel:             lvl,
	}, nil
}
