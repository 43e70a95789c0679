package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/vfaronov/httpheader"

	"github.com/keithlinneman/headerd/internal/cfg"
	"github.com/keithlinneman/headerd/internal/cryptoutil"
	"github.com/keithlinneman/headerd/internal/headers"
	"github.com/keithlinneman/headerd/internal/headershttp"
	"github.com/keithlinneman/headerd/internal/health"
	"github.com/keithlinneman/headerd/internal/httpserver"
	"github.com/keithlinneman/headerd/internal/log"
	"github.com/keithlinneman/headerd/internal/metrics"
	"github.com/keithlinneman/headerd/internal/opshttp"
	"github.com/keithlinneman/headerd/internal/otelx"
	"github.com/keithlinneman/headerd/internal/prof"
	"github.com/keithlinneman/headerd/internal/ratelimit"
	"github.com/keithlinneman/headerd/internal/rulesource"
	v "github.com/keithlinneman/headerd/internal/version"
)

const appName = "headerd"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	vi := v.Get()

	var conf cfg.App
	var showVersion bool

	cfg.Register(flag.CommandLine, &conf)
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf(
			"%s %s (commit=%s, commit_date=%s, build_id=%s, build_date=%s, go=%s, dirty=%v)\n",
			appName, vi.Version, vi.Commit, vi.CommitDate, vi.BuildId, vi.BuildDate, vi.GoVersion,
			vi.VCSDirty != nil && *vi.VCSDirty,
		)
		os.Exit(0)
	}

	cfg.FillFromEnv(flag.CommandLine, cfg.EnvPrefix, func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})

	if err := cfg.Validate(conf); err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}

	// Validate already checked these parse
	lvl, _ := log.ParseLevel(conf.LogLevel)
	stackLvl := slog.LevelError
	if conf.StacktraceLevel != "" {
		stackLvl, _ = log.ParseLevel(conf.StacktraceLevel)
	}
	format, _ := log.ParseFormat(conf.LogFormat)
	lg, err := log.New(log.Options{
		App:               appName,
		Version:           vi.Version,
		Commit:            vi.Commit,
		Level:             lvl,
		StacktraceLevel:   stackLvl,
		Format:            format,
		MaxErrorLinks:     conf.MaxErrorLinks,
		IncludeErrorLinks: conf.IncludeErrorLinks,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init error:", err)
		os.Exit(1)
	}
	defer lg.Sync()
	L := lg.With("component", "server")
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "initializing application",
		"version", vi.Version,
		"commit", vi.Commit,
		"build_id", vi.BuildId,
		"go_version", vi.GoVersion,
		"http_port", conf.HTTPPort,
		"admin_port", conf.AdminPort,
		"enable_pprof", conf.EnablePprof,
		"enable_pyroscope", conf.EnablePyroscope,
		"enable_tracing", conf.EnableTracing,
		"headers_enabled", conf.HeadersEnabled,
		"headers_strict_mode", conf.HeadersStrictMode,
		"headers_throw_on_merge_failure", conf.HeadersThrowOnMergeFailure,
		"headers_rules_file", conf.HeadersRulesFile,
		"enable_rules_updates", conf.EnableRulesUpdates,
		"rules_ssm_param", conf.RulesSSMParam,
		"rules_s3_bucket", conf.RulesS3Bucket,
		"rules_s3_prefix", conf.RulesS3Prefix,
		"rules_signing_key_arn", conf.RulesSigningKeyARN,
	)

	m := metrics.New()
	m.SetBuildInfoFromVersion(appName, "server", &vi)

	stopProf, err := prof.Start(ctx, prof.Options{
		Enabled:       conf.EnablePyroscope,
		AppName:       appName + ".server",
		ServerAddress: conf.PyroServer,
		TenantID:      conf.PyroTenantID,
		Tags: map[string]string{
			"app":      appName,
			"version":  vi.Version,
			"commit":   vi.ShortCommit(),
			"build_id": vi.BuildId,
		},
		OnActive: m.SetProfilingActive,
	})
	if err != nil {
		L.Error(ctx, err, "pyroscope start failed", "pyro_server", conf.PyroServer)
	}
	defer stopProf()

	// collector runs on localhost
	shutdownOTEL, err := otelx.Init(ctx, otelx.Options{
		Enabled:   conf.EnableTracing,
		Endpoint:  conf.OTLPEndpoint,
		Insecure:  true,
		Sample:    conf.TraceSample,
		Service:   appName,
		Component: "server",
		Version:   vi.Version,
	})
	if err != nil {
		L.Error(ctx, err, "otel init failed")
		shutdownOTEL = func(context.Context) error { return nil }
	}

	// header engine
	engineOpts, err := conf.HeaderOptions()
	if err != nil {
		L.Error(ctx, err, "invalid header engine options")
		os.Exit(1)
	}
	engineOpts.Logger = L
	engineOpts.Observer = m.HeaderObserver()

	var fileSet *rulesource.Set
	if conf.HeadersRulesFile != "" {
		fileSet, err = rulesource.LoadFile(ctx, conf.HeadersRulesFile, L)
		if err != nil {
			// a named rules file that can't be read is a deploy error
			L.Error(ctx, err, "failed to load custom rules file", "path", conf.HeadersRulesFile)
			os.Exit(1)
		}
		engineOpts.CustomRules = fileSet.Rules
		L.Info(ctx, "loaded custom header rules", "path", conf.HeadersRulesFile, "rules", len(fileSet.Rules), "sha256", fileSet.SHA256)
	}
	engine := headers.New(engineOpts)
	recordActive(m, fileSet)

	// remote rules
	var watcher *rulesource.Watcher
	if conf.EnableRulesUpdates {
		watcher, err = startRulesWatcher(ctx, L, conf, engine, m)
		if err != nil {
			L.Error(ctx, err, "failed to start rules watcher, serving local rules only")
		}
	}

	activeSet := func() *rulesource.Set {
		if watcher != nil {
			if s := watcher.Active(); s != nil {
				return s
			}
		}
		return fileSet
	}

	api := headershttp.NewAPI(engine, L, conf.MaxBodyBytes, func() *headershttp.RulesSource {
		return sourceInfo(activeSet())
	})

	var gate health.ShutdownGate
	readiness := health.All(gate.Probe())
	if watcher != nil {
		readiness = health.All(gate.Probe(),
			health.Condition("remote header rules not loaded", func() bool { return watcher.Active() != nil }),
		)
	}

	var rateLimitMW func(next http.Handler) http.Handler
	if conf.APIRateLimit > 0 {
		limiter := ratelimit.New(ctx,
			ratelimit.WithRate(conf.APIRateLimit, conf.APIRateBurst),
			ratelimit.WithOnDenied(func(string) { m.IncRateLimitDenied() }),
			// logged once per client until it is evicted
			ratelimit.WithOnFirstDenied(func(ip string) {
				L.Warn(ctx, "rate limit triggered", "ip", ip)
			}),
			ratelimit.WithOnCapacity(m.IncRateLimitCapacity),
		)
		rateLimitMW = limiter.Middleware
	}

	httpStop, err := httpserver.Start(ctx, &httpserver.Options{
		Logger:        L,
		Port:          conf.HTTPPort,
		Merger:        engine,
		ServerProduct: httpheader.Product{Name: conf.ServerProduct, Version: vi.ProductVersion()},
		UseRecoverMW:  true,
		OnPanic:       m.IncHttpPanic,
		MetricsMW:     m.Middleware,
		RateLimitMW:   rateLimitMW,
		MaxBodyBytes:  conf.MaxBodyBytes,
		Health:        health.Fixed(true, ""),
		Readiness:     readiness,
		APIRoutes:     api.RegisterRoutes,
	})
	if err != nil {
		L.Error(ctx, err, "failed to start http listener")
		os.Exit(1)
	}

	// the security group limits the admin port to internal monitoring;
	// admin routes additionally refuse public peers
	opsStop, err := opshttp.Start(ctx, L, &opshttp.Options{
		Port:         conf.AdminPort,
		Metrics:      m.Handler(),
		EnablePprof:  conf.EnablePprof,
		Health:       health.Fixed(true, ""),
		Readiness:    readiness,
		UseRecoverMW: true,
		OnPanic:      m.IncHttpPanic,
		AdminRoutes:  api.RegisterAdminRoutes,
	})
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		_ = httpStop(context.Background())
		os.Exit(1)
	}

	if err := notifySystemd(); err != nil {
		L.Warn(ctx, "failed to notify systemd of readiness", "error", err)
	}

	<-ctx.Done()
	stop()
	L.Info(context.Background(), "shutdown signal received")

	gate.Set("draining")
	L.Info(context.Background(), "shutdown gate closed, draining for 30s")

	forceCh := make(chan os.Signal, 1)
	signal.Notify(forceCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-time.After(30 * time.Second):
		L.Info(context.Background(), "drain period complete")
	case <-forceCh:
		L.Warn(context.Background(), "second signal received, skipping drain")
	}
	signal.Stop(forceCh)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpStop(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "http server shutdown")
	}
	if err := opsStop(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "ops http server shutdown")
	}
	if err := shutdownOTEL(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "otel shutdown")
	}

	s := engine.Stats()
	L.Info(context.Background(), "shutdown complete",
		"header_calls", s.Calls,
		"header_conflicts", s.Conflicts,
		"header_fallbacks", s.Fallbacks,
	)
}

// startRulesWatcher loads the remote rule set once and polls for changes.
// A failed first load is not fatal: the watcher keeps trying and readiness
// stays down until a set is installed.
func startRulesWatcher(ctx context.Context, L log.Logger, conf cfg.App, engine *headers.Engine, m *metrics.ServerMetrics) (*rulesource.Watcher, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, err
	}

	var verifier rulesource.SignatureVerifier
	if conf.RulesSigningKeyARN != "" {
		verifier = cryptoutil.NewKMSVerifier(kms.NewFromConfig(awsCfg), conf.RulesSigningKeyARN)
	}

	loader, err := rulesource.NewRemoteLoader(ctx, rulesource.RemoteOptions{
		Logger:    L,
		SSMParam:  conf.RulesSSMParam,
		S3Bucket:  conf.RulesS3Bucket,
		S3Prefix:  conf.RulesS3Prefix,
		Verifier:  verifier,
		AWSConfig: &awsCfg,
	})
	if err != nil {
		return nil, err
	}

	initial, err := loader.Load(ctx)
	if err != nil {
		L.Error(ctx, err, "initial remote rules load failed, watcher will retry")
		initial = nil
	} else {
		engine.ReplaceRules(initial.Rules)
		recordActive(m, initial)
		L.Info(ctx, "loaded remote header rules", "rules", len(initial.Rules), "sha256", initial.SHA256, "version", initial.Version)
	}

	w := rulesource.NewWatcher(rulesource.WatcherOptions{
		Logger:  L,
		Loader:  loader,
		Target:  engine,
		Initial: initial,
		Metrics: m,
		OnSwap:  func(s *rulesource.Set) { recordActive(m, s) },
	})
	go func() { _ = w.Run(ctx) }()
	return w, nil
}
