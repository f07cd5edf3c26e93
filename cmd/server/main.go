package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/keithlinneman/linnemanlabs-throttle/internal/cfg"
	"github.com/keithlinneman/linnemanlabs-throttle/internal/cryptoutil"
	"github.com/keithlinneman/linnemanlabs-throttle/internal/health"
	"github.com/keithlinneman/linnemanlabs-throttle/internal/httpmw"
	"github.com/keithlinneman/linnemanlabs-throttle/internal/httpserver"
	"github.com/keithlinneman/linnemanlabs-throttle/internal/log"
	"github.com/keithlinneman/linnemanlabs-throttle/internal/metrics"
	"github.com/keithlinneman/linnemanlabs-throttle/internal/opshttp"
	"github.com/keithlinneman/linnemanlabs-throttle/internal/otelx"
	"github.com/keithlinneman/linnemanlabs-throttle/internal/prof"
	"github.com/keithlinneman/linnemanlabs-throttle/internal/ratelimit"
	"github.com/keithlinneman/linnemanlabs-throttle/internal/rules"
	"github.com/keithlinneman/linnemanlabs-throttle/internal/throttlehttp"
	v "github.com/keithlinneman/linnemanlabs-throttle/internal/version"
)

const appName = "linnemanlabs-throttle"

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
		fmt.Printf("%s %s (commit_date=%s, build_id=%s, build_date=%s)\n",
			appName, vi.String(), vi.CommitDate, vi.BuildId, vi.BuildDate)
		os.Exit(0)
	}

	// env file first so its values are visible to FillFromEnv; real env vars still win
	if err := cfg.LoadEnvFile(conf.EnvFile); err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}
	cfg.FillFromEnv(flag.CommandLine, cfg.EnvPrefix, func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})
	if err := cfg.Validate(conf); err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}

	// Setup logging
	stackLvl, err := log.ParseLevel(conf.StacktraceLevel)
	if err != nil {
		stackLvl, _ = log.ParseLevel("error")
	}
	lg, err := log.New(log.Options{
		App:             appName,
		Version:         vi.Version,
		Commit:          vi.ShortCommit(),
		Level:           conf.LogLevel,
		StacktraceLevel: stackLvl,
		JSON:            conf.LogJSON,
		ErrorLinks:      conf.MaxErrorLinks,
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
		"rules_source", conf.RulesSource,
		"rules_file", conf.RulesFile,
		"rules_watch", conf.RulesWatch,
		"rules_ssm_param", conf.RulesSSMParam,
		"rules_s3_bucket", conf.RulesS3Bucket,
		"rules_s3_prefix", conf.RulesS3Prefix,
		"rules_signing_key_arn", conf.RulesSigningKeyARN,
		"trusted_hops", conf.TrustedHops,
		"api_rate", conf.APIRate,
		"api_burst", conf.APIBurst,
	)

	m := metrics.New()
	m.SetBuildInfoFromVersion(appName, "server", vi)

	stopProf, err := prof.Start(ctx, prof.Options{
		Enabled:       conf.EnablePyroscope,
		AppName:       appName,
		ServerAddress: conf.PyroServer,
		TenantID:      conf.PyroTenantID,
		Tags: map[string]string{
			"component": "server",
			"version":   vi.Version,
			"commit":    vi.ShortCommit(),
		},
		OnActive: m.SetProfilingActive,
	})
	if err != nil {
		L.Error(ctx, err, "pyroscope start failed", "pyro_server", conf.PyroServer)
	}
	defer stopProf()

	// Insecure because traces go to a collector on localhost
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
	}
	defer func() { _ = shutdownOTEL(context.Background()) }()

	// rules
	mgr := rules.NewManager()
	onSwap := func(hash, version string) {
		recordRuleSet(m, mgr)
		L.Info(ctx, "throttle rules swapped", "rules_version", version, "rules_sha256", hash)
	}
	validation := rules.ValidationOptions{
		MaxErrors:     conf.RulesMaxErrors,
		RequireRules:  true,
		RequireSigned: conf.RulesSigningKeyARN != "",
	}

	switch conf.RulesSource {
	case cfg.RulesSourceS3:
		err = startS3Rules(ctx, L, conf, mgr, m, validation, onSwap)
	default:
		err = startFileRules(ctx, L, conf, mgr, m, validation, onSwap)
	}
	if err != nil {
		L.Error(ctx, err, "throttle rules setup failed")
		os.Exit(1)
	}
	recordRuleSet(m, mgr)

	var gate health.ShutdownGate
	readiness := health.All(gate.Probe(), health.FromErr(mgr.ReadyErr))

	api := throttlehttp.NewAPI(mgr, L, throttlehttp.WithMetrics(m))

	var rateLimitMW httpmw.Middleware
	if conf.APIRate > 0 {
		limiter := ratelimit.New(ctx,
			ratelimit.WithRate(conf.APIRate, conf.APIBurst),
			ratelimit.WithOnDenied(func(string) { m.IncRateLimitDenied() }),
			// logged once per visitor until it is evicted
			ratelimit.WithOnFirstDenied(func(ip string) {
				L.Warn(ctx, "rate limit triggered", "ip", ip)
			}),
			ratelimit.WithOnCapacity(func() {
				m.IncRateLimitCapacity()
				L.Warn(ctx, "rate limit capacity reached, rejecting new visitors until some are evicted")
			}),
		)
		rateLimitMW = limiter.Middleware
	}

	apiStop, err := httpserver.Start(ctx, &httpserver.Options{
		Logger:       L,
		Port:         conf.HTTPPort,
		UseRecoverMW: true,
		OnPanic:      m.IncHttpPanic,
		MetricsMW:    m.Middleware,
		RateLimitMW:  rateLimitMW,
		ClientIPOpts: httpmw.ClientIPOptions{TrustedHops: conf.TrustedHops},
		RulesInfo:    mgr,
		Health:       health.Fixed(true, ""),
		Readiness:    readiness,
		APIRoutes:    api.RegisterRoutes,
	})
	if err != nil {
		L.Error(ctx, err, "failed to start public http listener")
		os.Exit(1)
	}
	defer func() { _ = apiStop(context.Background()) }()

	// the ops listener refuses public peers and proxied requests; the
	// security group is the first line, this is the second
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
		os.Exit(1)
	}
	defer func() { _ = opsStop(context.Background()) }()

	if err := notifySystemd(); err != nil {
		// worst case systemd kills us after its start timeout
		L.Warn(ctx, "failed to notify systemd of readiness", "error", err)
	}

	<-ctx.Done()
	stop()
	L.Info(context.Background(), "shutdown signal received")

	// fail readiness so the load balancer stops sending traffic, then drain
	gate.Set("draining")
	L.Info(context.Background(), "shutdown gate closed, draining", "drain_timeout", conf.DrainTimeout)
	forceCh := make(chan os.Signal, 1)
	signal.Notify(forceCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-time.After(conf.DrainTimeout):
		L.Info(context.Background(), "drain period complete")
	case <-forceCh:
		L.Warn(context.Background(), "second signal received, skipping drain")
	}
	signal.Stop(forceCh)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := apiStop(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "public http server shutdown")
	}
	if err := opsStop(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "ops http server shutdown")
	}
	if err := shutdownOTEL(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "otel shutdown")
	}
	stopProf()

	L.Info(context.Background(), "shutdown complete")
}

// startFileRules loads the local rules file and, when enabled, watches it.
// A missing or unreadable file at startup is fatal; dropped entries are not.
func startFileRules(ctx context.Context, L log.Logger, conf cfg.App, mgr *rules.Manager, m *metrics.ServerMetrics,
	validation rules.ValidationOptions, onSwap func(hash, version string)) error {
	src := &rules.FileSource{Path: conf.RulesFile}
	rs, err := src.Load(ctx)
	if err != nil {
		return err
	}
	rules.LogProblems(ctx, L, rs.Problems)
	mgr.Set(*rs)
	L.Info(ctx, "loaded throttle rules",
		"rules_version", rs.Meta.Version,
		"rules_sha256", rs.Meta.SHA256,
		"rules", len(rs.Rules),
		"rejected", rules.CountErrors(rs.Problems),
	)

	if !conf.RulesWatch {
		return nil
	}
	fw, err := rules.NewFileWatcher(rules.FileWatcherOptions{
		Logger:     L,
		Source:     src,
		Manager:    mgr,
		Validation: &validation,
		Metrics:    m,
		OnSwap:     onSwap,
	})
	if err != nil {
		return err
	}
	go func() { _ = fw.Run(ctx) }()
	return nil
}

// startS3Rules loads rules addressed by the SSM hash. A failed first load is
// survivable while the watcher runs: the service stays unready until a set
// arrives.
func startS3Rules(ctx context.Context, L log.Logger, conf cfg.App, mgr *rules.Manager, m *metrics.ServerMetrics,
	validation rules.ValidationOptions, onSwap func(hash, version string)) error {
	awsCfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return err
	}

	// a nil *KMSVerifier must not end up in the interface
	var verifier rules.Verifier
	if conf.RulesSigningKeyARN != "" {
		verifier = cryptoutil.NewKMSVerifier(kms.NewFromConfig(awsCfg), conf.RulesSigningKeyARN)
	}

	loader, err := rules.NewLoader(ctx, rules.LoaderOptions{
		Logger:    L,
		SSMParam:  conf.RulesSSMParam,
		S3Bucket:  conf.RulesS3Bucket,
		S3Prefix:  conf.RulesS3Prefix,
		Verifier:  verifier,
		SSMClient: ssm.NewFromConfig(awsCfg),
		S3Client:  s3.NewFromConfig(awsCfg),
	})
	if err != nil {
		return err
	}

	rs, err := loader.Load(ctx)
	switch {
	case err != nil && !conf.RulesWatch:
		return err
	case err != nil:
		L.Error(ctx, err, "initial throttle rules load failed, waiting for watcher")
	default:
		rules.LogProblems(ctx, L, rs.Problems)
		mgr.Set(*rs)
		L.Info(ctx, "loaded throttle rules from S3",
			"rules_version", rs.Meta.Version,
			"rules_sha256", rs.Meta.SHA256,
			"rules", len(rs.Rules),
			"signed", rs.Meta.Signed,
		)
	}

	if conf.RulesWatch {
		w := rules.NewWatcher(rules.WatcherOptions{
			Logger:       L,
			Loader:       loader,
			Manager:      mgr,
			PollInterval: conf.RulesPollInterval,
			Validation:   &validation,
			OnSwap:       onSwap,
			Metrics:      m,
		})
		go func() { _ = w.Run(ctx) }()
	}
	return nil
}

// recordRuleSet publishes the active set to the ruleset gauges.
func recordRuleSet(m *metrics.ServerMetrics, mgr *rules.Manager) {
	rs, ok := mgr.Get()
	if !ok {
		return
	}
	errs := rules.CountErrors(rs.Problems)
	m.SetRuleSet(rs.Meta.Version, rs.Meta.SHA256, string(rs.Meta.Source),
		len(rs.Rules), errs, len(rs.Problems)-errs, rs.LoadedAt)
}

func notifySystemd() error {
	// set by systemd for Type=notify units
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return fmt.Errorf("NOTIFY_SOCKET not set, skipping systemd notify")
	}
	conn, err := net.Dial("unixgram", addr)
	if err != nil {
		return fmt.Errorf("systemd notify failed: dial failed: %w", err)
	}
	if _, err := conn.Write([]byte("READY=1")); err != nil {
		conn.Close()
		return fmt.Errorf("systemd notify failed: write failed: %w", err)
	}
	if err := conn.Close(); err != nil {
		return fmt.Errorf("systemd notify failed: close failed: %w", err)
	}
	return nil
}
