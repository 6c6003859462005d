package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/keithlinneman/linnemanlabs-imgfetch/internal/allowlist"
	"github.com/keithlinneman/linnemanlabs-imgfetch/internal/cfg"
	"github.com/keithlinneman/linnemanlabs-imgfetch/internal/health"
	"github.com/keithlinneman/linnemanlabs-imgfetch/internal/httpmw"
	"github.com/keithlinneman/linnemanlabs-imgfetch/internal/httpserver"
	"github.com/keithlinneman/linnemanlabs-imgfetch/internal/log"
	"github.com/keithlinneman/linnemanlabs-imgfetch/internal/metrics"
	"github.com/keithlinneman/linnemanlabs-imgfetch/internal/opshttp"
	"github.com/keithlinneman/linnemanlabs-imgfetch/internal/otelx"
	"github.com/keithlinneman/linnemanlabs-imgfetch/internal/prof"
	"github.com/keithlinneman/linnemanlabs-imgfetch/internal/ratelimit"
	"github.com/keithlinneman/linnemanlabs-imgfetch/internal/remote"
	"github.com/keithlinneman/linnemanlabs-imgfetch/internal/remotehttp"
	v "github.com/keithlinneman/linnemanlabs-imgfetch/internal/version"
)

const (
	appName   = "linnemanlabs-imgfetch"
	component = "server"

	// time for the load balancer to notice the failing readiness probe
	drainPeriod = 30 * time.Second
)

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
		fmt.Printf("%s %s (build_id=%s, build_date=%s, go=%s)\n", appName, vi, vi.BuildID, vi.BuildDate, vi.GoVersion)
		os.Exit(0)
	}

	cfg.FillFromEnv(flag.CommandLine, cfg.EnvPrefix, func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})
	if err := cfg.Validate(conf); err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}

	// levels were checked by Validate
	lvl, _ := log.ParseLevel(conf.LogLevel)
	stackLvl, _ := log.ParseLevel(conf.StacktraceLevel)
	lg, err := log.New(log.Options{
		App:               appName,
		Version:           vi.Version,
		Level:             lvl,
		StacktraceLevel:   stackLvl,
		JSON:              conf.LogJSON,
		MaxErrorLinks:     conf.MaxErrorLinks,
		IncludeErrorLinks: conf.IncludeErrorLinks,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init error:", err)
		os.Exit(1)
	}
	defer func() { _ = lg.Sync() }()
	L := lg.With("component", component)
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "initializing application",
		"version", vi.Version,
		"commit", vi.Commit,
		"build_id", vi.BuildID,
		"go_version", vi.GoVersion,
		"http_port", conf.HTTPPort,
		"admin_port", conf.AdminPort,
		"remote_prefix", conf.RemotePrefix,
		"fetch_max_bytes", conf.FetchMaxBytes,
		"fetch_timeout_ms", conf.FetchTimeoutMS,
		"fetch_protocol", conf.FetchProtocol,
		"allowlist_source", conf.AllowlistSource(),
		"enable_allowlist_updates", conf.EnableAllowlistUpdates,
		"enable_tracing", conf.EnableTracing,
		"enable_pyroscope", conf.EnablePyroscope,
	)

	m := metrics.New()
	m.SetBuildInfo(appName, component, vi)

	stopProf, err := prof.Start(ctx, prof.Options{
		Enabled:       conf.EnablePyroscope,
		AppName:       appName,
		ServerAddress: conf.PyroServer,
		TenantID:      conf.PyroTenantID,
		Tags: map[string]string{
			"app":       appName,
			"component": component,
			"version":   vi.Version,
			"commit":    vi.Commit,
		},
	})
	if err != nil {
		L.Error(ctx, err, "pyroscope start failed", "pyro_server", conf.PyroServer)
	}
	m.SetProfilingActive(conf.EnablePyroscope && err == nil)
	defer stopProf()

	// collector runs on localhost
	shutdownOTEL, err := otelx.Init(ctx, otelx.Options{
		Enabled:   conf.EnableTracing,
		Endpoint:  conf.OTLPEndpoint,
		Insecure:  true,
		Sample:    conf.TraceSample,
		Service:   appName,
		Component: component,
		Version:   vi.Version,
	})
	if err != nil {
		L.Error(ctx, err, "otel init failed, continuing without export")
		shutdownOTEL = func(context.Context) error { return nil }
	}

	src, err := newSource(ctx, conf)
	if err != nil {
		L.Error(ctx, err, "failed to configure allow-list source")
		os.Exit(1)
	}
	loader := allowlist.NewLoader(src, conf.FetchSettings(), remote.WithMetrics(m))
	loader.SetMaxTimeout(conf.FetchMaxTimeout())
	mgr := allowlist.NewManager()

	// a bad or unreachable allow-list at startup is fatal, there is nothing safe to serve
	snap, err := loader.Load(ctx)
	if err != nil {
		L.Error(ctx, err, "initial allow-list load failed", "source", src.Name())
		os.Exit(1)
	}
	mgr.Set(snap)
	publishSnapshot(m, snap)
	L.Info(ctx, "allow-list loaded",
		"source", snap.Source,
		"version", snap.Version,
		"entries", snap.Validator.Len(),
		"max_bytes", snap.Config.MaxBytes,
		"timeout", snap.Config.Timeout.String(),
	)

	g, gctx := errgroup.WithContext(ctx)
	if conf.EnableAllowlistUpdates {
		var events <-chan struct{}
		if fs, ok := src.(*allowlist.FileSource); ok {
			if events, err = fs.Events(gctx); err != nil {
				L.Warn(ctx, "file change notifications unavailable, polling only", "err", err.Error())
			}
		}
		w := allowlist.NewWatcher(&allowlist.WatcherOptions{
			Logger:       L,
			Loader:       loader,
			Manager:      mgr,
			PollInterval: conf.AllowlistPollInterval,
			Events:       events,
			Metrics:      m,
			OnSwap:       func(s *allowlist.Snapshot) { publishSnapshot(m, s) },
		})
		g.Go(func() error { return w.Run(gctx) })
	}

	var gate health.ShutdownGate
	readiness := health.All(
		gate.Probe(),
		health.CheckFunc(func(context.Context) error { return mgr.ReadyErr() }),
	)

	var rateLimitMW func(http.Handler) http.Handler
	if conf.RateLimitRPS > 0 {
		limiter := ratelimit.New(ctx,
			ratelimit.WithRate(conf.RateLimitRPS, conf.RateLimitBurst),
			ratelimit.WithOnDenied(func(string) { m.IncRateLimitDenied() }),
			ratelimit.WithOnFirstDenied(func(ip string) { L.Warn(ctx, "rate limit triggered", "ip", ip) }),
			ratelimit.WithOnCapacity(func() {
				m.IncRateLimitCapacity()
				L.Warn(ctx, "rate limit capacity reached, rejecting new clients until some are evicted")
			}),
		)
		rateLimitMW = limiter.Middleware
	}

	api := remotehttp.New(mgr, conf.RemotePrefix)
	siteHTTPStop, err := httpserver.Start(ctx, &httpserver.Options{
		Logger:       L,
		Port:         conf.HTTPPort,
		UseRecoverMW: true,
		OnPanic:      m.IncHTTPPanic,
		MetricsMW:    m.Middleware,
		RateLimitMW:  rateLimitMW,
		ClientIPOpts: httpmw.ClientIPOptions{TrustedHops: conf.TrustedProxyHops},
		Health:       health.Fixed(true, ""),
		Readiness:    readiness,
		APIRoutes:    api.RegisterRoutes,
		WriteTimeout: writeTimeout(conf),
	})
	if err != nil {
		L.Error(ctx, err, "failed to start http listener")
		os.Exit(1)
	}
	defer func() { _ = siteHTTPStop(context.Background()) }()

	opsHTTPStop, err := opshttp.Start(ctx, L, &opshttp.Options{
		Port:         conf.AdminPort,
		Metrics:      m.Handler(),
		EnablePprof:  conf.EnablePprof,
		Health:       health.Fixed(true, ""),
		Readiness:    readiness,
		UseRecoverMW: true,
		OnPanic:      m.IncHTTPPanic,
	})
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		os.Exit(1)
	}
	defer func() { _ = opsHTTPStop(context.Background()) }()

	if err := notifySystemd(); err != nil {
		L.Debug(ctx, "systemd readiness not sent", "reason", err.Error())
	}

	<-ctx.Done()
	stop()
	L.Info(context.Background(), "shutdown signal received")

	gate.Set("draining")
	L.Info(context.Background(), "shutdown gate closed, draining", "drain_period", drainPeriod.String())
	forceCh := make(chan os.Signal, 1)
	signal.Notify(forceCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-time.After(drainPeriod):
	case <-forceCh:
		L.Warn(context.Background(), "second signal received, skipping drain")
	}
	signal.Stop(forceCh)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), writeTimeout(conf)+5*time.Second)
	defer cancel()

	if err := siteHTTPStop(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "http server shutdown")
	}
	if err := opsHTTPStop(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "ops http server shutdown")
	}
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		L.Error(context.Background(), err, "allow-list watcher stopped")
	}
	loader.CloseIdleConnections()
	if err := shutdownOTEL(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "otel shutdown")
	}

	L.Info(context.Background(), "shutdown complete")
}

func publishSnapshot(m *metrics.ServerMetrics, s *allowlist.Snapshot) {
	m.SetAllowlist(s.Source, s.Version, s.Validator.Len(), s.LoadedAt)
}

// writeTimeout leaves headroom over the slowest fetch any allow-list
// document may configure, so a fetch that finishes in time can still be
// written out after a reload raises the timeout.
func writeTimeout(conf cfg.App) time.Duration {
	return conf.FetchMaxTimeout() + 5*time.Second
}

func notifySystemd() error {
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return errors.New("NOTIFY_SOCKET not set")
	}
	conn, err := net.Dial("unixgram", addr)
	if err != nil {
		return fmt.Errorf("systemd notify dial: %w", err)
	}
	if _, err := conn.Write([]byte("READY=1")); err != nil {
		_ = conn.Close()
		return fmt.Errorf("systemd notify write: %w", err)
	}
	return conn.Close()
}
