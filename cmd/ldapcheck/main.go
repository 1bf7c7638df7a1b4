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

	"github.com/georgemihalcea/ldapcheck/internal/cfg"
	"github.com/georgemihalcea/ldapcheck/internal/directory"
	"github.com/georgemihalcea/ldapcheck/internal/handler"
	"github.com/georgemihalcea/ldapcheck/internal/health"
	"github.com/georgemihalcea/ldapcheck/internal/listener"
	"github.com/georgemihalcea/ldapcheck/internal/log"
	"github.com/georgemihalcea/ldapcheck/internal/metrics"
	"github.com/georgemihalcea/ldapcheck/internal/opshttp"
	"github.com/georgemihalcea/ldapcheck/internal/otelx"
	"github.com/georgemihalcea/ldapcheck/internal/prof"
	"github.com/georgemihalcea/ldapcheck/internal/ratelimit"
	"github.com/georgemihalcea/ldapcheck/internal/registry"
	"github.com/georgemihalcea/ldapcheck/internal/secrets"
	"github.com/georgemihalcea/ldapcheck/internal/supervisor"
	v "github.com/georgemihalcea/ldapcheck/internal/version"
	"github.com/georgemihalcea/ldapcheck/internal/xerrors"
)

func main() {
	os.Exit(run())
}

func run() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer stop()

	vi := v.Get()

	var app cfg.App
	var showVersion bool

	cfg.Register(flag.CommandLine, &app)
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")
	flag.Parse()

	if showVersion {
		fmt.Println(vi.String())
		return 0
	}

	cfg.FillFromEnv(flag.CommandLine, cfg.EnvPrefix, func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})

	conf, err := cfg.Load(ctx, app.ConfigPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		return 1
	}
	if err := conf.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		return 1
	}
	if err := cfg.ValidateApp(app, conf); err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		return 1
	}

	// Setup logging. DEBUG/INFO in the config file can only lower the level.
	base, _ := log.ParseLevel(app.LogLevel)
	stackLvl, _ := log.ParseLevel(app.StacktraceLevel)
	lg, err := log.New(log.Options{
		App:               v.AppName,
		Version:           vi.Version,
		Level:             log.EffectiveLevel(base, conf.Debug, conf.Verbose),
		StacktraceLevel:   stackLvl,
		JsonFormat:        app.LogJSON,
		MaxErrorLinks:     app.MaxErrorLinks,
		IncludeErrorLinks: app.IncludeErrorLinks,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init error:", err)
		return 1
	}
	defer lg.Sync()
	L := lg.With("component", "probe")
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "initializing application",
		"version", vi.Version,
		"commit", vi.Commit,
		"build_date", vi.BuildDate,
		"go_version", vi.GoVersion,
		"config", app.ConfigPath,
		"host", conf.Host,
		"port", conf.PlainPort,
		"port_s", conf.SecurePort,
		"url", conf.URL,
		"url_s", conf.SecureURL,
		"admin_port", app.AdminPort,
		"max_conns", conf.MaxConns,
		"rate_limit", conf.RateLimit,
		"enable_tracing", app.EnableTracing,
		"enable_pyroscope", app.EnablePyroscope,
	)

	password, err := secrets.NewResolver().Resolve(ctx, secrets.Source{
		Literal:  conf.Password,
		SSMParam: conf.PasswordSSM,
		KMSBlob:  conf.PasswordKMS,
	})
	if err != nil {
		L.Error(ctx, err, "failed to resolve bind password")
		return 1
	}

	tlsConf, err := conf.TLS()
	if err != nil {
		L.Error(ctx, err, "failed to build TLS config")
		return 1
	}

	m := metrics.New()
	m.SetBuildInfoFromVersion("probe", vi)

	stopProf, err := prof.Start(ctx, prof.Options{
		Enabled:       app.EnablePyroscope,
		AppName:       v.AppName,
		ServerAddress: app.PyroServer,
		TenantID:      app.PyroTenantID,
		Tags: map[string]string{
			"app":       v.AppName,
			"component": "probe",
			"version":   vi.Version,
			"commit":    vi.Commit,
		},
		OnActive: m.SetProfilingActive,
	})
	if err != nil {
		L.Error(ctx, err, "pyroscope start failed", "pyro_server", app.PyroServer)
	}
	defer stopProf()

	// Insecure is true because we only export to a collector on localhost
	shutdownOTEL, err := otelx.Init(ctx, otelx.Options{
		Enabled:   app.EnableTracing,
		Endpoint:  app.OTLPEndpoint,
		Insecure:  true,
		Sample:    app.TraceSample,
		Service:   v.AppName,
		Component: "probe",
		Version:   vi.Version,
	})
	if err != nil {
		L.Error(ctx, err, "otel init failed")
		shutdownOTEL = func(context.Context) error { return nil }
	}

	var limiter handler.Limiter
	if conf.RateLimit > 0 {
		limiter = ratelimit.New(ctx,
			ratelimit.WithRate(conf.RateLimit, conf.RateBurst),
			ratelimit.WithOnDenied(func(string) { m.IncRateLimitDenied() }),
			// logged once per client until it is evicted
			ratelimit.WithOnFirstDenied(func(ip string) {
				L.Warn(ctx, "rate limit triggered", "ip", ip)
			}),
			ratelimit.WithOnCapacity(func() {
				m.IncRateLimitCapacity()
				L.Warn(ctx, "rate limit capacity reached, rejecting new clients until some are evicted")
			}),
		)
	}

	reg := registry.New(registry.WithOnState(func(name string, s listener.State) {
		m.SetListenerState(name, s.String())
	}))

	var gate health.ShutdownGate

	opsStop := func(context.Context) error { return nil }
	if app.AdminPort > 0 {
		// the ops listener refuses public source addresses
		opsStop, err = opshttp.Start(ctx, L, &opshttp.Options{
			Port:        app.AdminPort,
			Metrics:     m.Handler(),
			MetricsMW:   m.Middleware,
			EnablePprof: app.EnablePprof,
			Health:      health.Fixed(true, ""),
			Readiness:   health.All(gate.Probe(), health.CheckFunc(reg.Ready)),
			Listeners:   func() any { return reg.Snapshot() },
			OnPanic:     m.IncPanic,
		})
		if err != nil {
			L.Error(ctx, err, "failed to start ops http listener")
			return 1
		}
	}

	done := make(chan error, 1)
	go func() {
		done <- supervisor.Run(ctx, supervisor.Options{
			Config:   conf,
			Password: password,
			Prober:   &directory.LDAPProber{Timeout: conf.ProbeTimeout(), TLS: tlsConf},
			Limiter:  limiter,
			Metrics:  m,
			Registry: reg,
			Logger:   L,
		})
	}()

	if err := notifySystemd(); err != nil {
		L.Debug(ctx, "systemd not notified", "err", err)
	}

	var runErr error
	select {
	case <-ctx.Done():
		L.Info(context.Background(), "shutdown signal received")
		gate.Set("shutting down")
		runErr = <-done
	case runErr = <-done:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := opsStop(shutdownCtx); err != nil {
		L.Error(shutdownCtx, err, "ops http server shutdown")
	}
	if err := shutdownOTEL(shutdownCtx); err != nil {
		L.Error(shutdownCtx, err, "otel shutdown")
	}

	if runErr != nil {
		L.Error(shutdownCtx, xerrors.EnsureTrace(runErr), "supervisor failed")
		return 1
	}
	L.Info(shutdownCtx, "shutdown complete")
	return 0
}

func notifySystemd() error {
	// NOTIFY_SOCKET is set when started by systemd with Type=notify
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return fmt.Errorf("NOTIFY_SOCKET not set")
	}
	conn, err := net.Dial("unixgram", addr)
	if err != nil {
		return fmt.Errorf("systemd notify: dial: %w", err)
	}
	if _, err := conn.Write([]byte("READY=1")); err != nil {
		conn.Close()
		return fmt.Errorf("systemd notify: write: %w", err)
	}
	return conn.Close()
}
