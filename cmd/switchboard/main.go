// Switchboard classifies support tickets, routes them to specialist agents
// and guards the drafted responses.
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

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	otelpyroscope "github.com/grafana/otel-profiling-go"
	"github.com/joho/godotenv"
	"github.com/linnemanlabs/go-core/cfg"
	"github.com/linnemanlabs/go-core/opshttp"
	"github.com/linnemanlabs/go-core/prof"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"

	"github.com/linnemanlabs/go-core/health"

	"github.com/linnemanlabs/go-core/httpmw"
	"github.com/linnemanlabs/go-core/httpserver"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/go-core/metrics"
	"github.com/linnemanlabs/go-core/otelx"
	v "github.com/linnemanlabs/go-core/version"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/linnemanlabs/switchboard/internal/authmw"
	vc "github.com/linnemanlabs/switchboard/internal/cfg"
	"github.com/linnemanlabs/switchboard/internal/intakeapi"
	"github.com/linnemanlabs/switchboard/internal/llm"
	"github.com/linnemanlabs/switchboard/internal/pipeline"
	"github.com/linnemanlabs/switchboard/internal/postgres"
)

const appName = "switchboard"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal error:", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// .env fills the environment only; it never overrides variables already set
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintln(os.Stderr, "ignoring unreadable .env:", err)
	}

	// each package registers its own flags and options struct
	var (
		appCfg    vc.Config
		httpCfg   httpserver.Config
		httpmwCfg httpmw.Config
		logCfg    log.Config
		opsCfg    opshttp.Config
		profCfg   prof.Config
		traceCfg  otelx.Config
	)

	appCfg.RegisterFlags(flag.CommandLine)
	httpCfg.RegisterFlags(flag.CommandLine)
	httpmwCfg.RegisterFlags(flag.CommandLine)
	logCfg.RegisterFlags(flag.CommandLine)
	opsCfg.RegisterFlags(flag.CommandLine)
	profCfg.RegisterFlags(flag.CommandLine)
	traceCfg.RegisterFlags(flag.CommandLine)
	var showVersion bool
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")

	// parse flags to get config values from cmdline, we check env vars next which do not override cmdline flags
	flag.Parse()

	// Fill in config values from environment variables with prefix SWITCHBOARD_,
	// these do not override cmdline flags
	cfg.FillFromEnv(flag.CommandLine, "SWITCHBOARD_", func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})

	// one binary, the component is the stage this process runs
	v.AppName = appName
	v.Component = appCfg.Agent
	vi := v.Get()

	if showVersion {
		fmt.Printf(
			"%s (%s) %s (commit=%s, commit_date=%s, build_id=%s, build_date=%s, go=%s, dirty=%v)\n",
			vi.AppName, vi.Component, vi.Version, vi.Commit, vi.CommitDate, vi.BuildId, vi.BuildDate, vi.GoVersion,
			vi.VCSDirty != nil && *vi.VCSDirty,
		)
		return nil
	}

	if err := errors.Join(
		appCfg.Validate(),
		httpCfg.Validate(),
		httpmwCfg.Validate(),
		logCfg.Validate(),
		opsCfg.Validate(),
		profCfg.Validate(),
		traceCfg.Validate(),
	); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	// cross-cutting checks that only main can validate
	if appCfg.ServesHTTP() && appCfg.APIPort == opsCfg.Port {
		return fmt.Errorf("http and admin ports must differ (both %d)", appCfg.APIPort)
	}

	lg, err := log.New(logCfg.ToOptions(v.AppName))
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = lg.Sync() }()

	L := lg.With("component", vi.Component)
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "initializing application",
		"version", vi.Version,
		"commit", vi.Commit,
		"build_id", vi.BuildId,
		"go_version", vi.GoVersion,
		"agent", appCfg.Agent,
		"broker", appCfg.Broker,
		"llm_provider", appCfg.LLMProvider,
		"llm_model", appCfg.Model(),
		"mock_llm", appCfg.MockLLM,
		"confidence_threshold", appCfg.ConfidenceThreshold,
		"http_port", appCfg.APIPort,
		"admin_port", opsCfg.Port,
		"enable_pyroscope", profCfg.EnablePyroscope,
		"enable_tracing", traceCfg.EnableTracing,
		"otlp_endpoint", traceCfg.OTLPEndpoint,
	)

	// Setup pyroscope profiling early so we get profiles from the entire app lifetime
	profOpts := profCfg.ToOptions()
	profOpts.AppName = v.AppName
	profOpts.Tags = map[string]string{
		"app":       v.AppName,
		"component": v.Component,
		"version":   vi.Version,
		"commit":    vi.Commit,
		"build_id":  vi.BuildId,
	}
	stopProf, profErr := prof.Start(ctx, profOpts)
	if profErr != nil {
		L.Error(ctx, profErr, "pyroscope start failed", "pyro_server", profCfg.PyroServer)
	}
	if stopProf != nil {
		defer stopProf()
	}

	traceOpts := traceCfg.ToOptions()
	traceOpts.Service = v.AppName
	traceOpts.Component = v.Component
	traceOpts.Version = v.Version

	shutdownOtelx, err := otelx.Init(ctx, traceOpts)
	if err != nil {
		L.Error(ctx, err, "otel init failed")
	}
	if shutdownOtelx == nil {
		shutdownOtelx = func(context.Context) error { return nil }
	}
	defer func() { _ = shutdownOtelx(context.Background()) }()

	// Link spans to profiles when both are active.
	if err == nil && profErr == nil && profCfg.EnablePyroscope {
		otel.SetTracerProvider(otelpyroscope.NewTracerProvider(otel.GetTracerProvider()))
	}

	var m = metrics.New()
	m.SetBuildInfoFromVersion(v.AppName, v.Component, &vi)
	m.SetProfilingActive(profErr == nil && profCfg.EnablePyroscope)

	pipelineMetrics := pipeline.NewMetrics(m.Registry())

	// Per-query DB duration histogram for the profile store.
	dbQueryDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "switchboard_db_query_duration_seconds",
		Help:    "Duration of individual database queries.",
		Buckets: prometheus.DefBuckets,
	}, []string{"stage", "operation", "outcome"})
	m.Registry().MustRegister(dbQueryDuration)

	postgres.SetQueryObserver(postgres.QueryObserverFunc(
		func(_ context.Context, stage, operation, outcome string, dur time.Duration) {
			dbQueryDuration.WithLabelValues(stage, operation, outcome).Observe(dur.Seconds())
		},
	))

	tr, err := newTransport(ctx, &appCfg, L)
	if err != nil {
		return fmt.Errorf("broker: %w", err)
	}
	L.Info(ctx, "broker connected", "broker", appCfg.Broker)

	policy, err := loadPolicy(&appCfg)
	if err != nil {
		_ = tr.close(context.Background())
		return fmt.Errorf("routing table: %w", err)
	}

	var provider llm.Provider
	if appCfg.UsesEngine() {
		if provider, err = newProvider(&appCfg); err != nil {
			_ = tr.close(context.Background())
			return err
		}
		L.Info(ctx, "initialized LLM provider", "provider", provider.Name(), "model", appCfg.Model())
	}

	// Only the triage stage enriches.
	closeStore := func() {}
	deps := &stageDeps{cfg: &appCfg, transport: tr, provider: provider, policy: policy, metrics: pipelineMetrics, logger: L}
	if appCfg.Agent == vc.AgentTriage || appCfg.Agent == vc.AgentAll {
		deps.store, closeStore, err = newProfileStore(ctx, &appCfg, L)
		if err != nil {
			_ = tr.close(context.Background())
			return err
		}
	}
	defer closeStore()

	stages, err := buildStages(ctx, deps)
	if err != nil {
		_ = tr.close(context.Background())
		return err
	}

	// setup toggle for server shutdown. this is used to fail readiness checks
	// during shutdown to drain connections from load balancer before killing the process.
	var shutdownGate health.ShutdownGate

	readiness := health.All(
		shutdownGate.Probe(),
		health.CheckFunc(tr.ready),
	)
	liveness := health.Fixed(true, "")

	opsOpts := opsCfg.ToOptions()
	opsOpts.Metrics = m.Handler()
	opsOpts.Health = liveness
	opsOpts.Readiness = readiness
	opsOpts.UseRecoverMW = true
	opsOpts.OnPanic = m.IncHttpPanic

	opsHTTPStop, err := opshttp.Start(ctx, L, opsOpts)
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		_ = tr.close(context.Background())
		return err
	}

	type stopFn struct {
		name string
		fn   func(context.Context) error
	}
	var stopFns []stopFn

	if appCfg.ServesHTTP() {
		intakeMetrics := intakeapi.NewMetrics(m.Registry())

		r := chi.NewRouter()

		r.Use(middleware.Compress(5, "application/json"))

		// Annotate logger (and tracer if trace is recording) with http.route from chi route pattern
		r.Use(httpmw.AnnotateHTTPRoute)

		r.Use(httpmw.AccessLog())

		// tickets are small, 64KB leaves room for long bodies
		r.Use(httpmw.MaxBody(1024 * 64))

		r.Get("/-/healthy", health.HealthzHandler(liveness))
		r.Get("/-/ready", health.ReadyzHandler(readiness))

		api := intakeapi.New(L, tr.producer, policy, appCfg.PublishTimeout, intakeMetrics.Hooks())
		r.Group(func(r chi.Router) {
			if tokens := apiTokens(appCfg.APIToken); len(tokens) > 0 {
				r.Use(authmw.BearerToken(authmw.Options{OnReject: intakeMetrics.OnAuthReject}, tokens...))
			}
			api.RegisterRoutes(r)
		})

		// middleware stack for main listener, order matters these are wrappers, outermost sees raw request
		// first and is last to see response
		var h http.Handler = r

		// Request-scoped logging (inner so it sees trace_id, chi route, etc)
		h = httpmw.WithLogger(L)(h)

		h = httpmw.TraceResponseHeaders("X-Trace-Id", "X-Span-Id")(h)

		h = otelhttp.NewHandler(h, "http.server",
			otelhttp.WithFilter(func(r *http.Request) bool {
				return r.URL.Path != "/-/healthy" && r.URL.Path != "/-/ready"
			}),
			otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
				return r.Method + " " + r.URL.Path
			}),
			otelhttp.WithPublicEndpointFn(func(_ *http.Request) bool { return true }),
		)

		h = m.Middleware(h)

		h = httpmw.ClientIPWithOptions(httpmw.ClientIPOptions{
			TrustedHops: httpmwCfg.TrustedProxyHops,
		})(h)

		h = httpmw.RequestID("X-Request-Id")(h)

		h = httpmw.Recover(L, nil)(h)

		// Security headers outermost to ensure they are served on every response
		h = httpmw.SecurityHeaders(h)

		intakeOpts, err := httpCfg.ToOptions()
		if err != nil {
			L.Error(ctx, err, "invalid http config")
			return err
		}
		intakeHTTPStop, err := httpserver.Start(ctx, fmt.Sprintf(":%d", appCfg.APIPort), h, L, intakeOpts)
		if err != nil {
			L.Error(ctx, err, "failed to start intake http listener")
			return err
		}
		stopFns = append(stopFns, stopFn{"intake http server", intakeHTTPStop})
	}

	exited := make(chan string, len(stages))
	workers := make([]*worker, 0, len(stages))
	for _, s := range stages {
		workers = append(workers, startWorker(ctx, s, exited))
		L.Info(ctx, "stage started", "stage", s.name)
	}
	if len(workers) > 0 {
		stopFns = append(stopFns, stopFn{"stages", waitAll(workers)})
	}

	stopFns = append(stopFns,
		stopFn{"broker", tr.close},
		stopFn{"ops http server", opsHTTPStop},
		stopFn{"otel", shutdownOtelx},
	)

	// Notify systemd that we started successfully if started under systemd
	if err := notifySystemd(); err != nil {
		// log and dont exit, worst case systemd will kill the process after timeout
		L.Warn(ctx, "failed to notify systemd of readiness", "error", err)
	}

	// Wait for ctrl+c / sigterm, or a stage that gave up
	select {
	case <-ctx.Done():
		L.Info(context.Background(), "shutdown signal received")
	case name := <-exited:
		L.Warn(context.Background(), "stage exited, shutting down", "stage", name)
		stop()
	}

	shutdownGate.Set("draining")
	L.Info(context.Background(), "shutdown gate closed")

	// Consume loops finish their current message; the intake listener waits
	// for the load balancer to notice the closed gate.
	drainDuration := time.Duration(appCfg.DrainSeconds) * time.Second
	L.Info(context.Background(), "draining", "drain_seconds", appCfg.DrainSeconds)
	forceCh := make(chan os.Signal, 1)
	signal.Notify(forceCh, os.Interrupt, syscall.SIGTERM)
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		if appCfg.ServesHTTP() {
			time.Sleep(drainDuration)
			return
		}
		drainWait(workers, drainDuration)
	}()
	select {
	case <-drained:
		L.Info(context.Background(), "drain period complete")
	case <-forceCh:
		L.Warn(context.Background(), "second signal received, skipping drain")
	}
	signal.Stop(forceCh)

	budget := time.Duration(appCfg.ShutdownBudgetSeconds) * time.Second
	perComponent := budget / time.Duration(len(stopFns))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), budget)
	defer cancel()

	for _, s := range stopFns {
		cctx, ccancel := context.WithTimeout(shutdownCtx, perComponent)
		if err := s.fn(cctx); err != nil {
			L.Error(context.Background(), err, s.name+" shutdown")
		}
		ccancel()
	}

	L.Info(context.Background(), "shutdown complete")
	return nil
}

func notifySystemd() error {
	// systemd will set NOTIFY_SOCKET to a unix socket path if we were started under systemd with type=notify
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return fmt.Errorf("NOTIFY_SOCKET not set, skipping systemd notify")
	}
	conn, err := net.Dial("unixgram", addr) //nolint:gosec,noctx // G704: addr is from NOTIFY_SOCKET set by systemd not user input, no context support in net package for unixgram sockets
	if err != nil {
		return fmt.Errorf("systemd notify failed: dial failed: %w", err)
	}
	defer func() { _ = conn.Close() }()
	if _, err := conn.Write([]byte("READY=1")); err != nil {
		return fmt.Errorf("systemd notify failed: write failed: %w", err)
	}
	return nil
}
