// Ticketsmith turns free-text problem descriptions into Syncro tickets.
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
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	otelpyroscope "github.com/grafana/otel-profiling-go"
	"github.com/linnemanlabs/go-core/cfg"
	"github.com/linnemanlabs/go-core/opshttp"
	"github.com/linnemanlabs/go-core/prof"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"golang.org/x/time/rate"

	"github.com/linnemanlabs/go-core/health"

	"github.com/linnemanlabs/go-core/httpmw"
	"github.com/linnemanlabs/go-core/httpserver"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/go-core/metrics"
	"github.com/linnemanlabs/go-core/otelx"
	v "github.com/linnemanlabs/go-core/version"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/linnemanlabs/ticketsmith/internal/authmw"
	tc "github.com/linnemanlabs/ticketsmith/internal/cfg"
	"github.com/linnemanlabs/ticketsmith/internal/directory"
	"github.com/linnemanlabs/ticketsmith/internal/intake"
	"github.com/linnemanlabs/ticketsmith/internal/intake/memstore"
	"github.com/linnemanlabs/ticketsmith/internal/intake/pgstore"
	"github.com/linnemanlabs/ticketsmith/internal/llm/claude"
	"github.com/linnemanlabs/ticketsmith/internal/llm/openrouter"
	"github.com/linnemanlabs/ticketsmith/internal/notify/slack"
	"github.com/linnemanlabs/ticketsmith/internal/panelapi"
	"github.com/linnemanlabs/ticketsmith/internal/postgres"
	"github.com/linnemanlabs/ticketsmith/internal/syncro"
)

const appName = "ticketsmith"
const component = "server"

// completionBackend is what main needs from an llm client.
type completionBackend interface {
	intake.Completer
	intake.ModelLister
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal error:", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Set app name and component
	v.AppName = appName
	v.Component = component

	// Get build/version info
	vi := v.Get()

	// each package registers its own flags and options struct
	var (
		appCfg    tc.Config
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

	// cmdline first, env vars below never override it
	flag.Parse()
	if showVersion {
		fmt.Printf(
			"%s (%s) %s (commit=%s, commit_date=%s, build_id=%s, build_date=%s, go=%s, dirty=%v)\n",
			vi.AppName, vi.Component, vi.Version, vi.Commit, vi.CommitDate, vi.BuildId, vi.BuildDate, vi.GoVersion,
			vi.VCSDirty != nil && *vi.VCSDirty,
		)
		return nil
	}

	// Fill in config values from environment variables with prefix TICKETSMITH_
	cfg.FillFromEnv(flag.CommandLine, "TICKETSMITH_", func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})

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

	if appCfg.APIPort == opsCfg.Port {
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
		"http_port", appCfg.APIPort,
		"admin_port", opsCfg.Port,
		"provider", appCfg.Provider,
		"default_model", appCfg.Model(),
		"syncro_subdomain", appCfg.SyncroSubdomain,
		"syncro_rate_limit", appCfg.SyncroRateLimit,
		"directory_refresh", appCfg.DirectoryRefresh,
		"allowed_origins", appCfg.Origins(),
		"enable_pyroscope", profCfg.EnablePyroscope,
		"enable_tracing", traceCfg.EnableTracing,
		"otlp_endpoint", traceCfg.OTLPEndpoint,
		"trusted_proxy_hops", httpmwCfg.TrustedProxyHops,
	)

	if missing := appCfg.MissingCredentials(); len(missing) > 0 {
		L.Warn(ctx, "credentials missing, describe and submit will be refused", "missing", missing)
	}

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
	if shutdownOtelx != nil {
		defer func() { _ = shutdownOtelx(context.Background()) }()
	}

	// link spans to profiles when both are on
	if profErr == nil && profCfg.EnablePyroscope {
		otel.SetTracerProvider(otelpyroscope.NewTracerProvider(otel.GetTracerProvider()))
	}

	var m = metrics.New()
	m.SetBuildInfoFromVersion(v.AppName, "server", &vi)
	m.SetProfilingActive(profErr == nil && profCfg.EnablePyroscope)

	intakeMetrics := intake.NewMetrics(m.Registry())

	dbQueryDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ticketsmith_db_query_duration_seconds",
		Help:    "Duration of individual database queries.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route", "outcome"})
	m.Registry().MustRegister(dbQueryDuration)

	postgres.SetQueryObserver(postgres.QueryObserverFunc(
		func(_ context.Context, method, route, outcome string, dur time.Duration) {
			dbQueryDuration.WithLabelValues(method, route, outcome).Observe(dur.Seconds())
		},
	))

	syncroClient := syncro.New(appCfg.SyncroSubdomain, appCfg.SyncroAPIKey,
		syncro.WithRateLimit(rate.Limit(appCfg.SyncroRateLimit), appCfg.SyncroBurst),
		syncro.WithObserver(intakeMetrics.SyncroObserver()),
	)

	dir := directory.New(syncroClient, L,
		directory.WithConcurrency(appCfg.DirectoryConcurrency),
		directory.WithHooks(intakeMetrics.DirectoryHooks()),
	)
	if syncroClient.Configured() {
		go dir.Run(ctx, appCfg.DirectoryRefresh)
	} else {
		L.Warn(ctx, "syncro not configured, directory will not load")
	}

	var backend completionBackend
	switch appCfg.Provider {
	case tc.ProviderClaude:
		backend = claude.New(appCfg.ClaudeAPIKey)
	default:
		backend = openrouter.New(appCfg.OpenRouterAPIKey, openrouter.WithReferer(appCfg.OpenRouterReferer))
	}
	L.Info(ctx, "initialized completion provider", "provider", appCfg.Provider, "model", appCfg.Model())

	var tickets intake.TicketLog
	if appCfg.DatabaseURL != "" {
		pool, err := postgres.NewPool(ctx, appCfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("postgres pool: %w", err)
		}
		defer pool.Close()
		pgLog, err := pgstore.New(ctx, pool)
		if err != nil {
			return fmt.Errorf("pgstore init: %w", err)
		}
		tickets = pgLog
		L.Info(ctx, "using postgres ticket log")
	} else {
		tickets = memstore.NewTickets(appCfg.TicketLogSize)
		L.Info(ctx, "using in-memory ticket log (no database-url configured)", "size", appCfg.TicketLogSize)
	}

	var notifier intake.Notifier
	if appCfg.SlackWebhookURL != "" {
		notifier = slack.New(appCfg.SlackWebhookURL, L)
		L.Info(ctx, "notifier enabled", "type", "slack")
	}

	svc := intake.NewService(intake.Deps{
		Sessions:  memstore.NewSessions(),
		Tickets:   tickets,
		Extractor: intake.NewExtractor(backend, L, intakeMetrics.ExtractHooks()),
		Resolver:  intake.NewResolver(dir, syncroClient, L),
		Submitter: intake.NewSubmitter(syncroClient, intake.SubmitterConfig{
			Subdomain:    appCfg.SyncroSubdomain,
			ShieldDomain: appCfg.ShieldDomain,
			Hooks:        intakeMetrics.SubmitHooks(),
		}, L),
		Directory:      dir,
		Notifier:       notifier,
		Logger:         L,
		Hooks:          intakeMetrics.ServiceHooks(),
		Preflight:      credentialsPreflight(&appCfg),
		DefaultModel:   appCfg.Model(),
		ExtractTimeout: appCfg.ExtractTimeout,
	})

	// drop sessions the panel abandoned
	go sweepLoop(ctx, svc, appCfg.SweepInterval, appCfg.SessionTTL)

	// readiness fails during shutdown so the load balancer drains us first
	var shutdownGate health.ShutdownGate

	readiness := health.All(
		shutdownGate.Probe(),
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
		return err
	}
	defer func() {
		err := opsHTTPStop(context.Background())
		if err != nil {
			L.Error(ctx, err, "failed to stop ops http listener")
		}
	}()

	r := chi.NewRouter()

	r.Use(middleware.Compress(5, "application/json"))

	// Annotate logger (and tracer if trace is recording) with http.route from chi route pattern
	r.Use(httpmw.AnnotateHTTPRoute)

	// Stash HTTP method in context for DB query metrics labelling.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			next.ServeHTTP(w, req.WithContext(postgres.WithHTTPMethod(req.Context(), req.Method)))
		})
	})

	r.Use(httpmw.AccessLog())

	// descriptions are short, 64KB is plenty
	r.Use(httpmw.MaxBody(1024 * 64))

	// the panel runs inside the Syncro web app; preflights are answered here,
	// before routing and auth
	r.Use(authmw.CORS(appCfg.Origins()))

	r.Get("/-/healthy", health.HealthzHandler(liveness))
	r.Get("/-/ready", health.ReadyzHandler(readiness))

	panel := panelapi.New(panelapi.Deps{
		Service:   svc,
		Directory: dir,
		Search:    syncroClient,
		Models:    backend,
		Logger:    L,
	})
	r.Group(func(r chi.Router) {
		r.Use(authmw.BearerToken(appCfg.PanelToken))
		panel.RegisterRoutes(r)
	})

	// order matters: outermost sees the raw request first and the response last
	var h http.Handler = r

	// Request-scoped logging (inner so it sees trace_id, chi route, etc)
	h = httpmw.WithLogger(L)(h)

	h = httpmw.TraceResponseHeaders("X-Trace-Id", "X-Span-Id")(h)

	h = otelhttp.NewHandler(h, "http.server",
		otelhttp.WithFilter(func(r *http.Request) bool {
			return r.URL.Path != "/-/healthy" && r.URL.Path != "/-/ready"
		}),
		// AnnotateHTTPRoute will rename the span later to the final route pattern
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

	// Outer to catch panics from any downstream middleware or handlers
	h = httpmw.Recover(L, nil)(h)

	// Security headers outermost to ensure they are served on every response
	h = httpmw.SecurityHeaders(h)

	panelOpts, err := httpCfg.ToOptions()
	if err != nil {
		L.Error(ctx, err, "invalid http config")
		return err
	}

	panelHTTPStop, err := httpserver.Start(ctx, fmt.Sprintf(":%d", appCfg.APIPort), h, L, panelOpts)
	if err != nil {
		L.Error(ctx, err, "failed to start panel http listener")
		return err
	}
	defer func() {
		err := panelHTTPStop(context.Background())
		if err != nil {
			L.Error(ctx, err, "failed to stop panel http listener")
		}
	}()

	if err := notifySystemd(); err != nil {
		// worst case systemd kills us after its timeout
		L.Warn(ctx, "failed to notify systemd of readiness", "error", err)
	}

	<-ctx.Done()

	L.Info(context.Background(), "shutdown signal received")

	shutdownGate.Set("draining")
	L.Info(context.Background(), "shutdown gate closed")

	drainDuration := time.Duration(appCfg.DrainSeconds) * time.Second
	L.Info(context.Background(), "sleeping for drain period", "drain_seconds", appCfg.DrainSeconds)
	forceCh := make(chan os.Signal, 1)
	signal.Notify(forceCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-time.After(drainDuration):
		L.Info(context.Background(), "drain period complete")
	case <-forceCh:
		L.Warn(context.Background(), "second signal received, skipping drain")
	}
	signal.Stop(forceCh)

	// stopProf is synchronous and needs no context, so it's excluded.
	type stopFn struct {
		name string
		fn   func(context.Context) error
	}
	stopFns := []stopFn{
		{"panel http server", panelHTTPStop},
		{"ops http server", opsHTTPStop},
	}
	if shutdownOtelx != nil {
		stopFns = append(stopFns, stopFn{"otel", shutdownOtelx})
	}

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

	if stopProf != nil {
		stopProf()
	}

	L.Info(context.Background(), "shutdown complete")
	return nil
}

// credentialsPreflight refuses actions while a credential is unset.
func credentialsPreflight(c *tc.Config) func() error {
	return func() error {
		if missing := c.MissingCredentials(); len(missing) > 0 {
			return fmt.Errorf("%w (missing %s)", intake.ErrNotConfigured, strings.Join(missing, ", "))
		}
		return nil
	}
}

type sweeper interface {
	Sweep(ctx context.Context, maxIdle time.Duration) int
}

func sweepLoop(ctx context.Context, s sweeper, every, maxIdle time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.Sweep(ctx, maxIdle)
		}
	}
}

func notifySystemd() error {
	// systemd sets NOTIFY_SOCKET when started with type=notify
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return fmt.Errorf("NOTIFY_SOCKET not set, skipping systemd notify")
	}
	conn, err := net.Dial("unixgram", addr) //nolint:gosec,noctx // addr comes from systemd; net has no context dial for unixgram
	if err != nil {
		return fmt.Errorf("systemd notify failed: dial failed: %w", err)
	}
	defer func() { _ = conn.Close() }()
	if _, err := conn.Write([]byte("READY=1")); err != nil {
		return fmt.Errorf("systemd notify failed: write failed: %w", err)
	}
	return nil
}
