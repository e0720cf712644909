package postgres

import (
	"context"
	"errors"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"
)

const modulePrefix = "github.com/linnemanlabs/ticketsmith/"

var observer atomic.Pointer[observerHolder]

type observerHolder struct{ QueryObserver }

// QueryObserver receives per-query timings (wired by main for Prometheus).
type QueryObserver interface {
	ObserveQuery(ctx context.Context, method, route, outcome string, dur time.Duration)
}

// QueryObserverFunc adapts a plain function to QueryObserver.
type QueryObserverFunc func(ctx context.Context, method, route, outcome string, dur time.Duration)

// ObserveQuery implements QueryObserver.
func (f QueryObserverFunc) ObserveQuery(ctx context.Context, method, route, outcome string, dur time.Duration) {
	f(ctx, method, route, outcome, dur)
}

// SetQueryObserver installs the process-wide query observer. Nil removes it.
func SetQueryObserver(o QueryObserver) {
	if o == nil {
		observer.Store(nil)
		return
	}
	observer.Store(&observerHolder{QueryObserver: o})
}

func currentObserver() QueryObserver {
	if h := observer.Load(); h != nil {
		return h.QueryObserver
	}
	return nil
}

// ReqDBStats accumulates the queries issued while serving one request.
type ReqDBStats struct {
	mu            sync.Mutex
	QueryCount    int
	TotalDuration time.Duration
	ErrorCount    int
}

// AddQuery records one query.
func (s *ReqDBStats) AddQuery(dur time.Duration, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.QueryCount++
	s.TotalDuration += dur
	if err != nil {
		s.ErrorCount++
	}
}

type (
	statsKey  struct{}
	methodKey struct{}
	traceKey  struct{}
)

// NewReqDBStatsContext attaches an empty ReqDBStats to ctx.
func NewReqDBStatsContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, statsKey{}, &ReqDBStats{})
}

// ReqDBStatsFromContext returns the stats attached by NewReqDBStatsContext.
func ReqDBStatsFromContext(ctx context.Context) (*ReqDBStats, bool) {
	s, ok := ctx.Value(statsKey{}).(*ReqDBStats)
	return s, ok
}

// WithHTTPMethod records the request method for query metric labels.
func WithHTTPMethod(ctx context.Context, method string) context.Context {
	if method == "" {
		return ctx
	}
	return context.WithValue(ctx, methodKey{}, method)
}

func labelsFromContext(ctx context.Context) (method, route string) {
	method, _ = ctx.Value(methodKey{}).(string)
	if method == "" {
		method = "UNKNOWN"
	}
	if rc := chi.RouteContext(ctx); rc != nil {
		route = rc.RoutePattern()
	}
	if route == "" {
		route = "background"
	}
	return method, route
}

// queryTrace is the per-query state carried from start to end.
type queryTrace struct {
	sql     string
	args    []any
	start   time.Time
	caller  string
	handler string
}

// loggingTracer wraps another pgx.QueryTracer (otelpgx) and emits one
// structured log line per query.
type loggingTracer struct {
	inner pgx.QueryTracer
}

func wrapQueryTracer(inner pgx.QueryTracer) pgx.QueryTracer {
	return loggingTracer{inner: inner}
}

func (t loggingTracer) TraceQueryStart(ctx context.Context, conn *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	qt := &queryTrace{sql: data.SQL, args: data.Args, start: time.Now()}
	qt.caller, qt.handler = callerAndHandler()

	if t.inner != nil {
		ctx = t.inner.TraceQueryStart(ctx, conn, data)
	}

	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		if qt.caller != "" {
			span.SetAttributes(attribute.String("db.caller", qt.caller))
		}
		if qt.handler != "" {
			span.SetAttributes(attribute.String("db.handler", qt.handler))
		}
	}
	return context.WithValue(ctx, traceKey{}, qt)
}

func (t loggingTracer) TraceQueryEnd(ctx context.Context, conn *pgx.Conn, data pgx.TraceQueryEndData) {
	if t.inner != nil {
		t.inner.TraceQueryEnd(ctx, conn, data)
	}

	qt, _ := ctx.Value(traceKey{}).(*queryTrace)
	if qt == nil {
		qt = &queryTrace{}
	}
	var dur time.Duration
	if !qt.start.IsZero() {
		dur = time.Since(qt.start)
	}

	if s, ok := ReqDBStatsFromContext(ctx); ok {
		s.AddQuery(dur, data.Err)
	}

	if obs := currentObserver(); obs != nil && dur > 0 {
		method, route := labelsFromContext(ctx)
		outcome := "ok"
		if data.Err != nil {
			outcome = "error"
		}
		obs.ObserveQuery(ctx, method, route, outcome, dur)
	}

	fields := queryFields(qt, dur, data)
	L := log.FromContext(ctx)
	if data.Err != nil {
		L.Error(ctx, data.Err, "db query failed", fields...)
		return
	}
	L.Info(ctx, "db query", fields...)
}

func queryFields(qt *queryTrace, dur time.Duration, data pgx.TraceQueryEndData) []any {
	fields := []any{
		"db.statement", qt.sql,
		"db.args", len(qt.args),
		"db.duration", dur.Seconds(),
	}
	if tag := strings.TrimSpace(data.CommandTag.String()); tag != "" {
		if op, _, _ := strings.Cut(tag, " "); op != "" {
			fields = append(fields, "db.operation.name", strings.ToUpper(op))
		}
		fields = append(fields, "pg.command_tag", tag, "db.rows", data.CommandTag.RowsAffected())
	}
	if qt.caller != "" {
		fields = append(fields, "db.caller", qt.caller)
	}
	if qt.handler != "" {
		fields = append(fields, "db.handler", qt.handler)
	}
	var pgErr *pgconn.PgError
	if errors.As(data.Err, &pgErr) {
		fields = append(fields, "db.error_code", pgErr.Code, "db.error_constraint", pgErr.ConstraintName)
	}
	return fields
}

// callerAndHandler walks the stack for the first application frame issuing
// the query and the first frame above it outside this package.
func callerAndHandler() (caller, handler string) {
	pcs := make([]uintptr, 32)
	n := runtime.Callers(3, pcs)
	frames := runtime.CallersFrames(pcs[:n])

	for {
		fr, more := frames.Next()
		if fn := fr.Function; !skipFrame(fn) {
			switch {
			case caller == "":
				caller = shortenFuncName(fn)
			case !strings.HasPrefix(fn, modulePrefix+"internal/postgres."):
				return caller, shortenFuncName(fn)
			}
		}
		if !more {
			return caller, handler
		}
	}
}

func skipFrame(fn string) bool {
	return fn == "" ||
		strings.HasPrefix(fn, "runtime.") ||
		strings.Contains(fn, "github.com/jackc/pgx/v5") ||
		strings.Contains(fn, "github.com/exaring/otelpgx") ||
		strings.Contains(fn, "loggingTracer.TraceQuery")
}

// shortenFuncName drops the import path and package name, keeping the
// receiver and method.
func shortenFuncName(fn string) string {
	if i := strings.LastIndex(fn, "/"); i >= 0 && i+1 < len(fn) {
		fn = fn[i+1:]
	}
	if _, rest, ok := strings.Cut(fn, "."); ok && rest != "" {
		fn = rest
	}
	return fn
}
