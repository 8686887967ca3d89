package postgres

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"
)

// maxLoggedArg caps a logged bind argument; transaction rows carry captured
// bodies of up to several megabytes.
const maxLoggedArg = 256

// queryState is stashed in the context between TraceQueryStart and
// TraceQueryEnd.
type queryState struct {
	sql     string
	args    []any
	start   time.Time
	caller  string
	handler string
}

type queryStateKey struct{}

// loggingTracer wraps another pgx.QueryTracer (e.g. otelpgx), feeds the
// query observer and request stats, and logs every failed query and every
// query slower than minDuration. A zero minDuration logs all queries.
type loggingTracer struct {
	inner       pgx.QueryTracer
	minDuration time.Duration
}

// wrapQueryTracer wraps an inner tracer with structured logging.
func wrapQueryTracer(inner pgx.QueryTracer, minDuration time.Duration) pgx.QueryTracer {
	return loggingTracer{inner: inner, minDuration: minDuration}
}

func (t loggingTracer) TraceQueryStart(ctx context.Context, conn *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	st := &queryState{sql: data.SQL, args: data.Args, start: time.Now()}
	st.caller, st.handler = findDBCallerAndHandler()

	// Let inner tracer (otelpgx) create its span first.
	if t.inner != nil {
		ctx = t.inner.TraceQueryStart(ctx, conn, data)
	}

	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		attrs := make([]attribute.KeyValue, 0, 2)
		if st.caller != "" {
			attrs = append(attrs, attribute.String("db.caller", st.caller))
		}
		if st.handler != "" {
			attrs = append(attrs, attribute.String("db.handler", st.handler))
		}
		span.SetAttributes(attrs...)
	}

	return context.WithValue(ctx, queryStateKey{}, st)
}

func (t loggingTracer) TraceQueryEnd(ctx context.Context, conn *pgx.Conn, data pgx.TraceQueryEndData) {
	// Always call inner tracer first so spans are finished correctly.
	if t.inner != nil {
		t.inner.TraceQueryEnd(ctx, conn, data)
	}

	st, ok := ctx.Value(queryStateKey{}).(*queryState)
	if !ok {
		return
	}
	dur := time.Since(st.start)
	op := operationOf(data.CommandTag.String(), st.sql)

	if s, ok := ReqDBStatsFromContext(ctx); ok {
		s.AddQuery(dur, data.Err)
	}

	if obs := getQueryObserver(); obs != nil {
		outcome := "ok"
		if data.Err != nil {
			outcome = "error"
		}
		obs.ObserveQuery(ctx, queryOrigin(ctx, st.handler), op, outcome, dur)
	}

	if t.minDuration > 0 && dur < t.minDuration && data.Err == nil {
		return
	}

	fields := []any{
		"db.statement", st.sql,
		"db.args", summarizeArgs(st.args),
		"db.duration", dur.Seconds(),
		"db.operation.name", op,
	}
	if tag := strings.TrimSpace(data.CommandTag.String()); tag != "" {
		fields = append(fields, "pg.command_tag", tag, "db.rows", data.CommandTag.RowsAffected())
	}
	if st.caller != "" {
		fields = append(fields, "db.caller", st.caller)
	}
	if st.handler != "" {
		fields = append(fields, "db.handler", st.handler)
	}

	L := log.FromContext(ctx)
	if data.Err != nil {
		var pgErr *pgconn.PgError
		if errors.As(data.Err, &pgErr) {
			fields = append(fields,
				"db.error_code", pgErr.Code,
				"db.error_constraint", pgErr.ConstraintName,
			)
		}
		L.Error(ctx, data.Err, "db query failed", fields...)
		return
	}
	L.Info(ctx, "db query", fields...)
}

// operationOf takes the verb from the command tag, or from the statement
// when the query failed before producing one.
func operationOf(tag, sql string) string {
	src := strings.TrimSpace(tag)
	if src == "" {
		src = strings.TrimSpace(sql)
	}
	verb, _, _ := strings.Cut(src, " ")
	if verb == "" {
		return "UNKNOWN"
	}
	return strings.ToUpper(verb)
}

// summarizeArgs replaces large string and byte arguments with their size.
func summarizeArgs(args []any) []any {
	out := make([]any, len(args))
	for i, a := range args {
		switch v := a.(type) {
		case string:
			if len(v) > maxLoggedArg {
				a = fmt.Sprintf("<%d bytes>", len(v))
			}
		case []byte:
			if len(v) > maxLoggedArg {
				a = fmt.Sprintf("<%d bytes>", len(v))
			}
		}
		out[i] = a
	}
	return out
}

// findDBCallerAndHandler walks the stack to find:
//   - caller: the store method actually issuing the query
//   - handler: the next application frame above it (service, dispatcher or
//     API handler)
func findDBCallerAndHandler() (caller, handler string) {
	pcs := make([]uintptr, 32)
	n := runtime.Callers(3, pcs)
	frames := runtime.CallersFrames(pcs[:n])

	for {
		fr, more := frames.Next()
		fn := fr.Function

		switch {
		case fn == "":
		case strings.HasPrefix(fn, "runtime."),
			strings.Contains(fn, "github.com/jackc/pgx/v5"),
			strings.Contains(fn, "github.com/exaring/otelpgx"),
			strings.Contains(fn, "loggingTracer.TraceQuery"):
		case caller == "":
			caller = shortenFuncName(fn)
		case strings.Contains(fn, "/internal/triage/pgstore."),
			strings.Contains(fn, "/internal/postgres."):
			// store helpers below the method that matters
		default:
			return caller, shortenFuncName(fn)
		}

		if !more {
			return caller, handler
		}
	}
}

func shortenFuncName(fn string) string {
	// Trim package path.
	if i := strings.LastIndex(fn, "/"); i >= 0 && i+1 < len(fn) {
		fn = fn[i+1:]
	}
	// Trim package name, keep receiver + method.
	if dot := strings.Index(fn, "."); dot >= 0 && dot+1 < len(fn) {
		fn = fn[dot+1:]
	}
	return fn
}
