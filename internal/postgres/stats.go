package postgres

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

type dbStatsKey struct{}

// ReqDBStats accumulates the queries issued while serving one request.
type ReqDBStats struct {
	mu            sync.Mutex
	queryCount    int
	totalDuration time.Duration
	errorCount    int
}

// AddQuery records a single query execution.
func (s *ReqDBStats) AddQuery(dur time.Duration, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queryCount++
	s.totalDuration += dur
	if err != nil {
		s.errorCount++
	}
}

// Snapshot returns the totals so far.
func (s *ReqDBStats) Snapshot() (queries int, total time.Duration, errs int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queryCount, s.totalDuration, s.errorCount
}

// NewReqDBStatsContext returns a new context with an empty ReqDBStats attached.
func NewReqDBStatsContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, dbStatsKey{}, &ReqDBStats{})
}

// ReqDBStatsFromContext extracts the ReqDBStats from the context, if present.
func ReqDBStatsFromContext(ctx context.Context) (*ReqDBStats, bool) {
	s, ok := ctx.Value(dbStatsKey{}).(*ReqDBStats)
	return s, ok
}

// RequestStats attaches a ReqDBStats to each request and records the totals
// on the request span once the handler returns. Requests served from memory
// issue no queries and get no attributes.
func RequestStats(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := NewReqDBStatsContext(r.Context())
		next.ServeHTTP(w, r.WithContext(ctx))

		stats, _ := ReqDBStatsFromContext(ctx)
		n, total, errs := stats.Snapshot()
		if n == 0 {
			return
		}
		if span := trace.SpanFromContext(ctx); span.IsRecording() {
			span.SetAttributes(
				attribute.Int("db.query_count", n),
				attribute.Float64("db.total_duration_seconds", total.Seconds()),
				attribute.Int("db.error_count", errs),
			)
		}
	})
}
