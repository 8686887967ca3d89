package triageapi

import (
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/sift/internal/triage"
)

const (
	defaultListLimit      = 50
	defaultTimelineWindow = 60
)

func (a *API) handleListFlagged(w http.ResponseWriter, r *http.Request) {
	minSev, err := severityParam(r, "min_severity")
	if err != nil {
		a.fail(w, r, err, "")
		return
	}
	limit, err := intParam(r, "limit", defaultListLimit)
	if err != nil {
		a.fail(w, r, err, "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"transactions": nonNil(a.svc.ListFlagged(minSev, limit)),
	})
}

func (a *API) handleListDomains(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit", defaultListLimit)
	if err != nil {
		a.fail(w, r, err, "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"domains": nonNil(a.svc.ListDomains(limit)),
	})
}

func (a *API) handleGetTransaction(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("sift.transaction.id", id))

	at, err := a.svc.GetTransaction(r.Context(), id)
	if err != nil {
		a.fail(w, r, err, "failed to get transaction", "transaction_id", id)
		return
	}
	span.SetAttributes(attribute.String("sift.severity", at.Annotation.Severity.String()))
	writeJSON(w, http.StatusOK, at)
}

func (a *API) handleGetCorrelation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("sift.transaction.id", id))

	res, ok, err := a.svc.GetCorrelation(r.Context(), id)
	if err != nil {
		a.fail(w, r, err, "failed to get correlation", "transaction_id", id)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	span.SetAttributes(attribute.String("sift.verdict", string(res.Verdict)))
	writeJSON(w, http.StatusOK, res)
}

func (a *API) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := triage.SearchFilter{
		Host:        q.Get("host"),
		URL:         q.Get("url"),
		ContentType: q.Get("content_type"),
		Method:      q.Get("method"),
	}
	var err error
	ints := []struct {
		name string
		dst  *int
	}{
		{"status_min", &f.StatusMin},
		{"status_max", &f.StatusMax},
		{"limit", &f.Limit},
	}
	for _, p := range ints {
		if *p.dst, err = intParam(r, p.name, 0); err != nil {
			a.fail(w, r, err, "")
			return
		}
	}
	minSize, err := intParam(r, "min_size", 0)
	if err != nil {
		a.fail(w, r, err, "")
		return
	}
	maxSize, err := intParam(r, "max_size", 0)
	if err != nil {
		a.fail(w, r, err, "")
		return
	}
	f.MinSize, f.MaxSize = int64(minSize), int64(maxSize)
	if f.MinSeverity, err = severityParam(r, "min_severity"); err != nil {
		a.fail(w, r, err, "")
		return
	}

	txs := a.svc.Search(f)
	writeJSON(w, http.StatusOK, map[string]any{
		"count":        len(txs),
		"transactions": nonNil(txs),
	})
}

func (a *API) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.svc.Stats())
}

func (a *API) handleTimeline(w http.ResponseWriter, r *http.Request) {
	group, err := triage.ParseTimelineGroup(r.URL.Query().Get("group_by"))
	if err != nil {
		a.fail(w, r, err, "")
		return
	}
	minutes, err := intParam(r, "minutes", defaultTimelineWindow)
	if err != nil {
		a.fail(w, r, err, "")
		return
	}
	buckets, err := a.svc.Timeline(group, time.Duration(minutes)*time.Minute)
	if err != nil {
		a.fail(w, r, err, "failed to build timeline")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"group_by": group,
		"minutes":  minutes,
		"buckets":  nonNil(buckets),
	})
}

// nonNil keeps empty lists as [] rather than null on the wire.
func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
