// Package triageapi exposes the triage service over HTTP.
package triageapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"
	"github.com/linnemanlabs/sift/internal/triage"
)

// maxRequestBytes bounds an ingest request; a batch carries bodies.
const maxRequestBytes = 64 << 20

// TriageService defines the business operations triageapi needs.
type TriageService interface {
	Submit(ctx context.Context, sub *triage.Submission) (*triage.SubmitResult, error)
	ListFlagged(minSeverity triage.Severity, limit int) []triage.FlaggedTransaction
	ListDomains(limit int) []triage.DomainRecord
	GetTransaction(ctx context.Context, id string) (*triage.AnnotatedTransaction, error)
	GetCorrelation(ctx context.Context, id string) (*triage.CorrelationResult, bool, error)
	NextForInvestigation() (triage.FlaggedTransaction, bool)
	InvestigateNext(ctx context.Context) (*triage.CorrelationResult, bool, error)
	ReportFindings(ctx context.Context, id string, findings []string) (*triage.CorrelationResult, error)
	ResetDispatch(ctx context.Context, id string) error
	Search(f triage.SearchFilter) []triage.FlaggedTransaction
	Timeline(groupBy triage.TimelineGroup, window time.Duration) ([]triage.TimelineBucket, error)
	Stats() triage.Stats
	Clear(ctx context.Context, confirm bool) error
}

// API holds dependencies for HTTP handlers.
type API struct {
	logger log.Logger
	svc    TriageService
}

// New creates a new API handler.
func New(logger log.Logger, svc TriageService) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if svc == nil {
		panic(xerrors.New("triage service is required"))
	}
	return &API{
		logger: logger,
		svc:    svc,
	}
}

// RegisterRoutes attaches API endpoints to the router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/transactions", a.handleIngest)
		r.Get("/transactions", a.handleSearch)
		r.Get("/transactions/{id}", a.handleGetTransaction)
		r.Post("/transactions/{id}/findings", a.handleReportFindings)
		r.Post("/transactions/{id}/reset", a.handleResetDispatch)

		r.Get("/flagged", a.handleListFlagged)
		r.Get("/domains", a.handleListDomains)
		r.Get("/correlations/{id}", a.handleGetCorrelation)

		r.Get("/investigations/next", a.handlePeekNext)
		r.Post("/investigations/next", a.handleInvestigateNext)

		r.Get("/stats", a.handleStats)
		r.Get("/timeline", a.handleTimeline)
		r.Post("/clear", a.handleClear)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// fail maps a service error to a response. Anything unrecognized is logged
// and reported as an opaque 500.
func (a *API) fail(w http.ResponseWriter, r *http.Request, err error, msg string, kv ...any) {
	var verr *triage.ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": verr.Error(), "field": verr.Field})
	case errors.Is(err, triage.ErrUnknownTransaction):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, triage.ErrConfirmRequired):
		writeError(w, http.StatusBadRequest, "confirm must be true")
	case errors.Is(err, triage.ErrStopped):
		writeError(w, http.StatusServiceUnavailable, "service unavailable")
	default:
		a.logger.Error(r.Context(), err, msg, kv...)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// intParam parses an optional integer query parameter.
func intParam(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, &triage.ValidationError{Field: name, Reason: "must be an integer"}
	}
	return n, nil
}

// severityParam parses an optional severity name. Empty means None.
func severityParam(r *http.Request, name string) (triage.Severity, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return triage.SeverityNone, nil
	}
	sev, ok := triage.ParseSeverity(v)
	if !ok {
		return 0, &triage.ValidationError{Field: name, Reason: "unknown severity " + strconv.Quote(v)}
	}
	return sev, nil
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return &triage.ValidationError{Field: "body", Reason: "invalid JSON payload"}
	}
	return nil
}
