package triageapi

import (
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/sift/internal/triage"
)

func (a *API) handlePeekNext(w http.ResponseWriter, _ *http.Request) {
	ft, ok := a.svc.NextForInvestigation()
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, ft)
}

// handleInvestigateNext runs one investigation inline. The request context
// bounds it: a client that disconnects releases the claim.
func (a *API) handleInvestigateNext(w http.ResponseWriter, r *http.Request) {
	res, ok, err := a.svc.InvestigateNext(r.Context())
	if err != nil {
		if r.Context().Err() != nil {
			a.logger.Warn(r.Context(), "investigation abandoned by client", "error", err)
			return
		}
		a.fail(w, r, err, "investigation failed")
		return
	}
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	trace.SpanFromContext(r.Context()).SetAttributes(
		attribute.String("sift.transaction.id", res.TransactionID),
		attribute.String("sift.verdict", string(res.Verdict)),
	)
	writeJSON(w, http.StatusOK, res)
}

type findingsRequest struct {
	Findings []string `json:"findings"`
}

func (a *API) handleReportFindings(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req findingsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		a.fail(w, r, err, "")
		return
	}
	if req.Findings == nil {
		a.fail(w, r, &triage.ValidationError{Field: "findings", Reason: "must be a list"}, "")
		return
	}
	res, err := a.svc.ReportFindings(r.Context(), id, req.Findings)
	if err != nil {
		a.fail(w, r, err, "failed to report findings", "transaction_id", id)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) handleResetDispatch(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := a.svc.ResetDispatch(r.Context(), id); err != nil {
		a.fail(w, r, err, "failed to reset dispatch", "transaction_id", id)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type clearRequest struct {
	Confirm bool `json:"confirm"`
}

func (a *API) handleClear(w http.ResponseWriter, r *http.Request) {
	var req clearRequest
	if err := decodeJSON(w, r, &req); err != nil {
		a.fail(w, r, err, "")
		return
	}
	if err := a.svc.Clear(r.Context(), req.Confirm); err != nil {
		a.fail(w, r, err, "failed to clear state")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
