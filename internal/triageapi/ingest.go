package triageapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/sift/internal/triage"
)

type batch struct {
	Transactions []json.RawMessage `json:"transactions"`
}

type rejected struct {
	Index int    `json:"index"`
	ID    string `json:"id,omitempty"`
	Field string `json:"field,omitempty"`
	Error string `json:"error"`
}

// handleIngest accepts a single submission or {"transactions":[...]}.
func (a *API) handleIngest(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "request too large")
		return
	}

	var b batch
	if err := json.Unmarshal(body, &b); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	single := b.Transactions == nil
	if single {
		b.Transactions = []json.RawMessage{body}
	}

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.Int("sift.ingest.batch_size", len(b.Transactions)))

	accepted := make([]*triage.SubmitResult, 0, len(b.Transactions))
	var rejects []rejected
	for i, raw := range b.Transactions {
		var sub triage.Submission
		if err := json.Unmarshal(raw, &sub); err != nil {
			rejects = append(rejects, rejected{Index: i, Error: "invalid payload"})
			continue
		}
		res, err := a.svc.Submit(r.Context(), &sub)
		var verr *triage.ValidationError
		switch {
		case err == nil:
			accepted = append(accepted, res)
		case errors.As(err, &verr):
			rejects = append(rejects, rejected{Index: i, ID: sub.ID, Field: verr.Field, Error: verr.Error()})
		default:
			a.fail(w, r, err, "submit failed", "transaction_id", sub.ID)
			return
		}
	}

	if single && len(rejects) == 1 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": rejects[0].Error, "field": rejects[0].Field})
		return
	}
	if len(accepted) == 0 && len(rejects) > 0 {
		writeJSON(w, http.StatusBadRequest, map[string]any{"accepted": accepted, "rejected": rejects})
		return
	}

	a.logger.Info(r.Context(), "transactions submitted",
		"accepted", len(accepted),
		"rejected", len(rejects),
	)
	writeJSON(w, http.StatusAccepted, map[string]any{
		"accepted": accepted,
		"rejected": rejects,
	})
}
