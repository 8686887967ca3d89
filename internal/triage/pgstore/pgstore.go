// Package pgstore provides a PostgreSQL implementation of triage.Store.
package pgstore

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/sift/internal/triage"
)

var tracer = otel.Tracer("github.com/linnemanlabs/sift/internal/triage/pgstore")

//go:embed schema.sql
var schema string

// Store persists transactions and correlation history in PostgreSQL.
// Every correlation is kept; reads return the most recent per transaction.
type Store struct {
	pool *pgxpool.Pool
}

// New applies the schema on pool and returns a ready Store. The caller owns
// the pool.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

func startSpan(ctx context.Context, name, op string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", op),
	))
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// PutTransaction upserts at. The row is left alone when the stored version
// has a higher sequence.
func (s *Store) PutTransaction(ctx context.Context, at *triage.AnnotatedTransaction) error {
	ctx, span := startSpan(ctx, "pgstore.PutTransaction", "UPSERT")
	defer span.End()

	txJSON, err := json.Marshal(at.Transaction)
	if err != nil {
		return fail(span, fmt.Errorf("marshal transaction: %w", err))
	}
	annJSON, err := json.Marshal(at.Annotation)
	if err != nil {
		return fail(span, fmt.Errorf("marshal annotation: %w", err))
	}

	query := `INSERT INTO transactions (id, seq, host, ts, severity, received_at, transaction, annotation)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	ON CONFLICT (id) DO UPDATE SET
		seq         = EXCLUDED.seq,
		host        = EXCLUDED.host,
		ts          = EXCLUDED.ts,
		severity    = EXCLUDED.severity,
		received_at = EXCLUDED.received_at,
		transaction = EXCLUDED.transaction,
		annotation  = EXCLUDED.annotation
	WHERE transactions.seq <= EXCLUDED.seq`

	tx := at.Transaction
	_, err = s.pool.Exec(ctx, query,
		tx.ID, int64(at.Seq), tx.Host, tx.Timestamp, at.Annotation.Severity.String(), at.ReceivedAt,
		txJSON, annJSON,
	)
	if err != nil {
		return fail(span, fmt.Errorf("upsert transaction %s: %w", tx.ID, err))
	}
	return nil
}

// GetTransaction retrieves a transaction by ID.
func (s *Store) GetTransaction(ctx context.Context, id string) (*triage.AnnotatedTransaction, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.GetTransaction", "SELECT")
	defer span.End()

	row := s.pool.QueryRow(ctx,
		`SELECT seq, received_at, transaction, annotation FROM transactions WHERE id = $1`, id)
	at, err := scanTransaction(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fail(span, err)
	}
	return at, true, nil
}

// ListTransactions returns every stored transaction.
func (s *Store) ListTransactions(ctx context.Context) ([]*triage.AnnotatedTransaction, error) {
	ctx, span := startSpan(ctx, "pgstore.ListTransactions", "SELECT")
	defer span.End()

	rows, err := s.pool.Query(ctx,
		`SELECT seq, received_at, transaction, annotation FROM transactions ORDER BY seq`)
	if err != nil {
		return nil, fail(span, fmt.Errorf("query transactions: %w", err))
	}
	defer rows.Close()

	var out []*triage.AnnotatedTransaction
	for rows.Next() {
		at, err := scanTransaction(rows)
		if err != nil {
			return nil, fail(span, err)
		}
		out = append(out, at)
	}
	if err := rows.Err(); err != nil {
		return nil, fail(span, fmt.Errorf("iterate transactions: %w", err))
	}
	span.SetAttributes(attribute.Int("db.rows", len(out)))
	return out, nil
}

func scanTransaction(row pgx.Row) (*triage.AnnotatedTransaction, error) {
	var (
		seq        int64
		receivedAt time.Time
		txJSON     []byte
		annJSON    []byte
	)
	if err := row.Scan(&seq, &receivedAt, &txJSON, &annJSON); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan transaction: %w", err)
	}

	at := &triage.AnnotatedTransaction{
		Transaction: &triage.Transaction{},
		ReceivedAt:  receivedAt.UTC(),
		Seq:         uint64(seq), //nolint:gosec // seq is written from a uint64 counter
	}
	if err := json.Unmarshal(txJSON, at.Transaction); err != nil {
		return nil, fmt.Errorf("unmarshal transaction: %w", err)
	}
	if err := json.Unmarshal(annJSON, &at.Annotation); err != nil {
		return nil, fmt.Errorf("unmarshal annotation: %w", err)
	}
	return at, nil
}

// PutCorrelation appends res to the correlation history.
func (s *Store) PutCorrelation(ctx context.Context, res *triage.CorrelationResult) error {
	ctx, span := startSpan(ctx, "pgstore.PutCorrelation", "INSERT")
	defer span.End()

	resJSON, err := json.Marshal(res)
	if err != nil {
		return fail(span, fmt.Errorf("marshal correlation: %w", err))
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO correlations (id, transaction_id, verdict, confidence, degraded, correlated_at, result)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		res.ID, res.TransactionID, string(res.Verdict), res.Confidence, res.Degraded, res.CorrelatedAt, resJSON,
	)
	if err != nil {
		return fail(span, fmt.Errorf("insert correlation %s: %w", res.ID, err))
	}
	return nil
}

// GetCorrelation returns the most recent correlation for a transaction.
func (s *Store) GetCorrelation(ctx context.Context, transactionID string) (*triage.CorrelationResult, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.GetCorrelation", "SELECT")
	defer span.End()

	row := s.pool.QueryRow(ctx,
		`SELECT result FROM correlations WHERE transaction_id = $1
		 ORDER BY correlated_at DESC, id DESC LIMIT 1`, transactionID)
	res, err := scanCorrelation(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fail(span, err)
	}
	return res, true, nil
}

// ListCorrelations returns the most recent correlation per transaction.
func (s *Store) ListCorrelations(ctx context.Context) ([]*triage.CorrelationResult, error) {
	ctx, span := startSpan(ctx, "pgstore.ListCorrelations", "SELECT")
	defer span.End()

	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT ON (transaction_id) result FROM correlations
		 ORDER BY transaction_id, correlated_at DESC, id DESC`)
	if err != nil {
		return nil, fail(span, fmt.Errorf("query correlations: %w", err))
	}
	defer rows.Close()

	var out []*triage.CorrelationResult
	for rows.Next() {
		res, err := scanCorrelation(rows)
		if err != nil {
			return nil, fail(span, err)
		}
		out = append(out, res)
	}
	if err := rows.Err(); err != nil {
		return nil, fail(span, fmt.Errorf("iterate correlations: %w", err))
	}
	span.SetAttributes(attribute.Int("db.rows", len(out)))
	return out, nil
}

func scanCorrelation(row pgx.Row) (*triage.CorrelationResult, error) {
	var resJSON []byte
	if err := row.Scan(&resJSON); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan correlation: %w", err)
	}
	var res triage.CorrelationResult
	if err := json.Unmarshal(resJSON, &res); err != nil {
		return nil, fmt.Errorf("unmarshal correlation: %w", err)
	}
	return &res, nil
}

// Clear truncates both tables.
func (s *Store) Clear(ctx context.Context) error {
	ctx, span := startSpan(ctx, "pgstore.Clear", "TRUNCATE")
	defer span.End()

	if _, err := s.pool.Exec(ctx, `TRUNCATE transactions, correlations`); err != nil {
		return fail(span, fmt.Errorf("truncate: %w", err))
	}
	return nil
}
