package triage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"
)

var tracer = otel.Tracer("github.com/linnemanlabs/sift/internal/triage")

const (
	DefaultQueueCapacity     = 1024
	DefaultIngestWorkers     = 4
	DefaultClassifierTimeout = 90 * time.Second
)

// ServiceHooks are optional callbacks for instrumentation. Nil fields are
// skipped.
type ServiceHooks struct {
	OnSubmit        func(result string)
	OnDrop          func(severity Severity)
	OnProcessed     func(outcome string, duration float64)
	OnPendingDepth  func(depth int)
	OnInvestigation func(verdict Verdict, degraded bool, duration float64)
	OnClassifier    func(outcome string, duration float64)
}

// ServiceOptions tunes a Service. Zero values take the defaults.
type ServiceOptions struct {
	Ledger            DispatchLedger
	Notifier          Notifier
	QueueCapacity     int
	Workers           int
	ClassifierTimeout time.Duration
	Hooks             ServiceHooks
}

// SubmitResult is the acknowledgment for one accepted submission. It does
// not mean aggregation has completed.
type SubmitResult struct {
	ID       string   `json:"id"`
	Severity Severity `json:"severity"`
	Dropped  string   `json:"dropped,omitempty"`
}

// Service is the business boundary for triage operations.
type Service struct {
	store      Store
	engine     *Engine
	dispatcher *Dispatcher
	classifier BehaviorClassifier
	ledger     DispatchLedger
	notifier   Notifier
	logger     log.Logger
	hooks      ServiceHooks

	classifierTimeout time.Duration
	workers           int

	pending *pendingQueue
	locks   keyLocks
	seq     atomic.Uint64
	dropped atomic.Uint64
	now     func() time.Time

	startOnce sync.Once
	stopOnce  sync.Once
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewService wires a service. Call Start before submitting.
func NewService(store Store, engine *Engine, classifier BehaviorClassifier, logger log.Logger, opts ServiceOptions) *Service {
	if store == nil {
		panic(xerrors.New("triage store is required"))
	}
	if engine == nil {
		panic(xerrors.New("triage engine is required"))
	}
	if classifier == nil {
		panic(xerrors.New("behavioral classifier is required"))
	}
	if logger == nil {
		logger = log.Nop()
	}
	if opts.Ledger == nil {
		opts.Ledger = NewMemoryLedger()
	}
	if opts.QueueCapacity <= 0 {
		opts.QueueCapacity = DefaultQueueCapacity
	}
	if opts.Workers <= 0 {
		opts.Workers = DefaultIngestWorkers
	}
	if opts.ClassifierTimeout <= 0 {
		opts.ClassifierTimeout = DefaultClassifierTimeout
	}

	return &Service{
		store:             store,
		engine:            engine,
		dispatcher:        NewDispatcher(engine, store, opts.Ledger, logger),
		classifier:        classifier,
		ledger:            opts.Ledger,
		notifier:          opts.Notifier,
		logger:            logger,
		hooks:             opts.Hooks.withDefaults(),
		classifierTimeout: opts.ClassifierTimeout,
		workers:           opts.Workers,
		pending:           newPendingQueue(opts.QueueCapacity),
		now:               time.Now,
	}
}

// Engine exposes the aggregate state for read-only collaborators such as
// investigation tools.
func (s *Service) Engine() *Engine { return s.engine }

// Start reloads persisted state and launches the ingest workers.
func (s *Service) Start(ctx context.Context) error {
	var err error
	s.startOnce.Do(func() {
		if err = s.restore(ctx); err != nil {
			return
		}
		wctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		s.cancel = cancel
		for i := 0; i < s.workers; i++ {
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.runWorker(wctx)
			}()
		}
		s.logger.Info(ctx, "triage service started",
			"workers", s.workers,
			"queue_capacity", s.pending.capacity,
		)
	})
	return err
}

// Stop refuses new submissions, lets the workers drain what is pending and
// waits for them until ctx is done.
func (s *Service) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() { s.pending.close() })

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		if s.cancel != nil {
			s.cancel()
		}
		return nil
	case <-ctx.Done():
		if s.cancel != nil {
			s.cancel()
		}
		return fmt.Errorf("triage service stop: %w", ctx.Err())
	}
}

// WaitIdle blocks until no submission is pending or being processed.
func (s *Service) WaitIdle(ctx context.Context) error {
	t := time.NewTicker(5 * time.Millisecond)
	defer t.Stop()
	for !s.pending.idle() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	return nil
}

// restore rebuilds engine state from the store and the ledger in parallel.
func (s *Service) restore(ctx context.Context) error {
	var (
		txs        []*AnnotatedTransaction
		results    []*CorrelationResult
		dispatched []string
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		txs, err = s.store.ListTransactions(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		results, err = s.store.ListCorrelations(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		dispatched, err = s.ledger.Members(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return fmt.Errorf("restore triage state: %w", err)
	}

	maxSeq := s.engine.restore(txs, results, dispatched)
	if maxSeq > s.seq.Load() {
		s.seq.Store(maxSeq)
	}
	if len(txs) > 0 {
		s.logger.Info(ctx, "restored triage state",
			"transactions", len(txs),
			"correlations", len(results),
			"dispatched", len(dispatched),
		)
	}
	return nil
}

// Submit validates and classifies sub, then queues it for aggregation. It
// never blocks on capacity: when the queue is full the lowest-severity
// pending item is dropped and logged, and the caller is still acknowledged.
func (s *Service) Submit(ctx context.Context, sub *Submission) (*SubmitResult, error) {
	v, err := validateSubmission(sub)
	if err != nil {
		s.hooks.OnSubmit("invalid")
		return nil, err
	}

	received := s.now().UTC()
	tx := v.transaction(received)
	item := &pendingItem{
		tx:         tx,
		reqBody:    v.reqBody,
		respBody:   v.respBody,
		annotation: s.engine.Classify(tx.RawAnnotation),
		seq:        s.seq.Add(1),
		receivedAt: received,
	}

	dropped, ok := s.pending.push(item)
	if !ok {
		s.hooks.OnSubmit("stopped")
		return nil, ErrStopped
	}

	res := &SubmitResult{ID: tx.ID, Severity: item.annotation.Severity}
	if dropped != nil {
		s.dropped.Add(1)
		res.Dropped = dropped.tx.ID
		s.hooks.OnDrop(dropped.annotation.Severity)
		s.logger.Warn(ctx, "pending transaction dropped",
			"error", ErrCapacityExceeded,
			"transaction_id", dropped.tx.ID,
			"host", dropped.tx.Host,
			"severity", dropped.annotation.Severity,
			"capacity", s.pending.capacity,
		)
	}

	depth := s.pending.depth()
	if depth > s.pending.capacity {
		s.logger.Warn(ctx, "pending queue over capacity with protected items",
			"transaction_id", tx.ID,
			"severity", item.annotation.Severity,
			"depth", depth,
			"capacity", s.pending.capacity,
		)
	}

	s.hooks.OnSubmit("accepted")
	s.hooks.OnPendingDepth(depth)
	return res, nil
}

func (s *Service) runWorker(ctx context.Context) {
	for {
		it, ok := s.pending.pop(ctx)
		if !ok {
			return
		}
		s.process(ctx, it)
		s.pending.done()
		s.hooks.OnPendingDepth(s.pending.depth())
	}
}

// process persists one item and folds it into the engine. A store failure
// leaves engine state untouched.
func (s *Service) process(ctx context.Context, it *pendingItem) {
	start := time.Now()
	id := it.tx.ID
	unlock := s.locks.lock(id)
	defer unlock()

	outcome := "applied"
	defer func() {
		s.hooks.OnProcessed(outcome, time.Since(start).Seconds())
	}()

	s.engine.gate.RLock()
	defer s.engine.gate.RUnlock()

	if cur, ok := s.engine.seqOf(id); ok && cur > it.seq {
		outcome = "stale"
		return
	}

	policy := &s.engine.policy
	applyBodyPolicy(it.tx, it.reqBody, it.respBody, policy)

	at := &AnnotatedTransaction{
		Transaction: it.tx,
		Annotation:  it.annotation,
		ReceivedAt:  it.receivedAt,
		Seq:         it.seq,
	}
	if err := s.store.PutTransaction(ctx, at); err != nil {
		outcome = "store_error"
		s.logger.Error(ctx, err, "failed to persist transaction",
			"transaction_id", id,
			"host", it.tx.Host,
			"severity", it.annotation.Severity,
		)
		return
	}
	if !s.engine.apply(at) {
		outcome = "stale"
	}
}

// ListFlagged returns flagged transactions in triage order.
func (s *Service) ListFlagged(minSeverity Severity, limit int) []FlaggedTransaction {
	return s.engine.ListFlagged(minSeverity, limit)
}

// ListDomains returns domain records in rank order.
func (s *Service) ListDomains(limit int) []DomainRecord {
	return s.engine.TopDomains(limit)
}

// GetTransaction returns the full stored transaction, bodies included.
func (s *Service) GetTransaction(ctx context.Context, id string) (*AnnotatedTransaction, error) {
	at, ok, err := s.store.GetTransaction(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get transaction %s: %w", id, err)
	}
	if !ok {
		return nil, fmt.Errorf("get transaction %s: %w", id, ErrUnknownTransaction)
	}
	return at, nil
}

// GetCorrelation returns the latest correlation for a transaction.
func (s *Service) GetCorrelation(ctx context.Context, id string) (*CorrelationResult, bool, error) {
	if res, ok := s.engine.Correlation(id); ok {
		return res, true, nil
	}
	res, ok, err := s.store.GetCorrelation(ctx, id)
	if err != nil {
		return nil, false, fmt.Errorf("get correlation %s: %w", id, err)
	}
	return res, ok, nil
}

// NextForInvestigation peeks at the transaction InvestigateNext would pick.
func (s *Service) NextForInvestigation() (FlaggedTransaction, bool) {
	return s.dispatcher.Peek()
}

// InvestigateNext claims the highest-priority undispatched transaction,
// asks the behavioral classifier for findings and records the correlation.
// It returns ok=false when nothing is left to investigate. A classifier
// timeout or failure yields a degraded Unconfirmed result rather than an
// error; caller cancellation releases the claim and records nothing.
func (s *Service) InvestigateNext(ctx context.Context) (*CorrelationResult, bool, error) {
	ft, ok, err := s.dispatcher.Next(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("investigate next: %w", err)
	}
	if !ok {
		return nil, false, nil
	}
	id := ft.Transaction.ID

	ctx, span := tracer.Start(ctx, "triage.investigate", trace.WithAttributes(
		attribute.String("sift.transaction.id", id),
		attribute.String("sift.transaction.host", ft.Transaction.Host),
		attribute.String("sift.severity", ft.Annotation.Severity.String()),
	))
	defer span.End()

	L := s.logger.With(
		"transaction_id", id,
		"host", ft.Transaction.Host,
		"severity", ft.Annotation.Severity,
	)
	start := time.Now()

	res, err := s.investigate(ctx, L, ft)
	if err != nil {
		s.dispatcher.Abandon(ctx, id)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, false, err
	}

	span.SetAttributes(
		attribute.String("sift.verdict", string(res.Verdict)),
		attribute.Float64("sift.confidence", res.Confidence),
		attribute.Bool("sift.degraded", res.Degraded),
	)
	s.hooks.OnInvestigation(res.Verdict, res.Degraded, time.Since(start).Seconds())
	s.notify(ctx, &ft.Transaction, res)
	return res, true, nil
}

func (s *Service) investigate(ctx context.Context, L log.Logger, ft FlaggedTransaction) (*CorrelationResult, error) {
	id := ft.Transaction.ID
	at, ok, err := s.store.GetTransaction(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load transaction %s: %w", id, err)
	}
	if !ok {
		return nil, fmt.Errorf("load transaction %s: %w", id, ErrUnknownTransaction)
	}

	cctx, cancel := context.WithTimeout(ctx, s.classifierTimeout)
	defer cancel()

	cstart := time.Now()
	findings, cerr := s.classify(cctx, at.Transaction, ft.Annotation)
	dur := time.Since(cstart).Seconds()

	// caller went away: discard whatever the classifier produced
	if ctx.Err() != nil {
		s.hooks.OnClassifier("canceled", dur)
		L.Warn(ctx, "investigation canceled", "error", ctx.Err())
		return nil, ctx.Err()
	}

	// findings that arrive after the deadline are not trusted
	timedOut := errors.Is(cctx.Err(), context.DeadlineExceeded) ||
		errors.Is(cerr, ErrClassifierTimeout) ||
		errors.Is(cerr, context.DeadlineExceeded)

	switch {
	case timedOut:
		s.hooks.OnClassifier("timeout", dur)
		L.Warn(ctx, "behavioral classifier timed out, recording degraded result",
			"timeout", s.classifierTimeout.String(),
		)
		return s.dispatcher.Degrade(ctx, id, ReasonClassifierTimeout)
	case cerr != nil:
		s.hooks.OnClassifier("error", dur)
		L.Error(ctx, cerr, "behavioral classifier failed, recording degraded result")
		return s.dispatcher.Degrade(ctx, id, ReasonClassifierError)
	default:
		s.hooks.OnClassifier("success", dur)
		return s.dispatcher.ReportFindings(ctx, id, findings)
	}
}

type classified struct {
	findings []string
	err      error
}

// classify runs the classifier and stops waiting once ctx is done, so a
// classifier that ignores its context cannot hold the investigation past
// the deadline. The abandoned call finishes in the background.
func (s *Service) classify(ctx context.Context, tx *Transaction, ann ThreatAnnotation) ([]string, error) {
	done := make(chan classified, 1)
	go func() {
		findings, err := s.classifier.Classify(ctx, tx, ann)
		done <- classified{findings: findings, err: err}
	}()
	select {
	case r := <-done:
		return r.findings, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ReportFindings records externally obtained findings for a transaction.
func (s *Service) ReportFindings(ctx context.Context, id string, findings []string) (*CorrelationResult, error) {
	res, err := s.dispatcher.ReportFindings(ctx, id, findings)
	if err != nil {
		return nil, err
	}
	s.hooks.OnInvestigation(res.Verdict, res.Degraded, 0)
	if ft, ok := s.engine.Lookup(id); ok {
		s.notify(ctx, &ft.Transaction, res)
	}
	return res, nil
}

// ResetDispatch makes a transaction eligible for investigation again.
func (s *Service) ResetDispatch(ctx context.Context, id string) error {
	return s.dispatcher.Reset(ctx, id)
}

// Search filters ingested transactions.
func (s *Service) Search(f SearchFilter) []FlaggedTransaction {
	return s.engine.Search(f)
}

// Timeline buckets recent transactions.
func (s *Service) Timeline(groupBy TimelineGroup, window time.Duration) ([]TimelineBucket, error) {
	return s.engine.Timeline(groupBy, window, s.now())
}

// Stats summarizes the current state.
func (s *Service) Stats() Stats {
	st := s.engine.Stats()
	st.Pending = s.pending.depth()
	st.Dropped = s.dropped.Load()
	return st
}

// Clear drops every transaction, correlation, domain record and dispatch
// mark, as well as pending submissions. confirm must be true. It waits for
// in-progress ingest writes and correlation records to finish, and neither
// can land afterwards for a transaction that was cleared. Investigations
// still running keep their claim and fail with ErrUnknownTransaction when
// they try to record.
func (s *Service) Clear(ctx context.Context, confirm bool) error {
	if !confirm {
		return ErrConfirmRequired
	}
	s.engine.gate.Lock()
	defer s.engine.gate.Unlock()

	pending := s.pending.clear()
	if err := s.store.Clear(ctx); err != nil {
		return fmt.Errorf("clear store: %w", err)
	}
	if err := s.ledger.Clear(ctx); err != nil {
		return fmt.Errorf("clear dispatch ledger: %w", err)
	}
	s.engine.reset()
	s.logger.Warn(ctx, "triage state cleared", "pending_dropped", pending)
	return nil
}

func (s *Service) notify(ctx context.Context, tx *TransactionSummary, res *CorrelationResult) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Send(ctx, tx, res); err != nil {
		s.logger.Error(ctx, err, "failed to send notification", "transaction_id", tx.ID)
	}
}

func (h ServiceHooks) withDefaults() ServiceHooks {
	if h.OnSubmit == nil {
		h.OnSubmit = func(string) {}
	}
	if h.OnDrop == nil {
		h.OnDrop = func(Severity) {}
	}
	if h.OnProcessed == nil {
		h.OnProcessed = func(string, float64) {}
	}
	if h.OnPendingDepth == nil {
		h.OnPendingDepth = func(int) {}
	}
	if h.OnInvestigation == nil {
		h.OnInvestigation = func(Verdict, bool, float64) {}
	}
	if h.OnClassifier == nil {
		h.OnClassifier = func(string, float64) {}
	}
	return h
}
