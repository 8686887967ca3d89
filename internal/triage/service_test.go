package triage

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/linnemanlabs/go-core/log"
)

// mockStore implements Store for testing.
type mockStore struct {
	mu           sync.Mutex
	txs          map[string]*AnnotatedTransaction
	correlations map[string]*CorrelationResult
	putErr       error
	corrErr      error
	puts         int
}

func newMockStore() *mockStore {
	return &mockStore{
		txs:          make(map[string]*AnnotatedTransaction),
		correlations: make(map[string]*CorrelationResult),
	}
}

func (m *mockStore) PutTransaction(_ context.Context, at *AnnotatedTransaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.puts++
	if m.putErr != nil {
		return m.putErr
	}
	if prev, ok := m.txs[at.Transaction.ID]; ok && prev.Seq > at.Seq {
		return nil
	}
	m.txs[at.Transaction.ID] = at.Clone()
	return nil
}

func (m *mockStore) GetTransaction(_ context.Context, id string) (*AnnotatedTransaction, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	at, ok := m.txs[id]
	if !ok {
		return nil, false, nil
	}
	return at.Clone(), true, nil
}

func (m *mockStore) ListTransactions(_ context.Context) ([]*AnnotatedTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*AnnotatedTransaction, 0, len(m.txs))
	for _, at := range m.txs {
		out = append(out, at.Clone())
	}
	return out, nil
}

func (m *mockStore) PutCorrelation(_ context.Context, res *CorrelationResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.corrErr != nil {
		return m.corrErr
	}
	m.correlations[res.TransactionID] = res.Clone()
	return nil
}

func (m *mockStore) GetCorrelation(_ context.Context, id string) (*CorrelationResult, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	res, ok := m.correlations[id]
	if !ok {
		return nil, false, nil
	}
	return res.Clone(), true, nil
}

func (m *mockStore) ListCorrelations(_ context.Context) ([]*CorrelationResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*CorrelationResult, 0, len(m.correlations))
	for _, r := range m.correlations {
		out = append(out, r.Clone())
	}
	return out, nil
}

func (m *mockStore) Clear(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.txs = make(map[string]*AnnotatedTransaction)
	m.correlations = make(map[string]*CorrelationResult)
	return nil
}

// staticClassifier returns fixed findings, or blocks until ctx is done when
// block is set.
type staticClassifier struct {
	findings []string
	err      error
	block    bool
	mu       sync.Mutex
	calls    []string
}

func (c *staticClassifier) Classify(ctx context.Context, tx *Transaction, _ ThreatAnnotation) ([]string, error) {
	c.mu.Lock()
	c.calls = append(c.calls, tx.ID)
	c.mu.Unlock()
	if c.block {
		<-ctx.Done()
		return []string{"partial-finding"}, ctx.Err()
	}
	return c.findings, c.err
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []string
}

func (n *recordingNotifier) Send(_ context.Context, tx *TransactionSummary, _ *CorrelationResult) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, tx.ID)
	return nil
}

func newTestService(t *testing.T, store Store, classifier BehaviorClassifier, opts ServiceOptions) *Service {
	t.Helper()
	engine, err := NewEngine(DefaultPolicy())
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	svc := NewService(store, engine, classifier, log.Nop(), opts)
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svc.Stop(ctx)
	})
	return svc
}

func waitIdle(t *testing.T, svc *Service) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := svc.WaitIdle(ctx); err != nil {
		t.Fatalf("WaitIdle: %v", err)
	}
}

func sub(id, host, annotation string, offset time.Duration) *Submission {
	body := "<script>var x = 1;</script>"
	return &Submission{
		ID:               id,
		Timestamp:        baseTime.Add(offset),
		Method:           "GET",
		URL:              "http://" + host + "/index.html",
		Host:             host,
		StatusCode:       json.RawMessage(`200`),
		ContentType:      "text/html",
		ContentLength:    int64(len(body)),
		ResponseBody:     &body,
		EKFiddleComments: annotation,
	}
}

// submitScenario ingests the three-host scenario.
func submitScenario(t *testing.T, svc *Service) {
	t.Helper()
	ctx := context.Background()
	for _, s := range []*Submission{
		sub("tx-tracking", "tracking.adnetwork.io", "Medium: Suspicious redirect chain detected", 0),
		sub("tx-cdn", "cdn.malicious-ads.com", "High: JavaScript obfuscation with eval()", time.Second),
		sub("tx-evil", "evil.example.org", "Critical: Known malware distribution site", 2*time.Second),
		sub("tx-clean", "benign.example.net", "", 3*time.Second),
	} {
		if _, err := svc.Submit(ctx, s); err != nil {
			t.Fatalf("Submit %s: %v", s.ID, err)
		}
	}
	waitIdle(t, svc)
}

func TestService_ListFlaggedScenario(t *testing.T) {
	t.Parallel()

	svc := newTestService(t, newMockStore(), &staticClassifier{}, ServiceOptions{})
	submitScenario(t, svc)

	flagged := svc.ListFlagged(SeverityNone, 10)
	var hosts []string
	for _, f := range flagged {
		hosts = append(hosts, f.Transaction.Host)
	}
	want := []string{"evil.example.org", "cdn.malicious-ads.com", "tracking.adnetwork.io"}
	if !slices.Equal(hosts, want) {
		t.Errorf("flagged hosts = %v, want %v", hosts, want)
	}

	domains := svc.ListDomains(10)
	if len(domains) != 4 {
		t.Fatalf("domains = %d, want 4", len(domains))
	}
	if domains[0].Host != "evil.example.org" || domains[0].MaxSeverity != SeverityCritical {
		t.Errorf("top domain = %+v", domains[0])
	}
	if domains[3].Host != "benign.example.net" || domains[3].MaxSeverity != SeverityNone {
		t.Errorf("last domain = %+v", domains[3])
	}

	if got := svc.ListFlagged(SeverityHigh, 10); len(got) != 2 {
		t.Errorf("min High = %d, want 2", len(got))
	}
}

func TestService_InvestigateNextConfirmed(t *testing.T) {
	t.Parallel()

	classifier := &staticClassifier{findings: []string{"eval-or-function-constructor-detected", "iframe-injection-detected"}}
	notifier := &recordingNotifier{}
	svc := newTestService(t, newMockStore(), classifier, ServiceOptions{Notifier: notifier})
	submitScenario(t, svc)

	res, ok, err := svc.InvestigateNext(context.Background())
	if err != nil || !ok {
		t.Fatalf("InvestigateNext = %v, %v", ok, err)
	}
	if res.TransactionID != "tx-evil" {
		t.Errorf("investigated %s, want tx-evil", res.TransactionID)
	}
	if res.Verdict != VerdictConfirmed {
		t.Errorf("verdict = %s, want confirmed", res.Verdict)
	}
	if !slices.Contains(res.ExtraObservedFindings, "iframe-injection-detected") {
		t.Errorf("extra = %v, want iframe-injection-detected", res.ExtraObservedFindings)
	}
	if res.Confidence >= 1.0 || res.Confidence <= 0 {
		t.Errorf("confidence = %v, want in (0, 1)", res.Confidence)
	}
	if res.ID == "" {
		t.Error("expected correlation ID")
	}

	stored, ok, err := svc.GetCorrelation(context.Background(), "tx-evil")
	if err != nil || !ok || stored.ID != res.ID {
		t.Errorf("GetCorrelation = %+v, %v, %v", stored, ok, err)
	}
	if len(notifier.sent) != 1 || notifier.sent[0] != "tx-evil" {
		t.Errorf("notifications = %v", notifier.sent)
	}

	// next call moves on; dispatched transactions are not repeated
	res2, ok, err := svc.InvestigateNext(context.Background())
	if err != nil || !ok || res2.TransactionID != "tx-cdn" {
		t.Fatalf("second InvestigateNext = %+v, %v, %v", res2, ok, err)
	}
	if _, ok, _ := svc.InvestigateNext(context.Background()); !ok {
		t.Fatal("third InvestigateNext found nothing")
	}
	if res, ok, err := svc.InvestigateNext(context.Background()); ok || err != nil || res != nil {
		t.Errorf("empty queue = %+v, %v, %v; want nil, false, nil", res, ok, err)
	}
	if got := len(classifier.calls); got != 3 {
		t.Errorf("classifier calls = %d, want 3", got)
	}
}

func TestService_InvestigateNextTimeout(t *testing.T) {
	t.Parallel()

	svc := newTestService(t, newMockStore(), &staticClassifier{block: true}, ServiceOptions{ClassifierTimeout: 20 * time.Millisecond})
	submitScenario(t, svc)

	res, ok, err := svc.InvestigateNext(context.Background())
	if err != nil || !ok {
		t.Fatalf("InvestigateNext = %v, %v", ok, err)
	}
	if res.Verdict != VerdictUnconfirmed || res.Confidence != 0.0 {
		t.Errorf("verdict = %s/%v, want unconfirmed/0", res.Verdict, res.Confidence)
	}
	if !res.Degraded || res.Reason != ReasonClassifierTimeout {
		t.Errorf("degraded = %v reason = %q", res.Degraded, res.Reason)
	}
	if res.DeclaredSeverity != SeverityCritical {
		t.Errorf("declared severity = %v, want Critical", res.DeclaredSeverity)
	}
	if len(res.ObservedFindings) != 0 {
		t.Errorf("partial findings leaked: %v", res.ObservedFindings)
	}
}

func TestService_InvestigateNextLateClassifier(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	confirming := []string{"malware-signature-detected"}

	tests := []struct {
		name       string
		classifier BehaviorClassifierFunc
	}{
		{
			name: "ignores context",
			classifier: func(context.Context, *Transaction, ThreatAnnotation) ([]string, error) {
				select {
				case <-release:
				case <-time.After(2 * time.Second):
				}
				return confirming, nil
			},
		},
		{
			name: "answers after deadline",
			classifier: func(ctx context.Context, _ *Transaction, _ ThreatAnnotation) ([]string, error) {
				<-ctx.Done()
				return confirming, nil
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			svc := newTestService(t, newMockStore(), tt.classifier, ServiceOptions{ClassifierTimeout: 20 * time.Millisecond})
			submitScenario(t, svc)

			start := time.Now()
			res, ok, err := svc.InvestigateNext(context.Background())
			if err != nil || !ok {
				t.Fatalf("InvestigateNext = %v, %v", ok, err)
			}
			if elapsed := time.Since(start); elapsed > time.Second {
				t.Errorf("investigation took %v, want it bounded by the classifier timeout", elapsed)
			}
			if res.Verdict != VerdictUnconfirmed || res.Confidence != 0 {
				t.Errorf("verdict = %s/%v, want unconfirmed/0", res.Verdict, res.Confidence)
			}
			if !res.Degraded || res.Reason != ReasonClassifierTimeout {
				t.Errorf("degraded = %v reason = %q", res.Degraded, res.Reason)
			}
			if len(res.ObservedFindings) != 0 {
				t.Errorf("late findings merged: %v", res.ObservedFindings)
			}
		})
	}
}

func TestService_InvestigateNextClassifierError(t *testing.T) {
	t.Parallel()

	svc := newTestService(t, newMockStore(), &staticClassifier{err: errors.New("model unavailable")}, ServiceOptions{})
	submitScenario(t, svc)

	res, ok, err := svc.InvestigateNext(context.Background())
	if err != nil || !ok {
		t.Fatalf("InvestigateNext = %v, %v", ok, err)
	}
	if res.Verdict != VerdictUnconfirmed || res.Reason != ReasonClassifierError {
		t.Errorf("result = %+v", res)
	}
}

func TestService_InvestigateNextCanceled(t *testing.T) {
	t.Parallel()

	store := newMockStore()
	svc := newTestService(t, store, &staticClassifier{block: true}, ServiceOptions{ClassifierTimeout: time.Minute})
	submitScenario(t, svc)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, ok, err := svc.InvestigateNext(ctx)
	if err == nil || ok {
		t.Fatalf("InvestigateNext = %v, %v; want cancellation error", ok, err)
	}

	if _, found, _ := svc.GetCorrelation(context.Background(), "tx-evil"); found {
		t.Error("canceled investigation recorded a correlation")
	}
	st := svc.Stats()
	if st.Dispatched != 0 || st.InFlight != 0 {
		t.Errorf("dispatched = %d in flight = %d, want 0/0", st.Dispatched, st.InFlight)
	}
	next, ok := svc.NextForInvestigation()
	if !ok || next.Transaction.ID != "tx-evil" {
		t.Errorf("next = %v, %v; want tx-evil again", next.Transaction.ID, ok)
	}
}

func TestService_CorrelationStoreFailureReleasesClaim(t *testing.T) {
	t.Parallel()

	store := newMockStore()
	svc := newTestService(t, store, &staticClassifier{findings: []string{"malware-signature-detected"}}, ServiceOptions{})
	submitScenario(t, svc)

	store.mu.Lock()
	store.corrErr = errors.New("disk full")
	store.mu.Unlock()

	if _, _, err := svc.InvestigateNext(context.Background()); err == nil {
		t.Fatal("expected store error")
	}
	if svc.dispatcher.IsDispatched("tx-evil") {
		t.Error("transaction marked dispatched despite store failure")
	}
	if next, ok := svc.NextForInvestigation(); !ok || next.Transaction.ID != "tx-evil" {
		t.Errorf("claim not released: %v, %v", next.Transaction.ID, ok)
	}
}

func TestService_SharedLedgerPreventsDuplicateInvestigation(t *testing.T) {
	t.Parallel()

	ledger := NewMemoryLedger()
	classifier := &staticClassifier{findings: []string{"malware-signature-detected"}}
	a := newTestService(t, newMockStore(), classifier, ServiceOptions{Ledger: ledger})
	b := newTestService(t, newMockStore(), classifier, ServiceOptions{Ledger: ledger})
	submitScenario(t, a)
	submitScenario(t, b)
	ctx := context.Background()

	var got []string
	for _, svc := range []*Service{a, b, a} {
		res, ok, err := svc.InvestigateNext(ctx)
		if err != nil || !ok {
			t.Fatalf("InvestigateNext = %v, %v", ok, err)
		}
		got = append(got, res.TransactionID)
	}
	if want := []string{"tx-evil", "tx-cdn", "tx-tracking"}; !slices.Equal(got, want) {
		t.Fatalf("investigated %v, want %v with no repeats across instances", got, want)
	}
	if _, ok, _ := b.InvestigateNext(ctx); ok {
		t.Error("instance b found work after every flagged transaction was claimed")
	}
}

// flakyLedger fails Claim while failing is set.
type flakyLedger struct {
	*MemoryLedger
	failing bool
}

func (l *flakyLedger) Claim(ctx context.Context, id string) (bool, error) {
	if l.failing {
		return false, errors.New("ledger unavailable")
	}
	return l.MemoryLedger.Claim(ctx, id)
}

func TestService_LedgerFailure(t *testing.T) {
	t.Parallel()

	store := newMockStore()
	ledger := &flakyLedger{MemoryLedger: NewMemoryLedger(), failing: true}
	svc := newTestService(t, store, &staticClassifier{findings: []string{"malware-signature-detected"}}, ServiceOptions{Ledger: ledger})
	submitScenario(t, svc)
	ctx := context.Background()

	if _, _, err := svc.InvestigateNext(ctx); err == nil {
		t.Fatal("InvestigateNext succeeded without a ledger claim")
	}
	if st := svc.Stats(); st.InFlight != 0 {
		t.Errorf("in flight = %d after failed claim, want 0", st.InFlight)
	}

	if _, err := svc.ReportFindings(ctx, "tx-tracking", []string{"no-navigation-api-usage"}); err == nil {
		t.Fatal("ReportFindings succeeded without a ledger mark")
	}
	if _, ok, _ := store.GetCorrelation(ctx, "tx-tracking"); ok {
		t.Error("correlation stored although the ledger mark failed")
	}
	if _, ok, _ := svc.GetCorrelation(ctx, "tx-tracking"); ok {
		t.Error("GetCorrelation returned a result for an undispatched transaction")
	}
}

func TestService_StoreFailureRollsBackLedger(t *testing.T) {
	t.Parallel()

	store := newMockStore()
	ledger := NewMemoryLedger()
	svc := newTestService(t, store, &staticClassifier{}, ServiceOptions{Ledger: ledger})
	submitScenario(t, svc)
	ctx := context.Background()

	store.mu.Lock()
	store.corrErr = errors.New("disk full")
	store.mu.Unlock()

	if _, err := svc.ReportFindings(ctx, "tx-tracking", []string{"no-navigation-api-usage"}); err == nil {
		t.Fatal("expected store error")
	}
	members, _ := ledger.Members(ctx)
	if slices.Contains(members, "tx-tracking") {
		t.Errorf("ledger = %v, entry kept after store failure", members)
	}
}

// gatedStore blocks PutTransaction until release is closed.
type gatedStore struct {
	*mockStore
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedStore) PutTransaction(ctx context.Context, at *AnnotatedTransaction) error {
	g.once.Do(func() { close(g.entered) })
	<-g.release
	return g.mockStore.PutTransaction(ctx, at)
}

func TestService_ClearWaitsForIngest(t *testing.T) {
	t.Parallel()

	store := &gatedStore{mockStore: newMockStore(), entered: make(chan struct{}), release: make(chan struct{})}
	svc := newTestService(t, store, &staticClassifier{}, ServiceOptions{Workers: 1})
	ctx := context.Background()

	if _, err := svc.Submit(ctx, sub("tx-evil", "evil.example.org", "Critical: malware", 0)); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	<-store.entered

	cleared := make(chan error, 1)
	go func() { cleared <- svc.Clear(ctx, true) }()
	select {
	case err := <-cleared:
		t.Fatalf("Clear returned %v while a write was in progress", err)
	case <-time.After(50 * time.Millisecond):
	}
	close(store.release)
	if err := <-cleared; err != nil {
		t.Fatalf("Clear: %v", err)
	}
	waitIdle(t, svc)

	if flagged := svc.ListFlagged(SeverityNone, 0); len(flagged) != 0 {
		t.Errorf("flagged after clear = %v", flaggedKeys(flagged))
	}
	if txs, _ := store.ListTransactions(ctx); len(txs) != 0 {
		t.Errorf("store holds %d transactions after clear", len(txs))
	}
}

func TestService_ClearDuringInvestigation(t *testing.T) {
	t.Parallel()

	entered := make(chan struct{})
	release := make(chan struct{})
	classifier := BehaviorClassifierFunc(func(context.Context, *Transaction, ThreatAnnotation) ([]string, error) {
		close(entered)
		<-release
		return []string{"malware-signature-detected"}, nil
	})
	svc := newTestService(t, newMockStore(), classifier, ServiceOptions{ClassifierTimeout: time.Minute})
	submitScenario(t, svc)
	ctx := context.Background()

	type outcome struct {
		res *CorrelationResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, _, err := svc.InvestigateNext(ctx)
		done <- outcome{res, err}
	}()
	<-entered
	if err := svc.Clear(ctx, true); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	close(release)

	out := <-done
	if !errors.Is(out.err, ErrUnknownTransaction) {
		t.Fatalf("InvestigateNext = %+v, %v; want ErrUnknownTransaction", out.res, out.err)
	}
	if st := svc.Stats(); st.Correlations != 0 || st.InFlight != 0 {
		t.Errorf("stats after clear = %+v", st)
	}
	if _, ok, _ := svc.GetCorrelation(ctx, "tx-evil"); ok {
		t.Error("correlation recorded for a cleared transaction")
	}
}

func TestService_ResetDispatch(t *testing.T) {
	t.Parallel()

	svc := newTestService(t, newMockStore(), &staticClassifier{findings: []string{"malware-signature-detected"}}, ServiceOptions{})
	submitScenario(t, svc)
	ctx := context.Background()

	if _, _, err := svc.InvestigateNext(ctx); err != nil {
		t.Fatalf("InvestigateNext: %v", err)
	}
	if next, _ := svc.NextForInvestigation(); next.Transaction.ID != "tx-cdn" {
		t.Fatalf("next = %s, want tx-cdn", next.Transaction.ID)
	}
	if err := svc.ResetDispatch(ctx, "tx-evil"); err != nil {
		t.Fatalf("ResetDispatch: %v", err)
	}
	if next, _ := svc.NextForInvestigation(); next.Transaction.ID != "tx-evil" {
		t.Errorf("next after reset = %s, want tx-evil", next.Transaction.ID)
	}
	if err := svc.ResetDispatch(ctx, "nope"); !errors.Is(err, ErrUnknownTransaction) {
		t.Errorf("reset unknown = %v, want ErrUnknownTransaction", err)
	}
}

func TestService_ReportFindings(t *testing.T) {
	t.Parallel()

	svc := newTestService(t, newMockStore(), &staticClassifier{}, ServiceOptions{})
	submitScenario(t, svc)
	ctx := context.Background()

	res, err := svc.ReportFindings(ctx, "tx-tracking", []string{"no-navigation-api-usage"})
	if err != nil {
		t.Fatalf("ReportFindings: %v", err)
	}
	if res.Verdict != VerdictContradicted || res.DeclaredSeverity != SeverityMedium {
		t.Errorf("result = %s/%v, want contradicted with Medium", res.Verdict, res.DeclaredSeverity)
	}
	flagged := svc.ListFlagged(SeverityNone, 0)
	for _, f := range flagged {
		if f.Transaction.ID == "tx-tracking" && !f.Dispatched {
			t.Error("reported transaction not marked dispatched")
		}
	}
	if _, err := svc.ReportFindings(ctx, "unknown", nil); !errors.Is(err, ErrUnknownTransaction) {
		t.Errorf("unknown = %v, want ErrUnknownTransaction", err)
	}
}

// submissionOrders returns every ordering of in.
func submissionOrders(in []*Submission) [][]*Submission {
	if len(in) <= 1 {
		return [][]*Submission{slices.Clone(in)}
	}
	var out [][]*Submission
	for i := range in {
		rest := slices.Concat(in[:i], in[i+1:])
		for _, p := range submissionOrders(rest) {
			out = append(out, append([]*Submission{in[i]}, p...))
		}
	}
	return out
}

func sameDomains(a, b []DomainRecord) bool {
	return slices.EqualFunc(a, b, func(x, y DomainRecord) bool {
		return x.Host == y.Host && x.TransactionCount == y.TransactionCount && x.MaxSeverity == y.MaxSeverity &&
			x.FirstSeen.Equal(y.FirstSeen) && x.LastSeen.Equal(y.LastSeen)
	})
}

func flaggedKeys(fs []FlaggedTransaction) []string {
	out := make([]string, 0, len(fs))
	for _, f := range fs {
		out = append(out, f.Transaction.ID+"@"+f.Transaction.Host+"/"+f.Annotation.Severity.String())
	}
	return out
}

func TestService_OrderIndependentIngest(t *testing.T) {
	t.Parallel()

	set := []*Submission{
		sub("tx-a", "evil.example.org", "High: eval() in loader", 0),
		sub("tx-b", "evil.example.org", "Critical: Known malware distribution site", 2*time.Second),
		sub("tx-c", "cdn.malicious-ads.com", "Low: packed script", time.Second),
		sub("tx-d", "tracking.adnetwork.io", "Medium: Suspicious redirect chain detected", time.Second),
		sub("tx-c", "cdn.malicious-ads.com", "Low: packed script", time.Second),
	}
	// submitted last, so it replaces tx-a whatever order the workers run in
	update := sub("tx-a", "cdn.malicious-ads.com", "Critical: exploit kit landing page", 3*time.Second)

	var (
		wantDomains []DomainRecord
		wantFlagged []string
	)
	for i, order := range submissionOrders(set) {
		svc := newTestService(t, newMockStore(), &staticClassifier{}, ServiceOptions{Workers: 4})
		ctx := context.Background()
		for _, s := range append(order, update) {
			if _, err := svc.Submit(ctx, s); err != nil {
				t.Fatalf("order %d: Submit %s: %v", i, s.ID, err)
			}
		}
		waitIdle(t, svc)

		domains := svc.ListDomains(10)
		flagged := flaggedKeys(svc.ListFlagged(SeverityNone, 10))
		if i == 0 {
			wantDomains, wantFlagged = domains, flagged
			continue
		}
		if !sameDomains(domains, wantDomains) {
			t.Fatalf("order %d: domains = %+v, want %+v", i, domains, wantDomains)
		}
		if !slices.Equal(flagged, wantFlagged) {
			t.Fatalf("order %d: flagged = %v, want %v", i, flagged, wantFlagged)
		}
	}

	if want := []string{
		"tx-b@evil.example.org/Critical",
		"tx-a@cdn.malicious-ads.com/Critical",
		"tx-d@tracking.adnetwork.io/Medium",
		"tx-c@cdn.malicious-ads.com/Low",
	}; !slices.Equal(wantFlagged, want) {
		t.Errorf("flagged = %v, want %v", wantFlagged, want)
	}
	if len(wantDomains) != 3 || wantDomains[0].Host != "cdn.malicious-ads.com" || wantDomains[0].TransactionCount != 2 {
		t.Errorf("domains = %+v, want cdn.malicious-ads.com first with 2 transactions", wantDomains)
	}
	for _, d := range wantDomains {
		if d.Host == "evil.example.org" && d.TransactionCount != 1 {
			t.Errorf("evil.example.org count = %d, re-ingested tx-a still counted", d.TransactionCount)
		}
	}
}

func TestService_Reingest(t *testing.T) {
	t.Parallel()

	svc := newTestService(t, newMockStore(), &staticClassifier{}, ServiceOptions{})
	ctx := context.Background()

	if _, err := svc.Submit(ctx, sub("tx-1", "h.example", "Critical: malware", 0)); err != nil {
		t.Fatal(err)
	}
	waitIdle(t, svc)
	if _, err := svc.Submit(ctx, sub("tx-1", "h.example", "Low: tracking pixel", 0)); err != nil {
		t.Fatal(err)
	}
	waitIdle(t, svc)

	domains := svc.ListDomains(0)
	if len(domains) != 1 || domains[0].TransactionCount != 1 || domains[0].MaxSeverity != SeverityLow {
		t.Errorf("domains = %+v, want one Low record with count 1", domains)
	}
	flagged := svc.ListFlagged(SeverityNone, 0)
	if len(flagged) != 1 || flagged[0].Annotation.Severity != SeverityLow {
		t.Errorf("flagged = %+v", flagged)
	}
}

func TestService_SubmitValidation(t *testing.T) {
	t.Parallel()

	store := newMockStore()
	svc := newTestService(t, store, &staticClassifier{}, ServiceOptions{})

	bad := sub("", "h.example", "High: x", 0)
	_, err := svc.Submit(context.Background(), bad)
	var ve *ValidationError
	if !errors.As(err, &ve) || ve.Field != "id" {
		t.Fatalf("err = %v, want ValidationError on id", err)
	}
	waitIdle(t, svc)
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.puts != 0 {
		t.Errorf("invalid submission reached the store")
	}
}

func TestService_StoreFailureLeavesStateUntouched(t *testing.T) {
	t.Parallel()

	store := newMockStore()
	store.putErr = errors.New("db down")
	svc := newTestService(t, store, &staticClassifier{}, ServiceOptions{})

	res, err := svc.Submit(context.Background(), sub("tx-1", "h.example", "Critical: malware", 0))
	if err != nil || res.ID != "tx-1" {
		t.Fatalf("Submit = %+v, %v; want acknowledgment", res, err)
	}
	waitIdle(t, svc)

	if got := svc.ListDomains(0); len(got) != 0 {
		t.Errorf("domains = %+v, want none", got)
	}
	if got := svc.ListFlagged(SeverityNone, 0); len(got) != 0 {
		t.Errorf("flagged = %+v, want none", got)
	}
}

func TestService_GetTransactionBody(t *testing.T) {
	t.Parallel()

	svc := newTestService(t, newMockStore(), &staticClassifier{}, ServiceOptions{})
	submitScenario(t, svc)

	at, err := svc.GetTransaction(context.Background(), "tx-evil")
	if err != nil {
		t.Fatalf("GetTransaction: %v", err)
	}
	body, err := at.Transaction.ResponseBody.Bytes()
	if err != nil || string(body) != "<script>var x = 1;</script>" {
		t.Errorf("body = %q, %v", body, err)
	}
	if at.Annotation.Severity != SeverityCritical {
		t.Errorf("severity = %v", at.Annotation.Severity)
	}

	if _, err := svc.GetTransaction(context.Background(), "missing"); !errors.Is(err, ErrUnknownTransaction) {
		t.Errorf("missing = %v, want ErrUnknownTransaction", err)
	}
}

func TestService_Backpressure(t *testing.T) {
	t.Parallel()

	engine, err := NewEngine(DefaultPolicy())
	if err != nil {
		t.Fatal(err)
	}
	// not started: nothing drains the queue
	svc := NewService(newMockStore(), engine, &staticClassifier{}, log.Nop(), ServiceOptions{QueueCapacity: 2})
	ctx := context.Background()

	for _, s := range []*Submission{
		sub("low", "a.example", "Low: x", 0),
		sub("high-1", "a.example", "High: x", 0),
		sub("high-2", "a.example", "High: y", 0),
		sub("crit", "a.example", "Critical: z", 0),
	} {
		if _, err := svc.Submit(ctx, s); err != nil {
			t.Fatalf("Submit %s: %v", s.ID, err)
		}
	}
	st := svc.Stats()
	if st.Dropped != 1 {
		t.Errorf("dropped = %d, want 1", st.Dropped)
	}
	if st.Pending != 3 {
		t.Errorf("pending = %d, want 3 (protected overflow)", st.Pending)
	}
}

func TestService_Clear(t *testing.T) {
	t.Parallel()

	store := newMockStore()
	svc := newTestService(t, store, &staticClassifier{findings: []string{"malware-signature-detected"}}, ServiceOptions{})
	submitScenario(t, svc)
	ctx := context.Background()
	if _, _, err := svc.InvestigateNext(ctx); err != nil {
		t.Fatal(err)
	}

	if err := svc.Clear(ctx, false); !errors.Is(err, ErrConfirmRequired) {
		t.Fatalf("Clear(false) = %v, want ErrConfirmRequired", err)
	}
	if len(svc.ListDomains(0)) == 0 {
		t.Fatal("unconfirmed clear dropped state")
	}
	if err := svc.Clear(ctx, true); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	st := svc.Stats()
	if st.Transactions != 0 || st.Domains != 0 || st.Dispatched != 0 || st.Correlations != 0 {
		t.Errorf("stats after clear = %+v", st)
	}
	if _, ok, _ := svc.GetCorrelation(ctx, "tx-evil"); ok {
		t.Error("correlation survived clear")
	}
}

func TestService_RestoreFromStore(t *testing.T) {
	t.Parallel()

	store := newMockStore()
	ledger := NewMemoryLedger()
	first := newTestService(t, store, &staticClassifier{findings: []string{"malware-signature-detected"}}, ServiceOptions{Ledger: ledger})
	submitScenario(t, first)
	if _, _, err := first.InvestigateNext(context.Background()); err != nil {
		t.Fatal(err)
	}

	second := newTestService(t, store, &staticClassifier{}, ServiceOptions{Ledger: ledger})
	flagged := second.ListFlagged(SeverityNone, 0)
	if len(flagged) != 3 {
		t.Fatalf("restored flagged = %d, want 3", len(flagged))
	}
	if !flagged[0].Dispatched {
		t.Error("dispatch mark not restored")
	}
	if next, _ := second.NextForInvestigation(); next.Transaction.ID != "tx-cdn" {
		t.Errorf("next = %s, want tx-cdn", next.Transaction.ID)
	}
	if res, ok, _ := second.GetCorrelation(context.Background(), "tx-evil"); !ok || res.Verdict != VerdictConfirmed {
		t.Errorf("restored correlation = %+v, %v", res, ok)
	}

	// a newer submission after restart must still win over restored data
	if _, err := second.Submit(context.Background(), sub("tx-evil", "evil.example.org", "Low: benign", 0)); err != nil {
		t.Fatal(err)
	}
	waitIdle(t, second)
	if ft, ok := second.Engine().Lookup("tx-evil"); !ok || ft.Annotation.Severity != SeverityLow {
		t.Errorf("post-restart resubmission lost: %+v", ft)
	}
}

func TestService_SearchStatsTimeline(t *testing.T) {
	t.Parallel()

	svc := newTestService(t, newMockStore(), &staticClassifier{}, ServiceOptions{})
	submitScenario(t, svc)

	got := svc.Search(SearchFilter{Host: "MALICIOUS"})
	if len(got) != 1 || got[0].Transaction.ID != "tx-cdn" {
		t.Errorf("search host = %+v", got)
	}
	if got := svc.Search(SearchFilter{MinSeverity: SeverityHigh}); len(got) != 2 {
		t.Errorf("search min severity = %d, want 2", len(got))
	}
	if got := svc.Search(SearchFilter{ContentType: "html", StatusMin: 200, StatusMax: 299}); len(got) != 4 {
		t.Errorf("search content type = %d, want 4", len(got))
	}
	all := svc.Search(SearchFilter{})
	if len(all) != 4 || all[0].Transaction.ID != "tx-clean" {
		t.Errorf("search order = %+v, want most recent first", all)
	}

	st := svc.Stats()
	if st.Transactions != 4 || st.Flagged != 3 || st.Domains != 4 {
		t.Errorf("stats = %+v", st)
	}
	if st.BySeverity["Critical"] != 1 || st.BySeverity["None"] != 1 {
		t.Errorf("by severity = %v", st.BySeverity)
	}

	svc.now = func() time.Time { return baseTime.Add(time.Minute) }
	buckets, err := svc.Timeline(GroupByHost, 10*time.Minute)
	if err != nil {
		t.Fatalf("Timeline: %v", err)
	}
	if len(buckets) != 4 {
		t.Errorf("host buckets = %d, want 4", len(buckets))
	}
	minutes, err := svc.Timeline(GroupByMinute, 10*time.Minute)
	if err != nil {
		t.Fatalf("Timeline: %v", err)
	}
	if len(minutes) != 1 || minutes[0].Count != 4 || minutes[0].Flagged != 3 || minutes[0].MaxSeverity != SeverityCritical {
		t.Errorf("minute buckets = %+v", minutes)
	}
	if _, err := svc.Timeline(GroupByMinute, 0); !errors.Is(err, ErrValidation) {
		t.Errorf("zero window = %v, want ErrValidation", err)
	}
}

func TestService_StopRefusesSubmissions(t *testing.T) {
	t.Parallel()

	svc := newTestService(t, newMockStore(), &staticClassifier{}, ServiceOptions{})
	if err := svc.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if _, err := svc.Submit(context.Background(), sub("tx", "h.example", "", 0)); !errors.Is(err, ErrStopped) {
		t.Errorf("Submit after stop = %v, want ErrStopped", err)
	}
}
