package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// stubEvaluator returns a fixed report, or fails every call.
type stubEvaluator struct {
	calls  atomic.Int64
	fail   bool
	report func(tx *domain.Transaction) *domain.BatchReport
	delay  time.Duration
}

func (s *stubEvaluator) EvaluateAll(ctx context.Context, ruleSet []domain.Rule, tx *domain.Transaction) (*domain.BatchReport, error) {
	s.calls.Add(1)
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	if s.fail {
		return nil, errors.New("evaluator down")
	}
	if s.report != nil {
		return s.report(tx), nil
	}
	return &domain.BatchReport{Results: []domain.RuleResult{}}, nil
}

type stubValidator struct {
	mu       sync.Mutex
	requests []*domain.ValidationRequest
}

func (s *stubValidator) QueueValidation(req *domain.ValidationRequest) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	return "v-1", nil
}

func (s *stubValidator) all() []*domain.ValidationRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*domain.ValidationRequest, len(s.requests))
	copy(out, s.requests)
	return out
}

func fastConfig() domain.PipelineConfig {
	return domain.PipelineConfig{
		BatchSize:       10,
		ProcessInterval: 5 * time.Millisecond,
		RealTime:        true,
		MaxRetries:      3,
		RetryDelay:      time.Millisecond,
		HistorySize:     1000,
	}
}

func validDoc(id string) map[string]any {
	doc := map[string]any{
		"amount": 100.0,
		"userId": "u1",
		"type":   "payment",
	}
	if id != "" {
		doc["id"] = id
	}
	return doc
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestSubmitValidation(t *testing.T) {
	p := New(fastConfig(), &stubEvaluator{}, nil, nil, nil, nil)

	cases := []struct {
		name string
		doc  map[string]any
	}{
		{"nil document", nil},
		{"missing amount", map[string]any{"userId": "u1", "type": "payment"}},
		{"non-numeric amount", map[string]any{"amount": "lots", "userId": "u1", "type": "payment"}},
		{"negative amount", map[string]any{"amount": -5.0, "userId": "u1", "type": "payment"}},
		{"missing userId", map[string]any{"amount": 5.0, "type": "payment"}},
		{"empty userId", map[string]any{"amount": 5.0, "userId": "", "type": "payment"}},
		{"missing type", map[string]any{"amount": 5.0, "userId": "u1"}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := p.Submit(context.Background(), tc.doc)
			if !errors.Is(err, ErrInvalidTransaction) {
				t.Errorf("got %v, want ErrInvalidTransaction", err)
			}
		})
	}

	if p.Status().QueueLength != 0 {
		t.Error("invalid submissions must never be queued")
	}
}

func TestSubmitAssignsAndKeepsIDs(t *testing.T) {
	p := New(fastConfig(), &stubEvaluator{}, nil, nil, nil, nil)

	id, err := p.Submit(context.Background(), validDoc("tx-given"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != "tx-given" {
		t.Errorf("id = %q, want the supplied id", id)
	}

	id, err = p.Submit(context.Background(), validDoc(""))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id == "" {
		t.Error("expected a generated id")
	}
}

func TestProcessesSubmittedTransaction(t *testing.T) {
	eval := &stubEvaluator{
		report: func(tx *domain.Transaction) *domain.BatchReport {
			return &domain.BatchReport{
				Total:     1,
				Triggered: 1,
				Results: []domain.RuleResult{
					{RuleID: "r1", Triggered: true, Actions: []domain.ActionResult{}},
				},
			}
		},
	}
	p := New(fastConfig(), eval, nil, nil, nil, nil)
	p.Start()
	defer p.Stop()

	id, err := p.Submit(context.Background(), validDoc("tx-1"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	waitFor(t, time.Second, func() bool {
		return p.Status().Metrics.Processed == 1
	})

	status := p.Status()
	if len(status.RecentTransactions) != 1 {
		t.Fatalf("recent = %d, want 1", len(status.RecentTransactions))
	}
	result := status.RecentTransactions[0]
	if result.TransactionID != id {
		t.Errorf("result transaction id = %q, want %q", result.TransactionID, id)
	}
	if result.Summary.Recommendation != domain.RecommendationNormalMonitoring {
		t.Errorf("recommendation = %q", result.Summary.Recommendation)
	}
}

func TestRetryExhaustion(t *testing.T) {
	eval := &stubEvaluator{fail: true}
	p := New(fastConfig(), eval, nil, nil, nil, nil)
	p.Start()
	defer p.Stop()

	if _, err := p.Submit(context.Background(), validDoc("tx-fail")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		return p.Status().Metrics.Failed == 1
	})

	// maxRetries=3 means exactly three attempts in total.
	if got := eval.calls.Load(); got != 3 {
		t.Errorf("evaluation attempts = %d, want 3", got)
	}
	status := p.Status()
	if status.Metrics.Retried != 2 {
		t.Errorf("retried = %d, want 2", status.Metrics.Retried)
	}
	if status.QueueLength != 0 || status.ProcessingQueueLength != 0 {
		t.Errorf("failed transaction left residue: %+v", status)
	}
}

func TestFailureEventCarriesRetryCount(t *testing.T) {
	failedCh := make(chan map[string]any, 1)
	b := newRecordingBus(domain.TopicTransactionFailed, failedCh)

	eval := &stubEvaluator{fail: true}
	p := New(fastConfig(), eval, nil, b, nil, nil)
	p.Start()
	defer p.Stop()

	if _, err := p.Submit(context.Background(), validDoc("tx-evt")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	select {
	case payload := <-failedCh:
		if payload["transactionId"] != "tx-evt" {
			t.Errorf("transactionId = %v", payload["transactionId"])
		}
		if payload["retryCount"] != float64(3) {
			t.Errorf("retryCount = %v, want 3", payload["retryCount"])
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no transaction_failed event")
	}
}

// recordingBus captures decoded payloads for one topic.
type recordingBus struct {
	topic string
	ch    chan map[string]any
}

func newRecordingBus(topic string, ch chan map[string]any) *recordingBus {
	return &recordingBus{topic: topic, ch: ch}
}

func (b *recordingBus) Publish(ctx context.Context, topic string, payload []byte) error {
	if topic != b.topic {
		return nil
	}
	var decoded map[string]any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return err
	}
	select {
	case b.ch <- decoded:
	default:
	}
	return nil
}

func (b *recordingBus) Subscribe(ctx context.Context, topic string, handler domain.MessageHandler) (domain.Subscription, error) {
	return nil, errors.New("not supported")
}

func (b *recordingBus) Ping(ctx context.Context) error { return nil }
func (b *recordingBus) Close() error                   { return nil }

func TestHistoryCap(t *testing.T) {
	cfg := fastConfig()
	cfg.HistorySize = 5

	p := New(cfg, &stubEvaluator{}, nil, nil, nil, nil)
	p.Start()
	defer p.Stop()

	for i := 0; i < 8; i++ {
		if _, err := p.Submit(context.Background(), validDoc("")); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	waitFor(t, 2*time.Second, func() bool {
		return p.Status().Metrics.Processed == 8
	})

	p.mu.Lock()
	got := len(p.history)
	p.mu.Unlock()
	if got != 5 {
		t.Errorf("history length = %d, want cap of 5", got)
	}
}

func TestDedupWindow(t *testing.T) {
	cfg := fastConfig()
	cfg.RealTime = false
	cfg.DedupWindow = time.Minute

	p := New(cfg, &stubEvaluator{}, nil, nil, cache.NewLRUCache(100), nil)

	first, err := p.Submit(context.Background(), validDoc("tx-dup"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := p.Submit(context.Background(), validDoc("tx-dup"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if first != second {
		t.Errorf("duplicate submit returned %q, want %q", second, first)
	}
	if got := p.Status().QueueLength; got != 1 {
		t.Errorf("queue length = %d, want 1", got)
	}
}

func TestEnqueueValidations(t *testing.T) {
	eval := &stubEvaluator{
		report: func(tx *domain.Transaction) *domain.BatchReport {
			return &domain.BatchReport{
				Total:  2,
				Failed: 1,
				Results: []domain.RuleResult{
					{RuleID: "ok_rule", Triggered: false},
					{RuleID: "broken_rule", Error: "unsupported operator"},
				},
			}
		},
	}
	validator := &stubValidator{}
	p := New(fastConfig(), eval, validator, nil, nil, nil)
	p.Start()
	defer p.Stop()

	if _, err := p.Submit(context.Background(), validDoc("tx-v")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	waitFor(t, time.Second, func() bool {
		return len(validator.all()) == 3
	})

	var execs, perf int
	for _, req := range validator.all() {
		switch req.Type {
		case domain.ValidationRuleExecution:
			execs++
			if req.Data.RuleID == "broken_rule" && req.Priority != domain.PriorityHigh {
				t.Error("failed rule should queue at high priority")
			}
			if req.Data.RuleID == "ok_rule" && req.Priority != domain.PriorityNormal {
				t.Error("clean rule should queue at normal priority")
			}
		case domain.ValidationPerformance:
			perf++
		}
	}
	if execs != 2 || perf != 1 {
		t.Errorf("requests = %d rule_execution, %d performance; want 2 and 1", execs, perf)
	}
}

func TestStopDrainsInflight(t *testing.T) {
	eval := &stubEvaluator{delay: 30 * time.Millisecond}
	p := New(fastConfig(), eval, nil, nil, nil, nil)
	p.Start()

	for i := 0; i < 3; i++ {
		if _, err := p.Submit(context.Background(), validDoc("")); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	waitFor(t, time.Second, func() bool {
		return p.Status().ProcessingQueueLength > 0
	})

	p.Stop()

	status := p.Status()
	if status.ProcessingQueueLength != 0 {
		t.Errorf("in-flight after Stop = %d, want 0", status.ProcessingQueueLength)
	}
	if status.IsProcessing {
		t.Error("pipeline should report stopped")
	}
}

func TestReplaceRules(t *testing.T) {
	p := New(fastConfig(), &stubEvaluator{}, nil, nil, nil, nil)

	if got := p.Status().RulesLoaded; got != 0 {
		t.Fatalf("rules loaded = %d, want 0", got)
	}

	p.ReplaceRules([]domain.Rule{{ID: "a", Enabled: true}, {ID: "b", Enabled: true}})

	if got := p.Status().RulesLoaded; got != 2 {
		t.Errorf("rules loaded = %d, want 2", got)
	}
	if got := len(p.Rules()); got != 2 {
		t.Errorf("Rules() = %d entries, want 2", got)
	}
}

func TestSummarize(t *testing.T) {
	scoreAction := func(score float64) domain.ActionResult {
		return domain.ActionResult{
			Type:    domain.ActionCalculateScore,
			Success: true,
			Result:  map[string]any{"score": score},
		}
	}
	flagAction := domain.ActionResult{
		Type:    domain.ActionFlagTransaction,
		Success: true,
		Result:  map[string]any{"flagged": true},
	}
	triggered := func(actions ...domain.ActionResult) domain.RuleResult {
		return domain.RuleResult{Triggered: true, Actions: actions}
	}

	cases := []struct {
		name      string
		report    *domain.BatchReport
		wantScore float64
		wantRec   string
	}{
		{
			name:    "no rules triggered",
			report:  &domain.BatchReport{},
			wantRec: domain.RecommendationApproved,
		},
		{
			name: "flag wins over trigger count",
			report: &domain.BatchReport{
				Triggered: 1,
				Results:   []domain.RuleResult{triggered(flagAction, scoreAction(60))},
			},
			wantScore: 60,
			wantRec:   domain.RecommendationReviewRequired,
		},
		{
			name: "many triggers without flag",
			report: &domain.BatchReport{
				Triggered: 3,
				Results:   []domain.RuleResult{triggered(), triggered(), triggered()},
			},
			wantRec: domain.RecommendationMonitorClosely,
		},
		{
			name: "single trigger",
			report: &domain.BatchReport{
				Triggered: 1,
				Results:   []domain.RuleResult{triggered()},
			},
			wantRec: domain.RecommendationNormalMonitoring,
		},
		{
			name: "risk score is the mean of scores",
			report: &domain.BatchReport{
				Triggered: 2,
				Results: []domain.RuleResult{
					triggered(scoreAction(40)),
					triggered(scoreAction(80)),
				},
			},
			wantScore: 60,
			wantRec:   domain.RecommendationNormalMonitoring,
		},
		{
			name: "untriggered scores ignored",
			report: &domain.BatchReport{
				Triggered: 1,
				Results: []domain.RuleResult{
					triggered(scoreAction(90)),
					{Triggered: false, Actions: []domain.ActionResult{scoreAction(10)}},
				},
			},
			wantScore: 90,
			wantRec:   domain.RecommendationNormalMonitoring,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			summary := summarize(tc.report)
			if summary.RiskScore != tc.wantScore {
				t.Errorf("RiskScore = %v, want %v", summary.RiskScore, tc.wantScore)
			}
			if summary.Recommendation != tc.wantRec {
				t.Errorf("Recommendation = %q, want %q", summary.Recommendation, tc.wantRec)
			}
		})
	}
}

func TestEvaluatorPanicIsRetried(t *testing.T) {
	var calls atomic.Int64
	eval := evaluatorFunc(func(ctx context.Context, ruleSet []domain.Rule, tx *domain.Transaction) (*domain.BatchReport, error) {
		calls.Add(1)
		panic("boom")
	})

	p := New(fastConfig(), eval, nil, nil, nil, nil)
	p.Start()
	defer p.Stop()

	if _, err := p.Submit(context.Background(), validDoc("tx-panic")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		return p.Status().Metrics.Failed == 1
	})
	if got := calls.Load(); got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}
}

type evaluatorFunc func(ctx context.Context, ruleSet []domain.Rule, tx *domain.Transaction) (*domain.BatchReport, error)

func (f evaluatorFunc) EvaluateAll(ctx context.Context, ruleSet []domain.Rule, tx *domain.Transaction) (*domain.BatchReport, error) {
	return f(ctx, ruleSet, tx)
}
