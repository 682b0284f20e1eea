// Package pipeline owns the inbound transaction queue and the bounded
// concurrency processing loop: batching, retry with linear backoff, rolling
// metrics and completion/failure events.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
)

// ErrInvalidTransaction marks a malformed submission. It is the one error
// raised synchronously to the caller; nothing invalid is ever queued.
var ErrInvalidTransaction = errors.New("invalid transaction")

var tracer = otel.Tracer("kestrel-pipeline")

// Evaluator evaluates a rule set against one transaction. The rules engine is
// the production implementation.
type Evaluator interface {
	EvaluateAll(ctx context.Context, ruleSet []domain.Rule, tx *domain.Transaction) (*domain.BatchReport, error)
}

// Validator receives fire-and-forget validation requests. The validation
// agent is the production implementation.
type Validator interface {
	QueueValidation(req *domain.ValidationRequest) (string, error)
}

// Pipeline is the transaction processing core. All mutable state (queue,
// in-flight set, history, metrics) is guarded by a single mutex; cross
// component communication goes through the event bus and the validator only.
type Pipeline struct {
	cfg       domain.PipelineConfig
	evaluator Evaluator
	validator Validator
	bus       domain.EventBus
	cache     domain.Cache
	collector *metrics.Collector

	mu       sync.Mutex
	rules    []domain.Rule
	queue    []*domain.Transaction
	inflight map[string]*domain.Transaction
	history  []*domain.ProcessingResult
	running  bool
	stopped  bool

	processed int64
	failed    int64
	retried   int64
	totalMs   int64

	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates a pipeline. Validator, bus, cache and collector are optional;
// a nil dependency disables that concern.
func New(cfg domain.PipelineConfig, evaluator Evaluator, validator Validator, bus domain.EventBus, cache domain.Cache, collector *metrics.Collector) *Pipeline {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.ProcessInterval <= 0 {
		cfg.ProcessInterval = time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 5 * time.Second
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 1000
	}

	return &Pipeline{
		cfg:       cfg,
		evaluator: evaluator,
		validator: validator,
		bus:       bus,
		cache:     cache,
		collector: collector,
		inflight:  make(map[string]*domain.Transaction),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// ReplaceRules atomically swaps the active rule set. In-flight evaluations
// keep the set they started with; the next batch sees the new rules.
func (p *Pipeline) ReplaceRules(newRules []domain.Rule) {
	p.mu.Lock()
	p.rules = newRules
	p.mu.Unlock()

	slog.Info("rules replaced", "count", len(newRules))
	p.publish(domain.TopicRulesUpdated, map[string]any{"rules": newRules})
}

// Rules returns the active rule set.
func (p *Pipeline) Rules() []domain.Rule {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rules
}

// Submit validates and enqueues a transaction document, returning its id
// without waiting for processing. It fails with ErrInvalidTransaction when a
// required field is missing or malformed.
func (p *Pipeline) Submit(ctx context.Context, doc map[string]any) (string, error) {
	if err := validateDocument(doc); err != nil {
		return "", err
	}

	id, _ := doc["id"].(string)
	if id == "" {
		id = uuid.New().String()
	}

	// Optional idempotency check: a duplicate id inside the window returns
	// the original id without re-enqueueing.
	if p.cache != nil && p.cfg.DedupWindow > 0 {
		count, err := p.cache.IncrementCounter(ctx, "submit:"+id, p.cfg.DedupWindow)
		if err == nil && count > 1 {
			slog.Debug("duplicate submission ignored", "transaction_id", id)
			return id, nil
		}
	}

	tx := &domain.Transaction{
		ID:        id,
		Timestamp: time.Now().UTC(),
		Status:    domain.StatusPending,
		Fields:    doc,
	}

	p.mu.Lock()
	p.queue = append(p.queue, tx)
	queueLen := len(p.queue)
	realTime := p.cfg.RealTime && p.running
	p.mu.Unlock()

	if p.collector != nil {
		p.collector.RecordSubmission(queueLen)
	}

	p.publish(domain.TopicTransactionQueued, map[string]any{
		"transactionId": id,
		"queueLength":   queueLen,
	})

	if realTime {
		go p.drainOnce()
	}

	return id, nil
}

func validateDocument(doc map[string]any) error {
	if doc == nil {
		return fmt.Errorf("%w: empty document", ErrInvalidTransaction)
	}

	amount, ok := doc["amount"]
	if !ok {
		return fmt.Errorf("%w: missing amount", ErrInvalidTransaction)
	}
	num, ok := toFloat(amount)
	if !ok {
		return fmt.Errorf("%w: amount must be a number", ErrInvalidTransaction)
	}
	if num < 0 {
		return fmt.Errorf("%w: amount must be non-negative", ErrInvalidTransaction)
	}

	userID, ok := doc["userId"].(string)
	if !ok || userID == "" {
		return fmt.Errorf("%w: missing userId", ErrInvalidTransaction)
	}

	txType, ok := doc["type"].(string)
	if !ok || txType == "" {
		return fmt.Errorf("%w: missing type", ErrInvalidTransaction)
	}

	return nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

// Start launches the background drain loop.
func (p *Pipeline) Start() {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.mu.Unlock()

	go p.loop()
	slog.Info("pipeline started",
		"batch_size", p.cfg.BatchSize,
		"process_interval", p.cfg.ProcessInterval,
		"real_time", p.cfg.RealTime,
	)
}

func (p *Pipeline) loop() {
	defer close(p.doneCh)

	ticker := time.NewTicker(p.cfg.ProcessInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.drainOnce()
		}
	}
}

// drainOnce pulls up to BatchSize transactions from the queue head and
// evaluates each concurrently. It never waits for in-flight work; new
// submissions keep flowing while a slow batch completes.
func (p *Pipeline) drainOnce() {
	p.mu.Lock()
	if p.stopped || len(p.queue) == 0 {
		p.mu.Unlock()
		return
	}

	n := p.cfg.BatchSize
	if n > len(p.queue) {
		n = len(p.queue)
	}
	batch := p.queue[:n]
	p.queue = append([]*domain.Transaction{}, p.queue[n:]...)

	for _, tx := range batch {
		tx.Status = domain.StatusProcessing
		p.inflight[tx.ID] = tx
	}
	queueLen := len(p.queue)
	p.mu.Unlock()

	if p.collector != nil {
		p.collector.SetQueueLength(queueLen)
	}

	for _, tx := range batch {
		go p.process(tx)
	}
}

func (p *Pipeline) process(tx *domain.Transaction) {
	ctx, span := tracer.Start(context.Background(), "pipeline.process",
		trace.WithAttributes(attribute.String("transaction.id", tx.ID)))
	start := time.Now()

	p.mu.Lock()
	ruleSet := p.rules
	p.mu.Unlock()

	var report *domain.BatchReport
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic during evaluation: %v", r)
			}
		}()
		report, err = p.evaluator.EvaluateAll(ctx, ruleSet, tx)
		return err
	}()

	span.End()

	if err != nil {
		p.handleFailure(tx, start, err)
		return
	}
	p.handleSuccess(tx, start, report)
}

func (p *Pipeline) handleSuccess(tx *domain.Transaction, start time.Time, report *domain.BatchReport) {
	elapsed := time.Since(start)

	result := &domain.ProcessingResult{
		TransactionID: tx.ID,
		Timestamp:     time.Now().UTC(),
		RuleResults:   report.Results,
		ProcessingMs:  elapsed.Milliseconds(),
		Summary:       summarize(report),
	}

	p.mu.Lock()
	delete(p.inflight, tx.ID)
	tx.Status = domain.StatusCompleted
	tx.Result = result

	p.history = append(p.history, result)
	if len(p.history) > p.cfg.HistorySize {
		p.history = p.history[len(p.history)-p.cfg.HistorySize:]
	}

	p.processed++
	p.totalMs += result.ProcessingMs
	p.mu.Unlock()

	if p.collector != nil {
		p.collector.RecordTransaction(elapsed, result.Summary.RiskScore, true)
	}

	slog.Info("transaction processed",
		"transaction_id", tx.ID,
		"triggered", report.Triggered,
		"recommendation", result.Summary.Recommendation,
		"duration_ms", result.ProcessingMs,
	)

	p.publish(domain.TopicTransactionProcessed, result)
	p.enqueueValidations(tx, report)
}

// enqueueValidations sends one rule_execution request per evaluated rule plus
// one performance check. Best effort: a full validator never fails
// processing.
func (p *Pipeline) enqueueValidations(tx *domain.Transaction, report *domain.BatchReport) {
	if p.validator == nil {
		return
	}

	for i := range report.Results {
		rr := report.Results[i]
		priority := domain.PriorityNormal
		if rr.Error != "" {
			priority = domain.PriorityHigh
		}
		_, err := p.validator.QueueValidation(&domain.ValidationRequest{
			Type:     domain.ValidationRuleExecution,
			Priority: priority,
			Data: domain.ValidationData{
				TransactionID: tx.ID,
				RuleID:        rr.RuleID,
				RuleResult:    &rr,
			},
		})
		if err != nil {
			slog.Debug("validation enqueue failed", "rule_id", rr.RuleID, "error", err)
		}
	}

	_, err := p.validator.QueueValidation(&domain.ValidationRequest{
		Type:     domain.ValidationPerformance,
		Priority: domain.PriorityNormal,
		Data:     domain.ValidationData{TransactionID: tx.ID},
	})
	if err != nil {
		slog.Debug("performance check enqueue failed", "transaction_id", tx.ID, "error", err)
	}
}

func (p *Pipeline) handleFailure(tx *domain.Transaction, start time.Time, evalErr error) {
	p.mu.Lock()
	delete(p.inflight, tx.ID)
	tx.RetryCount++

	if tx.RetryCount < p.cfg.MaxRetries && !p.stopped {
		tx.Status = domain.StatusPending
		p.retried++
		delay := p.cfg.RetryDelay * time.Duration(tx.RetryCount)
		p.mu.Unlock()

		if p.collector != nil {
			p.collector.RecordRetry()
		}

		slog.Warn("transaction evaluation failed, scheduling retry",
			"transaction_id", tx.ID,
			"retry_count", tx.RetryCount,
			"delay", delay,
			"error", evalErr,
		)

		time.AfterFunc(delay, func() { p.requeueHead(tx) })
		return
	}

	tx.Status = domain.StatusFailed
	p.failed++
	p.mu.Unlock()

	if p.collector != nil {
		p.collector.RecordTransaction(time.Since(start), 0, false)
	}

	slog.Error("transaction failed permanently",
		"transaction_id", tx.ID,
		"retry_count", tx.RetryCount,
		"error", evalErr,
	)

	p.publish(domain.TopicTransactionFailed, map[string]any{
		"transactionId": tx.ID,
		"error":         evalErr.Error(),
		"retryCount":    tx.RetryCount,
	})
}

// requeueHead re-inserts a retried transaction at the queue head so it is
// picked up by the next batch before fresh submissions.
func (p *Pipeline) requeueHead(tx *domain.Transaction) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return
	}
	p.queue = append([]*domain.Transaction{tx}, p.queue...)
}

// Stop halts new batch pulls and waits until the in-flight set drains to
// zero. Cooperative: slow evaluations are awaited, not cancelled.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	running := p.running
	p.running = false
	p.mu.Unlock()

	if running {
		close(p.stopCh)
		<-p.doneCh
	}

	for {
		p.mu.Lock()
		remaining := len(p.inflight)
		p.mu.Unlock()
		if remaining == 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	slog.Info("pipeline stopped")
}

// Status returns a point-in-time snapshot.
func (p *Pipeline) Status() domain.PipelineStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	var avg float64
	if p.processed > 0 {
		avg = float64(p.totalMs) / float64(p.processed)
	}

	recent := p.history
	if len(recent) > 10 {
		recent = recent[len(recent)-10:]
	}
	recentCopy := make([]*domain.ProcessingResult, len(recent))
	copy(recentCopy, recent)

	return domain.PipelineStatus{
		IsProcessing:          p.running,
		QueueLength:           len(p.queue),
		ProcessingQueueLength: len(p.inflight),
		RulesLoaded:           len(p.rules),
		Metrics: domain.PipelineMetrics{
			Processed:       p.processed,
			Failed:          p.failed,
			Retried:         p.retried,
			AvgProcessingMs: avg,
		},
		RecentTransactions: recentCopy,
	}
}

// summarize derives the risk score (mean of calculate_score results across
// triggered rules) and the recommendation (fixed precedence: flag beats
// trigger count beats approval).
func summarize(report *domain.BatchReport) domain.Summary {
	var scoreSum float64
	var scoreCount int
	flagged := false

	for _, rr := range report.Results {
		if !rr.Triggered {
			continue
		}
		for _, ar := range rr.Actions {
			if !ar.Success {
				continue
			}
			switch ar.Type {
			case domain.ActionCalculateScore:
				if score, ok := ar.Result["score"].(float64); ok {
					scoreSum += score
					scoreCount++
				}
			case domain.ActionFlagTransaction:
				if f, ok := ar.Result["flagged"].(bool); ok && f {
					flagged = true
				}
			}
		}
	}

	summary := domain.Summary{}
	if scoreCount > 0 {
		summary.RiskScore = scoreSum / float64(scoreCount)
	}

	switch {
	case flagged:
		summary.Recommendation = domain.RecommendationReviewRequired
	case report.Triggered > 2:
		summary.Recommendation = domain.RecommendationMonitorClosely
	case report.Triggered >= 1:
		summary.Recommendation = domain.RecommendationNormalMonitoring
	default:
		summary.Recommendation = domain.RecommendationApproved
	}

	return summary
}

func (p *Pipeline) publish(topic string, payload any) {
	if p.bus == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("failed to marshal event payload", "topic", topic, "error", err)
		return
	}
	if err := p.bus.Publish(context.Background(), topic, data); err != nil {
		slog.Error("failed to publish event", "topic", topic, "error", err)
	}
}
