// Package agent implements the background validation loop: it consumes
// validation requests emitted by the pipeline, scores them against heuristic
// thresholds, accumulates a bounded history and raises anomaly events when
// the rolling error rate crosses a threshold.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
)

// ErrUnsupportedValidationType marks a request type outside the agent's
// dispatch table. It is surfaced as a failed validation, never as a fatal
// loop error.
var ErrUnsupportedValidationType = errors.New("unsupported validation type")

// Agent is the independent validation scheduler. Its queue, history, metrics
// and anomalies are guarded by a single mutex; other components reach it only
// through QueueValidation and the event bus.
type Agent struct {
	cfg       domain.AgentConfig
	bus       domain.EventBus
	collector *metrics.Collector

	mu          sync.Mutex
	queue       []*domain.ValidationRequest
	active      int
	history     []*domain.ValidationResult
	ruleMetrics map[string]*domain.RuleMetrics
	anomalies   []domain.Anomaly
	running     bool
	stopped     bool

	total       int64
	passedCount int64
	failedCount int64

	// Adaptive thresholds; recalibrated once at startup from the persisted
	// snapshot, never continuously.
	slowExecMs         float64
	errorRateThreshold float64

	completedSinceSave int

	sem       chan struct{}
	stopCh    chan struct{}
	doneCh    chan struct{}
	startTime time.Time
}

// New creates a validation agent. Bus and collector are optional.
func New(cfg domain.AgentConfig, bus domain.EventBus, collector *metrics.Collector) *Agent {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 5 * time.Second
	}
	if cfg.MaxConcurrentValidations <= 0 {
		cfg.MaxConcurrentValidations = 3
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 1000
	}
	if cfg.SlowExecutionMs <= 0 {
		cfg.SlowExecutionMs = 1000
	}
	if cfg.ErrorRateThreshold <= 0 {
		cfg.ErrorRateThreshold = 0.05
	}

	return &Agent{
		cfg:                cfg,
		bus:                bus,
		collector:          collector,
		ruleMetrics:        make(map[string]*domain.RuleMetrics),
		slowExecMs:         cfg.SlowExecutionMs,
		errorRateThreshold: cfg.ErrorRateThreshold,
		sem:                make(chan struct{}, cfg.MaxConcurrentValidations),
		stopCh:             make(chan struct{}),
		doneCh:             make(chan struct{}),
	}
}

// QueueValidation registers a request and returns its id immediately. A
// high-priority request additionally triggers an out-of-band pickup when an
// execution slot is free.
func (a *Agent) QueueValidation(req *domain.ValidationRequest) (string, error) {
	if req == nil {
		return "", errors.New("nil validation request")
	}
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	if req.Timestamp.IsZero() {
		req.Timestamp = time.Now().UTC()
	}
	if req.Priority == "" {
		req.Priority = domain.PriorityNormal
	}
	req.Status = domain.ValidationQueued

	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return "", errors.New("agent stopped")
	}

	express := req.Priority == domain.PriorityHigh && a.running && a.active < a.cfg.MaxConcurrentValidations
	if !express {
		a.queue = append(a.queue, req)
	}
	a.mu.Unlock()

	if express {
		go a.runValidation(req)
	}

	return req.ID, nil
}

// Start loads the persisted snapshot (recalibrating thresholds once) and
// launches the tick loop. Recalibration must complete before running is
// published: express pickup reads the thresholds without the lock.
func (a *Agent) Start() {
	a.mu.Lock()
	if a.running || !a.startTime.IsZero() {
		a.mu.Unlock()
		return
	}
	a.startTime = time.Now()
	a.mu.Unlock()

	a.loadSnapshot()

	a.mu.Lock()
	a.running = true
	a.mu.Unlock()

	go a.loop()
	slog.Info("validation agent started",
		"tick_interval", a.cfg.TickInterval,
		"max_concurrent", a.cfg.MaxConcurrentValidations,
		"slow_execution_ms", a.slowExecMs,
		"error_rate_threshold", a.errorRateThreshold,
	)
}

func (a *Agent) loop() {
	defer close(a.doneCh)

	ticker := time.NewTicker(a.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-a.stopCh:
			return
		case <-ticker.C:
			a.tick()
		}
	}
}

// tick runs one scheduler cycle: drain queued validations, snapshot system
// health, analyze rule performance trends, detect anomalies.
func (a *Agent) tick() {
	a.drainValidations()
	a.healthCheck()
	a.analyzeTrends()
	a.detectAnomalies()
}

// drainValidations eagerly dequeues up to MaxConcurrentValidations requests.
// Execution, not dequeueing, is throttled: each task waits for a free slot
// on the semaphore before running.
func (a *Agent) drainValidations() {
	a.mu.Lock()
	n := a.cfg.MaxConcurrentValidations
	if n > len(a.queue) {
		n = len(a.queue)
	}
	batch := a.queue[:n]
	a.queue = append([]*domain.ValidationRequest{}, a.queue[n:]...)
	a.mu.Unlock()

	for _, req := range batch {
		go a.runValidation(req)
	}
}

func (a *Agent) runValidation(req *domain.ValidationRequest) {
	a.sem <- struct{}{}
	defer func() { <-a.sem }()

	a.mu.Lock()
	a.active++
	req.Status = domain.ValidationProcessing
	a.mu.Unlock()

	start := time.Now()
	result, err := a.validate(req)

	if err != nil {
		result = &domain.ValidationResult{
			RequestID: req.ID,
			Type:      req.Type,
			RuleID:    req.Data.RuleID,
			Passed:    false,
			Error:     err.Error(),
		}
	}
	result.RequestID = req.ID
	result.Type = req.Type
	result.ExecutionMs = time.Since(start).Milliseconds()
	result.Timestamp = time.Now().UTC()

	a.record(req, result, err)
}

// validate dispatches on the closed set of request types. The performance,
// security and data_integrity strategies are pass-through extension points.
func (a *Agent) validate(req *domain.ValidationRequest) (*domain.ValidationResult, error) {
	switch req.Type {
	case domain.ValidationRuleExecution:
		return a.validateRuleExecution(&req.Data)
	case domain.ValidationRuleLogic:
		return a.validateRuleLogic(&req.Data)
	case domain.ValidationPerformance, domain.ValidationSecurity, domain.ValidationDataIntegrity:
		return &domain.ValidationResult{Score: 100, Passed: true}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedValidationType, req.Type)
	}
}

// validateRuleExecution scores a single rule execution: slow runs, reported
// errors, expectation mismatches and failed actions each cost points. A rule
// error is critical and always fails the validation.
func (a *Agent) validateRuleExecution(data *domain.ValidationData) (*domain.ValidationResult, error) {
	rr := data.RuleResult
	if rr == nil {
		return nil, errors.New("rule_execution validation requires a rule result")
	}

	result := &domain.ValidationResult{
		RuleID: rr.RuleID,
		Score:  100,
	}
	critical := false

	if float64(rr.ExecutionMs) > a.slowExecMs {
		result.Score -= 10
		result.Issues = append(result.Issues, domain.ValidationIssue{
			Severity: domain.SeverityMedium,
			Message:  fmt.Sprintf("execution time %dms exceeds threshold %.0fms", rr.ExecutionMs, a.slowExecMs),
		})
	}

	if rr.Error != "" {
		result.Score -= 50
		critical = true
		result.Issues = append(result.Issues, domain.ValidationIssue{
			Severity: domain.SeverityCritical,
			Message:  "rule reported an error: " + rr.Error,
		})
	}

	if data.ExpectedTriggered != nil && *data.ExpectedTriggered != rr.Triggered {
		result.Score -= 30
		result.Issues = append(result.Issues, domain.ValidationIssue{
			Severity: domain.SeverityHigh,
			Message: fmt.Sprintf("expected triggered=%v, observed triggered=%v",
				*data.ExpectedTriggered, rr.Triggered),
		})
	}

	for _, ar := range rr.Actions {
		if !ar.Success {
			result.Score -= 20
			result.Issues = append(result.Issues, domain.ValidationIssue{
				Severity: domain.SeverityMedium,
				Message:  fmt.Sprintf("action %s failed: %s", ar.Type, ar.Error),
			})
			break
		}
	}

	result.Score = math.Max(0, result.Score)
	result.Passed = result.Score >= 70 && !critical

	a.updateRuleMetrics(rr)
	return result, nil
}

func (a *Agent) updateRuleMetrics(rr *domain.RuleResult) {
	a.mu.Lock()
	defer a.mu.Unlock()

	m, ok := a.ruleMetrics[rr.RuleID]
	if !ok {
		m = &domain.RuleMetrics{RuleID: rr.RuleID}
		a.ruleMetrics[rr.RuleID] = m
	}

	m.Count++
	m.TotalMs += rr.ExecutionMs
	m.AvgMs = float64(m.TotalMs) / float64(m.Count)
	if rr.Error != "" {
		m.ErrorCount++
	} else {
		m.SuccessCount++
	}
	m.LastExecuted = time.Now().UTC()
}

// record appends to the bounded history, updates totals, publishes the
// completion or failure event and persists every 10th completed validation.
func (a *Agent) record(req *domain.ValidationRequest, result *domain.ValidationResult, valErr error) {
	a.mu.Lock()
	a.active--

	if valErr != nil {
		req.Status = domain.ValidationFailed
	} else {
		req.Status = domain.ValidationCompleted
	}

	a.history = append(a.history, result)
	if len(a.history) > a.cfg.HistorySize {
		a.history = a.history[len(a.history)-a.cfg.HistorySize:]
	}

	a.total++
	if result.Passed {
		a.passedCount++
	} else {
		a.failedCount++
	}

	save := false
	if valErr == nil {
		a.completedSinceSave++
		if a.completedSinceSave >= 10 {
			a.completedSinceSave = 0
			save = true
		}
	}
	a.mu.Unlock()

	if a.collector != nil {
		a.collector.RecordValidation(string(result.Type), result.Passed)
	}

	if valErr != nil {
		slog.Warn("validation failed",
			"request_id", req.ID,
			"type", req.Type,
			"error", valErr,
		)
		a.publish(domain.TopicValidationFailed, map[string]any{
			"validation": result,
			"error":      valErr.Error(),
		})
	} else {
		slog.Debug("validation completed",
			"request_id", req.ID,
			"type", req.Type,
			"score", result.Score,
			"passed", result.Passed,
		)
		a.publish(domain.TopicValidationCompleted, map[string]any{
			"validation": result,
		})
	}

	if save && a.cfg.SnapshotPath != "" {
		a.saveSnapshot()
	}
}

// healthCheck publishes a system health snapshot.
func (a *Agent) healthCheck() {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	a.mu.Lock()
	snapshot := domain.HealthSnapshot{
		QueueLength:       len(a.queue),
		ActiveValidations: a.active,
		MemoryUsageBytes:  mem.Alloc,
		UptimeSeconds:     time.Since(a.startTime).Seconds(),
	}
	a.mu.Unlock()

	a.publish(domain.TopicHealthCheck, snapshot)
}

// analyzeTrends surfaces rules whose rolling metrics degrade. Findings are
// logged; persistent degradation shows up through anomaly detection.
func (a *Agent) analyzeTrends() {
	a.mu.Lock()
	defer a.mu.Unlock()

	for id, m := range a.ruleMetrics {
		if m.Count < 10 {
			continue
		}
		errorRate := float64(m.ErrorCount) / float64(m.Count)
		if errorRate > 0.1 {
			slog.Warn("rule error rate elevated",
				"rule_id", id,
				"error_rate", errorRate,
				"count", m.Count,
			)
		}
		if m.AvgMs > a.slowExecMs {
			slog.Warn("rule average execution time above threshold",
				"rule_id", id,
				"avg_ms", m.AvgMs,
				"threshold_ms", a.slowExecMs,
			)
		}
	}
}

// Stats returns a point-in-time snapshot of the agent.
func (a *Agent) Stats() domain.AgentStats {
	a.mu.Lock()
	defer a.mu.Unlock()

	var successRate float64
	if a.total > 0 {
		successRate = float64(a.passedCount) / float64(a.total)
	}

	ruleMetrics := make(map[string]*domain.RuleMetrics, len(a.ruleMetrics))
	for id, m := range a.ruleMetrics {
		copied := *m
		ruleMetrics[id] = &copied
	}

	anomalies := a.anomalies
	if len(anomalies) > 10 {
		anomalies = anomalies[len(anomalies)-10:]
	}
	anomaliesCopy := make([]domain.Anomaly, len(anomalies))
	copy(anomaliesCopy, anomalies)

	return domain.AgentStats{
		TotalValidations:  a.total,
		PassedValidations: a.passedCount,
		FailedValidations: a.failedCount,
		SuccessRate:       successRate,
		RuleMetrics:       ruleMetrics,
		Anomalies:         anomaliesCopy,
	}
}

// Stop halts the tick loop and waits until in-flight validations drain.
func (a *Agent) Stop() {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return
	}
	a.stopped = true
	running := a.running
	a.running = false
	a.mu.Unlock()

	if running {
		close(a.stopCh)
		<-a.doneCh
	}

	for {
		a.mu.Lock()
		remaining := a.active
		a.mu.Unlock()
		if remaining == 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	slog.Info("validation agent stopped")
}

func (a *Agent) publish(topic string, payload any) {
	if a.bus == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("failed to marshal event payload", "topic", topic, "error", err)
		return
	}
	if err := a.bus.Publish(context.Background(), topic, data); err != nil {
		slog.Error("failed to publish event", "topic", topic, "error", err)
	}
}
