package agent

import (
	"encoding/json"
	"log/slog"
	"math"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// anomalyWindow is how many recent history entries the detector inspects.
const anomalyWindow = 100

// minSampleSize is the minimum history size before the detector fires at all.
const minSampleSize = 10

// detectAnomalies computes the error rate over the most recent history window
// and raises an anomaly event when it crosses the threshold.
func (a *Agent) detectAnomalies() {
	a.mu.Lock()
	window := a.history
	if len(window) > anomalyWindow {
		window = window[len(window)-anomalyWindow:]
	}

	if len(window) < minSampleSize {
		a.mu.Unlock()
		return
	}

	failed := 0
	for _, r := range window {
		if !r.Passed {
			failed++
		}
	}
	errorRate := float64(failed) / float64(len(window))
	threshold := a.errorRateThreshold

	if errorRate <= threshold {
		a.mu.Unlock()
		return
	}

	anomaly := domain.Anomaly{
		ID:        uuid.New().String(),
		Type:      "elevated_error_rate",
		Timestamp: time.Now().UTC(),
		Observed:  errorRate,
		Threshold: threshold,
	}
	a.anomalies = append(a.anomalies, anomaly)
	a.mu.Unlock()

	if a.collector != nil {
		a.collector.RecordAnomaly()
	}

	slog.Warn("anomaly detected",
		"type", anomaly.Type,
		"error_rate", errorRate,
		"threshold", threshold,
	)

	a.publish(domain.TopicAnomalyDetected, map[string]any{
		"type":      anomaly.Type,
		"errorRate": errorRate,
		"threshold": threshold,
	})
}

// historySnapshot is the persisted validation history document.
type historySnapshot struct {
	SavedAt   time.Time                  `json:"savedAt"`
	History   []*domain.ValidationResult `json:"history"`
	Anomalies []domain.Anomaly           `json:"anomalies"`
}

// saveSnapshot persists the bounded history. Best effort: a write failure is
// logged and the agent keeps running.
func (a *Agent) saveSnapshot() {
	a.mu.Lock()
	snapshot := historySnapshot{
		SavedAt:   time.Now().UTC(),
		History:   append([]*domain.ValidationResult{}, a.history...),
		Anomalies: append([]domain.Anomaly{}, a.anomalies...),
	}
	a.mu.Unlock()

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		slog.Error("failed to marshal history snapshot", "error", err)
		return
	}

	if err := os.WriteFile(a.cfg.SnapshotPath, data, 0o644); err != nil {
		slog.Error("failed to write history snapshot",
			"path", a.cfg.SnapshotPath,
			"error", err,
		)
		return
	}

	slog.Debug("history snapshot written",
		"path", a.cfg.SnapshotPath,
		"entries", len(snapshot.History),
	)
}

// loadSnapshot reads the persisted history once at startup and recalibrates
// the adaptive thresholds from it. The live history buffer starts empty; the
// snapshot only seeds thresholds.
func (a *Agent) loadSnapshot() {
	if a.cfg.SnapshotPath == "" {
		return
	}

	data, err := os.ReadFile(a.cfg.SnapshotPath)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("failed to read history snapshot",
				"path", a.cfg.SnapshotPath,
				"error", err,
			)
		}
		return
	}

	var snapshot historySnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		slog.Warn("failed to parse history snapshot",
			"path", a.cfg.SnapshotPath,
			"error", err,
		)
		return
	}

	a.recalibrate(snapshot.History)
}

// recalibrate derives the execution-time threshold as max(avg*3, max*1.5)
// and the error-rate threshold as max(observed*2, 1%). Startup only; the
// thresholds stay fixed afterwards.
func (a *Agent) recalibrate(history []*domain.ValidationResult) {
	if len(history) == 0 {
		return
	}

	var totalMs, maxMs float64
	failed := 0
	for _, r := range history {
		ms := float64(r.ExecutionMs)
		totalMs += ms
		if ms > maxMs {
			maxMs = ms
		}
		if !r.Passed {
			failed++
		}
	}

	avgMs := totalMs / float64(len(history))
	execThreshold := math.Max(avgMs*3, maxMs*1.5)
	errorRate := float64(failed) / float64(len(history))
	rateThreshold := math.Max(errorRate*2, 0.01)

	a.mu.Lock()
	if execThreshold > 0 {
		a.slowExecMs = execThreshold
	}
	a.errorRateThreshold = rateThreshold
	a.mu.Unlock()

	slog.Info("thresholds recalibrated from persisted history",
		"entries", len(history),
		"slow_execution_ms", execThreshold,
		"error_rate_threshold", rateThreshold,
	)
}
