package domain

import "time"

// Recommendation values, in descending precedence.
const (
	RecommendationReviewRequired   = "REVIEW_REQUIRED"
	RecommendationMonitorClosely   = "MONITOR_CLOSELY"
	RecommendationNormalMonitoring = "NORMAL_MONITORING"
	RecommendationApproved         = "APPROVED"
)

// Summary condenses a batch report into a risk score and a recommendation.
// RiskScore is the mean of all calculate_score action results across
// triggered rules, 0 when none produced a score.
type Summary struct {
	RiskScore      float64 `json:"riskScore"`
	Recommendation string  `json:"recommendation"`
}

// ProcessingResult is the complete outcome of one transaction evaluation.
type ProcessingResult struct {
	TransactionID string       `json:"transactionId"`
	Timestamp     time.Time    `json:"timestamp"`
	RuleResults   []RuleResult `json:"ruleResults"`
	ProcessingMs  int64        `json:"processingMs"`
	Summary       Summary      `json:"summary"`
}

// PipelineMetrics are the pipeline's rolling counters.
type PipelineMetrics struct {
	Processed       int64   `json:"processed"`
	Failed          int64   `json:"failed"`
	Retried         int64   `json:"retried"`
	AvgProcessingMs float64 `json:"avgProcessingMs"`
}

// PipelineStatus is a point-in-time snapshot of the pipeline.
type PipelineStatus struct {
	IsProcessing          bool                `json:"isProcessing"`
	QueueLength           int                 `json:"queueLength"`
	ProcessingQueueLength int                 `json:"processingQueueLength"`
	RulesLoaded           int                 `json:"rulesLoaded"`
	Metrics               PipelineMetrics     `json:"metrics"`
	RecentTransactions    []*ProcessingResult `json:"recentTransactions"`
}
