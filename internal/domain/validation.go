package domain

import "time"

// ValidationType selects the agent's scoring strategy for a request.
type ValidationType string

const (
	ValidationRuleExecution ValidationType = "rule_execution"
	ValidationRuleLogic     ValidationType = "rule_logic"
	ValidationPerformance   ValidationType = "performance"
	ValidationSecurity      ValidationType = "security"
	ValidationDataIntegrity ValidationType = "data_integrity"
)

// ValidationPriority controls scheduling. High-priority requests may be
// picked up out of band, before the next agent tick.
type ValidationPriority string

const (
	PriorityNormal ValidationPriority = "normal"
	PriorityHigh   ValidationPriority = "high"
)

// ValidationStatus tracks a request through the agent.
type ValidationStatus string

const (
	ValidationQueued     ValidationStatus = "queued"
	ValidationProcessing ValidationStatus = "processing"
	ValidationCompleted  ValidationStatus = "completed"
	ValidationFailed     ValidationStatus = "failed"
)

// ValidationRequest is an async job for the validation agent.
type ValidationRequest struct {
	ID        string             `json:"id"`
	Timestamp time.Time          `json:"timestamp"`
	Type      ValidationType     `json:"type"`
	Priority  ValidationPriority `json:"priority"`
	Data      ValidationData     `json:"data"`
	Status    ValidationStatus   `json:"status"`
}

// ValidationData carries the material under validation. Which fields are set
// depends on the request type.
type ValidationData struct {
	TransactionID string      `json:"transactionId,omitempty"`
	RuleID        string      `json:"ruleId,omitempty"`
	RuleResult    *RuleResult `json:"ruleResult,omitempty"`
	Rule          *Rule       `json:"rule,omitempty"`

	// ExpectedTriggered, when set, is compared with the observed outcome.
	ExpectedTriggered *bool `json:"expectedTriggered,omitempty"`
}

// IssueSeverity grades a validation issue.
type IssueSeverity string

const (
	SeverityLow      IssueSeverity = "low"
	SeverityMedium   IssueSeverity = "medium"
	SeverityHigh     IssueSeverity = "high"
	SeverityCritical IssueSeverity = "critical"
)

// ValidationIssue is one finding of a validation run.
type ValidationIssue struct {
	Severity IssueSeverity `json:"severity"`
	Message  string        `json:"message"`
}

// ValidationResult is the scored outcome of one validation request.
type ValidationResult struct {
	RequestID   string            `json:"requestId"`
	Type        ValidationType    `json:"type"`
	RuleID      string            `json:"ruleId,omitempty"`
	Score       float64           `json:"score"`
	Passed      bool              `json:"passed"`
	Issues      []ValidationIssue `json:"issues,omitempty"`
	ExecutionMs int64             `json:"executionMs"`
	Error       string            `json:"error,omitempty"`
	Timestamp   time.Time         `json:"timestamp"`
}

// RuleMetrics accumulates per-rule execution statistics. Mutated only by the
// validation agent; never reset except by process restart.
type RuleMetrics struct {
	RuleID       string    `json:"ruleId"`
	Count        int64     `json:"count"`
	TotalMs      int64     `json:"totalMs"`
	AvgMs        float64   `json:"avgMs"`
	SuccessCount int64     `json:"successCount"`
	ErrorCount   int64     `json:"errorCount"`
	LastExecuted time.Time `json:"lastExecuted"`
}

// Anomaly records an aggregate deviation detected by the agent. Append-only.
type Anomaly struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Observed  float64   `json:"observed"`
	Threshold float64   `json:"threshold"`
}

// AgentStats is a point-in-time snapshot of the validation agent.
type AgentStats struct {
	TotalValidations  int64                   `json:"totalValidations"`
	PassedValidations int64                   `json:"passedValidations"`
	FailedValidations int64                   `json:"failedValidations"`
	SuccessRate       float64                 `json:"successRate"`
	RuleMetrics       map[string]*RuleMetrics `json:"ruleMetrics"`
	Anomalies         []Anomaly               `json:"anomalies"`
}

// HealthSnapshot is published on each agent tick.
type HealthSnapshot struct {
	QueueLength       int     `json:"queueLength"`
	ActiveValidations int     `json:"activeValidations"`
	MemoryUsageBytes  uint64  `json:"memoryUsage"`
	UptimeSeconds     float64 `json:"uptime"`
}
