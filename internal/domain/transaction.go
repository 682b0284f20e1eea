package domain

import (
	"time"
)

// TransactionStatus tracks a transaction through the pipeline state machine.
type TransactionStatus string

const (
	StatusPending    TransactionStatus = "pending"
	StatusProcessing TransactionStatus = "processing"
	StatusCompleted  TransactionStatus = "completed"
	StatusFailed     TransactionStatus = "failed"
)

// Transaction is a unit of work owned by the pipeline. Fields holds the
// caller-supplied document; rule conditions address it by dot-path
// (e.g. "location.country"). The pipeline assigns ID, Timestamp, Status and
// RetryCount on submission.
type Transaction struct {
	ID         string            `json:"id"`
	Timestamp  time.Time         `json:"timestamp"`
	Status     TransactionStatus `json:"status"`
	RetryCount int               `json:"retryCount"`

	// Fields is the raw transaction document as submitted.
	Fields map[string]any `json:"fields"`

	// Result is set once processing completes.
	Result *ProcessingResult `json:"result,omitempty"`
}

// Amount returns the transaction amount, or 0 if absent or non-numeric.
func (t *Transaction) Amount() float64 {
	switch v := t.Fields["amount"].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	default:
		return 0
	}
}

// UserID returns the submitting user identifier.
func (t *Transaction) UserID() string {
	s, _ := t.Fields["userId"].(string)
	return s
}

// Type returns the transaction type (e.g. "transfer", "withdrawal").
func (t *Transaction) Type() string {
	s, _ := t.Fields["type"].(string)
	return s
}
