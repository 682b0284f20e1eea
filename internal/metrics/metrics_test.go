package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func scrape(t *testing.T, c *Collector) string {
	t.Helper()
	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 200 {
		t.Fatalf("scrape status = %d", rec.Code)
	}
	return rec.Body.String()
}

func TestCollectorExposition(t *testing.T) {
	c := NewCollector()

	c.RecordSubmission(4)
	c.RecordTransaction(25*time.Millisecond, 60, true)
	c.RecordTransaction(5*time.Millisecond, 0, false)
	c.RecordRetry()
	c.RecordValidation("rule_execution", true)
	c.RecordValidation("rule_execution", false)
	c.RecordAnomaly()

	body := scrape(t, c)

	cases := []string{
		"kestrel_transactions_submitted_total 1",
		"kestrel_transactions_processed_total 1",
		"kestrel_transactions_failed_total 1",
		"kestrel_transaction_retries_total 1",
		"kestrel_anomalies_detected_total 1",
		"kestrel_pipeline_queue_length 4",
		`kestrel_validations_completed_total{passed="true",type="rule_execution"} 1`,
		`kestrel_validations_completed_total{passed="false",type="rule_execution"} 1`,
	}
	for _, want := range cases {
		if !strings.Contains(body, want) {
			t.Errorf("exposition missing %q", want)
		}
	}
}

func TestCollectorsAreIsolated(t *testing.T) {
	a := NewCollector()
	b := NewCollector()

	a.RecordAnomaly()

	if !strings.Contains(scrape(t, a), "kestrel_anomalies_detected_total 1") {
		t.Error("first collector should count the anomaly")
	}
	if !strings.Contains(scrape(t, b), "kestrel_anomalies_detected_total 0") {
		t.Error("second collector must not share state")
	}
}

func TestSetQueueLength(t *testing.T) {
	c := NewCollector()
	c.SetQueueLength(7)

	if !strings.Contains(scrape(t, c), "kestrel_pipeline_queue_length 7") {
		t.Error("gauge not updated")
	}
}
