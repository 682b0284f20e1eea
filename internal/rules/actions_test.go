package rules

import (
	"strings"
	"testing"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func testTx() *domain.Transaction {
	return &domain.Transaction{
		ID: "tx-1",
		Fields: map[string]any{
			"amount": 15000.0,
			"userId": "u1",
			"type":   "transfer",
			"location": map[string]any{
				"country": "US",
			},
		},
	}
}

func TestFlagTransaction(t *testing.T) {
	res := ExecuteAction(domain.Action{
		Type:   domain.ActionFlagTransaction,
		Config: map[string]any{"reason": "looks odd"},
	}, testTx())

	if !res.Success {
		t.Fatalf("unexpected failure: %s", res.Error)
	}
	if res.Result["flagged"] != true {
		t.Error("expected flagged=true")
	}
	if res.Result["reason"] != "looks odd" {
		t.Errorf("reason = %v", res.Result["reason"])
	}
}

func TestFlagTransactionDefaultReason(t *testing.T) {
	res := ExecuteAction(domain.Action{Type: domain.ActionFlagTransaction}, testTx())
	if !res.Success {
		t.Fatalf("unexpected failure: %s", res.Error)
	}
	if res.Result["reason"] == "" {
		t.Error("expected a default reason")
	}
}

func TestSendNotificationInterpolation(t *testing.T) {
	res := ExecuteAction(domain.Action{
		Type: domain.ActionSendNotification,
		Config: map[string]any{
			"recipient": "compliance-team",
			"message":   "amount {amount} from {userId} in {location.country}, ref {missing.path}",
		},
	}, testTx())

	if !res.Success {
		t.Fatalf("unexpected failure: %s", res.Error)
	}
	got := res.Result["message"].(string)
	for _, want := range []string{"15000", "u1", "US"} {
		if !strings.Contains(got, want) {
			t.Errorf("message %q missing %q", got, want)
		}
	}
	// Unresolved placeholders stay verbatim.
	if !strings.Contains(got, "{missing.path}") {
		t.Errorf("message %q should keep unresolved placeholder", got)
	}
	if res.Result["recipient"] != "compliance-team" {
		t.Errorf("recipient = %v", res.Result["recipient"])
	}
}

func TestCalculateScore(t *testing.T) {
	factors := []domain.ScoreFactor{
		{
			Field:  "amount",
			Weight: 1.0,
			Ranges: []domain.ScoreRange{
				{Min: 0, Max: 9999.99, Points: 20},
				{Min: 10000, Max: 99999.99, Points: 60},
			},
		},
	}

	res := ExecuteAction(domain.Action{
		Type:   domain.ActionCalculateScore,
		Config: map[string]any{"factors": factors},
	}, testTx())

	if !res.Success {
		t.Fatalf("unexpected failure: %s", res.Error)
	}
	if got := res.Result["score"].(float64); got != 60 {
		t.Errorf("score = %v, want 60", got)
	}
}

func TestCalculateScoreClamped(t *testing.T) {
	tx := testTx()

	over := []domain.ScoreFactor{
		{Field: "amount", Weight: 5.0, Ranges: []domain.ScoreRange{{Min: 0, Max: 1e9, Points: 90}}},
	}
	res := ExecuteAction(domain.Action{
		Type:   domain.ActionCalculateScore,
		Config: map[string]any{"factors": over},
	}, tx)
	if !res.Success {
		t.Fatalf("unexpected failure: %s", res.Error)
	}
	if got := res.Result["score"].(float64); got != 100 {
		t.Errorf("score = %v, want clamp to 100", got)
	}

	under := []domain.ScoreFactor{
		{Field: "amount", Weight: 1.0, Ranges: []domain.ScoreRange{{Min: 0, Max: 1e9, Points: -50}}},
	}
	res = ExecuteAction(domain.Action{
		Type:   domain.ActionCalculateScore,
		Config: map[string]any{"factors": under},
	}, tx)
	if !res.Success {
		t.Fatalf("unexpected failure: %s", res.Error)
	}
	if got := res.Result["score"].(float64); got != 0 {
		t.Errorf("score = %v, want clamp to 0", got)
	}
}

func TestCalculateScoreFromJSONShape(t *testing.T) {
	// The generic map shape a JSON rule definition decodes into.
	factors := []any{
		map[string]any{
			"field":  "amount",
			"weight": 0.5,
			"ranges": []any{
				map[string]any{"min": 10000.0, "max": 99999.99, "points": 60.0},
			},
		},
	}

	res := ExecuteAction(domain.Action{
		Type:   domain.ActionCalculateScore,
		Config: map[string]any{"factors": factors},
	}, testTx())

	if !res.Success {
		t.Fatalf("unexpected failure: %s", res.Error)
	}
	if got := res.Result["score"].(float64); got != 30 {
		t.Errorf("score = %v, want 30", got)
	}
}

func TestCalculateScoreMissingFactors(t *testing.T) {
	res := ExecuteAction(domain.Action{Type: domain.ActionCalculateScore}, testTx())
	if res.Success {
		t.Fatal("expected failure without factors config")
	}
	if res.Error == "" {
		t.Error("expected an error message")
	}
}

func TestCalculateScoreSkipsNonNumericField(t *testing.T) {
	factors := []domain.ScoreFactor{
		{Field: "userId", Weight: 1.0, Ranges: []domain.ScoreRange{{Min: 0, Max: 100, Points: 50}}},
		{Field: "amount", Weight: 1.0, Ranges: []domain.ScoreRange{{Min: 10000, Max: 99999.99, Points: 60}}},
	}

	res := ExecuteAction(domain.Action{
		Type:   domain.ActionCalculateScore,
		Config: map[string]any{"factors": factors},
	}, testTx())

	if !res.Success {
		t.Fatalf("unexpected failure: %s", res.Error)
	}
	if got := res.Result["score"].(float64); got != 60 {
		t.Errorf("score = %v, want 60 (non-numeric factor skipped)", got)
	}
}

func TestLogEvent(t *testing.T) {
	tx := testTx()
	res := ExecuteAction(domain.Action{
		Type:   domain.ActionLogEvent,
		Config: map[string]any{"event": "suspicious_transfer"},
	}, tx)

	if !res.Success {
		t.Fatalf("unexpected failure: %s", res.Error)
	}
	if res.Result["event"] != "suspicious_transfer" {
		t.Errorf("event = %v", res.Result["event"])
	}
	data, ok := res.Result["data"].(map[string]any)
	if !ok || data["userId"] != "u1" {
		t.Errorf("data = %v, want transaction fields", res.Result["data"])
	}
}

func TestRejectTransaction(t *testing.T) {
	res := ExecuteAction(domain.Action{Type: domain.ActionRejectTransaction}, testTx())
	if !res.Success {
		t.Fatalf("unexpected failure: %s", res.Error)
	}
	if res.Result["rejected"] != true {
		t.Error("expected rejected=true")
	}
}

func TestUnknownActionType(t *testing.T) {
	res := ExecuteAction(domain.Action{Type: domain.ActionKind("block_card")}, testTx())
	if res.Success {
		t.Fatal("expected failure for unknown action type")
	}
	if !strings.Contains(res.Error, "unknown action type") {
		t.Errorf("error = %q", res.Error)
	}
	if res.Type != domain.ActionKind("block_card") {
		t.Errorf("result type = %q", res.Type)
	}
}
