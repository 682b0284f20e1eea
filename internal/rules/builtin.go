package rules

import (
	"math"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// amountFactors is the default amount scoring config: 10 points below 1k,
// 30 up to 10k, 60 up to 100k, 90 beyond.
var amountFactors = []domain.ScoreFactor{
	{
		Field:  "amount",
		Weight: 1.0,
		Ranges: []domain.ScoreRange{
			{Min: 0, Max: 999.99, Points: 10},
			{Min: 1000, Max: 9999.99, Points: 30},
			{Min: 10000, Max: 99999.99, Points: 60},
			{Min: 100000, Max: math.Inf(1), Points: 90},
		},
	},
}

// DefaultRules returns the rule set loaded when the caller supplies none.
func DefaultRules() []domain.Rule {
	return []domain.Rule{
		{
			ID:         "high_amount_transaction",
			Name:       "High Amount Transaction",
			Enabled:    true,
			Conditions: domain.Leaf("amount", domain.OpGreaterThan, 10000.0),
			Actions: []domain.Action{
				{
					Type:   domain.ActionFlagTransaction,
					Config: map[string]any{"reason": "transaction amount exceeds 10000"},
				},
				{
					Type: domain.ActionSendNotification,
					Config: map[string]any{
						"recipient": "compliance-team",
						"message":   "High amount transaction of {amount} from user {userId}",
					},
				},
				{
					Type:   domain.ActionCalculateScore,
					Config: map[string]any{"factors": amountFactors},
				},
			},
		},
		{
			ID:      "high_risk_country",
			Name:    "High Risk Country",
			Enabled: true,
			Conditions: domain.Leaf("location.country", domain.OpIn,
				[]string{"IR", "KP", "SY", "CU", "MM"}),
			Actions: []domain.Action{
				{
					Type:   domain.ActionFlagTransaction,
					Config: map[string]any{"reason": "transaction originates from a high risk country"},
				},
				{
					Type:   domain.ActionLogEvent,
					Config: map[string]any{"event": "high_risk_country_transaction"},
				},
			},
		},
		{
			ID:      "structuring_pattern",
			Name:    "Structuring Pattern",
			Enabled: true,
			Conditions: domain.And(
				domain.Leaf("amount", domain.OpGreaterThanOrEqual, 9000.0),
				domain.Leaf("amount", domain.OpLessThan, 10000.0),
			),
			Actions: []domain.Action{
				{
					Type:   domain.ActionFlagTransaction,
					Config: map[string]any{"reason": "amount just below the reporting threshold"},
				},
				{
					Type:   domain.ActionLogEvent,
					Config: map[string]any{"event": "possible_structuring"},
				},
			},
		},
	}
}
