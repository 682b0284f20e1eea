// Package rules provides the condition-tree rule evaluation engine and the
// action executor.
package rules

import (
	"context"
	"log/slog"
	"time"

	"github.com/opensource-finance/kestrel/internal/conditions"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// Engine evaluates rules against transactions. It is stateless and safe for
// concurrent use; the active rule set is owned by the caller and passed per
// evaluation, so a rule-set swap never interrupts in-flight work.
type Engine struct{}

// NewEngine creates a new rule evaluation engine.
func NewEngine() *Engine {
	return &Engine{}
}

// EvaluateRule evaluates one rule. A condition-tree defect is captured on the
// result's Error field with Triggered=false and no actions; it never
// propagates. Actions run only when the rule triggers, each isolated from its
// siblings' failures.
func (e *Engine) EvaluateRule(ctx context.Context, rule *domain.Rule, tx *domain.Transaction) domain.RuleResult {
	start := time.Now()

	result := domain.RuleResult{
		RuleID:   rule.ID,
		RuleName: rule.Name,
		Actions:  []domain.ActionResult{},
	}

	triggered, err := conditions.Evaluate(&rule.Conditions, tx.Fields)
	if err != nil {
		result.Error = err.Error()
		result.ExecutionMs = time.Since(start).Milliseconds()
		slog.Warn("rule evaluation failed",
			"rule_id", rule.ID,
			"transaction_id", tx.ID,
			"error", err,
		)
		return result
	}

	result.Triggered = triggered
	if triggered {
		for _, action := range rule.Actions {
			actionResult := ExecuteAction(action, tx)
			if !actionResult.Success {
				slog.Warn("action execution failed",
					"rule_id", rule.ID,
					"action_type", action.Type,
					"error", actionResult.Error,
				)
			}
			result.Actions = append(result.Actions, actionResult)
		}
	}

	result.ExecutionMs = time.Since(start).Milliseconds()
	return result
}

// EvaluateAll evaluates every enabled rule against the transaction, in the
// rule set's given order. Order matters for deterministic reporting only;
// rules are independent.
func (e *Engine) EvaluateAll(ctx context.Context, ruleSet []domain.Rule, tx *domain.Transaction) (*domain.BatchReport, error) {
	report := &domain.BatchReport{
		Results: []domain.RuleResult{},
	}

	for i := range ruleSet {
		rule := &ruleSet[i]
		if !rule.Enabled {
			continue
		}

		result := e.EvaluateRule(ctx, rule, tx)
		report.Total++
		if result.Error != "" {
			report.Failed++
		} else if result.Triggered {
			report.Triggered++
		}
		report.Results = append(report.Results, result)
	}

	return report, nil
}
