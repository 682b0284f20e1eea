package agent

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"reflect"
	"strings"

	"github.com/opensource-finance/kestrel/internal/conditions"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// maxComplexity is the condition-tree complexity ceiling before a rule is
// flagged as hard to reason about.
const maxComplexity = 10

// contradictionTable pairs operators that, applied to the same field with the
// same value, can never both hold.
var contradictionTable = map[domain.Operator]domain.Operator{
	domain.OpEquals:      domain.OpNotEquals,
	domain.OpGreaterThan: domain.OpLessThanOrEqual,
	domain.OpLessThan:    domain.OpGreaterThanOrEqual,
	domain.OpContains:    domain.OpNotContains,
	domain.OpIn:          domain.OpNotIn,
}

// securityPatterns are substrings that should never appear in a rule
// definition: code-injection fragments and credential-looking names.
var securityPatterns = []string{
	"eval(",
	"exec(",
	"<script",
	"javascript:",
	"password",
	"secret",
	"api_key",
	"apikey",
	"credential",
}

// validateRuleLogic statically analyzes a rule definition. Score is
// 100 - 10 per issue; the rule passes at 70 or above.
func (a *Agent) validateRuleLogic(data *domain.ValidationData) (*domain.ValidationResult, error) {
	rule := data.Rule
	if rule == nil {
		return nil, errors.New("rule_logic validation requires a rule definition")
	}

	issues := AnalyzeRule(rule)
	score := math.Max(0, 100-10*float64(len(issues)))

	return &domain.ValidationResult{
		RuleID: rule.ID,
		Score:  score,
		Passed: score >= 70,
		Issues: issues,
	}, nil
}

// AnalyzeRule runs the static checks: missing conditions, excessive
// complexity, pairwise contradictions and security-sensitive patterns.
func AnalyzeRule(rule *domain.Rule) []domain.ValidationIssue {
	var issues []domain.ValidationIssue

	if isMissingConditions(&rule.Conditions) {
		issues = append(issues, domain.ValidationIssue{
			Severity: domain.SeverityHigh,
			Message:  "rule has no conditions",
		})
	}

	if c := Complexity(&rule.Conditions); c > maxComplexity {
		issues = append(issues, domain.ValidationIssue{
			Severity: domain.SeverityMedium,
			Message:  fmt.Sprintf("condition tree complexity %d exceeds %d", c, maxComplexity),
		})
	}

	issues = append(issues, findContradictions(&rule.Conditions)...)
	issues = append(issues, findSecurityPatterns(rule)...)

	return issues
}

func isMissingConditions(cond *domain.Condition) bool {
	return cond.Kind() == domain.KindLeaf && cond.Field == "" && cond.Operator == ""
}

// Complexity sums leaf nesting depths (each leaf contributes depth+1); a not
// node adds one on top of its child.
func Complexity(cond *domain.Condition) int {
	return complexityAt(cond, 0)
}

func complexityAt(cond *domain.Condition, depth int) int {
	switch cond.Kind() {
	case domain.KindAnd:
		total := 0
		for i := range cond.All {
			total += complexityAt(&cond.All[i], depth+1)
		}
		return total
	case domain.KindOr:
		total := 0
		for i := range cond.Any {
			total += complexityAt(&cond.Any[i], depth+1)
		}
		return total
	case domain.KindNot:
		return 1 + complexityAt(cond.Neg, depth+1)
	default:
		return depth + 1
	}
}

// findContradictions flags leaf pairs on the same field whose operators
// oppose each other with an equal comparison value.
func findContradictions(cond *domain.Condition) []domain.ValidationIssue {
	leaves := collectLeaves(cond, nil)

	var issues []domain.ValidationIssue
	for i := 0; i < len(leaves); i++ {
		for j := i + 1; j < len(leaves); j++ {
			a, b := leaves[i], leaves[j]
			if a.Field != b.Field {
				continue
			}
			if !opposing(a.Operator, b.Operator) {
				continue
			}
			if !contradictionValuesEqual(a.Value, b.Value) {
				continue
			}
			issues = append(issues, domain.ValidationIssue{
				Severity: domain.SeverityHigh,
				Message: fmt.Sprintf("contradictory conditions on field %q: %s vs %s",
					a.Field, a.Operator, b.Operator),
			})
		}
	}
	return issues
}

func opposing(a, b domain.Operator) bool {
	return contradictionTable[a] == b || contradictionTable[b] == a
}

// contradictionValuesEqual widens numerics before comparing so a code-defined
// int and a JSON-decoded float64 still pair up.
func contradictionValuesEqual(a, b any) bool {
	if na, ok := conditions.CoerceNumber(a); ok {
		if nb, ok := conditions.CoerceNumber(b); ok {
			return na == nb
		}
		return false
	}
	return reflect.DeepEqual(a, b)
}

func collectLeaves(cond *domain.Condition, acc []*domain.Condition) []*domain.Condition {
	switch cond.Kind() {
	case domain.KindAnd:
		for i := range cond.All {
			acc = collectLeaves(&cond.All[i], acc)
		}
	case domain.KindOr:
		for i := range cond.Any {
			acc = collectLeaves(&cond.Any[i], acc)
		}
	case domain.KindNot:
		acc = collectLeaves(cond.Neg, acc)
	default:
		acc = append(acc, cond)
	}
	return acc
}

// findSecurityPatterns searches the rule's serialized text for injection
// fragments and credential-looking names.
func findSecurityPatterns(rule *domain.Rule) []domain.ValidationIssue {
	serialized, err := json.Marshal(rule)
	if err != nil {
		return nil
	}
	text := strings.ToLower(string(serialized))

	var issues []domain.ValidationIssue
	for _, pattern := range securityPatterns {
		if strings.Contains(text, pattern) {
			issues = append(issues, domain.ValidationIssue{
				Severity: domain.SeverityHigh,
				Message:  fmt.Sprintf("security-sensitive pattern %q found in rule definition", pattern),
			})
		}
	}
	return issues
}
