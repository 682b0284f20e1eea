package rules

import (
	"errors"
	"fmt"
	"math"
	"regexp"

	"github.com/opensource-finance/kestrel/internal/conditions"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// ErrUnknownActionType marks an action kind outside the closed handler set.
// It is caught by the engine's per-action isolation and recorded on that
// action's result only.
var ErrUnknownActionType = errors.New("unknown action type")

// ExecuteAction runs one action against a transaction. Execution is a pure
// function of (action, transaction); failures are returned as an unsuccessful
// result, never as a panic.
func ExecuteAction(action domain.Action, tx *domain.Transaction) domain.ActionResult {
	result, err := dispatch(action, tx)
	if err != nil {
		return domain.ActionResult{
			Type:    action.Type,
			Success: false,
			Error:   err.Error(),
		}
	}
	return domain.ActionResult{
		Type:    action.Type,
		Success: true,
		Result:  result,
	}
}

func dispatch(action domain.Action, tx *domain.Transaction) (map[string]any, error) {
	switch action.Type {
	case domain.ActionFlagTransaction:
		return map[string]any{
			"flagged": true,
			"reason":  configString(action.Config, "reason", "transaction flagged by rule"),
		}, nil

	case domain.ActionSendNotification:
		message := configString(action.Config, "message", "")
		return map[string]any{
			"sent":      true,
			"recipient": configString(action.Config, "recipient", ""),
			"message":   interpolate(message, tx),
		}, nil

	case domain.ActionCalculateScore:
		score, err := calculateScore(action.Config, tx)
		if err != nil {
			return nil, err
		}
		return map[string]any{"score": score}, nil

	case domain.ActionLogEvent:
		// Echoes the full transaction document; redaction is the caller's
		// responsibility.
		return map[string]any{
			"logged": true,
			"event":  configString(action.Config, "event", "rule_triggered"),
			"data":   tx.Fields,
		}, nil

	case domain.ActionRejectTransaction:
		return map[string]any{
			"rejected": true,
			"reason":   configString(action.Config, "reason", "transaction rejected by rule"),
		}, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownActionType, action.Type)
	}
}

var placeholderRe = regexp.MustCompile(`\{([a-zA-Z0-9_.]+)\}`)

// interpolate replaces {dot.path} placeholders with transaction field values.
// Unresolved placeholders are left verbatim.
func interpolate(template string, tx *domain.Transaction) string {
	return placeholderRe.ReplaceAllStringFunc(template, func(match string) string {
		path := match[1 : len(match)-1]
		val, ok := conditions.Lookup(tx.Fields, path)
		if !ok {
			return match
		}
		return fmt.Sprintf("%v", val)
	})
}

// calculateScore computes the weighted-bucket score: for each factor, the
// first range containing the field's numeric value (inclusive bounds) adds
// points*weight. The total is clamped to [0,100].
func calculateScore(config map[string]any, tx *domain.Transaction) (float64, error) {
	factors, err := parseFactors(config["factors"])
	if err != nil {
		return 0, err
	}

	var total float64
	for _, factor := range factors {
		val, ok := conditions.Lookup(tx.Fields, factor.Field)
		if !ok {
			continue
		}
		num, ok := conditions.CoerceNumber(val)
		if !ok {
			continue
		}

		for _, r := range factor.Ranges {
			if num >= r.Min && num <= r.Max {
				total += r.Points * factor.Weight
				break
			}
		}
	}

	return math.Min(100, math.Max(0, total)), nil
}

// parseFactors accepts both typed factors (rules defined in code) and the
// generic map shape produced by JSON rule definitions.
func parseFactors(v any) ([]domain.ScoreFactor, error) {
	switch f := v.(type) {
	case nil:
		return nil, errors.New("calculate_score requires a factors config")
	case []domain.ScoreFactor:
		return f, nil
	case []any:
		factors := make([]domain.ScoreFactor, 0, len(f))
		for _, item := range f {
			m, ok := item.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("invalid score factor: %v", item)
			}
			factor := domain.ScoreFactor{
				Field:  configString(m, "field", ""),
				Weight: configNumber(m, "weight", 1),
			}
			ranges, _ := m["ranges"].([]any)
			for _, ri := range ranges {
				rm, ok := ri.(map[string]any)
				if !ok {
					return nil, fmt.Errorf("invalid score range: %v", ri)
				}
				factor.Ranges = append(factor.Ranges, domain.ScoreRange{
					Min:    configNumber(rm, "min", 0),
					Max:    configNumber(rm, "max", math.Inf(1)),
					Points: configNumber(rm, "points", 0),
				})
			}
			factors = append(factors, factor)
		}
		return factors, nil
	default:
		return nil, fmt.Errorf("invalid factors config: %T", v)
	}
}

func configString(config map[string]any, key, fallback string) string {
	if s, ok := config[key].(string); ok && s != "" {
		return s
	}
	return fallback
}

func configNumber(config map[string]any, key string, fallback float64) float64 {
	if n, ok := conditions.CoerceNumber(config[key]); ok {
		return n
	}
	return fallback
}
