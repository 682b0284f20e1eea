// Package conditions evaluates boolean condition trees against transaction
// documents. Evaluation is pure and synchronous; operators form a closed set
// matched exhaustively, so an unknown operator is a hard error rather than a
// silent false.
package conditions

import (
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

var (
	// ErrMalformedCondition marks a leaf missing its field or operator, or an
	// operand whose shape the operator cannot accept.
	ErrMalformedCondition = errors.New("malformed condition")

	// ErrUnsupportedOperator marks an operator outside the closed registry.
	ErrUnsupportedOperator = errors.New("unsupported operator")
)

// Evaluate walks the condition tree against the document. And short-circuits
// on the first false child, Or on the first true one; an empty And is
// vacuously true and an empty Or vacuously false.
func Evaluate(cond *domain.Condition, doc map[string]any) (bool, error) {
	switch cond.Kind() {
	case domain.KindAnd:
		for i := range cond.All {
			ok, err := Evaluate(&cond.All[i], doc)
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
		}
		return true, nil

	case domain.KindOr:
		for i := range cond.Any {
			ok, err := Evaluate(&cond.Any[i], doc)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil

	case domain.KindNot:
		ok, err := Evaluate(cond.Neg, doc)
		if err != nil {
			return false, err
		}
		return !ok, nil

	default:
		return evaluateLeaf(cond, doc)
	}
}

// Lookup resolves a dot-path against a nested document. A missing
// intermediate or final key returns ok=false; it is never an error.
func Lookup(doc map[string]any, path string) (any, bool) {
	if path == "" {
		return nil, false
	}

	var current any = doc
	for _, part := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func evaluateLeaf(cond *domain.Condition, doc map[string]any) (bool, error) {
	if cond.Field == "" {
		return false, fmt.Errorf("%w: leaf without field", ErrMalformedCondition)
	}
	if cond.Operator == "" {
		return false, fmt.Errorf("%w: leaf %q without operator", ErrMalformedCondition, cond.Field)
	}

	// Absent fields evaluate as undefined, not as an error.
	fieldVal, _ := Lookup(doc, cond.Field)

	switch cond.Operator {
	case domain.OpEquals:
		return valueEquals(fieldVal, cond.Value), nil

	case domain.OpNotEquals:
		return !valueEquals(fieldVal, cond.Value), nil

	case domain.OpGreaterThan:
		return compareNumbers(fieldVal, cond.Value, func(a, b float64) bool { return a > b }), nil

	case domain.OpLessThan:
		return compareNumbers(fieldVal, cond.Value, func(a, b float64) bool { return a < b }), nil

	case domain.OpGreaterThanOrEqual:
		return compareNumbers(fieldVal, cond.Value, func(a, b float64) bool { return a >= b }), nil

	case domain.OpLessThanOrEqual:
		return compareNumbers(fieldVal, cond.Value, func(a, b float64) bool { return a <= b }), nil

	case domain.OpContains:
		return strings.Contains(foldString(fieldVal), foldString(cond.Value)), nil

	case domain.OpNotContains:
		return !strings.Contains(foldString(fieldVal), foldString(cond.Value)), nil

	case domain.OpStartsWith:
		return strings.HasPrefix(foldString(fieldVal), foldString(cond.Value)), nil

	case domain.OpEndsWith:
		return strings.HasSuffix(foldString(fieldVal), foldString(cond.Value)), nil

	case domain.OpIn:
		return membership(cond, fieldVal)

	case domain.OpNotIn:
		ok, err := membership(cond, fieldVal)
		if err != nil {
			return false, err
		}
		return !ok, nil

	case domain.OpIsEmpty:
		return isEmpty(fieldVal), nil

	case domain.OpIsNotEmpty:
		return !isEmpty(fieldVal), nil

	case domain.OpDateBefore:
		return compareDates(fieldVal, cond.Value, func(a, b time.Time) bool { return a.Before(b) }), nil

	case domain.OpDateAfter:
		return compareDates(fieldVal, cond.Value, func(a, b time.Time) bool { return a.After(b) }), nil

	case domain.OpDateBetween:
		return dateBetween(cond, fieldVal)

	default:
		return false, fmt.Errorf("%w: %q", ErrUnsupportedOperator, cond.Operator)
	}
}

// valueEquals implements strict equality: numeric values of any width compare
// numerically, everything else must match in both type and value. An absent
// field compared against a non-nil value is false. Slices and maps from
// decoded JSON are not comparable with ==, so those fall back to deep
// equality instead of panicking.
func valueEquals(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if na, ok := toNumber(a); ok {
		if nb, ok := toNumber(b); ok {
			return na == nb
		}
		return false
	}
	if !reflect.TypeOf(a).Comparable() || !reflect.TypeOf(b).Comparable() {
		return reflect.DeepEqual(a, b)
	}
	return a == b
}

// toNumber coerces numeric types only. Strings do not take part in strict
// equality but numeric comparisons accept them.
func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}

// CoerceNumber widens toNumber with numeric-string parsing, mirroring the
// loose coercion of the ordering operators.
func CoerceNumber(v any) (float64, bool) {
	if n, ok := toNumber(v); ok {
		return n, true
	}
	if s, ok := v.(string); ok {
		n, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err == nil {
			return n, true
		}
	}
	return 0, false
}

// compareNumbers coerces both operands; a non-numeric operand makes the
// comparison false, never an error.
func compareNumbers(a, b any, cmp func(a, b float64) bool) bool {
	na, ok := CoerceNumber(a)
	if !ok {
		return false
	}
	nb, ok := CoerceNumber(b)
	if !ok {
		return false
	}
	return cmp(na, nb)
}

// foldString coerces to a lower-cased string. Absent values fold to "".
func foldString(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return strings.ToLower(s)
	}
	return strings.ToLower(fmt.Sprintf("%v", v))
}

func membership(cond *domain.Condition, fieldVal any) (bool, error) {
	seq, err := asSequence(cond.Value)
	if err != nil {
		return false, fmt.Errorf("%w: operator %q on field %q requires a sequence value",
			ErrMalformedCondition, cond.Operator, cond.Field)
	}
	for _, item := range seq {
		if valueEquals(fieldVal, item) {
			return true, nil
		}
	}
	return false, nil
}

func asSequence(v any) ([]any, error) {
	switch s := v.(type) {
	case []any:
		return s, nil
	case []string:
		out := make([]any, len(s))
		for i, item := range s {
			out[i] = item
		}
		return out, nil
	case []float64:
		out := make([]any, len(s))
		for i, item := range s {
			out[i] = item
		}
		return out, nil
	case []int:
		out := make([]any, len(s))
		for i, item := range s {
			out[i] = item
		}
		return out, nil
	default:
		return nil, fmt.Errorf("not a sequence: %T", v)
	}
}

func isEmpty(v any) bool {
	switch s := v.(type) {
	case nil:
		return true
	case string:
		return s == ""
	case []any:
		return len(s) == 0
	case []string:
		return len(s) == 0
	case []float64:
		return len(s) == 0
	case []int:
		return len(s) == 0
	case map[string]any:
		return len(s) == 0
	default:
		return false
	}
}

var dateLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// parseDate accepts time.Time, timestamp strings and epoch milliseconds.
func parseDate(v any) (time.Time, bool) {
	switch d := v.(type) {
	case time.Time:
		return d, true
	case string:
		for _, layout := range dateLayouts {
			if t, err := time.Parse(layout, d); err == nil {
				return t, true
			}
		}
		return time.Time{}, false
	default:
		if n, ok := toNumber(v); ok {
			return time.UnixMilli(int64(n)).UTC(), true
		}
		return time.Time{}, false
	}
}

// compareDates mirrors compareNumbers: an unparseable operand makes the
// comparison false rather than failing the rule.
func compareDates(a, b any, cmp func(a, b time.Time) bool) bool {
	ta, ok := parseDate(a)
	if !ok {
		return false
	}
	tb, ok := parseDate(b)
	if !ok {
		return false
	}
	return cmp(ta, tb)
}

func dateBetween(cond *domain.Condition, fieldVal any) (bool, error) {
	bounds, ok := cond.Value.(map[string]any)
	if !ok {
		return false, fmt.Errorf("%w: date_between on field %q requires a {start, end} value",
			ErrMalformedCondition, cond.Field)
	}

	t, tok := parseDate(fieldVal)
	start, sok := parseDate(bounds["start"])
	end, eok := parseDate(bounds["end"])
	if !tok || !sok || !eok {
		return false, nil
	}

	// Inclusive on both bounds.
	return !t.Before(start) && !t.After(end), nil
}
