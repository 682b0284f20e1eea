package domain

// Operator identifies a leaf comparison. The set is closed: the condition
// evaluator matches operators exhaustively and rejects anything outside it.
type Operator string

const (
	OpEquals             Operator = "equals"
	OpNotEquals          Operator = "not_equals"
	OpGreaterThan        Operator = "greater_than"
	OpLessThan           Operator = "less_than"
	OpGreaterThanOrEqual Operator = "greater_than_or_equal"
	OpLessThanOrEqual    Operator = "less_than_or_equal"
	OpContains           Operator = "contains"
	OpNotContains        Operator = "not_contains"
	OpStartsWith         Operator = "starts_with"
	OpEndsWith           Operator = "ends_with"
	OpIn                 Operator = "in"
	OpNotIn              Operator = "not_in"
	OpIsEmpty            Operator = "is_empty"
	OpIsNotEmpty         Operator = "is_not_empty"
	OpDateBefore         Operator = "date_before"
	OpDateAfter          Operator = "date_after"
	OpDateBetween        Operator = "date_between"
)

// ConditionKind discriminates the condition tree variants.
type ConditionKind int

const (
	KindLeaf ConditionKind = iota
	KindAnd
	KindOr
	KindNot
)

// Condition is one node of a boolean condition tree. Exactly one variant is
// populated; Kind() reports which. Trees are immutable once loaded from a
// rule definition.
type Condition struct {
	// Combinators. A non-nil (possibly empty) slice selects the variant.
	All []Condition `json:"and,omitempty"`
	Any []Condition `json:"or,omitempty"`
	Neg *Condition  `json:"not,omitempty"`

	// Leaf comparison.
	Field    string   `json:"field,omitempty"`
	Operator Operator `json:"operator,omitempty"`
	Value    any      `json:"value,omitempty"`
}

// Kind reports the variant of this node. A node with no combinator set is a
// leaf, even when malformed; the evaluator reports malformed leaves.
func (c *Condition) Kind() ConditionKind {
	switch {
	case c.All != nil:
		return KindAnd
	case c.Any != nil:
		return KindOr
	case c.Neg != nil:
		return KindNot
	default:
		return KindLeaf
	}
}

// And combines conditions conjunctively. And() with no children is
// vacuously true.
func And(children ...Condition) Condition {
	if children == nil {
		children = []Condition{}
	}
	return Condition{All: children}
}

// Or combines conditions disjunctively. Or() with no children is
// vacuously false.
func Or(children ...Condition) Condition {
	if children == nil {
		children = []Condition{}
	}
	return Condition{Any: children}
}

// Not negates a condition.
func Not(child Condition) Condition {
	return Condition{Neg: &child}
}

// Leaf builds a field comparison.
func Leaf(field string, op Operator, value any) Condition {
	return Condition{Field: field, Operator: op, Value: value}
}

// ActionKind identifies an action handler. Closed set, matched exhaustively
// by the action executor.
type ActionKind string

const (
	ActionFlagTransaction   ActionKind = "flag_transaction"
	ActionSendNotification  ActionKind = "send_notification"
	ActionCalculateScore    ActionKind = "calculate_score"
	ActionLogEvent          ActionKind = "log_event"
	ActionRejectTransaction ActionKind = "reject_transaction"
)

// Action is executed when its rule triggers. Config is handler-specific.
type Action struct {
	Type   ActionKind     `json:"type"`
	Config map[string]any `json:"config,omitempty"`
}

// ScoreFactor is one weighted bucket factor for calculate_score actions.
type ScoreFactor struct {
	Field  string       `json:"field"`
	Weight float64      `json:"weight"`
	Ranges []ScoreRange `json:"ranges"`
}

// ScoreRange maps an inclusive numeric range to points. First match wins.
type ScoreRange struct {
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Points float64 `json:"points"`
}

// Rule is a boolean condition tree plus the actions to run when it triggers.
// Disabled rules are never evaluated and never counted.
type Rule struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Enabled    bool      `json:"enabled"`
	Conditions Condition `json:"conditions"`
	Actions    []Action  `json:"actions"`
}

// ActionResult records one action execution. A failed action carries Error
// and never aborts its siblings.
type ActionResult struct {
	Type    ActionKind     `json:"type"`
	Success bool           `json:"success"`
	Result  map[string]any `json:"result,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// RuleResult is the outcome of evaluating one rule against one transaction.
// A condition-tree defect surfaces here as Error with Triggered=false; it is
// never propagated as a pipeline-level failure.
type RuleResult struct {
	RuleID      string         `json:"ruleId"`
	RuleName    string         `json:"ruleName"`
	Triggered   bool           `json:"triggered"`
	Actions     []ActionResult `json:"actions"`
	ExecutionMs int64          `json:"executionMs"`
	Error       string         `json:"error,omitempty"`
}

// BatchReport aggregates rule results for one transaction.
type BatchReport struct {
	Total     int          `json:"total"`
	Triggered int          `json:"triggered"`
	Failed    int          `json:"failed"`
	Results   []RuleResult `json:"results"`
}
