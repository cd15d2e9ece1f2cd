package core

import (
	"encoding/json"
	"fmt"
	"time"
)

// WindowType identifies the windowing semantics of a correlation rule.
type WindowType string

const (
	// WindowTypeSliding evaluates overlapping windows every tick.
	WindowTypeSliding WindowType = "sliding"
	// WindowTypeFixed evaluates aligned, non-overlapping buckets.
	WindowTypeFixed WindowType = "fixed"
	// WindowTypeSession evaluates activity-extended session windows.
	WindowTypeSession WindowType = "session"
)

// IsValid checks if the window type is supported.
func (w WindowType) IsValid() bool {
	switch w {
	case WindowTypeSliding, WindowTypeFixed, WindowTypeSession:
		return true
	default:
		return false
	}
}

// Alignment controls which clock boundaries a fixed window snaps to.
type Alignment string

const (
	AlignmentMinute Alignment = "minute"
	AlignmentHour   Alignment = "hour"
	AlignmentDay    Alignment = "day"
)

// AggregationRule is a leaf rule: filter predicates, an optional
// target-field/value check, the aggregation key, window configuration and
// custom aggregate expressions. Condition holds the stored JSON in one of
// two legacy shapes; only the query converter and SessionClose look inside.
type AggregationRule struct {
	ID              int64           `json:"id"`
	RuleID          string          `json:"rule_id" validate:"required"`
	Name            string          `json:"name" validate:"required"`
	Description     string          `json:"description,omitempty"`
	Severity        string          `json:"severity"`
	IsActive        bool            `json:"is_active"`
	TemplateTitle   string          `json:"template_title,omitempty"`
	TemplateContent string          `json:"template_content,omitempty"`
	Condition       json.RawMessage `json:"condition" validate:"required"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// CorrelationRule groups aggregation rules under one window policy.
type CorrelationRule struct {
	ID                 int64      `json:"id"`
	RuleID             string     `json:"rule_id" validate:"required"`
	Name               string     `json:"name" validate:"required"`
	WindowType         WindowType `json:"window_type" validate:"required"`
	WindowSize         string     `json:"window_size"`     // duration string, e.g. "10min"
	SlideInterval      string     `json:"slide_interval"`  // sliding only
	SessionTimeout     string     `json:"session_timeout"` // session only
	Alignment          Alignment  `json:"alignment"`       // fixed only
	MaxWindowSize      string     `json:"max_window_size"`
	ExecTime           *time.Time `json:"exec_time,omitempty"`
	AggregationRuleIDs []string   `json:"aggregation_rule_ids,omitempty"`
}

// EffectiveWindowSize returns the duration string that groups this rule for
// batch evaluation: session rules group by their timeout, everything else by
// window size.
func (r *CorrelationRule) EffectiveWindowSize() string {
	if r.WindowType == WindowTypeSession && r.SessionTimeout != "" {
		return r.SessionTimeout
	}
	if r.WindowSize == "" {
		return DefaultWindowSize
	}
	return r.WindowSize
}

// DefaultWindowSize is the fallback window duration when a rule omits one.
const DefaultWindowSize = "10min"

// conditionEnvelope is the subset of the stored condition JSON shared by both
// legacy shapes; used here only to reach the session_close block.
type conditionEnvelope struct {
	SessionClose *sessionCloseJSON `json:"session_close"`
}

type sessionCloseJSON struct {
	Filter           map[string]json.RawMessage `json:"filter"`
	TargetField      string                     `json:"target_field"`
	TargetFieldValue *string                    `json:"target_field_value"`
	TargetValueField string                     `json:"target_value_field"`
	TargetValue      *float64                   `json:"target_value"`
	Operator         string                     `json:"operator"`
}

// operatorValue is the unified-shape filter entry {"operator": "==", "value": v}.
type operatorValue struct {
	Operator string          `json:"operator"`
	Value    json.RawMessage `json:"value"`
}

// SessionClose extracts the rule's optional session-close predicate from the
// stored condition. Returns (nil, nil) when the rule has none. Both stored
// shapes are accepted: legacy plain-equality filters and the unified
// {operator,value} filters.
func (r *AggregationRule) SessionClose() (*SessionClosePredicate, error) {
	if len(r.Condition) == 0 {
		return nil, nil
	}

	var conditions []conditionEnvelope
	if err := json.Unmarshal(r.Condition, &conditions); err != nil {
		return nil, fmt.Errorf("rule %s: malformed condition: %w", r.RuleID, err)
	}

	for _, cond := range conditions {
		if cond.SessionClose == nil {
			continue
		}
		sc := cond.SessionClose

		pred := &SessionClosePredicate{
			Filter:           make(map[string]FieldCompare, len(sc.Filter)),
			TargetField:      sc.TargetField,
			TargetValueField: sc.TargetValueField,
			Operator:         sc.Operator,
		}
		if sc.TargetFieldValue != nil {
			pred.TargetFieldValue = *sc.TargetFieldValue
			pred.HasTargetField = true
		}
		if sc.TargetValue != nil {
			pred.TargetValue = *sc.TargetValue
			pred.HasTargetValue = true
		}
		if pred.Operator == "" {
			pred.Operator = "=="
		}

		for field, raw := range sc.Filter {
			var ov operatorValue
			if err := json.Unmarshal(raw, &ov); err == nil && ov.Operator != "" {
				// Unified shape: {"operator": "==", "value": ...}
				var v interface{}
				if err := json.Unmarshal(ov.Value, &v); err != nil {
					return nil, fmt.Errorf("rule %s: bad filter value for %s: %w", r.RuleID, field, err)
				}
				pred.Filter[field] = FieldCompare{Operator: ov.Operator, Value: v}
				continue
			}
			// Legacy shape: plain value, implicit equality.
			var v interface{}
			if err := json.Unmarshal(raw, &v); err != nil {
				return nil, fmt.Errorf("rule %s: bad filter value for %s: %w", r.RuleID, field, err)
			}
			pred.Filter[field] = FieldCompare{Operator: "==", Value: v}
		}

		return pred, nil
	}

	return nil, nil
}
