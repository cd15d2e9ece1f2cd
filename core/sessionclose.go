package core

import "fmt"

// FieldCompare is one filter entry of a session-close predicate.
type FieldCompare struct {
	Operator string
	Value    interface{}
}

// SessionClosePredicate describes the event condition that explicitly closes
// a session window, e.g. "a jenkins build status event with value 1". It is
// evaluated against single incoming events during a scan.
type SessionClosePredicate struct {
	Filter map[string]FieldCompare

	TargetField      string
	TargetFieldValue string
	HasTargetField   bool

	TargetValueField string
	TargetValue      float64
	HasTargetValue   bool

	Operator string
}

// Matches reports whether the event satisfies every clause of the predicate.
func (p *SessionClosePredicate) Matches(e *Event) bool {
	if p == nil || e == nil {
		return false
	}

	for field, cmp := range p.Filter {
		got, ok := eventField(e, field)
		if !ok {
			return false
		}
		if !CompareValues(got, cmp.Value, cmp.Operator) {
			return false
		}
	}

	if p.HasTargetField {
		got, ok := eventField(e, p.TargetField)
		if !ok || !CompareValues(got, p.TargetFieldValue, "==") {
			return false
		}
	}

	if p.HasTargetValue {
		got, ok := eventField(e, p.TargetValueField)
		if !ok || !CompareValues(got, p.TargetValue, p.Operator) {
			return false
		}
	}

	return true
}

// Field resolves an event field by its stored column name. Used wherever
// rule predicates are evaluated against single events rather than in SQL.
func (e *Event) Field(name string) (interface{}, bool) {
	return eventField(e, name)
}

// eventField resolves an event field by its stored column name.
func eventField(e *Event, name string) (interface{}, bool) {
	switch name {
	case "event_id":
		return e.EventID, true
	case "external_id":
		return e.ExternalID, true
	case "item":
		return e.Item, true
	case "status":
		return string(e.Status), true
	case "level":
		return e.Level, true
	case "source_id":
		return e.SourceID, true
	case "source_name", "alert_source":
		return e.SourceName, true
	case "title":
		return e.Title, true
	case "description":
		return e.Description, true
	case "rule_id":
		return e.RuleID, true
	case "resource_id":
		return e.ResourceID, true
	case "resource_type":
		return e.ResourceType, true
	case "resource_name":
		return e.ResourceName, true
	case "value":
		return e.Value, true
	default:
		return nil, false
	}
}

// CompareValues compares an event value against a predicate value under the
// given operator. Numbers compare numerically regardless of concrete type;
// everything else compares by string form. Unknown operators never match.
func CompareValues(eventValue, targetValue interface{}, operator string) bool {
	ef, eNum := toFloat(eventValue)
	tf, tNum := toFloat(targetValue)

	if eNum && tNum {
		switch operator {
		case "==", "=":
			return ef == tf
		case "!=":
			return ef != tf
		case ">":
			return ef > tf
		case ">=":
			return ef >= tf
		case "<":
			return ef < tf
		case "<=":
			return ef <= tf
		default:
			return false
		}
	}

	es := fmt.Sprintf("%v", eventValue)
	ts := fmt.Sprintf("%v", targetValue)
	switch operator {
	case "==", "=":
		return es == ts
	case "!=":
		return es != ts
	default:
		// Ordering operators on non-numeric values are a configuration
		// mistake; treat as no match rather than guessing a collation.
		return false
	}
}

func toFloat(v interface{}) (float64, bool) {
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
	default:
		return 0, false
	}
}
