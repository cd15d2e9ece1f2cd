// Package query renders windowed aggregation SQL from stored rule
// configuration. Rules arrive in one of two legacy JSON shapes; the
// converter normalizes both into a TemplateContext, and the engine turns a
// context into exactly one SQL statement for one window algorithm. The SQL
// is executed elsewhere against a disposable in-memory table, so identifiers
// are allow-listed and literals escaped here rather than bound.
package query

import (
	"fmt"
	"regexp"
	"strings"

	"coalesce/core"
)

// EventTable is the staging table the analytical adapter loads events into.
const EventTable = "events"

// TimeColumn is the default timestamp column used for window assignment.
const TimeColumn = "received_at"

// identifierPattern is the allow-list for author-supplied identifiers.
var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// bannedIdentifiers are SQL keywords an identifier may never equal.
var bannedIdentifiers = map[string]struct{}{
	"drop": {}, "delete": {}, "insert": {}, "update": {}, "alter": {},
	"create": {}, "truncate": {}, "exec": {}, "execute": {}, "union": {},
	"attach": {}, "detach": {}, "pragma": {}, "script": {},
}

// allowedOperators is the filter operator allow-list, keyed by the stored
// form and mapping to the SQL form.
var allowedOperators = map[string]string{
	"=": "=", "==": "=", "!=": "!=",
	">": ">", "<": "<", ">=": ">=", "<=": "<=",
	"IN": "IN", "NOT IN": "NOT IN",
	"LIKE": "LIKE", "NOT LIKE": "NOT LIKE",
}

// FilterCondition is one predicate of a rule: a column, an operator from the
// allow-list, and a literal value (scalar, or a slice for IN / NOT IN).
type FilterCondition struct {
	Field    string
	Operator string
	Value    interface{}
}

// Validate checks the condition against the identifier and operator
// allow-lists.
func (f *FilterCondition) Validate() error {
	if err := ValidateIdentifier(f.Field); err != nil {
		return err
	}
	sqlOp, ok := allowedOperators[strings.ToUpper(strings.TrimSpace(f.Operator))]
	if !ok {
		sqlOp, ok = allowedOperators[f.Operator]
	}
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnsupportedOperator, f.Operator)
	}
	if sqlOp == "IN" || sqlOp == "NOT IN" {
		if _, isList := f.Value.([]interface{}); !isList {
			return fmt.Errorf("%w: %s requires a list value", ErrUnsupportedOperator, sqlOp)
		}
	}
	if f.Value == nil {
		return fmt.Errorf("%w: nil value for field %s", ErrUnsupportedOperator, f.Field)
	}
	return nil
}

// sqlOperator returns the normalized SQL form of the operator. Call after
// Validate.
func (f *FilterCondition) sqlOperator() string {
	if op, ok := allowedOperators[strings.ToUpper(strings.TrimSpace(f.Operator))]; ok {
		return op
	}
	return allowedOperators[f.Operator]
}

// AggregationSpec controls the aggregate columns of the rendered statement.
type AggregationSpec struct {
	MinEventCount      int
	IncludeStats       bool
	CustomAggregations map[string]string
}

// TemplateContext is the canonical, validated description of one rule the
// engine renders SQL from. Window sizes are whole minutes.
type TemplateContext struct {
	Table               string
	TimeColumn          string
	WindowType          core.WindowType
	WindowSize          int
	SlideInterval       int
	ResourceFilters     []FilterCondition
	ThresholdConditions []FilterCondition
	GroupByFields       []string
	Aggregations        AggregationSpec
}

// DefaultContext returns the conservative fallback used when a stored rule
// cannot be parsed: a 10-minute fixed window grouped by fingerprint.
func DefaultContext() *TemplateContext {
	return &TemplateContext{
		Table:         EventTable,
		TimeColumn:    TimeColumn,
		WindowType:    core.WindowTypeFixed,
		WindowSize:    10,
		SlideInterval: 1,
		ThresholdConditions: []FilterCondition{
			{Field: "event_count", Operator: ">=", Value: 1},
		},
		GroupByFields: []string{"fingerprint"},
		Aggregations:  AggregationSpec{MinEventCount: 1, IncludeStats: true},
	}
}

// Validate checks every author-supplied identifier, the window bounds and
// the aggregate expressions before any rendering happens.
func (c *TemplateContext) Validate() error {
	if err := ValidateIdentifier(c.Table); err != nil {
		return fmt.Errorf("table: %w", err)
	}
	if err := ValidateIdentifier(c.TimeColumn); err != nil {
		return fmt.Errorf("time column: %w", err)
	}

	switch c.WindowType {
	case core.WindowTypeFixed, core.WindowTypeSliding:
	default:
		return fmt.Errorf("%w: window type %q", ErrInvalidWindow, c.WindowType)
	}

	if c.WindowSize <= 0 || c.WindowSize > 1440 {
		return fmt.Errorf("%w: window size %d minutes, want 1-1440", ErrInvalidWindow, c.WindowSize)
	}
	if c.WindowType == core.WindowTypeSliding {
		if c.SlideInterval <= 0 {
			return fmt.Errorf("%w: slide interval %d must be positive", ErrInvalidWindow, c.SlideInterval)
		}
		if c.SlideInterval > c.WindowSize {
			return fmt.Errorf("%w: slide interval %d exceeds window size %d",
				ErrInvalidWindow, c.SlideInterval, c.WindowSize)
		}
	}

	for _, field := range c.GroupByFields {
		if err := ValidateIdentifier(field); err != nil {
			return fmt.Errorf("group-by field: %w", err)
		}
	}
	for i := range c.ResourceFilters {
		if err := c.ResourceFilters[i].Validate(); err != nil {
			return fmt.Errorf("resource filter: %w", err)
		}
	}
	for i := range c.ThresholdConditions {
		if err := c.ThresholdConditions[i].Validate(); err != nil {
			return fmt.Errorf("threshold condition: %w", err)
		}
	}

	if c.Aggregations.MinEventCount < 0 {
		return fmt.Errorf("%w: negative min_event_count %d", ErrInvalidWindow, c.Aggregations.MinEventCount)
	}
	for alias, expr := range c.Aggregations.CustomAggregations {
		if err := ValidateIdentifier(alias); err != nil {
			return fmt.Errorf("aggregate alias: %w", err)
		}
		if err := validateAggregateExpr(expr); err != nil {
			return fmt.Errorf("aggregate %s: %w", alias, err)
		}
	}
	return nil
}

// ValidateIdentifier checks a single identifier against the allow-list
// pattern and the banned-keyword set.
func ValidateIdentifier(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty identifier", ErrUnsafeIdentifier)
	}
	if !identifierPattern.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrUnsafeIdentifier, name)
	}
	if _, banned := bannedIdentifiers[strings.ToLower(name)]; banned {
		return fmt.Errorf("%w: %q is a reserved keyword", ErrUnsafeIdentifier, name)
	}
	return nil
}

// aggregateFunctions are the only functions a custom aggregate expression
// may start with.
var aggregateFunctions = []string{
	"COUNT", "SUM", "AVG", "MIN", "MAX", "TOTAL", "GROUP_CONCAT",
}

// aggregateExprPattern limits an aggregate expression body to column refs,
// numeric literals, single-quoted strings, comparison operators and the
// FILTER/WHERE/DISTINCT forms SQLite supports inside aggregates.
var aggregateExprPattern = regexp.MustCompile(`^[A-Za-z0-9_ ()*,.'=<>!+-]+$`)

func validateAggregateExpr(expr string) error {
	trimmed := strings.TrimSpace(expr)
	if trimmed == "" {
		return fmt.Errorf("%w: empty expression", ErrUnsafeExpression)
	}
	if strings.Contains(trimmed, ";") || strings.Contains(trimmed, "--") ||
		strings.Contains(trimmed, "/*") || strings.Contains(trimmed, "*/") {
		return fmt.Errorf("%w: %q", ErrUnsafeExpression, expr)
	}
	if !aggregateExprPattern.MatchString(trimmed) {
		return fmt.Errorf("%w: %q", ErrUnsafeExpression, expr)
	}

	upper := strings.ToUpper(trimmed)
	ok := false
	for _, fn := range aggregateFunctions {
		if strings.HasPrefix(upper, fn+"(") || strings.HasPrefix(upper, fn+" (") {
			ok = true
			break
		}
	}
	if !ok {
		return fmt.Errorf("%w: %q must call an aggregate function", ErrUnsafeExpression, expr)
	}

	for _, kw := range []string{"DROP", "DELETE", "INSERT", "UPDATE", "ALTER", "CREATE",
		"TRUNCATE", "EXEC", "UNION", "ATTACH", "PRAGMA"} {
		if containsWord(upper, kw) {
			return fmt.Errorf("%w: %q contains %s", ErrUnsafeExpression, expr, kw)
		}
	}
	return nil
}

func containsWord(s, word string) bool {
	idx := 0
	for {
		i := strings.Index(s[idx:], word)
		if i < 0 {
			return false
		}
		i += idx
		before := i == 0 || !isWordChar(s[i-1])
		after := i+len(word) >= len(s) || !isWordChar(s[i+len(word)])
		if before && after {
			return true
		}
		idx = i + len(word)
	}
}

func isWordChar(c byte) bool {
	return c == '_' || (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9')
}

// EscapeLiteral renders a literal value for interpolation: quote doubling
// for strings plus comment-sequence stripping, bare formatting for numbers.
func EscapeLiteral(value interface{}) string {
	switch v := value.(type) {
	case string:
		return "'" + escapeString(v) + "'"
	case bool:
		if v {
			return "1"
		}
		return "0"
	case int, int32, int64, uint, uint32, uint64:
		return fmt.Sprintf("%d", v)
	case float32, float64:
		return fmt.Sprintf("%v", v)
	case []interface{}:
		parts := make([]string, 0, len(v))
		for _, item := range v {
			parts = append(parts, EscapeLiteral(item))
		}
		return "(" + strings.Join(parts, ", ") + ")"
	default:
		return "'" + escapeString(fmt.Sprintf("%v", v)) + "'"
	}
}

func escapeString(s string) string {
	s = strings.ReplaceAll(s, "'", "''")
	s = strings.ReplaceAll(s, ";", "")
	s = strings.ReplaceAll(s, "--", "")
	s = strings.ReplaceAll(s, "/*", "")
	s = strings.ReplaceAll(s, "*/", "")
	return s
}

// renderCondition renders one validated filter condition, optionally
// prefixing the column with a table alias.
func renderCondition(f *FilterCondition, alias string) string {
	column := f.Field
	if alias != "" {
		column = alias + "." + column
	}
	return fmt.Sprintf("%s %s %s", column, f.sqlOperator(), EscapeLiteral(f.Value))
}
