package query

import (
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"coalesce/core"
)

// Engine renders one SQL statement per call from a validated
// TemplateContext. It holds no state between calls.
type Engine struct {
	logger *zap.SugaredLogger
}

// NewEngine creates a SQL rendering engine.
func NewEngine(logger *zap.SugaredLogger) *Engine {
	return &Engine{logger: logger}
}

// RenderWindowSQL validates the context and renders the statement for its
// window algorithm. Session rules have no SQL of their own; their
// materialization reuses the fixed algorithm over the session's event set,
// so a session window type here is a caller bug.
func (e *Engine) RenderWindowSQL(ctx *TemplateContext) (string, error) {
	if err := ctx.Validate(); err != nil {
		return "", err
	}

	var sql string
	switch ctx.WindowType {
	case core.WindowTypeFixed:
		sql = e.renderFixed(ctx)
	case core.WindowTypeSliding:
		sql = e.renderSliding(ctx)
	default:
		return "", fmt.Errorf("%w: window type %q", ErrInvalidWindow, ctx.WindowType)
	}

	e.logger.Debugw("Rendered window SQL",
		"window_type", ctx.WindowType,
		"window_size_minutes", ctx.WindowSize,
		"group_by", ctx.GroupByFields)
	return sql, nil
}

// renderFixed slices the time axis into non-overlapping buckets aligned to
// multiples of the window size. Integer division on the epoch-second
// timestamp assigns each event to exactly one bucket.
func (e *Engine) renderFixed(ctx *TemplateContext) string {
	windowSec := ctx.WindowSize * 60
	bucket := fmt.Sprintf("(%s / %d) * %d", ctx.TimeColumn, windowSec, windowSec)

	var b strings.Builder
	b.WriteString("SELECT\n")
	b.WriteString(fmt.Sprintf("    %s AS window_start,\n", bucket))
	b.WriteString(fmt.Sprintf("    %s + %d AS window_end,\n", bucket, windowSec))
	for _, field := range ctx.GroupByFields {
		b.WriteString(fmt.Sprintf("    %s,\n", field))
	}
	b.WriteString(strings.Join(aggregateColumns(ctx, ""), ",\n"))
	b.WriteString(fmt.Sprintf("\nFROM %s\n", ctx.Table))

	if where := renderFilters(ctx.ResourceFilters, ""); where != "" {
		b.WriteString("WHERE " + where + "\n")
	}

	groupBy := append([]string{"window_start"}, ctx.GroupByFields...)
	b.WriteString("GROUP BY " + strings.Join(groupBy, ", ") + "\n")
	b.WriteString("HAVING " + renderHaving(ctx) + "\n")
	b.WriteString("ORDER BY window_start")
	return b.String()
}

// renderSliding generates window starts at slide-interval offsets spanning
// the loaded batch, then joins events into every window they overlap. The
// recursive CTE is bounded by the batch's own MIN/MAX timestamps, so the
// statement is self-contained and deterministic for a given table load.
func (e *Engine) renderSliding(ctx *TemplateContext) string {
	windowSec := ctx.WindowSize * 60
	slideSec := ctx.SlideInterval * 60

	var b strings.Builder
	b.WriteString("WITH RECURSIVE bounds AS (\n")
	b.WriteString(fmt.Sprintf("    SELECT (MIN(%s) / %d) * %d AS min_start, MAX(%s) AS max_ts\n",
		ctx.TimeColumn, slideSec, slideSec, ctx.TimeColumn))
	b.WriteString(fmt.Sprintf("    FROM %s\n", ctx.Table))
	b.WriteString("),\n")
	b.WriteString("windows(window_start) AS (\n")
	b.WriteString("    SELECT min_start FROM bounds WHERE min_start IS NOT NULL\n")
	b.WriteString("    UNION ALL\n")
	b.WriteString(fmt.Sprintf("    SELECT window_start + %d FROM windows\n", slideSec))
	b.WriteString(fmt.Sprintf("    WHERE window_start + %d <= (SELECT max_ts FROM bounds)\n", slideSec))
	b.WriteString(")\n")

	b.WriteString("SELECT\n")
	b.WriteString("    w.window_start AS window_start,\n")
	b.WriteString(fmt.Sprintf("    w.window_start + %d AS window_end,\n", windowSec))
	for _, field := range ctx.GroupByFields {
		b.WriteString(fmt.Sprintf("    e.%s AS %s,\n", field, field))
	}
	b.WriteString(strings.Join(aggregateColumns(ctx, "e"), ",\n"))
	b.WriteString("\nFROM windows w\n")
	b.WriteString(fmt.Sprintf("JOIN %s e\n", ctx.Table))
	b.WriteString(fmt.Sprintf("    ON e.%s >= w.window_start\n", ctx.TimeColumn))
	b.WriteString(fmt.Sprintf("   AND e.%s < w.window_start + %d\n", ctx.TimeColumn, windowSec))

	if where := renderFilters(ctx.ResourceFilters, "e"); where != "" {
		b.WriteString("WHERE " + where + "\n")
	}

	groupBy := []string{"w.window_start"}
	for _, field := range ctx.GroupByFields {
		groupBy = append(groupBy, "e."+field)
	}
	b.WriteString("GROUP BY " + strings.Join(groupBy, ", ") + "\n")
	b.WriteString("HAVING " + renderHaving(ctx) + "\n")
	b.WriteString("ORDER BY w.window_start")
	return b.String()
}

// aggregateColumns builds the shared aggregate select list. Event ids and
// the first/last timestamps are always present; the processors need both to
// materialize alerts. Stats and custom aggregates are optional.
func aggregateColumns(ctx *TemplateContext, alias string) []string {
	col := func(name string) string {
		if alias != "" {
			return alias + "." + name
		}
		return name
	}

	cols := []string{
		"    COUNT(*) AS event_count",
		fmt.Sprintf("    MIN(%s) AS first_event_time", col(ctx.TimeColumn)),
		fmt.Sprintf("    MAX(%s) AS last_event_time", col(ctx.TimeColumn)),
		fmt.Sprintf("    GROUP_CONCAT(DISTINCT %s) AS event_ids", col("event_id")),
	}

	if ctx.Aggregations.IncludeStats {
		cols = append(cols,
			fmt.Sprintf("    MIN(%s) AS min_level", col("level")),
			fmt.Sprintf("    MAX(%s) AS max_level", col("level")),
			fmt.Sprintf("    AVG(%s) AS avg_value", col("value")),
			fmt.Sprintf("    MIN(%s) AS min_value", col("value")),
			fmt.Sprintf("    MAX(%s) AS max_value", col("value")),
		)
	}

	// Deterministic column order regardless of map iteration.
	aliases := make([]string, 0, len(ctx.Aggregations.CustomAggregations))
	for name := range ctx.Aggregations.CustomAggregations {
		aliases = append(aliases, name)
	}
	sort.Strings(aliases)
	for _, name := range aliases {
		cols = append(cols, fmt.Sprintf("    %s AS %s", ctx.Aggregations.CustomAggregations[name], name))
	}
	return cols
}

func renderFilters(filters []FilterCondition, alias string) string {
	if len(filters) == 0 {
		return ""
	}
	parts := make([]string, 0, len(filters))
	for i := range filters {
		parts = append(parts, renderCondition(&filters[i], alias))
	}
	return strings.Join(parts, " AND ")
}

// renderHaving combines the minimum event count with the rule's threshold
// conditions. Threshold conditions reference aggregate aliases, so they
// belong after grouping. An event_count >= threshold folds into the
// effective minimum; the stricter of the two wins.
func renderHaving(ctx *TemplateContext) string {
	minCount := ctx.Aggregations.MinEventCount
	if minCount < 1 {
		minCount = 1
	}
	var parts []string
	for i := range ctx.ThresholdConditions {
		f := &ctx.ThresholdConditions[i]
		if f.Field == "event_count" && f.sqlOperator() == ">=" {
			if n, ok := intValue(f.Value); ok {
				if n > minCount {
					minCount = n
				}
				continue
			}
		}
		parts = append(parts, renderCondition(f, ""))
	}
	parts = append([]string{fmt.Sprintf("event_count >= %d", minCount)}, parts...)
	return strings.Join(parts, " AND ")
}

// intValue coerces the numeric shapes a threshold value arrives in. JSON
// decoding hands over float64; the crafted contexts use int.
func intValue(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}
