package query

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"coalesce/core"
)

func testConverter() *Converter {
	return NewConverter(zap.NewNop().Sugar())
}

func TestConvert_UnifiedShape(t *testing.T) {
	rule := &core.AggregationRule{
		RuleID: "critical_event_aggregation",
		Condition: json.RawMessage(`[
			{
				"filter": {
					"resource_type": {"operator": "==", "value": "sensor"},
					"value": {"operator": "==", "value": 0}
				},
				"aggregation_key": ["fingerprint"],
				"window_config": {
					"window_type": "sliding",
					"window_size": 1,
					"slide_interval": 1,
					"time_column": "received_at"
				},
				"aggregation_rules": {
					"min_event_count": 2,
					"include_stats": false,
					"custom_aggregations": {"failure_count": "COUNT(*)"}
				}
			}
		]`),
	}

	ctx := testConverter().Convert(rule)

	assert.Equal(t, core.WindowTypeSliding, ctx.WindowType)
	assert.Equal(t, 1, ctx.WindowSize)
	assert.Equal(t, 1, ctx.SlideInterval)
	assert.Equal(t, "received_at", ctx.TimeColumn)
	assert.Equal(t, []string{"fingerprint"}, ctx.GroupByFields)
	assert.Equal(t, 2, ctx.Aggregations.MinEventCount)
	assert.False(t, ctx.Aggregations.IncludeStats)
	assert.Len(t, ctx.ResourceFilters, 2)
}

func TestConvert_LegacyShape(t *testing.T) {
	rule := &core.AggregationRule{
		RuleID: "legacy_cpu",
		Condition: json.RawMessage(`{
			"window_config": {"window_type": "fixed", "window_size": 15},
			"data_source": {"table": "events"},
			"conditions": {
				"resource_filters": [
					{"field": "item", "operator": "=", "value": "cpu_usage"}
				],
				"threshold_conditions": [
					{"field": "max_value", "operator": ">=", "value": 90}
				],
				"group_by_fields": ["resource_id"],
				"aggregation_rules": {"min_event_count": 3}
			}
		}`),
	}

	ctx := testConverter().Convert(rule)

	assert.Equal(t, core.WindowTypeFixed, ctx.WindowType)
	assert.Equal(t, 15, ctx.WindowSize)
	assert.Equal(t, "events", ctx.Table)
	assert.Equal(t, 3, ctx.Aggregations.MinEventCount)
	// Fingerprint is always appended to the grouping key.
	assert.Equal(t, []string{"resource_id", "fingerprint"}, ctx.GroupByFields)

	require.Len(t, ctx.ResourceFilters, 1)
	assert.Equal(t, "item", ctx.ResourceFilters[0].Field)

	// min event count default plus the explicit max_value threshold
	found := false
	for _, f := range ctx.ThresholdConditions {
		if f.Field == "max_value" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestConvert_LegacyEventCountThresholdTightensHaving(t *testing.T) {
	rule := &core.AggregationRule{
		RuleID: "legacy_burst",
		Condition: json.RawMessage(`{
			"window_config": {"window_type": "fixed", "window_size": 5},
			"data_source": {"table": "events"},
			"conditions": {
				"threshold_conditions": [
					{"field": "event_count", "operator": ">=", "value": 3}
				]
			}
		}`),
	}

	ctx := testConverter().Convert(rule)
	sql, err := testEngine().RenderWindowSQL(ctx)
	require.NoError(t, err)

	// min_event_count is unset and defaults to 1; the stored threshold
	// still has to reach the HAVING clause.
	assert.Contains(t, sql, "HAVING event_count >= 3")
	assert.NotContains(t, sql, "event_count >= 1")
}

func TestConvert_MalformedFallsBackToDefault(t *testing.T) {
	for name, condition := range map[string]string{
		"not json":     `{{{`,
		"empty list":   `[]`,
		"wrong shape":  `"just a string"`,
		"empty object": `{}`,
	} {
		t.Run(name, func(t *testing.T) {
			rule := &core.AggregationRule{RuleID: "broken", Condition: json.RawMessage(condition)}
			ctx := testConverter().Convert(rule)

			assert.Equal(t, core.WindowTypeFixed, ctx.WindowType)
			assert.Equal(t, 10, ctx.WindowSize)
			assert.Equal(t, []string{"fingerprint"}, ctx.GroupByFields)
			assert.Equal(t, 1, ctx.Aggregations.MinEventCount)
		})
	}
}

func TestConvert_DefaultsForMissingOptionalFields(t *testing.T) {
	rule := &core.AggregationRule{
		RuleID:    "sparse",
		Condition: json.RawMessage(`[{"filter": {"item": {"operator": "==", "value": "status"}}}]`),
	}

	ctx := testConverter().Convert(rule)

	assert.Equal(t, core.WindowTypeFixed, ctx.WindowType)
	assert.Equal(t, 10, ctx.WindowSize)
	assert.Equal(t, 1, ctx.SlideInterval)
	assert.Equal(t, []string{"fingerprint"}, ctx.GroupByFields)
	assert.Equal(t, 1, ctx.Aggregations.MinEventCount)
}

func TestPlanner_AppliesCorrelationPolicy(t *testing.T) {
	planner, err := NewPlanner(zap.NewNop().Sugar())
	require.NoError(t, err)

	rule := &core.AggregationRule{
		RuleID:    "r1",
		UpdatedAt: time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC),
		Condition: json.RawMessage(`[{"filter": {}, "window_config": {"window_type": "fixed", "window_size": 5}}]`),
	}
	corr := &core.CorrelationRule{
		RuleID:        "c1",
		WindowType:    core.WindowTypeSliding,
		WindowSize:    "3min",
		SlideInterval: "1min",
	}

	sql, err := planner.Plan(rule, corr)
	require.NoError(t, err)

	// The correlation rule's sliding 3min policy wins over the stored fixed 5min.
	assert.True(t, strings.HasPrefix(sql, "WITH"))
	assert.Contains(t, sql, "w.window_start + 180 AS window_end")
}

func TestPlanner_SessionRendersFixedOverTimeout(t *testing.T) {
	planner, err := NewPlanner(zap.NewNop().Sugar())
	require.NoError(t, err)

	rule := &core.AggregationRule{
		RuleID:    "error_scenario_handling",
		UpdatedAt: time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC),
		Condition: json.RawMessage(`[{"filter": {}}]`),
	}
	corr := &core.CorrelationRule{
		RuleID:         "c_sess",
		WindowType:     core.WindowTypeSession,
		SessionTimeout: "10min",
	}

	sql, err := planner.Plan(rule, corr)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(sql, "SELECT"))
	assert.Contains(t, sql, "(received_at / 600) * 600")
}

func TestPlanner_CachesRenderedSQL(t *testing.T) {
	planner, err := NewPlanner(zap.NewNop().Sugar())
	require.NoError(t, err)

	rule := &core.AggregationRule{
		RuleID:    "cached",
		UpdatedAt: time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC),
		Condition: json.RawMessage(`[{"filter": {}}]`),
	}
	corr := &core.CorrelationRule{RuleID: "c", WindowType: core.WindowTypeFixed, WindowSize: "5min"}

	first, err := planner.Plan(rule, corr)
	require.NoError(t, err)
	second, err := planner.Plan(rule, corr)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	// A rule revision invalidates the cached plan key.
	rule.UpdatedAt = rule.UpdatedAt.Add(time.Minute)
	rule.Condition = json.RawMessage(`[{"filter": {}, "window_config": {"window_size": 5}}]`)
	third, err := planner.Plan(rule, corr)
	require.NoError(t, err)
	assert.NotEmpty(t, third)
}

func TestPlanner_RenderFailureSkipsRule(t *testing.T) {
	planner, err := NewPlanner(zap.NewNop().Sugar())
	require.NoError(t, err)

	rule := &core.AggregationRule{
		RuleID:    "bad_agg",
		UpdatedAt: time.Now(),
		Condition: json.RawMessage(`[{
			"filter": {},
			"aggregation_rules": {"custom_aggregations": {"x": "COUNT(*); DROP TABLE events"}}
		}]`),
	}
	corr := &core.CorrelationRule{RuleID: "c", WindowType: core.WindowTypeFixed, WindowSize: "5min"}

	_, err = planner.Plan(rule, corr)
	assert.Error(t, err)
}
