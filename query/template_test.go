package query

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"coalesce/core"
)

func testEngine() *Engine {
	return NewEngine(zap.NewNop().Sugar())
}

func fixedContext() *TemplateContext {
	ctx := DefaultContext()
	ctx.WindowType = core.WindowTypeFixed
	ctx.WindowSize = 5
	ctx.ResourceFilters = []FilterCondition{
		{Field: "resource_type", Operator: "==", Value: "sensor"},
		{Field: "value", Operator: "==", Value: 0},
	}
	return ctx
}

func TestRenderWindowSQL_Fixed(t *testing.T) {
	sql, err := testEngine().RenderWindowSQL(fixedContext())
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(sql, "SELECT"))
	assert.Contains(t, sql, "(received_at / 300) * 300 AS window_start")
	assert.Contains(t, sql, "GROUP BY window_start, fingerprint")
	assert.Contains(t, sql, "resource_type = 'sensor'")
	assert.Contains(t, sql, "HAVING event_count >= 1")
	assert.Contains(t, sql, "GROUP_CONCAT(DISTINCT event_id) AS event_ids")
}

func TestRenderWindowSQL_Sliding(t *testing.T) {
	ctx := DefaultContext()
	ctx.WindowType = core.WindowTypeSliding
	ctx.WindowSize = 5
	ctx.SlideInterval = 1

	sql, err := testEngine().RenderWindowSQL(ctx)
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(sql, "WITH"))
	assert.Contains(t, sql, "WITH RECURSIVE")
	assert.Contains(t, sql, "window_start + 60")
	assert.Contains(t, sql, "w.window_start + 300 AS window_end")
	assert.Contains(t, sql, "GROUP BY w.window_start, e.fingerprint")
}

func TestRenderWindowSQL_ThresholdRaisesMinimumCount(t *testing.T) {
	ctx := fixedContext()
	ctx.ThresholdConditions = []FilterCondition{
		{Field: "event_count", Operator: ">=", Value: 3},
	}

	sql, err := testEngine().RenderWindowSQL(ctx)
	require.NoError(t, err)
	assert.Contains(t, sql, "HAVING event_count >= 3")
	assert.NotContains(t, sql, "event_count >= 1")
}

func TestRenderWindowSQL_ThresholdBelowMinimumKeepsMinimum(t *testing.T) {
	ctx := fixedContext()
	ctx.Aggregations.MinEventCount = 5
	ctx.ThresholdConditions = []FilterCondition{
		{Field: "event_count", Operator: ">=", Value: 3},
	}

	sql, err := testEngine().RenderWindowSQL(ctx)
	require.NoError(t, err)
	assert.Contains(t, sql, "HAVING event_count >= 5")
}

func TestRenderWindowSQL_NonCountThresholdsRendered(t *testing.T) {
	ctx := fixedContext()
	ctx.Aggregations.IncludeStats = true
	ctx.ThresholdConditions = []FilterCondition{
		{Field: "max_level", Operator: "<=", Value: 2},
		{Field: "event_count", Operator: ">", Value: 4},
	}

	sql, err := testEngine().RenderWindowSQL(ctx)
	require.NoError(t, err)
	assert.Contains(t, sql, "HAVING event_count >= 1 AND max_level <= 2 AND event_count > 4")
}

func TestRenderWindowSQL_SlideExceedsWindow(t *testing.T) {
	ctx := DefaultContext()
	ctx.WindowType = core.WindowTypeSliding
	ctx.WindowSize = 5
	ctx.SlideInterval = 10

	_, err := testEngine().RenderWindowSQL(ctx)
	assert.ErrorIs(t, err, ErrInvalidWindow)
}

func TestRenderWindowSQL_WindowBounds(t *testing.T) {
	for _, size := range []int{0, -1, 1441} {
		ctx := DefaultContext()
		ctx.WindowSize = size
		_, err := testEngine().RenderWindowSQL(ctx)
		assert.ErrorIs(t, err, ErrInvalidWindow, "window size %d", size)
	}
}

func TestRenderWindowSQL_RejectsUnsafeIdentifiers(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*TemplateContext)
	}{
		{"table injection", func(c *TemplateContext) { c.Table = "events; DROP TABLE alerts" }},
		{"column injection", func(c *TemplateContext) { c.TimeColumn = "received_at--" }},
		{"group-by injection", func(c *TemplateContext) { c.GroupByFields = []string{"fingerprint, 1); DELETE"} }},
		{"keyword table", func(c *TemplateContext) { c.Table = "drop" }},
		{"filter field injection", func(c *TemplateContext) {
			c.ResourceFilters = []FilterCondition{{Field: "a OR 1=1", Operator: "=", Value: 1}}
		}},
		{"leading digit", func(c *TemplateContext) { c.GroupByFields = []string{"1fingerprint"} }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := DefaultContext()
			tt.mutate(ctx)
			_, err := testEngine().RenderWindowSQL(ctx)
			assert.Error(t, err)
		})
	}
}

func TestRenderWindowSQL_EscapesLiteralValues(t *testing.T) {
	ctx := fixedContext()
	ctx.ResourceFilters = []FilterCondition{
		{Field: "resource_name", Operator: "==", Value: "x'; DROP TABLE events; --"},
	}

	sql, err := testEngine().RenderWindowSQL(ctx)
	require.NoError(t, err)

	assert.NotContains(t, sql, "DROP TABLE events;")
	assert.NotContains(t, sql, "--")
	assert.Contains(t, sql, "''")
}

func TestRenderWindowSQL_CustomAggregations(t *testing.T) {
	ctx := fixedContext()
	ctx.Aggregations.CustomAggregations = map[string]string{
		"failure_count": "COUNT(*) FILTER (WHERE value = 0)",
		"affected":      "GROUP_CONCAT(DISTINCT item)",
	}

	sql, err := testEngine().RenderWindowSQL(ctx)
	require.NoError(t, err)
	assert.Contains(t, sql, "COUNT(*) FILTER (WHERE value = 0) AS failure_count")
	assert.Contains(t, sql, "GROUP_CONCAT(DISTINCT item) AS affected")
}

func TestRenderWindowSQL_RejectsUnsafeAggregations(t *testing.T) {
	tests := []struct {
		name string
		expr string
	}{
		{"semicolon", "COUNT(*); DROP TABLE events"},
		{"comment", "COUNT(*) -- hidden"},
		{"non-aggregate", "value + 1"},
		{"ddl keyword", "COUNT(DELETE)"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := fixedContext()
			ctx.Aggregations.CustomAggregations = map[string]string{"x": tt.expr}
			_, err := testEngine().RenderWindowSQL(ctx)
			assert.ErrorIs(t, err, ErrUnsafeExpression)
		})
	}
}

func TestFilterCondition_Validate(t *testing.T) {
	valid := FilterCondition{Field: "level", Operator: "<=", Value: 2}
	assert.NoError(t, valid.Validate())

	inList := FilterCondition{Field: "item", Operator: "IN", Value: []interface{}{"cpu", "mem"}}
	assert.NoError(t, inList.Validate())

	inScalar := FilterCondition{Field: "item", Operator: "IN", Value: "cpu"}
	assert.ErrorIs(t, inScalar.Validate(), ErrUnsupportedOperator)

	badOp := FilterCondition{Field: "item", Operator: "~", Value: 1}
	assert.ErrorIs(t, badOp.Validate(), ErrUnsupportedOperator)

	nilValue := FilterCondition{Field: "item", Operator: "=", Value: nil}
	assert.Error(t, nilValue.Validate())
}

func TestEscapeLiteral(t *testing.T) {
	assert.Equal(t, "'o''brien'", EscapeLiteral("o'brien"))
	assert.Equal(t, "42", EscapeLiteral(42))
	assert.Equal(t, "0.5", EscapeLiteral(0.5))
	assert.Equal(t, "1", EscapeLiteral(true))
	assert.Equal(t, "('a', 'b')", EscapeLiteral([]interface{}{"a", "b"}))
}
