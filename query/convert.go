package query

import (
	"encoding/json"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"coalesce/core"
	"coalesce/metrics"
	"coalesce/util"
)

// windowConfigJSON is the window_config block shared by both stored shapes.
type windowConfigJSON struct {
	WindowType    string `json:"window_type"`
	WindowSize    int    `json:"window_size"`
	SlideInterval int    `json:"slide_interval"`
	TimeColumn    string `json:"time_column"`
}

// aggregationRulesJSON is the aggregation_rules block shared by both shapes.
type aggregationRulesJSON struct {
	MinEventCount      *int              `json:"min_event_count"`
	IncludeStats       *bool             `json:"include_stats"`
	CustomAggregations map[string]string `json:"custom_aggregations"`
}

// unifiedConditionJSON is one entry of the unified shape: a list of
// condition objects stored directly on the aggregation rule.
type unifiedConditionJSON struct {
	Filter           map[string]json.RawMessage `json:"filter"`
	AggregationKey   []string                   `json:"aggregation_key"`
	WindowConfig     *windowConfigJSON          `json:"window_config"`
	AggregationRules *aggregationRulesJSON      `json:"aggregation_rules"`
	Level            *int                       `json:"level"`
	Operator         string                     `json:"operator"`
}

// legacyRuleJSON is the older standalone shape with separate data_source and
// conditions blocks.
type legacyRuleJSON struct {
	WindowConfig *windowConfigJSON `json:"window_config"`
	DataSource   struct {
		Table string `json:"table"`
	} `json:"data_source"`
	Conditions struct {
		ResourceFilters     []legacyFilterJSON    `json:"resource_filters"`
		ThresholdConditions []legacyFilterJSON    `json:"threshold_conditions"`
		GroupByFields       []string              `json:"group_by_fields"`
		AggregationRules    *aggregationRulesJSON `json:"aggregation_rules"`
	} `json:"conditions"`
}

type legacyFilterJSON struct {
	Field    string      `json:"field"`
	Operator string      `json:"operator"`
	Value    interface{} `json:"value"`
}

// Converter normalizes stored rule JSON into the canonical TemplateContext.
// Both stored shapes are accepted; a rule that cannot be parsed degrades to
// the conservative default context so one bad rule never poisons a batch.
type Converter struct {
	logger *zap.SugaredLogger
}

// NewConverter creates a rule converter.
func NewConverter(logger *zap.SugaredLogger) *Converter {
	return &Converter{logger: logger}
}

// Convert translates a stored aggregation rule into a TemplateContext.
// Structural failures are logged and answered with DefaultContext rather
// than an error; SQL-level problems surface later at render time.
func (c *Converter) Convert(rule *core.AggregationRule) *TemplateContext {
	if len(rule.Condition) == 0 {
		c.logger.Warnw("Rule has no condition, using default context", "rule_id", rule.RuleID)
		return DefaultContext()
	}

	// The unified shape is a JSON array; the legacy shape is an object.
	var unified []unifiedConditionJSON
	if err := json.Unmarshal(rule.Condition, &unified); err == nil && len(unified) > 0 {
		ctx, err := c.fromUnified(&unified[0])
		if err != nil {
			c.logger.Warnw("Failed to convert rule condition, using default context",
				"rule_id", rule.RuleID, "error", err)
			metrics.RuleFailures.WithLabelValues("convert").Inc()
			return DefaultContext()
		}
		return ctx
	}

	var legacy legacyRuleJSON
	if err := json.Unmarshal(rule.Condition, &legacy); err == nil && legacy.WindowConfig != nil {
		return c.fromLegacy(&legacy)
	}

	c.logger.Warnw("Unrecognized rule condition shape, using default context", "rule_id", rule.RuleID)
	metrics.RuleFailures.WithLabelValues("convert").Inc()
	return DefaultContext()
}

// fromUnified builds a context from the first entry of the unified shape.
func (c *Converter) fromUnified(cond *unifiedConditionJSON) (*TemplateContext, error) {
	ctx := DefaultContext()
	applyWindowConfig(ctx, cond.WindowConfig)
	applyAggregationRules(ctx, cond.AggregationRules)

	if len(cond.AggregationKey) > 0 {
		ctx.GroupByFields = cond.AggregationKey
	}
	ctx.GroupByFields = ensureFingerprint(ctx.GroupByFields)

	ctx.ResourceFilters = nil
	for field, raw := range cond.Filter {
		var ov operatorValueJSON
		if err := json.Unmarshal(raw, &ov); err == nil && ov.Operator != "" {
			var value interface{}
			if err := json.Unmarshal(ov.Value, &value); err != nil {
				return nil, fmt.Errorf("filter %s: %w", field, err)
			}
			ctx.ResourceFilters = append(ctx.ResourceFilters,
				FilterCondition{Field: field, Operator: ov.Operator, Value: value})
			continue
		}
		// Plain value, implicit equality.
		var value interface{}
		if err := json.Unmarshal(raw, &value); err != nil {
			return nil, fmt.Errorf("filter %s: %w", field, err)
		}
		ctx.ResourceFilters = append(ctx.ResourceFilters,
			FilterCondition{Field: field, Operator: "=", Value: value})
	}

	// Older unified rules carried a top-level level threshold beside the
	// filter map. It compares a per-event column, so it joins the row
	// filters, not the HAVING clause.
	if cond.Level != nil {
		op := cond.Operator
		if op == "" {
			op = "<="
		}
		ctx.ResourceFilters = append(ctx.ResourceFilters,
			FilterCondition{Field: "level", Operator: op, Value: *cond.Level})
	}
	return ctx, nil
}

type operatorValueJSON struct {
	Operator string          `json:"operator"`
	Value    json.RawMessage `json:"value"`
}

// fromLegacy builds a context from the standalone legacy shape. Individual
// malformed filter entries are skipped, matching the tolerance the rest of
// the batch pipeline applies.
func (c *Converter) fromLegacy(rule *legacyRuleJSON) *TemplateContext {
	ctx := DefaultContext()
	applyWindowConfig(ctx, rule.WindowConfig)
	applyAggregationRules(ctx, rule.Conditions.AggregationRules)

	if rule.DataSource.Table != "" {
		ctx.Table = rule.DataSource.Table
	}
	if len(rule.Conditions.GroupByFields) > 0 {
		ctx.GroupByFields = rule.Conditions.GroupByFields
	}
	ctx.GroupByFields = ensureFingerprint(ctx.GroupByFields)

	ctx.ResourceFilters = convertLegacyFilters(c.logger, rule.Conditions.ResourceFilters)
	ctx.ThresholdConditions = append(ctx.ThresholdConditions,
		convertLegacyFilters(c.logger, rule.Conditions.ThresholdConditions)...)
	return ctx
}

func convertLegacyFilters(logger *zap.SugaredLogger, filters []legacyFilterJSON) []FilterCondition {
	out := make([]FilterCondition, 0, len(filters))
	for _, f := range filters {
		cond := FilterCondition{Field: f.Field, Operator: f.Operator, Value: f.Value}
		if err := cond.Validate(); err != nil {
			logger.Warnw("Skipping malformed filter condition", "field", f.Field, "error", err)
			continue
		}
		out = append(out, cond)
	}
	return out
}

func applyWindowConfig(ctx *TemplateContext, wc *windowConfigJSON) {
	if wc == nil {
		return
	}
	if wc.WindowType != "" {
		ctx.WindowType = core.WindowType(wc.WindowType)
	}
	if wc.WindowSize > 0 {
		ctx.WindowSize = wc.WindowSize
	}
	if wc.SlideInterval > 0 {
		ctx.SlideInterval = wc.SlideInterval
	}
	if wc.TimeColumn != "" {
		ctx.TimeColumn = wc.TimeColumn
	}
}

func applyAggregationRules(ctx *TemplateContext, ar *aggregationRulesJSON) {
	if ar == nil {
		return
	}
	if ar.MinEventCount != nil {
		ctx.Aggregations.MinEventCount = *ar.MinEventCount
	}
	if ar.IncludeStats != nil {
		ctx.Aggregations.IncludeStats = *ar.IncludeStats
	}
	if len(ar.CustomAggregations) > 0 {
		ctx.Aggregations.CustomAggregations = ar.CustomAggregations
	}
}

func ensureFingerprint(fields []string) []string {
	for _, f := range fields {
		if f == "fingerprint" {
			return fields
		}
	}
	return append(fields, "fingerprint")
}

// planCacheSize bounds the rendered-SQL cache. Rule sets are small; this is
// generous headroom for per-window-size variants.
const planCacheSize = 256

// Planner combines the converter and the engine, caching rendered SQL per
// rule revision and window policy so steady-state scans skip re-rendering.
type Planner struct {
	converter *Converter
	engine    *Engine
	cache     *lru.Cache[string, string]
	logger    *zap.SugaredLogger
}

// NewPlanner creates a planner with an LRU plan cache.
func NewPlanner(logger *zap.SugaredLogger) (*Planner, error) {
	cache, err := lru.New[string, string](planCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create plan cache: %w", err)
	}
	return &Planner{
		converter: NewConverter(logger),
		engine:    NewEngine(logger),
		cache:     cache,
		logger:    logger,
	}, nil
}

// Plan renders the SQL for an aggregation rule under a correlation rule's
// window policy. The correlation rule's window type and sizes override
// whatever the stored condition carries. Session rules render the fixed
// algorithm over the session timeout: their materialization evaluates an
// already-closed event set, which the fixed bucketing aggregates correctly.
func (p *Planner) Plan(rule *core.AggregationRule, corr *core.CorrelationRule) (string, error) {
	key := planKey(rule, corr)
	if sql, ok := p.cache.Get(key); ok {
		return sql, nil
	}

	ctx := p.converter.Convert(rule)
	if err := applyCorrelationPolicy(ctx, corr); err != nil {
		return "", fmt.Errorf("rule %s: %w", rule.RuleID, err)
	}

	sql, err := p.engine.RenderWindowSQL(ctx)
	if err != nil {
		metrics.RuleFailures.WithLabelValues("render").Inc()
		return "", fmt.Errorf("rule %s: %w", rule.RuleID, err)
	}

	p.cache.Add(key, sql)
	return sql, nil
}

// applyCorrelationPolicy overrides the context's window parameters with the
// correlation rule's policy.
func applyCorrelationPolicy(ctx *TemplateContext, corr *core.CorrelationRule) error {
	if corr == nil {
		return nil
	}

	switch corr.WindowType {
	case core.WindowTypeFixed, core.WindowTypeSliding:
		ctx.WindowType = corr.WindowType
	case core.WindowTypeSession:
		ctx.WindowType = core.WindowTypeFixed
	default:
		return fmt.Errorf("%w: window type %q", ErrInvalidWindow, corr.WindowType)
	}

	minutes, err := util.DurationToMinutes(corr.EffectiveWindowSize())
	if err != nil {
		return fmt.Errorf("%w: window size %q", ErrInvalidWindow, corr.EffectiveWindowSize())
	}
	if minutes > 0 {
		ctx.WindowSize = minutes
	}

	if corr.WindowType == core.WindowTypeSliding && corr.SlideInterval != "" {
		slide, err := util.DurationToMinutes(corr.SlideInterval)
		if err != nil {
			return fmt.Errorf("%w: slide interval %q", ErrInvalidWindow, corr.SlideInterval)
		}
		if slide > 0 {
			ctx.SlideInterval = slide
		}
	}
	return nil
}

func planKey(rule *core.AggregationRule, corr *core.CorrelationRule) string {
	corrKey := ""
	if corr != nil {
		corrKey = fmt.Sprintf("%s|%s|%s|%s",
			corr.WindowType, corr.EffectiveWindowSize(), corr.SlideInterval, corr.SessionTimeout)
	}
	return fmt.Sprintf("%s|%s|%s", rule.RuleID, rule.UpdatedAt.UTC().Format(time.RFC3339Nano), corrKey)
}
