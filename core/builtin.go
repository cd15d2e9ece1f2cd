package core

import "encoding/json"

// BuiltinAggregationRules are the rules seeded by `coalesce init-rules`.
// Their condition JSON uses the unified shape; the legacy shape survives only
// for rules imported from older deployments.
var BuiltinAggregationRules = []AggregationRule{
	{
		RuleID:   HighLevelAggregationRuleID,
		Name:     "High Level Event Aggregation",
		Severity: "warning",
		IsActive: true,
		Description: "Aggregates events above warning level by object instance; " +
			"the alert level is the lowest level among member events.",
		TemplateTitle:   "High level event aggregation on ${resource_name}",
		TemplateContent: "Detected high level events on ${resource_type} ${resource_name}, item ${item}",
		Condition: json.RawMessage(`[
			{
				"filter": {
					"level": {"operator": "<=", "value": 2}
				},
				"aggregation_key": ["fingerprint"],
				"window_config": {
					"window_type": "fixed",
					"window_size": 5,
					"time_column": "received_at"
				},
				"aggregation_rules": {
					"min_event_count": 1,
					"include_stats": true,
					"custom_aggregations": {
						"affected_items": "GROUP_CONCAT(DISTINCT item)"
					}
				}
			}
		]`),
	},
	{
		RuleID:   "critical_event_aggregation",
		Name:     "Critical Event Aggregation",
		Severity: "warning",
		IsActive: true,
		Description: "Detects probe failures every minute and aggregates repeats " +
			"for the same object into one immediate alert.",
		TemplateTitle:   "Probe failure on ${resource_name}",
		TemplateContent: "Probe ${resource_name} reported status failures (${event_count} events)",
		Condition: json.RawMessage(`[
			{
				"filter": {
					"resource_type": {"operator": "==", "value": "probe"},
					"item": {"operator": "==", "value": "status"},
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
					"min_event_count": 1,
					"include_stats": true,
					"custom_aggregations": {
						"failure_count": "COUNT(*)"
					}
				}
			}
		]`),
	},
	{
		RuleID:   "error_scenario_handling",
		Name:     "Error Scenario Handling",
		Severity: "warning",
		IsActive: true,
		Description: "Opens a session on a build failure; alerts only when no " +
			"corrective activity arrives within the session timeout. A success " +
			"event closes the session without alerting.",
		TemplateTitle:   "Build failure unattended on ${resource_name}",
		TemplateContent: "Build ${resource_name} failed with no follow-up activity within the session window",
		Condition: json.RawMessage(`[
			{
				"filter": {
					"resource_type": {"operator": "==", "value": "jenkins"},
					"item": {"operator": "==", "value": "jenkins_build_status"},
					"value": {"operator": "==", "value": 0}
				},
				"aggregation_key": ["fingerprint"],
				"window_config": {
					"window_type": "session",
					"window_size": 10,
					"time_column": "received_at"
				},
				"aggregation_rules": {
					"min_event_count": 1,
					"include_stats": true,
					"custom_aggregations": {
						"failure_count": "COUNT(*) FILTER (WHERE value = 0)",
						"success_count": "COUNT(*) FILTER (WHERE value = 1)"
					}
				},
				"session_close": {
					"filter": {
						"resource_type": {"operator": "==", "value": "jenkins"},
						"item": {"operator": "==", "value": "jenkins_build_status"}
					},
					"target_value_field": "value",
					"target_value": 1,
					"operator": "==",
					"action": "close_session"
				}
			}
		]`),
	},
}

// BuiltinCorrelationRules bind the builtin aggregation rules to their window
// policies. Seeded alongside BuiltinAggregationRules.
var BuiltinCorrelationRules = []CorrelationRule{
	{
		RuleID:             "corr_high_level",
		Name:               "High level events, fixed 5min",
		WindowType:         WindowTypeFixed,
		WindowSize:         "5min",
		Alignment:          AlignmentMinute,
		MaxWindowSize:      "1h",
		AggregationRuleIDs: []string{HighLevelAggregationRuleID},
	},
	{
		RuleID:             "corr_critical",
		Name:               "Probe failures, sliding 1min",
		WindowType:         WindowTypeSliding,
		WindowSize:         "1min",
		SlideInterval:      "1min",
		MaxWindowSize:      "1h",
		AggregationRuleIDs: []string{"critical_event_aggregation"},
	},
	{
		RuleID:             "corr_error_scenario",
		Name:               "Unattended build failures, session 10min",
		WindowType:         WindowTypeSession,
		WindowSize:         "10min",
		SessionTimeout:     "10min",
		MaxWindowSize:      "2h",
		AggregationRuleIDs: []string{"error_scenario_handling"},
	},
}
