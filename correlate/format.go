// Package correlate turns windowed aggregation results into deduplicated
// alerts. It owns the per-window-type batch processors, the session state
// machine, the scheduler that decides which rules are due each tick, and the
// alert processor that creates or updates alerts under the one-active-per-
// fingerprint invariant.
package correlate

import (
	"fmt"
	"strings"

	"coalesce/core"
)

// renderTemplate substitutes ${name} placeholders from vars. Unknown
// placeholders render empty rather than leaking the raw marker into alert
// text.
func renderTemplate(tpl string, vars map[string]string) string {
	if tpl == "" {
		return ""
	}

	var b strings.Builder
	for {
		start := strings.Index(tpl, "${")
		if start < 0 {
			b.WriteString(tpl)
			break
		}
		end := strings.Index(tpl[start:], "}")
		if end < 0 {
			b.WriteString(tpl)
			break
		}
		end += start

		b.WriteString(tpl[:start])
		name := tpl[start+2 : end]
		b.WriteString(vars[name])
		tpl = tpl[end+1:]
	}
	return strings.TrimSpace(b.String())
}

// templateVars builds the substitution map from a representative event and
// the group's aggregates.
func templateVars(ev *core.Event, eventCount int64) map[string]string {
	vars := map[string]string{
		"event_count": fmt.Sprintf("%d", eventCount),
	}
	if ev != nil {
		vars["item"] = ev.Item
		vars["level"] = fmt.Sprintf("%d", ev.Level)
		vars["source_name"] = ev.SourceName
		vars["resource_id"] = ev.ResourceID
		vars["resource_type"] = ev.ResourceType
		vars["resource_name"] = ev.ResourceName
		vars["rule_id"] = ev.RuleID
		vars["value"] = fmt.Sprintf("%v", ev.Value)
	}
	return vars
}

// alertText renders the rule's title and content templates, falling back to
// a generated summary when a template is empty.
func alertText(rule *core.AggregationRule, ev *core.Event, eventCount int64) (title, content string) {
	vars := templateVars(ev, eventCount)

	title = renderTemplate(rule.TemplateTitle, vars)
	if title == "" {
		if ev != nil && ev.ResourceName != "" {
			title = fmt.Sprintf("%s on %s", rule.Name, ev.ResourceName)
		} else {
			title = rule.Name
		}
	}

	content = renderTemplate(rule.TemplateContent, vars)
	if content == "" {
		content = fmt.Sprintf("%s matched %d events", rule.Name, eventCount)
	}
	return title, content
}
