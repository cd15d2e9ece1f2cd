package correlate

import (
	"sort"
	"strings"
	"time"

	"coalesce/analytic"
	"coalesce/core"
	"coalesce/util"
)

// ResultGroup is one aggregation result group: a fingerprint's activity
// inside one window, ready for the create-or-update path.
type ResultGroup struct {
	Fingerprint    string
	WindowStart    time.Time
	WindowEnd      time.Time
	EventCount     int64
	FirstEventTime time.Time
	LastEventTime  time.Time
	EventIDs       []string
	Row            analytic.Row
}

// groupsFromRows parses the analytical result rows. Rows without a
// fingerprint or event ids are malformed output and are dropped.
func groupsFromRows(rows []analytic.Row) []*ResultGroup {
	groups := make([]*ResultGroup, 0, len(rows))
	for _, row := range rows {
		fingerprint := row.String("fingerprint")
		ids := splitEventIDs(row.String("event_ids"))
		if fingerprint == "" || len(ids) == 0 {
			continue
		}
		groups = append(groups, &ResultGroup{
			Fingerprint:    fingerprint,
			WindowStart:    time.Unix(row.Int64("window_start"), 0).UTC(),
			WindowEnd:      time.Unix(row.Int64("window_end"), 0).UTC(),
			EventCount:     row.Int64("event_count"),
			FirstEventTime: time.Unix(row.Int64("first_event_time"), 0).UTC(),
			LastEventTime:  time.Unix(row.Int64("last_event_time"), 0).UTC(),
			EventIDs:       ids,
			Row:            row,
		})
	}
	return groups
}

// splitEventIDs parses the GROUP_CONCAT event id list.
func splitEventIDs(concat string) []string {
	if concat == "" {
		return nil
	}
	parts := strings.Split(concat, ",")
	ids := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			ids = append(ids, p)
		}
	}
	return ids
}

// mergeWindows collapses overlapping sliding-window groups for the same
// fingerprint into one: a fingerprint that tripped several overlapping
// windows this tick still deduplicates to one alert whose event set and time
// span are the union.
func mergeWindows(groups []*ResultGroup) []*ResultGroup {
	byFingerprint := make(map[string]*ResultGroup)
	var order []string
	for _, g := range groups {
		merged, ok := byFingerprint[g.Fingerprint]
		if !ok {
			copied := *g
			copied.EventIDs = append([]string(nil), g.EventIDs...)
			byFingerprint[g.Fingerprint] = &copied
			order = append(order, g.Fingerprint)
			continue
		}
		if g.FirstEventTime.Before(merged.FirstEventTime) {
			merged.FirstEventTime = g.FirstEventTime
		}
		if g.LastEventTime.After(merged.LastEventTime) {
			merged.LastEventTime = g.LastEventTime
		}
		if g.WindowStart.Before(merged.WindowStart) {
			merged.WindowStart = g.WindowStart
		}
		if g.WindowEnd.After(merged.WindowEnd) {
			merged.WindowEnd = g.WindowEnd
		}
		merged.EventIDs = unionStrings(merged.EventIDs, g.EventIDs)
		merged.EventCount = int64(len(merged.EventIDs))
	}

	out := make([]*ResultGroup, 0, len(order))
	for _, fp := range order {
		out = append(out, byFingerprint[fp])
	}
	return out
}

func unionStrings(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, s := range a {
		if _, ok := seen[s]; !ok {
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	for _, s := range b {
		if _, ok := seen[s]; !ok {
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}

// groupRulesByWindowSize buckets correlation rules by their effective window
// size so one event batch serves every rule sharing a size.
func groupRulesByWindowSize(rules []*core.CorrelationRule) map[string][]*core.CorrelationRule {
	grouped := make(map[string][]*core.CorrelationRule)
	for _, r := range rules {
		size := r.EffectiveWindowSize()
		grouped[size] = append(grouped[size], r)
	}
	return grouped
}

// eventsWithin slices a shared batch down to one rule's [from, to) range.
func eventsWithin(events []*core.Event, from, to time.Time) []*core.Event {
	out := make([]*core.Event, 0, len(events))
	for _, ev := range events {
		if !ev.ReceivedAt.Before(from) && ev.ReceivedAt.Before(to) {
			out = append(out, ev)
		}
	}
	return out
}

// eventRange returns the fetch range for a rule at asOf. Sliding windows
// need [asOf-W, asOf); fixed windows fetch two widths back so the bucket
// straddling the previous tick is fully covered.
func eventRange(rule *core.CorrelationRule, asOf time.Time) (time.Time, time.Time, error) {
	w, err := util.ParseDuration(rule.EffectiveWindowSize())
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	switch rule.WindowType {
	case core.WindowTypeFixed:
		return asOf.Add(-2 * w), asOf, nil
	default:
		return asOf.Add(-w), asOf, nil
	}
}
