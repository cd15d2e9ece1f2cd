package correlate

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"go.uber.org/zap"

	"coalesce/core"
	"coalesce/metrics"
	"coalesce/query"
	"coalesce/storage"
	"coalesce/util"
)

// alertSink is the create-or-update path session materialization feeds
// into; the alert processor implements it.
type alertSink interface {
	CreateOrUpdate(ctx context.Context, candidate *core.Alert, windowType string) (bool, error)
}

// SessionProcessor owns the session window state machine. Sessions open on
// the first qualifying event, extend on activity, and close either lazily
// on timeout (materializing an alert from the accumulated events) or
// explicitly when an event matches the rule's session-close predicate
// (suppressing without an alert: the closing event is the corrective signal
// that the condition resolved itself).
type SessionProcessor struct {
	store     *storage.SQLite
	sink      alertSink
	converter *query.Converter
	levels    *core.LevelPolicy
	logger    *zap.SugaredLogger
}

// NewSessionProcessor creates a session processor feeding sink.
func NewSessionProcessor(store *storage.SQLite, sink alertSink, logger *zap.SugaredLogger) *SessionProcessor {
	return &SessionProcessor{
		store:     store,
		sink:      sink,
		converter: query.NewConverter(logger),
		levels:    core.NewLevelPolicy(core.DefaultLevelPriorities),
		logger:    logger,
	}
}

// Process runs one session scan for a session-type correlation rule:
// first the lazy timeout pass over expired sessions, then the event pass
// that closes, opens and extends sessions. Sessions are keyed per bound
// aggregation rule so each leaf rule tracks its own lifecycle.
func (sp *SessionProcessor) Process(ctx context.Context, rule *core.CorrelationRule, asOf time.Time) (created, updated []string) {
	defer func() {
		if err := sp.store.StampExecTime(ctx, rule.RuleID, asOf); err != nil {
			sp.logger.Warnw("Failed to stamp exec time", "rule_id", rule.RuleID, "error", err)
		}
	}()

	timeout, err := util.ParseDuration(rule.EffectiveWindowSize())
	if err != nil || timeout <= 0 {
		sp.logger.Errorw("Invalid session timeout on correlation rule",
			"rule_id", rule.RuleID, "session_timeout", rule.EffectiveWindowSize(), "error", err)
		metrics.RuleFailures.WithLabelValues("config").Inc()
		return nil, nil
	}

	for _, aggRuleID := range rule.AggregationRuleIDs {
		c, u := sp.processRule(ctx, aggRuleID, timeout, asOf)
		created = append(created, c...)
		updated = append(updated, u...)
	}
	return created, updated
}

func (sp *SessionProcessor) processRule(ctx context.Context, aggRuleID string, timeout time.Duration, asOf time.Time) (created, updated []string) {
	rule, err := sp.store.GetAggregationRule(ctx, aggRuleID)
	if err != nil {
		sp.logger.Errorw("Failed to load session aggregation rule",
			"rule_id", aggRuleID, "error", err)
		metrics.RuleFailures.WithLabelValues("load").Inc()
		return nil, nil
	}

	closePred, err := rule.SessionClose()
	if err != nil {
		sp.logger.Errorw("Malformed session-close predicate",
			"rule_id", aggRuleID, "error", err)
		metrics.RuleFailures.WithLabelValues("convert").Inc()
		return nil, nil
	}
	filters := sp.converter.Convert(rule).ResourceFilters

	// Timeout pass first: anything already expired at asOf closes and
	// materializes before this tick's events can touch it.
	created, updated = sp.closeExpired(ctx, rule, asOf)

	events, err := sp.store.EventsInRange(ctx, asOf.Add(-timeout), asOf)
	if err != nil {
		sp.logger.Errorw("Failed to fetch events for session rule",
			"rule_id", aggRuleID, "error", err)
		metrics.RuleFailures.WithLabelValues("fetch").Inc()
		return created, updated
	}

	for _, ev := range events {
		if closePred != nil && closePred.Matches(ev) {
			sp.closeExplicit(ctx, rule, ev)
			continue
		}
		if matchesFilters(ev, filters) {
			sp.openOrExtend(ctx, rule, ev, timeout)
		}
	}
	return created, updated
}

// closeExplicit closes the live session for the event's fingerprint without
// materializing an alert. No live session is a benign no-op: the corrective
// event may arrive before any failure opened a session, or be re-observed
// on a later tick. The close is stamped with the closing event's own time,
// not the scan time, so a failure arriving after the corrective event but
// observed in the same tick still opens a fresh session.
func (sp *SessionProcessor) closeExplicit(ctx context.Context, rule *core.AggregationRule, ev *core.Event) {
	sessionKey := core.SessionKey(ev.Fingerprint())
	err := sp.store.WithWriteTx(ctx, func(tx *sql.Tx) error {
		live, err := sp.store.ActiveSessionTx(ctx, tx, sessionKey, rule.RuleID)
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		live.Close(core.CloseReasonCloseEvent, core.ClosedByCloseEvent, ev.ReceivedAt)
		if err := sp.store.UpdateSessionTx(ctx, tx, live); err != nil {
			return err
		}
		metrics.SessionsClosed.WithLabelValues(string(core.CloseReasonCloseEvent)).Inc()
		sp.logger.Infow("Session closed by close event",
			"session_key", sessionKey, "rule_id", rule.RuleID, "event_id", ev.EventID)
		return nil
	})
	if err != nil {
		sp.logger.Errorw("Failed to close session explicitly",
			"session_key", sessionKey, "rule_id", rule.RuleID, "error", err)
	}
}

// openOrExtend gets or creates the live session for the event's fingerprint
// and records membership. Creation races resolve by re-reading the winner
// and extending it instead.
func (sp *SessionProcessor) openOrExtend(ctx context.Context, rule *core.AggregationRule, ev *core.Event, timeout time.Duration) {
	sessionKey := core.SessionKey(ev.Fingerprint())

	attach := func(tx *sql.Tx) error {
		live, err := sp.store.ActiveSessionTx(ctx, tx, sessionKey, rule.RuleID)
		if errors.Is(err, storage.ErrNotFound) {
			// Events are re-observed across ticks. One that predates the
			// last close belongs to that closed window and must not open
			// a fresh one.
			latest, err := sp.store.LatestSessionTx(ctx, tx, sessionKey, rule.RuleID)
			if err != nil && !errors.Is(err, storage.ErrNotFound) {
				return err
			}
			if latest != nil && latest.CloseTime != nil && !ev.ReceivedAt.After(*latest.CloseTime) {
				return nil
			}

			sw := core.NewSessionWindow(sessionKey, rule.RuleID, timeout, ev.ReceivedAt)
			if err := sp.store.InsertSessionTx(ctx, tx, sw); err != nil {
				return err
			}
			metrics.SessionsOpened.Inc()
			return sp.store.AddSessionEventTx(ctx, tx, sw.SessionID, ev.EventID)
		}
		if err != nil {
			return err
		}

		if live.Extend(ev.ReceivedAt) {
			if err := sp.store.UpdateSessionTx(ctx, tx, live); err != nil {
				return err
			}
		}
		return sp.store.AddSessionEventTx(ctx, tx, live.SessionID, ev.EventID)
	}

	err := sp.store.WithWriteTx(ctx, attach)
	if err != nil && storage.IsUniqueViolation(err) {
		err = sp.store.WithWriteTx(ctx, attach)
	}
	if err != nil {
		sp.logger.Errorw("Failed to open or extend session",
			"session_key", sessionKey, "rule_id", rule.RuleID, "error", err)
	}
}

// closeExpired materializes and closes every session whose inactivity
// timeout elapsed. Materialization happens before the flip to inactive, and
// groups the accumulated events by recomputed fingerprint in case rule
// edits drifted the fingerprints of older members.
func (sp *SessionProcessor) closeExpired(ctx context.Context, rule *core.AggregationRule, asOf time.Time) (created, updated []string) {
	expired, err := sp.store.ExpiredSessions(ctx, rule.RuleID, asOf)
	if err != nil {
		sp.logger.Errorw("Failed to list expired sessions",
			"rule_id", rule.RuleID, "error", err)
		return nil, nil
	}

	for _, sw := range expired {
		c, u := sp.materialize(ctx, rule, sw)
		created = append(created, c...)
		updated = append(updated, u...)

		// Stamp the close at the inactivity deadline rather than asOf.
		// The reopen guard compares event times against CloseTime, and a
		// scan-time stamp would swallow failures that arrived between the
		// deadline and the scan.
		sw.Close(core.CloseReasonTimeout, core.ClosedByEngine, sw.LastActivity.Add(sw.Timeout()))
		err := sp.store.WithWriteTx(ctx, func(tx *sql.Tx) error {
			return sp.store.UpdateSessionTx(ctx, tx, sw)
		})
		if err != nil {
			sp.logger.Errorw("Failed to close expired session",
				"session_id", sw.SessionID, "error", err)
			continue
		}
		metrics.SessionsClosed.WithLabelValues(string(core.CloseReasonTimeout)).Inc()
		sp.logger.Infow("Session closed by timeout",
			"session_id", sw.SessionID, "session_key", sw.SessionKey, "rule_id", rule.RuleID)
	}
	return created, updated
}

// materialize turns one expired session's accumulated events into alerts
// through the same create-or-update path the batch processors use.
func (sp *SessionProcessor) materialize(ctx context.Context, rule *core.AggregationRule, sw *core.SessionWindow) (created, updated []string) {
	eventIDs, err := sp.store.SessionEventIDs(ctx, sw.SessionID)
	if err != nil {
		sp.logger.Errorw("Failed to read session events",
			"session_id", sw.SessionID, "error", err)
		return nil, nil
	}
	events, err := sp.store.EventsByID(ctx, eventIDs)
	if err != nil {
		sp.logger.Errorw("Failed to load session events",
			"session_id", sw.SessionID, "error", err)
		return nil, nil
	}
	if len(events) == 0 {
		return nil, nil
	}

	byFingerprint := make(map[string][]*core.Event)
	var order []string
	for _, ev := range events {
		fp := ev.Fingerprint()
		if _, ok := byFingerprint[fp]; !ok {
			order = append(order, fp)
		}
		byFingerprint[fp] = append(byFingerprint[fp], ev)
	}

	for _, fp := range order {
		group := byFingerprint[fp]
		alert := sp.buildSessionAlert(rule, fp, group)
		isNew, err := sp.sink.CreateOrUpdate(ctx, alert, string(core.WindowTypeSession))
		if err != nil {
			sp.logger.Errorw("Failed to materialize session alert",
				"session_id", sw.SessionID, "fingerprint", fp, "error", err)
			continue
		}
		if isNew {
			created = append(created, alert.AlertID)
		} else {
			updated = append(updated, alert.AlertID)
		}
	}
	return created, updated
}

func (sp *SessionProcessor) buildSessionAlert(rule *core.AggregationRule, fingerprint string, events []*core.Event) *core.Alert {
	first, last := events[0].ReceivedAt, events[0].ReceivedAt
	levels := make([]int, 0, len(events))
	ids := make([]string, 0, len(events))
	for _, ev := range events {
		if ev.ReceivedAt.Before(first) {
			first = ev.ReceivedAt
		}
		if ev.ReceivedAt.After(last) {
			last = ev.ReceivedAt
		}
		levels = append(levels, ev.Level)
		ids = append(ids, ev.EventID)
	}

	representative := events[0]
	now := time.Now().UTC()
	title, content := alertText(rule, representative, int64(len(events)))
	return &core.Alert{
		AlertID:        core.NewAlertID(),
		Fingerprint:    fingerprint,
		RuleID:         rule.RuleID,
		Level:          sp.levels.Merge(rule.RuleID, levels),
		Title:          title,
		Content:        content,
		Item:           representative.Item,
		ResourceID:     representative.ResourceID,
		ResourceType:   representative.ResourceType,
		ResourceName:   representative.ResourceName,
		SourceName:     representative.SourceName,
		Status:         core.AlertStatusUnassigned,
		FirstEventTime: first,
		LastEventTime:  last,
		CreatedAt:      now,
		UpdatedAt:      now,
		EventIDs:       ids,
	}
}

// matchesFilters evaluates a rule's row filters against a single event in
// Go, mirroring the comparisons the SQL path applies. Pattern operators are
// not supported here; a filter using one never matches in the session path.
func matchesFilters(ev *core.Event, filters []query.FilterCondition) bool {
	for _, f := range filters {
		got, ok := ev.Field(f.Field)
		if !ok {
			return false
		}
		switch f.Operator {
		case "IN":
			if !listContains(got, f.Value) {
				return false
			}
		case "NOT IN":
			if listContains(got, f.Value) {
				return false
			}
		case "LIKE", "NOT LIKE":
			return false
		default:
			if !core.CompareValues(got, f.Value, f.Operator) {
				return false
			}
		}
	}
	return true
}

func listContains(got interface{}, list interface{}) bool {
	items, ok := list.([]interface{})
	if !ok {
		return false
	}
	for _, item := range items {
		if core.CompareValues(got, item, "==") {
			return true
		}
	}
	return false
}
