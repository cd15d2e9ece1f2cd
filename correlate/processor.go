package correlate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"coalesce/analytic"
	"coalesce/core"
	"coalesce/metrics"
	"coalesce/query"
	"coalesce/storage"
	"coalesce/util/goroutine"
)

// AssignFunc is the fire-and-forget auto-assignment hook invoked after an
// alert is created. Its failure never rolls back the creation.
type AssignFunc func(alert *core.Alert)

// AlertProcessor orchestrates one scan: read active rules, evaluate the due
// ones per window type, and create or update alerts. The top-level entry
// point of the engine.
type AlertProcessor interface {
	// Process runs one batch scan at asOf and returns the ids of created
	// and updated alerts.
	Process(ctx context.Context, asOf time.Time) (created, updated []string, err error)
}

type alertProcessorImpl struct {
	store     *storage.SQLite
	planner   *query.Planner
	scheduler *Scheduler
	sessions  *SessionProcessor
	levels    *core.LevelPolicy
	pool      *core.WorkerPool
	assign    AssignFunc
	logger    *zap.SugaredLogger
}

// NewAlertProcessor creates the alert processor. pool parallelizes fixed and
// sliding rule evaluations within a scan; a nil pool evaluates inline. assign
// may be nil.
func NewAlertProcessor(store *storage.SQLite, pool *core.WorkerPool, logger *zap.SugaredLogger, assign AssignFunc) (AlertProcessor, error) {
	planner, err := query.NewPlanner(logger)
	if err != nil {
		return nil, err
	}

	p := &alertProcessorImpl{
		store:     store,
		planner:   planner,
		scheduler: NewScheduler(logger),
		levels:    core.NewLevelPolicy(core.DefaultLevelPriorities),
		pool:      pool,
		assign:    assign,
		logger:    logger,
	}
	p.sessions = NewSessionProcessor(store, p, logger)
	return p, nil
}

// Process runs one scan. Only a failure to read any active rules aborts the
// scan; every per-rule failure is logged and isolated.
func (p *alertProcessorImpl) Process(ctx context.Context, asOf time.Time) ([]string, []string, error) {
	started := time.Now()
	defer func() {
		metrics.ScanDuration.Observe(time.Since(started).Seconds())
	}()

	rules, err := p.store.ActiveCorrelationRules(ctx)
	if err != nil {
		metrics.ScansTotal.WithLabelValues("error").Inc()
		return nil, nil, fmt.Errorf("scan aborted: %w", err)
	}

	var created, updated []string
	if allSliding(rules) {
		// Legacy path: every rule is sliding, so everything runs each
		// tick with no due-check.
		for _, rule := range rules {
			c, u := p.evaluateWindowRule(ctx, rule, asOf)
			created = append(created, c...)
			updated = append(updated, u...)
		}
	} else {
		created, updated = p.processMultiWindow(ctx, rules, asOf)
	}

	metrics.ScansTotal.WithLabelValues("ok").Inc()
	p.logger.Infow("Scan complete",
		"as_of", asOf, "created", len(created), "updated", len(updated))
	return created, updated, nil
}

func allSliding(rules []*core.CorrelationRule) bool {
	for _, r := range rules {
		if r.WindowType != core.WindowTypeSliding {
			return false
		}
	}
	return true
}

// dueWindowRule is one due fixed or sliding rule waiting for its slice of
// the size group's shared event batch.
type dueWindowRule struct {
	rule     *core.CorrelationRule
	from, to time.Time
}

// processMultiWindow dispatches each due rule to its window processor. Rules
// sharing an effective window size share one event fetch; each rule then
// evaluates its own slice of the batch. Fixed and sliding evaluations are
// independent of each other and fan out on the worker pool; each owns a
// disposable analytic engine instance, so the only shared state is the
// backing store and the read-only batch. Session rules run inline because
// their timeout pass must precede their event pass within the rule.
func (p *alertProcessorImpl) processMultiWindow(ctx context.Context, rules []*core.CorrelationRule, asOf time.Time) (created, updated []string) {
	var mu sync.Mutex
	var wg sync.WaitGroup
	collect := func(c, u []string) {
		mu.Lock()
		created = append(created, c...)
		updated = append(updated, u...)
		mu.Unlock()
	}

	for _, sized := range groupRulesByWindowSize(rules) {
		var due []dueWindowRule
		for _, rule := range sized {
			if !p.scheduler.Due(rule, asOf) {
				continue
			}

			switch rule.WindowType {
			case core.WindowTypeFixed, core.WindowTypeSliding:
				from, to, err := eventRange(rule, asOf)
				if err != nil {
					p.logger.Errorw("Invalid window size on correlation rule",
						"rule_id", rule.RuleID, "window_size", rule.EffectiveWindowSize(), "error", err)
					metrics.RuleFailures.WithLabelValues("config").Inc()
					p.stampExecTime(ctx, rule, asOf)
					continue
				}
				due = append(due, dueWindowRule{rule: rule, from: from, to: to})
			case core.WindowTypeSession:
				collect(p.sessions.Process(ctx, rule, asOf))
			default:
				// Already logged by the scheduler.
			}
		}
		if len(due) == 0 {
			continue
		}

		// Fixed rules reach two widths back, so the union range starts at
		// the earliest per-rule from.
		from := due[0].from
		for _, d := range due[1:] {
			if d.from.Before(from) {
				from = d.from
			}
		}
		batch, err := p.store.EventsInRange(ctx, from, asOf)
		if err != nil {
			for _, d := range due {
				p.logger.Errorw("Failed to fetch events for rule",
					"rule_id", d.rule.RuleID, "error", err)
				metrics.RuleFailures.WithLabelValues("fetch").Inc()
				p.stampExecTime(ctx, d.rule, asOf)
			}
			continue
		}

		for _, d := range due {
			d := d
			events := eventsWithin(batch, d.from, d.to)
			run := func() {
				collect(p.evaluateRuleEvents(ctx, d.rule, asOf, events))
			}
			if p.pool == nil {
				run()
				continue
			}
			wg.Add(1)
			task := func() {
				defer wg.Done()
				run()
			}
			if err := p.pool.Submit(task); err != nil {
				// Saturated or stopped pool degrades to inline.
				wg.Done()
				run()
			}
		}
	}
	wg.Wait()
	return created, updated
}

// evaluateWindowRule runs one fixed or sliding correlation rule standalone:
// fetch the rule's event range, then evaluate. The all-sliding path uses it;
// the multi-window path fetches per size group instead.
func (p *alertProcessorImpl) evaluateWindowRule(ctx context.Context, rule *core.CorrelationRule, asOf time.Time) (created, updated []string) {
	from, to, err := eventRange(rule, asOf)
	if err != nil {
		p.logger.Errorw("Invalid window size on correlation rule",
			"rule_id", rule.RuleID, "window_size", rule.EffectiveWindowSize(), "error", err)
		metrics.RuleFailures.WithLabelValues("config").Inc()
		p.stampExecTime(ctx, rule, asOf)
		return nil, nil
	}

	events, err := p.store.EventsInRange(ctx, from, to)
	if err != nil {
		p.logger.Errorw("Failed to fetch events for rule",
			"rule_id", rule.RuleID, "error", err)
		metrics.RuleFailures.WithLabelValues("fetch").Inc()
		p.stampExecTime(ctx, rule, asOf)
		return nil, nil
	}
	return p.evaluateRuleEvents(ctx, rule, asOf, events)
}

// evaluateRuleEvents evaluates each bound aggregation rule against a
// disposable analytical table loaded with the rule's events, and feeds every
// result group to create-or-update. exec_time is stamped best-effort no
// matter how evaluation went.
func (p *alertProcessorImpl) evaluateRuleEvents(ctx context.Context, rule *core.CorrelationRule, asOf time.Time, events []*core.Event) (created, updated []string) {
	defer p.stampExecTime(ctx, rule, asOf)

	if len(events) == 0 {
		return nil, nil
	}

	for _, aggRuleID := range rule.AggregationRuleIDs {
		c, u := p.evaluateAggregationRule(ctx, rule, aggRuleID, events)
		created = append(created, c...)
		updated = append(updated, u...)
	}
	return created, updated
}

// evaluateAggregationRule isolates one leaf rule: a render or engine
// failure skips this rule this tick and the next scheduled tick retries it.
func (p *alertProcessorImpl) evaluateAggregationRule(ctx context.Context, corr *core.CorrelationRule, aggRuleID string, events []*core.Event) (created, updated []string) {
	rule, err := p.store.GetAggregationRule(ctx, aggRuleID)
	if err != nil {
		p.logger.Errorw("Failed to load aggregation rule",
			"rule_id", aggRuleID, "correlation_rule_id", corr.RuleID, "error", err)
		metrics.RuleFailures.WithLabelValues("load").Inc()
		return nil, nil
	}

	sqlText, err := p.planner.Plan(rule, corr)
	if err != nil {
		p.logger.Errorw("Failed to render rule SQL, skipping this tick",
			"rule_id", aggRuleID, "error", err)
		return nil, nil
	}

	rows, err := analytic.Evaluate(ctx, p.logger, events, sqlText)
	if err != nil {
		p.logger.Errorw("Analytical evaluation failed, skipping this tick",
			"rule_id", aggRuleID, "error", err)
		metrics.RuleFailures.WithLabelValues("execute").Inc()
		return nil, nil
	}

	groups := groupsFromRows(rows)
	if corr.WindowType == core.WindowTypeSliding {
		groups = mergeWindows(groups)
	}

	byID := eventsByID(events)
	for _, group := range groups {
		alert := p.buildAlert(rule, group, byID)
		isNew, err := p.CreateOrUpdate(ctx, alert, string(corr.WindowType))
		if err != nil {
			p.logger.Errorw("Failed to create or update alert",
				"rule_id", aggRuleID, "fingerprint", group.Fingerprint, "error", err)
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

func eventsByID(events []*core.Event) map[string]*core.Event {
	byID := make(map[string]*core.Event, len(events))
	for _, ev := range events {
		byID[ev.EventID] = ev
	}
	return byID
}

// buildAlert materializes a candidate alert from one result group. The
// level is resolved over the member events by the rule's severity policy.
func (p *alertProcessorImpl) buildAlert(rule *core.AggregationRule, group *ResultGroup, byID map[string]*core.Event) *core.Alert {
	var representative *core.Event
	var levels []int
	for _, id := range group.EventIDs {
		ev, ok := byID[id]
		if !ok {
			continue
		}
		if representative == nil {
			representative = ev
		}
		levels = append(levels, ev.Level)
	}

	now := time.Now().UTC()
	title, content := alertText(rule, representative, group.EventCount)
	alert := &core.Alert{
		AlertID:        core.NewAlertID(),
		Fingerprint:    group.Fingerprint,
		RuleID:         rule.RuleID,
		Level:          p.levels.Merge(rule.RuleID, levels),
		Title:          title,
		Content:        content,
		Status:         core.AlertStatusUnassigned,
		FirstEventTime: group.FirstEventTime,
		LastEventTime:  group.LastEventTime,
		CreatedAt:      now,
		UpdatedAt:      now,
		EventIDs:       group.EventIDs,
	}
	if representative != nil {
		alert.Item = representative.Item
		alert.ResourceID = representative.ResourceID
		alert.ResourceType = representative.ResourceType
		alert.ResourceName = representative.ResourceName
		alert.SourceName = representative.SourceName
	}
	return alert
}

// CreateOrUpdate applies a candidate alert under the per-fingerprint lock:
// the read and the write share one transaction on the single-writer pool.
// Returns true when a new alert was created. A uniqueness race on insert
// means another evaluation created the row first; the candidate falls back
// to the update path instead of failing the batch.
func (p *alertProcessorImpl) CreateOrUpdate(ctx context.Context, candidate *core.Alert, windowType string) (bool, error) {
	isNew, err := p.tryCreateOrUpdate(ctx, candidate)
	if err != nil && storage.IsUniqueViolation(err) {
		p.logger.Debugw("Lost alert creation race, falling back to update",
			"fingerprint", candidate.Fingerprint, "rule_id", candidate.RuleID)
		isNew, err = p.tryCreateOrUpdate(ctx, candidate)
	}
	if err != nil {
		return false, err
	}

	if isNew {
		metrics.AlertsCreated.WithLabelValues(windowType).Inc()
		p.fireAssignHook(candidate)
	} else {
		metrics.AlertsUpdated.WithLabelValues(windowType).Inc()
	}
	return isNew, nil
}

func (p *alertProcessorImpl) tryCreateOrUpdate(ctx context.Context, candidate *core.Alert) (bool, error) {
	var isNew bool
	err := p.store.WithWriteTx(ctx, func(tx *sql.Tx) error {
		existing, err := p.store.FindActiveAlertTx(ctx, tx, candidate.Fingerprint, candidate.RuleID)
		if errors.Is(err, storage.ErrNotFound) {
			isNew = true
			return p.store.InsertAlertTx(ctx, tx, candidate)
		}
		if err != nil {
			return err
		}

		isNew = false
		p.mergeInto(existing, candidate)
		*candidate = *existing
		return p.store.UpdateAlertTx(ctx, tx, existing)
	})
	return isNew, err
}

// mergeInto folds the candidate into the existing active alert: severity by
// the rule policy, the event-time span by min/max, membership by union.
func (p *alertProcessorImpl) mergeInto(existing, candidate *core.Alert) {
	existing.Level = p.levels.Merge(existing.RuleID, []int{existing.Level, candidate.Level})
	if candidate.FirstEventTime.Before(existing.FirstEventTime) {
		existing.FirstEventTime = candidate.FirstEventTime
	}
	if candidate.LastEventTime.After(existing.LastEventTime) {
		existing.LastEventTime = candidate.LastEventTime
	}
	existing.EventIDs = unionStrings(existing.EventIDs, candidate.EventIDs)
	existing.Title = candidate.Title
	existing.Content = candidate.Content
	existing.UpdatedAt = time.Now().UTC()
}

func (p *alertProcessorImpl) fireAssignHook(alert *core.Alert) {
	if p.assign == nil {
		return
	}
	copied := *alert
	go func() {
		defer goroutine.Recover("auto-assign", p.logger)
		p.assign(&copied)
	}()
}

func (p *alertProcessorImpl) stampExecTime(ctx context.Context, rule *core.CorrelationRule, asOf time.Time) {
	if err := p.store.StampExecTime(ctx, rule.RuleID, asOf); err != nil {
		p.logger.Warnw("Failed to stamp exec time", "rule_id", rule.RuleID, "error", err)
	}
}
