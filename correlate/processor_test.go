package correlate

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"coalesce/core"
	"coalesce/storage"
)

func newTestStore(t *testing.T) *storage.SQLite {
	t.Helper()
	store, err := storage.NewSQLite(filepath.Join(t.TempDir(), "test.db"), zap.NewNop().Sugar())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func newTestProcessor(t *testing.T, store *storage.SQLite, assign AssignFunc) *alertProcessorImpl {
	t.Helper()
	p, err := NewAlertProcessor(store, nil, zap.NewNop().Sugar(), assign)
	require.NoError(t, err)
	return p.(*alertProcessorImpl)
}

func highLevelEvent(id string, at time.Time, level int) *core.Event {
	return &core.Event{
		EventID:      id,
		Item:         "cpu_usage",
		ReceivedAt:   at,
		Status:       core.EventStatusReceived,
		Level:        level,
		SourceID:     "monitor",
		ResourceID:   "host-1",
		ResourceType: "host",
		ResourceName: "web-1",
		Value:        97,
	}
}

func TestProcess_FixedWindowEndToEnd(t *testing.T) {
	store := newTestStore(t)
	p := newTestProcessor(t, store, nil)
	ctx := context.Background()

	base := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, store.SeedBuiltinRules(ctx, base))

	events := []*core.Event{
		highLevelEvent("e1", base.Add(30*time.Second), 1),
		highLevelEvent("e2", base.Add(2*time.Minute), 2),
		highLevelEvent("e3", base.Add(4*time.Minute), 2),
	}
	require.NoError(t, store.InsertEvents(ctx, events))

	// 10:05 is a 5-minute bucket boundary, so the fixed rule is due.
	created, updated, err := p.Process(ctx, base.Add(5*time.Minute))
	require.NoError(t, err)
	require.Len(t, created, 1)
	assert.Empty(t, updated)

	alert, err := store.GetAlert(ctx, created[0])
	require.NoError(t, err)
	assert.Equal(t, core.HighLevelAggregationRuleID, alert.RuleID)
	assert.Equal(t, events[0].Fingerprint(), alert.Fingerprint)
	assert.Equal(t, events[0].ReceivedAt.Unix(), alert.FirstEventTime.Unix())
	assert.Equal(t, events[2].ReceivedAt.Unix(), alert.LastEventTime.Unix())
	assert.ElementsMatch(t, []string{"e1", "e2", "e3"}, alert.EventIDs)
	assert.True(t, alert.Status.IsActive())

	// The high-level rule keeps the least severe level present.
	assert.Equal(t, 2, alert.Level)

	// A second scan finds those events already attached to an active
	// alert and produces nothing new.
	created, updated, err = p.Process(ctx, base.Add(10*time.Minute))
	require.NoError(t, err)
	assert.Empty(t, created)
	assert.Empty(t, updated)
}

func TestProcess_NoActiveRulesAbortsScan(t *testing.T) {
	store := newTestStore(t)
	p := newTestProcessor(t, store, nil)

	_, _, err := p.Process(context.Background(), time.Now().UTC())
	assert.ErrorIs(t, err, storage.ErrNoActiveRules)
}

func TestProcess_StampsExecTime(t *testing.T) {
	store := newTestStore(t)
	p := newTestProcessor(t, store, nil)
	ctx := context.Background()

	base := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, store.SeedBuiltinRules(ctx, base))

	asOf := base.Add(5 * time.Minute)
	_, _, err := p.Process(ctx, asOf)
	require.NoError(t, err)

	rules, err := store.ActiveCorrelationRules(ctx)
	require.NoError(t, err)
	for _, r := range rules {
		// Fixed is due at :05; sliding and session run every tick.
		require.NotNil(t, r.ExecTime, "rule %s should be stamped", r.RuleID)
		assert.Equal(t, asOf.Unix(), r.ExecTime.Unix())
	}
}

func TestCreateOrUpdate_ConcurrentSameFingerprint(t *testing.T) {
	store := newTestStore(t)
	p := newTestProcessor(t, store, nil)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	const n = 8
	fingerprint := "fp-concurrent"

	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			candidate := &core.Alert{
				AlertID:        core.NewAlertID(),
				Fingerprint:    fingerprint,
				RuleID:         "rule-1",
				Level:          2,
				Title:          "concurrent",
				Status:         core.AlertStatusUnassigned,
				FirstEventTime: now,
				LastEventTime:  now.Add(time.Duration(i) * time.Second),
				CreatedAt:      now,
				UpdatedAt:      now,
				EventIDs:       []string{eventID(i)},
			}
			_, errs[i] = p.CreateOrUpdate(ctx, candidate, "sliding")
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		require.NoError(t, err, "call %d", i)
	}

	alerts, err := store.AlertsByFingerprint(ctx, fingerprint)
	require.NoError(t, err)
	var active []*core.Alert
	for _, a := range alerts {
		if a.Status.IsActive() {
			active = append(active, a)
		}
	}
	require.Len(t, active, 1, "exactly one active alert after %d concurrent calls", n)

	loaded, err := store.GetAlert(ctx, active[0].AlertID)
	require.NoError(t, err)
	want := make([]string, n)
	for i := range want {
		want[i] = eventID(i)
	}
	assert.ElementsMatch(t, want, loaded.EventIDs, "event set is the union of all calls")
}

func eventID(i int) string {
	return "e" + string(rune('a'+i))
}

func TestCreateOrUpdate_SeverityMergePolicies(t *testing.T) {
	store := newTestStore(t)
	p := newTestProcessor(t, store, nil)
	ctx := context.Background()
	now := time.Now().UTC()

	mkAlert := func(ruleID string, level int, eventID string) *core.Alert {
		return &core.Alert{
			AlertID:        core.NewAlertID(),
			Fingerprint:    "fp-" + ruleID,
			RuleID:         ruleID,
			Level:          level,
			Title:          "t",
			Status:         core.AlertStatusUnassigned,
			FirstEventTime: now,
			LastEventTime:  now,
			CreatedAt:      now,
			UpdatedAt:      now,
			EventIDs:       []string{eventID},
		}
	}

	// Most rules keep the most severe level (the lower number).
	first := mkAlert("regular_rule", 3, "e1")
	_, err := p.CreateOrUpdate(ctx, first, "sliding")
	require.NoError(t, err)
	second := mkAlert("regular_rule", 1, "e2")
	isNew, err := p.CreateOrUpdate(ctx, second, "sliding")
	require.NoError(t, err)
	assert.False(t, isNew)
	assert.Equal(t, 1, second.Level)

	// The high-level rule keeps the least severe level instead.
	first = mkAlert(core.HighLevelAggregationRuleID, 1, "e1")
	_, err = p.CreateOrUpdate(ctx, first, "fixed")
	require.NoError(t, err)
	second = mkAlert(core.HighLevelAggregationRuleID, 3, "e2")
	isNew, err = p.CreateOrUpdate(ctx, second, "fixed")
	require.NoError(t, err)
	assert.False(t, isNew)
	assert.Equal(t, 3, second.Level)
}

func TestCreateOrUpdate_FiresAssignHookOnCreateOnly(t *testing.T) {
	store := newTestStore(t)

	var mu sync.Mutex
	var assigned []string
	done := make(chan struct{}, 4)
	p := newTestProcessor(t, store, func(alert *core.Alert) {
		mu.Lock()
		assigned = append(assigned, alert.AlertID)
		mu.Unlock()
		done <- struct{}{}
	})

	ctx := context.Background()
	now := time.Now().UTC()
	candidate := &core.Alert{
		AlertID:        core.NewAlertID(),
		Fingerprint:    "fp-hook",
		RuleID:         "rule-1",
		Level:          2,
		Status:         core.AlertStatusUnassigned,
		FirstEventTime: now,
		LastEventTime:  now,
		CreatedAt:      now,
		UpdatedAt:      now,
		EventIDs:       []string{"e1"},
	}

	isNew, err := p.CreateOrUpdate(ctx, candidate, "sliding")
	require.NoError(t, err)
	require.True(t, isNew)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("assign hook was not invoked")
	}

	// Updates do not re-fire the hook.
	update := *candidate
	update.EventIDs = []string{"e2"}
	isNew, err = p.CreateOrUpdate(ctx, &update, "sliding")
	require.NoError(t, err)
	require.False(t, isNew)

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, assigned, 1)
}

func TestMergeWindows(t *testing.T) {
	t0 := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	groups := []*ResultGroup{
		{
			Fingerprint:    "fp-1",
			WindowStart:    t0,
			WindowEnd:      t0.Add(5 * time.Minute),
			EventCount:     2,
			FirstEventTime: t0.Add(time.Minute),
			LastEventTime:  t0.Add(2 * time.Minute),
			EventIDs:       []string{"e1", "e2"},
		},
		{
			Fingerprint:    "fp-1",
			WindowStart:    t0.Add(time.Minute),
			WindowEnd:      t0.Add(6 * time.Minute),
			EventCount:     2,
			FirstEventTime: t0.Add(time.Minute),
			LastEventTime:  t0.Add(4 * time.Minute),
			EventIDs:       []string{"e2", "e3"},
		},
		{
			Fingerprint: "fp-2",
			EventIDs:    []string{"e9"},
			EventCount:  1,
		},
	}

	merged := mergeWindows(groups)
	require.Len(t, merged, 2)

	assert.Equal(t, "fp-1", merged[0].Fingerprint)
	assert.ElementsMatch(t, []string{"e1", "e2", "e3"}, merged[0].EventIDs)
	assert.Equal(t, int64(3), merged[0].EventCount)
	assert.Equal(t, t0.Add(time.Minute), merged[0].FirstEventTime)
	assert.Equal(t, t0.Add(4*time.Minute), merged[0].LastEventTime)
	assert.Equal(t, t0, merged[0].WindowStart)
	assert.Equal(t, t0.Add(6*time.Minute), merged[0].WindowEnd)
}

func probeFailureEvent(id string, at time.Time) *core.Event {
	return &core.Event{
		EventID:      id,
		Item:         "status",
		ReceivedAt:   at,
		Status:       core.EventStatusReceived,
		Level:        3,
		SourceID:     "monitor",
		ResourceID:   "probe-7",
		ResourceType: "probe",
		ResourceName: "edge-7",
		Value:        0,
	}
}

func TestEventsWithin(t *testing.T) {
	t0 := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	batch := []*core.Event{
		highLevelEvent("e1", t0, 2),
		highLevelEvent("e2", t0.Add(3*time.Minute), 2),
		highLevelEvent("e3", t0.Add(7*time.Minute), 2),
	}

	sliced := eventsWithin(batch, t0.Add(3*time.Minute), t0.Add(7*time.Minute))
	require.Len(t, sliced, 1)
	assert.Equal(t, "e2", sliced[0].EventID)

	assert.Len(t, eventsWithin(batch, t0, t0.Add(10*time.Minute)), 3)
	assert.Empty(t, eventsWithin(batch, t0.Add(8*time.Minute), t0.Add(10*time.Minute)))
}

func TestProcessMultiWindow_SameSizeRulesKeepOwnRanges(t *testing.T) {
	store := newTestStore(t)
	p := newTestProcessor(t, store, nil)
	ctx := context.Background()

	base := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, store.SeedBuiltinRules(ctx, base))

	// Two rules with the same 5-minute window share one event fetch, but a
	// fixed rule reaches two widths back while a sliding rule sees only one.
	rules := []*core.CorrelationRule{
		{
			RuleID:             "wf-fixed",
			WindowType:         core.WindowTypeFixed,
			WindowSize:         "5min",
			Alignment:          core.AlignmentMinute,
			AggregationRuleIDs: []string{core.HighLevelAggregationRuleID},
		},
		{
			RuleID:             "wf-sliding",
			WindowType:         core.WindowTypeSliding,
			WindowSize:         "5min",
			SlideInterval:      "1min",
			AggregationRuleIDs: []string{"critical_event_aggregation"},
		},
	}

	// The probe failure at 10:02 is inside the fixed range [10:00, 10:10)
	// but outside the sliding range [10:05, 10:10).
	highOld := highLevelEvent("h-old", base.Add(2*time.Minute), 2)
	highNew := highLevelEvent("h-new", base.Add(7*time.Minute), 1)
	require.NoError(t, store.InsertEvents(ctx, []*core.Event{
		highOld,
		highNew,
		probeFailureEvent("p-old", base.Add(2*time.Minute)),
		probeFailureEvent("p-new", base.Add(7*time.Minute)),
	}))

	created, _ := p.processMultiWindow(ctx, rules, base.Add(10*time.Minute))
	require.NotEmpty(t, created)

	slidingAlerts, err := store.AlertsByFingerprint(ctx, probeFailureEvent("p-new", base).Fingerprint())
	require.NoError(t, err)
	require.Len(t, slidingAlerts, 1)
	assert.Equal(t, []string{"p-new"}, slidingAlerts[0].EventIDs,
		"sliding rule must not see events beyond its own window span")

	fixedAlerts, err := store.AlertsByFingerprint(ctx, highOld.Fingerprint())
	require.NoError(t, err)
	require.Len(t, fixedAlerts, 1)
	assert.ElementsMatch(t, []string{"h-old", "h-new"}, fixedAlerts[0].EventIDs,
		"fixed rule gets the full two-width reach of the shared batch")
}

func TestProcess_WithWorkerPool(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	pool := core.NewWorkerPool(ctx, 4, 16, "scan-test", zap.NewNop().Sugar())
	require.NoError(t, pool.Start())
	t.Cleanup(pool.Stop)

	p, err := NewAlertProcessor(store, pool, zap.NewNop().Sugar(), nil)
	require.NoError(t, err)

	base := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, store.SeedBuiltinRules(ctx, base))
	require.NoError(t, store.InsertEvents(ctx, []*core.Event{
		highLevelEvent("e1", base.Add(30*time.Second), 1),
		highLevelEvent("e2", base.Add(2*time.Minute), 2),
	}))

	created, updated, err := p.Process(ctx, base.Add(5*time.Minute))
	require.NoError(t, err)
	assert.Len(t, created, 1)
	assert.Empty(t, updated)
}
