package correlate

import (
	"time"

	"go.uber.org/zap"

	"coalesce/core"
	"coalesce/util"
)

// Scheduler decides which correlation rules are due on a given tick.
// Sliding and session rules run every tick; fixed rules run only when the
// tick lands on one of their aligned bucket boundaries.
type Scheduler struct {
	logger *zap.SugaredLogger
}

// NewScheduler creates a scheduler.
func NewScheduler(logger *zap.SugaredLogger) *Scheduler {
	return &Scheduler{logger: logger}
}

// Due reports whether the rule should be evaluated at asOf. An unknown
// window type is a configuration error: the rule is skipped and logged, and
// the rest of the tick proceeds.
func (s *Scheduler) Due(rule *core.CorrelationRule, asOf time.Time) bool {
	switch rule.WindowType {
	case core.WindowTypeSliding, core.WindowTypeSession:
		return true
	case core.WindowTypeFixed:
		return s.fixedDue(rule, asOf)
	default:
		s.logger.Errorw("Unknown window type on correlation rule",
			"rule_id", rule.RuleID, "window_type", rule.WindowType)
		return false
	}
}

// fixedDue checks bucket-boundary alignment. A 5-minute minute-aligned rule
// is due at :00, :05, :10 and so on; hour and day alignments check the
// larger boundaries first.
func (s *Scheduler) fixedDue(rule *core.CorrelationRule, asOf time.Time) bool {
	minutes, err := util.DurationToMinutes(rule.EffectiveWindowSize())
	if err != nil || minutes <= 0 {
		s.logger.Errorw("Unparseable window size on fixed rule",
			"rule_id", rule.RuleID, "window_size", rule.EffectiveWindowSize(), "error", err)
		return false
	}

	switch rule.Alignment {
	case core.AlignmentDay:
		return asOf.Hour() == 0 && asOf.Minute() == 0
	case core.AlignmentHour:
		if asOf.Minute() != 0 {
			return false
		}
		hours := minutes / 60
		if hours <= 0 {
			return true
		}
		return asOf.Hour()%hours == 0
	default:
		// Minute alignment is the default. Windows of an hour or more
		// align on the minute of day, so a 90-minute window fires at
		// 00:00, 01:30, 03:00 rather than collapsing to hourly.
		if minutes >= 60 {
			return (asOf.Hour()*60+asOf.Minute())%minutes == 0
		}
		return asOf.Minute()%minutes == 0
	}
}
