package correlate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"coalesce/core"
)

func at(hour, minute int) time.Time {
	return time.Date(2026, 8, 1, hour, minute, 0, 0, time.UTC)
}

func TestScheduler_Due(t *testing.T) {
	s := NewScheduler(zap.NewNop().Sugar())

	tests := []struct {
		name string
		rule *core.CorrelationRule
		asOf time.Time
		want bool
	}{
		{
			name: "sliding rules run every tick",
			rule: &core.CorrelationRule{WindowType: core.WindowTypeSliding, WindowSize: "1min"},
			asOf: at(10, 3),
			want: true,
		},
		{
			name: "session rules run every tick",
			rule: &core.CorrelationRule{WindowType: core.WindowTypeSession, SessionTimeout: "10min"},
			asOf: at(10, 7),
			want: true,
		},
		{
			name: "fixed 5min due on boundary",
			rule: &core.CorrelationRule{WindowType: core.WindowTypeFixed, WindowSize: "5min"},
			asOf: at(10, 5),
			want: true,
		},
		{
			name: "fixed 5min due at top of hour",
			rule: &core.CorrelationRule{WindowType: core.WindowTypeFixed, WindowSize: "5min"},
			asOf: at(10, 0),
			want: true,
		},
		{
			name: "fixed 5min not due off boundary",
			rule: &core.CorrelationRule{WindowType: core.WindowTypeFixed, WindowSize: "5min"},
			asOf: at(10, 3),
			want: false,
		},
		{
			name: "fixed 60min fires hourly",
			rule: &core.CorrelationRule{WindowType: core.WindowTypeFixed, WindowSize: "60min"},
			asOf: at(11, 0),
			want: true,
		},
		{
			name: "fixed 60min not due mid hour",
			rule: &core.CorrelationRule{WindowType: core.WindowTypeFixed, WindowSize: "60min"},
			asOf: at(11, 30),
			want: false,
		},
		{
			name: "fixed 2h fires on even hours",
			rule: &core.CorrelationRule{WindowType: core.WindowTypeFixed, WindowSize: "2h"},
			asOf: at(14, 0),
			want: true,
		},
		{
			name: "fixed 2h skips odd hours",
			rule: &core.CorrelationRule{WindowType: core.WindowTypeFixed, WindowSize: "2h"},
			asOf: at(13, 0),
			want: false,
		},
		{
			name: "fixed 90min due at midnight",
			rule: &core.CorrelationRule{WindowType: core.WindowTypeFixed, WindowSize: "90min"},
			asOf: at(0, 0),
			want: true,
		},
		{
			name: "fixed 90min due at half past one",
			rule: &core.CorrelationRule{WindowType: core.WindowTypeFixed, WindowSize: "90min"},
			asOf: at(1, 30),
			want: true,
		},
		{
			name: "fixed 90min due at three",
			rule: &core.CorrelationRule{WindowType: core.WindowTypeFixed, WindowSize: "90min"},
			asOf: at(3, 0),
			want: true,
		},
		{
			name: "fixed 90min skips the plain hours between",
			rule: &core.CorrelationRule{WindowType: core.WindowTypeFixed, WindowSize: "90min"},
			asOf: at(1, 0),
			want: false,
		},
		{
			name: "fixed 90min skips two o'clock",
			rule: &core.CorrelationRule{WindowType: core.WindowTypeFixed, WindowSize: "90min"},
			asOf: at(2, 0),
			want: false,
		},
		{
			name: "hour alignment ignores sub-hour window",
			rule: &core.CorrelationRule{WindowType: core.WindowTypeFixed, WindowSize: "30min", Alignment: core.AlignmentHour},
			asOf: at(9, 0),
			want: true,
		},
		{
			name: "hour alignment not due mid hour",
			rule: &core.CorrelationRule{WindowType: core.WindowTypeFixed, WindowSize: "30min", Alignment: core.AlignmentHour},
			asOf: at(9, 30),
			want: false,
		},
		{
			name: "day alignment due at midnight",
			rule: &core.CorrelationRule{WindowType: core.WindowTypeFixed, WindowSize: "1d", Alignment: core.AlignmentDay},
			asOf: at(0, 0),
			want: true,
		},
		{
			name: "day alignment not due during the day",
			rule: &core.CorrelationRule{WindowType: core.WindowTypeFixed, WindowSize: "1d", Alignment: core.AlignmentDay},
			asOf: at(0, 5),
			want: false,
		},
		{
			name: "unknown window type is skipped",
			rule: &core.CorrelationRule{WindowType: "tumbling", WindowSize: "5min"},
			asOf: at(10, 5),
			want: false,
		},
		{
			name: "unparseable window size is skipped",
			rule: &core.CorrelationRule{WindowType: core.WindowTypeFixed, WindowSize: "soon"},
			asOf: at(10, 0),
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, s.Due(tt.rule, tt.asOf))
		})
	}
}
