package core

// HighLevelAggregationRuleID names the one builtin rule whose severity merge
// policy is inverted: it keeps the LEAST severe (numerically largest) level
// present instead of the most severe. Every other rule keeps the most severe.
const HighLevelAggregationRuleID = "high_level_event_aggregation"

// DefaultLevelPriorities is the ordered list of recognized event levels,
// most severe first. Merge results outside this list clamp to its last entry.
var DefaultLevelPriorities = []int{1, 2, 3}

// LevelPolicy resolves conflicting event levels into one alert level.
// Priorities are ordered most severe (numerically smallest) first.
type LevelPolicy struct {
	priorities []int
}

// NewLevelPolicy creates a policy over the given priority list; nil or empty
// falls back to DefaultLevelPriorities.
func NewLevelPolicy(priorities []int) *LevelPolicy {
	if len(priorities) == 0 {
		priorities = DefaultLevelPriorities
	}
	return &LevelPolicy{priorities: priorities}
}

// MostSevere returns the numerically smallest known level present, clamping
// unknown values to the least severe known priority.
func (p *LevelPolicy) MostSevere(levels []int) int {
	if len(levels) == 0 {
		return p.fallback()
	}
	min := levels[0]
	for _, l := range levels[1:] {
		if l < min {
			min = l
		}
	}
	if !p.known(min) {
		return p.fallback()
	}
	return min
}

// LeastSevere returns the numerically largest level present. Unlike
// MostSevere it does not clamp: the high-level aggregation rule wants the
// raw least severe level even when it falls outside the priority list.
func (p *LevelPolicy) LeastSevere(levels []int) int {
	if len(levels) == 0 {
		return p.fallback()
	}
	max := levels[0]
	for _, l := range levels[1:] {
		if l > max {
			max = l
		}
	}
	return max
}

// Merge resolves the alert level for a rule given the levels of its member
// events: the high-level aggregation rule keeps the least severe level, all
// other rules keep the most severe.
func (p *LevelPolicy) Merge(ruleID string, levels []int) int {
	if ruleID == HighLevelAggregationRuleID {
		return p.LeastSevere(levels)
	}
	return p.MostSevere(levels)
}

func (p *LevelPolicy) known(level int) bool {
	for _, v := range p.priorities {
		if v == level {
			return true
		}
	}
	return false
}

func (p *LevelPolicy) fallback() int {
	return p.priorities[len(p.priorities)-1]
}
