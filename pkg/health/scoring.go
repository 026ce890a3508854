package health

import (
	"github.com/fleetgrid/paddock/pkg/types"
)

// ScoringConfig tunes health scoring and the status thresholds.
// HealthyThreshold must sit above DegradedThreshold; the gap is the
// hysteresis band that keeps a node from flapping between Online and
// Degraded on boundary scores.
type ScoringConfig struct {
	HealthyThreshold  float64 // a Degraded node recovers at or above this score
	DegradedThreshold float64 // an Online node degrades below this score
	TrendMargin       float64 // score delta below which the trend does not change
	IssuePenalty      float64 // score subtracted per reported health issue
}

// DefaultScoringConfig returns the production thresholds.
func DefaultScoringConfig() ScoringConfig {
	return ScoringConfig{
		HealthyThreshold:  70,
		DegradedThreshold: 50,
		TrendMargin:       5,
		IssuePenalty:      10,
	}
}

// Scorer computes health scores, trends and status transitions. All
// methods are pure.
type Scorer struct {
	cfg ScoringConfig
}

// NewScorer creates a scorer, falling back to defaults for zero fields.
func NewScorer(cfg ScoringConfig) Scorer {
	def := DefaultScoringConfig()
	if cfg.HealthyThreshold == 0 {
		cfg.HealthyThreshold = def.HealthyThreshold
	}
	if cfg.DegradedThreshold == 0 {
		cfg.DegradedThreshold = def.DegradedThreshold
	}
	if cfg.TrendMargin == 0 {
		cfg.TrendMargin = def.TrendMargin
	}
	if cfg.IssuePenalty == 0 {
		cfg.IssuePenalty = def.IssuePenalty
	}
	return Scorer{cfg: cfg}
}

// CalculateHealthScore computes the composite 0-100 score: average
// headroom across cpu, memory and disk, minus a penalty per reported
// issue, clamped.
func (s Scorer) CalculateHealthScore(cpuPercent, memPercent, diskPercent float64, issueCount int) float64 {
	cpu := clampPercent(cpuPercent)
	mem := clampPercent(memPercent)
	disk := clampPercent(diskPercent)

	headroom := ((100 - cpu) + (100 - mem) + (100 - disk)) / 3
	score := headroom - float64(issueCount)*s.cfg.IssuePenalty

	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

// DetermineHealthTrend compares the current score against the previous
// one. Movements within TrendMargin keep the previous trend, so small
// oscillations at the boundary do not flip Improving and Declining
// back and forth.
func (s Scorer) DetermineHealthTrend(current, previous float64, previousTrend types.HealthTrend) types.HealthTrend {
	diff := current - previous
	switch {
	case diff >= s.cfg.TrendMargin:
		return types.TrendImproving
	case diff <= -s.cfg.TrendMargin:
		return types.TrendDeclining
	}
	if previousTrend == "" {
		return types.TrendStable
	}
	return previousTrend
}

// ShouldTransitionStatus returns the status a node should move to given
// its new score, and whether a move is due. Only the Online/Degraded
// pair is ever touched; Maintenance, Decommissioned, Offline and
// Enrolling are managed elsewhere.
func (s Scorer) ShouldTransitionStatus(current types.NodeStatus, score float64) (types.NodeStatus, bool) {
	switch current {
	case types.NodeStatusOnline:
		if score < s.cfg.DegradedThreshold {
			return types.NodeStatusDegraded, true
		}
	case types.NodeStatusDegraded:
		if score >= s.cfg.HealthyThreshold {
			return types.NodeStatusOnline, true
		}
	}
	return current, false
}

// StatusForScore categorizes a score for a node arriving from Offline
// or Enrolling, where no hysteresis applies yet.
func (s Scorer) StatusForScore(score float64) types.NodeStatus {
	if score < s.cfg.DegradedThreshold {
		return types.NodeStatusDegraded
	}
	return types.NodeStatusOnline
}

func clampPercent(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
