package health

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/fleetgrid/paddock/pkg/types"
)

func TestCalculateHealthScore(t *testing.T) {
	scorer := NewScorer(DefaultScoringConfig())

	tests := []struct {
		name   string
		cpu    float64
		mem    float64
		disk   float64
		issues int
		want   float64
	}{
		{"idle node", 0, 0, 0, 0, 100},
		{"even load", 50, 50, 50, 0, 50},
		{"uneven load", 30, 60, 90, 0, 40},
		{"issues penalized", 50, 50, 50, 2, 30},
		{"saturated with issue clamps to zero", 95, 95, 95, 1, 0},
		{"out of range input clamped", 150, -10, 50, 0, 50},
		{"many issues clamp to zero", 0, 0, 0, 11, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := scorer.CalculateHealthScore(tt.cpu, tt.mem, tt.disk, tt.issues)
			assert.InDelta(t, tt.want, got, 0.001)
		})
	}
}

func TestDetermineHealthTrend(t *testing.T) {
	scorer := NewScorer(DefaultScoringConfig())

	tests := []struct {
		name      string
		current   float64
		previous  float64
		prevTrend types.HealthTrend
		want      types.HealthTrend
	}{
		{"clear improvement", 80, 70, types.TrendStable, types.TrendImproving},
		{"clear decline", 60, 70, types.TrendStable, types.TrendDeclining},
		{"within margin keeps previous trend", 72, 70, types.TrendDeclining, types.TrendDeclining},
		{"within margin with no history is stable", 72, 70, "", types.TrendStable},
		{"exactly at margin improves", 75, 70, types.TrendStable, types.TrendImproving},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := scorer.DetermineHealthTrend(tt.current, tt.previous, tt.prevTrend)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestShouldTransitionStatus(t *testing.T) {
	scorer := NewScorer(DefaultScoringConfig())

	tests := []struct {
		name       string
		current    types.NodeStatus
		score      float64
		wantStatus types.NodeStatus
		wantMove   bool
	}{
		{"online stays online", types.NodeStatusOnline, 75, types.NodeStatusOnline, false},
		{"online degrades below threshold", types.NodeStatusOnline, 49, types.NodeStatusDegraded, true},
		{"online holds in hysteresis band", types.NodeStatusOnline, 60, types.NodeStatusOnline, false},
		{"degraded holds in hysteresis band", types.NodeStatusDegraded, 60, types.NodeStatusDegraded, false},
		{"degraded recovers at healthy threshold", types.NodeStatusDegraded, 70, types.NodeStatusOnline, true},
		{"maintenance never moves", types.NodeStatusMaintenance, 10, types.NodeStatusMaintenance, false},
		{"offline is not scored here", types.NodeStatusOffline, 90, types.NodeStatusOffline, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, moved := scorer.ShouldTransitionStatus(tt.current, tt.score)
			assert.Equal(t, tt.wantStatus, status)
			assert.Equal(t, tt.wantMove, moved)
		})
	}
}

func TestStatusForScore(t *testing.T) {
	scorer := NewScorer(DefaultScoringConfig())

	assert.Equal(t, types.NodeStatusOnline, scorer.StatusForScore(50))
	assert.Equal(t, types.NodeStatusOnline, scorer.StatusForScore(100))
	assert.Equal(t, types.NodeStatusDegraded, scorer.StatusForScore(49.9))
}
