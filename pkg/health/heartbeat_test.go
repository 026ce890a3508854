package health

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetgrid/paddock/pkg/metrics"
	"github.com/fleetgrid/paddock/pkg/storage"
	"github.com/fleetgrid/paddock/pkg/types"
)

type heartbeatFixture struct {
	store storage.Store
	svc   *HeartbeatService
	clock *clockwork.FakeClock
}

func newHeartbeatFixture(t *testing.T) *heartbeatFixture {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	clock := clockwork.NewFakeClockAt(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	svc := NewHeartbeatService(store, NewScorer(DefaultScoringConfig()), clock, zerolog.Nop(), metrics.Nop{}, 5*time.Minute)
	return &heartbeatFixture{store: store, svc: svc, clock: clock}
}

func (f *heartbeatFixture) seedNode(t *testing.T, id string, status types.NodeStatus) {
	t.Helper()
	now := f.clock.Now()
	err := f.store.Update(context.Background(), func(tx storage.Tx) error {
		if err := tx.CreateNode(&types.Node{
			ID:        id,
			OrgID:     "org-1",
			Name:      id,
			Status:    status,
			Platform:  types.PlatformLinux,
			CreatedAt: now,
			UpdatedAt: now,
		}); err != nil {
			return err
		}
		return tx.PutNodeCapacity(&types.NodeCapacity{
			NodeID:         id,
			MaxGameServers: 4,
			UpdatedAt:      now,
		})
	})
	require.NoError(t, err)
}

// drainEvents empties the outbox and returns what was in it.
func (f *heartbeatFixture) drainEvents(t *testing.T) []*types.Event {
	t.Helper()
	entries, err := f.store.PendingEvents(context.Background(), 100)
	require.NoError(t, err)
	seqs := make([]uint64, 0, len(entries))
	events := make([]*types.Event, 0, len(entries))
	for _, e := range entries {
		seqs = append(seqs, e.Seq)
		events = append(events, e.Event)
	}
	require.NoError(t, f.store.MarkDispatched(context.Background(), seqs))
	return events
}

func healthyMetrics() HeartbeatMetrics {
	return HeartbeatMetrics{CPUPercent: 20, MemoryPercent: 30, DiskPercent: 40, ActiveGameServers: 2}
}

func TestHeartbeatBringsOfflineNodeOnline(t *testing.T) {
	f := newHeartbeatFixture(t)
	ctx := context.Background()
	f.seedNode(t, "node-1", types.NodeStatusOffline)

	result, err := f.svc.ProcessHeartbeat(ctx, "node-1", healthyMetrics())
	require.NoError(t, err)
	assert.Equal(t, types.NodeStatusOffline, result.PreviousStatus)
	assert.Equal(t, types.NodeStatusOnline, result.Status)
	assert.True(t, result.Transitioned)
	assert.InDelta(t, 70, result.Score, 0.001)

	events := f.drainEvents(t)
	require.Len(t, events, 1)
	assert.Equal(t, types.EventNodeOnline, events[0].Type)

	// A second identical heartbeat changes nothing and emits nothing.
	result, err = f.svc.ProcessHeartbeat(ctx, "node-1", healthyMetrics())
	require.NoError(t, err)
	assert.False(t, result.Transitioned)
	assert.Empty(t, f.drainEvents(t))
}

func TestHeartbeatDegradesOverloadedNode(t *testing.T) {
	f := newHeartbeatFixture(t)
	ctx := context.Background()
	f.seedNode(t, "node-1", types.NodeStatusOnline)

	result, err := f.svc.ProcessHeartbeat(ctx, "node-1", HeartbeatMetrics{
		CPUPercent:    95,
		MemoryPercent: 95,
		DiskPercent:   95,
		HealthIssues:  []string{"disk smart warning"},
	})
	require.NoError(t, err)
	assert.Equal(t, types.NodeStatusDegraded, result.Status)
	assert.InDelta(t, 0, result.Score, 0.001)

	events := f.drainEvents(t)
	require.Len(t, events, 1)
	assert.Equal(t, types.EventNodeDegraded, events[0].Type)
	assert.Equal(t, "disk smart warning", events[0].Metadata["issues"])
}

func TestHeartbeatHysteresis(t *testing.T) {
	f := newHeartbeatFixture(t)
	ctx := context.Background()
	f.seedNode(t, "node-1", types.NodeStatusOnline)

	// Score 60 sits in the hysteresis band: Online stays Online.
	result, err := f.svc.ProcessHeartbeat(ctx, "node-1", HeartbeatMetrics{CPUPercent: 40, MemoryPercent: 40, DiskPercent: 40})
	require.NoError(t, err)
	assert.Equal(t, types.NodeStatusOnline, result.Status)
	assert.False(t, result.Transitioned)

	// Drop to 30: degrade.
	result, err = f.svc.ProcessHeartbeat(ctx, "node-1", HeartbeatMetrics{CPUPercent: 70, MemoryPercent: 70, DiskPercent: 70})
	require.NoError(t, err)
	assert.Equal(t, types.NodeStatusDegraded, result.Status)

	// Back to 60: still Degraded, the band holds both ways.
	result, err = f.svc.ProcessHeartbeat(ctx, "node-1", HeartbeatMetrics{CPUPercent: 40, MemoryPercent: 40, DiskPercent: 40})
	require.NoError(t, err)
	assert.Equal(t, types.NodeStatusDegraded, result.Status)
	assert.False(t, result.Transitioned)

	// Recover past the healthy threshold.
	result, err = f.svc.ProcessHeartbeat(ctx, "node-1", HeartbeatMetrics{CPUPercent: 10, MemoryPercent: 10, DiskPercent: 10})
	require.NoError(t, err)
	assert.Equal(t, types.NodeStatusOnline, result.Status)
	assert.True(t, result.Transitioned)

	events := f.drainEvents(t)
	require.Len(t, events, 2)
	assert.Equal(t, types.EventNodeDegraded, events[0].Type)
	assert.Equal(t, types.EventNodeRecovered, events[1].Type)
}

func TestHeartbeatDuringMaintenance(t *testing.T) {
	f := newHeartbeatFixture(t)
	ctx := context.Background()
	f.seedNode(t, "node-1", types.NodeStatusMaintenance)

	result, err := f.svc.ProcessHeartbeat(ctx, "node-1", healthyMetrics())
	require.NoError(t, err)
	assert.Equal(t, types.NodeStatusMaintenance, result.Status)
	assert.False(t, result.Transitioned)
	assert.Empty(t, f.drainEvents(t))

	// Health telemetry is still recorded.
	err = f.store.View(ctx, func(tx storage.Tx) error {
		h, err := tx.GetNodeHealth("node-1")
		require.NoError(t, err)
		require.NotNil(t, h)
		assert.InDelta(t, 70, h.HealthScore, 0.001)
		return nil
	})
	require.NoError(t, err)
}

func TestHeartbeatSyncsCapacityUsage(t *testing.T) {
	f := newHeartbeatFixture(t)
	ctx := context.Background()
	f.seedNode(t, "node-1", types.NodeStatusOnline)

	m := healthyMetrics()
	m.ActiveGameServers = 3
	_, err := f.svc.ProcessHeartbeat(ctx, "node-1", m)
	require.NoError(t, err)

	err = f.store.View(ctx, func(tx storage.Tx) error {
		c, err := tx.GetNodeCapacity("node-1")
		require.NoError(t, err)
		assert.Equal(t, 3, c.CurrentGameServers)
		return nil
	})
	require.NoError(t, err)
}

func TestHeartbeatRejections(t *testing.T) {
	f := newHeartbeatFixture(t)
	ctx := context.Background()

	_, err := f.svc.ProcessHeartbeat(ctx, "ghost", healthyMetrics())
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.CodeNodeNotFound))

	f.seedNode(t, "node-gone", types.NodeStatusDecommissioned)
	_, err = f.svc.ProcessHeartbeat(ctx, "node-gone", healthyMetrics())
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.CodeNodeDecommissioned))
}

func TestCheckStaleNodes(t *testing.T) {
	f := newHeartbeatFixture(t)
	ctx := context.Background()
	f.seedNode(t, "fresh", types.NodeStatusOnline)
	f.seedNode(t, "stale", types.NodeStatusDegraded)
	f.seedNode(t, "silent", types.NodeStatusOnline) // never heartbeated
	f.seedNode(t, "parked", types.NodeStatusMaintenance)

	_, err := f.svc.ProcessHeartbeat(ctx, "stale", healthyMetrics())
	require.NoError(t, err)
	f.drainEvents(t)

	f.clock.Advance(6 * time.Minute)
	_, err = f.svc.ProcessHeartbeat(ctx, "fresh", healthyMetrics())
	require.NoError(t, err)
	f.drainEvents(t)

	count, err := f.svc.CheckStaleNodes(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count, "stale and silent go offline, fresh and parked do not")

	events := f.drainEvents(t)
	require.Len(t, events, 2)
	for _, e := range events {
		assert.Equal(t, types.EventNodeOffline, e.Type)
	}

	// The sweep is idempotent.
	count, err = f.svc.CheckStaleNodes(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
	assert.Empty(t, f.drainEvents(t))
}
