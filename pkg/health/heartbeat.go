package health

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/fleetgrid/paddock/pkg/metrics"
	"github.com/fleetgrid/paddock/pkg/storage"
	"github.com/fleetgrid/paddock/pkg/types"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// DefaultStaleAfter is how long a node may stay silent before the
// staleness sweep marks it Offline.
const DefaultStaleAfter = 5 * time.Minute

// HeartbeatMetrics is the raw telemetry an agent reports per heartbeat.
type HeartbeatMetrics struct {
	CPUPercent        float64
	MemoryPercent     float64
	DiskPercent       float64
	ActiveGameServers int
	HealthIssues      []string
}

// HeartbeatResult describes what a heartbeat did to the node.
type HeartbeatResult struct {
	NodeID         string
	PreviousStatus types.NodeStatus
	Status         types.NodeStatus
	Score          float64
	Trend          types.HealthTrend
	Transitioned   bool
}

// HeartbeatService applies heartbeats to node and health records and
// drives the availability state machine.
type HeartbeatService struct {
	store      storage.Store
	scorer     Scorer
	clock      clockwork.Clock
	log        zerolog.Logger
	metrics    metrics.Sink
	staleAfter time.Duration
}

// NewHeartbeatService creates the heartbeat processor.
func NewHeartbeatService(store storage.Store, scorer Scorer, clock clockwork.Clock, logger zerolog.Logger, sink metrics.Sink, staleAfter time.Duration) *HeartbeatService {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	return &HeartbeatService{
		store:      store,
		scorer:     scorer,
		clock:      clock,
		log:        logger,
		metrics:    sink,
		staleAfter: staleAfter,
	}
}

// StaleAfter returns the configured staleness threshold.
func (s *HeartbeatService) StaleAfter() time.Duration {
	return s.staleAfter
}

// ProcessHeartbeat applies one heartbeat. The node record, health
// record, capacity usage and at most one status-transition event commit
// atomically; concurrent heartbeats for the same node serialize on the
// store's writer.
//
// Exactly one event is emitted per effective transition: NodeOnline
// when an Offline or Enrolling node comes up healthy, NodeDegraded when
// a node lands in Degraded (carrying the issue list), NodeRecovered for
// Degraded back to Online. A heartbeat that changes nothing emits
// nothing.
func (s *HeartbeatService) ProcessHeartbeat(ctx context.Context, nodeID string, m HeartbeatMetrics) (*HeartbeatResult, error) {
	started := time.Now()
	defer func() {
		s.metrics.HeartbeatProcessed(time.Since(started))
	}()

	now := s.clock.Now()
	var result *HeartbeatResult

	err := s.store.Update(ctx, func(tx storage.Tx) error {
		node, err := tx.GetNodeAny(nodeID)
		if err != nil {
			return err
		}
		if node == nil {
			return types.E(types.CodeNodeNotFound, "node %s not found", nodeID)
		}
		if node.Status == types.NodeStatusDecommissioned || node.Deleted() {
			return types.E(types.CodeNodeDecommissioned, "node %s is decommissioned", nodeID)
		}

		prev, err := tx.GetNodeHealth(nodeID)
		if err != nil {
			return err
		}

		score := s.scorer.CalculateHealthScore(m.CPUPercent, m.MemoryPercent, m.DiskPercent, len(m.HealthIssues))

		trend := types.TrendStable
		lastScoreChange := now
		if prev != nil {
			trend = s.scorer.DetermineHealthTrend(score, prev.HealthScore, prev.HealthTrend)
			if score == prev.HealthScore {
				lastScoreChange = prev.LastScoreChange
			}
		}

		if err := tx.PutNodeHealth(&types.NodeHealth{
			NodeID:            nodeID,
			CPUPercent:        m.CPUPercent,
			MemoryPercent:     m.MemoryPercent,
			DiskPercent:       m.DiskPercent,
			ActiveGameServers: m.ActiveGameServers,
			HealthIssues:      m.HealthIssues,
			HealthScore:       score,
			HealthTrend:       trend,
			LastScoreChange:   lastScoreChange,
			ReportedAt:        now,
		}); err != nil {
			return err
		}

		// Heartbeats are the authority on how many game servers the
		// node is actually running.
		if capacity, err := tx.GetNodeCapacity(nodeID); err != nil {
			return err
		} else if capacity != nil && capacity.CurrentGameServers != m.ActiveGameServers {
			capacity.CurrentGameServers = m.ActiveGameServers
			capacity.UpdatedAt = now
			if err := tx.PutNodeCapacity(capacity); err != nil {
				return err
			}
		}

		prevStatus := node.Status
		node.LastHeartbeat = &now
		node.UpdatedAt = now

		var evtType types.EventType
		switch prevStatus {
		case types.NodeStatusMaintenance:
			// Health keeps flowing during maintenance, status does not move.
		case types.NodeStatusOffline, types.NodeStatusEnrolling:
			node.Status = s.scorer.StatusForScore(score)
			if node.Status == types.NodeStatusOnline {
				evtType = types.EventNodeOnline
			} else {
				evtType = types.EventNodeDegraded
			}
		default:
			if next, ok := s.scorer.ShouldTransitionStatus(prevStatus, score); ok {
				node.Status = next
				if next == types.NodeStatusDegraded {
					evtType = types.EventNodeDegraded
				} else {
					evtType = types.EventNodeRecovered
				}
			}
		}

		if err := tx.UpdateNode(node); err != nil {
			return err
		}

		if evtType != "" {
			metadata := map[string]string{
				"from":  string(prevStatus),
				"to":    string(node.Status),
				"score": scoreString(score),
			}
			if evtType == types.EventNodeDegraded && len(m.HealthIssues) > 0 {
				metadata["issues"] = strings.Join(m.HealthIssues, ";")
			}
			if err := tx.AppendEvent(&types.Event{
				ID:        uuid.New().String(),
				Type:      evtType,
				NodeID:    nodeID,
				OrgID:     node.OrgID,
				Timestamp: now,
				Metadata:  metadata,
			}); err != nil {
				return err
			}
		}

		result = &HeartbeatResult{
			NodeID:         nodeID,
			PreviousStatus: prevStatus,
			Status:         node.Status,
			Score:          score,
			Trend:          trend,
			Transitioned:   node.Status != prevStatus,
		}
		return nil
	})
	if err != nil {
		if types.CodeOf(err) == types.CodeInternal {
			s.log.Error().Err(err).Str("node_id", nodeID).Msg("heartbeat processing failed")
			return nil, types.E(types.CodeInternal, "heartbeat processing failed")
		}
		return nil, err
	}

	s.metrics.HealthScore(result.Score)
	if result.Transitioned {
		s.metrics.StatusTransition(string(result.PreviousStatus), string(result.Status))
		s.log.Info().
			Str("node_id", nodeID).
			Str("from", string(result.PreviousStatus)).
			Str("to", string(result.Status)).
			Float64("score", result.Score).
			Msg("node status transition")
	}
	return result, nil
}

// CheckStaleNodes marks Online and Degraded nodes Offline when their
// last heartbeat is missing or older than the staleness threshold,
// emitting one NodeOffline event per transition. It returns how many
// nodes went Offline and is safe to re-run and to race with live
// heartbeats.
func (s *HeartbeatService) CheckStaleNodes(ctx context.Context) (int, error) {
	now := s.clock.Now()
	count := 0

	err := s.store.Update(ctx, func(tx storage.Tx) error {
		nodes, err := tx.ListNodes()
		if err != nil {
			return err
		}
		for _, node := range nodes {
			if node.Status != types.NodeStatusOnline && node.Status != types.NodeStatusDegraded {
				continue
			}
			if node.LastHeartbeat != nil && now.Sub(*node.LastHeartbeat) <= s.staleAfter {
				continue
			}

			prevStatus := node.Status
			node.Status = types.NodeStatusOffline
			node.UpdatedAt = now
			if err := tx.UpdateNode(node); err != nil {
				return err
			}
			if err := tx.AppendEvent(&types.Event{
				ID:        uuid.New().String(),
				Type:      types.EventNodeOffline,
				NodeID:    node.ID,
				OrgID:     node.OrgID,
				Timestamp: now,
				Metadata:  map[string]string{"from": string(prevStatus)},
			}); err != nil {
				return err
			}
			s.metrics.StatusTransition(string(prevStatus), string(types.NodeStatusOffline))
			count++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	if count > 0 {
		s.log.Info().Int("count", count).Msg("marked stale nodes offline")
	}
	return count, nil
}

func scoreString(score float64) string {
	return strconv.FormatFloat(score, 'f', -1, 64)
}
