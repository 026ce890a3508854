package capacity

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"github.com/fleetgrid/paddock/pkg/audit"
	"github.com/fleetgrid/paddock/pkg/metrics"
	"github.com/fleetgrid/paddock/pkg/storage"
	"github.com/fleetgrid/paddock/pkg/types"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

const (
	// DefaultReservationTTL applies when the caller requests none.
	DefaultReservationTTL = 5 * time.Minute
	// MaxReservationTTL caps how long a Pending reservation may hold
	// capacity.
	MaxReservationTTL = time.Hour

	megabyte = int64(1 << 20)
)

// ReserveRequest asks for a slice of a node's capacity.
type ReserveRequest struct {
	NodeID        string
	MemoryMB      int64
	DiskMB        int64
	CPUMillicores int64
	RequestedBy   string
	TTL           time.Duration
	CorrelationID string
}

// Availability is the capacity read model for one node: raw capacity,
// capacity held by active (Pending plus Claimed) reservations, and the
// effective remainder. It uses the exact aggregation Reserve checks
// against.
type Availability struct {
	NodeID string

	RawMemoryMB       int64
	ReservedMemoryMB  int64
	AvailableMemoryMB int64

	RawDiskMB       int64
	ReservedDiskMB  int64
	AvailableDiskMB int64

	MaxSlots       int
	UsedSlots      int
	ReservedSlots  int
	AvailableSlots int

	ActiveReservations int
}

// ReservationService arbitrates node capacity among competing
// reservation requests.
//
// Reserve's availability check is check-then-act: it runs entirely
// inside one store Update transaction, and the store serializes
// writers, so two concurrent Reserve calls can never both observe the
// same free capacity and jointly over-commit a node.
type ReservationService struct {
	store      storage.Store
	clock      clockwork.Clock
	log        zerolog.Logger
	audit      audit.Sink
	metrics    metrics.Sink
	defaultTTL time.Duration
	maxTTL     time.Duration
}

// NewReservationService creates the reservation engine.
func NewReservationService(store storage.Store, clock clockwork.Clock, logger zerolog.Logger, auditSink audit.Sink, sink metrics.Sink, defaultTTL, maxTTL time.Duration) *ReservationService {
	if defaultTTL <= 0 {
		defaultTTL = DefaultReservationTTL
	}
	if maxTTL <= 0 {
		maxTTL = MaxReservationTTL
	}
	return &ReservationService{
		store:      store,
		clock:      clock,
		log:        logger,
		audit:      auditSink,
		metrics:    sink,
		defaultTTL: defaultTTL,
		maxTTL:     maxTTL,
	}
}

// Reserve places a Pending hold on the node's capacity, rejecting the
// request when the node is unavailable or the effective available
// capacity cannot cover it.
func (s *ReservationService) Reserve(ctx context.Context, req ReserveRequest) (*types.CapacityReservation, error) {
	ttl := req.TTL
	if ttl <= 0 {
		ttl = s.defaultTTL
	}
	if ttl > s.maxTTL {
		ttl = s.maxTTL
	}

	token, err := newReservationToken()
	if err != nil {
		s.log.Error().Err(err).Msg("failed to generate reservation token")
		return nil, types.E(types.CodeInternal, "failed to create reservation")
	}

	now := s.clock.Now()
	var reservation *types.CapacityReservation

	err = s.store.Update(ctx, func(tx storage.Tx) error {
		node, err := tx.GetNode(req.NodeID)
		if err != nil {
			return err
		}
		if node == nil {
			return types.E(types.CodeNodeNotFound, "node %s not found", req.NodeID)
		}
		switch node.Status {
		case types.NodeStatusOffline, types.NodeStatusDecommissioned, types.NodeStatusMaintenance:
			return types.E(types.CodeNodeUnavailable, "node %s is %s", req.NodeID, node.Status)
		}

		avail, err := availabilityFor(tx, req.NodeID, now)
		if err != nil {
			return err
		}
		if req.MemoryMB > avail.AvailableMemoryMB {
			return types.E(types.CodeInsufficientMemory,
				"requested %d MB, %d MB available", req.MemoryMB, avail.AvailableMemoryMB)
		}
		if req.DiskMB > avail.AvailableDiskMB {
			return types.E(types.CodeInsufficientDisk,
				"requested %d MB, %d MB available", req.DiskMB, avail.AvailableDiskMB)
		}
		if avail.AvailableSlots < 1 {
			return types.E(types.CodeInsufficientSlots, "no game server slots available")
		}

		reservation = &types.CapacityReservation{
			ID:               uuid.New().String(),
			NodeID:           req.NodeID,
			ReservationToken: token,
			MemoryMB:         req.MemoryMB,
			DiskMB:           req.DiskMB,
			CPUMillicores:    req.CPUMillicores,
			RequestedBy:      req.RequestedBy,
			CorrelationID:    req.CorrelationID,
			Status:           types.ReservationStatusPending,
			CreatedAt:        now,
			ExpiresAt:        now.Add(ttl),
		}
		if err := tx.CreateReservation(reservation); err != nil {
			return err
		}

		return tx.AppendEvent(&types.Event{
			ID:        uuid.New().String(),
			Type:      types.EventCapacityReserved,
			NodeID:    req.NodeID,
			OrgID:     node.OrgID,
			Timestamp: now,
			Metadata: map[string]string{
				"reservation_id": reservation.ID,
				"memory_mb":      strconv.FormatInt(req.MemoryMB, 10),
				"disk_mb":        strconv.FormatInt(req.DiskMB, 10),
				"requested_by":   req.RequestedBy,
				"correlation_id": req.CorrelationID,
			},
		})
	})
	if err != nil {
		return nil, s.fail(ctx, "capacity.reserve", req.NodeID, err)
	}

	s.metrics.ReservationEvent("reserved")
	s.audit.Log(ctx, audit.Entry{
		Action:       "capacity.reserve",
		ResourceType: "capacity_reservation",
		ResourceID:   reservation.ID,
		Outcome:      "success",
		Details: map[string]string{
			"node_id":   req.NodeID,
			"memory_mb": strconv.FormatInt(req.MemoryMB, 10),
			"disk_mb":   strconv.FormatInt(req.DiskMB, 10),
		},
	})
	s.log.Info().
		Str("reservation_id", reservation.ID).
		Str("node_id", req.NodeID).
		Int64("memory_mb", req.MemoryMB).
		Time("expires_at", reservation.ExpiresAt).
		Msg("capacity reserved")
	return reservation, nil
}

// Claim binds a Pending reservation to a concrete game server. A
// Pending reservation past its deadline is lazily flipped to Expired
// and the claim fails with reservation_expired.
func (s *ReservationService) Claim(ctx context.Context, token, serverID string) (*types.CapacityReservation, error) {
	now := s.clock.Now()
	var reservation *types.CapacityReservation

	err := s.store.Update(ctx, func(tx storage.Tx) error {
		r, err := tx.GetReservationByToken(token)
		if err != nil {
			return err
		}
		if r == nil {
			return types.E(types.CodeReservationNotFound, "reservation not found")
		}

		switch r.Status {
		case types.ReservationStatusPending:
			if !r.ExpiresAt.After(now) {
				r.Status = types.ReservationStatusExpired
				if err := tx.UpdateReservation(r); err != nil {
					return err
				}
				if err := appendReservationEvent(tx, r, types.EventCapacityReservationExpired, now, nil); err != nil {
					return err
				}
				return types.E(types.CodeReservationExpired, "reservation expired at %s", r.ExpiresAt.Format(time.RFC3339))
			}
		case types.ReservationStatusClaimed:
			return types.E(types.CodeReservationAlreadyClaimed, "reservation already claimed by %s", r.ServerID)
		case types.ReservationStatusExpired:
			return types.E(types.CodeReservationExpired, "reservation expired")
		default:
			return types.E(types.CodeReservationAlreadyReleased, "reservation already released")
		}

		r.Status = types.ReservationStatusClaimed
		r.ServerID = serverID
		r.ClaimedAt = &now
		if err := tx.UpdateReservation(r); err != nil {
			return err
		}
		reservation = r
		return appendReservationEvent(tx, r, types.EventCapacityClaimed, now, map[string]string{"server_id": serverID})
	})
	if err != nil {
		return nil, s.fail(ctx, "capacity.claim", "", err)
	}

	s.metrics.ReservationEvent("claimed")
	s.audit.Log(ctx, audit.Entry{
		Action:       "capacity.claim",
		ResourceType: "capacity_reservation",
		ResourceID:   reservation.ID,
		Outcome:      "success",
		Details:      map[string]string{"server_id": serverID},
	})
	return reservation, nil
}

// Release frees a Pending or Claimed reservation. Releasing an already
// Released or Expired reservation fails with
// reservation_already_released; retries are harmless.
func (s *ReservationService) Release(ctx context.Context, token, reason string) (*types.CapacityReservation, error) {
	now := s.clock.Now()
	var reservation *types.CapacityReservation

	err := s.store.Update(ctx, func(tx storage.Tx) error {
		r, err := tx.GetReservationByToken(token)
		if err != nil {
			return err
		}
		if r == nil {
			return types.E(types.CodeReservationNotFound, "reservation not found")
		}

		switch r.Status {
		case types.ReservationStatusReleased, types.ReservationStatusExpired:
			return types.E(types.CodeReservationAlreadyReleased, "reservation is %s", r.Status)
		}

		r.Status = types.ReservationStatusReleased
		r.ReleasedAt = &now
		if err := tx.UpdateReservation(r); err != nil {
			return err
		}
		reservation = r

		metadata := map[string]string{}
		if reason != "" {
			metadata["reason"] = reason
		}
		return appendReservationEvent(tx, r, types.EventCapacityReleased, now, metadata)
	})
	if err != nil {
		if types.IsCode(err, types.CodeReservationAlreadyReleased) {
			s.log.Debug().Str("token_prefix", tokenPrefix(token)).Msg("release on terminal reservation ignored")
		}
		return nil, s.fail(ctx, "capacity.release", "", err)
	}

	s.metrics.ReservationEvent("released")
	s.audit.Log(ctx, audit.Entry{
		Action:       "capacity.release",
		ResourceType: "capacity_reservation",
		ResourceID:   reservation.ID,
		Outcome:      "success",
		Details:      map[string]string{"reason": reason},
	})
	return reservation, nil
}

// ExpireStale sweeps every Pending reservation past its deadline to
// Expired, emitting one event each. Idempotent: a second run right
// after returns zero.
func (s *ReservationService) ExpireStale(ctx context.Context) (int, error) {
	now := s.clock.Now()
	count := 0

	err := s.store.Update(ctx, func(tx storage.Tx) error {
		reservations, err := tx.ListReservations()
		if err != nil {
			return err
		}
		for _, r := range reservations {
			if r.Status != types.ReservationStatusPending || r.ExpiresAt.After(now) {
				continue
			}
			r.Status = types.ReservationStatusExpired
			if err := tx.UpdateReservation(r); err != nil {
				return err
			}
			if err := appendReservationEvent(tx, r, types.EventCapacityReservationExpired, now, nil); err != nil {
				return err
			}
			count++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	if count > 0 {
		s.metrics.ReservationEvent("expired")
		s.log.Info().Int("count", count).Msg("expired stale reservations")
	}
	return count, nil
}

// GetAvailableCapacity returns the capacity read model for a node.
func (s *ReservationService) GetAvailableCapacity(ctx context.Context, nodeID string) (*Availability, error) {
	now := s.clock.Now()
	var avail *Availability

	err := s.store.View(ctx, func(tx storage.Tx) error {
		node, err := tx.GetNode(nodeID)
		if err != nil {
			return err
		}
		if node == nil {
			return types.E(types.CodeNodeNotFound, "node %s not found", nodeID)
		}
		avail, err = availabilityFor(tx, nodeID, now)
		return err
	})
	if err != nil {
		return nil, err
	}
	return avail, nil
}

// availabilityFor aggregates raw capacity minus active reservations.
// Reserve and GetAvailableCapacity share it so the check and the read
// model can never drift apart.
func availabilityFor(tx storage.Tx, nodeID string, now time.Time) (*Availability, error) {
	capacity, err := tx.GetNodeCapacity(nodeID)
	if err != nil {
		return nil, err
	}
	if capacity == nil {
		return nil, fmt.Errorf("node %s has no capacity record", nodeID)
	}

	reservations, err := tx.ListReservationsByNode(nodeID)
	if err != nil {
		return nil, err
	}

	avail := &Availability{
		NodeID:      nodeID,
		RawMemoryMB: capacity.AvailableMemoryBytes / megabyte,
		RawDiskMB:   capacity.AvailableDiskBytes / megabyte,
		MaxSlots:    capacity.MaxGameServers,
		UsedSlots:   capacity.CurrentGameServers,
	}
	for _, r := range reservations {
		if !r.Active(now) {
			continue
		}
		avail.ReservedMemoryMB += r.MemoryMB
		avail.ReservedDiskMB += r.DiskMB
		avail.ReservedSlots++
		avail.ActiveReservations++
	}

	avail.AvailableMemoryMB = max64(0, avail.RawMemoryMB-avail.ReservedMemoryMB)
	avail.AvailableDiskMB = max64(0, avail.RawDiskMB-avail.ReservedDiskMB)
	avail.AvailableSlots = maxInt(0, avail.MaxSlots-avail.UsedSlots-avail.ReservedSlots)
	return avail, nil
}

func appendReservationEvent(tx storage.Tx, r *types.CapacityReservation, evtType types.EventType, now time.Time, extra map[string]string) error {
	metadata := map[string]string{"reservation_id": r.ID}
	if r.CorrelationID != "" {
		metadata["correlation_id"] = r.CorrelationID
	}
	for k, v := range extra {
		metadata[k] = v
	}
	return tx.AppendEvent(&types.Event{
		ID:        uuid.New().String(),
		Type:      evtType,
		NodeID:    r.NodeID,
		Timestamp: now,
		Metadata:  metadata,
	})
}

func (s *ReservationService) fail(ctx context.Context, action, resourceID string, err error) error {
	code := types.CodeOf(err)
	s.audit.Log(ctx, audit.Entry{
		Action:       action,
		ResourceType: "capacity_reservation",
		ResourceID:   resourceID,
		Outcome:      string(code),
	})
	if code == types.CodeInternal {
		s.log.Error().Err(err).Str("action", action).Msg("reservation operation failed")
		return types.E(types.CodeInternal, "reservation operation failed")
	}
	return err
}

func newReservationToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func tokenPrefix(token string) string {
	if len(token) <= 8 {
		return token
	}
	return token[:8]
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
