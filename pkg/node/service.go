package node

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/fleetgrid/paddock/pkg/audit"
	"github.com/fleetgrid/paddock/pkg/storage"
	"github.com/fleetgrid/paddock/pkg/types"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// SortKey selects the field node listings are ordered by.
type SortKey string

const (
	SortByName          SortKey = "name"
	SortByDisplayName   SortKey = "displayName"
	SortByStatus        SortKey = "status"
	SortByHealthScore   SortKey = "healthScore"
	SortByLastHeartbeat SortKey = "lastHeartbeat"
	SortByCreatedAt     SortKey = "createdAt"
	SortByActiveServers SortKey = "activeServers"
)

// ParseSortKey maps a caller-supplied sort field to a SortKey,
// defaulting to name ordering for anything unrecognized.
func ParseSortKey(s string) SortKey {
	switch SortKey(s) {
	case SortByName, SortByDisplayName, SortByStatus, SortByHealthScore,
		SortByLastHeartbeat, SortByCreatedAt, SortByActiveServers:
		return SortKey(s)
	}
	return SortByName
}

// ListFilter narrows and orders a node listing. Zero values mean
// "no constraint".
type ListFilter struct {
	OrgID            string
	Status           []types.NodeStatus
	Platform         types.Platform
	MinHealthScore   *float64
	MaxHealthScore   *float64
	HasActiveServers *bool
	Search           string // substring match on name and display name
	Tags             []string

	SortBy   SortKey
	SortDesc bool
	Page     int // 1-based
	PageSize int
}

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

// NodeView joins a node with its latest health telemetry and capacity
// for query results. Health and Capacity may be nil for nodes that have
// never reported.
type NodeView struct {
	Node     *types.Node
	Health   *types.NodeHealth
	Capacity *types.NodeCapacity
}

// ListResult is one page of a node listing.
type ListResult struct {
	Nodes      []*NodeView
	TotalCount int
	Page       int
	PageSize   int
}

// UpdateRequest carries the mutable node fields. Nil pointers leave the
// field unchanged.
type UpdateRequest struct {
	Name        *string
	DisplayName *string
	Tags        *[]string
}

// Service answers node queries and drives the administrative lifecycle:
// rename, retag, maintenance windows and decommissioning.
type Service struct {
	store      storage.Store
	clock      clockwork.Clock
	log        zerolog.Logger
	audit      audit.Sink
	staleAfter time.Duration
}

// NewService creates a node service. staleAfter is the heartbeat age
// beyond which a node leaving maintenance is considered offline.
func NewService(store storage.Store, clock clockwork.Clock, logger zerolog.Logger, auditSink audit.Sink, staleAfter time.Duration) *Service {
	return &Service{
		store:      store,
		clock:      clock,
		log:        logger,
		audit:      auditSink,
		staleAfter: staleAfter,
	}
}

// GetNode returns a node joined with its health and capacity.
func (s *Service) GetNode(ctx context.Context, nodeID string) (*NodeView, error) {
	var view *NodeView
	err := s.store.View(ctx, func(tx storage.Tx) error {
		node, err := tx.GetNode(nodeID)
		if err != nil {
			return err
		}
		if node == nil {
			return types.E(types.CodeNodeNotFound, "node %s not found", nodeID)
		}
		health, err := tx.GetNodeHealth(nodeID)
		if err != nil {
			return err
		}
		capacity, err := tx.GetNodeCapacity(nodeID)
		if err != nil {
			return err
		}
		view = &NodeView{Node: node, Health: health, Capacity: capacity}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return view, nil
}

// ListNodes returns one page of nodes matching the filter, ordered by
// the filter's sort key. Soft-deleted nodes never appear.
func (s *Service) ListNodes(ctx context.Context, filter ListFilter) (*ListResult, error) {
	page := filter.Page
	if page < 1 {
		page = 1
	}
	pageSize := filter.PageSize
	if pageSize < 1 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}

	var views []*NodeView
	err := s.store.View(ctx, func(tx storage.Tx) error {
		var nodes []*types.Node
		var err error
		if filter.OrgID != "" {
			nodes, err = tx.ListNodesByOrg(filter.OrgID)
		} else {
			nodes, err = tx.ListNodes()
		}
		if err != nil {
			return err
		}
		for _, n := range nodes {
			health, err := tx.GetNodeHealth(n.ID)
			if err != nil {
				return err
			}
			capacity, err := tx.GetNodeCapacity(n.ID)
			if err != nil {
				return err
			}
			v := &NodeView{Node: n, Health: health, Capacity: capacity}
			if matchesFilter(v, filter) {
				views = append(views, v)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sortViews(views, filter.SortBy, filter.SortDesc)

	total := len(views)
	start := (page - 1) * pageSize
	if start > total {
		start = total
	}
	end := start + pageSize
	if end > total {
		end = total
	}

	return &ListResult{
		Nodes:      views[start:end],
		TotalCount: total,
		Page:       page,
		PageSize:   pageSize,
	}, nil
}

// UpdateNode applies an administrative update. Renames are rejected with
// name_already_exists when another node in the org already has the name.
func (s *Service) UpdateNode(ctx context.Context, nodeID string, req UpdateRequest) (*types.Node, error) {
	now := s.clock.Now()
	var updated *types.Node

	err := s.store.Update(ctx, func(tx storage.Tx) error {
		node, err := tx.GetNode(nodeID)
		if err != nil {
			return err
		}
		if node == nil {
			return types.E(types.CodeNodeNotFound, "node %s not found", nodeID)
		}
		if node.Status == types.NodeStatusDecommissioned {
			return types.E(types.CodeNodeDecommissioned, "node %s is decommissioned", nodeID)
		}

		if req.Name != nil && *req.Name != node.Name {
			existing, err := tx.GetNodeByName(node.OrgID, *req.Name)
			if err != nil {
				return err
			}
			if existing != nil && existing.ID != node.ID {
				return types.E(types.CodeNameAlreadyExists, "node name %q already in use", *req.Name)
			}
			node.Name = *req.Name
		}
		if req.DisplayName != nil {
			node.DisplayName = *req.DisplayName
		}
		if req.Tags != nil {
			node.Tags = *req.Tags
		}
		node.UpdatedAt = now
		if err := tx.UpdateNode(node); err != nil {
			return err
		}
		updated = node
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.audit.Log(ctx, audit.Entry{
		Action:       "node.update",
		ResourceType: "node",
		ResourceID:   nodeID,
		ResourceName: updated.Name,
		OrgID:        updated.OrgID,
		Outcome:      "success",
	})
	return updated, nil
}

// UpdateNodeTags replaces the node's tag set.
func (s *Service) UpdateNodeTags(ctx context.Context, nodeID string, tags []string) (*types.Node, error) {
	return s.UpdateNode(ctx, nodeID, UpdateRequest{Tags: &tags})
}

// EnterMaintenance moves an Online, Degraded or Offline node into
// maintenance; heartbeats received while in maintenance update health
// but never change status.
func (s *Service) EnterMaintenance(ctx context.Context, nodeID, reason string) (*types.Node, error) {
	now := s.clock.Now()
	var updated *types.Node

	err := s.store.Update(ctx, func(tx storage.Tx) error {
		node, err := tx.GetNode(nodeID)
		if err != nil {
			return err
		}
		if node == nil {
			return types.E(types.CodeNodeNotFound, "node %s not found", nodeID)
		}
		switch node.Status {
		case types.NodeStatusMaintenance:
			return types.E(types.CodeAlreadyInMaintenance, "node %s is already in maintenance", nodeID)
		case types.NodeStatusDecommissioned:
			return types.E(types.CodeNodeDecommissioned, "node %s is decommissioned", nodeID)
		}

		node.Status = types.NodeStatusMaintenance
		node.UpdatedAt = now
		if err := tx.UpdateNode(node); err != nil {
			return err
		}
		updated = node

		metadata := map[string]string{}
		if reason != "" {
			metadata["reason"] = reason
		}
		return tx.AppendEvent(&types.Event{
			ID:        uuid.New().String(),
			Type:      types.EventNodeMaintenanceStarted,
			NodeID:    nodeID,
			OrgID:     node.OrgID,
			Timestamp: now,
			Metadata:  metadata,
		})
	})
	if err != nil {
		return nil, err
	}

	s.audit.Log(ctx, audit.Entry{
		Action:       "node.maintenance_start",
		ResourceType: "node",
		ResourceID:   nodeID,
		ResourceName: updated.Name,
		OrgID:        updated.OrgID,
		Outcome:      "success",
		Details:      map[string]string{"reason": reason},
	})
	s.log.Info().Str("node_id", nodeID).Msg("node entered maintenance")
	return updated, nil
}

// ExitMaintenance returns a node to service: Online if its last
// heartbeat is recent, Offline otherwise.
func (s *Service) ExitMaintenance(ctx context.Context, nodeID string) (*types.Node, error) {
	now := s.clock.Now()
	var updated *types.Node

	err := s.store.Update(ctx, func(tx storage.Tx) error {
		node, err := tx.GetNode(nodeID)
		if err != nil {
			return err
		}
		if node == nil {
			return types.E(types.CodeNodeNotFound, "node %s not found", nodeID)
		}
		if node.Status != types.NodeStatusMaintenance {
			return types.E(types.CodeNotInMaintenance, "node %s is not in maintenance", nodeID)
		}

		node.Status = types.NodeStatusOffline
		if node.LastHeartbeat != nil && now.Sub(*node.LastHeartbeat) <= s.staleAfter {
			node.Status = types.NodeStatusOnline
		}
		node.UpdatedAt = now
		if err := tx.UpdateNode(node); err != nil {
			return err
		}
		updated = node

		return tx.AppendEvent(&types.Event{
			ID:        uuid.New().String(),
			Type:      types.EventNodeMaintenanceEnded,
			NodeID:    nodeID,
			OrgID:     node.OrgID,
			Timestamp: now,
			Metadata:  map[string]string{"status": string(node.Status)},
		})
	})
	if err != nil {
		return nil, err
	}

	s.audit.Log(ctx, audit.Entry{
		Action:       "node.maintenance_end",
		ResourceType: "node",
		ResourceID:   nodeID,
		ResourceName: updated.Name,
		OrgID:        updated.OrgID,
		Outcome:      "success",
		Details:      map[string]string{"status": string(updated.Status)},
	})
	s.log.Info().Str("node_id", nodeID).Str("status", string(updated.Status)).Msg("node left maintenance")
	return updated, nil
}

// DecommissionNode permanently retires a node: soft-deletes it, revokes
// every unrevoked agent certificate it holds, and emits a
// node.decommissioned event. Decommissioning is terminal and idempotent
// at the storage level; a second call fails with node_not_found because
// the node is already soft-deleted.
func (s *Service) DecommissionNode(ctx context.Context, nodeID, reason string) error {
	now := s.clock.Now()
	var name, orgID string
	revoked := 0

	err := s.store.Update(ctx, func(tx storage.Tx) error {
		node, err := tx.GetNode(nodeID)
		if err != nil {
			return err
		}
		if node == nil {
			return types.E(types.CodeNodeNotFound, "node %s not found", nodeID)
		}

		node.Status = types.NodeStatusDecommissioned
		node.DeletedAt = &now
		node.UpdatedAt = now
		if err := tx.UpdateNode(node); err != nil {
			return err
		}
		name, orgID = node.Name, node.OrgID

		certs, err := tx.ListCertificatesByNode(nodeID)
		if err != nil {
			return err
		}
		for _, cert := range certs {
			if cert.IsRevoked {
				continue
			}
			cert.IsRevoked = true
			cert.RevokedAt = &now
			cert.RevocationReason = "node decommissioned"
			if err := tx.UpdateCertificate(cert); err != nil {
				return err
			}
			revoked++
		}

		metadata := map[string]string{}
		if reason != "" {
			metadata["reason"] = reason
		}
		return tx.AppendEvent(&types.Event{
			ID:        uuid.New().String(),
			Type:      types.EventNodeDecommissioned,
			NodeID:    nodeID,
			OrgID:     orgID,
			Timestamp: now,
			Metadata:  metadata,
		})
	})
	if err != nil {
		return err
	}

	s.audit.Log(ctx, audit.Entry{
		Action:       "node.decommission",
		ResourceType: "node",
		ResourceID:   nodeID,
		ResourceName: name,
		OrgID:        orgID,
		Outcome:      "success",
		Details:      map[string]string{"reason": reason},
	})
	s.log.Info().
		Str("node_id", nodeID).
		Int("certificates_revoked", revoked).
		Msg("node decommissioned")
	return nil
}

func matchesFilter(v *NodeView, filter ListFilter) bool {
	n := v.Node
	if len(filter.Status) > 0 {
		found := false
		for _, st := range filter.Status {
			if n.Status == st {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if filter.Platform != "" && n.Platform != filter.Platform {
		return false
	}
	if filter.Search != "" {
		needle := strings.ToLower(filter.Search)
		if !strings.Contains(strings.ToLower(n.Name), needle) &&
			!strings.Contains(strings.ToLower(n.DisplayName), needle) {
			return false
		}
	}
	if len(filter.Tags) > 0 {
		// A node matches when it carries at least one of the requested tags.
		found := false
		for _, want := range filter.Tags {
			for _, tag := range n.Tags {
				if tag == want {
					found = true
					break
				}
			}
		}
		if !found {
			return false
		}
	}
	if filter.MinHealthScore != nil {
		if v.Health == nil || v.Health.HealthScore < *filter.MinHealthScore {
			return false
		}
	}
	if filter.MaxHealthScore != nil {
		if v.Health == nil || v.Health.HealthScore > *filter.MaxHealthScore {
			return false
		}
	}
	if filter.HasActiveServers != nil {
		active := v.Health != nil && v.Health.ActiveGameServers > 0
		if active != *filter.HasActiveServers {
			return false
		}
	}
	return true
}

func sortViews(views []*NodeView, key SortKey, desc bool) {
	less := lessFunc(key)
	sort.SliceStable(views, func(i, j int) bool {
		if desc {
			return less(views[j], views[i])
		}
		return less(views[i], views[j])
	})
}

func lessFunc(key SortKey) func(a, b *NodeView) bool {
	switch key {
	case SortByDisplayName:
		return func(a, b *NodeView) bool {
			return strings.ToLower(a.Node.DisplayName) < strings.ToLower(b.Node.DisplayName)
		}
	case SortByStatus:
		return func(a, b *NodeView) bool { return a.Node.Status < b.Node.Status }
	case SortByHealthScore:
		return func(a, b *NodeView) bool { return healthScore(a) < healthScore(b) }
	case SortByLastHeartbeat:
		return func(a, b *NodeView) bool {
			return heartbeatTime(a).Before(heartbeatTime(b))
		}
	case SortByCreatedAt:
		return func(a, b *NodeView) bool { return a.Node.CreatedAt.Before(b.Node.CreatedAt) }
	case SortByActiveServers:
		return func(a, b *NodeView) bool { return activeServers(a) < activeServers(b) }
	default:
		return func(a, b *NodeView) bool {
			return strings.ToLower(a.Node.Name) < strings.ToLower(b.Node.Name)
		}
	}
}

// Nodes that never reported sort below every node with telemetry.
func healthScore(v *NodeView) float64 {
	if v.Health == nil {
		return -1
	}
	return v.Health.HealthScore
}

func heartbeatTime(v *NodeView) time.Time {
	if v.Node.LastHeartbeat == nil {
		return time.Time{}
	}
	return *v.Node.LastHeartbeat
}

func activeServers(v *NodeView) int {
	if v.Health == nil {
		return -1
	}
	return v.Health.ActiveGameServers
}
