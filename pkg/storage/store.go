package storage

import (
	"context"

	"github.com/fleetgrid/paddock/pkg/types"
)

// Tx is a transactional view over the fleet state. All reads and writes
// made through a Tx either commit together or not at all; events
// appended with AppendEvent land in the outbox in the same transaction
// as the entity mutations that caused them.
//
// Lookups return (nil, nil) when the entity does not exist. Node reads
// hide soft-deleted nodes unless the method says otherwise.
type Tx interface {
	// Nodes
	CreateNode(node *types.Node) error
	GetNode(id string) (*types.Node, error)
	GetNodeAny(id string) (*types.Node, error) // includes soft-deleted
	GetNodeByName(orgID, name string) (*types.Node, error)
	ListNodes() ([]*types.Node, error)
	ListNodesByOrg(orgID string) ([]*types.Node, error)
	UpdateNode(node *types.Node) error

	// Health
	PutNodeHealth(h *types.NodeHealth) error
	GetNodeHealth(nodeID string) (*types.NodeHealth, error)

	// Capacity
	PutNodeCapacity(c *types.NodeCapacity) error
	GetNodeCapacity(nodeID string) (*types.NodeCapacity, error)

	// Reservations
	CreateReservation(r *types.CapacityReservation) error
	GetReservation(id string) (*types.CapacityReservation, error)
	GetReservationByToken(token string) (*types.CapacityReservation, error)
	ListReservationsByNode(nodeID string) ([]*types.CapacityReservation, error)
	ListReservations() ([]*types.CapacityReservation, error)
	UpdateReservation(r *types.CapacityReservation) error

	// Enrollment tokens
	CreateEnrollmentToken(t *types.EnrollmentToken) error
	GetEnrollmentToken(id string) (*types.EnrollmentToken, error)
	GetEnrollmentTokenByHash(hash string) (*types.EnrollmentToken, error)
	ListEnrollmentTokensByOrg(orgID string) ([]*types.EnrollmentToken, error)
	UpdateEnrollmentToken(t *types.EnrollmentToken) error

	// Agent certificates
	CreateCertificate(c *types.AgentCertificate) error
	GetCertificate(id string) (*types.AgentCertificate, error)
	ListCertificatesByNode(nodeID string) ([]*types.AgentCertificate, error)
	UpdateCertificate(c *types.AgentCertificate) error

	// Outbox
	AppendEvent(evt *types.Event) error
}

// OutboxEntry is an undispatched domain event waiting in the outbox.
type OutboxEntry struct {
	Seq   uint64
	Event *types.Event
}

// Store is the durable fleet state store.
//
// Update runs fn inside a single serialized read-write transaction:
// concurrent Update calls never interleave, which is what makes
// check-then-act sequences such as the capacity availability check and
// per-node heartbeat application safe under concurrent callers.
type Store interface {
	View(ctx context.Context, fn func(tx Tx) error) error
	Update(ctx context.Context, fn func(tx Tx) error) error

	// PendingEvents returns up to limit outbox entries that have not
	// been dispatched yet, in commit order.
	PendingEvents(ctx context.Context, limit int) ([]*OutboxEntry, error)
	// MarkDispatched removes dispatched entries from the outbox.
	MarkDispatched(ctx context.Context, seqs []uint64) error

	Close() error
}
