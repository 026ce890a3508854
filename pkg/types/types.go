package types

import (
	"time"
)

// Node represents a customer-operated compute node enrolled in the fleet
type Node struct {
	ID            string
	OrgID         string
	Name          string // unique within an org
	DisplayName   string
	Status        NodeStatus
	Platform      Platform
	AgentVersion  string
	Tags          []string
	Hardware      *HardwareInventory
	LastHeartbeat *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
	DeletedAt     *time.Time
}

// Deleted reports whether the node has been soft-deleted.
func (n *Node) Deleted() bool {
	return n.DeletedAt != nil
}

// NodeStatus represents the current availability state of a node
type NodeStatus string

const (
	NodeStatusEnrolling      NodeStatus = "enrolling"
	NodeStatusOnline         NodeStatus = "online"
	NodeStatusDegraded       NodeStatus = "degraded"
	NodeStatusOffline        NodeStatus = "offline"
	NodeStatusMaintenance    NodeStatus = "maintenance"
	NodeStatusDecommissioned NodeStatus = "decommissioned"
)

// Platform identifies the node's operating system family
type Platform string

const (
	PlatformWindows Platform = "windows"
	PlatformLinux   Platform = "linux"
)

// ValidPlatform reports whether p is one of the supported platforms.
func ValidPlatform(p Platform) bool {
	switch p {
	case PlatformWindows, PlatformLinux:
		return true
	}
	return false
}

// HardwareInventory is an immutable snapshot of a node's hardware,
// collected once at enrollment
type HardwareInventory struct {
	Hostname          string
	OSVersion         string
	CPUCores          int
	MemoryBytes       int64
	DiskBytes         int64
	NetworkInterfaces []string
	CollectedAt       time.Time
}

// NodeHealth holds the most recent health telemetry for a node,
// upserted on every heartbeat
type NodeHealth struct {
	NodeID            string
	CPUPercent        float64
	MemoryPercent     float64
	DiskPercent       float64
	ActiveGameServers int
	HealthIssues      []string
	HealthScore       float64
	HealthTrend       HealthTrend
	LastScoreChange   time.Time
	ReportedAt        time.Time
}

// HealthTrend describes the direction the health score is moving
type HealthTrend string

const (
	TrendImproving HealthTrend = "improving"
	TrendDeclining HealthTrend = "declining"
	TrendStable    HealthTrend = "stable"
)

// NodeCapacity tracks game-server capacity for a node, seeded at
// enrollment from the hardware inventory
type NodeCapacity struct {
	NodeID               string
	MaxGameServers       int
	CurrentGameServers   int
	AvailableMemoryBytes int64
	AvailableDiskBytes   int64
	UpdatedAt            time.Time
}

// CapacityReservation is a time-limited hold on a slice of a node's capacity
type CapacityReservation struct {
	ID               string
	NodeID           string
	ReservationToken string
	MemoryMB         int64
	DiskMB           int64
	CPUMillicores    int64
	RequestedBy      string
	CorrelationID    string
	Status           ReservationStatus
	ServerID         string
	CreatedAt        time.Time
	ExpiresAt        time.Time
	ClaimedAt        *time.Time
	ReleasedAt       *time.Time
}

// Active reports whether the reservation still holds capacity at the
// given instant. Pending reservations past their deadline no longer count.
func (r *CapacityReservation) Active(now time.Time) bool {
	switch r.Status {
	case ReservationStatusPending:
		return r.ExpiresAt.After(now)
	case ReservationStatusClaimed:
		return true
	}
	return false
}

// ReservationStatus is the lifecycle state of a capacity reservation.
// Transitions are monotonic: Pending may move to Claimed, Released or
// Expired; Claimed may only move to Released.
type ReservationStatus string

const (
	ReservationStatusPending  ReservationStatus = "pending"
	ReservationStatusClaimed  ReservationStatus = "claimed"
	ReservationStatusReleased ReservationStatus = "released"
	ReservationStatusExpired  ReservationStatus = "expired"
)

// EnrollmentToken is a one-time credential for enrolling a node.
// Only the SHA-256 hash of the token is ever persisted.
type EnrollmentToken struct {
	ID              string
	OrgID           string
	TokenHash       string
	Label           string
	CreatedByUserID string
	CreatedAt       time.Time
	ExpiresAt       time.Time
	IsRevoked       bool
	UsedAt          *time.Time
	UsedByNodeID    string
}

// Usable reports whether the token can still be redeemed at the given instant.
func (t *EnrollmentToken) Usable(now time.Time) bool {
	return !t.IsRevoked && t.UsedAt == nil && t.ExpiresAt.After(now)
}

// AgentCertificate records a client certificate issued to a node agent.
// The certificate material itself is returned to the agent exactly once;
// only identifying metadata is stored.
type AgentCertificate struct {
	ID               string
	NodeID           string
	Thumbprint       string
	SerialNumber     string
	NotBefore        time.Time
	NotAfter         time.Time
	IsRevoked        bool
	RevokedAt        *time.Time
	RevocationReason string
	IssuedAt         time.Time
}
