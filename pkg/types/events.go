package types

import (
	"time"
)

// EventType represents the type of a domain event
type EventType string

const (
	EventNodeEnrolled               EventType = "node.enrolled"
	EventCertificateIssued          EventType = "node.certificate_issued"
	EventNodeOnline                 EventType = "node.online"
	EventNodeDegraded               EventType = "node.degraded"
	EventNodeRecovered              EventType = "node.recovered"
	EventNodeOffline                EventType = "node.offline"
	EventNodeDecommissioned         EventType = "node.decommissioned"
	EventNodeMaintenanceStarted     EventType = "node.maintenance_started"
	EventNodeMaintenanceEnded       EventType = "node.maintenance_ended"
	EventCapacityReserved           EventType = "capacity.reserved"
	EventCapacityClaimed            EventType = "capacity.claimed"
	EventCapacityReleased           EventType = "capacity.released"
	EventCapacityReservationExpired EventType = "capacity.reservation_expired"
)

// Event is a domain event. Events are appended to the transactional
// outbox in the same store transaction as the entity mutation that
// caused them, and dispatched to subscribers only after commit.
type Event struct {
	ID        string
	Type      EventType
	NodeID    string
	OrgID     string
	Timestamp time.Time
	Metadata  map[string]string
}
