/*
Package storage provides durable persistence for fleet state.

The Store interface is a transactional unit of work: Update runs its
callback inside one serialized read-write transaction covering every
entity collection plus the event outbox, so a node, its capacity, its
certificates and the domain events announcing them commit atomically or
not at all.

# Concurrency

The BoltDB implementation admits exactly one writer at a time. Every
mutating service operation runs its full read-check-write sequence
inside a single Update call, which closes the two races the control
plane cares about:

  - two heartbeats for the same node cannot interleave their
    read-modify-write of the health record
  - two capacity reservations cannot both observe the same free
    capacity and jointly over-commit a node

# Outbox

AppendEvent writes domain events into the outbox bucket within the
caller's transaction. The events relay reads PendingEvents after
commit, publishes them, and calls MarkDispatched. Delivery is
at-least-once; consumers must tolerate duplicates.
*/
package storage
