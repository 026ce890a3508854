/*
Package health turns raw agent telemetry into an availability state.

The Scorer is pure: it computes a composite 0-100 health score from
cpu/memory/disk headroom and reported issues, classifies the trend, and
decides Online/Degraded transitions with a hysteresis band between the
two thresholds.

HeartbeatService applies the scorer to the store: each heartbeat
upserts the node's health record, refreshes capacity usage and moves
the availability state machine, emitting at most one domain event per
call. CheckStaleNodes is the periodic sweep that takes silent nodes
Offline.

States: Enrolling, Online, Degraded, Offline, Maintenance,
Decommissioned. Heartbeats never move a node into or out of
Maintenance or Decommissioned.
*/
package health
