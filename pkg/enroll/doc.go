/*
Package enroll implements node enrollment for the fleet.

Enrollment is token-bootstrapped: an operator mints a one-time token
for their org, hands it to the agent installer, and the agent redeems
it together with a hardware snapshot. A successful enrollment creates
the node (status Enrolling), its immutable hardware inventory, seeded
capacity, the agent's first mTLS certificate record and the consumed
token marker in a single transaction alongside the NodeEnrolled and
certificate-issued events.

Tokens are stored hash-only with a clamped TTL and are consumable at
most once.
*/
package enroll
