// Package capacity implements the reservation engine that arbitrates
// game-server capacity on fleet nodes.
//
// Placement follows a two-phase protocol: a scheduler first reserves a
// slice of memory, disk and a server slot on a node, receiving an opaque
// reservation token, then claims the reservation with that token once
// the game server actually starts. Unclaimed reservations expire after
// a TTL and stop counting against the node. A node's effective capacity
// is its raw capacity minus everything held by Pending (unexpired) and
// Claimed reservations, so capacity is never double-promised between
// the reserve and the claim.
package capacity
