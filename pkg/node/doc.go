// Package node provides the fleet query surface and the administrative
// node lifecycle: filtered and paginated listings joined with health
// telemetry, renames and retagging, maintenance windows, and terminal
// decommissioning with bulk certificate revocation.
package node
