// Package types defines the core data structures shared across Paddock
// services: nodes and their hardware, health and capacity records,
// capacity reservations, enrollment tokens, agent certificates, domain
// events, and the reason-coded error type used for expected business
// failures.
//
// Keeping these in a dedicated package avoids circular dependencies
// between the storage layer and the services that use it.
package types
