// Package metrics exposes control-plane measurements through an
// injected Sink interface backed by Prometheus. Each PromSink owns its
// registry, so tests observe only their own counters.
package metrics
