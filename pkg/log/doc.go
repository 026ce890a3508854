// Package log provides structured logging for Paddock built on zerolog.
//
// Call Init once at startup, then use WithComponent to derive a child
// logger per service. Log output must never contain private key
// material or plaintext enrollment tokens; callers log truncated
// hashes instead.
package log
