package audit

import (
	"context"

	"github.com/rs/zerolog"
)

// Entry is one audit record. Details must never contain plaintext
// tokens or key material; callers pass hashed or truncated identifiers.
type Entry struct {
	Action       string
	ResourceType string
	ResourceID   string
	ResourceName string
	OrgID        string
	Outcome      string // "success" or a failure reason code
	Details      map[string]string
}

// Sink receives audit records from every mutating operation. Sinks are
// fire-and-forget: they must not fail the operation being audited.
type Sink interface {
	Log(ctx context.Context, e Entry)
}

// LogSink writes audit records as structured log lines.
type LogSink struct {
	log zerolog.Logger
}

// NewLogSink creates a log-backed audit sink.
func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{log: logger}
}

func (s *LogSink) Log(ctx context.Context, e Entry) {
	evt := s.log.Info().
		Str("action", e.Action).
		Str("resource_type", e.ResourceType).
		Str("resource_id", e.ResourceID).
		Str("outcome", e.Outcome)
	if e.ResourceName != "" {
		evt = evt.Str("resource_name", e.ResourceName)
	}
	if e.OrgID != "" {
		evt = evt.Str("org_id", e.OrgID)
	}
	for k, v := range e.Details {
		evt = evt.Str(k, v)
	}
	evt.Msg("audit")
}

// Nop discards audit records.
type Nop struct{}

func (Nop) Log(ctx context.Context, e Entry) {}
