package events

import (
	"context"
	"time"

	"github.com/fleetgrid/paddock/pkg/storage"
	"github.com/rs/zerolog"
)

const relayBatchSize = 256

// OutboxRelay drains committed domain events from the store's outbox
// and hands them to a Publisher. State mutations and their events are
// written in one transaction; the relay is what makes the events
// visible after commit. Delivery is at-least-once: a crash between
// publish and MarkDispatched re-publishes the batch on restart.
type OutboxRelay struct {
	store     storage.Store
	publisher Publisher
	interval  time.Duration
	log       zerolog.Logger
}

// NewOutboxRelay creates a relay polling the outbox at the given interval.
func NewOutboxRelay(store storage.Store, publisher Publisher, interval time.Duration, logger zerolog.Logger) *OutboxRelay {
	if interval <= 0 {
		interval = time.Second
	}
	return &OutboxRelay{
		store:     store,
		publisher: publisher,
		interval:  interval,
		log:       logger,
	}
}

// Run polls the outbox until ctx is cancelled.
func (r *OutboxRelay) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := r.Drain(ctx); err != nil {
				r.log.Error().Err(err).Msg("outbox drain failed")
			}
		case <-ctx.Done():
			return
		}
	}
}

// Drain publishes one batch of pending events and returns how many were
// dispatched. Safe to call concurrently with live traffic and to re-run.
func (r *OutboxRelay) Drain(ctx context.Context) (int, error) {
	entries, err := r.store.PendingEvents(ctx, relayBatchSize)
	if err != nil {
		return 0, err
	}
	if len(entries) == 0 {
		return 0, nil
	}

	seqs := make([]uint64, 0, len(entries))
	for _, e := range entries {
		r.publisher.Publish(e.Event)
		seqs = append(seqs, e.Seq)
	}

	if err := r.store.MarkDispatched(ctx, seqs); err != nil {
		return 0, err
	}

	r.log.Debug().Int("count", len(seqs)).Msg("dispatched outbox events")
	return len(seqs), nil
}
