package changefeed

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/hacktracker/go/internal/kv"
)

// Drainer is a store that buffers its committed changes in process.
type Drainer interface {
	DrainChanges() []kv.ChangeEvent
}

// MemoryRelay delivers the changes of an in-process store straight to a
// handler, standing in for the outbox listener and the bus when the catalog
// runs on the memory backend.
type MemoryRelay struct {
	source   Drainer
	handler  Handler
	clock    clockwork.Clock
	interval time.Duration
	pending  []kv.ChangeEvent
}

func NewMemoryRelay(source Drainer, handler Handler, clock clockwork.Clock, interval time.Duration) *MemoryRelay {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	return &MemoryRelay{source: source, handler: handler, clock: clock, interval: interval}
}

// Flush delivers every buffered change, including those written by the
// handler itself, until the store is quiet. Failed changes stay buffered for
// the next Flush. It returns the number delivered.
func (r *MemoryRelay) Flush(ctx context.Context) int {
	delivered := 0
	for {
		r.pending = append(r.pending, r.source.DrainChanges()...)
		if len(r.pending) == 0 {
			return delivered
		}
		batch := r.pending
		r.pending = nil
		failed := 0
		for i, ev := range batch {
			if ctx.Err() != nil {
				r.pending = append(r.pending, batch[i:]...)
				return delivered
			}
			if err := r.handler.OnSourceChanged(ctx, ev); err != nil {
				log.Error().Err(err).Str("change_id", ev.ID).Msg("failed to handle change")
				r.pending = append(r.pending, ev)
				failed++
				continue
			}
			delivered++
		}
		if failed == len(batch) {
			return delivered
		}
	}
}

// Run flushes on every tick until ctx is cancelled.
func (r *MemoryRelay) Run(ctx context.Context) error {
	ticker := r.clock.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
			r.Flush(ctx)
		}
	}
}
