// Package retention deletes aged messages on an hourly schedule and
// feeds the deletions through the same fanout as live traffic so
// WebSocket subscribers and webhooks stay consistent with storage.
package retention

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/themadorg/tossmail/internal/bus"
	"github.com/themadorg/tossmail/internal/metrics"
	"github.com/themadorg/tossmail/internal/storage"
	"github.com/themadorg/tossmail/internal/webhooks"
)

// Sweeper removes messages older than the retention window.
type Sweeper struct {
	store    storage.Backend
	bus      *bus.Bus
	hooks    *webhooks.Dispatcher
	hours    int
	interval time.Duration
	log      *zap.Logger
}

// New creates a sweeper for the given retention window in hours.
func New(store storage.Backend, b *bus.Bus, hooks *webhooks.Dispatcher, hours int, log *zap.Logger) *Sweeper {
	return &Sweeper{
		store:    store,
		bus:      b,
		hooks:    hooks,
		hours:    hours,
		interval: time.Hour,
		log:      log,
	}
}

// Run ticks until the context is cancelled. Storage errors are logged
// and retried on the next tick.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.log.Info("retention sweeper started", zap.Int("hours", s.hours))
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// Sweep performs one pass: delete, then publish one deletion event and
// one webhook trigger per removed row.
func (s *Sweeper) Sweep() {
	deleted, err := s.store.DeleteOlderThan(s.hours)
	if err != nil {
		s.log.Error("retention sweep failed", zap.Error(err))
		return
	}
	if len(deleted) == 0 {
		return
	}

	s.log.Info("retention sweep removed messages", zap.Int("count", len(deleted)))
	for _, d := range deleted {
		metrics.MessagesDeleted.Inc()
		s.bus.Publish(bus.NewDeletion(d.ID, d.Address))
		s.hooks.Trigger(storage.EventDeletion, storage.LocalPart(d.Address), nil)
	}
}
