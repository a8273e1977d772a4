package events

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ShayCichocki/fleet/pkg/models"
)

// Outbox is the durable event source the relay drains.
type Outbox interface {
	UndeliveredEvents(ctx context.Context, limit int) ([]models.Event, error)
	MarkDelivered(ctx context.Context, throughID int64, now time.Time) (int64, error)
}

// Relay forwards undelivered outbox events to a sink in id order.
type Relay struct {
	outbox    Outbox
	sink      Sink
	batchSize int
	interval  time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

// NewRelay creates a relay. A nil logger discards output.
func NewRelay(outbox Outbox, sink Sink, batchSize int, interval time.Duration, logger *slog.Logger) *Relay {
	if batchSize <= 0 {
		batchSize = 100
	}
	if interval <= 0 {
		interval = time.Second
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Relay{
		outbox:    outbox,
		sink:      sink,
		batchSize: batchSize,
		interval:  interval,
		logger:    logger,
		now:       time.Now,
	}
}

// Flush delivers batches until the outbox is empty or a delivery fails.
// Returns the number of events delivered.
func (r *Relay) Flush(ctx context.Context) (int, error) {
	delivered := 0
	for {
		batch, err := r.outbox.UndeliveredEvents(ctx, r.batchSize)
		if err != nil {
			return delivered, err
		}
		if len(batch) == 0 {
			return delivered, nil
		}
		if err := r.sink.Deliver(ctx, batch); err != nil {
			return delivered, fmt.Errorf("deliver events %d..%d: %w", batch[0].ID, batch[len(batch)-1].ID, err)
		}
		if _, err := r.outbox.MarkDelivered(ctx, batch[len(batch)-1].ID, r.now()); err != nil {
			return delivered, err
		}
		delivered += len(batch)
		if len(batch) < r.batchSize {
			return delivered, nil
		}
	}
}

// Run flushes every interval until ctx is cancelled. Failed flushes are
// logged and retried on the next tick.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := r.Flush(ctx); err != nil && ctx.Err() == nil {
				r.logger.Warn("event relay flush failed", "error", err)
			}
		}
	}
}
