package outbox

import (
	"context"
	"time"

	"OptionVault/internal/observability"

	"github.com/rs/zerolog"
)

// Publisher delivers one queued envelope to an external bus.
type Publisher interface {
	Name() string
	Publish(ctx context.Context, rec Record) error
}

// Broadcaster drains the outbox in sequence order. A record is deleted only
// after every publisher accepted it; a failure ends the pass so later
// events never overtake an earlier one.
type Broadcaster struct {
	store      *Store
	publishers []Publisher
	interval   time.Duration
	batchSize  int
	metrics    *observability.Metrics
	logger     zerolog.Logger
}

func NewBroadcaster(store *Store, publishers []Publisher, interval time.Duration, batchSize int, metrics *observability.Metrics) *Broadcaster {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Broadcaster{
		store:      store,
		publishers: publishers,
		interval:   interval,
		batchSize:  batchSize,
		metrics:    metrics,
		logger:     observability.NewLogger("outbox"),
	}
}

// Run polls the outbox until ctx is cancelled.
func (b *Broadcaster) Run(ctx context.Context) error {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := b.Drain(ctx); err != nil {
				b.logger.Warn().Err(err).Msg("outbox pass stopped")
			}
		}
	}
}

// Drain publishes up to one batch and returns how many records left the
// outbox.
func (b *Broadcaster) Drain(ctx context.Context) (int, error) {
	published := 0
	var failure error

	err := b.store.Scan(b.batchSize, func(rec Record) (bool, error) {
		for _, p := range b.publishers {
			if err := p.Publish(ctx, rec); err != nil {
				b.recordError(p.Name())
				b.logger.Error().Err(err).
					Str("sink", p.Name()).
					Int64("sequence", rec.Sequence).
					Uint32("retries", rec.Retries).
					Msg("publish failed")
				failure = err
				return false, b.store.MarkFailed(rec)
			}
			if b.metrics != nil {
				b.metrics.OutboxPublished.WithLabelValues(p.Name()).Inc()
			}
		}
		if err := b.store.Delete(rec.Sequence); err != nil {
			return false, err
		}
		published++
		return ctx.Err() == nil, nil
	})
	if err == nil {
		err = failure
	}

	if b.metrics != nil {
		if n, lerr := b.store.Len(); lerr == nil {
			b.metrics.OutboxPending.Set(float64(n))
		}
	}
	return published, err
}

func (b *Broadcaster) recordError(sink string) {
	if b.metrics != nil {
		b.metrics.OutboxPublishErrors.WithLabelValues(sink).Inc()
	}
}
