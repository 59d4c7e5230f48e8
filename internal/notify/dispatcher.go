package notify

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// RecordStore persists notification records.
type RecordStore interface {
	Insert(ctx context.Context, r *Record) error
	PurgeStale(ctx context.Context, retentionDays int) (int64, error)
}

// Dispatcher persists operational events and fans them out to the configured
// channels.
type Dispatcher struct {
	store    RecordStore
	channels []Channel
	logger   *zerolog.Logger
}

func NewDispatcher(store RecordStore, channels []Channel, logger *zerolog.Logger) *Dispatcher {
	return &Dispatcher{store: store, channels: channels, logger: logger}
}

// Push persists a record, then delivers it to every channel whose level
// filter matches. Channel failures are logged and counted but never stop the
// other channels nor invalidate the record; a store failure aborts delivery
// and is returned.
func (d *Dispatcher) Push(ctx context.Context, level Level, title, message, category string, metadata map[string]any, tags []string) (*Record, error) {
	record := &Record{
		ID:        uuid.New().String(),
		Level:     level,
		Title:     title,
		Message:   message,
		Category:  category,
		Metadata:  metadata,
		Tags:      tags,
		CreatedAt: time.Now().UTC(),
	}

	if err := d.store.Insert(ctx, record); err != nil {
		return nil, err
	}

	var g errgroup.Group
	for _, ch := range d.channels {
		if !ch.Allows(level) {
			continue
		}
		ch := ch
		g.Go(func() error {
			if err := ch.Deliver(ctx, record); err != nil {
				d.logger.Error().Err(err).
					Str("channel", ch.Name()).
					Str("record_id", record.ID).
					Msg("Notification delivery failed")
				deliveriesTotal.WithLabelValues(ch.Name(), "error").Inc()
				return nil
			}
			deliveriesTotal.WithLabelValues(ch.Name(), "ok").Inc()
			return nil
		})
	}
	g.Wait() // per-channel errors are absorbed above

	return record, nil
}

// PurgeStale removes persisted records older than the retention cutoff.
func (d *Dispatcher) PurgeStale(ctx context.Context, retentionDays int) (int64, error) {
	removed, err := d.store.PurgeStale(ctx, retentionDays)
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		d.logger.Info().Int64("removed", removed).Int("retention_days", retentionDays).Msg("Purged stale notifications")
	}
	return removed, nil
}
