// Package localqueue is the durable fallback store for task publications
// that could not reach the primary broker. Entries live in Postgres and are
// re-attempted by a periodic drain, never dropped.
package localqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// Publisher re-attempts delivery of a drained entry to the primary broker.
type Publisher interface {
	Publish(ctx context.Context, queue string, priority int, task string, args json.RawMessage, metadata map[string]any) error
}

// Entry is one pending publication, ordered by sequence number.
type Entry struct {
	Seq        int64           `json:"seq"`
	TaskName   string          `json:"task_name"`
	Args       json.RawMessage `json:"args"`
	QueueName  string          `json:"queue_name"`
	Priority   int             `json:"priority"`
	Metadata   map[string]any  `json:"metadata,omitempty"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// DrainStats summarizes one drain cycle.
type DrainStats struct {
	Attempted int `json:"attempted"`
	Delivered int `json:"delivered"`
	Requeued  int `json:"requeued"`
}

// Queue is the Postgres-backed fallback queue.
type Queue struct {
	pool   *pgxpool.Pool
	logger *zerolog.Logger

	// in-process single-flight; cross-process exclusion comes from the
	// row locks the drain transaction holds
	drainMu sync.Mutex
}

func New(pool *pgxpool.Pool, logger *zerolog.Logger) *Queue {
	return &Queue{pool: pool, logger: logger}
}

// Enqueue stores a pending publication and returns its sequence number.
func (q *Queue) Enqueue(ctx context.Context, e Entry) (int64, error) {
	args := e.Args
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	meta, err := json.Marshal(e.Metadata)
	if err != nil {
		return 0, fmt.Errorf("marshal entry metadata: %w", err)
	}

	var seq int64
	err = q.pool.QueryRow(ctx, `
		INSERT INTO fallback_queue (task_name, args, queue_name, priority, metadata)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING seq
	`, e.TaskName, args, e.QueueName, e.Priority, meta).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("enqueue fallback entry: %w", err)
	}

	fallbackDepth.Inc()
	return seq, nil
}

// Len returns the number of pending entries.
func (q *Queue) Len(ctx context.Context) (int64, error) {
	var n int64
	if err := q.pool.QueryRow(ctx, `SELECT COUNT(*) FROM fallback_queue`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count fallback entries: %w", err)
	}
	return n, nil
}

// Drain re-attempts up to maxBatch pending publications in FIFO order. A
// delivered entry is deleted; a failed one is re-enqueued as a new entry with
// the same payload so the next cycle picks it up again.
//
// The whole cycle runs in one transaction that claims its rows with
// FOR UPDATE SKIP LOCKED, so a concurrent drain — another goroutine, another
// process, or the CLI against the same database — selects disjoint rows and
// can never publish the same entry twice. An overlapping in-process call
// returns immediately.
func (q *Queue) Drain(ctx context.Context, pub Publisher, maxBatch int) (DrainStats, error) {
	var stats DrainStats

	if !q.drainMu.TryLock() {
		q.logger.Debug().Msg("Drain already running, skipping")
		return stats, nil
	}
	defer q.drainMu.Unlock()

	tx, err := q.pool.Begin(ctx)
	if err != nil {
		return stats, fmt.Errorf("begin drain tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	entries, err := q.claim(ctx, tx, maxBatch)
	if err != nil {
		return stats, err
	}
	if len(entries) == 0 {
		return stats, nil
	}

	for _, e := range entries {
		stats.Attempted++

		if err := pub.Publish(ctx, e.QueueName, e.Priority, e.TaskName, e.Args, e.Metadata); err != nil {
			q.logger.Warn().Err(err).
				Int64("seq", e.Seq).
				Str("queue", e.QueueName).
				Msg("Drain attempt failed, re-enqueuing entry")
			if reqErr := q.requeue(ctx, tx, e); reqErr != nil {
				// Row stays claimed until commit and pending after it;
				// the next cycle retries it.
				q.logger.Error().Err(reqErr).Int64("seq", e.Seq).Msg("Failed to re-enqueue entry")
				continue
			}
			stats.Requeued++
			fallbackDrained.WithLabelValues("requeued").Inc()
			continue
		}

		if _, err := tx.Exec(ctx, `DELETE FROM fallback_queue WHERE seq = $1`, e.Seq); err != nil {
			q.logger.Error().Err(err).Int64("seq", e.Seq).Msg("Failed to delete delivered entry")
			continue
		}
		stats.Delivered++
		fallbackDrained.WithLabelValues("delivered").Inc()
		fallbackDepth.Dec()
	}

	if err := tx.Commit(ctx); err != nil {
		return stats, fmt.Errorf("commit drain tx: %w", err)
	}

	if stats.Attempted > 0 {
		q.logger.Info().
			Int("attempted", stats.Attempted).
			Int("delivered", stats.Delivered).
			Int("requeued", stats.Requeued).
			Msg("Drained fallback queue")
	}
	return stats, nil
}

// claim selects pending rows in FIFO order and locks them for the duration of
// the drain transaction. SKIP LOCKED makes concurrent drains claim disjoint
// rows instead of blocking or double-publishing.
func (q *Queue) claim(ctx context.Context, tx pgx.Tx, limit int) ([]Entry, error) {
	rows, err := tx.Query(ctx, `
		SELECT seq, task_name, args, queue_name, priority, metadata, enqueued_at
		FROM fallback_queue
		ORDER BY seq ASC
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("claim fallback entries: %w", err)
	}
	defer rows.Close()

	entries := make([]Entry, 0)
	for rows.Next() {
		var e Entry
		var meta []byte
		if err := rows.Scan(&e.Seq, &e.TaskName, &e.Args, &e.QueueName, &e.Priority, &meta, &e.EnqueuedAt); err != nil {
			return nil, fmt.Errorf("scan fallback entry: %w", err)
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &e.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal entry metadata: %w", err)
			}
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// requeue replaces a claimed entry with a fresh one carrying the same payload,
// inside the drain transaction.
func (q *Queue) requeue(ctx context.Context, tx pgx.Tx, e Entry) error {
	meta, err := json.Marshal(e.Metadata)
	if err != nil {
		return fmt.Errorf("marshal entry metadata: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO fallback_queue (task_name, args, queue_name, priority, metadata)
		VALUES ($1, $2, $3, $4, $5)
	`, e.TaskName, e.Args, e.QueueName, e.Priority, meta); err != nil {
		return fmt.Errorf("insert requeued entry: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM fallback_queue WHERE seq = $1`, e.Seq); err != nil {
		return fmt.Errorf("delete drained entry: %w", err)
	}
	return nil
}
