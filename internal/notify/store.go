package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Store persists notification records in Postgres.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Insert writes a record. Persistence errors propagate: durability is the
// dispatcher's foundational guarantee.
func (s *Store) Insert(ctx context.Context, r *Record) error {
	meta, err := json.Marshal(r.Metadata)
	if err != nil {
		return fmt.Errorf("marshal notification metadata: %w", err)
	}
	tags := r.Tags
	if tags == nil {
		tags = []string{}
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO notifications (id, level, title, message, category, metadata, tags, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, r.ID, r.Level, r.Title, r.Message, r.Category, meta, tags, r.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

// List returns the most recent records.
func (s *Store) List(ctx context.Context, limit int) ([]Record, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, level, title, message, category, metadata, tags, created_at
		FROM notifications
		ORDER BY created_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	records := make([]Record, 0)
	for rows.Next() {
		var r Record
		var meta []byte
		if err := rows.Scan(&r.ID, &r.Level, &r.Title, &r.Message, &r.Category, &meta, &r.Tags, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &r.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal notification metadata: %w", err)
			}
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// PurgeStale deletes records older than the retention cutoff and returns the
// number removed.
func (s *Store) PurgeStale(ctx context.Context, retentionDays int) (int64, error) {
	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM notifications WHERE created_at < $1
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge stale notifications: %w", err)
	}
	return tag.RowsAffected(), nil
}
