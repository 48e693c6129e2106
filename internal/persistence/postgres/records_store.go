// Package postgres implements the persistence interfaces on PostgreSQL
// via sqlx. All operations carry per-call timeouts so a slow database
// round-trip cannot starve collector loops.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/datapulse/collector/internal/persistence"
)

// recordStore implements persistence.RecordStore for PostgreSQL.
type recordStore struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewRecordStore creates a PostgreSQL record store with the given per-op
// timeout.
func NewRecordStore(db *sqlx.DB, timeout time.Duration) persistence.RecordStore {
	return &recordStore{db: db, timeout: timeout}
}

// InsertPlaceholders inserts empty records, skipping existing keys. The
// ON CONFLICT DO NOTHING clause is what lets two racing placeholder runs
// converge without locks.
func (s *recordStore) InsertPlaceholders(ctx context.Context, table string, records []persistence.Record) (int64, error) {
	if len(records) == 0 {
		return 0, nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout*time.Duration(len(records)/500+1))
	defer cancel()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := fmt.Sprintf(`
		INSERT INTO %s (target_id, ts, fields, data_completeness_percentage, data_source)
		VALUES ($1, $2, '{}'::jsonb, 0, $3)
		ON CONFLICT (target_id, ts) DO NOTHING`, pq.QuoteIdentifier(table))

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare placeholder insert: %w", err)
	}
	defer stmt.Close()

	var created int64
	for _, rec := range records {
		res, err := stmt.ExecContext(ctx, rec.TargetID, rec.Timestamp, persistence.SourcePlaceholder)
		if err != nil {
			return 0, fmt.Errorf("failed to insert placeholder %s@%s: %w", rec.TargetID, rec.Timestamp.Format(time.RFC3339), err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("failed to read rows affected: %w", err)
		}
		created += n
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit placeholders: %w", err)
	}
	return created, nil
}

// Get returns a single record by key.
func (s *recordStore) Get(ctx context.Context, table, targetID string, ts time.Time) (*persistence.Record, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT target_id, ts, fields, data_completeness_percentage, data_source, created_at, updated_at
		FROM %s
		WHERE target_id = $1 AND ts = $2`, pq.QuoteIdentifier(table))

	row := s.db.QueryRowxContext(ctx, query, targetID, ts)

	var rec persistence.Record
	var fieldsJSON []byte
	err := row.Scan(&rec.TargetID, &rec.Timestamp, &fieldsJSON,
		&rec.Completeness, &rec.DataSource, &rec.CreatedAt, &rec.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, persistence.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get record %s@%s: %w", targetID, ts.Format(time.RFC3339), err)
	}

	if err := json.Unmarshal(fieldsJSON, &rec.Fields); err != nil {
		return nil, fmt.Errorf("failed to unmarshal fields: %w", err)
	}
	return &rec, nil
}

// Upsert writes a merged record, inserting when the key is missing. The
// caller has already merged non-null incoming fields over the existing map.
func (s *recordStore) Upsert(ctx context.Context, table string, rec persistence.Record) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	fieldsJSON, err := json.Marshal(rec.Fields)
	if err != nil {
		return fmt.Errorf("failed to marshal fields: %w", err)
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (target_id, ts, fields, data_completeness_percentage, data_source)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (target_id, ts) DO UPDATE SET
			fields = EXCLUDED.fields,
			data_completeness_percentage = EXCLUDED.data_completeness_percentage,
			data_source = EXCLUDED.data_source,
			updated_at = now()`, pq.QuoteIdentifier(table))

	if _, err := s.db.ExecContext(ctx, query,
		rec.TargetID, rec.Timestamp, fieldsJSON, rec.Completeness, rec.DataSource); err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return fmt.Errorf("duplicate record %s@%s: %w", rec.TargetID, rec.Timestamp.Format(time.RFC3339), err)
		}
		return fmt.Errorf("failed to upsert record %s@%s: %w", rec.TargetID, rec.Timestamp.Format(time.RFC3339), err)
	}
	return nil
}

// LatestRealByTarget returns the newest non-placeholder timestamp per target.
func (s *recordStore) LatestRealByTarget(ctx context.Context, table string) (map[string]time.Time, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT target_id, MAX(ts) AS latest
		FROM %s
		WHERE data_source != $1
		GROUP BY target_id`, pq.QuoteIdentifier(table))

	rows, err := s.db.QueryxContext(ctx, query, persistence.SourcePlaceholder)
	if err != nil {
		return nil, fmt.Errorf("failed to query latest real records: %w", err)
	}
	defer rows.Close()

	latest := make(map[string]time.Time)
	for rows.Next() {
		var targetID string
		var ts time.Time
		if err := rows.Scan(&targetID, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan latest row: %w", err)
		}
		latest[targetID] = ts
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate latest rows: %w", err)
	}
	return latest, nil
}

// Stats returns completeness statistics over the window. The average covers
// non-placeholder records only.
func (s *recordStore) Stats(ctx context.Context, table string, tr persistence.TimeRange) (persistence.CompletenessStats, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT
			COUNT(*) FILTER (WHERE data_source != $1) AS real_records,
			COUNT(*) FILTER (WHERE data_source = $1) AS placeholders,
			COALESCE(AVG(data_completeness_percentage) FILTER (WHERE data_source != $1), 0) AS avg_completeness
		FROM %s
		WHERE ts >= $2 AND ts <= $3`, pq.QuoteIdentifier(table))

	var stats persistence.CompletenessStats
	err := s.db.QueryRowxContext(ctx, query, persistence.SourcePlaceholder, tr.From, tr.To).
		Scan(&stats.RealRecords, &stats.Placeholders, &stats.AvgCompleteness)
	if err != nil {
		return persistence.CompletenessStats{}, fmt.Errorf("failed to query completeness stats: %w", err)
	}
	return stats, nil
}
