package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/datapulse/collector/internal/persistence"
)

// targetStore implements persistence.TargetStore against the shared
// collection_targets table. Read-only: the active-entity list is owned by
// an external collaborator.
type targetStore struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewTargetStore creates a PostgreSQL target store.
func NewTargetStore(db *sqlx.DB, timeout time.Duration) persistence.TargetStore {
	return &targetStore{db: db, timeout: timeout}
}

// ListActive returns the active targets for a collector type, ordered for
// deterministic expected-point enumeration.
func (s *targetStore) ListActive(ctx context.Context, collectorType string) ([]persistence.Target, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := `
		SELECT collector_type, target_id, is_active, created_at
		FROM collection_targets
		WHERE collector_type = $1 AND is_active = true
		ORDER BY target_id`

	var targets []persistence.Target
	if err := s.db.SelectContext(ctx, &targets, query, collectorType); err != nil {
		return nil, fmt.Errorf("failed to list active targets for %s: %w", collectorType, err)
	}
	return targets, nil
}
