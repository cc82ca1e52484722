package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"gridpoint/internal/domain"
)

// Store implements store.Store on the data_points table.
type Store struct {
	db *DB
}

// NewStore creates the data-point store.
func NewStore(db *DB) *Store {
	return &Store{db: db}
}

const insertPoint = `
INSERT INTO data_points (source_field_id, location_id, run_time, valid_time, value)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (source_field_id, location_id, run_time, valid_time) DO NOTHING`

const selectValue = `
SELECT value FROM data_points
WHERE source_field_id = $1 AND location_id = $2 AND run_time = $3 AND valid_time = $4`

// Put inserts one data point. When the key already exists the insert is a
// no-op and the stored value is compared against the incoming one; a
// mismatch is a ConflictError.
func (s *Store) Put(ctx context.Context, dp domain.DataPoint) error {
	run := dp.RunTime.UTC()
	valid := dp.ValidTime.UTC()

	res, err := s.db.db.ExecContext(ctx, insertPoint,
		dp.SourceFieldID, dp.LocationID, run, valid, dp.Value)
	if err != nil {
		return fmt.Errorf("insert data point: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert data point: %w", err)
	}
	if rows > 0 {
		return nil
	}

	var existing float64
	err = s.db.db.GetContext(ctx, &existing, selectValue,
		dp.SourceFieldID, dp.LocationID, run, valid)
	if errors.Is(err, sql.ErrNoRows) {
		// Row vanished between the insert and the read; treat as stored.
		return nil
	}
	if err != nil {
		return fmt.Errorf("read conflicting data point: %w", err)
	}

	if existing == dp.Value {
		return nil
	}
	return &domain.ConflictError{
		Key:      dp.Key(),
		Existing: existing,
		Incoming: dp.Value,
	}
}

// PutBatch inserts points one by one, stopping at the first error.
func (s *Store) PutBatch(ctx context.Context, dps []domain.DataPoint) error {
	for _, dp := range dps {
		if err := s.Put(ctx, dp); err != nil {
			return err
		}
	}
	return nil
}

const queryPoints = `
SELECT source_field_id, location_id, run_time, valid_time, value
FROM data_points
WHERE location_id = $1 AND valid_time >= $2 AND valid_time < $3
ORDER BY valid_time, source_field_id, run_time`

const queryPointsByField = `
SELECT source_field_id, location_id, run_time, valid_time, value
FROM data_points
WHERE location_id = $1 AND valid_time >= $2 AND valid_time < $3
  AND source_field_id = ANY($4)
ORDER BY valid_time, source_field_id, run_time`

const deleteExpiredPoints = `DELETE FROM data_points WHERE valid_time < $1`

// Prune deletes points whose valid time is before cutoff.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.db.ExecContext(ctx, deleteExpiredPoints, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("prune data points: %w", err)
	}
	return res.RowsAffected()
}

// Query returns points for the location in [start, end), optionally
// restricted to fieldIDs, ordered by valid time, field, run time.
func (s *Store) Query(ctx context.Context, locationID int, fieldIDs []int, start, end time.Time) ([]domain.DataPoint, error) {
	var (
		points []domain.DataPoint
		err    error
	)
	if len(fieldIDs) == 0 {
		err = s.db.db.SelectContext(ctx, &points, queryPoints,
			locationID, start.UTC(), end.UTC())
	} else {
		err = s.db.db.SelectContext(ctx, &points, queryPointsByField,
			locationID, start.UTC(), end.UTC(), pq.Array(fieldIDs))
	}
	if err != nil {
		return nil, fmt.Errorf("query data points: %w", err)
	}
	return points, nil
}
