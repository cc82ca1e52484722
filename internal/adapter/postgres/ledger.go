package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"gridpoint/internal/domain"
)

// Ledger implements store.Ledger on the append-only ingest_ledger table.
type Ledger struct {
	db *DB
}

// NewLedger creates the ingest ledger.
func NewLedger(db *DB) *Ledger {
	return &Ledger{db: db}
}

const latestStatus = `
SELECT status FROM ingest_ledger
WHERE source_id = $1 AND run_time = $2 AND file_id = $3
ORDER BY id DESC
LIMIT 1`

// Completed reports whether the file's most recent status is stored.
func (l *Ledger) Completed(ctx context.Context, ref domain.FileRef) (bool, error) {
	var status string
	err := l.db.db.GetContext(ctx, &status, latestStatus,
		ref.SourceID, ref.RunTime.UTC(), ref.FileID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read ledger status for %s: %w", ref, err)
	}
	return domain.IngestStatus(status) == domain.StatusStored, nil
}

const insertEntry = `
INSERT INTO ingest_ledger (source_id, run_time, file_id, status, reason, recorded_at)
VALUES ($1, $2, $3, $4, $5, $6)`

// Record appends one status entry. Entries are never updated or deleted.
func (l *Ledger) Record(ctx context.Context, e domain.LedgerEntry) error {
	_, err := l.db.db.ExecContext(ctx, insertEntry,
		e.SourceID, e.RunTime.UTC(), e.FileID, string(e.Status), e.Reason, e.Timestamp.UTC())
	if err != nil {
		return fmt.Errorf("append ledger entry: %w", err)
	}
	return nil
}

const deleteExpiredEntries = `DELETE FROM ingest_ledger WHERE run_time < $1`

// Prune deletes entries for runs older than cutoff.
func (l *Ledger) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := l.db.db.ExecContext(ctx, deleteExpiredEntries, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("prune ledger entries: %w", err)
	}
	return res.RowsAffected()
}

const latestFailures = `
SELECT source_id, run_time, file_id, status, reason, recorded_at AS timestamp
FROM (
	SELECT DISTINCT ON (source_id, run_time, file_id)
		source_id, run_time, file_id, status, reason, recorded_at
	FROM ingest_ledger
	ORDER BY source_id, run_time, file_id, id DESC
) latest
WHERE status = $1
ORDER BY recorded_at`

// Failures returns files whose most recent status is failed.
func (l *Ledger) Failures(ctx context.Context) ([]domain.LedgerEntry, error) {
	var entries []domain.LedgerEntry
	err := l.db.db.SelectContext(ctx, &entries, latestFailures, string(domain.StatusFailed))
	if err != nil {
		return nil, fmt.Errorf("query ledger failures: %w", err)
	}
	return entries, nil
}
