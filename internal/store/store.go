// Package store persists normalized data points and the ingest ledger.
//
// The data-point store is append-only with conflict detection: the full
// tuple (source field, run time, valid time, location) is the key, an
// identical re-put is a no-op, and a differing value is a ConflictError.
// Put is the sole synchronization point for concurrent ingest workers.
package store

import (
	"context"
	"sort"
	"time"

	"gridpoint/internal/domain"
)

// Store holds normalized data points keyed by the full tuple.
type Store interface {
	// Put inserts a data point. No-op if an identical point exists;
	// ConflictError if the key exists with a different value.
	Put(ctx context.Context, dp domain.DataPoint) error

	// PutBatch inserts points one by one, stopping at the first error.
	PutBatch(ctx context.Context, dps []domain.DataPoint) error

	// Query returns every point for the location whose source field is in
	// fieldIDs (empty means all fields) and whose valid time falls in
	// [start, end), ordered by valid time ascending, then source field,
	// then run time. Reads see a consistent snapshot.
	Query(ctx context.Context, locationID int, fieldIDs []int, start, end time.Time) ([]domain.DataPoint, error)

	// Prune deletes points whose valid time is before cutoff, returning
	// the number removed.
	Prune(ctx context.Context, cutoff time.Time) (int64, error)
}

// Ledger records ingest progress per file, append-only, surviving restarts
// when backed by durable storage.
type Ledger interface {
	// Completed reports whether the file has reached the stored state.
	Completed(ctx context.Context, ref domain.FileRef) (bool, error)

	// Record appends a status entry for a file.
	Record(ctx context.Context, e domain.LedgerEntry) error

	// Failures returns files whose most recent status is failed, eligible
	// for re-attempt.
	Failures(ctx context.Context) ([]domain.LedgerEntry, error)

	// Prune deletes entries for runs older than cutoff, returning the
	// number removed.
	Prune(ctx context.Context, cutoff time.Time) (int64, error)
}

// Series is one group of points sharing (metric, source field, run time),
// points ordered by valid time ascending.
type Series struct {
	MetricID      int
	SourceID      int
	SourceFieldID int
	RunTime       time.Time
	Points        []domain.DataPoint
}

// GroupSeries groups query results by (field, run time) and annotates each
// group with its metric and source via fieldOf. Points from distinct runs
// never merge: overlapping runs stay separate series. Groups are ordered by
// (metric, source, field, run time) for stable output.
func GroupSeries(points []domain.DataPoint, fieldOf func(int) (domain.SourceField, error)) []Series {
	type gkey struct {
		fieldID int
		run     int64
	}
	groups := make(map[gkey]*Series)
	var order []gkey

	for _, p := range points {
		k := gkey{fieldID: p.SourceFieldID, run: p.RunTime.UTC().Unix()}
		g, ok := groups[k]
		if !ok {
			g = &Series{SourceFieldID: p.SourceFieldID, RunTime: p.RunTime.UTC()}
			if f, err := fieldOf(p.SourceFieldID); err == nil {
				g.MetricID = f.MetricID
				g.SourceID = f.SourceID
			}
			groups[k] = g
			order = append(order, k)
		}
		g.Points = append(g.Points, p)
	}

	out := make([]Series, 0, len(order))
	for _, k := range order {
		g := groups[k]
		sort.Slice(g.Points, func(i, j int) bool {
			return g.Points[i].ValidTime.Before(g.Points[j].ValidTime)
		})
		out = append(out, *g)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.MetricID != b.MetricID {
			return a.MetricID < b.MetricID
		}
		if a.SourceID != b.SourceID {
			return a.SourceID < b.SourceID
		}
		if a.SourceFieldID != b.SourceFieldID {
			return a.SourceFieldID < b.SourceFieldID
		}
		return a.RunTime.Before(b.RunTime)
	})
	return out
}
