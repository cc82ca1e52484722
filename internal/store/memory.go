package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"gridpoint/internal/domain"
)

// MemoryStore is the in-process Store used by tests and single-node
// deployments. Safe for concurrent writers: the mutex around the key map
// makes Put's check-then-insert atomic.
type MemoryStore struct {
	mu     sync.RWMutex
	values map[domain.DataPointKey]float64
	byLoc  map[int][]domain.DataPoint
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		values: make(map[domain.DataPointKey]float64),
		byLoc:  make(map[int][]domain.DataPoint),
	}
}

func (s *MemoryStore) Put(_ context.Context, dp domain.DataPoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := dp.Key()
	if existing, ok := s.values[key]; ok {
		if existing == dp.Value {
			return nil
		}
		return &domain.ConflictError{Key: key, Existing: existing, Incoming: dp.Value}
	}
	s.values[key] = dp.Value
	s.byLoc[dp.LocationID] = append(s.byLoc[dp.LocationID], dp)
	return nil
}

func (s *MemoryStore) PutBatch(ctx context.Context, dps []domain.DataPoint) error {
	for _, dp := range dps {
		if err := s.Put(ctx, dp); err != nil {
			return err
		}
	}
	return nil
}

func (s *MemoryStore) Query(_ context.Context, locationID int, fieldIDs []int, start, end time.Time) ([]domain.DataPoint, error) {
	want := make(map[int]bool, len(fieldIDs))
	for _, id := range fieldIDs {
		want[id] = true
	}

	s.mu.RLock()
	var out []domain.DataPoint
	for _, dp := range s.byLoc[locationID] {
		if len(fieldIDs) > 0 && !want[dp.SourceFieldID] {
			continue
		}
		if dp.ValidTime.Before(start) || !dp.ValidTime.Before(end) {
			continue
		}
		out = append(out, dp)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.ValidTime.Equal(b.ValidTime) {
			return a.ValidTime.Before(b.ValidTime)
		}
		if a.SourceFieldID != b.SourceFieldID {
			return a.SourceFieldID < b.SourceFieldID
		}
		return a.RunTime.Before(b.RunTime)
	})
	return out, nil
}

// Prune deletes points whose valid time is before cutoff.
func (s *MemoryStore) Prune(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cut := cutoff.UTC().Unix()
	var removed int64
	for key := range s.values {
		if key.ValidTime < cut {
			delete(s.values, key)
			removed++
		}
	}
	if removed == 0 {
		return 0, nil
	}
	for locID, pts := range s.byLoc {
		kept := pts[:0]
		for _, p := range pts {
			if !p.ValidTime.Before(cutoff) {
				kept = append(kept, p)
			}
		}
		s.byLoc[locID] = kept
	}
	return removed, nil
}

// Len returns the number of stored points.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.values)
}

// MemoryLedger is the in-process Ledger. The entries slice is append-only;
// latest tracks the newest status per file for O(1) completion checks.
type MemoryLedger struct {
	mu      sync.RWMutex
	entries []domain.LedgerEntry
	latest  map[fileKey]domain.IngestStatus
}

type fileKey struct {
	sourceID int
	run      int64
	fileID   string
}

func keyOf(sourceID int, run time.Time, fileID string) fileKey {
	return fileKey{sourceID: sourceID, run: run.UTC().Unix(), fileID: fileID}
}

// NewMemoryLedger returns an empty in-memory ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{latest: make(map[fileKey]domain.IngestStatus)}
}

func (l *MemoryLedger) Completed(_ context.Context, ref domain.FileRef) (bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.latest[keyOf(ref.SourceID, ref.RunTime, ref.FileID)] == domain.StatusStored, nil
}

func (l *MemoryLedger) Record(_ context.Context, e domain.LedgerEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, e)
	l.latest[keyOf(e.SourceID, e.RunTime, e.FileID)] = e.Status
	return nil
}

func (l *MemoryLedger) Failures(_ context.Context) ([]domain.LedgerEntry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	// Walk backwards so only the newest entry per file counts.
	seen := make(map[fileKey]bool)
	var out []domain.LedgerEntry
	for i := len(l.entries) - 1; i >= 0; i-- {
		e := l.entries[i]
		k := keyOf(e.SourceID, e.RunTime, e.FileID)
		if seen[k] {
			continue
		}
		seen[k] = true
		if e.Status == domain.StatusFailed {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// Prune deletes entries for runs older than cutoff.
func (l *MemoryLedger) Prune(_ context.Context, cutoff time.Time) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var (
		removed int64
		kept    []domain.LedgerEntry
	)
	for _, e := range l.entries {
		if e.RunTime.Before(cutoff) {
			delete(l.latest, keyOf(e.SourceID, e.RunTime, e.FileID))
			removed++
			continue
		}
		kept = append(kept, e)
	}
	l.entries = kept
	return removed, nil
}

// Entries returns a copy of the full append-only history.
func (l *MemoryLedger) Entries() []domain.LedgerEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]domain.LedgerEntry, len(l.entries))
	copy(out, l.entries)
	return out
}
