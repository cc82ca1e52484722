package domain

import (
	"math"
	"sort"
	"strings"
	"sync"
)

// Registry is the static catalog of sources, their fields, metrics, and
// named locations. Populated at bootstrap; reads vastly outnumber the
// occasional administrative addition.
type Registry struct {
	mu        sync.RWMutex
	sources   map[int]Source
	fields    map[int][]SourceField // keyed by source ID, registration order
	fieldByID map[int]SourceField
	metrics   map[int]Metric
	locations map[int]Location
}

// NewRegistry returns an empty catalog.
func NewRegistry() *Registry {
	return &Registry{
		sources:   make(map[int]Source),
		fields:    make(map[int][]SourceField),
		fieldByID: make(map[int]SourceField),
		metrics:   make(map[int]Metric),
		locations: make(map[int]Location),
	}
}

// RegisterMetric adds a canonical metric. Last write wins for the same ID;
// metrics are shared across sources and registered once at bootstrap.
func (r *Registry) RegisterMetric(m Metric) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metrics[m.ID] = m
}

// Register adds a source and its fields. Fails with DuplicateSourceError if
// the source ID exists. Every field's transform descriptor is validated here
// so misconfiguration surfaces at bootstrap, not per-cell at ingest.
func (r *Registry) Register(s Source, fields []SourceField) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sources[s.ID]; ok {
		return &DuplicateSourceError{SourceID: s.ID}
	}
	for _, f := range fields {
		if err := ValidateTransform(f.Transform); err != nil {
			return err
		}
	}

	r.sources[s.ID] = s
	fs := make([]SourceField, len(fields))
	copy(fs, fields)
	r.fields[s.ID] = fs
	for _, f := range fs {
		r.fieldByID[f.ID] = f
	}
	return nil
}

// Source returns the source with the given ID.
func (r *Registry) Source(id int) (Source, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sources[id]
	if !ok {
		return Source{}, ErrNotFound
	}
	return s, nil
}

// Sources returns all registered sources ordered by ID.
func (r *Registry) Sources() []Source {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Source, 0, len(r.sources))
	for _, s := range r.sources {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// FieldsFor returns the source's fields in registration order.
func (r *Registry) FieldsFor(sourceID int) []SourceField {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fs := r.fields[sourceID]
	out := make([]SourceField, len(fs))
	copy(out, fs)
	return out
}

// Field returns the source field with the given ID.
func (r *Registry) Field(id int) (SourceField, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.fieldByID[id]
	if !ok {
		return SourceField{}, ErrNotFound
	}
	return f, nil
}

// Metric returns the metric with the given ID.
func (r *Registry) Metric(id int) (Metric, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.metrics[id]
	if !ok {
		return Metric{}, ErrNotFound
	}
	return m, nil
}

// Metrics returns all metrics ordered by ID.
func (r *Registry) Metrics() []Metric {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Metric, 0, len(r.metrics))
	for _, m := range r.metrics {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// FieldsForMetrics returns all fields across sources whose metric is in ids.
// An empty ids slice means every metric.
func (r *Registry) FieldsForMetrics(ids []int) []SourceField {
	r.mu.RLock()
	defer r.mu.RUnlock()

	want := make(map[int]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}

	var out []SourceField
	srcIDs := make([]int, 0, len(r.fields))
	for id := range r.fields {
		srcIDs = append(srcIDs, id)
	}
	sort.Ints(srcIDs)
	for _, sid := range srcIDs {
		for _, f := range r.fields[sid] {
			if len(ids) == 0 || want[f.MetricID] {
				out = append(out, f)
			}
		}
	}
	return out
}

// AddLocation registers a named location.
func (r *Registry) AddLocation(l Location) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.locations[l.ID] = l
}

// Locations returns all registered locations ordered by ID.
func (r *Registry) Locations() []Location {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Location, 0, len(r.locations))
	for _, l := range r.locations {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Location returns the location with the given ID.
func (r *Registry) Location(id int) (Location, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.locations[id]
	if !ok {
		return Location{}, ErrNotFound
	}
	return l, nil
}

// SearchLocations returns up to limit locations whose name contains the
// query, case-insensitively, ordered by ID for stable paging.
func (r *Registry) SearchLocations(query string, limit int) []Location {
	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" || limit <= 0 {
		return nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]int, 0, len(r.locations))
	for id := range r.locations {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	var out []Location
	for _, id := range ids {
		l := r.locations[id]
		if strings.Contains(strings.ToLower(l.Name), query) || strings.HasPrefix(l.Zip, query) {
			out = append(out, l)
			if len(out) == limit {
				break
			}
		}
	}
	return out
}

// NearestLocation returns the registered location closest to (lat, lon) by
// squared equirectangular distance. Returns ErrNotFound if none registered.
func (r *Registry) NearestLocation(lat, lon float64) (Location, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	best := Location{}
	bestDist := math.MaxFloat64
	found := false
	for _, l := range r.locations {
		dLat := l.Lat - lat
		dLon := (l.Lon - lon) * math.Cos(lat*math.Pi/180)
		d := dLat*dLat + dLon*dLon
		if d < bestDist || (d == bestDist && l.ID < best.ID) {
			best, bestDist, found = l, d, true
		}
	}
	if !found {
		return Location{}, ErrNotFound
	}
	return best, nil
}
