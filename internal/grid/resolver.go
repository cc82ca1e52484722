package grid

import (
	"fmt"
	"sync"

	"gridpoint/internal/domain"
)

// Resolver maps query locations to grid cells per source. Grids are set at
// bootstrap and replaced only when a source's grid definition changes;
// lookups are constant-time projection inversions.
type Resolver struct {
	mu    sync.RWMutex
	grids map[int]Projection // by source ID
}

// NewResolver creates an empty resolver.
func NewResolver() *Resolver {
	return &Resolver{
		grids: make(map[int]Projection),
	}
}

// SetGrid installs or replaces the grid for a source.
func (r *Resolver) SetGrid(sourceID int, p Projection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.grids[sourceID] = p
}

// Grid returns the projection registered for a source.
func (r *Resolver) Grid(sourceID int) (Projection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.grids[sourceID]
	return p, ok
}

// Resolve returns the source's nearest cell to (lat, lon), or a
// NoCoverageError when the point is outside the source's grid extent.
func (r *Resolver) Resolve(lat, lon float64, sourceID int) (Cell, error) {
	p, ok := r.Grid(sourceID)
	if !ok {
		return Cell{}, fmt.Errorf("source %d: %w", sourceID, domain.ErrNotFound)
	}
	c, ok := p.Cell(lat, lon)
	if !ok {
		return Cell{}, &domain.NoCoverageError{SourceID: sourceID, Lat: lat, Lon: lon}
	}
	return c, nil
}
