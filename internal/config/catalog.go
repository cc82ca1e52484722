package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"gridpoint/internal/domain"
	"gridpoint/internal/grid"
)

// Catalog is the on-disk description of sources, fields, metrics, and
// seeded locations. Loaded once at startup; the running services treat it
// as immutable.
type Catalog struct {
	Metrics   []domain.Metric   `json:"metrics"`
	Sources   []CatalogSource   `json:"sources"`
	Locations []domain.Location `json:"locations"`
}

// CatalogSource pairs a source with its fields and grid geometry.
type CatalogSource struct {
	ID            int                  `json:"id"`
	Name          string               `json:"name"`
	SrcURL        string               `json:"src_url"`
	GridName      string               `json:"grid_name"`
	UpdateCadence string               `json:"update_cadence"`
	Grid          GridSpec             `json:"grid"`
	Fields        []domain.SourceField `json:"fields"`
}

// GridSpec describes one source's grid geometry. Type selects the
// projection; the remaining fields apply per type.
type GridSpec struct {
	Type string `json:"type"` // "latlon" or "lambert"

	// latlon
	Lat0 float64 `json:"lat0,omitempty"`
	Lon0 float64 `json:"lon0,omitempty"`
	DLat float64 `json:"dlat,omitempty"`
	DLon float64 `json:"dlon,omitempty"`

	// lambert
	Lat1      float64 `json:"lat1,omitempty"`
	Lon1      float64 `json:"lon1,omitempty"`
	LonOrigin float64 `json:"lon_origin,omitempty"`
	StdLat1   float64 `json:"std_lat1,omitempty"`
	StdLat2   float64 `json:"std_lat2,omitempty"`
	Dx        float64 `json:"dx,omitempty"`
	Dy        float64 `json:"dy,omitempty"`

	NX int `json:"nx"`
	NY int `json:"ny"`
}

// Projection builds the grid projection g describes.
func (g GridSpec) Projection() (grid.Projection, error) {
	if g.NX <= 0 || g.NY <= 0 {
		return nil, fmt.Errorf("grid dimensions must be positive, got %dx%d", g.NX, g.NY)
	}
	switch g.Type {
	case "latlon":
		if g.DLat <= 0 || g.DLon <= 0 {
			return nil, fmt.Errorf("latlon grid requires positive dlat/dlon")
		}
		return grid.LatLonGrid{
			Lat0: g.Lat0, Lon0: g.Lon0,
			DLat: g.DLat, DLon: g.DLon,
			NX: g.NX, NY: g.NY,
		}, nil
	case "lambert":
		if g.Dx <= 0 || g.Dy <= 0 {
			return nil, fmt.Errorf("lambert grid requires positive dx/dy")
		}
		return grid.LambertGrid{
			Lat1: g.Lat1, Lon1: g.Lon1,
			LonOrigin: g.LonOrigin,
			StdLat1:   g.StdLat1, StdLat2: g.StdLat2,
			Dx: g.Dx, Dy: g.Dy,
			NX: g.NX, NY: g.NY,
		}, nil
	default:
		return nil, fmt.Errorf("unknown grid type %q", g.Type)
	}
}

// LoadCatalog reads and parses the catalog file.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	var c Catalog
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	if len(c.Sources) == 0 {
		return nil, fmt.Errorf("catalog has no sources")
	}
	return &c, nil
}

// Bootstrap populates the registry and resolver from the catalog. Transform
// validation happens inside Register, so a bad field descriptor fails here.
func (c *Catalog) Bootstrap(registry *domain.Registry, resolver *grid.Resolver) error {
	for _, m := range c.Metrics {
		registry.RegisterMetric(m)
	}

	for _, cs := range c.Sources {
		cadence, err := time.ParseDuration(cs.UpdateCadence)
		if err != nil {
			return fmt.Errorf("source %s: invalid update_cadence: %w", cs.Name, err)
		}
		src := domain.Source{
			ID:            cs.ID,
			Name:          cs.Name,
			SrcURL:        cs.SrcURL,
			GridName:      cs.GridName,
			UpdateCadence: cadence,
		}
		if err := registry.Register(src, cs.Fields); err != nil {
			return fmt.Errorf("register source %s: %w", cs.Name, err)
		}

		proj, err := cs.Grid.Projection()
		if err != nil {
			return fmt.Errorf("source %s: %w", cs.Name, err)
		}
		resolver.SetGrid(cs.ID, proj)
	}

	for _, l := range c.Locations {
		registry.AddLocation(l)
	}
	return nil
}
