package pipeline

import (
	"context"
	"errors"
	"fmt"

	"gridpoint/internal/domain"
	"gridpoint/internal/grid"
)

// processFields extracts per-location values for every registered field of
// the source from the decoded bands, normalizes them, and stores the
// results. Failures are isolated per field: a bad band, an unsupported
// transform, or a store conflict fails its own field and nothing else.
func (o *Orchestrator) processFields(ctx context.Context, src domain.Source, ref domain.FileRef, bands []grid.Band, bandErrs []error) []domain.FieldResult {
	fields := o.registry.FieldsFor(src.ID)
	results := make([]domain.FieldResult, 0, len(fields))

	proj, ok := o.resolver.Grid(src.ID)
	if !ok {
		for _, f := range fields {
			results = append(results, domain.FieldResult{
				SourceFieldID: f.ID,
				ShortName:     f.ShortName,
				Err:           fmt.Errorf("source %d has no grid registered", src.ID),
			})
		}
		return results
	}

	// Resolve every registered location to its cell once per file, not once
	// per band. Locations outside this source's extent are simply not
	// covered by it.
	locations := o.registry.Locations()
	cells := make(map[int]grid.Cell, len(locations))
	for _, loc := range locations {
		if c, ok := proj.Cell(loc.Lat, loc.Lon); ok {
			cells[loc.ID] = c
		}
	}

	byBand := make(map[string][]grid.Band)
	for _, b := range bands {
		k := bandKey(b.ShortName, b.Level)
		byBand[k] = append(byBand[k], b)
	}
	decodeFailed := make(map[string]error)
	for _, err := range bandErrs {
		var de *domain.DecodeError
		if errors.As(err, &de) {
			decodeFailed[de.Field] = err
		}
	}

	for _, f := range fields {
		res := o.processField(ctx, f, ref, byBand, decodeFailed, cells)
		results = append(results, res)
		o.metrics.FieldsProcessed.WithLabelValues(fieldOutcome(res)).Inc()
	}
	return results
}

// processField stores all points for one source field.
func (o *Orchestrator) processField(
	ctx context.Context,
	f domain.SourceField,
	ref domain.FileRef,
	byBand map[string][]grid.Band,
	decodeFailed map[string]error,
	cells map[int]grid.Cell,
) domain.FieldResult {
	res := domain.FieldResult{SourceFieldID: f.ID, ShortName: f.ShortName}

	if f.Transform.Derived() {
		res.Err = o.storeDerived(ctx, f, byBand, decodeFailed, cells, &res.Points)
		return res
	}

	srcBands := byBand[bandKey(f.ShortName, f.Level)]
	if len(srcBands) == 0 {
		if err, ok := decodeFailed[f.ShortName]; ok {
			res.Err = err
		} else {
			res.Err = &domain.DecodeError{FileID: ref.FileID, Field: f.ShortName, Reason: "band not present"}
		}
		return res
	}

	for _, band := range srcBands {
		batch := make([]domain.DataPoint, 0, len(cells))
		for locID, cell := range cells {
			raw := band.AtCell(cell)
			if raw != raw { // NaN: missing cell
				continue
			}
			value, err := domain.Normalize(f, raw)
			if err != nil {
				res.Err = err
				return res
			}
			batch = append(batch, domain.DataPoint{
				SourceFieldID: f.ID,
				LocationID:    locID,
				RunTime:       band.RunTime,
				ValidTime:     band.ValidTime,
				Value:         value,
			})
		}
		if err := o.store.PutBatch(ctx, batch); err != nil {
			res.Err = err
			return res
		}
		o.metrics.PointsStored.Add(float64(len(batch)))
		res.Points += len(batch)
	}
	return res
}

// storeDerived computes a multi-band derived quantity (e.g. wind speed from
// UGRD/VGRD) for every location and valid time where all components are
// present.
func (o *Orchestrator) storeDerived(
	ctx context.Context,
	f domain.SourceField,
	byBand map[string][]grid.Band,
	decodeFailed map[string]error,
	cells map[int]grid.Cell,
	points *int,
) error {
	// Valid times come from the first component; every component must have
	// a band at the same valid time or the quantity is not computable.
	first := byBand[bandKey(f.Transform.Inputs[0], f.Level)]
	if len(first) == 0 {
		if err, ok := decodeFailed[f.Transform.Inputs[0]]; ok {
			return err
		}
		return &domain.DecodeError{Field: f.ShortName, Reason: fmt.Sprintf("component band %s not present", f.Transform.Inputs[0])}
	}

	for _, lead := range first {
		components := make(map[string]grid.Band, len(f.Transform.Inputs))
		components[f.Transform.Inputs[0]] = lead
		complete := true
		for _, input := range f.Transform.Inputs[1:] {
			found := false
			for _, b := range byBand[bandKey(input, f.Level)] {
				if b.ValidTime.Equal(lead.ValidTime) {
					components[input] = b
					found = true
					break
				}
			}
			if !found {
				if err, ok := decodeFailed[input]; ok {
					return err
				}
				complete = false
			}
		}
		if !complete {
			continue
		}

		for locID, cell := range cells {
			raws := make(map[string]float64, len(components))
			missing := false
			for name, b := range components {
				v := b.AtCell(cell)
				if v != v {
					missing = true
					break
				}
				raws[name] = v
			}
			if missing {
				continue
			}
			value, err := domain.NormalizeDerived(f, raws)
			if err != nil {
				return err
			}
			if err := o.put(ctx, f, locID, lead, value); err != nil {
				return err
			}
			*points++
		}
	}
	return nil
}

func (o *Orchestrator) put(ctx context.Context, f domain.SourceField, locID int, band grid.Band, value float64) error {
	err := o.store.Put(ctx, domain.DataPoint{
		SourceFieldID: f.ID,
		LocationID:    locID,
		RunTime:       band.RunTime,
		ValidTime:     band.ValidTime,
		Value:         value,
	})
	if err == nil {
		o.metrics.PointsStored.Inc()
	}
	return err
}

func bandKey(shortName, level string) string {
	return shortName + "|" + level
}

func fieldOutcome(res domain.FieldResult) string {
	if res.Err == nil {
		return "stored"
	}
	var (
		de *domain.DecodeError
		ue *domain.UnsupportedTransformError
		ce *domain.ConflictError
	)
	switch {
	case errors.As(res.Err, &ce):
		return "conflict"
	case errors.As(res.Err, &ue):
		return "transform_error"
	case errors.As(res.Err, &de):
		return "decode_error"
	default:
		return "error"
	}
}
