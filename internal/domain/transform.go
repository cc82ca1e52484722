package domain

import (
	"math"
)

// Canonical units. Fields whose raw units already match normalize with the
// identity transform; everything else declares a linear or named transform.
const (
	UnitKelvin        = "K"
	UnitMetersPerSec  = "m/s"
	UnitPascal        = "Pa"
	UnitPrecipRate    = "kg/m^2/s"
	UnitPercent       = "%"
	UnitMeters        = "m"
	UnitDecibelZ      = "dBZ"
)

// Transform names understood by Normalize and NormalizeDerived.
const (
	TransformIdentity  = "identity"
	TransformLinear    = "linear"
	TransformWindSpeed = "wind_speed"
)

// TransformSpec selects how a raw source-field value becomes a canonical
// metric value. Linear transforms apply Scale then Offset. Derived
// transforms name the raw component bands they consume via Inputs.
type TransformSpec struct {
	Name   string   `json:"name"`
	Scale  float64  `json:"scale,omitempty"`
	Offset float64  `json:"offset,omitempty"`
	Inputs []string `json:"inputs,omitempty"`
}

// Derived reports whether the transform consumes multiple raw bands.
func (t TransformSpec) Derived() bool {
	return len(t.Inputs) > 0
}

// ValidateTransform rejects unknown descriptors at registration time so a
// bad config fails the source, not every cell of every grid at ingest.
func ValidateTransform(t TransformSpec) error {
	switch t.Name {
	case TransformIdentity:
		return nil
	case TransformLinear:
		if t.Scale == 0 {
			return &UnsupportedTransformError{Name: "linear with zero scale"}
		}
		return nil
	case TransformWindSpeed:
		if len(t.Inputs) != 2 {
			return &UnsupportedTransformError{Name: "wind_speed requires two component inputs"}
		}
		return nil
	default:
		return &UnsupportedTransformError{Name: t.Name}
	}
}

// Normalize converts a single raw value to the field's canonical unit.
// Pure and deterministic: the same spec and raw value always produce the
// same output. The transform runs for every cell of every grid, so it must
// not allocate or touch shared state.
func Normalize(f SourceField, raw float64) (float64, error) {
	switch f.Transform.Name {
	case TransformIdentity:
		return raw, nil
	case TransformLinear:
		if f.Transform.Scale == 0 {
			return 0, &UnsupportedTransformError{Name: "linear with zero scale"}
		}
		return raw*f.Transform.Scale + f.Transform.Offset, nil
	default:
		return 0, &UnsupportedTransformError{Name: f.Transform.Name}
	}
}

// NormalizeDerived computes a derived quantity from multiple raw component
// values, keyed by component short name (e.g. UGRD, VGRD).
func NormalizeDerived(f SourceField, components map[string]float64) (float64, error) {
	switch f.Transform.Name {
	case TransformWindSpeed:
		if len(f.Transform.Inputs) != 2 {
			return 0, &UnsupportedTransformError{Name: "wind_speed requires two component inputs"}
		}
		u, okU := components[f.Transform.Inputs[0]]
		v, okV := components[f.Transform.Inputs[1]]
		if !okU || !okV {
			return 0, &DecodeError{Field: f.ShortName, Reason: "missing wind component band"}
		}
		return math.Sqrt(u*u + v*v), nil
	default:
		return 0, &UnsupportedTransformError{Name: f.Transform.Name}
	}
}
