// Package domain models numerical weather model output normalized into
// per-location time series.
//
// # Data Sources
//
// Forecast data comes from NOAA gridded model runs (HRRR, GFS, NAM). Each
// model executes on a fixed cadence (hourly for HRRR, every 6 hours for GFS)
// and publishes one file per forecast hour. A file holds one raster band per
// raw variable ("source field"): 2 m temperature, 10 m wind components,
// composite reflectivity, and so on.
//
// # Runs and Valid Times
//
// A run is one model execution, identified by (source, run time). Every value
// a run produces describes some future valid time. Successive runs overlap:
// the 06z and 12z runs both forecast 18z, usually with different values.
// Both are kept; the trend across runs is part of the product, so nothing
// here ever collapses to "latest run wins".
//
// # Source Fields and Metrics
//
// A source field is a raw variable from one source (HRRR TMP @ 2 m above
// ground). A metric is the canonical, source-independent quantity
// (temperature). Source fields map to metrics through a transform spec:
// identity, linear scale+offset, or a named derived function that combines
// several raw components (wind speed from UGRD/VGRD).
//
// # Canonical Units
//
// Kelvin for temperature, m/s for wind, Pa for pressure, kg/m²/s for
// precipitation rate, percent for humidity and cloud cover. These follow the
// GRIB conventions the models themselves use, so most fields normalize with
// the identity transform.
//
// # Immutability
//
// A data point is immutable once stored. Re-ingesting the same
// (field, run, valid time, location) with the same value is a no-op;
// a different value is a conflict and is surfaced, never overwritten.
package domain
