// Package grid handles the spatial side of model output: per-source grid
// projections, nearest-cell lookup, and decoding packed raster files.
//
// # Projections
//
// Each source publishes on its own grid. GFS uses a regular
// latitude/longitude grid; HRRR and NAM use a Lambert conformal conic
// projection on a sphere (GRIB convention, earth radius 6371229 m). Both are
// modeled behind the Projection interface, which maps a coordinate to its
// nearest cell in constant time by inverting the projection, with no
// exhaustive scan or search tree. NearestCells ranks the neighborhood around the
// projected point for k-nearest queries.
//
// # Packed Raster Format
//
// Grid files hold one message per band (field + level + valid time), framed
// with a length prefix so a corrupt band can be skipped without losing the
// rest of the file. Values use GRIB2-style simple packing:
//
//	value = (R + packed · 2^E) / 10^D
//
// where R is the reference value, E the binary scale, D the decimal scale,
// and packed an unsigned 16-bit integer. 0xFFFF marks a missing cell and
// decodes to NaN. Decoding a message is all-or-nothing: any truncation or
// bound violation fails the whole band with a DecodeError.
package grid
