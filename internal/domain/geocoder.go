package domain

import "context"

// GeocodingResult contains location data returned by a geocoding provider.
type GeocodingResult struct {
	Lat        float64
	Lon        float64
	PlaceName  string
	Confidence float64 // 0.0-1.0 provider confidence score
}

// Geocoder resolves symbolic location queries (ZIP codes, place names) to
// coordinates. Used only on the query path; ingest never geocodes.
type Geocoder interface {
	Geocode(ctx context.Context, query string) (GeocodingResult, error)
}
