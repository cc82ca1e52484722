package mapbox_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gridpoint/internal/adapter/mapbox"
	"gridpoint/internal/domain"
	"gridpoint/internal/observability"
)

type countingGeocoder struct {
	calls   int
	results map[string]domain.GeocodingResult
	err     error
}

func (g *countingGeocoder) Geocode(_ context.Context, query string) (domain.GeocodingResult, error) {
	g.calls++
	if g.err != nil {
		return domain.GeocodingResult{}, g.err
	}
	return g.results[query], nil
}

func TestCachedGeocoderCachesHits(t *testing.T) {
	inner := &countingGeocoder{results: map[string]domain.GeocodingResult{
		"80301": {Lat: 40.05, Lon: -105.27, PlaceName: "Boulder"},
	}}
	cached := mapbox.NewCachedGeocoder(inner, 10, observability.NewMetricsForTesting())

	for i := 0; i < 5; i++ {
		got, err := cached.Geocode(t.Context(), "80301")
		require.NoError(t, err)
		assert.Equal(t, "Boulder", got.PlaceName)
	}
	assert.Equal(t, 1, inner.calls)
}

func TestCachedGeocoderNormalizesKeys(t *testing.T) {
	inner := &countingGeocoder{results: map[string]domain.GeocodingResult{}}
	inner.results["Boulder"] = domain.GeocodingResult{Lat: 40.05, Lon: -105.27}
	inner.results["  boulder "] = domain.GeocodingResult{Lat: 40.05, Lon: -105.27}
	inner.results["BOULDER"] = domain.GeocodingResult{Lat: 40.05, Lon: -105.27}
	cached := mapbox.NewCachedGeocoder(inner, 10, observability.NewMetricsForTesting())

	for _, q := range []string{"Boulder", "  boulder ", "BOULDER"} {
		_, err := cached.Geocode(t.Context(), q)
		require.NoError(t, err)
	}
	assert.Equal(t, 1, inner.calls)
}

func TestCachedGeocoderDoesNotCacheMisses(t *testing.T) {
	inner := &countingGeocoder{results: map[string]domain.GeocodingResult{}}
	cached := mapbox.NewCachedGeocoder(inner, 10, observability.NewMetricsForTesting())

	for i := 0; i < 3; i++ {
		_, err := cached.Geocode(t.Context(), "00000")
		require.NoError(t, err)
	}
	assert.Equal(t, 3, inner.calls, "zero-result responses stay uncached")
}

func TestCachedGeocoderPassesErrorsThrough(t *testing.T) {
	inner := &countingGeocoder{err: errors.New("rate limited")}
	cached := mapbox.NewCachedGeocoder(inner, 10, observability.NewMetricsForTesting())

	_, err := cached.Geocode(t.Context(), "80301")
	assert.Error(t, err)
	_, err = cached.Geocode(t.Context(), "80301")
	assert.Error(t, err)
	assert.Equal(t, 2, inner.calls, "errors stay uncached")
}

func TestCachedGeocoderEvictsLeastRecentlyUsed(t *testing.T) {
	inner := &countingGeocoder{results: map[string]domain.GeocodingResult{}}
	for i := 0; i < 4; i++ {
		q := fmt.Sprintf("zip-%d", i)
		inner.results[q] = domain.GeocodingResult{Lat: float64(i) + 1, Lon: 1}
	}
	cached := mapbox.NewCachedGeocoder(inner, 2, observability.NewMetricsForTesting())

	// Fill: zip-0, zip-1. Touch zip-0 so zip-1 is the eviction victim.
	_, _ = cached.Geocode(t.Context(), "zip-0")
	_, _ = cached.Geocode(t.Context(), "zip-1")
	_, _ = cached.Geocode(t.Context(), "zip-0")
	_, _ = cached.Geocode(t.Context(), "zip-2")
	require.Equal(t, 3, inner.calls)

	// zip-0 survived, zip-1 did not.
	_, _ = cached.Geocode(t.Context(), "zip-0")
	assert.Equal(t, 3, inner.calls)
	_, _ = cached.Geocode(t.Context(), "zip-1")
	assert.Equal(t, 4, inner.calls)
}
