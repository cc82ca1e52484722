package http

import (
	"errors"
	"math"
	"net/http"
	"slices"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"gridpoint/internal/domain"
	"gridpoint/internal/store"
)

// Default forecast window relative to request time.
const (
	defaultLookback  = time.Hour
	defaultLookahead = 12 * time.Hour
	maxWindow        = 7 * 24 * time.Hour
	searchLimit      = 20
)

// sourceView is a source with its fields embedded, as served by the API.
type sourceView struct {
	domain.Source
	Fields []domain.SourceField `json:"fields"`
}

// wxValue is one data point in a forecast response.
type wxValue struct {
	SrcFieldID int     `json:"src_field_id"`
	RunTime    int64   `json:"run_time"`
	Value      float64 `json:"value"`
}

// wxResponse is the forecast payload for one location. Data maps unix valid
// times to the values at that time; a valid time can carry values from
// multiple runs of the same field.
type wxResponse struct {
	OrderedTimes []int64             `json:"ordered_times"`
	Data         map[int64][]wxValue `json:"data"`
	Warnings     []string            `json:"warnings,omitempty"`
}

func (s *Server) handleSources(w http.ResponseWriter, _ *http.Request) {
	sources := s.registry.Sources()
	out := make([]sourceView, 0, len(sources))
	for _, src := range sources {
		out = append(out, sourceView{Source: src, Fields: s.registry.FieldsFor(src.ID)})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleSource(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid source id")
		return
	}
	src, err := s.registry.Source(id)
	if errors.Is(err, domain.ErrNotFound) {
		writeError(w, http.StatusNotFound, "source not found")
		return
	}
	writeJSON(w, http.StatusOK, sourceView{Source: src, Fields: s.registry.FieldsFor(src.ID)})
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.Metrics())
}

func (s *Server) handleLocationSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	if strings.TrimSpace(q) == "" {
		writeError(w, http.StatusBadRequest, "missing query parameter q")
		return
	}
	results := s.registry.SearchLocations(q, searchLimit)
	if results == nil {
		results = []domain.Location{}
	}
	writeJSON(w, http.StatusOK, results)
}

func (s *Server) handleLocationByCoords(w http.ResponseWriter, r *http.Request) {
	lat, latErr := strconv.ParseFloat(r.URL.Query().Get("lat"), 64)
	lon, lonErr := strconv.ParseFloat(r.URL.Query().Get("lon"), 64)
	if latErr != nil || lonErr != nil {
		writeError(w, http.StatusBadRequest, "lat and lon are required")
		return
	}
	if lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		writeError(w, http.StatusBadRequest, "lat/lon out of range")
		return
	}

	loc, err := s.registry.NearestLocation(lat, lon)
	if errors.Is(err, domain.ErrNotFound) {
		writeError(w, http.StatusNotFound, "no locations registered")
		return
	}
	writeJSON(w, http.StatusOK, loc)
}

// handleLocationByZip resolves a ZIP to coordinates. Registered locations
// match by exact ZIP first; otherwise the geocoder is consulted.
func (s *Server) handleLocationByZip(w http.ResponseWriter, r *http.Request) {
	zip := strings.TrimSpace(r.URL.Query().Get("zip"))
	if zip == "" {
		writeError(w, http.StatusBadRequest, "missing query parameter zip")
		return
	}

	for _, loc := range s.registry.Locations() {
		if loc.Zip == zip {
			writeJSON(w, http.StatusOK, loc)
			return
		}
	}

	if s.geocoder == nil {
		writeError(w, http.StatusServiceUnavailable, "geocoding not configured")
		return
	}
	result, err := s.geocoder.Geocode(r.Context(), zip)
	if err != nil {
		s.logger.Error("geocode failed", "zip", zip, "error", err)
		writeError(w, http.StatusBadGateway, "geocoding failed")
		return
	}
	if result.Lat == 0 && result.Lon == 0 {
		writeError(w, http.StatusNotFound, "zip code not found")
		return
	}
	writeJSON(w, http.StatusOK, domain.Location{
		Name: result.PlaceName,
		Zip:  zip,
		Lat:  result.Lat,
		Lon:  result.Lon,
	})
}

// handleWx serves the forecast for a location over a time window. Sources
// that do not cover the location degrade to a warning rather than failing
// the whole request.
func (s *Server) handleWx(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid location id")
		return
	}
	loc, err := s.registry.Location(id)
	if errors.Is(err, domain.ErrNotFound) {
		writeError(w, http.StatusNotFound, "location not found")
		return
	}

	now := s.clock.Now().UTC()
	start, end, err := parseWindow(r, now)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	metricIDs, err := parseMetricIDs(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	fieldIDs, warnings := s.coveredFieldIDs(loc, metricIDs)

	resp := wxResponse{
		OrderedTimes: []int64{},
		Data:         map[int64][]wxValue{},
		Warnings:     warnings,
	}
	if len(fieldIDs) == 0 {
		writeJSON(w, http.StatusOK, resp)
		return
	}

	points, err := s.store.Query(r.Context(), loc.ID, fieldIDs, start, end)
	if err != nil {
		s.logger.Error("forecast query failed", "location_id", loc.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}

	for _, p := range points {
		t := p.ValidTime.UTC().Unix()
		if _, ok := resp.Data[t]; !ok {
			resp.OrderedTimes = append(resp.OrderedTimes, t)
		}
		resp.Data[t] = append(resp.Data[t], wxValue{
			SrcFieldID: p.SourceFieldID,
			RunTime:    p.RunTime.UTC().Unix(),
			Value:      p.Value,
		})
	}
	sort.Slice(resp.OrderedTimes, func(i, j int) bool {
		return resp.OrderedTimes[i] < resp.OrderedTimes[j]
	})

	writeJSON(w, http.StatusOK, resp)
}

// metricSummary aggregates one metric over the query window, combining the
// newest run of every covering source field.
type metricSummary struct {
	MetricID int     `json:"metric_id"`
	Name     string  `json:"name"`
	Units    string  `json:"units"`
	Min      float64 `json:"min"`
	Max      float64 `json:"max"`
	Mean     float64 `json:"mean"`
	Points   int     `json:"points"`
	Sources  []int   `json:"sources"`
}

type summarizeResponse struct {
	Start    int64           `json:"start"`
	End      int64           `json:"end"`
	Metrics  []metricSummary `json:"metrics"`
	Warnings []string        `json:"warnings,omitempty"`
}

// handleWxSummarize serves per-metric aggregates for a location over a time
// window. Only each field's newest run contributes, so a stale run never
// skews the summary once a fresher one has been ingested.
func (s *Server) handleWxSummarize(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid location id")
		return
	}
	loc, err := s.registry.Location(id)
	if errors.Is(err, domain.ErrNotFound) {
		writeError(w, http.StatusNotFound, "location not found")
		return
	}

	now := s.clock.Now().UTC()
	start, end, err := parseWindow(r, now)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	metricIDs, err := parseMetricIDs(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	fieldIDs, warnings := s.coveredFieldIDs(loc, metricIDs)
	resp := summarizeResponse{
		Start:    start.Unix(),
		End:      end.Unix(),
		Metrics:  []metricSummary{},
		Warnings: warnings,
	}
	if len(fieldIDs) == 0 {
		writeJSON(w, http.StatusOK, resp)
		return
	}

	points, err := s.store.Query(r.Context(), loc.ID, fieldIDs, start, end)
	if err != nil {
		s.logger.Error("summarize query failed", "location_id", loc.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}

	series := store.GroupSeries(points, s.registry.Field)

	// Groups are ordered by run time within a field, so the last series seen
	// per field is its newest run.
	newest := make(map[int]time.Time, len(series))
	for _, se := range series {
		newest[se.SourceFieldID] = se.RunTime
	}

	byMetric := make(map[int]*metricSummary)
	sums := make(map[int]float64)
	var order []int
	for _, se := range series {
		if !newest[se.SourceFieldID].Equal(se.RunTime) {
			continue
		}
		ms, ok := byMetric[se.MetricID]
		if !ok {
			m, merr := s.registry.Metric(se.MetricID)
			if merr != nil {
				continue
			}
			ms = &metricSummary{
				MetricID: se.MetricID,
				Name:     m.Name,
				Units:    m.Units,
				Min:      math.Inf(1),
				Max:      math.Inf(-1),
			}
			byMetric[se.MetricID] = ms
			order = append(order, se.MetricID)
		}
		for _, p := range se.Points {
			ms.Min = math.Min(ms.Min, p.Value)
			ms.Max = math.Max(ms.Max, p.Value)
			sums[se.MetricID] += p.Value
			ms.Points++
		}
		if !slices.Contains(ms.Sources, se.SourceID) {
			ms.Sources = append(ms.Sources, se.SourceID)
		}
	}

	for _, id := range order {
		ms := byMetric[id]
		if ms.Points == 0 {
			continue
		}
		ms.Mean = sums[id] / float64(ms.Points)
		resp.Metrics = append(resp.Metrics, *ms)
	}

	writeJSON(w, http.StatusOK, resp)
}

// handleIngestFailures lists files whose most recent ingest attempt failed.
func (s *Server) handleIngestFailures(w http.ResponseWriter, r *http.Request) {
	if s.ledger == nil {
		writeError(w, http.StatusServiceUnavailable, "ingest ledger not available")
		return
	}
	failures, err := s.ledger.Failures(r.Context())
	if err != nil {
		s.logger.Error("ledger failures query failed", "error", err)
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	if failures == nil {
		failures = []domain.LedgerEntry{}
	}
	writeJSON(w, http.StatusOK, failures)
}

// coveredFieldIDs returns the IDs of fields for the requested metrics whose
// source grid covers the location, plus a warning per uncovered source.
func (s *Server) coveredFieldIDs(loc domain.Location, metricIDs []int) ([]int, []string) {
	fields := s.registry.FieldsForMetrics(metricIDs)
	fieldIDs := make([]int, 0, len(fields))
	coveredSources := make(map[int]bool)
	var warnings []string

	for _, f := range fields {
		covered, seen := coveredSources[f.SourceID]
		if !seen {
			_, rerr := s.resolver.Resolve(loc.Lat, loc.Lon, f.SourceID)
			var nc *domain.NoCoverageError
			if errors.As(rerr, &nc) {
				covered = false
				src, _ := s.registry.Source(f.SourceID)
				warnings = append(warnings, "source "+src.Name+" does not cover this location")
			} else {
				covered = true
			}
			coveredSources[f.SourceID] = covered
		}
		if covered {
			fieldIDs = append(fieldIDs, f.ID)
		}
	}
	return fieldIDs, warnings
}

// parseWindow reads start/end unix-seconds query parameters, defaulting to
// one hour back through twelve hours ahead of now.
func parseWindow(r *http.Request, now time.Time) (time.Time, time.Time, error) {
	start := now.Add(-defaultLookback)
	end := now.Add(defaultLookahead)

	if raw := r.URL.Query().Get("start"); raw != "" {
		sec, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return time.Time{}, time.Time{}, errors.New("invalid start")
		}
		start = time.Unix(sec, 0).UTC()
	}
	if raw := r.URL.Query().Get("end"); raw != "" {
		sec, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return time.Time{}, time.Time{}, errors.New("invalid end")
		}
		end = time.Unix(sec, 0).UTC()
	}

	if !end.After(start) {
		return time.Time{}, time.Time{}, errors.New("end must be after start")
	}
	// An over-wide window is clamped, not rejected; the client gets the
	// first seven days of what it asked for.
	if end.Sub(start) > maxWindow {
		end = start.Add(maxWindow)
	}
	return start, end, nil
}

// parseMetricIDs reads the optional comma-separated metrics parameter.
// Empty means all metrics.
func parseMetricIDs(r *http.Request) ([]int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("metrics"))
	if raw == "" {
		return nil, nil
	}
	parts := strings.Split(raw, ",")
	ids := make([]int, 0, len(parts))
	for _, p := range parts {
		id, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, errors.New("invalid metrics parameter")
		}
		ids = append(ids, id)
	}
	return ids, nil
}
