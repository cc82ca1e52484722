package pipeline_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gridpoint/internal/domain"
	"gridpoint/internal/grid"
	"gridpoint/internal/observability"
	"gridpoint/internal/pipeline"
	"gridpoint/internal/store"
)

const testLevel = "2 m above ground"

var (
	runTime   = time.Date(2026, time.August, 27, 12, 0, 0, 0, time.UTC)
	validTime = runTime.Add(3 * time.Hour)
)

// testGrid is small and covers Boulder but not Honolulu.
var testGrid = grid.LatLonGrid{
	Lat0: 40, Lon0: -106,
	DLat: 0.5, DLon: 0.5,
	NX: 8, NY: 6,
}

type fakeLister struct {
	mu   sync.Mutex
	refs []domain.FileRef
}

func (l *fakeLister) ListRuns(_ context.Context, src domain.Source) ([]domain.FileRef, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []domain.FileRef
	for _, r := range l.refs {
		if r.SourceID == src.ID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (l *fakeLister) add(ref domain.FileRef) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.refs = append(l.refs, ref)
}

type fakeFetcher struct {
	mu       sync.Mutex
	files    map[string][]byte
	failures map[string]int // remaining failures per file ID
	fetches  int
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		files:    make(map[string][]byte),
		failures: make(map[string]int),
	}
}

func (f *fakeFetcher) Fetch(_ context.Context, ref domain.FileRef) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	if f.failures[ref.FileID] > 0 {
		f.failures[ref.FileID]--
		return nil, errors.New("connection reset")
	}
	data, ok := f.files[ref.FileID]
	if !ok {
		return nil, fmt.Errorf("no such file %s", ref.FileID)
	}
	return data, nil
}

func (f *fakeFetcher) fetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches
}

type captureReporter struct {
	mu      sync.Mutex
	reports []domain.FileReport
}

func (r *captureReporter) Publish(_ context.Context, report domain.FileReport) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, report)
	return nil
}

func (r *captureReporter) all() []domain.FileReport {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.FileReport, len(r.reports))
	copy(out, r.reports)
	return out
}

type harness struct {
	registry *domain.Registry
	resolver *grid.Resolver
	store    *store.MemoryStore
	ledger   *store.MemoryLedger
	lister   *fakeLister
	fetcher  *fakeFetcher
	reporter *captureReporter
	clock    *clockwork.FakeClock
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		registry: domain.NewRegistry(),
		resolver: grid.NewResolver(),
		store:    store.NewMemoryStore(),
		ledger:   store.NewMemoryLedger(),
		lister:   &fakeLister{},
		fetcher:  newFakeFetcher(),
		reporter: &captureReporter{},
		clock:    clockwork.NewFakeClockAt(runTime),
	}

	h.registry.RegisterMetric(domain.Metric{ID: 1, Name: "temperature", Units: domain.UnitKelvin})
	h.registry.RegisterMetric(domain.Metric{ID: 2, Name: "humidity", Units: domain.UnitPercent})
	h.registry.RegisterMetric(domain.Metric{ID: 3, Name: "wind speed", Units: domain.UnitMetersPerSec})

	require.NoError(t, h.registry.Register(
		domain.Source{ID: 1, Name: "hrrr", SrcURL: "http://example.test/hrrr/index.json"},
		[]domain.SourceField{
			{ID: 10, SourceID: 1, MetricID: 1, ShortName: "TMP", Level: testLevel, Transform: domain.TransformSpec{Name: domain.TransformIdentity}},
			{ID: 11, SourceID: 1, MetricID: 2, ShortName: "RH", Level: testLevel, Transform: domain.TransformSpec{Name: domain.TransformIdentity}},
			{ID: 12, SourceID: 1, MetricID: 3, ShortName: "WIND", Level: testLevel, Transform: domain.TransformSpec{
				Name:   domain.TransformWindSpeed,
				Inputs: []string{"UGRD", "VGRD"},
			}},
		},
	))
	h.resolver.SetGrid(1, testGrid)

	h.registry.AddLocation(domain.Location{ID: 100, Name: "Boulder, CO", Zip: "80301", Lat: 40.05, Lon: -105.27})
	h.registry.AddLocation(domain.Location{ID: 101, Name: "Honolulu, HI", Zip: "96813", Lat: 21.3, Lon: -157.85})

	return h
}

func (h *harness) orchestrator(opts pipeline.Options) *pipeline.Orchestrator {
	return pipeline.New(
		h.registry, h.resolver, h.store, h.ledger,
		h.lister, h.fetcher, h.reporter,
		discardLogger(), observability.NewMetricsForTesting(), h.clock, opts,
	)
}

// encodeFile builds a packed file carrying one band per entry of values.
func encodeFile(t *testing.T, values map[string]float64, skip ...string) []byte {
	t.Helper()
	skipped := make(map[string]bool, len(skip))
	for _, s := range skip {
		skipped[s] = true
	}

	var buf bytes.Buffer
	for _, sn := range []string{"TMP", "RH", "UGRD", "VGRD"} {
		if skipped[sn] {
			continue
		}
		cells := make([]float64, testGrid.NX*testGrid.NY)
		for i := range cells {
			cells[i] = values[sn]
		}
		require.NoError(t, grid.EncodeBand(&buf, grid.Band{
			ShortName: sn,
			Level:     testLevel,
			RunTime:   runTime,
			ValidTime: validTime,
			NX:        testGrid.NX,
			NY:        testGrid.NY,
			Values:    cells,
		}, grid.Packing{DecScale: 2}))
	}
	return buf.Bytes()
}

func defaultValues() map[string]float64 {
	return map[string]float64{"TMP": 283.25, "RH": 55, "UGRD": 3, "VGRD": 4}
}

func fileRef(fileID string) domain.FileRef {
	return domain.FileRef{SourceID: 1, RunTime: runTime, FileID: fileID, URL: "http://example.test/" + fileID}
}

func TestSweepIngestsFile(t *testing.T) {
	h := newHarness(t)
	h.fetcher.files["f03"] = encodeFile(t, defaultValues())
	h.lister.add(fileRef("f03"))

	orch := h.orchestrator(pipeline.Options{})
	reports, err := orch.Sweep(t.Context())
	require.NoError(t, err)
	require.Len(t, reports, 1)

	report := reports[0]
	assert.Equal(t, domain.StatusStored, report.Status)
	assert.NotEmpty(t, report.JobID)
	assert.Equal(t, 1, report.Attempts)
	require.Len(t, report.Fields, 3)
	for _, f := range report.Fields {
		assert.NoError(t, f.Err, "field %s", f.ShortName)
		assert.Equal(t, 1, f.Points, "field %s stores one covered location", f.ShortName)
	}

	// Boulder got values; Honolulu is outside the grid and got none.
	points, err := h.store.Query(t.Context(), 100, nil, validTime, validTime.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, points, 3)
	byField := map[int]float64{}
	for _, p := range points {
		byField[p.SourceFieldID] = p.Value
		assert.Equal(t, runTime, p.RunTime)
	}
	assert.InDelta(t, 283.25, byField[10], 0.005)
	assert.InDelta(t, 55, byField[11], 0.005)
	assert.InDelta(t, 5, byField[12], 0.01) // sqrt(3^2+4^2)

	none, err := h.store.Query(t.Context(), 101, nil, validTime, validTime.Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, none)

	done, err := h.ledger.Completed(t.Context(), fileRef("f03"))
	require.NoError(t, err)
	assert.True(t, done)

	published := h.reporter.all()
	require.Len(t, published, 1)
	assert.Equal(t, domain.StatusStored, published[0].Status)
}

func TestSweepSkipsCompletedFiles(t *testing.T) {
	h := newHarness(t)
	h.fetcher.files["f03"] = encodeFile(t, defaultValues())
	h.lister.add(fileRef("f03"))

	orch := h.orchestrator(pipeline.Options{})
	_, err := orch.Sweep(t.Context())
	require.NoError(t, err)
	require.Equal(t, 1, h.fetcher.fetchCount())

	reports, err := orch.Sweep(t.Context())
	require.NoError(t, err)
	assert.Empty(t, reports)
	assert.Equal(t, 1, h.fetcher.fetchCount(), "completed file must not be fetched again")
}

func TestFetchRetriesThenSucceeds(t *testing.T) {
	h := newHarness(t)
	h.fetcher.files["f03"] = encodeFile(t, defaultValues())
	h.fetcher.failures["f03"] = 2
	h.lister.add(fileRef("f03"))

	orch := h.orchestrator(pipeline.Options{
		MaxAttempts: 3,
		BackoffBase: 200 * time.Millisecond,
		BackoffMax:  5 * time.Second,
	})

	type result struct {
		reports []domain.FileReport
		err     error
	}
	done := make(chan result, 1)
	go func() {
		reports, err := orch.Sweep(context.Background())
		done <- result{reports, err}
	}()

	// Two failures mean two backoff sleeps: 200ms then 400ms.
	h.clock.BlockUntil(1)
	h.clock.Advance(200 * time.Millisecond)
	h.clock.BlockUntil(1)
	h.clock.Advance(400 * time.Millisecond)

	res := <-done
	require.NoError(t, res.err)
	require.Len(t, res.reports, 1)
	assert.Equal(t, domain.StatusStored, res.reports[0].Status)
	assert.Equal(t, 3, res.reports[0].Attempts)
	assert.Equal(t, 3, h.fetcher.fetchCount())
}

func TestFetchFailsAfterRetryBudget(t *testing.T) {
	h := newHarness(t)
	h.fetcher.failures["f03"] = 100
	h.lister.add(fileRef("f03"))

	orch := h.orchestrator(pipeline.Options{
		MaxAttempts: 2,
		BackoffBase: 200 * time.Millisecond,
	})

	done := make(chan []domain.FileReport, 1)
	go func() {
		reports, _ := orch.Sweep(context.Background())
		done <- reports
	}()

	h.clock.BlockUntil(1)
	h.clock.Advance(200 * time.Millisecond)

	reports := <-done
	require.Len(t, reports, 1)
	assert.Equal(t, domain.StatusFailed, reports[0].Status)
	assert.Equal(t, 2, reports[0].Attempts)
	assert.Equal(t, 2, h.fetcher.fetchCount())

	failures, err := h.ledger.Failures(t.Context())
	require.NoError(t, err)
	require.Len(t, failures, 1)
	assert.Equal(t, "f03", failures[0].FileID)

	published := h.reporter.all()
	require.Len(t, published, 1)
	assert.Equal(t, domain.StatusFailed, published[0].Status)
}

func TestFieldFailureIsIsolated(t *testing.T) {
	h := newHarness(t)
	// The humidity band is absent; temperature and wind must still store.
	h.fetcher.files["f03"] = encodeFile(t, defaultValues(), "RH")
	h.lister.add(fileRef("f03"))

	orch := h.orchestrator(pipeline.Options{})
	reports, err := orch.Sweep(t.Context())
	require.NoError(t, err)
	require.Len(t, reports, 1)

	report := reports[0]
	assert.Equal(t, domain.StatusStored, report.Status)

	failed := report.Failed()
	require.Len(t, failed, 1)
	assert.Equal(t, "RH", failed[0].ShortName)
	var de *domain.DecodeError
	require.ErrorAs(t, failed[0].Err, &de)

	points, err := h.store.Query(t.Context(), 100, nil, validTime, validTime.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, points, 2)
	for _, p := range points {
		assert.NotEqual(t, 11, p.SourceFieldID, "humidity must not have stored")
	}
}

func TestMissingWindComponentFailsOnlyDerivedField(t *testing.T) {
	h := newHarness(t)
	h.fetcher.files["f03"] = encodeFile(t, defaultValues(), "VGRD")
	h.lister.add(fileRef("f03"))

	orch := h.orchestrator(pipeline.Options{})
	reports, err := orch.Sweep(t.Context())
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.Equal(t, domain.StatusStored, reports[0].Status)

	failed := reports[0].Failed()
	require.Len(t, failed, 1)
	assert.Equal(t, "WIND", failed[0].ShortName)
}

func TestAllFieldsFailedFailsFile(t *testing.T) {
	h := newHarness(t)
	// Framing is valid but no band matches any registered field.
	var buf bytes.Buffer
	cells := make([]float64, testGrid.NX*testGrid.NY)
	require.NoError(t, grid.EncodeBand(&buf, grid.Band{
		ShortName: "DPT",
		Level:     testLevel,
		RunTime:   runTime,
		ValidTime: validTime,
		NX:        testGrid.NX,
		NY:        testGrid.NY,
		Values:    cells,
	}, grid.Packing{DecScale: 2}))
	h.fetcher.files["f03"] = buf.Bytes()
	h.lister.add(fileRef("f03"))

	orch := h.orchestrator(pipeline.Options{})
	reports, err := orch.Sweep(t.Context())
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.Equal(t, domain.StatusFailed, reports[0].Status)

	done, err := h.ledger.Completed(t.Context(), fileRef("f03"))
	require.NoError(t, err)
	assert.False(t, done, "a failed file stays eligible for re-attempt")
}

func TestReingestIdenticalValuesIsNoOp(t *testing.T) {
	h := newHarness(t)
	h.fetcher.files["f03"] = encodeFile(t, defaultValues())
	h.lister.add(fileRef("f03"))

	orch := h.orchestrator(pipeline.Options{})
	_, err := orch.Sweep(t.Context())
	require.NoError(t, err)

	// The same run and valid time arrive again under a new file ID.
	h.fetcher.files["f03b"] = encodeFile(t, defaultValues())
	h.lister.add(fileRef("f03b"))

	reports, err := orch.Sweep(t.Context())
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.Equal(t, domain.StatusStored, reports[0].Status)
	assert.Empty(t, reports[0].Failed())

	points, err := h.store.Query(t.Context(), 100, nil, validTime, validTime.Add(time.Hour))
	require.NoError(t, err)
	assert.Len(t, points, 3, "identical re-puts do not duplicate")
}

func TestConflictingReingestFailsField(t *testing.T) {
	h := newHarness(t)
	h.fetcher.files["f03"] = encodeFile(t, defaultValues())
	h.lister.add(fileRef("f03"))

	orch := h.orchestrator(pipeline.Options{})
	_, err := orch.Sweep(t.Context())
	require.NoError(t, err)

	// Same key, different temperature. Humidity and wind are unchanged.
	altered := defaultValues()
	altered["TMP"] = 290
	h.fetcher.files["f03b"] = encodeFile(t, altered)
	h.lister.add(fileRef("f03b"))

	reports, err := orch.Sweep(t.Context())
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.Equal(t, domain.StatusStored, reports[0].Status)

	failed := reports[0].Failed()
	require.Len(t, failed, 1)
	assert.Equal(t, "TMP", failed[0].ShortName)
	var conflict *domain.ConflictError
	require.ErrorAs(t, failed[0].Err, &conflict)

	// The original value wins.
	points, err := h.store.Query(t.Context(), 100, []int{10}, validTime, validTime.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, points, 1)
	assert.InDelta(t, 283.25, points[0].Value, 0.005)
}

// gatedStore blocks every write until release is closed, pinning files in
// the decode stage.
type gatedStore struct {
	*store.MemoryStore
	release chan struct{}
}

func (g *gatedStore) Put(ctx context.Context, dp domain.DataPoint) error {
	select {
	case <-g.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	return g.MemoryStore.Put(ctx, dp)
}

func (g *gatedStore) PutBatch(ctx context.Context, dps []domain.DataPoint) error {
	select {
	case <-g.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	return g.MemoryStore.PutBatch(ctx, dps)
}

func TestDownloadsBoundedByDecodeBackpressure(t *testing.T) {
	h := newHarness(t)
	gated := &gatedStore{MemoryStore: h.store, release: make(chan struct{})}
	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("g%02d", i)
		h.fetcher.files[id] = encodeFile(t, defaultValues())
		h.lister.add(fileRef(id))
	}

	orch := pipeline.New(
		h.registry, h.resolver, gated, h.ledger,
		h.lister, h.fetcher, h.reporter,
		discardLogger(), observability.NewMetricsForTesting(), h.clock,
		pipeline.Options{DownloadWorkers: 2, DecodeWorkers: 1},
	)

	done := make(chan []domain.FileReport, 1)
	go func() {
		reports, _ := orch.Sweep(context.Background())
		done <- reports
	}()

	// One file is decoding and two more hold download slots while waiting
	// for the decode slot, so no further downloads may start.
	require.Eventually(t, func() bool { return h.fetcher.fetchCount() == 3 },
		5*time.Second, 10*time.Millisecond)
	assert.Never(t, func() bool { return h.fetcher.fetchCount() > 3 },
		200*time.Millisecond, 10*time.Millisecond)

	close(gated.release)
	reports := <-done
	require.Len(t, reports, 5)
	for _, r := range reports {
		assert.Equal(t, domain.StatusStored, r.Status)
	}
	assert.Equal(t, 5, h.fetcher.fetchCount())
	assert.Equal(t, 3, h.store.Len(), "identical files re-put the same points")
}

func TestRunPrunesExpiredData(t *testing.T) {
	h := newHarness(t)
	h.fetcher.files["f03"] = encodeFile(t, defaultValues())
	h.lister.add(fileRef("f03"))

	oldRun := runTime.Add(-48 * time.Hour)
	require.NoError(t, h.store.Put(t.Context(), domain.DataPoint{
		SourceFieldID: 10, LocationID: 100,
		RunTime: oldRun, ValidTime: oldRun.Add(time.Hour), Value: 280,
	}))
	require.NoError(t, h.ledger.Record(t.Context(), domain.LedgerEntry{
		SourceID: 1, RunTime: oldRun, FileID: "old01",
		Status: domain.StatusStored, Timestamp: oldRun,
	}))

	orch := h.orchestrator(pipeline.Options{
		PollInterval: time.Minute,
		Retention:    24 * time.Hour,
	})

	ctx, cancel := context.WithCancel(t.Context())
	errCh := make(chan error, 1)
	go func() { errCh <- orch.Run(ctx) }()

	require.Eventually(t, func() bool {
		pts, err := h.store.Query(ctx, 100, []int{10}, oldRun, oldRun.Add(2*time.Hour))
		return err == nil && len(pts) == 0
	}, 5*time.Second, 10*time.Millisecond)

	// The fresh sweep's points survive the prune.
	pts, err := h.store.Query(ctx, 100, nil, validTime, validTime.Add(time.Hour))
	require.NoError(t, err)
	assert.Len(t, pts, 3)

	done, err := h.ledger.Completed(ctx, domain.FileRef{SourceID: 1, RunTime: oldRun, FileID: "old01"})
	require.NoError(t, err)
	assert.False(t, done, "pruned ledger entries no longer mark the file complete")

	cancel()
	require.NoError(t, <-errCh)
}

func TestRunReportsReadyAfterFirstSweep(t *testing.T) {
	h := newHarness(t)
	h.fetcher.files["f03"] = encodeFile(t, defaultValues())
	h.lister.add(fileRef("f03"))

	orch := h.orchestrator(pipeline.Options{PollInterval: time.Minute})
	require.Error(t, orch.CheckReadiness(t.Context()))

	ctx, cancel := context.WithCancel(t.Context())
	errCh := make(chan error, 1)
	go func() { errCh <- orch.Run(ctx) }()

	require.Eventually(t, func() bool {
		return orch.CheckReadiness(ctx) == nil
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-errCh)
}
