// Package pipeline orchestrates ingest: download, decode, normalize, store.
//
// Each (source, run, file) unit moves through a per-file state machine
// recorded in the ledger: pending → downloading → decoding → normalizing →
// stored, or failed with a reason. Downloads and decodes run in separate
// bounded worker pools so slow network I/O never starves the CPU-bound
// decode stage, and the number of in-flight grid files is capped in both
// stages independently.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"gridpoint/internal/domain"
	"gridpoint/internal/grid"
	"gridpoint/internal/observability"
	"gridpoint/internal/store"
)

// Lister enumerates downloadable files for a source.
type Lister interface {
	ListRuns(ctx context.Context, src domain.Source) ([]domain.FileRef, error)
}

// Fetcher downloads one file.
type Fetcher interface {
	Fetch(ctx context.Context, ref domain.FileRef) ([]byte, error)
}

// Reporter publishes file reports after ingest. Optional.
type Reporter interface {
	Publish(ctx context.Context, report domain.FileReport) error
}

// Options bound the orchestrator's retry and concurrency behavior.
type Options struct {
	MaxAttempts     int           // download attempts before failed
	BackoffBase     time.Duration // first retry delay, doubled per retry
	BackoffMax      time.Duration // retry delay cap
	PollInterval    time.Duration // time between sweeps in Run
	DownloadWorkers int           // concurrent downloads
	DecodeWorkers   int           // concurrent decode+normalize+store units
	Retention       time.Duration // prune data older than this after each sweep; 0 disables
}

// withDefaults fills zero fields with production defaults.
func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = 200 * time.Millisecond
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = 5 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Minute
	}
	if o.DownloadWorkers <= 0 {
		o.DownloadWorkers = 4
	}
	if o.DecodeWorkers <= 0 {
		o.DecodeWorkers = 2
	}
	return o
}

// Orchestrator coordinates ingest for all registered sources.
type Orchestrator struct {
	registry *domain.Registry
	resolver *grid.Resolver
	store    store.Store
	ledger   store.Ledger
	lister   Lister
	fetcher  Fetcher
	reporter Reporter
	logger   *slog.Logger
	metrics  *observability.Metrics
	clock    clockwork.Clock
	opts     Options
	ready    atomic.Bool
}

// New creates an Orchestrator. reporter may be nil to disable report
// publishing; clock may be nil for real time.
func New(
	registry *domain.Registry,
	resolver *grid.Resolver,
	st store.Store,
	ledger store.Ledger,
	lister Lister,
	fetcher Fetcher,
	reporter Reporter,
	logger *slog.Logger,
	metrics *observability.Metrics,
	clock clockwork.Clock,
	opts Options,
) *Orchestrator {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Orchestrator{
		registry: registry,
		resolver: resolver,
		store:    st,
		ledger:   ledger,
		lister:   lister,
		fetcher:  fetcher,
		reporter: reporter,
		logger:   logger,
		metrics:  metrics,
		clock:    clock,
		opts:     opts.withDefaults(),
	}
}

// CheckReadiness returns nil once at least one sweep has completed.
func (o *Orchestrator) CheckReadiness(_ context.Context) error {
	if !o.ready.Load() {
		return errors.New("ingest has not completed a sweep yet")
	}
	return nil
}

// Run sweeps all sources on the poll interval until the context is cancelled.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.logger.Info("ingest orchestrator started",
		"poll_interval", o.opts.PollInterval,
		"download_workers", o.opts.DownloadWorkers,
		"decode_workers", o.opts.DecodeWorkers,
	)
	o.metrics.IngestRunning.Set(1)
	defer o.metrics.IngestRunning.Set(0)

	ticker := o.clock.NewTicker(o.opts.PollInterval)
	defer ticker.Stop()

	for {
		if _, err := o.Sweep(ctx); err != nil && ctx.Err() == nil {
			o.logger.Error("sweep failed", "error", err)
		}
		o.ready.Store(true)
		o.pruneExpired(ctx)

		select {
		case <-ctx.Done():
			o.logger.Info("ingest orchestrator stopping", "reason", ctx.Err())
			return nil
		case <-ticker.Chan():
		}
	}
}

// Sweep lists available files for every source and ingests the ones the
// ledger has not completed. Files are processed concurrently within the
// configured download and decode bounds; the returned reports cover every
// file that was attempted this sweep.
func (o *Orchestrator) Sweep(ctx context.Context) ([]domain.FileReport, error) {
	var pending []ingestUnit
	for _, src := range o.registry.Sources() {
		refs, err := o.lister.ListRuns(ctx, src)
		if err != nil {
			o.logger.Warn("list runs failed", "source", src.Name, "error", err)
			continue
		}
		for _, ref := range refs {
			done, err := o.ledger.Completed(ctx, ref)
			if err != nil {
				return nil, fmt.Errorf("ledger lookup: %w", err)
			}
			if done {
				o.metrics.FilesIngested.WithLabelValues("skipped").Inc()
				continue
			}
			pending = append(pending, ingestUnit{src: src, ref: ref})
		}
	}
	if len(pending) == 0 {
		return nil, ctx.Err()
	}

	downloadSlots := make(chan struct{}, o.opts.DownloadWorkers)
	decodeSlots := make(chan struct{}, o.opts.DecodeWorkers)

	reports := make([]domain.FileReport, len(pending))
	var wg sync.WaitGroup
	for i, unit := range pending {
		wg.Add(1)
		go func(i int, unit ingestUnit) {
			defer wg.Done()
			reports[i] = o.ingestFile(ctx, unit, downloadSlots, decodeSlots)
		}(i, unit)
	}
	wg.Wait()

	return reports, ctx.Err()
}

type ingestUnit struct {
	src domain.Source
	ref domain.FileRef
}

// ingestFile drives one file through the state machine. Cancellation
// between states leaves the ledger showing the last started state; only a
// fully stored file is ever marked stored.
func (o *Orchestrator) ingestFile(ctx context.Context, unit ingestUnit, downloadSlots, decodeSlots chan struct{}) domain.FileReport {
	start := o.clock.Now()
	report := domain.FileReport{
		JobID: uuid.NewString(),
		File:  unit.ref,
	}

	fail := func(reason string) domain.FileReport {
		report.Status = domain.StatusFailed
		report.Elapsed = o.clock.Since(start)
		o.record(ctx, unit.ref, domain.StatusFailed, reason)
		o.metrics.FilesIngested.WithLabelValues("failed").Inc()
		o.logger.Warn("file ingest failed", "job_id", report.JobID, "file", unit.ref.String(), "reason", reason)
		o.publish(ctx, report)
		return report
	}

	// Download stage.
	select {
	case downloadSlots <- struct{}{}:
	case <-ctx.Done():
		return fail(ctx.Err().Error())
	}
	o.metrics.InFlightDownloads.Inc()
	o.record(ctx, unit.ref, domain.StatusDownloading, "")
	data, attempts, err := o.fetchWithRetry(ctx, unit.ref)
	o.metrics.InFlightDownloads.Dec()
	report.Attempts = attempts
	if err != nil {
		<-downloadSlots
		return fail(err.Error())
	}

	// Decode + normalize + store stage. The download slot is held until a
	// decode slot is acquired, so the number of downloaded files waiting in
	// memory never exceeds the sum of the two worker bounds.
	select {
	case decodeSlots <- struct{}{}:
	case <-ctx.Done():
		<-downloadSlots
		return fail(ctx.Err().Error())
	}
	<-downloadSlots
	o.metrics.InFlightDecodes.Inc()
	defer func() {
		o.metrics.InFlightDecodes.Dec()
		<-decodeSlots
	}()

	o.record(ctx, unit.ref, domain.StatusDecoding, "")
	decodeStart := o.clock.Now()
	bands, bandErrs, err := grid.DecodeFile(unit.ref.FileID, data)
	o.metrics.DecodeDuration.Observe(o.clock.Since(decodeStart).Seconds())
	if err != nil && len(bands) == 0 {
		return fail(err.Error())
	}
	if err != nil {
		// Framing broke partway; everything decoded before the break is
		// still usable.
		o.logger.Warn("file partially decoded", "file", unit.ref.String(), "error", err)
	}

	o.record(ctx, unit.ref, domain.StatusNormalizing, "")
	report.Fields = o.processFields(ctx, unit.src, unit.ref, bands, bandErrs)

	stored := 0
	for _, f := range report.Fields {
		if f.Err == nil && f.Error == "" {
			stored++
		}
	}
	if stored == 0 {
		return fail("no fields stored")
	}

	report.Status = domain.StatusStored
	report.Elapsed = o.clock.Since(start)
	o.record(ctx, unit.ref, domain.StatusStored, "")
	o.metrics.FilesIngested.WithLabelValues("stored").Inc()
	o.metrics.FileIngestDuration.Observe(report.Elapsed.Seconds())
	o.logger.Info("file ingested",
		"job_id", report.JobID,
		"file", unit.ref.String(),
		"fields_stored", stored,
		"fields_failed", len(report.Fields)-stored,
		"attempts", attempts,
	)
	o.publish(ctx, report)
	return report
}

// fetchWithRetry downloads with bounded exponential backoff. Every failure
// is transient by definition of the transport, so each one is retried until
// the attempt budget runs out.
func (o *Orchestrator) fetchWithRetry(ctx context.Context, ref domain.FileRef) ([]byte, int, error) {
	backoff := o.opts.BackoffBase
	var lastErr error
	for attempt := 1; attempt <= o.opts.MaxAttempts; attempt++ {
		data, err := o.fetcher.Fetch(ctx, ref)
		if err == nil {
			return data, attempt, nil
		}
		lastErr = &domain.DownloadError{File: ref, Err: err}
		if ctx.Err() != nil {
			return nil, attempt, lastErr
		}
		if attempt == o.opts.MaxAttempts {
			break
		}
		o.metrics.DownloadRetries.Inc()
		o.logger.Debug("download retry", "file", ref.String(), "attempt", attempt, "backoff", backoff, "error", err)
		if !o.sleep(ctx, backoff) {
			return nil, attempt, lastErr
		}
		backoff = nextBackoff(backoff, o.opts.BackoffMax)
	}
	return nil, o.opts.MaxAttempts, lastErr
}

// pruneExpired deletes data points and ledger entries older than the
// retention period. Prune failures are logged, not fatal; the next sweep
// tries again.
func (o *Orchestrator) pruneExpired(ctx context.Context) {
	if o.opts.Retention <= 0 {
		return
	}
	cutoff := o.clock.Now().Add(-o.opts.Retention).UTC()
	points, err := o.store.Prune(ctx, cutoff)
	if err != nil {
		o.logger.Error("data point prune failed", "error", err)
	}
	entries, err := o.ledger.Prune(ctx, cutoff)
	if err != nil {
		o.logger.Error("ledger prune failed", "error", err)
	}
	if points > 0 || entries > 0 {
		o.logger.Info("retention prune", "cutoff", cutoff, "points", points, "ledger_entries", entries)
	}
}

// record appends a ledger entry; ledger failures are logged, not fatal,
// except that a file is only considered complete once the stored entry has
// been written.
func (o *Orchestrator) record(ctx context.Context, ref domain.FileRef, status domain.IngestStatus, reason string) {
	err := o.ledger.Record(ctx, domain.LedgerEntry{
		SourceID:  ref.SourceID,
		RunTime:   ref.RunTime,
		FileID:    ref.FileID,
		Status:    status,
		Reason:    reason,
		Timestamp: o.clock.Now().UTC(),
	})
	if err != nil {
		o.logger.Error("ledger write failed", "file", ref.String(), "status", status, "error", err)
	}
}

func (o *Orchestrator) publish(ctx context.Context, report domain.FileReport) {
	if o.reporter == nil {
		return
	}
	for i := range report.Fields {
		if report.Fields[i].Err != nil {
			report.Fields[i].Error = report.Fields[i].Err.Error()
		}
	}
	if err := o.reporter.Publish(ctx, report); err != nil {
		o.logger.Warn("report publish failed", "job_id", report.JobID, "error", err)
	}
}

func (o *Orchestrator) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	timer := o.clock.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.Chan():
		return true
	}
}

func nextBackoff(current, max time.Duration) time.Duration {
	next := current * 2
	if next > max {
		return max
	}
	return next
}
