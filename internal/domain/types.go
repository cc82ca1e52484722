package domain

import (
	"fmt"
	"time"
)

// Source is a model that produces gridded forecast output, e.g. HRRR or GFS.
// Immutable after registration.
type Source struct {
	ID            int           `json:"id" db:"id"`
	Name          string        `json:"name" db:"name"`
	SrcURL        string        `json:"src_url" db:"src_url"`
	GridName      string        `json:"grid_name" db:"grid_name"`
	UpdateCadence time.Duration `json:"update_cadence" db:"update_cadence"`
}

// Metric is a canonical, source-independent quantity such as temperature.
type Metric struct {
	ID    int    `json:"id" db:"id"`
	Name  string `json:"name" db:"name"`
	Units string `json:"units" db:"units"`
}

// SourceField is one raw variable from one source, before normalization.
// ShortName and Level identify the band inside a grid file, e.g.
// TMP @ "2 m above ground".
type SourceField struct {
	ID        int           `json:"id" db:"id"`
	SourceID  int           `json:"source_id" db:"source_id"`
	MetricID  int           `json:"metric_id" db:"metric_id"`
	ShortName string        `json:"short_name" db:"short_name"`
	Level     string        `json:"level" db:"level"`
	RawUnits  string        `json:"raw_units" db:"raw_units"`
	Transform TransformSpec `json:"transform"`
}

// Location is a named point we resolve forecasts for. Seeded from a ZIP
// code gazetteer; Zip is empty for ad-hoc coordinate locations.
type Location struct {
	ID   int     `json:"id" db:"id"`
	Name string  `json:"name" db:"name"`
	Zip  string  `json:"zip,omitempty" db:"zip"`
	Lat  float64 `json:"lat" db:"lat"`
	Lon  float64 `json:"lon" db:"lon"`
}

// Run identifies one model execution.
type Run struct {
	SourceID int       `json:"source_id"`
	RunTime  time.Time `json:"run_time"`
}

// DataPoint is one normalized value for one location at one valid time,
// from one run of one source field. The full key is
// (SourceFieldID, RunTime, ValidTime, LocationID).
type DataPoint struct {
	SourceFieldID int       `json:"src_field_id" db:"source_field_id"`
	LocationID    int       `json:"location_id" db:"location_id"`
	RunTime       time.Time `json:"run_time" db:"run_time"`
	ValidTime     time.Time `json:"valid_time" db:"valid_time"`
	Value         float64   `json:"value" db:"value"`
}

// Key returns the unique identity of the data point, excluding the value.
func (d DataPoint) Key() DataPointKey {
	return DataPointKey{
		SourceFieldID: d.SourceFieldID,
		LocationID:    d.LocationID,
		RunTime:       d.RunTime.UTC().Unix(),
		ValidTime:     d.ValidTime.UTC().Unix(),
	}
}

// DataPointKey is the comparable identity of a data point. Times are held
// as Unix seconds so the key is usable as a map key regardless of the
// time.Time location or monotonic reading.
type DataPointKey struct {
	SourceFieldID int
	LocationID    int
	RunTime       int64
	ValidTime     int64
}

// FileRef identifies one downloadable forecast file of one run.
type FileRef struct {
	SourceID int       `json:"source_id"`
	RunTime  time.Time `json:"run_time"`
	FileID   string    `json:"file_id"`
	URL      string    `json:"url"`
}

// String renders the ref for logs and ledger rows, e.g. "hrrr 2026-08-27T12Z f03".
func (f FileRef) String() string {
	return fmt.Sprintf("source=%d run=%s file=%s", f.SourceID, f.RunTime.UTC().Format(time.RFC3339), f.FileID)
}

// IngestStatus is the per-file state machine position recorded in the ledger.
type IngestStatus string

const (
	StatusPending     IngestStatus = "pending"
	StatusDownloading IngestStatus = "downloading"
	StatusDecoding    IngestStatus = "decoding"
	StatusNormalizing IngestStatus = "normalizing"
	StatusStored      IngestStatus = "stored"
	StatusFailed      IngestStatus = "failed"
)

// LedgerEntry is one append-only record of ingest progress for a file.
type LedgerEntry struct {
	SourceID  int          `json:"source_id" db:"source_id"`
	RunTime   time.Time    `json:"run_time" db:"run_time"`
	FileID    string       `json:"file_id" db:"file_id"`
	Status    IngestStatus `json:"status" db:"status"`
	Reason    string       `json:"reason,omitempty" db:"reason"`
	Timestamp time.Time    `json:"timestamp" db:"timestamp"`
}

// FieldResult reports the outcome of ingesting a single field of a file.
type FieldResult struct {
	SourceFieldID int    `json:"src_field_id"`
	ShortName     string `json:"short_name"`
	Points        int    `json:"points"`
	Err           error  `json:"-"`
	Error         string `json:"error,omitempty"`
}

// FileReport aggregates per-field outcomes for one ingested file. A file with
// at least one stored field and at least one failed field is still Stored;
// the failures are carried in Fields for reporting.
type FileReport struct {
	JobID    string        `json:"job_id"`
	File     FileRef       `json:"file"`
	Status   IngestStatus  `json:"status"`
	Fields   []FieldResult `json:"fields"`
	Attempts int           `json:"attempts"`
	Elapsed  time.Duration `json:"elapsed"`
}

// Failed returns the field results that did not store.
func (r FileReport) Failed() []FieldResult {
	var out []FieldResult
	for _, f := range r.Fields {
		if f.Err != nil || f.Error != "" {
			out = append(out, f)
		}
	}
	return out
}
