package domain

import (
	"errors"
	"fmt"
	"time"
)

// DownloadError wraps a transient fetch failure. Retryable.
type DownloadError struct {
	File FileRef
	Err  error
}

func (e *DownloadError) Error() string {
	return fmt.Sprintf("download %s: %v", e.File, e.Err)
}

func (e *DownloadError) Unwrap() error { return e.Err }

// DecodeError marks a malformed or truncated grid message. Not retryable
// without a new file; isolatable per field.
type DecodeError struct {
	FileID string
	Field  string
	Reason string
}

func (e *DecodeError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("decode %s field %s: %s", e.FileID, e.Field, e.Reason)
	}
	return fmt.Sprintf("decode %s: %s", e.FileID, e.Reason)
}

// UnsupportedTransformError marks a source field whose transform descriptor
// is unrecognized. A configuration error: fatal for that field, does not
// block others.
type UnsupportedTransformError struct {
	Name string
}

func (e *UnsupportedTransformError) Error() string {
	return fmt.Sprintf("unsupported transform %q", e.Name)
}

// ConflictError is a data-integrity violation: a put for an existing key
// with a different value. Surfaced, never resolved by overwrite.
type ConflictError struct {
	Key      DataPointKey
	Existing float64
	Incoming float64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflicting value for field=%d loc=%d run=%s valid=%s: stored %g, got %g",
		e.Key.SourceFieldID, e.Key.LocationID,
		time.Unix(e.Key.RunTime, 0).UTC().Format(time.RFC3339),
		time.Unix(e.Key.ValidTime, 0).UTC().Format(time.RFC3339),
		e.Existing, e.Incoming)
}

// NoCoverageError means a query location falls outside a source's grid
// extent. Query-time and per-source: other sources still answer.
type NoCoverageError struct {
	SourceID int
	Lat      float64
	Lon      float64
}

func (e *NoCoverageError) Error() string {
	return fmt.Sprintf("source %d has no coverage at (%.4f, %.4f)", e.SourceID, e.Lat, e.Lon)
}

// DuplicateSourceError is returned when registering a source ID that exists.
type DuplicateSourceError struct {
	SourceID int
}

func (e *DuplicateSourceError) Error() string {
	return fmt.Sprintf("source %d already registered", e.SourceID)
}

// ErrNotFound is returned by lookups for unknown IDs.
var ErrNotFound = errors.New("not found")

// IsRetryable reports whether err is transient and worth another attempt
// within the retry budget. Only downloads are retryable; decode and
// transform failures need a new file or a config change.
func IsRetryable(err error) bool {
	var de *DownloadError
	return errors.As(err, &de)
}
