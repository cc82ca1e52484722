package upstream_test

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gridpoint/internal/adapter/upstream"
	"gridpoint/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestListRuns(t *testing.T) {
	const index = `[
	  {"run_time": "2026-08-27T12:00:00Z", "file_id": "hrrr_f00", "url": "http://files.test/hrrr_f00"},
	  {"run_time": "2026-08-27T12:00:00Z", "file_id": "hrrr_f01", "url": "http://files.test/hrrr_f01"},
	  {"run_time": "2026-08-27T12:00:00Z", "file_id": "", "url": "http://files.test/broken"},
	  {"run_time": "2026-08-27T12:00:00Z", "file_id": "hrrr_f02", "url": ""}
	]`

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(index))
	}))
	defer ts.Close()

	c := upstream.NewClient(5*time.Second, discardLogger())
	refs, err := c.ListRuns(t.Context(), domain.Source{ID: 7, Name: "hrrr", SrcURL: ts.URL})
	require.NoError(t, err)

	// Malformed entries are skipped, not fatal.
	require.Len(t, refs, 2)
	assert.Equal(t, 7, refs[0].SourceID)
	assert.Equal(t, "hrrr_f00", refs[0].FileID)
	assert.Equal(t, time.Date(2026, time.August, 27, 12, 0, 0, 0, time.UTC), refs[0].RunTime)
	assert.Equal(t, "hrrr_f01", refs[1].FileID)
}

func TestListRunsErrors(t *testing.T) {
	t.Run("http error status", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "down for maintenance", http.StatusServiceUnavailable)
		}))
		defer ts.Close()

		c := upstream.NewClient(5*time.Second, discardLogger())
		_, err := c.ListRuns(t.Context(), domain.Source{Name: "hrrr", SrcURL: ts.URL})
		assert.Error(t, err)
	})

	t.Run("bad json", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("<html>"))
		}))
		defer ts.Close()

		c := upstream.NewClient(5*time.Second, discardLogger())
		_, err := c.ListRuns(t.Context(), domain.Source{Name: "hrrr", SrcURL: ts.URL})
		assert.Error(t, err)
	})
}

func TestFetch(t *testing.T) {
	payload := []byte("GPKB-payload-bytes")
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/hrrr_f00" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(payload)
	}))
	defer ts.Close()

	c := upstream.NewClient(5*time.Second, discardLogger())

	data, err := c.Fetch(t.Context(), domain.FileRef{FileID: "hrrr_f00", URL: ts.URL + "/hrrr_f00"})
	require.NoError(t, err)
	assert.Equal(t, payload, data)

	_, err = c.Fetch(t.Context(), domain.FileRef{FileID: "missing", URL: ts.URL + "/missing"})
	assert.Error(t, err)
}
