// Package upstream fetches forecast files from model output mirrors.
//
// Each source exposes an index endpoint (Source.SrcURL) returning the runs
// currently available as JSON, plus direct URLs for the packed grid files.
// The client implements pipeline.Lister and pipeline.Fetcher.
package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"gridpoint/internal/domain"
)

// maxFileBytes caps a single download at 256 MiB.
const maxFileBytes = 256 << 20

// Client lists and downloads forecast files over HTTP.
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates an upstream client. The timeout bounds a single request;
// retry policy belongs to the orchestrator, not the transport.
func NewClient(timeout time.Duration, logger *slog.Logger) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// indexEntry is one available file in a source's index response.
type indexEntry struct {
	RunTime time.Time `json:"run_time"`
	FileID  string    `json:"file_id"`
	URL     string    `json:"url"`
}

// ListRuns fetches the source's index and returns refs for every listed file.
func (c *Client) ListRuns(ctx context.Context, src domain.Source) ([]domain.FileRef, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.SrcURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create index request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list runs for %s: %w", src.Name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("index for %s: status %d: %s", src.Name, resp.StatusCode, body)
	}

	var entries []indexEntry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return nil, fmt.Errorf("decode index for %s: %w", src.Name, err)
	}

	refs := make([]domain.FileRef, 0, len(entries))
	for _, e := range entries {
		if e.FileID == "" || e.URL == "" {
			c.logger.Warn("skipping malformed index entry", "source", src.Name, "run_time", e.RunTime)
			continue
		}
		refs = append(refs, domain.FileRef{
			SourceID: src.ID,
			RunTime:  e.RunTime.UTC(),
			FileID:   e.FileID,
			URL:      e.URL,
		})
	}
	return refs, nil
}

// Fetch downloads one file. Errors here are treated as transient by the
// orchestrator and retried within its backoff budget.
func (c *Client) Fetch(ctx context.Context, ref domain.FileRef) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("create fetch request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", ref.FileID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: status %d", ref.FileID, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxFileBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", ref.FileID, err)
	}
	if len(data) > maxFileBytes {
		return nil, fmt.Errorf("fetch %s: file exceeds %d bytes", ref.FileID, maxFileBytes)
	}
	return data, nil
}
