package objectstore

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Fetcher downloads a provider-hosted artifact.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) (data []byte, contentType string, err error)
}

// HTTPFetcher fetches artifacts over HTTP with a timeout and a size cap.
type HTTPFetcher struct {
	client   *http.Client
	maxBytes int64
}

// NewHTTPFetcher creates a fetcher. A nil client gets one with the given timeout.
func NewHTTPFetcher(client *http.Client, timeout time.Duration, maxBytes int64) *HTTPFetcher {
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}

	if maxBytes <= 0 {
		maxBytes = defaultMaxArtifactBytes
	}

	return &HTTPFetcher{client: client, maxBytes: maxBytes}
}

// Fetch implements Fetcher.
func (f *HTTPFetcher) Fetch(ctx context.Context, rawURL string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("%w: build request: %w", ErrFetchFailed, err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %w", ErrFetchFailed, err)
	}

	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, "", fmt.Errorf("%w: %w: %s", ErrFetchFailed, ErrNotFound, rawURL)
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, "", fmt.Errorf("%w: %w", ErrFetchFailed, ErrThrottled)
	case resp.StatusCode >= http.StatusInternalServerError:
		return nil, "", fmt.Errorf("%w: %w: status %d", ErrFetchFailed, ErrUnavailable, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, "", fmt.Errorf("%w: status %d", ErrFetchFailed, resp.StatusCode)
	}

	if resp.ContentLength > f.maxBytes {
		return nil, "", fmt.Errorf("%w: %d bytes", ErrArtifactTooLarge, resp.ContentLength)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("%w: read body: %w", ErrFetchFailed, err)
	}

	if int64(len(data)) > f.maxBytes {
		return nil, "", fmt.Errorf("%w: more than %d bytes", ErrArtifactTooLarge, f.maxBytes)
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}

	return data, contentType, nil
}
