// Package blobstore adapts component B: attachment bytes (PDFs, defect
// photos) are uploaded to a GCS bucket and referenced from refund_cases
// only by key, never stored inline. No Google Cloud Storage Go SDK
// appears anywhere in the example pack (see DESIGN.md); this follows the
// teacher's own style for third-party HTTP APIs — a hand-rolled
// net/http client against the documented JSON REST API — rather than
// pulling in an unverified SDK dependency, authenticated with the same
// golang.org/x/oauth2/google token source used by the mail ingress
// adapter.
package blobstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"golang.org/x/oauth2"
)

const gcsUploadBaseURL = "https://storage.googleapis.com/upload/storage/v1/b"
const gcsDownloadBaseURL = "https://storage.googleapis.com/storage/v1/b"

type Store struct {
	bucket      string
	tokenSource oauth2.TokenSource
	client      *http.Client
}

func New(bucket string, tokenSource oauth2.TokenSource) *Store {
	return &Store{
		bucket:      bucket,
		tokenSource: tokenSource,
		client:      &http.Client{},
	}
}

// Put uploads content under key and returns the blob key it was stored
// under (the caller's key, unchanged — kept as a return value so callers
// can treat Put like an idempotent write-then-confirm).
func (s *Store) Put(ctx context.Context, key string, contentType string, content []byte) (string, error) {
	u := fmt.Sprintf("%s/%s/o?uploadType=media&name=%s", gcsUploadBaseURL, s.bucket, url.QueryEscape(key))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(content))
	if err != nil {
		return "", fmt.Errorf("blobstore: build upload request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	if err := s.authorize(ctx, req); err != nil {
		return "", err
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("blobstore: upload failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("blobstore: upload returned status %d: %s", resp.StatusCode, string(body))
	}
	return key, nil
}

// Get downloads the object stored under key.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	u := fmt.Sprintf("%s/%s/o/%s?alt=media", gcsDownloadBaseURL, s.bucket, url.QueryEscape(key))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("blobstore: build download request: %w", err)
	}
	if err := s.authorize(ctx, req); err != nil {
		return nil, err
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("blobstore: download failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("blobstore: download returned status %d: %s", resp.StatusCode, string(body))
	}
	return io.ReadAll(resp.Body)
}

func (s *Store) authorize(ctx context.Context, req *http.Request) error {
	tok, err := s.tokenSource.Token()
	if err != nil {
		return fmt.Errorf("blobstore: obtain token: %w", err)
	}
	tok.SetAuthHeader(req)
	return nil
}
