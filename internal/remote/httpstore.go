package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sessionvault/sessionvault/internal/cryptobox"
)

// Internal retry policy: base 1s, factor 2x, max 60s, ±25% jitter,
// max 3 retries (4 attempts in all). Persistent failures are surfaced to the caller, whose
// durable queue owns the long-horizon retries.
const (
	maxRetries     = 3
	baseBackoff    = 1 * time.Second
	maxBackoff     = 60 * time.Second
	backoffFactor  = 2.0
	jitterFraction = 0.25
	userAgent      = "sessionvault/0.1"

	clearConcurrency = 4
)

// HTTPStore implements Store against a file-blob provider speaking a
// plain name-addressed HTTP API:
//
//	PUT    {base}/files/{name}       — overwrite blob
//	GET    {base}/files/{name}       — fetch blob (404 when absent)
//	DELETE {base}/files/{name}       — delete blob (404 tolerated)
//	GET    {base}/files?prefix=p     — list blobs
type HTTPStore struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger

	// sleepFunc waits between retries. Tests override it to avoid real
	// delays.
	sleepFunc func(ctx context.Context, d time.Duration) error
}

// NewHTTPStore creates a blob-store client.
func NewHTTPStore(baseURL string, httpClient *http.Client, logger *slog.Logger) *HTTPStore {
	if logger == nil {
		logger = slog.Default()
	}

	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &HTTPStore{
		baseURL:    baseURL,
		httpClient: httpClient,
		logger:     logger,
		sleepFunc:  timeSleep,
	}
}

// fileURL builds the blob URL for a name, escaping path segments.
func (s *HTTPStore) fileURL(name string) string {
	return s.baseURL + "/files/" + url.PathEscape(name)
}

// do executes one authenticated request with automatic retry on
// transient errors. On success the body bytes are returned; on failure a
// *StoreError wrapping a sentinel.
func (s *HTTPStore) do(ctx context.Context, method, rawURL, token string, body []byte) ([]byte, error) {
	var attempt int

	for {
		respBody, status, header, err := s.doOnce(ctx, method, rawURL, token, body)
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("remote: request canceled: %w", ctx.Err())
			}

			if attempt < maxRetries {
				backoff := s.calcBackoff(attempt)
				s.logger.Warn("retrying after network error",
					slog.String("method", method),
					slog.String("url", rawURL),
					slog.Int("attempt", attempt+1),
					slog.Duration("backoff", backoff),
					slog.String("error", err.Error()),
				)

				if sleepErr := s.sleepFunc(ctx, backoff); sleepErr != nil {
					return nil, fmt.Errorf("remote: request canceled: %w", sleepErr)
				}

				attempt++

				continue
			}

			return nil, fmt.Errorf("%w: %s %s after %d retries: %v", ErrTransient, method, rawURL, maxRetries, err)
		}

		if status >= http.StatusOK && status < http.StatusMultipleChoices {
			return respBody, nil
		}

		if isRetryable(status) && attempt < maxRetries {
			backoff := s.retryBackoff(status, header.Get("Retry-After"), attempt)
			s.logger.Warn("retrying after HTTP error",
				slog.String("method", method),
				slog.String("url", rawURL),
				slog.Int("status", status),
				slog.Int("attempt", attempt+1),
				slog.Duration("backoff", backoff),
			)

			if sleepErr := s.sleepFunc(ctx, backoff); sleepErr != nil {
				return nil, fmt.Errorf("remote: request canceled: %w", sleepErr)
			}

			attempt++

			continue
		}

		return nil, &StoreError{
			StatusCode: status,
			RequestID:  header.Get("request-id"),
			Message:    string(respBody),
			Err:        classifyStatus(status, string(respBody)),
		}
	}
}

// doOnce executes a single HTTP request (no retry). Returns body bytes,
// status code, and response headers.
func (s *HTTPStore) doOnce(ctx context.Context, method, rawURL, token string, body []byte) ([]byte, int, http.Header, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return nil, 0, nil, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("User-Agent", userAgent)

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, 0, nil, err
	}
	defer resp.Body.Close()

	respBody, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		respBody = []byte("(failed to read response body)")
	}

	return respBody, resp.StatusCode, resp.Header, nil
}

// retryBackoff returns the delay before the next attempt. Retry-After
// from a throttled response takes precedence over calculated backoff.
func (s *HTTPStore) retryBackoff(status int, retryAfter string, attempt int) time.Duration {
	if status == http.StatusTooManyRequests && retryAfter != "" {
		if seconds, err := strconv.Atoi(retryAfter); err == nil && seconds > 0 {
			return time.Duration(seconds) * time.Second
		}
	}

	return s.calcBackoff(attempt)
}

// calcBackoff computes exponential backoff with ±25% jitter.
func (s *HTTPStore) calcBackoff(attempt int) time.Duration {
	backoff := float64(baseBackoff) * math.Pow(backoffFactor, float64(attempt))
	if backoff > float64(maxBackoff) {
		backoff = float64(maxBackoff)
	}

	jitter := backoff * jitterFraction * (rand.Float64()*2 - 1) //nolint:gosec // jitter does not need crypto rand
	backoff += jitter

	return time.Duration(backoff)
}

// timeSleep waits for d or until the context is canceled.
func timeSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// putJSON uploads v as the blob at name.
func (s *HTTPStore) putJSON(ctx context.Context, token, name string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("remote: encoding %s: %w", name, err)
	}

	if _, err := s.do(ctx, http.MethodPut, s.fileURL(name), token, data); err != nil {
		return fmt.Errorf("remote: uploading %s: %w", name, err)
	}

	return nil
}

// getJSON downloads the blob at name into out. Returns (false, nil)
// when the blob does not exist.
func (s *HTTPStore) getJSON(ctx context.Context, token, name string, out any) (bool, error) {
	data, err := s.do(ctx, http.MethodGet, s.fileURL(name), token, nil)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}

	if err != nil {
		return false, fmt.Errorf("remote: downloading %s: %w", name, err)
	}

	if err := json.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("remote: decoding %s: %w", name, err)
	}

	return true, nil
}

// deleteBlob removes the blob at name. Absent blobs are tolerated.
func (s *HTTPStore) deleteBlob(ctx context.Context, token, name string) error {
	_, err := s.do(ctx, http.MethodDelete, s.fileURL(name), token, nil)
	if errors.Is(err, ErrNotFound) {
		return nil
	}

	if err != nil {
		return fmt.Errorf("remote: deleting %s: %w", name, err)
	}

	return nil
}

func (s *HTTPStore) UploadManifest(ctx context.Context, token string, m *Manifest) error {
	return s.putJSON(ctx, token, ManifestName, m)
}

func (s *HTTPStore) DownloadManifest(ctx context.Context, token string) (*Manifest, error) {
	var m Manifest

	ok, err := s.getJSON(ctx, token, ManifestName, &m)
	if err != nil || !ok {
		return nil, err
	}

	return &m, nil
}

func (s *HTTPStore) UploadKeyData(ctx context.Context, token string, kd *cryptobox.KeyData) error {
	return s.putJSON(ctx, token, KeyDataName, kd)
}

func (s *HTTPStore) DownloadKeyData(ctx context.Context, token string) (*cryptobox.KeyData, error) {
	var kd cryptobox.KeyData

	ok, err := s.getJSON(ctx, token, KeyDataName, &kd)
	if err != nil || !ok {
		return nil, err
	}

	return &kd, nil
}

func (s *HTTPStore) UploadSession(ctx context.Context, token, sessionID string, payload *cryptobox.EncryptedPayload) error {
	return s.putJSON(ctx, token, SessionFileName(sessionID), payload)
}

func (s *HTTPStore) DownloadSession(ctx context.Context, token, sessionID string) (*cryptobox.EncryptedPayload, error) {
	var p cryptobox.EncryptedPayload

	ok, err := s.getJSON(ctx, token, SessionFileName(sessionID), &p)
	if err != nil || !ok {
		return nil, err
	}

	return &p, nil
}

func (s *HTTPStore) DeleteSession(ctx context.Context, token, sessionID string) error {
	return s.deleteBlob(ctx, token, SessionFileName(sessionID))
}

func (s *HTTPStore) ListSessionFiles(ctx context.Context, token string) ([]FileInfo, error) {
	listURL := s.baseURL + "/files?prefix=" + url.QueryEscape(SessionPrefix)

	data, err := s.do(ctx, http.MethodGet, listURL, token, nil)
	if err != nil {
		return nil, fmt.Errorf("remote: listing session files: %w", err)
	}

	var parsed struct {
		Files []FileInfo `json:"files"`
	}

	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("remote: decoding file list: %w", err)
	}

	return parsed.Files, nil
}

func (s *HTTPStore) GetStorageInfo(ctx context.Context, token string) (*StorageInfo, error) {
	files, err := s.ListSessionFiles(ctx, token)
	if err != nil {
		return nil, err
	}

	info := &StorageInfo{SessionCount: len(files)}

	for _, f := range files {
		info.TotalSize += f.Size
	}

	return info, nil
}

// ClearAllData removes every session blob plus the manifest and key
// data. Session deletes fan out with bounded concurrency.
func (s *HTTPStore) ClearAllData(ctx context.Context, token string) error {
	files, err := s.ListSessionFiles(ctx, token)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(clearConcurrency)

	for _, f := range files {
		name := f.Name
		g.Go(func() error {
			return s.deleteBlob(gctx, token, name)
		})
	}

	if err := g.Wait(); err != nil {
		return fmt.Errorf("remote: clearing session blobs: %w", err)
	}

	if err := s.deleteBlob(ctx, token, ManifestName); err != nil {
		return err
	}

	return s.deleteBlob(ctx, token, KeyDataName)
}

// Compile-time interface check.
var _ Store = (*HTTPStore)(nil)
