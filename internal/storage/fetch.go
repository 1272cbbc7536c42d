package storage

import (
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultRetries        = 3
	DefaultRetryBackoffMs = 500
	DefaultMaxObjectSize  = 64 << 20
)

// HTTPFetcher downloads asset bodies with retries on transient failures
type HTTPFetcher struct {
	client   *http.Client
	retries  int
	backoff  time.Duration
	maxBytes int64
	logger   *zap.Logger
}

// NewHTTPFetcher creates a fetcher using cfg's retry settings
func NewHTTPFetcher(client *http.Client, cfg Config, logger *zap.Logger) *HTTPFetcher {
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	f := &HTTPFetcher{
		client:   client,
		retries:  cfg.Retries,
		backoff:  time.Duration(cfg.RetryBackoffMs) * time.Millisecond,
		maxBytes: cfg.MaxObjectSize,
		logger:   logger,
	}
	if f.retries <= 0 {
		f.retries = DefaultRetries
	}
	if cfg.RetryBackoffMs <= 0 {
		f.backoff = DefaultRetryBackoffMs * time.Millisecond
	}
	if f.maxBytes <= 0 {
		f.maxBytes = DefaultMaxObjectSize
	}
	return f
}

// Fetch returns the body and content type of url
func (f *HTTPFetcher) Fetch(ctx context.Context, url string) ([]byte, string, error) {
	var lastErr error
	for attempt := 1; attempt <= f.retries; attempt++ {
		body, contentType, err := f.fetchOnce(ctx, url)
		if err == nil {
			return body, contentType, nil
		}

		lastErr = err
		f.logger.Warn("Asset download attempt failed",
			zap.String("url", url),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)

		if !isRetriableError(err) || attempt == f.retries {
			break
		}

		select {
		case <-ctx.Done():
			return nil, "", ctx.Err()
		case <-time.After(f.calculateBackoff(attempt)):
		}
	}
	return nil, "", fmt.Errorf("failed to download %s: %w", url, lastErr)
}

func (f *HTTPFetcher) fetchOnce(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("unexpected status %d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, "", err
	}
	if int64(len(body)) > f.maxBytes {
		return nil, "", fmt.Errorf("object larger than %d bytes", f.maxBytes)
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = http.DetectContentType(body)
	}
	return body, contentType, nil
}

func isRetriableError(err error) bool {
	if err == nil {
		return false
	}

	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "connection") ||
		strings.Contains(errStr, "temporary") ||
		strings.Contains(errStr, "network") ||
		strings.Contains(errStr, "dns") ||
		strings.Contains(errStr, "eof") ||
		strings.Contains(errStr, "500") ||
		strings.Contains(errStr, "502") ||
		strings.Contains(errStr, "503") ||
		strings.Contains(errStr, "504") ||
		strings.Contains(errStr, "429")
}

func (f *HTTPFetcher) calculateBackoff(attempt int) time.Duration {
	return f.backoff * time.Duration(math.Pow(2, float64(attempt-1)))
}
