// Package voice implements the local speech capabilities: Whisper sidecar
// transcription, HTTP text-to-speech with interruptible playback, and the
// speaker filter.
package voice

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/talkie-voice-lab/internal/logging"
)

const maxResponseBytes = 32 << 20

// postWithRetries posts body to url and returns the status and full body.
// Transport errors and 5xx responses are retried with 200ms*2^i backoff.
func postWithRetries(ctx context.Context, client *http.Client, url, contentType string, body []byte, authToken string, timeout time.Duration, attempts int, correlationID string) (int, []byte, error) {
	if attempts <= 0 {
		attempts = 1
	}
	if client == nil {
		client = http.DefaultClient
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return 0, nil, ctx.Err()
			case <-time.After(time.Duration(200*(1<<(i-1))) * time.Millisecond):
			}
		}
		status, b, err := postOnce(ctx, client, url, contentType, body, authToken, timeout, correlationID)
		if err != nil {
			lastErr = err
			logging.Debugw("postWithRetries: POST attempt failed", "attempt", i+1, "err", err, "correlation_id", correlationID)
			if ctx.Err() != nil {
				return 0, nil, err
			}
			continue
		}
		if status >= 500 && i < attempts-1 {
			lastErr = fmt.Errorf("server error status=%d", status)
			logging.Debugw("postWithRetries: server error", "attempt", i+1, "status", status, "correlation_id", correlationID)
			continue
		}
		return status, b, nil
	}
	return 0, nil, lastErr
}

func postOnce(ctx context.Context, client *http.Client, url, contentType string, body []byte, authToken string, timeout time.Duration, correlationID string) (int, []byte, error) {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", contentType)
	if authToken != "" {
		req.Header.Set("Authorization", "Bearer "+authToken)
	}
	if correlationID != "" {
		req.Header.Set("X-Correlation-ID", correlationID)
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, b, nil
}
