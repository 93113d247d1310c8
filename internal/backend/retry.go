package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"time"
)

// doWithRetry executes an HTTP request with exponential backoff for transient
// failures (network errors, 5xx, 429). Other statuses are returned as is.
func doWithRetry(ctx context.Context, client *http.Client, buildReq func() (*http.Request, error),
	maxRetries int, base time.Duration, logger *slog.Logger) (*http.Response, error) {
	var lastErr error

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			wait := time.Duration(attempt*attempt) * base
			wait += time.Duration(rand.Int64N(int64(wait/2 + 1)))
			logger.Warn("retrying backend request", "attempt", attempt+1, "backoff", wait)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(wait):
			}
		}

		req, err := buildReq()
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}

		resp, err := client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = errors.Join(ErrTransport, err)
			if attempt < maxRetries {
				logger.Warn("backend request failed, will retry", "path", req.URL.Path, "err", err)
			}
			continue
		}

		if retryable(resp.StatusCode) {
			apiErr := decodeError(resp)
			lastErr = apiErr
			if attempt < maxRetries {
				logger.Warn("backend server error, will retry",
					"path", req.URL.Path, "status", resp.StatusCode, "message", apiErr.Message)
			}
			continue
		}

		return resp, nil
	}

	return nil, fmt.Errorf("after %d retries: %w", maxRetries, lastErr)
}

// decodeError reads and closes the body of a failed response.
func decodeError(resp *http.Response) *APIError {
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	e := &APIError{Status: resp.StatusCode}

	var env envelope
	if jsonErr := decodeJSON(body, &env); jsonErr == nil {
		e.Message = env.Message
		e.Code = env.Code
		if e.Message == "" {
			e.Message = env.Error
		}
	}
	if e.Message == "" && len(body) > 0 && len(body) < 512 {
		e.Message = string(body)
	}
	return e
}
