package httpclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/Checker-Finance/exchange-connectors/internal/metrics"
	"github.com/Checker-Finance/exchange-connectors/internal/rate"
)

// Backoff returns the retry sleep duration for the given attempt number.
// It only paces transport-level retries; 429 backoff belongs to the resilient caller.
func Backoff(attempt int) time.Duration {
	switch attempt {
	case 0:
		return 100 * time.Millisecond
	case 1:
		return 250 * time.Millisecond
	default:
		return 500 * time.Millisecond
	}
}

// StatusError is returned for every non-2xx response that is not retried here.
type StatusError struct {
	Venue      string
	StatusCode int
	Body       []byte
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s returned %d", e.Venue, e.StatusCode)
}

// HTTPStatus exposes the status code to error classifiers.
func (e *StatusError) HTTPStatus() int { return e.StatusCode }

// ErrorHandler turns a failed response into a venue-specific error.
type ErrorHandler func(status int, body []byte) error

// Executor handles rate-limited HTTP execution with JSON decoding.
//
// Connection failures and 5xx answers other than 503 are retried up to
// retryMax times. 429 and 503 are returned immediately so the caller can
// classify them (backoff for 429, Offline for 503).
type Executor struct {
	logger       *zap.Logger
	rateMgr      *rate.Manager
	http         *http.Client
	retryMax     int
	venueTag     string
	errorHandler ErrorHandler
}

// New creates an Executor. errorHandler is called on every non-retried
// failure response. If nil, a *StatusError is returned.
func New(
	logger *zap.Logger,
	rateMgr *rate.Manager,
	httpClient *http.Client,
	retryMax int,
	venueTag string,
	errorHandler ErrorHandler,
) *Executor {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Executor{
		logger:       logger,
		rateMgr:      rateMgr,
		http:         httpClient,
		retryMax:     retryMax,
		venueTag:     venueTag,
		errorHandler: errorHandler,
	}
}

// DoJSON executes req with rate limiting and transport retries, then
// JSON-decodes the response into out. rateLimitKey scopes the limiter per account.
func (e *Executor) DoJSON(ctx context.Context, req *http.Request, rateLimitKey string, out any) error {
	if e.rateMgr != nil {
		if err := e.rateMgr.Wait(ctx, rateLimitKey); err != nil {
			return fmt.Errorf("rate limit wait: %w", err)
		}
	}

	var lastErr error
	for attempt := 0; attempt <= e.retryMax; attempt++ {
		if attempt > 0 {
			if err := rewind(req); err != nil {
				return err
			}
		}

		start := time.Now()
		resp, err := e.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			lastErr = err
			metrics.IncVenueRequest(e.venueTag, "transport_error")
			e.logger.Warn(e.venueTag+".http_failed",
				zap.String("url", req.URL.String()),
				zap.Error(err),
				zap.Int("attempt", attempt))
			if err := sleep(ctx, Backoff(attempt)); err != nil {
				return err
			}
			continue
		}

		body, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		elapsed := time.Since(start)
		metrics.VenueRequestDuration.WithLabelValues(e.venueTag).Observe(elapsed.Seconds())
		metrics.IncVenueRequest(e.venueTag, strconv.Itoa(resp.StatusCode))

		if readErr != nil {
			lastErr = fmt.Errorf("read body: %w", readErr)
			continue
		}

		if resp.StatusCode >= 500 && resp.StatusCode != http.StatusServiceUnavailable {
			e.logger.Warn(e.venueTag+".server_error",
				zap.Int("status", resp.StatusCode),
				zap.String("url", req.URL.String()),
				zap.Duration("latency", elapsed))
			lastErr = &StatusError{Venue: e.venueTag, StatusCode: resp.StatusCode, Body: body}
			if err := sleep(ctx, Backoff(attempt)); err != nil {
				return err
			}
			continue
		}

		if resp.StatusCode >= 400 {
			if resp.StatusCode == http.StatusTooManyRequests && e.rateMgr != nil {
				e.rateMgr.Penalize(rateLimitKey, retryAfter(resp.Header))
			}
			if e.errorHandler != nil {
				return e.errorHandler(resp.StatusCode, body)
			}
			return &StatusError{
				Venue:      e.venueTag,
				StatusCode: resp.StatusCode,
				Body:       body,
				RetryAfter: retryAfter(resp.Header),
			}
		}

		if out != nil && len(body) > 0 {
			if err := json.Unmarshal(body, out); err != nil {
				e.logger.Warn(e.venueTag+".decode_failed",
					zap.Error(err),
					zap.String("url", req.URL.String()),
					zap.String("body", string(body)))
				return fmt.Errorf("decode failed: %w", err)
			}
		}

		e.logger.Debug(e.venueTag+".http_success",
			zap.String("url", req.URL.String()),
			zap.Int("status", resp.StatusCode),
			zap.Duration("elapsed", elapsed))

		return nil
	}

	return fmt.Errorf("%s request failed after %d attempts: %w", e.venueTag, e.retryMax, lastErr)
}

// rewind restores the request body for a retry.
func rewind(req *http.Request) error {
	if req.Body == nil || req.GetBody == nil {
		return nil
	}
	body, err := req.GetBody()
	if err != nil {
		return fmt.Errorf("rewind body: %w", err)
	}
	req.Body = body
	return nil
}

func retryAfter(h http.Header) time.Duration {
	v := h.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	return 0
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
