package binance

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/Checker-Finance/exchange-connectors/internal/exchange"
	"github.com/Checker-Finance/exchange-connectors/internal/metrics"
	"github.com/Checker-Finance/exchange-connectors/internal/rate"
)

// statusTransport sits under the go-binance client. It throttles requests
// through the rate manager and turns throttling and 5xx answers into
// *exchange.APIError, which the SDK would otherwise flatten into a bare
// code/message pair without the HTTP status.
type statusTransport struct {
	base    http.RoundTripper
	rateMgr *rate.Manager
	rateKey string
}

func (t *statusTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.rateMgr != nil {
		if err := t.rateMgr.Wait(req.Context(), t.rateKey); err != nil {
			return nil, err
		}
	}

	start := time.Now()
	resp, err := t.base.RoundTrip(req)
	metrics.VenueRequestDuration.WithLabelValues(Identity).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.IncVenueRequest(Identity, "transport_error")
		if req.Context().Err() != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", exchange.ErrTransport, err)
	}
	metrics.IncVenueRequest(Identity, strconv.Itoa(resp.StatusCode))

	status := resp.StatusCode
	if status != http.StatusTooManyRequests && status != 418 && status < 500 {
		return resp, nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()

	if status == http.StatusTooManyRequests || status == 418 {
		if t.rateMgr != nil {
			t.rateMgr.Penalize(t.rateKey, retryAfter(resp.Header))
		}
	}

	var payload struct {
		Code int64  `json:"code"`
		Msg  string `json:"msg"`
	}
	_ = json.Unmarshal(body, &payload)
	msg := payload.Msg
	if msg == "" {
		msg = http.StatusText(status)
	}
	code := ""
	if payload.Code != 0 {
		code = strconv.FormatInt(payload.Code, 10)
	}
	return nil, exchange.Classify(Identity, status, code, msg)
}

func retryAfter(h http.Header) time.Duration {
	if secs, err := strconv.Atoi(h.Get("Retry-After")); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}
