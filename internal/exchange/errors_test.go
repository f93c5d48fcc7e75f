package exchange

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify_Kinds(t *testing.T) {
	cases := map[int]error{
		http.StatusUnauthorized:       ErrAuthentication,
		http.StatusForbidden:          ErrAuthentication,
		http.StatusNotFound:           ErrNotFound,
		http.StatusTooManyRequests:    ErrRateLimited,
		418:                           ErrRateLimited,
		http.StatusServiceUnavailable: ErrUnavailable,
		http.StatusBadGateway:         ErrTransport,
		http.StatusBadRequest:         ErrBadRequest,
	}
	for status, kind := range cases {
		err := Classify("binance", status, "-1", "boom")
		assert.ErrorIs(t, err, kind, "status %d", status)
		assert.Equal(t, status, err.HTTPStatus())
	}
}

func TestAPIError_MessageNamesExchange(t *testing.T) {
	err := Classify("kucoin", http.StatusTooManyRequests, "429000", "too many requests")
	assert.Contains(t, err.Error(), "kucoin")
	assert.Contains(t, err.Error(), "429000")
}

func TestStatusOf(t *testing.T) {
	assert.Equal(t, http.StatusOK, StatusOf(nil))

	wrapped := fmt.Errorf("get orders: %w", Classify("x", http.StatusServiceUnavailable, "", "down"))
	assert.Equal(t, http.StatusServiceUnavailable, StatusOf(wrapped))

	assert.Equal(t, http.StatusTooManyRequests, StatusOf(fmt.Errorf("wrap: %w", ErrRateLimited)))
	assert.Equal(t, http.StatusNotFound, StatusOf(ErrNotFound))
	assert.Equal(t, -1, StatusOf(errors.New("opaque")))
}

func TestConnectorNotFoundError(t *testing.T) {
	var err error = &ConnectorNotFoundError{Exchange: "coinx"}
	require.ErrorIs(t, err, ErrConnectorNotFound)
	assert.Contains(t, err.Error(), "coinx")
}
