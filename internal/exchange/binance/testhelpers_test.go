package binance

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Checker-Finance/exchange-connectors/internal/exchange"
	"github.com/Checker-Finance/exchange-connectors/pkg/model"
)

const filledOrderJSON = `{
  "symbol": "BTCUSDT",
  "orderId": 12345,
  "orderListId": -1,
  "clientOrderId": "cli-1",
  "price": "30000.00000000",
  "origQty": "0.50000000",
  "executedQty": "0.50000000",
  "cummulativeQuoteQty": "15000.00000000",
  "status": "FILLED",
  "timeInForce": "GTC",
  "type": "LIMIT",
  "side": "BUY",
  "stopPrice": "0.00000000",
  "icebergQty": "0.00000000",
  "time": 1700000000000,
  "updateTime": 1700000005000,
  "isWorking": true,
  "origQuoteOrderQty": "0.00000000"
}`

const tradesJSON = `[{
  "symbol": "BTCUSDT",
  "id": 777,
  "orderId": 12345,
  "orderListId": -1,
  "price": "30000.00000000",
  "qty": "0.50000000",
  "quoteQty": "15000.00000000",
  "commission": "0.00050000",
  "commissionAsset": "BTC",
  "time": 1700000005000,
  "isBuyer": true,
  "isMaker": false,
  "isBestMatch": true
}]`

const accountJSON = `{
  "makerCommission": 10,
  "takerCommission": 10,
  "canTrade": true,
  "balances": [
    {"asset": "BTC", "free": "1.25000000", "locked": "0.25000000"},
    {"asset": "USDT", "free": "1000.00000000", "locked": "0.00000000"},
    {"asset": "DOGE", "free": "0.00000000", "locked": "0.00000000"}
  ]
}`

// fakeBinance is a minimal spot REST + user-data stream server.
type fakeBinance struct {
	*httptest.Server

	mu           sync.Mutex
	requests     map[string]int
	apiKeys      []string
	orders       string
	accountCode  int
	streamFrames []string
	listenKeys   int
	closedKeys   int
}

var upgrader = websocket.Upgrader{}

func newFakeBinance(t *testing.T) *fakeBinance {
	t.Helper()
	f := &fakeBinance{requests: map[string]int{}, orders: "[" + filledOrderJSON + "]"}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/allOrders", func(w http.ResponseWriter, r *http.Request) {
		f.record(r)
		f.mu.Lock()
		body := f.orders
		f.mu.Unlock()
		_, _ = w.Write([]byte(body))
	})
	mux.HandleFunc("/api/v3/order", func(w http.ResponseWriter, r *http.Request) {
		f.record(r)
		if r.URL.Query().Get("orderId") != "12345" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"code":-2013,"msg":"Order does not exist."}`))
			return
		}
		_, _ = w.Write([]byte(filledOrderJSON))
	})
	mux.HandleFunc("/api/v3/myTrades", func(w http.ResponseWriter, r *http.Request) {
		f.record(r)
		_, _ = w.Write([]byte(tradesJSON))
	})
	mux.HandleFunc("/api/v3/account", func(w http.ResponseWriter, r *http.Request) {
		f.record(r)
		f.mu.Lock()
		code := f.accountCode
		f.mu.Unlock()
		if code != 0 {
			w.WriteHeader(code)
			_, _ = w.Write([]byte(`{"code":-1003,"msg":"Too many requests"}`))
			return
		}
		_, _ = w.Write([]byte(accountJSON))
	})
	mux.HandleFunc("/api/v3/userDataStream", func(w http.ResponseWriter, r *http.Request) {
		f.record(r)
		f.mu.Lock()
		defer f.mu.Unlock()
		switch r.Method {
		case http.MethodPost:
			f.listenKeys++
			_, _ = w.Write([]byte(`{"listenKey":"lk-1"}`))
		case http.MethodDelete:
			f.closedKeys++
			_, _ = w.Write([]byte(`{}`))
		default:
			_, _ = w.Write([]byte(`{}`))
		}
	})
	mux.HandleFunc("/ws/lk-1", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		f.mu.Lock()
		frames := append([]string(nil), f.streamFrames...)
		f.mu.Unlock()
		for _, fr := range frames {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(fr)); err != nil {
				return
			}
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	f.Server = httptest.NewServer(mux)
	t.Cleanup(f.Close)
	return f
}

func (f *fakeBinance) record(r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests[r.Method+" "+r.URL.Path]++
	f.apiKeys = append(f.apiKeys, r.Header.Get("X-MBX-APIKEY"))
}

func (f *fakeBinance) count(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[key]
}

func (f *fakeBinance) options() exchange.Options {
	return exchange.Options{
		Logger:      zap.NewNop(),
		BaseURL:     f.URL,
		StreamURL:   "ws" + strings.TrimPrefix(f.URL, "http") + "/ws",
		EventBuffer: 8,
	}
}

func testAccount() model.Account {
	return model.Account{
		ID:       "acc-1",
		Exchange: Identity,
		Credential: model.ExchangeCredential{
			APIKey: "key-1",
			Secret: "secret-1",
		},
	}
}

func newTestConnector(t *testing.T, f *fakeBinance) *Connector {
	t.Helper()
	c, err := New(testAccount(), f.options())
	if err != nil {
		t.Fatalf("new connector: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}
