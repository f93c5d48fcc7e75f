package connectors

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Checker-Finance/exchange-connectors/internal/exchange"
	"github.com/Checker-Finance/exchange-connectors/pkg/model"
)

func TestNewFactory_RegistersBuiltins(t *testing.T) {
	f := NewFactory(exchange.Options{})
	assert.Equal(t, []string{"binance", "kucoin"}, f.Exchanges())
}

func TestGetClient_KnownIdentities(t *testing.T) {
	f := NewFactory(exchange.Options{})
	accounts := map[string]model.Account{
		"binance": {ID: "acc-b", Credential: model.ExchangeCredential{APIKey: "k", Secret: "s"}},
		"kucoin":  {ID: "acc-k", Credential: model.ExchangeCredential{APIKey: "k", Secret: "s", PrivateKey: "p"}},
	}
	for id, acc := range accounts {
		conn, err := f.GetClient(id, acc, true)
		require.NoError(t, err, id)
		require.NotNil(t, conn, id)
		assert.Equal(t, id, conn.Exchange())
		assert.Equal(t, acc.ID, conn.AccountID())
		assert.NoError(t, conn.Close())
	}
}

func TestGetClient_UnknownIdentityNamesExchange(t *testing.T) {
	f := NewFactory(exchange.Options{})
	conn, err := f.GetClient("coinx", model.Account{ID: "acc-1"}, false)
	require.Error(t, err)
	assert.Nil(t, conn)
	assert.ErrorIs(t, err, exchange.ErrConnectorNotFound)
	assert.Contains(t, err.Error(), "coinx")
}

// Both venues describe the same filled order: 0.5 BTC bought at 30000 USDT.
const (
	binanceFilled = `{"symbol":"BTCUSDT","orderId":12345,"clientOrderId":"cli-1","price":"30000.00000000","origQty":"0.50000000","executedQty":"0.50000000","cummulativeQuoteQty":"15000.00000000","status":"FILLED","timeInForce":"GTC","type":"LIMIT","side":"BUY","time":1700000000000,"updateTime":1700000005000}`
	kucoinFilled  = `{"code":"200000","data":{"id":"kc-1","symbol":"BTC-USDT","type":"limit","side":"buy","price":"30000","size":"0.5","dealFunds":"15000","dealSize":"0.5","cancelExist":false,"isActive":false,"createdAt":1700000000000,"clientOid":"cli-1"}}`
)

func TestConnectorUniformity_FilledOrder(t *testing.T) {
	bSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(binanceFilled))
	}))
	defer bSrv.Close()
	kSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(kucoinFilled))
	}))
	defer kSrv.Close()

	cases := []struct {
		identity string
		baseURL  string
		account  model.Account
		orderID  string
	}{
		{"binance", bSrv.URL, model.Account{ID: "acc-b", Credential: model.ExchangeCredential{APIKey: "k", Secret: "s"}}, "12345"},
		{"kucoin", kSrv.URL, model.Account{ID: "acc-k", Credential: model.ExchangeCredential{APIKey: "k", Secret: "s", PrivateKey: "p"}}, "kc-1"},
	}

	var orders []*model.UnifiedOrder
	for _, tc := range cases {
		f := NewFactory(exchange.Options{BaseURL: tc.baseURL})
		conn, err := f.GetClient(tc.identity, tc.account, false)
		require.NoError(t, err)

		o, err := conn.GetOrder(context.Background(), "BTC/USDT", tc.orderID)
		require.NoError(t, err, tc.identity)
		require.NoError(t, conn.Close())
		orders = append(orders, o)
	}

	for i, o := range orders {
		assert.Equal(t, model.OrderStateFilled, o.State, cases[i].identity)
		assert.True(t, o.Amount.Equal(decimal.RequireFromString("0.5")), cases[i].identity)
		assert.True(t, o.Price.Equal(decimal.RequireFromString("30000")), cases[i].identity)
		assert.True(t, o.Total.Equal(decimal.RequireFromString("15000")), cases[i].identity)
		assert.Equal(t, model.SideBuy, o.Side, cases[i].identity)
		assert.Equal(t, "BTC", o.BaseAsset, cases[i].identity)
		assert.Equal(t, "USDT", o.QuoteAsset, cases[i].identity)
		assert.Equal(t, cases[i].account.ID, o.AccountID)
	}
}

// Both venues report the same market buy of 0.5 BTC filled at 30000 USDT.
// Neither stream carries an order price for market orders.
const (
	binanceMarketReport = `{"e":"executionReport","E":1700000005000,"s":"BTCUSDT","c":"cli-1","S":"BUY","o":"MARKET","q":"0.50000000","p":"0.00000000","x":"TRADE","X":"FILLED","i":12345,"l":"0.50000000","z":"0.50000000","L":"30000.00000000","n":"0","N":"BTC","T":1700000005000,"t":777,"m":false,"O":1700000000000,"Z":"15000.00000000","Y":"15000.00000000"}`
	kucoinMarketChange  = `{"topic":"/spotMarket/tradeOrdersV2","type":"message","subject":"orderChange","channelType":"private","data":{"symbol":"BTC-USDT","orderType":"market","side":"buy","orderId":"kc-1","type":"match","status":"done","clientOid":"cli-1","filledSize":"0.5","originSize":"0.5","remainSize":"0","matchPrice":"30000","matchSize":"0.5","tradeId":"t-1","liquidity":"taker","orderTime":1700000000000000000,"ts":1700000005000000000}}`
)

var upgrader = websocket.Upgrader{}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// binanceStreamServer hands out a listen key and pushes frame on the user-data stream.
func binanceStreamServer(t *testing.T, frame string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/userDataStream", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"listenKey":"lk-1"}`))
	})
	mux.HandleFunc("/ws/lk-1", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteMessage(websocket.TextMessage, []byte(frame))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

// kucoinStreamServer speaks the private channel protocol: a connection
// token, then welcome, subscribe/ack and ping/pong on the socket.
func kucoinStreamServer(t *testing.T, frame string) *httptest.Server {
	t.Helper()
	var srv *httptest.Server
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/bullet-private", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"code":"200000","data":{"token":"tok-1","instanceServers":[{"endpoint":"` + wsURL(srv) + `/ws","encrypt":false,"protocol":"websocket","pingInterval":18000,"pingTimeout":10000}]}}`))
	})
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"id":"`+r.URL.Query().Get("connectId")+`","type":"welcome"}`))
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var req struct {
				ID   string `json:"id"`
				Type string `json:"type"`
			}
			if json.Unmarshal(msg, &req) != nil {
				continue
			}
			switch req.Type {
			case "subscribe":
				_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"id":"`+req.ID+`","type":"ack"}`))
				time.Sleep(50 * time.Millisecond)
				_ = conn.WriteMessage(websocket.TextMessage, []byte(frame))
			case "ping":
				_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"id":"`+req.ID+`","type":"pong"}`))
			}
		}
	})
	srv = httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func firstOrderEvent(t *testing.T, events <-chan exchange.Event) *model.UnifiedOrder {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			require.True(t, ok, "event stream closed")
			if ev.Order != nil {
				return ev.Order
			}
		case <-timeout:
			t.Fatal("no order event")
		}
	}
}

func TestConnectorUniformity_FilledMarketOrderStream(t *testing.T) {
	bSrv := binanceStreamServer(t, binanceMarketReport)
	kSrv := kucoinStreamServer(t, kucoinMarketChange)

	cases := []struct {
		identity string
		opts     exchange.Options
		account  model.Account
	}{
		{"binance", exchange.Options{BaseURL: bSrv.URL, StreamURL: wsURL(bSrv) + "/ws"}, model.Account{ID: "acc-b", Credential: model.ExchangeCredential{APIKey: "k", Secret: "s"}}},
		{"kucoin", exchange.Options{BaseURL: kSrv.URL}, model.Account{ID: "acc-k", Credential: model.ExchangeCredential{APIKey: "k", Secret: "s", PrivateKey: "p"}}},
	}

	var orders []*model.UnifiedOrder
	for _, tc := range cases {
		conn, err := NewFactory(tc.opts).GetClient(tc.identity, tc.account, false)
		require.NoError(t, err)

		ctx, cancel := context.WithCancel(context.Background())
		events := conn.Events().Subscribe(ctx)
		ok, err := conn.SubscribeOrderUpdates(context.Background())
		require.NoError(t, err, tc.identity)
		require.True(t, ok, tc.identity)

		orders = append(orders, firstOrderEvent(t, events))
		cancel()
		require.NoError(t, conn.Close())
	}

	for i, o := range orders {
		id := cases[i].identity
		assert.Equal(t, model.OrderStateFilled, o.State, id)
		assert.Equal(t, "MARKET", o.Type, id)
		assert.True(t, o.Price.Equal(decimal.RequireFromString("30000")), "%s price %s", id, o.Price)
		assert.True(t, o.Amount.Equal(decimal.RequireFromString("0.5")), "%s amount %s", id, o.Amount)
		assert.True(t, o.Filled.Equal(decimal.RequireFromString("0.5")), "%s filled %s", id, o.Filled)
		assert.True(t, o.Total.Equal(decimal.RequireFromString("15000")), "%s total %s", id, o.Total)
		assert.Equal(t, model.SideBuy, o.Side, id)
		assert.Equal(t, "BTC", o.BaseAsset, id)
		assert.Equal(t, "USDT", o.QuoteAsset, id)
		assert.Equal(t, cases[i].account.ID, o.AccountID)
	}
}
