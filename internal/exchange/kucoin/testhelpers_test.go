package kucoin

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	sdktype "github.com/Kucoin/kucoin-universal-sdk/sdk/golang/pkg/types"
	"go.uber.org/zap"

	"github.com/Checker-Finance/exchange-connectors/internal/exchange"
	"github.com/Checker-Finance/exchange-connectors/pkg/model"
)

const filledOrderJSON = `{
  "id": "5c35c02703aa673ceec2a168",
  "symbol": "BTC-USDT",
  "opType": "DEAL",
  "type": "limit",
  "side": "buy",
  "price": "30000",
  "size": "0.5",
  "funds": "0",
  "dealFunds": "15000",
  "dealSize": "0.5",
  "fee": "0.0005",
  "feeCurrency": "BTC",
  "timeInForce": "GTC",
  "postOnly": false,
  "cancelExist": false,
  "createdAt": 1700000000000,
  "clientOid": "cli-1",
  "isActive": false,
  "tradeType": "TRADE"
}`

var testNow = time.UnixMilli(1700000000000).UTC().Add(time.Hour)

func mustDecode[T any](t *testing.T, raw string) T {
	t.Helper()
	var v T
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		t.Fatalf("decode fixture: %v", err)
	}
	return v
}

// venueError is what the SDK returns for a non-success business code.
func venueError(code, msg string) error {
	return sdktype.NewRestError(&sdktype.RestResponse{Code: code, Message: msg}, errors.New("server returned "+code))
}

// fakeREST serves restAPI from memory. Orders are filtered by status and
// the query window, then paged like /api/v1/orders.
type fakeREST struct {
	mu       sync.Mutex
	orders   map[string][]order
	byID     map[string]order
	fills    []fill
	accounts []account
	perPage  int
	err      error
	queries  []orderQuery
	calls    map[string]int
}

func newFakeREST(t *testing.T) *fakeREST {
	t.Helper()
	filled := mustDecode[order](t, filledOrderJSON)
	return &fakeREST{
		orders: map[string][]order{"done": {filled}},
		byID:   map[string]order{filled.ID: filled},
		fills: []fill{{
			Symbol: "BTC-USDT", TradeID: "t-1", OrderID: filled.ID, CounterOrderID: "c-1", Side: "buy",
			Liquidity: "taker", Price: "30000", Size: "0.5", Funds: "15000", Fee: "0.0005",
			FeeCurrency: "BTC", Type: "limit", CreatedAt: 1700000005000,
		}},
		accounts: []account{
			{ID: "a1", Currency: "BTC", Type: "trade", Balance: "1.5", Available: "1.25", Holds: "0.25"},
			{ID: "a2", Currency: "ETH", Type: "trade", Balance: "0", Available: "0", Holds: "0"},
		},
		calls: map[string]int{},
	}
}

func (f *fakeREST) record(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[op]++
	return f.err
}

func (f *fakeREST) count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *fakeREST) ListOrders(_ context.Context, q orderQuery) (*paged[order], error) {
	if err := f.record("orders"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, q)

	var match []order
	for _, o := range f.orders[q.Status] {
		created := millis(o.CreatedAt)
		if !created.Before(q.StartAt) && created.Before(q.EndAt) {
			match = append(match, o)
		}
	}

	per := f.perPage
	if per <= 0 {
		per = pageSize
	}
	totalPage := (len(match) + per - 1) / per
	from := (q.Page - 1) * per
	if from > len(match) {
		from = len(match)
	}
	to := min(from+per, len(match))
	return &paged[order]{
		CurrentPage: q.Page,
		PageSize:    per,
		TotalNum:    len(match),
		TotalPage:   totalPage,
		Items:       match[from:to],
	}, nil
}

func (f *fakeREST) GetOrder(_ context.Context, orderID string) (*order, error) {
	if err := f.record("order"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.byID[orderID]
	if !ok {
		return nil, venueError("404000", "order not exist")
	}
	return &o, nil
}

func (f *fakeREST) ListFills(_ context.Context, _ string, page int) (*paged[fill], error) {
	if err := f.record("fills"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return &paged[fill]{CurrentPage: page, PageSize: pageSize, TotalNum: len(f.fills), TotalPage: 1, Items: f.fills}, nil
}

func (f *fakeREST) Accounts(context.Context) ([]account, error) {
	if err := f.record("accounts"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]account(nil), f.accounts...), nil
}

type fakeStream struct {
	failed atomic.Bool
	closed atomic.Int32
}

func (s *fakeStream) Failed() bool { return s.failed.Load() }
func (s *fakeStream) Close()       { s.closed.Add(1) }

// fakeDialer hands out fakeStreams and lets tests push order changes
// as the SDK would deliver them.
type fakeDialer struct {
	mu       sync.Mutex
	err      error
	streams  []*fakeStream
	onChange func(*orderChange)
}

func (d *fakeDialer) dial(onChange func(*orderChange)) (orderStream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	s := &fakeStream{}
	d.streams = append(d.streams, s)
	d.onChange = onChange
	return s, nil
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.streams)
}

func (d *fakeDialer) push(t *testing.T, raw string) {
	t.Helper()
	change := mustDecode[orderChange](t, raw)
	d.mu.Lock()
	onChange := d.onChange
	d.mu.Unlock()
	if onChange == nil {
		t.Fatal("no subscription")
	}
	onChange(&change)
}

func testAccount() model.Account {
	return model.Account{
		ID:       "acc-2",
		Exchange: Identity,
		Credential: model.ExchangeCredential{
			APIKey:     "key-2",
			Secret:     "secret-2",
			PrivateKey: "passphrase-2",
		},
	}
}

func newTestConnector(t *testing.T, rest restAPI, d *fakeDialer, opts exchange.Options) *Connector {
	t.Helper()
	if opts.EventBuffer == 0 {
		opts.EventBuffer = 8
	}
	c := newConnector(testAccount(), opts, rest, d.dial, zap.NewNop())
	c.now = func() time.Time { return testNow }
	t.Cleanup(func() { _ = c.Close() })
	return c
}
