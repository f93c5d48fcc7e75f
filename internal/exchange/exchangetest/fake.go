// Package exchangetest provides an in-memory Connector for tests.
package exchangetest

import (
	"context"
	"sync"
	"time"

	"github.com/Checker-Finance/exchange-connectors/internal/exchange"
	"github.com/Checker-Finance/exchange-connectors/pkg/model"
)

// Fake is a scriptable exchange.Connector.
type Fake struct {
	Account  string
	Venue    string
	Orders   []model.UnifiedOrder
	Trades   map[string][]model.UnifiedTrade
	Balances []model.UnifiedBalance

	// BalancesErr, when set, is returned by GetBalances.
	BalancesErr error
	// SubscribeErr, when set, is returned by SubscribeOrderUpdates.
	SubscribeErr error

	mu         sync.Mutex
	subscribed bool
	subCalls   int
	closed     bool
	events     *exchange.Events
}

// New creates a fake for account on venue.
func New(account, venue string) *Fake {
	return &Fake{
		Account: account,
		Venue:   venue,
		Trades:  map[string][]model.UnifiedTrade{},
		events:  exchange.NewEvents(venue, 16, nil),
	}
}

// Constructor adapts New to the factory signature.
func Constructor(account model.Account, _ exchange.Options) (exchange.Connector, error) {
	return New(account.ID, account.Exchange), nil
}

func (f *Fake) AccountID() string        { return f.Account }
func (f *Fake) Exchange() string         { return f.Venue }
func (f *Fake) Events() *exchange.Events { return f.events }

func (f *Fake) SubscribeOrderUpdates(_ context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subCalls++
	if f.SubscribeErr != nil {
		return false, f.SubscribeErr
	}
	f.subscribed = true
	return true, nil
}

// SubscribeCalls returns how many times SubscribeOrderUpdates was called.
func (f *Fake) SubscribeCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subCalls
}

func (f *Fake) GetOrders(_ context.Context, _ string, start time.Time) ([]model.UnifiedOrder, error) {
	var out []model.UnifiedOrder
	for _, o := range f.Orders {
		if !o.Timestamp.Before(start) {
			out = append(out, o)
		}
	}
	exchange.SortOrders(out)
	return out, nil
}

func (f *Fake) GetOrder(_ context.Context, _ string, orderID string) (*model.UnifiedOrder, error) {
	for _, o := range f.Orders {
		if o.OrderID == orderID {
			o := o
			return &o, nil
		}
	}
	return nil, exchange.ErrNotFound
}

func (f *Fake) GetOrderTrades(_ context.Context, _ string, orderID string) ([]model.UnifiedTrade, error) {
	return f.Trades[orderID], nil
}

func (f *Fake) GetBalances(_ context.Context) ([]model.UnifiedBalance, error) {
	if f.BalancesErr != nil {
		return nil, f.BalancesErr
	}
	return f.Balances, nil
}

func (f *Fake) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	f.events.Close()
	return nil
}

// Closed reports whether Close was called.
func (f *Fake) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}
