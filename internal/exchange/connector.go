package exchange

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/Checker-Finance/exchange-connectors/pkg/model"
)

// Connector is the capability surface every exchange integration implements.
//
// Symbols are unified BASE/QUOTE pairs ("BTC/USDT"); each implementation
// translates them to its native form. Calls fail with errors wrapping one of
// the package sentinels so callers can classify them without knowing the venue.
type Connector interface {
	// AccountID is the owning account, attached to every entity and event.
	AccountID() string
	// Exchange is the stable exchange identity the connector was registered under.
	Exchange() string

	// SubscribeOrderUpdates opens the live order stream. Calling it while
	// already subscribed returns true without opening a second stream.
	SubscribeOrderUpdates(ctx context.Context) (bool, error)

	// GetOrders returns orders created at or after start, oldest first.
	GetOrders(ctx context.Context, symbol string, start time.Time) ([]model.UnifiedOrder, error)
	// GetOrder returns one order or an error wrapping ErrNotFound.
	GetOrder(ctx context.Context, symbol, orderID string) (*model.UnifiedOrder, error)
	GetOrderTrades(ctx context.Context, symbol, orderID string) ([]model.UnifiedTrade, error)
	GetBalances(ctx context.Context) ([]model.UnifiedBalance, error)

	// Events is the connector's NewOrder / UpdateOrder / NewTrade stream.
	Events() *Events

	// Close stops the live stream, closes the event stream and releases
	// transport resources. It is safe to call more than once.
	Close() error
}

// SplitSymbol parses a unified symbol. "-" and "_" are accepted as separators.
func SplitSymbol(symbol string) (base, quote string, err error) {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	for _, sep := range []string{"/", "-", "_"} {
		if parts := strings.Split(s, sep); len(parts) == 2 && parts[0] != "" && parts[1] != "" {
			return parts[0], parts[1], nil
		}
	}
	return "", "", fmt.Errorf("%w: invalid symbol %q, expected BASE/QUOTE", ErrBadRequest, symbol)
}

// SortOrders sorts orders oldest first, breaking ties by order id.
func SortOrders(orders []model.UnifiedOrder) {
	sort.SliceStable(orders, func(i, j int) bool {
		if orders[i].Timestamp.Equal(orders[j].Timestamp) {
			return orders[i].OrderID < orders[j].OrderID
		}
		return orders[i].Timestamp.Before(orders[j].Timestamp)
	})
}
