package kucoin

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Checker-Finance/exchange-connectors/internal/exchange"
	"github.com/Checker-Finance/exchange-connectors/internal/metrics"
	"github.com/Checker-Finance/exchange-connectors/internal/rate"
	"github.com/Checker-Finance/exchange-connectors/pkg/model"
)

// Identity is the stable exchange identity this connector registers under.
const Identity = "kucoin"

const (
	liveAPIURL     = "https://api.kucoin.com"
	sandboxAPIURL  = "https://openapi-sandbox.kucoin.com"
	defaultTimeout = 30 * time.Second
	pageSize       = 500

	// maxWindow is the longest startAt/endAt span /api/v1/orders accepts.
	maxWindow = 7 * 24 * time.Hour
)

// orderStatuses are queried separately; /api/v1/orders returns only done
// orders when no status is given.
var orderStatuses = []string{"done", "active"}

// Connector implements exchange.Connector for KuCoin spot on the universal SDK.
// The API passphrase is carried in the credential's PrivateKey.
type Connector struct {
	account model.Account
	rest    restAPI
	dial    streamDialer
	rateMgr *rate.Manager
	rateKey string
	now     func() time.Time
	logger  *zap.Logger
	events  *exchange.Events

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	stream orderStream
	closed bool
}

// New builds a KuCoin connector for account. The SDK owns its HTTP
// transport; only the timeout of opts.HTTPClient is honoured. The private
// stream follows the endpoint KuCoin hands out with the connection token.
func New(account model.Account, opts exchange.Options) (*Connector, error) {
	cred := account.Credential
	if cred.APIKey == "" || cred.Secret == "" || cred.PrivateKey == "" {
		return nil, fmt.Errorf("%w: kucoin api key, secret and passphrase are required", exchange.ErrAuthentication)
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	apiURL := liveAPIURL
	if opts.Sandbox {
		apiURL = sandboxAPIURL
	}
	if opts.BaseURL != "" {
		apiURL = strings.TrimRight(opts.BaseURL, "/")
	}

	timeout := defaultTimeout
	if opts.HTTPClient != nil && opts.HTTPClient.Timeout > 0 {
		timeout = opts.HTTPClient.Timeout
	}

	cfg := sdkConfig{endpoint: apiURL, cred: cred, timeout: timeout, logger: logger}
	return newConnector(account, opts, newSDKREST(cfg), sdkDialer(cfg), logger), nil
}

func newConnector(account model.Account, opts exchange.Options, rest restAPI, dial streamDialer, logger *zap.Logger) *Connector {
	ctx, cancel := context.WithCancel(context.Background())
	return &Connector{
		account: account,
		rest:    rest,
		dial:    dial,
		rateMgr: opts.RateLimits,
		rateKey: rate.Key(Identity, account.ID),
		now:     time.Now,
		logger:  logger,
		events:  exchange.NewEvents(Identity, opts.EventBuffer, logger),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Constructor adapts New to exchange.Constructor.
func Constructor(account model.Account, opts exchange.Options) (exchange.Connector, error) {
	c, err := New(account, opts)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Connector) AccountID() string        { return c.account.ID }
func (c *Connector) Exchange() string         { return Identity }
func (c *Connector) Events() *exchange.Events { return c.events }

// call throttles fn through the rate manager and classifies its failure.
// A rate-limited answer puts the account's bucket into cool-down.
func (c *Connector) call(ctx context.Context, fn func() error) error {
	if c.rateMgr != nil {
		if err := c.rateMgr.Wait(ctx, c.rateKey); err != nil {
			return err
		}
	}

	start := time.Now()
	err := translate(fn())
	metrics.VenueRequestDuration.WithLabelValues(Identity).Observe(time.Since(start).Seconds())

	status := exchange.StatusOf(err)
	label := strconv.Itoa(status)
	if status < 0 {
		label = "transport_error"
	}
	metrics.IncVenueRequest(Identity, label)

	if status == http.StatusTooManyRequests && c.rateMgr != nil {
		c.rateMgr.Penalize(c.rateKey, 0)
	}
	return err
}

// GetOrders walks [start, now) in windows of at most seven days, paging
// through done and active orders in each. A zero start means the last window.
func (c *Connector) GetOrders(ctx context.Context, symbol string, start time.Time) ([]model.UnifiedOrder, error) {
	native, err := nativeSymbol(symbol)
	if err != nil {
		return nil, err
	}

	end := c.now().UTC()
	if start.IsZero() {
		start = end.Add(-maxWindow)
	}

	seen := make(map[string]struct{})
	var out []model.UnifiedOrder
	for from := start; from.Before(end); from = from.Add(maxWindow) {
		to := from.Add(maxWindow)
		if to.After(end) {
			to = end
		}
		for _, status := range orderStatuses {
			q := orderQuery{Symbol: native, Status: status, StartAt: from, EndAt: to}
			items, err := c.listOrders(ctx, q)
			if err != nil {
				return nil, err
			}
			for i := range items {
				o := &items[i]
				if _, dup := seen[o.ID]; dup || millis(o.CreatedAt).Before(start) {
					continue
				}
				seen[o.ID] = struct{}{}
				out = append(out, toUnifiedOrder(o, c.account.ID))
			}
		}
	}

	exchange.SortOrders(out)
	return out, nil
}

func (c *Connector) listOrders(ctx context.Context, q orderQuery) ([]order, error) {
	var out []order
	for q.Page = 1; ; q.Page++ {
		var page *paged[order]
		err := c.call(ctx, func() (err error) {
			page, err = c.rest.ListOrders(ctx, q)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("kucoin list %s orders: %w", q.Status, err)
		}
		out = append(out, page.Items...)
		if len(page.Items) == 0 || q.Page >= page.TotalPage {
			return out, nil
		}
	}
}

func (c *Connector) GetOrder(ctx context.Context, symbol, orderID string) (*model.UnifiedOrder, error) {
	if _, err := nativeSymbol(symbol); err != nil {
		return nil, err
	}
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return nil, fmt.Errorf("%w: empty kucoin order id", exchange.ErrBadRequest)
	}

	var o *order
	err := c.call(ctx, func() (err error) {
		o, err = c.rest.GetOrder(ctx, orderID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("kucoin get order: %w", err)
	}
	if o == nil || o.ID == "" {
		return nil, fmt.Errorf("kucoin get order %s: %w", orderID, exchange.ErrNotFound)
	}
	u := toUnifiedOrder(o, c.account.ID)
	return &u, nil
}

// GetOrderTrades walks every page of fills for the order.
func (c *Connector) GetOrderTrades(ctx context.Context, symbol, orderID string) ([]model.UnifiedTrade, error) {
	if _, err := nativeSymbol(symbol); err != nil {
		return nil, err
	}

	var out []model.UnifiedTrade
	for pageNo := 1; ; pageNo++ {
		var page *paged[fill]
		err := c.call(ctx, func() (err error) {
			page, err = c.rest.ListFills(ctx, orderID, pageNo)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("kucoin list fills: %w", err)
		}
		for i := range page.Items {
			out = append(out, toUnifiedTrade(&page.Items[i], c.account.ID))
		}
		if len(page.Items) == 0 || pageNo >= page.TotalPage {
			return out, nil
		}
	}
}

// GetBalances returns non-empty trade-account balances.
func (c *Connector) GetBalances(ctx context.Context) ([]model.UnifiedBalance, error) {
	var accounts []account
	err := c.call(ctx, func() (err error) {
		accounts, err = c.rest.Accounts(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("kucoin get accounts: %w", err)
	}

	now := c.now().UTC()
	out := make([]model.UnifiedBalance, 0, len(accounts))
	for i := range accounts {
		b := toUnifiedBalance(&accounts[i], c.account.ID, now)
		if b.Total.IsZero() && b.Available.IsZero() && b.Locked.IsZero() {
			continue
		}
		out = append(out, b)
	}
	return out, nil
}

// SubscribeOrderUpdates opens the private order channel. A live stream is
// reused; one the SDK gave up on is replaced.
func (c *Connector) SubscribeOrderUpdates(ctx context.Context) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false, exchange.ErrConnectorClosed
	}
	if c.stream != nil && !c.stream.Failed() {
		return true, nil
	}
	if c.stream != nil {
		c.stream.Close()
		c.stream = nil
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	var s orderStream
	err := c.call(ctx, func() (err error) {
		s, err = c.dial(c.handleOrderChange)
		return err
	})
	if err != nil {
		metrics.IncError(Identity, "stream_subscribe")
		return false, fmt.Errorf("kucoin order stream: %w", err)
	}

	c.stream = s
	c.logger.Info("kucoin.stream_subscribed", zap.String("account", c.account.ID))
	return true, nil
}

// Close stops the stream and closes the event stream.
func (c *Connector) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	s := c.stream
	c.stream = nil
	c.mu.Unlock()

	c.cancel()
	if s != nil {
		s.Close()
	}
	c.events.Close()
	return nil
}

func (c *Connector) handleOrderChange(change *orderChange) {
	o, trade := fromOrderChange(change, c.account.ID)

	kind := exchange.EventUpdateOrder
	if change.Type == "received" {
		kind = exchange.EventNewOrder
	}
	if err := c.events.EmitOrder(c.ctx, kind, o); err != nil {
		return
	}
	if trade != nil {
		_ = c.events.EmitTrade(c.ctx, *trade)
	}
}
