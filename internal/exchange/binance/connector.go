package binance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	gobinance "github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"go.uber.org/zap"

	"github.com/Checker-Finance/exchange-connectors/internal/exchange"
	"github.com/Checker-Finance/exchange-connectors/internal/metrics"
	"github.com/Checker-Finance/exchange-connectors/internal/rate"
	"github.com/Checker-Finance/exchange-connectors/internal/wsclient"
	"github.com/Checker-Finance/exchange-connectors/pkg/model"
)

// Identity is the stable exchange identity this connector registers under.
const Identity = "binance"

const (
	liveAPIURL       = "https://api.binance.com"
	sandboxAPIURL    = "https://testnet.binance.vision"
	liveStreamURL    = "wss://stream.binance.com:9443/ws"
	sandboxStreamURL = "wss://testnet.binance.vision/ws"

	// Listen keys expire after 60 minutes without a keepalive.
	listenKeyKeepAlive = 30 * time.Minute
	pageLimit          = 1000
)

// Connector implements exchange.Connector for Binance spot.
type Connector struct {
	account   model.Account
	client    *gobinance.Client
	http      *http.Client
	streamURL string
	keepAlive time.Duration
	logger    *zap.Logger
	events    *exchange.Events

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	stream    *wsclient.Client
	listenKey string
	closed    bool

	symMu   sync.RWMutex
	symbols map[string][2]string
}

// New builds a Binance connector for account.
func New(account model.Account, opts exchange.Options) (*Connector, error) {
	cred := account.Credential
	if cred.APIKey == "" || cred.Secret == "" {
		return nil, fmt.Errorf("%w: binance api key and secret are required", exchange.ErrAuthentication)
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	apiURL, streamURL := liveAPIURL, liveStreamURL
	if opts.Sandbox {
		apiURL, streamURL = sandboxAPIURL, sandboxStreamURL
	}
	if opts.BaseURL != "" {
		apiURL = strings.TrimRight(opts.BaseURL, "/")
	}
	if opts.StreamURL != "" {
		streamURL = strings.TrimRight(opts.StreamURL, "/")
	}

	hc := http.Client{Timeout: 30 * time.Second}
	if opts.HTTPClient != nil {
		hc = *opts.HTTPClient
	}
	base := hc.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	hc.Transport = &statusTransport{
		base:    base,
		rateMgr: opts.RateLimits,
		rateKey: rate.Key(Identity, account.ID),
	}

	client := gobinance.NewClient(cred.APIKey, cred.Secret)
	client.BaseURL = apiURL
	client.HTTPClient = &hc

	ctx, cancel := context.WithCancel(context.Background())
	return &Connector{
		account:   account,
		client:    client,
		http:      &hc,
		streamURL: streamURL,
		keepAlive: listenKeyKeepAlive,
		logger:    logger,
		events:    exchange.NewEvents(Identity, opts.EventBuffer, logger),
		ctx:       ctx,
		cancel:    cancel,
		symbols:   make(map[string][2]string),
	}, nil
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

// GetOrders pages through allOrders by order id, starting at start.
func (c *Connector) GetOrders(ctx context.Context, symbol string, start time.Time) ([]model.UnifiedOrder, error) {
	native, err := c.native(symbol)
	if err != nil {
		return nil, err
	}

	var (
		out    []model.UnifiedOrder
		fromID int64
	)
	for {
		svc := c.client.NewListOrdersService().Symbol(native).Limit(pageLimit)
		if fromID > 0 {
			svc = svc.OrderID(fromID)
		} else if !start.IsZero() {
			svc = svc.StartTime(start.UnixMilli())
		}

		page, err := svc.Do(ctx)
		if err != nil {
			return nil, c.wrap("list orders", err)
		}
		for _, o := range page {
			if o.OrderID >= fromID {
				fromID = o.OrderID + 1
			}
			if !start.IsZero() && millis(o.Time).Before(start) {
				continue
			}
			out = append(out, c.order(o))
		}
		if len(page) < pageLimit {
			break
		}
	}

	exchange.SortOrders(out)
	return out, nil
}

func (c *Connector) GetOrder(ctx context.Context, symbol, orderID string) (*model.UnifiedOrder, error) {
	native, err := c.native(symbol)
	if err != nil {
		return nil, err
	}
	id, err := parseID(orderID)
	if err != nil {
		return nil, err
	}

	o, err := c.client.NewGetOrderService().Symbol(native).OrderID(id).Do(ctx)
	if err != nil {
		return nil, c.wrap("get order", err)
	}
	u := c.order(o)
	return &u, nil
}

func (c *Connector) GetOrderTrades(ctx context.Context, symbol, orderID string) ([]model.UnifiedTrade, error) {
	native, err := c.native(symbol)
	if err != nil {
		return nil, err
	}
	id, err := parseID(orderID)
	if err != nil {
		return nil, err
	}

	trades, err := c.client.NewListTradesService().Symbol(native).OrderId(id).Do(ctx)
	if err != nil {
		return nil, c.wrap("list trades", err)
	}
	out := make([]model.UnifiedTrade, 0, len(trades))
	for _, t := range trades {
		out = append(out, toUnifiedTrade(t, c.account.ID))
	}
	return out, nil
}

func (c *Connector) GetBalances(ctx context.Context) ([]model.UnifiedBalance, error) {
	acc, err := c.client.NewGetAccountService().Do(ctx)
	if err != nil {
		return nil, c.wrap("get account", err)
	}
	return toUnifiedBalances(acc, c.account.ID, time.Now().UTC()), nil
}

// SubscribeOrderUpdates opens the user-data stream. A live stream is reused;
// a dropped one is replaced with a fresh listen key.
func (c *Connector) SubscribeOrderUpdates(ctx context.Context) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false, exchange.ErrConnectorClosed
	}
	if c.stream != nil && c.stream.IsConnected() {
		return true, nil
	}
	if c.stream != nil {
		_ = c.stream.Close()
		c.releaseListenKey(c.listenKey)
		c.stream, c.listenKey = nil, ""
	}

	key, err := c.client.NewStartUserStreamService().Do(ctx)
	if err != nil {
		return false, c.wrap("start user stream", err)
	}

	stream := wsclient.New(c.streamURL+"/"+key, nil, c.handleMessage, c.logger)
	stream.OnDisconnect = func(err error) {
		metrics.IncError(Identity, "stream_dropped")
		c.logger.Warn("binance.stream_dropped", zap.String("account", c.account.ID), zap.Error(err))
	}
	if err := stream.Connect(ctx); err != nil {
		_ = stream.Close()
		c.releaseListenKey(key)
		return false, fmt.Errorf("binance: connect user stream: %w: %w", exchange.ErrTransport, err)
	}

	stream.KeepAlive(c.keepAlive, func() error {
		kctx, cancel := context.WithTimeout(c.ctx, 10*time.Second)
		defer cancel()
		return c.client.NewKeepaliveUserStreamService().ListenKey(key).Do(kctx)
	})

	c.stream, c.listenKey = stream, key
	c.logger.Info("binance.stream_subscribed", zap.String("account", c.account.ID))
	return true, nil
}

// Close stops the stream, releases the listen key and closes the event stream.
func (c *Connector) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	stream, key := c.stream, c.listenKey
	c.stream, c.listenKey = nil, ""
	c.mu.Unlock()

	c.cancel()

	var err error
	if stream != nil {
		err = stream.Close()
	}
	c.events.Close()
	c.releaseListenKey(key)
	c.http.CloseIdleConnections()
	return err
}

func (c *Connector) handleMessage(raw []byte) {
	switch decodeEventType(raw) {
	case "executionReport":
		var r executionReport
		if err := json.Unmarshal(raw, &r); err != nil {
			c.logger.Warn("binance.decode_failed", zap.Error(err))
			return
		}
		o, trade := fromExecutionReport(&r, c.account.ID)
		if pair, ok := c.lookup(r.Symbol); ok {
			o.BaseAsset, o.QuoteAsset = pair[0], pair[1]
		}

		kind := exchange.EventUpdateOrder
		if r.ExecutionType == "NEW" {
			kind = exchange.EventNewOrder
		}
		if err := c.events.EmitOrder(c.ctx, kind, o); err != nil {
			return
		}
		if trade != nil {
			_ = c.events.EmitTrade(c.ctx, *trade)
		}
	case "listenKeyExpired":
		c.logger.Warn("binance.listen_key_expired", zap.String("account", c.account.ID))
	case "outboundAccountPosition", "balanceUpdate":
	default:
		c.logger.Debug("binance.stream_ignored", zap.ByteString("payload", raw))
	}
}

func (c *Connector) releaseListenKey(key string) {
	if key == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.client.NewCloseUserStreamService().ListenKey(key).Do(ctx); err != nil {
		c.logger.Debug("binance.listen_key_close_failed", zap.Error(err))
	}
}

// native converts a unified symbol and remembers the split for stream events.
func (c *Connector) native(symbol string) (string, error) {
	base, quote, err := exchange.SplitSymbol(symbol)
	if err != nil {
		return "", err
	}
	n := base + quote
	c.symMu.Lock()
	c.symbols[n] = [2]string{base, quote}
	c.symMu.Unlock()
	return n, nil
}

func (c *Connector) lookup(native string) ([2]string, bool) {
	c.symMu.RLock()
	defer c.symMu.RUnlock()
	pair, ok := c.symbols[native]
	return pair, ok
}

func (c *Connector) order(o *gobinance.Order) model.UnifiedOrder {
	u := toUnifiedOrder(o, c.account.ID)
	if pair, ok := c.lookup(o.Symbol); ok {
		u.BaseAsset, u.QuoteAsset = pair[0], pair[1]
	}
	return u
}

// wrap classifies SDK errors into the exchange taxonomy.
func (c *Connector) wrap(op string, err error) error {
	var apiErr *exchange.APIError
	if errors.As(err, &apiErr) {
		return fmt.Errorf("binance %s: %w", op, err)
	}
	var sdkErr *common.APIError
	if errors.As(err, &sdkErr) {
		return fmt.Errorf("binance %s: %w", op,
			exchange.Classify(Identity, statusForCode(sdkErr.Code), strconv.FormatInt(sdkErr.Code, 10), sdkErr.Message))
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, exchange.ErrTransport) {
		return fmt.Errorf("binance %s: %w", op, err)
	}
	return fmt.Errorf("binance %s: %w: %w", op, exchange.ErrTransport, err)
}

// statusForCode maps Binance error codes to the HTTP status they imply.
func statusForCode(code int64) int {
	switch code {
	case -1003, -1015:
		return http.StatusTooManyRequests
	case -2013, -2011:
		return http.StatusNotFound
	case -1002, -1022, -2014, -2015:
		return http.StatusUnauthorized
	case -1001, -1016:
		return http.StatusServiceUnavailable
	case -1007:
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadRequest
	}
}

func parseID(orderID string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(orderID), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid binance order id %q", exchange.ErrBadRequest, orderID)
	}
	return id, nil
}
