package kucoin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	sdkapi "github.com/Kucoin/kucoin-universal-sdk/sdk/golang/pkg/api"
	sdkaccount "github.com/Kucoin/kucoin-universal-sdk/sdk/golang/pkg/generate/account/account"
	sdkorder "github.com/Kucoin/kucoin-universal-sdk/sdk/golang/pkg/generate/spot/order"
	"github.com/Kucoin/kucoin-universal-sdk/sdk/golang/pkg/generate/spot/spotprivate"
	sdktype "github.com/Kucoin/kucoin-universal-sdk/sdk/golang/pkg/types"
	"go.uber.org/zap"

	"github.com/Checker-Finance/exchange-connectors/internal/exchange"
	"github.com/Checker-Finance/exchange-connectors/pkg/model"
)

// orderQuery selects one page of /api/v1/orders. KuCoin rejects spans
// longer than maxWindow.
type orderQuery struct {
	Symbol  string
	Status  string
	StartAt time.Time
	EndAt   time.Time
	Page    int
}

// restAPI is the part of the KuCoin REST surface the connector uses.
type restAPI interface {
	ListOrders(ctx context.Context, q orderQuery) (*paged[order], error)
	GetOrder(ctx context.Context, orderID string) (*order, error)
	ListFills(ctx context.Context, orderID string, page int) (*paged[fill], error)
	Accounts(ctx context.Context) ([]account, error)
}

// orderStream is a live private order channel.
type orderStream interface {
	// Failed reports that the SDK gave up reconnecting.
	Failed() bool
	Close()
}

// streamDialer opens the private order channel and delivers every change to onChange.
type streamDialer func(onChange func(*orderChange)) (orderStream, error)

// sdkConfig carries what every SDK client for one account needs.
type sdkConfig struct {
	endpoint string
	cred     model.ExchangeCredential
	timeout  time.Duration
	logger   *zap.Logger
}

// client builds an SDK client for the account. onEvent, when set, receives
// WebSocket lifecycle events.
func (cfg sdkConfig) client(onEvent func(sdktype.WebSocketEvent, string)) sdkapi.Client {
	transport := sdktype.NewTransportOptionBuilder().
		SetTimeout(cfg.timeout).
		Build()

	b := sdktype.NewClientOptionBuilder().
		WithKey(cfg.cred.APIKey).
		WithSecret(cfg.cred.Secret).
		WithPassphrase(cfg.cred.PrivateKey).
		WithSpotEndpoint(cfg.endpoint).
		WithTransportOption(transport)
	if onEvent != nil {
		b = b.WithWebSocketClientOption(sdktype.NewWebSocketClientOptionBuilder().
			WithEventCallback(onEvent).
			Build())
	}
	return sdkapi.NewClient(b.Build())
}

// sdkREST serves restAPI from the universal SDK's spot order and account services.
type sdkREST struct {
	orders   sdkorder.OrderAPI
	accounts sdkaccount.AccountAPI
}

func newSDKREST(cfg sdkConfig) *sdkREST {
	rest := cfg.client(nil).RestService()
	return &sdkREST{
		orders:   rest.GetSpotService().GetOrderAPI(),
		accounts: rest.GetAccountService().GetAccountAPI(),
	}
}

func (s *sdkREST) ListOrders(ctx context.Context, q orderQuery) (*paged[order], error) {
	req := sdkorder.NewGetOrdersListOldReqBuilder().
		SetSymbol(q.Symbol).
		SetStatus(q.Status).
		SetTradeType("TRADE").
		SetStartAt(q.StartAt.UnixMilli()).
		SetEndAt(q.EndAt.UnixMilli()).
		SetCurrentPage(int32(q.Page)).
		SetPageSize(pageSize).
		Build()
	resp, err := s.orders.GetOrdersListOld(req, ctx)
	if err != nil {
		return nil, err
	}
	var out paged[order]
	if err := recode(resp, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *sdkREST) GetOrder(ctx context.Context, orderID string) (*order, error) {
	req := sdkorder.NewGetOrderByOrderIdOldReqBuilder().SetOrderId(orderID).Build()
	resp, err := s.orders.GetOrderByOrderIdOld(req, ctx)
	if err != nil {
		return nil, err
	}
	var out order
	if err := recode(resp, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *sdkREST) ListFills(ctx context.Context, orderID string, page int) (*paged[fill], error) {
	req := sdkorder.NewGetTradeHistoryOldReqBuilder().
		SetOrderId(orderID).
		SetTradeType("TRADE").
		SetCurrentPage(int32(page)).
		SetPageSize(pageSize).
		Build()
	resp, err := s.orders.GetTradeHistoryOld(req, ctx)
	if err != nil {
		return nil, err
	}
	var out paged[fill]
	if err := recode(resp, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *sdkREST) Accounts(ctx context.Context) ([]account, error) {
	req := sdkaccount.NewGetSpotAccountListReqBuilder().SetType("trade").Build()
	resp, err := s.accounts.GetSpotAccountList(req, ctx)
	if err != nil {
		return nil, err
	}
	var out []account
	if err := recode(resp.Data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// sdkStream is the SDK's private spot WebSocket subscribed to tradeOrdersV2.
// The SDK owns the token, handshake, pings and reconnects.
type sdkStream struct {
	ws     spotprivate.SpotPrivateWS
	subID  string
	failed atomic.Bool
	logger *zap.Logger
}

func sdkDialer(cfg sdkConfig) streamDialer {
	return func(onChange func(*orderChange)) (orderStream, error) {
		s := &sdkStream{logger: cfg.logger}
		s.ws = cfg.client(s.onEvent).WsService().NewSpotPrivateWS()
		if s.ws == nil {
			return nil, fmt.Errorf("%w: kucoin private websocket unavailable", exchange.ErrTransport)
		}
		if err := s.ws.Start(); err != nil {
			return nil, translate(err)
		}

		id, err := s.ws.OrderV2(func(topic, _ string, data *spotprivate.OrderV2Event) error {
			var change orderChange
			if err := recode(data, &change); err != nil {
				s.logger.Warn("kucoin.decode_failed", zap.String("topic", topic), zap.Error(err))
				return nil
			}
			onChange(&change)
			return nil
		})
		if err != nil {
			s.ws.Stop()
			return nil, translate(err)
		}
		s.subID = id
		return s, nil
	}
}

func (s *sdkStream) onEvent(event sdktype.WebSocketEvent, msg string) {
	switch event {
	case sdktype.EventClientFail:
		s.failed.Store(true)
		s.logger.Warn("kucoin.stream_failed", zap.String("message", msg))
	case sdktype.EventErrorReceived:
		s.logger.Warn("kucoin.stream_error", zap.String("message", msg))
	default:
		s.logger.Debug("kucoin.stream_event", zap.String("event", event.String()), zap.String("message", msg))
	}
}

func (s *sdkStream) Failed() bool { return s.failed.Load() }

func (s *sdkStream) Close() {
	if s.subID != "" {
		s.ws.UnSubscribe(s.subID)
	}
	s.ws.Stop()
}

// recode moves an SDK model into the matching wire type through its JSON tags.
func recode(src, dst any) error {
	raw, err := json.Marshal(src)
	if err != nil {
		return fmt.Errorf("kucoin: encode sdk model: %w", err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("kucoin: decode sdk model: %w", err)
	}
	return nil
}

// translate turns SDK failures into *exchange.APIError. Business codes are
// mapped to the HTTP status they imply; anything without a code is a
// transport failure.
func translate(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var apiErr *exchange.APIError
	if errors.As(err, &apiErr) || errors.Is(err, exchange.ErrTransport) {
		return err
	}
	var restErr *sdktype.RestError
	if errors.As(err, &restErr) {
		if resp := restErr.GetCommonResponse(); resp != nil && resp.Code != "" && resp.Code != successCode {
			return exchange.Classify(Identity, statusForCode(resp.Code), resp.Code, resp.Message)
		}
	}
	return fmt.Errorf("%w: %w", exchange.ErrTransport, err)
}

const successCode = "200000"

// statusForCode maps KuCoin business codes to the HTTP status they imply.
func statusForCode(code string) int {
	switch code {
	case "400001", "400002", "400003", "400004", "400005", "400006", "400007", "411100":
		return http.StatusUnauthorized
	case "429000":
		return http.StatusTooManyRequests
	case "404000", "400900":
		return http.StatusNotFound
	case "500000":
		return http.StatusInternalServerError
	case "503000":
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadRequest
	}
}
