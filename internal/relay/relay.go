package relay

import (
	"context"

	"go.uber.org/zap"

	"github.com/Checker-Finance/exchange-connectors/internal/exchange"
	"github.com/Checker-Finance/exchange-connectors/internal/metrics"
	"github.com/Checker-Finance/exchange-connectors/pkg/model"
)

// Publisher receives unified orders and trades.
type Publisher interface {
	PublishOrder(ctx context.Context, o model.UnifiedOrder, created bool) error
	PublishTrade(ctx context.Context, t model.UnifiedTrade) error
}

// TradeWriter persists trades.
type TradeWriter interface {
	SyncTrade(ctx context.Context, t *model.UnifiedTrade) error
}

// Relay forwards connector events to the publisher and, for trades, the ledger.
type Relay struct {
	pub    Publisher
	ledger TradeWriter
	logger *zap.Logger
}

// New builds a Relay. ledger may be nil.
func New(pub Publisher, ledger TradeWriter, logger *zap.Logger) *Relay {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Relay{pub: pub, ledger: ledger, logger: logger}
}

// Run consumes c's events until ctx ends or the connector is closed.
// Forwarding failures are logged and counted; they never stop the loop.
func (r *Relay) Run(ctx context.Context, c exchange.Connector) {
	events := c.Events().Subscribe(ctx)
	log := r.logger.With(zap.String("exchange", c.Exchange()), zap.String("account_id", c.AccountID()))
	log.Info("relay.started")
	defer log.Info("relay.stopped")

	for ev := range events {
		r.handle(ctx, log, ev)
	}
}

func (r *Relay) handle(ctx context.Context, log *zap.Logger, ev exchange.Event) {
	switch ev.Kind {
	case exchange.EventNewOrder, exchange.EventUpdateOrder:
		if ev.Order == nil {
			return
		}
		if err := r.pub.PublishOrder(ctx, *ev.Order, ev.Kind == exchange.EventNewOrder); err != nil {
			log.Warn("relay.order_publish_failed", zap.String("order_id", ev.Order.OrderID), zap.Error(err))
			metrics.IncError("relay", "order_publish_failed")
			return
		}
	case exchange.EventNewTrade:
		if ev.Trade == nil {
			return
		}
		if r.ledger != nil {
			if err := r.ledger.SyncTrade(ctx, ev.Trade); err != nil {
				metrics.IncError("relay", "trade_sync_failed")
			}
		}
		if err := r.pub.PublishTrade(ctx, *ev.Trade); err != nil {
			log.Warn("relay.trade_publish_failed", zap.String("trade_id", ev.Trade.TradeID), zap.Error(err))
			metrics.IncError("relay", "trade_publish_failed")
			return
		}
	default:
		log.Debug("relay.unknown_event", zap.String("kind", string(ev.Kind)))
		return
	}
	metrics.IncEvent(ev.Exchange, string(ev.Kind), "relayed")
}
