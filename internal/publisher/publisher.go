package publisher

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/Checker-Finance/exchange-connectors/internal/metrics"
	"github.com/Checker-Finance/exchange-connectors/pkg/model"
)

const (
	SubjectOrderCreated   = "evt.exchange.order.created.v1"
	SubjectOrderUpdated   = "evt.exchange.order.updated.v1"
	SubjectTradeExecuted  = "evt.exchange.trade.executed.v1"
	SubjectBalanceUpdated = "evt.exchange.balance.updated.v1"
)

// jetStream is the publish side of nats.JetStreamContext.
type jetStream interface {
	PublishMsg(m *nats.Msg, opts ...nats.PubOpt) (*nats.PubAck, error)
}

// Publisher publishes unified exchange events to NATS JetStream.
type Publisher struct {
	nc      *nats.Conn
	js      jetStream
	service string
	logger  *zap.Logger
}

// New creates a Publisher on a JetStream context of nc.
func New(nc *nats.Conn, service string, logger *zap.Logger) (*Publisher, error) {
	js, err := nc.JetStream()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{nc: nc, js: js, service: service, logger: logger}, nil
}

// PublishEnvelope serializes env and publishes it on its topic.
func (p *Publisher) PublishEnvelope(ctx context.Context, env *model.Envelope) error {
	subject := env.Topic
	data, err := json.Marshal(env)
	if err != nil {
		p.logger.Error("publisher.marshal_failed",
			zap.String("subject", subject),
			zap.String("event_type", env.EventType),
			zap.Error(err))
		metrics.IncError("publisher", "marshal_failed")
		return err
	}

	msg := &nats.Msg{
		Subject: subject,
		Data:    data,
		Header: nats.Header{
			"event_type":   []string{env.EventType},
			"event_id":     []string{env.ID.String()},
			"service":      []string{p.service},
			"content_type": []string{"application/json"},
			"account_id":   []string{env.AccountID},
			"exchange":     []string{env.Exchange},
		},
	}
	// Dedupe on the envelope id if the stream has a duplicate window.
	msg.Header.Set(nats.MsgIdHdr, env.ID.String())

	start := time.Now()
	_, err = p.js.PublishMsg(msg, nats.Context(ctx))
	metrics.ObserveDuration(metrics.NATSMessageLatency, start, subject)

	if err != nil {
		p.logger.Error("publisher.publish_failed",
			zap.String("subject", subject),
			zap.String("event_type", env.EventType),
			zap.String("account_id", env.AccountID),
			zap.Error(err))
		metrics.IncNATSMessage(subject, "error")
		return err
	}

	p.logger.Debug("publisher.publish_success",
		zap.String("subject", subject),
		zap.String("event_type", env.EventType),
		zap.String("account_id", env.AccountID))
	metrics.IncNATSMessage(subject, "ok")
	return nil
}

// PublishOrder emits order.created for new orders and order.updated otherwise.
func (p *Publisher) PublishOrder(ctx context.Context, o model.UnifiedOrder, created bool) error {
	subject, eventType := SubjectOrderUpdated, "order.updated"
	if created {
		subject, eventType = SubjectOrderCreated, "order.created"
	}
	env, err := model.NewEnvelope(subject, eventType, o.AccountID, o.Exchange, o)
	if err != nil {
		return err
	}
	return p.PublishEnvelope(ctx, env)
}

func (p *Publisher) PublishTrade(ctx context.Context, t model.UnifiedTrade) error {
	env, err := model.NewEnvelope(SubjectTradeExecuted, "trade.executed", t.AccountID, t.Exchange, t)
	if err != nil {
		return err
	}
	return p.PublishEnvelope(ctx, env)
}

// PublishBalances emits one balance.updated event carrying every balance of the account.
func (p *Publisher) PublishBalances(ctx context.Context, accountID, exchange string, balances []model.UnifiedBalance) error {
	env, err := model.NewEnvelope(SubjectBalanceUpdated, "balance.updated", accountID, exchange, balances)
	if err != nil {
		return err
	}
	return p.PublishEnvelope(ctx, env)
}

// HealthCheck reports whether the NATS connection is up.
func (p *Publisher) HealthCheck() error {
	if p.nc == nil || !p.nc.IsConnected() {
		return nats.ErrConnectionClosed
	}
	return nil
}

func (p *Publisher) Close() {
	if p.nc != nil && p.nc.IsConnected() {
		_ = p.nc.Drain()
	}
}
