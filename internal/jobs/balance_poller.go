package jobs

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Checker-Finance/exchange-connectors/internal/exchange"
	"github.com/Checker-Finance/exchange-connectors/internal/metrics"
	"github.com/Checker-Finance/exchange-connectors/internal/resilience"
	"github.com/Checker-Finance/exchange-connectors/pkg/model"
)

// BalancePublisher receives polled balances.
type BalancePublisher interface {
	PublishBalances(ctx context.Context, accountID, exchange string, balances []model.UnifiedBalance) error
}

// BalancePoller periodically fetches balances of every registered connector
// through its account's resilient caller and publishes them.
type BalancePoller struct {
	logger   *zap.Logger
	callers  *resilience.Registry
	pub      BalancePublisher
	interval time.Duration

	mu         sync.Mutex
	connectors []exchange.Connector

	stopCh   chan struct{}
	stopOnce sync.Once
}

func NewBalancePoller(logger *zap.Logger, callers *resilience.Registry, pub BalancePublisher, interval time.Duration) *BalancePoller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BalancePoller{
		logger:   logger,
		callers:  callers,
		pub:      pub,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Add registers a connector to be polled.
func (p *BalancePoller) Add(c exchange.Connector) {
	p.mu.Lock()
	p.connectors = append(p.connectors, c)
	p.mu.Unlock()
}

// Start polls immediately and then on every tick until ctx ends or Stop is called.
func (p *BalancePoller) Start(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.logger.Info("balance_poller.started", zap.Duration("interval", p.interval))
	p.runOnce(ctx)

	for {
		select {
		case <-ticker.C:
			p.runOnce(ctx)
		case <-p.stopCh:
			p.logger.Info("balance_poller.stopped", zap.String("reason", "stop"))
			return
		case <-ctx.Done():
			p.logger.Info("balance_poller.stopped", zap.String("reason", "context"))
			return
		}
	}
}

func (p *BalancePoller) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
}

func (p *BalancePoller) runOnce(ctx context.Context) {
	p.mu.Lock()
	conns := append([]exchange.Connector(nil), p.connectors...)
	p.mu.Unlock()

	for _, c := range conns {
		if ctx.Err() != nil {
			return
		}
		p.pollOne(ctx, c)
	}
	metrics.LastPollTimestamp.WithLabelValues("balance_poller").Set(float64(time.Now().Unix()))
}

func (p *BalancePoller) pollOne(ctx context.Context, c exchange.Connector) {
	log := p.logger.With(zap.String("exchange", c.Exchange()), zap.String("account_id", c.AccountID()))

	balances := resilience.Call(ctx, p.callers.ForAccount(c.Exchange(), c.AccountID()), c.GetBalances)
	if len(balances) == 0 {
		// Failures were already classified and alerted by the caller.
		log.Warn("balance_poller.balances_unavailable")
		return
	}

	if err := p.pub.PublishBalances(ctx, c.AccountID(), c.Exchange(), balances); err != nil {
		log.Warn("balance_poller.publish_failed", zap.Error(err))
		metrics.IncError("balance_poller", "publish_failed")
		return
	}
	log.Debug("balance_poller.published", zap.Int("assets", len(balances)))
}
