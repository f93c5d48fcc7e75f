package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/Checker-Finance/exchange-connectors/internal/api"
	"github.com/Checker-Finance/exchange-connectors/internal/config"
	"github.com/Checker-Finance/exchange-connectors/internal/connectors"
	"github.com/Checker-Finance/exchange-connectors/internal/exchange"
	"github.com/Checker-Finance/exchange-connectors/internal/jobs"
	"github.com/Checker-Finance/exchange-connectors/internal/ledger"
	"github.com/Checker-Finance/exchange-connectors/internal/notify"
	"github.com/Checker-Finance/exchange-connectors/internal/publisher"
	"github.com/Checker-Finance/exchange-connectors/internal/rate"
	"github.com/Checker-Finance/exchange-connectors/internal/relay"
	"github.com/Checker-Finance/exchange-connectors/internal/resilience"
	internalsecrets "github.com/Checker-Finance/exchange-connectors/internal/secrets"
	"github.com/Checker-Finance/exchange-connectors/internal/store"
	"github.com/Checker-Finance/exchange-connectors/pkg/logger"
	"github.com/Checker-Finance/exchange-connectors/pkg/model"
	"github.com/Checker-Finance/exchange-connectors/pkg/secrets"
	"github.com/Checker-Finance/exchange-connectors/pkg/utils"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Load configuration ---
	cfg := config.Load()

	logger.Init(cfg.ServiceName, cfg.Env, cfg.LogLevel)
	defer logger.Sync()
	logg := logger.S()
	instance := cfg.Instance
	if instance == "" {
		instance = logger.Instance()
	}
	logg.Infow("starting [connector-gateway]...", "instance", instance, "exchanges", cfg.Exchanges)
	if cfg.DatabaseURL != "" {
		logg.Info("connection to DSN: ", utils.MaskDSN(cfg.DatabaseURL))
	}

	// --- Health state store (Redis + optional Postgres) ---
	st, err := store.NewHybrid(cfg.RedisAddr, cfg.RedisPass, cfg.RedisDB, cfg.DatabaseURL, store.PGPoolConfig{
		MaxConns:          int32(cfg.PGMaxConns),
		MinConns:          int32(cfg.PGMinConns),
		MaxConnLifetime:   cfg.PGMaxConnLifetime,
		MaxConnIdleTime:   cfg.PGMaxConnIdleTime,
		HealthCheckPeriod: cfg.PGHealthCheckPeriod,
	}, logger.Named("store"))
	if err != nil {
		logg.Fatalw("failed to init store", "error", err)
	}
	defer func() { _ = st.Close() }()

	// --- Connect to NATS ---
	nc, err := nats.Connect(cfg.NATSURL, nats.Name(instance))
	if err != nil {
		logg.Fatalw("failed to connect to NATS", "error", err)
	}

	pub, err := publisher.New(nc, cfg.ServiceName, logger.Named("publisher"))
	if err != nil {
		logg.Fatalw("failed to init publisher", "error", err)
	}
	defer pub.Close()

	// --- Notifier channels ---
	channels := []notify.Channel{notify.NewLogChannel(logger.Named("alerts"))}
	natsAlerts, err := notify.NewNATSChannel(nc, cfg.ServiceName)
	if err != nil {
		logg.Fatalw("failed to init alert channel", "error", err)
	}
	channels = append(channels, natsAlerts)
	if cfg.RabbitMQURL != "" {
		mail, err := notify.NewRabbitChannel(cfg.RabbitMQURL, cfg.AlertQueue)
		if err != nil {
			logg.Warnw("email alerts disabled", "error", err)
		} else {
			defer func() { _ = mail.Close() }()
			channels = append(channels, mail)
		}
	}
	if cfg.AlertWebhook != "" {
		channels = append(channels, notify.NewWebhookChannel(cfg.AlertWebhook,
			&http.Client{Timeout: cfg.HTTPClientTimeout}, logger.Named("alerts")))
	}
	notifier := notify.NewDispatcher(logger.Named("notify"), channels...)

	// --- Resilient callers, one per dependency ---
	callers := resilience.NewRegistry(resilience.Options{
		Store:     st,
		Notifier:  notifier,
		Backoff:   resilience.Backoff{Initial: cfg.BackoffInitial, Ceiling: cfg.BackoffCeiling, Factor: resilience.DefaultBackoffFactor},
		Logger:    logger.Named("resilience"),
		Instance:  instance,
		Audience:  cfg.AlertAudience,
		ActorRole: cfg.StateActorRole,
	})

	// --- Credentials ---
	awsProvider, err := secrets.NewAWSProvider(ctx, cfg.AWSRegion, cfg.AWSEndpoint)
	if err != nil {
		logg.Fatalw("failed to create AWS Secrets Manager provider", "error", err)
	}
	credCache := secrets.NewCache[model.ExchangeCredential](cfg.CacheTTL)
	go credCache.StartCleaner(ctx, cfg.CleanupFreq)
	resolver := internalsecrets.NewCredentialResolver(logger.Named("secrets"), cfg.Env, awsProvider, credCache)

	// --- Connector factory ---
	rateMgr := rate.NewManager(rate.Config{
		RequestsPerSecond: cfg.RequestsPerSecond,
		Burst:             cfg.RequestBurst,
		Cooldown:          cfg.RateCooldown,
	})
	factory := connectors.NewFactory(exchange.Options{
		Logger:      logger.L(),
		RateLimits:  rateMgr,
		HTTPClient:  &http.Client{Timeout: cfg.HTTPClientTimeout},
		EventBuffer: cfg.EventBuffer,
	})

	var tradeWriter relay.TradeWriter
	if st.HasPostgres() {
		tradeWriter = ledger.NewTradeSyncWriter(st, logger.Named("ledger"), cfg.ServiceName)
	}
	rl := relay.New(pub, tradeWriter, logger.Named("relay"))
	poller := jobs.NewBalancePoller(logger.Named("balances"), callers, pub, cfg.BalancePollInterval)

	// --- Build a connector per account ---
	live := buildConnectors(ctx, cfg, factory, resolver, logg.Desugar())

	var wg sync.WaitGroup
	subscribed := &sync.Map{}
	for _, c := range live {
		poller.Add(c)
		wg.Add(1)
		go func(c exchange.Connector) {
			defer wg.Done()
			rl.Run(ctx, c)
		}(c)
		wg.Add(1)
		go func(c exchange.Connector) {
			defer wg.Done()
			superviseStream(ctx, callers.ForAccount(c.Exchange(), c.AccountID()), c, cfg.BalancePollInterval, subscribed)
		}(c)
	}
	go poller.Start(ctx)

	// --- Fiber HTTP Server ---
	app := fiber.New(fiber.Config{
		ReadTimeout:  cfg.HTTPReadTimeout,
		WriteTimeout: cfg.HTTPWriteTimeout,
		IdleTimeout:  cfg.HTTPIdleTimeout,
	})
	api.RegisterRoutes(app, &api.Handler{
		Logger: logger.Named("api"),
		Bus:    pub,
		Store:  st,
		Deps:   callers,
		Connectors: func() []api.ConnectorInfo {
			out := make([]api.ConnectorInfo, 0, len(live))
			for _, c := range live {
				v, _ := subscribed.Load(streamKey(c))
				ok, _ := v.(bool)
				out = append(out, api.ConnectorInfo{Exchange: c.Exchange(), AccountID: c.AccountID(), Subscribed: ok})
			}
			return out
		},
	})
	go func() {
		logg.Infof("HTTP API listening on :%d", cfg.Port)
		if err := app.Listen(fmt.Sprintf(":%d", cfg.Port)); err != nil {
			logg.Fatalw("fiber.listen_failed", "error", err)
		}
	}()

	logg.Infow("[connector-gateway] running",
		"nats", cfg.NATSURL,
		"env", cfg.Env,
		"connectors", len(live),
		"sandbox", cfg.Sandbox)

	<-ctx.Done()
	logg.Info("shutting down [connector-gateway]...")

	poller.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		logg.Warnw("fiber shutdown failed", "error", err)
	}
	for _, c := range live {
		if err := c.Close(); err != nil {
			logg.Warnw("connector close failed", "exchange", c.Exchange(), "account", c.AccountID(), "error", err)
		}
	}
	wg.Wait()
	logg.Info("[connector-gateway] stopped")
}

// buildConnectors resolves credentials and creates one connector per account.
// Accounts that fail are logged and skipped.
func buildConnectors(ctx context.Context, cfg *config.Config, factory *exchange.Factory, resolver *internalsecrets.CredentialResolver, log *zap.Logger) []exchange.Connector {
	refs := cfg.Accounts
	if len(refs) == 0 {
		for _, ex := range cfg.Exchanges {
			ids, err := resolver.DiscoverAccounts(ctx, ex)
			if err != nil {
				log.Warn("accounts.discovery_failed", zap.String("exchange", ex), zap.Error(err))
				continue
			}
			for _, id := range ids {
				refs = append(refs, config.AccountRef{Exchange: ex, AccountID: id})
			}
		}
	}

	var out []exchange.Connector
	for _, ref := range refs {
		acc, err := resolver.Account(ctx, ref.AccountID, ref.Exchange)
		if err != nil {
			log.Warn("accounts.credential_failed", zap.String("exchange", ref.Exchange), zap.String("account", ref.AccountID), zap.Error(err))
			continue
		}
		c, err := factory.GetClient(ref.Exchange, acc, cfg.Sandbox || acc.Credential.Sandbox)
		if err != nil {
			log.Error("accounts.connector_failed", zap.String("exchange", ref.Exchange), zap.String("account", ref.AccountID), zap.Error(err))
			continue
		}
		out = append(out, c)
	}
	return out
}

func streamKey(c exchange.Connector) string {
	return rate.Key(c.Exchange(), c.AccountID())
}

// superviseStream keeps the order-update stream of c alive. Subscribing is
// idempotent, so re-calling it only reconnects a dropped stream.
func superviseStream(ctx context.Context, caller *resilience.Caller, c exchange.Connector, every time.Duration, state *sync.Map) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		ok := resilience.Call(ctx, caller, c.SubscribeOrderUpdates)
		state.Store(streamKey(c), ok)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
