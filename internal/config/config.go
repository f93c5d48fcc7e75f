package config

import (
	"strings"
	"time"

	"github.com/joho/godotenv"

	pkgconfig "github.com/Checker-Finance/exchange-connectors/pkg/config"
)

// AccountRef names one exchange account to connect.
type AccountRef struct {
	Exchange  string
	AccountID string
}

// Config holds the runtime configuration of the connector gateway.
type Config struct {
	ServiceName string // e.g. "connector-gateway"
	Env         string // e.g. "dev", "uat", "prod"
	LogLevel    string
	Instance    string // overrides the hostname-derived instance tag
	Port        int

	HTTPReadTimeout   time.Duration
	HTTPWriteTimeout  time.Duration
	HTTPIdleTimeout   time.Duration
	HTTPClientTimeout time.Duration

	NATSURL   string
	RedisAddr string
	RedisDB   int
	RedisPass string

	DatabaseURL         string // empty keeps health state in Redis only
	PGMaxConns          int
	PGMinConns          int
	PGMaxConnLifetime   time.Duration
	PGMaxConnIdleTime   time.Duration
	PGHealthCheckPeriod time.Duration

	AWSRegion      string
	AWSEndpoint    string // LocalStack in dev
	CacheTTL       time.Duration
	CleanupFreq    time.Duration
	RabbitMQURL    string // empty disables email alerts
	AlertQueue     string
	AlertWebhook   string // empty disables chat alerts
	AlertAudience  string
	StateActorRole string

	BackoffInitial time.Duration
	BackoffCeiling time.Duration

	RequestsPerSecond int
	RequestBurst      int
	RateCooldown      time.Duration

	EventBuffer         int
	BalancePollInterval time.Duration
	Sandbox             bool
	Exchanges           []string
	Accounts            []AccountRef // empty means discover from the secrets store
}

// Load loads configuration from environment variables and .env file if present.
func Load() *Config {
	// load .env silently (no error if missing)
	_ = godotenv.Load()

	return &Config{
		ServiceName:       pkgconfig.GetEnv("SERVICE_NAME", "connector-gateway"),
		Env:               pkgconfig.GetEnv("ENV", "dev"),
		LogLevel:          pkgconfig.GetEnv("LOG_LEVEL", "info"),
		Instance:          pkgconfig.GetEnv("INSTANCE_TAG", ""),
		Port:              pkgconfig.GetEnvInt("PORT", 9030),
		HTTPReadTimeout:   pkgconfig.GetEnvDuration("HTTP_READ_TIMEOUT", 10*time.Second),
		HTTPWriteTimeout:  pkgconfig.GetEnvDuration("HTTP_WRITE_TIMEOUT", 10*time.Second),
		HTTPIdleTimeout:   pkgconfig.GetEnvDuration("HTTP_IDLE_TIMEOUT", 60*time.Second),
		HTTPClientTimeout: pkgconfig.GetEnvDuration("HTTP_CLIENT_TIMEOUT", 30*time.Second),

		NATSURL:   pkgconfig.GetEnv("NATS_URL", "nats://localhost:4222"),
		RedisAddr: pkgconfig.GetEnv("REDIS_ADDR", "localhost:6379"),
		RedisDB:   pkgconfig.GetEnvInt("REDIS_DB", 0),
		RedisPass: pkgconfig.GetEnv("REDIS_PASS", ""),

		DatabaseURL:         pkgconfig.GetEnv("DATABASE_URL", ""),
		PGMaxConns:          pkgconfig.GetEnvInt("PG_MAX_CONNS", 10),
		PGMinConns:          pkgconfig.GetEnvInt("PG_MIN_CONNS", 2),
		PGMaxConnLifetime:   pkgconfig.GetEnvDuration("PG_MAX_CONN_LIFETIME", 30*time.Minute),
		PGMaxConnIdleTime:   pkgconfig.GetEnvDuration("PG_MAX_CONN_IDLE_TIME", 5*time.Minute),
		PGHealthCheckPeriod: pkgconfig.GetEnvDuration("PG_HEALTH_CHECK_PERIOD", 1*time.Minute),

		AWSRegion:      pkgconfig.GetEnv("AWS_REGION", "us-east-2"),
		AWSEndpoint:    pkgconfig.GetEnv("AWS_ENDPOINT", ""),
		CacheTTL:       pkgconfig.GetEnvDuration("CACHE_TTL", 24*time.Hour),
		CleanupFreq:    pkgconfig.GetEnvDuration("CACHE_CLEANUP_FREQ", 10*time.Minute),
		RabbitMQURL:    pkgconfig.GetEnv("RABBITMQ_URL", ""),
		AlertQueue:     pkgconfig.GetEnv("ALERT_QUEUE", "alerts.email"),
		AlertWebhook:   pkgconfig.GetEnv("ALERT_WEBHOOK_URL", ""),
		AlertAudience:  pkgconfig.GetEnv("ALERT_AUDIENCE", "Operator"),
		StateActorRole: pkgconfig.GetEnv("STATE_ACTOR_ROLE", "System"),

		BackoffInitial: pkgconfig.GetEnvDuration("BACKOFF_INITIAL", 500*time.Millisecond),
		BackoffCeiling: pkgconfig.GetEnvDuration("BACKOFF_CEILING", 64*time.Second),

		RequestsPerSecond: pkgconfig.GetEnvInt("RATE_RPS", 10),
		RequestBurst:      pkgconfig.GetEnvInt("RATE_BURST", 20),
		RateCooldown:      pkgconfig.GetEnvDuration("RATE_COOLDOWN", 1*time.Second),

		EventBuffer:         pkgconfig.GetEnvInt("EVENT_BUFFER", 256),
		BalancePollInterval: pkgconfig.GetEnvDuration("BALANCE_POLL_INTERVAL", 1*time.Minute),
		Sandbox:             pkgconfig.GetEnvBool("SANDBOX", false),
		Exchanges:           pkgconfig.GetEnvList("EXCHANGES", []string{"binance", "kucoin"}),
		Accounts:            ParseAccounts(pkgconfig.GetEnvList("ACCOUNTS", nil)),
	}
}

// ParseAccounts reads "exchange:accountID" entries. Malformed entries are skipped.
func ParseAccounts(entries []string) []AccountRef {
	var out []AccountRef
	for _, e := range entries {
		ex, id, ok := strings.Cut(e, ":")
		ex, id = strings.ToLower(strings.TrimSpace(ex)), strings.TrimSpace(id)
		if !ok || ex == "" || id == "" {
			continue
		}
		out = append(out, AccountRef{Exchange: ex, AccountID: id})
	}
	return out
}
