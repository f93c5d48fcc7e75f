package rate

import (
	"context"
	"sync"
	"time"
)

// Config defines rate limiting parameters for one account on one venue.
type Config struct {
	RequestsPerSecond int
	Burst             int
	// Cooldown is how long the bucket refuses tokens after the venue
	// answered 429, when the caller does not supply a Retry-After.
	Cooldown time.Duration
}

// Limiter implements a token bucket with a venue-imposed penalty window.
type Limiter struct {
	mu           sync.Mutex
	tokens       float64
	last         time.Time
	rate         float64
	burst        float64
	cooldown     time.Duration
	blockedUntil time.Time
	now          func() time.Time
}

// New creates a new limiter.
func New(cfg Config) *Limiter {
	return &Limiter{
		tokens:   float64(cfg.Burst),
		last:     time.Now(),
		rate:     float64(cfg.RequestsPerSecond),
		burst:    float64(cfg.Burst),
		cooldown: cfg.Cooldown,
		now:      time.Now,
	}
}

// Allow takes a token if one is available and no penalty window is active.
func (l *Limiter) Allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	elapsed := now.Sub(l.last).Seconds()
	l.last = now

	l.tokens += elapsed * l.rate
	if l.tokens > l.burst {
		l.tokens = l.burst
	}

	if now.Before(l.blockedUntil) {
		return false
	}

	if l.tokens >= 1 {
		l.tokens -= 1
		return true
	}
	return false
}

// Penalize empties the bucket and refuses tokens for d (or the configured
// cooldown when d is zero).
func (l *Limiter) Penalize(d time.Duration) {
	if d <= 0 {
		d = l.cooldown
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.tokens = 0
	if until := l.now().Add(d); until.After(l.blockedUntil) {
		l.blockedUntil = until
	}
}

// Wait blocks until a token becomes available or context is canceled.
func (l *Limiter) Wait(ctx context.Context) error {
	for {
		if l.Allow() {
			return nil
		}
		select {
		case <-time.After(50 * time.Millisecond):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Manager holds per-key limiters (key = exchange|account).
type Manager struct {
	mu        sync.RWMutex
	limiters  map[string]*Limiter
	defaults  Config
	overrides map[string]Config
}

// NewManager creates a manager whose limiters start from defaults.
func NewManager(defaults Config) *Manager {
	return &Manager{
		limiters:  make(map[string]*Limiter),
		defaults:  defaults,
		overrides: make(map[string]Config),
	}
}

// Configure sets the config used for keys with the given prefix (usually
// the exchange identity). Limiters already created keep their config.
func (m *Manager) Configure(prefix string, cfg Config) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.overrides[prefix] = cfg
}

// Key builds the limiter key for an account on an exchange.
func Key(exchange, accountID string) string {
	return exchange + "|" + accountID
}

func (m *Manager) configFor(key string) Config {
	for prefix, cfg := range m.overrides {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			return cfg
		}
	}
	return m.defaults
}

// GetLimiter returns the limiter for key, creating it on first use.
func (m *Manager) GetLimiter(key string) *Limiter {
	m.mu.RLock()
	if lim, ok := m.limiters[key]; ok {
		m.mu.RUnlock()
		return lim
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if lim, ok := m.limiters[key]; ok {
		return lim
	}
	lim := New(m.configFor(key))
	m.limiters[key] = lim
	return lim
}

// Wait ensures rate limit compliance for a given key.
func (m *Manager) Wait(ctx context.Context, key string) error {
	return m.GetLimiter(key).Wait(ctx)
}

// Penalize applies a venue penalty window to key.
func (m *Manager) Penalize(key string, d time.Duration) {
	m.GetLimiter(key).Penalize(d)
}
