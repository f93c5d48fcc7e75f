package resilience

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Checker-Finance/exchange-connectors/internal/exchange"
	"github.com/Checker-Finance/exchange-connectors/internal/metrics"
	"github.com/Checker-Finance/exchange-connectors/internal/notify"
	"github.com/Checker-Finance/exchange-connectors/internal/store"
	"github.com/Checker-Finance/exchange-connectors/pkg/model"
)

const (
	// AlertSource tags every alert raised by a Caller.
	AlertSource = "resilience"

	DefaultAudience  = "Operator"
	DefaultActorRole = "System"
)

// ErrBackoffExhausted is returned by CallErr when 429 persisted past the backoff ceiling.
var ErrBackoffExhausted = errors.New("rate limit backoff exhausted")

// StatusCoder is implemented by responses that carry their own HTTP status.
type StatusCoder interface {
	HTTPStatus() int
}

// Options configure Callers. Store and Notifier are required.
type Options struct {
	Store     store.StateStore
	Notifier  notify.Notifier
	Backoff   Backoff
	Logger    *zap.Logger
	Instance  string
	Audience  string
	ActorRole string
	Sleep     Sleeper
	Now       func() time.Time
}

func (o Options) withDefaults() Options {
	o.Backoff = o.Backoff.withDefaults()
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Audience == "" {
		o.Audience = DefaultAudience
	}
	if o.ActorRole == "" {
		o.ActorRole = DefaultActorRole
	}
	if o.Sleep == nil {
		o.Sleep = sleepCtx
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Caller wraps outbound calls to one dependency. It retries 429 with
// backoff and keeps the dependency's health record, alerting once per
// failure transition. Recovery to Online is never alerted.
//
// An account Caller (see Registry.ForAccount) keeps credential failures on
// its own record and hands every other failure to its venue. Successes
// mark both Online.
type Caller struct {
	dependency string
	key        string
	opts       Options
	logger     *zap.Logger
	venue      *Caller

	// mu serializes the health read-modify-write.
	mu    sync.Mutex
	state *model.ExternalDependencyState
}

func NewCaller(dependency string, opts Options) *Caller {
	opts = opts.withDefaults()
	if opts.Store == nil {
		opts.Store = store.NewMemory()
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.NewDispatcher(opts.Logger, notify.NewLogChannel(opts.Logger))
	}
	return &Caller{
		dependency: dependency,
		key:        store.Key(dependency),
		opts:       opts,
		logger:     opts.Logger.With(zap.String("dependency", dependency)),
	}
}

func (c *Caller) Dependency() string { return c.dependency }

// Call runs action through c and returns the zero value of T on any failure.
func Call[T any](ctx context.Context, c *Caller, action func(context.Context) (T, error)) T {
	v, _ := CallErr(ctx, c, action)
	return v
}

// CallErr is Call that also reports why the zero value was returned.
func CallErr[T any](ctx context.Context, c *Caller, action func(context.Context) (T, error)) (T, error) {
	var zero T
	start := time.Now()
	defer metrics.ObserveDuration(metrics.ExternalCallDuration, start, c.dependency)

	wait := c.opts.Backoff.Initial
	for {
		v, err := action(ctx)
		status := statusOf(v, err)

		if status != http.StatusTooManyRequests {
			if err == nil && status < http.StatusBadRequest {
				c.markOnline(ctx, status)
				if c.venue != nil {
					c.venue.markOnline(ctx, status)
				}
				metrics.IncCall(c.dependency, "ok")
				return v, nil
			}
			if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
				metrics.IncCall(c.dependency, "cancelled")
				return zero, err
			}
			if rejectedLocally(err, status) {
				metrics.IncCall(c.dependency, "rejected")
				return zero, err
			}
			if err == nil {
				err = fmt.Errorf("%s responded with status %d", c.dependency, status)
			}
			c.recordFailure(ctx, status, err)
			metrics.IncCall(c.dependency, "error")
			return zero, err
		}

		next, ok := c.opts.Backoff.Next(wait)
		if !ok {
			c.logger.Warn("resilience.backoff_exhausted",
				zap.Duration("last_wait", wait),
				zap.Error(err))
			metrics.IncCall(c.dependency, "degraded")
			if err == nil {
				return zero, ErrBackoffExhausted
			}
			return zero, fmt.Errorf("%w: %w", ErrBackoffExhausted, err)
		}
		wait = next

		c.logger.Debug("resilience.rate_limited", zap.Duration("wait", wait))
		metrics.RateLimitRetries.WithLabelValues(c.dependency).Inc()
		if serr := c.opts.Sleep(ctx, wait); serr != nil {
			metrics.IncCall(c.dependency, "cancelled")
			return zero, serr
		}
	}
}

// Do runs an action that produces no value.
func (c *Caller) Do(ctx context.Context, action func(context.Context) error) error {
	_, err := CallErr(ctx, c, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, action(ctx)
	})
	return err
}

// rejectedLocally reports an input error raised before any request was
// sent. The dependency was never reached, so its health is left alone.
func rejectedLocally(err error, status int) bool {
	return status < 0 && errors.Is(err, exchange.ErrBadRequest)
}

// recordFailure marks the venue failed, except for credential failures,
// which belong to the account alone.
func (c *Caller) recordFailure(ctx context.Context, status int, cause error) {
	if c.venue == nil || status == http.StatusUnauthorized || status == http.StatusForbidden {
		c.markFailed(ctx, status, cause)
		return
	}
	c.venue.markFailed(ctx, status, cause)
}

func statusOf(v any, err error) int {
	if err != nil {
		return exchange.StatusOf(err)
	}
	if sc, ok := v.(StatusCoder); ok && sc.HTTPStatus() > 0 {
		return sc.HTTPStatus()
	}
	return http.StatusOK
}

// State returns the current health record, loading it on first use.
func (c *Caller) State(ctx context.Context) model.ExternalDependencyState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.load(ctx)
}

// load must be called with mu held. The stored record wins so that
// transitions observed by other instances are respected.
func (c *Caller) load(ctx context.Context) model.ExternalDependencyState {
	def := model.UnknownState(c.dependency, c.opts.Instance)
	if c.state != nil {
		def = *c.state
	}
	st, err := c.opts.Store.GetState(ctx, c.key, def)
	if err != nil {
		c.logger.Warn("resilience.state_read_failed", zap.Error(err))
		st = def
	}
	c.state = &st
	return st
}

func (c *Caller) persist(ctx context.Context, st model.ExternalDependencyState) {
	c.state = &st
	metrics.SetHealth(c.dependency, st.Health)
	if err := c.opts.Store.SetState(ctx, c.key, st, c.opts.ActorRole); err != nil {
		c.logger.Error("resilience.state_write_failed", zap.Error(err))
	}
}

func (c *Caller) markOnline(ctx context.Context, status int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cur := c.load(ctx)
	if cur.Health == model.HealthOnline {
		return
	}
	cur.Health = model.HealthOnline
	cur.Instance = c.opts.Instance
	cur.ObservedAt = c.opts.Now().UTC()
	cur.StatusCode = status
	cur.LastMessage = ""
	c.persist(ctx, cur)

	c.logger.Info("health.state_changed", zap.String("health", string(model.HealthOnline)))
}

func (c *Caller) markFailed(ctx context.Context, status int, cause error) {
	health := model.HealthError
	if status == http.StatusServiceUnavailable {
		health = model.HealthOffline
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	cur := c.load(ctx)
	previous := cur.Health
	cur.Health = health
	cur.Instance = c.opts.Instance
	cur.ObservedAt = c.opts.Now().UTC()
	cur.StatusCode = status
	cur.LastMessage = cause.Error()
	c.persist(ctx, cur)

	if previous == health {
		c.logger.Debug("health.state_unchanged", zap.String("health", string(health)), zap.Error(cause))
		return
	}

	c.logger.Warn("health.state_changed",
		zap.String("from", string(previous)),
		zap.String("to", string(health)),
		zap.Int("status", status),
		zap.Error(cause))
	c.alert(ctx, cur)
}

func (c *Caller) alert(ctx context.Context, st model.ExternalDependencyState) {
	severity := notify.SeverityError
	if st.Health == model.HealthOffline {
		severity = notify.SeverityWarning
	}
	title := fmt.Sprintf("%s API is %s", c.dependency, st.Health)
	message := fmt.Sprintf("%s returned status %d: %s", c.dependency, st.StatusCode, st.LastMessage)
	detail := fmt.Sprintf("instance=%s observed_at=%s", st.Instance, st.ObservedAt.Format(time.RFC3339))

	id, err := c.opts.Notifier.Notify(ctx, AlertSource, severity, title, message, detail, c.opts.Audience)
	metrics.HealthAlertsTotal.WithLabelValues(c.dependency, string(st.Health)).Inc()
	if err != nil {
		c.logger.Error("resilience.notify_failed", zap.String("alert_id", id), zap.Error(err))
	}
}
