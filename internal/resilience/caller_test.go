package resilience

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Checker-Finance/exchange-connectors/internal/exchange"
	"github.com/Checker-Finance/exchange-connectors/internal/httpclient"
	"github.com/Checker-Finance/exchange-connectors/internal/notify"
	"github.com/Checker-Finance/exchange-connectors/internal/store"
	"github.com/Checker-Finance/exchange-connectors/pkg/model"
)

// recordingSleeper captures backoff waits without sleeping.
type recordingSleeper struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (s *recordingSleeper) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.waits = append(s.waits, d)
	s.mu.Unlock()
	return ctx.Err()
}

func (s *recordingSleeper) reset() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.waits
	s.waits = nil
	return out
}

type harness struct {
	caller  *Caller
	store   *store.MemoryStore
	alerts  *notify.Recorder
	sleeper *recordingSleeper
}

func newHarness(t *testing.T, dependency string) *harness {
	t.Helper()
	h := &harness{
		store:   store.NewMemory(),
		alerts:  notify.NewRecorder(),
		sleeper: &recordingSleeper{},
	}
	h.caller = NewCaller(dependency, Options{
		Store:    h.store,
		Notifier: notify.NewDispatcher(zap.NewNop(), h.alerts),
		Logger:   zap.NewNop(),
		Instance: "test@host:1",
		Sleep:    h.sleeper.sleep,
		Now:      func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) },
	})
	return h
}

func statusErr(code int) error {
	return &httpclient.StatusError{Venue: "coinx", StatusCode: code}
}

func succeed(ctx context.Context) (string, error) { return "ok", nil }

func failWith(code int) func(context.Context) (string, error) {
	return func(context.Context) (string, error) { return "", statusErr(code) }
}

// rateLimitedThen answers 429 n times, then succeeds.
func rateLimitedThen(n int) (func(context.Context) (string, error), *int) {
	calls := 0
	return func(context.Context) (string, error) {
		calls++
		if calls <= n {
			return "", statusErr(http.StatusTooManyRequests)
		}
		return "ok", nil
	}, &calls
}

func TestBackoff_DefaultSchedule(t *testing.T) {
	want := []time.Duration{
		1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
		16 * time.Second, 32 * time.Second, 64 * time.Second,
	}
	assert.Equal(t, want, DefaultBackoff().Schedule())
}

func TestBackoff_ZeroValueUsesDefaults(t *testing.T) {
	assert.Equal(t, DefaultBackoff(), Backoff{}.withDefaults())
}

func TestCoinXScenario(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "CoinX")

	assert.Equal(t, model.HealthUnknown, h.caller.State(ctx).Health)

	// 1: success, Unknown -> Online, silent.
	assert.Equal(t, "ok", Call(ctx, h.caller, succeed))
	st := h.caller.State(ctx)
	assert.Equal(t, model.HealthOnline, st.Health)
	assert.Equal(t, http.StatusOK, st.StatusCode)
	assert.Empty(t, h.alerts.Alerts())

	// 2: 503, Online -> Offline, one alert.
	assert.Equal(t, "", Call(ctx, h.caller, failWith(http.StatusServiceUnavailable)))
	st = h.caller.State(ctx)
	assert.Equal(t, model.HealthOffline, st.Health)
	assert.Equal(t, http.StatusServiceUnavailable, st.StatusCode)
	alerts := h.alerts.Alerts()
	require.Len(t, alerts, 1)
	assert.Contains(t, alerts[0].Title, "CoinX")
	assert.Equal(t, "CoinX API is Offline", alerts[0].Title)
	assert.Equal(t, notify.SeverityWarning, alerts[0].Severity)
	assert.Equal(t, AlertSource, alerts[0].Source)
	assert.Equal(t, DefaultAudience, alerts[0].Audience)

	// 3: 503 again, no new alert.
	Call(ctx, h.caller, failWith(http.StatusServiceUnavailable))
	assert.Equal(t, model.HealthOffline, h.caller.State(ctx).Health)
	assert.Len(t, h.alerts.Alerts(), 1)

	// 4: success, Offline -> Online, silent.
	assert.Equal(t, "ok", Call(ctx, h.caller, succeed))
	assert.Equal(t, model.HealthOnline, h.caller.State(ctx).Health)
	assert.Len(t, h.alerts.Alerts(), 1)

	stored, err := h.store.GetState(ctx, store.Key("CoinX"), model.ExternalDependencyState{})
	require.NoError(t, err)
	assert.Equal(t, model.HealthOnline, stored.Health)
	assert.Equal(t, "test@host:1", stored.Instance)
	assert.Equal(t, DefaultActorRole, h.store.Actor(store.Key("CoinX")))
}

func TestNoDuplicateAlerts(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "CoinX")

	for i := 0; i < 10; i++ {
		Call(ctx, h.caller, failWith(http.StatusBadGateway))
	}

	alerts := h.alerts.Alerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, "CoinX API is Error", alerts[0].Title)
	assert.Equal(t, notify.SeverityError, alerts[0].Severity)
	assert.Equal(t, 10, h.store.Writes(), "unchanged failures are still persisted")
}

func TestAlertOnEveryDistinctTransition(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "CoinX")

	Call(ctx, h.caller, failWith(http.StatusServiceUnavailable))
	Call(ctx, h.caller, failWith(http.StatusUnauthorized))
	Call(ctx, h.caller, failWith(http.StatusServiceUnavailable))

	alerts := h.alerts.Alerts()
	require.Len(t, alerts, 3)
	assert.Equal(t, "CoinX API is Offline", alerts[0].Title)
	assert.Equal(t, "CoinX API is Error", alerts[1].Title)
	assert.Equal(t, "CoinX API is Offline", alerts[2].Title)
}

func TestSuccessWhileOnlineIsNotPersisted(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "CoinX")

	Call(ctx, h.caller, succeed)
	Call(ctx, h.caller, succeed)
	Call(ctx, h.caller, succeed)

	assert.Equal(t, 1, h.store.Writes())
}

func TestUnclassifiedErrorIsError(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "CoinX")

	_, err := CallErr(ctx, h.caller, func(context.Context) (int, error) {
		return 0, errors.New("malformed response")
	})
	require.Error(t, err)

	st := h.caller.State(ctx)
	assert.Equal(t, model.HealthError, st.Health)
	assert.Equal(t, model.NoStatusCode, st.StatusCode)
	assert.Equal(t, "malformed response", st.LastMessage)
}

func TestClassifiedExchangeErrors(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "binance")

	err := h.caller.Do(ctx, func(context.Context) error {
		return exchange.Classify("binance", http.StatusServiceUnavailable, "-1001", "internal error")
	})
	require.Error(t, err)
	assert.Equal(t, model.HealthOffline, h.caller.State(ctx).Health)

	err = h.caller.Do(ctx, func(context.Context) error { return exchange.ErrAuthentication })
	require.ErrorIs(t, err, exchange.ErrAuthentication)
	assert.Equal(t, model.HealthError, h.caller.State(ctx).Health)
	assert.Equal(t, http.StatusUnauthorized, h.caller.State(ctx).StatusCode)
}

func TestRateLimitRetriesThenSucceeds(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "CoinX")
	action, calls := rateLimitedThen(3)

	assert.Equal(t, "ok", Call(ctx, h.caller, action))
	assert.Equal(t, 4, *calls)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, h.sleeper.reset())
	assert.Equal(t, model.HealthOnline, h.caller.State(ctx).Health)
	assert.Empty(t, h.alerts.Alerts())
}

func TestBackoffBound(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "CoinX")
	action, calls := rateLimitedThen(1000)

	v, err := CallErr(ctx, h.caller, action)
	assert.Equal(t, "", v)
	require.ErrorIs(t, err, ErrBackoffExhausted)

	waits := h.sleeper.reset()
	assert.Equal(t, DefaultBackoff().Schedule(), waits)
	assert.Equal(t, len(waits)+1, *calls)
	for _, w := range waits {
		assert.LessOrEqual(t, w, DefaultBackoffCeiling)
	}
	assert.Empty(t, h.alerts.Alerts(), "rate limiting alone does not raise an alert")
}

func TestRecoveryResetsBackoff(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "CoinX")

	first, _ := rateLimitedThen(4)
	Call(ctx, h.caller, first)
	assert.Len(t, h.sleeper.reset(), 4)

	Call(ctx, h.caller, succeed)

	second, _ := rateLimitedThen(1)
	Call(ctx, h.caller, second)
	assert.Equal(t, []time.Duration{time.Second}, h.sleeper.reset())
}

func TestBackoffIndependentPerCall(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "CoinX")

	exhausted, _ := rateLimitedThen(1000)
	Call(ctx, h.caller, exhausted)
	h.sleeper.reset()

	again, _ := rateLimitedThen(2)
	Call(ctx, h.caller, again)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, h.sleeper.reset())
}

type statusResponse struct {
	code int
}

func (r statusResponse) HTTPStatus() int { return r.code }

func TestRateLimitSignalledByResponse(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "CoinX")

	calls := 0
	got := Call(ctx, h.caller, func(context.Context) (statusResponse, error) {
		calls++
		if calls == 1 {
			return statusResponse{code: http.StatusTooManyRequests}, nil
		}
		return statusResponse{code: http.StatusOK}, nil
	})
	assert.Equal(t, http.StatusOK, got.code)
	assert.Equal(t, 2, calls)
	assert.Len(t, h.sleeper.reset(), 1)
}

func TestFailureSignalledByResponse(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "CoinX")

	got, err := CallErr(ctx, h.caller, func(context.Context) (statusResponse, error) {
		return statusResponse{code: http.StatusServiceUnavailable}, nil
	})
	require.Error(t, err)
	assert.Zero(t, got)
	assert.Equal(t, model.HealthOffline, h.caller.State(ctx).Health)
	assert.Len(t, h.alerts.Alerts(), 1)
}

func TestContextCancelAbortsBackoff(t *testing.T) {
	h := newHarness(t, "CoinX")
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	h.caller.opts.Sleep = func(ctx context.Context, d time.Duration) error {
		cancel()
		return sleepCtx(ctx, d)
	}
	_, err := CallErr(ctx, h.caller, func(context.Context) (string, error) {
		calls++
		return "", statusErr(http.StatusTooManyRequests)
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
	assert.Equal(t, model.HealthUnknown, h.caller.State(context.Background()).Health)
}

func TestSleepCtx_ReturnsPromptlyOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	start := time.Now()
	err := sleepCtx(ctx, time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestCancelledActionLeavesHealthAlone(t *testing.T) {
	h := newHarness(t, "CoinX")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := CallErr(ctx, h.caller, func(ctx context.Context) (string, error) {
		return "", ctx.Err()
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, model.HealthUnknown, h.caller.State(context.Background()).Health)
	assert.Empty(t, h.alerts.Alerts())
}

func TestInputRejectedBeforeSendingLeavesHealthAlone(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "binance")

	err := h.caller.Do(ctx, func(context.Context) error {
		return fmt.Errorf("%w: symbol %q has no quote asset", exchange.ErrBadRequest, "BTC")
	})
	require.ErrorIs(t, err, exchange.ErrBadRequest)
	assert.Equal(t, model.HealthUnknown, h.caller.State(ctx).Health)
	assert.Zero(t, h.store.Writes())
	assert.Empty(t, h.alerts.Alerts())

	// A 400 answered by the venue is still a failure.
	err = h.caller.Do(ctx, func(context.Context) error {
		return exchange.Classify("binance", http.StatusBadRequest, "-1100", "illegal characters")
	})
	require.ErrorIs(t, err, exchange.ErrBadRequest)
	assert.Equal(t, model.HealthError, h.caller.State(ctx).Health)
	assert.Len(t, h.alerts.Alerts(), 1)
}

func TestConcurrentFailuresAlertOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "CoinX")

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			Call(ctx, h.caller, failWith(http.StatusServiceUnavailable))
		}()
	}
	wg.Wait()

	assert.Len(t, h.alerts.Alerts(), 1)
	assert.Equal(t, 50, h.store.Writes())
}

func TestStoredStateSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "CoinX")
	Call(ctx, h.caller, failWith(http.StatusServiceUnavailable))
	require.Len(t, h.alerts.Alerts(), 1)

	alerts := notify.NewRecorder()
	restarted := NewCaller("CoinX", Options{
		Store:    h.store,
		Notifier: notify.NewDispatcher(nil, alerts),
		Sleep:    h.sleeper.sleep,
	})
	assert.Equal(t, model.HealthOffline, restarted.State(ctx).Health)

	Call(ctx, restarted, failWith(http.StatusServiceUnavailable))
	assert.Empty(t, alerts.Alerts(), "transition was already alerted before restart")
}

func TestTransitionByOtherInstanceIsRespected(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "CoinX")
	Call(ctx, h.caller, succeed)

	other := model.UnknownState("CoinX", "other@host:2")
	other.Health = model.HealthOffline
	other.StatusCode = http.StatusServiceUnavailable
	require.NoError(t, h.store.SetState(ctx, store.Key("CoinX"), other, "System"))

	Call(ctx, h.caller, failWith(http.StatusServiceUnavailable))
	assert.Empty(t, h.alerts.Alerts())
}

type failingStore struct{ store.MemoryStore }

func (failingStore) GetState(context.Context, string, model.ExternalDependencyState) (model.ExternalDependencyState, error) {
	return model.ExternalDependencyState{}, errors.New("redis down")
}

func (failingStore) SetState(context.Context, string, model.ExternalDependencyState, string) error {
	return errors.New("redis down")
}

func TestStoreOutageFallsBackToMemory(t *testing.T) {
	ctx := context.Background()
	alerts := notify.NewRecorder()
	c := NewCaller("CoinX", Options{
		Store:    &failingStore{},
		Notifier: notify.NewDispatcher(nil, alerts),
	})

	Call(ctx, c, failWith(http.StatusServiceUnavailable))
	Call(ctx, c, failWith(http.StatusServiceUnavailable))
	assert.Len(t, alerts.Alerts(), 1)
	assert.Equal(t, model.HealthOffline, c.State(ctx).Health)
}

func TestNotifierFailureDoesNotFailCall(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "CoinX")
	h.alerts.FailWith(errors.New("smtp down"))

	_, err := CallErr(ctx, h.caller, failWith(http.StatusBadRequest))
	require.Error(t, err)
	var se *httpclient.StatusError
	assert.ErrorAs(t, err, &se)
	assert.Equal(t, model.HealthError, h.caller.State(ctx).Health)
}

func TestNewCaller_DefaultsAreUsable(t *testing.T) {
	c := NewCaller("CoinX", Options{Sleep: func(context.Context, time.Duration) error { return nil }})
	assert.Equal(t, "CoinX", c.Dependency())
	assert.Equal(t, "ok", Call(context.Background(), c, succeed))
	assert.Equal(t, model.HealthOnline, c.State(context.Background()).Health)
}

func TestCustomBackoff(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "CoinX")
	h.caller.opts.Backoff = Backoff{Initial: 100 * time.Millisecond, Ceiling: time.Second, Factor: 3}

	action, _ := rateLimitedThen(1000)
	Call(ctx, h.caller, action)
	assert.Equal(t, []time.Duration{300 * time.Millisecond, 900 * time.Millisecond}, h.sleeper.reset())
}
