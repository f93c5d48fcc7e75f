package resilience

import (
	"context"
	"time"
)

const (
	DefaultInitialBackoff = 500 * time.Millisecond
	DefaultBackoffCeiling = 64 * time.Second
	DefaultBackoffFactor  = 2
)

// Backoff paces retries after HTTP 429. The wait starts at Initial and is
// multiplied by Factor before every sleep; once it would exceed Ceiling the
// call is abandoned.
type Backoff struct {
	Initial time.Duration
	Ceiling time.Duration
	Factor  float64
}

func DefaultBackoff() Backoff {
	return Backoff{
		Initial: DefaultInitialBackoff,
		Ceiling: DefaultBackoffCeiling,
		Factor:  DefaultBackoffFactor,
	}
}

func (b Backoff) withDefaults() Backoff {
	if b.Initial <= 0 {
		b.Initial = DefaultInitialBackoff
	}
	if b.Ceiling <= 0 {
		b.Ceiling = DefaultBackoffCeiling
	}
	if b.Factor <= 1 {
		b.Factor = DefaultBackoffFactor
	}
	return b
}

// Next returns the wait that follows cur and whether it is still within the ceiling.
func (b Backoff) Next(cur time.Duration) (time.Duration, bool) {
	next := time.Duration(float64(cur) * b.Factor)
	return next, next <= b.Ceiling
}

// Schedule lists every sleep a sustained 429 produces before the call is abandoned.
func (b Backoff) Schedule() []time.Duration {
	b = b.withDefaults()
	var out []time.Duration
	for wait, ok := b.Next(b.Initial); ok; wait, ok = b.Next(wait) {
		out = append(out, wait)
	}
	return out
}

// Sleeper blocks for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
