package exchange

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Checker-Finance/exchange-connectors/internal/metrics"
	"github.com/Checker-Finance/exchange-connectors/pkg/model"
)

// EventKind names the three connector event streams.
type EventKind string

const (
	EventNewOrder    EventKind = "new_order"
	EventUpdateOrder EventKind = "update_order"
	EventNewTrade    EventKind = "new_trade"
)

// DefaultEventBuffer is used when a connector is built without an explicit buffer size.
const DefaultEventBuffer = 256

// ErrClosed is returned by Emit after the broadcaster has been closed.
var ErrClosed = errors.New("event stream closed")

// Event is a unified order or trade pushed by a live subscription.
// Order is set for order events, Trade for NewTrade.
type Event struct {
	Kind      EventKind
	AccountID string
	Exchange  string
	Order     *model.UnifiedOrder
	Trade     *model.UnifiedTrade
	At        time.Time
}

type subscriber struct {
	ch     chan Event
	cancel chan struct{}
}

// Events is a per-connector bounded broadcaster.
//
// Emit blocks once the input buffer is full. A single dispatcher goroutine
// delivers every event to every subscriber in emission order, and is the
// only goroutine that closes subscriber channels.
type Events struct {
	exchange string
	logger   *zap.Logger
	buffer   int

	in     chan Event
	unsub  chan uint64
	closed chan struct{}
	done   chan struct{}

	mu     sync.Mutex
	subs   map[uint64]*subscriber
	nextID uint64

	closeOnce sync.Once
}

// NewEvents starts the dispatcher for one connector instance.
func NewEvents(exchange string, buffer int, logger *zap.Logger) *Events {
	if buffer <= 0 {
		buffer = DefaultEventBuffer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Events{
		exchange: exchange,
		logger:   logger,
		buffer:   buffer,
		in:       make(chan Event, buffer),
		unsub:    make(chan uint64),
		closed:   make(chan struct{}),
		done:     make(chan struct{}),
		subs:     make(map[uint64]*subscriber),
	}
	go e.dispatch()
	return e
}

// Subscribe returns a channel receiving every event emitted after the call.
// The channel is closed when ctx ends or the broadcaster is closed.
func (e *Events) Subscribe(ctx context.Context) <-chan Event {
	e.mu.Lock()
	select {
	case <-e.closed:
		e.mu.Unlock()
		ch := make(chan Event)
		close(ch)
		return ch
	default:
	}
	id := e.nextID
	e.nextID++
	sub := &subscriber{ch: make(chan Event, e.buffer), cancel: make(chan struct{})}
	e.subs[id] = sub
	e.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-e.closed:
			return
		}
		close(sub.cancel)
		select {
		case e.unsub <- id:
		case <-e.closed:
		}
	}()
	return sub.ch
}

// Subscribers returns the number of live subscriptions.
func (e *Events) Subscribers() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.subs)
}

// Emit queues ev for delivery, blocking while the buffer is full.
func (e *Events) Emit(ctx context.Context, ev Event) error {
	select {
	case <-e.closed:
		metrics.IncEvent(e.exchange, string(ev.Kind), "dropped")
		return ErrClosed
	default:
	}
	if ev.Exchange == "" {
		ev.Exchange = e.exchange
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	select {
	case e.in <- ev:
		return nil
	case <-ctx.Done():
		metrics.IncEvent(e.exchange, string(ev.Kind), "dropped")
		return ctx.Err()
	case <-e.closed:
		metrics.IncEvent(e.exchange, string(ev.Kind), "dropped")
		return ErrClosed
	}
}

// EmitOrder emits a NewOrder or UpdateOrder event for o.
func (e *Events) EmitOrder(ctx context.Context, kind EventKind, o model.UnifiedOrder) error {
	return e.Emit(ctx, Event{Kind: kind, AccountID: o.AccountID, Exchange: o.Exchange, Order: &o})
}

// EmitTrade emits a NewTrade event for t.
func (e *Events) EmitTrade(ctx context.Context, t model.UnifiedTrade) error {
	return e.Emit(ctx, Event{Kind: EventNewTrade, AccountID: t.AccountID, Exchange: t.Exchange, Trade: &t})
}

// Close stops the dispatcher, drops undelivered events and closes all
// subscriber channels. It is safe to call more than once.
func (e *Events) Close() {
	e.closeOnce.Do(func() {
		e.mu.Lock()
		close(e.closed)
		e.mu.Unlock()
		<-e.done
	})
}

func (e *Events) dispatch() {
	defer close(e.done)
	for {
		select {
		case <-e.closed:
			e.shutdown()
			return
		case id := <-e.unsub:
			e.remove(id)
		case ev := <-e.in:
			if !e.deliver(ev) {
				e.shutdown()
				return
			}
		}
	}
}

// deliver sends ev to each subscriber in id order. It returns false if the
// broadcaster was closed mid-delivery.
func (e *Events) deliver(ev Event) bool {
	e.mu.Lock()
	ids := make([]uint64, 0, len(e.subs))
	for id := range e.subs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	targets := make([]*subscriber, len(ids))
	for i, id := range ids {
		targets[i] = e.subs[id]
	}
	e.mu.Unlock()

	for i, sub := range targets {
		select {
		case sub.ch <- ev:
		case <-sub.cancel:
			e.remove(ids[i])
		case <-e.closed:
			metrics.IncEvent(e.exchange, string(ev.Kind), "dropped")
			return false
		}
	}
	metrics.IncEvent(e.exchange, string(ev.Kind), "ok")
	return true
}

func (e *Events) remove(id uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if sub, ok := e.subs[id]; ok {
		delete(e.subs, id)
		close(sub.ch)
	}
}

func (e *Events) shutdown() {
	dropped := 0
drain:
	for {
		select {
		case ev := <-e.in:
			dropped++
			metrics.IncEvent(e.exchange, string(ev.Kind), "dropped")
		default:
			break drain
		}
	}
	if dropped > 0 {
		e.logger.Warn("events.dropped_on_close",
			zap.String("exchange", e.exchange),
			zap.Int("dropped", dropped))
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for id, sub := range e.subs {
		delete(e.subs, id)
		close(sub.ch)
	}
}
