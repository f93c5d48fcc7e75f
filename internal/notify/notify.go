package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Checker-Finance/exchange-connectors/internal/metrics"
)

// Notifier accepts structured alerts and returns the id assigned to them.
type Notifier interface {
	Notify(ctx context.Context, source string, severity Severity, title, message, detail, audience string) (string, error)
}

// Channel delivers an alert to one medium.
type Channel interface {
	Name() string
	Deliver(ctx context.Context, a Alert) error
}

// Dispatcher fans every alert out to all of its channels.
type Dispatcher struct {
	channels []Channel
	logger   *zap.Logger
	now      func() time.Time
}

func NewDispatcher(logger *zap.Logger, channels ...Channel) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		channels: channels,
		logger:   logger,
		now:      time.Now,
	}
}

// Notify delivers to every channel even when some fail. The returned error
// joins the channel failures; the id is valid either way.
func (d *Dispatcher) Notify(ctx context.Context, source string, severity Severity, title, message, detail, audience string) (string, error) {
	a := Alert{
		ID:        uuid.NewString(),
		Source:    source,
		Severity:  severity,
		Title:     title,
		Message:   message,
		Detail:    detail,
		Audience:  audience,
		CreatedAt: d.now().UTC(),
	}

	var errs []error
	for _, ch := range d.channels {
		if err := ch.Deliver(ctx, a); err != nil {
			d.logger.Warn("notify.delivery_failed",
				zap.String("channel", ch.Name()),
				zap.String("alert_id", a.ID),
				zap.Error(err))
			metrics.IncError("notify", ch.Name())
			errs = append(errs, fmt.Errorf("%s: %w", ch.Name(), err))
		}
	}
	return a.ID, errors.Join(errs...)
}

// LogChannel writes alerts to the structured log.
type LogChannel struct {
	logger *zap.Logger
}

func NewLogChannel(logger *zap.Logger) *LogChannel {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogChannel{logger: logger}
}

func (l *LogChannel) Name() string { return "log" }

func (l *LogChannel) Deliver(_ context.Context, a Alert) error {
	fields := []zap.Field{
		zap.String("alert_id", a.ID),
		zap.String("source", a.Source),
		zap.String("title", a.Title),
		zap.String("message", a.Message),
		zap.String("audience", a.Audience),
	}
	if a.Detail != "" {
		fields = append(fields, zap.String("detail", a.Detail))
	}
	switch a.Severity {
	case SeverityError:
		l.logger.Error("notify.alert", fields...)
	case SeverityWarning:
		l.logger.Warn("notify.alert", fields...)
	default:
		l.logger.Info("notify.alert", fields...)
	}
	return nil
}
