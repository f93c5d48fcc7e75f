package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/Checker-Finance/exchange-connectors/internal/metrics"
)

// jetStream is the publish side of nats.JetStreamContext.
type jetStream interface {
	PublishMsg(m *nats.Msg, opts ...nats.PubOpt) (*nats.PubAck, error)
}

// NATSChannel publishes alerts on evt.alert.<severity>.v1 for in-app and chat consumers.
type NATSChannel struct {
	js      jetStream
	service string
}

func NewNATSChannel(nc *nats.Conn, service string) (*NATSChannel, error) {
	js, err := nc.JetStream()
	if err != nil {
		return nil, err
	}
	return &NATSChannel{js: js, service: service}, nil
}

func (n *NATSChannel) Name() string { return "nats" }

func (n *NATSChannel) Deliver(ctx context.Context, a Alert) error {
	data, err := json.Marshal(a)
	if err != nil {
		return err
	}
	subject := a.Severity.Subject()
	msg := &nats.Msg{
		Subject: subject,
		Data:    data,
		Header: nats.Header{
			"event_type":   []string{"alert.raised"},
			"service":      []string{n.service},
			"audience":     []string{a.Audience},
			"content_type": []string{"application/json"},
		},
	}

	start := time.Now()
	_, err = n.js.PublishMsg(msg, nats.Context(ctx))
	metrics.ObserveDuration(metrics.NATSMessageLatency, start, subject)
	if err != nil {
		metrics.IncNATSMessage(subject, "error")
		return err
	}
	metrics.IncNATSMessage(subject, "ok")
	return nil
}
