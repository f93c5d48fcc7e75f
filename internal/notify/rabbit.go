package notify

import (
	"context"
	"encoding/json"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// DefaultEmailQueue is consumed by the mail relay.
const DefaultEmailQueue = "alerts.email"

type amqpPublisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// RabbitChannel queues alerts for email delivery.
type RabbitChannel struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	pub     amqpPublisher
	queue   string
}

// NewRabbitChannel dials url and declares a durable queue.
func NewRabbitChannel(url, queue string) (*RabbitChannel, error) {
	if queue == "" {
		queue = DefaultEmailQueue
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("failed to declare queue %s: %w", queue, err)
	}
	return &RabbitChannel{conn: conn, channel: ch, pub: ch, queue: queue}, nil
}

func (r *RabbitChannel) Name() string { return "rabbitmq" }

func (r *RabbitChannel) Deliver(ctx context.Context, a Alert) error {
	body, err := json.Marshal(a)
	if err != nil {
		return err
	}
	var priority uint8
	if a.Severity == SeverityError {
		priority = 10
	}
	return r.pub.PublishWithContext(ctx,
		"",      // default exchange
		r.queue, // routing key
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    a.ID,
			Priority:     priority,
			Timestamp:    a.CreatedAt,
			Type:         "alert." + string(a.Severity),
			Body:         body,
		},
	)
}

func (r *RabbitChannel) Close() error {
	if r.channel != nil {
		_ = r.channel.Close()
	}
	if r.conn != nil {
		return r.conn.Close()
	}
	return nil
}
