package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"qms/entry-queue/internal/models"

	amqp "github.com/rabbitmq/amqp091-go"
)

const DefaultExchange = "entry-queue.tickets"

// Envelope is what subscribers receive after a committed ticket change.
type Envelope struct {
	Type      string        `json:"type"`
	Revision  int64         `json:"revision,omitempty"`
	Ticket    models.Ticket `json:"ticket"`
	CreatedAt time.Time     `json:"created_at"`
}

type Publisher interface {
	Publish(ctx context.Context, envelope Envelope) error
}

type Noop struct{}

func (Noop) Publish(ctx context.Context, envelope Envelope) error {
	return nil
}

// AMQPPublisher sends envelopes to a durable topic exchange, routed by the
// event type (ticket.issued, ticket.called, ticket.entered).
type AMQPPublisher struct {
	mu       sync.Mutex
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
}

func NewAMQPPublisher(url, exchange string) (*AMQPPublisher, error) {
	if exchange == "" {
		exchange = DefaultExchange
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}
	return &AMQPPublisher{conn: conn, ch: ch, exchange: exchange}, nil
}

func (p *AMQPPublisher) Publish(ctx context.Context, envelope Envelope) error {
	body, err := json.Marshal(envelope)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ch.PublishWithContext(ctx, p.exchange, envelope.Type, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    envelope.CreatedAt,
		MessageId:    fmt.Sprintf("%s:%s", envelope.Ticket.ID, envelope.Type),
		Body:         body,
	})
}

func (p *AMQPPublisher) Close() error {
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}
