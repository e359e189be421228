// ============================================================================
// Consulta Engine - Event Bus
// ============================================================================
//
// Package: internal/events
// File: bus.go
// Purpose: Messages published for status changes, joins and time-remaining
//          warnings. A separate realtime process subscribes per topic.
//
// Delivery is fire-and-forget. Every payload can be re-derived from the
// store, so a lost message is never a correctness problem.
//
// ============================================================================

package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
)

// Topics
const (
	TopicStatusChanged    = "consultation.status_changed"
	TopicJoined           = "consultation.joined"
	TopicTimeRemaining    = "consultation.time_remaining"
	TopicCommission       = "settlement.commission"
	TopicCreditReturned   = "settlement.credit_returned"
	TopicPurchaseExpired  = "purchase.expired"
	TopicSubscriptionEnds = "subscription.expired"
)

// Message is the envelope put on the bus.
type Message struct {
	ID        string          `json:"id"`
	Topic     string          `json:"topic"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// Bus delivers messages to subscribers.
type Bus interface {
	Publish(ctx context.Context, msg Message) error
}

// ============================================================================
// Redis
// ============================================================================

// RedisBus publishes on a Redis channel named after the topic.
type RedisBus struct {
	client redis.UniversalClient
}

// NewRedisBus wraps an existing client; the caller owns its lifetime.
func NewRedisBus(client redis.UniversalClient) *RedisBus {
	return &RedisBus{client: client}
}

// Publish sends msg. Zero subscribers is not an error.
func (b *RedisBus) Publish(ctx context.Context, msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if err := b.client.Publish(ctx, msg.Topic, body).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", msg.Topic, err)
	}
	return nil
}

// ============================================================================
// AMQP
// ============================================================================

// AMQPBus publishes to a durable topic exchange; the routing key is the topic.
type AMQPBus struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
}

// NewAMQPBus dials url and declares exchange.
func NewAMQPBus(url, exchange string) (*AMQPBus, error) {
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
	return &AMQPBus{conn: conn, ch: ch, exchange: exchange}, nil
}

// Publish sends msg with the topic as routing key.
func (b *AMQPBus) Publish(ctx context.Context, msg Message) error {
	return b.ch.PublishWithContext(ctx, b.exchange, msg.Topic, false, false, publishing(msg))
}

func publishing(msg Message) amqp.Publishing {
	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.ID,
		Timestamp:    msg.Timestamp,
		Type:         msg.Topic,
		Body:         msg.Payload,
	}
}

// Close closes the channel and the connection.
func (b *AMQPBus) Close() error {
	if b.ch != nil {
		_ = b.ch.Close()
	}
	if b.conn != nil {
		return b.conn.Close()
	}
	return nil
}

// ============================================================================
// Log
// ============================================================================

// LogBus only logs. Used when no broker is configured.
type LogBus struct {
	Logger *slog.Logger
}

func (b LogBus) Publish(ctx context.Context, msg Message) error {
	logger := b.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "Event published", "topic", msg.Topic, "id", msg.ID, "payload", string(msg.Payload))
	return nil
}
