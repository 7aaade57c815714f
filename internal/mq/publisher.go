package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// MessageType - тип сообщения.
type MessageType string

// Типы сообщений.
const (
	MessageTypeRunPending  MessageType = "run.pending"
	MessageTypeRunFinished MessageType = "run.finished"
)

// Message - конверт сообщения.
type Message struct {
	ID        string      `json:"id"`
	Type      MessageType `json:"type"`
	Payload   any         `json:"payload"`
	Timestamp time.Time   `json:"timestamp"`
}

// NewMessage создаёт конверт с новым ID.
func NewMessage(msgType MessageType, payload any) *Message {
	return &Message{
		ID:        uuid.New().String(),
		Type:      msgType,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
}

// RunPendingPayload - в очереди появился run.
type RunPendingPayload struct {
	RunID       uuid.UUID `json:"run_id"`
	TriggeredBy string    `json:"triggered_by"`
}

// RunFinishedPayload - run перешёл в терминальный статус.
type RunFinishedPayload struct {
	RunID       uuid.UUID `json:"run_id"`
	Status      string    `json:"status"`
	CurrentStep string    `json:"current_step,omitempty"`
	Error       string    `json:"error,omitempty"`
	DurationMs  int64     `json:"duration_ms"`
}

// Publisher публикует сообщения в RabbitMQ.
type Publisher struct {
	conn   *Connection
	logger *slog.Logger
}

// NewPublisher создаёт новый Publisher.
func NewPublisher(conn *Connection, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{conn: conn, logger: logger}
}

// Publish публикует сообщение в exchange с routing key.
func (p *Publisher) Publish(ctx context.Context, exchange Exchange, routingKey RoutingKey, msg *Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	return p.conn.WithChannel(ctx, func(ch *amqp.Channel) error {
		err := ch.PublishWithContext(ctx, string(exchange), string(routingKey), false, false,
			amqp.Publishing{
				ContentType:  "application/json",
				DeliveryMode: amqp.Persistent,
				MessageId:    msg.ID,
				Type:         string(msg.Type),
				Timestamp:    msg.Timestamp,
				Body:         body,
			},
		)
		if err != nil {
			return fmt.Errorf("publish to %s/%s: %w", exchange, routingKey, err)
		}

		p.logger.Debug("published message",
			"exchange", exchange,
			"routing_key", routingKey,
			"message_id", msg.ID,
			"type", msg.Type,
		)
		return nil
	})
}

// PublishRunPending будит supervisor'ов: появился queued run.
func (p *Publisher) PublishRunPending(ctx context.Context, runID uuid.UUID, triggeredBy string) error {
	msg := NewMessage(MessageTypeRunPending, RunPendingPayload{RunID: runID, TriggeredBy: triggeredBy})
	return p.Publish(ctx, ExchangeRuns, RoutingKeyPending, msg)
}

// PublishRunFinished сообщает о завершении run.
func (p *Publisher) PublishRunFinished(ctx context.Context, payload RunFinishedPayload) error {
	msg := NewMessage(MessageTypeRunFinished, payload)
	return p.Publish(ctx, ExchangeRuns, RoutingKeyFinished, msg)
}
