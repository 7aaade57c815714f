package mq

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Exchange - имя обменника.
type Exchange string

// Queue - имя очереди.
type Queue string

// RoutingKey - ключ маршрутизации.
type RoutingKey string

// Exchanges.
const (
	ExchangeRuns Exchange = "harvester.runs"
	ExchangeDLQ  Exchange = "harvester.dlq"
)

// Queues.
const (
	QueueRunsPending  Queue = "runs.pending"
	QueueRunsFinished Queue = "runs.finished"
	QueueDLQRuns      Queue = "dlq.runs"
)

// Routing keys.
const (
	RoutingKeyPending  RoutingKey = "pending"
	RoutingKeyFinished RoutingKey = "finished"
	RoutingKeyDLQRuns  RoutingKey = "runs"
)

// pendingTTL - уведомление о run устаревает: supervisor всё равно
// опрашивает хранилище, держать старые сообщения незачем.
const pendingTTL = 10 * 60 * 1000 // ms

type queueDecl struct {
	name       Queue
	args       amqp.Table
	exchange   Exchange
	routingKey RoutingKey
}

// topology - очереди и их привязки.
func topology() []queueDecl {
	dlqArgs := amqp.Table{
		"x-dead-letter-exchange":    string(ExchangeDLQ),
		"x-dead-letter-routing-key": string(RoutingKeyDLQRuns),
	}
	pendingArgs := amqp.Table{
		"x-dead-letter-exchange":    string(ExchangeDLQ),
		"x-dead-letter-routing-key": string(RoutingKeyDLQRuns),
		"x-message-ttl":             int32(pendingTTL),
	}

	return []queueDecl{
		// runs.pending - будит supervisor; битые сообщения уходят в DLQ
		{QueueRunsPending, pendingArgs, ExchangeRuns, RoutingKeyPending},

		// runs.finished - события завершения для внешних подписчиков
		{QueueRunsFinished, dlqArgs, ExchangeRuns, RoutingKeyFinished},

		{QueueDLQRuns, nil, ExchangeDLQ, RoutingKeyDLQRuns},
	}
}

// SetupTopology объявляет exchanges, queues и bindings. Идемпотентна.
func SetupTopology(ctx context.Context, conn *Connection) error {
	return conn.WithChannel(ctx, func(ch *amqp.Channel) error {
		for _, ex := range []Exchange{ExchangeRuns, ExchangeDLQ} {
			if err := ch.ExchangeDeclare(string(ex), "direct", true, false, false, false, nil); err != nil {
				return fmt.Errorf("declare exchange %s: %w", ex, err)
			}
		}

		for _, q := range topology() {
			if _, err := ch.QueueDeclare(string(q.name), true, false, false, false, q.args); err != nil {
				return fmt.Errorf("declare queue %s: %w", q.name, err)
			}
			if err := ch.QueueBind(string(q.name), string(q.routingKey), string(q.exchange), false, nil); err != nil {
				return fmt.Errorf("bind queue %s to %s: %w", q.name, q.exchange, err)
			}
		}
		return nil
	})
}

// TopologyInfo возвращает описание топологии для логирования.
func TopologyInfo() string {
	return `
  Harvester RabbitMQ topology:

    harvester.runs (direct)
    ├── runs.pending  [routing: pending]   consumer: worker (wake-up), TTL 10m
    └── runs.finished [routing: finished]  consumer: external subscribers

    harvester.dlq (direct)
    └── dlq.runs [routing: runs]           manual processing
`
}
