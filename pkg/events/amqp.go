package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const publishTimeout = 5 * time.Second

// Channel is the subset of *amqp.Channel used by the sink
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

type envelope struct {
	Event   Name  `json:"event"`
	Payload Event `json:"payload"`
}

// AMQPSink forwards bus events to a topic exchange, routed by event name.
// Publishing is best effort: failures are logged and never reach the producer.
type AMQPSink struct {
	ch       Channel
	exchange string
	logger   *zap.Logger
}

// NewAMQPSink declares the exchange and returns a sink publishing to it
func NewAMQPSink(ch Channel, exchange string, logger *zap.Logger) (*AMQPSink, error) {
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("failed to declare exchange %s: %w", exchange, err)
	}
	return &AMQPSink{ch: ch, exchange: exchange, logger: logger}, nil
}

// Attach subscribes the sink to the bus and returns the unsubscribe func
func (s *AMQPSink) Attach(bus *Bus) func() {
	return bus.Subscribe(s.Handle)
}

// Handle publishes one event
func (s *AMQPSink) Handle(ev Event) {
	body, err := json.Marshal(envelope{Event: ev.EventName(), Payload: ev})
	if err != nil {
		s.logger.Error("Failed to encode event", zap.String("event", string(ev.EventName())), zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	err = s.ch.PublishWithContext(ctx, s.exchange, string(ev.EventName()), false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    ev.EventMeta().At,
		Headers:      amqp.Table{"user_id": ev.EventMeta().UserID},
		Body:         body,
	})
	if err != nil {
		s.logger.Warn("Failed to publish event",
			zap.String("event", string(ev.EventName())),
			zap.String("user_id", ev.EventMeta().UserID),
			zap.Error(err))
	}
}
