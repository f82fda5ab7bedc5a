package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Handler — функция обработки сообщения.
// Ошибка — nack с возвратом в очередь.
type Handler func(ctx context.Context, msg *Delivery) error

// Delivery — доставленное сообщение.
type Delivery struct {
	Message Message
	Raw     amqp.Delivery
}

// DeclareFunc объявляет очередь на канале и возвращает её имя.
// Вызывается при каждом (пере)подключении consumer'а.
type DeclareFunc func(ch *amqp.Channel) (string, error)

// ConsumerConfig — конфигурация consumer.
type ConsumerConfig struct {
	// Queue — имя существующей очереди. Игнорируется, если задан Declare.
	Queue string

	// Declare — объявление очереди (для эксклюзивных и динамических очередей).
	Declare DeclareFunc

	// Handler — обработчик сообщений.
	Handler Handler

	// Prefetch — сколько сообщений брать заранее (default: 1).
	Prefetch int
}

// Consumer потребляет сообщения из очереди и переживает reconnect.
type Consumer struct {
	conn     *Connection
	logger   *slog.Logger
	cfg      ConsumerConfig
	prefetch int
	reconn   <-chan struct{}

	cancelFunc context.CancelFunc
}

// NewConsumer создаёт новый Consumer.
func NewConsumer(conn *Connection, logger *slog.Logger, cfg ConsumerConfig) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	prefetch := cfg.Prefetch
	if prefetch <= 0 {
		prefetch = 1
	}

	return &Consumer{
		conn:     conn,
		logger:   logger,
		cfg:      cfg,
		prefetch: prefetch,
		reconn:   conn.ReconnectNotify(),
	}
}

// Start блокируется до отмены ctx или Stop.
func (c *Consumer) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.cancelFunc = cancel
	return c.consume(ctx)
}

func (c *Consumer) consume(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		queue, deliveries, err := c.setupConsume()
		if err != nil {
			c.logger.Error("failed to setup consume", "queue", c.cfg.Queue, "error", err)
			if !c.waitReconnect(ctx) {
				return ctx.Err()
			}
			continue
		}

		c.logger.Info("consumer started", "queue", queue)

		if err := c.processDeliveries(ctx, deliveries); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Warn("deliveries channel closed, waiting for reconnect", "queue", queue)
			if !c.waitReconnect(ctx) {
				return ctx.Err()
			}
		}
	}
}

func (c *Consumer) waitReconnect(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-c.reconn:
		return true
	}
}

func (c *Consumer) setupConsume() (string, <-chan amqp.Delivery, error) {
	ch := c.conn.Channel()
	if ch == nil {
		return "", nil, ErrNoChannel
	}

	queue := c.cfg.Queue
	if c.cfg.Declare != nil {
		name, err := c.cfg.Declare(ch)
		if err != nil {
			return "", nil, err
		}
		queue = name
	}

	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		return "", nil, fmt.Errorf("set qos: %w", err)
	}

	deliveries, err := ch.Consume(
		queue, // queue
		"",    // consumer tag
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,   // args
	)
	if err != nil {
		return "", nil, fmt.Errorf("consume %s: %w", queue, err)
	}
	return queue, deliveries, nil
}

func (c *Consumer) processDeliveries(ctx context.Context, deliveries <-chan amqp.Delivery) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("deliveries channel closed")
			}
			c.handleDelivery(ctx, raw)
		}
	}
}

func (c *Consumer) handleDelivery(ctx context.Context, raw amqp.Delivery) {
	var msg Message
	if err := json.Unmarshal(raw.Body, &msg); err != nil {
		c.logger.Error("failed to unmarshal message", "error", err, "body", string(raw.Body))
		// Некорректное сообщение — в DLQ (если настроена)
		raw.Nack(false, false)
		return
	}

	c.logger.Debug("received message", "message_id", msg.ID, "type", msg.Type)

	if err := c.cfg.Handler(ctx, &Delivery{Message: msg, Raw: raw}); err != nil {
		c.logger.Error("handler failed", "message_id", msg.ID, "type", msg.Type, "error", err)
		// Повторная доставка — отправляем в DLQ, иначе пробуем ещё раз
		raw.Nack(false, !raw.Redelivered)
		return
	}
	raw.Ack(false)
}

// Stop останавливает consumer.
func (c *Consumer) Stop() {
	if c.cancelFunc != nil {
		c.cancelFunc()
	}
}

// ParsePayload парсит payload сообщения в указанный тип.
func ParsePayload[T any](msg *Message) (T, error) {
	var result T

	// После json.Unmarshal конверта Payload — map[string]any
	payloadBytes, err := json.Marshal(msg.Payload)
	if err != nil {
		return result, fmt.Errorf("marshal payload: %w", err)
	}
	if err := json.Unmarshal(payloadBytes, &result); err != nil {
		return result, fmt.Errorf("unmarshal payload: %w", err)
	}
	return result, nil
}
