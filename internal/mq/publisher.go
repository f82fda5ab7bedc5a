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

// MessageType — тип сообщения в очереди.
type MessageType string

// Типы сообщений.
const (
	// Команды host'у.
	MessageTypeJobStart  MessageType = "job.start"
	MessageTypeJobCancel MessageType = "job.cancel"

	// Отчёты host'а.
	MessageTypeJobStarted   MessageType = "job.started"
	MessageTypeJobProgress  MessageType = "job.progress"
	MessageTypeJobCompleted MessageType = "job.completed"
	MessageTypeJobHeartbeat MessageType = "job.heartbeat"

	// Управление оркестратором (job.cancel — тот же тип, что и команда host'у).
	MessageTypeJobsSubmitted MessageType = "jobs.submitted"
)

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
	return &Publisher{
		conn:   conn,
		logger: logger,
	}
}

// Message — конверт сообщения.
type Message struct {
	ID        string      `json:"id"`
	Type      MessageType `json:"type"`
	Payload   any         `json:"payload"`
	Timestamp time.Time   `json:"timestamp"`
}

// JobStartPayload — команда host'у запустить workflow.
type JobStartPayload struct {
	JobID      uuid.UUID      `json:"job_id"`
	Queue      string         `json:"queue"`
	TaskID     string         `json:"task_id"`
	Runner     string         `json:"runner,omitempty"`
	HostID     string         `json:"host_id"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Config     map[string]any `json:"config,omitempty"`
	TimeoutSec int            `json:"timeout_sec,omitempty"`
}

// JobCancelPayload — команда host'у отменить workflow.
type JobCancelPayload struct {
	JobID  uuid.UUID `json:"job_id"`
	Queue  string    `json:"queue"`
	HostID string    `json:"host_id"`
}

// JobStatusPayload — отчёт host'а о job.
//
// Status заполняется только для job.completed (COMPLETED, ERROR, CANCELLED).
type JobStatusPayload struct {
	JobID    uuid.UUID `json:"job_id"`
	Queue    string    `json:"queue"`
	HostID   string    `json:"host_id,omitempty"`
	Status   string    `json:"status,omitempty"`
	Progress int       `json:"progress,omitempty"`
	Message  string    `json:"message,omitempty"`
}

// CancelRequestPayload — запрос оператора на отмену job.
type CancelRequestPayload struct {
	JobID  uuid.UUID `json:"job_id"`
	Reason string    `json:"reason,omitempty"`
}

// JobsSubmittedPayload — в очередь поставлены новые jobs.
// Пустая Queue — все очереди.
type JobsSubmittedPayload struct {
	Queue string `json:"queue,omitempty"`
}

// Publish публикует сообщение в exchange с routing key.
func (p *Publisher) Publish(ctx context.Context, exchange Exchange, routingKey RoutingKey, msg *Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	return p.conn.WithChannel(ctx, func(ch *amqp.Channel) error {
		err := ch.PublishWithContext(
			ctx,
			string(exchange),
			string(routingKey),
			false,
			false,
			amqp.Publishing{
				ContentType:  "application/json",
				DeliveryMode: amqp.Persistent,
				MessageId:    msg.ID,
				Timestamp:    msg.Timestamp,
				Type:         string(msg.Type),
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

// PublishJSON публикует payload в новом конверте.
func (p *Publisher) PublishJSON(ctx context.Context, exchange Exchange, routingKey RoutingKey, msgType MessageType, payload any) error {
	return p.Publish(ctx, exchange, routingKey, NewMessage(msgType, payload))
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

// PublishJobStart отправляет host'у команду запуска.
func (p *Publisher) PublishJobStart(ctx context.Context, payload JobStartPayload) error {
	return p.PublishJSON(ctx, ExchangeHosts, RoutingKey(payload.HostID), MessageTypeJobStart, payload)
}

// PublishJobCancel отправляет host'у команду отмены.
func (p *Publisher) PublishJobCancel(ctx context.Context, payload JobCancelPayload) error {
	return p.PublishJSON(ctx, ExchangeHosts, RoutingKey(payload.HostID), MessageTypeJobCancel, payload)
}

// PublishStatus публикует отчёт host'а. Используется агентами hosts и в тестах.
func (p *Publisher) PublishStatus(ctx context.Context, msgType MessageType, payload JobStatusPayload) error {
	return p.PublishJSON(ctx, ExchangeStatus, RoutingKey(payload.Queue), msgType, payload)
}

// PublishCancelRequest просит оркестраторы отменить job.
func (p *Publisher) PublishCancelRequest(ctx context.Context, jobID uuid.UUID, reason string) error {
	return p.PublishJSON(ctx, ExchangeControl, "", MessageTypeJobCancel, CancelRequestPayload{JobID: jobID, Reason: reason})
}

// PublishJobsSubmitted сообщает оркестраторам о новых jobs в очереди.
func (p *Publisher) PublishJobsSubmitted(ctx context.Context, queue string) error {
	return p.PublishJSON(ctx, ExchangeControl, "", MessageTypeJobsSubmitted, JobsSubmittedPayload{Queue: queue})
}
