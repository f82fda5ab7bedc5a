package orchestrator

import (
	"context"
	"errors"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/shaiso/Jobhost/internal/mq"
	"github.com/shaiso/Jobhost/internal/repo"
	"github.com/shaiso/Jobhost/internal/worker"
)

// consumeControl потребляет управляющие сообщения из эксклюзивной
// очереди этого процесса. jobhost.control имеет тип fanout, поэтому каждый
// оркестратор получает каждое сообщение.
func (o *Orchestrator) consumeControl(ctx context.Context) error {
	consumer := mq.NewConsumer(o.control, o.logger, mq.ConsumerConfig{
		Declare: func(ch *amqp.Channel) (string, error) {
			return mq.DeclareControlQueue(ch)
		},
		Handler:  o.handleControl,
		Prefetch: 10,
	})
	return consumer.Start(ctx)
}

// handleControl обрабатывает одно управляющее сообщение.
func (o *Orchestrator) handleControl(ctx context.Context, delivery *mq.Delivery) error {
	msg := &delivery.Message

	switch msg.Type {
	case mq.MessageTypeJobCancel:
		return o.handleCancelRequest(ctx, msg)
	case mq.MessageTypeJobsSubmitted:
		return o.handleJobsSubmitted(msg)
	default:
		o.logger.Warn("unknown control message", "type", msg.Type, "message_id", msg.ID)
		return nil
	}
}

// handleCancelRequest передаёт отмену воркеру-владельцу.
func (o *Orchestrator) handleCancelRequest(ctx context.Context, msg *mq.Message) error {
	payload, err := mq.ParsePayload[mq.CancelRequestPayload](msg)
	if err != nil {
		o.logger.Error("failed to parse job.cancel payload", "error", err)
		return err
	}

	err = o.Cancel(ctx, payload.JobID, payload.Reason)
	switch {
	case err == nil:
		o.logger.Info("cancel request accepted", "job_id", payload.JobID)
		return nil

	// Ожидаемые ситуации — не возвращаем ошибку (ack):
	// job мог принадлежать другому процессу или уже завершиться
	case errors.Is(err, ErrUnknownJob),
		errors.Is(err, worker.ErrNotOwned),
		errors.Is(err, worker.ErrJobFinished),
		errors.Is(err, repo.ErrNotFound),
		errors.Is(err, ErrOrchestratorStopped):
		o.logger.Debug("cancel request not applied", "job_id", payload.JobID, "reason", err)
		return nil

	default:
		o.logger.Error("failed to cancel job", "job_id", payload.JobID, "error", err)
		return err
	}
}

// handleJobsSubmitted запрашивает внеочередной Poll воркеров очереди.
func (o *Orchestrator) handleJobsSubmitted(msg *mq.Message) error {
	payload, err := mq.ParsePayload[mq.JobsSubmittedPayload](msg)
	if err != nil {
		o.logger.Error("failed to parse jobs.submitted payload", "error", err)
		return err
	}

	for _, r := range o.workers {
		if payload.Queue == "" || payload.Queue == r.worker.Queue() {
			signal(r.poll)
		}
	}
	return nil
}
