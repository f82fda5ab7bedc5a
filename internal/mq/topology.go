package mq

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Exchange — тип для имени обменника.
type Exchange string

// Queue — тип для имени очереди.
type Queue string

// RoutingKey — тип для ключа маршрутизации.
type RoutingKey string

// Exchanges — имена обменников.
const (
	// ExchangeHosts — команды hosts (job.start, job.cancel), routing key = host id.
	ExchangeHosts Exchange = "jobhost.hosts"

	// ExchangeStatus — отчёты hosts о jobs, routing key = очередь job worker'а.
	ExchangeStatus Exchange = "jobhost.status"

	// ExchangeControl — управляющие сообщения для всех оркестраторов (fanout).
	ExchangeControl Exchange = "jobhost.control"

	// ExchangeDLQ — сообщения, которые не удалось обработать.
	ExchangeDLQ Exchange = "jobhost.dlq"
)

// Queues — имена очередей.
const (
	QueueDLQStatus Queue = "dlq.status"
)

// Routing keys.
const (
	RoutingKeyDLQStatus RoutingKey = "status"
)

// HostQueue возвращает имя очереди команд host'а.
func HostQueue(hostID string) Queue {
	return Queue("jobhost.host." + hostID)
}

// StatusQueue возвращает имя очереди отчётов для очереди job worker'а.
func StatusQueue(jobQueue string) Queue {
	return Queue("jobhost.status." + jobQueue)
}

// SetupTopology объявляет обменники и DLQ. Идемпотентна.
func SetupTopology(ctx context.Context, conn *Connection) error {
	return conn.WithChannel(ctx, func(ch *amqp.Channel) error {
		if err := declareExchanges(ch); err != nil {
			return err
		}

		_, err := ch.QueueDeclare(string(QueueDLQStatus), true, false, false, false, nil)
		if err != nil {
			return fmt.Errorf("declare queue %s: %w", QueueDLQStatus, err)
		}
		err = ch.QueueBind(string(QueueDLQStatus), string(RoutingKeyDLQStatus), string(ExchangeDLQ), false, nil)
		if err != nil {
			return fmt.Errorf("bind queue %s: %w", QueueDLQStatus, err)
		}
		return nil
	})
}

func declareExchanges(ch *amqp.Channel) error {
	exchanges := []struct {
		name Exchange
		kind string
	}{
		{ExchangeHosts, "direct"},
		{ExchangeStatus, "direct"},
		{ExchangeControl, "fanout"},
		{ExchangeDLQ, "direct"},
	}

	for _, ex := range exchanges {
		err := ch.ExchangeDeclare(
			string(ex.name), // name
			ex.kind,         // type
			true,            // durable
			false,           // auto-deleted
			false,           // internal
			false,           // no-wait
			nil,             // arguments
		)
		if err != nil {
			return fmt.Errorf("declare exchange %s: %w", ex.name, err)
		}
	}
	return nil
}

// DeclareHostQueue объявляет очередь команд host'а и привязывает её
// к ExchangeHosts. Сообщения копятся, пока агент host'а не подключится.
func DeclareHostQueue(ch *amqp.Channel, hostID string) (string, error) {
	name := string(HostQueue(hostID))
	if _, err := ch.QueueDeclare(name, true, false, false, false, nil); err != nil {
		return "", fmt.Errorf("declare queue %s: %w", name, err)
	}
	if err := ch.QueueBind(name, hostID, string(ExchangeHosts), false, nil); err != nil {
		return "", fmt.Errorf("bind queue %s: %w", name, err)
	}
	return name, nil
}

// DeclareStatusQueue объявляет очередь отчётов для очереди jobs.
// Нераспарсенные отчёты уходят в DLQ.
func DeclareStatusQueue(ch *amqp.Channel, jobQueue string) (string, error) {
	name := string(StatusQueue(jobQueue))
	args := amqp.Table{
		"x-dead-letter-exchange":    string(ExchangeDLQ),
		"x-dead-letter-routing-key": string(RoutingKeyDLQStatus),
	}
	if _, err := ch.QueueDeclare(name, true, false, false, false, args); err != nil {
		return "", fmt.Errorf("declare queue %s: %w", name, err)
	}
	if err := ch.QueueBind(name, jobQueue, string(ExchangeStatus), false, nil); err != nil {
		return "", fmt.Errorf("bind queue %s: %w", name, err)
	}
	return name, nil
}

// DeclareControlQueue объявляет эксклюзивную очередь этого процесса,
// привязанную к ExchangeControl. Каждый оркестратор получает все
// управляющие сообщения.
func DeclareControlQueue(ch *amqp.Channel) (string, error) {
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return "", fmt.Errorf("declare control queue: %w", err)
	}
	if err := ch.QueueBind(q.Name, "", string(ExchangeControl), false, nil); err != nil {
		return "", fmt.Errorf("bind control queue: %w", err)
	}
	return q.Name, nil
}

// TopologyInfo возвращает описание топологии для логирования.
func TopologyInfo() string {
	return `
  Jobhost RabbitMQ Topology:

    jobhost.hosts (direct)
    └── jobhost.host.<host_id> [routing: <host_id>]
            Consumer: host agent (job.start, job.cancel)

    jobhost.status (direct)
    └── jobhost.status.<queue> [routing: <queue>]
            Consumer: Orchestrator (job.started, job.progress, job.completed, job.heartbeat)
            DLQ: dlq.status

    jobhost.control (fanout)
    └── <exclusive per process>
            Consumer: Orchestrator (job.cancel, jobs.submitted)

    jobhost.dlq (direct)
    └── dlq.status [routing: status]
  `
}
