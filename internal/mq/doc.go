// Package mq предоставляет инфраструктуру для работы с RabbitMQ.
//
// Структура:
//   - connection.go — соединение с reconnect и уведомлениями подписчиков
//   - topology.go   — exchanges, очереди hosts/отчётов/управления
//   - publisher.go  — конверт Message и публикация команд/отчётов
//   - consumer.go   — потребление с (пере)объявлением очереди
//
// Типы сообщений:
//   - job.start, job.cancel               — оркестратор → host
//   - job.started, job.progress,
//     job.completed, job.heartbeat        — host → оркестратор
//   - job.cancel, jobs.submitted          — клиент → все оркестраторы
//
// Exchanges:
//   - jobhost.hosts    — команды hosts (routing key = host id)
//   - jobhost.status   — отчёты (routing key = очередь jobs)
//   - jobhost.control  — управление (fanout)
//   - jobhost.dlq      — dead letter
package mq
