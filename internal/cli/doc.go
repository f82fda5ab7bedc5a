// Package cli реализует jobhostctl — инструмент оператора.
//
// CLI работает напрямую с хранилищем (jobs, hosts, tasks) и, если
// настроен RabbitMQ, отправляет управляющие сообщения оркестраторам:
// jobs.submitted для внеочередного poll и job.cancel для отмены
// выполняющихся jobs.
//
// ## Client
//
// Client объединяет хранилища и Notifier. PENDING job отменяется
// условным обновлением в хранилище; job, уже взятый воркером,
// отменяет только оркестратор-владелец.
//
// ## Output
//
// Форматирование вывода. Поддерживает два режима:
//   - Таблицы (text/tabwriter) — по умолчанию
//   - JSON — с флагом --json
//
// Данные выводятся в stdout, сообщения (Success/Error) — в stderr:
//
//	jobhostctl job list --status ERROR --json | jq .
//
// ## Commands
//
//   - job: list, submit, show, cancel
//   - host: list, add, enable, disable
//   - task: list, apply
//
// Каждая группа создаётся фабричной функцией (NewJobCmd и т.д.),
// принимающей clientFn и outputFn — замыкания для ленивого создания
// Client и Output после парсинга PersistentFlags.
package cli
