// Package telemetry обеспечивает наблюдаемость системы.
//
// Включает:
//   - logging.go — structured logging через slog
//   - metrics.go — Prometheus метрики (PrometheusSink для оркестратора)
//
// Метрики экспортируются на /metrics endpoint. При scalars.disable
// sink не создаётся и оркестратор пропускает публикацию.
package telemetry
