// Package balancer выбирает host для job и ведёт учёт загрузки hosts.
//
// # Выбор host
//
// Кандидаты — доступные hosts со свободной ёмкостью из нужной группы
// (группа job важнее группы task, пустая группа — любой host).
// Порядок кандидатов:
//
//  1. меньший LoadRatio (CurrentLoad / Capacity)
//  2. больший Priority
//  3. ID по алфавиту
//
// Захват слота делает HostDirectory.IncrementLoad, который в хранилище
// условен (current_load < capacity). Если хранилище ответило
// ErrCapacityExceeded (слот забрал другой процесс), берётся следующий
// кандидат. Если кандидатов не осталось — ErrNoHostAvailable: job
// остаётся в PENDING до следующего tick.
//
// # Освобождение
//
// Release уменьшает загрузку ровно один раз на захват. Balancer помнит
// свои назначения; повторный Release того же job ничего не делает.
// Release для job, который balancer не назначал (осиротевший job после
// рестарта), передаётся в хранилище один раз за жизнь процесса.
//
// Операции над одним host сериализуются отдельным mutex на host.
package balancer
