// Package scheduler — расписания tick'ов оркестратора.
//
// Структура:
//   - cron.go      — Schedule, интервалы и cron-выражения
//   - scheduler.go — Ticker, отдающий tick'и по расписанию
//
// Использование:
//
//	sched, err := scheduler.Parse("0 */1 * * *") // или "@every 10s"
//	if err != nil {
//	    return err
//	}
//
//	ticker := scheduler.NewTicker(sched)
//	defer ticker.Stop()
//
//	for t := range ticker.C {
//	    sweep(t)
//	}
//
// Как и time.Ticker, Ticker отбрасывает tick'и, если получатель
// не успевает их забирать.
package scheduler
