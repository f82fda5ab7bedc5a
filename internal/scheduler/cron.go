package scheduler

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrInvalidSchedule — расписание не задано или некорректно.
var ErrInvalidSchedule = errors.New("invalid schedule")

// cronParser — парсер cron-выражений (5 полей, дескрипторы @hourly/@every).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Schedule возвращает следующее время срабатывания после from.
// Совместим с cron.Schedule.
type Schedule interface {
	Next(from time.Time) time.Time
}

// Interval — срабатывание через фиксированный промежуток.
//
// В отличие от cron.Every не округляется до секунд.
type Interval time.Duration

// Next возвращает from + интервал.
func (i Interval) Next(from time.Time) time.Time {
	return from.Add(time.Duration(i))
}

// Every создаёт интервальное расписание.
func Every(d time.Duration) (Schedule, error) {
	if d <= 0 {
		return nil, fmt.Errorf("%w: interval must be positive, got %s", ErrInvalidSchedule, d)
	}
	return Interval(d), nil
}

// Parse разбирает cron-выражение ("*/5 * * * *", "@hourly", "@every 30s",
// с префиксом "CRON_TZ=Europe/Moscow " для timezone).
func Parse(expr string) (Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("%w: empty expression", ErrInvalidSchedule)
	}
	schedule, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: parse %q: %v", ErrInvalidSchedule, expr, err)
	}
	return schedule, nil
}

// ValidateCronExpr проверяет валидность cron-выражения.
func ValidateCronExpr(expr string) error {
	_, err := Parse(expr)
	return err
}

// NextDue вычисляет следующее срабатывание в UTC.
func NextDue(s Schedule, from time.Time) time.Time {
	return s.Next(from).UTC()
}
