// Package retry выполняет операции с повторными попытками
// и exponential backoff.
//
// Используется Job Worker'ом для всех обращений к Job Store:
// временная недоступность хранилища не должна ронять tick.
package retry

import (
	"context"
	"errors"
	"time"
)

// Стратегии задержки.
const (
	BackoffFixed       = "fixed"
	BackoffExponential = "exponential"
)

// Policy — политика повторных попыток.
type Policy struct {
	// MaxAttempts — максимальное количество попыток (включая первую).
	MaxAttempts int `yaml:"max_attempts"`

	// Backoff — стратегия задержки: "fixed", "exponential".
	Backoff string `yaml:"backoff"`

	// InitialDelay — задержка перед второй попыткой.
	InitialDelay time.Duration `yaml:"initial_delay"`

	// MaxDelay — верхняя граница задержки.
	MaxDelay time.Duration `yaml:"max_delay"`
}

// DefaultPolicy — 3 попытки, 100ms → 200ms, не больше 2s.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:  3,
		Backoff:      BackoffExponential,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     2 * time.Second,
	}
}

// Delay вычисляет задержку перед попыткой attempt+1.
//
// attempt начинается с 1: Delay(1) — пауза после первой неудачной попытки.
func (p Policy) Delay(attempt int) time.Duration {
	initialDelay := p.InitialDelay
	if initialDelay <= 0 {
		initialDelay = time.Second
	}
	maxDelay := p.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}

	delay := initialDelay
	if p.Backoff == BackoffExponential {
		// delay = initialDelay * 2^(attempt-1)
		for i := 1; i < attempt; i++ {
			delay *= 2
			if delay > maxDelay {
				break
			}
		}
	}

	if delay > maxDelay {
		delay = maxDelay
	}
	return delay
}

// permanentError — ошибка, которую бессмысленно повторять.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent помечает ошибку как неповторяемую: Do вернёт её сразу.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent проверяет, помечена ли ошибка через Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Do вызывает fn, пока она не выполнится успешно, не вернёт
// Permanent-ошибку или не закончатся попытки.
//
// Возвращается последняя ошибка fn (Permanent-обёртка снимается).
// Отмена ctx прерывает ожидание между попытками.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = fn(ctx)
		if err == nil {
			return nil
		}

		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		if attempt == attempts {
			break
		}

		timer := time.NewTimer(p.Delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Join(err, ctx.Err())
		case <-timer.C:
		}
	}
	return err
}
