package executor

import (
	"context"
	"fmt"
	"time"
)

// DelayRunner ждёт duration_sec секунд (default: 1), отправляя прогресс
// steps раз (default: 4). Поддерживает отмену через context.
type DelayRunner struct{}

// Run выполняет задержку.
func (DelayRunner) Run(ctx context.Context, run *Run) (string, error) {
	duration := run.Seconds("duration_sec", time.Second)

	steps := 4
	if v, ok := run.Param("steps"); ok {
		if n, ok := v.(float64); ok && n >= 1 {
			steps = int(n)
		}
	}

	step := duration / time.Duration(steps)
	timer := time.NewTimer(step)
	defer timer.Stop()

	for i := 1; i <= steps; i++ {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-timer.C:
		}
		run.Progress(i*100/steps, fmt.Sprintf("step %d/%d", i, steps))
		timer.Reset(step)
	}
	return fmt.Sprintf("delayed %s", duration), nil
}
