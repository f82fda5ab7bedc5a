package executor

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/shaiso/Jobhost/internal/telemetry"
)

// CommandRunner запускает внешнюю программу.
//
// Параметры:
//   - command (string): путь к программе, обязательно
//   - args ([]string): аргументы
//   - dir (string): рабочая директория
//
// Параметры job передаются в окружение как JOBHOST_PARAM_<NAME>.
type CommandRunner struct{}

// Run выполняет команду и возвращает последние строки вывода.
func (CommandRunner) Run(ctx context.Context, run *Run) (string, error) {
	name := run.String("command", "")
	if name == "" {
		return "", errors.New("command is required")
	}

	var args []string
	if v, ok := run.Param("args"); ok {
		switch a := v.(type) {
		case []any:
			for _, arg := range a {
				args = append(args, fmt.Sprint(arg))
			}
		case []string:
			args = a
		}
	}

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = run.String("dir", "")
	cmd.Env = append(cmd.Environ(),
		"JOBHOST_JOB_ID="+run.Job.ID.String(),
		"JOBHOST_HOST_ID="+run.Host.ID,
	)
	for k, v := range run.Job.Parameters {
		cmd.Env = append(cmd.Env, "JOBHOST_PARAM_"+strings.ToUpper(k)+"="+fmt.Sprint(v))
	}

	logger := telemetry.FromContext(ctx)
	logger.Debug("running command", "command", name, "args", args, "dir", cmd.Dir)

	out, err := cmd.CombinedOutput()
	tail := truncate(strings.TrimSpace(string(out)), 500)
	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	if err != nil {
		logger.Warn("command failed", "command", name, "error", err)
		return "", fmt.Errorf("%s: %w: %s", name, err, tail)
	}
	logger.Debug("command finished", "command", name)
	return tail, nil
}
