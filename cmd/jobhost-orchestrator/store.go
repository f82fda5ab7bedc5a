package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shaiso/Jobhost/internal/balancer"
	"github.com/shaiso/Jobhost/internal/config"
	"github.com/shaiso/Jobhost/internal/domain"
	"github.com/shaiso/Jobhost/internal/repo"
	"github.com/shaiso/Jobhost/internal/worker"
)

type hostStore interface {
	balancer.HostDirectory
	Upsert(ctx context.Context, host *domain.Host) error
}

type taskStore interface {
	worker.TaskDirectory
	Upsert(ctx context.Context, task *domain.TaskDefinition) error
}

// openStore открывает хранилище драйвера из конфигурации.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (worker.JobStore, hostStore, taskStore, func(), error) {
	if cfg.Store.Driver == config.DriverMemory {
		logger.Warn("using in-memory store, jobs are lost on restart")
		return repo.NewMemoryJobStore(), repo.NewMemoryHostDirectory(), repo.NewMemoryTaskDirectory(), func() {}, nil
	}

	pool, err := repo.NewPool(ctx, cfg.Store.DSN)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := repo.Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, nil, nil, nil, err
	}
	logger.Info("database connected")

	return repo.NewJobRepo(pool), repo.NewHostRepo(pool), repo.NewTaskRepo(pool), pool.Close, nil
}

// seed записывает hosts и tasks из конфигурации. Загрузка существующих
// hosts сохраняется.
func seed(ctx context.Context, cfg *config.Config, hosts hostStore, tasks taskStore) error {
	for _, hc := range cfg.Hosts {
		h := hc.Host()
		if err := hosts.Upsert(ctx, &h); err != nil {
			return fmt.Errorf("seed host %s: %w", h.ID, err)
		}
	}
	for _, tc := range cfg.Tasks {
		t := tc.Task()
		if err := tasks.Upsert(ctx, &t); err != nil {
			return fmt.Errorf("seed task %s: %w", t.ID, err)
		}
	}
	return nil
}

func usesRemote(cfg *config.Config) bool {
	for _, w := range cfg.Workers {
		if w.Executor == config.ExecutorRemote {
			return true
		}
	}
	return false
}
