// Jobhost Orchestrator — распределяет jobs по hosts.
//
// Процесс:
//   - Загружает конфигурацию (YAML + окружение)
//   - Подключает хранилище (PostgreSQL или in-memory) и RabbitMQ
//   - Создаёт для каждой очереди балансировщик, executor и job worker
//   - Запускает оркестратор: execution tick и cleaning tick
//   - Отдаёт /healthz и /metrics
//
// Без RabbitMQ работает в polling-only режиме с локальным executor'ом.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/shaiso/Jobhost/internal/balancer"
	"github.com/shaiso/Jobhost/internal/config"
	"github.com/shaiso/Jobhost/internal/events"
	"github.com/shaiso/Jobhost/internal/executor"
	"github.com/shaiso/Jobhost/internal/executor/remote"
	"github.com/shaiso/Jobhost/internal/mq"
	"github.com/shaiso/Jobhost/internal/orchestrator"
	"github.com/shaiso/Jobhost/internal/scheduler"
	"github.com/shaiso/Jobhost/internal/telemetry"
	"github.com/shaiso/Jobhost/internal/worker"
)

// version задаётся через ldflags при сборке.
var version = "dev"

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:           "jobhost-orchestrator",
		Short:         "Jobhost orchestrator — load-balanced job execution",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath)
		},
	}
	rootCmd.Flags().StringVarP(&configPath, "config", "c", os.Getenv("JOBHOST_CONFIG"), "Path to YAML config")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	// Инициализируем structured logging
	logger := telemetry.SetupLogger()
	logger.Info("starting jobhost-orchestrator", "version", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger = logger.With("instance", cfg.InstanceID)

	// graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Хранилище
	jobs, hosts, tasks, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	if err := seed(ctx, cfg, hosts, tasks); err != nil {
		return err
	}

	// RabbitMQ
	var mqConn *mq.Connection
	var remoteExec *remote.Executor
	if cfg.RabbitMQ.URL != "" {
		mqConn, err = mq.NewConnection(cfg.RabbitMQ.URL, logger)
		if err != nil {
			if usesRemote(cfg) {
				return fmt.Errorf("connect rabbitmq: %w", err)
			}
			logger.Warn("RabbitMQ not available, running in polling-only mode", "error", err)
		} else {
			defer mqConn.Close()
			logger.Info("RabbitMQ connected")

			if err := mq.SetupTopology(ctx, mqConn); err != nil {
				logger.Warn("failed to setup topology", "error", err)
			}
			if usesRemote(cfg) {
				remoteExec = remote.New(remote.Config{
					Conn:         mqConn,
					Publisher:    mq.NewPublisher(mqConn, logger),
					HeartbeatTTL: cfg.HeartbeatTTL,
					Logger:       logger,
				})
			}
		}
	}

	localExec := executor.NewLocal(executor.LocalConfig{Logger: logger})
	defer localExec.Close()

	// Воркеры
	bus := events.NewBus()
	workers := make([]orchestrator.JobWorker, 0, len(cfg.Workers))
	for _, wc := range cfg.Workers {
		lb, err := balancer.New(balancer.Config{
			WorkerID: wc.ID,
			Hosts:    hosts,
			Verbose:  wc.VerboseLogging,
			Logger:   logger,
		})
		if err != nil {
			return err
		}

		var exec executor.Executor = localExec
		if wc.Executor == config.ExecutorRemote {
			exec = remoteExec
		}

		w, err := worker.New(worker.Config{
			ID:           wc.ID,
			Queue:        wc.Queue,
			Instance:     cfg.InstanceID,
			Jobs:         jobs,
			Tasks:        tasks,
			Balancer:     lb,
			Executor:     exec,
			JobTimeout:   wc.JobTimeout,
			StartTimeout: wc.StartTimeout,
			MaxAge:       wc.MaxAge,
			CancelGrace:  wc.CancelGrace,
			StoreTimeout: cfg.StoreTimeout,
			BatchSize:    wc.BatchSize,
			Retry:        cfg.Retry,
			Verbose:      wc.VerboseLogging,
			OnEvent:      orchestrator.Relay(bus, wc.ID),
			Logger:       logger,
		})
		if err != nil {
			return fmt.Errorf("worker %s: %w", wc.ID, err)
		}
		workers = append(workers, w)
	}

	// Расписания
	execution, err := scheduler.Every(cfg.ExecutionTimerInterval)
	if err != nil {
		return err
	}
	var cleaning scheduler.Schedule
	if cfg.CleaningSchedule != "" {
		cleaning, err = scheduler.Parse(cfg.CleaningSchedule)
	} else {
		cleaning, err = scheduler.Every(cfg.CleaningTimerInterval)
	}
	if err != nil {
		return err
	}

	// Телеметрия
	var sink orchestrator.TelemetrySink
	if !cfg.Scalars.Disable {
		sink = telemetry.NewPrometheusSink(nil)
	}

	orch, err := orchestrator.New(orchestrator.Config{
		Workers:           workers,
		ExecutionSchedule: execution,
		CleaningSchedule:  cleaning,
		Events:            bus,
		Telemetry:         sink,
		Control:           mqConn,
		Logger:            logger,
	})
	if err != nil {
		return err
	}

	// Отчёты hosts. До Clean ждём один HeartbeatTTL, чтобы живые
	// выполнения успели отметиться и не были прерваны как осиротевшие.
	execDone := make(chan struct{})
	if remoteExec != nil {
		go func() {
			defer close(execDone)
			if err := remoteExec.Run(ctx); err != nil {
				logger.Error("remote executor error", "error", err)
				cancel()
			}
		}()

		logger.Info("waiting for host heartbeats", "ttl", cfg.HeartbeatTTL)
		select {
		case <-time.After(cfg.HeartbeatTTL):
		case <-ctx.Done():
			return nil
		}
	} else {
		close(execDone)
	}

	// Запускаем orchestrator
	if err := orch.Start(ctx); err != nil {
		return fmt.Errorf("start orchestrator: %w", err)
	}

	// HTTP mux: /healthz + /metrics
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		if orch.IsStopped() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		logger.Info("listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
			cancel()
		}
	}()

	// Ожидаем сигнал завершения
	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown error", "error", err)
	}

	// Останавливаем orchestrator
	orch.Stop()
	<-execDone
	logger.Info("jobhost-orchestrator stopped")
	return nil
}
