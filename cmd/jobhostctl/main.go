// jobhostctl — инструмент оператора Jobhost.
//
// Работает напрямую с хранилищем PostgreSQL и, если задан RabbitMQ,
// уведомляет оркестраторы о новых jobs и запросах отмены.
//
// Использование:
//
//	jobhostctl [--db-url DSN] [--rabbitmq-url URL] [--json] <command> <subcommand> [flags]
//
// Команды:
//
//	job   Управление jobs
//	host  Управление hosts
//	task  Управление определениями tasks
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/shaiso/Jobhost/internal/cli"
	"github.com/shaiso/Jobhost/internal/mq"
	"github.com/shaiso/Jobhost/internal/repo"
)

// version задаётся через ldflags при сборке.
var version = "dev"

func main() {
	var dbURL string
	var mqURL string
	var jsonOutput bool

	var pool *pgxpool.Pool
	var conn *mq.Connection
	var client *cli.Client

	rootCmd := &cobra.Command{
		Use:           "jobhostctl",
		Short:         "jobhostctl — Jobhost operator tool",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if conn != nil {
				conn.Close()
			}
			if pool != nil {
				pool.Close()
			}
		},
	}

	rootCmd.PersistentFlags().StringVar(&dbURL, "db-url", os.Getenv("DB_URL"), "PostgreSQL DSN")
	rootCmd.PersistentFlags().StringVar(&mqURL, "rabbitmq-url", os.Getenv("RABBITMQ_URL"), "RabbitMQ URL (optional)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")

	// Логи CLI — только предупреждения, в stderr
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	clientFn := func() (*cli.Client, error) {
		if client != nil {
			return client, nil
		}

		ctx := rootCmd.Context()
		var err error
		pool, err = repo.NewPool(ctx, dbURL)
		if err != nil {
			return nil, fmt.Errorf("connect to database: %w", err)
		}

		client = &cli.Client{
			Jobs:   repo.NewJobRepo(pool),
			Hosts:  repo.NewHostRepo(pool),
			Tasks:  repo.NewTaskRepo(pool),
			Logger: logger,
		}

		if mqURL != "" {
			conn, err = mq.NewConnection(mqURL, logger)
			if err != nil {
				logger.Warn("RabbitMQ not available, orchestrators will not be notified", "error", err)
			} else {
				client.Notifier = mq.NewPublisher(conn, logger)
			}
		}
		return client, nil
	}
	outputFn := func() *cli.Output { return cli.NewOutput(jsonOutput) }

	rootCmd.AddCommand(
		cli.NewJobCmd(clientFn, outputFn),
		cli.NewHostCmd(clientFn, outputFn),
		cli.NewTaskCmd(clientFn, outputFn),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
