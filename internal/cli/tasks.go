package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/shaiso/Jobhost/internal/config"
	"github.com/shaiso/Jobhost/internal/domain"
)

// NewTaskCmd создаёт группу команд для управления tasks.
func NewTaskCmd(clientFn func() (*Client, error), outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Manage task definitions",
	}

	cmd.AddCommand(
		newTaskListCmd(clientFn, outputFn),
		newTaskApplyCmd(clientFn, outputFn),
	)

	return cmd
}

var taskHeaders = []string{"ID", "NAME", "RUNNER", "TIMEOUT", "HOST_GROUP", "PARAMETERS"}

func taskRow(t *domain.TaskDefinition) []string {
	timeout := "-"
	if t.Timeout > 0 {
		timeout = t.Timeout.String()
	}

	params := make([]string, len(t.Parameters))
	for i, p := range t.Parameters {
		params[i] = p.Name
		if p.Required {
			params[i] += "*"
		}
	}

	return []string{t.ID, t.Name, t.Runner, timeout, t.HostGroup, strings.Join(params, ",")}
}

func newTaskListCmd(clientFn func() (*Client, error), outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List task definitions",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := clientFn()
			if err != nil {
				return err
			}
			out := outputFn()

			tasks, err := client.Tasks.List(cmd.Context())
			if err != nil {
				return err
			}

			rows := make([][]string, len(tasks))
			for i := range tasks {
				rows[i] = taskRow(&tasks[i])
			}

			out.Print(taskHeaders, rows, tasks)
			return nil
		},
	}
}

func newTaskApplyCmd(clientFn func() (*Client, error), outputFn func() *Output) *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Create or update task definitions from a YAML file",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := clientFn()
			if err != nil {
				return err
			}
			out := outputFn()

			tasks, err := LoadTasks(file)
			if err != nil {
				return err
			}

			rows := make([][]string, 0, len(tasks))
			for i := range tasks {
				if err := client.Tasks.Upsert(cmd.Context(), &tasks[i]); err != nil {
					return fmt.Errorf("save task %q: %w", tasks[i].ID, err)
				}
				rows = append(rows, taskRow(&tasks[i]))
			}

			out.Success(fmt.Sprintf("Tasks applied: %d", len(tasks)))
			out.Print(taskHeaders, rows, tasks)
			return nil
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "YAML file with a list of tasks (same format as config tasks[])")
	_ = cmd.MarkFlagRequired("file")

	return cmd
}

// LoadTasks читает список tasks в формате секции tasks конфигурации.
func LoadTasks(path string) ([]domain.TaskDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tasks: %w", err)
	}

	var defs []config.TaskConfig
	if err := yaml.Unmarshal(data, &defs); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	tasks := make([]domain.TaskDefinition, 0, len(defs))
	for i, d := range defs {
		if d.ID == "" || d.Runner == "" {
			return nil, fmt.Errorf("tasks[%d]: id and runner are required", i)
		}
		tasks = append(tasks, d.Task())
	}
	return tasks, nil
}
