package cli

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/shaiso/Jobhost/internal/domain"
	"github.com/shaiso/Jobhost/internal/repo"
)

// NewJobCmd создаёт группу команд для управления jobs.
func NewJobCmd(clientFn func() (*Client, error), outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "job",
		Short: "Manage jobs",
	}

	cmd.AddCommand(
		newJobListCmd(clientFn, outputFn),
		newJobSubmitCmd(clientFn, outputFn),
		newJobShowCmd(clientFn, outputFn),
		newJobCancelCmd(clientFn, outputFn),
	)

	return cmd
}

var jobHeaders = []string{"ID", "TASK", "QUEUE", "STATUS", "HOST", "PROGRESS", "REQUESTED"}

func jobRow(j *domain.Job) []string {
	return []string{
		j.ID.String(),
		j.TaskID,
		j.Queue,
		string(j.Status),
		j.HostID,
		strconv.Itoa(j.Progress) + "%",
		formatTime(&j.RequestedAt),
	}
}

func newJobListCmd(clientFn func() (*Client, error), outputFn func() *Output) *cobra.Command {
	var queue string
	var status string
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := clientFn()
			if err != nil {
				return err
			}
			out := outputFn()

			filter := repo.JobFilter{Queue: queue, Limit: limit}
			if status != "" {
				s, ok := domain.ParseJobStatus(strings.ToUpper(status))
				if !ok {
					return fmt.Errorf("unknown status %q", status)
				}
				filter.Status = s
			}

			jobs, err := client.Jobs.List(cmd.Context(), filter)
			if err != nil {
				return err
			}

			rows := make([][]string, len(jobs))
			for i := range jobs {
				rows[i] = jobRow(&jobs[i])
			}

			out.Print(jobHeaders, rows, jobs)
			return nil
		},
	}

	cmd.Flags().StringVar(&queue, "queue", "", "Filter by queue")
	cmd.Flags().StringVar(&status, "status", "", "Filter by status (PENDING, STARTING, IN_PROGRESS, CANCELLING, COMPLETED, ERROR, CANCELLED)")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of results")

	return cmd
}

func newJobSubmitCmd(clientFn func() (*Client, error), outputFn func() *Output) *cobra.Command {
	var req SubmitRequest
	var params []string

	cmd := &cobra.Command{
		Use:   "submit TASK_ID",
		Short: "Submit a new job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := clientFn()
			if err != nil {
				return err
			}
			out := outputFn()

			req.TaskID = args[0]
			req.Parameters, err = ParseParams(params)
			if err != nil {
				return err
			}

			job, err := client.SubmitJob(cmd.Context(), req)
			if err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Job submitted: %s", job.ID))
			out.Print(jobHeaders, [][]string{jobRow(job)}, job)
			return nil
		},
	}

	cmd.Flags().StringVar(&req.Queue, "queue", "default", "Job queue (worker)")
	cmd.Flags().StringVar(&req.AccountID, "account", "", "Account ID")
	cmd.Flags().StringVar(&req.HostGroup, "host-group", "", "Host group (overrides task host group)")
	cmd.Flags().IntVar(&req.Priority, "priority", 0, "Job priority")
	cmd.Flags().StringSliceVar(&params, "param", nil, "Parameter as KEY=VALUE (repeatable)")

	return cmd
}

func newJobShowCmd(clientFn func() (*Client, error), outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "show ID",
		Short: "Show job details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := clientFn()
			if err != nil {
				return err
			}
			out := outputFn()

			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid job id %q: %w", args[0], err)
			}

			job, err := client.Jobs.Get(cmd.Context(), id)
			if err != nil {
				return err
			}

			out.Print(
				[]string{"ID", "TASK", "STATUS", "HOST", "PROGRESS", "MESSAGE", "STARTED", "ENDED"},
				[][]string{{
					job.ID.String(), job.TaskID, string(job.Status), job.HostID,
					strconv.Itoa(job.Progress) + "%", jobMessage(job),
					formatTime(job.StartedAt), formatTime(job.EndedAt),
				}},
				job,
			)
			return nil
		},
	}
}

func newJobCancelCmd(clientFn func() (*Client, error), outputFn func() *Output) *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "cancel ID",
		Short: "Cancel a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := clientFn()
			if err != nil {
				return err
			}
			out := outputFn()

			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid job id %q: %w", args[0], err)
			}

			job, err := client.CancelJob(cmd.Context(), id, reason)
			if err != nil {
				return err
			}

			if job.Status == domain.JobStatusCancelled {
				out.Success(fmt.Sprintf("Job cancelled: %s", job.ID))
			} else {
				out.Success(fmt.Sprintf("Cancel requested: %s (%s)", job.ID, job.Status))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "", "Cancellation reason")

	return cmd
}

// ParseParams разбирает KEY=VALUE. Значение читается как YAML-скаляр:
// 42 — число, true — bool, остальное — строка.
func ParseParams(kvs []string) (map[string]any, error) {
	if len(kvs) == 0 {
		return nil, nil
	}

	params := make(map[string]any, len(kvs))
	for _, kv := range kvs {
		key, raw, ok := strings.Cut(kv, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid parameter format %q, expected KEY=VALUE", kv)
		}

		var value any
		if err := yaml.Unmarshal([]byte(raw), &value); err != nil || value == nil {
			value = raw
		}
		switch value.(type) {
		case string, int, float64, bool:
		default:
			value = raw
		}
		params[key] = value
	}
	return params, nil
}

func jobMessage(j *domain.Job) string {
	if j.ErrorMessage != "" {
		return j.ErrorMessage
	}
	return j.ProgressMessage
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.Local().Format(time.DateTime)
}
