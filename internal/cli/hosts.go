package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/shaiso/Jobhost/internal/domain"
)

// NewHostCmd создаёт группу команд для управления hosts.
func NewHostCmd(clientFn func() (*Client, error), outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "host",
		Short: "Manage hosts",
	}

	cmd.AddCommand(
		newHostListCmd(clientFn, outputFn),
		newHostAddCmd(clientFn, outputFn),
		newHostAvailabilityCmd(clientFn, outputFn, "enable", "Mark host as available", true),
		newHostAvailabilityCmd(clientFn, outputFn, "disable", "Mark host as unavailable (running jobs are not affected)", false),
	)

	return cmd
}

var hostHeaders = []string{"ID", "NAME", "ADDRESS", "GROUP", "LOAD", "PRIORITY", "AVAILABLE"}

func hostRow(h *domain.Host) []string {
	return []string{
		h.ID,
		h.Name,
		h.Address,
		h.Group,
		fmt.Sprintf("%d/%d", h.CurrentLoad, h.Capacity),
		strconv.Itoa(h.Priority),
		strconv.FormatBool(h.IsAvailable),
	}
}

func newHostListCmd(clientFn func() (*Client, error), outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List hosts",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := clientFn()
			if err != nil {
				return err
			}
			out := outputFn()

			hosts, err := client.Hosts.List(cmd.Context())
			if err != nil {
				return err
			}

			rows := make([][]string, len(hosts))
			for i := range hosts {
				rows[i] = hostRow(&hosts[i])
			}

			out.Print(hostHeaders, rows, hosts)
			return nil
		},
	}
}

func newHostAddCmd(clientFn func() (*Client, error), outputFn func() *Output) *cobra.Command {
	var host domain.Host
	var disabled bool

	cmd := &cobra.Command{
		Use:   "add ID",
		Short: "Add or update a host",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := clientFn()
			if err != nil {
				return err
			}
			out := outputFn()

			host.ID = args[0]
			if host.Name == "" {
				host.Name = host.ID
			}
			if host.Capacity < 0 {
				return fmt.Errorf("capacity must not be negative")
			}
			host.IsAvailable = !disabled

			if err := client.Hosts.Upsert(cmd.Context(), &host); err != nil {
				return err
			}

			saved, err := client.Hosts.Get(cmd.Context(), host.ID)
			if err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Host saved: %s", saved.ID))
			out.Print(hostHeaders, [][]string{hostRow(saved)}, saved)
			return nil
		},
	}

	cmd.Flags().StringVar(&host.Name, "name", "", "Host name (defaults to ID)")
	cmd.Flags().StringVar(&host.Address, "address", "", "Host address")
	cmd.Flags().StringVar(&host.Group, "group", "", "Host group")
	cmd.Flags().IntVar(&host.Capacity, "capacity", 1, "Maximum concurrent jobs")
	cmd.Flags().IntVar(&host.Priority, "priority", 0, "Priority among equally loaded hosts")
	cmd.Flags().BoolVar(&disabled, "disabled", false, "Register host as unavailable")

	return cmd
}

func newHostAvailabilityCmd(clientFn func() (*Client, error), outputFn func() *Output, use, short string, available bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " ID",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := clientFn()
			if err != nil {
				return err
			}
			out := outputFn()

			if err := client.Hosts.SetAvailable(cmd.Context(), args[0], available); err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Host %sd: %s", use, args[0]))
			return nil
		},
	}
}
