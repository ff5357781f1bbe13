package main

import (
	"github.com/spf13/cobra"
)

// NewDLQCommand groups the dead-letter queue commands.
func NewDLQCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect and replay dead-lettered deliveries",
	}
	cmd.AddCommand(newDLQListCommand(opts))
	cmd.AddCommand(newDLQRetryCommand(opts))
	cmd.AddCommand(newDLQDiscardCommand(opts))
	return cmd
}

func newDLQListCommand(opts *RootOptions) *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List dead-letter entries for the tenant",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			req := opts.client().R()
			if status != "" {
				req.SetQueryParam("status", status)
			}
			resp, err := req.Get("/v1/dlq")
			if err != nil {
				return err
			}
			return printResponse(cmd, resp)
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status (pending, retrying, discarded, succeeded)")
	return cmd
}

func newDLQRetryCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <entry-id>",
		Short: "Republish a dead-lettered delivery",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := opts.client().R().Post("/v1/dlq/" + args[0] + "/retry")
			if err != nil {
				return err
			}
			return printResponse(cmd, resp)
		},
	}
}

func newDLQDiscardCommand(opts *RootOptions) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "discard <entry-id>",
		Short: "Mark a dead-letter entry as not worth replaying",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := opts.client().R().
				SetBody(map[string]string{"reason": reason}).
				Post("/v1/dlq/" + args[0] + "/discard")
			if err != nil {
				return err
			}
			return printResponse(cmd, resp)
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why the entry is being discarded")
	return cmd
}
