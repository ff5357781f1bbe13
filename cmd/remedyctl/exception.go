package main

import (
	"github.com/spf13/cobra"
)

// NewExceptionCommand groups the exception read commands.
func NewExceptionCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "exception",
		Short: "Inspect exceptions and their event streams",
	}
	cmd.AddCommand(newExceptionListCommand(opts))
	cmd.AddCommand(newExceptionShowCommand(opts))
	cmd.AddCommand(newExceptionEventsCommand(opts))
	cmd.AddCommand(newExceptionRebuildCommand(opts))
	return cmd
}

func newExceptionListCommand(opts *RootOptions) *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List exception projections",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			req := opts.client().R()
			if status != "" {
				req.SetQueryParam("status", status)
			}
			resp, err := req.Get("/v1/exceptions")
			if err != nil {
				return err
			}
			return printResponse(cmd, resp)
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status (open|triaged|remediating|resolved|closed|unmatched)")
	return cmd
}

func newExceptionShowCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <exception-id>",
		Short: "Show one exception's projection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := opts.client().R().Get("/v1/exceptions/" + args[0])
			if err != nil {
				return err
			}
			return printResponse(cmd, resp)
		},
	}
}

func newExceptionEventsCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "events <exception-id>",
		Short: "Show the full event stream, the audit trail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := opts.client().R().Get("/v1/exceptions/" + args[0] + "/events")
			if err != nil {
				return err
			}
			return printResponse(cmd, resp)
		},
	}
}

func newExceptionRebuildCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "rebuild <exception-id>",
		Short: "Refold the event stream and rewrite the projection row",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := opts.client().R().Post("/v1/exceptions/" + args[0] + "/rebuild")
			if err != nil {
				return err
			}
			return printResponse(cmd, resp)
		},
	}
}
