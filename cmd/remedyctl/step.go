package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

type stepActionBody struct {
	ActorID string `json:"actor_id"`
	Reason  string `json:"reason,omitempty"`
}

// NewStepCommand groups the operator step actions on a running playbook.
func NewStepCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "step",
		Short: "Act on playbook steps for an exception",
	}
	cmd.AddCommand(newStepActionCommand(opts, "complete", "Complete the current step"))
	cmd.AddCommand(newStepActionCommand(opts, "skip", "Skip the current step"))
	return cmd
}

func newStepActionCommand(opts *RootOptions, action, short string) *cobra.Command {
	var actor, reason string
	cmd := &cobra.Command{
		Use:   action + " <exception-id> <step-order>",
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := fmt.Sprintf("/v1/exceptions/%s/playbook/steps/%s/%s", args[0], args[1], action)
			resp, err := opts.client().R().
				SetBody(stepActionBody{ActorID: actor, Reason: reason}).
				Post(path)
			if err != nil {
				return err
			}
			return printResponse(cmd, resp)
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "operator id recorded on the event")
	cmd.Flags().StringVar(&reason, "reason", "", "optional reason")
	_ = cmd.MarkFlagRequired("actor")
	return cmd
}

// NewRecalculateCommand re-runs playbook matching for an exception. The run
// only switches when a strictly better match exists.
func NewRecalculateCommand(opts *RootOptions) *cobra.Command {
	var actor, reason string
	cmd := &cobra.Command{
		Use:   "recalculate <exception-id>",
		Short: "Re-match the playbook after definitions change",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := opts.client().R().
				SetBody(stepActionBody{ActorID: actor, Reason: reason}).
				Post("/v1/exceptions/" + args[0] + "/playbook/recalculate")
			if err != nil {
				return err
			}
			return printResponse(cmd, resp)
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "operator id recorded on the event")
	cmd.Flags().StringVar(&reason, "reason", "", "optional reason")
	_ = cmd.MarkFlagRequired("actor")
	return cmd
}
