package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/zoff-tech/go-remedy/schema"
)

// NewPlaybookCommand groups the playbook definition commands.
func NewPlaybookCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "playbook",
		Short: "Manage playbook definitions",
	}
	cmd.AddCommand(newPlaybookListCommand(opts))
	cmd.AddCommand(newPlaybookShowCommand(opts))
	cmd.AddCommand(newPlaybookApplyCommand(opts))
	return cmd
}

func newPlaybookListCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List definitions visible to the tenant",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := opts.client().R().Get("/v1/playbooks")
			if err != nil {
				return err
			}
			return printResponse(cmd, resp)
		},
	}
}

func newPlaybookShowCommand(opts *RootOptions) *cobra.Command {
	var version int
	cmd := &cobra.Command{
		Use:   "show <playbook-id>",
		Short: "Show a definition, latest version by default",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := opts.client().R()
			if version > 0 {
				req.SetQueryParam("version", fmt.Sprint(version))
			}
			resp, err := req.Get("/v1/playbooks/" + args[0])
			if err != nil {
				return err
			}
			return printResponse(cmd, resp)
		},
	}
	cmd.Flags().IntVar(&version, "version", 0, "specific version (0 = latest)")
	return cmd
}

// newPlaybookApplyCommand posts a YAML definition file as a new version.
// Versions are immutable, so applying an existing version is rejected by the
// API.
func newPlaybookApplyCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "apply <definition.yaml>",
		Short: "Upload a definition version from a YAML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			var def schema.PlaybookDefinition
			if err := yaml.Unmarshal(raw, &def); err != nil {
				return fmt.Errorf("parse %s: %w", args[0], err)
			}
			if err := def.Validate(); err != nil {
				return err
			}
			resp, err := opts.client().R().SetBody(def).Post("/v1/playbooks")
			if err != nil {
				return err
			}
			return printResponse(cmd, resp)
		},
	}
}
