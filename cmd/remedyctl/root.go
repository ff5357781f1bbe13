package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/spf13/cobra"
)

// RootOptions holds the global flags shared by every command.
type RootOptions struct {
	Server string
	Tenant string
}

// NewRootCommand creates the remedyctl root command.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:           "remedyctl",
		Short:         "Operator CLI for the remedy pipeline",
		Long:          "remedyctl drives the remedy API: inspect exceptions and their event streams, manage playbook runs, and work the dead-letter queue.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.Server, "server", "http://localhost:8080", "base URL of the remedy API")
	cmd.PersistentFlags().StringVar(&opts.Tenant, "tenant", "", "tenant id (required)")
	_ = cmd.MarkPersistentFlagRequired("tenant")

	cmd.AddCommand(NewExceptionCommand(opts))
	cmd.AddCommand(NewPlaybookCommand(opts))
	cmd.AddCommand(NewStepCommand(opts))
	cmd.AddCommand(NewRecalculateCommand(opts))
	cmd.AddCommand(NewDLQCommand(opts))

	return cmd
}

// client builds the API client scoped to the configured server and tenant.
func (o *RootOptions) client() *resty.Client {
	return resty.New().
		SetBaseURL(o.Server).
		SetTimeout(15 * time.Second).
		SetHeader("X-Tenant-ID", o.Tenant).
		SetHeader("Content-Type", "application/json")
}

// printResponse pretty-prints a successful JSON response and turns API
// errors into command errors.
func printResponse(cmd *cobra.Command, resp *resty.Response) error {
	if resp.IsError() {
		return fmt.Errorf("%s: %s", resp.Status(), bytes.TrimSpace(resp.Body()))
	}
	body := resp.Body()
	if len(bytes.TrimSpace(body)) == 0 {
		cmd.Println("OK")
		return nil
	}
	var out bytes.Buffer
	if err := json.Indent(&out, body, "", "  "); err != nil {
		cmd.Println(string(body))
		return nil
	}
	cmd.Println(out.String())
	return nil
}
