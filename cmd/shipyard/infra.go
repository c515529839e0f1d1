package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/splax/shipyard/internal/domain"
	apiclient "github.com/splax/shipyard/pkg/api/client"
)

func newInfraCommand() *cobra.Command {
	cmd := &cobra.Command{Use: "infra", Short: "Validate, order and deploy terraform projects"}

	validate := &cobra.Command{
		Use:   "validate <project>...",
		Short: "Check that every dependency of the projects is requested too",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := newSession()
			if err != nil {
				return err
			}
			ctx, cancel := requestContext(cmd)
			defer cancel()
			projects, err := sess.client.ValidateDependencies(ctx, sess.token, args)
			if err != nil {
				return explainResolverError(cmd.ErrOrStderr(), err)
			}
			if flags.json {
				return printJSON(cmd.OutOrStdout(), projects)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "dependencies satisfied: %s\n", strings.Join(projects, ", "))
			return nil
		},
	}

	order := &cobra.Command{
		Use:   "order <project>...",
		Short: "Print the deployment order of the projects",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := newSession()
			if err != nil {
				return err
			}
			ctx, cancel := requestContext(cmd)
			defer cancel()
			ordered, err := sess.client.DeploymentOrder(ctx, sess.token, args)
			if err != nil {
				return explainResolverError(cmd.ErrOrStderr(), err)
			}
			if flags.json {
				return printJSON(cmd.OutOrStdout(), ordered)
			}
			for i, project := range ordered {
				fmt.Fprintf(cmd.OutOrStdout(), "%d. %s\n", i+1, project)
			}
			return nil
		},
	}

	var (
		environment string
		approved    bool
	)
	deploy := &cobra.Command{
		Use:   "deploy <project>...",
		Short: "Apply the projects to an environment in dependency order",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := newSession()
			if err != nil {
				return err
			}
			ctx, cancel := requestContext(cmd)
			defer cancel()
			report, err := sess.client.DeployInfrastructure(ctx, sess.token, args, environment, approved)
			if err != nil {
				var apiErr apiclient.APIError
				if errors.As(err, &apiErr) {
					if raw, ok := apiErr.Details["report"]; ok {
						if jsonErr := json.Unmarshal(raw, &report); jsonErr == nil {
							printReport(cmd.ErrOrStderr(), report)
						}
					}
				}
				return explainResolverError(cmd.ErrOrStderr(), err)
			}
			if flags.json {
				return printJSON(cmd.OutOrStdout(), report)
			}
			printReport(cmd.OutOrStdout(), report)
			return nil
		},
	}
	deploy.Flags().StringVar(&environment, "env", "", "Target environment")
	deploy.Flags().BoolVar(&approved, "approve", false, "Approve deployment into environments that require it")
	_ = deploy.MarkFlagRequired("env")

	cmd.AddCommand(validate, order, deploy)
	return cmd
}

// explainResolverError prints violations or a cycle carried by the error body.
func explainResolverError(w io.Writer, err error) error {
	var apiErr apiclient.APIError
	if !errors.As(err, &apiErr) {
		return err
	}
	if raw, ok := apiErr.Details["violations"]; ok {
		var violations []struct {
			Project string   `json:"project"`
			Missing []string `json:"missing"`
		}
		if json.Unmarshal(raw, &violations) == nil {
			for _, v := range violations {
				fmt.Fprintf(w, "  %s is missing %s\n", v.Project, strings.Join(v.Missing, ", "))
			}
		}
	}
	if raw, ok := apiErr.Details["cycle"]; ok {
		var cycle []string
		if json.Unmarshal(raw, &cycle) == nil {
			fmt.Fprintf(w, "  cycle: %s\n", strings.Join(cycle, " -> "))
		}
	}
	return err
}

func printReport(w io.Writer, report domain.InfraReport) {
	fmt.Fprintf(w, "environment %s, order %s\n", report.Environment, strings.Join(report.Order, " -> "))
	for _, run := range report.Projects {
		line := fmt.Sprintf("  %-24s %s", run.Project, run.Status)
		if run.DurationSeconds > 0 {
			line += fmt.Sprintf(" (%ds)", run.DurationSeconds)
		}
		if run.Error != "" {
			line += "  error: " + run.Error
		}
		fmt.Fprintln(w, line)
	}
}
