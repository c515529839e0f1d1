package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/splax/shipyard/internal/domain"
)

func newEnvCommand() *cobra.Command {
	cmd := &cobra.Command{Use: "env", Short: "Inspect deployment environments"}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List environments and their policies",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sess, err := newSession()
			if err != nil {
				return err
			}
			ctx, cancel := requestContext(cmd)
			defer cancel()
			envs, err := sess.client.ListEnvironments(ctx, sess.token)
			if err != nil {
				return err
			}
			if flags.json {
				return printJSON(cmd.OutOrStdout(), envs)
			}
			for _, env := range envs {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\tapproval=%t\tauto_deploy=%t\tactions=%s\n",
					env.Name, env.RequiresApproval, env.AutoDeploy, joinActions(env.AllowedActions))
			}
			return nil
		},
	})
	return cmd
}

func newProjectCommand() *cobra.Command {
	cmd := &cobra.Command{Use: "project", Short: "Inspect terraform projects"}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List terraform projects and their dependencies",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sess, err := newSession()
			if err != nil {
				return err
			}
			ctx, cancel := requestContext(cmd)
			defer cancel()
			projects, err := sess.client.ListProjects(ctx, sess.token)
			if err != nil {
				return err
			}
			if flags.json {
				return printJSON(cmd.OutOrStdout(), projects)
			}
			for _, p := range projects {
				deps := "-"
				if len(p.Dependencies) > 0 {
					deps = strings.Join(p.Dependencies, ",")
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\tdepends_on=%s\n", p.Name, deps)
			}
			return nil
		},
	})
	return cmd
}

func newPolicyCommand() *cobra.Command {
	cmd := &cobra.Command{Use: "policy", Short: "Query the environment policy gate"}
	check := &cobra.Command{
		Use:   "check <project> <environment> <action>",
		Short: "Report whether a terraform action is allowed",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := newSession()
			if err != nil {
				return err
			}
			ctx, cancel := requestContext(cmd)
			defer cancel()
			decision, err := sess.client.CheckPolicy(ctx, sess.token, args[0], args[1], domain.Action(args[2]))
			if err != nil {
				return err
			}
			if flags.json {
				return printJSON(cmd.OutOrStdout(), decision)
			}
			verdict := "denied"
			if decision.Allowed {
				verdict = "allowed"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s in %s: %s\n", decision.Action, decision.Project, decision.Environment, verdict)
			return nil
		},
	}
	cmd.AddCommand(check)
	return cmd
}

func joinActions(actions []domain.Action) string {
	parts := make([]string, 0, len(actions))
	for _, a := range actions {
		parts = append(parts, string(a))
	}
	return strings.Join(parts, ",")
}
