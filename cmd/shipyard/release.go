package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/splax/shipyard/internal/domain"
	apiclient "github.com/splax/shipyard/pkg/api/client"
)

type runFlags struct {
	approved bool
	infra    []string
	skip     []string
}

func (f runFlags) options() apiclient.RunOptions {
	opts := apiclient.RunOptions{Approved: f.approved, InfraProjects: f.infra}
	for _, s := range f.skip {
		opts.Skip = append(opts.Skip, domain.StepType(strings.TrimSpace(s)))
	}
	return opts
}

func bindRunFlags(cmd *cobra.Command, f *runFlags) {
	cmd.Flags().BoolVar(&f.approved, "approve", false, "Approve deploy steps for environments that require it")
	cmd.Flags().StringSliceVar(&f.infra, "infra-projects", nil, "Terraform projects to apply during deploy_infrastructure")
	cmd.Flags().StringSliceVar(&f.skip, "skip", nil, "Steps to mark skipped")
}

type createFlags struct {
	version      string
	environment  string
	apps         []string
	sprint       string
	sourceBranch string
}

func bindCreateFlags(cmd *cobra.Command, f *createFlags, required bool) {
	cmd.Flags().StringVar(&f.version, "version", "", "Release version")
	cmd.Flags().StringVar(&f.environment, "env", "", "Target environment")
	cmd.Flags().StringSliceVar(&f.apps, "app", nil, "Application as name or name=repo_url (repeatable)")
	cmd.Flags().StringVar(&f.sprint, "sprint", "", "Sprint reference used for release notes")
	cmd.Flags().StringVar(&f.sourceBranch, "source-branch", "", "Branch the release branch is cut from")
	if required {
		_ = cmd.MarkFlagRequired("version")
		_ = cmd.MarkFlagRequired("env")
		_ = cmd.MarkFlagRequired("app")
	}
}

func (f createFlags) check() error {
	switch {
	case strings.TrimSpace(f.version) == "":
		return errors.New("--version is required")
	case strings.TrimSpace(f.environment) == "":
		return errors.New("--env is required")
	case len(f.apps) == 0:
		return errors.New("at least one --app is required")
	}
	return nil
}

func (f createFlags) input() apiclient.CreateReleaseInput {
	in := apiclient.CreateReleaseInput{
		Version:      f.version,
		Environment:  f.environment,
		SprintRef:    f.sprint,
		SourceBranch: f.sourceBranch,
	}
	for _, raw := range f.apps {
		in.Applications = append(in.Applications, parseApplication(raw))
	}
	return in
}

func parseApplication(raw string) domain.Application {
	name, repo, _ := strings.Cut(strings.TrimSpace(raw), "=")
	return domain.Application{Name: strings.TrimSpace(name), RepoURL: strings.TrimSpace(repo)}
}

func newReleaseCommand() *cobra.Command {
	cmd := &cobra.Command{Use: "release", Short: "Create, run and inspect releases"}
	cmd.AddCommand(
		newReleaseListCommand(),
		newReleaseCreateCommand(),
		newReleaseRunCommand(),
		newReleaseStatusCommand(),
		newReleaseLogsCommand(),
		newReleaseStepCommand(false),
		newReleaseStepCommand(true),
		newReleaseCancelCommand(),
	)
	return cmd
}

func newReleaseListCommand() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent releases",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sess, err := newSession()
			if err != nil {
				return err
			}
			ctx, cancel := requestContext(cmd)
			defer cancel()
			releases, err := sess.client.ListReleases(ctx, sess.token, limit)
			if err != nil {
				return err
			}
			if flags.json {
				return printJSON(cmd.OutOrStdout(), releases)
			}
			for _, r := range releases {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\t%s\t%s\n", r.ID, r.Version, r.Environment, r.Status, r.CreatedAt.Format(time.RFC3339))
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of releases")
	return cmd
}

func newReleaseCreateCommand() *cobra.Command {
	var cf createFlags
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a release with all steps pending",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sess, err := newSession()
			if err != nil {
				return err
			}
			ctx, cancel := requestContext(cmd)
			defer cancel()
			release, err := sess.client.CreateRelease(ctx, sess.token, cf.input())
			if err != nil {
				return err
			}
			if flags.json {
				return printJSON(cmd.OutOrStdout(), release)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "release created: %s (%s -> %s)\n", release.ID, release.Version, release.Environment)
			return nil
		},
	}
	bindCreateFlags(cmd, &cf, true)
	return cmd
}

func newReleaseRunCommand() *cobra.Command {
	var (
		cf     createFlags
		rf     runFlags
		follow bool
		resume string
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Create and execute a release, or resume one with --resume",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if resume == "" {
				if err := cf.check(); err != nil {
					return err
				}
			}
			sess, err := newSession()
			if err != nil {
				return err
			}
			ctx, cancel := requestContext(cmd)
			var release domain.Release
			if resume != "" {
				release, err = sess.client.ResumeRelease(ctx, sess.token, resume, rf.options())
			} else {
				release, err = sess.client.RunRelease(ctx, sess.token, cf.input(), rf.options())
			}
			cancel()
			if err != nil {
				return err
			}
			if flags.json && !follow {
				return printJSON(cmd.OutOrStdout(), release)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "release %s running (%s -> %s)\n", release.ID, release.Version, release.Environment)
			if !follow {
				return nil
			}
			return followUntilDone(cmd, sess, release.ID)
		},
	}
	bindCreateFlags(cmd, &cf, false)
	bindRunFlags(cmd, &rf)
	cmd.Flags().BoolVar(&follow, "follow", true, "Stream logs until the release finishes")
	cmd.Flags().StringVar(&resume, "resume", "", "Continue an existing release instead of creating one")
	return cmd
}

// followUntilDone streams logs and polls the release until it reaches a terminal status.
func followUntilDone(cmd *cobra.Command, sess session, releaseID string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	streamCtx, cancelStream := context.WithCancel(ctx)
	defer cancelStream()

	out := cmd.OutOrStdout()
	streamErr := make(chan error, 1)
	go func() {
		streamErr <- sess.client.FollowLogs(streamCtx, sess.token, releaseID, func(entry domain.LogEntry) {
			printLogEntry(out, entry)
		})
	}()

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-streamErr:
			if err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "log stream ended: %v\n", err)
			}
			streamErr = nil
		case <-ticker.C:
			state, err := sess.client.GetRelease(ctx, sess.token, releaseID)
			if err != nil {
				return err
			}
			if !state.Release.Status.Terminal() {
				continue
			}
			cancelStream()
			printSteps(out, state)
			if state.Release.Status != domain.ReleaseStatusCompleted {
				return fmt.Errorf("release %s %s", releaseID, state.Release.Status)
			}
			return nil
		}
	}
}

func newReleaseStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status <release-id>",
		Short: "Show a release and its steps",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := newSession()
			if err != nil {
				return err
			}
			ctx, cancel := requestContext(cmd)
			defer cancel()
			state, err := sess.client.GetRelease(ctx, sess.token, args[0])
			if err != nil {
				return err
			}
			if flags.json {
				return printJSON(cmd.OutOrStdout(), state)
			}
			printSteps(cmd.OutOrStdout(), state)
			return nil
		},
	}
}

func newReleaseLogsCommand() *cobra.Command {
	var (
		limit  int
		offset int
		follow bool
	)
	cmd := &cobra.Command{
		Use:   "logs <release-id>",
		Short: "Print or follow the release log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := newSession()
			if err != nil {
				return err
			}
			if follow {
				ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
				defer stop()
				return sess.client.FollowLogs(ctx, sess.token, args[0], func(entry domain.LogEntry) {
					printLogEntry(cmd.OutOrStdout(), entry)
				})
			}
			ctx, cancel := requestContext(cmd)
			defer cancel()
			entries, err := sess.client.FetchLogs(ctx, sess.token, args[0], limit, offset)
			if err != nil {
				return err
			}
			if flags.json {
				return printJSON(cmd.OutOrStdout(), entries)
			}
			for _, entry := range entries {
				printLogEntry(cmd.OutOrStdout(), entry)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 200, "Maximum number of lines")
	cmd.Flags().IntVar(&offset, "offset", 0, "Lines to skip")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Stream new lines")
	return cmd
}

func newReleaseStepCommand(retry bool) *cobra.Command {
	var rf runFlags
	use, short := "step <release-id> <step-type>", "Execute one release step"
	if retry {
		use, short = "retry <release-id> <step-type>", "Retry a failed release step"
	}
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			stepType := domain.StepType(args[1])
			if !stepType.Valid() {
				return fmt.Errorf("unknown step type %q", args[1])
			}
			sess, err := newSession()
			if err != nil {
				return err
			}
			ctx, cancel := requestContext(cmd)
			defer cancel()
			run := sess.client.ExecuteStep
			if retry {
				run = sess.client.RetryStep
			}
			step, err := run(ctx, sess.token, args[0], stepType, rf.options())
			if err != nil {
				var apiErr apiclient.APIError
				if errors.As(err, &apiErr) && apiErr.Retryable {
					return fmt.Errorf("%w (retry with 'shipyard release retry %s %s')", err, args[0], stepType)
				}
				return err
			}
			if flags.json {
				return printJSON(cmd.OutOrStdout(), step)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s%s\n", step.Type, step.Status, durationSuffix(step.DurationSeconds))
			return nil
		},
	}
	bindRunFlags(cmd, &rf)
	return cmd
}

func newReleaseCancelCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <release-id>",
		Short: "Cancel a release before its next step",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := newSession()
			if err != nil {
				return err
			}
			ctx, cancel := requestContext(cmd)
			defer cancel()
			release, err := sess.client.CancelRelease(ctx, sess.token, args[0])
			if err != nil {
				return err
			}
			if flags.json {
				return printJSON(cmd.OutOrStdout(), release)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "release %s %s\n", release.ID, release.Status)
			return nil
		},
	}
}

func printSteps(w io.Writer, state domain.ReleaseState) {
	r := state.Release
	fmt.Fprintf(w, "release %s  version=%s  env=%s  status=%s\n", r.ID, r.Version, r.Environment, r.Status)
	for _, step := range state.Steps {
		line := fmt.Sprintf("  %d. %-24s %s%s", step.Order, step.Type, step.Status, durationSuffix(step.DurationSeconds))
		if step.ErrorMessage != "" {
			line += "  error: " + step.ErrorMessage
		}
		fmt.Fprintln(w, line)
	}
}

func printLogEntry(w io.Writer, entry domain.LogEntry) {
	fmt.Fprintf(w, "%s [%s] %s\n", entry.Timestamp.Local().Format("15:04:05"), strings.ToUpper(string(entry.Level)), entry.Message)
}

func durationSuffix(seconds *int64) string {
	if seconds == nil {
		return ""
	}
	return fmt.Sprintf(" (%s)", time.Duration(*seconds)*time.Second)
}
