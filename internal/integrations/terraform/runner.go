// Package terraform runs terraform CLI verbs for catalog projects.
package terraform

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/splax/shipyard/internal/domain"
)

const planFile = "shipyard.tfplan"

// Target identifies where a terraform command runs.
type Target struct {
	Project     string
	Environment string
	Dir         string
	Workspace   string
	VarFile     string
}

// Result captures the outcome of one terraform invocation sequence.
type Result struct {
	Action   domain.Action `json:"action"`
	Project  string        `json:"project"`
	Output   string        `json:"output,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Executor runs bin with args inside dir and returns combined output.
type Executor func(ctx context.Context, dir, bin string, args ...string) ([]byte, error)

// Runner wraps the terraform binary.
type Runner struct {
	bin    string
	root   string
	exec   Executor
	logger *slog.Logger
	now    func() time.Time
}

// Option customises a Runner.
type Option func(*Runner)

// WithExecutor replaces process execution.
func WithExecutor(fn Executor) Option {
	return func(r *Runner) { r.exec = fn }
}

// New builds a Runner. Relative project directories are resolved against root.
func New(bin, root string, logger *slog.Logger, opts ...Option) *Runner {
	if strings.TrimSpace(bin) == "" {
		bin = "terraform"
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := &Runner{bin: bin, root: root, exec: execCommand, logger: logger, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// TargetFor builds the Target of project in environment from its catalog settings.
func (r *Runner) TargetFor(project, environment string, cfg domain.ProjectEnvironment) Target {
	dir := cfg.WorkingDir
	if !filepath.IsAbs(dir) && r.root != "" {
		dir = filepath.Join(r.root, dir)
	}
	return Target{Project: project, Environment: environment, Dir: dir, Workspace: cfg.Workspace, VarFile: cfg.VarFile}
}

// Run dispatches action against target.
func (r *Runner) Run(ctx context.Context, action domain.Action, target Target) (Result, error) {
	switch action {
	case domain.ActionInit:
		return r.Init(ctx, target)
	case domain.ActionPlan:
		return r.Plan(ctx, target)
	case domain.ActionApply:
		return r.Apply(ctx, target)
	case domain.ActionValidate:
		return r.Validate(ctx, target)
	case domain.ActionOutput:
		return r.Output(ctx, target)
	case domain.ActionState:
		return r.State(ctx, target)
	default:
		return Result{}, &domain.OpError{Kind: domain.ErrInvalidArgument, Project: target.Project, Action: string(action), Reason: "unknown terraform action"}
	}
}

// Init initialises providers and selects (creating if needed) the workspace.
func (r *Runner) Init(ctx context.Context, target Target) (Result, error) {
	return r.sequence(ctx, domain.ActionInit, target,
		[]string{"init", "-input=false", "-no-color"},
		[]string{"workspace", "select", "-or-create", target.Workspace},
	)
}

// Plan writes a plan file for a later Apply.
func (r *Runner) Plan(ctx context.Context, target Target) (Result, error) {
	args := []string{"plan", "-input=false", "-no-color", "-out=" + planFile}
	if target.VarFile != "" {
		args = append(args, "-var-file="+target.VarFile)
	}
	return r.sequence(ctx, domain.ActionPlan, target, args)
}

// Apply applies the plan file written by Plan.
func (r *Runner) Apply(ctx context.Context, target Target) (Result, error) {
	return r.sequence(ctx, domain.ActionApply, target, []string{"apply", "-input=false", "-no-color", "-auto-approve", planFile})
}

// Validate checks configuration syntax.
func (r *Runner) Validate(ctx context.Context, target Target) (Result, error) {
	return r.sequence(ctx, domain.ActionValidate, target, []string{"validate", "-no-color"})
}

// Output prints outputs as JSON.
func (r *Runner) Output(ctx context.Context, target Target) (Result, error) {
	return r.sequence(ctx, domain.ActionOutput, target, []string{"output", "-json", "-no-color"})
}

// State lists the resources tracked in state.
func (r *Runner) State(ctx context.Context, target Target) (Result, error) {
	return r.sequence(ctx, domain.ActionState, target, []string{"state", "list"})
}

func (r *Runner) sequence(ctx context.Context, action domain.Action, target Target, commands ...[]string) (Result, error) {
	if target.Dir == "" {
		return Result{}, &domain.OpError{Kind: domain.ErrInvalidArgument, Project: target.Project, Action: string(action), Reason: "working directory required"}
	}
	if target.Workspace == "" {
		return Result{}, &domain.OpError{Kind: domain.ErrInvalidArgument, Project: target.Project, Action: string(action), Reason: "workspace required"}
	}
	start := r.now()
	var out bytes.Buffer
	for _, args := range commands {
		r.logger.Debug("running terraform", "project", target.Project, "environment", target.Environment, "args", strings.Join(args, " "))
		output, err := r.exec(ctx, target.Dir, r.bin, args...)
		out.Write(output)
		if err != nil {
			return Result{Action: action, Project: target.Project, Output: out.String(), Duration: r.now().Sub(start)},
				fmt.Errorf("terraform %s %s: %w", args[0], target.Project, err)
		}
	}
	return Result{Action: action, Project: target.Project, Output: out.String(), Duration: r.now().Sub(start)}, nil
}

func execCommand(ctx context.Context, dir, bin string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "TF_IN_AUTOMATION=1", "TF_INPUT=0")
	output, err := cmd.CombinedOutput()
	if err != nil {
		tail := strings.TrimSpace(string(output))
		if len(tail) > 2048 {
			tail = tail[len(tail)-2048:]
		}
		return output, fmt.Errorf("%w: %s", err, tail)
	}
	return output, nil
}
