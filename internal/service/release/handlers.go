package release

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/splax/shipyard/internal/domain"
	"github.com/splax/shipyard/internal/repository"
)

// SourceControl creates release branches.
type SourceControl interface {
	CreateReleaseBranch(ctx context.Context, version, sourceBranch string) (domain.Branch, error)
}

// IssueTracker renders release notes from sprint work.
type IssueTracker interface {
	GenerateReleaseNotes(ctx context.Context, sprintRef, version string) (domain.Notes, error)
}

// Infrastructure builds and deploys terraform projects.
type Infrastructure interface {
	Build(ctx context.Context, environment string) (domain.InfraReport, error)
	DeployMultipleProjects(ctx context.Context, requested []string, environment string) (domain.InfraReport, error)
}

// ServiceBuilder produces a deployable artifact for an application.
type ServiceBuilder interface {
	Build(ctx context.Context, app domain.Application, version string) (domain.Artifact, error)
}

// Deployer ships artifacts through the CI/CD pipeline.
type Deployer interface {
	Deploy(ctx context.Context, app domain.Application, environment, version string, artifact domain.Artifact) (string, error)
	WaitForCompletion(ctx context.Context, executionID string, timeout time.Duration) (domain.Deployment, error)
}

// Verifier checks application health after a deployment.
type Verifier interface {
	Verify(ctx context.Context, environment string, applications []domain.Application) (domain.VerificationReport, error)
}

// Integrations groups the external systems the steps call. A nil member
// fails the steps that need it.
type Integrations struct {
	SourceControl SourceControl
	Tracker       IssueTracker
	Infra         Infrastructure
	Builder       ServiceBuilder
	Deployer      Deployer
	Verifier      Verifier
}

// Execution is the input handed to a step handler.
type Execution struct {
	Release domain.Release
	Step    domain.Step
	Options Options
}

// Result is what a successful handler produced.
type Result struct {
	Output        any
	ReleaseBranch *string
	ReleaseNotes  *string
}

// Handler performs the external work of one step type.
type Handler interface {
	Execute(ctx context.Context, exec Execution) (Result, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, exec Execution) (Result, error)

// Execute calls f.
func (f HandlerFunc) Execute(ctx context.Context, exec Execution) (Result, error) {
	return f(ctx, exec)
}

// ServicesOutput is the recorded output of build_services.
type ServicesOutput struct {
	Artifacts []domain.Artifact `json:"artifacts"`
}

// DeploymentsOutput is the recorded output of deploy_services.
type DeploymentsOutput struct {
	Deployments []domain.Deployment `json:"deployments"`
}

type stepHandlers struct {
	integ         Integrations
	steps         repository.StepRepository
	deployTimeout time.Duration
	logger        *slog.Logger
}

func newHandlerTable(h stepHandlers) map[domain.StepType]Handler {
	return map[domain.StepType]Handler{
		domain.StepCreateBranch:         HandlerFunc(h.createBranch),
		domain.StepGenerateReleaseNotes: HandlerFunc(h.generateNotes),
		domain.StepBuildInfrastructure:  HandlerFunc(h.buildInfrastructure),
		domain.StepBuildServices:        HandlerFunc(h.buildServices),
		domain.StepDeployInfrastructure: HandlerFunc(h.deployInfrastructure),
		domain.StepDeployServices:       HandlerFunc(h.deployServices),
		domain.StepVerifyDeployment:     HandlerFunc(h.verifyDeployment),
	}
}

func notConfigured(name string) error {
	return fmt.Errorf("%s integration not configured", name)
}

func (h stepHandlers) createBranch(ctx context.Context, exec Execution) (Result, error) {
	if h.integ.SourceControl == nil {
		return Result{}, notConfigured("source control")
	}
	branch, err := h.integ.SourceControl.CreateReleaseBranch(ctx, exec.Release.Version, exec.Release.SourceBranch)
	if err != nil {
		return Result{}, err
	}
	name := branch.Name
	return Result{Output: branch, ReleaseBranch: &name}, nil
}

func (h stepHandlers) generateNotes(ctx context.Context, exec Execution) (Result, error) {
	var notes domain.Notes
	if exec.Release.SprintRef == "" || h.integ.Tracker == nil {
		notes = applicationNotes(exec.Release)
	} else {
		var err error
		notes, err = h.integ.Tracker.GenerateReleaseNotes(ctx, exec.Release.SprintRef, exec.Release.Version)
		if err != nil {
			return Result{}, err
		}
	}
	text := notes.Text
	return Result{Output: notes, ReleaseNotes: &text}, nil
}

func applicationNotes(release domain.Release) domain.Notes {
	var b strings.Builder
	fmt.Fprintf(&b, "# Release %s\n\n## Applications\n", release.Version)
	for _, app := range release.Applications {
		fmt.Fprintf(&b, "- %s\n", app.Name)
	}
	return domain.Notes{
		Text:    b.String(),
		Summary: fmt.Sprintf("%d applications", len(release.Applications)),
	}
}

func (h stepHandlers) buildInfrastructure(ctx context.Context, exec Execution) (Result, error) {
	if h.integ.Infra == nil {
		return Result{}, notConfigured("infrastructure")
	}
	report, err := h.integ.Infra.Build(ctx, exec.Release.Environment)
	if err != nil {
		return Result{}, err
	}
	return Result{Output: report}, nil
}

func (h stepHandlers) buildServices(ctx context.Context, exec Execution) (Result, error) {
	if h.integ.Builder == nil {
		return Result{}, notConfigured("service builder")
	}
	out := ServicesOutput{Artifacts: make([]domain.Artifact, 0, len(exec.Release.Applications))}
	for _, app := range exec.Release.Applications {
		artifact, err := h.integ.Builder.Build(ctx, app, exec.Release.Version)
		if err != nil {
			return Result{}, fmt.Errorf("build %s: %w", app.Name, err)
		}
		out.Artifacts = append(out.Artifacts, artifact)
	}
	return Result{Output: out}, nil
}

func (h stepHandlers) deployInfrastructure(ctx context.Context, exec Execution) (Result, error) {
	if len(exec.Options.InfraProjects) == 0 {
		return Result{Output: map[string]any{
			"environment": exec.Release.Environment,
			"confirmed":   true,
		}}, nil
	}
	if h.integ.Infra == nil {
		return Result{}, notConfigured("infrastructure")
	}
	report, err := h.integ.Infra.DeployMultipleProjects(ctx, exec.Options.InfraProjects, exec.Release.Environment)
	if err != nil {
		return Result{}, err
	}
	return Result{Output: report}, nil
}

func (h stepHandlers) deployServices(ctx context.Context, exec Execution) (Result, error) {
	if h.integ.Deployer == nil {
		return Result{}, notConfigured("deployer")
	}
	artifacts, err := h.artifacts(ctx, exec.Release.ID)
	if err != nil {
		return Result{}, err
	}
	out := DeploymentsOutput{Deployments: make([]domain.Deployment, 0, len(exec.Release.Applications))}
	for _, app := range exec.Release.Applications {
		artifact, ok := artifacts[app.Name]
		if !ok {
			return Result{}, fmt.Errorf("no artifact recorded for %s", app.Name)
		}
		executionID, err := h.integ.Deployer.Deploy(ctx, app, exec.Release.Environment, exec.Release.Version, artifact)
		if err != nil {
			return Result{}, fmt.Errorf("deploy %s: %w", app.Name, err)
		}
		h.logger.Info("deployment triggered", "release_id", exec.Release.ID, "application", app.Name, "execution_id", executionID)
		deployment, err := h.integ.Deployer.WaitForCompletion(ctx, executionID, h.deployTimeout)
		if err != nil {
			return Result{}, fmt.Errorf("deploy %s: %w", app.Name, err)
		}
		out.Deployments = append(out.Deployments, deployment)
	}
	return Result{Output: out}, nil
}

func (h stepHandlers) artifacts(ctx context.Context, releaseID string) (map[string]domain.Artifact, error) {
	step, err := h.steps.GetStep(ctx, releaseID, domain.StepBuildServices)
	if err != nil {
		return nil, fmt.Errorf("load build_services step: %w", err)
	}
	if step.Status != domain.StepStatusCompleted {
		return nil, fmt.Errorf("build_services is %s, artifacts unavailable", step.Status)
	}
	var out ServicesOutput
	if err := json.Unmarshal(step.Output, &out); err != nil {
		return nil, fmt.Errorf("decode build_services output: %w", err)
	}
	byApp := make(map[string]domain.Artifact, len(out.Artifacts))
	for _, artifact := range out.Artifacts {
		byApp[artifact.Application] = artifact
	}
	return byApp, nil
}

func (h stepHandlers) verifyDeployment(ctx context.Context, exec Execution) (Result, error) {
	if h.integ.Verifier == nil {
		return Result{}, notConfigured("verifier")
	}
	report, err := h.integ.Verifier.Verify(ctx, exec.Release.Environment, exec.Release.Applications)
	if err != nil {
		return Result{}, err
	}
	if report.Overall != domain.HealthHealthy {
		return Result{}, errors.New(unhealthySummary(report))
	}
	return Result{Output: report}, nil
}

func unhealthySummary(report domain.VerificationReport) string {
	failing := make([]string, 0, len(report.Checks))
	for _, check := range report.Checks {
		if check.Status != domain.HealthHealthy {
			failing = append(failing, fmt.Sprintf("%s=%s", check.Application, check.Status))
		}
	}
	return fmt.Sprintf("deployment %s: %s", report.Overall, strings.Join(failing, ", "))
}
