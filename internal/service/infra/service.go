// Package infra orchestrates terraform across catalog projects.
package infra

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/splax/shipyard/internal/catalog"
	"github.com/splax/shipyard/internal/domain"
	"github.com/splax/shipyard/internal/integrations/terraform"
	"github.com/splax/shipyard/internal/policy"
	"github.com/splax/shipyard/internal/resolver"
)

// Terraform runs terraform actions against project targets.
type Terraform interface {
	TargetFor(project, environment string, cfg domain.ProjectEnvironment) terraform.Target
	Run(ctx context.Context, action domain.Action, target terraform.Target) (terraform.Result, error)
}

var (
	buildActions  = []domain.Action{domain.ActionInit, domain.ActionValidate, domain.ActionPlan}
	deployActions = []domain.Action{domain.ActionInit, domain.ActionPlan, domain.ActionApply}
)

// Service builds and deploys infrastructure projects in dependency order.
type Service struct {
	catalog  *catalog.Catalog
	resolver *resolver.Resolver
	gate     policy.Gate
	tf       Terraform
	logger   *slog.Logger
	now      func() time.Time
}

// New constructs the infrastructure service.
func New(cat *catalog.Catalog, res *resolver.Resolver, gate policy.Gate, tf Terraform, logger *slog.Logger) Service {
	if logger == nil {
		logger = slog.Default()
	}
	return Service{catalog: cat, resolver: res, gate: gate, tf: tf, logger: logger, now: time.Now}
}

// ValidateDependencies exposes the resolver check.
func (s Service) ValidateDependencies(requested []string) ([]string, error) {
	return s.resolver.ValidateDependencies(requested)
}

// ComputeDeploymentOrder exposes the resolver ordering.
func (s Service) ComputeDeploymentOrder(requested []string) ([]string, error) {
	return s.resolver.ComputeDeploymentOrder(requested)
}

// Build initialises, validates and plans every project configured for
// environment. Projects whose plan action is not permitted are skipped.
func (s Service) Build(ctx context.Context, environment string) (domain.InfraReport, error) {
	if _, err := s.catalog.Environment(environment); err != nil {
		return domain.InfraReport{}, err
	}
	configured := s.catalog.ProjectsFor(environment)
	if len(configured) == 0 {
		return domain.InfraReport{Environment: environment}, nil
	}
	order, err := s.resolver.ComputeDeploymentOrder(configured)
	if err != nil {
		return domain.InfraReport{}, err
	}
	report := domain.InfraReport{Environment: environment, Order: order, Projects: make([]domain.ProjectRun, 0, len(order))}
	for i, project := range order {
		allowed, err := s.gate.IsActionAllowed(project, environment, domain.ActionPlan)
		if err != nil {
			return report, err
		}
		if !allowed {
			s.logger.Info("plan not permitted, skipping project", "project", project, "environment", environment)
			report.Projects = append(report.Projects, domain.ProjectRun{Project: project, Status: domain.ProjectSkipped})
			continue
		}
		run, err := s.runProject(ctx, project, environment, buildActions)
		report.Projects = append(report.Projects, run)
		if err != nil {
			report.Projects = append(report.Projects, skipped(order[i+1:])...)
			return report, err
		}
	}
	return report, nil
}

// DeployMultipleProjects validates the requested set, orders it and applies
// each project in turn. Every project's environment support and apply
// permission is checked before the first terraform call; a denial leaves the
// batch untouched. The first failure stops the batch and later projects are
// reported as skipped.
func (s Service) DeployMultipleProjects(ctx context.Context, requested []string, environment string) (domain.InfraReport, error) {
	if _, err := s.catalog.Environment(environment); err != nil {
		return domain.InfraReport{}, err
	}
	if _, err := s.resolver.ValidateDependencies(requested); err != nil {
		return domain.InfraReport{}, err
	}
	order, err := s.resolver.ComputeDeploymentOrder(requested)
	if err != nil {
		return domain.InfraReport{}, err
	}
	report := domain.InfraReport{Environment: environment, Order: order, Projects: make([]domain.ProjectRun, 0, len(order))}
	if err := s.preflight(order, environment, &report); err != nil {
		return report, err
	}
	for i, project := range order {
		run, err := s.runProject(ctx, project, environment, deployActions)
		report.Projects = append(report.Projects, run)
		if err != nil {
			report.Projects = append(report.Projects, skipped(order[i+1:])...)
			return report, err
		}
	}
	s.logger.Info("infrastructure deployed", "environment", environment, "projects", len(order))
	return report, nil
}

// preflight checks apply permission for every project in order. On the first
// refusal it fills report with the refused project and skips the rest.
func (s Service) preflight(order []string, environment string, report *domain.InfraReport) error {
	for i, project := range order {
		allowed, err := s.gate.IsActionAllowed(project, environment, domain.ActionApply)
		if err == nil && !allowed {
			s.logger.Warn("apply denied by policy", "project", project, "environment", environment)
			err = &domain.OpError{
				Kind:        domain.ErrActionNotAllowed,
				Project:     project,
				Environment: environment,
				Action:      string(domain.ActionApply),
			}
		}
		if err == nil {
			continue
		}
		report.Projects = append(report.Projects, skipped(order[:i])...)
		report.Projects = append(report.Projects, domain.ProjectRun{Project: project, Status: domain.ProjectDenied, Error: err.Error()})
		report.Projects = append(report.Projects, skipped(order[i+1:])...)
		return err
	}
	return nil
}

// RunAction executes a single permitted terraform action for project.
func (s Service) RunAction(ctx context.Context, project, environment string, action domain.Action) (terraform.Result, error) {
	if err := s.gate.Authorize(project, environment, action); err != nil {
		return terraform.Result{}, err
	}
	cfg, err := s.catalog.ProjectEnvironment(project, environment)
	if err != nil {
		return terraform.Result{}, err
	}
	return s.tf.Run(ctx, action, s.tf.TargetFor(project, environment, cfg))
}

func (s Service) runProject(ctx context.Context, project, environment string, actions []domain.Action) (domain.ProjectRun, error) {
	cfg, err := s.catalog.ProjectEnvironment(project, environment)
	if err != nil {
		return domain.ProjectRun{Project: project, Status: domain.ProjectFailed, Error: err.Error()}, err
	}
	target := s.tf.TargetFor(project, environment, cfg)
	run := domain.ProjectRun{Project: project, Workspace: cfg.Workspace}
	started := s.now()
	for _, action := range actions {
		if _, err := s.tf.Run(ctx, action, target); err != nil {
			run.Status = domain.ProjectFailed
			run.Error = err.Error()
			run.DurationSeconds = domain.Duration(started, s.now())
			s.logger.Error("terraform action failed", "project", project, "environment", environment, "action", action, "error", err)
			return run, fmt.Errorf("%s %s: %w", action, project, err)
		}
		run.Actions = append(run.Actions, action)
	}
	run.Status = domain.ProjectSucceeded
	run.DurationSeconds = domain.Duration(started, s.now())
	s.logger.Info("project completed", "project", project, "environment", environment, "actions", len(run.Actions))
	return run, nil
}

func skipped(projects []string) []domain.ProjectRun {
	out := make([]domain.ProjectRun, 0, len(projects))
	for _, project := range projects {
		out = append(out, domain.ProjectRun{Project: project, Status: domain.ProjectSkipped})
	}
	return out
}
