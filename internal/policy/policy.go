// Package policy decides which terraform actions a project may run in an environment.
package policy

import (
	"github.com/splax/shipyard/internal/catalog"
	"github.com/splax/shipyard/internal/domain"
)

// Gate is a read-only predicate over the environment registry and project catalog.
type Gate struct {
	catalog *catalog.Catalog
}

// New returns a gate bound to cat.
func New(cat *catalog.Catalog) Gate {
	return Gate{catalog: cat}
}

// IsActionAllowed reports whether project may run action in environment.
// Unknown environments or projects, and projects without configuration for
// the environment, are reported as errors rather than a false result.
func (g Gate) IsActionAllowed(project, environment string, action domain.Action) (bool, error) {
	if !action.Valid() {
		return false, &domain.OpError{Kind: domain.ErrInvalidArgument, Project: project, Environment: environment, Action: string(action), Reason: "unknown action"}
	}
	env, err := g.catalog.Environment(environment)
	if err != nil {
		return false, err
	}
	cfg, err := g.catalog.ProjectEnvironment(project, environment)
	if err != nil {
		return false, err
	}
	return env.Allows(action) && cfg.Allows(action), nil
}

// Authorize is IsActionAllowed with a denial reported as ErrActionNotAllowed.
func (g Gate) Authorize(project, environment string, action domain.Action) error {
	allowed, err := g.IsActionAllowed(project, environment, action)
	if err != nil {
		return err
	}
	if !allowed {
		return &domain.OpError{
			Kind:        domain.ErrActionNotAllowed,
			Project:     project,
			Environment: environment,
			Action:      string(action),
		}
	}
	return nil
}

// RequiresApproval reports whether deployments into environment need an explicit approval.
func (g Gate) RequiresApproval(environment string) (bool, error) {
	env, err := g.catalog.Environment(environment)
	if err != nil {
		return false, err
	}
	return env.RequiresApproval, nil
}

// IsAutoDeploy reports whether environment is flagged for automatic deployment.
func (g Gate) IsAutoDeploy(environment string) (bool, error) {
	env, err := g.catalog.Environment(environment)
	if err != nil {
		return false, err
	}
	return env.AutoDeploy, nil
}
