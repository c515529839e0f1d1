// Package catalog holds the static environment registry and project catalog.
// A Catalog is immutable once built; lookups return copies.
package catalog

import (
	"bytes"
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/splax/shipyard/internal/domain"
)

//go:embed default.yaml
var defaultCatalog []byte

var validate = validator.New()

// Catalog indexes environments and projects by name.
type Catalog struct {
	environments []domain.EnvironmentConfig
	envIndex     map[string]int
	projects     []domain.Project
	projIndex    map[string]int
}

type document struct {
	Environments []domain.EnvironmentConfig `yaml:"environments"`
	Projects     []domain.Project           `yaml:"projects"`
}

// Default returns the catalog compiled into the binary.
func Default() (*Catalog, error) {
	return Parse(defaultCatalog)
}

// LoadFile reads a YAML catalog from disk. An empty path selects the default catalog.
func LoadFile(path string) (*Catalog, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return Default()
	}
	data, err := os.ReadFile(trimmed)
	if err != nil {
		return nil, fmt.Errorf("catalog: read %s: %w", trimmed, err)
	}
	cat, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("catalog: %s: %w", trimmed, err)
	}
	return cat, nil
}

// Parse decodes and validates a YAML catalog document.
func Parse(data []byte) (*Catalog, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("catalog: document is empty")
	}
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("catalog: decode: %w", err)
	}
	return New(doc.Environments, doc.Projects)
}

// New validates the entries and builds an immutable catalog.
func New(environments []domain.EnvironmentConfig, projects []domain.Project) (*Catalog, error) {
	if len(environments) == 0 {
		return nil, fmt.Errorf("catalog: at least one environment is required")
	}
	c := &Catalog{
		environments: make([]domain.EnvironmentConfig, 0, len(environments)),
		envIndex:     make(map[string]int, len(environments)),
		projects:     make([]domain.Project, 0, len(projects)),
		projIndex:    make(map[string]int, len(projects)),
	}
	for _, env := range environments {
		if err := validate.Struct(env); err != nil {
			return nil, fmt.Errorf("catalog: environment %q: %w", env.Name, err)
		}
		if _, dup := c.envIndex[env.Name]; dup {
			return nil, fmt.Errorf("catalog: duplicate environment %q", env.Name)
		}
		c.envIndex[env.Name] = len(c.environments)
		c.environments = append(c.environments, cloneEnvironment(env))
	}
	for _, project := range projects {
		if err := validate.Struct(project); err != nil {
			return nil, fmt.Errorf("catalog: project %q: %w", project.Name, err)
		}
		if _, dup := c.projIndex[project.Name]; dup {
			return nil, fmt.Errorf("catalog: duplicate project %q", project.Name)
		}
		c.projIndex[project.Name] = len(c.projects)
		c.projects = append(c.projects, cloneProject(project))
	}
	if err := c.check(); err != nil {
		return nil, err
	}
	return c, nil
}

// check enforces cross-entry rules: dependencies must reference catalog
// projects and project actions must be a subset of their environment's actions.
func (c *Catalog) check() error {
	for _, project := range c.projects {
		seen := make(map[string]struct{}, len(project.Dependencies))
		for _, dep := range project.Dependencies {
			if dep == project.Name {
				return fmt.Errorf("catalog: project %q depends on itself", project.Name)
			}
			if _, ok := c.projIndex[dep]; !ok {
				return fmt.Errorf("catalog: project %q depends on unknown project %q", project.Name, dep)
			}
			if _, dup := seen[dep]; dup {
				return fmt.Errorf("catalog: project %q has duplicate dependency %q", project.Name, dep)
			}
			seen[dep] = struct{}{}
		}
		for envName, cfg := range project.Environments {
			idx, ok := c.envIndex[envName]
			if !ok {
				return fmt.Errorf("catalog: project %q configures unknown environment %q", project.Name, envName)
			}
			env := c.environments[idx]
			for _, action := range cfg.AllowedActions {
				if !env.Allows(action) {
					return fmt.Errorf("catalog: project %q allows %q in %q but the environment does not", project.Name, action, envName)
				}
			}
		}
	}
	return nil
}

// Environment looks up an environment by name.
func (c *Catalog) Environment(name string) (domain.EnvironmentConfig, error) {
	idx, ok := c.envIndex[name]
	if !ok {
		return domain.EnvironmentConfig{}, &domain.OpError{Kind: domain.ErrUnknownEnvironment, Environment: name}
	}
	return cloneEnvironment(c.environments[idx]), nil
}

// Project looks up a project by name.
func (c *Catalog) Project(name string) (domain.Project, error) {
	idx, ok := c.projIndex[name]
	if !ok {
		return domain.Project{}, &domain.OpError{Kind: domain.ErrUnknownProject, Project: name}
	}
	return cloneProject(c.projects[idx]), nil
}

// ProjectEnvironment returns the per-environment settings for a project.
func (c *Catalog) ProjectEnvironment(project, environment string) (domain.ProjectEnvironment, error) {
	idx, ok := c.projIndex[project]
	if !ok {
		return domain.ProjectEnvironment{}, &domain.OpError{Kind: domain.ErrUnknownProject, Project: project, Environment: environment}
	}
	cfg, ok := c.projects[idx].Environments[environment]
	if !ok {
		return domain.ProjectEnvironment{}, &domain.OpError{
			Kind:        domain.ErrUnsupportedEnvironmentForProject,
			Project:     project,
			Environment: environment,
			Reason:      fmt.Sprintf("supported environments: %s", strings.Join(c.projectEnvironmentNames(idx), ", ")),
		}
	}
	cfg.AllowedActions = append([]domain.Action(nil), cfg.AllowedActions...)
	return cfg, nil
}

// Environments lists environments in declaration order.
func (c *Catalog) Environments() []domain.EnvironmentConfig {
	out := make([]domain.EnvironmentConfig, 0, len(c.environments))
	for _, env := range c.environments {
		out = append(out, cloneEnvironment(env))
	}
	return out
}

// Projects lists projects in declaration order.
func (c *Catalog) Projects() []domain.Project {
	out := make([]domain.Project, 0, len(c.projects))
	for _, project := range c.projects {
		out = append(out, cloneProject(project))
	}
	return out
}

// ProjectsFor lists, in declaration order, the names of projects configured for an environment.
func (c *Catalog) ProjectsFor(environment string) []string {
	var names []string
	for _, project := range c.projects {
		if _, ok := project.Environments[environment]; ok {
			names = append(names, project.Name)
		}
	}
	return names
}

func (c *Catalog) projectEnvironmentNames(idx int) []string {
	names := make([]string, 0, len(c.projects[idx].Environments))
	for name := range c.projects[idx].Environments {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func cloneEnvironment(env domain.EnvironmentConfig) domain.EnvironmentConfig {
	env.AllowedActions = append([]domain.Action(nil), env.AllowedActions...)
	return env
}

func cloneProject(project domain.Project) domain.Project {
	project.Dependencies = append([]string(nil), project.Dependencies...)
	envs := make(map[string]domain.ProjectEnvironment, len(project.Environments))
	for name, cfg := range project.Environments {
		cfg.AllowedActions = append([]domain.Action(nil), cfg.AllowedActions...)
		envs[name] = cfg
	}
	project.Environments = envs
	return project
}
