// Package resolver orders and validates terraform projects against the
// dependency graph declared in the project catalog.
package resolver

import (
	"fmt"
	"strings"

	"github.com/splax/shipyard/internal/catalog"
	"github.com/splax/shipyard/internal/domain"
)

// Options tunes validation behaviour.
type Options struct {
	// Transitive checks the whole dependency closure instead of direct
	// dependencies only.
	Transitive bool
}

// Resolver is an immutable arena over the catalog graph: names are mapped to
// indices and dependencies are stored as adjacency lists of indices.
type Resolver struct {
	names []string
	index map[string]int
	deps  [][]int
	opts  Options
}

// MissingDependency names a requested project and the dependencies absent from the request.
type MissingDependency struct {
	Project string   `json:"project"`
	Missing []string `json:"missing"`
}

// ValidationError lists every requested project with unmet dependencies.
type ValidationError struct {
	Violations []MissingDependency
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		parts = append(parts, fmt.Sprintf("%s requires [%s]", v.Project, strings.Join(v.Missing, ", ")))
	}
	return fmt.Sprintf("%s: %s", domain.ErrDependencyValidationFailed, strings.Join(parts, "; "))
}

func (e *ValidationError) Unwrap() error { return domain.ErrDependencyValidationFailed }

// CycleError reports a dependency cycle as a closed path.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("%s: %s", domain.ErrDependencyCycle, strings.Join(e.Path, " -> "))
}

func (e *CycleError) Unwrap() error { return domain.ErrDependencyCycle }

// New indexes the catalog and rejects it when its dependency graph has a cycle.
func New(cat *catalog.Catalog, opts Options) (*Resolver, error) {
	if cat == nil {
		return nil, fmt.Errorf("resolver: catalog is required")
	}
	r := build(cat.Projects(), opts)
	if err := r.CheckAcyclic(); err != nil {
		return nil, err
	}
	return r, nil
}

func build(projects []domain.Project, opts Options) *Resolver {
	r := &Resolver{
		names: make([]string, len(projects)),
		index: make(map[string]int, len(projects)),
		deps:  make([][]int, len(projects)),
		opts:  opts,
	}
	for i, p := range projects {
		r.names[i] = p.Name
		r.index[p.Name] = i
	}
	for i, p := range projects {
		for _, dep := range p.Dependencies {
			if j, ok := r.index[dep]; ok {
				r.deps[i] = append(r.deps[i], j)
			}
		}
	}
	return r
}

// CheckAcyclic verifies the whole catalog graph is a DAG.
func (r *Resolver) CheckAcyclic() error {
	all := make([]int, len(r.names))
	for i := range all {
		all[i] = i
	}
	_, err := r.order(all, nil)
	return err
}

// ValidateDependencies checks that every requested project has its
// dependencies in the request. It returns the requested set in input order
// with duplicates removed.
func (r *Resolver) ValidateDependencies(requested []string) ([]string, error) {
	ids, err := r.lookup(requested)
	if err != nil {
		return nil, err
	}
	inSet := make(map[int]bool, len(ids))
	for _, id := range ids {
		inSet[id] = true
	}
	var violations []MissingDependency
	for _, id := range ids {
		var missing []string
		for _, dep := range r.required(id) {
			if !inSet[dep] {
				missing = append(missing, r.names[dep])
			}
		}
		if len(missing) > 0 {
			violations = append(violations, MissingDependency{Project: r.names[id], Missing: missing})
		}
	}
	if len(violations) > 0 {
		return nil, &ValidationError{Violations: violations}
	}
	return r.namesOf(ids), nil
}

// ComputeDeploymentOrder returns the requested projects so that every project
// follows its in-set dependencies. Traversal is depth-first post-order in
// input order, visiting dependencies in declared order, so the result is
// deterministic. Dependencies outside the request are ignored.
func (r *Resolver) ComputeDeploymentOrder(requested []string) ([]string, error) {
	ids, err := r.lookup(requested)
	if err != nil {
		return nil, err
	}
	inSet := make(map[int]bool, len(ids))
	for _, id := range ids {
		inSet[id] = true
	}
	ordered, err := r.order(ids, inSet)
	if err != nil {
		return nil, err
	}
	return r.namesOf(ordered), nil
}

const (
	white = iota
	grey
	black
)

// order runs a three-colour DFS from roots. A nil filter follows every edge.
func (r *Resolver) order(roots []int, filter map[int]bool) ([]int, error) {
	colour := make([]int, len(r.names))
	out := make([]int, 0, len(roots))
	var path []int
	var visit func(int) error
	visit = func(id int) error {
		switch colour[id] {
		case black:
			return nil
		case grey:
			return r.cycleFrom(path, id)
		}
		colour[id] = grey
		path = append(path, id)
		for _, dep := range r.deps[id] {
			if filter != nil && !filter[dep] {
				continue
			}
			if err := visit(dep); err != nil {
				return err
			}
		}
		path = path[:len(path)-1]
		colour[id] = black
		out = append(out, id)
		return nil
	}
	for _, id := range roots {
		if err := visit(id); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (r *Resolver) cycleFrom(path []int, id int) error {
	start := 0
	for i, candidate := range path {
		if candidate == id {
			start = i
			break
		}
	}
	cycle := make([]string, 0, len(path)-start+1)
	for _, node := range path[start:] {
		cycle = append(cycle, r.names[node])
	}
	cycle = append(cycle, r.names[id])
	return &CycleError{Path: cycle}
}

// required lists the dependencies a project needs in the request.
func (r *Resolver) required(id int) []int {
	if !r.opts.Transitive {
		return r.deps[id]
	}
	seen := make(map[int]bool)
	var out []int
	var walk func(int)
	walk = func(n int) {
		for _, dep := range r.deps[n] {
			if seen[dep] {
				continue
			}
			seen[dep] = true
			out = append(out, dep)
			walk(dep)
		}
	}
	walk(id)
	return out
}

func (r *Resolver) lookup(requested []string) ([]int, error) {
	if len(requested) == 0 {
		return nil, &domain.OpError{Kind: domain.ErrInvalidArgument, Reason: "no projects requested"}
	}
	seen := make(map[int]bool, len(requested))
	ids := make([]int, 0, len(requested))
	var unknown []string
	for _, name := range requested {
		id, ok := r.index[name]
		if !ok {
			unknown = append(unknown, name)
			continue
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	if len(unknown) > 0 {
		return nil, &domain.OpError{
			Kind:    domain.ErrUnknownProject,
			Project: strings.Join(unknown, ","),
			Reason:  fmt.Sprintf("available projects: %s", strings.Join(r.names, ", ")),
		}
	}
	return ids, nil
}

func (r *Resolver) namesOf(ids []int) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = r.names[id]
	}
	return out
}
