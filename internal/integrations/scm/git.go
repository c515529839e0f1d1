// Package scm creates release branches with the git CLI.
package scm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"

	"github.com/splax/shipyard/internal/domain"
	"github.com/splax/shipyard/internal/integrations/workspace"
)

// ErrBranchExists indicates the release branch is already on the remote.
var ErrBranchExists = errors.New("scm: release branch already exists")

// CommandRunner executes git with args inside dir and returns combined output.
type CommandRunner func(ctx context.Context, dir string, args ...string) ([]byte, error)

// Git drives release branch creation against a single repository.
type Git struct {
	repoURL   string
	prefix    string
	workspace *workspace.Manager
	run       CommandRunner
	logger    *slog.Logger
}

// Option customises a Git client.
type Option func(*Git)

// WithRunner replaces the git executor.
func WithRunner(run CommandRunner) Option {
	return func(g *Git) { g.run = run }
}

// WithBranchPrefix overrides the default "release/" branch prefix.
func WithBranchPrefix(prefix string) Option {
	return func(g *Git) { g.prefix = prefix }
}

// New builds a Git client for repoURL using ws for scratch clones.
func New(repoURL string, ws *workspace.Manager, logger *slog.Logger, opts ...Option) (*Git, error) {
	if strings.TrimSpace(repoURL) == "" {
		return nil, fmt.Errorf("repository URL cannot be empty")
	}
	if ws == nil {
		return nil, fmt.Errorf("workspace manager required")
	}
	g := &Git{
		repoURL:   strings.TrimSpace(repoURL),
		prefix:    "release/",
		workspace: ws,
		run:       execGit,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// BranchName returns the release branch for version.
func (g *Git) BranchName(version string) string {
	return g.prefix + strings.TrimSpace(version)
}

// CreateReleaseBranch cuts release/<version> from sourceBranch and pushes it.
func (g *Git) CreateReleaseBranch(ctx context.Context, version, sourceBranch string) (domain.Branch, error) {
	version = strings.TrimSpace(version)
	if version == "" {
		return domain.Branch{}, fmt.Errorf("version cannot be empty")
	}
	if strings.TrimSpace(sourceBranch) == "" {
		sourceBranch = "main"
	}
	branch := g.BranchName(version)

	dir, err := g.workspace.Prepare("branch-" + version)
	if err != nil {
		return domain.Branch{}, err
	}
	defer func() {
		if err := g.workspace.Cleanup(dir); err != nil {
			g.logger.Warn("failed to cleanup scm workspace", "dir", dir, "error", err)
		}
	}()

	if _, err := g.run(ctx, dir, "clone", "--depth", "1", "--branch", sourceBranch, g.repoURL, "."); err != nil {
		return domain.Branch{}, fmt.Errorf("clone %s: %w", sourceBranch, err)
	}
	existing, err := g.run(ctx, dir, "ls-remote", "--heads", "origin", branch)
	if err != nil {
		return domain.Branch{}, fmt.Errorf("inspect remote branches: %w", err)
	}
	if strings.TrimSpace(string(existing)) != "" {
		return domain.Branch{}, fmt.Errorf("%w: %s", ErrBranchExists, branch)
	}
	if _, err := g.run(ctx, dir, "checkout", "-b", branch); err != nil {
		return domain.Branch{}, fmt.Errorf("create branch %s: %w", branch, err)
	}
	if _, err := g.run(ctx, dir, "push", "origin", branch); err != nil {
		return domain.Branch{}, fmt.Errorf("push branch %s: %w", branch, err)
	}
	head, err := g.run(ctx, dir, "rev-parse", "HEAD")
	if err != nil {
		return domain.Branch{}, fmt.Errorf("resolve head: %w", err)
	}
	g.logger.Info("release branch created", "branch", branch, "base", sourceBranch)
	return domain.Branch{Name: branch, BaseBranch: sourceBranch, Commit: strings.TrimSpace(string(head))}, nil
}

// Clone shallow-clones repoURL into dest.
func Clone(ctx context.Context, repoURL, dest string) error {
	if repoURL == "" {
		return fmt.Errorf("repository URL cannot be empty")
	}
	if dest == "" {
		return fmt.Errorf("destination cannot be empty")
	}
	_, err := execGit(ctx, dest, "clone", "--depth", "1", repoURL, ".")
	return err
}

func execGit(ctx context.Context, dir string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	output, err := cmd.CombinedOutput()
	if err != nil {
		return output, fmt.Errorf("git %s failed: %w: %s", args[0], err, strings.TrimSpace(string(output)))
	}
	return output, nil
}
