// Package release drives a release through its fixed sequence of steps.
package release

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/splax/shipyard/internal/catalog"
	"github.com/splax/shipyard/internal/domain"
	"github.com/splax/shipyard/internal/policy"
	"github.com/splax/shipyard/internal/repository"
)

const (
	defaultDeployTimeout = 30 * time.Minute
	defaultSourceBranch  = "main"
	defaultLogLimit      = 200
	maxLogLimit          = 1000
	defaultReleaseLimit  = 50
	defaultSettleBackoff = 500 * time.Millisecond
)

var validate = validator.New()

// LogSink stores release log lines and fans them out to observers.
type LogSink interface {
	Append(ctx context.Context, entry domain.LogEntry) (domain.LogEntry, error)
	Publish(entry domain.LogEntry)
	List(ctx context.Context, releaseID string, limit, offset int) ([]domain.LogEntry, error)
}

// Options tune a step or release execution.
type Options struct {
	Approved      bool              `json:"approved,omitempty"`
	InfraProjects []string          `json:"infra_projects,omitempty"`
	Skip          []domain.StepType `json:"skip,omitempty"`
}

func (o Options) skips(t domain.StepType) bool {
	for _, s := range o.Skip {
		if s == t {
			return true
		}
	}
	return false
}

func (o Options) check() error {
	for _, s := range o.Skip {
		if !s.Valid() {
			return &domain.OpError{Kind: domain.ErrInvalidArgument, Step: string(s), Reason: "unknown step type in skip list"}
		}
	}
	return nil
}

// CreateInput describes a new release.
type CreateInput struct {
	Version      string               `json:"version" validate:"required,max=64"`
	Environment  string               `json:"environment" validate:"required"`
	Applications []domain.Application `json:"applications" validate:"required,min=1,unique=Name,dive"`
	SprintRef    string               `json:"sprint_ref,omitempty"`
	SourceBranch string               `json:"source_branch,omitempty"`
}

// Config carries optional service settings.
type Config struct {
	DeployTimeout time.Duration
	SourceBranch  string
	Metrics       *Metrics
}

// Service owns release, step and log records and executes steps.
type Service struct {
	store    repository.Store
	catalog  *catalog.Catalog
	gate     policy.Gate
	logs     LogSink
	handlers map[domain.StepType]Handler
	metrics  *Metrics
	logger   *slog.Logger
	branch   string
	now      func() time.Time
	newID    func() string
	runs     *sync.WaitGroup

	settleBackoff time.Duration
}

// New wires the release service.
func New(store repository.Store, cat *catalog.Catalog, sink LogSink, integ Integrations, cfg Config, logger *slog.Logger) Service {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DeployTimeout <= 0 {
		cfg.DeployTimeout = defaultDeployTimeout
	}
	if strings.TrimSpace(cfg.SourceBranch) == "" {
		cfg.SourceBranch = defaultSourceBranch
	}
	return Service{
		store:   store,
		catalog: cat,
		gate:    policy.New(cat),
		logs:    sink,
		handlers: newHandlerTable(stepHandlers{
			integ:         integ,
			steps:         store,
			deployTimeout: cfg.DeployTimeout,
			logger:        logger,
		}),
		metrics: cfg.Metrics,
		logger:  logger,
		branch:  cfg.SourceBranch,
		now:     func() time.Time { return time.Now().UTC() },
		newID:   uuid.NewString,
		runs:    &sync.WaitGroup{},

		settleBackoff: defaultSettleBackoff,
	}
}

// CreateRelease records a pending release with its seven pending steps.
func (s Service) CreateRelease(ctx context.Context, in CreateInput) (*domain.Release, error) {
	in.Version = strings.TrimSpace(in.Version)
	in.Environment = strings.TrimSpace(in.Environment)
	if err := validate.Struct(in); err != nil {
		return nil, &domain.OpError{Kind: domain.ErrInvalidArgument, Reason: validationReason(err)}
	}
	if _, err := s.catalog.Environment(in.Environment); err != nil {
		return nil, err
	}
	sourceBranch := strings.TrimSpace(in.SourceBranch)
	if sourceBranch == "" {
		sourceBranch = s.branch
	}

	release := &domain.Release{
		ID:           s.newID(),
		Version:      in.Version,
		Environment:  in.Environment,
		Applications: append([]domain.Application(nil), in.Applications...),
		SprintRef:    strings.TrimSpace(in.SprintRef),
		SourceBranch: sourceBranch,
		Status:       domain.ReleaseStatusPending,
	}
	steps := domain.NewSteps(release.ID, s.newID)
	entry := &domain.LogEntry{
		ReleaseID: release.ID,
		Level:     domain.LogLevelInfo,
		Message:   fmt.Sprintf("release %s created for %s", release.Version, release.Environment),
		Timestamp: s.now(),
	}
	if err := s.store.CreateRelease(ctx, release, steps, entry); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, &domain.OpError{Kind: domain.ErrDuplicateVersion, Environment: release.Environment, Reason: "version " + release.Version}
		}
		return nil, fmt.Errorf("create release: %w", err)
	}
	s.logs.Publish(*entry)
	s.metrics.observeRelease(domain.ReleaseStatusPending)
	s.logger.Info("release created", "release_id", release.ID, "version", release.Version, "environment", release.Environment)
	return release, nil
}

// GetReleaseStatus returns the release and its steps in execution order.
func (s Service) GetReleaseStatus(ctx context.Context, releaseID string) (domain.ReleaseState, error) {
	release, err := s.loadRelease(ctx, releaseID)
	if err != nil {
		return domain.ReleaseState{}, err
	}
	steps, err := s.store.ListSteps(ctx, releaseID)
	if err != nil {
		return domain.ReleaseState{}, fmt.Errorf("list steps: %w", err)
	}
	return domain.ReleaseState{Release: *release, Steps: steps}, nil
}

// GetReleaseLogs pages through the release log in timestamp order.
func (s Service) GetReleaseLogs(ctx context.Context, releaseID string, limit, offset int) ([]domain.LogEntry, error) {
	if _, err := s.loadRelease(ctx, releaseID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultLogLimit
	}
	if limit > maxLogLimit {
		limit = maxLogLimit
	}
	if offset < 0 {
		offset = 0
	}
	return s.logs.List(ctx, releaseID, limit, offset)
}

// ListReleases returns the most recent releases first.
func (s Service) ListReleases(ctx context.Context, limit int) ([]domain.Release, error) {
	if limit <= 0 {
		limit = defaultReleaseLimit
	}
	return s.store.ListReleases(ctx, limit)
}

// ListEnvironments returns the environment registry.
func (s Service) ListEnvironments() []domain.EnvironmentConfig {
	return s.catalog.Environments()
}

// ListProjects returns the project catalog.
func (s Service) ListProjects() []domain.Project {
	return s.catalog.Projects()
}

// CancelRelease stops a pending or running release. Nothing already done is rolled back.
func (s Service) CancelRelease(ctx context.Context, releaseID string) (*domain.Release, error) {
	now := s.now()
	release, err := s.store.TransitionRelease(ctx, domain.ReleaseTransition{
		ReleaseID:   releaseID,
		From:        []domain.ReleaseStatus{domain.ReleaseStatusPending, domain.ReleaseStatusInProgress},
		To:          domain.ReleaseStatusCancelled,
		CompletedAt: &now,
	})
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrNotFound):
			return nil, &domain.OpError{Kind: domain.ErrNotFound, Release: releaseID}
		case errors.Is(err, repository.ErrConflict):
			current, _ := s.store.GetRelease(ctx, releaseID)
			reason := "release is terminal"
			if current != nil {
				reason = "release is " + string(current.Status)
			}
			return nil, &domain.OpError{Kind: domain.ErrInvalidTransition, Release: releaseID, Reason: reason}
		default:
			return nil, fmt.Errorf("cancel release: %w", err)
		}
	}
	s.metrics.observeRelease(domain.ReleaseStatusCancelled)
	s.record(ctx, releaseID, nil, domain.LogLevelWarn, "release cancelled")
	s.logger.Warn("release cancelled", "release_id", releaseID)
	return release, nil
}

// Wait blocks until background runs finish or ctx expires.
func (s Service) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.runs.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s Service) loadRelease(ctx context.Context, releaseID string) (*domain.Release, error) {
	release, err := s.store.GetRelease(ctx, releaseID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, &domain.OpError{Kind: domain.ErrNotFound, Release: releaseID}
		}
		return nil, fmt.Errorf("load release: %w", err)
	}
	return release, nil
}

func (s Service) loadStep(ctx context.Context, releaseID string, stepType domain.StepType) (*domain.Step, error) {
	step, err := s.store.GetStep(ctx, releaseID, stepType)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, &domain.OpError{Kind: domain.ErrNotFound, Release: releaseID, Step: string(stepType)}
		}
		return nil, fmt.Errorf("load step: %w", err)
	}
	return step, nil
}

// checkApproval fails when a deploy step would run in an environment that
// requires approval without one.
func (s Service) checkApproval(release *domain.Release, stepType domain.StepType, opts Options) error {
	if !stepType.Deploys() || opts.Approved {
		return nil
	}
	required, err := s.gate.RequiresApproval(release.Environment)
	if err != nil {
		return err
	}
	if required {
		return &domain.OpError{
			Kind:        domain.ErrApprovalRequired,
			Release:     release.ID,
			Step:        string(stepType),
			Environment: release.Environment,
		}
	}
	return nil
}

// record appends a log line. Failures are logged and otherwise ignored.
func (s Service) record(ctx context.Context, releaseID string, stepID *string, level domain.LogLevel, message string) {
	_, err := s.logs.Append(context.WithoutCancel(ctx), domain.LogEntry{
		ReleaseID: releaseID,
		StepID:    stepID,
		Level:     level,
		Message:   message,
		Timestamp: s.now(),
	})
	if err != nil {
		s.logger.Warn("failed to append release log", "release_id", releaseID, "error", err)
	}
}

func validationReason(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s failed %s", strings.ToLower(fe.Namespace()), fe.Tag()))
	}
	return strings.Join(parts, "; ")
}
