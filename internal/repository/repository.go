package repository

import (
	"context"

	"github.com/splax/shipyard/internal/domain"
)

// ReleaseRepository persists releases.
type ReleaseRepository interface {
	// CreateRelease stores the release, its steps and the opening log entry in
	// one transaction. A version with another non-terminal release yields ErrDuplicate.
	CreateRelease(ctx context.Context, release *domain.Release, steps []domain.Step, entry *domain.LogEntry) error
	GetRelease(ctx context.Context, releaseID string) (*domain.Release, error)
	ListReleases(ctx context.Context, limit int) ([]domain.Release, error)
	// TransitionRelease applies only while the stored status is one of t.From;
	// otherwise it returns ErrConflict.
	TransitionRelease(ctx context.Context, t domain.ReleaseTransition) (*domain.Release, error)
	UpdateReleaseDetails(ctx context.Context, details domain.ReleaseDetails) error
}

// StepRepository persists release steps.
type StepRepository interface {
	GetStep(ctx context.Context, releaseID string, stepType domain.StepType) (*domain.Step, error)
	ListSteps(ctx context.Context, releaseID string) ([]domain.Step, error)
	// TransitionStep is a compare-and-swap on the step status.
	TransitionStep(ctx context.Context, t domain.StepTransition) (*domain.Step, error)
}

// LogRepository handles release log persistence and retrieval.
type LogRepository interface {
	AppendLog(ctx context.Context, entry *domain.LogEntry) error
	ListLogs(ctx context.Context, releaseID string, limit, offset int) ([]domain.LogEntry, error)
}

// Store groups every repository the release service needs.
type Store interface {
	ReleaseRepository
	StepRepository
	LogRepository
}
