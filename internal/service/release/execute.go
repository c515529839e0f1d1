package release

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/splax/shipyard/internal/domain"
	"github.com/splax/shipyard/internal/repository"
)

var activeStatuses = []domain.ReleaseStatus{domain.ReleaseStatusPending, domain.ReleaseStatusInProgress}

const settleAttempts = 4

// ExecuteStep runs one pending step. Claiming the step is a compare-and-swap,
// so of several concurrent callers exactly one executes it. Once claimed, the
// step runs to its own outcome even if ctx is cancelled.
func (s Service) ExecuteStep(ctx context.Context, releaseID string, stepType domain.StepType, opts Options) (*domain.Step, error) {
	if !stepType.Valid() {
		return nil, &domain.OpError{Kind: domain.ErrInvalidArgument, Release: releaseID, Step: string(stepType), Reason: "unknown step type"}
	}
	release, err := s.loadRelease(ctx, releaseID)
	if err != nil {
		return nil, err
	}
	if release.Status == domain.ReleaseStatusCancelled {
		return nil, &domain.OpError{Kind: domain.ErrReleaseCancelled, Release: releaseID, Step: string(stepType)}
	}
	if err := s.checkApproval(release, stepType, opts); err != nil {
		return nil, err
	}
	step, err := s.loadStep(ctx, releaseID, stepType)
	if err != nil {
		return nil, err
	}
	if step.Status != domain.StepStatusPending {
		return nil, busyError(releaseID, step)
	}

	startedAt := s.now()
	claimed, err := s.store.TransitionStep(ctx, domain.StepTransition{
		ReleaseID: releaseID,
		Type:      stepType,
		From:      domain.StepStatusPending,
		To:        domain.StepStatusInProgress,
		StartedAt: &startedAt,
	})
	if err != nil {
		if errors.Is(err, repository.ErrConflict) {
			current, loadErr := s.loadStep(ctx, releaseID, stepType)
			if loadErr != nil {
				return nil, loadErr
			}
			return nil, busyError(releaseID, current)
		}
		return nil, fmt.Errorf("claim step: %w", err)
	}
	ctx = context.WithoutCancel(ctx)

	if release.Status == domain.ReleaseStatusPending {
		updated, err := s.store.TransitionRelease(ctx, domain.ReleaseTransition{
			ReleaseID: releaseID,
			From:      []domain.ReleaseStatus{domain.ReleaseStatusPending},
			To:        domain.ReleaseStatusInProgress,
			StartedAt: &startedAt,
		})
		switch {
		case err == nil:
			release = updated
			s.metrics.observeRelease(domain.ReleaseStatusInProgress)
		case !errors.Is(err, repository.ErrConflict):
			s.logger.Warn("failed to start release", "release_id", releaseID, "error", err)
		}
	}
	if current, err := s.loadRelease(ctx, releaseID); err == nil {
		release = current
	}
	if release.Status == domain.ReleaseStatusCancelled {
		s.releaseClaim(ctx, claimed)
		return nil, &domain.OpError{Kind: domain.ErrReleaseCancelled, Release: releaseID, Step: string(stepType)}
	}
	stepID := claimed.ID
	s.record(ctx, releaseID, &stepID, domain.LogLevelInfo, fmt.Sprintf("step %s started", stepType))
	s.logger.Info("step started", "release_id", releaseID, "step", stepType)

	handler, ok := s.handlers[stepType]
	if !ok {
		return s.failStep(ctx, release, claimed, startedAt, fmt.Errorf("no handler for %s", stepType))
	}
	result, runErr := handler.Execute(ctx, Execution{Release: *release, Step: *claimed, Options: opts})
	if runErr != nil {
		return s.failStep(ctx, release, claimed, startedAt, runErr)
	}
	return s.completeStep(ctx, release, claimed, startedAt, result)
}

// releaseClaim returns a claimed step to pending before its handler ran.
func (s Service) releaseClaim(ctx context.Context, step *domain.Step) {
	if _, err := s.settleStep(ctx, domain.StepTransition{
		ReleaseID: step.ReleaseID,
		Type:      step.Type,
		From:      domain.StepStatusInProgress,
		To:        domain.StepStatusPending,
	}); err != nil {
		s.logger.Error("failed to release step claim", "release_id", step.ReleaseID, "step", step.Type, "error", err)
		return
	}
	s.logger.Info("step not started, release cancelled", "release_id", step.ReleaseID, "step", step.Type)
}

// settleStep writes a step transition, retrying store failures other than a
// lost compare-and-swap so a finished step does not stay in_progress.
func (s Service) settleStep(ctx context.Context, t domain.StepTransition) (*domain.Step, error) {
	var lastErr error
	for attempt := 1; attempt <= settleAttempts; attempt++ {
		step, err := s.store.TransitionStep(ctx, t)
		if err == nil || errors.Is(err, repository.ErrConflict) || errors.Is(err, repository.ErrNotFound) {
			return step, err
		}
		lastErr = err
		s.logger.Warn("step transition write failed", "release_id", t.ReleaseID, "step", t.Type, "to", t.To, "attempt", attempt, "error", err)
		if attempt < settleAttempts {
			time.Sleep(s.settleBackoff * time.Duration(attempt))
		}
	}
	return nil, lastErr
}

func busyError(releaseID string, step *domain.Step) error {
	if step.Status == domain.StepStatusInProgress {
		return &domain.OpError{Kind: domain.ErrStepInProgress, Release: releaseID, Step: string(step.Type)}
	}
	return &domain.OpError{Kind: domain.ErrInvalidTransition, Release: releaseID, Step: string(step.Type), Reason: "step is " + string(step.Status)}
}

func (s Service) completeStep(ctx context.Context, release *domain.Release, step *domain.Step, startedAt time.Time, result Result) (*domain.Step, error) {
	bg := context.WithoutCancel(ctx)
	output, err := json.Marshal(result.Output)
	if err != nil {
		return s.failStep(ctx, release, step, startedAt, fmt.Errorf("encode step output: %w", err))
	}
	if result.ReleaseBranch != nil || result.ReleaseNotes != nil {
		if err := s.store.UpdateReleaseDetails(bg, domain.ReleaseDetails{
			ReleaseID:     release.ID,
			ReleaseBranch: result.ReleaseBranch,
			ReleaseNotes:  result.ReleaseNotes,
		}); err != nil {
			return s.failStep(ctx, release, step, startedAt, fmt.Errorf("record release details: %w", err))
		}
	}

	completedAt := s.now()
	duration := domain.Duration(startedAt, completedAt)
	done, err := s.settleStep(bg, domain.StepTransition{
		ReleaseID:       release.ID,
		Type:            step.Type,
		From:            domain.StepStatusInProgress,
		To:              domain.StepStatusCompleted,
		StartedAt:       &startedAt,
		CompletedAt:     &completedAt,
		DurationSeconds: &duration,
		Output:          output,
	})
	if err != nil {
		return s.failStep(ctx, release, step, startedAt, fmt.Errorf("record step completion: %w", err))
	}
	s.metrics.observeStep(step.Type, domain.StepStatusCompleted, completedAt.Sub(startedAt))
	s.record(ctx, release.ID, &done.ID, domain.LogLevelInfo, fmt.Sprintf("step %s completed in %ds", step.Type, duration))
	s.logger.Info("step completed", "release_id", release.ID, "step", step.Type, "duration_seconds", duration)

	if err := s.finishIfDone(bg, release.ID); err != nil {
		s.logger.Warn("failed to finalize release", "release_id", release.ID, "error", err)
	}
	return done, nil
}

func (s Service) failStep(ctx context.Context, release *domain.Release, step *domain.Step, startedAt time.Time, cause error) (*domain.Step, error) {
	bg := context.WithoutCancel(ctx)
	completedAt := s.now()
	duration := domain.Duration(startedAt, completedAt)
	failed, err := s.settleStep(bg, domain.StepTransition{
		ReleaseID:       release.ID,
		Type:            step.Type,
		From:            domain.StepStatusInProgress,
		To:              domain.StepStatusFailed,
		StartedAt:       &startedAt,
		CompletedAt:     &completedAt,
		DurationSeconds: &duration,
		ErrorMessage:    cause.Error(),
	})
	if err != nil {
		s.logger.Error("failed to record step failure", "release_id", release.ID, "step", step.Type, "error", err)
	}
	s.metrics.observeStep(step.Type, domain.StepStatusFailed, completedAt.Sub(startedAt))
	s.record(ctx, release.ID, &step.ID, domain.LogLevelError, fmt.Sprintf("step %s failed: %v", step.Type, cause))
	s.logger.Error("step failed", "release_id", release.ID, "step", step.Type, "error", cause)

	if _, err := s.store.TransitionRelease(bg, domain.ReleaseTransition{
		ReleaseID:   release.ID,
		From:        activeStatuses,
		To:          domain.ReleaseStatusFailed,
		CompletedAt: &completedAt,
	}); err == nil {
		s.metrics.observeRelease(domain.ReleaseStatusFailed)
		s.record(ctx, release.ID, nil, domain.LogLevelError, "release failed")
	} else if !errors.Is(err, repository.ErrConflict) {
		s.logger.Error("failed to mark release failed", "release_id", release.ID, "error", err)
	}
	return failed, &domain.OpError{
		Kind:        domain.ErrStepExecutionFailed,
		Release:     release.ID,
		Step:        string(step.Type),
		Environment: release.Environment,
		Err:         cause,
	}
}

// finishIfDone completes an in-progress release whose steps are all completed or skipped.
func (s Service) finishIfDone(ctx context.Context, releaseID string) error {
	steps, err := s.store.ListSteps(ctx, releaseID)
	if err != nil {
		return err
	}
	for _, step := range steps {
		if step.Status != domain.StepStatusCompleted && step.Status != domain.StepStatusSkipped {
			return nil
		}
	}
	now := s.now()
	_, err = s.store.TransitionRelease(ctx, domain.ReleaseTransition{
		ReleaseID:   releaseID,
		From:        []domain.ReleaseStatus{domain.ReleaseStatusInProgress},
		To:          domain.ReleaseStatusCompleted,
		CompletedAt: &now,
	})
	if errors.Is(err, repository.ErrConflict) {
		return nil
	}
	if err != nil {
		return err
	}
	s.metrics.observeRelease(domain.ReleaseStatusCompleted)
	s.record(ctx, releaseID, nil, domain.LogLevelInfo, "release completed")
	s.logger.Info("release completed", "release_id", releaseID)
	return nil
}

// RunRelease executes the remaining steps of a release in order and stops at
// the first failure.
func (s Service) RunRelease(ctx context.Context, releaseID string, opts Options) (*domain.Release, error) {
	if err := opts.check(); err != nil {
		return nil, err
	}
	release, err := s.loadRelease(ctx, releaseID)
	if err != nil {
		return nil, err
	}
	if err := s.runnable(release, opts); err != nil {
		return release, err
	}

	steps, err := s.store.ListSteps(ctx, releaseID)
	if err != nil {
		return release, fmt.Errorf("list steps: %w", err)
	}
	for _, step := range steps {
		current, err := s.loadRelease(ctx, releaseID)
		if err != nil {
			return nil, err
		}
		if current.Status == domain.ReleaseStatusCancelled {
			s.logger.Info("release run stopped by cancellation", "release_id", releaseID, "next_step", step.Type)
			return current, &domain.OpError{Kind: domain.ErrReleaseCancelled, Release: releaseID, Step: string(step.Type)}
		}
		switch step.Status {
		case domain.StepStatusCompleted, domain.StepStatusSkipped:
			continue
		case domain.StepStatusInProgress:
			return current, &domain.OpError{Kind: domain.ErrStepInProgress, Release: releaseID, Step: string(step.Type)}
		case domain.StepStatusFailed:
			return current, &domain.OpError{Kind: domain.ErrInvalidTransition, Release: releaseID, Step: string(step.Type), Reason: "step failed, retry it first"}
		}
		if opts.skips(step.Type) {
			if err := s.skipStep(ctx, releaseID, step); err != nil {
				return current, err
			}
			continue
		}
		if _, err := s.ExecuteStep(ctx, releaseID, step.Type, opts); err != nil {
			latest, loadErr := s.loadRelease(context.WithoutCancel(ctx), releaseID)
			if loadErr != nil {
				latest = current
			}
			return latest, err
		}
	}

	if err := s.finalize(context.WithoutCancel(ctx), releaseID); err != nil {
		return nil, err
	}
	return s.loadRelease(ctx, releaseID)
}

// runnable reports whether release may be driven forward with opts. It has no side effects.
func (s Service) runnable(release *domain.Release, opts Options) error {
	switch release.Status {
	case domain.ReleaseStatusCancelled:
		return &domain.OpError{Kind: domain.ErrReleaseCancelled, Release: release.ID}
	case domain.ReleaseStatusCompleted, domain.ReleaseStatusFailed:
		return &domain.OpError{Kind: domain.ErrInvalidTransition, Release: release.ID, Reason: "release is " + string(release.Status)}
	}
	for _, t := range []domain.StepType{domain.StepDeployInfrastructure, domain.StepDeployServices} {
		if opts.skips(t) {
			continue
		}
		if err := s.checkApproval(release, t, opts); err != nil {
			return err
		}
	}
	return nil
}

func (s Service) skipStep(ctx context.Context, releaseID string, step domain.Step) error {
	now := s.now()
	_, err := s.store.TransitionStep(context.WithoutCancel(ctx), domain.StepTransition{
		ReleaseID:   releaseID,
		Type:        step.Type,
		From:        domain.StepStatusPending,
		To:          domain.StepStatusSkipped,
		CompletedAt: &now,
	})
	if err != nil {
		if errors.Is(err, repository.ErrConflict) {
			current, loadErr := s.loadStep(ctx, releaseID, step.Type)
			if loadErr != nil {
				return loadErr
			}
			if current.Status == domain.StepStatusSkipped || current.Status == domain.StepStatusCompleted {
				return nil
			}
			return busyError(releaseID, current)
		}
		return fmt.Errorf("skip step: %w", err)
	}
	s.metrics.observeStep(step.Type, domain.StepStatusSkipped, 0)
	stepID := step.ID
	s.record(ctx, releaseID, &stepID, domain.LogLevelInfo, fmt.Sprintf("step %s skipped", step.Type))
	return nil
}

// finalize completes a release whose remaining steps were all skipped.
func (s Service) finalize(ctx context.Context, releaseID string) error {
	now := s.now()
	_, err := s.store.TransitionRelease(ctx, domain.ReleaseTransition{
		ReleaseID: releaseID,
		From:      []domain.ReleaseStatus{domain.ReleaseStatusPending},
		To:        domain.ReleaseStatusInProgress,
		StartedAt: &now,
	})
	if err != nil && !errors.Is(err, repository.ErrConflict) {
		return fmt.Errorf("start release: %w", err)
	}
	return s.finishIfDone(ctx, releaseID)
}

// ExecuteFullRelease creates a release and runs it to the end. Approval is
// checked before anything is recorded.
func (s Service) ExecuteFullRelease(ctx context.Context, in CreateInput, opts Options) (*domain.Release, error) {
	release, err := s.prepare(ctx, in, opts)
	if err != nil {
		return nil, err
	}
	return s.RunRelease(ctx, release.ID, opts)
}

// StartRelease creates a release and runs it in the background.
func (s Service) StartRelease(ctx context.Context, in CreateInput, opts Options) (*domain.Release, error) {
	release, err := s.prepare(ctx, in, opts)
	if err != nil {
		return nil, err
	}
	s.launch(ctx, release.ID, opts)
	return release, nil
}

// ResumeRelease continues an existing release in the background.
func (s Service) ResumeRelease(ctx context.Context, releaseID string, opts Options) (*domain.Release, error) {
	if err := opts.check(); err != nil {
		return nil, err
	}
	release, err := s.loadRelease(ctx, releaseID)
	if err != nil {
		return nil, err
	}
	if err := s.runnable(release, opts); err != nil {
		return nil, err
	}
	s.launch(ctx, releaseID, opts)
	return release, nil
}

func (s Service) prepare(ctx context.Context, in CreateInput, opts Options) (*domain.Release, error) {
	if err := opts.check(); err != nil {
		return nil, err
	}
	probe := &domain.Release{Environment: in.Environment}
	for _, t := range []domain.StepType{domain.StepDeployInfrastructure, domain.StepDeployServices} {
		if opts.skips(t) {
			continue
		}
		if err := s.checkApproval(probe, t, opts); err != nil {
			return nil, err
		}
	}
	return s.CreateRelease(ctx, in)
}

func (s Service) launch(ctx context.Context, releaseID string, opts Options) {
	runCtx := context.WithoutCancel(ctx)
	s.runs.Add(1)
	go func() {
		defer s.runs.Done()
		if _, err := s.RunRelease(runCtx, releaseID, opts); err != nil {
			s.logger.Warn("background release run stopped", "release_id", releaseID, "error", err)
		}
	}()
}

// RetryStep resets a failed step to pending and executes it again. A failed
// release stays failed.
func (s Service) RetryStep(ctx context.Context, releaseID string, stepType domain.StepType, opts Options) (*domain.Step, error) {
	if !stepType.Valid() {
		return nil, &domain.OpError{Kind: domain.ErrInvalidArgument, Release: releaseID, Step: string(stepType), Reason: "unknown step type"}
	}
	release, err := s.loadRelease(ctx, releaseID)
	if err != nil {
		return nil, err
	}
	if release.Status == domain.ReleaseStatusCancelled {
		return nil, &domain.OpError{Kind: domain.ErrReleaseCancelled, Release: releaseID, Step: string(stepType)}
	}
	if err := s.checkApproval(release, stepType, opts); err != nil {
		return nil, err
	}
	step, err := s.loadStep(ctx, releaseID, stepType)
	if err != nil {
		return nil, err
	}
	if step.Status != domain.StepStatusFailed {
		return nil, &domain.OpError{Kind: domain.ErrInvalidTransition, Release: releaseID, Step: string(stepType), Reason: "only failed steps can be retried, step is " + string(step.Status)}
	}
	if _, err := s.store.TransitionStep(ctx, domain.StepTransition{
		ReleaseID: releaseID,
		Type:      stepType,
		From:      domain.StepStatusFailed,
		To:        domain.StepStatusPending,
	}); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			current, loadErr := s.loadStep(ctx, releaseID, stepType)
			if loadErr != nil {
				return nil, loadErr
			}
			return nil, busyError(releaseID, current)
		}
		return nil, fmt.Errorf("reset step: %w", err)
	}
	ctx = context.WithoutCancel(ctx)
	stepID := step.ID
	s.record(ctx, releaseID, &stepID, domain.LogLevelInfo, fmt.Sprintf("retrying step %s", stepType))

	done, err := s.ExecuteStep(ctx, releaseID, stepType, opts)
	if err != nil {
		return done, err
	}
	if release.Status == domain.ReleaseStatusFailed {
		s.record(ctx, releaseID, &stepID, domain.LogLevelWarn, fmt.Sprintf("step %s succeeded on retry, release remains failed", stepType))
	}
	return done, nil
}
