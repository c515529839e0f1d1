package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/splax/shipyard/internal/domain"
	"github.com/splax/shipyard/internal/repository"
)

func seed(t *testing.T, s *Store, id, version string) {
	t.Helper()
	n := 0
	release := &domain.Release{ID: id, Version: version, Environment: "dev", Status: domain.ReleaseStatusPending}
	steps := domain.NewSteps(id, func() string { n++; return fmt.Sprintf("%s-step-%d", id, n) })
	entry := &domain.LogEntry{ReleaseID: id, Level: domain.LogLevelInfo, Message: "created"}
	if err := s.CreateRelease(context.Background(), release, steps, entry); err != nil {
		t.Fatalf("create release: %v", err)
	}
}

func TestCreateReleaseRejectsActiveDuplicateVersion(t *testing.T) {
	s := New()
	seed(t, s, "r1", "1.0.0")
	release := &domain.Release{ID: "r2", Version: "1.0.0", Status: domain.ReleaseStatusPending}
	if err := s.CreateRelease(context.Background(), release, nil, nil); !errors.Is(err, repository.ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}

	now := time.Now()
	if _, err := s.TransitionRelease(context.Background(), domain.ReleaseTransition{
		ReleaseID: "r1", From: []domain.ReleaseStatus{domain.ReleaseStatusPending}, To: domain.ReleaseStatusCancelled, CompletedAt: &now,
	}); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if err := s.CreateRelease(context.Background(), release, nil, nil); err != nil {
		t.Fatalf("version should be reusable after terminal release: %v", err)
	}
}

func TestTransitionStepCompareAndSwap(t *testing.T) {
	s := New()
	seed(t, s, "r1", "1.0.0")
	ctx := context.Background()

	const workers = 16
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		winners   int
		conflicts int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.TransitionStep(ctx, domain.StepTransition{
				ReleaseID: "r1", Type: domain.StepCreateBranch,
				From: domain.StepStatusPending, To: domain.StepStatusInProgress,
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners++
			case errors.Is(err, repository.ErrConflict):
				conflicts++
			default:
				t.Errorf("unexpected error %v", err)
			}
		}()
	}
	wg.Wait()
	if winners != 1 || conflicts != workers-1 {
		t.Fatalf("expected exactly one winner, got %d winners %d conflicts", winners, conflicts)
	}

	if _, err := s.TransitionStep(ctx, domain.StepTransition{ReleaseID: "nope", Type: domain.StepCreateBranch}); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStepsAreReturnedInOrderAndCopied(t *testing.T) {
	s := New()
	seed(t, s, "r1", "1.0.0")
	steps, err := s.ListSteps(context.Background(), "r1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(steps) != 7 {
		t.Fatalf("expected 7 steps, got %d", len(steps))
	}
	for i, step := range steps {
		if step.Order != i+1 {
			t.Fatalf("step %d has order %d", i, step.Order)
		}
	}
	steps[0].Status = domain.StepStatusCompleted
	again, _ := s.GetStep(context.Background(), "r1", domain.StepCreateBranch)
	if again.Status != domain.StepStatusPending {
		t.Fatalf("store mutated through copy: %s", again.Status)
	}
}

func TestLogsAreOrderedAndPaged(t *testing.T) {
	s := New()
	seed(t, s, "r1", "1.0.0")
	base := time.Date(2025, time.March, 1, 10, 0, 0, 0, time.UTC)
	for i := 3; i >= 1; i-- {
		entry := &domain.LogEntry{ReleaseID: "r1", Level: domain.LogLevelInfo, Message: fmt.Sprintf("m%d", i), Timestamp: base.Add(time.Duration(i) * time.Minute)}
		if err := s.AppendLog(context.Background(), entry); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	logs, err := s.ListLogs(context.Background(), "r1", 2, 1)
	if err != nil {
		t.Fatalf("list logs: %v", err)
	}
	if len(logs) != 2 || logs[0].Message != "m2" || logs[1].Message != "m3" {
		t.Fatalf("unexpected page %+v", logs)
	}
	if err := s.AppendLog(context.Background(), &domain.LogEntry{ReleaseID: "ghost"}); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
