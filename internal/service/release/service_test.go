package release

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/splax/shipyard/internal/catalog"
	"github.com/splax/shipyard/internal/domain"
	"github.com/splax/shipyard/internal/repository"
	"github.com/splax/shipyard/internal/repository/memory"
	"github.com/splax/shipyard/internal/service/logs"
)

type fakeSCM struct {
	mu      sync.Mutex
	calls   int
	err     error
	entered chan struct{}
	release chan struct{}
	onCall  func()
}

func (f *fakeSCM) CreateReleaseBranch(ctx context.Context, version, sourceBranch string) (domain.Branch, error) {
	f.mu.Lock()
	f.calls++
	onCall := f.onCall
	f.mu.Unlock()
	if f.entered != nil {
		f.entered <- struct{}{}
	}
	if f.release != nil {
		<-f.release
	}
	if onCall != nil {
		onCall()
	}
	if err := ctx.Err(); err != nil {
		return domain.Branch{}, err
	}
	if f.err != nil {
		return domain.Branch{}, f.err
	}
	return domain.Branch{Name: "release/" + version, BaseBranch: sourceBranch, Commit: "abc123"}, nil
}

type fakeTracker struct{}

func (fakeTracker) GenerateReleaseNotes(_ context.Context, sprintRef, version string) (domain.Notes, error) {
	return domain.Notes{Text: "notes for " + sprintRef + " " + version, Summary: "1 issues", IssueCount: 1}, nil
}

type fakeInfra struct {
	mu       sync.Mutex
	builds   int
	deployed []string
}

func (f *fakeInfra) Build(_ context.Context, environment string) (domain.InfraReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.builds++
	return domain.InfraReport{Environment: environment}, nil
}

func (f *fakeInfra) DeployMultipleProjects(_ context.Context, requested []string, environment string) (domain.InfraReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deployed = append(f.deployed, requested...)
	return domain.InfraReport{Environment: environment, Order: requested}, nil
}

type fakeBuilder struct {
	mu     sync.Mutex
	failOn string
}

func (f *fakeBuilder) Build(_ context.Context, app domain.Application, version string) (domain.Artifact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if app.Name == f.failOn {
		return domain.Artifact{}, errors.New("compile error")
	}
	return domain.Artifact{Application: app.Name, Image: "registry.local/" + app.Name + ":" + version}, nil
}

type fakeDeployer struct {
	mu      sync.Mutex
	images  []string
	timeout time.Duration
	waitErr error
}

func (f *fakeDeployer) Deploy(_ context.Context, app domain.Application, _, _ string, artifact domain.Artifact) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.images = append(f.images, artifact.Image)
	return "exec-" + app.Name, nil
}

func (f *fakeDeployer) WaitForCompletion(_ context.Context, executionID string, timeout time.Duration) (domain.Deployment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.timeout = timeout
	if f.waitErr != nil {
		return domain.Deployment{}, f.waitErr
	}
	return domain.Deployment{ExecutionID: executionID, State: domain.DeploymentSucceeded}, nil
}

type fakeVerifier struct {
	overall domain.HealthStatus
}

func (f fakeVerifier) Verify(_ context.Context, environment string, apps []domain.Application) (domain.VerificationReport, error) {
	checks := make([]domain.HealthCheck, 0, len(apps))
	for _, app := range apps {
		checks = append(checks, domain.HealthCheck{Application: app.Name, Status: f.overall})
	}
	return domain.VerificationReport{Environment: environment, Overall: f.overall, Checks: checks}, nil
}

// flakyStore fails or intercepts step transitions before delegating to memory.
type flakyStore struct {
	*memory.Store
	mu      sync.Mutex
	failTo  map[domain.StepStatus]int
	onClaim func(releaseID string)
}

func (f *flakyStore) TransitionStep(ctx context.Context, t domain.StepTransition) (*domain.Step, error) {
	f.mu.Lock()
	if f.failTo[t.To] > 0 {
		f.failTo[t.To]--
		f.mu.Unlock()
		return nil, errors.New("connection reset by peer")
	}
	onClaim := f.onClaim
	f.mu.Unlock()
	step, err := f.Store.TransitionStep(ctx, t)
	if err == nil && t.To == domain.StepStatusInProgress && onClaim != nil {
		onClaim(t.ReleaseID)
	}
	return step, err
}

type harness struct {
	svc      Service
	store    *memory.Store
	backing  repository.Store
	scm      *fakeSCM
	infra    *fakeInfra
	builder  *fakeBuilder
	deployer *fakeDeployer
	verifier *fakeVerifier
	metrics  *Metrics
	integ    Integrations
}

func newHarness(t *testing.T, mutate ...func(*harness)) *harness {
	t.Helper()
	cat, err := catalog.Default()
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := &harness{
		store:    memory.New(),
		scm:      &fakeSCM{},
		infra:    &fakeInfra{},
		builder:  &fakeBuilder{},
		deployer: &fakeDeployer{},
		verifier: &fakeVerifier{overall: domain.HealthHealthy},
		metrics:  NewMetrics(prometheus.NewRegistry()),
	}
	h.integ = Integrations{
		SourceControl: h.scm,
		Tracker:       fakeTracker{},
		Infra:         h.infra,
		Builder:       h.builder,
		Deployer:      h.deployer,
		Verifier:      h.verifier,
	}
	for _, fn := range mutate {
		fn(h)
	}
	sink := logs.New(h.store, nil, logger)
	var store repository.Store = h.store
	if h.backing != nil {
		store = h.backing
	}
	h.svc = New(store, cat, sink, h.integ, Config{DeployTimeout: 5 * time.Minute, Metrics: h.metrics}, logger)
	h.svc.settleBackoff = time.Millisecond
	return h
}

func input(version, environment string) CreateInput {
	return CreateInput{
		Version:      version,
		Environment:  environment,
		Applications: []domain.Application{{Name: "api"}, {Name: "web"}},
		SprintRef:    "SPRINT-12",
	}
}

func stepStatuses(t *testing.T, h *harness, releaseID string) []domain.StepStatus {
	t.Helper()
	state, err := h.svc.GetReleaseStatus(context.Background(), releaseID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	out := make([]domain.StepStatus, 0, len(state.Steps))
	for _, step := range state.Steps {
		out = append(out, step.Status)
	}
	return out
}

func logMessages(t *testing.T, h *harness, releaseID string) string {
	t.Helper()
	entries, err := h.svc.GetReleaseLogs(context.Background(), releaseID, 0, 0)
	if err != nil {
		t.Fatalf("logs: %v", err)
	}
	parts := make([]string, 0, len(entries))
	for _, e := range entries {
		parts = append(parts, e.Message)
	}
	return strings.Join(parts, "\n")
}

func TestCreateReleaseInitialState(t *testing.T) {
	h := newHarness(t)
	release, err := h.svc.CreateRelease(context.Background(), input("1.0.0", "dev"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if release.Status != domain.ReleaseStatusPending || release.SourceBranch != "main" || release.CompletedAt != nil {
		t.Fatalf("unexpected release %+v", release)
	}
	state, err := h.svc.GetReleaseStatus(context.Background(), release.ID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if len(state.Steps) != len(domain.StepSequence) {
		t.Fatalf("expected %d steps, got %d", len(domain.StepSequence), len(state.Steps))
	}
	for i, step := range state.Steps {
		if step.Order != i+1 || step.Type != domain.StepSequence[i] || step.Status != domain.StepStatusPending {
			t.Fatalf("step %d unexpected %+v", i, step)
		}
	}
	if msgs := logMessages(t, h, release.ID); !strings.Contains(msgs, "release 1.0.0 created for dev") {
		t.Fatalf("missing creation log: %q", msgs)
	}
}

func TestCreateReleaseRejectsInvalidInput(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	cases := map[string]CreateInput{
		"no version":      {Environment: "dev", Applications: []domain.Application{{Name: "api"}}},
		"no applications": {Version: "1.0.0", Environment: "dev"},
		"duplicate apps":  {Version: "1.0.0", Environment: "dev", Applications: []domain.Application{{Name: "api"}, {Name: "api"}}},
		"unnamed app":     {Version: "1.0.0", Environment: "dev", Applications: []domain.Application{{RepoURL: "x"}}},
		"blank version":   {Version: "   ", Environment: "dev", Applications: []domain.Application{{Name: "api"}}},
	}
	for name, in := range cases {
		if _, err := h.svc.CreateRelease(ctx, in); !errors.Is(err, domain.ErrInvalidArgument) {
			t.Fatalf("%s: expected ErrInvalidArgument, got %v", name, err)
		}
	}
	if _, err := h.svc.CreateRelease(ctx, input("1.0.0", "qa")); !errors.Is(err, domain.ErrUnknownEnvironment) {
		t.Fatalf("expected ErrUnknownEnvironment, got %v", err)
	}
	if _, err := h.svc.CreateRelease(ctx, input("1.0.0", "dev")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := h.svc.CreateRelease(ctx, input("1.0.0", "staging")); !errors.Is(err, domain.ErrDuplicateVersion) {
		t.Fatalf("expected ErrDuplicateVersion, got %v", err)
	}
	releases, _ := h.svc.ListReleases(ctx, 0)
	if len(releases) != 1 {
		t.Fatalf("rejected inputs must not be stored, got %d releases", len(releases))
	}
}

func TestExecuteFullReleaseHappyPath(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	release, err := h.svc.ExecuteFullRelease(ctx, input("1.0.0", "dev"), Options{InfraProjects: []string{"terraform-infra"}})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if release.Status != domain.ReleaseStatusCompleted || release.CompletedAt == nil || release.StartedAt == nil {
		t.Fatalf("unexpected release %+v", release)
	}
	if release.ReleaseBranch == nil || *release.ReleaseBranch != "release/1.0.0" {
		t.Fatalf("release branch not recorded: %v", release.ReleaseBranch)
	}
	if release.ReleaseNotes == nil || *release.ReleaseNotes != "notes for SPRINT-12 1.0.0" {
		t.Fatalf("release notes not recorded: %v", release.ReleaseNotes)
	}
	for i, status := range stepStatuses(t, h, release.ID) {
		if status != domain.StepStatusCompleted {
			t.Fatalf("step %d is %s", i+1, status)
		}
	}
	if strings.Join(h.deployer.images, ",") != "registry.local/api:1.0.0,registry.local/web:1.0.0" {
		t.Fatalf("deployer received %v", h.deployer.images)
	}
	if h.deployer.timeout != 5*time.Minute {
		t.Fatalf("deploy timeout %s", h.deployer.timeout)
	}
	if len(h.infra.deployed) != 1 || h.infra.builds != 1 {
		t.Fatalf("unexpected infra calls builds=%d deployed=%v", h.infra.builds, h.infra.deployed)
	}
	if msgs := logMessages(t, h, release.ID); !strings.HasSuffix(msgs, "release completed") {
		t.Fatalf("expected final completion log, got %q", msgs)
	}
	if got := testutil.ToFloat64(h.metrics.stepOutcomes.WithLabelValues(string(domain.StepCreateBranch), "completed")); got != 1 {
		t.Fatalf("step metric = %v", got)
	}
	if got := testutil.ToFloat64(h.metrics.releaseOutcomes.WithLabelValues("completed")); got != 1 {
		t.Fatalf("release metric = %v", got)
	}
}

func TestRunReleaseStopsAtFirstFailure(t *testing.T) {
	h := newHarness(t, func(h *harness) { h.builder.failOn = "web" })
	ctx := context.Background()

	release, err := h.svc.ExecuteFullRelease(ctx, input("2.0.0", "dev"), Options{})
	if !errors.Is(err, domain.ErrStepExecutionFailed) || !domain.IsRetryable(err) {
		t.Fatalf("expected retryable ErrStepExecutionFailed, got %v", err)
	}
	if release == nil || release.Status != domain.ReleaseStatusFailed || release.CompletedAt == nil {
		t.Fatalf("unexpected release %+v", release)
	}
	want := []domain.StepStatus{
		domain.StepStatusCompleted, domain.StepStatusCompleted, domain.StepStatusCompleted,
		domain.StepStatusFailed,
		domain.StepStatusPending, domain.StepStatusPending, domain.StepStatusPending,
	}
	got := stepStatuses(t, h, release.ID)
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("step %d = %s, want %s", i+1, got[i], want[i])
		}
	}
	if len(h.deployer.images) != 0 {
		t.Fatalf("no deployment expected after failure, got %v", h.deployer.images)
	}
	step, _ := h.store.GetStep(ctx, release.ID, domain.StepBuildServices)
	if !strings.Contains(step.ErrorMessage, "compile error") || step.CompletedAt == nil {
		t.Fatalf("failure not recorded on step: %+v", step)
	}
	if _, err := h.svc.RunRelease(ctx, release.ID, Options{}); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("failed release must not run again, got %v", err)
	}
}

func TestRetryStepLeavesReleaseFailed(t *testing.T) {
	h := newHarness(t, func(h *harness) { h.builder.failOn = "api" })
	ctx := context.Background()

	release, err := h.svc.ExecuteFullRelease(ctx, input("3.0.0", "dev"), Options{})
	if err == nil {
		t.Fatal("expected failure")
	}
	if _, err := h.svc.RetryStep(ctx, release.ID, domain.StepCreateBranch, Options{}); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("completed step must not be retried, got %v", err)
	}

	h.builder.mu.Lock()
	h.builder.failOn = ""
	h.builder.mu.Unlock()
	step, err := h.svc.RetryStep(ctx, release.ID, domain.StepBuildServices, Options{})
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if step.Status != domain.StepStatusCompleted || step.ErrorMessage != "" {
		t.Fatalf("unexpected step %+v", step)
	}
	current, _ := h.store.GetRelease(ctx, release.ID)
	if current.Status != domain.ReleaseStatusFailed {
		t.Fatalf("release should remain failed, got %s", current.Status)
	}
	if msgs := logMessages(t, h, release.ID); !strings.Contains(msgs, "release remains failed") {
		t.Fatalf("missing retry log: %q", msgs)
	}
}

func TestConcurrentExecuteStepHasOneWinner(t *testing.T) {
	const callers = 8
	h := newHarness(t, func(h *harness) {
		h.scm.entered = make(chan struct{}, callers)
		h.scm.release = make(chan struct{})
	})
	ctx := context.Background()
	release, err := h.svc.CreateRelease(ctx, input("4.0.0", "dev"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	results := make(chan error, callers)
	for i := 0; i < callers; i++ {
		go func() {
			_, err := h.svc.ExecuteStep(ctx, release.ID, domain.StepCreateBranch, Options{})
			results <- err
		}()
	}
	<-h.scm.entered
	for i := 0; i < callers-1; i++ {
		if err := <-results; !errors.Is(err, domain.ErrStepInProgress) {
			t.Fatalf("loser %d: expected ErrStepInProgress, got %v", i, err)
		}
	}
	close(h.scm.release)
	if err := <-results; err != nil {
		t.Fatalf("winner failed: %v", err)
	}
	if h.scm.calls != 1 {
		t.Fatalf("handler ran %d times", h.scm.calls)
	}
	if _, err := h.svc.ExecuteStep(ctx, release.ID, domain.StepCreateBranch, Options{}); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("completed step: expected ErrInvalidTransition, got %v", err)
	}
}

func TestApprovalRequiredForProductionDeploys(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.svc.ExecuteFullRelease(ctx, input("5.0.0", "prod"), Options{}); !errors.Is(err, domain.ErrApprovalRequired) {
		t.Fatalf("expected ErrApprovalRequired, got %v", err)
	}
	if releases, _ := h.svc.ListReleases(ctx, 0); len(releases) != 0 {
		t.Fatalf("approval check must precede creation, found %d releases", len(releases))
	}

	release, err := h.svc.CreateRelease(ctx, input("5.0.0", "prod"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := h.svc.ExecuteStep(ctx, release.ID, domain.StepDeployServices, Options{}); !errors.Is(err, domain.ErrApprovalRequired) {
		t.Fatalf("expected ErrApprovalRequired, got %v", err)
	}
	if got := stepStatuses(t, h, release.ID)[5]; got != domain.StepStatusPending {
		t.Fatalf("denied step must stay pending, got %s", got)
	}
	if _, err := h.svc.ExecuteStep(ctx, release.ID, domain.StepCreateBranch, Options{}); err != nil {
		t.Fatalf("non-deploy step should not need approval: %v", err)
	}

	done, err := h.svc.RunRelease(ctx, release.ID, Options{Approved: true})
	if err != nil {
		t.Fatalf("approved run: %v", err)
	}
	if done.Status != domain.ReleaseStatusCompleted {
		t.Fatalf("expected completed, got %s", done.Status)
	}
}

func TestCancelRelease(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	release, err := h.svc.CreateRelease(ctx, input("6.0.0", "dev"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	cancelled, err := h.svc.CancelRelease(ctx, release.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != domain.ReleaseStatusCancelled || cancelled.CompletedAt == nil {
		t.Fatalf("unexpected release %+v", cancelled)
	}
	if _, err := h.svc.CancelRelease(ctx, release.ID); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("second cancel: expected ErrInvalidTransition, got %v", err)
	}
	if _, err := h.svc.ExecuteStep(ctx, release.ID, domain.StepCreateBranch, Options{}); !errors.Is(err, domain.ErrReleaseCancelled) {
		t.Fatalf("expected ErrReleaseCancelled, got %v", err)
	}
	if _, err := h.svc.RunRelease(ctx, release.ID, Options{}); !errors.Is(err, domain.ErrReleaseCancelled) {
		t.Fatalf("expected ErrReleaseCancelled, got %v", err)
	}
	if _, err := h.svc.CancelRelease(ctx, "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := h.svc.CreateRelease(ctx, input("6.0.0", "dev")); err != nil {
		t.Fatalf("version of a cancelled release should be reusable: %v", err)
	}
}

func TestRunReleaseStopsWhenCancelledMidway(t *testing.T) {
	var h *harness
	var releaseID string
	h = newHarness(t, func(hh *harness) {
		hh.scm.onCall = func() {
			if _, err := h.svc.CancelRelease(context.Background(), releaseID); err != nil {
				t.Errorf("cancel: %v", err)
			}
		}
	})
	ctx := context.Background()
	release, err := h.svc.CreateRelease(ctx, input("6.1.0", "dev"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	releaseID = release.ID

	current, err := h.svc.RunRelease(ctx, release.ID, Options{})
	if !errors.Is(err, domain.ErrReleaseCancelled) {
		t.Fatalf("expected ErrReleaseCancelled, got %v", err)
	}
	if current.Status != domain.ReleaseStatusCancelled {
		t.Fatalf("expected cancelled, got %s", current.Status)
	}
	statuses := stepStatuses(t, h, release.ID)
	if statuses[0] != domain.StepStatusCompleted || statuses[1] != domain.StepStatusPending {
		t.Fatalf("unexpected steps %v", statuses)
	}
}

func TestRunReleaseHonoursSkip(t *testing.T) {
	h := newHarness(t, func(h *harness) { h.integ.Infra = nil })
	ctx := context.Background()

	release, err := h.svc.ExecuteFullRelease(ctx, input("7.0.0", "dev"), Options{
		Skip: []domain.StepType{domain.StepBuildInfrastructure, domain.StepDeployInfrastructure},
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if release.Status != domain.ReleaseStatusCompleted {
		t.Fatalf("expected completed, got %s", release.Status)
	}
	statuses := stepStatuses(t, h, release.ID)
	if statuses[2] != domain.StepStatusSkipped || statuses[4] != domain.StepStatusSkipped || statuses[3] != domain.StepStatusCompleted {
		t.Fatalf("unexpected steps %v", statuses)
	}

	if _, err := h.svc.ExecuteFullRelease(ctx, input("7.0.1", "dev"), Options{Skip: []domain.StepType{"deploy_everything"}}); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
}

func TestSkippingEveryStepCompletesRelease(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	release, err := h.svc.CreateRelease(ctx, input("7.1.0", "dev"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	done, err := h.svc.RunRelease(ctx, release.ID, Options{Skip: domain.StepSequence})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if done.Status != domain.ReleaseStatusCompleted || done.StartedAt == nil || done.CompletedAt == nil {
		t.Fatalf("unexpected release %+v", done)
	}
}

func TestStepDurationIsWholeSeconds(t *testing.T) {
	start := time.Date(2025, time.June, 2, 9, 0, 0, 0, time.UTC)
	clock := start
	var mu sync.Mutex
	h := newHarness(t, func(h *harness) {
		h.scm.onCall = func() {
			mu.Lock()
			clock = clock.Add(37 * time.Second)
			mu.Unlock()
		}
	})
	h.svc.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return clock
	}
	ctx := context.Background()
	release, err := h.svc.CreateRelease(ctx, input("8.0.0", "dev"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	step, err := h.svc.ExecuteStep(ctx, release.ID, domain.StepCreateBranch, Options{})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if step.DurationSeconds == nil || *step.DurationSeconds != 37 {
		t.Fatalf("expected 37s, got %v", step.DurationSeconds)
	}
	if !step.StartedAt.Equal(start) || !step.CompletedAt.Equal(start.Add(37*time.Second)) {
		t.Fatalf("unexpected timestamps %v %v", step.StartedAt, step.CompletedAt)
	}
}

func TestDeploymentTimeoutFailsStep(t *testing.T) {
	timeout := &domain.OpError{Kind: domain.ErrDeploymentTimeout, Reason: "exec-api still running"}
	h := newHarness(t, func(h *harness) { h.deployer.waitErr = timeout })

	release, err := h.svc.ExecuteFullRelease(context.Background(), input("9.0.0", "dev"), Options{})
	if !errors.Is(err, domain.ErrDeploymentTimeout) || !errors.Is(err, domain.ErrStepExecutionFailed) {
		t.Fatalf("expected deployment timeout, got %v", err)
	}
	if got := stepStatuses(t, h, release.ID)[5]; got != domain.StepStatusFailed {
		t.Fatalf("deploy_services = %s", got)
	}
}

func TestUnhealthyVerificationFailsRelease(t *testing.T) {
	h := newHarness(t, func(h *harness) { h.verifier.overall = domain.HealthDegraded })
	release, err := h.svc.ExecuteFullRelease(context.Background(), input("10.0.0", "dev"), Options{})
	if !errors.Is(err, domain.ErrStepExecutionFailed) {
		t.Fatalf("expected step failure, got %v", err)
	}
	if release.Status != domain.ReleaseStatusFailed {
		t.Fatalf("expected failed release, got %s", release.Status)
	}
	step, _ := h.store.GetStep(context.Background(), release.ID, domain.StepVerifyDeployment)
	if !strings.Contains(step.ErrorMessage, "api=degraded") {
		t.Fatalf("unexpected error message %q", step.ErrorMessage)
	}
}

func TestMissingIntegrationFailsStep(t *testing.T) {
	h := newHarness(t, func(h *harness) { h.integ.SourceControl = nil })
	_, err := h.svc.ExecuteFullRelease(context.Background(), input("11.0.0", "dev"), Options{})
	if !errors.Is(err, domain.ErrStepExecutionFailed) || !strings.Contains(err.Error(), "source control integration not configured") {
		t.Fatalf("unexpected error %v", err)
	}
}

func TestNotesFallBackToApplicationList(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	in := input("12.0.0", "dev")
	in.SprintRef = ""
	release, err := h.svc.CreateRelease(ctx, in)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := h.svc.ExecuteStep(ctx, release.ID, domain.StepGenerateReleaseNotes, Options{}); err != nil {
		t.Fatalf("execute: %v", err)
	}
	current, _ := h.store.GetRelease(ctx, release.ID)
	if current.ReleaseNotes == nil || !strings.Contains(*current.ReleaseNotes, "- api\n- web") {
		t.Fatalf("unexpected notes %v", current.ReleaseNotes)
	}
	if current.Status != domain.ReleaseStatusInProgress {
		t.Fatalf("first executed step should start the release, got %s", current.Status)
	}
}

func TestStartReleaseRunsInBackground(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	release, err := h.svc.StartRelease(ctx, input("13.0.0", "dev"), Options{})
	cancel()
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	waitCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	if err := h.svc.Wait(waitCtx); err != nil {
		t.Fatalf("wait: %v", err)
	}
	current, _ := h.store.GetRelease(context.Background(), release.ID)
	if current.Status != domain.ReleaseStatusCompleted {
		t.Fatalf("expected completed, got %s", current.Status)
	}
}

func TestGetReleaseUnknown(t *testing.T) {
	h := newHarness(t)
	if _, err := h.svc.GetReleaseStatus(context.Background(), "nope"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := h.svc.ExecuteStep(context.Background(), "nope", domain.StepCreateBranch, Options{}); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := h.svc.GetReleaseLogs(context.Background(), "nope", 10, 0); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestNewMetricsReusesRegisteredCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	first := NewMetrics(reg)
	second := NewMetrics(reg)
	if first.stepOutcomes != second.stepOutcomes || first.stepDuration != second.stepDuration {
		t.Fatal("expected collectors to be shared")
	}
}

func TestClaimedStepOutlivesCallerContext(t *testing.T) {
	h := newHarness(t, func(h *harness) {
		h.scm.entered = make(chan struct{}, 1)
		h.scm.release = make(chan struct{})
	})
	release, err := h.svc.CreateRelease(context.Background(), input("13.0.0", "dev"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	type outcome struct {
		step *domain.Step
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		step, err := h.svc.ExecuteStep(ctx, release.ID, domain.StepCreateBranch, Options{})
		done <- outcome{step, err}
	}()
	<-h.scm.entered
	cancel()
	close(h.scm.release)

	got := <-done
	if got.err != nil {
		t.Fatalf("step should finish despite caller cancellation: %v", got.err)
	}
	if got.step.Status != domain.StepStatusCompleted {
		t.Fatalf("expected completed step, got %s", got.step.Status)
	}
	state, err := h.svc.GetReleaseStatus(context.Background(), release.ID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if state.Release.Status != domain.ReleaseStatusInProgress || state.Release.ReleaseBranch == nil {
		t.Fatalf("unexpected release %+v", state.Release)
	}
}

func TestStepOutcomeWriteIsRetried(t *testing.T) {
	h := newHarness(t, func(h *harness) {
		h.backing = &flakyStore{Store: h.store, failTo: map[domain.StepStatus]int{domain.StepStatusCompleted: settleAttempts - 1}}
	})
	ctx := context.Background()
	release, err := h.svc.CreateRelease(ctx, input("14.0.0", "dev"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	step, err := h.svc.ExecuteStep(ctx, release.ID, domain.StepCreateBranch, Options{})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if step.Status != domain.StepStatusCompleted {
		t.Fatalf("expected completed, got %s", step.Status)
	}
}

func TestUnrecordableCompletionFailsStepInsteadOfStalling(t *testing.T) {
	h := newHarness(t, func(h *harness) {
		h.backing = &flakyStore{Store: h.store, failTo: map[domain.StepStatus]int{domain.StepStatusCompleted: settleAttempts}}
	})
	ctx := context.Background()
	release, err := h.svc.CreateRelease(ctx, input("15.0.0", "dev"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	_, err = h.svc.ExecuteStep(ctx, release.ID, domain.StepCreateBranch, Options{})
	if !errors.Is(err, domain.ErrStepExecutionFailed) {
		t.Fatalf("expected ErrStepExecutionFailed, got %v", err)
	}
	if got := stepStatuses(t, h, release.ID)[0]; got != domain.StepStatusFailed {
		t.Fatalf("step must not stay in progress, got %s", got)
	}
	if _, err := h.svc.RetryStep(ctx, release.ID, domain.StepCreateBranch, Options{}); err != nil {
		t.Fatalf("retry: %v", err)
	}
}

func TestCancelRacingClaimReleasesStep(t *testing.T) {
	flaky := &flakyStore{}
	h := newHarness(t, func(h *harness) {
		flaky.Store = h.store
		h.backing = flaky
	})
	ctx := context.Background()
	release, err := h.svc.CreateRelease(ctx, input("16.0.0", "dev"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	flaky.onClaim = func(releaseID string) {
		now := time.Now().UTC()
		if _, err := h.store.TransitionRelease(ctx, domain.ReleaseTransition{
			ReleaseID:   releaseID,
			From:        activeStatuses,
			To:          domain.ReleaseStatusCancelled,
			CompletedAt: &now,
		}); err != nil {
			t.Errorf("cancel: %v", err)
		}
	}

	if _, err := h.svc.ExecuteStep(ctx, release.ID, domain.StepCreateBranch, Options{}); !errors.Is(err, domain.ErrReleaseCancelled) {
		t.Fatalf("expected ErrReleaseCancelled, got %v", err)
	}
	if h.scm.calls != 0 {
		t.Fatalf("handler must not run on a cancelled release, ran %d times", h.scm.calls)
	}
	if got := stepStatuses(t, h, release.ID)[0]; got != domain.StepStatusPending {
		t.Fatalf("expected claim to be released, got %s", got)
	}
}
