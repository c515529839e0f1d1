// Package memory is an in-process repository used by tests and single-node
// development runs. Conditional updates are checked under one mutex.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/splax/shipyard/internal/domain"
	"github.com/splax/shipyard/internal/repository"
)

// Store keeps releases, steps and logs in maps.
type Store struct {
	mu       sync.Mutex
	now      func() time.Time
	releases map[string]*domain.Release
	steps    map[string]map[domain.StepType]*domain.Step
	logs     map[string][]domain.LogEntry
	nextLog  int64
}

var _ repository.Store = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{
		now:      func() time.Time { return time.Now().UTC() },
		releases: make(map[string]*domain.Release),
		steps:    make(map[string]map[domain.StepType]*domain.Step),
		logs:     make(map[string][]domain.LogEntry),
	}
}

// CreateRelease stores the release, steps and entry together.
func (s *Store) CreateRelease(_ context.Context, release *domain.Release, steps []domain.Step, entry *domain.LogEntry) error {
	if release == nil {
		return fmt.Errorf("release required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.releases[release.ID]; exists {
		return repository.ErrConflict
	}
	for _, existing := range s.releases {
		if existing.Version == release.Version && !existing.Status.Terminal() {
			return repository.ErrDuplicate
		}
	}
	now := s.now()
	release.CreatedAt = now
	release.UpdatedAt = now
	stored := cloneRelease(*release)
	s.releases[release.ID] = &stored

	byType := make(map[domain.StepType]*domain.Step, len(steps))
	for _, step := range steps {
		st := cloneStep(step)
		byType[step.Type] = &st
	}
	s.steps[release.ID] = byType

	if entry != nil {
		s.appendLocked(entry)
	}
	return nil
}

// GetRelease returns a copy of a release.
func (s *Store) GetRelease(_ context.Context, releaseID string) (*domain.Release, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	release, ok := s.releases[releaseID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	out := cloneRelease(*release)
	return &out, nil
}

// ListReleases returns the newest releases first.
func (s *Store) ListReleases(_ context.Context, limit int) ([]domain.Release, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Release, 0, len(s.releases))
	for _, release := range s.releases {
		out = append(out, cloneRelease(*release))
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// TransitionRelease applies t when the stored status is one of t.From.
func (s *Store) TransitionRelease(_ context.Context, t domain.ReleaseTransition) (*domain.Release, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	release, ok := s.releases[t.ReleaseID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	matched := false
	for _, from := range t.From {
		if release.Status == from {
			matched = true
			break
		}
	}
	if !matched {
		return nil, repository.ErrConflict
	}
	release.Status = t.To
	if t.StartedAt != nil {
		release.StartedAt = timePtr(*t.StartedAt)
	}
	if t.CompletedAt != nil {
		release.CompletedAt = timePtr(*t.CompletedAt)
	}
	release.UpdatedAt = s.now()
	out := cloneRelease(*release)
	return &out, nil
}

// UpdateReleaseDetails sets the non-nil details on the release.
func (s *Store) UpdateReleaseDetails(_ context.Context, details domain.ReleaseDetails) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	release, ok := s.releases[details.ReleaseID]
	if !ok {
		return repository.ErrNotFound
	}
	if details.ReleaseBranch != nil {
		release.ReleaseBranch = stringPtr(*details.ReleaseBranch)
	}
	if details.ReleaseNotes != nil {
		release.ReleaseNotes = stringPtr(*details.ReleaseNotes)
	}
	release.UpdatedAt = s.now()
	return nil
}

// GetStep returns a copy of one step.
func (s *Store) GetStep(_ context.Context, releaseID string, stepType domain.StepType) (*domain.Step, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	step, ok := s.steps[releaseID][stepType]
	if !ok {
		return nil, repository.ErrNotFound
	}
	out := cloneStep(*step)
	return &out, nil
}

// ListSteps returns the steps of a release in execution order.
func (s *Store) ListSteps(_ context.Context, releaseID string) ([]domain.Step, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byType := s.steps[releaseID]
	out := make([]domain.Step, 0, len(byType))
	for _, step := range byType {
		out = append(out, cloneStep(*step))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out, nil
}

// TransitionStep is the compare-and-swap counterpart of the SQL conditional update.
func (s *Store) TransitionStep(_ context.Context, t domain.StepTransition) (*domain.Step, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	step, ok := s.steps[t.ReleaseID][t.Type]
	if !ok {
		return nil, repository.ErrNotFound
	}
	if step.Status != t.From {
		return nil, repository.ErrConflict
	}
	step.Status = t.To
	step.StartedAt = copyTime(t.StartedAt)
	step.CompletedAt = copyTime(t.CompletedAt)
	step.DurationSeconds = copyInt64(t.DurationSeconds)
	step.ErrorMessage = t.ErrorMessage
	step.Output = copyRaw(t.Output)
	out := cloneStep(*step)
	return &out, nil
}

// AppendLog stores entry and assigns its identifier.
func (s *Store) AppendLog(_ context.Context, entry *domain.LogEntry) error {
	if entry == nil {
		return fmt.Errorf("log entry required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.releases[entry.ReleaseID]; !ok {
		return repository.ErrNotFound
	}
	s.appendLocked(entry)
	return nil
}

// ListLogs pages through a release's log ordered by timestamp then id.
func (s *Store) ListLogs(_ context.Context, releaseID string, limit, offset int) ([]domain.LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := append([]domain.LogEntry(nil), s.logs[releaseID]...)
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Timestamp.Equal(entries[j].Timestamp) {
			return entries[i].ID < entries[j].ID
		}
		return entries[i].Timestamp.Before(entries[j].Timestamp)
	})
	if offset < 0 {
		offset = 0
	}
	if offset >= len(entries) {
		return []domain.LogEntry{}, nil
	}
	entries = entries[offset:]
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

func (s *Store) appendLocked(entry *domain.LogEntry) {
	s.nextLog++
	entry.ID = s.nextLog
	if entry.Timestamp.IsZero() {
		entry.Timestamp = s.now()
	}
	stored := *entry
	if entry.StepID != nil {
		stored.StepID = stringPtr(*entry.StepID)
	}
	s.logs[entry.ReleaseID] = append(s.logs[entry.ReleaseID], stored)
}

func cloneRelease(r domain.Release) domain.Release {
	r.Applications = append([]domain.Application(nil), r.Applications...)
	if r.ReleaseBranch != nil {
		r.ReleaseBranch = stringPtr(*r.ReleaseBranch)
	}
	if r.ReleaseNotes != nil {
		r.ReleaseNotes = stringPtr(*r.ReleaseNotes)
	}
	r.StartedAt = copyTime(r.StartedAt)
	r.CompletedAt = copyTime(r.CompletedAt)
	return r
}

func cloneStep(s domain.Step) domain.Step {
	s.StartedAt = copyTime(s.StartedAt)
	s.CompletedAt = copyTime(s.CompletedAt)
	s.DurationSeconds = copyInt64(s.DurationSeconds)
	s.Output = copyRaw(s.Output)
	return s
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	return timePtr(*t)
}

func copyInt64(v *int64) *int64 {
	if v == nil {
		return nil
	}
	out := *v
	return &out
}

func copyRaw(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return nil
	}
	return append(json.RawMessage(nil), raw...)
}

func timePtr(t time.Time) *time.Time { return &t }

func stringPtr(s string) *string { return &s }
