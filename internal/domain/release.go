package domain

import "time"

// ReleaseStatus enumerates the lifecycle states of a release.
type ReleaseStatus string

// Release states.
const (
	ReleaseStatusPending    ReleaseStatus = "pending"
	ReleaseStatusInProgress ReleaseStatus = "in_progress"
	ReleaseStatusCompleted  ReleaseStatus = "completed"
	ReleaseStatusFailed     ReleaseStatus = "failed"
	ReleaseStatusCancelled  ReleaseStatus = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s ReleaseStatus) Terminal() bool {
	switch s {
	case ReleaseStatusCompleted, ReleaseStatusFailed, ReleaseStatusCancelled:
		return true
	default:
		return false
	}
}

// CanTransition reports whether moving from s to next respects the forward-only release state machine.
func (s ReleaseStatus) CanTransition(next ReleaseStatus) bool {
	switch s {
	case ReleaseStatusPending:
		return next == ReleaseStatusInProgress || next == ReleaseStatusCancelled
	case ReleaseStatusInProgress:
		return next == ReleaseStatusCompleted || next == ReleaseStatusFailed || next == ReleaseStatusCancelled
	default:
		return false
	}
}

// Application describes a deployable unit shipped by a release.
type Application struct {
	Name       string `json:"name" validate:"required"`
	RepoURL    string `json:"repo_url,omitempty"`
	ContextDir string `json:"context_dir,omitempty"`
}

// Release captures one attempt to promote a version into an environment.
type Release struct {
	ID            string        `json:"id"`
	Version       string        `json:"version"`
	Environment   string        `json:"environment"`
	Applications  []Application `json:"applications"`
	SprintRef     string        `json:"sprint_ref,omitempty"`
	SourceBranch  string        `json:"source_branch,omitempty"`
	Status        ReleaseStatus `json:"status"`
	ReleaseBranch *string       `json:"release_branch,omitempty"`
	ReleaseNotes  *string       `json:"release_notes,omitempty"`
	StartedAt     *time.Time    `json:"started_at,omitempty"`
	CompletedAt   *time.Time    `json:"completed_at,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// ApplicationNames lists application names in release order.
func (r Release) ApplicationNames() []string {
	names := make([]string, 0, len(r.Applications))
	for _, app := range r.Applications {
		names = append(names, app.Name)
	}
	return names
}

// ReleaseTransition is a conditional status update: it applies only while the
// stored status is one of From.
type ReleaseTransition struct {
	ReleaseID   string
	From        []ReleaseStatus
	To          ReleaseStatus
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// ReleaseDetails carries data produced by steps that is recorded on the release itself.
type ReleaseDetails struct {
	ReleaseID     string
	ReleaseBranch *string
	ReleaseNotes  *string
}
