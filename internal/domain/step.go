package domain

import (
	"encoding/json"
	"time"
)

// StepType names one of the fixed release stages.
type StepType string

// Release stages in execution order.
const (
	StepCreateBranch         StepType = "create_branch"
	StepGenerateReleaseNotes StepType = "generate_release_notes"
	StepBuildInfrastructure  StepType = "build_infrastructure"
	StepBuildServices        StepType = "build_services"
	StepDeployInfrastructure StepType = "deploy_infrastructure"
	StepDeployServices       StepType = "deploy_services"
	StepVerifyDeployment     StepType = "verify_deployment"
)

// StepSequence is the global step order; index+1 is the step order.
var StepSequence = []StepType{
	StepCreateBranch,
	StepGenerateReleaseNotes,
	StepBuildInfrastructure,
	StepBuildServices,
	StepDeployInfrastructure,
	StepDeployServices,
	StepVerifyDeployment,
}

// Order returns the 1-based position of the step type, or 0 when unknown.
func (t StepType) Order() int {
	for i, candidate := range StepSequence {
		if candidate == t {
			return i + 1
		}
	}
	return 0
}

// Valid reports whether t is one of the known step types.
func (t StepType) Valid() bool {
	return t.Order() > 0
}

// Deploys reports whether the step pushes changes into the target environment.
func (t StepType) Deploys() bool {
	return t == StepDeployInfrastructure || t == StepDeployServices
}

// ParseStepType validates a raw step name.
func ParseStepType(raw string) (StepType, error) {
	t := StepType(raw)
	if !t.Valid() {
		return "", &OpError{Kind: ErrInvalidArgument, Step: raw, Reason: "unknown step type"}
	}
	return t, nil
}

// StepStatus enumerates step lifecycle states.
type StepStatus string

// Step states.
const (
	StepStatusPending    StepStatus = "pending"
	StepStatusInProgress StepStatus = "in_progress"
	StepStatusCompleted  StepStatus = "completed"
	StepStatusFailed     StepStatus = "failed"
	StepStatusSkipped    StepStatus = "skipped"
)

// Terminal reports whether the step finished (successfully or not).
func (s StepStatus) Terminal() bool {
	switch s {
	case StepStatusCompleted, StepStatusFailed, StepStatusSkipped:
		return true
	default:
		return false
	}
}

// CanTransition encodes the step state machine. A terminal step only leaves
// its state through retry (failed -> pending). An in_progress step returns to
// pending only when its claim is released before the handler ran.
func (s StepStatus) CanTransition(next StepStatus) bool {
	switch s {
	case StepStatusPending:
		return next == StepStatusInProgress || next == StepStatusSkipped
	case StepStatusInProgress:
		return next == StepStatusCompleted || next == StepStatusFailed || next == StepStatusPending
	case StepStatusFailed:
		return next == StepStatusPending
	default:
		return false
	}
}

// Step is one stage of a release.
type Step struct {
	ID              string          `json:"id"`
	ReleaseID       string          `json:"release_id"`
	Type            StepType        `json:"step_type"`
	Order           int             `json:"order"`
	Status          StepStatus      `json:"status"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
	DurationSeconds *int64          `json:"duration_seconds,omitempty"`
	ErrorMessage    string          `json:"error_message,omitempty"`
	Output          json.RawMessage `json:"output,omitempty"`
}

// StepTransition is a compare-and-swap on a step: it applies only while the
// stored status equals From. Every mutable column is overwritten with the
// values carried here.
type StepTransition struct {
	ReleaseID       string
	Type            StepType
	From            StepStatus
	To              StepStatus
	StartedAt       *time.Time
	CompletedAt     *time.Time
	DurationSeconds *int64
	ErrorMessage    string
	Output          json.RawMessage
}

// Duration computes whole seconds between two timestamps.
func Duration(startedAt, completedAt time.Time) int64 {
	d := completedAt.Sub(startedAt)
	if d < 0 {
		return 0
	}
	return int64(d / time.Second)
}

// NewSteps builds the seven pending steps of a release in order.
func NewSteps(releaseID string, newID func() string) []Step {
	steps := make([]Step, 0, len(StepSequence))
	for i, t := range StepSequence {
		steps = append(steps, Step{
			ID:        newID(),
			ReleaseID: releaseID,
			Type:      t,
			Order:     i + 1,
			Status:    StepStatusPending,
		})
	}
	return steps
}

// ReleaseState bundles a release with its ordered steps.
type ReleaseState struct {
	Release Release `json:"release"`
	Steps   []Step  `json:"steps"`
}
