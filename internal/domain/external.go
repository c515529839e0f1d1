package domain

import "time"

// Branch is a release branch created in source control.
type Branch struct {
	Name       string `json:"name"`
	BaseBranch string `json:"base_branch"`
	Commit     string `json:"commit,omitempty"`
}

// Notes are release notes produced for a version.
type Notes struct {
	Text       string `json:"text"`
	Summary    string `json:"summary"`
	IssueCount int    `json:"issue_count"`
}

// Artifact is a built service image.
type Artifact struct {
	Application string `json:"application"`
	Image       string `json:"image"`
	ImageID     string `json:"image_id,omitempty"`
}

// DeploymentState is the pipeline-reported state of a service deployment.
type DeploymentState string

// Deployment states.
const (
	DeploymentPending   DeploymentState = "pending"
	DeploymentRunning   DeploymentState = "running"
	DeploymentSucceeded DeploymentState = "succeeded"
	DeploymentFailed    DeploymentState = "failed"
)

// Terminal reports whether the pipeline finished the deployment.
func (s DeploymentState) Terminal() bool {
	return s == DeploymentSucceeded || s == DeploymentFailed
}

// Deployment describes one pipeline execution.
type Deployment struct {
	ExecutionID string          `json:"execution_id"`
	Application string          `json:"application"`
	Environment string          `json:"environment"`
	Version     string          `json:"version,omitempty"`
	State       DeploymentState `json:"state"`
	Message     string          `json:"message,omitempty"`
	UpdatedAt   time.Time       `json:"updated_at,omitempty"`
}

// HealthStatus is the outcome of a post-deploy check.
type HealthStatus string

// Health states.
const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// HealthCheck is the probe result for one application.
type HealthCheck struct {
	Application string       `json:"application"`
	URL         string       `json:"url"`
	Status      HealthStatus `json:"status"`
	StatusCode  int          `json:"status_code,omitempty"`
	LatencyMS   int64        `json:"latency_ms"`
	Error       string       `json:"error,omitempty"`
}

// VerificationReport aggregates health checks for an environment.
type VerificationReport struct {
	Environment string        `json:"environment"`
	Overall     HealthStatus  `json:"overall"`
	Checks      []HealthCheck `json:"checks"`
}

// ProjectRunStatus is the outcome of one project in a terraform batch.
type ProjectRunStatus string

// Project run outcomes.
const (
	ProjectSucceeded ProjectRunStatus = "succeeded"
	ProjectFailed    ProjectRunStatus = "failed"
	ProjectSkipped   ProjectRunStatus = "skipped"
	ProjectDenied    ProjectRunStatus = "denied"
)

// ProjectRun records what happened to one project.
type ProjectRun struct {
	Project         string           `json:"project"`
	Status          ProjectRunStatus `json:"status"`
	Actions         []Action         `json:"actions,omitempty"`
	Workspace       string           `json:"workspace,omitempty"`
	DurationSeconds int64            `json:"duration_seconds"`
	Error           string           `json:"error,omitempty"`
}

// InfraReport is the result of building or deploying a set of projects.
type InfraReport struct {
	Environment string       `json:"environment"`
	Order       []string     `json:"order"`
	Projects    []ProjectRun `json:"projects"`
}

// Succeeded reports whether no project failed or was denied.
func (r InfraReport) Succeeded() bool {
	for _, p := range r.Projects {
		if p.Status == ProjectFailed || p.Status == ProjectDenied {
			return false
		}
	}
	return true
}
