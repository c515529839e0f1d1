package domain

import (
	"errors"
	"strings"
)

// Error kinds surfaced by the orchestration core. Match them with errors.Is.
var (
	ErrNotFound                         = errors.New("not found")
	ErrInvalidArgument                  = errors.New("invalid argument")
	ErrUnknownEnvironment               = errors.New("unknown environment")
	ErrUnknownProject                   = errors.New("unknown project")
	ErrUnsupportedEnvironmentForProject = errors.New("environment not supported for project")
	ErrDependencyValidationFailed       = errors.New("dependency validation failed")
	ErrDependencyCycle                  = errors.New("dependency cycle")
	ErrActionNotAllowed                 = errors.New("action not allowed")
	ErrApprovalRequired                 = errors.New("approval required")
	ErrStepExecutionFailed              = errors.New("step execution failed")
	ErrStepInProgress                   = errors.New("step already in progress")
	ErrInvalidTransition                = errors.New("invalid state transition")
	ErrReleaseCancelled                 = errors.New("release cancelled")
	ErrDuplicateVersion                 = errors.New("version already has an active release")
	ErrDeploymentTimeout                = errors.New("deployment timeout")
)

// OpError attaches release/step/project/environment context to an error kind.
type OpError struct {
	Kind        error
	Release     string
	Step        string
	Project     string
	Environment string
	Action      string
	Reason      string
	Err         error
}

func (e *OpError) Error() string {
	var b strings.Builder
	if e.Kind != nil {
		b.WriteString(e.Kind.Error())
	} else {
		b.WriteString("operation failed")
	}
	fields := make([]string, 0, 5)
	if e.Release != "" {
		fields = append(fields, "release="+e.Release)
	}
	if e.Step != "" {
		fields = append(fields, "step="+e.Step)
	}
	if e.Project != "" {
		fields = append(fields, "project="+e.Project)
	}
	if e.Environment != "" {
		fields = append(fields, "environment="+e.Environment)
	}
	if e.Action != "" {
		fields = append(fields, "action="+e.Action)
	}
	if len(fields) > 0 {
		b.WriteString(" [")
		b.WriteString(strings.Join(fields, " "))
		b.WriteString("]")
	}
	if e.Reason != "" {
		b.WriteString(": ")
		b.WriteString(e.Reason)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap exposes both the kind and the underlying cause.
func (e *OpError) Unwrap() []error {
	out := make([]error, 0, 2)
	if e.Kind != nil {
		out = append(out, e.Kind)
	}
	if e.Err != nil {
		out = append(out, e.Err)
	}
	return out
}

// Retryable reports whether repeating the operation without changing input may succeed.
func (e *OpError) Retryable() bool {
	return errors.Is(e.Kind, ErrStepExecutionFailed) || errors.Is(e.Kind, ErrDeploymentTimeout)
}

// IsRetryable walks the error chain looking for a retryable kind.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var op *OpError
	if errors.As(err, &op) && op.Retryable() {
		return true
	}
	return errors.Is(err, ErrStepExecutionFailed) || errors.Is(err, ErrDeploymentTimeout)
}
