package httpx

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/splax/shipyard/internal/domain"
	"github.com/splax/shipyard/internal/resolver"
)

// writeJSON writes JSON response with status code.
func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError sends an error message.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg, "retryable": false})
}

type errorKind struct {
	err    error
	status int
	code   string
}

// errorKinds is checked in order; the first match wins.
var errorKinds = []errorKind{
	{domain.ErrDeploymentTimeout, http.StatusGatewayTimeout, "deployment_timeout"},
	{domain.ErrStepExecutionFailed, http.StatusBadGateway, "step_execution_failed"},
	{domain.ErrNotFound, http.StatusNotFound, "not_found"},
	{domain.ErrStepInProgress, http.StatusConflict, "step_in_progress"},
	{domain.ErrInvalidTransition, http.StatusConflict, "invalid_transition"},
	{domain.ErrReleaseCancelled, http.StatusConflict, "release_cancelled"},
	{domain.ErrDuplicateVersion, http.StatusConflict, "duplicate_version"},
	{domain.ErrApprovalRequired, http.StatusForbidden, "approval_required"},
	{domain.ErrActionNotAllowed, http.StatusForbidden, "action_not_allowed"},
	{domain.ErrDependencyValidationFailed, http.StatusUnprocessableEntity, "dependency_validation_failed"},
	{domain.ErrDependencyCycle, http.StatusUnprocessableEntity, "dependency_cycle"},
	{domain.ErrUnknownEnvironment, http.StatusUnprocessableEntity, "unknown_environment"},
	{domain.ErrUnknownProject, http.StatusUnprocessableEntity, "unknown_project"},
	{domain.ErrUnsupportedEnvironmentForProject, http.StatusUnprocessableEntity, "unsupported_environment"},
	{domain.ErrInvalidArgument, http.StatusUnprocessableEntity, "invalid_argument"},
}

// errorStatus maps a service error to an HTTP status and machine-readable code.
func errorStatus(err error) (int, string) {
	for _, kind := range errorKinds {
		if errors.Is(err, kind.err) {
			return kind.status, kind.code
		}
	}
	return http.StatusInternalServerError, "internal"
}

// writeServiceError renders err with the status its kind maps to.
func (r *Router) writeServiceError(w http.ResponseWriter, req *http.Request, err error) {
	r.writeServiceErrorWith(w, req, err, nil)
}

func (r *Router) writeServiceErrorWith(w http.ResponseWriter, req *http.Request, err error, extra map[string]any) {
	status, code := errorStatus(err)
	body := map[string]any{
		"error":     err.Error(),
		"code":      code,
		"retryable": domain.IsRetryable(err),
	}
	if status == http.StatusInternalServerError {
		r.logger.Error("request failed", "path", req.URL.Path, "error", err)
		body["error"] = "internal error"
	}
	var verr *resolver.ValidationError
	if errors.As(err, &verr) {
		body["violations"] = verr.Violations
	}
	var cerr *resolver.CycleError
	if errors.As(err, &cerr) {
		body["cycle"] = cerr.Path
	}
	for k, v := range extra {
		body[k] = v
	}
	writeJSON(w, status, body)
}
