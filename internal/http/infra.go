package httpx

import (
	"net/http"
	"strings"

	"github.com/splax/shipyard/internal/domain"
)

type projectsPayload struct {
	Projects    []string `json:"projects"`
	Environment string   `json:"environment,omitempty"`
	Approved    bool     `json:"approved,omitempty"`
}

func (r *Router) handleInfra(w http.ResponseWriter, req *http.Request) {
	action := strings.Trim(strings.TrimPrefix(req.URL.Path, "/infra/"), "/")
	if action != "validate" && action != "order" && action != "deploy" {
		r.notFound(w)
		return
	}
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload projectsPayload
	if err := decodeBody(req, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	switch action {
	case "validate":
		validated, err := r.infra.ValidateDependencies(payload.Projects)
		if err != nil {
			r.writeServiceError(w, req, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"valid": true, "projects": validated})
	case "order":
		order, err := r.infra.ComputeDeploymentOrder(payload.Projects)
		if err != nil {
			r.writeServiceError(w, req, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"order": order})
	case "deploy":
		r.handleInfraDeploy(w, req, payload)
	}
}

func (r *Router) handleInfraDeploy(w http.ResponseWriter, req *http.Request, payload projectsPayload) {
	info, ok := r.requireOperator(w, req)
	if !ok {
		return
	}
	required, err := r.gate.RequiresApproval(payload.Environment)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	if required && !payload.Approved {
		r.writeServiceError(w, req, &domain.OpError{Kind: domain.ErrApprovalRequired, Environment: payload.Environment})
		return
	}
	r.logger.Info("infrastructure deploy requested", "environment", payload.Environment, "projects", payload.Projects, "operator", info.Operator)
	report, err := r.infra.DeployMultipleProjects(req.Context(), payload.Projects, payload.Environment)
	if err != nil {
		if status, _ := errorStatus(err); status == http.StatusInternalServerError && !report.Succeeded() {
			writeJSON(w, http.StatusBadGateway, map[string]any{
				"error":     err.Error(),
				"code":      "project_failed",
				"retryable": true,
				"report":    report,
			})
			return
		}
		r.writeServiceErrorWith(w, req, err, map[string]any{"report": report})
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (r *Router) handlePolicyCheck(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	query := req.URL.Query()
	project := strings.TrimSpace(query.Get("project"))
	environment := strings.TrimSpace(query.Get("environment"))
	action := domain.Action(strings.TrimSpace(query.Get("action")))
	allowed, err := r.gate.IsActionAllowed(project, environment, action)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"project":     project,
		"environment": environment,
		"action":      action,
		"allowed":     allowed,
	})
}
