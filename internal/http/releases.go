package httpx

import (
	"net/http"
	"strings"

	"github.com/splax/shipyard/internal/domain"
	"github.com/splax/shipyard/internal/service/release"
)

type runReleasePayload struct {
	release.CreateInput
	Options release.Options `json:"options"`
}

func (r *Router) handleReleases(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodGet:
		releases, err := r.releases.ListReleases(req.Context(), queryInt(req, "limit"))
		if err != nil {
			r.writeServiceError(w, req, err)
			return
		}
		writeJSON(w, http.StatusOK, releases)
	case http.MethodPost:
		info, ok := r.requireOperator(w, req)
		if !ok {
			return
		}
		var payload release.CreateInput
		if err := decodeBody(req, &payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		created, err := r.releases.CreateRelease(req.Context(), payload)
		if err != nil {
			r.writeServiceError(w, req, err)
			return
		}
		r.logger.Info("release requested", "release_id", created.ID, "operator", info.Operator)
		writeJSON(w, http.StatusCreated, created)
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleRunRelease(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	info, ok := r.requireOperator(w, req)
	if !ok {
		return
	}
	var payload runReleasePayload
	if err := decodeBody(req, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	started, err := r.releases.StartRelease(req.Context(), payload.CreateInput, payload.Options)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	r.logger.Info("release run started", "release_id", started.ID, "operator", info.Operator)
	writeJSON(w, http.StatusAccepted, started)
}

func (r *Router) handleReleaseSubroutes(w http.ResponseWriter, req *http.Request) {
	trimmed := strings.Trim(strings.TrimPrefix(req.URL.Path, "/releases/"), "/")
	if trimmed == "" {
		r.notFound(w)
		return
	}
	parts := strings.Split(trimmed, "/")
	releaseID := parts[0]
	switch {
	case len(parts) == 1:
		r.handleReleaseStatus(w, req, releaseID)
	case len(parts) == 2 && parts[1] == "logs":
		r.handleReleaseLogs(w, req, releaseID)
	case len(parts) == 3 && parts[1] == "logs" && parts[2] == "stream":
		r.handleReleaseStream(w, req, releaseID)
	case len(parts) == 2 && parts[1] == "cancel":
		r.handleCancelRelease(w, req, releaseID)
	case len(parts) == 2 && parts[1] == "run":
		r.handleResumeRelease(w, req, releaseID)
	case len(parts) == 3 && parts[1] == "steps":
		r.handleStep(w, req, releaseID, parts[2], false)
	case len(parts) == 4 && parts[1] == "steps" && parts[3] == "retry":
		r.handleStep(w, req, releaseID, parts[2], true)
	default:
		r.notFound(w)
	}
}

func (r *Router) handleReleaseStatus(w http.ResponseWriter, req *http.Request, releaseID string) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	state, err := r.releases.GetReleaseStatus(req.Context(), releaseID)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (r *Router) handleReleaseLogs(w http.ResponseWriter, req *http.Request, releaseID string) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	entries, err := r.releases.GetReleaseLogs(req.Context(), releaseID, queryInt(req, "limit"), queryInt(req, "offset"))
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (r *Router) handleCancelRelease(w http.ResponseWriter, req *http.Request, releaseID string) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	info, ok := r.requireOperator(w, req)
	if !ok {
		return
	}
	cancelled, err := r.releases.CancelRelease(req.Context(), releaseID)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	r.logger.Info("release cancel requested", "release_id", releaseID, "operator", info.Operator)
	writeJSON(w, http.StatusOK, cancelled)
}

func (r *Router) handleResumeRelease(w http.ResponseWriter, req *http.Request, releaseID string) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	if _, ok := r.requireOperator(w, req); !ok {
		return
	}
	var opts release.Options
	if err := decodeBody(req, &opts); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	resumed, err := r.releases.ResumeRelease(req.Context(), releaseID, opts)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusAccepted, resumed)
}

func (r *Router) handleStep(w http.ResponseWriter, req *http.Request, releaseID, rawStep string, retry bool) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	if _, ok := r.requireOperator(w, req); !ok {
		return
	}
	stepType, err := domain.ParseStepType(rawStep)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	var opts release.Options
	if err := decodeBody(req, &opts); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	var step *domain.Step
	if retry {
		step, err = r.releases.RetryStep(req.Context(), releaseID, stepType, opts)
	} else {
		step, err = r.releases.ExecuteStep(req.Context(), releaseID, stepType, opts)
	}
	if err != nil {
		var extra map[string]any
		if step != nil {
			extra = map[string]any{"step": step}
		}
		r.writeServiceErrorWith(w, req, err, extra)
		return
	}
	writeJSON(w, http.StatusOK, step)
}
