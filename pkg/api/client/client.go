package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/splax/shipyard/internal/domain"
)

// Client provides typed access to the shipyard API for interactive tools.
type Client struct {
	baseURL    string
	httpClient *http.Client
	dialer     *websocket.Dialer
}

// Option customises client instantiation.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// New constructs a Client pointing at the provided API base URL.
func New(base string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(base)
	if trimmed == "" {
		trimmed = "http://localhost:4000"
	}
	if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
		trimmed = "http://" + trimmed
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("invalid api base url: %w", err)
	}
	cli := &Client{
		baseURL:    strings.TrimRight(trimmed, "/"),
		httpClient: &http.Client{Timeout: 2 * time.Minute},
		dialer:     &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(cli)
	}
	return cli, nil
}

// APIError represents an error response from the API.
type APIError struct {
	Status    int
	Code      string
	Message   string
	Retryable bool
	// Details holds the remaining fields of the error body, such as
	// violations, cycle, step or report.
	Details map[string]json.RawMessage
}

func (e APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api request failed with status %d", e.Status)
	}
	if e.Code != "" {
		return fmt.Sprintf("api request failed (%d %s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("api request failed (%d): %s", e.Status, e.Message)
}

// IsCode reports whether err is an APIError carrying code.
func IsCode(err error, code string) bool {
	var apiErr APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

func (c *Client) do(ctx context.Context, method, path string, body any, token string, v any) error {
	if c == nil {
		return fmt.Errorf("client is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	endpoint := c.baseURL + path
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if strings.TrimSpace(token) != "" {
		req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(token))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return extractError(resp.StatusCode, resp.Body)
	}

	if v == nil {
		return nil
	}
	decoder := json.NewDecoder(resp.Body)
	if err := decoder.Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func extractError(status int, body io.Reader) APIError {
	apiErr := APIError{Status: status}
	if body == nil {
		return apiErr
	}
	data, err := io.ReadAll(body)
	if err != nil || len(data) == 0 {
		return apiErr
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		apiErr.Message = strings.TrimSpace(string(data))
		return apiErr
	}
	_ = json.Unmarshal(fields["error"], &apiErr.Message)
	_ = json.Unmarshal(fields["code"], &apiErr.Code)
	_ = json.Unmarshal(fields["retryable"], &apiErr.Retryable)
	delete(fields, "error")
	delete(fields, "code")
	delete(fields, "retryable")
	if len(fields) > 0 {
		apiErr.Details = fields
	}
	return apiErr
}

// ListEnvironments returns the configured deployment environments.
func (c *Client) ListEnvironments(ctx context.Context, token string) ([]domain.EnvironmentConfig, error) {
	var envs []domain.EnvironmentConfig
	if err := c.do(ctx, http.MethodGet, "/environments", nil, token, &envs); err != nil {
		return nil, err
	}
	return envs, nil
}

// ListProjects returns the terraform project catalog.
func (c *Client) ListProjects(ctx context.Context, token string) ([]domain.Project, error) {
	var projects []domain.Project
	if err := c.do(ctx, http.MethodGet, "/projects", nil, token, &projects); err != nil {
		return nil, err
	}
	return projects, nil
}

// CreateReleaseInput is the payload for creating a release.
type CreateReleaseInput struct {
	Version      string               `json:"version"`
	Environment  string               `json:"environment"`
	Applications []domain.Application `json:"applications"`
	SprintRef    string               `json:"sprint_ref,omitempty"`
	SourceBranch string               `json:"source_branch,omitempty"`
}

// RunOptions tune step and release execution.
type RunOptions struct {
	Approved      bool              `json:"approved,omitempty"`
	InfraProjects []string          `json:"infra_projects,omitempty"`
	Skip          []domain.StepType `json:"skip,omitempty"`
}

// ListReleases fetches the most recent releases.
func (c *Client) ListReleases(ctx context.Context, token string, limit int) ([]domain.Release, error) {
	path := "/releases"
	if limit > 0 {
		path = fmt.Sprintf("/releases?limit=%d", limit)
	}
	var releases []domain.Release
	if err := c.do(ctx, http.MethodGet, path, nil, token, &releases); err != nil {
		return nil, err
	}
	return releases, nil
}

// CreateRelease registers a release with all steps pending.
func (c *Client) CreateRelease(ctx context.Context, token string, input CreateReleaseInput) (domain.Release, error) {
	var release domain.Release
	if err := c.do(ctx, http.MethodPost, "/releases", input, token, &release); err != nil {
		return domain.Release{}, err
	}
	return release, nil
}

// RunRelease creates a release and starts executing it in the background.
func (c *Client) RunRelease(ctx context.Context, token string, input CreateReleaseInput, opts RunOptions) (domain.Release, error) {
	body := struct {
		CreateReleaseInput
		Options RunOptions `json:"options"`
	}{input, opts}
	var release domain.Release
	if err := c.do(ctx, http.MethodPost, "/releases/run", body, token, &release); err != nil {
		return domain.Release{}, err
	}
	return release, nil
}

// GetRelease returns a release with its steps.
func (c *Client) GetRelease(ctx context.Context, token, releaseID string) (domain.ReleaseState, error) {
	var state domain.ReleaseState
	if err := c.do(ctx, http.MethodGet, "/releases/"+url.PathEscape(releaseID), nil, token, &state); err != nil {
		return domain.ReleaseState{}, err
	}
	return state, nil
}

// FetchLogs pages through the log of a release.
func (c *Client) FetchLogs(ctx context.Context, token, releaseID string, limit, offset int) ([]domain.LogEntry, error) {
	query := url.Values{}
	if limit > 0 {
		query.Set("limit", fmt.Sprint(limit))
	}
	if offset > 0 {
		query.Set("offset", fmt.Sprint(offset))
	}
	path := fmt.Sprintf("/releases/%s/logs", url.PathEscape(releaseID))
	if encoded := query.Encode(); encoded != "" {
		path += "?" + encoded
	}
	var entries []domain.LogEntry
	if err := c.do(ctx, http.MethodGet, path, nil, token, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// ExecuteStep runs one step of a release.
func (c *Client) ExecuteStep(ctx context.Context, token, releaseID string, step domain.StepType, opts RunOptions) (domain.Step, error) {
	path := fmt.Sprintf("/releases/%s/steps/%s", url.PathEscape(releaseID), url.PathEscape(string(step)))
	var out domain.Step
	if err := c.do(ctx, http.MethodPost, path, opts, token, &out); err != nil {
		return domain.Step{}, err
	}
	return out, nil
}

// RetryStep re-runs a failed step.
func (c *Client) RetryStep(ctx context.Context, token, releaseID string, step domain.StepType, opts RunOptions) (domain.Step, error) {
	path := fmt.Sprintf("/releases/%s/steps/%s/retry", url.PathEscape(releaseID), url.PathEscape(string(step)))
	var out domain.Step
	if err := c.do(ctx, http.MethodPost, path, opts, token, &out); err != nil {
		return domain.Step{}, err
	}
	return out, nil
}

// ResumeRelease continues executing the pending steps of a release in the background.
func (c *Client) ResumeRelease(ctx context.Context, token, releaseID string, opts RunOptions) (domain.Release, error) {
	var release domain.Release
	if err := c.do(ctx, http.MethodPost, fmt.Sprintf("/releases/%s/run", url.PathEscape(releaseID)), opts, token, &release); err != nil {
		return domain.Release{}, err
	}
	return release, nil
}

// CancelRelease stops a release before its next step.
func (c *Client) CancelRelease(ctx context.Context, token, releaseID string) (domain.Release, error) {
	var release domain.Release
	if err := c.do(ctx, http.MethodPost, fmt.Sprintf("/releases/%s/cancel", url.PathEscape(releaseID)), nil, token, &release); err != nil {
		return domain.Release{}, err
	}
	return release, nil
}

// ValidateDependencies checks that every dependency of the requested projects is part of the request.
func (c *Client) ValidateDependencies(ctx context.Context, token string, projects []string) ([]string, error) {
	var out struct {
		Projects []string `json:"projects"`
	}
	if err := c.do(ctx, http.MethodPost, "/infra/validate", map[string]any{"projects": projects}, token, &out); err != nil {
		return nil, err
	}
	return out.Projects, nil
}

// DeploymentOrder returns projects sorted so dependencies come first.
func (c *Client) DeploymentOrder(ctx context.Context, token string, projects []string) ([]string, error) {
	var out struct {
		Order []string `json:"order"`
	}
	if err := c.do(ctx, http.MethodPost, "/infra/order", map[string]any{"projects": projects}, token, &out); err != nil {
		return nil, err
	}
	return out.Order, nil
}

// DeployInfrastructure applies the requested projects to environment.
func (c *Client) DeployInfrastructure(ctx context.Context, token string, projects []string, environment string, approved bool) (domain.InfraReport, error) {
	body := map[string]any{"projects": projects, "environment": environment, "approved": approved}
	var report domain.InfraReport
	if err := c.do(ctx, http.MethodPost, "/infra/deploy", body, token, &report); err != nil {
		return domain.InfraReport{}, err
	}
	return report, nil
}

// PolicyDecision is the answer to a policy check.
type PolicyDecision struct {
	Project     string        `json:"project"`
	Environment string        `json:"environment"`
	Action      domain.Action `json:"action"`
	Allowed     bool          `json:"allowed"`
}

// CheckPolicy asks whether project may run action in environment.
func (c *Client) CheckPolicy(ctx context.Context, token, project, environment string, action domain.Action) (PolicyDecision, error) {
	query := url.Values{}
	query.Set("project", project)
	query.Set("environment", environment)
	query.Set("action", string(action))
	var decision PolicyDecision
	if err := c.do(ctx, http.MethodGet, "/policy/check?"+query.Encode(), nil, token, &decision); err != nil {
		return PolicyDecision{}, err
	}
	return decision, nil
}

// FollowLogs streams log lines of a release over websocket until ctx is
// done or the server closes the stream. Backlog lines are delivered first.
func (c *Client) FollowLogs(ctx context.Context, token, releaseID string, fn func(domain.LogEntry)) error {
	endpoint := "ws" + strings.TrimPrefix(c.baseURL, "http") + "/ws/releases?release_id=" + url.QueryEscape(releaseID)
	header := http.Header{}
	header.Set("Authorization", "Bearer "+strings.TrimSpace(token))
	conn, resp, err := c.dialer.DialContext(ctx, endpoint, header)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			return extractError(resp.StatusCode, resp.Body)
		}
		return fmt.Errorf("dial log stream: %w", err)
	}
	defer conn.Close()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-stop:
		}
	}()

	seen := make(map[int64]struct{})
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("read log stream: %w", err)
		}
		var entry domain.LogEntry
		if err := json.Unmarshal(payload, &entry); err != nil {
			continue
		}
		if _, dup := seen[entry.ID]; dup {
			continue
		}
		seen[entry.ID] = struct{}{}
		fn(entry)
	}
}
