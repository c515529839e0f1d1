// Package pipeline triggers and tracks service deployments on the CI/CD system.
package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/splax/shipyard/internal/domain"
)

const (
	defaultTimeout      = 15 * time.Second
	defaultPollInterval = 10 * time.Second
	maxErrorBodySize    = 4096
)

// ErrUnauthorized indicates the pipeline rejected the configured token.
var ErrUnauthorized = errors.New("pipeline unauthorized")

// ErrNotFound indicates the execution or application is unknown to the pipeline.
var ErrNotFound = errors.New("pipeline resource not found")

// ErrInvalidResponse indicates the pipeline returned a malformed payload.
var ErrInvalidResponse = errors.New("pipeline invalid response")

// ErrDeploymentFailed indicates the pipeline finished the execution unsuccessfully.
var ErrDeploymentFailed = errors.New("pipeline deployment failed")

// Client is a Deployer backed by the pipeline REST API.
type Client struct {
	baseURL  string
	token    string
	client   *http.Client
	interval time.Duration
	logger   *slog.Logger
}

// New creates a pipeline client polling every interval.
func New(baseURL, token string, interval time.Duration, client *http.Client, logger *slog.Logger) (*Client, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if trimmed == "" {
		return nil, errors.New("pipeline base url required")
	}
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	} else if client.Timeout == 0 {
		client.Timeout = defaultTimeout
	}
	if interval <= 0 {
		interval = defaultPollInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{baseURL: trimmed, token: strings.TrimSpace(token), client: client, interval: interval, logger: logger}, nil
}

// Deploy starts a deployment of artifact and returns the pipeline execution ID.
func (c *Client) Deploy(ctx context.Context, app domain.Application, environment, version string, artifact domain.Artifact) (string, error) {
	body, err := json.Marshal(map[string]string{
		"application": app.Name,
		"environment": environment,
		"version":     version,
		"image":       artifact.Image,
	})
	if err != nil {
		return "", fmt.Errorf("marshal deployment request: %w", err)
	}
	var out struct {
		ExecutionID string `json:"execution_id"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/deployments", body, &out); err != nil {
		return "", err
	}
	if out.ExecutionID == "" {
		return "", fmt.Errorf("%w: missing execution_id", ErrInvalidResponse)
	}
	return out.ExecutionID, nil
}

// Execution fetches the current state of a pipeline execution.
func (c *Client) Execution(ctx context.Context, executionID string) (domain.Deployment, error) {
	var out domain.Deployment
	err := c.do(ctx, http.MethodGet, "/api/deployments/"+url.PathEscape(executionID), nil, &out)
	return out, err
}

// GetStatus returns the latest deployment of an application in an environment.
func (c *Client) GetStatus(ctx context.Context, application, environment string) (domain.Deployment, error) {
	var out domain.Deployment
	path := fmt.Sprintf("/api/applications/%s/environments/%s/deployment", url.PathEscape(application), url.PathEscape(environment))
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

// WaitForCompletion polls the execution until it succeeds, fails remotely or
// timeout elapses. Cancelling ctx does not end a started wait.
func (c *Client) WaitForCompletion(ctx context.Context, executionID string, timeout time.Duration) (domain.Deployment, error) {
	waitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		current, err := c.Execution(waitCtx, executionID)
		switch {
		case err == nil && current.State == domain.DeploymentSucceeded:
			return current, nil
		case err == nil && current.State == domain.DeploymentFailed:
			return current, fmt.Errorf("%w: %s", ErrDeploymentFailed, current.Message)
		case errors.Is(err, ErrNotFound), errors.Is(err, ErrUnauthorized):
			return current, err
		case err != nil && waitCtx.Err() == nil:
			c.logger.Warn("deployment status poll failed", "execution_id", executionID, "error", err)
		}

		select {
		case <-ticker.C:
		case <-waitCtx.Done():
			return current, &domain.OpError{
				Kind:   domain.ErrDeploymentTimeout,
				Reason: fmt.Sprintf("execution %s not finished after %s", executionID, timeout),
			}
		}
	}
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build pipeline request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("send pipeline request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return errorForStatus(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	return nil
}

func errorForStatus(resp *http.Response) error {
	buf, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
	summary := strings.TrimSpace(string(buf))
	if summary == "" {
		summary = resp.Status
	}
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", ErrUnauthorized, summary)
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, summary)
	default:
		return fmt.Errorf("pipeline request failed: %s", summary)
	}
}
