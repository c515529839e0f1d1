// Package tracker pulls sprint issues from the issue tracker and renders release notes.
package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/splax/shipyard/internal/domain"
)

const (
	defaultTimeout   = 15 * time.Second
	maxErrorBodySize = 4096
)

// ErrUnauthorized indicates the tracker rejected the configured token.
var ErrUnauthorized = errors.New("tracker unauthorized")

// ErrNotFound indicates the sprint does not exist.
var ErrNotFound = errors.New("tracker sprint not found")

// ErrInvalidResponse indicates the tracker returned a malformed payload.
var ErrInvalidResponse = errors.New("tracker invalid response")

// Issue is a tracker ticket included in a sprint.
type Issue struct {
	Key    string `json:"key"`
	Title  string `json:"title"`
	Type   string `json:"type"`
	Status string `json:"status"`
}

// Client talks to the tracker REST API.
type Client struct {
	baseURL string
	token   string
	client  *http.Client
}

// New creates a tracker client.
func New(baseURL, token string, client *http.Client) (*Client, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if trimmed == "" {
		return nil, errors.New("tracker base url required")
	}
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	} else if client.Timeout == 0 {
		client.Timeout = defaultTimeout
	}
	return &Client{baseURL: trimmed, token: strings.TrimSpace(token), client: client}, nil
}

// SprintIssues lists the issues of a sprint.
func (c *Client) SprintIssues(ctx context.Context, sprintRef string) ([]Issue, error) {
	endpoint := fmt.Sprintf("%s/api/sprints/%s/issues", c.baseURL, url.PathEscape(sprintRef))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build tracker request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send tracker request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, errorForStatus(resp)
	}
	var payload struct {
		Issues []Issue `json:"issues"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	return payload.Issues, nil
}

// GenerateReleaseNotes renders markdown notes for the sprint's issues.
func (c *Client) GenerateReleaseNotes(ctx context.Context, sprintRef, version string) (domain.Notes, error) {
	if strings.TrimSpace(sprintRef) == "" {
		return domain.Notes{}, errors.New("sprint reference required")
	}
	issues, err := c.SprintIssues(ctx, sprintRef)
	if err != nil {
		return domain.Notes{}, err
	}
	return Render(version, sprintRef, issues), nil
}

var sectionOrder = []string{"feature", "bug", "chore"}

var sectionTitles = map[string]string{
	"feature": "Features",
	"bug":     "Fixes",
	"chore":   "Maintenance",
}

// Render groups issues by type into markdown.
func Render(version, sprintRef string, issues []Issue) domain.Notes {
	groups := make(map[string][]Issue)
	for _, issue := range issues {
		kind := strings.ToLower(strings.TrimSpace(issue.Type))
		if _, ok := sectionTitles[kind]; !ok {
			kind = "chore"
		}
		groups[kind] = append(groups[kind], issue)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# Release %s\n\nSprint: %s\n", version, sprintRef)
	counts := make([]string, 0, len(sectionOrder))
	for _, kind := range sectionOrder {
		list := groups[kind]
		if len(list) == 0 {
			continue
		}
		sort.SliceStable(list, func(i, j int) bool { return list[i].Key < list[j].Key })
		fmt.Fprintf(&b, "\n## %s\n\n", sectionTitles[kind])
		for _, issue := range list {
			fmt.Fprintf(&b, "- %s: %s\n", issue.Key, strings.TrimSpace(issue.Title))
		}
		counts = append(counts, fmt.Sprintf("%d %s", len(list), strings.ToLower(sectionTitles[kind])))
	}
	summary := fmt.Sprintf("%d issues", len(issues))
	if len(counts) > 0 {
		summary += " (" + strings.Join(counts, ", ") + ")"
	}
	return domain.Notes{Text: b.String(), Summary: summary, IssueCount: len(issues)}
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
		return fmt.Errorf("tracker request failed: %s", summary)
	}
}
