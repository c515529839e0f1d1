// Package verify probes deployed services after a release.
package verify

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/splax/shipyard/internal/domain"
)

const (
	defaultTimeout     = 10 * time.Second
	defaultParallelism = 8
)

// Verifier runs HTTP health checks against every application of a release.
type Verifier struct {
	template string
	client   *http.Client
	limit    int
}

// New creates a Verifier. template may contain {app} and {env} placeholders.
func New(template string, timeout time.Duration, client *http.Client) (*Verifier, error) {
	template = strings.TrimSpace(template)
	if template == "" {
		return nil, fmt.Errorf("verification url template required")
	}
	if !strings.Contains(template, "{app}") {
		return nil, fmt.Errorf("verification url template must contain {app}")
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if client == nil {
		client = &http.Client{}
	}
	client.Timeout = timeout
	return &Verifier{template: template, client: client, limit: defaultParallelism}, nil
}

// URL renders the health endpoint of app in environment.
func (v *Verifier) URL(app, environment string) string {
	return strings.NewReplacer("{app}", app, "{env}", environment).Replace(v.template)
}

// Verify probes every application concurrently. Individual probe failures are
// recorded in the report; only context cancellation returns an error.
func (v *Verifier) Verify(ctx context.Context, environment string, applications []domain.Application) (domain.VerificationReport, error) {
	checks := make([]domain.HealthCheck, len(applications))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(v.limit)
	for i, app := range applications {
		g.Go(func() error {
			checks[i] = v.probe(gctx, app.Name, environment)
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return domain.VerificationReport{}, fmt.Errorf("verify %s: %w", environment, err)
	}
	return domain.VerificationReport{
		Environment: environment,
		Overall:     Overall(checks),
		Checks:      checks,
	}, nil
}

func (v *Verifier) probe(ctx context.Context, app, environment string) domain.HealthCheck {
	check := domain.HealthCheck{Application: app, URL: v.URL(app, environment)}
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, check.URL, nil)
	if err != nil {
		check.Status = domain.HealthUnhealthy
		check.Error = err.Error()
		return check
	}
	resp, err := v.client.Do(req)
	check.LatencyMS = time.Since(start).Milliseconds()
	if err != nil {
		check.Status = domain.HealthUnhealthy
		check.Error = err.Error()
		return check
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))
	check.StatusCode = resp.StatusCode
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		check.Status = domain.HealthHealthy
	case resp.StatusCode >= 500:
		check.Status = domain.HealthUnhealthy
	default:
		check.Status = domain.HealthDegraded
	}
	return check
}

// Overall folds individual checks: all healthy is healthy, none healthy is unhealthy.
func Overall(checks []domain.HealthCheck) domain.HealthStatus {
	healthy := 0
	for _, c := range checks {
		if c.Status == domain.HealthHealthy {
			healthy++
		}
	}
	switch {
	case healthy == len(checks):
		return domain.HealthHealthy
	case healthy == 0:
		return domain.HealthUnhealthy
	default:
		return domain.HealthDegraded
	}
}
