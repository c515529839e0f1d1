package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/splax/shipyard/internal/domain"
)

func TestExecuteStepSendsOptionsAndToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/releases/r-1/steps/deploy_services" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("unexpected authorization %q", got)
		}
		var opts RunOptions
		if err := json.NewDecoder(r.Body).Decode(&opts); err != nil || !opts.Approved {
			t.Errorf("expected approved options, got %+v (%v)", opts, err)
		}
		_ = json.NewEncoder(w).Encode(domain.Step{Type: domain.StepDeployServices, Status: domain.StepStatusCompleted})
	}))
	defer srv.Close()

	cli, err := New(srv.URL)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	step, err := cli.ExecuteStep(context.Background(), "tok", "r-1", domain.StepDeployServices, RunOptions{Approved: true})
	if err != nil {
		t.Fatalf("execute step: %v", err)
	}
	if step.Status != domain.StepStatusCompleted {
		t.Fatalf("unexpected step %+v", step)
	}
}

func TestErrorBodyIsDecoded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"error":"dependency validation failed","code":"dependency_validation_failed","retryable":false,"violations":[{"project":"terraform-services","missing":["terraform-infra"]}]}`))
	}))
	defer srv.Close()

	cli, _ := New(srv.URL)
	_, err := cli.ValidateDependencies(context.Background(), "tok", []string{"terraform-services"})
	if !IsCode(err, "dependency_validation_failed") {
		t.Fatalf("expected dependency_validation_failed, got %v", err)
	}
	apiErr := err.(APIError)
	if apiErr.Status != http.StatusUnprocessableEntity || apiErr.Retryable {
		t.Fatalf("unexpected error %+v", apiErr)
	}
	if _, ok := apiErr.Details["violations"]; !ok {
		t.Fatalf("expected violations detail, got %v", apiErr.Details)
	}
}

func TestNewNormalisesBaseURL(t *testing.T) {
	cli, err := New("localhost:4000/")
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if cli.baseURL != "http://localhost:4000" {
		t.Fatalf("unexpected base url %q", cli.baseURL)
	}
}
