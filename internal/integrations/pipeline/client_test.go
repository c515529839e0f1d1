package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/splax/shipyard/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestDeployAndWaitForCompletion(t *testing.T) {
	var polls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/api/deployments":
			var body map[string]string
			_ = json.NewDecoder(r.Body).Decode(&body)
			if body["application"] != "api" || body["image"] != "registry/api:1.0.0" || body["environment"] != "dev" {
				t.Errorf("unexpected body %v", body)
			}
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(`{"execution_id":"exec-1"}`))
		case r.Method == http.MethodGet && r.URL.Path == "/api/deployments/exec-1":
			state := "running"
			if polls.Add(1) >= 3 {
				state = "succeeded"
			}
			_, _ = w.Write([]byte(`{"execution_id":"exec-1","application":"api","state":"` + state + `"}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	client, err := New(srv.URL, "t", time.Millisecond, srv.Client(), testLogger())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	id, err := client.Deploy(context.Background(), domain.Application{Name: "api"}, "dev", "1.0.0", domain.Artifact{Image: "registry/api:1.0.0"})
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}
	got, err := client.WaitForCompletion(context.Background(), id, time.Second)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if got.State != domain.DeploymentSucceeded || polls.Load() != 3 {
		t.Fatalf("unexpected result %+v after %d polls", got, polls.Load())
	}
}

func TestWaitForCompletionTimesOut(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"execution_id":"exec-1","state":"running"}`))
	}))
	defer srv.Close()

	client, _ := New(srv.URL, "", 2*time.Millisecond, srv.Client(), testLogger())
	_, err := client.WaitForCompletion(context.Background(), "exec-1", 20*time.Millisecond)
	if !errors.Is(err, domain.ErrDeploymentTimeout) {
		t.Fatalf("expected ErrDeploymentTimeout, got %v", err)
	}
	if !domain.IsRetryable(err) {
		t.Fatal("timeouts should be retryable")
	}
}

func TestWaitForCompletionOutlivesCallerContext(t *testing.T) {
	var polls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		state := "running"
		if polls.Add(1) >= 5 {
			state = "succeeded"
		}
		_, _ = w.Write([]byte(`{"execution_id":"exec-1","state":"` + state + `"}`))
	}))
	defer srv.Close()

	client, _ := New(srv.URL, "", 10*time.Millisecond, srv.Client(), testLogger())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	got, err := client.WaitForCompletion(ctx, "exec-1", 30*time.Minute)
	if err != nil {
		t.Fatalf("wait ended early: %v", err)
	}
	if got.State != domain.DeploymentSucceeded || polls.Load() < 5 {
		t.Fatalf("unexpected result %+v after %d polls", got, polls.Load())
	}
}

func TestWaitForCompletionReportsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"execution_id":"exec-1","state":"failed","message":"crashloop"}`))
	}))
	defer srv.Close()

	client, _ := New(srv.URL, "", time.Millisecond, srv.Client(), testLogger())
	_, err := client.WaitForCompletion(context.Background(), "exec-1", time.Second)
	if !errors.Is(err, ErrDeploymentFailed) {
		t.Fatalf("expected ErrDeploymentFailed, got %v", err)
	}
}

func TestGetStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/applications/api/environments/staging/deployment" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`{"execution_id":"exec-9","application":"api","environment":"staging","state":"succeeded"}`))
	}))
	defer srv.Close()

	client, _ := New(srv.URL, "", 0, nil, testLogger())
	got, err := client.GetStatus(context.Background(), "api", "staging")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if got.ExecutionID != "exec-9" || got.State != domain.DeploymentSucceeded {
		t.Fatalf("unexpected status %+v", got)
	}
	if _, err := client.GetStatus(context.Background(), "nope", "staging"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
