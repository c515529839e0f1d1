package logs

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/splax/shipyard/internal/domain"
	"github.com/splax/shipyard/internal/ws"
)

type stubLogRepo struct {
	entries []domain.LogEntry
}

func (r *stubLogRepo) AppendLog(_ context.Context, entry *domain.LogEntry) error {
	entry.ID = int64(len(r.entries) + 1)
	r.entries = append(r.entries, *entry)
	return nil
}

func (r *stubLogRepo) ListLogs(_ context.Context, releaseID string, limit, offset int) ([]domain.LogEntry, error) {
	var out []domain.LogEntry
	for _, e := range r.entries {
		if e.ReleaseID == releaseID {
			out = append(out, e)
		}
	}
	return out, nil
}

type captureSubscriber struct {
	mu       sync.Mutex
	payloads [][]byte
}

func (c *captureSubscriber) Send(p []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.payloads = append(c.payloads, p)
	return nil
}

func (c *captureSubscriber) Close() {}

func (c *captureSubscriber) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.payloads)
}

func TestAppendStoresAndBroadcasts(t *testing.T) {
	hub := ws.NewHub()
	defer hub.Close()
	repo := &stubLogRepo{}
	svc := New(repo, hub, slog.New(slog.NewTextHandler(io.Discard, nil)))

	sub := &captureSubscriber{}
	hub.Register("rel-1", sub)

	stepID := "step-1"
	stored, err := svc.Append(context.Background(), domain.LogEntry{ReleaseID: "rel-1", StepID: &stepID, Message: "  branch created  "})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if stored.ID != 1 || stored.Level != domain.LogLevelInfo || stored.Message != "branch created" || stored.Timestamp.IsZero() {
		t.Fatalf("unexpected stored entry %+v", stored)
	}
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && sub.count() == 0 {
		time.Sleep(5 * time.Millisecond)
	}

	sub.mu.Lock()
	defer sub.mu.Unlock()
	if len(sub.payloads) != 1 {
		t.Fatalf("expected 1 broadcast payload, got %d", len(sub.payloads))
	}
	var decoded map[string]any
	if err := json.Unmarshal(sub.payloads[0], &decoded); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if decoded["release_id"] != "rel-1" || decoded["step_id"] != "step-1" || decoded["message"] != "branch created" {
		t.Fatalf("unexpected payload %v", decoded)
	}
}

func TestListDelegatesToRepository(t *testing.T) {
	repo := &stubLogRepo{}
	svc := New(repo, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	for _, id := range []string{"a", "b", "a"} {
		if _, err := svc.Append(context.Background(), domain.LogEntry{ReleaseID: id, Message: "m"}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	entries, err := svc.List(context.Background(), "a", 10, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries for release a, got %d", len(entries))
	}
}
