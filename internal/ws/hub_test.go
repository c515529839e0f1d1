package ws

import (
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

type recordingSubscriber struct {
	mu       sync.Mutex
	payloads []string
	fail     bool
	closed   bool
}

func (s *recordingSubscriber) Send(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("broken pipe")
	}
	s.payloads = append(s.payloads, string(payload))
	return nil
}

func (s *recordingSubscriber) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

func (s *recordingSubscriber) snapshot() ([]string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.payloads...), s.closed
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestHubRoutesByRelease(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	a := &recordingSubscriber{}
	b := &recordingSubscriber{}
	hub.Register("rel-a", a)
	hub.Register("rel-b", b)
	hub.Broadcast("rel-a", []byte("one"))
	hub.Broadcast("rel-b", []byte("two"))

	if hub.Subscribers("rel-a") != 1 {
		t.Fatal("expected one subscriber for rel-a")
	}
	waitFor(t, "delivery to a", func() bool { got, _ := a.snapshot(); return len(got) == 1 })
	waitFor(t, "delivery to b", func() bool { got, _ := b.snapshot(); return len(got) == 1 })
	if got, _ := a.snapshot(); got[0] != "one" {
		t.Fatalf("unexpected payloads for a: %v", got)
	}
	if got, _ := b.snapshot(); got[0] != "two" {
		t.Fatalf("unexpected payloads for b: %v", got)
	}
}

func TestHubDropsFailingSubscribers(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	broken := &recordingSubscriber{fail: true}
	hub.Register("rel", broken)
	hub.Broadcast("rel", []byte("x"))
	waitFor(t, "failing subscriber removal", func() bool { return hub.Subscribers("rel") == 0 })
	if _, closed := broken.snapshot(); !closed {
		t.Fatal("expected failing subscriber to be closed")
	}
}

type stalledSubscriber struct {
	unblock chan struct{}
	closed  chan struct{}
	once    sync.Once
}

func (s *stalledSubscriber) Send([]byte) error {
	<-s.unblock
	return nil
}

func (s *stalledSubscriber) Close() {
	s.once.Do(func() { close(s.closed) })
}

func TestSlowSubscriberDoesNotBlockBroadcast(t *testing.T) {
	hub := NewHubWithQueue(4)
	slow := &stalledSubscriber{unblock: make(chan struct{}), closed: make(chan struct{})}
	fast := &recordingSubscriber{}
	hub.Register("rel", slow)
	hub.Register("rel", fast)

	const lines = 12
	finished := make(chan struct{})
	go func() {
		for i := 0; i < lines; i++ {
			hub.Broadcast("rel", []byte("line"))
			time.Sleep(time.Millisecond)
		}
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast blocked behind a stalled subscriber")
	}
	// The stalled subscriber holds one payload in Send and four queued.
	if dropped := hub.Dropped(); dropped < lines-5 {
		t.Fatalf("expected at least %d dropped payloads, got %d", lines-5, dropped)
	}
	waitFor(t, "fast subscriber delivery", func() bool { got, _ := fast.snapshot(); return len(got) > 0 })

	close(slow.unblock)
	hub.Close()
	select {
	case <-slow.closed:
	case <-time.After(time.Second):
		t.Fatal("expected stalled subscriber to be closed with the hub")
	}
}

func TestHubCloseClosesSubscribers(t *testing.T) {
	hub := NewHub()
	sub := &recordingSubscriber{}
	hub.Register("rel", sub)
	hub.Subscribers("rel")
	hub.Close()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if _, closed := sub.snapshot(); closed {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if _, closed := sub.snapshot(); !closed {
		t.Fatal("expected subscriber to be closed with the hub")
	}
	hub.Broadcast("rel", []byte("late"))
	if hub.Subscribers("rel") != 0 {
		t.Fatal("closed hub should report no subscribers")
	}
}

func TestSSEClientFrames(t *testing.T) {
	rec := httptest.NewRecorder()
	client := NewSSEClient(rec, rec, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err := client.Send([]byte(`{"message":"hi"}`)); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := client.Heartbeat(); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	client.Close()
	select {
	case <-client.Done():
	default:
		t.Fatal("expected done channel to be closed")
	}
	if err := client.Send([]byte("late")); !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF after close, got %v", err)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "event: log\ndata: {\"message\":\"hi\"}\n\n") || !strings.Contains(body, ": ping") {
		t.Fatalf("unexpected stream %q", body)
	}
}
