package logs

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/splax/shipyard/internal/domain"
	"github.com/splax/shipyard/internal/repository"
	"github.com/splax/shipyard/internal/ws"
)

// Service persists release log lines and streams them to live observers.
type Service struct {
	repo   repository.LogRepository
	hub    *ws.Hub
	logger *slog.Logger
	now    func() time.Time
}

// New constructs a log service.
func New(repo repository.LogRepository, hub *ws.Hub, logger *slog.Logger) Service {
	return Service{repo: repo, hub: hub, logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

// Append stores and broadcasts a log entry.
func (s Service) Append(ctx context.Context, entry domain.LogEntry) (domain.LogEntry, error) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = s.now()
	}
	entry.Timestamp = entry.Timestamp.UTC()
	entry.Message = strings.TrimSpace(entry.Message)
	if entry.Level == "" {
		entry.Level = domain.LogLevelInfo
	}
	if err := s.repo.AppendLog(ctx, &entry); err != nil {
		return domain.LogEntry{}, err
	}
	s.Publish(entry)
	return entry, nil
}

// Publish pushes an already stored entry to subscribers of its release.
func (s Service) Publish(entry domain.LogEntry) {
	if s.hub == nil {
		return
	}
	data, err := MarshalEntry(entry)
	if err != nil {
		s.logger.Warn("failed to marshal log payload", "error", err)
		return
	}
	s.hub.Broadcast(entry.ReleaseID, data)
}

// List returns logs for a release ordered by timestamp.
func (s Service) List(ctx context.Context, releaseID string, limit, offset int) ([]domain.LogEntry, error) {
	return s.repo.ListLogs(ctx, releaseID, limit, offset)
}

// Hub returns the stream hub (useful for HTTP handlers).
func (s Service) Hub() *ws.Hub {
	return s.hub
}

// MarshalEntry formats a release log for streaming payloads.
func MarshalEntry(entry domain.LogEntry) ([]byte, error) {
	payload := map[string]any{
		"id":         entry.ID,
		"release_id": entry.ReleaseID,
		"step_id":    entry.StepID,
		"level":      entry.Level,
		"message":    entry.Message,
		"timestamp":  entry.Timestamp.Format(time.RFC3339Nano),
	}
	return json.Marshal(payload)
}
