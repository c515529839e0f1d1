package httpx

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/splax/shipyard/internal/service/logs"
	"github.com/splax/shipyard/internal/ws"
)

func (r *Router) handleReleaseStream(w http.ResponseWriter, req *http.Request, releaseID string) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	if _, err := r.releases.GetReleaseStatus(req.Context(), releaseID); err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	hub := r.logs.Hub()
	if hub == nil {
		writeError(w, http.StatusServiceUnavailable, "log streaming disabled")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	headers := w.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	headers.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	client := ws.NewSSEClient(w, flusher, r.logger)
	hub.Register(releaseID, client)
	defer func() {
		hub.Unregister(releaseID, client)
		client.Close()
	}()
	if err := r.sendBacklog(req.Context(), releaseID, client); err != nil {
		return
	}

	ticker := time.NewTicker(r.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-req.Context().Done():
			return
		case <-client.Done():
			return
		case <-ticker.C:
			if err := client.Heartbeat(); err != nil {
				return
			}
		}
	}
}

func (r *Router) handleReleasesWS(w http.ResponseWriter, req *http.Request) {
	if _, ok := authInfoFromContext(req.Context()); !ok {
		r.logger.Error("auth context missing for release websocket", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, "authorization context missing")
		return
	}
	releaseID := strings.TrimSpace(req.URL.Query().Get("release_id"))
	if releaseID == "" {
		writeError(w, http.StatusBadRequest, "release_id query parameter required")
		return
	}
	if _, err := r.releases.GetReleaseStatus(req.Context(), releaseID); err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	hub := r.logs.Hub()
	if hub == nil {
		writeError(w, http.StatusServiceUnavailable, "log streaming disabled")
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	hub.Register(releaseID, client)
	go func() {
		defer func() {
			hub.Unregister(releaseID, client)
			client.Close()
		}()
		if err := r.sendBacklog(context.Background(), releaseID, client); err != nil {
			return
		}
		client.Drain()
	}()
}

// sendBacklog replays stored lines to a freshly registered subscriber. Lines
// appended meanwhile may arrive twice; subscribers dedupe on id.
func (r *Router) sendBacklog(ctx context.Context, releaseID string, sub ws.Subscriber) error {
	entries, err := r.releases.GetReleaseLogs(ctx, releaseID, streamBacklog, 0)
	if err != nil {
		r.logger.Warn("failed to load log backlog", "release_id", releaseID, "error", err)
		return nil
	}
	for _, entry := range entries {
		payload, err := logs.MarshalEntry(entry)
		if err != nil {
			continue
		}
		if err := sub.Send(payload); err != nil {
			return err
		}
	}
	return nil
}
