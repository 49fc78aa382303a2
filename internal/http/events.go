package httpx

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/splax/launchpad/internal/ws"
)

// handleEvents streams deployment status events of one project over a websocket.
func (r *Router) handleEvents(w http.ResponseWriter, req *http.Request) {
	userID, ok := r.userID(w, req)
	if !ok {
		return
	}
	projectID := chi.URLParam(req, "projectID")
	if !r.ownProject(w, req, userID, projectID) {
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err, "project_id", projectID)
		return
	}
	client := ws.NewClient(conn, r.logger)
	r.deps.Events.Register(projectID, client)
	go func() {
		defer func() {
			r.deps.Events.Unregister(projectID, client)
			client.Close()
		}()
		client.Wait(eventsPingInterval)
	}()
}

// handleEventStream delivers the same events as handleEvents over
// Server-Sent Events for clients that cannot hold a websocket open.
func (r *Router) handleEventStream(w http.ResponseWriter, req *http.Request) {
	userID, ok := r.userID(w, req)
	if !ok {
		return
	}
	projectID := chi.URLParam(req, "projectID")
	if !r.ownProject(w, req, userID, projectID) {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	client := ws.NewSSEClient(w, flusher, r.logger)
	r.deps.Events.Register(projectID, client)
	defer func() {
		r.deps.Events.Unregister(projectID, client)
		client.Close()
	}()

	ticker := time.NewTicker(r.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-req.Context().Done():
			return
		case <-client.Done():
			return
		case <-ticker.C:
			if time.Since(client.LastActivity()) < r.heartbeat {
				continue
			}
			if err := client.Heartbeat(); err != nil {
				return
			}
		}
	}
}
