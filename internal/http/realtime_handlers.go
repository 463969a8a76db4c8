package httpx

import (
	"net/http"
	"time"

	"github.com/JoeProAI/neural-weights-hub/internal/service/activity"
	"github.com/JoeProAI/neural-weights-hub/internal/ws"
)

const (
	activityPageSize = 50
	activityBackfill = 20
)

func (r *Router) handleActivity(w http.ResponseWriter, req *http.Request) {
	if r.svc.Activity == nil || r.svc.Sandboxes == nil {
		unavailable(w, "activity")
		return
	}
	id := req.PathValue("id")
	if _, err := r.svc.Sandboxes.Get(req.Context(), currentUser(req), id); err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	limit := queryInt(req, "limit", activityPageSize)
	offset := queryInt(req, "offset", 0)
	entries, err := r.svc.Activity.List(req.Context(), id, limit, offset)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"activity": entries, "count": len(entries)})
}

// handleActivityStream replays recent activity oldest first, then streams
// live entries until the client goes away.
func (r *Router) handleActivityStream(w http.ResponseWriter, req *http.Request) {
	if r.svc.Activity == nil || r.svc.Sandboxes == nil || r.svc.Activity.Hub() == nil {
		unavailable(w, "activity")
		return
	}
	flusher, ok := w.(http.Flusher)
	if rec, wrapped := w.(*statusRecorder); wrapped {
		ok = rec.flushable()
	}
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	id := req.PathValue("id")
	ctx := req.Context()
	if _, err := r.svc.Sandboxes.Get(ctx, currentUser(req), id); err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	recent, err := r.svc.Activity.List(ctx, id, queryInt(req, "backfill", activityBackfill), 0)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}

	headers := w.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	headers.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	client := ws.NewSSEClient(w, flusher, "activity", r.logger)
	if err := client.Open(sseRetryMillis); err != nil {
		return
	}
	for i := len(recent) - 1; i >= 0; i-- {
		payload, err := activity.MarshalEntry(recent[i])
		if err != nil {
			continue
		}
		if err := client.Send(payload); err != nil {
			return
		}
	}

	hub := r.svc.Activity.Hub()
	hub.Register(id, client)
	r.trackRealtime("sse", 1)
	defer func() {
		hub.Unregister(id, client)
		client.Close()
		r.trackRealtime("sse", -1)
	}()

	ticker := time.NewTicker(r.sseHeartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := client.Heartbeat(); err != nil {
				return
			}
		}
	}
}

// handleCollaborate upgrades the connection and hands it to the relay. The
// relay authenticates the socket itself from its first frame.
func (r *Router) handleCollaborate(w http.ResponseWriter, req *http.Request) {
	if r.svc.Collab == nil {
		unavailable(w, "collaboration")
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	done := make(chan struct{})
	go client.KeepAlive(done)
	r.trackRealtime("websocket", 1)
	defer func() {
		close(done)
		client.Close()
		r.trackRealtime("websocket", -1)
	}()
	if err := r.svc.Collab.Serve(req.Context(), client); err != nil {
		r.logger.Debug("collaboration session ended", "error", err)
	}
}
