package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/kiranshivaraju/corpusflow/internal/api/response"
	"github.com/kiranshivaraju/corpusflow/internal/jobs"
	"github.com/kiranshivaraju/corpusflow/internal/notify"
	"github.com/kiranshivaraju/corpusflow/pkg/models"
)

const (
	frameStatus  = "status"
	wsWriteWait  = 10 * time.Second
	wsReadLimit  = 1024
	defaultPulse = 15 * time.Second
)

// frame is one message on a streaming endpoint, SSE or WebSocket alike.
type frame struct {
	Type      string                    `json:"type"`
	Event     *models.NotificationEvent `json:"event,omitempty"`
	Timestamp time.Time                 `json:"timestamp"`
}

func statusFrame(evt models.NotificationEvent) frame {
	return frame{Type: frameStatus, Event: &evt, Timestamp: evt.Timestamp}
}

// StreamHandler pushes job status transitions to clients. Delivery is
// at-most-once, so every job stream opens with the persisted state.
type StreamHandler struct {
	manager   *jobs.Manager
	bus       notify.Bus
	heartbeat time.Duration
	upgrader  websocket.Upgrader
}

func NewStreamHandler(m *jobs.Manager, bus notify.Bus, heartbeat time.Duration) *StreamHandler {
	if heartbeat <= 0 {
		heartbeat = defaultPulse
	}
	return &StreamHandler{
		manager:   m,
		bus:       bus,
		heartbeat: heartbeat,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// API keys authenticate the request; browsers send no cookies we rely on.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// JobEvents handles GET /api/v1/jobs/{jobID}/events as Server-Sent Events.
// The stream ends after a terminal status.
func (h *StreamHandler) JobEvents(w http.ResponseWriter, r *http.Request) {
	job, sub, ok := h.openJob(w, r)
	if !ok {
		return
	}
	defer sub.Close()

	emit, ok := sseEmitter(w)
	if !ok {
		return
	}
	if err := h.followJob(r.Context(), job, sub, emit); err != nil {
		slog.Debug("sse stream closed", "job_id", job.ID, "error", err)
	}
}

// JobSocket handles GET /api/v1/jobs/{jobID}/ws with the same frames as
// JobEvents.
func (h *StreamHandler) JobSocket(w http.ResponseWriter, r *http.Request) {
	job, sub, ok := h.openJob(w, r)
	if !ok {
		return
	}
	defer sub.Close()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		slog.Debug("websocket upgrade failed", "job_id", job.ID, "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go drainReads(conn, cancel)

	emit := func(f frame) error {
		conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		return conn.WriteJSON(f)
	}
	if err := h.followJob(ctx, job, sub, emit); err != nil {
		slog.Debug("websocket stream closed", "job_id", job.ID, "error", err)
		return
	}
	conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "job finished"))
}

// OwnerEvents handles GET /api/v1/events: every transition of every job of
// the principal, until the client disconnects.
func (h *StreamHandler) OwnerEvents(w http.ResponseWriter, r *http.Request) {
	owner, ok := requireOwner(w, r)
	if !ok {
		return
	}
	sub, err := h.bus.Subscribe(r.Context(), notify.OwnerTopic(owner))
	if err != nil {
		writeError(w, r, err)
		return
	}
	defer sub.Close()

	emit, ok := sseEmitter(w)
	if !ok {
		return
	}
	if err := h.follow(r.Context(), sub, nil, emit, false); err != nil {
		slog.Debug("owner stream closed", "owner_id", owner, "error", err)
	}
}

// openJob subscribes before reading the job so no transition falls between
// the snapshot and the subscription.
func (h *StreamHandler) openJob(w http.ResponseWriter, r *http.Request) (*models.Job, *notify.Subscription, bool) {
	owner, ok := requireOwner(w, r)
	if !ok {
		return nil, nil, false
	}
	id, ok := uuidParam(w, r, "jobID")
	if !ok {
		return nil, nil, false
	}
	sub, err := h.bus.Subscribe(r.Context(), notify.JobTopic(id))
	if err != nil {
		writeError(w, r, err)
		return nil, nil, false
	}
	job, err := h.manager.Get(r.Context(), id)
	if err == nil && job.OwnerID != owner {
		sub.Close()
		response.Error(w, http.StatusNotFound, "RESOURCE_NOT_FOUND", "Resource not found", nil)
		return nil, nil, false
	}
	if err != nil {
		sub.Close()
		writeError(w, r, err)
		return nil, nil, false
	}
	return job, sub, true
}

func (h *StreamHandler) followJob(ctx context.Context, job *models.Job, sub *notify.Subscription, emit func(frame) error) error {
	snapshot := models.EventFromJob(job)
	if err := emit(statusFrame(snapshot)); err != nil {
		return err
	}
	if models.IsTerminalStatus(job.Status) {
		return nil
	}
	return h.follow(ctx, sub, &snapshot, emit, true)
}

// follow relays events, skipping those already covered by snapshot, and
// emits a heartbeat whenever the stream has been idle for one interval.
func (h *StreamHandler) follow(ctx context.Context, sub *notify.Subscription, snapshot *models.NotificationEvent, emit func(frame) error, stopOnTerminal bool) error {
	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-sub.C:
			if !ok {
				return nil
			}
			if snapshot != nil && stale(evt, *snapshot) {
				continue
			}
			if err := emit(statusFrame(evt)); err != nil {
				return err
			}
			if stopOnTerminal && models.IsTerminalStatus(evt.Status) {
				return nil
			}
			ticker.Reset(h.heartbeat)
		case now := <-ticker.C:
			if err := emit(frame{Type: models.EventTypeHeartbeat, Timestamp: now.UTC()}); err != nil {
				return err
			}
		}
	}
}

// stale reports whether snapshot already covers evt. Events are ordered by
// job version; a failed attempt is published under the version of its claim
// and differs from the snapshot only by its error.
func stale(evt, snapshot models.NotificationEvent) bool {
	if models.IsTerminalStatus(evt.Status) && !models.IsTerminalStatus(snapshot.Status) {
		return false
	}
	if evt.Version != snapshot.Version {
		return evt.Version < snapshot.Version
	}
	return evt.Status == snapshot.Status && evt.Error == snapshot.Error
}

func sseEmitter(w http.ResponseWriter) (func(frame) error, bool) {
	rc := http.NewResponseController(w)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	// Streams outlive the server's WriteTimeout.
	_ = rc.SetWriteDeadline(time.Time{})
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		slog.Error("streaming unsupported by response writer", "error", err)
		return nil, false
	}

	return func(f frame) error {
		data, err := json.Marshal(f)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", f.Type, data); err != nil {
			return err
		}
		return rc.Flush()
	}, true
}

// drainReads discards client messages and cancels once the peer goes away.
func drainReads(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	conn.SetReadLimit(wsReadLimit)
	for {
		if _, _, err := conn.NextReader(); err != nil {
			return
		}
	}
}
