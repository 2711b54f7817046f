package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/acp2/acp2/internal/agent/registry"
	"github.com/acp2/acp2/internal/common/errors"
	"github.com/acp2/acp2/internal/common/logger"
	"github.com/acp2/acp2/internal/run"
	"github.com/acp2/acp2/internal/session"
	"github.com/acp2/acp2/internal/session/store"
	v1 "github.com/acp2/acp2/pkg/api/v1"
)

// Handler contains the HTTP handlers for the bridge API.
type Handler struct {
	runs     *run.Manager
	sessions *session.Manager
	store    store.Store
	registry *registry.Registry
	logger   *logger.Logger
}

// NewHandler creates an API handler.
func NewHandler(runs *run.Manager, sessions *session.Manager, st store.Store, reg *registry.Registry, log *logger.Logger) *Handler {
	return &Handler{
		runs:     runs,
		sessions: sessions,
		store:    st,
		registry: reg,
		logger:   log,
	}
}

// respondError renders any error as its taxonomy envelope.
func respondError(c *gin.Context, err error) {
	appErr := errors.From(err)
	c.JSON(appErr.HTTPStatus, appErr.Response())
}

// Ping is the unauthenticated health check.
// GET /ping
func (h *Handler) Ping(c *gin.Context) {
	c.JSON(http.StatusOK, v1.PingResponse{Status: "ok"})
}

// ListAgents returns the manifest of every configured agent.
// GET /agents
func (h *Handler) ListAgents(c *gin.Context) {
	specs := h.registry.List()
	agents := make([]v1.AgentManifest, 0, len(specs))
	for _, spec := range specs {
		agents = append(agents, h.registry.Manifest(spec))
	}
	c.JSON(http.StatusOK, v1.AgentListResponse{Agents: agents})
}

// GetAgent returns one agent manifest.
// GET /agents/:name
func (h *Handler) GetAgent(c *gin.Context) {
	manifest, err := h.registry.ManifestFor(c.Param("name"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, manifest)
}

// CreateRun accepts a run request and delivers it in the requested
// mode: a single JSON body for sync, an SSE stream for stream.
// POST /runs
func (h *Handler) CreateRun(c *gin.Context) {
	var req v1.RunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, errors.BadRequest(fmt.Sprintf("invalid run request: %v", err)))
		return
	}

	r, err := h.runs.Submit(&req)
	if err != nil {
		respondError(c, err)
		return
	}

	if r.Mode == v1.RunModeStream {
		h.streamRun(c, r)
		return
	}

	// Sync: await the terminal state. The worker is detached from the
	// request context; a disconnected client does not stop the run.
	<-r.Done()
	snap := r.Snapshot()
	switch snap.Status {
	case v1.RunStatusFailed:
		respondError(c, r.Err())
	default:
		c.JSON(http.StatusOK, v1.RunResponse{
			RunID:  snap.RunID,
			Status: snap.Status,
			Output: snap.Output,
		})
	}
}

// streamRun forwards run events as SSE frames until the terminal event.
func (h *Handler) streamRun(c *gin.Context, r *run.Run) {
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	for {
		select {
		case ev, ok := <-r.Events():
			if !ok {
				return
			}
			data, err := json.Marshal(ev.Data)
			if err != nil {
				h.logger.Error("failed to encode stream frame",
					zap.String("run_id", r.ID), zap.Error(err))
				continue
			}
			if _, err := fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", ev.Name, data); err != nil {
				// Client went away; the run continues on its own.
				h.logger.Debug("stream client disconnected",
					zap.String("run_id", r.ID))
				return
			}
			c.Writer.Flush()
		case <-c.Request.Context().Done():
			h.logger.Debug("stream client disconnected",
				zap.String("run_id", r.ID))
			return
		}
	}
}

// GetRun returns the current state of a run.
// GET /runs/:runId
func (h *Handler) GetRun(c *gin.Context) {
	snap, err := h.runs.Get(c.Param("runId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

// CancelRun requests cancellation of an in-progress run.
// POST /runs/:runId/cancel
func (h *Handler) CancelRun(c *gin.Context) {
	snap, err := h.runs.Cancel(c.Param("runId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, v1.CancelResponse{RunID: snap.RunID, Status: snap.Status})
}

// ListSessions returns persisted sessions, newest activity first.
// GET /sessions
func (h *Handler) ListSessions(c *gin.Context) {
	filter := store.ListFilter{
		AgentName: c.Query("agent"),
		Status:    v1.SessionStatus(c.Query("status")),
	}
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			respondError(c, errors.BadRequest("limit must be a non-negative integer"))
			return
		}
		filter.Limit = limit
	}
	if raw := c.Query("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil || offset < 0 {
			respondError(c, errors.BadRequest("offset must be a non-negative integer"))
			return
		}
		filter.Offset = offset
	}

	sessions, err := h.store.ListSessions(c.Request.Context(), filter)
	if err != nil {
		respondError(c, err)
		return
	}

	out := make([]v1.Session, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, sessionToView(sess))
	}
	c.JSON(http.StatusOK, v1.SessionListResponse{Sessions: out})
}

// GetSession returns one session with its full transcript.
// GET /sessions/:sessionId
func (h *Handler) GetSession(c *gin.Context) {
	sessionID := c.Param("sessionId")

	sess, err := h.store.GetSession(c.Request.Context(), sessionID)
	if err != nil {
		respondError(c, err)
		return
	}
	msgs, err := h.store.ListMessages(c.Request.Context(), sessionID, 0, 0)
	if err != nil {
		respondError(c, err)
		return
	}

	out := v1.SessionDetailResponse{
		Session:  sessionToView(sess),
		Messages: make([]v1.Message, 0, len(msgs)),
	}
	for _, msg := range msgs {
		out.Messages = append(out.Messages, v1.Message{
			Sequence:  msg.Sequence,
			Role:      msg.Role,
			Content:   msg.Content,
			CreatedAt: msg.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, out)
}

// DeleteSession terminates and removes a session with its transcript.
// DELETE /sessions/:sessionId
func (h *Handler) DeleteSession(c *gin.Context) {
	if err := h.sessions.Delete(c.Request.Context(), c.Param("sessionId")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func sessionToView(sess *store.Session) v1.Session {
	return v1.Session{
		ID:           sess.ID,
		AgentName:    sess.AgentName,
		Status:       sess.Status,
		CreatedAt:    sess.CreatedAt,
		LastActiveAt: sess.LastActiveAt,
		MessageCount: sess.MessageCount,
	}
}
