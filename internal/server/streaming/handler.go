package streaming

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/acp2/acp2/internal/common/errors"
	"github.com/acp2/acp2/internal/common/logger"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// The bearer token is the trust boundary, not the Origin header.
		return true
	},
}

// Handler upgrades firehose connections and hands them to the hub.
type Handler struct {
	hub    *Hub
	token  string
	logger *logger.Logger
}

// NewHandler creates a websocket handler. token is the north-side
// bearer token; empty disables the check, mirroring the HTTP surface.
func NewHandler(hub *Hub, token string, log *logger.Logger) *Handler {
	return &Handler{
		hub:    hub,
		token:  token,
		logger: log.WithFields(zap.String("component", "ws_handler")),
	}
}

// ServeWS handles the firehose endpoint. Browsers cannot set headers on
// websocket upgrades, so the token is accepted from the Authorization
// header or a ?token= query parameter.
// GET /ws
func (h *Handler) ServeWS(c *gin.Context) {
	if !h.authorized(c) {
		appErr := errors.AuthError("missing or invalid credentials")
		c.AbortWithStatusJSON(appErr.HTTPStatus, appErr.Response())
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("failed to upgrade connection", zap.Error(err))
		return
	}

	client := NewClient(uuid.New().String(), conn, h.hub, h.logger)
	h.hub.Register(client)

	h.logger.Info("websocket connection established",
		zap.String("client_id", client.ID))

	go client.WritePump()
	go client.ReadPump()
}

func (h *Handler) authorized(c *gin.Context) bool {
	if h.token == "" {
		return true
	}

	provided := c.Query("token")
	if provided == "" {
		header := c.GetHeader("Authorization")
		provided = strings.TrimPrefix(header, "Bearer ")
		if provided == header {
			provided = ""
		}
	}
	return subtle.ConstantTimeCompare([]byte(provided), []byte(h.token)) == 1
}
