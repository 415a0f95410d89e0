package controller

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"runlab/internal/exec/coordinator"
	"runlab/pkg/utils/logger"
	"runlab/pkg/utils/response"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// Auth and origin policy live in the gateway in front of us.
		return true
	},
}

// StreamController serves the live event stream over websocket.
type StreamController struct {
	coordinator *coordinator.Coordinator
}

// NewStreamController creates the controller.
func NewStreamController(c *coordinator.Coordinator) *StreamController {
	return &StreamController{coordinator: c}
}

// RegisterRoutes mounts the stream endpoint on the group.
func (ctl *StreamController) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/executions/:id/events", ctl.Events)
}

// Events upgrades to websocket and relays the execution's event stream.
// from_seq replays buffered events starting at that sequence number.
func (ctl *StreamController) Events(c *gin.Context) {
	execID := c.Param("id")
	if execID == "" {
		response.BadRequest(c, "execution id is required")
		return
	}
	var fromSeq uint64
	if raw := c.Query("from_seq"); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			response.BadRequest(c, "from_seq must be a non-negative integer")
			return
		}
		fromSeq = parsed
	}

	sub, err := ctl.coordinator.Subscribe(execID, fromSeq)
	if err != nil {
		response.Error(c, err)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		sub.Close()
		logger.Warn(c.Request.Context(), "websocket upgrade failed",
			zap.String("execution_id", execID), zap.Error(err))
		return
	}
	defer conn.Close()
	defer sub.Close()

	// Reader goroutine notices client disconnect; we never expect payloads.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream ended"))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
