package ingest

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/splatbox/backend/internal/models"
	"github.com/splatbox/backend/internal/scenes"
	"github.com/splatbox/backend/pkg/response"
)

const (
	pingInterval = 30 * time.Second
	pongWait     = 60 * time.Second
	writeWait    = 10 * time.Second
	eventBuffer  = 16
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // allow all origins in dev; restrict in production
	},
}

// StreamMessage is one frame on the status stream.
type StreamMessage struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data"`
}

const (
	eventSnapshot = "snapshot"
	eventStatus   = "status"
)

// Events handles GET /scenes/:id/events. It upgrades to a websocket, sends the
// current status, then every status change until the scene is terminal.
func (h *Handler) Events(c *gin.Context) {
	if h.events == nil {
		response.ServiceUnavailable(c, "event stream not configured")
		return
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid scene id")
		return
	}
	if _, err := h.reader.GetByID(c.Request.Context(), id); err != nil {
		h.writeError(c, err)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.WithoutCancel(c.Request.Context()))
	defer cancel()

	send := make(chan scenes.Event, eventBuffer)
	unsubscribe, err := h.events.Subscribe(ctx, id, func(ev scenes.Event) {
		select {
		case send <- ev:
		default:
			h.logger.Warn("status stream slow, dropping event", zap.String("scene_id", id.String()))
		}
	})
	if err != nil {
		h.logger.Error("subscribe scene events", zap.String("scene_id", id.String()), zap.Error(err))
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "events unavailable"), time.Now().Add(writeWait))
		return
	}
	defer unsubscribe()

	// Read the snapshot after subscribing so no transition falls in between.
	rec, err := h.reader.GetByID(ctx, id)
	if err != nil {
		h.logger.Warn("load scene for stream", zap.String("scene_id", id.String()), zap.Error(err))
		return
	}

	go readPump(conn, cancel)
	h.writePump(ctx, conn, rec, send)
}

// readPump discards client frames and cancels the stream when the peer goes away.
func readPump(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.NextReader(); err != nil {
			return
		}
	}
}

func (h *Handler) writePump(ctx context.Context, conn *websocket.Conn, rec *models.SceneRecord, send <-chan scenes.Event) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	write := func(msg StreamMessage) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteJSON(msg) == nil
	}
	closeNormal := func() {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "scene finished"), time.Now().Add(writeWait))
	}

	if !write(StreamMessage{Event: eventSnapshot, Data: viewOf(rec)}) {
		return
	}
	if rec.Status.IsTerminal() {
		closeNormal()
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-send:
			if !write(StreamMessage{Event: eventStatus, Data: ev}) {
				return
			}
			if ev.To.IsTerminal() {
				closeNormal()
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
