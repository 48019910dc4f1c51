package http

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"media-stream/internal/events"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 30 * time.Second
	wsReadLimit  = 512
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

type wsMessage struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// streamEvents upgrades to a websocket, sends the current record as a
// snapshot and then relays the download's events until it ends or the
// client goes away.
// A job writes its final record before it leaves the manager, so once
// subscribed an inactive download has nothing left to publish.
func (h *Handler) streamEvents(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	feed, unsubscribe := h.bus.Subscribe(id)
	defer unsubscribe()

	active := h.manager.IsActive(id)
	d, err := h.downloads.GetDownload(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}

	conn, err := wsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.WithError(err).WithField("download_id", id).Warn("websocket upgrade failed")
		return
	}
	defer conn.Close()

	logger := h.logger.WithField("download_id", id)
	logger.Debug("websocket client connected")

	gone := make(chan struct{})
	go readPump(conn, gone)

	if err := writeJSON(conn, wsMessage{Type: "snapshot", Data: downloadToResponse(*d, active)}); err != nil {
		return
	}
	if !active {
		reason := "download not running"
		if d.State.Terminal() {
			reason = "download ended"
		}
		closeConn(conn, reason)
		return
	}

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-feed:
			if !ok {
				closeConn(conn, "subscription closed")
				return
			}
			if err := writeJSON(conn, wsMessage{Type: string(ev.Type), Data: ev}); err != nil {
				logger.WithError(err).Debug("websocket write failed")
				return
			}
			if terminal(ev.Type) {
				closeConn(conn, "download ended")
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-gone:
			logger.Debug("websocket client disconnected")
			return
		case <-c.Request.Context().Done():
			return
		}
	}
}

// readPump drains client frames so pongs and close frames are processed.
func readPump(conn *websocket.Conn, gone chan<- struct{}) {
	defer close(gone)
	conn.SetReadLimit(wsReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func writeJSON(conn *websocket.Conn, msg wsMessage) error {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return conn.WriteJSON(msg)
}

func closeConn(conn *websocket.Conn, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason),
		time.Now().Add(wsWriteWait))
}

func terminal(t events.Type) bool {
	switch t {
	case events.TypeFinished, events.TypeAborted, events.TypeCancelled, events.TypeFailed:
		return true
	}
	return false
}
