package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/mossy-p/callrelay/internal/models"
	"github.com/mossy-p/callrelay/internal/signaling"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin checking is handled by middleware
		return true
	},
}

// feed streams one room's events to one websocket client
type feed struct {
	conn *websocket.Conn
	sub  *signaling.Subscription
	log  zerolog.Logger
}

// HandleFeed upgrades to a websocket carrying the room's events: the current
// record and relayed candidates first, then live changes.
func (h *Handler) HandleFeed(c *gin.Context) {
	roomID := c.Param("roomId")

	if _, err := h.rooms.Authorize(c.Request.Context(), roomID, c.Query("password")); err != nil {
		writeError(c, err)
		return
	}

	sub, err := h.events.Subscribe(c.Request.Context(), roomID)
	if err != nil {
		writeError(c, err)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("room", roomID).Msg("Failed to upgrade connection")
		_ = sub.Close()
		return
	}

	f := &feed{
		conn: conn,
		sub:  sub,
		log:  log.With().Str("room", roomID).Str("remote", c.ClientIP()).Logger(),
	}
	h.metrics.Subscribers.Inc()
	f.log.Debug().Msg("feed opened")

	go func() {
		f.writePump()
		h.metrics.Subscribers.Dec()
	}()
	go f.readPump()
}

// readPump only services control frames; the feed is one way. It returns
// when the client goes away and cancels the subscription.
func (f *feed) readPump() {
	defer func() {
		_ = f.sub.Close()
		f.conn.Close()
	}()

	f.conn.SetReadLimit(512)
	f.conn.SetReadDeadline(time.Now().Add(pongWait))
	f.conn.SetPongHandler(func(string) error {
		f.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := f.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				f.log.Warn().Err(err).Msg("WebSocket error")
			}
			return
		}
	}
}

func (f *feed) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = f.sub.Close()
		f.conn.Close()
		f.log.Debug().Msg("feed closed")
	}()

	for {
		select {
		case ev, ok := <-f.sub.Events():
			if f.cancelled() {
				return
			}
			f.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// the source stopped on its own; tell the client why
				if err := f.sub.Err(); err != nil {
					f.write(models.Event{Type: models.SignalTypeError, RoomID: f.sub.RoomID(), Error: err.Error()})
				}
				f.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := f.write(ev); err != nil {
				f.log.Warn().Err(err).Msg("Failed to write event")
				return
			}

		case <-ticker.C:
			f.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := f.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-f.sub.Done():
			return
		}
	}
}

// cancelled wins over an event that was ready at the same time
func (f *feed) cancelled() bool {
	select {
	case <-f.sub.Done():
		return true
	default:
		return false
	}
}

func (f *feed) write(ev models.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return f.conn.WriteMessage(websocket.TextMessage, data)
}
