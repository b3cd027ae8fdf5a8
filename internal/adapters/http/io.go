package http

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	writeWait  = 5 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleEvents upgrades a UI connection and subscribes it to the hub.
func (h *Hub) HandleEvents(ctx context.Context, c *gin.Context) {
	sid := c.GetString("client_token")
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "adapters.http").Msg("ws upgrade")
		return
	}
	log.Info().Str("module", "adapters.http").Str("sid", sid).Msg("ui subscriber connected")

	s := &subscriber{token: sid, conn: ws, send: make(chan []byte, h.buffer)}
	h.add(s)

	ctx, cancel := context.WithCancel(ctx)
	context.AfterFunc(ctx, func() { h.remove(s) })
	go h.writePump(ctx, s)
	go h.readPump(ctx, cancel, s)
}

func (h *Hub) writePump(ctx context.Context, s *subscriber) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-s.send:
			if !ok {
				return
			}
			if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				log.Error().Err(err).Str("module", "adapters.http").Msg("writePump set deadline")
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "adapters.http").Msg("writePump write error")
				return
			}
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

// readPump only watches for the UI going away.
func (h *Hub) readPump(ctx context.Context, cancel context.CancelFunc, s *subscriber) {
	defer func() {
		log.Info().Str("module", "adapters.http").Str("sid", s.token).Msg("readPump closing")
		cancel()
		h.remove(s)
	}()
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if ctx.Err() != nil {
			return
		}
		if _, _, err := s.conn.ReadMessage(); err != nil {
			return
		}
	}
}
