package ws

import (
	"context"
	"time"

	"github.com/dkeye/salescall/internal/core"
	"github.com/gorilla/websocket"
)

func (c *Channel) pongWait() time.Duration {
	return c.opts.PingPeriod + c.opts.PingPeriod/2
}

func (c *Channel) writePump(ctx context.Context, live *wsConn) {
	ticker := time.NewTicker(c.opts.PingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Frames written before the socket died are gone; the rest stays queued.
			return
		case <-live.kick:
			if err := c.flush(live); err != nil {
				c.log.Error().Err(err).Msg("writePump control write")
				return
			}
		case f := <-live.binary:
			if err := live.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.log.Error().Err(err).Msg("writePump set deadline")
				return
			}
			if err := live.conn.WriteMessage(websocket.BinaryMessage, f); err != nil {
				c.log.Error().Err(err).Msg("writePump binary write")
				return
			}
		case <-ticker.C:
			if err := live.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.log.Error().Err(err).Msg("writePump ping")
				return
			}
		}
	}
}

func (c *Channel) flush(live *wsConn) error {
	batch := c.takePending()
	for i, f := range batch {
		if err := live.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
			c.requeue(batch[i:])
			return err
		}
		if err := live.conn.WriteMessage(websocket.TextMessage, f.data); err != nil {
			c.requeue(batch[i:])
			return err
		}
	}
	return nil
}

func (c *Channel) readPump(ctx context.Context, live *wsConn) {
	defer c.log.Info().Msg("readPump closing")

	wait := c.pongWait()
	_ = live.conn.SetReadDeadline(time.Now().Add(wait))
	live.conn.SetPongHandler(func(string) error {
		return live.conn.SetReadDeadline(time.Now().Add(wait))
	})

	for {
		mt, data, err := live.conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				c.log.Warn().Err(err).Msg("readPump read error")
			}
			return
		}
		kind := core.TextFrame
		if mt == websocket.BinaryMessage {
			kind = core.BinaryFrame
		}
		if c.listener != nil {
			c.listener.OnFrame(c.opts.Name, kind, data)
		}
	}
}
