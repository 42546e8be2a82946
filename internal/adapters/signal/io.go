package signal

import (
	"context"
	"errors"
	"time"

	"github.com/dkeye/Nearby/internal/app/orch"
	"github.com/dkeye/Nearby/internal/core"
	"github.com/dkeye/Nearby/internal/domain"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

func (ctl *SignalWSController) writePump(sess *orch.Session, c *WsSignalConn) {
	ticker := time.NewTicker(ctl.Opts.PingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-sess.Context().Done():
			return
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Warn().Err(err).Str("module", "signal").Str("conn", string(sess.Conn())).Msg("writePump write error")
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Warn().Err(err).Str("module", "signal").Str("conn", string(sess.Conn())).Msg("writePump ping error")
				return
			}
		}
	}
}

// readPump owns the disconnect: any read error ends the session at once,
// without waiting for queued messages.
func (ctl *SignalWSController) readPump(sess *orch.Session, c *WsSignalConn, inbox chan<- core.Inbound) {
	defer ctl.Orch.HandleDisconnect(sess)

	_ = c.conn.SetReadDeadline(time.Now().Add(ctl.Opts.PongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(ctl.Opts.PongWait))
		go ctl.Orch.Heartbeat(sess)
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn().Err(err).Str("module", "signal").Str("conn", string(sess.Conn())).Msg("readPump read error")
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(ctl.Opts.PongWait))

		msg, err := Decode(data)
		if err != nil {
			log.Debug().Err(err).Str("module", "signal").Str("conn", string(sess.Conn())).Msg("bad frame")
			sendError(c.TrySend, err)
			continue
		}
		select {
		case inbox <- msg:
		case <-sess.Context().Done():
			return
		}
	}
}

// processLoop dispatches one connection's messages strictly in arrival order.
func (ctl *SignalWSController) processLoop(sess *orch.Session, c *WsSignalConn, inbox <-chan core.Inbound) {
	ctx := sess.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-inbox:
			err := ctl.Orch.Dispatch(ctx, sess, msg)
			if err == nil {
				continue
			}
			if errors.Is(err, context.Canceled) {
				return
			}
			log.Debug().Err(err).Str("module", "signal").Str("conn", string(sess.Conn())).Msgf("%T rejected", msg)
			sendError(c.TrySend, err)
			if errors.Is(err, domain.ErrRegisterFailed) {
				// The write pump flushes the error, then the read side sees the close.
				c.Close()
			}
		}
	}
}
