// Copyright (C) 2025 Cyril Zhao (cyril@formlink.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/cyrilzhao/formlink/pkg/logging"
	"github.com/cyrilzhao/formlink/services/formserver/datatypes"
	"github.com/cyrilzhao/formlink/services/formserver/session"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// wsConn serializes writes; gorilla connections allow one writer at a
// time and we write from both the state pusher and the reader loop.
type wsConn struct {
	mu sync.Mutex
	ws *websocket.Conn
}

func (c *wsConn) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteJSON(v)
}

// SessionWebSocket streams a session's derived state: the full state on
// connect, then one push after each settled recompute burst. Inbound
// messages are treated as value writes (same shape as the PATCH body).
func SessionWebSocket(manager *session.Manager, logger *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		sess, err := manager.Get(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}

		ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logger.Error("websocket upgrade failed", "session_id", sess.ID, "error", err)
			return
		}
		defer ws.Close()
		logger.Info("websocket client connected", "session_id", sess.ID)

		conn := &wsConn{ws: ws}
		updates, cancel := sess.Watch()
		defer cancel()

		if err := conn.writeJSON(stateOf(sess)); err != nil {
			return
		}

		// State pusher: one push per settled burst, until cancel closes
		// the channel.
		done := make(chan struct{})
		go func() {
			defer close(done)
			for range updates {
				if err := conn.writeJSON(stateOf(sess)); err != nil {
					return
				}
			}
		}()

		// Reader: inbound value writes until the client disconnects.
		for {
			var req datatypes.SetValueRequest
			if err := ws.ReadJSON(&req); err != nil {
				logger.Info("websocket client disconnected", "session_id", sess.ID)
				break
			}
			if req.Field == "" {
				if err := conn.writeJSON(gin.H{"error": "field is required"}); err != nil {
					break
				}
				continue
			}
			if err := sess.SetValue(req.Field, req.Value); err != nil {
				if err := conn.writeJSON(gin.H{"error": err.Error()}); err != nil {
					break
				}
			}
		}
		cancel()
		<-done
	}
}

func stateOf(sess *session.Session) datatypes.StateResponse {
	return datatypes.StateResponse{
		SessionID: sess.ID,
		Values:    sess.Values(),
		Results:   sess.Results(),
	}
}
