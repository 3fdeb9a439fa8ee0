// Copyright (C) 2025 Cyril Zhao (cyril@formlink.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/cyrilzhao/formlink/services/formserver/datatypes"
	"github.com/cyrilzhao/formlink/services/formserver/registry"
	"github.com/cyrilzhao/formlink/services/formserver/session"
)

// CreateSession starts a session for a registered form.
func CreateSession(manager *session.Manager, schemas *registry.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req datatypes.CreateSessionRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		form, ok := schemas.Get(req.FormID)
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown form id: " + req.FormID})
			return
		}
		sess, err := manager.Create(c.Request.Context(), form, req.Values)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create session"})
			return
		}
		c.JSON(http.StatusCreated, sessionInfo(sess))
	}
}

// ListSessions lists live sessions, oldest first.
func ListSessions(manager *session.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		sessions := manager.List()
		out := datatypes.SessionListResponse{Sessions: make([]datatypes.SessionInfo, 0, len(sessions))}
		for _, sess := range sessions {
			out.Sessions = append(out.Sessions, sessionInfo(sess))
		}
		c.JSON(http.StatusOK, out)
	}
}

// GetSessionState returns a session's derived-state map.
func GetSessionState(manager *session.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		sess, ok := lookupSession(c, manager)
		if !ok {
			return
		}
		c.JSON(http.StatusOK, datatypes.StateResponse{
			SessionID: sess.ID,
			Results:   sess.Results(),
		})
	}
}

// GetSessionValues returns a session's current form values.
func GetSessionValues(manager *session.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		sess, ok := lookupSession(c, manager)
		if !ok {
			return
		}
		c.JSON(http.StatusOK, gin.H{"sessionId": sess.ID, "values": sess.Values()})
	}
}

// PatchSessionValue writes one field value into a session. The
// recompute runs asynchronously; clients follow the websocket feed or
// poll the state endpoint for the settled result.
func PatchSessionValue(manager *session.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		sess, ok := lookupSession(c, manager)
		if !ok {
			return
		}
		var req datatypes.SetValueRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := sess.SetValue(req.Field, req.Value); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"sessionId": sess.ID, "field": req.Field})
	}
}

// DeleteSession closes a session and removes its persisted record.
func DeleteSession(manager *session.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		if err := manager.Delete(id); err != nil {
			if errors.Is(err, session.ErrSessionNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete session"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"deletedSessionId": id})
	}
}

func lookupSession(c *gin.Context, manager *session.Manager) (*session.Session, bool) {
	sess, err := manager.Get(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return nil, false
	}
	return sess, true
}

func sessionInfo(sess *session.Session) datatypes.SessionInfo {
	return datatypes.SessionInfo{
		ID:        sess.ID,
		FormID:    sess.FormID,
		CreatedAt: sess.CreatedAt,
		UpdatedAt: sess.UpdatedAt(),
	}
}
