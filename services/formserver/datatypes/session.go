// Copyright (C) 2025 Cyril Zhao (cyril@formlink.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package datatypes holds the JSON wire types of the form server API.
package datatypes

import (
	"time"

	"github.com/cyrilzhao/formlink/services/linkage/schema"
)

// CreateSessionRequest starts a form session for a registered schema.
type CreateSessionRequest struct {
	// FormID selects the schema, as registered from the schema directory.
	FormID string `json:"formId" binding:"required"`

	// Values seeds the session's initial form values.
	Values map[string]any `json:"values,omitempty"`
}

// SessionInfo summarizes one live session.
type SessionInfo struct {
	ID        string    `json:"id"`
	FormID    string    `json:"formId"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// SessionListResponse is the GET /v1/sessions payload.
type SessionListResponse struct {
	Sessions []SessionInfo `json:"sessions"`
}

// SetValueRequest writes one field value into a session.
type SetValueRequest struct {
	Field string `json:"field" binding:"required"`
	Value any    `json:"value"`
}

// StateResponse carries a session's derived state and, for the
// websocket feed and the values endpoint, its current values.
type StateResponse struct {
	SessionID string                           `json:"sessionId"`
	Values    map[string]any                   `json:"values,omitempty"`
	Results   map[string]*schema.LinkageResult `json:"results"`
}
