// Copyright (C) 2025 Cyril Zhao (cyril@formlink.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package formserver

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyrilzhao/formlink/services/formserver/datatypes"
)

const accountFormYAML = `
form_id: account-form
version: "1"
fields:
  accountType:
    type: select
  companyName:
    type: string
linkages:
  - field: companyName
    type: visibility
    dependencies: [accountType]
    when:
      field: accountType
      operator: "=="
      value: company
    fulfill:
      state: {visible: true}
    otherwise:
      state: {visible: false}
`

func newTestServer(t *testing.T) *Server {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "account.yaml"), []byte(accountFormYAML), 0o640))

	srv, err := NewServer(Config{
		SchemaDir:     dir,
		InMemoryStore: true,
	})
	require.NoError(t, err)
	t.Cleanup(srv.closeResources)
	return srv
}

func doJSON(t *testing.T, srv *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)
	return w
}

func createSession(t *testing.T, srv *Server, values map[string]any) datatypes.SessionInfo {
	t.Helper()
	w := doJSON(t, srv, http.MethodPost, "/v1/sessions", datatypes.CreateSessionRequest{
		FormID: "account-form",
		Values: values,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var info datatypes.SessionInfo
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &info))
	return info
}

func getState(t *testing.T, srv *Server, id string) datatypes.StateResponse {
	t.Helper()
	w := doJSON(t, srv, http.MethodGet, "/v1/sessions/"+id+"/state", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var state datatypes.StateResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &state))
	return state
}

func TestServer_Health(t *testing.T) {
	srv := newTestServer(t)
	w := doJSON(t, srv, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestServer_SchemaDirLoaded(t *testing.T) {
	srv := newTestServer(t)
	assert.Equal(t, []string{"account-form"}, srv.Schemas().IDs())
}

func TestServer_SessionLifecycle(t *testing.T) {
	srv := newTestServer(t)

	info := createSession(t, srv, map[string]any{"accountType": "company"})
	assert.Equal(t, "account-form", info.FormID)

	state := getState(t, srv, info.ID)
	require.NotNil(t, state.Results["companyName"])
	assert.True(t, *state.Results["companyName"].Visible)

	w := doJSON(t, srv, http.MethodGet, "/v1/sessions", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list datatypes.SessionListResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list.Sessions, 1)

	w = doJSON(t, srv, http.MethodDelete, "/v1/sessions/"+info.ID, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w = doJSON(t, srv, http.MethodGet, "/v1/sessions/"+info.ID+"/state", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestServer_CreateSessionUnknownForm(t *testing.T) {
	srv := newTestServer(t)
	w := doJSON(t, srv, http.MethodPost, "/v1/sessions", datatypes.CreateSessionRequest{FormID: "nope"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestServer_PatchValueRecomputes(t *testing.T) {
	srv := newTestServer(t)
	info := createSession(t, srv, map[string]any{"accountType": "person"})

	state := getState(t, srv, info.ID)
	require.False(t, *state.Results["companyName"].Visible)

	w := doJSON(t, srv, http.MethodPatch, "/v1/sessions/"+info.ID+"/values", datatypes.SetValueRequest{
		Field: "accountType",
		Value: "company",
	})
	require.Equal(t, http.StatusAccepted, w.Code)

	require.Eventually(t, func() bool {
		state := getState(t, srv, info.ID)
		r := state.Results["companyName"]
		return r != nil && r.Visible != nil && *r.Visible
	}, 2*time.Second, 10*time.Millisecond)

	w = doJSON(t, srv, http.MethodGet, "/v1/sessions/"+info.ID+"/values", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"accountType":"company"`)
}

func TestServer_SchemaCheck(t *testing.T) {
	srv := newTestServer(t)

	t.Run("valid", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/v1/schemas/check", strings.NewReader(accountFormYAML))
		w := httptest.NewRecorder()
		srv.Router().ServeHTTP(w, req)
		require.Equal(t, http.StatusOK, w.Code)

		var resp datatypes.SchemaCheckResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.True(t, resp.Valid)
		assert.Equal(t, "account-form", resp.FormID)
		assert.Empty(t, resp.Cycle)
	})

	t.Run("invalid operator", func(t *testing.T) {
		bad := strings.Replace(accountFormYAML, `operator: "=="`, `operator: "~~"`, 1)
		req := httptest.NewRequest(http.MethodPost, "/v1/schemas/check", strings.NewReader(bad))
		w := httptest.NewRecorder()
		srv.Router().ServeHTTP(w, req)
		require.Equal(t, http.StatusOK, w.Code)

		var resp datatypes.SchemaCheckResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.False(t, resp.Valid)
		assert.NotEmpty(t, resp.Errors)
	})
}

func TestServer_Websocket(t *testing.T) {
	srv := newTestServer(t)
	info := createSession(t, srv, map[string]any{"accountType": "person"})

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/sessions/" + info.ID + "/ws"
	ws, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		defer resp.Body.Close()
	}
	defer ws.Close()

	var initial datatypes.StateResponse
	require.NoError(t, ws.ReadJSON(&initial))
	assert.Equal(t, info.ID, initial.SessionID)
	require.NotNil(t, initial.Results["companyName"])
	assert.False(t, *initial.Results["companyName"].Visible)

	require.NoError(t, ws.WriteJSON(datatypes.SetValueRequest{Field: "accountType", Value: "company"}))

	deadline := time.Now().Add(2 * time.Second)
	for {
		require.NoError(t, ws.SetReadDeadline(deadline))
		var state datatypes.StateResponse
		require.NoError(t, ws.ReadJSON(&state))
		r := state.Results["companyName"]
		if r != nil && r.Visible != nil && *r.Visible {
			break
		}
		require.True(t, time.Now().Before(deadline), "no visible push before deadline")
	}
}
