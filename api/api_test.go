package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"duochat/auth"
	"duochat/boltstore"
	"duochat/chat"
	"duochat/registry"
)

type fakeRegistry struct{}

func (fakeRegistry) GetUsers(_ context.Context, ids []string) ([]registry.UserInfo, error) {
	if len(ids) == 0 {
		return nil, &chat.Error{Code: chat.CodeNoIDsProvided, Reason: "no ids provided"}
	}
	out := make([]registry.UserInfo, 0, len(ids))
	for _, id := range ids {
		out = append(out, registry.UserInfo{ID: id, DisplayName: "name-" + id})
	}
	return out, nil
}

func (fakeRegistry) ClaimHandle(context.Context, string, string, string) error { return nil }

func (fakeRegistry) LookupHandle(context.Context, string) (*registry.UserInfo, error) {
	return nil, nil
}

type nullPublisher struct{}

func (nullPublisher) ConvChanged(context.Context, string, [2]string) error { return nil }

func newTestServer(t *testing.T) *httptest.Server {
	store, err := boltstore.Open(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	authClient := &auth.MockClient{Missing: map[string]bool{"ghost": true}}
	appender := chat.NewAppender(store, chat.EstimatorV1{}, chat.DocLimitBytes, chat.DefaultRolloverPct)
	service := chat.NewService(appender, authClient, nullPublisher{})

	mux := http.NewServeMux()
	NewServer(authClient, service, fakeRegistry{}).Register(mux)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func post(t *testing.T, srv *httptest.Server, path, uid string, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, srv.URL+path, bytes.NewReader(raw))
	require.NoError(t, err)
	if uid != "" {
		req.AddCookie(&http.Cookie{Name: "x-uid", Value: uid})
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeError(t *testing.T, resp *http.Response) chat.Code {
	t.Helper()
	var body struct {
		Error struct {
			Code chat.Code `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body.Error.Code
}

func TestSendMessageEndpoint(t *testing.T) {
	srv := newTestServer(t)

	resp := post(t, srv, "/api/sendMessage", "alice", map[string]string{"to": "bob", "text": "hi"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var ok struct {
		Success bool `json:"success"`
		Message struct {
			Sender    string `json:"sender"`
			Text      string `json:"text"`
			Timestamp int64  `json:"timestamp"`
		} `json:"message"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&ok))
	assert.True(t, ok.Success)
	assert.Equal(t, "alice", ok.Message.Sender)
	assert.NotZero(t, ok.Message.Timestamp)

	// No cookie: the validation chain reports the missing identity.
	resp = post(t, srv, "/api/sendMessage", "", map[string]string{"to": "bob", "text": "hi"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, chat.CodeUnauthenticated, decodeError(t, resp))

	resp = post(t, srv, "/api/sendMessage", "alice", map[string]string{"to": "ghost", "text": "hi"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, chat.CodeRecipientNotFound, decodeError(t, resp))

	resp = post(t, srv, "/api/sendMessage", "alice",
		map[string]string{"to": "bob", "text": strings.Repeat("a", chat.MaxTextUnits+1)})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, chat.CodeMessageTooLong, decodeError(t, resp))
}

func TestGetUserInfoEndpoint(t *testing.T) {
	srv := newTestServer(t)

	resp := post(t, srv, "/api/getUserInfo", "alice", map[string][]string{"uid": {"u1", "u2"}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var ok struct {
		Success bool                `json:"success"`
		Users   []registry.UserInfo `json:"users"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&ok))
	require.Len(t, ok.Users, 2)
	assert.Equal(t, "name-u1", ok.Users[0].DisplayName)

	resp = post(t, srv, "/api/getUserInfo", "", map[string][]string{"uid": {"u1"}})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = post(t, srv, "/api/getUserInfo", "alice", map[string][]string{"uid": {}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, chat.CodeNoIDsProvided, decodeError(t, resp))
}
