package engine

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koltyakov/tunnelguard/internal/domain"
)

func newClient(t *testing.T, h http.HandlerFunc, token string) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := New(Config{URL: srv.URL + "/engine", Token: token})
	require.NoError(t, err)
	return c
}

func TestNewRejectsRelativeURL(t *testing.T) {
	t.Parallel()

	_, err := New(Config{URL: "localhost:3000"})
	assert.Error(t, err)
	_, err = New(Config{URL: "ftp://example.com"})
	assert.Error(t, err)
}

func TestTriggerEvent(t *testing.T) {
	t.Parallel()

	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/engine"+EventsPath, r.URL.Path)
		assert.Equal(t, "Bearer engine-secret", r.Header.Get("Authorization"))
		var req domain.EventRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "task.create", req.Event)
		assert.JSONEq(t, `{"title":"x"}`, string(req.Payload))
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"t1"}`)
	}, "engine-secret")

	out, err := c.TriggerEvent(context.Background(), "task.create", json.RawMessage(`{"title":"x"}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"t1"}`, string(out))
}

func TestTriggerEventStatusError(t *testing.T) {
	t.Parallel()

	c := newClient(t, func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "no such handler", http.StatusNotFound)
	}, "")

	_, err := c.TriggerEvent(context.Background(), "task.create", nil)
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusNotFound, se.Status)
	assert.Equal(t, "no such handler", se.Body)
}

func TestTriggerEventEngineDown(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c, err := New(Config{URL: url})
	require.NoError(t, err)
	_, err = c.TriggerEvent(context.Background(), "task.create", nil)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestFetchStripsGatewayCredentials(t *testing.T) {
	t.Parallel()

	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/engine/api/tasks", r.URL.Path)
		assert.Equal(t, "limit=5", r.URL.RawQuery)
		assert.Empty(t, r.Header.Get("X-Gateway-Token"))
		assert.Empty(t, r.Header.Get("Cookie"))
		assert.Empty(t, r.Header.Get("X-Hop"))
		assert.Equal(t, "Bearer engine-secret", r.Header.Get("Authorization"))
		assert.Equal(t, "keep", r.Header.Get("X-Custom"))
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		_, _ = io.WriteString(w, `[{"id":"1"}]`)
	}, "engine-secret")

	r := httptest.NewRequest(http.MethodGet, "/api/tasks?limit=5", nil)
	r.Header.Set("Authorization", "Bearer caller-jwt")
	r.Header.Set("X-Gateway-Token", "gateway")
	r.Header.Set("Cookie", "sid=1")
	r.Header.Set("Connection", "X-Hop")
	r.Header.Set("X-Hop", "1")
	r.Header.Set("X-Custom", "keep")

	resp, err := c.Fetch(context.Background(), r)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.True(t, resp.IsJSON())
	assert.JSONEq(t, `[{"id":"1"}]`, string(resp.Body))
}

func TestFetchForwardsBody(t *testing.T) {
	t.Parallel()

	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte(strings.ToUpper(string(body))))
	}, "")

	r := httptest.NewRequest(http.MethodPut, "/api/notes/1", strings.NewReader("hello"))
	resp, err := c.Fetch(context.Background(), r)
	require.NoError(t, err)
	assert.False(t, resp.IsJSON())
	assert.Equal(t, "HELLO", string(resp.Body))
}
