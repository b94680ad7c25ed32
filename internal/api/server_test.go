package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cafrisales/notification-gateway/internal/cache"
	"github.com/cafrisales/notification-gateway/internal/engine"
	"github.com/cafrisales/notification-gateway/internal/model"
	"github.com/cafrisales/notification-gateway/internal/upstream"
)

type stubBackend struct {
	items []map[string]any
}

func (b *stubBackend) ListNotifications(context.Context, upstream.ListQuery) ([]json.RawMessage, error) {
	out := make([]json.RawMessage, 0, len(b.items))
	for _, it := range b.items {
		raw, _ := json.Marshal(it)
		out = append(out, raw)
	}
	return out, nil
}
func (b *stubBackend) UnreadCount(context.Context) (int, error)        { return 0, nil }
func (b *stubBackend) MarkRead(context.Context, string) error          { return nil }
func (b *stubBackend) MarkAllRead(context.Context) error               { return nil }
func (b *stubBackend) MarkBatch(context.Context, []string, bool) error { return nil }
func (b *stubBackend) ListTypes(context.Context) ([]model.TypeDescriptor, error) {
	return nil, nil
}
func (b *stubBackend) ListSubscriptions(context.Context) ([]model.Preference, error) {
	return nil, nil
}
func (b *stubBackend) UpsertSubscription(context.Context, model.Preference) error { return nil }

func newTestServer(t *testing.T, backend upstream.Backend) *Server {
	t.Helper()
	log := zap.NewNop().Sugar()
	store := cache.NewMemoryStore()
	factory := func(token, sessionKey string, onAuthError func(error)) *engine.Center {
		return engine.New(engine.Options{
			Token: token, SessionKey: sessionKey,
			Backend: backend, Store: store, Logger: log,
			AlertTTL: time.Minute,
		})
	}
	reg := NewSessionRegistry(factory, log)
	t.Cleanup(reg.CloseAll)
	return NewServer(reg, log)
}

func doJSON(t *testing.T, app *Server, method, path, token string) (int, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := app.App().Test(req, 5000)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	var decoded map[string]any
	_ = json.Unmarshal(body, &decoded)
	return resp.StatusCode, decoded
}

func TestRequestsWithoutTokenAreRejected(t *testing.T) {
	srv := newTestServer(t, &stubBackend{})
	code, _ := doJSON(t, srv, http.MethodGet, "/v1/notifications", "")
	assert.Equal(t, http.StatusUnauthorized, code)

	// health stays open
	code, _ = doJSON(t, srv, http.MethodGet, "/v1/health", "")
	assert.Equal(t, http.StatusOK, code)
}

func TestQueryTokenRejectedOutsideFeedUpgrade(t *testing.T) {
	srv := newTestServer(t, &stubBackend{})

	// the query fallback exists for websocket upgrades only; a REST call
	// carrying the credential in the URL is refused
	code, _ := doJSON(t, srv, http.MethodGet, "/v1/notifications?token=tok-1", "")
	assert.Equal(t, http.StatusUnauthorized, code)
}

func TestListAndMarkReadFlow(t *testing.T) {
	backend := &stubBackend{items: []map[string]any{
		{"id": "a", "type": "order_approved", "title": "A", "message": "m", "timestamp": 300},
		{"id": "b", "type": "payment_due", "title": "B", "message": "m", "timestamp": 200},
	}}
	srv := newTestServer(t, backend)

	code, body := doJSON(t, srv, http.MethodPost, "/v1/notifications/refresh", "tok-1")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(2), body["unread_count"])

	code, body = doJSON(t, srv, http.MethodPatch, "/v1/notifications/a/read", "tok-1")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["success"])

	code, body = doJSON(t, srv, http.MethodGet, "/v1/notifications/unread-count", "tok-1")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(1), body["count"])
}

func TestSessionIsolationByToken(t *testing.T) {
	backend := &stubBackend{items: []map[string]any{
		{"id": "a", "type": "x", "title": "A", "message": "m", "timestamp": 300},
	}}
	srv := newTestServer(t, backend)

	code, _ := doJSON(t, srv, http.MethodPost, "/v1/notifications/refresh", "tok-user-1")
	require.Equal(t, http.StatusOK, code)

	// a different identity starts with an empty inbox
	code, body := doJSON(t, srv, http.MethodGet, "/v1/notifications", "tok-user-2")
	require.Equal(t, http.StatusOK, code)
	assert.Empty(t, body["data"])
}

func TestLogoutTearsDownSession(t *testing.T) {
	backend := &stubBackend{items: []map[string]any{
		{"id": "a", "type": "x", "title": "A", "message": "m", "timestamp": 300},
	}}
	srv := newTestServer(t, backend)

	code, _ := doJSON(t, srv, http.MethodPost, "/v1/notifications/refresh", "tok-1")
	require.Equal(t, http.StatusOK, code)
	code, _ = doJSON(t, srv, http.MethodPost, "/v1/logout", "tok-1")
	require.Equal(t, http.StatusOK, code)

	// re-auth builds a fresh engine; the old cache was cleared on teardown
	code, body := doJSON(t, srv, http.MethodGet, "/v1/notifications", "tok-1")
	require.Equal(t, http.StatusOK, code)
	assert.Empty(t, body["data"])
}
