package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/wasta-market/wasta-chat/internal/auth"
	"github.com/wasta-market/wasta-chat/internal/config"
	"github.com/wasta-market/wasta-chat/internal/realtime"
	"github.com/wasta-market/wasta-chat/internal/service/chat"
	"github.com/wasta-market/wasta-chat/internal/store"
	"github.com/wasta-market/wasta-chat/internal/store/sqlite"
)

const testSecret = "test-secret"

type testEnv struct {
	handler http.Handler
	ts      *httptest.Server
	store   *sqlite.SQLiteStore
	auth    *auth.Service
	chat    *chat.Service
}

// newTestEnv creates a server over an in-memory SQLite store and a running hub.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	st, err := sqlite.NewWithSetup(":memory:", sqlite.ApplySchema)
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	hub := realtime.NewHub(16, nil)
	go hub.Run(ctx)

	authService := auth.NewService(st, &auth.JWTConfig{
		Secret:   []byte(testSecret),
		Issuer:   "test",
		Audience: "test",
		TTL:      24 * time.Hour,
	})
	chatService := chat.New(st, hub, nil)

	disabledLogger := zerolog.Nop()
	cfg := config.Config{
		Addr:              ":0",
		ReadHeaderTimeout: time.Second,
		ShutdownTimeout:   time.Second,
		MaxMessageBytes:   1 << 20,
	}

	server := NewServer(Deps{Auth: authService, Chat: chatService, Users: st, Broker: hub}, &cfg, &disabledLogger)
	ts := httptest.NewServer(server.Handler)
	t.Cleanup(ts.Close)

	return &testEnv{handler: server.Handler, ts: ts, store: st, auth: authService, chat: chatService}
}

func (e *testEnv) register(t *testing.T, username string, role store.Role) (string, *store.User) {
	t.Helper()
	token, user, err := e.auth.Register(context.Background(), auth.Registration{Username: username, Password: "password123", Role: role})
	if err != nil {
		t.Fatalf("failed to register %s: %v", username, err)
	}
	return token, user
}

// call serves one request through the router and returns the recorder.
func (e *testEnv) call(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp := httptest.NewRecorder()
	e.handler.ServeHTTP(resp, req)
	return resp
}

func decode[T any](t *testing.T, resp *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(resp.Body.Bytes(), &v); err != nil {
		t.Fatalf("failed to unmarshal response %q: %v", resp.Body.String(), err)
	}
	return v
}
