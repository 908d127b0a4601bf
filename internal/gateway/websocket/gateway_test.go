package websocket

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atelier-ai/atelier/internal/common/logger"
	"github.com/atelier-ai/atelier/internal/events"
	eventbus "github.com/atelier-ai/atelier/internal/events/bus"
	"github.com/atelier-ai/atelier/internal/platform/models"
	"github.com/atelier-ai/atelier/internal/platform/repository"
	"github.com/atelier-ai/atelier/internal/tenant"
)

type gatewayFixture struct {
	server *httptest.Server
	bus    eventbus.EventBus
	tokens *tenant.TokenService
	repo   repository.Repository
	cancel context.CancelFunc
}

func newGatewayFixture(t *testing.T) *gatewayFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)

	bus := eventbus.NewMemoryEventBus(log)
	repo := repository.NewMemoryRepository()
	hub := NewHub(bus, log)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = hub.Run(ctx) }()

	tokens := tenant.NewTokenService("test-secret", 30*time.Second)
	router := gin.New()
	my := router.Group("/my", tenant.Middleware(tokens, log))
	NewHandler(hub, repo, log).RegisterRoutes(my)

	server := httptest.NewServer(router)
	t.Cleanup(func() {
		cancel()
		server.Close()
		bus.Close()
	})
	return &gatewayFixture{server: server, bus: bus, tokens: tokens, repo: repo, cancel: cancel}
}

func (f *gatewayFixture) dial(t *testing.T, userID string) *websocket.Conn {
	t.Helper()
	token, err := f.tokens.Mint(userID, "", time.Hour)
	require.NoError(t, err)

	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/my/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, map[string][]string{
		"Authorization": {"Bearer " + token},
	})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	var frame map[string]any
	require.NoError(t, json.Unmarshal(raw, &frame))
	return frame
}

func seedSession(t *testing.T, repo repository.Repository, userID, sessionID string) {
	t.Helper()
	ctx := context.Background()
	scope := tenant.Scope{UserID: userID}
	require.NoError(t, repo.EnsureUser(ctx, &models.User{ID: userID}))
	require.NoError(t, repo.CreateProject(ctx, scope, &models.Project{ID: "p-" + userID, UserID: userID, Name: "proj"}))
	require.NoError(t, repo.CreateSession(ctx, scope, &models.Session{ID: sessionID, UserID: userID, ProjectID: "p-" + userID}))
}

func TestSubscribedClientReceivesMirroredEvents(t *testing.T) {
	f := newGatewayFixture(t)
	seedSession(t, f.repo, "u1", "s1")
	conn := f.dial(t, "u1")

	require.NoError(t, conn.WriteJSON(map[string]string{"action": "subscribe", "session_id": "s1"}))
	ack := readFrame(t, conn)
	require.Equal(t, "subscribed", ack["type"])

	env := events.New("s1", events.TaskCompleted, json.RawMessage(`{"task_id":"t1"}`))
	busEvent := eventbus.NewEvent(env.EventType, "outbox", env)
	require.NoError(t, f.bus.Publish(context.Background(), events.SessionSubject("s1"), busEvent))

	frame := readFrame(t, conn)
	assert.Equal(t, events.TaskCompleted, frame["event_type"])
	assert.Equal(t, "s1", frame["session_id"])
}

func TestUnsubscribedSessionNotDelivered(t *testing.T) {
	f := newGatewayFixture(t)
	seedSession(t, f.repo, "u1", "s1")
	seedSession(t, f.repo, "u2", "s2")
	conn := f.dial(t, "u1")

	require.NoError(t, conn.WriteJSON(map[string]string{"action": "subscribe", "session_id": "s1"}))
	require.Equal(t, "subscribed", readFrame(t, conn)["type"])

	// Traffic on another session must not reach this client.
	other := events.New("s2", events.TaskCompleted, json.RawMessage(`{}`))
	require.NoError(t, f.bus.Publish(context.Background(),
		events.SessionSubject("s2"), eventbus.NewEvent(other.EventType, "outbox", other)))

	mine := events.New("s1", events.MessageCreated, json.RawMessage(`{}`))
	require.NoError(t, f.bus.Publish(context.Background(),
		events.SessionSubject("s1"), eventbus.NewEvent(mine.EventType, "outbox", mine)))

	frame := readFrame(t, conn)
	assert.Equal(t, events.MessageCreated, frame["event_type"])
}

func TestForeignSessionSubscriptionRejected(t *testing.T) {
	f := newGatewayFixture(t)
	seedSession(t, f.repo, "u1", "s1")
	conn := f.dial(t, "u2")

	require.NoError(t, conn.WriteJSON(map[string]string{"action": "subscribe", "session_id": "s1"}))
	frame := readFrame(t, conn)
	assert.Equal(t, "error", frame["type"])
	assert.Equal(t, "not_found", frame["code"])
}

func TestDialWithoutTokenRejected(t *testing.T) {
	f := newGatewayFixture(t)
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/my/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 401, resp.StatusCode)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	f := newGatewayFixture(t)
	seedSession(t, f.repo, "u1", "s1")
	conn := f.dial(t, "u1")

	require.NoError(t, conn.WriteJSON(map[string]string{"action": "subscribe", "session_id": "s1"}))
	require.Equal(t, "subscribed", readFrame(t, conn)["type"])
	require.NoError(t, conn.WriteJSON(map[string]string{"action": "unsubscribe", "session_id": "s1"}))
	require.Equal(t, "unsubscribed", readFrame(t, conn)["type"])

	env := events.New("s1", events.TaskCompleted, json.RawMessage(`{}`))
	require.NoError(t, f.bus.Publish(context.Background(),
		events.SessionSubject("s1"), eventbus.NewEvent(env.EventType, "outbox", env)))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(300*time.Millisecond)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err, "no frame expected after unsubscribe")
}
