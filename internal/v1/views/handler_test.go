package views

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentroom/agentroom/internal/v1/protocol"
	"github.com/agentroom/agentroom/internal/v1/room"
	"github.com/agentroom/agentroom/internal/v1/session"
)

type fakeConn struct {
	mu     sync.Mutex
	closed bool
}

func (c *fakeConn) Send(*protocol.Envelope) {}

func (c *fakeConn) Close(int, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *fakeConn) Open() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

func setupRouter(t *testing.T) (*gin.Engine, *session.Registry, *room.Registry) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	sessions := session.NewRegistry()
	rooms := room.NewRegistry(sessions)

	router := gin.New()
	NewHandler(sessions, rooms, time.Now().UTC()).RegisterRoutes(router)
	return router, sessions, rooms
}

func doGet(t *testing.T, router *gin.Engine, path string) (int, map[string]any) {
	t.Helper()
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	router.ServeHTTP(w, req)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return w.Code, body
}

func TestHealth(t *testing.T) {
	router, _, _ := setupRouter(t)

	code, body := doGet(t, router, "/health")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])
	assert.NotEmpty(t, body["uptime"])
	assert.NotEmpty(t, body["startedAt"])
}

func TestStats(t *testing.T) {
	router, sessions, _ := setupRouter(t)

	conn := &fakeConn{}
	sessions.Register(conn)
	require.True(t, sessions.Authenticate(conn, "Alice", "").OK)
	sessions.Register(&fakeConn{})

	code, body := doGet(t, router, "/stats")
	assert.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 2, body["connections"])
	assert.EqualValues(t, 1, body["authenticated"])
	assert.EqualValues(t, 2, body["rooms"])
}

func TestRoomsListing(t *testing.T) {
	router, _, _ := setupRouter(t)

	code, body := doGet(t, router, "/rooms")
	assert.Equal(t, http.StatusOK, code)

	rooms := body["rooms"].([]any)
	require.Len(t, rooms, 2)
	first := rooms[0].(map[string]any)
	assert.Equal(t, "general", first["id"])
	assert.Equal(t, true, first["persistent"])
	assert.Equal(t, false, first["hasPassword"])
	_, hasPassword := first["password"]
	assert.False(t, hasPassword, "passwords never appear in listings")
}

func TestRoomMembers(t *testing.T) {
	router, sessions, rooms := setupRouter(t)

	conn := &fakeConn{}
	s := sessions.Register(conn)
	require.True(t, sessions.Authenticate(conn, "Alice", "").OK)
	_, err := rooms.JoinRoom("general", s.ID, "")
	require.Nil(t, err)

	code, body := doGet(t, router, "/rooms/general")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "general", body["room_id"])

	members := body["members"].([]any)
	require.Len(t, members, 1)
	member := members[0].(map[string]any)
	assert.Equal(t, "Alice", member["name"])
	assert.Equal(t, "member", member["role"])
}

func TestRoomMembersNotFound(t *testing.T) {
	router, _, _ := setupRouter(t)

	code, body := doGet(t, router, "/rooms/nowhere")
	assert.Equal(t, http.StatusNotFound, code)
	assert.NotEmpty(t, body["error"])
}

func TestRoomPermissions(t *testing.T) {
	router, _, _ := setupRouter(t)

	code, body := doGet(t, router, "/rooms/general/permissions")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "general", body["room_id"])

	perms := body["permissions"].(map[string]any)
	assert.Contains(t, perms, "canSendMessage")

	config := body["config"].(map[string]any)
	assert.Equal(t, "public", config["defaultVisibility"])
	assert.Equal(t, "member", config["defaultRole"])
	assert.EqualValues(t, 60, config["messageRateLimit"])
}

func TestRoomPermissionsNotFound(t *testing.T) {
	router, _, _ := setupRouter(t)

	code, _ := doGet(t, router, "/rooms/nowhere/permissions")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestUsers(t *testing.T) {
	router, sessions, _ := setupRouter(t)

	for _, name := range []string{"bob", "alice"} {
		conn := &fakeConn{}
		sessions.Register(conn)
		require.True(t, sessions.Authenticate(conn, name, "").OK)
	}

	code, body := doGet(t, router, "/users")
	assert.Equal(t, http.StatusOK, code)

	users := body["users"].([]any)
	require.Len(t, users, 2)
	assert.Equal(t, "alice", users[0].(map[string]any)["name"])
	assert.Equal(t, "bob", users[1].(map[string]any)["name"])
}
