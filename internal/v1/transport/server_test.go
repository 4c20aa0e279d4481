package transport

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentroom/agentroom/internal/v1/dispatcher"
	"github.com/agentroom/agentroom/internal/v1/protocol"
	"github.com/agentroom/agentroom/internal/v1/room"
	"github.com/agentroom/agentroom/internal/v1/session"
)

func startTestServer(t *testing.T) (*httptest.Server, *Server) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	sessions := session.NewRegistry()
	rooms := room.NewRegistry(sessions)
	wsServer := NewServer(dispatcher.New(sessions, rooms), nil)

	router := gin.New()
	router.GET("/ws", wsServer.ServeWs)

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv, wsServer
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func readEnvelope(t *testing.T, ws *websocket.Conn) *protocol.Envelope {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	env, err := protocol.Parse(data)
	require.NoError(t, err)
	return env
}

func writeJSON(t *testing.T, ws *websocket.Conn, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, data))
}

func TestWelcomeAndAuthOverWebSocket(t *testing.T) {
	srv, _ := startTestServer(t)
	ws := dial(t, srv)

	welcome := readEnvelope(t, ws)
	assert.Equal(t, protocol.TypeSystem, welcome.Type)
	assert.Equal(t, "welcome", welcome.Payload["event"])

	writeJSON(t, ws, map[string]any{
		"type":    "action",
		"payload": map[string]any{"action": "auth", "name": "Alice"},
	})

	resp := readEnvelope(t, ws)
	assert.Equal(t, protocol.TypeResponse, resp.Type)
	assert.Equal(t, "auth", resp.Payload["action"])
	assert.Equal(t, true, resp.Payload["success"])

	data := resp.Payload["data"].(map[string]any)
	assert.Equal(t, "Alice", data["name"])
	assert.NotEmpty(t, data["token"])
}

func TestTakeoverCloseCodeOverWebSocket(t *testing.T) {
	srv, _ := startTestServer(t)

	ws1 := dial(t, srv)
	readEnvelope(t, ws1) // welcome
	writeJSON(t, ws1, map[string]any{
		"type":    "action",
		"payload": map[string]any{"action": "auth", "name": "Alice"},
	})
	resp := readEnvelope(t, ws1)
	token := resp.Payload["data"].(map[string]any)["token"].(string)

	ws2 := dial(t, srv)
	readEnvelope(t, ws2) // welcome
	writeJSON(t, ws2, map[string]any{
		"type":    "action",
		"payload": map[string]any{"action": "auth", "name": "Alice", "token": token},
	})
	resp2 := readEnvelope(t, ws2)
	assert.Equal(t, true, resp2.Payload["success"])

	// The first connection is closed with the takeover code.
	require.NoError(t, ws1.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := ws1.ReadMessage()
	require.Error(t, err)
	closeErr, ok := err.(*websocket.CloseError)
	require.True(t, ok, "expected a close frame, got %v", err)
	assert.Equal(t, protocol.CloseTakeover, closeErr.Code)
	assert.Equal(t, protocol.TakeoverReason, closeErr.Text)
}

func TestMalformedFrameKeepsConnection(t *testing.T) {
	srv, _ := startTestServer(t)
	ws := dial(t, srv)
	readEnvelope(t, ws) // welcome

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("garbage")))
	errEnv := readEnvelope(t, ws)
	assert.Equal(t, protocol.TypeError, errEnv.Type)

	// Still usable afterwards.
	writeJSON(t, ws, map[string]any{
		"type":    "action",
		"payload": map[string]any{"action": "ping"},
	})
	resp := readEnvelope(t, ws)
	assert.Equal(t, "ping", resp.Payload["action"])
}

func TestShutdownClosesClients(t *testing.T) {
	srv, wsServer := startTestServer(t)
	ws := dial(t, srv)
	readEnvelope(t, ws) // welcome

	wsServer.Shutdown()

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := ws.ReadMessage()
	require.Error(t, err)
	closeErr, ok := err.(*websocket.CloseError)
	require.True(t, ok)
	assert.Equal(t, protocol.CloseNormal, closeErr.Code)
}
