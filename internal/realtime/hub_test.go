package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/babylonmarket/a2a/internal/connection"
	"github.com/babylonmarket/a2a/internal/jsonrpc"
)

// echoDispatcher answers every request with its own method name and
// ignores notifications.
type echoDispatcher struct{}

func (echoDispatcher) Dispatch(_ context.Context, conn *connection.Conn, raw []byte) *jsonrpc.Response {
	var req jsonrpc.Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return jsonrpc.NewError(jsonrpc.NullID, jsonrpc.ParseError())
	}
	if req.IsNotification() {
		return nil
	}
	return jsonrpc.NewResult(req.ID, map[string]string{"method": req.Method, "connectionId": conn.ID})
}

func startHub(t *testing.T, maxConns int) (*Hub, *connection.Manager, string) {
	t.Helper()
	cfg := connection.DefaultConfig()
	cfg.MaxConnections = maxConns
	conns := connection.NewManager(cfg, slog.Default())
	hub := NewHub(conns, echoDispatcher{}, Config{}, slog.Default())

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	t.Cleanup(srv.Close)
	return hub, conns, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func readJSON(t *testing.T, ws *websocket.Conn) map[string]any {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var out map[string]any
	require.NoError(t, ws.ReadJSON(&out))
	return out
}

func TestHub_RequestResponseInOrder(t *testing.T) {
	_, conns, url := startHub(t, 10)
	ws := dial(t, url)

	for i := 0; i < 5; i++ {
		require.NoError(t, ws.WriteMessage(websocket.TextMessage,
			[]byte(`{"jsonrpc":"2.0","method":"m`+string(rune('0'+i))+`","id":`+string(rune('0'+i))+`}`)))
	}
	for i := 0; i < 5; i++ {
		resp := readJSON(t, ws)
		assert.Equal(t, float64(i), resp["id"])
		result := resp["result"].(map[string]any)
		assert.Equal(t, "m"+string(rune('0'+i)), result["method"])
	}
	assert.Equal(t, 1, conns.Count())
}

func TestHub_NotificationGetsNoResponse(t *testing.T) {
	_, _, url := startHub(t, 10)
	ws := dial(t, url)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"jsonrpc":"2.0","method":"quiet"}`)))
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"jsonrpc":"2.0","method":"loud","id":"x"}`)))

	resp := readJSON(t, ws)
	assert.Equal(t, "x", resp["id"])
}

func TestHub_PushReachesSocket(t *testing.T) {
	_, conns, url := startHub(t, 10)
	ws := dial(t, url)

	c, ok := conns.Get(sessionID(t, ws))
	require.True(t, ok)
	_, err := conns.MarkAuthenticated(c.ID, connection.Identity{AgentID: "agent-1"})
	require.NoError(t, err)

	n := conns.SendToAgent("agent-1", []byte(`{"jsonrpc":"2.0","method":"a2a.message","params":{},"id":null}`))
	assert.Equal(t, 1, n)

	msg := readJSON(t, ws)
	assert.Equal(t, "a2a.message", msg["method"])
}

func TestHub_PeerCloseUnregisters(t *testing.T) {
	_, conns, url := startHub(t, 10)
	ws := dial(t, url)
	require.Eventually(t, func() bool { return conns.Count() == 1 }, time.Second, 10*time.Millisecond)

	_ = ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
	_ = ws.Close()

	assert.Eventually(t, func() bool { return conns.Count() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestHub_CapacityClosesWithPolicyViolation(t *testing.T) {
	_, conns, url := startHub(t, 1)
	dial(t, url)
	require.Eventually(t, func() bool { return conns.Count() == 1 }, time.Second, 10*time.Millisecond)

	second := dial(t, url)
	_ = second.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := second.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, connection.ClosePolicyViolation), "got %v", err)
	assert.Equal(t, 1, conns.Count())
}

func TestHub_ServerCloseSendsCode(t *testing.T) {
	_, conns, url := startHub(t, 10)
	ws := dial(t, url)
	require.Eventually(t, func() bool { return conns.Count() == 1 }, time.Second, 10*time.Millisecond)

	conns.Close(sessionID(t, ws), connection.ClosePolicyViolation, "authentication timeout")

	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := ws.ReadMessage()
	require.Error(t, err)
	var ce *websocket.CloseError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, connection.ClosePolicyViolation, ce.Code)
	assert.Equal(t, "authentication timeout", ce.Text)
}

func TestHub_ShutdownClosesAndRefuses(t *testing.T) {
	hub, conns, url := startHub(t, 10)
	ws := dial(t, url)
	require.Eventually(t, func() bool { return conns.Count() == 1 }, time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, hub.Shutdown(ctx))

	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := ws.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, connection.CloseGoingAway), "got %v", err)

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestClient_SendFailsFast(t *testing.T) {
	c := newClient(nil, 1)
	require.NoError(t, c.Send([]byte("a")))
	assert.ErrorIs(t, c.Send([]byte("b")), ErrSendBufferFull)

	require.NoError(t, c.Close(connection.CloseNormal, "done"))
	require.NoError(t, c.Close(connection.CloseGoingAway, "again"))
	assert.ErrorIs(t, c.Send([]byte("c")), connection.ErrClosed)

	code, reason := c.closeFrame()
	assert.Equal(t, connection.CloseNormal, code)
	assert.Equal(t, "done", reason)
}

func TestCheckOrigin(t *testing.T) {
	hub := NewHub(nil, echoDispatcher{}, Config{AllowedOrigins: []string{"https://app.example"}}, slog.Default())
	tests := []struct {
		origin string
		want   bool
	}{
		{"", true},
		{"http://srv.local", true},
		{"https://app.example", true},
		{"https://evil.example", false},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "http://srv.local/a2a/ws", nil)
		if tt.origin != "" {
			r.Header.Set("Origin", tt.origin)
		}
		assert.Equal(t, tt.want, hub.checkOrigin(r), tt.origin)
	}
}

// sessionID asks the echo dispatcher which connection id serves ws.
func sessionID(t *testing.T, ws *websocket.Conn) string {
	t.Helper()
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"jsonrpc":"2.0","method":"whoami","id":"who"}`)))
	resp := readJSON(t, ws)
	result, ok := resp["result"].(map[string]any)
	require.True(t, ok, "unexpected response %v", resp)
	id, _ := result["connectionId"].(string)
	require.NotEmpty(t, id)
	return id
}
